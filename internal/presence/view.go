package presence

import "time"

// View is a resolved record as shown to clients.
type View struct {
	UserID     string     `json:"userId"`
	Status     Status     `json:"status"`
	LastSeenAt *time.Time `json:"lastSeenAt,omitempty"`
	Online     bool       `json:"online"`
	LastSeen   string     `json:"lastSeen"`
}

// View resolves rec for display. A nil rec is a user with no row, shown as
// offline.
func (r Resolver) View(userID string, rec *Record, now time.Time) View {
	v := View{
		UserID:   userID,
		Status:   StatusOffline,
		Online:   r.IsOnline(rec, now),
		LastSeen: r.LastSeen(rec, now),
	}
	if rec != nil {
		v.Status = rec.Status
		if !rec.LastSeenAt.IsZero() {
			seen := rec.LastSeenAt
			v.LastSeenAt = &seen
		}
	}
	return v
}

// ViewAll resolves every record in recs.
func (r Resolver) ViewAll(recs map[string]Record, now time.Time) map[string]View {
	out := make(map[string]View, len(recs))
	for id, rec := range recs {
		rec := rec
		out[id] = r.View(id, &rec, now)
	}
	return out
}
