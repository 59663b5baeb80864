package presence

import (
	"fmt"
	"time"
)

const (
	// OnlineGrace is how long an "online" row is trusted without a fresh heartbeat.
	// Four default heartbeat intervals.
	OnlineGrace = 2 * time.Minute

	awayDisplayWindow = 30 * time.Minute
	day               = 24 * time.Hour
)

// Resolver turns cached records into display semantics. The zero value uses
// OnlineGrace and the local time zone.
type Resolver struct {
	Grace    time.Duration
	Location *time.Location
}

func (r Resolver) grace() time.Duration {
	if r.Grace <= 0 {
		return OnlineGrace
	}
	return r.Grace
}

func (r Resolver) location() *time.Location {
	if r.Location == nil {
		return time.Local
	}
	return r.Location
}

// IsOnline reports whether rec proves the user is live at now. Away and offline
// rows are authoritative; online rows expire after the grace period.
func (r Resolver) IsOnline(rec *Record, now time.Time) bool {
	if rec == nil || rec.Status != StatusOnline {
		return false
	}
	return age(rec, now) < r.grace()
}

// LastSeen renders the "last seen" label shown next to a user.
func (r Resolver) LastSeen(rec *Record, now time.Time) string {
	if rec == nil {
		return "Offline"
	}
	if r.IsOnline(rec, now) {
		return "Online"
	}

	a := age(rec, now)
	if rec.Status == StatusAway && a < awayDisplayWindow {
		return "Away"
	}

	seen := rec.LastSeenAt.In(r.location())
	switch {
	case a < time.Minute:
		return "Last seen just now"
	case a < time.Hour:
		return fmt.Sprintf("Last seen %d min ago", int(a/time.Minute))
	case a < day:
		return "Last seen today at " + seen.Format("15:04")
	}

	days := int(a / day)
	switch {
	case days == 1:
		return "Last seen yesterday at " + seen.Format("15:04")
	case days < 7:
		return fmt.Sprintf("Last seen %d days ago", days)
	}
	return "Last seen " + seen.Format("Jan 2, 2006")
}

// age is the time since the record was last asserted. A zero timestamp counts
// as infinitely old so unparseable rows land in the oldest bucket.
func age(rec *Record, now time.Time) time.Duration {
	if rec.LastSeenAt.IsZero() {
		return time.Duration(1<<63 - 1)
	}
	return now.Sub(rec.LastSeenAt)
}

// IsOnline resolves with the default grace period.
func IsOnline(rec *Record, now time.Time) bool {
	return Resolver{}.IsOnline(rec, now)
}

// LastSeen resolves with the default grace period in the local time zone.
func LastSeen(rec *Record, now time.Time) string {
	return Resolver{}.LastSeen(rec, now)
}
