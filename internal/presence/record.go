package presence

import (
	"fmt"
	"time"
)

type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusOffline Status = "offline"
)

func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusOnline, StatusAway, StatusOffline:
		return Status(s), nil
	}
	return "", fmt.Errorf("unknown presence status %q", s)
}

// Record is one user's row in the presence store. There is exactly one per user.
type Record struct {
	UserID     string    `json:"user_id"`
	Status     Status    `json:"status"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

// Event is a single change delivered by a store's change feed. For deletes only
// Record.UserID is meaningful.
type Event struct {
	Type   EventType
	Record Record
}
