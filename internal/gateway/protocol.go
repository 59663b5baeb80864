package gateway

import (
	"encoding/json"

	"github.com/edudashpro/presence/backend-go/internal/presence"
)

type Message struct {
	Type    string          `json:"type"`
	UserID  string          `json:"userId,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

const (
	// Device to server
	TypeAppState = "app.state"
	TypeActivity = "activity"

	// Server to device
	TypeWelcome        = "welcome"
	TypePresenceState  = "presence.state"
	TypePresenceUpdate = "presence.update"
	TypePresenceSelf   = "presence.self"
	TypeError          = "error"
)

type AppStatePayload struct {
	State string `json:"state"`
}

type WelcomePayload struct {
	UserID string `json:"userId"`
	ConnID string `json:"connId"`
}

type PresenceStatePayload struct {
	Presences map[string]presence.View `json:"presences"`
}

type PresenceSelfPayload struct {
	Status presence.Status `json:"status"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

func newMessage(typ string, payload interface{}) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{Type: typ, Payload: data}, nil
}
