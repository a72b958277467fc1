package orchestrator

import (
	"time"

	"github.com/google/uuid"
)

// EventType identifies a broadcast notification.
type EventType string

const (
	EventAuthStateChanged     EventType = "AUTH_STATE_CHANGED"
	EventRefreshStatusChanged EventType = "REFRESH_STATUS_CHANGED"
)

// Auth state values carried by AUTH_STATE_CHANGED.
const (
	AuthLoggedIn  = "logged_in"
	AuthLoggedOut = "logged_out"
)

// Event is one broadcast notification to listening UIs.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// AuthStatePayload is the AUTH_STATE_CHANGED payload.
type AuthStatePayload struct {
	Status string `json:"status"`
}

// NewEvent stamps a broadcast event with an ID and timestamp.
func NewEvent(eventType EventType, payload any) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}
