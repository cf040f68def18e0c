// Package protocol defines the envelopes calchime publishes and consumes on
// its NATS bus: notice events mirrored after delivery, and configuration
// commands from external surfaces.
package protocol

import (
	"time"

	"github.com/google/uuid"
)

// Event is the canonical notice envelope published on calchime.notices.<user>.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	UserID    string         `json:"user_id"`
	Timestamp int64          `json:"timestamp"`
	Payload   map[string]any `json:"payload"`
}

// NewEvent creates an Event with a generated ID and current timestamp.
func NewEvent(eventType, userID string, payload map[string]any) Event {
	return Event{
		ID:        "ntc_" + uuid.NewString(),
		Type:      eventType,
		UserID:    userID,
		Timestamp: time.Now().Unix(),
		Payload:   payload,
	}
}
