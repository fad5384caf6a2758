package telemetry

import (
	"time"

	"github.com/google/uuid"
)

// Event types emitted by the result-access flow.
const (
	EventTransition    = "result_access.transition"
	EventGuardRejected = "result_access.guard_rejected"
	EventDocument      = "result_access.document"
)

// Source identifies this program in emitted events.
const Source = "resultaccess"

// Event is a best-effort flow event. It never carries codes, contacts, tokens, or document bytes.
type Event struct {
	ID        string
	EventType string
	ResultID  string
	FromState string
	ToState   string
	// ErrorKind is the failure classification, empty on success.
	ErrorKind string
	// Detail is a short machine-readable qualifier (e.g. "cooldown", "view").
	Detail    string
	Source    string
	CreatedAt time.Time
}

// NewEvent returns an event with a fresh id and the current time.
func NewEvent(eventType, resultID string) *Event {
	return &Event{
		ID:        uuid.NewString(),
		EventType: eventType,
		ResultID:  resultID,
		Source:    Source,
		CreatedAt: time.Now().UTC(),
	}
}
