package history

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart       EventType = "start"
	EventStop        EventType = "stop"
	EventCrash       EventType = "crash"
	EventCoupledStop EventType = "coupled_stop"
)

// Process names used in events.
const (
	ProcessTunnel    = "tunnel"
	ProcessWebServer = "webserver"
)

// Event represents a lifecycle event to be exported to external systems.
type Event struct {
	ID         uuid.UUID `json:"id"`
	Type       EventType `json:"type"`
	Process    string    `json:"process"`
	PID        int       `json:"pid"`
	OccurredAt time.Time `json:"occurred_at"`
	Detail     string    `json:"detail,omitempty"`
}

// NewEvent stamps a fresh id and the current UTC time.
func NewEvent(t EventType, process string, pid int, detail string) Event {
	return Event{
		ID:         uuid.New(),
		Type:       t,
		Process:    process,
		PID:        pid,
		OccurredAt: time.Now().UTC(),
		Detail:     detail,
	}
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Reader is implemented by sinks that can list what they stored.
type Reader interface {
	Recent(ctx context.Context, limit int) ([]Event, error)
}
