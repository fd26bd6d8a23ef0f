package history

import (
	"context"
	"time"
)

// EventType defines the kind of session event.
type EventType string

const (
	EventSessionStart   EventType = "session_start"
	EventSessionEnd     EventType = "session_end"
	EventSignal         EventType = "signal"
	EventDiagnostics    EventType = "diagnostics"
	EventBarrierRelease EventType = "barrier_released"
)

// Event is exported to external analytics systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	SessionID  string    `json:"session_id"`
	PID        int       `json:"pid,omitempty"`
	Detail     string    `json:"detail,omitempty"`
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Reader is implemented by sinks that can list what they stored.
type Reader interface {
	Events(ctx context.Context, sessionID string) ([]Event, error)
}

// Purger is implemented by sinks that support retention.
type Purger interface {
	Purge(ctx context.Context, before time.Time) (int64, error)
}

// Multi fans an event out to every sink and returns the first error after
// all of them have been tried.
type Multi []Sink

func (m Multi) Send(ctx context.Context, e Event) error {
	var first error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Send(ctx, e); err != nil && first == nil {
			first = err
		}
	}
	return first
}
