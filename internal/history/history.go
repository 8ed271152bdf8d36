package history

import (
	"context"
	"time"
)

// EventType defines the kind of session lifecycle event.
type EventType string

const (
	EventStart     EventType = "start"
	EventRunning   EventType = "running"
	EventDegraded  EventType = "degraded"
	EventReload    EventType = "reload"
	EventRecovered EventType = "recovered"
	EventFailed    EventType = "failed"
	EventStop      EventType = "stop"
)

// Event represents a session lifecycle transition to be exported to
// external systems. Detail carries the most specific diagnostic available
// at the time of the transition (failed layer name, readiness snapshot,
// engine log tail).
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Session    string    `json:"session"`
	State      string    `json:"state"`
	EnginePID  int       `json:"engine_pid"`
	Detail     string    `json:"detail,omitempty"`
}

// Sink is a destination for session events (audit/analytics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}
