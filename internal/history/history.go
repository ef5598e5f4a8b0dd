package history

import (
	"context"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart   EventType = "start"
	EventRelease EventType = "release"
)

// Record describes one supervised process at the time of an event.
type Record struct {
	PID       int       `json:"pid"`
	Service   string    `json:"service"`
	Command   string    `json:"command"`
	StartedAt time.Time `json:"started_at"`
	Cause     string    `json:"cause,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Event represents a lifecycle event exported to an external system.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}
