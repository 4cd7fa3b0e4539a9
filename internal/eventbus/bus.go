// Package eventbus decouples the session coordinator from the global UI
// WebSocket channel: the coordinator publishes session lifecycle events
// without knowing who, if anyone, is listening, and the gateway's
// broadcaster subscribes without knowing who published (spec.md §4.F).
package eventbus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Subjects used for session lifecycle fan-out.
const (
	SubjectSessionCreated = "session.created"
	SubjectSessionState   = "session.state"
	SubjectSessionUpdated = "session.updated"
	SubjectSessionDeleted = "session.deleted"
)

// Event is one message on the bus.
type Event struct {
	ID        string         `json:"id"`
	Subject   string         `json:"subject"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// NewEvent builds an Event stamped with a fresh id and timestamp.
func NewEvent(subject string, data map[string]any) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Subject:   subject,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// Handler processes one delivered event.
type Handler func(ctx context.Context, event *Event) error

// Subscription is a handle to a live subscription.
type Subscription interface {
	Unsubscribe() error
}

// EventBus fans session lifecycle events out to any number of
// subscribers (typically exactly one: the WebSocket hub's broadcaster).
type EventBus interface {
	Publish(ctx context.Context, subject string, event *Event) error
	Subscribe(subject string, handler Handler) (Subscription, error)
	Close()
}
