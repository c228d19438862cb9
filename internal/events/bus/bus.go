// Package bus carries relay lifecycle events to in-process watchers and,
// when configured, to NATS.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is one relay lifecycle notification. ClientID is set for every
// event that concerns a single browser client.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	ClientID  string                 `json:"clientId,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// NewEvent stamps a new event with an id and the current time.
func NewEvent(eventType, source, clientID string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		ClientID:  clientID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler consumes one event. Errors are logged by the bus.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription is returned by Subscribe.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus is implemented by MemoryEventBus and NATSEventBus.
type EventBus interface {
	// Publish must not block the caller on slow subscribers.
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe uses NATS wildcards: * matches one token, > matches the rest.
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	Close()
	IsConnected() bool
}
