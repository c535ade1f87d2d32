// Package bus provides the event bus abstraction the master communicates
// over: subject naming, message payloads, a NATS-backed implementation and an
// in-process implementation for tests. Every subscription delivers messages
// to its handler one at a time in arrival order; a handler may block without
// affecting other subscriptions.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
)

// Message is a single bus message as delivered to a handler.
type Message struct {
	Subject string
	Data    []byte
}

// Decode unmarshals the message payload into v.
func (m Message) Decode(v any) error {
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", m.Subject, err)
	}
	return nil
}

// Handler processes one message. Handlers on the same subscription are never
// invoked concurrently.
type Handler func(ctx context.Context, msg Message)

// Subscription represents an active subscription.
type Subscription interface {
	// Unsubscribe stops delivery. Messages already handed to the handler
	// complete; queued messages are dropped.
	Unsubscribe() error
}

// Bus is the publish/subscribe surface used by the daemon components.
type Bus interface {
	// Publish marshals payload as JSON and sends it on subject.
	Publish(ctx context.Context, subject string, payload any) error

	// Subscribe registers a handler for subject (NATS wildcards supported:
	// '*' for one token, '>' for the remainder).
	Subscribe(subject string, handler Handler) (Subscription, error)

	// Close tears down all subscriptions and the underlying connection.
	Close() error
}
