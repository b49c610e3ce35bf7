// Package bus provides the event bus abstraction used to fan out canonical
// session events and to deliver inbound control messages.
package bus

import (
	"context"
	"fmt"
)

// Handler consumes one raw message from a subject. Handlers on a single
// subscription are invoked sequentially in delivery order.
type Handler func(ctx context.Context, subject string, data []byte) error

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// Bus is the transport for session events and controls. The bus owns no
// state; durable history lives in the session log file.
type Bus interface {
	// Publish sends a message to a subject.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe creates a subscription to a subject pattern. NATS-style
	// wildcards are supported ("*" one token, ">" tail).
	Subscribe(subject string, handler Handler) (Subscription, error)

	// Close closes the connection.
	Close()

	// IsConnected returns connection status.
	IsConnected() bool
}

// SessionEventsSubject is the per-session subject carrying canonical events.
func SessionEventsSubject(sessionID string) string {
	return fmt.Sprintf("agendo.session.%s.events", sessionID)
}

// SessionControlSubject is the per-session subject carrying inbound controls.
func SessionControlSubject(sessionID string) string {
	return fmt.Sprintf("agendo.session.%s.control", sessionID)
}
