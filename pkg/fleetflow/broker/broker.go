// Package broker abstracts the at-least-once message source the processor
// consumes from.
//
// A Message must be acknowledged with Ack once its effect is durable, or
// released with Nack so the broker redelivers it. A message that is neither
// acked nor nacked is redelivered after the subscription closes, which is
// what the processor relies on when it abandons work during a forced
// shutdown.
package broker

import (
	"context"
	"errors"
)

// ErrClosed is returned by Fetch after the subscription has been closed.
var ErrClosed = errors.New("subscription closed")

// ErrStalled is returned by Fetch when too many messages are waiting behind
// one that was never acknowledged. Only a restart or rebalance redelivers it,
// so the subscription refuses to fetch further.
var ErrStalled = errors.New("subscription commit point stalled")

// Message is one delivery of a payload.
type Message interface {
	// Payload returns the raw message body.
	Payload() []byte

	// Key returns the partitioning key, if any.
	Key() string

	// Ack confirms the message. It is safe to call more than once.
	Ack(ctx context.Context) error

	// Nack releases the message for redelivery.
	Nack(ctx context.Context) error
}

// Subscription delivers messages.
// Fetch must be safe to call from multiple goroutines.
type Subscription interface {
	// Fetch blocks until a message is available, ctx ends, or the
	// subscription is closed.
	Fetch(ctx context.Context) (Message, error)

	// Close stops delivery. Unacked messages are left for redelivery.
	Close() error
}
