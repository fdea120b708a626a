package queue

import (
	"context"
	"time"
)

// Message is one delivery from the event queue
type Message struct {
	// ID identifies the message for logging
	ID string
	// Body is the raw notification payload
	Body []byte
	// Receipt is the transport receipt used to settle the delivery
	Receipt uint64
}

// Queue is the event queue transport the consumer loop runs against.
// Delivery semantics (at most one in-flight delivery per message across
// consumers, redelivery after visibility expiry, dead-lettering after
// the transport's max receive count) belong to the transport, not to
// this code.
type Queue interface {
	// Receive waits up to wait for one message. Returns (nil, nil)
	// when the queue is empty for the whole wait.
	Receive(ctx context.Context, wait time.Duration) (*Message, error)

	// Delete acknowledges the message so it is never redelivered
	Delete(ctx context.Context, msg *Message) error

	// Release returns the message for redelivery. Transports whose
	// visibility expiry already does this may implement it as a no-op.
	Release(ctx context.Context, msg *Message) error

	// ExtendVisibility keeps the in-flight message from being
	// redelivered for another d while processing continues
	ExtendVisibility(ctx context.Context, msg *Message, d time.Duration) error
}
