package queue

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryQueue is an in-process Queue with visibility-timeout semantics,
// used by tests and local experiments
type MemoryQueue struct {
	mu         sync.Mutex
	visibility time.Duration
	nextID     uint64
	available  []*memoryEntry
	inflight   map[uint64]*memoryEntry
}

type memoryEntry struct {
	msg      *Message
	deadline time.Time
	receives int
}

// NewMemoryQueue creates an empty queue with the given visibility
// timeout for received messages
func NewMemoryQueue(visibility time.Duration) *MemoryQueue {
	return &MemoryQueue{
		visibility: visibility,
		inflight:   make(map[uint64]*memoryEntry),
	}
}

// Send enqueues a message body and returns its ID
func (q *MemoryQueue) Send(body []byte) string {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.nextID++
	entry := &memoryEntry{
		msg: &Message{
			ID:      fmt.Sprintf("mem-%d", q.nextID),
			Body:    body,
			Receipt: q.nextID,
		},
	}
	q.available = append(q.available, entry)
	return entry.msg.ID
}

// Receive returns the next available message or (nil, nil) after wait.
// Expired in-flight messages are returned to the queue first.
func (q *MemoryQueue) Receive(ctx context.Context, wait time.Duration) (*Message, error) {
	deadline := time.Now().Add(wait)

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		q.mu.Lock()
		q.reapExpired()
		if len(q.available) > 0 {
			entry := q.available[0]
			q.available = q.available[1:]
			entry.receives++
			entry.deadline = time.Now().Add(q.visibility)
			q.inflight[entry.msg.Receipt] = entry
			q.mu.Unlock()
			return entry.msg, nil
		}
		q.mu.Unlock()

		if !time.Now().Before(deadline) {
			return nil, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// Delete removes an in-flight message permanently
func (q *MemoryQueue) Delete(ctx context.Context, msg *Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.inflight[msg.Receipt]; !ok {
		return fmt.Errorf("message %s is not in flight", msg.ID)
	}
	delete(q.inflight, msg.Receipt)
	return nil
}

// Release makes an in-flight message immediately available again
func (q *MemoryQueue) Release(ctx context.Context, msg *Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry, ok := q.inflight[msg.Receipt]
	if !ok {
		return fmt.Errorf("message %s is not in flight", msg.ID)
	}
	delete(q.inflight, msg.Receipt)
	q.available = append(q.available, entry)
	return nil
}

// ExtendVisibility pushes out the redelivery deadline of an in-flight
// message
func (q *MemoryQueue) ExtendVisibility(ctx context.Context, msg *Message, d time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry, ok := q.inflight[msg.Receipt]
	if !ok {
		return fmt.Errorf("message %s is not in flight", msg.ID)
	}
	entry.deadline = time.Now().Add(d)
	return nil
}

// Len returns the number of messages waiting for delivery
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.reapExpired()
	return len(q.available)
}

// InFlight returns the number of received, unsettled messages
func (q *MemoryQueue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.reapExpired()
	return len(q.inflight)
}

// Receives reports how many times the message with the given receipt
// has been delivered
func (q *MemoryQueue) Receives(receipt uint64) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	if entry, ok := q.inflight[receipt]; ok {
		return entry.receives
	}
	for _, entry := range q.available {
		if entry.msg.Receipt == receipt {
			return entry.receives
		}
	}
	return 0
}

// reapExpired moves timed-out in-flight messages back to available.
// Caller must hold the lock.
func (q *MemoryQueue) reapExpired() {
	now := time.Now()
	for receipt, entry := range q.inflight {
		if now.After(entry.deadline) {
			delete(q.inflight, receipt)
			q.available = append(q.available, entry)
		}
	}
}
