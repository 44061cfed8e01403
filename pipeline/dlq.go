package pipeline

import (
	"sync"
	"time"

	"github.com/courierhq/courier/record"
)

// DeadLetter holds one record that exhausted its delivery attempts, together
// with the destination it was bound for.
type DeadLetter struct {
	Record      record.Record `json:"record"`
	Destination string        `json:"destination"`
	EnqueuedAt  time.Time     `json:"enqueued_at"`
}

// deadLetters is the bounded in-memory queue of failed records awaiting
// redelivery. It is never persisted; a process exit discards it.
type deadLetters struct {
	mu       sync.Mutex
	capacity int
	entries  []DeadLetter
}

// newDeadLetters creates a queue with the provided capacity. Capacity <= 0
// implies unbounded.
func newDeadLetters(capacity int) *deadLetters {
	queue := new(deadLetters)
	queue.capacity = capacity
	queue.entries = make([]DeadLetter, 0)
	return queue
}

// add appends the records and returns how many of the oldest entries were
// evicted to stay within capacity. Evictions are permanent data loss and the
// caller counts them as dropped.
func (q *deadLetters) add(destination string, records []record.Record, enqueuedAt time.Time) int {
	if len(records) == 0 {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, rec := range records {
		q.entries = append(q.entries, DeadLetter{
			Record:      rec.Clone(),
			Destination: destination,
			EnqueuedAt:  enqueuedAt,
		})
	}
	if q.capacity <= 0 || len(q.entries) <= q.capacity {
		return 0
	}
	evicted := len(q.entries) - q.capacity
	q.entries = append(q.entries[:0], q.entries[evicted:]...)
	return evicted
}

// peek copies the queued entries in FIFO order without removing them.
// Redelivery removes entries only after the sink confirms them.
func (q *deadLetters) peek() []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return nil
	}
	copied := make([]DeadLetter, len(q.entries))
	copy(copied, q.entries)
	return copied
}

// remove discards the first n entries after their redelivery was confirmed.
func (q *deadLetters) remove(n int) {
	if n <= 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if n >= len(q.entries) {
		q.entries = q.entries[:0]
		return
	}
	q.entries = append(q.entries[:0], q.entries[n:]...)
}

// size returns the number of queued entries.
func (q *deadLetters) size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}
