package retryqueue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryEntry struct {
	payload string
	due     time.Time
}

// MemoryQueue is an in-process Queue for unit tests and local runs.
type MemoryQueue struct {
	mu       sync.Mutex
	delayed  []memoryEntry
	inflight map[string]memoryEntry // receipt => payload + visibility deadline
	// Clock returns the current time; overridable in tests.
	Clock func() time.Time
}

// NewMemoryQueue creates an empty MemoryQueue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		inflight: make(map[string]memoryEntry),
		Clock:    time.Now,
	}
}

// Enqueue implements Queue.
func (q *MemoryQueue) Enqueue(_ context.Context, payload string, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.delayed = append(q.delayed, memoryEntry{payload: payload, due: q.Clock().Add(delay)})
	return nil
}

// Dequeue implements Queue.
func (q *MemoryQueue) Dequeue(_ context.Context, visibility time.Duration) (string, string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.Clock()
	// Reclaim expired in-flight claims.
	for receipt, entry := range q.inflight {
		if now.After(entry.due) {
			q.delayed = append(q.delayed, memoryEntry{payload: entry.payload, due: now})
			delete(q.inflight, receipt)
		}
	}
	for i, entry := range q.delayed {
		if !entry.due.After(now) {
			q.delayed = append(q.delayed[:i], q.delayed[i+1:]...)
			receipt := uuid.NewString()
			q.inflight[receipt] = memoryEntry{payload: entry.payload, due: now.Add(visibility)}
			return entry.payload, receipt, nil
		}
	}
	return "", "", ErrEmpty
}

// Delete implements Queue.
func (q *MemoryQueue) Delete(_ context.Context, receipt string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, receipt)
	return nil
}

// Len returns the number of delayed and in-flight messages.
func (q *MemoryQueue) Len() (delayed, inflight int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.delayed), len(q.inflight)
}
