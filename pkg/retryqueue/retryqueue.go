// Package retryqueue provides the at-least-once delivery queue that
// decouples failure detection from reprocessing.
//
// Messages are enqueued with a delivery delay (retry backoff) and handed to
// consumers under a visibility timeout: a dequeued message that is not
// deleted before the timeout becomes deliverable again. Consumers must
// therefore be idempotent.
package retryqueue

import (
	"context"
	"errors"
	"time"
)

// ErrEmpty is returned by Dequeue when no message is currently deliverable.
var ErrEmpty = errors.New("retry queue empty")

// Queue is the retry queue contract.
type Queue interface {
	// Enqueue makes payload deliverable after delay.
	Enqueue(ctx context.Context, payload string, delay time.Duration) error
	// Dequeue claims the next deliverable payload for visibility, returning
	// a receipt for deletion. Returns ErrEmpty when nothing is due.
	Dequeue(ctx context.Context, visibility time.Duration) (payload, receipt string, err error)
	// Delete acknowledges a claimed message so it is never redelivered.
	// Deleting an expired receipt is not an error.
	Delete(ctx context.Context, receipt string) error
}

// Keys holds the Redis keys used by the queue.
type Keys struct {
	DelayedSet   string // sorted set: payload scored by deliver-at epoch
	InflightHash string // hash: receipt => payload
	InflightSet  string // sorted set: receipt scored by visibility deadline
}

// KeysForPrefix creates Keys with a common prefix.
func KeysForPrefix(prefix string) Keys {
	return Keys{
		DelayedSet:   prefix + "_D",
		InflightHash: prefix + "_I",
		InflightSet:  prefix + "_X",
	}
}
