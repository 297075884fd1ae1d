// Package state provides the low-latency key-value store used for
// cross-worker coordination: rate-limit buckets, control flags and leases.
//
// The only write primitives are compare-and-swap and TTL sets, so no caller
// ever holds a lock across an I/O boundary. Contended writers retry the
// read-compute-swap cycle instead of blocking each other.
package state

import (
	"context"
	"time"
)

// Store is the coordination KV contract.
//
// The empty string is reserved to mean "absent": a CompareAndSwap with
// expected == "" succeeds only if the key does not exist, and values
// written through the store must be non-empty.
type Store interface {
	// Get returns the value at key and whether it exists.
	Get(ctx context.Context, key string) (string, bool, error)
	// CompareAndSwap atomically replaces the value at key with next if the
	// current value equals expected. Returns whether the swap happened.
	CompareAndSwap(ctx context.Context, key, expected, next string) (bool, error)
	// SetWithTTL writes a value that expires after ttl. A zero ttl means
	// no expiry.
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error
	// Delete removes a key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
}
