// Package blob provides durable object storage for batch inputs, task
// results and aggregation intermediates.
//
// Alongside plain objects the store keeps completion markers: small,
// idempotent flags written only after the associated object is durable.
// Readers that require consistency check the marker, never just the object.
package blob

import (
	"context"
	"errors"
)

// ErrNotFound is returned when an object does not exist.
var ErrNotFound = errors.New("object not found")

// Store is the object store contract. Writes are durable once acknowledged.
type Store interface {
	// Put writes an object. Overwrites are allowed; callers that need
	// create-once semantics guard with a marker check first.
	Put(ctx context.Context, key string, data []byte) error
	// Get reads an object or returns ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// PutMarker writes the completion marker for key. Idempotent.
	PutMarker(ctx context.Context, key string) error
	// HasMarker reports whether the completion marker for key exists.
	HasMarker(ctx context.Context, key string) (bool, error)
	// List returns all object keys under a prefix, sorted. Marker entries
	// are not listed as objects.
	List(ctx context.Context, prefix string) ([]string, error)
}
