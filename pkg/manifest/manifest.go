// Package manifest provides durable, versioned key→document storage with
// optimistic concurrency and prefix listing.
//
// All authoritative job, batch, task and result state lives here. Writers
// use conditional create and version-checked update so that duplicate
// submissions and conflicting writers lose deterministically instead of
// corrupting state.
package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Store errors.
var (
	ErrNotFound        = errors.New("manifest not found")
	ErrAlreadyExists   = errors.New("manifest already exists")
	ErrVersionConflict = errors.New("manifest version conflict")
)

// Document is one stored manifest with its version counter.
// Version starts at 1 on create and increments on every update.
type Document struct {
	Key     string
	Version int64
	Data    []byte
}

// Store is the manifest store contract.
type Store interface {
	// CreateIfAbsent writes a new document, failing with ErrAlreadyExists
	// if the key is taken. This is the idempotent-submission primitive.
	CreateIfAbsent(ctx context.Context, key string, data []byte) error
	// Update replaces a document only if the stored version matches.
	// Returns ErrVersionConflict on a lost race, ErrNotFound if absent.
	Update(ctx context.Context, key string, version int64, data []byte) error
	// Get returns the document at key or ErrNotFound.
	Get(ctx context.Context, key string) (Document, error)
	// ListPrefix returns all documents under a key prefix, sorted by key.
	ListPrefix(ctx context.Context, prefix string) ([]Document, error)
}

// GetJSON loads and decodes a JSON document into v, returning its version.
func GetJSON(ctx context.Context, s Store, key string, v interface{}) (int64, error) {
	doc, err := s.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	if err := json.Unmarshal(doc.Data, v); err != nil {
		return 0, fmt.Errorf("decode manifest %s: %w", key, err)
	}
	return doc.Version, nil
}

// CreateJSON encodes v and writes it with create-if-absent semantics.
func CreateJSON(ctx context.Context, s Store, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode manifest %s: %w", key, err)
	}
	return s.CreateIfAbsent(ctx, key, data)
}

// UpdateJSON encodes v and writes it with a version check.
func UpdateJSON(ctx context.Context, s Store, key string, version int64, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode manifest %s: %w", key, err)
	}
	return s.Update(ctx, key, version, data)
}
