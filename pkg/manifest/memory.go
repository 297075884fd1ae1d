package manifest

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is an in-memory Store with the same conditional-write
// semantics as the SQL implementation. Used by unit tests and local runs.
type MemoryStore struct {
	mu   sync.Mutex
	docs map[string]Document
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]Document)}
}

// CreateIfAbsent implements Store.
func (m *MemoryStore) CreateIfAbsent(_ context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[key]; ok {
		return ErrAlreadyExists
	}
	m.docs[key] = Document{Key: key, Version: 1, Data: append([]byte(nil), data...)}
	return nil
}

// Update implements Store.
func (m *MemoryStore) Update(_ context.Context, key string, version int64, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[key]
	if !ok {
		return ErrNotFound
	}
	if doc.Version != version {
		return ErrVersionConflict
	}
	m.docs[key] = Document{Key: key, Version: version + 1, Data: append([]byte(nil), data...)}
	return nil
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, key string) (Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[key]
	if !ok {
		return Document{}, ErrNotFound
	}
	doc.Data = append([]byte(nil), doc.Data...)
	return doc, nil
}

// ListPrefix implements Store.
func (m *MemoryStore) ListPrefix(_ context.Context, prefix string) ([]Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Document
	for key, doc := range m.docs {
		if strings.HasPrefix(key, prefix) {
			doc.Data = append([]byte(nil), doc.Data...)
			out = append(out, doc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}
