package blob

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is an in-process Store for unit tests.
type MemoryStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	markers map[string]bool
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects: make(map[string][]byte),
		markers: make(map[string]bool),
	}
}

// Put implements Store.
func (m *MemoryStore) Put(_ context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = append([]byte(nil), data...)
	return nil
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

// PutMarker implements Store.
func (m *MemoryStore) PutMarker(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markers[key] = true
	return nil
}

// HasMarker implements Store.
func (m *MemoryStore) HasMarker(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.markers[key], nil
}

// List implements Store.
func (m *MemoryStore) List(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for key := range m.objects {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// DropMarker removes a marker; used by tests to simulate corrupt state.
func (m *MemoryStore) DropMarker(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.markers, key)
}
