package state

import (
	"context"
	"errors"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for unit tests and local runs.
type MemoryStore struct {
	mu      sync.Mutex
	values  map[string]string
	expires map[string]time.Time
	// Clock returns the current time; overridable in tests.
	Clock func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values:  make(map[string]string),
		expires: make(map[string]time.Time),
		Clock:   time.Now,
	}
}

func (m *MemoryStore) current(key string) (string, bool) {
	if exp, ok := m.expires[key]; ok && m.Clock().After(exp) {
		delete(m.values, key)
		delete(m.expires, key)
		return "", false
	}
	val, ok := m.values[key]
	return val, ok
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	val, ok := m.current(key)
	return val, ok, nil
}

// CompareAndSwap implements Store.
func (m *MemoryStore) CompareAndSwap(_ context.Context, key, expected, next string) (bool, error) {
	if next == "" {
		return false, errors.New("state: empty value is reserved for absent keys")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, _ := m.current(key)
	if cur != expected {
		return false, nil
	}
	m.values[key] = next
	delete(m.expires, key)
	return true, nil
}

// SetWithTTL implements Store.
func (m *MemoryStore) SetWithTTL(_ context.Context, key, value string, ttl time.Duration) error {
	if value == "" {
		return errors.New("state: empty value is reserved for absent keys")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	if ttl > 0 {
		m.expires[key] = m.Clock().Add(ttl)
	} else {
		delete(m.expires, key)
	}
	return nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	delete(m.expires, key)
	return nil
}
