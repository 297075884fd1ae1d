package manifest

import (
	"context"

	lru "github.com/hashicorp/golang-lru"
)

// Cached is a local in-memory read-through cache over a Store.
//
// It must only be used for documents that are immutable once created
// (batch and result manifests): entries carry no TTL and are never
// invalidated. Writes pass through and populate the cache.
type Cached struct {
	Backend Store
	Cache   *lru.Cache
}

// NewCached creates a caching layer keeping up to size documents.
func NewCached(backend Store, size int) (*Cached, error) {
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &Cached{Backend: backend, Cache: cache}, nil
}

// Get consults the in-memory cache, falling back to the backend on a miss.
func (c *Cached) Get(ctx context.Context, key string) (Document, error) {
	if docI, ok := c.Cache.Get(key); ok {
		return docI.(Document), nil
	}
	doc, err := c.Backend.Get(ctx, key)
	if err != nil {
		return Document{}, err
	}
	c.Cache.Add(key, doc)
	return doc, nil
}

// CreateIfAbsent writes through to the backend and caches on success.
func (c *Cached) CreateIfAbsent(ctx context.Context, key string, data []byte) error {
	if err := c.Backend.CreateIfAbsent(ctx, key, data); err != nil {
		return err
	}
	c.Cache.Add(key, Document{Key: key, Version: 1, Data: data})
	return nil
}

// Update writes through and drops the entry; versioned documents are not
// cacheable, but passing through keeps Cached a drop-in Store.
func (c *Cached) Update(ctx context.Context, key string, version int64, data []byte) error {
	c.Cache.Remove(key)
	return c.Backend.Update(ctx, key, version, data)
}

// ListPrefix always hits the backend; listings must see fresh keys.
func (c *Cached) ListPrefix(ctx context.Context, prefix string) ([]Document, error) {
	return c.Backend.ListPrefix(ctx, prefix)
}
