// Package handler defines the per-item processing capability and the
// registry workers use to resolve a job's handler reference at startup.
//
// Handlers are registered variants looked up by name, not late-bound
// reflection: an unknown handler reference fails job validation before
// anything is submitted.
package handler

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Handler processes one input item into zero or one output row.
//
// Returned errors should be classified with taskerr so the retry planner
// can tell transient failures from permanent ones. A nil row with a nil
// error means the item produced no output.
type Handler interface {
	Process(ctx context.Context, item []byte) (row []byte, err error)
}

// Func adapts a function to the Handler interface.
type Func func(ctx context.Context, item []byte) ([]byte, error)

// Process implements Handler.
func (f Func) Process(ctx context.Context, item []byte) ([]byte, error) {
	return f(ctx, item)
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Handler)
)

// Register makes a handler resolvable by name.
// Registering the same name twice panics; it is a programming error.
func Register(name string, h Handler) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, ok := registry[name]; ok {
		panic("handler: duplicate registration of " + name)
	}
	registry[name] = h
}

// Resolve returns the handler registered under name.
func Resolve(name string) (Handler, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	h, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("handler: unknown handler %q (registered: %v)", name, names())
	}
	return h, nil
}

// Exists reports whether a handler is registered under name.
func Exists(name string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := registry[name]
	return ok
}

func names() []string {
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func init() {
	// identity echoes each item; useful for smoke-testing a pipeline.
	Register("identity", Func(func(_ context.Context, item []byte) ([]byte, error) {
		return item, nil
	}))
	// noop consumes items without producing output.
	Register("noop", Func(func(context.Context, []byte) ([]byte, error) {
		return nil, nil
	}))
}
