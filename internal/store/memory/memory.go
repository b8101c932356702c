package memory

import (
	"context"
	"sync"

	"replistock/internal/store"
)

// Backend keeps everything in process memory. Values are copied on the way
// in and out so callers never share a buffer with the map.
type Backend struct {
	mu     sync.RWMutex
	values map[string][]byte
}

func New() *Backend {
	return &Backend{values: make(map[string][]byte)}
}

// NewStore is a convenience for tests and ephemeral replicas.
func NewStore() *store.Store {
	return store.New(New())
}

func (b *Backend) Get(_ context.Context, key string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	val, ok := b.values[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return append([]byte(nil), val...), nil
}

func (b *Backend) Apply(_ context.Context, mutations []store.Mutation) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, m := range mutations {
		b.values[m.Key] = append([]byte(nil), m.Value...)
	}
	return nil
}

func (b *Backend) Close() error { return nil }
