package kv

import (
	"context"

	"github.com/kubeadapt/node-reporter/internal/store"
)

// Memory is an in-process Store for single-node runs and tests.
type Memory struct {
	items *store.TypedStore[[]byte]
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{items: store.NewTypedStore[[]byte]()}
}

// Get returns a copy of the value under key.
func (m *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v, ok := m.items.Get(key)
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

// Put stores a copy of value under key.
func (m *Memory) Put(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.items.Set(key, append([]byte(nil), value...))
	return nil
}

// Close is a no-op.
func (m *Memory) Close() error { return nil }
