// Package store provides the concurrency-safe keyed storage shared by the
// metric export paths.
package store

import (
	"sync"
	"time"

	"k8s.io/utils/clock"
)

type entry[T any] struct {
	value   T
	updated time.Time
}

// TypedStore is a generic, concurrency-safe, in-memory key-value store.
// Every entry remembers when it was last written so callers can expire
// entries that stopped being refreshed.
type TypedStore[T any] struct {
	clock clock.PassiveClock

	mu    sync.RWMutex
	items map[string]entry[T]
}

// NewTypedStore creates a new, empty TypedStore on the real clock.
func NewTypedStore[T any]() *TypedStore[T] {
	return NewTypedStoreWithClock[T](clock.RealClock{})
}

// NewTypedStoreWithClock creates a new, empty TypedStore timed by clk.
func NewTypedStoreWithClock[T any](clk clock.PassiveClock) *TypedStore[T] {
	return &TypedStore[T]{clock: clk, items: make(map[string]entry[T])}
}

// Set inserts or replaces the value for key. Last write wins.
func (s *TypedStore[T]) Set(key string, value T) {
	now := s.clock.Now()
	s.mu.Lock()
	s.items[key] = entry[T]{value: value, updated: now}
	s.mu.Unlock()
}

// LoadOrStore returns the existing value for key if present. Otherwise it
// stores value and returns it. loaded reports whether the value was present.
func (s *TypedStore[T]) LoadOrStore(key string, value T) (actual T, loaded bool) {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.items[key]; ok {
		return e.value, true
	}
	s.items[key] = entry[T]{value: value, updated: now}
	return value, false
}

// Get retrieves a value by key.
func (s *TypedStore[T]) Get(key string) (T, bool) {
	s.mu.RLock()
	e, ok := s.items[key]
	s.mu.RUnlock()
	return e.value, ok
}

// Delete removes a key. No-op if the key doesn't exist.
func (s *TypedStore[T]) Delete(key string) {
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
}

// DeleteFunc removes every entry for which fn returns true and returns the
// number removed.
func (s *TypedStore[T]) DeleteFunc(fn func(key string, value T) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, e := range s.items {
		if fn(k, e.value) {
			delete(s.items, k)
			n++
		}
	}
	return n
}

// DeleteOlderThan removes entries not written within ttl and returns their keys.
func (s *TypedStore[T]) DeleteOlderThan(ttl time.Duration) []string {
	cutoff := s.clock.Now().Add(-ttl)
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed []string
	for k, e := range s.items {
		if e.updated.Before(cutoff) {
			delete(s.items, k)
			removed = append(removed, k)
		}
	}
	return removed
}

// Len returns the number of items in the store.
func (s *TypedStore[T]) Len() int {
	s.mu.RLock()
	n := len(s.items)
	s.mu.RUnlock()
	return n
}

// Snapshot returns a shallow copy of all items. Mutations to the returned
// map do not affect the store.
func (s *TypedStore[T]) Snapshot() map[string]T {
	s.mu.RLock()
	cp := make(map[string]T, len(s.items))
	for k, e := range s.items {
		cp[k] = e.value
	}
	s.mu.RUnlock()
	return cp
}

// Values returns all values as a slice. Order is not guaranteed.
func (s *TypedStore[T]) Values() []T {
	s.mu.RLock()
	vals := make([]T, 0, len(s.items))
	for _, e := range s.items {
		vals = append(vals, e.value)
	}
	s.mu.RUnlock()
	return vals
}

// Clear removes all items from the store.
func (s *TypedStore[T]) Clear() {
	s.mu.Lock()
	s.items = make(map[string]entry[T])
	s.mu.Unlock()
}
