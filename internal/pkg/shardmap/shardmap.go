// Package shardmap provides a concurrent map keyed by user ID, split into
// independently locked shards so that work for different users rarely contends
// and background sweeps never hold more than one shard at a time.
package shardmap

import "sync"

// DefaultShards is used when New is given a non-positive shard count.
const DefaultShards = 32

type shard[V any] struct {
	mu    sync.Mutex
	items map[int64]V
}

// Map is a sharded map from user ID to V.
// Every mutation for a key runs under that key's shard lock.
type Map[V any] struct {
	shards []*shard[V]
	newFn  func() V
}

// New creates a Map with n shards. newFn builds the value for a key seen for the first time.
func New[V any](n int, newFn func() V) *Map[V] {
	if n <= 0 {
		n = DefaultShards
	}
	m := &Map[V]{
		shards: make([]*shard[V], n),
		newFn:  newFn,
	}
	for i := range m.shards {
		m.shards[i] = &shard[V]{items: make(map[int64]V)}
	}
	return m
}

func (m *Map[V]) shardFor(key int64) *shard[V] {
	h := uint64(key)
	// splitmix64 finalizer spreads sequential Telegram IDs across shards.
	h ^= h >> 30
	h *= 0xbf58476d1ce4e5b9
	h ^= h >> 27
	h *= 0x94d049bb133111eb
	h ^= h >> 31
	return m.shards[h%uint64(len(m.shards))]
}

// Update runs fn with the value for key, creating it lazily, under the shard lock.
// The value returned by fn replaces the stored one.
func (m *Map[V]) Update(key int64, fn func(v V) V) {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.items[key]
	if !ok {
		v = m.newFn()
	}
	s.items[key] = fn(v)
}

// View runs fn with the value for key under the shard lock without creating it.
// Returns false if the key is absent.
func (m *Map[V]) View(key int64, fn func(v V)) bool {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.items[key]
	if !ok {
		return false
	}
	fn(v)
	return true
}

// Delete removes key.
func (m *Map[V]) Delete(key int64) {
	s := m.shardFor(key)
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
}

// Sweep walks the map one shard at a time and removes every entry for which
// drop returns true. drop may also mutate the value in place. Returns the number removed.
func (m *Map[V]) Sweep(drop func(key int64, v V) bool) int {
	removed := 0
	for _, s := range m.shards {
		s.mu.Lock()
		for k, v := range s.items {
			if drop(k, v) {
				delete(s.items, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Len returns the number of entries across all shards.
func (m *Map[V]) Len() int {
	n := 0
	for _, s := range m.shards {
		s.mu.Lock()
		n += len(s.items)
		s.mu.Unlock()
	}
	return n
}
