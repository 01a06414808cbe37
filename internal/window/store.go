// Package window provides the per-entity state containers used by the
// risk signals: a sharded keyed store with per-key serialization, and a
// bounded time-ordered event series.
package window

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// DefaultShards is the shard count used when New is given a non-positive value.
const DefaultShards = 64

// Store maps entity keys to values of type V. Keys are spread over a fixed
// number of shards by xxhash; each shard has its own mutex, so operations
// on one key are serialized while unrelated keys rarely contend.
//
// Values are only reachable inside the callbacks passed to Update, View and
// Range. Callers must not retain the pointer after the callback returns.
type Store[V any] struct {
	shards []*shard[V]
	clock  func() time.Time
}

type shard[V any] struct {
	mu    sync.Mutex
	items map[string]*entry[V]
}

type entry[V any] struct {
	value   V
	touched time.Time
}

// New creates a Store with n shards.
func New[V any](n int) *Store[V] {
	if n <= 0 {
		n = DefaultShards
	}
	s := &Store[V]{
		shards: make([]*shard[V], n),
		clock:  time.Now,
	}
	for i := range s.shards {
		s.shards[i] = &shard[V]{items: make(map[string]*entry[V])}
	}
	return s
}

// WithClock replaces the wall clock used for idle tracking.
func (s *Store[V]) WithClock(clock func() time.Time) *Store[V] {
	s.clock = clock
	return s
}

func (s *Store[V]) shardFor(key string) *shard[V] {
	return s.shards[xxhash.Sum64String(key)%uint64(len(s.shards))]
}

// Update gives fn exclusive access to the value stored under key. For a
// missing key fn receives a pointer to a zero V and exists=false. The value
// is kept if fn returns true and removed otherwise.
func (s *Store[V]) Update(key string, fn func(v *V, exists bool) bool) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, exists := sh.items[key]
	if !exists {
		e = &entry[V]{}
	}

	if !fn(&e.value, exists) {
		delete(sh.items, key)
		return
	}

	e.touched = s.clock()
	if !exists {
		sh.items[key] = e
	}
}

// View calls fn with the value stored under key while holding its lock.
// It reports whether the key exists; fn is not called otherwise.
func (s *Store[V]) View(key string, fn func(v *V)) bool {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.items[key]
	if !ok {
		return false
	}
	fn(&e.value)
	return true
}

// Has reports whether key is present.
func (s *Store[V]) Has(key string) bool {
	return s.View(key, func(*V) {})
}

// Delete removes key.
func (s *Store[V]) Delete(key string) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	delete(sh.items, key)
	sh.mu.Unlock()
}

// Len returns the number of stored keys.
func (s *Store[V]) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.items)
		sh.mu.Unlock()
	}
	return n
}

// Range calls fn for every entry, one shard at a time, until fn returns
// false. fn must not call back into the Store.
func (s *Store[V]) Range(fn func(key string, v *V) bool) {
	for _, sh := range s.shards {
		sh.mu.Lock()
		for k, e := range sh.items {
			if !fn(k, &e.value) {
				sh.mu.Unlock()
				return
			}
		}
		sh.mu.Unlock()
	}
}

// SweepIdle removes entries that have not been updated for maxIdle and
// returns how many were removed.
func (s *Store[V]) SweepIdle(maxIdle time.Duration) int {
	cutoff := s.clock().Add(-maxIdle)
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for k, e := range sh.items {
			if e.touched.Before(cutoff) {
				delete(sh.items, k)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// Reset removes every entry.
func (s *Store[V]) Reset() {
	for _, sh := range s.shards {
		sh.mu.Lock()
		sh.items = make(map[string]*entry[V])
		sh.mu.Unlock()
	}
}
