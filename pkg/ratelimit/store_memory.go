package ratelimit

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// InMemoryStore is a thread-safe in-memory Store.
//
// Each bucket keeps an ordered log of admitted request timestamps. The number
// of buckets is capped; when the cap is reached the least recently used
// buckets are evicted.
type InMemoryStore struct {
	mu      sync.Mutex
	buckets map[string]*bucketLog
	lru     *list.List
	maxKeys int

	// onEvict is called with the number of evicted buckets, under the lock.
	onEvict func(int)
}

type bucketLog struct {
	timestamps []time.Time
	elem       *list.Element
}

// InMemoryStoreConfig holds configuration for InMemoryStore.
type InMemoryStoreConfig struct {
	// MaxKeys bounds the number of tracked buckets. Default: 10000
	MaxKeys int
}

// DefaultInMemoryStoreConfig returns the default configuration.
func DefaultInMemoryStoreConfig() InMemoryStoreConfig {
	return InMemoryStoreConfig{MaxKeys: 10000}
}

// NewInMemoryStore creates a new in-memory store.
func NewInMemoryStore(cfg InMemoryStoreConfig) *InMemoryStore {
	if cfg.MaxKeys <= 0 {
		cfg.MaxKeys = 10000
	}
	return &InMemoryStore{
		buckets: make(map[string]*bucketLog),
		lru:     list.New(),
		maxKeys: cfg.MaxKeys,
	}
}

// CheckAndAdd implements Store.
func (s *InMemoryStore) CheckAndAdd(ctx context.Context, key string, timestamp, cutoff time.Time, limit int) (Window, error) {
	if limit <= 0 {
		return Window{}, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	b, exists := s.buckets[key]
	if exists {
		b.prune(cutoff)
	}

	count := 0
	if exists {
		count = len(b.timestamps)
	}
	if count >= limit {
		s.lru.MoveToFront(b.elem)
		return Window{Allowed: false, Count: count, Oldest: b.timestamps[0]}, nil
	}

	if !exists {
		if len(s.buckets) >= s.maxKeys {
			s.evict()
		}
		b = &bucketLog{timestamps: make([]time.Time, 0, limit)}
		b.elem = s.lru.PushFront(key)
		s.buckets[key] = b
	} else {
		s.lru.MoveToFront(b.elem)
	}

	b.timestamps = append(b.timestamps, timestamp)
	return Window{Allowed: true, Count: len(b.timestamps), Oldest: b.timestamps[0]}, nil
}

// Remove implements Store.
func (s *InMemoryStore) Remove(ctx context.Context, key string, timestamp time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, exists := s.buckets[key]
	if !exists {
		return nil
	}
	for i := len(b.timestamps) - 1; i >= 0; i-- {
		if b.timestamps[i].Equal(timestamp) {
			b.timestamps = append(b.timestamps[:i], b.timestamps[i+1:]...)
			return nil
		}
	}
	return nil
}

// Snapshot implements Store.
func (s *InMemoryStore) Snapshot(ctx context.Context, key string, cutoff time.Time) (Window, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, exists := s.buckets[key]
	if !exists {
		return Window{}, nil
	}
	b.prune(cutoff)
	if len(b.timestamps) == 0 {
		return Window{}, nil
	}
	return Window{Count: len(b.timestamps), Oldest: b.timestamps[0]}, nil
}

// Cleanup implements Store.
func (s *InMemoryStore) Cleanup(ctx context.Context, cutoff time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, b := range s.buckets {
		b.prune(cutoff)
		if len(b.timestamps) == 0 {
			s.lru.Remove(b.elem)
			delete(s.buckets, key)
		}
	}
	return nil
}

// KeyCount implements Store.
func (s *InMemoryStore) KeyCount(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buckets), nil
}

// evict removes the least recently used tenth of the buckets.
// Must be called with s.mu held.
func (s *InMemoryStore) evict() {
	n := s.maxKeys / 10
	if n < 1 {
		n = 1
	}
	evicted := 0
	for evicted < n {
		back := s.lru.Back()
		if back == nil {
			break
		}
		key := back.Value.(string)
		s.lru.Remove(back)
		delete(s.buckets, key)
		evicted++
	}
	if s.onEvict != nil && evicted > 0 {
		s.onEvict(evicted)
	}
}

// prune drops timestamps at or before cutoff. Timestamps are appended in
// non-decreasing order so a prefix scan is enough.
func (b *bucketLog) prune(cutoff time.Time) {
	i := 0
	for i < len(b.timestamps) && !b.timestamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		b.timestamps = append(b.timestamps[:0], b.timestamps[i:]...)
	}
}
