package cache

import (
	"context"
	"sync"
	"time"

	"github.com/meridian/backend/internal/domain/quota"
)

// InMemoryWindowStore implements quota.SlidingWindowStore with an
// in-process event list per key. Suitable for tests and single-instance
// deployments; distributed setups need the Redis store.
type InMemoryWindowStore struct {
	mu     sync.Mutex
	events map[string][]windowEvent
}

type windowEvent struct {
	at     time.Time
	amount int64
}

// NewInMemoryWindowStore creates a new in-memory sliding window store
func NewInMemoryWindowStore() *InMemoryWindowStore {
	return &InMemoryWindowStore{
		events: make(map[string][]windowEvent),
	}
}

// prune drops events older than the window start. Caller holds the lock.
func (s *InMemoryWindowStore) prune(key string, windowStart time.Time) int64 {
	kept := s.events[key][:0]
	var sum int64
	for _, ev := range s.events[key] {
		if !ev.at.Before(windowStart) {
			kept = append(kept, ev)
			sum += ev.amount
		}
	}
	s.events[key] = kept
	return sum
}

// ConsumeInWindow atomically records amount against the trailing window
// iff the trailing sum plus amount stays within limit
func (s *InMemoryWindowStore) ConsumeInWindow(_ context.Context, key string, window time.Duration, amount, limit int64, now time.Time) (bool, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sum := s.prune(key, now.Add(-window))
	if sum+amount > limit {
		return false, sum, nil
	}

	s.events[key] = append(s.events[key], windowEvent{at: now, amount: amount})
	return true, sum + amount, nil
}

// Release subtracts amount from the trailing window
func (s *InMemoryWindowStore) Release(_ context.Context, key string, window time.Duration, amount int64, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.prune(key, now.Add(-window))
	s.events[key] = append(s.events[key], windowEvent{at: now, amount: -amount})
	return nil
}

// TrailingSum returns the current trailing-window consumption
func (s *InMemoryWindowStore) TrailingSum(_ context.Context, key string, window time.Duration, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.prune(key, now.Add(-window)), nil
}

// Ensure InMemoryWindowStore implements SlidingWindowStore
var _ quota.SlidingWindowStore = (*InMemoryWindowStore)(nil)
