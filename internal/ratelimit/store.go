package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Window is the state of a key after an Admit call
type Window struct {
	Admitted bool
	Count    int       // requests in the window, including this one when admitted
	Oldest   time.Time // oldest request still in the window
}

// Store holds sliding windows. Admit must prune, count and conditionally
// record as one atomic step per key.
type Store interface {
	Admit(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (Window, error)
}

// Ensure interface compliance at compile time.
var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*RedisStore)(nil)
)

// MemoryStore keeps windows in process memory
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string][]time.Time
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{windows: make(map[string][]time.Time)}
}

// Admit implements Store
func (s *MemoryStore) Admit(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (Window, error) {
	if err := ctx.Err(); err != nil {
		return Window{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-window)
	timestamps := s.windows[key]
	kept := timestamps[:0]
	for _, ts := range timestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	admitted := len(kept) < limit
	if admitted {
		kept = append(kept, now)
	}

	if len(kept) == 0 {
		delete(s.windows, key)
		return Window{Admitted: admitted}, nil
	}
	s.windows[key] = kept

	return Window{
		Admitted: admitted,
		Count:    len(kept),
		Oldest:   kept[0],
	}, nil
}

// Sweep drops windows with no request newer than window. Run it
// periodically on long-lived processes.
func (s *MemoryStore) Sweep(now time.Time, window time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-window)
	for key, timestamps := range s.windows {
		if len(timestamps) == 0 || !timestamps[len(timestamps)-1].After(cutoff) {
			delete(s.windows, key)
		}
	}
}
