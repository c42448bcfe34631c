package ratelimit

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for tests and single-instance dev runs.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string][]time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: map[string][]time.Time{}}
}

func (s *MemoryStore) RequestsSince(_ context.Context, key string, since time.Time) ([]time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stamps []time.Time
	for _, at := range s.entries[key] {
		if !at.Before(since) {
			stamps = append(stamps, at)
		}
	}
	sort.Slice(stamps, func(i, j int) bool { return stamps[i].Before(stamps[j]) })
	return stamps, nil
}

func (s *MemoryStore) Add(_ context.Context, key string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = append(s.entries[key], at)
	return nil
}

func (s *MemoryStore) Last(_ context.Context, key string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var last time.Time
	for _, at := range s.entries[key] {
		if at.After(last) {
			last = at
		}
	}
	return last, !last.IsZero(), nil
}

func (s *MemoryStore) DeleteBefore(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for key, stamps := range s.entries {
		kept := stamps[:0]
		for _, at := range stamps {
			if at.Before(before) {
				deleted++
				continue
			}
			kept = append(kept, at)
		}
		if len(kept) == 0 {
			delete(s.entries, key)
			continue
		}
		s.entries[key] = kept
	}
	return deleted, nil
}
