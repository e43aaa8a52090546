package storage

import (
	"slices"
	"sync"
)

// Store defines the interface for the node's value set.
type Store interface {
	// Add inserts v. Returns false if v was already present.
	Add(v int) bool
	// Merge inserts every value in vs and returns how many were new.
	Merge(vs []int) int
	// Snapshot returns a sorted copy of the set.
	Snapshot() []int
	// Len returns the number of stored values.
	Len() int
}

// InMemoryStore is an in-memory implementation of Store.
// It's thread-safe; readers always get an independent copy.
type InMemoryStore struct {
	mu     sync.RWMutex
	values map[int]struct{}
}

// NewInMemoryStore creates an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		values: make(map[int]struct{}),
	}
}

// Add inserts a single value.
func (s *InMemoryStore) Add(v int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.values[v]; exists {
		return false
	}
	s.values[v] = struct{}{}
	return true
}

// Merge unions vs into the store.
func (s *InMemoryStore) Merge(vs []int) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	added := 0
	for _, v := range vs {
		if _, exists := s.values[v]; !exists {
			s.values[v] = struct{}{}
			added++
		}
	}
	return added
}

// Snapshot returns the values in ascending order. The result is never nil.
func (s *InMemoryStore) Snapshot() []int {
	s.mu.RLock()
	out := make([]int, 0, len(s.values))
	for v := range s.values {
		out = append(out, v)
	}
	s.mu.RUnlock()

	slices.Sort(out)
	return out
}

// Len returns the set size.
func (s *InMemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.values)
}
