// Package keylock provides per-key mutual exclusion with ephemeral
// lock state: a key's lock exists only while someone holds or waits
// for it.
package keylock

import (
	"context"
	"sync"
)

type entry struct {
	ch   chan struct{} // capacity 1, token present when unlocked
	refs int
}

// Store hands out per-key locks on demand.
type Store struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// New returns an empty store.
func New() *Store {
	return &Store{entries: make(map[string]*entry)}
}

// Acquire blocks until the lock for key is held or ctx is done. On
// success it returns a release function that must be called exactly
// once.
func (s *Store) Acquire(ctx context.Context, key string) (func(), error) {
	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		e.ch <- struct{}{}
		s.entries[key] = e
	}
	e.refs++
	s.mu.Unlock()

	select {
	case <-e.ch:
		var once sync.Once
		return func() {
			once.Do(func() {
				s.release(key, e)
			})
		}, nil
	case <-ctx.Done():
		s.drop(key, e)
		return nil, ctx.Err()
	}
}

// Len reports how many keys currently have live lock state.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Store) release(key string, e *entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e.ch <- struct{}{}
	e.refs--
	if e.refs == 0 {
		delete(s.entries, key)
	}
}

func (s *Store) drop(key string, e *entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e.refs--
	if e.refs == 0 {
		delete(s.entries, key)
	}
}
