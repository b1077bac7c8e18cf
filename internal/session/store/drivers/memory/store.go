// Package memory is an in-memory session store driver for tests and
// ephemeral (non-persistent) terminal configurations.
package memory

import (
	"context"
	"sync"

	"github.com/tillworks/posterm/internal/session/store"
)

type Store struct {
	mu     sync.RWMutex
	values map[string][]byte

	// ErrHook, when set, is returned by every operation. Tests use it to
	// simulate storage failures.
	ErrHook error
}

func NewStore() *Store {
	return &Store{values: make(map[string][]byte)}
}

func (s *Store) Store(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ErrHook != nil {
		return s.ErrHook
	}

	cp := make([]byte, len(value))
	copy(cp, value)
	s.values[key] = cp
	return nil
}

// StoreAll persists every entry or none: the failure hook fires before any
// mutation, matching the atomicity the sqlite driver gets from a transaction.
func (s *Store) StoreAll(_ context.Context, values map[string][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ErrHook != nil {
		return s.ErrHook
	}

	for key, value := range values {
		cp := make([]byte, len(value))
		copy(cp, value)
		s.values[key] = cp
	}
	return nil
}

func (s *Store) Retrieve(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ErrHook != nil {
		return nil, s.ErrHook
	}

	value, ok := s.values[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	return cp, nil
}

func (s *Store) Clear(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ErrHook != nil {
		return s.ErrHook
	}

	delete(s.values, key)
	return nil
}

func (s *Store) Has(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ErrHook != nil {
		return false, s.ErrHook
	}

	_, ok := s.values[key]
	return ok, nil
}
