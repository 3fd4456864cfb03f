package state

import (
	"context"
	"errors"
	"sync"
)

type MemoryStore struct {
	mu     sync.Mutex
	values map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: map[string][]byte{}}
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.values[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), value...), nil
}

func (s *MemoryStore) Update(ctx context.Context, key string, fn UpdateFunc) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var current []byte
	if value, ok := s.values[key]; ok {
		current = append([]byte(nil), value...)
	}
	next, err := fn(current)
	if errors.Is(err, ErrNoChange) {
		return nil
	}
	if err != nil {
		return err
	}
	s.values[key] = append([]byte(nil), next...)
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
