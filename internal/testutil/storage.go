package testutil

import (
	"context"
	"sync"
	"sync/atomic"
)

// MemoryStorage is an in-memory credentials.Storage. Setting Err makes every
// operation fail with it.
type MemoryStorage struct {
	mu   sync.Mutex
	data map[string]string
	err  error

	saves   atomic.Int64
	removes atomic.Int64
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{data: make(map[string]string)}
}

func (s *MemoryStorage) Save(ctx context.Context, key string, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.saves.Add(1)
	s.data[key] = value
	return nil
}

func (s *MemoryStorage) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", false, s.err
	}
	value, ok := s.data[key]
	return value, ok, nil
}

func (s *MemoryStorage) Remove(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.removes.Add(1)
	delete(s.data, key)
	return nil
}

// SetError makes subsequent operations fail with err; nil restores them.
func (s *MemoryStorage) SetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Value reads key without going through the Storage interface.
func (s *MemoryStorage) Value(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.data[key]
	return value, ok
}

func (s *MemoryStorage) Saves() int64   { return s.saves.Load() }
func (s *MemoryStorage) Removes() int64 { return s.removes.Load() }
