package kv

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
)

// UpdateFunc receives the latest persisted value (nil when the key is absent)
// and returns the value to store. Returning a nil value deletes the key.
// Returning an error aborts the update without writing.
type UpdateFunc func(current []byte) ([]byte, error)

// Store is the durable key-value facility every component persists through.
// Values are JSON documents.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// Update is the only read-modify-write primitive. Implementations hold
	// their write lock from the read through the write.
	Update(ctx context.Context, key string, fn UpdateFunc) error
	Close() error
}

// Watcher is implemented by stores that can report writes made by other
// processes.
type Watcher interface {
	Watch(ctx context.Context, onChange func()) error
}

type MemoryStore struct {
	mu     sync.Mutex
	values map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: map[string][]byte{}}
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	if strings.TrimSpace(key) == "" {
		return nil, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.values[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), value...), nil
}

func (s *MemoryStore) Put(_ context.Context, key string, value []byte) error {
	if strings.TrimSpace(key) == "" || !json.Valid(value) {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = append([]byte(nil), value...)
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	return nil
}

func (s *MemoryStore) Update(_ context.Context, key string, fn UpdateFunc) error {
	if strings.TrimSpace(key) == "" || fn == nil {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var current []byte
	if value, ok := s.values[key]; ok {
		current = append([]byte(nil), value...)
	}
	next, err := fn(current)
	if err != nil {
		return err
	}
	if next == nil {
		delete(s.values, key)
		return nil
	}
	if !json.Valid(next) {
		return ErrInvalidInput
	}
	s.values[key] = append([]byte(nil), next...)
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

// GetJSON decodes key into dst. It reports false when the key is absent.
func GetJSON(ctx context.Context, s Store, key string, dst any) (bool, error) {
	data, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return false, err
	}
	return true, nil
}

func PutJSON(ctx context.Context, s Store, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.Put(ctx, key, data)
}

// UpdateJSON decodes the persisted value into a T (the zero value when the key
// is absent), lets fn mutate it and writes it back in the same locked update.
func UpdateJSON[T any](ctx context.Context, s Store, key string, fn func(v *T) error) error {
	return s.Update(ctx, key, func(current []byte) ([]byte, error) {
		var v T
		if len(current) > 0 {
			if err := json.Unmarshal(current, &v); err != nil {
				return nil, err
			}
		}
		if err := fn(&v); err != nil {
			return nil, err
		}
		return json.Marshal(v)
	})
}
