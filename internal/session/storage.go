// Package session provides TTL-bounded persisted session state for a clinical
// shift. The store degrades to empty reads and discarded writes when the
// backing storage fails; live engine state is never held hostage by storage.
package session

import (
	"context"
	"errors"
	"sync"
)

// ErrNotFound indicates a key has no stored value.
var ErrNotFound = errors.New("session: key not found")

// Storage is the key/value backend behind the store. Implementations live in
// this package (memory, sqlite) and internal/infrastructure/postgres.
type Storage interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// MemoryStorage is a mutex-guarded in-process backend. It is the default for
// tests and for deployments that accept losing session state on restart.
type MemoryStorage struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryStorage creates an empty in-memory backend.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{data: make(map[string][]byte)}
}

func (m *MemoryStorage) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (m *MemoryStorage) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := make([]byte, len(value))
	copy(v, value)
	m.data[key] = v
	return nil
}

func (m *MemoryStorage) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}
