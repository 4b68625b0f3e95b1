// Package localstore is the durable local key/value collaborator: the
// offline sync queue, the migration ledger, local-fallback backups, and
// legacy pre-migration records all live here. Values are strings
// (JSON-encoded by the callers); keys are namespaced by the application
// prefix plus an entity id.
package localstore

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// KeyPrefix namespaces every key this application writes.
const KeyPrefix = "vtt:"

type Store interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	// Keys returns all keys with the given prefix, sorted.
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// Memory is a mutex-guarded in-memory Store, used in tests and as the
// fallback when the sqlite file cannot be opened.
type Memory struct {
	mu   sync.RWMutex
	data map[string]string
}

func NewMemory() *Memory {
	return &Memory{data: make(map[string]string)}
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *Memory) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *Memory) Keys(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0)
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}
