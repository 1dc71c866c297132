package storage

import (
	"context"
	"sync"
)

type memoryBackend struct {
	mu     sync.RWMutex
	values map[string][]byte
}

func newMemory() *memoryBackend {
	return &memoryBackend{values: map[string][]byte{}}
}

func (m *memoryBackend) Get(_ context.Context, keys []string) (map[string][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		if v, ok := m.values[k]; ok {
			out[k] = append([]byte(nil), v...)
		}
	}
	return out, nil
}

func (m *memoryBackend) Apply(_ context.Context, set map[string][]byte, del []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range set {
		m.values[k] = append([]byte(nil), v...)
	}
	for _, k := range del {
		delete(m.values, k)
	}
	return nil
}

func (m *memoryBackend) Close() error { return nil }
