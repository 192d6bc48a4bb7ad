package hotstate

import (
	"context"
	"strings"
	"sync"
)

// Memory is an in-process Store used by unit tests and by local runs
// without Redis. Semantics match the Redis implementation, including
// prefix pruning.
type Memory struct {
	mu     sync.Mutex
	values map[string]string
	lists  map[string][]string
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		values: make(map[string]string),
		lists:  make(map[string][]string),
	}
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *Memory) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	delete(m.lists, key)
	return nil
}

func (m *Memory) RPush(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists[key] = append(m.lists[key], value)
	return nil
}

func (m *Memory) LRange(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.lists[key]))
	copy(out, m.lists[key])
	return out, nil
}

func (m *Memory) PrunePrefix(_ context.Context, prefix string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	deleted := 0
	for k := range m.values {
		if strings.HasPrefix(k, prefix) {
			delete(m.values, k)
			deleted++
		}
	}
	for k := range m.lists {
		if strings.HasPrefix(k, prefix) {
			delete(m.lists, k)
			deleted++
		}
	}
	return deleted, nil
}
