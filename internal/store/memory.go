package store

import (
	"context"
	"slices"
	"strings"
	"sync"
)

// DefaultMemoryMaxValueSize is the Memory ceiling when none is configured.
const DefaultMemoryMaxValueSize = 25 << 20

// Memory is an in-process Store. Values are copied on the way in and out.
type Memory struct {
	mu       sync.RWMutex
	data     map[string][]byte
	maxValue int
}

// NewMemory returns an empty Memory store. maxValue <= 0 selects
// DefaultMemoryMaxValueSize.
func NewMemory(maxValue int) *Memory {
	if maxValue <= 0 {
		maxValue = DefaultMemoryMaxValueSize
	}
	return &Memory{data: make(map[string][]byte), maxValue: maxValue}
}

func (m *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return slices.Clone(v), nil
}

func (m *Memory) Put(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(value) > m.maxValue {
		return ErrValueTooLarge
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	m.mu.Lock()
	m.data[key] = cp
	m.mu.Unlock()
	return nil
}

func (m *Memory) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	m.mu.RUnlock()
	slices.Sort(keys)
	return keys, nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.data, key)
	m.mu.Unlock()
	return nil
}

func (m *Memory) MaxValueSize() int { return m.maxValue }

// Len returns the number of stored keys.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}
