package cache

import (
	"container/list"
	"context"
	"sync"
)

// DefaultMemoryEntries bounds a memory cache when no size is given.
const DefaultMemoryEntries = 4096

type lruEntry struct {
	key   string
	value []byte
}

// Memory is a size-bounded LRU cache.
type Memory struct {
	mu    sync.Mutex
	max   int
	order *list.List
	items map[string]*list.Element
}

// NewMemory creates an LRU holding at most maxEntries values.
func NewMemory(maxEntries int) *Memory {
	if maxEntries <= 0 {
		maxEntries = DefaultMemoryEntries
	}
	return &Memory{
		max:   maxEntries,
		order: list.New(),
		items: make(map[string]*list.Element),
	}
}

// Get returns a value and marks it most recently used.
func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	el, ok := m.items[key]
	if !ok {
		return nil, false, nil
	}
	m.order.MoveToFront(el)
	return el.Value.(*lruEntry).value, true, nil
}

// Put stores a value, evicting the least recently used one when full.
func (m *Memory) Put(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if el, ok := m.items[key]; ok {
		el.Value.(*lruEntry).value = value
		m.order.MoveToFront(el)
		return nil
	}
	m.items[key] = m.order.PushFront(&lruEntry{key: key, value: value})
	for m.order.Len() > m.max {
		oldest := m.order.Back()
		m.order.Remove(oldest)
		delete(m.items, oldest.Value.(*lruEntry).key)
	}
	return nil
}

// Delete drops a value if present.
func (m *Memory) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if el, ok := m.items[key]; ok {
		m.order.Remove(el)
		delete(m.items, key)
	}
}

// Len returns the number of cached values.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.order.Len()
}

var _ Cache = (*Memory)(nil)
