package cache

import (
	"context"
	"sync"
)

// MemoryTable is a concurrency-safe in-process Table. It never expires items
// on its own.
type MemoryTable struct {
	mu    sync.RWMutex
	items map[Key]Item
}

func NewMemoryTable() *MemoryTable {
	return &MemoryTable{items: make(map[Key]Item)}
}

func (t *MemoryTable) GetItem(_ context.Context, key Key) (*Item, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	item, ok := t.items[key]
	if !ok {
		return nil, nil
	}
	return &item, nil
}

func (t *MemoryTable) PutItem(_ context.Context, item Item) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.items[item.Key()] = item
	return nil
}

func (t *MemoryTable) BatchGetItems(_ context.Context, keys []Key) ([]Item, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Item, 0, len(keys))
	for _, k := range keys {
		if item, ok := t.items[k]; ok {
			out = append(out, item)
		}
	}
	return out, nil
}

func (t *MemoryTable) BatchPutItems(_ context.Context, items []Item) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, item := range items {
		t.items[item.Key()] = item
	}
	return len(items), nil
}

func (t *MemoryTable) Describe(context.Context) (Description, error) {
	return Description{Name: "memory", Status: "ACTIVE"}, nil
}

// Len reports the number of stored items, expired ones included.
func (t *MemoryTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.items)
}
