package bridge

import "sync"

// table maps opaque non-zero handles to Go values. Handles are never reused.
type table[T any] struct {
	mu    sync.Mutex
	last  uint64
	items map[uint64]T
}

func newTable[T any]() *table[T] {
	return &table[T]{items: map[uint64]T{}}
}

func (t *table[T]) put(v T) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.last++
	t.items[t.last] = v
	return t.last
}

func (t *table[T]) get(h uint64) (T, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.items[h]
	return v, ok
}

// take removes and returns the value behind h.
func (t *table[T]) take(h uint64) (T, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.items[h]
	if ok {
		delete(t.items, h)
	}
	return v, ok
}

// clear removes every entry and returns the removed values. Handles issued
// later stay unique.
func (t *table[T]) clear() []T {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]T, 0, len(t.items))
	for h, v := range t.items {
		out = append(out, v)
		delete(t.items, h)
	}
	return out
}

func (t *table[T]) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.items)
}
