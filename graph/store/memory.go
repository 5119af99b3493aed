package store

import (
	"context"
	"sync"
)

// MemStore is an in-memory ring buffer of execution records.
//
// Once capacity is reached each Save overwrites the oldest slot. Not
// durable: contents are lost when the process exits.
type MemStore[T any] struct {
	mu     sync.RWMutex
	buf    []Record[T]
	start  int // index of the oldest record
	size   int
	index  map[string]int // id -> slot
	closed bool
}

// NewMemStore creates a ring buffer holding up to capacity records.
// capacity <= 0 means DefaultCapacity.
func NewMemStore[T any](capacity int) *MemStore[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &MemStore[T]{
		buf:   make([]Record[T], capacity),
		index: make(map[string]int, capacity),
	}
}

// Save implements Store.
func (m *MemStore[T]) Save(_ context.Context, rec Record[T]) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	if slot, ok := m.index[rec.ID]; ok {
		m.removeSlot(slot)
	}

	if m.size == len(m.buf) {
		delete(m.index, m.buf[m.start].ID)
		m.buf[m.start] = Record[T]{}
		m.start = (m.start + 1) % len(m.buf)
		m.size--
	}

	slot := (m.start + m.size) % len(m.buf)
	m.buf[slot] = rec
	m.index[rec.ID] = slot
	m.size++
	return nil
}

// removeSlot deletes the record at slot and closes the gap by shifting the
// newer records back one position.
func (m *MemStore[T]) removeSlot(slot int) {
	delete(m.index, m.buf[slot].ID)
	n := len(m.buf)
	offset := (slot - m.start + n) % n
	for i := offset; i < m.size-1; i++ {
		from := (m.start + i + 1) % n
		to := (m.start + i) % n
		m.buf[to] = m.buf[from]
		m.index[m.buf[to].ID] = to
	}
	last := (m.start + m.size - 1) % n
	m.buf[last] = Record[T]{}
	m.size--
}

// Load implements Store.
func (m *MemStore[T]) Load(_ context.Context, id string) (Record[T], error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return Record[T]{}, ErrClosed
	}
	slot, ok := m.index[id]
	if !ok {
		return Record[T]{}, ErrNotFound
	}
	return m.buf[slot], nil
}

// List implements Store.
func (m *MemStore[T]) List(_ context.Context, limit int) ([]Record[T], error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrClosed
	}
	if limit <= 0 || limit > m.size {
		limit = m.size
	}
	out := make([]Record[T], 0, limit)
	for i := 0; i < limit; i++ {
		slot := (m.start + m.size - 1 - i) % len(m.buf)
		out = append(out, m.buf[slot])
	}
	return out, nil
}

// Len returns the number of retained records.
func (m *MemStore[T]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.size
}

// Close implements Store.
func (m *MemStore[T]) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
