package store

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process KV. State only survives page loads, not process restarts.
type Memory struct {
	mu      sync.Mutex
	entries map[string]Entry
	closed  bool
}

var _ KV = (*Memory)(nil)

// NewMemory creates an empty Memory store.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]Entry)}
}

func (m *Memory) Get(_ context.Context, key string) (Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Entry{}, false, ErrClosed
	}
	e, ok := m.entries[key]
	return copyEntry(e), ok, nil
}

func (m *Memory) PutIfAbsent(_ context.Context, key string, value []byte) (Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Entry{}, false, ErrClosed
	}
	if e, ok := m.entries[key]; ok {
		return copyEntry(e), false, nil
	}
	e := Entry{Value: append([]byte(nil), value...), Version: 1, UpdatedAt: time.Now().UTC()}
	m.entries[key] = e
	return copyEntry(e), true, nil
}

func (m *Memory) Put(_ context.Context, key string, value []byte) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Entry{}, ErrClosed
	}
	e := Entry{Value: append([]byte(nil), value...), Version: m.entries[key].Version + 1, UpdatedAt: time.Now().UTC()}
	m.entries[key] = e
	return copyEntry(e), nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.entries, key)
	return nil
}

func (m *Memory) DeleteVersion(_ context.Context, key string, version int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	if e, ok := m.entries[key]; !ok || e.Version != version {
		return false, nil
	}
	delete(m.entries, key)
	return true, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func copyEntry(e Entry) Entry {
	if e.Value != nil {
		e.Value = append([]byte(nil), e.Value...)
	}
	return e
}
