package store

import (
	"context"
	"sort"
	"sync"

	"github.com/telemyapp/dwarf-link/internal/model"
)

// MemoryStore keeps state in process. It is the default backend and the one
// used by tests.
type MemoryStore struct {
	mu     sync.RWMutex
	state  map[string]map[string]string
	events []model.ConnectionEvent
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: make(map[string]map[string]string)}
}

func (m *MemoryStore) PutState(_ context.Context, address, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kv, ok := m.state[address]
	if !ok {
		kv = make(map[string]string)
		m.state[address] = kv
	}
	kv[key] = value
	countWrite(BackendMemory, nil)
	return nil
}

func (m *MemoryStore) LoadState(_ context.Context, address string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.state[address]))
	for k, v := range m.state[address] {
		out[k] = v
	}
	return out, nil
}

func (m *MemoryStore) ListDevices(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.state))
	for addr := range m.state {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryStore) DeleteDevice(_ context.Context, address string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.state[address]; !ok {
		return ErrNotFound
	}
	delete(m.state, address)
	kept := m.events[:0]
	for _, ev := range m.events {
		if ev.Address != address {
			kept = append(kept, ev)
		}
	}
	m.events = kept
	return nil
}

func (m *MemoryStore) RecordConnectionEvent(_ context.Context, ev model.ConnectionEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, normalizeEvent(ev))
	return nil
}

// ListConnectionEvents returns up to limit events for address, newest first.
func (m *MemoryStore) ListConnectionEvents(_ context.Context, address string, limit int) ([]model.ConnectionEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.ConnectionEvent, 0)
	for i := len(m.events) - 1; i >= 0 && len(out) < limit; i-- {
		if m.events[i].Address == address {
			out = append(out, m.events[i])
		}
	}
	return out, nil
}
