// Package txnmap provides the per-instance registries that coordinators and
// participants use to track in-flight transactions.
package txnmap

import (
	"errors"
	"sort"
	"sync"

	"pkt.systems/txd/internal/txn"
)

var (
	// ErrExists is returned by Insert when the key is already present.
	ErrExists = errors.New("txnmap: key exists")
	// ErrFull is returned by Insert when the map holds limit entries.
	ErrFull = errors.New("txnmap: capacity reached")
)

// Map is a mutex-guarded map keyed by transaction ID.
type Map[V any] struct {
	mu      sync.RWMutex
	entries map[txn.ID]V
}

// New returns an empty Map.
func New[V any]() *Map[V] {
	return &Map[V]{entries: make(map[txn.ID]V)}
}

// Insert stores v under id unless id is present or the map already holds
// limit entries. A limit of zero or less disables the capacity check.
func (m *Map[V]) Insert(id txn.ID, v V, limit int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[id]; ok {
		return ErrExists
	}
	if limit > 0 && len(m.entries) >= limit {
		return ErrFull
	}
	m.entries[id] = v
	return nil
}

// LoadOrStore returns the existing value for id, or stores and returns v.
func (m *Map[V]) LoadOrStore(id txn.ID, v V) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.entries[id]; ok {
		return existing, true
	}
	m.entries[id] = v
	return v, false
}

// Load returns the value stored under id.
func (m *Map[V]) Load(id txn.ID) (V, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.entries[id]
	return v, ok
}

// Delete removes id.
func (m *Map[V]) Delete(id txn.ID) {
	m.mu.Lock()
	delete(m.entries, id)
	m.mu.Unlock()
}

// CompareAndDelete removes id only while it still maps to v.
func (m *Map[V]) CompareAndDelete(id txn.ID, match func(V) bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.entries[id]
	if !ok || !match(v) {
		return false
	}
	delete(m.entries, id)
	return true
}

// Len returns the number of entries.
func (m *Map[V]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Keys returns a sorted snapshot of the stored IDs.
func (m *Map[V]) Keys() []txn.ID {
	m.mu.RLock()
	keys := make([]txn.ID, 0, len(m.entries))
	for id := range m.entries {
		keys = append(keys, id)
	}
	m.mu.RUnlock()
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// Snapshot returns a copy of the values, ordered by ID. Callers may lock the
// returned values without holding the map lock.
func (m *Map[V]) Snapshot() []V {
	keys := m.Keys()
	out := make([]V, 0, len(keys))
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, id := range keys {
		if v, ok := m.entries[id]; ok {
			out = append(out, v)
		}
	}
	return out
}
