// Package memory keeps the transaction log in process memory. Entries do not
// survive a restart of the process, but they do survive a restart of the
// coordinator or participant that shares the Store.
package memory

import (
	"context"
	"sync"

	"pkt.systems/txd/internal/txlog"
	"pkt.systems/txd/internal/txn"
)

// Store is an in-memory txlog.Log.
type Store struct {
	mu      sync.Mutex
	entries map[txn.ID]txlog.Entry
}

// New returns an empty Store.
func New() *Store {
	return &Store{entries: make(map[txn.ID]txlog.Entry)}
}

func clone(e txlog.Entry) txlog.Entry {
	if e.Participants != nil {
		e.Participants = append([]string(nil), e.Participants...)
	}
	return e
}

// Write implements txlog.Log.
func (s *Store) Write(ctx context.Context, entry txlog.Entry) error {
	if _, err := txlog.Encode(entry); err != nil {
		return err
	}
	s.mu.Lock()
	s.entries[entry.TxnID] = clone(entry)
	s.mu.Unlock()
	return nil
}

// Read implements txlog.Log.
func (s *Store) Read(ctx context.Context, id txn.ID) (txlog.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return txlog.Entry{}, txlog.ErrNotFound
	}
	return clone(e), nil
}

// List implements txlog.Log.
func (s *Store) List(ctx context.Context) ([]txlog.Entry, error) {
	s.mu.Lock()
	out := make([]txlog.Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, clone(e))
	}
	s.mu.Unlock()
	txlog.Sort(out)
	return out, nil
}

// Remove implements txlog.Log.
func (s *Store) Remove(ctx context.Context, id txn.ID) error {
	s.mu.Lock()
	delete(s.entries, id)
	s.mu.Unlock()
	return nil
}

// Close implements txlog.Log.
func (s *Store) Close() error { return nil }
