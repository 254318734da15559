// Package memory is an in-process two-phase resource manager holding JSON
// values by key. Prepared transactions live in the Engine, so they outlast
// the participant that prepared them as long as the Engine is shared.
package memory

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"pkt.systems/txd/internal/txn"
)

// ErrConflict is returned by Prepare and one-phase Commit when a prepared
// transaction already holds one of the keys being written.
var ErrConflict = errors.New("memory: write conflict with prepared transaction")

type write struct {
	value   json.RawMessage
	deleted bool
}

// Engine holds committed data and prepared write sets.
type Engine struct {
	mu        sync.Mutex
	committed map[string]json.RawMessage
	prepared  map[txn.ID]map[string]write
	owners    map[string]txn.ID
}

// NewEngine returns an empty engine.
func NewEngine() *Engine {
	return &Engine{
		committed: make(map[string]json.RawMessage),
		prepared:  make(map[txn.ID]map[string]write),
		owners:    make(map[string]txn.ID),
	}
}

// Get reads a committed value.
func (e *Engine) Get(key string) (json.RawMessage, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.committed[key]
	return v, ok
}

// Keys lists committed keys with the given prefix.
func (e *Engine) Keys(prefix string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.committed))
	for k := range e.committed {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// Len returns the number of committed keys.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.committed)
}

// PreparedIDs lists transactions that are prepared but not resolved.
func (e *Engine) PreparedIDs() []txn.ID {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]txn.ID, 0, len(e.prepared))
	for id := range e.prepared {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

func (e *Engine) prepare(id txn.ID, writes map[string]write) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.prepared[id]; ok {
		return nil
	}
	if err := e.conflictLocked(id, writes); err != nil {
		return err
	}
	set := make(map[string]write, len(writes))
	for key, w := range writes {
		set[key] = w
		e.owners[key] = id
	}
	e.prepared[id] = set
	return nil
}

func (e *Engine) commitPrepared(id txn.ID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	set, ok := e.prepared[id]
	if !ok {
		return fmt.Errorf("memory: transaction %s is not prepared", id)
	}
	e.applyLocked(set)
	e.releaseLocked(id, set)
	return nil
}

func (e *Engine) rollbackPrepared(id txn.ID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if set, ok := e.prepared[id]; ok {
		e.releaseLocked(id, set)
	}
}

// commitDirect applies writes in one phase unless a prepared transaction
// holds one of the keys.
func (e *Engine) commitDirect(writes map[string]write) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.conflictLocked(txn.ID{}, writes); err != nil {
		return err
	}
	e.applyLocked(writes)
	return nil
}

func (e *Engine) conflictLocked(id txn.ID, writes map[string]write) error {
	for key := range writes {
		if owner, held := e.owners[key]; held && owner != id {
			return fmt.Errorf("%w: key %q held by %s", ErrConflict, key, owner)
		}
	}
	return nil
}

func (e *Engine) applyLocked(writes map[string]write) {
	for key, w := range writes {
		if w.deleted {
			delete(e.committed, key)
			continue
		}
		e.committed[key] = w.value
	}
}

func (e *Engine) releaseLocked(id txn.ID, set map[string]write) {
	for key := range set {
		if e.owners[key] == id {
			delete(e.owners, key)
		}
	}
	delete(e.prepared, id)
}
