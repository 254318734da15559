package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"pkt.systems/txd/internal/ops"
	"pkt.systems/txd/internal/provider"
	"pkt.systems/txd/internal/txn"
)

// Tx is the handle returned by Begin. Reads see committed data overlaid with
// the transaction's own staged writes.
type Tx struct {
	engine *Engine
	id     txn.ID
	mu     sync.Mutex
	writes map[string]write
	closed bool
}

var errClosed = errors.New("memory: transaction closed")

// ID returns the transaction the handle belongs to.
func (tx *Tx) ID() txn.ID { return tx.id }

// Get reads key through the transaction.
func (tx *Tx) Get(key string) (json.RawMessage, bool, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.closed {
		return nil, false, errClosed
	}
	if w, ok := tx.writes[key]; ok {
		if w.deleted {
			return nil, false, nil
		}
		return w.value, true, nil
	}
	v, ok := tx.engine.Get(key)
	return v, ok, nil
}

// Put stages a write.
func (tx *Tx) Put(key string, value json.RawMessage) error {
	if key == "" {
		return errors.New("memory: key required")
	}
	if !json.Valid(value) {
		return fmt.Errorf("memory: value for %q is not valid JSON", key)
	}
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.closed {
		return errClosed
	}
	tx.writes[key] = write{value: append(json.RawMessage(nil), value...)}
	return nil
}

// Delete stages a delete.
func (tx *Tx) Delete(key string) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.closed {
		return errClosed
	}
	tx.writes[key] = write{deleted: true}
	return nil
}

// Keys lists keys visible to the transaction with the given prefix.
func (tx *Tx) Keys(prefix string) ([]string, error) {
	committed := tx.engine.Keys(prefix)
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.closed {
		return nil, errClosed
	}
	visible := make(map[string]struct{}, len(committed))
	for _, k := range committed {
		visible[k] = struct{}{}
	}
	for k, w := range tx.writes {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if w.deleted {
			delete(visible, k)
			continue
		}
		visible[k] = struct{}{}
	}
	out := make([]string, 0, len(visible))
	for k := range visible {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

func (tx *Tx) close() map[string]write {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.closed = true
	writes := tx.writes
	tx.writes = nil
	return writes
}

// Provider adapts an Engine to provider.Provider.
type Provider struct {
	name   string
	engine *Engine
}

// New returns a provider over engine. A nil engine gets a private one.
func New(name string, engine *Engine) *Provider {
	if engine == nil {
		engine = NewEngine()
	}
	if name == "" {
		name = "memory"
	}
	return &Provider{name: name, engine: engine}
}

// Engine exposes the backing engine.
func (p *Provider) Engine() *Engine { return p.engine }

func (p *Provider) Name() string   { return p.name }
func (p *Provider) TwoPhase() bool { return true }
func (p *Provider) Close() error   { return nil }

func (p *Provider) Begin(ctx context.Context, id txn.ID) (provider.Handle, error) {
	return &Tx{engine: p.engine, id: id, writes: make(map[string]write)}, nil
}

func handle(h provider.Handle) (*Tx, error) {
	tx, ok := h.(*Tx)
	if !ok || tx == nil {
		return nil, fmt.Errorf("memory: unexpected handle %T", h)
	}
	return tx, nil
}

func (p *Provider) Prepare(ctx context.Context, id txn.ID, h provider.Handle) error {
	tx, err := handle(h)
	if err != nil {
		return err
	}
	tx.mu.Lock()
	writes := tx.writes
	tx.mu.Unlock()
	if err := p.engine.prepare(id, writes); err != nil {
		return err
	}
	tx.close()
	return nil
}

func (p *Provider) Commit(ctx context.Context, id txn.ID, h provider.Handle, twoPhase bool) error {
	if twoPhase {
		return p.engine.commitPrepared(id)
	}
	tx, err := handle(h)
	if err != nil {
		return err
	}
	tx.mu.Lock()
	writes, closed := tx.writes, tx.closed
	tx.mu.Unlock()
	if closed {
		return errClosed
	}
	if err := p.engine.commitDirect(writes); err != nil {
		return err
	}
	tx.close()
	return nil
}

func (p *Provider) Rollback(ctx context.Context, id txn.ID, h provider.Handle, twoPhase bool) error {
	if twoPhase {
		p.engine.rollbackPrepared(id)
		return nil
	}
	if tx, err := handle(h); err == nil {
		tx.close()
	}
	return nil
}

func (p *Provider) Prepared(ctx context.Context) ([]txn.ID, error) {
	return p.engine.PreparedIDs(), nil
}

type keyArgs struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value,omitempty"`
}

type listArgs struct {
	Prefix string `json:"prefix"`
}

// GetResult is returned by kv.get.
type GetResult struct {
	Value json.RawMessage `json:"value,omitempty"`
	Found bool            `json:"found"`
}

// RegisterOperations installs kv.put, kv.get, kv.delete and kv.list.
func (p *Provider) RegisterOperations(reg *ops.Registry) error {
	return errors.Join(
		reg.Register("kv.put", func(ctx context.Context, h any, raw json.RawMessage) (any, error) {
			tx, err := handle(h)
			if err != nil {
				return nil, err
			}
			args, err := ops.DecodeArgs[keyArgs](raw)
			if err != nil {
				return nil, err
			}
			return nil, tx.Put(args.Key, args.Value)
		}),
		reg.Register("kv.get", func(ctx context.Context, h any, raw json.RawMessage) (any, error) {
			tx, err := handle(h)
			if err != nil {
				return nil, err
			}
			args, err := ops.DecodeArgs[keyArgs](raw)
			if err != nil {
				return nil, err
			}
			v, found, err := tx.Get(args.Key)
			if err != nil {
				return nil, err
			}
			return GetResult{Value: v, Found: found}, nil
		}),
		reg.Register("kv.delete", func(ctx context.Context, h any, raw json.RawMessage) (any, error) {
			tx, err := handle(h)
			if err != nil {
				return nil, err
			}
			args, err := ops.DecodeArgs[keyArgs](raw)
			if err != nil {
				return nil, err
			}
			return nil, tx.Delete(args.Key)
		}),
		reg.Register("kv.list", func(ctx context.Context, h any, raw json.RawMessage) (any, error) {
			tx, err := handle(h)
			if err != nil {
				return nil, err
			}
			args, err := ops.DecodeArgs[listArgs](raw)
			if err != nil {
				return nil, err
			}
			return tx.Keys(args.Prefix)
		}),
	)
}

var (
	_ provider.Provider        = (*Provider)(nil)
	_ provider.OperationSource = (*Provider)(nil)
)
