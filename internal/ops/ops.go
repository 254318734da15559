// Package ops dispatches the named domain operations that callers run inside
// a participant's open resource-manager transaction.
package ops

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"pkt.systems/txd/internal/txn"
)

// Func runs one operation. tx is the provider's transaction handle.
type Func func(ctx context.Context, tx any, args json.RawMessage) (any, error)

// Registry maps operation names to implementations. Each participant owns
// its own registry.
type Registry struct {
	mu  sync.RWMutex
	ops map[string]Func
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{ops: make(map[string]Func)}
}

// Register adds fn under name.
func (r *Registry) Register(name string, fn Func) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("ops: operation name required")
	}
	if fn == nil {
		return fmt.Errorf("ops: nil implementation for %q", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.ops[name]; exists {
		return fmt.Errorf("ops: operation %q already registered", name)
	}
	r.ops[name] = fn
	return nil
}

// Names lists registered operations in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.ops))
	for name := range r.ops {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Invoke runs the named operation and returns its JSON encoded result.
// Errors that are not already a txn.Failure are reported as
// operation_failed so callers can tell domain errors from protocol errors.
func (r *Registry) Invoke(ctx context.Context, name string, tx any, args json.RawMessage) (json.RawMessage, error) {
	r.mu.RLock()
	fn, ok := r.ops[name]
	r.mu.RUnlock()
	if !ok {
		return nil, txn.Failure{Code: txn.CodeUnknownOperation, Detail: fmt.Sprintf("operation %q is not registered", name)}
	}
	result, err := fn(ctx, tx, args)
	if err != nil {
		if _, isFailure := txn.AsFailure(err); isFailure {
			return nil, err
		}
		return nil, txn.Failure{Code: txn.CodeOperationFailed, Detail: name, Err: err}
	}
	if result == nil {
		return nil, nil
	}
	if raw, ok := result.(json.RawMessage); ok {
		return raw, nil
	}
	encoded, err := json.Marshal(result)
	if err != nil {
		return nil, txn.Failure{Code: txn.CodeOperationFailed, Detail: name + ": encode result", Err: err}
	}
	return encoded, nil
}

// DecodeArgs unmarshals operation arguments into T.
func DecodeArgs[T any](args json.RawMessage) (T, error) {
	var out T
	if len(args) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(args, &out); err != nil {
		return out, txn.Failure{Code: txn.CodeInvalidRequest, Detail: "decode operation arguments", Err: err}
	}
	return out, nil
}
