// Package provider defines the Database Transaction Provider contract that
// participants use to drive their resource manager.
package provider

import (
	"context"

	"pkt.systems/txd/internal/ops"
	"pkt.systems/txd/internal/txn"
)

// Handle is the provider-specific open transaction. It never leaves the
// participant except as the tx argument of an operation.
type Handle any

// Provider drives one resource manager.
//
// Commit and Rollback with twoPhase=true are only valid after a successful
// Prepare and must work with a nil handle, since recovery runs in a process
// that never saw the original Begin.
type Provider interface {
	Name() string
	TwoPhase() bool
	Begin(ctx context.Context, id txn.ID) (Handle, error)
	Prepare(ctx context.Context, id txn.ID, h Handle) error
	Commit(ctx context.Context, id txn.ID, h Handle, twoPhase bool) error
	Rollback(ctx context.Context, id txn.ID, h Handle, twoPhase bool) error
	Prepared(ctx context.Context) ([]txn.ID, error)
	Close() error
}

// OperationSource is implemented by providers that ship built-in operations.
type OperationSource interface {
	RegisterOperations(reg *ops.Registry) error
}
