// Package txlogtest holds the behaviour every txlog.Log backend must share.
package txlogtest

import (
	"context"
	"errors"
	"testing"
	"time"

	"pkt.systems/txd/internal/txlog"
	"pkt.systems/txd/internal/txn"
)

// Run exercises log against the txlog.Log contract. The log must be empty.
func Run(t *testing.T, log txlog.Log) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	first := txn.NewID()
	second := txn.NewID()

	if _, err := log.Read(ctx, first); !errors.Is(err, txlog.ErrNotFound) {
		t.Fatalf("read missing: expected ErrNotFound, got %v", err)
	}

	steps := []txn.Status{txn.StatusBeginStarted, txn.StatusBeginFinished, txn.StatusPrepareStarted, txn.StatusPrepareFinished}
	for i, st := range steps {
		if err := log.Write(ctx, txlog.Entry{TxnID: first, Status: st, UpdatedAt: base.Add(time.Duration(i) * time.Second)}); err != nil {
			t.Fatalf("write %s: %v", st, err)
		}
	}
	got, err := log.Read(ctx, first)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Status != txn.StatusPrepareFinished {
		t.Fatalf("expected last written status, got %s", got.Status)
	}

	if err := log.Write(ctx, txlog.Entry{TxnID: second, Status: txn.StatusCommitStarted, Participants: []string{"rm-a", "rm-b"}, UpdatedAt: base.Add(time.Minute)}); err != nil {
		t.Fatalf("write second: %v", err)
	}
	entries, err := log.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].TxnID != first || entries[1].TxnID != second {
		t.Fatalf("entries not ordered by update time: %+v", entries)
	}
	if len(entries[1].Participants) != 2 || entries[1].Participants[1] != "rm-b" {
		t.Fatalf("participants not preserved: %+v", entries[1].Participants)
	}

	if err := log.Remove(ctx, first); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := log.Remove(ctx, first); err != nil {
		t.Fatalf("remove twice should be a no-op: %v", err)
	}
	if _, err := log.Read(ctx, first); !errors.Is(err, txlog.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after remove, got %v", err)
	}
	entries, err = log.List(ctx)
	if err != nil {
		t.Fatalf("list after remove: %v", err)
	}
	if len(entries) != 1 || entries[0].TxnID != second {
		t.Fatalf("unexpected entries after remove: %+v", entries)
	}

	if err := log.Write(ctx, txlog.Entry{Status: txn.StatusBeginStarted}); err == nil {
		t.Fatal("expected error writing entry without id")
	}
}
