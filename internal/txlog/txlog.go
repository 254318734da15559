// Package txlog defines the durable Transaction Log written by coordinators
// and participants on every phase transition and replayed during recovery.
package txlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"pkt.systems/txd/internal/txn"
)

// ErrNotFound is returned by Read when no entry exists for an ID.
var ErrNotFound = errors.New("txlog: entry not found")

// Entry is the persisted state of one transaction.
type Entry struct {
	TxnID        txn.ID     `json:"txn_id"`
	Status       txn.Status `json:"status"`
	Participants []string   `json:"participants,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Log is implemented by every transaction log backend. Write replaces the
// entry for Entry.TxnID and must be durable before it returns.
type Log interface {
	Write(ctx context.Context, entry Entry) error
	Read(ctx context.Context, id txn.ID) (Entry, error)
	List(ctx context.Context) ([]Entry, error)
	Remove(ctx context.Context, id txn.ID) error
	Close() error
}

const objectSuffix = ".json"

// ObjectName returns the object or file name used for id.
func ObjectName(id txn.ID) string {
	return id.String() + objectSuffix
}

// ParseObjectName reverses ObjectName. ok is false for foreign names.
func ParseObjectName(name string) (txn.ID, bool) {
	if !strings.HasSuffix(name, objectSuffix) {
		return txn.ID{}, false
	}
	id, err := txn.ParseID(strings.TrimSuffix(name, objectSuffix))
	if err != nil {
		return txn.ID{}, false
	}
	return id, true
}

// Encode serialises an entry for storage.
func Encode(entry Entry) ([]byte, error) {
	if entry.TxnID.IsZero() {
		return nil, errors.New("txlog: txn id required")
	}
	if entry.Status == "" {
		return nil, fmt.Errorf("txlog: status required for %s", entry.TxnID)
	}
	return json.Marshal(entry)
}

// Decode parses a stored entry.
func Decode(data []byte) (Entry, error) {
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return Entry{}, fmt.Errorf("txlog: decode entry: %w", err)
	}
	if entry.TxnID.IsZero() {
		return Entry{}, errors.New("txlog: decoded entry without txn id")
	}
	return entry, nil
}

// Sort orders entries by update time, then by ID.
func Sort(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].UpdatedAt.Equal(entries[j].UpdatedAt) {
			return entries[i].UpdatedAt.Before(entries[j].UpdatedAt)
		}
		return entries[i].TxnID.String() < entries[j].TxnID.String()
	})
}

// Split separates entries into in-flight and terminal sets.
func Split(entries []Entry) (pending, terminal []Entry) {
	for _, e := range entries {
		if e.Status.Terminal() {
			terminal = append(terminal, e)
			continue
		}
		pending = append(pending, e)
	}
	return pending, terminal
}

type transientError struct {
	err error
}

func (e transientError) Error() string { return e.err.Error() }
func (e transientError) Unwrap() error { return e.err }

// NewTransientError marks err as retryable.
func NewTransientError(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether err was marked as retryable.
func IsTransient(err error) bool {
	var te transientError
	return errors.As(err, &te)
}
