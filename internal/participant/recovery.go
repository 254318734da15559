package participant

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pkt.systems/txd/internal/txlog"
	"pkt.systems/txd/internal/txn"
)

// Coordinator is the part of the coordinator a participant calls back into
// while recovering.
type Coordinator interface {
	RecoverTransactions(ctx context.Context, creds txn.Credentials) (txn.RecoverySet, error)
}

// CommitRecovered commits a prepared transaction this process may never have
// seen live, using only the log and the resource manager's prepared catalog.
func (p *Participant) CommitRecovered(ctx context.Context, id txn.ID, creds txn.Credentials) error {
	if err := p.keys.VerifyCoordinator(creds); err != nil {
		return err
	}
	return p.resolveRecovered(ctx, id, true)
}

// RollbackRecovered is the rollback counterpart of CommitRecovered.
func (p *Participant) RollbackRecovered(ctx context.Context, id txn.ID, creds txn.Credentials) error {
	if err := p.keys.VerifyCoordinator(creds); err != nil {
		return err
	}
	return p.resolveRecovered(ctx, id, false)
}

func (p *Participant) resolveRecovered(ctx context.Context, id txn.ID, commit bool) error {
	t, err := p.hydrate(ctx, id, commit)
	if err != nil || t == nil {
		return err
	}
	defer t.unlock()
	if commit {
		return p.commitLocked(ctx, t, true)
	}
	return p.rollbackLocked(ctx, t)
}

// hydrate returns the locked live transaction for id, rebuilding it from the
// log and the prepared catalog when it is not live. A nil transaction with a
// nil error means there is nothing left to do.
func (p *Participant) hydrate(ctx context.Context, id txn.ID, commit bool) (*transaction, error) {
	want, expected := txn.StatusRollbackFinished, txn.StatusBeginFinished
	if commit {
		want, expected = txn.StatusCommitFinished, txn.StatusPrepareFinished
	}
	for {
		if live := p.acquire(id, "recover"); live != nil {
			return live, nil
		}
		entry, err := p.log.Read(ctx, id)
		logged := err == nil
		if err != nil && !errors.Is(err, txlog.ErrNotFound) {
			return nil, fmt.Errorf("participant: read log for %s: %w", id, err)
		}
		if logged && entry.Status.Terminal() {
			if entry.Status == want {
				return nil, nil
			}
			return nil, txn.UnexpectedStatus(id, entry.Status, expected)
		}
		prepared, err := p.provider.Prepared(ctx)
		if err != nil {
			return nil, txn.ResourceManager(id, "list prepared", err)
		}
		isPrepared := txn.Contains(prepared, id)
		if !logged && !isPrepared {
			if commit {
				return nil, txn.UnexpectedStatus(id, txn.StatusNew, expected)
			}
			return nil, nil
		}

		now := p.clock.Now()
		t := &transaction{id: id, status: entry.Status, prepared: isPrepared, startedAt: now, lastAccessed: now}
		if !logged || (isPrepared && !entry.Status.Prepared()) {
			t.status = txn.StatusPrepareFinished
		}
		t.lock("recover")
		if _, loaded := p.txns.LoadOrStore(id, t); loaded {
			t.unlock()
			continue
		}
		if isPrepared {
			return t, nil
		}
		return nil, p.settleUnprepared(ctx, t, commit)
	}
}

// settleUnprepared closes out a logged transaction that the resource manager
// no longer holds as prepared. It consumes t's lock.
func (p *Participant) settleUnprepared(ctx context.Context, t *transaction, commit bool) error {
	defer t.unlock()
	defer p.finish(t)
	switch {
	case commit && t.status.Prepared():
		// The resource manager already applied the commit before the log caught up.
		return p.transition(ctx, t, txn.StatusCommitFinished)
	case commit:
		return txn.UnexpectedStatus(t.id, t.status, txn.StatusPrepareFinished)
	case t.status == txn.StatusCommitStarted:
		p.logger.Warn("txn.participant.recover.outcome_unknown", "txn_id", t.id)
		return p.log.Remove(ctx, t.id)
	default:
		return p.transition(ctx, t, txn.StatusRollbackFinished)
	}
}

// Recover resolves every transaction left behind by a previous run of this
// participant: non-terminal log entries and transactions the resource manager
// still holds as prepared. The coordinator decides which ones commit; those
// it reports as still pending are left in doubt. Terminal entries older than
// the retention window are removed from the log.
func (p *Participant) Recover(ctx context.Context, coord Coordinator) error {
	entries, err := p.log.List(ctx)
	if err != nil {
		return fmt.Errorf("participant: list log: %w", err)
	}
	pending, terminal := txlog.Split(entries)
	p.compact(ctx, terminal)

	prepared, err := p.provider.Prepared(ctx)
	if err != nil {
		return fmt.Errorf("participant: list prepared: %w", err)
	}
	var candidates []txn.ID
	seen := make(map[txn.ID]struct{})
	add := func(id txn.ID) {
		if _, dup := seen[id]; dup {
			return
		}
		seen[id] = struct{}{}
		if _, live := p.txns.Load(id); live {
			return
		}
		candidates = append(candidates, id)
	}
	for _, e := range pending {
		add(e.TxnID)
	}
	for _, id := range prepared {
		add(id)
	}
	if len(candidates) == 0 {
		return nil
	}
	if coord == nil {
		return fmt.Errorf("participant: %d transactions need recovery but no coordinator is configured", len(candidates))
	}
	set, err := coord.RecoverTransactions(ctx, p.keys.Credentials(""))
	if err != nil {
		return fmt.Errorf("participant: ask coordinator for decisions: %w", err)
	}

	var errs []error
	for _, id := range candidates {
		var outcome string
		switch {
		case txn.Contains(set.Committed, id):
			outcome = "committed"
			err = p.resolveRecovered(ctx, id, true)
		case txn.Contains(set.Pending, id):
			p.logger.Info("txn.participant.recover.in_doubt", "txn_id", id)
			p.metrics.recordRecovered(ctx, "in_doubt")
			continue
		default:
			outcome = "rolled_back"
			err = p.resolveRecovered(ctx, id, false)
		}
		if err != nil {
			outcome = "error"
			p.logger.Warn("txn.participant.recover.failed", "txn_id", id, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
		} else {
			p.logger.Info("txn.participant.recover.resolved", "txn_id", id, "outcome", outcome)
		}
		p.metrics.recordRecovered(ctx, outcome)
	}
	return errors.Join(errs...)
}

func (p *Participant) compact(ctx context.Context, terminal []txlog.Entry) {
	cutoff := p.clock.Now().Add(-p.retention)
	for _, e := range terminal {
		if e.UpdatedAt.After(cutoff) {
			continue
		}
		if _, live := p.txns.Load(e.TxnID); live {
			continue
		}
		if err := p.log.Remove(ctx, e.TxnID); err != nil {
			p.logger.Warn("txn.participant.compact.failed", "txn_id", e.TxnID, "error", err)
		}
	}
}

// Run repeats Recover every interval until ctx is done, which resolves
// transactions left in doubt by an earlier pass and keeps the log compact.
func (p *Participant) Run(ctx context.Context, coord Coordinator, interval time.Duration) {
	if interval <= 0 {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.clock.After(interval):
		}
		if err := p.Recover(ctx, coord); err != nil && ctx.Err() == nil {
			p.logger.Warn("txn.participant.recover.pass_failed", "error", err)
		}
	}
}
