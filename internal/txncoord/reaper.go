package txncoord

import (
	"context"
	"time"

	"pkt.systems/txd/internal/txlog"
	"pkt.systems/txd/internal/txn"
)

// SweepStats summarizes one reaper pass.
type SweepStats struct {
	Committed  int
	RolledBack int
	TimedOut   int
	Abandoned  int
	Busy       int
	Failed     int
}

// Run sweeps the active set every ReaperInterval until ctx is done.
func (c *Coordinator) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.clock.After(c.reaperInterval):
		}
		c.Sweep(ctx)
	}
}

// Sweep makes one pass over the active set. Records another call holds are
// skipped, or abandoned once they have been held too long; records with an
// unfinished decision are driven again; idle records are rolled back.
func (c *Coordinator) Sweep(ctx context.Context) SweepStats {
	var stats SweepStats
	now := c.clock.Now()
	for _, r := range c.txns.Snapshot() {
		if ctx.Err() != nil {
			break
		}
		if !r.tryLock("reaper", now) {
			stats.Busy++
			if c.abandon(ctx, r, now) {
				stats.Abandoned++
			}
			continue
		}
		if r.removed {
			c.release(ctx, r)
			continue
		}
		var (
			action string
			err    error
		)
		switch r.getState() {
		case StateCommitting:
			action = "commit"
			err = c.driveCommit(ctx, r)
		case StatePreparing, StateRollingBack:
			action = "rollback"
			err = c.rollbackLocked(ctx, r)
		default:
			idle := now.Sub(r.lastAccessed)
			if idle < c.timeout {
				c.release(ctx, r)
				continue
			}
			action = "timeout"
			r.viaClose = true
			c.reaperLog.Info("txn.reaper.timeout", "txn_id", r.id, "idle", idle, "participants", len(r.enlisted))
			err = c.rollbackLocked(ctx, r)
		}
		c.release(ctx, r)
		if err != nil {
			stats.Failed++
			c.metrics.recordReaper(ctx, action, "error")
			c.reaperLog.Warn("txn.reaper.incomplete", "txn_id", r.id, "action", action, "error", err)
			continue
		}
		c.metrics.recordReaper(ctx, action, "ok")
		switch action {
		case "commit":
			stats.Committed++
		case "rollback":
			stats.RolledBack++
		case "timeout":
			stats.TimedOut++
		}
	}
	if n := c.retired.prune(now); n > 0 {
		c.reaperLog.Debug("txn.reaper.retired_pruned", "count", n)
	}
	return stats
}

// abandon drops a record whose domain operation has held it for longer than
// the timeout plus the grace period. The record leaves the active set at once
// and is rolled back when the stuck call releases it.
func (c *Coordinator) abandon(ctx context.Context, r *record, now time.Time) bool {
	if r.getState() != StateActive || r.holder() != "execute" {
		return false
	}
	held := now.Sub(time.Unix(0, r.lockedAt.Load()))
	if held <= c.timeout+c.abandonGrace {
		return false
	}
	if !r.abandoned.CompareAndSwap(false, true) {
		return false
	}
	c.txns.CompareAndDelete(r.id, func(v *record) bool { return v == r })
	c.retired.add(r.id, now)
	c.metrics.recordReaper(ctx, "abandon", "ok")
	c.reaperLog.Warn("txn.reaper.abandoned", "txn_id", r.id, "held", held, "holder", r.holder())
	// The holder may have released between the try-lock and the flag.
	c.settleAbandoned(ctx, r, "reaper")
	return true
}

// settleAbandoned rolls back an abandoned record once nobody holds it.
func (c *Coordinator) settleAbandoned(ctx context.Context, r *record, owner string) {
	if !r.tryLock(owner, c.clock.Now()) {
		return
	}
	defer r.unlock()
	if r.removed || !r.abandoned.CompareAndSwap(true, false) {
		return
	}
	ctx = context.WithoutCancel(ctx)
	if r.getState() == StateActive {
		r.viaClose = true
		if err := c.rollbackLocked(ctx, r); err != nil {
			c.reaperLog.Warn("txn.reaper.abandoned_rollback_incomplete", "txn_id", r.id, "error", err)
		}
	}
	if !r.removed {
		c.txns.LoadOrStore(r.id, r)
	}
}

// Recover rehydrates transactions left unfinished by a previous run from the
// log. Committed decisions are driven forward; everything else is rolled
// back. Terminal entries are removed.
func (c *Coordinator) Recover(ctx context.Context) (int, error) {
	entries, err := c.log.List(ctx)
	if err != nil {
		return 0, err
	}
	pending, terminal := txlog.Split(entries)
	for _, e := range terminal {
		if err := c.log.Remove(ctx, e.TxnID); err != nil {
			c.logger.Warn("txn.recover.compact_failed", "txn_id", e.TxnID, "error", err)
		}
	}
	now := c.clock.Now()
	n := 0
	for _, e := range pending {
		state := StateRollingBack
		if e.Status == txn.StatusCommitStarted {
			state = StateCommitting
		}
		r := &record{
			id:           e.TxnID,
			enlisted:     append([]string(nil), e.Participants...),
			done:         make(map[string]bool),
			logged:       true,
			recovered:    true,
			startedAt:    e.UpdatedAt,
			lastAccessed: now,
		}
		r.setState(state)
		for _, pid := range r.enlisted {
			if _, ok := c.participants[pid]; !ok {
				c.logger.Warn("txn.recover.unknown_participant", "txn_id", e.TxnID, "participant", pid)
			}
		}
		if _, loaded := c.txns.LoadOrStore(e.TxnID, r); loaded {
			continue
		}
		c.retired.add(e.TxnID, now)
		n++
		c.logger.Info("txn.recover.rehydrated", "txn_id", e.TxnID, "status", e.Status, "state", state, "participants", len(r.enlisted))
	}
	return n, nil
}
