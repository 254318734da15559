package txncoord

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/txd/internal/txlog"
	"pkt.systems/txd/internal/txn"
)

const tracerName = "pkt.systems/txd/txncoord"

func commitMode(participants int) string {
	switch participants {
	case 0:
		return "empty"
	case 1:
		return "one_phase"
	}
	return "two_phase"
}

func (c *Coordinator) commitLocked(ctx context.Context, r *record) (err error) {
	start := c.clock.Now()
	mode := commitMode(len(r.enlisted))
	ctx, span := otel.Tracer(tracerName).Start(ctx, "txncoord.commit",
		trace.WithAttributes(
			attribute.String("txd.txn_id", r.id.String()),
			attribute.String("txd.commit_mode", mode),
			attribute.Int("txd.participants", len(r.enlisted)),
		),
	)
	defer func() {
		result := "ok"
		if err != nil {
			result = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		c.metrics.recordCommit(ctx, mode, result, c.clock.Now().Sub(start))
	}()

	switch len(r.enlisted) {
	case 0:
		c.finish(r)
		c.logger.Debug("txn.commit.empty", "txn_id", r.id)
		return nil
	case 1:
		return c.commitOnePhase(ctx, r)
	}
	return c.commitTwoPhase(ctx, r)
}

func (c *Coordinator) commitOnePhase(ctx context.Context, r *record) error {
	pid := r.enlisted[0]
	p, err := c.participant(pid)
	if err != nil {
		return err
	}
	creds := c.keys.Credentials(r.sessionToken)
	r.setState(StateCommitting)
	if err := p.CommitTransaction(ctx, r.id, creds, false); err != nil {
		c.logger.Warn("txn.commit.one_phase_failed", "txn_id", r.id, "participant", pid, "error", err)
		if rbErr := p.RollbackTransaction(ctx, r.id, creds); rbErr != nil {
			c.logger.Warn("txn.commit.one_phase_rollback_failed", "txn_id", r.id, "participant", pid, "error", rbErr)
		}
		c.finish(r)
		return txn.ResourceManager(r.id, "commit at "+pid, err)
	}
	c.finish(r)
	c.logger.Info("txn.commit.complete", "txn_id", r.id, "participants", 1, "mode", "one_phase")
	return nil
}

func (c *Coordinator) commitTwoPhase(ctx context.Context, r *record) error {
	if err := c.writeLog(ctx, r, txn.StatusPrepareStarted); err != nil {
		c.abort(ctx, r)
		return err
	}
	r.setState(StatePreparing)
	if err := c.prepareAll(ctx, r); err != nil {
		c.abort(ctx, r)
		return err
	}
	if err := c.writeLog(ctx, r, txn.StatusCommitStarted); err != nil {
		c.abort(ctx, r)
		return err
	}
	r.setState(StateCommitting)
	c.logger.Debug("txn.commit.decided", "txn_id", r.id, "participants", len(r.enlisted))
	return c.driveCommit(ctx, r)
}

func (c *Coordinator) prepareAll(ctx context.Context, r *record) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "txncoord.prepare",
		trace.WithAttributes(attribute.String("txd.txn_id", r.id.String())),
	)
	defer span.End()
	creds := c.keys.Credentials(r.sessionToken)
	for _, pid := range r.enlisted {
		p, err := c.participant(pid)
		if err == nil {
			err = p.PrepareTransaction(ctx, r.id, creds)
		}
		if err != nil {
			c.logger.Warn("txn.commit.prepare_failed", "txn_id", r.id, "participant", pid, "error", err)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return txn.ResourceManager(r.id, "prepare at "+pid, err)
		}
	}
	return nil
}

// abort rolls back after a failed commit attempt that never reached a
// durable decision. Failures leave the record rolling back for the reaper.
func (c *Coordinator) abort(ctx context.Context, r *record) {
	if err := c.rollbackLocked(ctx, r); err != nil {
		c.logger.Warn("txn.commit.abort_incomplete", "txn_id", r.id, "error", err)
	}
}

// driveCommit commits at every participant that has not yet confirmed the
// decision. The record is finished once all of them have.
func (c *Coordinator) driveCommit(ctx context.Context, r *record) error {
	creds := c.keys.Credentials(r.sessionToken)
	var pending []string
	var errs []error
	for _, pid := range r.enlisted {
		if r.done[pid] {
			continue
		}
		p, err := c.participant(pid)
		if err == nil {
			err = c.commitWithRetry(ctx, r, p, creds)
		}
		if err != nil {
			pending = append(pending, pid)
			errs = append(errs, fmt.Errorf("%s: %w", pid, err))
			continue
		}
		r.done[pid] = true
	}
	if len(pending) > 0 {
		c.logger.Warn("txn.commit.incomplete", "txn_id", r.id, "pending", strings.Join(pending, ","), "error", errors.Join(errs...))
		return txn.Failure{
			Code:   txn.CodeCommitIncomplete,
			Detail: fmt.Sprintf("transaction %s committed but not yet confirmed by %s", r.id, strings.Join(pending, ", ")),
			TxnID:  r.id,
			Err:    &CommitError{TxnID: r.id, Pending: pending, Err: errors.Join(errs...)},
		}
	}
	c.complete(ctx, r, txn.StatusCommitFinished)
	c.logger.Info("txn.commit.complete", "txn_id", r.id, "participants", len(r.enlisted), "mode", "two_phase")
	return nil
}

func (c *Coordinator) commitWithRetry(ctx context.Context, r *record, p Participant, creds txn.Credentials) error {
	delay := c.baseDelay
	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.metrics.recordCommitAttempt(ctx, p.ID())
		var err error
		if r.recovered {
			err = p.CommitRecovered(ctx, r.id, creds)
		} else {
			err = p.CommitTransaction(ctx, r.id, creds, true)
		}
		if err == nil {
			return nil
		}
		if attempt >= c.maxAttempts || !retryable(err) {
			return err
		}
		c.logger.Debug("txn.commit.retry", "txn_id", r.id, "participant", p.ID(), "attempt", attempt, "delay", delay, "error", err)
		if delay > c.maxDelay {
			delay = c.maxDelay
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.clock.After(delay):
		}
		delay = time.Duration(float64(delay)*c.multiplier + 0.5)
	}
}

// retryable reports whether another attempt can change the outcome.
// Protocol and authorization failures are final.
func retryable(err error) bool {
	f, ok := txn.AsFailure(err)
	if !ok {
		return true
	}
	switch f.Code {
	case txn.CodeUnexpectedStatus, txn.CodeUnauthorized, txn.CodeUnknownParticipant, txn.CodeInvalidRequest:
		return false
	}
	return true
}

// rollbackLocked rolls r back at every enlisted participant that has not
// confirmed yet, newest enlistment first.
func (c *Coordinator) rollbackLocked(ctx context.Context, r *record) error {
	r.setState(StateRollingBack)
	if r.logged {
		if err := c.writeLog(ctx, r, txn.StatusRollbackStarted); err != nil {
			return err
		}
	}
	creds := c.keys.Credentials(r.sessionToken)
	var pending []string
	var errs []error
	for i := len(r.enlisted) - 1; i >= 0; i-- {
		pid := r.enlisted[i]
		if r.done[pid] {
			continue
		}
		p, err := c.participant(pid)
		if err == nil {
			switch {
			case r.recovered:
				err = p.RollbackRecovered(ctx, r.id, creds)
			case r.viaClose:
				err = p.CloseTransaction(ctx, r.id, creds)
			default:
				err = p.RollbackTransaction(ctx, r.id, creds)
			}
		}
		if err != nil {
			pending = append(pending, pid)
			errs = append(errs, fmt.Errorf("%s: %w", pid, err))
			continue
		}
		r.done[pid] = true
	}
	if len(pending) > 0 {
		c.logger.Warn("txn.rollback.incomplete", "txn_id", r.id, "pending", strings.Join(pending, ","), "error", errors.Join(errs...))
		return txn.Failure{
			Code:   txn.CodeResourceManager,
			Detail: fmt.Sprintf("rollback %s incomplete at %s", r.id, strings.Join(pending, ", ")),
			TxnID:  r.id,
			Err:    errors.Join(errs...),
		}
	}
	c.complete(ctx, r, txn.StatusRollbackFinished)
	c.logger.Info("txn.rollback.complete", "txn_id", r.id, "participants", len(r.enlisted))
	return nil
}

// complete records the terminal status, drops the log entry and finishes r.
func (c *Coordinator) complete(ctx context.Context, r *record, status txn.Status) {
	if r.logged {
		if err := c.writeLog(ctx, r, status); err != nil {
			c.logger.Warn("txn.log.finish_failed", "txn_id", r.id, "status", status, "error", err)
		}
		if err := c.log.Remove(ctx, r.id); err != nil {
			c.logger.Warn("txn.log.remove_failed", "txn_id", r.id, "error", err)
		}
	}
	c.finish(r)
}

func (c *Coordinator) writeLog(ctx context.Context, r *record, status txn.Status) error {
	entry := txlog.Entry{
		TxnID:        r.id,
		Status:       status,
		Participants: r.enlistedCopy(),
		UpdatedAt:    c.clock.Now(),
	}
	if err := c.log.Write(ctx, entry); err != nil {
		c.logger.Error("txn.log.write_failed", "txn_id", r.id, "status", status, "error", err)
		return fmt.Errorf("txncoord: record %s for %s: %w", status, r.id, err)
	}
	r.logged = true
	return nil
}
