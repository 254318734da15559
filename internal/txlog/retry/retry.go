// Package retry wraps a transaction log so that transient backend failures
// are retried with exponential backoff.
package retry

import (
	"context"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/txd/internal/clock"
	"pkt.systems/txd/internal/loggingutil"
	"pkt.systems/txd/internal/txlog"
	"pkt.systems/txd/internal/txn"
)

// Config controls retry behaviour.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// Wrap returns a log that retries transient errors according to cfg.
func Wrap(inner txlog.Log, logger pslog.Logger, clk clock.Clock, cfg Config) txlog.Log {
	if inner == nil {
		return nil
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 50 * time.Millisecond
	}
	if cfg.Multiplier <= 1 {
		cfg.Multiplier = 2.0
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 2 * time.Second
	}
	return &log{
		inner:  inner,
		logger: loggingutil.WithSubsystem(logger, "txlog.retry"),
		clock:  clock.Or(clk),
		cfg:    cfg,
	}
}

type log struct {
	inner  txlog.Log
	logger pslog.Logger
	clock  clock.Clock
	cfg    Config
}

func (l *log) Write(ctx context.Context, entry txlog.Entry) error {
	return l.withRetry(ctx, "write", entry.TxnID, func(ctx context.Context) error {
		return l.inner.Write(ctx, entry)
	})
}

func (l *log) Read(ctx context.Context, id txn.ID) (txlog.Entry, error) {
	var entry txlog.Entry
	err := l.withRetry(ctx, "read", id, func(ctx context.Context) error {
		var err error
		entry, err = l.inner.Read(ctx, id)
		return err
	})
	return entry, err
}

func (l *log) List(ctx context.Context) ([]txlog.Entry, error) {
	var entries []txlog.Entry
	err := l.withRetry(ctx, "list", txn.ID{}, func(ctx context.Context) error {
		var err error
		entries, err = l.inner.List(ctx)
		return err
	})
	return entries, err
}

func (l *log) Remove(ctx context.Context, id txn.ID) error {
	return l.withRetry(ctx, "remove", id, func(ctx context.Context) error {
		return l.inner.Remove(ctx, id)
	})
}

func (l *log) Close() error {
	return l.inner.Close()
}

func (l *log) withRetry(ctx context.Context, op string, id txn.ID, fn func(context.Context) error) error {
	delay := l.cfg.BaseDelay
	var lastErr error
	for attempt := 1; attempt <= l.cfg.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !txlog.IsTransient(err) || attempt == l.cfg.MaxAttempts {
			return err
		}
		l.logger.Warn("txlog.transient_error",
			"operation", op,
			"txn_id", id,
			"attempt", attempt,
			"max_attempts", l.cfg.MaxAttempts,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.clock.After(delay):
		}
		delay = time.Duration(float64(delay) * l.cfg.Multiplier)
		if delay > l.cfg.MaxDelay {
			delay = l.cfg.MaxDelay
		}
	}
	return lastErr
}
