// Package participant wraps one resource manager and drives its local
// transactions through the two-phase commit state machine on behalf of a
// coordinator.
package participant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/txd/internal/clock"
	"pkt.systems/txd/internal/keyring"
	"pkt.systems/txd/internal/loggingutil"
	"pkt.systems/txd/internal/ops"
	"pkt.systems/txd/internal/provider"
	"pkt.systems/txd/internal/txlog"
	"pkt.systems/txd/internal/txn"
	"pkt.systems/txd/internal/txnmap"
)

// DefaultTerminalRetention is how long finished transactions stay in the log
// so that repeated commit or rollback calls can be answered.
const DefaultTerminalRetention = 15 * time.Minute

// Config wires a Participant.
type Config struct {
	ID                string
	Provider          provider.Provider
	Log               txlog.Log
	Keyring           *keyring.Keyring
	Operations        *ops.Registry
	Clock             clock.Clock
	Logger            pslog.Logger
	TerminalRetention time.Duration
}

// Participant executes the participant side of two-phase commit.
type Participant struct {
	id        string
	provider  provider.Provider
	log       txlog.Log
	keys      *keyring.Keyring
	ops       *ops.Registry
	clock     clock.Clock
	logger    pslog.Logger
	retention time.Duration
	metrics   *participantMetrics
	txns      *txnmap.Map[*transaction]
}

type transaction struct {
	id           txn.ID
	mu           sync.Mutex
	owner        atomic.Value
	status       txn.Status
	handle       provider.Handle
	prepared     bool
	sessionToken string
	startedAt    time.Time
	lastAccessed time.Time
	removed      bool
}

func (t *transaction) lock(owner string) {
	t.mu.Lock()
	t.owner.Store(owner)
}

func (t *transaction) tryLock(owner string) bool {
	if !t.mu.TryLock() {
		return false
	}
	t.owner.Store(owner)
	return true
}

func (t *transaction) unlock() {
	t.owner.Store("")
	t.mu.Unlock()
}

func (t *transaction) holder() string {
	owner, _ := t.owner.Load().(string)
	return owner
}

// Info describes an in-flight transaction.
type Info struct {
	ID           txn.ID     `json:"txn_id"`
	Status       txn.Status `json:"status"`
	Prepared     bool       `json:"prepared"`
	StartedAt    time.Time  `json:"started_at"`
	LastAccessed time.Time  `json:"last_accessed"`
	Busy         string     `json:"busy,omitempty"`
}

// New validates cfg and returns a Participant. Operations shipped by the
// provider are registered into the operation registry.
func New(cfg Config) (*Participant, error) {
	id := strings.TrimSpace(cfg.ID)
	if id == "" {
		return nil, errors.New("participant: id required")
	}
	if cfg.Provider == nil {
		return nil, errors.New("participant: provider required")
	}
	if cfg.Log == nil {
		return nil, errors.New("participant: transaction log required")
	}
	if cfg.Keyring == nil {
		return nil, errors.New("participant: keyring required")
	}
	registry := cfg.Operations
	if registry == nil {
		registry = ops.NewRegistry()
	}
	if source, ok := cfg.Provider.(provider.OperationSource); ok {
		if err := source.RegisterOperations(registry); err != nil {
			return nil, fmt.Errorf("participant: register %s operations: %w", cfg.Provider.Name(), err)
		}
	}
	retention := cfg.TerminalRetention
	if retention <= 0 {
		retention = DefaultTerminalRetention
	}
	logger := loggingutil.WithSubsystem(cfg.Logger, "txn.participant").With("participant", id)
	return &Participant{
		id:        id,
		provider:  cfg.Provider,
		log:       cfg.Log,
		keys:      cfg.Keyring,
		ops:       registry,
		clock:     clock.Or(cfg.Clock),
		logger:    logger,
		retention: retention,
		metrics:   newParticipantMetrics(logger),
		txns:      txnmap.New[*transaction](),
	}, nil
}

// ID returns the participant's stable identifier.
func (p *Participant) ID() string { return p.id }

// Operations returns the registry used to dispatch domain operations.
func (p *Participant) Operations() *ops.Registry { return p.ops }

// acquire locks the live transaction for id, or returns nil when none exists.
func (p *Participant) acquire(id txn.ID, owner string) *transaction {
	for {
		t, ok := p.txns.Load(id)
		if !ok {
			return nil
		}
		t.lock(owner)
		if t.removed {
			t.unlock()
			continue
		}
		return t
	}
}

// transition persists status for t and only then applies it in memory.
func (p *Participant) transition(ctx context.Context, t *transaction, status txn.Status) error {
	entry := txlog.Entry{TxnID: t.id, Status: status, UpdatedAt: p.clock.Now()}
	if err := p.log.Write(ctx, entry); err != nil {
		p.logger.Error("txn.participant.log.write_failed", "txn_id", t.id, "status", status, "error", err)
		return fmt.Errorf("participant: record %s for %s: %w", status, t.id, err)
	}
	t.status = status
	return nil
}

// finish drops t from the live set. The caller holds t's lock.
func (p *Participant) finish(t *transaction) {
	t.removed = true
	t.handle = nil
	p.txns.CompareAndDelete(t.id, func(v *transaction) bool { return v == t })
}

// BeginTransaction opens a resource-manager transaction for id.
func (p *Participant) BeginTransaction(ctx context.Context, id txn.ID, creds txn.Credentials) error {
	if err := p.keys.VerifyCoordinator(creds); err != nil {
		return err
	}
	start := p.clock.Now()
	t := &transaction{id: id, status: txn.StatusNew, sessionToken: creds.SessionToken, startedAt: start, lastAccessed: start}
	t.lock("begin")
	defer t.unlock()
	if _, loaded := p.txns.LoadOrStore(id, t); loaded {
		return txn.Duplicate(id)
	}
	if _, err := p.log.Read(ctx, id); err == nil {
		p.finish(t)
		return txn.Duplicate(id)
	} else if !errors.Is(err, txlog.ErrNotFound) {
		p.finish(t)
		return fmt.Errorf("participant: check log for %s: %w", id, err)
	}

	if err := p.transition(ctx, t, txn.StatusBeginStarted); err != nil {
		p.finish(t)
		return err
	}
	handle, err := p.provider.Begin(ctx, id)
	if err != nil {
		p.metrics.recordPhase(ctx, "begin", "error", p.clock.Now().Sub(start))
		p.logger.Warn("txn.participant.begin.failed", "txn_id", id, "error", err)
		if rmErr := p.log.Remove(ctx, id); rmErr != nil {
			p.logger.Warn("txn.participant.log.remove_failed", "txn_id", id, "error", rmErr)
		}
		p.finish(t)
		return txn.ResourceManager(id, "begin", err)
	}
	t.handle = handle
	if err := p.transition(ctx, t, txn.StatusBeginFinished); err != nil {
		if rbErr := p.provider.Rollback(ctx, id, handle, false); rbErr != nil {
			p.logger.Warn("txn.participant.begin.rollback_failed", "txn_id", id, "error", rbErr)
		}
		p.finish(t)
		return err
	}
	p.metrics.recordPhase(ctx, "begin", "ok", p.clock.Now().Sub(start))
	p.logger.Debug("txn.participant.begin", "txn_id", id)
	return nil
}

// ExecuteOperation runs a named domain operation inside the open transaction.
// Domain errors leave the transaction open.
func (p *Participant) ExecuteOperation(ctx context.Context, id txn.ID, creds txn.Credentials, operation string, args json.RawMessage) (json.RawMessage, error) {
	if err := p.keys.VerifyInteractive(creds); err != nil {
		return nil, err
	}
	t := p.acquire(id, "execute")
	if t == nil {
		return nil, txn.UnexpectedStatus(id, txn.StatusNew, txn.StatusBeginFinished)
	}
	defer t.unlock()
	if t.status != txn.StatusBeginFinished {
		return nil, txn.UnexpectedStatus(id, t.status, txn.StatusBeginFinished)
	}
	if t.sessionToken != creds.SessionToken {
		return nil, txn.Unauthorized("session token does not own transaction " + id.String())
	}
	t.lastAccessed = p.clock.Now()
	result, err := p.ops.Invoke(ctx, operation, t.handle, args)
	if err != nil {
		p.logger.Debug("txn.participant.execute.failed", "txn_id", id, "operation", operation, "error", err)
		return nil, err
	}
	return result, nil
}

// PrepareTransaction asks the resource manager to prepare. A failed prepare
// rolls the local transaction back before the error is returned.
func (p *Participant) PrepareTransaction(ctx context.Context, id txn.ID, creds txn.Credentials) error {
	if err := p.keys.VerifyCoordinator(creds); err != nil {
		return err
	}
	t := p.acquire(id, "prepare")
	if t == nil {
		return txn.UnexpectedStatus(id, txn.StatusNew, txn.StatusBeginFinished)
	}
	defer t.unlock()
	if t.status == txn.StatusPrepareFinished {
		return nil
	}
	if t.status != txn.StatusBeginFinished {
		return txn.UnexpectedStatus(id, t.status, txn.StatusBeginFinished)
	}
	if !p.provider.TwoPhase() {
		return txn.Failure{Code: txn.CodeTwoPhaseUnsupported, Detail: fmt.Sprintf("provider %s cannot prepare", p.provider.Name()), TxnID: id}
	}
	start := p.clock.Now()
	t.lastAccessed = start
	if err := p.transition(ctx, t, txn.StatusPrepareStarted); err != nil {
		return err
	}
	if err := p.provider.Prepare(ctx, id, t.handle); err != nil {
		p.metrics.recordPhase(ctx, "prepare", "error", p.clock.Now().Sub(start))
		p.logger.Warn("txn.participant.prepare.failed", "txn_id", id, "error", err)
		if rbErr := p.rollbackLocked(ctx, t); rbErr != nil {
			p.logger.Warn("txn.participant.prepare.rollback_failed", "txn_id", id, "error", rbErr)
		}
		return txn.ResourceManager(id, "prepare", err)
	}
	t.prepared = true
	t.handle = nil
	if err := p.transition(ctx, t, txn.StatusPrepareFinished); err != nil {
		return err
	}
	p.metrics.recordPhase(ctx, "prepare", "ok", p.clock.Now().Sub(start))
	p.logger.Debug("txn.participant.prepare", "txn_id", id)
	return nil
}

// CommitTransaction commits the local transaction. With twoPhase the
// transaction must be prepared; without it the one-phase optimization is
// used and the transaction must still be open.
func (p *Participant) CommitTransaction(ctx context.Context, id txn.ID, creds txn.Credentials, twoPhase bool) error {
	if err := p.keys.VerifyCoordinator(creds); err != nil {
		return err
	}
	t := p.acquire(id, "commit")
	if t == nil {
		if twoPhase {
			return p.resolveRecovered(ctx, id, true)
		}
		return p.terminalOr(ctx, id, txn.StatusCommitFinished, txn.StatusBeginFinished)
	}
	defer t.unlock()
	return p.commitLocked(ctx, t, twoPhase)
}

func (p *Participant) commitLocked(ctx context.Context, t *transaction, twoPhase bool) error {
	expected := txn.StatusBeginFinished
	if twoPhase {
		expected = txn.StatusPrepareFinished
	}
	switch {
	case t.status == expected:
	case twoPhase && t.status == txn.StatusCommitStarted && t.prepared:
	default:
		return txn.UnexpectedStatus(t.id, t.status, expected)
	}
	start := p.clock.Now()
	if err := p.transition(ctx, t, txn.StatusCommitStarted); err != nil {
		return err
	}
	if err := p.provider.Commit(ctx, t.id, t.handle, twoPhase); err != nil {
		p.metrics.recordPhase(ctx, "commit", "error", p.clock.Now().Sub(start))
		p.logger.Warn("txn.participant.commit.failed", "txn_id", t.id, "two_phase", twoPhase, "error", err)
		if !twoPhase {
			if rbErr := p.provider.Rollback(ctx, t.id, t.handle, false); rbErr != nil {
				p.logger.Warn("txn.participant.commit.rollback_failed", "txn_id", t.id, "error", rbErr)
			}
			if logErr := p.transition(ctx, t, txn.StatusRollbackFinished); logErr != nil {
				p.logger.Warn("txn.participant.commit.log_failed", "txn_id", t.id, "error", logErr)
			}
			p.finish(t)
		}
		return txn.ResourceManager(t.id, "commit", err)
	}
	if err := p.transition(ctx, t, txn.StatusCommitFinished); err != nil {
		p.finish(t)
		return err
	}
	p.finish(t)
	p.metrics.recordPhase(ctx, "commit", "ok", p.clock.Now().Sub(start))
	p.logger.Debug("txn.participant.commit", "txn_id", t.id, "two_phase", twoPhase)
	return nil
}

// RollbackTransaction rolls the local transaction back. Rolling back an
// unknown or already rolled back transaction is a no-op.
func (p *Participant) RollbackTransaction(ctx context.Context, id txn.ID, creds txn.Credentials) error {
	if err := p.keys.VerifyCoordinator(creds); err != nil {
		return err
	}
	t := p.acquire(id, "rollback")
	if t == nil {
		return p.resolveRecovered(ctx, id, false)
	}
	defer t.unlock()
	return p.rollbackLocked(ctx, t)
}

// CloseTransaction is the administrative rollback used by the coordinator's
// reaper. It never waits for a running call and fails with transaction_busy
// instead.
func (p *Participant) CloseTransaction(ctx context.Context, id txn.ID, creds txn.Credentials) error {
	if err := p.keys.VerifyCoordinator(creds); err != nil {
		return err
	}
	t, ok := p.txns.Load(id)
	if !ok {
		return nil
	}
	if !t.tryLock("close") {
		return txn.Busy(id, t.holder())
	}
	defer t.unlock()
	if t.removed {
		return nil
	}
	return p.rollbackLocked(ctx, t)
}

func (p *Participant) rollbackLocked(ctx context.Context, t *transaction) error {
	switch t.status {
	case txn.StatusNew, txn.StatusBeginStarted, txn.StatusBeginFinished,
		txn.StatusPrepareStarted, txn.StatusPrepareFinished, txn.StatusRollbackStarted:
	case txn.StatusRollbackFinished:
		return nil
	default:
		return txn.UnexpectedStatus(t.id, t.status, txn.StatusBeginFinished, txn.StatusPrepareFinished)
	}
	start := p.clock.Now()
	inDoubt := t.status == txn.StatusPrepareStarted
	if err := p.transition(ctx, t, txn.StatusRollbackStarted); err != nil {
		return err
	}
	var err error
	switch {
	case t.prepared:
		err = p.provider.Rollback(ctx, t.id, nil, true)
	case inDoubt:
		err = errors.Join(
			p.provider.Rollback(ctx, t.id, nil, true),
			p.provider.Rollback(ctx, t.id, t.handle, false),
		)
	case t.handle != nil:
		err = p.provider.Rollback(ctx, t.id, t.handle, false)
	}
	if err != nil {
		p.metrics.recordPhase(ctx, "rollback", "error", p.clock.Now().Sub(start))
		p.logger.Warn("txn.participant.rollback.failed", "txn_id", t.id, "error", err)
		return txn.ResourceManager(t.id, "rollback", err)
	}
	if err := p.transition(ctx, t, txn.StatusRollbackFinished); err != nil {
		p.finish(t)
		return err
	}
	p.finish(t)
	p.metrics.recordPhase(ctx, "rollback", "ok", p.clock.Now().Sub(start))
	p.logger.Debug("txn.participant.rollback", "txn_id", t.id)
	return nil
}

// terminalOr answers a call for a transaction that is no longer live: nil
// when the log shows it already reached want, a protocol error otherwise.
func (p *Participant) terminalOr(ctx context.Context, id txn.ID, want txn.Status, expected ...txn.Status) error {
	entry, err := p.log.Read(ctx, id)
	switch {
	case errors.Is(err, txlog.ErrNotFound):
		return txn.UnexpectedStatus(id, txn.StatusNew, expected...)
	case err != nil:
		return fmt.Errorf("participant: read log for %s: %w", id, err)
	case entry.Status == want:
		return nil
	}
	return txn.UnexpectedStatus(id, entry.Status, expected...)
}

// Transactions lists live transactions.
func (p *Participant) Transactions() []Info {
	snapshot := p.txns.Snapshot()
	out := make([]Info, 0, len(snapshot))
	for _, t := range snapshot {
		if !t.tryLock("inspect") {
			out = append(out, Info{ID: t.id, Busy: t.holder()})
			continue
		}
		if !t.removed {
			out = append(out, Info{
				ID:           t.id,
				Status:       t.status,
				Prepared:     t.prepared,
				StartedAt:    t.startedAt,
				LastAccessed: t.lastAccessed,
			})
		}
		t.unlock()
	}
	return out
}

// Close releases the provider and the transaction log.
func (p *Participant) Close() error {
	return errors.Join(p.provider.Close(), p.log.Close())
}
