// Package txncoord implements the transaction coordinator: it enlists
// participants lazily, forwards operations, and drives the two-phase commit
// protocol across every participant a transaction touched.
package txncoord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/txd/internal/clock"
	"pkt.systems/txd/internal/keyring"
	"pkt.systems/txd/internal/loggingutil"
	"pkt.systems/txd/internal/txlog"
	"pkt.systems/txd/internal/txn"
	"pkt.systems/txd/internal/txnmap"
)

const (
	// DefaultMaxTransactions bounds the active set.
	DefaultMaxTransactions = 1000
	// DefaultTransactionTimeout is the idle time after which the reaper rolls
	// a transaction back.
	DefaultTransactionTimeout = 60 * time.Second
	// DefaultReaperInterval is how often the reaper sweeps the active set.
	DefaultReaperInterval = 5 * time.Second
	// DefaultAbandonGrace is added to the timeout before a busy transaction
	// is abandoned.
	DefaultAbandonGrace = 30 * time.Second

	DefaultCommitMaxAttempts = 4
	DefaultCommitBaseDelay   = 100 * time.Millisecond
	DefaultCommitMaxDelay    = 2 * time.Second
	DefaultCommitMultiplier  = 2.0
)

// Participant is the coordinator's view of one registered participant.
type Participant interface {
	ID() string
	BeginTransaction(ctx context.Context, id txn.ID, creds txn.Credentials) error
	ExecuteOperation(ctx context.Context, id txn.ID, creds txn.Credentials, operation string, args json.RawMessage) (json.RawMessage, error)
	PrepareTransaction(ctx context.Context, id txn.ID, creds txn.Credentials) error
	CommitTransaction(ctx context.Context, id txn.ID, creds txn.Credentials, twoPhase bool) error
	RollbackTransaction(ctx context.Context, id txn.ID, creds txn.Credentials) error
	CloseTransaction(ctx context.Context, id txn.ID, creds txn.Credentials) error
	CommitRecovered(ctx context.Context, id txn.ID, creds txn.Credentials) error
	RollbackRecovered(ctx context.Context, id txn.ID, creds txn.Credentials) error
}

// Config defines coordinator behavior.
type Config struct {
	Participants []Participant
	Log          txlog.Log
	Keyring      *keyring.Keyring

	MaxTransactions    int
	TransactionTimeout time.Duration
	ReaperInterval     time.Duration
	AbandonGrace       time.Duration
	// RetiredRetention bounds how long finished ids are refused. Zero keeps
	// them for the lifetime of the process.
	RetiredRetention time.Duration

	CommitMaxAttempts int
	CommitBaseDelay   time.Duration
	CommitMaxDelay    time.Duration
	CommitMultiplier  float64

	Clock  clock.Clock
	Logger pslog.Logger
}

// State is the coordinator-side state of a transaction.
type State string

const (
	StateActive      State = "active"
	StatePreparing   State = "preparing"
	StateCommitting  State = "committing"
	StateRollingBack State = "rolling_back"
)

// Coordinator drives transactions across participants.
type Coordinator struct {
	participants map[string]Participant
	log          txlog.Log
	keys         *keyring.Keyring
	clock        clock.Clock
	logger       pslog.Logger
	reaperLog    pslog.Logger
	metrics      *txncoordMetrics

	maxTransactions int
	timeout         time.Duration
	reaperInterval  time.Duration
	abandonGrace    time.Duration
	maxAttempts     int
	baseDelay       time.Duration
	maxDelay        time.Duration
	multiplier      float64

	txns    *txnmap.Map[*record]
	retired *retiredSet
}

type record struct {
	id           txn.ID
	mu           sync.Mutex
	owner        atomic.Value
	lockedAt     atomic.Int64
	state        atomic.Value
	abandoned    atomic.Bool
	sessionToken string
	enlisted     []string
	done         map[string]bool
	logged       bool
	recovered    bool
	viaClose     bool
	startedAt    time.Time
	lastAccessed time.Time
	removed      bool
}

func (r *record) lock(owner string, now time.Time) {
	r.mu.Lock()
	r.owner.Store(owner)
	r.lockedAt.Store(now.UnixNano())
}

func (r *record) tryLock(owner string, now time.Time) bool {
	if !r.mu.TryLock() {
		return false
	}
	r.owner.Store(owner)
	r.lockedAt.Store(now.UnixNano())
	return true
}

func (r *record) unlock() {
	r.owner.Store("")
	r.mu.Unlock()
}

func (r *record) holder() string {
	owner, _ := r.owner.Load().(string)
	return owner
}

func (r *record) getState() State {
	s, _ := r.state.Load().(State)
	return s
}

func (r *record) setState(s State) {
	r.state.Store(s)
}

func (r *record) enlistedCopy() []string {
	return append([]string(nil), r.enlisted...)
}

// Info describes a transaction in the active set.
type Info struct {
	ID           txn.ID    `json:"txn_id"`
	State        State     `json:"state"`
	Participants []string  `json:"participants,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	LastAccessed time.Time `json:"last_accessed"`
	Busy         string    `json:"busy,omitempty"`
}

// CommitError lists the participants that have not confirmed a durable
// commit decision.
type CommitError struct {
	TxnID   txn.ID
	Pending []string
	Err     error
}

func (e *CommitError) Error() string {
	if e == nil {
		return "commit incomplete"
	}
	msg := fmt.Sprintf("commit of %s incomplete at %s", e.TxnID, strings.Join(e.Pending, ", "))
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CommitError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// New constructs a Coordinator.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Log == nil {
		return nil, errors.New("txncoord: transaction log required")
	}
	if cfg.Keyring == nil {
		return nil, errors.New("txncoord: keyring required")
	}
	participants := make(map[string]Participant, len(cfg.Participants))
	for _, p := range cfg.Participants {
		if p == nil {
			return nil, errors.New("txncoord: nil participant")
		}
		id := strings.TrimSpace(p.ID())
		if id == "" {
			return nil, errors.New("txncoord: participant id required")
		}
		if _, dup := participants[id]; dup {
			return nil, fmt.Errorf("txncoord: duplicate participant %q", id)
		}
		participants[id] = p
	}
	c := &Coordinator{
		participants:    participants,
		log:             cfg.Log,
		keys:            cfg.Keyring,
		clock:           clock.Or(cfg.Clock),
		logger:          loggingutil.WithSubsystem(cfg.Logger, "txn.coordinator"),
		reaperLog:       loggingutil.WithSubsystem(cfg.Logger, "txn.reaper"),
		maxTransactions: cfg.MaxTransactions,
		timeout:         cfg.TransactionTimeout,
		reaperInterval:  cfg.ReaperInterval,
		abandonGrace:    cfg.AbandonGrace,
		maxAttempts:     cfg.CommitMaxAttempts,
		baseDelay:       cfg.CommitBaseDelay,
		maxDelay:        cfg.CommitMaxDelay,
		multiplier:      cfg.CommitMultiplier,
		txns:            txnmap.New[*record](),
	}
	if c.maxTransactions <= 0 {
		c.maxTransactions = DefaultMaxTransactions
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTransactionTimeout
	}
	if c.reaperInterval <= 0 {
		c.reaperInterval = DefaultReaperInterval
	}
	if c.abandonGrace < 0 {
		c.abandonGrace = 0
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = DefaultCommitMaxAttempts
	}
	if c.baseDelay <= 0 {
		c.baseDelay = DefaultCommitBaseDelay
	}
	if c.maxDelay <= 0 {
		c.maxDelay = DefaultCommitMaxDelay
	}
	if c.multiplier < 1 {
		c.multiplier = DefaultCommitMultiplier
	}
	c.retired = newRetiredSet(cfg.RetiredRetention)
	c.metrics = newTxncoordMetrics(c.logger, c.txns.Len)
	return c, nil
}

// Participants returns the registered participant ids, sorted.
func (c *Coordinator) Participants() []string {
	out := make([]string, 0, len(c.participants))
	for id := range c.participants {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (c *Coordinator) participant(id string) (Participant, error) {
	p, ok := c.participants[id]
	if !ok {
		return nil, txn.Failure{Code: txn.CodeUnknownParticipant, Detail: fmt.Sprintf("participant %q is not registered", id)}
	}
	return p, nil
}

// acquire locks the live record for id, or returns nil when none exists.
func (c *Coordinator) acquire(id txn.ID, owner string) *record {
	for {
		r, ok := c.txns.Load(id)
		if !ok {
			return nil
		}
		r.lock(owner, c.clock.Now())
		if r.removed {
			r.unlock()
			continue
		}
		return r
	}
}

// release unlocks r. A record the reaper abandoned while it was held is
// settled by whoever releases it.
func (c *Coordinator) release(ctx context.Context, r *record) {
	r.unlock()
	if r.abandoned.Load() {
		c.settleAbandoned(ctx, r, "release")
	}
}

// finish drops r from the active set and retires its id. The caller holds
// r's lock.
func (c *Coordinator) finish(r *record) {
	r.removed = true
	c.txns.CompareAndDelete(r.id, func(v *record) bool { return v == r })
	c.retired.add(r.id, c.clock.Now())
}

// open locks the active record for a caller-initiated call and checks the
// session token.
func (c *Coordinator) open(id txn.ID, creds txn.Credentials, owner string) (*record, error) {
	if err := c.keys.VerifyInteractive(creds); err != nil {
		return nil, err
	}
	r := c.acquire(id, owner)
	if r == nil {
		return nil, txn.NotActive(id)
	}
	if r.recovered {
		r.unlock()
		return nil, txn.NotActive(id)
	}
	if r.sessionToken != creds.SessionToken {
		r.unlock()
		return nil, txn.Unauthorized("session token does not own transaction " + id.String())
	}
	return r, nil
}

// BeginTransaction registers a new transaction owned by the caller's session.
func (c *Coordinator) BeginTransaction(ctx context.Context, id txn.ID, creds txn.Credentials) error {
	if err := c.keys.VerifyInteractive(creds); err != nil {
		return err
	}
	if id.IsZero() {
		return txn.Failure{Code: txn.CodeInvalidRequest, Detail: "txn_id required"}
	}
	now := c.clock.Now()
	if c.retired.contains(id, now) {
		return txn.Duplicate(id)
	}
	r := &record{id: id, sessionToken: creds.SessionToken, startedAt: now, lastAccessed: now, done: make(map[string]bool)}
	r.setState(StateActive)
	switch err := c.txns.Insert(id, r, c.maxTransactions); {
	case errors.Is(err, txnmap.ErrFull):
		c.logger.Warn("txn.begin.capacity_exceeded", "txn_id", id, "limit", c.maxTransactions)
		return txn.CapacityExceeded(c.maxTransactions)
	case errors.Is(err, txnmap.ErrExists):
		return txn.Duplicate(id)
	case err != nil:
		return err
	}
	c.logger.Debug("txn.begin", "txn_id", id)
	return nil
}

// ExecuteOperation forwards a domain operation to participantID, enlisting
// it in the transaction on first use.
func (c *Coordinator) ExecuteOperation(ctx context.Context, id txn.ID, creds txn.Credentials, participantID, operation string, args json.RawMessage) (json.RawMessage, error) {
	p, err := c.participant(participantID)
	if err != nil {
		return nil, err
	}
	r, err := c.open(id, creds, "execute")
	if err != nil {
		return nil, err
	}
	defer c.release(ctx, r)
	if r.getState() != StateActive {
		return nil, txn.NotActive(id)
	}
	rmCreds := c.keys.Credentials(r.sessionToken)
	if !c.isEnlisted(r, participantID) {
		// Enlist first: a begin whose reply is lost may still have opened
		// the transaction at the participant, and rollback must reach it.
		r.enlisted = append(r.enlisted, participantID)
		if err := p.BeginTransaction(ctx, id, rmCreds); err != nil {
			if beginRefused(err) {
				r.enlisted = r.enlisted[:len(r.enlisted)-1]
			}
			c.logger.Warn("txn.enlist.failed", "txn_id", id, "participant", participantID, "error", err)
			return nil, err
		}
		c.logger.Debug("txn.enlisted", "txn_id", id, "participant", participantID)
	}
	result, err := p.ExecuteOperation(ctx, id, rmCreds, operation, args)
	r.lastAccessed = c.clock.Now()
	return result, err
}

// beginRefused reports whether the participant answered a begin with an
// error that guarantees it holds no transaction for the id.
func beginRefused(err error) bool {
	f, ok := txn.AsFailure(err)
	if !ok {
		return false
	}
	switch f.Code {
	case txn.CodeUnauthorized, txn.CodeCapacityExceeded, txn.CodeResourceManager:
		return true
	}
	return false
}

func (c *Coordinator) isEnlisted(r *record, participantID string) bool {
	for _, id := range r.enlisted {
		if id == participantID {
			return true
		}
	}
	return false
}

// CommitTransaction commits the transaction at every enlisted participant.
// A commit that was decided but not confirmed everywhere returns
// commit_incomplete and is finished by the reaper; calling it again
// re-drives the outstanding participants.
func (c *Coordinator) CommitTransaction(ctx context.Context, id txn.ID, creds txn.Credentials) error {
	r, err := c.open(id, creds, "commit")
	if err != nil {
		return err
	}
	defer c.release(ctx, r)
	switch r.getState() {
	case StateActive:
	case StateCommitting:
		return c.driveCommit(ctx, r)
	default:
		return txn.NotActive(id)
	}
	return c.commitLocked(ctx, r)
}

// RollbackTransaction rolls the transaction back at every enlisted
// participant in reverse enlistment order.
func (c *Coordinator) RollbackTransaction(ctx context.Context, id txn.ID, creds txn.Credentials) error {
	r, err := c.open(id, creds, "rollback")
	if err != nil {
		return err
	}
	defer c.release(ctx, r)
	if r.getState() == StateCommitting {
		return txn.Failure{Code: txn.CodeDecided, Detail: fmt.Sprintf("transaction %s is committing", id), TxnID: id}
	}
	return c.rollbackLocked(ctx, r)
}

// RecoverTransactions reports which transactions have a durable commit
// decision and which are still being prepared. Participants roll back every
// other prepared transaction they hold.
func (c *Coordinator) RecoverTransactions(ctx context.Context, creds txn.Credentials) (txn.RecoverySet, error) {
	if err := c.keys.VerifyInteractive(creds); err != nil {
		return txn.RecoverySet{}, err
	}
	if err := c.keys.VerifyCoordinator(creds); err != nil {
		return txn.RecoverySet{}, err
	}
	var set txn.RecoverySet
	for _, r := range c.txns.Snapshot() {
		switch r.getState() {
		case StateCommitting:
			set.Committed = append(set.Committed, r.id)
		case StatePreparing:
			set.Pending = append(set.Pending, r.id)
		}
	}
	return set, nil
}

// Active lists the transactions in the active set.
func (c *Coordinator) Active() []Info {
	snapshot := c.txns.Snapshot()
	out := make([]Info, 0, len(snapshot))
	for _, r := range snapshot {
		if !r.tryLock("inspect", c.clock.Now()) {
			out = append(out, Info{ID: r.id, State: r.getState(), Busy: r.holder()})
			continue
		}
		if !r.removed {
			out = append(out, Info{
				ID:           r.id,
				State:        r.getState(),
				Participants: r.enlistedCopy(),
				StartedAt:    r.startedAt,
				LastAccessed: r.lastAccessed,
			})
		}
		r.unlock()
	}
	return out
}

// Close releases the transaction log.
func (c *Coordinator) Close() error {
	return c.log.Close()
}

type retiredSet struct {
	mu        sync.Mutex
	retention time.Duration
	ids       map[txn.ID]time.Time
}

func newRetiredSet(retention time.Duration) *retiredSet {
	return &retiredSet{retention: retention, ids: make(map[txn.ID]time.Time)}
}

func (s *retiredSet) add(id txn.ID, now time.Time) {
	s.mu.Lock()
	s.ids[id] = now
	s.mu.Unlock()
}

func (s *retiredSet) contains(id txn.ID, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.ids[id]
	if !ok {
		return false
	}
	return s.retention <= 0 || now.Sub(at) < s.retention
}

func (s *retiredSet) prune(now time.Time) int {
	if s.retention <= 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, at := range s.ids {
		if now.Sub(at) >= s.retention {
			delete(s.ids, id)
			n++
		}
	}
	return n
}
