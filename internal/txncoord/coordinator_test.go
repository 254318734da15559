package txncoord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"pkt.systems/txd/internal/clock"
	"pkt.systems/txd/internal/keyring"
	"pkt.systems/txd/internal/participant"
	"pkt.systems/txd/internal/provider/memory"
	"pkt.systems/txd/internal/txlog"
	txmemory "pkt.systems/txd/internal/txlog/memory"
	"pkt.systems/txd/internal/txn"
)

var errInjected = errors.New("injected failure")

type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(call string) {
	l.mu.Lock()
	l.calls = append(l.calls, call)
	l.mu.Unlock()
}

func (l *callLog) matching(prefix string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, c := range l.calls {
		if len(c) >= len(prefix) && c[:len(prefix)] == prefix {
			out = append(out, c)
		}
	}
	return out
}

// faulty wraps a participant, records calls and fails selected phases.
type faulty struct {
	Participant
	log *callLog

	mu            sync.Mutex
	lostBegins    int
	refusedBegins int
	failPrepare   int
	failCommit    int
	commitErrors  int
}

func (f *faulty) take(n *int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if *n > 0 {
		*n--
		return true
	}
	return false
}

// BeginTransaction refuses the next refusedBegins begins and drops the reply
// of the next lostBegins successful ones.
func (f *faulty) BeginTransaction(ctx context.Context, id txn.ID, creds txn.Credentials) error {
	f.log.add("begin:" + f.ID())
	if f.take(&f.refusedBegins) {
		return txn.CapacityExceeded(1)
	}
	if err := f.Participant.BeginTransaction(ctx, id, creds); err != nil {
		return err
	}
	if f.take(&f.lostBegins) {
		return errInjected
	}
	return nil
}

func (f *faulty) PrepareTransaction(ctx context.Context, id txn.ID, creds txn.Credentials) error {
	f.log.add("prepare:" + f.ID())
	if f.take(&f.failPrepare) {
		return errInjected
	}
	return f.Participant.PrepareTransaction(ctx, id, creds)
}

func (f *faulty) CommitTransaction(ctx context.Context, id txn.ID, creds txn.Credentials, twoPhase bool) error {
	f.log.add(fmt.Sprintf("commit:%s:%t", f.ID(), twoPhase))
	if f.take(&f.failCommit) {
		f.mu.Lock()
		f.commitErrors++
		f.mu.Unlock()
		return errInjected
	}
	return f.Participant.CommitTransaction(ctx, id, creds, twoPhase)
}

func (f *faulty) RollbackTransaction(ctx context.Context, id txn.ID, creds txn.Credentials) error {
	f.log.add("rollback:" + f.ID())
	return f.Participant.RollbackTransaction(ctx, id, creds)
}

func (f *faulty) CloseTransaction(ctx context.Context, id txn.ID, creds txn.Credentials) error {
	f.log.add("close:" + f.ID())
	return f.Participant.CloseTransaction(ctx, id, creds)
}

func (f *faulty) CommitRecovered(ctx context.Context, id txn.ID, creds txn.Credentials) error {
	f.log.add("commit_recovered:" + f.ID())
	return f.Participant.CommitRecovered(ctx, id, creds)
}

func (f *faulty) RollbackRecovered(ctx context.Context, id txn.ID, creds txn.Credentials) error {
	f.log.add("rollback_recovered:" + f.ID())
	return f.Participant.RollbackRecovered(ctx, id, creds)
}

type env struct {
	coord   *Coordinator
	clock   *clock.Manual
	keys    *keyring.Keyring
	store   *txmemory.Store
	calls   *callLog
	rms     map[string]*participant.Participant
	engines map[string]*memory.Engine
	wrapped map[string]*faulty
	creds   txn.Credentials
}

func newEnv(t testing.TB, ids []string, mutate func(*Config)) *env {
	t.Helper()
	keys, err := keyring.New(keyring.Keys{InteractiveSessionKey: "isk", CoordinatorKey: "ck"})
	if err != nil {
		t.Fatalf("keyring: %v", err)
	}
	e := &env{
		clock:   clock.NewManual(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)),
		keys:    keys,
		store:   txmemory.New(),
		calls:   &callLog{},
		rms:     make(map[string]*participant.Participant),
		engines: make(map[string]*memory.Engine),
		wrapped: make(map[string]*faulty),
		creds:   keys.Credentials("session-1"),
	}
	var parts []Participant
	for _, id := range ids {
		engine := memory.NewEngine()
		p, err := participant.New(participant.Config{
			ID:       id,
			Provider: memory.New(id, engine),
			Log:      txmemory.New(),
			Keyring:  keys,
			Clock:    e.clock,
		})
		if err != nil {
			t.Fatalf("participant %s: %v", id, err)
		}
		f := &faulty{Participant: p, log: e.calls}
		e.rms[id] = p
		e.engines[id] = engine
		e.wrapped[id] = f
		parts = append(parts, f)
	}
	cfg := Config{
		Participants:       parts,
		Log:                e.store,
		Keyring:            keys,
		MaxTransactions:    10,
		TransactionTimeout: time.Minute,
		AbandonGrace:       30 * time.Second,
		CommitMaxAttempts:  1,
		Clock:              e.clock,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	coord, err := New(cfg)
	if err != nil {
		t.Fatalf("coordinator: %v", err)
	}
	e.coord = coord
	return e
}

func (e *env) put(t testing.TB, id txn.ID, rm, key, value string) {
	t.Helper()
	args, _ := json.Marshal(map[string]any{"key": key, "value": json.RawMessage(value)})
	if _, err := e.coord.ExecuteOperation(context.Background(), id, e.creds, rm, "kv.put", args); err != nil {
		t.Fatalf("kv.put %s at %s: %v", key, rm, err)
	}
}

func (e *env) begin(t testing.TB) txn.ID {
	t.Helper()
	id := txn.NewID()
	if err := e.coord.BeginTransaction(context.Background(), id, e.creds); err != nil {
		t.Fatalf("begin: %v", err)
	}
	return id
}

func (e *env) visible(rm, key string) bool {
	_, ok := e.engines[rm].Get(key)
	return ok
}

func (e *env) logEmpty(t testing.TB) {
	t.Helper()
	entries, err := e.store.List(context.Background())
	if err != nil {
		t.Fatalf("list log: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty coordinator log, got %+v", entries)
	}
}

func equalCalls(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestSpaceAndProjectCommitTogether(t *testing.T) {
	e := newEnv(t, []string{"spaces", "projects"}, nil)
	ctx := context.Background()
	id := e.begin(t)
	e.put(t, id, "spaces", "space/42", `{"name":"research"}`)
	e.put(t, id, "projects", "project/7", `{"space":"42"}`)
	if e.visible("spaces", "space/42") || e.visible("projects", "project/7") {
		t.Fatal("writes visible before commit")
	}
	if err := e.coord.CommitTransaction(ctx, id, e.creds); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if !e.visible("spaces", "space/42") || !e.visible("projects", "project/7") {
		t.Fatal("commit not applied at both participants")
	}
	want := []string{"prepare:spaces", "prepare:projects", "commit:spaces:true", "commit:projects:true"}
	got := append(e.calls.matching("prepare:"), e.calls.matching("commit:")...)
	if !equalCalls(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	if len(e.coord.Active()) != 0 {
		t.Fatal("committed transaction still active")
	}
	e.logEmpty(t)
	if err := e.coord.CommitTransaction(ctx, id, e.creds); !txn.IsCode(err, txn.CodeNotActive) {
		t.Fatalf("expected transaction_not_active, got %v", err)
	}
}

func TestSpaceAndProjectRollbackTogether(t *testing.T) {
	e := newEnv(t, []string{"spaces", "projects"}, nil)
	ctx := context.Background()
	id := e.begin(t)
	e.put(t, id, "spaces", "space/42", `{}`)
	e.put(t, id, "projects", "project/7", `{}`)
	if err := e.coord.RollbackTransaction(ctx, id, e.creds); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if e.visible("spaces", "space/42") || e.visible("projects", "project/7") {
		t.Fatal("rolled back writes applied")
	}
	if got := e.calls.matching("rollback:"); !equalCalls(got, []string{"rollback:projects", "rollback:spaces"}) {
		t.Fatalf("expected reverse enlistment order, got %v", got)
	}
	if err := e.coord.RollbackTransaction(ctx, id, e.creds); !txn.IsCode(err, txn.CodeNotActive) {
		t.Fatalf("expected transaction_not_active, got %v", err)
	}
}

func TestSingleParticipantCommitsInOnePhase(t *testing.T) {
	e := newEnv(t, []string{"spaces", "projects"}, nil)
	id := e.begin(t)
	e.put(t, id, "spaces", "only", `1`)
	if err := e.coord.CommitTransaction(context.Background(), id, e.creds); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if len(e.calls.matching("prepare:")) != 0 {
		t.Fatal("one-phase commit prepared")
	}
	if got := e.calls.matching("commit:"); !equalCalls(got, []string{"commit:spaces:false"}) {
		t.Fatalf("unexpected commit calls %v", got)
	}
	if !e.visible("spaces", "only") {
		t.Fatal("one-phase commit not applied")
	}
	if len(e.calls.matching("rollback:projects")) != 0 {
		t.Fatal("unenlisted participant touched")
	}
	e.logEmpty(t)
}

func TestSingleParticipantCommitFailureRollsBack(t *testing.T) {
	e := newEnv(t, []string{"spaces"}, nil)
	e.wrapped["spaces"].failCommit = 1
	id := e.begin(t)
	e.put(t, id, "spaces", "k", `1`)
	err := e.coord.CommitTransaction(context.Background(), id, e.creds)
	if !txn.IsCode(err, txn.CodeResourceManager) {
		t.Fatalf("expected rm_failure, got %v", err)
	}
	if e.visible("spaces", "k") {
		t.Fatal("failed commit applied")
	}
	if len(e.rms["spaces"].Transactions()) != 0 {
		t.Fatal("participant transaction left open")
	}
	if len(e.coord.Active()) != 0 {
		t.Fatal("failed one-phase commit left in the active set")
	}
}

func TestPrepareFailureRollsBackInReverseOrder(t *testing.T) {
	e := newEnv(t, []string{"a", "b", "c"}, nil)
	e.wrapped["c"].failPrepare = 1
	ctx := context.Background()
	id := e.begin(t)
	for _, rm := range []string{"a", "b", "c"} {
		e.put(t, id, rm, "k", `"`+rm+`"`)
	}
	err := e.coord.CommitTransaction(ctx, id, e.creds)
	if !errors.Is(err, errInjected) || !txn.IsCode(err, txn.CodeResourceManager) {
		t.Fatalf("expected prepare failure to surface, got %v", err)
	}
	if got := e.calls.matching("rollback:"); !equalCalls(got, []string{"rollback:c", "rollback:b", "rollback:a"}) {
		t.Fatalf("expected reverse enlistment order, got %v", got)
	}
	for _, rm := range []string{"a", "b", "c"} {
		if e.visible(rm, "k") {
			t.Fatalf("write applied at %s", rm)
		}
		if n := len(e.engines[rm].PreparedIDs()); n != 0 {
			t.Fatalf("%s still holds %d prepared transactions", rm, n)
		}
	}
	if len(e.calls.matching("commit:")) != 0 {
		t.Fatal("commit issued after failed prepare")
	}
	e.logEmpty(t)
}

func TestPartialCommitIsFinishedByReaper(t *testing.T) {
	e := newEnv(t, []string{"a", "b"}, nil)
	e.wrapped["b"].failCommit = 1
	ctx := context.Background()
	id := e.begin(t)
	e.put(t, id, "a", "k", `1`)
	e.put(t, id, "b", "k", `2`)

	err := e.coord.CommitTransaction(ctx, id, e.creds)
	if !txn.IsCode(err, txn.CodeCommitIncomplete) {
		t.Fatalf("expected commit_incomplete, got %v", err)
	}
	var ce *CommitError
	if !errors.As(err, &ce) || len(ce.Pending) != 1 || ce.Pending[0] != "b" {
		t.Fatalf("expected CommitError pending at b, got %v", err)
	}
	if !e.visible("a", "k") || e.visible("b", "k") {
		t.Fatal("unexpected visibility after partial commit")
	}
	set, err := e.coord.RecoverTransactions(ctx, e.creds)
	if err != nil {
		t.Fatalf("recover transactions: %v", err)
	}
	if !txn.Contains(set.Committed, id) {
		t.Fatalf("expected %s to be reported committed, got %+v", id, set)
	}
	if err := e.coord.RollbackTransaction(ctx, id, e.creds); !txn.IsCode(err, txn.CodeDecided) {
		t.Fatalf("expected transaction_decided, got %v", err)
	}

	stats := e.coord.Sweep(ctx)
	if stats.Committed != 1 {
		t.Fatalf("expected reaper to finish one commit, got %+v", stats)
	}
	if !e.visible("b", "k") {
		t.Fatal("reaper did not commit at b")
	}
	if got := e.calls.matching("commit:a"); len(got) != 1 {
		t.Fatalf("confirmed participant committed again: %v", got)
	}
	if len(e.coord.Active()) != 0 {
		t.Fatal("transaction still active after reaper commit")
	}
	e.logEmpty(t)
}

func TestCommitRetriesTransientFailures(t *testing.T) {
	e := newEnv(t, []string{"a", "b"}, func(cfg *Config) {
		cfg.Clock = nil
		cfg.CommitMaxAttempts = 4
		cfg.CommitBaseDelay = time.Millisecond
		cfg.CommitMaxDelay = 2 * time.Millisecond
	})
	e.wrapped["b"].failCommit = 2
	id := e.begin(t)
	e.put(t, id, "a", "k", `1`)
	e.put(t, id, "b", "k", `2`)
	if err := e.coord.CommitTransaction(context.Background(), id, e.creds); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if got := e.calls.matching("commit:b"); len(got) != 3 {
		t.Fatalf("expected 3 commit attempts at b, got %v", got)
	}
	if !e.visible("b", "k") {
		t.Fatal("commit not applied at b")
	}
}

type failingLog struct {
	txlog.Log
	failOn txn.Status
}

func (l *failingLog) Write(ctx context.Context, e txlog.Entry) error {
	if e.Status == l.failOn {
		return errors.New("log unavailable")
	}
	return l.Log.Write(ctx, e)
}

func TestLogFailureBeforeDecisionRollsBack(t *testing.T) {
	e := newEnv(t, []string{"a", "b"}, nil)
	e.coord.log = &failingLog{Log: e.store, failOn: txn.StatusCommitStarted}
	ctx := context.Background()
	id := e.begin(t)
	e.put(t, id, "a", "k", `1`)
	e.put(t, id, "b", "k", `2`)
	if err := e.coord.CommitTransaction(ctx, id, e.creds); err == nil {
		t.Fatal("expected commit to fail without a durable decision")
	}
	if e.visible("a", "k") || e.visible("b", "k") {
		t.Fatal("commit applied without a durable decision")
	}
	if len(e.calls.matching("commit:")) != 0 {
		t.Fatal("second phase started without a durable decision")
	}
	if len(e.coord.Active()) != 0 {
		t.Fatal("rolled back transaction still active")
	}
}

func TestBeginCapacityAndDuplicates(t *testing.T) {
	e := newEnv(t, []string{"a"}, func(cfg *Config) { cfg.MaxTransactions = 2 })
	ctx := context.Background()
	first := e.begin(t)
	e.begin(t)
	if err := e.coord.BeginTransaction(ctx, txn.NewID(), e.creds); !txn.IsCode(err, txn.CodeCapacityExceeded) {
		t.Fatalf("expected capacity_exceeded, got %v", err)
	}
	if err := e.coord.BeginTransaction(ctx, first, e.creds); !txn.IsCode(err, txn.CodeDuplicate) {
		t.Fatalf("expected duplicate for active id, got %v", err)
	}
	if err := e.coord.CommitTransaction(ctx, first, e.creds); err != nil {
		t.Fatalf("commit empty transaction: %v", err)
	}
	if err := e.coord.BeginTransaction(ctx, first, e.creds); !txn.IsCode(err, txn.CodeDuplicate) {
		t.Fatalf("expected duplicate for retired id, got %v", err)
	}
	e.begin(t)
	if err := e.coord.BeginTransaction(ctx, txn.ID{}, e.creds); !txn.IsCode(err, txn.CodeInvalidRequest) {
		t.Fatalf("expected invalid_request for zero id, got %v", err)
	}
}

func TestRetiredIDsExpireWithRetention(t *testing.T) {
	e := newEnv(t, []string{"a"}, func(cfg *Config) { cfg.RetiredRetention = time.Minute })
	ctx := context.Background()
	id := e.begin(t)
	if err := e.coord.RollbackTransaction(ctx, id, e.creds); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if err := e.coord.BeginTransaction(ctx, id, e.creds); !txn.IsCode(err, txn.CodeDuplicate) {
		t.Fatalf("expected duplicate within retention, got %v", err)
	}
	e.clock.Advance(2 * time.Minute)
	e.coord.Sweep(ctx)
	if err := e.coord.BeginTransaction(ctx, id, e.creds); err != nil {
		t.Fatalf("begin after retention: %v", err)
	}
}

func TestAuthorizationAndOwnership(t *testing.T) {
	e := newEnv(t, []string{"a"}, nil)
	ctx := context.Background()
	bad := e.creds
	bad.InteractiveSessionKey = "wrong"
	if err := e.coord.BeginTransaction(ctx, txn.NewID(), bad); !txn.IsCode(err, txn.CodeUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if len(e.coord.Active()) != 0 {
		t.Fatal("unauthorized begin mutated state")
	}
	id := e.begin(t)
	other := e.keys.Credentials("session-2")
	if _, err := e.coord.ExecuteOperation(ctx, id, other, "a", "kv.get", json.RawMessage(`{"key":"k"}`)); !txn.IsCode(err, txn.CodeUnauthorized) {
		t.Fatalf("expected unauthorized for foreign session, got %v", err)
	}
	if err := e.coord.CommitTransaction(ctx, id, other); !txn.IsCode(err, txn.CodeUnauthorized) {
		t.Fatalf("expected unauthorized commit, got %v", err)
	}
	if _, err := e.coord.RecoverTransactions(ctx, e.keys.Credentials("")); err != nil {
		t.Fatalf("recover transactions with both keys: %v", err)
	}
	noCoordKey := e.creds
	noCoordKey.CoordinatorKey = ""
	if _, err := e.coord.RecoverTransactions(ctx, noCoordKey); !txn.IsCode(err, txn.CodeUnauthorized) {
		t.Fatalf("expected unauthorized recover, got %v", err)
	}
}

func TestExecuteErrors(t *testing.T) {
	e := newEnv(t, []string{"a"}, nil)
	ctx := context.Background()
	id := e.begin(t)
	if _, err := e.coord.ExecuteOperation(ctx, id, e.creds, "nope", "kv.get", nil); !txn.IsCode(err, txn.CodeUnknownParticipant) {
		t.Fatalf("expected unknown_participant, got %v", err)
	}
	if _, err := e.coord.ExecuteOperation(ctx, txn.NewID(), e.creds, "a", "kv.get", nil); !txn.IsCode(err, txn.CodeNotActive) {
		t.Fatalf("expected transaction_not_active, got %v", err)
	}
	if _, err := e.coord.ExecuteOperation(ctx, id, e.creds, "a", "kv.missing", nil); !txn.IsCode(err, txn.CodeUnknownOperation) {
		t.Fatalf("expected unknown_operation, got %v", err)
	}
	e.put(t, id, "a", "k", `1`)
	raw, err := e.coord.ExecuteOperation(ctx, id, e.creds, "a", "kv.get", json.RawMessage(`{"key":"k"}`))
	if err != nil {
		t.Fatalf("kv.get: %v", err)
	}
	var got memory.GetResult
	if err := json.Unmarshal(raw, &got); err != nil || !got.Found || string(got.Value) != "1" {
		t.Fatalf("unexpected kv.get result %s (%v)", raw, err)
	}
	infos := e.coord.Active()
	if len(infos) != 1 || len(infos[0].Participants) != 1 || infos[0].Participants[0] != "a" {
		t.Fatalf("expected a single enlistment, got %+v", infos)
	}
}

func TestLostBeginReplyIsRolledBack(t *testing.T) {
	e := newEnv(t, []string{"a", "b"}, nil)
	ctx := context.Background()
	id := e.begin(t)
	e.put(t, id, "a", "k", `1`)
	e.wrapped["b"].lostBegins = 1
	args := json.RawMessage(`{"key":"k","value":2}`)
	if _, err := e.coord.ExecuteOperation(ctx, id, e.creds, "b", "kv.put", args); !errors.Is(err, errInjected) {
		t.Fatalf("expected injected begin failure, got %v", err)
	}
	if len(e.rms["b"].Transactions()) != 1 {
		t.Fatal("expected the begin to have reached the participant")
	}
	infos := e.coord.Active()
	if len(infos) != 1 || len(infos[0].Participants) != 2 {
		t.Fatalf("expected both participants enlisted, got %+v", infos)
	}
	if err := e.coord.RollbackTransaction(ctx, id, e.creds); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if got := e.calls.matching("rollback:"); !equalCalls(got, []string{"rollback:b", "rollback:a"}) {
		t.Fatalf("expected rollback in reverse order, got %v", got)
	}
	if len(e.rms["a"].Transactions()) != 0 || len(e.rms["b"].Transactions()) != 0 {
		t.Fatal("participant transactions left open")
	}
	e.logEmpty(t)
}

func TestLostBeginReplyIsReaped(t *testing.T) {
	e := newEnv(t, []string{"a"}, nil)
	ctx := context.Background()
	id := e.begin(t)
	e.wrapped["a"].lostBegins = 1
	args := json.RawMessage(`{"key":"k","value":1}`)
	if _, err := e.coord.ExecuteOperation(ctx, id, e.creds, "a", "kv.put", args); !errors.Is(err, errInjected) {
		t.Fatalf("expected injected begin failure, got %v", err)
	}
	e.clock.Advance(2 * time.Minute)
	if stats := e.coord.Sweep(ctx); stats.TimedOut != 1 {
		t.Fatalf("expected one timeout, got %+v", stats)
	}
	if got := e.calls.matching("close:"); !equalCalls(got, []string{"close:a"}) {
		t.Fatalf("expected the reaper to close the orphan, got %v", got)
	}
	if len(e.rms["a"].Transactions()) != 0 {
		t.Fatal("orphaned participant transaction left open")
	}
}

func TestRefusedBeginIsNotEnlisted(t *testing.T) {
	e := newEnv(t, []string{"a", "b"}, nil)
	ctx := context.Background()
	id := e.begin(t)
	e.put(t, id, "a", "k", `1`)
	e.wrapped["b"].refusedBegins = 1
	args := json.RawMessage(`{"key":"k","value":2}`)
	if _, err := e.coord.ExecuteOperation(ctx, id, e.creds, "b", "kv.put", args); !txn.IsCode(err, txn.CodeCapacityExceeded) {
		t.Fatalf("expected capacity_exceeded, got %v", err)
	}
	infos := e.coord.Active()
	if len(infos) != 1 || len(infos[0].Participants) != 1 || infos[0].Participants[0] != "a" {
		t.Fatalf("refused participant should not be enlisted, got %+v", infos)
	}
	if err := e.coord.CommitTransaction(ctx, id, e.creds); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if got := e.calls.matching("commit:"); !equalCalls(got, []string{"commit:a:false"}) {
		t.Fatalf("expected a one-phase commit at a, got %v", got)
	}
}

func TestReaperRollsBackIdleTransactions(t *testing.T) {
	e := newEnv(t, []string{"a", "b"}, nil)
	ctx := context.Background()
	id := e.begin(t)
	e.put(t, id, "a", "k", `1`)
	e.put(t, id, "b", "k", `1`)

	e.clock.Advance(30 * time.Second)
	if stats := e.coord.Sweep(ctx); stats.TimedOut != 0 {
		t.Fatalf("rolled back before the timeout: %+v", stats)
	}
	e.clock.Advance(31 * time.Second)
	if stats := e.coord.Sweep(ctx); stats.TimedOut != 1 {
		t.Fatalf("expected one timeout, got %+v", stats)
	}
	if got := e.calls.matching("close:"); !equalCalls(got, []string{"close:b", "close:a"}) {
		t.Fatalf("expected close in reverse order, got %v", got)
	}
	if len(e.rms["a"].Transactions()) != 0 || len(e.rms["b"].Transactions()) != 0 {
		t.Fatal("participant transactions left open")
	}
	if _, err := e.coord.ExecuteOperation(ctx, id, e.creds, "a", "kv.get", json.RawMessage(`{"key":"k"}`)); !txn.IsCode(err, txn.CodeNotActive) {
		t.Fatalf("expected transaction_not_active after timeout, got %v", err)
	}
}

func TestReaperAbandonsStuckOperation(t *testing.T) {
	e := newEnv(t, []string{"a"}, func(cfg *Config) { cfg.MaxTransactions = 1 })
	ctx := context.Background()
	entered := make(chan struct{})
	release := make(chan struct{})
	if err := e.rms["a"].Operations().Register("test.block", func(ctx context.Context, tx any, args json.RawMessage) (any, error) {
		close(entered)
		<-release
		return nil, nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	id := e.begin(t)
	e.put(t, id, "a", "k", `1`)
	done := make(chan error, 1)
	go func() {
		_, err := e.coord.ExecuteOperation(ctx, id, e.creds, "a", "test.block", nil)
		done <- err
	}()
	<-entered

	e.clock.Advance(time.Minute)
	if stats := e.coord.Sweep(ctx); stats.Abandoned != 0 || stats.Busy != 1 {
		t.Fatalf("abandoned within the grace period: %+v", stats)
	}
	e.clock.Advance(31 * time.Second)
	if stats := e.coord.Sweep(ctx); stats.Abandoned != 1 {
		t.Fatalf("expected abandonment, got %+v", stats)
	}
	if len(e.coord.Active()) != 0 {
		t.Fatal("abandoned transaction still active")
	}
	e.begin(t)

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("stuck execute: %v", err)
	}
	if e.visible("a", "k") {
		t.Fatal("abandoned transaction committed")
	}
	if len(e.rms["a"].Transactions()) != 0 {
		t.Fatal("abandoned participant transaction not rolled back")
	}
	if got := e.calls.matching("close:a"); len(got) != 1 {
		t.Fatalf("expected the holder to close the participant transaction, got %v", got)
	}
}

func TestRecoverRehydratesLoggedDecisions(t *testing.T) {
	e := newEnv(t, []string{"a", "b"}, nil)
	ctx := context.Background()
	rmCreds := e.keys.Credentials("s")
	prepare := func(id txn.ID, key string) {
		for _, rm := range []string{"a", "b"} {
			p := e.rms[rm]
			if err := p.BeginTransaction(ctx, id, rmCreds); err != nil {
				t.Fatalf("begin at %s: %v", rm, err)
			}
			args, _ := json.Marshal(map[string]any{"key": key, "value": 1})
			if _, err := p.ExecuteOperation(ctx, id, rmCreds, "kv.put", args); err != nil {
				t.Fatalf("put at %s: %v", rm, err)
			}
			if err := p.PrepareTransaction(ctx, id, rmCreds); err != nil {
				t.Fatalf("prepare at %s: %v", rm, err)
			}
		}
	}
	decided, undecided, finished := txn.NewID(), txn.NewID(), txn.NewID()
	prepare(decided, "decided")
	prepare(undecided, "undecided")
	now := e.clock.Now()
	for _, entry := range []txlog.Entry{
		{TxnID: decided, Status: txn.StatusCommitStarted, Participants: []string{"a", "b"}, UpdatedAt: now},
		{TxnID: undecided, Status: txn.StatusPrepareStarted, Participants: []string{"a", "b"}, UpdatedAt: now},
		{TxnID: finished, Status: txn.StatusRollbackFinished, Participants: []string{"a"}, UpdatedAt: now},
	} {
		if err := e.store.Write(ctx, entry); err != nil {
			t.Fatalf("seed log: %v", err)
		}
	}

	n, err := e.coord.Recover(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 rehydrated transactions, got %d", n)
	}
	if _, err := e.store.Read(ctx, finished); !errors.Is(err, txlog.ErrNotFound) {
		t.Fatalf("terminal entry not compacted: %v", err)
	}
	set, err := e.coord.RecoverTransactions(ctx, e.creds)
	if err != nil {
		t.Fatalf("recover transactions: %v", err)
	}
	if !txn.Contains(set.Committed, decided) || txn.Contains(set.Committed, undecided) {
		t.Fatalf("unexpected recovery set %+v", set)
	}
	if err := e.coord.BeginTransaction(ctx, decided, e.creds); !txn.IsCode(err, txn.CodeDuplicate) {
		t.Fatalf("recovered id accepted again: %v", err)
	}
	if err := e.coord.CommitTransaction(ctx, decided, e.keys.Credentials("")); !txn.IsCode(err, txn.CodeNotActive) {
		t.Fatalf("recovered transaction reachable by callers: %v", err)
	}

	stats := e.coord.Sweep(ctx)
	if stats.Committed != 1 || stats.RolledBack != 1 {
		t.Fatalf("unexpected sweep %+v", stats)
	}
	for _, rm := range []string{"a", "b"} {
		if !e.visible(rm, "decided") {
			t.Fatalf("decided transaction not committed at %s", rm)
		}
		if e.visible(rm, "undecided") {
			t.Fatalf("undecided transaction committed at %s", rm)
		}
	}
	if got := e.calls.matching("commit_recovered:"); len(got) != 2 {
		t.Fatalf("expected recovered commits, got %v", got)
	}
	if got := e.calls.matching("rollback_recovered:"); !equalCalls(got, []string{"rollback_recovered:b", "rollback_recovered:a"}) {
		t.Fatalf("expected recovered rollbacks in reverse order, got %v", got)
	}
	e.logEmpty(t)
}

func TestRunSweepsOnInterval(t *testing.T) {
	e := newEnv(t, []string{"a"}, func(cfg *Config) { cfg.ReaperInterval = 5 * time.Second })
	id := e.begin(t)
	e.put(t, id, "a", "k", `1`)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		e.coord.Run(ctx)
	}()
	deadline := time.Now().Add(2 * time.Second)
	for e.clock.Pending() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("reaper never armed its timer")
		}
		time.Sleep(time.Millisecond)
	}
	e.clock.Advance(2 * time.Minute)
	for len(e.coord.Active()) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("reaper did not roll back the idle transaction")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	<-done
}
