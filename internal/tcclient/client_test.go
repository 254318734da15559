package tcclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"pkt.systems/txd/api"
	"pkt.systems/txd/internal/correlation"
	"pkt.systems/txd/internal/httpapi"
	"pkt.systems/txd/internal/keyring"
	"pkt.systems/txd/internal/participant"
	"pkt.systems/txd/internal/provider/memory"
	txmemory "pkt.systems/txd/internal/txlog/memory"
	"pkt.systems/txd/internal/txn"
	"pkt.systems/txd/internal/txncoord"
)

type cluster struct {
	keys    *keyring.Keyring
	engines map[string]*memory.Engine
	rms     map[string]*participant.Participant
	clients map[string]*ParticipantClient
	coord   *CoordinatorClient
	creds   txn.Credentials
}

func serve(t *testing.T, cfg httpapi.Config) string {
	t.Helper()
	h, err := httpapi.New(cfg)
	if err != nil {
		t.Fatalf("httpapi: %v", err)
	}
	mux := http.NewServeMux()
	h.Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv.URL
}

func newCluster(t *testing.T, ids ...string) *cluster {
	t.Helper()
	keys, err := keyring.New(keyring.Keys{InteractiveSessionKey: "isk", CoordinatorKey: "ck"})
	if err != nil {
		t.Fatalf("keyring: %v", err)
	}
	c := &cluster{
		keys:    keys,
		engines: make(map[string]*memory.Engine),
		rms:     make(map[string]*participant.Participant),
		clients: make(map[string]*ParticipantClient),
		creds:   keys.Credentials("session-1"),
	}
	var parts []txncoord.Participant
	for _, id := range ids {
		engine := memory.NewEngine()
		rm, err := participant.New(participant.Config{
			ID:       id,
			Provider: memory.New(id, engine),
			Log:      txmemory.New(),
			Keyring:  keys,
		})
		if err != nil {
			t.Fatalf("participant %s: %v", id, err)
		}
		url := serve(t, httpapi.Config{Participant: rm, Keyring: keys})
		client, err := NewParticipantClient(id, url, nil)
		if err != nil {
			t.Fatalf("participant client %s: %v", id, err)
		}
		c.engines[id] = engine
		c.rms[id] = rm
		c.clients[id] = client
		parts = append(parts, client)
	}
	coord, err := txncoord.New(txncoord.Config{
		Participants:      parts,
		Log:               txmemory.New(),
		Keyring:           keys,
		CommitMaxAttempts: 1,
	})
	if err != nil {
		t.Fatalf("coordinator: %v", err)
	}
	t.Cleanup(func() { _ = coord.Close() })
	url := serve(t, httpapi.Config{Coordinator: coord, Keyring: keys})
	c.coord, err = NewCoordinatorClient(url, nil)
	if err != nil {
		t.Fatalf("coordinator client: %v", err)
	}
	return c
}

func putArgs(key, value string) json.RawMessage {
	raw, _ := json.Marshal(map[string]any{"key": key, "value": json.RawMessage(value)})
	return raw
}

func TestCommitAcrossParticipantsOverHTTP(t *testing.T) {
	c := newCluster(t, "spaces", "projects")
	ctx := context.Background()
	id := txn.NewID()
	if err := c.coord.BeginTransaction(ctx, id, c.creds); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := c.coord.ExecuteOperation(ctx, id, c.creds, "spaces", "kv.put", putArgs("space/1", `{"name":"s1"}`)); err != nil {
		t.Fatalf("put space: %v", err)
	}
	if _, err := c.coord.ExecuteOperation(ctx, id, c.creds, "projects", "kv.put", putArgs("project/1", `{"space":"space/1"}`)); err != nil {
		t.Fatalf("put project: %v", err)
	}
	raw, err := c.coord.ExecuteOperation(ctx, id, c.creds, "spaces", "kv.get", json.RawMessage(`{"key":"space/1"}`))
	if err != nil {
		t.Fatalf("get space: %v", err)
	}
	var got memory.GetResult
	if err := json.Unmarshal(raw, &got); err != nil || !got.Found {
		t.Fatalf("kv.get inside txn = %s (%v)", raw, err)
	}

	active, err := c.coord.Active(ctx, c.creds)
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if len(active.Transactions) != 1 || len(active.Transactions[0].Participants) != 2 {
		t.Fatalf("active = %+v", active)
	}

	if err := c.coord.CommitTransaction(ctx, id, c.creds); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if _, ok := c.engines["spaces"].Get("space/1"); !ok {
		t.Fatal("space not committed")
	}
	if _, ok := c.engines["projects"].Get("project/1"); !ok {
		t.Fatal("project not committed")
	}
	if n := len(c.rms["spaces"].Transactions()); n != 0 {
		t.Fatalf("participant still tracks %d transactions", n)
	}
}

func TestRollbackOverHTTPDiscardsWrites(t *testing.T) {
	c := newCluster(t, "spaces", "projects")
	ctx := context.Background()
	id := txn.NewID()
	if err := c.coord.BeginTransaction(ctx, id, c.creds); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := c.coord.ExecuteOperation(ctx, id, c.creds, "projects", "kv.put", putArgs("project/1", `1`)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := c.coord.RollbackTransaction(ctx, id, c.creds); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if _, ok := c.engines["projects"].Get("project/1"); ok {
		t.Fatal("rolled back write is visible")
	}
	err := c.coord.CommitTransaction(ctx, id, c.creds)
	if !txn.IsCode(err, txn.CodeNotActive) {
		t.Fatalf("commit after rollback = %v, want %s", err, txn.CodeNotActive)
	}
}

func TestErrorCodesSurviveTheHop(t *testing.T) {
	c := newCluster(t, "spaces")
	ctx := context.Background()
	id := txn.NewID()
	if err := c.coord.BeginTransaction(ctx, id, c.creds); err != nil {
		t.Fatalf("begin: %v", err)
	}

	err := c.coord.BeginTransaction(ctx, id, c.creds)
	f, ok := txn.AsFailure(err)
	if !ok || f.Code != txn.CodeDuplicate || f.HTTPStatus != http.StatusConflict || f.TxnID != id {
		t.Fatalf("duplicate begin = %#v", err)
	}

	_, err = c.coord.ExecuteOperation(ctx, id, c.creds, "nowhere", "kv.put", putArgs("k", "1"))
	if !txn.IsCode(err, txn.CodeUnknownParticipant) {
		t.Fatalf("unknown participant = %v", err)
	}

	bad := c.creds
	bad.InteractiveSessionKey = "wrong"
	err = c.coord.CommitTransaction(ctx, id, bad)
	f, ok = txn.AsFailure(err)
	if !ok || f.Code != txn.CodeUnauthorized || f.HTTPStatus != http.StatusForbidden {
		t.Fatalf("bad key = %#v", err)
	}

	_, err = c.coord.ExecuteOperation(ctx, id, c.creds, "spaces", "kv.nope", nil)
	if !txn.IsCode(err, txn.CodeUnknownOperation) {
		t.Fatalf("unknown operation = %v", err)
	}
}

func TestParticipantClientReportsUnexpectedStatus(t *testing.T) {
	c := newCluster(t, "spaces")
	ctx := context.Background()
	rm := c.clients["spaces"]
	creds := c.keys.Credentials("")
	id := txn.NewID()

	err := rm.PrepareTransaction(ctx, id, creds)
	f, ok := txn.AsFailure(err)
	if !ok || f.Code != txn.CodeUnexpectedStatus {
		t.Fatalf("prepare unknown txn = %#v", err)
	}
	if len(f.Expected) == 0 {
		t.Fatal("expected statuses lost in transit")
	}

	if err := rm.BeginTransaction(ctx, id, creds); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := rm.ExecuteOperation(ctx, id, creds, "kv.put", putArgs("space/9", `9`)); err != nil {
		t.Fatalf("put: %v", err)
	}
	list, err := rm.Transactions(ctx, creds)
	if err != nil {
		t.Fatalf("transactions: %v", err)
	}
	if list.Participant != "spaces" || len(list.Transactions) != 1 {
		t.Fatalf("transactions = %+v", list)
	}
	if got := list.Transactions[0].Status; got != txn.StatusBeginFinished.String() {
		t.Fatalf("status = %q", got)
	}
	if err := rm.PrepareTransaction(ctx, id, creds); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if err := rm.CommitTransaction(ctx, id, creds, true); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if _, ok := c.engines["spaces"].Get("space/9"); !ok {
		t.Fatal("commit not applied")
	}
}

func TestRecoverTransactionsRequiresCoordinatorKey(t *testing.T) {
	c := newCluster(t, "spaces")
	ctx := context.Background()

	set, err := c.coord.RecoverTransactions(ctx, c.keys.Credentials(""))
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if len(set.Committed) != 0 || len(set.Pending) != 0 {
		t.Fatalf("recover on idle coordinator = %+v", set)
	}

	_, err = c.coord.RecoverTransactions(ctx, txn.Credentials{InteractiveSessionKey: "isk"})
	if !txn.IsCode(err, txn.CodeUnauthorized) {
		t.Fatalf("recover without coordinator key = %v", err)
	}

	// A participant recovering with the HTTP client as its coordinator.
	if err := c.rms["spaces"].Recover(ctx, c.coord); err != nil {
		t.Fatalf("participant recover: %v", err)
	}
}

func TestCorrelationIDIsForwarded(t *testing.T) {
	cid := correlation.New()
	var seen string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Get(api.HeaderCorrelationID)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"committed":[],"pending":[]}`))
	}))
	defer srv.Close()
	client, err := NewCoordinatorClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	if _, err := client.RecoverTransactions(correlation.With(context.Background(), cid), txn.Credentials{CoordinatorKey: "ck"}); err != nil {
		t.Fatalf("recover: %v", err)
	}
	if seen != cid {
		t.Fatalf("correlation id = %q, want %q", seen, cid)
	}
}

func TestNonJSONErrorsStayReadable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	}))
	defer srv.Close()
	client, err := NewParticipantClient("rm", srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	err = client.BeginTransaction(context.Background(), txn.NewID(), txn.Credentials{})
	if err == nil {
		t.Fatal("expected error")
	}
	if _, ok := txn.AsFailure(err); ok {
		t.Fatalf("plain-text error decoded as failure: %v", err)
	}
}

func TestEndpointRejectsBadURLs(t *testing.T) {
	for _, raw := range []string{"", "   ", "ftp://host"} {
		if _, err := NewCoordinatorClient(raw, nil); err == nil {
			t.Fatalf("NewCoordinatorClient(%q) succeeded", raw)
		}
	}
	c, err := NewParticipantClient("rm", "http://127.0.0.1:9/", nil)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	if c.URL() != "http://127.0.0.1:9" || c.ID() != "rm" {
		t.Fatalf("client = %s %s", c.ID(), c.URL())
	}
	if _, err := NewHTTPClient(Config{TrustPEM: [][]byte{[]byte("not pem")}}); err == nil {
		t.Fatal("expected trust PEM error")
	}
}
