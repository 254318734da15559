package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"pkt.systems/txd/api"
	"pkt.systems/txd/internal/keyring"
	"pkt.systems/txd/internal/participant"
	"pkt.systems/txd/internal/provider/memory"
	txmemory "pkt.systems/txd/internal/txlog/memory"
	"pkt.systems/txd/internal/txn"
	"pkt.systems/txd/internal/txncoord"
)

type fixture struct {
	srv    *httptest.Server
	keys   *keyring.Keyring
	rm     *participant.Participant
	coord  *txncoord.Coordinator
	engine *memory.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	keys, err := keyring.New(keyring.Keys{InteractiveSessionKey: "isk", CoordinatorKey: "ck"})
	if err != nil {
		t.Fatalf("keyring: %v", err)
	}
	engine := memory.NewEngine()
	rm, err := participant.New(participant.Config{
		ID:       "spaces",
		Provider: memory.New("spaces", engine),
		Log:      txmemory.New(),
		Keyring:  keys,
	})
	if err != nil {
		t.Fatalf("participant: %v", err)
	}
	coord, err := txncoord.New(txncoord.Config{
		Participants: []txncoord.Participant{rm},
		Log:          txmemory.New(),
		Keyring:      keys,
	})
	if err != nil {
		t.Fatalf("coordinator: %v", err)
	}
	h, err := New(Config{Coordinator: coord, Participant: rm, Keyring: keys})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	mux := http.NewServeMux()
	h.Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Close()
		_ = coord.Close()
	})
	return &fixture{srv: srv, keys: keys, rm: rm, coord: coord, engine: engine}
}

func (f *fixture) do(t *testing.T, method, path, body string, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), method, f.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := f.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, raw
}

func callerHeaders(token string) map[string]string {
	return map[string]string{
		api.HeaderInteractiveKey: "isk",
		api.HeaderSessionToken:   token,
	}
}

func decodeError(t *testing.T, body []byte) api.ErrorResponse {
	t.Helper()
	var out api.ErrorResponse
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode error body %q: %v", body, err)
	}
	return out
}

func TestRejectsMalformedRequests(t *testing.T) {
	f := newFixture(t)
	id := txn.NewID().String()
	cases := []struct {
		name   string
		method string
		body   string
		status int
		code   string
	}{
		{"wrong method", http.MethodGet, "", http.StatusMethodNotAllowed, "method_not_allowed"},
		{"not json", http.MethodPost, "{", http.StatusBadRequest, txn.CodeInvalidRequest},
		{"unknown field", http.MethodPost, `{"txn_id":"` + id + `","extra":1}`, http.StatusBadRequest, txn.CodeInvalidRequest},
		{"trailing value", http.MethodPost, `{"txn_id":"` + id + `"} {}`, http.StatusBadRequest, txn.CodeInvalidRequest},
		{"missing id", http.MethodPost, `{}`, http.StatusBadRequest, txn.CodeInvalidRequest},
		{"bad id", http.MethodPost, `{"txn_id":"nope"}`, http.StatusBadRequest, txn.CodeInvalidRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := f.do(t, tc.method, "/v1/txn/begin", tc.body, callerHeaders("s1"))
			if resp.StatusCode != tc.status {
				t.Fatalf("status = %d, want %d (%s)", resp.StatusCode, tc.status, body)
			}
			if got := decodeError(t, body).ErrorCode; got != tc.code {
				t.Fatalf("code = %q, want %q", got, tc.code)
			}
		})
	}
}

func TestCoordinatorRoutes(t *testing.T) {
	f := newFixture(t)
	id := txn.NewID().String()
	h := callerHeaders("s1")

	resp, body := f.do(t, http.MethodPost, "/v1/txn/begin", `{"txn_id":"`+id+`"}`, h)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("begin: %d %s", resp.StatusCode, body)
	}
	if resp.Header.Get(api.HeaderCorrelationID) == "" {
		t.Fatal("correlation id not echoed")
	}

	resp, body = f.do(t, http.MethodPost, "/v1/txn/execute",
		`{"txn_id":"`+id+`","participant":"spaces","operation":"kv.put","args":{"key":"space/1","value":{"n":1}}}`, h)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("execute: %d %s", resp.StatusCode, body)
	}

	resp, body = f.do(t, http.MethodPost, "/v1/txn/execute",
		`{"txn_id":"`+id+`","operation":"kv.put"}`, h)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("execute without participant: %d %s", resp.StatusCode, body)
	}

	resp, body = f.do(t, http.MethodGet, "/v1/txn/active", "", h)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("active: %d %s", resp.StatusCode, body)
	}
	var active api.ActiveResponse
	if err := json.Unmarshal(body, &active); err != nil {
		t.Fatalf("decode active: %v", err)
	}
	if len(active.Transactions) != 1 || active.Transactions[0].TxnID != id || active.Transactions[0].State != "active" {
		t.Fatalf("active = %+v", active)
	}

	other := callerHeaders("s2")
	resp, body = f.do(t, http.MethodPost, "/v1/txn/commit", `{"txn_id":"`+id+`"}`, other)
	if resp.StatusCode != http.StatusForbidden || decodeError(t, body).ErrorCode != txn.CodeUnauthorized {
		t.Fatalf("commit from other session: %d %s", resp.StatusCode, body)
	}

	resp, body = f.do(t, http.MethodPost, "/v1/txn/commit", `{"txn_id":"`+id+`"}`, h)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("commit: %d %s", resp.StatusCode, body)
	}
	var done api.TxnResponse
	if err := json.Unmarshal(body, &done); err != nil || done.Status != "committed" {
		t.Fatalf("commit response = %s (%v)", body, err)
	}
	if _, ok := f.engine.Get("space/1"); !ok {
		t.Fatal("commit not applied")
	}

	resp, body = f.do(t, http.MethodPost, "/v1/txn/rollback", `{"txn_id":"`+id+`"}`, h)
	if resp.StatusCode != http.StatusConflict || decodeError(t, body).ErrorCode != txn.CodeNotActive {
		t.Fatalf("rollback after commit: %d %s", resp.StatusCode, body)
	}
}

func TestKeyChecks(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodGet, "/v1/txn/active", "", nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("active without key: %d", resp.StatusCode)
	}

	resp, _ = f.do(t, http.MethodGet, "/v1/rm/transactions", "", callerHeaders("s1"))
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("rm transactions with caller key only: %d", resp.StatusCode)
	}

	resp, body := f.do(t, http.MethodGet, "/v1/rm/transactions", "", map[string]string{api.HeaderCoordinatorKey: "ck"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("rm transactions: %d %s", resp.StatusCode, body)
	}
	var list api.RMTransactionsResponse
	if err := json.Unmarshal(body, &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if list.Participant != "spaces" || len(list.Operations) == 0 {
		t.Fatalf("transactions = %+v", list)
	}

	id := txn.NewID().String()
	resp, body = f.do(t, http.MethodPost, "/v1/rm/begin", `{"txn_id":"`+id+`"}`, callerHeaders("s1"))
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("rm begin without coordinator key: %d %s", resp.StatusCode, body)
	}
	if n := len(f.rm.Transactions()); n != 0 {
		t.Fatalf("rejected begin created %d transactions", n)
	}
}

func TestParticipantRoutesReportStatus(t *testing.T) {
	f := newFixture(t)
	id := txn.NewID().String()
	h := map[string]string{api.HeaderCoordinatorKey: "ck"}

	resp, body := f.do(t, http.MethodPost, "/v1/rm/prepare", `{"txn_id":"`+id+`"}`, h)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("prepare unknown: %d %s", resp.StatusCode, body)
	}
	e := decodeError(t, body)
	if e.ErrorCode != txn.CodeUnexpectedStatus || e.ActualStatus != "NEW" || len(e.ExpectedStatus) != 1 {
		t.Fatalf("prepare unknown = %+v", e)
	}

	for _, step := range []struct {
		path, body, status string
	}{
		{"/v1/rm/begin", `{"txn_id":"` + id + `"}`, "BEGIN_FINISHED"},
		{"/v1/rm/prepare", `{"txn_id":"` + id + `"}`, "PREPARE_FINISHED"},
		{"/v1/rm/commit", `{"txn_id":"` + id + `","two_phase":true}`, "COMMIT_FINISHED"},
	} {
		resp, body := f.do(t, http.MethodPost, step.path, step.body, h)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s: %d %s", step.path, resp.StatusCode, body)
		}
		var out api.TxnResponse
		if err := json.Unmarshal(body, &out); err != nil || out.Status != step.status {
			t.Fatalf("%s response = %s (%v)", step.path, body, err)
		}
	}
}

func TestHealthReportsSurfaces(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodGet, "/healthz", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz: %d", resp.StatusCode)
	}
	var out map[string]bool
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !out["coordinator"] || !out["participant"] {
		t.Fatalf("healthz = %v", out)
	}
}

func TestNewRequiresASurface(t *testing.T) {
	keys, _ := keyring.New(keyring.Keys{InteractiveSessionKey: "isk", CoordinatorKey: "ck"})
	if _, err := New(Config{Keyring: keys}); err == nil {
		t.Fatal("expected error without coordinator or participant")
	}
}
