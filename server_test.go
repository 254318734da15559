package txd

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/txd/internal/keyring"
	"pkt.systems/txd/internal/provider/memory"
	"pkt.systems/txd/internal/tcclient"
	"pkt.systems/txd/internal/txn"
)

func testServerConfig(t *testing.T, role string) Config {
	t.Helper()
	return Config{
		Role:                  role,
		Listen:                "127.0.0.1:0",
		InteractiveSessionKey: "isk",
		CoordinatorKey:        "ck",
		DataDir:               t.TempDir(),
		CoordinatorLogStore:   "mem://",
		ParticipantLogStore:   "mem://",
		ShutdownTimeout:       5 * time.Second,
	}
}

func startTestServer(t *testing.T, cfg Config, opts ...Option) *Server {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	opts = append([]Option{WithLogger(pslog.NoopLogger())}, opts...)
	srv, stop, err := StartServer(ctx, cfg, opts...)
	if err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := stop(shutdownCtx); err != nil {
			t.Errorf("stop: %v", err)
		}
	})
	return srv
}

func serverURL(srv *Server) string {
	return "http://" + srv.ListenerAddr().String()
}

func reserveAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr
}

func putArgs(t *testing.T, key string, value any) json.RawMessage {
	t.Helper()
	v, err := json.Marshal(value)
	if err != nil {
		t.Fatalf("marshal value: %v", err)
	}
	raw, err := json.Marshal(map[string]any{"key": key, "value": json.RawMessage(v)})
	if err != nil {
		t.Fatalf("marshal args: %v", err)
	}
	return raw
}

func TestServerAllRoleCommits(t *testing.T) {
	engine := memory.NewEngine()
	cfg := testServerConfig(t, RoleAll)
	cfg.ParticipantID = "spaces"
	srv := startTestServer(t, cfg, WithProvider(memory.New("spaces", engine)))
	if srv.Coordinator() == nil || srv.Participant() == nil {
		t.Fatal("all role should run both surfaces")
	}

	client, err := tcclient.NewCoordinatorClient(serverURL(srv), nil)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	creds := srv.Keyring().Credentials("session-1")
	ctx := context.Background()
	id := txn.NewID()
	if err := client.BeginTransaction(ctx, id, creds); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := client.ExecuteOperation(ctx, id, creds, "spaces", "kv.put", putArgs(t, "space/1", map[string]string{"name": "s1"})); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, ok := engine.Get("space/1"); ok {
		t.Fatal("write visible before commit")
	}
	if err := client.CommitTransaction(ctx, id, creds); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if _, ok := engine.Get("space/1"); !ok {
		t.Fatal("write missing after commit")
	}
	if err := client.CommitTransaction(ctx, id, creds); !txn.IsCode(err, txn.CodeNotActive) {
		t.Fatalf("second commit err = %v, want not_active", err)
	}
}

func TestServerCoordinatorDrivesRemoteParticipant(t *testing.T) {
	coordAddr := reserveAddr(t)

	engine := memory.NewEngine()
	rmCfg := testServerConfig(t, RoleParticipant)
	rmCfg.ParticipantID = "projects"
	rmCfg.CoordinatorURL = "http://" + coordAddr
	rmSrv := startTestServer(t, rmCfg, WithProvider(memory.New("projects", engine)))
	if rmSrv.Coordinator() != nil {
		t.Fatal("participant role should not run a coordinator")
	}

	coordCfg := testServerConfig(t, RoleCoordinator)
	coordCfg.Listen = coordAddr
	coordCfg.Participants = []ParticipantEndpoint{{ID: "projects", URL: serverURL(rmSrv)}}
	coordSrv := startTestServer(t, coordCfg)
	if got := coordSrv.Coordinator().Participants(); len(got) != 1 || got[0] != "projects" {
		t.Fatalf("participants = %v", got)
	}

	client, err := tcclient.NewCoordinatorClient(serverURL(coordSrv), nil)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	creds := coordSrv.Keyring().Credentials("session-1")
	ctx := context.Background()

	committed := txn.NewID()
	if err := client.BeginTransaction(ctx, committed, creds); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := client.ExecuteOperation(ctx, committed, creds, "projects", "kv.put", putArgs(t, "project/1", map[string]string{"space": "space/1"})); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := client.CommitTransaction(ctx, committed, creds); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if _, ok := engine.Get("project/1"); !ok {
		t.Fatal("remote write missing after commit")
	}

	rolledBack := txn.NewID()
	if err := client.BeginTransaction(ctx, rolledBack, creds); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := client.ExecuteOperation(ctx, rolledBack, creds, "projects", "kv.put", putArgs(t, "project/2", "x")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := client.RollbackTransaction(ctx, rolledBack, creds); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if _, ok := engine.Get("project/2"); ok {
		t.Fatal("rolled back write is visible")
	}
	if n := len(rmSrv.Participant().Transactions()); n != 0 {
		t.Fatalf("participant still tracks %d transactions", n)
	}
}

func TestServerLoadsKeyringFile(t *testing.T) {
	keys, err := keyring.Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	path := filepath.Join(t.TempDir(), DefaultKeyringFileName)
	if err := keyring.Save(path, keys); err != nil {
		t.Fatalf("save: %v", err)
	}
	cfg := testServerConfig(t, RoleCoordinator)
	cfg.InteractiveSessionKey = ""
	cfg.CoordinatorKey = ""
	cfg.KeyringPath = path
	srv := startTestServer(t, cfg)
	if got := srv.Keyring().Keys(); got != keys {
		t.Fatal("server did not load keys from the keyring file")
	}

	client, err := tcclient.NewCoordinatorClient(serverURL(srv), nil)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	stale := txn.Credentials{SessionToken: "s", InteractiveSessionKey: "isk"}
	if err := client.BeginTransaction(context.Background(), txn.NewID(), stale); !txn.IsCode(err, txn.CodeUnauthorized) {
		t.Fatalf("begin with wrong key err = %v, want unauthorized", err)
	}
}

func TestNewServerRejectsInvalidConfig(t *testing.T) {
	cfg := testServerConfig(t, "leader")
	if _, err := NewServer(cfg); err == nil {
		t.Fatal("expected invalid role to fail")
	}
	cfg = testServerConfig(t, RoleAll)
	cfg.Provider = "redis://localhost"
	if _, err := NewServer(cfg); err == nil {
		t.Fatal("expected unsupported provider to fail")
	}
}

func TestServerWithConnguardServesRequests(t *testing.T) {
	cfg := testServerConfig(t, RoleAll)
	cfg.ConnguardEnabled = true
	cfg.ConnguardHandshakeTimeout = time.Second
	srv := startTestServer(t, cfg)

	// an idle connection is dropped without affecting real clients
	idle, err := net.Dial("tcp", srv.ListenerAddr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	_ = idle.Close()

	resp, err := http.Get(serverURL(srv) + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", resp.StatusCode)
	}
}
