package connguard

import (
	"bytes"
	"crypto/tls"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"pkt.systems/pslog"
)

func TestGuardBlocksAfterThreshold(t *testing.T) {
	now := time.Now()
	g := New(Config{Threshold: 3, Window: time.Second, BlockFor: 500 * time.Millisecond}, pslog.NoopLogger())
	g.now = func() time.Time { return now }

	remote := "127.0.0.1:5555"
	for i := 0; i < 2; i++ {
		if g.fail(remote, "empty_connection") {
			t.Fatalf("failure %d blocked early", i+1)
		}
		now = now.Add(50 * time.Millisecond)
	}
	// a different port on the same host counts towards the same block
	if !g.fail("127.0.0.1:6666", "empty_connection") {
		t.Fatal("third failure should block")
	}
	now = now.Add(100 * time.Millisecond)
	if !g.Blocked(remote) {
		t.Fatal("expected host to stay blocked")
	}
	if g.Blocked("127.0.0.2:5555") {
		t.Fatal("other hosts must not be blocked")
	}
	now = now.Add(time.Second)
	if g.Blocked(remote) {
		t.Fatal("expected block to expire")
	}
	if g.fail(remote, "empty_connection") {
		t.Fatal("first failure after release should not block")
	}
}

func TestGuardWindowForgetsOldFailures(t *testing.T) {
	now := time.Now()
	g := New(Config{Threshold: 2, Window: time.Second}, pslog.NoopLogger())
	g.now = func() time.Time { return now }
	g.fail("10.0.0.1:1", "empty_connection")
	now = now.Add(2 * time.Second)
	if g.fail("10.0.0.1:1", "empty_connection") {
		t.Fatal("failure outside the window should not count")
	}
}

func TestGuardDisabledThreshold(t *testing.T) {
	g := New(Config{}, nil)
	for i := 0; i < 10; i++ {
		if g.fail("10.0.0.1:1", "empty_connection") {
			t.Fatal("zero threshold must never block")
		}
	}
}

func TestGuardLogsBlock(t *testing.T) {
	var buf bytes.Buffer
	g := New(Config{Threshold: 1}, pslog.NewStructured(&buf))
	g.fail("10.0.0.9:80", "tls_handshake")
	out := buf.String()
	if !strings.Contains(out, "connguard.blocked") || !strings.Contains(out, "10.0.0.9") {
		t.Fatalf("block not logged: %q", out)
	}
}

func TestPeekedConnReplaysHead(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()
	go func() {
		_, _ = client.Write([]byte("bc"))
		_ = client.Close()
	}()
	conn := &peekedConn{Conn: server, head: []byte("a")}
	got, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "abc" {
		t.Fatalf("got %q, want abc", got)
	}
}

func TestListenerDropsEmptyConnections(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	g := New(Config{Threshold: 2, BlockFor: time.Minute, HandshakeTimeout: 100 * time.Millisecond}, pslog.NoopLogger())
	guarded := g.Wrap(ln, nil)
	defer guarded.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := guarded.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	for i := 0; i < 2; i++ {
		conn, err := net.Dial("tcp", ln.Addr().String())
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		_ = conn.Close()
	}
	deadline := time.Now().Add(2 * time.Second)
	for !g.Blocked("127.0.0.1:0") {
		if time.Now().After(deadline) {
			t.Fatal("loopback was not blocked")
		}
		time.Sleep(10 * time.Millisecond)
	}
	select {
	case conn := <-accepted:
		conn.Close()
		t.Fatal("empty connection should not be accepted")
	default:
	}
}

func TestListenerPassesRequests(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	g := New(Config{Threshold: 2, HandshakeTimeout: time.Second}, pslog.NoopLogger())
	guarded := g.Wrap(ln, nil)
	defer guarded.Close()

	go func() {
		conn, err := net.Dial("tcp", ln.Addr().String())
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = conn.Write([]byte("GET /"))
	}()
	conn, err := guarded.Accept()
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	defer conn.Close()
	buf := make([]byte, 5)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf) != "GET /" {
		t.Fatalf("got %q", buf)
	}
}

func TestHandshakeFailureCounts(t *testing.T) {
	g := New(Config{Threshold: 1, HandshakeTimeout: time.Second}, pslog.NoopLogger())
	l := &listener{guard: g, tlsConfig: &tls.Config{MinVersion: tls.VersionTLS12}}
	client, server := net.Pipe()
	defer server.Close()
	go func() {
		_, _ = client.Write([]byte("not a client hello\r\n"))
		_ = client.Close()
	}()
	if _, err := l.handshake(server, "192.0.2.1:443"); err == nil {
		t.Fatal("expected handshake failure")
	}
	if !g.Blocked("192.0.2.1:1") {
		t.Fatal("handshake failure should block the host")
	}
}
