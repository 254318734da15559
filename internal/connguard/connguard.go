// Package connguard blocks peers that keep opening connections to the txd
// listener without completing a TLS handshake or sending a request.
package connguard

import (
	"crypto/tls"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/txd/internal/loggingutil"
)

// Config controls the guard.
type Config struct {
	// Threshold is the number of failed connections within Window that
	// blocks a host. Values below 1 disable blocking.
	Threshold int
	Window    time.Duration
	// BlockFor is how long a blocked host is refused.
	BlockFor time.Duration
	// HandshakeTimeout bounds the wait for the first byte (plain) or the
	// handshake (TLS). Zero skips the first-byte check on plain listeners.
	HandshakeTimeout time.Duration
}

type hostState struct {
	failures     []time.Time
	blockedUntil time.Time
}

// Guard tracks failed connections per remote host.
type Guard struct {
	cfg    Config
	logger pslog.Logger
	now    func() time.Time

	mu    sync.Mutex
	hosts map[string]*hostState
}

// New returns a guard with defaults applied to zero durations.
func New(cfg Config, logger pslog.Logger) *Guard {
	if cfg.Window <= 0 {
		cfg.Window = 30 * time.Second
	}
	if cfg.BlockFor <= 0 {
		cfg.BlockFor = 5 * time.Minute
	}
	if cfg.HandshakeTimeout < 0 {
		cfg.HandshakeTimeout = 0
	}
	return &Guard{
		cfg:    cfg,
		logger: loggingutil.WithSubsystem(logger, "server.connguard"),
		now:    time.Now,
		hosts:  make(map[string]*hostState),
	}
}

// Wrap returns a listener that drops connections from blocked hosts. When
// tlsConfig is non-nil the returned listener yields handshaken TLS
// connections and the caller must serve it as plain HTTP.
func (g *Guard) Wrap(ln net.Listener, tlsConfig *tls.Config) net.Listener {
	return &listener{Listener: ln, guard: g, tlsConfig: tlsConfig}
}

// Blocked reports whether the host of remote is currently refused.
func (g *Guard) Blocked(remote string) bool {
	host := hostOf(remote)
	if host == "" {
		return false
	}
	now := g.now()
	g.mu.Lock()
	defer g.mu.Unlock()
	st := g.hosts[host]
	if st == nil || st.blockedUntil.IsZero() {
		return false
	}
	if now.Before(st.blockedUntil) {
		return true
	}
	st.blockedUntil = time.Time{}
	if len(st.failures) == 0 {
		delete(g.hosts, host)
	}
	g.logger.Info("connguard.released", "remote", host)
	return false
}

// fail records a failed connection and reports whether the host is now blocked.
func (g *Guard) fail(remote, reason string) bool {
	if g.cfg.Threshold < 1 {
		return false
	}
	host := hostOf(remote)
	if host == "" {
		return false
	}
	now := g.now()
	g.mu.Lock()
	defer g.mu.Unlock()
	st := g.hosts[host]
	if st == nil {
		st = &hostState{}
		g.hosts[host] = st
	}
	if now.Before(st.blockedUntil) {
		return true
	}
	cutoff := now.Add(-g.cfg.Window)
	kept := st.failures[:0]
	for _, at := range st.failures {
		if !at.Before(cutoff) {
			kept = append(kept, at)
		}
	}
	st.failures = append(kept, now)
	if len(st.failures) < g.cfg.Threshold {
		g.logger.Debug("connguard.failure", "remote", host, "reason", reason, "count", len(st.failures))
		return false
	}
	st.failures = nil
	st.blockedUntil = now.Add(g.cfg.BlockFor)
	g.logger.Warn("connguard.blocked", "remote", host, "reason", reason, "duration", g.cfg.BlockFor)
	return true
}

func hostOf(remote string) string {
	remote = strings.TrimSpace(remote)
	if host, _, err := net.SplitHostPort(remote); err == nil {
		return host
	}
	return remote
}

type listener struct {
	net.Listener
	guard     *Guard
	tlsConfig *tls.Config
}

// Accept returns the next connection that passes the guard.
func (l *listener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}
		remote := ""
		if addr := conn.RemoteAddr(); addr != nil {
			remote = addr.String()
		}
		if l.guard.Blocked(remote) {
			_ = conn.Close()
			continue
		}
		var checked net.Conn
		if l.tlsConfig != nil {
			checked, err = l.handshake(conn, remote)
		} else {
			checked, err = l.firstByte(conn, remote)
		}
		if err != nil {
			_ = conn.Close()
			continue
		}
		return checked, nil
	}
}

func (l *listener) handshake(conn net.Conn, remote string) (net.Conn, error) {
	tlsConn := tls.Server(conn, l.tlsConfig)
	if l.guard.cfg.HandshakeTimeout > 0 {
		_ = tlsConn.SetDeadline(l.guard.now().Add(l.guard.cfg.HandshakeTimeout))
	}
	err := tlsConn.Handshake()
	_ = tlsConn.SetDeadline(time.Time{})
	if err == nil {
		return tlsConn, nil
	}
	// Slow peers time out without counting against the host.
	var netErr net.Error
	if !errors.As(err, &netErr) || !netErr.Timeout() {
		l.guard.fail(remote, "tls_handshake")
	}
	return nil, err
}

func (l *listener) firstByte(conn net.Conn, remote string) (net.Conn, error) {
	if l.guard.cfg.HandshakeTimeout <= 0 {
		return conn, nil
	}
	if err := conn.SetReadDeadline(l.guard.now().Add(l.guard.cfg.HandshakeTimeout)); err != nil {
		return conn, nil
	}
	first := make([]byte, 1)
	n, err := conn.Read(first)
	_ = conn.SetReadDeadline(time.Time{})
	if err != nil || n == 0 {
		l.guard.fail(remote, "empty_connection")
		if err == nil {
			err = io.EOF
		}
		return nil, err
	}
	return &peekedConn{Conn: conn, head: first[:n]}, nil
}

// peekedConn replays the bytes read by the listener before reading from the connection.
type peekedConn struct {
	net.Conn
	head []byte
}

func (c *peekedConn) Read(p []byte) (int, error) {
	if len(c.head) == 0 {
		return c.Conn.Read(p)
	}
	n := copy(p, c.head)
	c.head = c.head[n:]
	return n, nil
}
