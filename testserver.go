package txd

import (
	"bytes"
	"context"
	"fmt"
	"errors"
	"io"
	"math/rand"
	"net"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/txd/internal/provider"
	"pkt.systems/txd/internal/tcclient"
)

// TestServer wraps a running txd Server with convenient handles for tests.
type TestServer struct {
	Server  *Server
	BaseURL string
	Config  Config
	// Coordinator is a client for the coordinator surface; nil in the
	// participant role.
	Coordinator *tcclient.CoordinatorClient

	stop  func(context.Context) error
	proxy *faultProxy
}

type testingWriter struct {
	t  testing.TB
	mu sync.Mutex
	// closed guards against writes after the associated test has finished.
	closed bool
}

func (w *testingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return len(p), nil
	}
	for _, line := range bytes.Split(p, []byte{'\n'}) {
		if len(line) == 0 {
			continue
		}
		func(entry string) {
			defer func() {
				if r := recover(); r != nil {
					msg := fmt.Sprint(r)
					if strings.Contains(msg, "Log in goroutine after") || strings.Contains(msg, "Log in goroutine during concurrent Cleanups") {
						return
					}
					panic(r)
				}
			}()
			w.t.Log(entry)
		}(string(line))
	}
	return len(p), nil
}

func (w *testingWriter) close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
}

// NewTestingLogger creates a structured logger that writes through testing.TB.
func NewTestingLogger(t testing.TB, level pslog.Level) pslog.Logger {
	writer := &testingWriter{t: t}
	t.Cleanup(writer.close)
	logger := pslog.NewStructured(writer)
	if level != pslog.NoLevel {
		logger = logger.LogLevel(level)
	}
	return logger.With("app", "testserver")
}

// Stop shuts down the server using the provided context.
func (ts *TestServer) Stop(ctx context.Context) error {
	if ts == nil || ts.stop == nil {
		return nil
	}
	if ts.proxy != nil {
		_ = ts.proxy.Close()
		ts.proxy = nil
	}
	return ts.stop(ctx)
}

// URL returns the base URL peers should use to reach the server. With
// network faults configured this is the fault proxy's address.
func (ts *TestServer) URL() string {
	if ts == nil {
		return ""
	}
	return ts.BaseURL
}

type testServerOptions struct {
	cfg          Config
	mutators     []func(*Config)
	provider     provider.Provider
	logger       pslog.Logger
	testTB       testing.TB
	testLogLevel pslog.Level
	startTimeout time.Duration
	faults       *NetworkFaults
}

// TestServerOption customises NewTestServer behaviour.
type TestServerOption func(*testServerOptions)

// WithTestConfig replaces the base configuration.
func WithTestConfig(cfg Config) TestServerOption {
	return func(o *testServerOptions) {
		o.cfg = cfg
	}
}

// WithTestConfigFunc mutates the configuration before the server starts.
func WithTestConfigFunc(fn func(*Config)) TestServerOption {
	return func(o *testServerOptions) {
		if fn != nil {
			o.mutators = append(o.mutators, fn)
		}
	}
}

// WithTestProvider injects the participant's resource manager.
func WithTestProvider(p provider.Provider) TestServerOption {
	return func(o *testServerOptions) {
		o.provider = p
	}
}

// WithTestLogger supplies the logger used by the server.
func WithTestLogger(logger pslog.Logger) TestServerOption {
	return func(o *testServerOptions) {
		o.logger = logger
	}
}

// WithTestLoggerFromTB routes server logs through t at level.
func WithTestLoggerFromTB(t testing.TB, level pslog.Level) TestServerOption {
	return func(o *testServerOptions) {
		o.testTB = t
		o.testLogLevel = level
	}
}

// WithTestStartTimeout bounds how long NewTestServer waits for readiness.
func WithTestStartTimeout(d time.Duration) TestServerOption {
	return func(o *testServerOptions) {
		o.startTimeout = d
	}
}

// WithTestNetworkFaults fronts the server with a proxy that delays or drops
// connections.
func WithTestNetworkFaults(faults NetworkFaults) TestServerOption {
	return func(o *testServerOptions) {
		o.faults = &faults
	}
}

// NewTestServer starts a server on a loopback port with in-memory logs and
// resource manager unless the options say otherwise.
func NewTestServer(ctx context.Context, opts ...TestServerOption) (*TestServer, error) {
	options := testServerOptions{
		cfg: Config{
			Role:                  RoleAll,
			Listen:                "127.0.0.1:0",
			InteractiveSessionKey: "test-interactive-key",
			CoordinatorKey:        "test-coordinator-key",
			CoordinatorLogStore:   "mem://",
			ParticipantLogStore:   "mem://",
			Provider:              "mem://",
		},
		startTimeout: 5 * time.Second,
		testLogLevel: pslog.DebugLevel,
	}
	for _, opt := range opts {
		opt(&options)
	}
	cfg := options.cfg
	for _, mut := range options.mutators {
		mut(&cfg)
	}
	if cfg.Listen == "" {
		cfg.Listen = "127.0.0.1:0"
	}
	if cfg.CoordinatorLogStore == "" {
		cfg.CoordinatorLogStore = "mem://"
	}
	if cfg.ParticipantLogStore == "" {
		cfg.ParticipantLogStore = "mem://"
	}

	logger := options.logger
	if logger == nil {
		if options.testTB != nil {
			logger = NewTestingLogger(options.testTB, options.testLogLevel)
		} else {
			logger = pslog.NoopLogger()
		}
	}

	startCtx := ctx
	if startCtx == nil {
		startCtx = context.Background()
	}
	if options.startTimeout > 0 {
		var cancel context.CancelFunc
		startCtx, cancel = context.WithTimeout(startCtx, options.startTimeout)
		defer cancel()
	}
	startOpts := []Option{WithLogger(logger)}
	if options.provider != nil {
		startOpts = append(startOpts, WithProvider(options.provider))
	}
	// StartServer ties the server's lifetime to its ctx, so readiness is
	// awaited separately from the start timeout.
	type startResult struct {
		srv  *Server
		stop func(context.Context) error
		err  error
	}
	resultCh := make(chan startResult, 1)
	go func() {
		srv, stop, err := StartServer(context.Background(), cfg, startOpts...)
		resultCh <- startResult{srv: srv, stop: stop, err: err}
	}()
	var res startResult
	select {
	case res = <-resultCh:
	case <-startCtx.Done():
		res = <-resultCh
		if res.err == nil {
			_ = res.stop(context.Background())
			res.err = fmt.Errorf("test server start: %w", startCtx.Err())
		}
	}
	if res.err != nil {
		return nil, res.err
	}
	srv, stop := res.srv, res.stop

	addr := srv.ListenerAddr()
	if addr == nil {
		_ = stop(context.Background())
		return nil, fmt.Errorf("test server: listener not initialised")
	}
	scheme := "http"
	if srv.cfg.TLSEnabled() {
		scheme = "https"
	}
	ts := &TestServer{
		Server:  srv,
		BaseURL: scheme + "://" + addr.String(),
		Config:  srv.cfg,
		stop:    stop,
	}
	if options.faults != nil {
		proxy, err := startFaultProxy(ts.BaseURL, *options.faults)
		if err != nil {
			_ = stop(context.Background())
			return nil, err
		}
		ts.proxy = proxy
		ts.BaseURL = scheme + "://" + proxy.Addr().String()
	}
	if srv.Coordinator() != nil {
		coord, err := tcclient.NewCoordinatorClient(ts.BaseURL, srv.httpClient)
		if err != nil {
			_ = ts.Stop(context.Background())
			return nil, err
		}
		ts.Coordinator = coord
	}
	return ts, nil
}

// StartTestServer is a convenience wrapper that fails the test on error and registers cleanup.
func StartTestServer(t testing.TB, opts ...TestServerOption) *TestServer {
	t.Helper()
	ts, err := NewTestServer(context.Background(), opts...)
	if err != nil {
		t.Fatalf("start test server: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := ts.Stop(ctx); err != nil {
			t.Errorf("stop test server: %v", err)
		}
	})
	return ts
}

// NetworkFaults describes how the fault proxy in front of a test server
// perturbs connections.
type NetworkFaults struct {
	// Seed feeds the jitter source. Zero picks a time based seed.
	Seed int64
	// Latency delays every forwarded read; Jitter adds up to that much on top.
	Latency time.Duration
	Jitter  time.Duration
	// DropConnections closes this many new connections before forwarding.
	DropConnections int
}

// faultProxy forwards TCP connections to a test server while applying
// NetworkFaults.
type faultProxy struct {
	ln     net.Listener
	target string
	faults NetworkFaults

	mu      sync.Mutex
	rng     *rand.Rand
	dropped int
	open    map[net.Conn]struct{}
	closed  bool
	wg      sync.WaitGroup
}

func startFaultProxy(targetURL string, faults NetworkFaults) (*faultProxy, error) {
	u, err := url.Parse(targetURL)
	if err != nil {
		return nil, err
	}
	if u.Host == "" {
		return nil, fmt.Errorf("fault proxy: no host in %s", targetURL)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	seed := faults.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	p := &faultProxy{
		ln:     ln,
		target: u.Host,
		faults: faults,
		rng:    rand.New(rand.NewSource(seed)),
		open:   make(map[net.Conn]struct{}),
	}
	p.wg.Add(1)
	go p.serve()
	return p, nil
}

func (p *faultProxy) Addr() net.Addr { return p.ln.Addr() }

// Dropped reports how many connections were closed before forwarding.
func (p *faultProxy) Dropped() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}

// Close stops accepting, severs forwarded connections and waits for them.
func (p *faultProxy) Close() error {
	p.mu.Lock()
	p.closed = true
	for c := range p.open {
		_ = c.Close()
	}
	p.mu.Unlock()
	err := p.ln.Close()
	p.wg.Wait()
	return err
}

func (p *faultProxy) serve() {
	defer p.wg.Done()
	for {
		conn, err := p.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}
		if !p.track(conn) {
			_ = conn.Close()
			return
		}
		p.wg.Add(1)
		go p.forward(conn)
	}
}

// track registers conn so Close can sever it.
func (p *faultProxy) track(conn net.Conn) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.open[conn] = struct{}{}
	return true
}

func (p *faultProxy) untrack(conns ...net.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range conns {
		delete(p.open, c)
		_ = c.Close()
	}
}

func (p *faultProxy) drop() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dropped >= p.faults.DropConnections {
		return false
	}
	p.dropped++
	return true
}

func (p *faultProxy) pause() time.Duration {
	d := p.faults.Latency
	if p.faults.Jitter > 0 {
		p.mu.Lock()
		d += time.Duration(p.rng.Int63n(int64(p.faults.Jitter) + 1))
		p.mu.Unlock()
	}
	return d
}

func (p *faultProxy) forward(client net.Conn) {
	defer p.wg.Done()
	if p.drop() {
		p.untrack(client)
		return
	}
	server, err := net.DialTimeout("tcp", p.target, time.Second)
	if err != nil || !p.track(server) {
		if server != nil {
			_ = server.Close()
		}
		p.untrack(client)
		return
	}
	var pipes sync.WaitGroup
	pipes.Add(2)
	for _, pair := range [][2]net.Conn{{server, client}, {client, server}} {
		go func(dst, src net.Conn) {
			defer pipes.Done()
			_, _ = io.Copy(dst, &delayedReader{r: src, pause: p.pause})
			// one side finished; unblock the other copy
			p.untrack(client, server)
		}(pair[0], pair[1])
	}
	pipes.Wait()
}

// delayedReader sleeps after every read that returned data.
type delayedReader struct {
	r     io.Reader
	pause func() time.Duration
}

func (d *delayedReader) Read(b []byte) (int, error) {
	n, err := d.r.Read(b)
	if n > 0 {
		if wait := d.pause(); wait > 0 {
			time.Sleep(wait)
		}
	}
	return n, err
}
