package txd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/txd/internal/clock"
	"pkt.systems/txd/internal/connguard"
	"pkt.systems/txd/internal/httpapi"
	"pkt.systems/txd/internal/keyring"
	"pkt.systems/txd/internal/loggingutil"
	"pkt.systems/txd/internal/participant"
	"pkt.systems/txd/internal/provider"
	"pkt.systems/txd/internal/tcclient"
	"pkt.systems/txd/internal/txlog"
	"pkt.systems/txd/internal/txncoord"
)

// Server wraps the HTTP server, the coordinator and the participant of one
// txd process.
type Server struct {
	cfg          Config
	logger       pslog.Logger
	keys         *keyring.Keyring
	coord        *txncoord.Coordinator
	rm           *participant.Participant
	httpSrv      *http.Server
	httpClient   *http.Client
	listener     net.Listener
	guard        *connguard.Guard
	clock        clock.Clock
	telemetry    *telemetryBundle
	lastServeErr error

	mu        sync.Mutex
	shutdown  bool
	bgCancel  context.CancelFunc
	bgDone    sync.WaitGroup
	readyOnce sync.Once
	readyCh   chan struct{}
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger         pslog.Logger
	Clock          clock.Clock
	Provider       provider.Provider
	CoordinatorLog txlog.Log
	ParticipantLog txlog.Log
	OTLPEndpoint   string
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithClock injects a custom clock implementation.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.Clock = c
	}
}

// WithProvider injects a pre-built resource manager for the participant role.
func WithProvider(p provider.Provider) Option {
	return func(o *options) {
		o.Provider = p
	}
}

// WithCoordinatorLog injects a pre-built coordinator transaction log.
func WithCoordinatorLog(l txlog.Log) Option {
	return func(o *options) {
		o.CoordinatorLog = l
	}
}

// WithParticipantLog injects a pre-built participant transaction log.
func WithParticipantLog(l txlog.Log) Option {
	return func(o *options) {
		o.ParticipantLog = l
	}
}

// WithOTLPEndpoint overrides the OTLP collector endpoint used for telemetry.
func WithOTLPEndpoint(endpoint string) Option {
	return func(o *options) {
		o.OTLPEndpoint = endpoint
	}
}

// NewServer constructs a txd server according to cfg.
// Example:
//
//	cfg := txd.Config{Role: txd.RoleAll, InteractiveSessionKey: isk, CoordinatorKey: ck}
//	srv, err := txd.NewServer(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Start()
func NewServer(cfg Config, opts ...Option) (srv *Server, err error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := o.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	serverClock := clock.Or(o.Clock)

	var cleanup []func() error
	defer func() {
		if err == nil {
			return
		}
		for i := len(cleanup) - 1; i >= 0; i-- {
			_ = cleanup[i]()
		}
	}()

	otlpEndpoint := cfg.OTLPEndpoint
	if o.OTLPEndpoint != "" {
		otlpEndpoint = o.OTLPEndpoint
	}
	telemetry, err := setupTelemetry(context.Background(), telemetryConfig{
		OTLPEndpoint:           otlpEndpoint,
		MetricsListen:          cfg.MetricsListen,
		PprofListen:            cfg.PprofListen,
		EnableProfilingMetrics: cfg.EnableProfilingMetrics,
	}, loggingutil.WithSubsystem(logger, "telemetry"))
	if err != nil {
		return nil, err
	}
	if telemetry != nil {
		cleanup = append(cleanup, func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return telemetry.Shutdown(ctx)
		})
	}
	tracing := telemetry.TracingEnabled()

	keys, err := loadKeys(cfg)
	if err != nil {
		return nil, err
	}
	ring, err := keyring.New(keys)
	if err != nil {
		return nil, err
	}

	clientCfg := tcclient.Config{
		Timeout:            cfg.ClientTimeout,
		InsecureSkipVerify: cfg.ClientInsecureSkipVerify,
		Tracing:            tracing,
	}
	if cfg.ClientTrustFile != "" {
		pem, err := os.ReadFile(cfg.ClientTrustFile)
		if err != nil {
			return nil, fmt.Errorf("config: read client trust file: %w", err)
		}
		clientCfg.TrustPEM = [][]byte{pem}
	}
	httpClient, err := tcclient.NewHTTPClient(clientCfg)
	if err != nil {
		return nil, err
	}

	ctx := context.Background()
	var rm *participant.Participant
	if cfg.RunsParticipant() {
		rmLogger := loggingutil.WithSubsystem(logger, "txn.participant")
		rmLog := o.ParticipantLog
		if rmLog == nil {
			rmLog, err = openLogStore(ctx, cfg, cfg.ParticipantLogStore, loggingutil.WithSubsystem(logger, "txlog"), serverClock)
			if err != nil {
				return nil, fmt.Errorf("participant log store: %w", err)
			}
		}
		rmProvider := o.Provider
		if rmProvider == nil {
			rmProvider, err = openProvider(ctx, cfg, loggingutil.WithSubsystem(logger, "provider"))
			if err != nil {
				_ = rmLog.Close()
				return nil, fmt.Errorf("participant provider: %w", err)
			}
		}
		rm, err = participant.New(participant.Config{
			ID:                cfg.ParticipantID,
			Provider:          rmProvider,
			Log:               rmLog,
			Keyring:           ring,
			Clock:             serverClock,
			Logger:            rmLogger,
			TerminalRetention: cfg.TerminalRetention,
		})
		if err != nil {
			_ = rmLog.Close()
			_ = rmProvider.Close()
			return nil, err
		}
		cleanup = append(cleanup, rm.Close)
		logger.Info("participant.configured", "participant", cfg.ParticipantID, "provider", rmProvider.Name(), "log_store", cfg.ParticipantLogStore)
	}

	var coord *txncoord.Coordinator
	if cfg.RunsCoordinator() {
		var members []txncoord.Participant
		if rm != nil {
			members = append(members, rm)
		}
		for _, ep := range cfg.Participants {
			client, err := tcclient.NewParticipantClient(ep.ID, ep.URL, httpClient)
			if err != nil {
				return nil, fmt.Errorf("participant %s: %w", ep.ID, err)
			}
			members = append(members, client)
		}
		coordLog := o.CoordinatorLog
		if coordLog == nil {
			coordLog, err = openLogStore(ctx, cfg, cfg.CoordinatorLogStore, loggingutil.WithSubsystem(logger, "txlog"), serverClock)
			if err != nil {
				return nil, fmt.Errorf("coordinator log store: %w", err)
			}
		}
		coord, err = txncoord.New(txncoord.Config{
			Participants:       members,
			Log:                coordLog,
			Keyring:            ring,
			MaxTransactions:    cfg.MaxTransactions,
			TransactionTimeout: cfg.TransactionTimeout,
			ReaperInterval:     cfg.ReaperInterval,
			AbandonGrace:       cfg.AbandonGrace,
			RetiredRetention:   cfg.RetiredRetention,
			CommitMaxAttempts:  cfg.CommitMaxAttempts,
			CommitBaseDelay:    cfg.CommitBaseDelay,
			CommitMaxDelay:     cfg.CommitMaxDelay,
			CommitMultiplier:   cfg.CommitMultiplier,
			Clock:              serverClock,
			Logger:             logger,
		})
		if err != nil {
			_ = coordLog.Close()
			return nil, err
		}
		cleanup = append(cleanup, coord.Close)
		logger.Info("coordinator.configured", "participants", coord.Participants(), "log_store", cfg.CoordinatorLogStore)
	}

	handler, err := httpapi.New(httpapi.Config{
		Coordinator:  coord,
		Participant:  rm,
		Keyring:      ring,
		Logger:       logger,
		Tracing:      tracing,
		MaxBodyBytes: cfg.MaxBodyBytes,
	})
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	handler.Register(mux)
	httpSrv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return context.Background()
		},
	}

	var guard *connguard.Guard
	if cfg.ConnguardEnabled {
		guard = connguard.New(connguard.Config{
			Threshold:        cfg.ConnguardFailureThreshold,
			Window:           cfg.ConnguardFailureWindow,
			BlockFor:         cfg.ConnguardBlockDuration,
			HandshakeTimeout: cfg.ConnguardHandshakeTimeout,
		}, logger)
	}

	return &Server{
		cfg:        cfg,
		guard:      guard,
		logger:     loggingutil.WithSubsystem(logger, "server"),
		keys:       ring,
		coord:      coord,
		rm:         rm,
		httpSrv:    httpSrv,
		httpClient: httpClient,
		clock:      serverClock,
		telemetry:  telemetry,
		readyCh:    make(chan struct{}),
	}, nil
}

func loadKeys(cfg Config) (keyring.Keys, error) {
	if cfg.KeyringPath == "" {
		keys := keyring.Keys{InteractiveSessionKey: cfg.InteractiveSessionKey, CoordinatorKey: cfg.CoordinatorKey}
		return keys, keys.Validate()
	}
	return keyring.Load(cfg.KeyringPath)
}

// Handler returns the underlying HTTP handler so txd can be mounted inside an
// existing mux when embedding the server into another program.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Coordinator returns the coordinator, or nil when the role does not run one.
func (s *Server) Coordinator() *txncoord.Coordinator { return s.coord }

// Participant returns the participant, or nil when the role does not run one.
func (s *Server) Participant() *participant.Participant { return s.rm }

// Keyring returns the live shared keys.
func (s *Server) Keyring() *keyring.Keyring { return s.keys }

// Start recovers unfinished transactions, begins serving requests and blocks
// until the server stops.
func (s *Server) Start() error {
	var tlsConfig *tls.Config
	if s.guard != nil && s.cfg.TLSEnabled() {
		var err error
		if tlsConfig, err = s.serverTLSConfig(); err != nil {
			return err
		}
	}
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen (%s): %w", s.cfg.Listen, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	bgCtx := s.startBackground()
	s.recoverCoordinator(bgCtx)
	s.startWorkers(bgCtx)
	s.signalReady()
	s.logger.Info("listening", "address", ln.Addr().String(), "role", s.cfg.Role, "tls", s.cfg.TLSEnabled(), "connguard", s.guard != nil)

	var serveErr error
	switch {
	case s.guard != nil:
		// The guard performs the TLS handshake itself.
		serveErr = s.httpSrv.Serve(s.guard.Wrap(ln, tlsConfig))
	case s.cfg.TLSEnabled():
		serveErr = s.httpSrv.ServeTLS(ln, s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
	default:
		serveErr = s.httpSrv.Serve(ln)
	}
	s.recordServeErr(serveErr)
	if errors.Is(serveErr, http.ErrServerClosed) {
		return nil
	}
	if serveErr != nil {
		return fmt.Errorf("http serve: %w", serveErr)
	}
	return nil
}

func (s *Server) serverTLSConfig() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
	if err != nil {
		return nil, fmt.Errorf("load tls certificate: %w", err)
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{"http/1.1"},
	}, nil
}

func (s *Server) startBackground() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx, cancel := context.WithCancel(context.Background())
	s.bgCancel = cancel
	return ctx
}

// recoverCoordinator settles the coordinator's logged transactions before
// the first request is served, so that participants asking for decisions
// see them.
func (s *Server) recoverCoordinator(ctx context.Context) {
	if s.coord == nil {
		return
	}
	n, err := s.coord.Recover(ctx)
	if err != nil {
		s.logger.Warn("coordinator.recover.failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("coordinator.recover.complete", "transactions", n)
	}
}

func (s *Server) startWorkers(ctx context.Context) {
	if s.cfg.KeyringPath != "" {
		if err := keyring.Watch(ctx, s.cfg.KeyringPath, s.keys, s.logger); err != nil {
			s.logger.Warn("keyring.watch.failed", "path", s.cfg.KeyringPath, "error", err)
		}
	}
	if s.coord != nil {
		s.goBackground(func() { s.coord.Run(ctx) })
	}
	if s.rm != nil {
		decider, err := s.recoveryCoordinator()
		if err != nil {
			s.logger.Warn("participant.recover.disabled", "error", err)
			return
		}
		s.goBackground(func() {
			if err := s.rm.Recover(ctx, decider); err != nil && ctx.Err() == nil {
				s.logger.Warn("participant.recover.failed", "error", err)
			}
			s.rm.Run(ctx, decider, s.cfg.RecoveryInterval)
		})
	}
}

// recoveryCoordinator returns the coordinator a participant asks for
// decisions: the local one in the all role, the configured remote otherwise.
func (s *Server) recoveryCoordinator() (participant.Coordinator, error) {
	if s.coord != nil {
		return s.coord, nil
	}
	return tcclient.NewCoordinatorClient(s.cfg.CoordinatorURL, s.httpClient)
}

func (s *Server) goBackground(fn func()) {
	s.bgDone.Add(1)
	go func() {
		defer s.bgDone.Done()
		fn()
	}()
}

func (s *Server) stopBackground() {
	s.mu.Lock()
	cancel := s.bgCancel
	s.bgCancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.bgDone.Wait()
}

// Shutdown gracefully stops the server: the HTTP listener drains, background
// workers stop, then the coordinator, participant and telemetry are closed.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.mu.Unlock()

	var errs []error
	if err := s.httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	s.stopBackground()
	if s.coord != nil {
		if err := s.coord.Close(); err != nil {
			errs = append(errs, fmt.Errorf("coordinator close: %w", err))
		}
	}
	if s.rm != nil {
		if err := s.rm.Close(); err != nil {
			errs = append(errs, fmt.Errorf("participant close: %w", err))
		}
	}
	if s.telemetry != nil {
		telemetryCtx := ctx
		if telemetryCtx.Err() != nil {
			var cancel context.CancelFunc
			telemetryCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
		}
		if err := s.telemetry.Shutdown(telemetryCtx); err != nil {
			errs = append(errs, err)
		}
		s.telemetry = nil
	}
	if err := s.LastServeError(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	s.logger.Info("shutdown.complete")
	return nil
}

// Close shuts the server down without a deadline.
func (s *Server) Close() error {
	return s.Shutdown(context.Background())
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() {
		close(s.readyCh)
	})
}

// WaitUntilReady blocks until the server has recovered and is about to serve,
// or ctx ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the bound listener address once available.
func (s *Server) ListenerAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

func (s *Server) recordServeErr(err error) {
	s.mu.Lock()
	s.lastServeErr = err
	s.mu.Unlock()
}

// LastServeError returns the most recent error reported by the underlying
// HTTP server.
func (s *Server) LastServeError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastServeErr
}

// StartServer starts a server in a background goroutine and waits until it
// is ready. The returned stop function shuts it down; cancelling ctx does the
// same.
//
//	srv, stop, err := txd.StartServer(ctx, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer stop(context.Background())
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-srv.readyCh:
	case err := <-errCh:
		_ = srv.Close()
		if err == nil {
			err = errors.New("txd: server stopped before it was ready")
		}
		return nil, nil, err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		<-errCh
		return nil, nil, ctx.Err()
	}
	var (
		stopOnce sync.Once
		stopErr  error
	)
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			if shutdownCtx == nil {
				shutdownCtx = context.Background()
			}
			if err := srv.Shutdown(shutdownCtx); err != nil {
				stopErr = err
				return
			}
			if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
				stopErr = err
			}
		})
		return stopErr
	}
	if ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			_ = stop(context.Background())
		}()
	}
	return srv, stop, nil
}
