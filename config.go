package txd

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"
)

const (
	// RoleCoordinator serves the coordinator surface only.
	RoleCoordinator = "coordinator"
	// RoleParticipant serves the participant surface only.
	RoleParticipant = "participant"
	// RoleAll serves both surfaces from one process, with the local
	// participant enlisted in-process.
	RoleAll = "all"
)

const (
	// DefaultRole selects the coordinator role when none is configured.
	DefaultRole = RoleCoordinator
	// DefaultListen is the default TCP endpoint the server binds to.
	DefaultListen = ":9441"
	// DefaultMetricsListen is empty, which disables the Prometheus endpoint.
	DefaultMetricsListen = ""
	// DefaultPprofListen is empty, which disables the pprof listener.
	DefaultPprofListen = ""
	// DefaultMaxTransactions caps the coordinator's active set.
	DefaultMaxTransactions = 1000
	// DefaultTransactionTimeout rolls back transactions idle for longer.
	DefaultTransactionTimeout = 60 * time.Second
	// DefaultReaperInterval sets how often the coordinator revisits its active set.
	DefaultReaperInterval = 5 * time.Second
	// DefaultAbandonGrace is added to the transaction timeout before a
	// transaction stuck in a caller operation is abandoned.
	DefaultAbandonGrace = 30 * time.Second
	// DefaultParticipantID names the participant when none is configured.
	DefaultParticipantID = "rm1"
	// DefaultProvider points the participant at the in-memory resource manager.
	DefaultProvider = "mem://"
	// DefaultRecoveryInterval sets how often a participant retries in-doubt transactions.
	DefaultRecoveryInterval = 30 * time.Second
	// DefaultTerminalRetention keeps finished participant log entries around
	// for late commit and rollback retries.
	DefaultTerminalRetention = 15 * time.Minute
	// DefaultCommitMaxAttempts bounds commit and rollback calls per participant.
	DefaultCommitMaxAttempts = 4
	// DefaultCommitBaseDelay is the first backoff between participant retries.
	DefaultCommitBaseDelay = 100 * time.Millisecond
	// DefaultCommitMaxDelay caps participant retry backoff.
	DefaultCommitMaxDelay = 2 * time.Second
	// DefaultCommitMultiplier is the participant retry growth factor.
	DefaultCommitMultiplier = 2.0
	// DefaultLogRetryMaxAttempts bounds retries of transient log store errors.
	DefaultLogRetryMaxAttempts = 4
	// DefaultLogRetryBaseDelay is the first backoff between log store retries.
	DefaultLogRetryBaseDelay = 50 * time.Millisecond
	// DefaultLogRetryMaxDelay caps log store retry backoff.
	DefaultLogRetryMaxDelay = time.Second
	// DefaultLogRetryMultiplier is the log store retry growth factor.
	DefaultLogRetryMultiplier = 2.0
	// DefaultClientTimeout bounds a single call between coordinator and participant.
	DefaultClientTimeout = 30 * time.Second
	// DefaultMaxBodyBytes bounds incoming JSON payloads.
	DefaultMaxBodyBytes = 4 << 20
	// DefaultConnguardFailureThreshold is the number of failed connections
	// from one host that blocks it.
	DefaultConnguardFailureThreshold = 5
	// DefaultConnguardFailureWindow is the rolling window for failed connections.
	DefaultConnguardFailureWindow = 30 * time.Second
	// DefaultConnguardBlockDuration controls how long a host remains blocked.
	DefaultConnguardBlockDuration = 5 * time.Minute
	// DefaultConnguardHandshakeTimeout bounds the wait for a new connection's
	// first byte or TLS handshake.
	DefaultConnguardHandshakeTimeout = 250 * time.Millisecond
	// DefaultShutdownTimeout caps the total shutdown time.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultConfigFileName is the config file searched for when --config is omitted.
	DefaultConfigFileName = "config.yaml"
	// DefaultKeyringFileName is the keyring file written by `txd keys gen`.
	DefaultKeyringFileName = "keyring.yaml"
)

var participantIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,62}$`)

// ParticipantEndpoint names a remote participant the coordinator enlists.
type ParticipantEndpoint struct {
	ID  string `yaml:"id"`
	URL string `yaml:"url"`
}

// Config captures the server configuration.
type Config struct {
	// Role selects which surfaces this process serves.
	Role string
	// Listen is the HTTP bind address.
	Listen string
	// TLSCertFile and TLSKeyFile enable HTTPS when both are set.
	TLSCertFile string
	TLSKeyFile  string
	// MetricsListen is the Prometheus bind address; empty disables metrics.
	MetricsListen string
	// PprofListen is the pprof bind address; empty disables pprof.
	PprofListen string
	// EnableProfilingMetrics adds Go runtime metrics to the metrics endpoint.
	EnableProfilingMetrics bool
	// OTLPEndpoint enables tracing export (grpc://, grpcs://, http://, https://).
	OTLPEndpoint string

	// InteractiveSessionKey and CoordinatorKey are the shared keys. They may be
	// omitted when KeyringPath names a file holding both.
	InteractiveSessionKey string
	CoordinatorKey        string
	// KeyringPath is a YAML keyring file, reloaded when it changes.
	KeyringPath string

	// DataDir roots the default disk log stores.
	DataDir string
	// CoordinatorLogStore is the coordinator's transaction log (disk://, mem://, s3://).
	CoordinatorLogStore string
	// ParticipantLogStore is the participant's transaction log.
	ParticipantLogStore string
	// S3AccessKeyID, S3SecretAccessKey and S3SessionToken are static S3
	// credentials. Empty values fall back to the environment chain.
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3SessionToken    string
	// S3Region sets the S3 region for s3:// log stores.
	S3Region string

	// Participants lists the remote participants of the coordinator role.
	Participants []ParticipantEndpoint
	// MaxTransactions caps the coordinator's active set.
	MaxTransactions int
	// TransactionTimeout rolls back transactions idle for longer.
	TransactionTimeout time.Duration
	// ReaperInterval sets how often the coordinator revisits its active set.
	ReaperInterval time.Duration
	// AbandonGrace extends TransactionTimeout for transactions stuck in a call.
	AbandonGrace time.Duration
	// RetiredRetention bounds how long finished ids are refused; zero keeps
	// them for the lifetime of the process.
	RetiredRetention  time.Duration
	CommitMaxAttempts int
	CommitBaseDelay   time.Duration
	CommitMaxDelay    time.Duration
	CommitMultiplier  float64

	// ParticipantID identifies the participant role to the coordinator.
	ParticipantID string
	// Provider is the resource manager DSN (mem:// or postgres://).
	Provider string
	// CoordinatorURL is the coordinator a participant asks for decisions
	// while recovering. Empty in the all role, where the coordinator is local.
	CoordinatorURL string
	// RecoveryInterval sets how often in-doubt transactions are retried.
	RecoveryInterval time.Duration
	// TerminalRetention keeps finished participant log entries around.
	TerminalRetention time.Duration

	LogRetryMaxAttempts int
	LogRetryBaseDelay   time.Duration
	LogRetryMaxDelay    time.Duration
	LogRetryMultiplier  float64

	// ClientTimeout bounds a single coordinator/participant call.
	ClientTimeout time.Duration
	// ClientTrustFile adds PEM trust roots for https peers.
	ClientTrustFile string
	// ClientInsecureSkipVerify disables peer certificate verification.
	ClientInsecureSkipVerify bool

	// ConnguardEnabled blocks hosts that repeatedly open connections
	// without sending a request or completing a TLS handshake.
	ConnguardEnabled          bool
	ConnguardFailureThreshold int
	ConnguardFailureWindow    time.Duration
	ConnguardBlockDuration    time.Duration
	ConnguardHandshakeTimeout time.Duration

	// MaxBodyBytes bounds incoming JSON payloads.
	MaxBodyBytes int64
	// ShutdownTimeout caps the total shutdown time.
	ShutdownTimeout time.Duration
}

// RunsCoordinator reports whether the configured role serves the coordinator.
func (c Config) RunsCoordinator() bool {
	return c.Role == RoleCoordinator || c.Role == RoleAll
}

// RunsParticipant reports whether the configured role serves a participant.
func (c Config) RunsParticipant() bool {
	return c.Role == RoleParticipant || c.Role == RoleAll
}

// TLSEnabled reports whether the HTTP listener serves HTTPS.
func (c Config) TLSEnabled() bool {
	return c.TLSCertFile != "" && c.TLSKeyFile != ""
}

// Validate applies defaults and sanity-checks the configuration.
func (c *Config) Validate() error {
	c.Role = strings.ToLower(strings.TrimSpace(c.Role))
	if c.Role == "" {
		c.Role = DefaultRole
	}
	switch c.Role {
	case RoleCoordinator, RoleParticipant, RoleAll:
	default:
		return fmt.Errorf("config: role must be %q, %q or %q", RoleCoordinator, RoleParticipant, RoleAll)
	}
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return fmt.Errorf("config: tls-cert and tls-key must be set together")
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	if c.KeyringPath == "" && (c.InteractiveSessionKey == "" || c.CoordinatorKey == "") {
		return fmt.Errorf("config: interactive-session-key and coordinator-key are required (or set keyring)")
	}

	if c.DataDir == "" {
		dir, err := DefaultDataDir()
		if err != nil {
			return fmt.Errorf("config: resolve data dir: %w", err)
		}
		c.DataDir = dir
	}
	if c.CoordinatorLogStore == "" {
		c.CoordinatorLogStore = "disk://" + filepath.Join(c.DataDir, "coordinator")
	}
	if c.ParticipantID == "" {
		c.ParticipantID = DefaultParticipantID
	}
	if c.ParticipantLogStore == "" {
		c.ParticipantLogStore = "disk://" + filepath.Join(c.DataDir, "participant-"+c.ParticipantID)
	}
	for name, dsn := range map[string]string{
		"coordinator-log-store": c.CoordinatorLogStore,
		"participant-log-store": c.ParticipantLogStore,
	} {
		if err := checkLogStoreScheme(dsn); err != nil {
			return fmt.Errorf("config: %s: %w", name, err)
		}
	}

	if c.MaxTransactions <= 0 {
		c.MaxTransactions = DefaultMaxTransactions
	}
	if c.TransactionTimeout < 0 || c.ReaperInterval < 0 || c.AbandonGrace < 0 || c.RetiredRetention < 0 {
		return fmt.Errorf("config: coordinator durations must be >= 0")
	}
	if c.TransactionTimeout == 0 {
		c.TransactionTimeout = DefaultTransactionTimeout
	}
	if c.ReaperInterval == 0 {
		c.ReaperInterval = DefaultReaperInterval
	}
	if c.AbandonGrace == 0 {
		c.AbandonGrace = DefaultAbandonGrace
	}
	if c.CommitMaxAttempts <= 0 {
		c.CommitMaxAttempts = DefaultCommitMaxAttempts
	}
	if c.CommitBaseDelay <= 0 {
		c.CommitBaseDelay = DefaultCommitBaseDelay
	}
	if c.CommitMaxDelay <= 0 {
		c.CommitMaxDelay = DefaultCommitMaxDelay
	}
	if c.CommitMaxDelay < c.CommitBaseDelay {
		return fmt.Errorf("config: commit-max-delay must be >= commit-base-delay")
	}
	if c.CommitMultiplier < 1 {
		c.CommitMultiplier = DefaultCommitMultiplier
	}

	if c.Provider == "" {
		c.Provider = DefaultProvider
	}
	if !participantIDPattern.MatchString(c.ParticipantID) {
		return fmt.Errorf("config: participant-id %q must match %s", c.ParticipantID, participantIDPattern)
	}
	if c.RecoveryInterval < 0 {
		return fmt.Errorf("config: recovery-interval must be >= 0")
	}
	if c.RecoveryInterval == 0 {
		c.RecoveryInterval = DefaultRecoveryInterval
	}
	if c.TerminalRetention <= 0 {
		c.TerminalRetention = DefaultTerminalRetention
	}
	if c.Role == RoleParticipant && strings.TrimSpace(c.CoordinatorURL) == "" {
		return fmt.Errorf("config: participant role requires coordinator-url")
	}
	if c.CoordinatorURL != "" {
		if err := checkHTTPURL(c.CoordinatorURL); err != nil {
			return fmt.Errorf("config: coordinator-url: %w", err)
		}
	}

	seen := make(map[string]struct{}, len(c.Participants)+1)
	if c.Role == RoleAll {
		seen[c.ParticipantID] = struct{}{}
	}
	for _, p := range c.Participants {
		if !participantIDPattern.MatchString(p.ID) {
			return fmt.Errorf("config: participant id %q must match %s", p.ID, participantIDPattern)
		}
		if _, dup := seen[p.ID]; dup {
			return fmt.Errorf("config: duplicate participant %q", p.ID)
		}
		seen[p.ID] = struct{}{}
		if err := checkHTTPURL(p.URL); err != nil {
			return fmt.Errorf("config: participant %s: %w", p.ID, err)
		}
	}

	if c.LogRetryMaxAttempts <= 0 {
		c.LogRetryMaxAttempts = DefaultLogRetryMaxAttempts
	}
	if c.LogRetryBaseDelay <= 0 {
		c.LogRetryBaseDelay = DefaultLogRetryBaseDelay
	}
	if c.LogRetryMaxDelay <= 0 {
		c.LogRetryMaxDelay = DefaultLogRetryMaxDelay
	}
	if c.LogRetryMultiplier < 1 {
		c.LogRetryMultiplier = DefaultLogRetryMultiplier
	}
	if c.ClientTimeout <= 0 {
		c.ClientTimeout = DefaultClientTimeout
	}
	if c.ConnguardFailureThreshold < 0 || c.ConnguardFailureWindow < 0 || c.ConnguardBlockDuration < 0 || c.ConnguardHandshakeTimeout < 0 {
		return fmt.Errorf("config: connguard settings must be >= 0")
	}
	if c.ConnguardFailureThreshold == 0 {
		c.ConnguardFailureThreshold = DefaultConnguardFailureThreshold
	}
	if c.ConnguardFailureWindow == 0 {
		c.ConnguardFailureWindow = DefaultConnguardFailureWindow
	}
	if c.ConnguardBlockDuration == 0 {
		c.ConnguardBlockDuration = DefaultConnguardBlockDuration
	}
	if c.ConnguardHandshakeTimeout == 0 {
		c.ConnguardHandshakeTimeout = DefaultConnguardHandshakeTimeout
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	return nil
}

func checkLogStoreScheme(dsn string) error {
	u, err := url.Parse(dsn)
	if err != nil {
		return fmt.Errorf("parse %q: %w", dsn, err)
	}
	if !slices.Contains([]string{"disk", "mem", "memory", "s3"}, u.Scheme) {
		return fmt.Errorf("log store scheme %q not supported (disk, mem, s3)", u.Scheme)
	}
	return nil
}

func checkHTTPURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("url %q must be http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("url %q missing host", raw)
	}
	return nil
}

// ParseParticipants parses id=url pairs as accepted by --participant.
func ParseParticipants(values []string) ([]ParticipantEndpoint, error) {
	out := make([]ParticipantEndpoint, 0, len(values))
	for _, raw := range values {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		id, endpoint, ok := strings.Cut(raw, "=")
		id = strings.TrimSpace(id)
		endpoint = strings.TrimSpace(endpoint)
		if !ok || id == "" || endpoint == "" {
			return nil, fmt.Errorf("participant %q must be id=url", raw)
		}
		out = append(out, ParticipantEndpoint{ID: id, URL: endpoint})
	}
	return out, nil
}

// DefaultConfigDir returns the default configuration directory ($HOME/.txd).
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("TXD_CONFIG_DIR")); override != "" {
		return filepath.Abs(override)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".txd"), nil
}

// DefaultDataDir returns the directory holding the default disk log stores.
func DefaultDataDir() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "data"), nil
}

// DefaultKeyringPath returns the default keyring file location.
func DefaultKeyringPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, DefaultKeyringFileName), nil
}
