package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"pkt.systems/txd"
	"pkt.systems/txd/internal/loggingutil"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("TXD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "txd")
	cmd := newRootCommand(baseLogger)
	rootInvocation := invocationTargetsRootCommand(cmd, os.Args[1:])
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			if rootInvocation {
				loggingutil.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
			} else {
				fmt.Fprintf(os.Stderr, "%s\n", err)
			}
		}
		return 1
	}
	return 0
}

// invocationTargetsRootCommand reports whether args run the server rather
// than a subcommand, so failures are logged structurally only for the server.
func invocationTargetsRootCommand(root *cobra.Command, args []string) bool {
	lookupLong := func(name string) *pflag.Flag {
		flag := root.Flags().Lookup(name)
		if flag == nil {
			flag = root.PersistentFlags().Lookup(name)
		}
		return flag
	}
	lookupShort := func(shorthand string) *pflag.Flag {
		flag := root.Flags().ShorthandLookup(shorthand)
		if flag == nil {
			flag = root.PersistentFlags().ShorthandLookup(shorthand)
		}
		return flag
	}
	remainingHasSubcommand := func(rest []string) bool {
		for _, tok := range rest {
			if isSubcommandToken(root, tok) {
				return true
			}
		}
		return false
	}
	for i := 0; i < len(args); {
		arg := args[i]
		if arg == "--" {
			return true
		}
		if strings.HasPrefix(arg, "--") {
			if strings.IndexByte(arg, '=') >= 0 {
				i++
				continue
			}
			flag := lookupLong(strings.TrimPrefix(arg, "--"))
			if flag == nil {
				return !remainingHasSubcommand(args[i+1:])
			}
			i++
			if flag.NoOptDefVal == "" && i < len(args) {
				i++
			}
			continue
		}
		if strings.HasPrefix(arg, "-") && arg != "-" {
			sh := strings.TrimPrefix(arg, "-")
			consumeNext := false
			for idx, ch := range sh {
				flag := lookupShort(string(ch))
				if flag == nil {
					return !remainingHasSubcommand(args[i+1:])
				}
				if flag.NoOptDefVal == "" {
					consumeNext = idx == len(sh)-1
					break
				}
			}
			i++
			if consumeNext && i < len(args) {
				i++
			}
			continue
		}
		return !isSubcommandToken(root, arg)
	}
	return true
}

func isSubcommandToken(root *cobra.Command, token string) bool {
	for _, sub := range root.Commands() {
		if token == sub.Name() || sub.HasAlias(token) {
			return true
		}
	}
	return false
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.IBytes(uint64(n)), " ", "")
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""
	if cfgPath == "" {
		if dir, err := txd.DefaultConfigDir(); err == nil {
			candidate := filepath.Join(dir, txd.DefaultConfigFileName)
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}
	if cfgPath == "" {
		return "", nil
	}
	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}
	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(p)
}

var serverFlagNames = []string{
	"role", "listen", "tls-cert", "tls-key", "metrics-listen", "pprof-listen", "enable-profiling-metrics", "otlp-endpoint",
	"data-dir", "coordinator-log-store", "participant-log-store",
	"s3-access-key-id", "s3-secret-access-key", "s3-session-token", "s3-region",
	"participant", "max-transactions", "transaction-timeout", "reaper-interval", "abandon-grace", "retired-retention",
	"commit-attempts", "commit-base-delay", "commit-max-delay", "commit-multiplier",
	"participant-id", "provider", "coordinator-url", "recovery-interval", "terminal-retention",
	"log-retry-attempts", "log-retry-base-delay", "log-retry-max-delay", "log-retry-multiplier",
	"client-timeout", "client-trust-file", "client-insecure-skip-verify",
	"connguard", "connguard-threshold", "connguard-window", "connguard-block", "connguard-handshake-timeout",
	"max-body", "shutdown-timeout",
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	var cfg txd.Config
	cmd := &cobra.Command{
		Use:           "txd",
		Short:         "txd coordinates distributed transactions across resource managers with two-phase commit",
		SilenceErrors: true,
		Example: `
  # Coordinator and an in-memory participant in one process (dev only)
  txd --role all --provider mem:// --interactive-session-key isk --coordinator-key ck

  # Coordinator enlisting two remote participants, logs on disk
  txd --role coordinator --participant spaces=http://spaces:9441 --participant projects=http://projects:9441 \
      --coordinator-log-store disk:///var/lib/txd/coordinator --keyring /etc/txd/keyring.yaml

  # PostgreSQL participant with its transaction log in MinIO
  TXD_S3_ACCESS_KEY_ID=minioadmin TXD_S3_SECRET_ACCESS_KEY=minioadmin \
  txd --role participant --participant-id projects --provider postgres://txd@db/projects \
      --participant-log-store 's3://localhost:9000/txd-logs/projects?insecure=1&path-style=1' \
      --coordinator-url http://coordinator:9441 --keyring /etc/txd/keyring.yaml
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := baseLogger
			cliLogger := loggingutil.WithSubsystem(logger, "cli.root")
			ctx := cmd.Context()
			cmd.SilenceUsage = true
			loggingutil.WithSubsystem(logger, "server.lifecycle.init").Info(
				"welcome to txd",
				"pid", os.Getpid(),
				"uid", os.Getuid(),
				"gid", os.Getgid(),
			)

			configFile, err := loadConfigFile()
			if err != nil {
				return err
			}
			if configFile != "" {
				cliLogger.Info("loaded config file", "path", configFile)
			}
			if err := bindConfig(&cfg); err != nil {
				return err
			}
			logLevel := strings.TrimSpace(viper.GetString("log-level"))
			if logLevel == "" {
				logLevel = "info"
			}
			if level, ok := pslog.ParseLevel(logLevel); ok {
				logger = logger.LogLevel(level)
				cliLogger = loggingutil.WithSubsystem(logger, "cli.root")
			}

			server, err := txd.NewServer(cfg, txd.WithLogger(logger))
			if err != nil {
				return err
			}
			shutdown := func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					cliLogger.Error("shutdown failed", "error", err)
				}
			}
			defer shutdown()
			go func() {
				<-ctx.Done()
				shutdown()
			}()

			err = server.Start()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.txd/"+txd.DefaultConfigFileName+")")
	persistentFlags.String("interactive-session-key", "", "key callers present on the coordinator surface")
	persistentFlags.String("coordinator-key", "", "key the coordinator presents to participants")
	persistentFlags.StringP("keyring", "k", "", "YAML keyring holding both keys (default $HOME/.txd/"+txd.DefaultKeyringFileName+" when present)")
	persistentFlags.String("log-level", "info", "log level (trace|debug|info|warn|error)")

	flags := cmd.Flags()
	flags.String("role", txd.DefaultRole, "surfaces to serve (coordinator, participant, all)")
	flags.String("listen", txd.DefaultListen, "listen address")
	flags.String("tls-cert", "", "PEM certificate enabling HTTPS (requires --tls-key)")
	flags.String("tls-key", "", "PEM private key for --tls-cert")
	flags.String("metrics-listen", txd.DefaultMetricsListen, "metrics listen address (Prometheus scrape endpoint; empty disables)")
	flags.String("pprof-listen", txd.DefaultPprofListen, "pprof listen address (debug/pprof endpoints; empty disables)")
	flags.Bool("enable-profiling-metrics", false, "enable Go runtime metrics on the Prometheus endpoint")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	flags.String("data-dir", "", "directory for default disk transaction logs (default $HOME/.txd/data)")
	flags.String("coordinator-log-store", "", "coordinator transaction log URL (disk:///path, s3://host/bucket/prefix, mem://)")
	flags.String("participant-log-store", "", "participant transaction log URL (disk:///path, s3://host/bucket/prefix, mem://)")
	flags.String("s3-access-key-id", "", "S3 access key for s3:// log stores (or TXD_S3_ACCESS_KEY_ID)")
	flags.String("s3-secret-access-key", "", "S3 secret key for s3:// log stores (or TXD_S3_SECRET_ACCESS_KEY)")
	flags.String("s3-session-token", "", "S3 session token for s3:// log stores")
	flags.String("s3-region", "", "S3 region for s3:// log stores")
	flags.StringSlice("participant", nil, "remote participant as id=url (repeatable)")
	flags.Int("max-transactions", txd.DefaultMaxTransactions, "maximum concurrently active transactions")
	flags.Duration("transaction-timeout", txd.DefaultTransactionTimeout, "roll back transactions idle for longer")
	flags.Duration("reaper-interval", txd.DefaultReaperInterval, "how often the coordinator revisits active transactions")
	flags.Duration("abandon-grace", txd.DefaultAbandonGrace, "extra time before a transaction stuck in a call is abandoned")
	flags.Duration("retired-retention", 0, "how long finished ids are refused (0 keeps them for the process lifetime)")
	flags.Int("commit-attempts", txd.DefaultCommitMaxAttempts, "attempts per participant commit or rollback")
	flags.Duration("commit-base-delay", txd.DefaultCommitBaseDelay, "initial backoff between participant retries")
	flags.Duration("commit-max-delay", txd.DefaultCommitMaxDelay, "maximum backoff between participant retries")
	flags.Float64("commit-multiplier", txd.DefaultCommitMultiplier, "backoff multiplier for participant retries")
	flags.String("participant-id", txd.DefaultParticipantID, "participant id announced to the coordinator")
	flags.String("provider", txd.DefaultProvider, "resource manager URL (mem://, postgres://...)")
	flags.String("coordinator-url", "", "coordinator a participant asks for recovery decisions")
	flags.Duration("recovery-interval", txd.DefaultRecoveryInterval, "how often in-doubt transactions are retried")
	flags.Duration("terminal-retention", txd.DefaultTerminalRetention, "how long finished participant log entries are kept")
	flags.Int("log-retry-attempts", txd.DefaultLogRetryMaxAttempts, "maximum transaction log retry attempts")
	flags.Duration("log-retry-base-delay", txd.DefaultLogRetryBaseDelay, "initial backoff for transaction log retries")
	flags.Duration("log-retry-max-delay", txd.DefaultLogRetryMaxDelay, "maximum backoff for transaction log retries")
	flags.Float64("log-retry-multiplier", txd.DefaultLogRetryMultiplier, "backoff multiplier for transaction log retries")
	flags.Duration("client-timeout", txd.DefaultClientTimeout, "timeout for one coordinator/participant call")
	flags.String("client-trust-file", "", "PEM bundle of CAs trusted for https peers")
	flags.Bool("client-insecure-skip-verify", false, "skip TLS verification of https peers")
	flags.Bool("connguard", true, "block hosts that repeatedly open connections without sending a request")
	flags.Int("connguard-threshold", txd.DefaultConnguardFailureThreshold, "failed connections from one host before it is blocked")
	flags.Duration("connguard-window", txd.DefaultConnguardFailureWindow, "window for counting failed connections")
	flags.Duration("connguard-block", txd.DefaultConnguardBlockDuration, "how long a blocked host is refused")
	flags.Duration("connguard-handshake-timeout", txd.DefaultConnguardHandshakeTimeout, "wait for the first byte or TLS handshake of a connection")
	flags.String("max-body", humanizeBytes(txd.DefaultMaxBodyBytes), "maximum JSON request body size")
	flags.Duration("shutdown-timeout", txd.DefaultShutdownTimeout, "overall shutdown timeout")

	bindFlag := func(name string) {
		flag := flags.Lookup(name)
		if flag == nil {
			flag = persistentFlags.Lookup(name)
		}
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}
	viper.SetEnvPrefix("TXD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()
	for _, name := range append([]string{"config", "interactive-session-key", "coordinator-key", "keyring", "log-level"}, serverFlagNames...) {
		bindFlag(name)
	}

	cmd.AddCommand(newTxnCommand())
	cmd.AddCommand(newKeysCommand())
	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func bindConfig(cfg *txd.Config) error {
	cfg.Role = viper.GetString("role")
	cfg.Listen = viper.GetString("listen")
	cfg.TLSCertFile = viper.GetString("tls-cert")
	cfg.TLSKeyFile = viper.GetString("tls-key")
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.PprofListen = viper.GetString("pprof-listen")
	cfg.EnableProfilingMetrics = viper.GetBool("enable-profiling-metrics")
	cfg.OTLPEndpoint = viper.GetString("otlp-endpoint")

	cfg.InteractiveSessionKey = viper.GetString("interactive-session-key")
	cfg.CoordinatorKey = viper.GetString("coordinator-key")
	keyringPath, err := resolveKeyringPath(cfg.InteractiveSessionKey == "" && cfg.CoordinatorKey == "")
	if err != nil {
		return err
	}
	cfg.KeyringPath = keyringPath

	dataDir, err := expandPath(strings.TrimSpace(viper.GetString("data-dir")))
	if err != nil {
		return fmt.Errorf("expand data-dir: %w", err)
	}
	cfg.DataDir = dataDir
	cfg.CoordinatorLogStore = strings.TrimSpace(viper.GetString("coordinator-log-store"))
	cfg.ParticipantLogStore = strings.TrimSpace(viper.GetString("participant-log-store"))
	cfg.S3AccessKeyID = viper.GetString("s3-access-key-id")
	cfg.S3SecretAccessKey = viper.GetString("s3-secret-access-key")
	cfg.S3SessionToken = viper.GetString("s3-session-token")
	cfg.S3Region = strings.TrimSpace(viper.GetString("s3-region"))

	participants, err := txd.ParseParticipants(viper.GetStringSlice("participant"))
	if err != nil {
		return err
	}
	var fromFile []txd.ParticipantEndpoint
	if err := viper.UnmarshalKey("participants", &fromFile); err != nil {
		return fmt.Errorf("parse participants: %w", err)
	}
	cfg.Participants = append(fromFile, participants...)
	cfg.MaxTransactions = viper.GetInt("max-transactions")
	cfg.TransactionTimeout = viper.GetDuration("transaction-timeout")
	cfg.ReaperInterval = viper.GetDuration("reaper-interval")
	cfg.AbandonGrace = viper.GetDuration("abandon-grace")
	cfg.RetiredRetention = viper.GetDuration("retired-retention")
	cfg.CommitMaxAttempts = viper.GetInt("commit-attempts")
	cfg.CommitBaseDelay = viper.GetDuration("commit-base-delay")
	cfg.CommitMaxDelay = viper.GetDuration("commit-max-delay")
	cfg.CommitMultiplier = viper.GetFloat64("commit-multiplier")

	cfg.ParticipantID = strings.TrimSpace(viper.GetString("participant-id"))
	cfg.Provider = strings.TrimSpace(viper.GetString("provider"))
	cfg.CoordinatorURL = strings.TrimSpace(viper.GetString("coordinator-url"))
	cfg.RecoveryInterval = viper.GetDuration("recovery-interval")
	cfg.TerminalRetention = viper.GetDuration("terminal-retention")

	cfg.LogRetryMaxAttempts = viper.GetInt("log-retry-attempts")
	cfg.LogRetryBaseDelay = viper.GetDuration("log-retry-base-delay")
	cfg.LogRetryMaxDelay = viper.GetDuration("log-retry-max-delay")
	cfg.LogRetryMultiplier = viper.GetFloat64("log-retry-multiplier")

	cfg.ClientTimeout = viper.GetDuration("client-timeout")
	cfg.ClientTrustFile = viper.GetString("client-trust-file")
	cfg.ClientInsecureSkipVerify = viper.GetBool("client-insecure-skip-verify")
	cfg.ConnguardEnabled = viper.GetBool("connguard")
	cfg.ConnguardFailureThreshold = viper.GetInt("connguard-threshold")
	cfg.ConnguardFailureWindow = viper.GetDuration("connguard-window")
	cfg.ConnguardBlockDuration = viper.GetDuration("connguard-block")
	cfg.ConnguardHandshakeTimeout = viper.GetDuration("connguard-handshake-timeout")
	if maxBody := viper.GetString("max-body"); maxBody != "" {
		size, err := humanize.ParseBytes(maxBody)
		if err != nil {
			return fmt.Errorf("parse max-body: %w", err)
		}
		cfg.MaxBodyBytes = int64(size)
	}
	cfg.ShutdownTimeout = viper.GetDuration("shutdown-timeout")
	return cfg.Validate()
}

// resolveKeyringPath returns the configured keyring, falling back to the
// default location when no inline keys were given and the file exists.
func resolveKeyringPath(fallback bool) (string, error) {
	if path := strings.TrimSpace(viper.GetString("keyring")); path != "" {
		return expandPath(path)
	}
	if !fallback {
		return "", nil
	}
	path, err := txd.DefaultKeyringPath()
	if err != nil {
		return "", nil
	}
	if _, err := os.Stat(path); err != nil {
		return "", nil
	}
	return path, nil
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
