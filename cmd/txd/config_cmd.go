package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/txd"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage txd configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath, role string
	var force, stdout bool
	defaultOutput := "$HOME/.txd/" + txd.DefaultConfigFileName
	if dir, err := txd.DefaultConfigDir(); err == nil {
		defaultOutput = filepath.Join(dir, txd.DefaultConfigFileName)
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default txd configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			data, err := defaultConfigYAML(role)
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if outPath == "" {
				dir, err := txd.DefaultConfigDir()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = filepath.Join(dir, txd.DefaultConfigFileName)
			}
			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().StringVar(&role, "role", txd.DefaultRole, "role the generated config is for (coordinator, participant, all)")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

type participantDefaults struct {
	ID  string `yaml:"id"`
	URL string `yaml:"url"`
}

type configDefaults struct {
	Role                string                `yaml:"role"`
	Listen              string                `yaml:"listen"`
	Keyring             string                `yaml:"keyring,omitempty"`
	MetricsListen       string                `yaml:"metrics-listen"`
	CoordinatorLogStore string                `yaml:"coordinator-log-store,omitempty"`
	Participants        []participantDefaults `yaml:"participants,omitempty"`
	MaxTransactions     int                   `yaml:"max-transactions,omitempty"`
	TransactionTimeout  string                `yaml:"transaction-timeout,omitempty"`
	ReaperInterval      string                `yaml:"reaper-interval,omitempty"`
	AbandonGrace        string                `yaml:"abandon-grace,omitempty"`
	CommitAttempts      int                   `yaml:"commit-attempts,omitempty"`
	CommitBaseDelay     string                `yaml:"commit-base-delay,omitempty"`
	CommitMaxDelay      string                `yaml:"commit-max-delay,omitempty"`
	ParticipantID       string                `yaml:"participant-id,omitempty"`
	Provider            string                `yaml:"provider,omitempty"`
	ParticipantLogStore string                `yaml:"participant-log-store,omitempty"`
	CoordinatorURL      string                `yaml:"coordinator-url,omitempty"`
	RecoveryInterval    string                `yaml:"recovery-interval,omitempty"`
	TerminalRetention   string                `yaml:"terminal-retention,omitempty"`
	LogRetryAttempts    int                   `yaml:"log-retry-attempts"`
	ClientTimeout       string                `yaml:"client-timeout"`
	Connguard           bool                  `yaml:"connguard"`
	ConnguardThreshold  int                   `yaml:"connguard-threshold"`
	MaxBody             string                `yaml:"max-body"`
	ShutdownTimeout     string                `yaml:"shutdown-timeout"`
	LogLevel            string                `yaml:"log-level"`
}

func defaultConfigYAML(role string) ([]byte, error) {
	cfg := configDefaults{
		Role:               role,
		Listen:             txd.DefaultListen,
		MetricsListen:      txd.DefaultMetricsListen,
		LogRetryAttempts:   txd.DefaultLogRetryMaxAttempts,
		ClientTimeout:      txd.DefaultClientTimeout.String(),
		Connguard:          true,
		ConnguardThreshold: txd.DefaultConnguardFailureThreshold,
		MaxBody:            humanizeBytes(txd.DefaultMaxBodyBytes),
		ShutdownTimeout:    txd.DefaultShutdownTimeout.String(),
		LogLevel:           "info",
	}
	if path, err := txd.DefaultKeyringPath(); err == nil {
		cfg.Keyring = path
	}
	dataDir := "/var/lib/txd"
	if dir, err := txd.DefaultDataDir(); err == nil {
		dataDir = dir
	}
	coordinator := role == txd.RoleCoordinator || role == txd.RoleAll
	participant := role == txd.RoleParticipant || role == txd.RoleAll
	if !coordinator && !participant {
		return nil, fmt.Errorf("role must be %s, %s or %s", txd.RoleCoordinator, txd.RoleParticipant, txd.RoleAll)
	}
	if coordinator {
		cfg.CoordinatorLogStore = "disk://" + filepath.Join(dataDir, "coordinator")
		cfg.MaxTransactions = txd.DefaultMaxTransactions
		cfg.TransactionTimeout = txd.DefaultTransactionTimeout.String()
		cfg.ReaperInterval = txd.DefaultReaperInterval.String()
		cfg.AbandonGrace = txd.DefaultAbandonGrace.String()
		cfg.CommitAttempts = txd.DefaultCommitMaxAttempts
		cfg.CommitBaseDelay = txd.DefaultCommitBaseDelay.String()
		cfg.CommitMaxDelay = txd.DefaultCommitMaxDelay.String()
		if role == txd.RoleCoordinator {
			cfg.Participants = []participantDefaults{{ID: "rm1", URL: "http://127.0.0.1:9442"}}
		}
	}
	if participant {
		cfg.ParticipantID = txd.DefaultParticipantID
		cfg.Provider = txd.DefaultProvider
		cfg.ParticipantLogStore = "disk://" + filepath.Join(dataDir, "participant-"+txd.DefaultParticipantID)
		cfg.RecoveryInterval = txd.DefaultRecoveryInterval.String()
		cfg.TerminalRetention = txd.DefaultTerminalRetention.String()
		if role == txd.RoleParticipant {
			cfg.CoordinatorURL = "http://127.0.0.1" + txd.DefaultListen
		}
	}
	return yaml.Marshal(cfg)
}
