package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"pkt.systems/txd"
	"pkt.systems/txd/internal/correlation"
	"pkt.systems/txd/internal/keyring"
	"pkt.systems/txd/internal/tcclient"
	"pkt.systems/txd/internal/txn"
)

const (
	clientServerKey       = "client.server"
	clientSessionKey      = "client.session"
	clientTimeoutKey      = "client.timeout"
	clientTrustFileKey    = "client.trust_file"
	clientInsecureKey     = "client.insecure_skip_verify"
	clientCorrelationKey  = "client.correlation_id"
	envTxnID              = "TXD_TXN_ID"
	envClientSession      = "TXD_CLIENT_SESSION"
	envClientServer       = "TXD_CLIENT_SERVER"
	envClientCorrelation  = "TXD_CLIENT_CORRELATION_ID"
	envClientTimeout      = "TXD_CLIENT_TIMEOUT"
	envClientTrustFile    = "TXD_CLIENT_TRUST_FILE"
	envClientInsecureSkip = "TXD_CLIENT_INSECURE_SKIP_VERIFY"
)

var defaultClientServer = "http://127.0.0.1" + txd.DefaultListen

func newTxnCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "txn",
		Short:        "Drive transactions on a running coordinator",
		SilenceUsage: true,
		Example: `
  eval "$(txd txn begin)"
  txd txn exec spaces kv.put '{"key":"space/1","value":{"name":"s1"}}'
  txd txn exec projects kv.put '{"key":"project/1","value":{"space":"space/1"}}'
  txd txn commit
`,
	}
	flags := cmd.PersistentFlags()
	flags.String("server", defaultClientServer, "coordinator base URL")
	flags.String("session", "", "session token identifying this caller (default host-pid)")
	flags.Duration("timeout", tcclient.DefaultTimeout, "HTTP client timeout")
	flags.String("trust-file", "", "PEM bundle of CAs trusted for https servers")
	flags.Bool("insecure-skip-verify", false, "skip TLS verification")
	flags.String("correlation-id", "", "correlation id forwarded to the coordinator")

	mustBindFlag(clientServerKey, envClientServer, flags.Lookup("server"))
	mustBindFlag(clientSessionKey, envClientSession, flags.Lookup("session"))
	mustBindFlag(clientTimeoutKey, envClientTimeout, flags.Lookup("timeout"))
	mustBindFlag(clientTrustFileKey, envClientTrustFile, flags.Lookup("trust-file"))
	mustBindFlag(clientInsecureKey, envClientInsecureSkip, flags.Lookup("insecure-skip-verify"))
	mustBindFlag(clientCorrelationKey, envClientCorrelation, flags.Lookup("correlation-id"))

	cmd.AddCommand(
		newTxnBeginCommand(),
		newTxnExecCommand(),
		newTxnCommitCommand(),
		newTxnRollbackCommand(),
		newTxnActiveCommand(),
		newTxnRecoverCommand(),
	)
	return cmd
}

func mustBindFlag(key, env string, flag *pflag.Flag) {
	if flag == nil {
		panic(fmt.Sprintf("flag for key %s not found", key))
	}
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
	if err := viper.BindEnv(key, env); err != nil {
		panic(err)
	}
}

type txnClient struct {
	coord *tcclient.CoordinatorClient
	creds txn.Credentials
}

func newTxnClient(cmd *cobra.Command) (*txnClient, error) {
	clientCfg := tcclient.Config{
		Timeout:            viper.GetDuration(clientTimeoutKey),
		InsecureSkipVerify: viper.GetBool(clientInsecureKey),
	}
	if path := strings.TrimSpace(viper.GetString(clientTrustFileKey)); path != "" {
		pem, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read trust file: %w", err)
		}
		clientCfg.TrustPEM = [][]byte{pem}
	}
	httpClient, err := tcclient.NewHTTPClient(clientCfg)
	if err != nil {
		return nil, err
	}
	coord, err := tcclient.NewCoordinatorClient(viper.GetString(clientServerKey), httpClient)
	if err != nil {
		return nil, err
	}
	keys, err := clientKeys()
	if err != nil {
		return nil, err
	}
	session := strings.TrimSpace(viper.GetString(clientSessionKey))
	if session == "" {
		// The parent pid keeps the session stable across commands run from one shell.
		host, _ := os.Hostname()
		session = fmt.Sprintf("%s-%d", host, os.Getppid())
	}
	if id := strings.TrimSpace(viper.GetString(clientCorrelationKey)); id != "" {
		cmd.SetContext(correlation.With(cmd.Context(), id))
	}
	return &txnClient{
		coord: coord,
		creds: txn.Credentials{
			SessionToken:          session,
			InteractiveSessionKey: keys.InteractiveSessionKey,
			CoordinatorKey:        keys.CoordinatorKey,
		},
	}, nil
}

// clientKeys resolves keys from flags or environment first, then the keyring.
func clientKeys() (keyring.Keys, error) {
	keys := keyring.Keys{
		InteractiveSessionKey: viper.GetString("interactive-session-key"),
		CoordinatorKey:        viper.GetString("coordinator-key"),
	}
	if keys.InteractiveSessionKey != "" {
		return keys, nil
	}
	path, err := resolveKeyringPath(true)
	if err != nil {
		return keyring.Keys{}, err
	}
	if path == "" {
		return keyring.Keys{}, errors.New("no interactive session key: set --interactive-session-key, TXD_INTERACTIVE_SESSION_KEY or --keyring")
	}
	return keyring.Load(path)
}

func addTxnIDFlag(cmd *cobra.Command, target *string) {
	cmd.Flags().StringVar(target, "txn", "", "transaction id (defaults to $"+envTxnID+")")
}

func resolveTxnID(flagValue string) (txn.ID, error) {
	raw := strings.TrimSpace(flagValue)
	if raw == "" {
		raw = strings.TrimSpace(os.Getenv(envTxnID))
	}
	if raw == "" {
		return txn.ID{}, fmt.Errorf("transaction id required (--txn or %s)", envTxnID)
	}
	return txn.ParseID(raw)
}

func newTxnBeginCommand() *cobra.Command {
	var rawID string
	cmd := &cobra.Command{
		Use:   "begin",
		Short: "Begin a transaction and print its id as a shell export",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			id := txn.NewID()
			if rawID != "" {
				parsed, err := txn.ParseID(rawID)
				if err != nil {
					return err
				}
				id = parsed
			}
			client, err := newTxnClient(cmd)
			if err != nil {
				return err
			}
			if err := client.coord.BeginTransaction(cmd.Context(), id, client.creds); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "export %s=%s\n", envTxnID, id)
			return err
		},
	}
	cmd.Flags().StringVar(&rawID, "id", "", "use this transaction id instead of a generated one")
	return cmd
}

func newTxnExecCommand() *cobra.Command {
	var rawID, argsFile string
	cmd := &cobra.Command{
		Use:   "exec <participant> <operation> [args-json]",
		Short: "Run an operation inside the transaction and print its result",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := resolveTxnID(rawID)
			if err != nil {
				return err
			}
			opArgs, err := readOperationArgs(cmd.InOrStdin(), args[2:], argsFile)
			if err != nil {
				return err
			}
			client, err := newTxnClient(cmd)
			if err != nil {
				return err
			}
			result, err := client.coord.ExecuteOperation(cmd.Context(), id, client.creds, args[0], args[1], opArgs)
			if err != nil {
				return err
			}
			if len(result) == 0 {
				return nil
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\n", result)
			return err
		},
	}
	addTxnIDFlag(cmd, &rawID)
	cmd.Flags().StringVarP(&argsFile, "args-file", "f", "", "read operation args from a file (- for stdin)")
	return cmd
}

func readOperationArgs(stdin io.Reader, positional []string, file string) (json.RawMessage, error) {
	var data []byte
	switch {
	case len(positional) > 0 && file != "":
		return nil, errors.New("pass args inline or with --args-file, not both")
	case len(positional) > 0:
		data = []byte(positional[0])
	case file == "-":
		var err error
		if data, err = io.ReadAll(stdin); err != nil {
			return nil, fmt.Errorf("read args: %w", err)
		}
	case file != "":
		var err error
		if data, err = os.ReadFile(file); err != nil {
			return nil, fmt.Errorf("read args: %w", err)
		}
	default:
		return nil, nil
	}
	data = []byte(strings.TrimSpace(string(data)))
	if len(data) == 0 {
		return nil, nil
	}
	if !json.Valid(data) {
		return nil, errors.New("operation args must be valid JSON")
	}
	return json.RawMessage(data), nil
}

func newTxnCommitCommand() *cobra.Command {
	var rawID string
	cmd := &cobra.Command{
		Use:   "commit",
		Short: "Commit the transaction on every enlisted participant",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := resolveTxnID(rawID)
			if err != nil {
				return err
			}
			client, err := newTxnClient(cmd)
			if err != nil {
				return err
			}
			if err := client.coord.CommitTransaction(cmd.Context(), id, client.creds); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "committed %s\n", id)
			return err
		},
	}
	addTxnIDFlag(cmd, &rawID)
	return cmd
}

func newTxnRollbackCommand() *cobra.Command {
	var rawID string
	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Roll the transaction back on every enlisted participant",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := resolveTxnID(rawID)
			if err != nil {
				return err
			}
			client, err := newTxnClient(cmd)
			if err != nil {
				return err
			}
			if err := client.coord.RollbackTransaction(cmd.Context(), id, client.creds); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "rolled back %s\n", id)
			return err
		},
	}
	addTxnIDFlag(cmd, &rawID)
	return cmd
}

func newTxnActiveCommand() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "active",
		Short: "List the coordinator's active transactions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newTxnClient(cmd)
			if err != nil {
				return err
			}
			active, err := client.coord.Active(cmd.Context(), client.creds)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(active)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TXN\tSTATE\tPARTICIPANTS\tSTARTED\tLAST ACCESS")
			now := time.Now()
			for _, t := range active.Transactions {
				state := t.State
				if t.Busy != "" {
					state = "busy(" + t.Busy + ")"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", t.TxnID, state, strings.Join(t.Participants, ","), relTime(t.StartedAt, now), relTime(t.LastAccessed, now))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw response as JSON")
	return cmd
}

func relTime(t, now time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.RelTime(t, now, "ago", "from now")
}

func newTxnRecoverCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Show which transactions the coordinator reports as committed or pending",
		Long:  "Requires both keys, like a recovering participant.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newTxnClient(cmd)
			if err != nil {
				return err
			}
			set, err := client.coord.RecoverTransactions(cmd.Context(), client.creds)
			if err != nil {
				return err
			}
			out := struct {
				Committed []txn.ID `json:"committed"`
				Pending   []txn.ID `json:"pending"`
			}{Committed: set.Committed, Pending: set.Pending}
			if out.Committed == nil {
				out.Committed = []txn.ID{}
			}
			if out.Pending == nil {
				out.Pending = []txn.ID{}
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	return cmd
}
