package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/txd"
	"pkt.systems/txd/internal/keyring"
)

func newKeysCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage the shared interactive session and coordinator keys",
	}
	cmd.AddCommand(newKeysGenCommand())
	return cmd
}

func newKeysGenCommand() *cobra.Command {
	var outPath string
	var force, stdout bool
	defaultOutput := "$HOME/.txd/" + txd.DefaultKeyringFileName
	if path, err := txd.DefaultKeyringPath(); err == nil {
		defaultOutput = path
	}
	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a keyring with fresh random keys",
		Long:  "Every coordinator and participant of one deployment must share the same keyring. Servers started with --keyring reload it when the file changes.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			keys, err := keyring.Generate()
			if err != nil {
				return err
			}
			if stdout {
				data, err := yaml.Marshal(keys)
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			if outPath == "" {
				if outPath, err = txd.DefaultKeyringPath(); err != nil {
					return fmt.Errorf("resolve keyring path: %w", err)
				}
			}
			if err := os.MkdirAll(filepath.Dir(outPath), 0o700); err != nil {
				return fmt.Errorf("create keyring dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("keyring %s already exists (use --force to rotate)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat keyring: %w", err)
				}
			}
			if err := keyring.Save(outPath, keys); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote keyring to %s\n", outPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing keyring")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the keyring instead of writing a file")
	return cmd
}
