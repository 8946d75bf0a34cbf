package main

import (
	"errors"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"librastock/internal/config"
	"librastock/internal/logging"
)

const version = "0.4.0"

// Global flag values.
var (
	flagConfig string
	flagJSON   bool
)

// Set by PersistentPreRunE for every command that needs configuration.
var (
	cfg    *config.Config
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:           "librastock",
	Short:         "Keeps shelf counts, book placement and loans consistent",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Annotations[skipConfig] == "true" {
			return nil
		}
		loaded, err := config.Load(flagConfig)
		if err != nil {
			return userError(err)
		}
		log, err := logging.New(os.Stderr, loaded.Log.Level)
		if err != nil {
			return userError(err)
		}
		cfg, logger = loaded, log
		return nil
	},
}

// skipConfig marks commands that run without loading configuration.
const skipConfig = "skip-config"

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "config file (default: ./librastock.yaml when present)")
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "print results as JSON instead of YAML")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(driftCmd)
	rootCmd.AddCommand(repairCmd)
	rootCmd.AddCommand(capacityCmd)
	rootCmd.AddCommand(chaosCmd)
	rootCmd.AddCommand(hashTokenCmd)
}

type cliError struct {
	code int
	err  error
}

func (e *cliError) Error() string { return e.err.Error() }
func (e *cliError) Unwrap() error { return e.err }

func userError(err error) error {
	return &cliError{code: exitUserError, err: err}
}

func exitCode(err error) int {
	var ce *cliError
	if errors.As(err, &ce) {
		return ce.code
	}
	return exitSysError
}
