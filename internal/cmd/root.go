// Package cmd implements the antegen CLI: the long-running execution daemon
// plus queue inspection commands.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/wuwei-labs/antegen/internal/observability"
)

// Exit codes surfaced to supervisors. Initialization failures are non-zero
// so an external supervisor restarts the process.
const (
	ExitOK              = 0
	ExitInvalidConfig   = 2
	ExitStorageFailure  = 3
	ExitIdentityFailure = 4
	ExitRuntimeFailure  = 5
)

var (
	configPath string
	logLevel   string
	logFormat  string
)

var rootCmd = &cobra.Command{
	Use:           "antegen",
	Short:         "Off-chain automation engine for the thread scheduler program",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return observability.Init(logLevel, logFormat)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file (YAML)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug|info|warn|error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "console", "Log format (json|console)")
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	defer observability.Sync()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		var coded *exitCodeError
		if ok := asExitCode(err, &coded); ok {
			return coded.code
		}
		return ExitRuntimeFailure
	}
	return ExitOK
}

// exitCodeError carries a specific process exit code up through cobra.
type exitCodeError struct {
	code int
	err  error
}

func (e *exitCodeError) Error() string { return e.err.Error() }
func (e *exitCodeError) Unwrap() error { return e.err }

func exitError(code int, message string, err error) error {
	return &exitCodeError{code: code, err: fmt.Errorf("%s: %w", message, err)}
}

func asExitCode(err error, target **exitCodeError) bool {
	for err != nil {
		if coded, ok := err.(*exitCodeError); ok {
			*target = coded
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
