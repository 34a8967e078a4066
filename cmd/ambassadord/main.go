// Command ambassadord is the ambassador server CLI: `serve` runs the HTTP
// gateway, `admin` manages the single admin key's lifecycle out of band.
//
// Grounded on the teacher's cmd/root.go (root command shape, SilenceUsage,
// exit-code dispatch via a getExitCode helper) and cmd/serve.go
// (flags-to-config-to-Application wiring), collapsed from muster's
// multi-package cmd/ layout into one package since this binary has far
// fewer subcommands than the teacher's CLI+TUI surface.
package main

import (
	"errors"
	"os"

	"github.com/spf13/cobra"
)

// Exit codes per spec.md §6.
const (
	ExitSuccess       = 0
	ExitGenericError  = 1
	ExitMisconfigured = 2
	ExitMigrationFail = 3
)

// misconfigError marks an error as exit code 2 (bad config/flags/env),
// distinct from a generic runtime failure.
type misconfigError struct{ err error }

func (e *misconfigError) Error() string { return e.err.Error() }
func (e *misconfigError) Unwrap() error { return e.err }

func misconfig(err error) error {
	if err == nil {
		return nil
	}
	return &misconfigError{err}
}

// migrationError marks an error as exit code 3 (database migration
// failure), per store.Open's documented contract.
type migrationError struct{ err error }

func (e *migrationError) Error() string { return e.err.Error() }
func (e *migrationError) Unwrap() error { return e.err }

func migrationFailure(err error) error {
	if err == nil {
		return nil
	}
	return &migrationError{err}
}

var rootCmd = &cobra.Command{
	Use:           "ambassadord",
	Short:         "MCP Ambassador: a trust-boundary gateway in front of downstream MCP servers",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var version = "dev"

func main() {
	rootCmd.Version = version
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newAdminCmd())

	if err := rootCmd.Execute(); err != nil {
		cmd, _, _ := rootCmd.Find(os.Args[1:])
		if cmd != nil {
			cmd.PrintErrln("error:", err)
		}
		os.Exit(exitCodeFor(err))
	}
}

func exitCodeFor(err error) int {
	var mis *misconfigError
	if errors.As(err, &mis) {
		return ExitMisconfigured
	}
	var mig *migrationError
	if errors.As(err, &mig) {
		return ExitMigrationFail
	}
	return ExitGenericError
}
