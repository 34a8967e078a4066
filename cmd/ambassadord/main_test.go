package main

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExitCodeFor_MapsErrorKinds(t *testing.T) {
	assert.Equal(t, ExitMisconfigured, exitCodeFor(misconfig(errors.New("bad flag"))))
	assert.Equal(t, ExitMigrationFail, exitCodeFor(migrationFailure(errors.New("migration broke"))))
	assert.Equal(t, ExitGenericError, exitCodeFor(errors.New("anything else")))
}

func TestExitCodeFor_UnwrapsWrappedErrors(t *testing.T) {
	wrapped := errors.Join(errors.New("context"), misconfig(errors.New("inner")))
	assert.Equal(t, ExitMisconfigured, exitCodeFor(wrapped))
}

func TestRootCommand_HasServeAndAdminSubcommands(t *testing.T) {
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newAdminCmd())

	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["serve"])
	assert.True(t, names["admin"])
	assert.True(t, rootCmd.SilenceUsage)
}
