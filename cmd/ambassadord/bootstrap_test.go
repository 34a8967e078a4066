package main

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrCreateSessionSecret_GeneratesAndPersists(t *testing.T) {
	dir := t.TempDir()

	secret, err := loadOrCreateSessionSecret(dir)
	require.NoError(t, err)
	assert.True(t, len(secret) >= 32)

	again, err := loadOrCreateSessionSecret(dir)
	require.NoError(t, err)
	assert.Equal(t, secret, again, "restarting must not rotate the secret")
}

func TestLoadOrCreateSessionSecret_PrefersEnvOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("ADMIN_SESSION_SECRET", "this-is-a-thirty-two-byte-secret!!")

	secret, err := loadOrCreateSessionSecret(dir)
	require.NoError(t, err)
	assert.Equal(t, "this-is-a-thirty-two-byte-secret!!", string(secret))

	_, statErr := os.Stat(filepath.Join(dir, sessionSecretFile))
	assert.True(t, os.IsNotExist(statErr), "env override must not also write a file")
}

func TestLoadOrCreateSessionSecret_RejectsShortEnvValue(t *testing.T) {
	t.Setenv("ADMIN_SESSION_SECRET", "too-short")
	_, err := loadOrCreateSessionSecret(t.TempDir())
	assert.Error(t, err)
}

func TestLoadOrCreateMasterKey_GeneratesValidHexAndPersists(t *testing.T) {
	dir := t.TempDir()

	key, err := loadOrCreateMasterKey(dir)
	require.NoError(t, err)
	assert.Len(t, key, masterKeyBytes)

	raw, err := os.ReadFile(filepath.Join(dir, masterKeyFile))
	require.NoError(t, err)
	decoded, err := hex.DecodeString(string(raw))
	require.NoError(t, err)
	assert.Equal(t, key, decoded)

	again, err := loadOrCreateMasterKey(dir)
	require.NoError(t, err)
	assert.Equal(t, key, again)
}

func TestLoadOrCreateMasterKey_RejectsCorruptFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, masterKeyFile), []byte("not-hex"), 0o600))

	_, err := loadOrCreateMasterKey(dir)
	assert.Error(t, err)
}

func TestEnsureDataDir_CreatesNestedPath(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "data")
	require.NoError(t, ensureDataDir(dir))
	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}
