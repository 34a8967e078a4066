package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().HTTP.Port, cfg.HTTP.Port)
	assert.Equal(t, DefaultConfig().Audit.Size, cfg.Audit.Size)
}

func TestLoad_OverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	yaml := []byte("data_dir: /tmp/custom\nhttp:\n  port: 9999\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), yaml, 0644))

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/custom", cfg.DataDir)
	assert.Equal(t, 9999, cfg.HTTP.Port)
	// Untouched fields keep their defaults.
	assert.Equal(t, "localhost", cfg.HTTP.Host)
}

func TestLoad_MalformedYAML(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("::::not yaml"), 0644))

	_, err := Load(dir)
	require.Error(t, err)
}
