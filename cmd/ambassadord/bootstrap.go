package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

const (
	sessionSecretFile = ".session-secret"
	masterKeyFile     = "credential_master_key"

	sessionSecretBytes = 48 // keys.NewWithSecret requires at least 32 bytes
	masterKeyBytes     = 32
)

// loadOrCreateSessionSecret returns the HMAC secret used to sign session
// and bearer tokens (spec.md §6). ADMIN_SESSION_SECRET overrides the file
// on disk; otherwise a <dataDir>/.session-secret file is read if present,
// or generated and persisted (mode 0600) on first run so that restarting
// the process does not invalidate every live session.
func loadOrCreateSessionSecret(dataDir string) ([]byte, error) {
	if env := os.Getenv("ADMIN_SESSION_SECRET"); env != "" {
		if len(env) < 32 {
			return nil, fmt.Errorf("ADMIN_SESSION_SECRET must be at least 32 bytes, got %d", len(env))
		}
		return []byte(env), nil
	}

	path := filepath.Join(dataDir, sessionSecretFile)
	if data, err := os.ReadFile(path); err == nil {
		if len(data) < 32 {
			return nil, fmt.Errorf("%s is shorter than 32 bytes, refusing to use it", path)
		}
		return data, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	secret := make([]byte, sessionSecretBytes)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generating session secret: %w", err)
	}
	if err := os.WriteFile(path, secret, 0o600); err != nil {
		return nil, fmt.Errorf("writing %s: %w", path, err)
	}
	return secret, nil
}

// loadOrCreateMasterKey returns the 32-byte master key the credential
// vault (C3) derives per-user subkeys from. It is persisted hex-encoded at
// <dataDir>/credential_master_key (mode 0600) and generated once on first
// run, matching the file layout spec.md §6 names.
func loadOrCreateMasterKey(dataDir string) ([]byte, error) {
	path := filepath.Join(dataDir, masterKeyFile)
	if data, err := os.ReadFile(path); err == nil {
		key, decErr := hex.DecodeString(string(data))
		if decErr != nil || len(key) != masterKeyBytes {
			return nil, fmt.Errorf("%s does not contain a valid %d-byte hex key", path, masterKeyBytes)
		}
		return key, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	key := make([]byte, masterKeyBytes)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating master key: %w", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(key)), 0o600); err != nil {
		return nil, fmt.Errorf("writing %s: %w", path, err)
	}
	return key, nil
}

// ensureDataDir creates dataDir (and parents) if it does not already exist.
func ensureDataDir(dataDir string) error {
	return os.MkdirAll(dataDir, 0o700)
}
