package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"ambassador/pkg/logging"

	"gopkg.in/yaml.v3"
)

const configFileName = "config.yaml"

// DefaultConfigPath returns the default config directory under the user's
// home, mirroring the teacher's GetDefaultConfigPathOrPanic but returning
// an error instead of panicking (no interactive caller to show a panic to).
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine user config directory: %w", err)
	}
	return filepath.Join(home, ".config", "ambassador"), nil
}

// Load reads config.yaml from configPath, falling back to DefaultConfig for
// any field the file omits and for the file itself if it does not exist.
func Load(configPath string) (Config, error) {
	cfg := DefaultConfig()

	filePath := filepath.Join(configPath, configFileName)
	data, err := os.ReadFile(filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logging.Info("Config", "no config.yaml at %s, using defaults", filePath)
			return cfg, nil
		}
		return Config{}, fmt.Errorf("reading %s: %w", filePath, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing %s: %w", filePath, err)
	}

	logging.Info("Config", "loaded configuration from %s", filePath)
	return cfg, nil
}
