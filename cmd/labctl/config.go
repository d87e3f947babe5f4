package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// fileConfig is the on-disk labctl configuration.
type fileConfig struct {
	ServerURL string `yaml:"server_url"`
	Token     string `yaml:"token"`
}

// defaultConfigPath is ~/.config/lab_power/labctl.yaml, or the
// equivalent under the user config directory of the platform.
func defaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "labctl.yaml"
	}
	return filepath.Join(dir, "lab_power", "labctl.yaml")
}

// loadFileConfig reads path. A missing file is an empty configuration.
func loadFileConfig(path string) (fileConfig, error) {
	var cfg fileConfig
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// saveFileConfig writes cfg to path, readable only by the owner since it
// holds the API token.
func saveFileConfig(path string, cfg fileConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// resolve picks the first non-blank value: flag, then environment, then
// the config file.
func resolve(flag, env, file string) string {
	for _, v := range []string{flag, env, file} {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
