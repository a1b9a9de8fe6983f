// Package clientcli implements the client side of the Capsule API:
// configuration, pre-signed request construction, and the object
// operations used by the capsule-cli command.
package clientcli

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config holds client connection settings. AccessKey and SecretKey are
// the target bucket's credential pair.
type Config struct {
	Server    string `yaml:"server"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

// DefaultConfigPath returns ~/.capsule/config.yaml, or "" when the home
// directory cannot be determined.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".capsule", "config.yaml")
}

// LoadConfigFromFile reads a YAML config file.
func LoadConfigFromFile(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &cfg, nil
}

// SaveConfigFile writes the config to path, creating parent directories.
func SaveConfigFile(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, raw, 0o600)
}

// ConfigFromEnv reads connection settings from CAPSULE_* environment
// variables.
func ConfigFromEnv() *Config {
	return &Config{
		Server:    os.Getenv("CAPSULE_SERVER"),
		Bucket:    os.Getenv("CAPSULE_BUCKET"),
		AccessKey: os.Getenv("CAPSULE_ACCESS_KEY"),
		SecretKey: os.Getenv("CAPSULE_SECRET_KEY"),
	}
}

// MergeConfig overlays configs in order; later non-empty fields win.
func MergeConfig(configs ...*Config) *Config {
	merged := &Config{}
	for _, c := range configs {
		if c == nil {
			continue
		}
		if c.Server != "" {
			merged.Server = c.Server
		}
		if c.Bucket != "" {
			merged.Bucket = c.Bucket
		}
		if c.AccessKey != "" {
			merged.AccessKey = c.AccessKey
		}
		if c.SecretKey != "" {
			merged.SecretKey = c.SecretKey
		}
	}
	return merged
}
