// Package config loads the daemon configuration from an optional YAML
// file, applies defaults, and lets environment variables override the
// fields that matter in container deployments.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "2s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std converts to time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the daemon configuration.
type Config struct {
	Listen   string `yaml:"listen"`
	LogLevel string `yaml:"log_level"`

	CA struct {
		CommonName string   `yaml:"common_name"`
		CertTTL    Duration `yaml:"cert_ttl"`
		Dir        string   `yaml:"dir"` // persist the CA keypair here when set
	} `yaml:"ca"`

	Registry struct {
		CommonName string `yaml:"common_name"`
	} `yaml:"registry"`

	OCSP struct {
		Enabled      *bool    `yaml:"enabled"`
		Delegate     bool     `yaml:"delegate"`
		ResponderTTL Duration `yaml:"responder_ttl"`
		ClientTTL    Duration `yaml:"client_ttl"`
		Timeout      Duration `yaml:"timeout"`
	} `yaml:"ocsp"`

	Storage struct {
		Backend string `yaml:"backend"` // memory | postgres
		DSN     string `yaml:"dsn"`
	} `yaml:"storage"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.Listen = ":8080"
	cfg.LogLevel = "info"
	cfg.CA.CommonName = "ANS CA"
	cfg.CA.CertTTL = Duration(365 * 24 * time.Hour)
	cfg.Registry.CommonName = "ans-registry"
	cfg.OCSP.Delegate = true
	cfg.OCSP.ResponderTTL = Duration(time.Hour)
	cfg.OCSP.ClientTTL = Duration(10 * time.Minute)
	cfg.OCSP.Timeout = Duration(2 * time.Second)
	cfg.Storage.Backend = "memory"
	return cfg
}

// Load reads path (when non-empty) over the defaults, then applies
// environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("ANS_LISTEN"); v != "" {
		c.Listen = v
	}
	if v := os.Getenv("ANS_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("ANS_CA_DIR"); v != "" {
		c.CA.Dir = v
	}
	if v := os.Getenv("ANS_STORAGE_BACKEND"); v != "" {
		c.Storage.Backend = v
	}
	if v := os.Getenv("ANS_DB_DSN"); v != "" {
		c.Storage.DSN = v
	}
}

func (c *Config) validate() error {
	switch c.Storage.Backend {
	case "memory":
	case "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage backend postgres requires a dsn")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	return nil
}

// OCSPEnabled reports the toggle, defaulting to on.
func (c *Config) OCSPEnabled() bool {
	return c.OCSP.Enabled == nil || *c.OCSP.Enabled
}
