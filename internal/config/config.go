// Package config loads and validates the integrity node's YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config captures runtime settings for a single-writer integrity chain node.
type Config struct {
	Server struct {
		Listen                 string `yaml:"listen"`
		ReadTimeoutSeconds     int    `yaml:"read_timeout_seconds"`
		WriteTimeoutSeconds    int    `yaml:"write_timeout_seconds"`
		ShutdownTimeoutSeconds int    `yaml:"shutdown_timeout_seconds"`
		MaxBodyBytes           int64  `yaml:"max_body_bytes"`
	} `yaml:"server"`

	Storage struct {
		Backend     string `yaml:"backend"`
		LedgerPath  string `yaml:"ledger_path"`
		PostgresDSN string `yaml:"postgres_dsn"`
		MaxConns    int32  `yaml:"max_conns"`
		MinConns    int32  `yaml:"min_conns"`
	} `yaml:"storage"`

	Keys struct {
		StorePath string `yaml:"store_path"`
	} `yaml:"keys"`

	Node struct {
		NodeID string `yaml:"node_id"`
	} `yaml:"node"`

	Security struct {
		WriteToken       string `yaml:"write_token"`
		EnableBearerAuth *bool  `yaml:"enable_bearer_auth"`
		AllowReload      *bool  `yaml:"allow_reload"`
		EnforceSecureTLS *bool  `yaml:"enforce_secure_transport"`
	} `yaml:"security"`

	Logging struct {
		Service string `yaml:"service"`
		Version string `yaml:"version"`
		Commit  string `yaml:"commit"`
		Region  string `yaml:"region"`
	} `yaml:"logging"`
}

// Backends accepted by storage.backend.
const (
	BackendFile     = "file"
	BackendPostgres = "postgres"
)

// Load reads and validates config from disk.
func Load(path string) (*Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}
	cfg.expandEnv()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = "127.0.0.1:8420"
	}
	if c.Server.ReadTimeoutSeconds <= 0 {
		c.Server.ReadTimeoutSeconds = 10
	}
	if c.Server.WriteTimeoutSeconds <= 0 {
		c.Server.WriteTimeoutSeconds = 20
	}
	if c.Server.ShutdownTimeoutSeconds <= 0 {
		c.Server.ShutdownTimeoutSeconds = 15
	}
	if c.Server.MaxBodyBytes <= 0 {
		c.Server.MaxBodyBytes = 2 << 20
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = BackendFile
	}
	if c.Storage.LedgerPath == "" {
		c.Storage.LedgerPath = "data/ledger.jsonl"
	}
	if c.Storage.MaxConns <= 0 {
		c.Storage.MaxConns = 10
	}
	if c.Storage.MinConns < 0 {
		c.Storage.MinConns = 0
	}
	if c.Keys.StorePath == "" {
		c.Keys.StorePath = "data/keystore.json"
	}
	if c.Node.NodeID == "" {
		c.Node.NodeID = "integrity-node-1"
	}
	if c.Security.EnableBearerAuth == nil {
		c.Security.EnableBearerAuth = boolPtr(true)
	}
	if c.Security.AllowReload == nil {
		c.Security.AllowReload = boolPtr(false)
	}
	if c.Security.EnforceSecureTLS == nil {
		c.Security.EnforceSecureTLS = boolPtr(true)
	}
	if c.Logging.Service == "" {
		c.Logging.Service = "integrity-node"
	}
	if c.Logging.Version == "" {
		c.Logging.Version = "dev"
	}
	if c.Logging.Commit == "" {
		c.Logging.Commit = "unknown"
	}
	if c.Logging.Region == "" {
		c.Logging.Region = "governance"
	}
}

func (c *Config) validate() error {
	switch c.Storage.Backend {
	case BackendFile:
		if c.Storage.LedgerPath == "" {
			return errors.New("storage.ledger_path is required for the file backend")
		}
	case BackendPostgres:
		if c.Storage.PostgresDSN == "" {
			return errors.New("storage.postgres_dsn is required for the postgres backend")
		}
		if *c.Security.EnforceSecureTLS && dsnUsesInsecureSSL(c.Storage.PostgresDSN) {
			return errors.New("storage.postgres_dsn must use sslmode=require|verify-ca|verify-full when enforce_secure_transport is enabled")
		}
	default:
		return fmt.Errorf("storage.backend must be one of %s|%s", BackendFile, BackendPostgres)
	}
	if c.Keys.StorePath == "" {
		return errors.New("keys.store_path is required")
	}
	if *c.Security.EnableBearerAuth && strings.TrimSpace(c.Security.WriteToken) == "" {
		return errors.New("security.write_token is required when bearer auth is enabled")
	}
	return nil
}

func (c *Config) expandEnv() {
	c.Storage.LedgerPath = os.ExpandEnv(strings.TrimSpace(c.Storage.LedgerPath))
	c.Storage.PostgresDSN = os.ExpandEnv(strings.TrimSpace(c.Storage.PostgresDSN))
	c.Keys.StorePath = os.ExpandEnv(strings.TrimSpace(c.Keys.StorePath))
	c.Security.WriteToken = os.ExpandEnv(strings.TrimSpace(c.Security.WriteToken))
}

func boolPtr(v bool) *bool {
	return &v
}
