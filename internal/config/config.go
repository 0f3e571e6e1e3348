// Package config loads engine configuration from a YAML file with
// environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the full engine configuration.
type Config struct {
	LogLevel    string `yaml:"log_level"`
	DatabaseURL Secret `yaml:"database_url"`
	RedisURL    Secret `yaml:"redis_url"`

	// MasterKey is the 32-byte base64 master encryption key used to
	// unwrap per-user data encryption keys.
	MasterKey Secret `yaml:"master_key"`

	// ProxyPool lists egress proxy URLs shared by bots without an
	// explicit proxy override.
	ProxyPool []string `yaml:"proxy_pool"`

	Testnet   bool `yaml:"testnet"`
	GeoBypass bool `yaml:"geo_bypass"`

	// StateDir holds the per-bot JSON state files.
	StateDir string `yaml:"state_dir"`

	MetricsAddr string `yaml:"metrics_addr"`
}

// Load reads the YAML file at path (optional, may be empty), applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := &Config{
		LogLevel:    "info",
		StateDir:    "data",
		MetricsAddr: ":9102",
	}

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.DatabaseURL = Secret(v)
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.RedisURL = Secret(v)
	}
	if v := os.Getenv("MASTER_ENCRYPTION_KEY"); v != "" {
		c.MasterKey = Secret(v)
	}
	if v := os.Getenv("BINANCE_PROXY_POOL"); v != "" {
		c.ProxyPool = c.ProxyPool[:0]
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				c.ProxyPool = append(c.ProxyPool, p)
			}
		}
	}
	if v := os.Getenv("BINANCE_TESTNET"); v != "" {
		c.Testnet = parseBool(v)
	}
	if v := os.Getenv("IGNORE_GEO_CHECK"); v != "" {
		c.GeoBypass = parseBool(v)
	}
	if v := os.Getenv("STATE_DIR"); v != "" {
		c.StateDir = v
	}
	if v := os.Getenv("METRICS_ADDR"); v != "" {
		c.MetricsAddr = v
	}
}

func (c *Config) validate() error {
	if !c.DatabaseURL.IsSet() {
		return fmt.Errorf("database_url is required")
	}
	if !c.RedisURL.IsSet() {
		return fmt.Errorf("redis_url is required")
	}
	if !c.MasterKey.IsSet() {
		return fmt.Errorf("master_key is required")
	}
	if c.StateDir == "" {
		return fmt.Errorf("state_dir is required")
	}
	return nil
}

func parseBool(v string) bool {
	b, err := strconv.ParseBool(strings.ToLower(v))
	return err == nil && b
}
