// Package config loads the sendguard TOML configuration file and applies
// defaults for anything the file leaves unset.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/campaignforge/sendguard/internal/policy"
	"github.com/campaignforge/sendguard/internal/quota"
	"github.com/campaignforge/sendguard/internal/store"
	"github.com/campaignforge/sendguard/internal/verify"
	"github.com/campaignforge/sendguard/internal/warmup"
)

// maxConfigFileSize bounds what we are willing to parse.
const maxConfigFileSize = 1 << 20

// Config is the application configuration.
type Config struct {
	Server struct {
		Hostname string `toml:"hostname"`
		Listen   string `toml:"listen"`
	} `toml:"server"`

	Logging struct {
		Level  string `toml:"level"`  // debug, info, warn, error
		Format string `toml:"format"` // text or json
	} `toml:"logging"`

	Store store.Config `toml:"store"`

	Verify verify.Config `toml:"verify"`

	Warmup warmup.Config `toml:"warmup"`

	Policy policy.Config `toml:"policy"`

	// Tenants maps tenant ids to plan tier names for deployments without
	// an external billing source.
	Tenants map[string]string `toml:"tenants"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Hostname = "localhost"
	cfg.Server.Listen = ":8825"

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "text"

	cfg.Store = store.Config{Type: "memory", Prefix: "sendguard"}
	cfg.Verify = verify.DefaultConfig()
	cfg.Warmup = warmup.DefaultConfig()
	cfg.Policy = policy.DefaultConfig()

	return cfg
}

// FindConfigFile looks for a configuration file in common locations.
func FindConfigFile(configPath string) (string, error) {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			return configPath, nil
		}
		return "", fmt.Errorf("config file not found at specified path: %s", configPath)
	}

	locations := []string{
		"./sendguard.conf",
		"./config/sendguard.conf",
		os.ExpandEnv("$HOME/.sendguard.conf"),
		"/etc/sendguard/sendguard.conf",
	}

	for _, loc := range locations {
		if _, err := os.Stat(loc); err == nil {
			return loc, nil
		}
	}

	return "", fmt.Errorf("no config file found")
}

// LoadConfig loads a configuration from a file. A missing file is not an
// error when no explicit path was given: defaults are returned so the
// service can run standalone.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	configFile, err := FindConfigFile(configPath)
	if err != nil {
		if configPath != "" {
			return nil, err
		}
		slog.Info("no config file found, using defaults")
		return cfg, nil
	}

	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if len(data) > maxConfigFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max: %d)", len(data), maxConfigFileSize)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing TOML configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the service cannot run with.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging level: %s", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("invalid logging format: %s", c.Logging.Format)
	}
	switch c.Store.Type {
	case "", "memory", "redis", "memcached":
	default:
		return fmt.Errorf("invalid store type: %s", c.Store.Type)
	}
	if c.Server.Listen == "" {
		return fmt.Errorf("server listen address must not be empty")
	}
	for tenant, tier := range c.Tenants {
		switch quota.Tier(tier) {
		case quota.TierFree, quota.TierStart, quota.TierGrowth, quota.TierPro, quota.TierAgency:
		default:
			return fmt.Errorf("tenant %s has unknown plan tier: %s", tenant, tier)
		}
	}
	return nil
}

// TierSource converts the inline tenant table to a quota.TierSource.
func (c *Config) TierSource() quota.StaticTiers {
	tiers := make(quota.StaticTiers, len(c.Tenants))
	for tenant, tier := range c.Tenants {
		tiers[tenant] = quota.Tier(tier)
	}
	return tiers
}

// SlogLevel maps the configured level string to a slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger builds the process logger per the logging section.
func (c *Config) NewLogger() *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	var handler slog.Handler
	if strings.ToLower(c.Logging.Format) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
