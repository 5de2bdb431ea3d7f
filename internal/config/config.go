// Package config loads the bank daemon configuration from a TOML or YAML
// file, with BANKD_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration written as a string such as "2s".
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d *Duration) UnmarshalText(b []byte) error {
	raw := strings.TrimSpace(string(b))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) { return d.String(), nil }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be a string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

type StoreConfig struct {
	Backend string `toml:"backend" yaml:"backend"`
	Path    string `toml:"path" yaml:"path"`
}

type LogConfig struct {
	Level      string `toml:"level" yaml:"level"`
	File       string `toml:"file" yaml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" yaml:"max_age_days"`
}

type BootstrapConfig struct {
	Attempts uint64   `toml:"attempts" yaml:"attempts"`
	Initial  Duration `toml:"initial" yaml:"initial"`
	Max      Duration `toml:"max" yaml:"max"`
}

type RateLimitConfig struct {
	RPS   float64 `toml:"rps" yaml:"rps"`
	Burst int     `toml:"burst" yaml:"burst"`
}

// Config represents the daemon configuration.
type Config struct {
	Env        string `toml:"env" yaml:"env"`
	ListenAddr string `toml:"listen_addr" yaml:"listen_addr"`

	// LedgerPath is the ledger file the node persists to.
	LedgerPath string `toml:"ledger_path" yaml:"ledger_path"`
	// ContractAddress joins an existing contract. Empty deploys a new one.
	ContractAddress string `toml:"contract_address" yaml:"contract_address"`
	KeyDir          string `toml:"key_dir" yaml:"key_dir"`

	Store      StoreConfig     `toml:"store" yaml:"store"`
	Log        LogConfig       `toml:"log" yaml:"log"`
	Bootstrap  BootstrapConfig `toml:"bootstrap" yaml:"bootstrap"`
	RetryDelay Duration        `toml:"retry_delay" yaml:"retry_delay"`
	RateLimit  RateLimitConfig `toml:"rate_limit" yaml:"rate_limit"`

	ShutdownTimeout Duration `toml:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Env:        "development",
		ListenAddr: ":8080",
		LedgerPath: "ledger.json",
		KeyDir:     "keys",
		Store: StoreConfig{
			Backend: "leveldb",
			Path:    "privstore",
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Bootstrap: BootstrapConfig{
			Attempts: 5,
			Initial:  Duration{100 * time.Millisecond},
			Max:      Duration{2 * time.Second},
		},
		RetryDelay: Duration{2 * time.Second},
		RateLimit: RateLimitConfig{
			RPS:   20,
			Burst: 40,
		},
		ShutdownTimeout: Duration{15 * time.Second},
	}
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// Load reads path, or writes the defaults there when it does not exist.
// Environment overrides are applied and the result is validated.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := Save(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to save default config: %w", err)
		}
	} else if err := decodeFile(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	if !isYAML(path) {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return fmt.Errorf("failed to decode config file: %w", err)
		}
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()
	if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
		return fmt.Errorf("failed to decode config file: %w", err)
	}
	return nil
}

// Save writes cfg to path in the format its extension names.
func Save(cfg *Config, path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	if isYAML(path) {
		enc := yaml.NewEncoder(f)
		enc.SetIndent(2)
		if err := enc.Encode(cfg); err != nil {
			return fmt.Errorf("failed to encode config: %w", err)
		}
		return enc.Close()
	}
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// LoadDotEnv loads .env files into the process environment. Missing files
// are skipped; variables already set win.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	var present []string
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			present = append(present, f)
		}
	}
	if len(present) == 0 {
		return nil
	}
	return godotenv.Load(present...)
}

// ApplyEnv overrides fields from BANKD_* variables.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"BANKD_ENV":              &c.Env,
		"BANKD_LISTEN_ADDR":      &c.ListenAddr,
		"BANKD_LEDGER_PATH":      &c.LedgerPath,
		"BANKD_CONTRACT_ADDRESS": &c.ContractAddress,
		"BANKD_KEY_DIR":          &c.KeyDir,
		"BANKD_STORE_BACKEND":    &c.Store.Backend,
		"BANKD_STORE_PATH":       &c.Store.Path,
		"BANKD_LOG_LEVEL":        &c.Log.Level,
		"BANKD_LOG_FILE":         &c.Log.File,
	}
	for name, dst := range strs {
		if v, ok := lookup(name); ok {
			*dst = v
		}
	}
	if v, ok := lookup("BANKD_RETRY_DELAY"); ok {
		if err := c.RetryDelay.UnmarshalText([]byte(v)); err != nil {
			return fmt.Errorf("BANKD_RETRY_DELAY: %w", err)
		}
	}
	if v, ok := lookup("BANKD_BOOTSTRAP_ATTEMPTS"); ok {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("BANKD_BOOTSTRAP_ATTEMPTS: %w", err)
		}
		c.Bootstrap.Attempts = n
	}
	if v, ok := lookup("BANKD_RATE_LIMIT_RPS"); ok {
		rps, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("BANKD_RATE_LIMIT_RPS: %w", err)
		}
		c.RateLimit.RPS = rps
	}
	return nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}
	switch c.Store.Backend {
	case "memory":
	case "leveldb", "bolt":
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for the %s backend", c.Store.Backend)
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.RetryDelay.Duration <= 0 {
		return fmt.Errorf("retry_delay must be positive")
	}
	if c.Bootstrap.Attempts == 0 {
		return fmt.Errorf("bootstrap.attempts must be positive")
	}
	if c.Bootstrap.Initial.Duration <= 0 || c.Bootstrap.Max.Duration < c.Bootstrap.Initial.Duration {
		return fmt.Errorf("bootstrap intervals must be positive with max >= initial")
	}
	if c.RateLimit.RPS <= 0 || c.RateLimit.Burst <= 0 {
		return fmt.Errorf("rate_limit rps and burst must be positive")
	}
	if c.ShutdownTimeout.Duration <= 0 {
		return fmt.Errorf("shutdown_timeout must be positive")
	}
	return nil
}
