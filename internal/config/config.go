// Package config assembles server configuration in layers: built-in
// defaults, then an optional YAML file, then FOREMAN_* environment
// variables, then explicit overrides from flags. Later layers win.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Tracker backend names accepted by Config.Tracker.
const (
	TrackerCLI    = "cli"
	TrackerSQLite = "sqlite"
)

// Config holds server configuration.
type Config struct {
	// Addr is the listen address for the HTTP server.
	Addr string
	// AuthSecret enables bearer token auth when non-empty.
	AuthSecret string
	// Tracker selects the issue tracker backend, "cli" or "sqlite".
	Tracker string
	// TrackerDB is the sqlite file used by the sqlite backend.
	TrackerDB string
	// TrackerBin is the executable used by the cli backend.
	TrackerBin string
	// AgentBin is the coding agent executable.
	AgentBin string
	// Workers is the number of worker agents in the pool.
	Workers int
	// WorkTimeout bounds one work session.
	WorkTimeout time.Duration
	// AllowedOrigins is the CORS allowlist; "*" allows everything.
	AllowedOrigins []string
	Debug          bool
}

// Overrides optionally overrides values from the file and environment
// layers. A nil pointer means "use the layered value".
type Overrides struct {
	Addr        *string
	AuthSecret  *string
	Tracker     *string
	TrackerDB   *string
	TrackerBin  *string
	AgentBin    *string
	Workers     *int
	WorkTimeout *time.Duration
	Debug       *bool
}

// fileConfig mirrors Config for the YAML layer. Pointers keep absent keys
// distinguishable from zero values.
type fileConfig struct {
	Addr           *string  `yaml:"addr"`
	AuthSecret     *string  `yaml:"auth_secret"`
	Tracker        *string  `yaml:"tracker"`
	TrackerDB      *string  `yaml:"tracker_db"`
	TrackerBin     *string  `yaml:"tracker_bin"`
	AgentBin       *string  `yaml:"agent_bin"`
	Workers        *int     `yaml:"workers"`
	WorkTimeout    *string  `yaml:"work_timeout"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	Debug          *bool    `yaml:"debug"`
}

// Load builds the configuration. path names a YAML file; when empty, the
// FOREMAN_CONFIG environment variable is consulted, and when that is empty
// too the file layer is skipped.
func Load(path string, overrides Overrides) (*Config, error) {
	cfg := &Config{
		Addr:           ":3005",
		Tracker:        TrackerSQLite,
		TrackerDB:      "./foreman.db",
		TrackerBin:     "trk",
		AgentBin:       "agent",
		Workers:        3,
		WorkTimeout:    5 * time.Minute,
		AllowedOrigins: []string{"*"},
	}

	if path == "" {
		path = os.Getenv("FOREMAN_CONFIG")
	}
	if path != "" {
		if err := applyFile(cfg, path); err != nil {
			return nil, err
		}
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	applyOverrides(cfg, overrides)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyFile(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if fc.Addr != nil {
		cfg.Addr = *fc.Addr
	}
	if fc.AuthSecret != nil {
		cfg.AuthSecret = *fc.AuthSecret
	}
	if fc.Tracker != nil {
		cfg.Tracker = *fc.Tracker
	}
	if fc.TrackerDB != nil {
		cfg.TrackerDB = *fc.TrackerDB
	}
	if fc.TrackerBin != nil {
		cfg.TrackerBin = *fc.TrackerBin
	}
	if fc.AgentBin != nil {
		cfg.AgentBin = *fc.AgentBin
	}
	if fc.Workers != nil {
		cfg.Workers = *fc.Workers
	}
	if fc.WorkTimeout != nil {
		d, err := time.ParseDuration(*fc.WorkTimeout)
		if err != nil {
			return fmt.Errorf("config file %s: work_timeout: %w", path, err)
		}
		cfg.WorkTimeout = d
	}
	if fc.AllowedOrigins != nil {
		cfg.AllowedOrigins = fc.AllowedOrigins
	}
	if fc.Debug != nil {
		cfg.Debug = *fc.Debug
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv("FOREMAN_ADDR"); v != "" {
		cfg.Addr = v
	}
	if v := os.Getenv("FOREMAN_AUTH_SECRET"); v != "" {
		cfg.AuthSecret = v
	}
	if v := os.Getenv("FOREMAN_TRACKER"); v != "" {
		cfg.Tracker = v
	}
	if v := os.Getenv("FOREMAN_TRACKER_DB"); v != "" {
		cfg.TrackerDB = v
	}
	if v := os.Getenv("FOREMAN_TRACKER_BIN"); v != "" {
		cfg.TrackerBin = v
	}
	if v := os.Getenv("FOREMAN_AGENT_BIN"); v != "" {
		cfg.AgentBin = v
	}
	if v := os.Getenv("FOREMAN_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("FOREMAN_WORKERS: %w", err)
		}
		cfg.Workers = n
	}
	if v := os.Getenv("FOREMAN_WORK_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("FOREMAN_WORK_TIMEOUT: %w", err)
		}
		cfg.WorkTimeout = d
	}
	if v := os.Getenv("FOREMAN_ALLOWED_ORIGINS"); v != "" {
		var origins []string
		for _, part := range strings.Split(v, ",") {
			if origin := strings.TrimSpace(part); origin != "" {
				origins = append(origins, origin)
			}
		}
		cfg.AllowedOrigins = origins
	}
	if v := os.Getenv("FOREMAN_DEBUG"); v == "true" || v == "1" {
		cfg.Debug = true
	}
	return nil
}

func applyOverrides(cfg *Config, o Overrides) {
	if o.Addr != nil {
		cfg.Addr = *o.Addr
	}
	if o.AuthSecret != nil {
		cfg.AuthSecret = *o.AuthSecret
	}
	if o.Tracker != nil {
		cfg.Tracker = *o.Tracker
	}
	if o.TrackerDB != nil {
		cfg.TrackerDB = *o.TrackerDB
	}
	if o.TrackerBin != nil {
		cfg.TrackerBin = *o.TrackerBin
	}
	if o.AgentBin != nil {
		cfg.AgentBin = *o.AgentBin
	}
	if o.Workers != nil {
		cfg.Workers = *o.Workers
	}
	if o.WorkTimeout != nil {
		cfg.WorkTimeout = *o.WorkTimeout
	}
	if o.Debug != nil {
		cfg.Debug = *o.Debug
	}
}

func validate(cfg *Config) error {
	if cfg.Addr == "" {
		return fmt.Errorf("listen address is required")
	}
	if cfg.Tracker != TrackerCLI && cfg.Tracker != TrackerSQLite {
		return fmt.Errorf("unknown tracker backend %q (want %q or %q)", cfg.Tracker, TrackerCLI, TrackerSQLite)
	}
	if cfg.Workers < 1 {
		return fmt.Errorf("worker count must be at least 1, got %d", cfg.Workers)
	}
	if cfg.WorkTimeout <= 0 {
		return fmt.Errorf("work timeout must be positive, got %s", cfg.WorkTimeout)
	}
	return nil
}
