// Package config handles loading and validating Sanduku configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for Sanduku.
type Config struct {
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Persistent data directory. Default: ~/.sanduku/data. Override: SANDUKU_DATA_DIR env var.
	Server        ServerConfig         `json:"server" yaml:"server"`
	Session       SessionConfig        `json:"session" yaml:"session"`
	Provider      ProviderConfig       `json:"provider" yaml:"provider"`
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"`             // nil = SQLite default (derived from data dir)
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
}

// ServerConfig configures the HTTP gateway.
type ServerConfig struct {
	Addr      string           `json:"addr" yaml:"addr"`             // Listen address. Default: ":8080".
	AuthToken string           `json:"auth_token" yaml:"auth_token"` // Bearer token. Empty = auth disabled. Override: SANDUKU_AUTH_TOKEN env var.
	RateLimit *RateLimitConfig `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`
}

// ListenAddr returns the listen address with a default of ":8080".
func (s *ServerConfig) ListenAddr() string {
	if s != nil && s.Addr != "" {
		return s.Addr
	}
	return ":8080"
}

// RateLimitConfig configures per-client request throttling.
type RateLimitConfig struct {
	Enabled          bool `json:"enabled" yaml:"enabled"`
	RequestsPerMin   int  `json:"requests_per_min" yaml:"requests_per_min"`     // Default: 120.
	Burst            int  `json:"burst" yaml:"burst"`                           // Default: 20.
	CleanupIntervalS int  `json:"cleanup_interval_s" yaml:"cleanup_interval_s"` // Idle bucket eviction. Default: 300.
}

// PerMinute returns the per-client rate with a default of 120.
func (r *RateLimitConfig) PerMinute() int {
	if r != nil && r.RequestsPerMin > 0 {
		return r.RequestsPerMin
	}
	return 120
}

// BurstSize returns the burst allowance with a default of 20.
func (r *RateLimitConfig) BurstSize() int {
	if r != nil && r.Burst > 0 {
		return r.Burst
	}
	return 20
}

// CleanupInterval returns the idle bucket eviction interval with a default of 5m.
func (r *RateLimitConfig) CleanupInterval() time.Duration {
	if r != nil && r.CleanupIntervalS > 0 {
		return time.Duration(r.CleanupIntervalS) * time.Second
	}
	return 5 * time.Minute
}

// SessionConfig configures session defaults and reclamation.
type SessionConfig struct {
	MaxSessions           int          `json:"max_sessions" yaml:"max_sessions"`                       // 0 = unlimited.
	ReaperIntervalSeconds int          `json:"reaper_interval_seconds" yaml:"reaper_interval_seconds"` // Default: 60.
	MaxIdleSeconds        int          `json:"max_idle_seconds" yaml:"max_idle_seconds"`               // Default: 1800 (30 min).
	DefaultLimits         LimitsConfig `json:"default_limits" yaml:"default_limits"`
}

// ReaperInterval returns the sweep interval with a default of 60s.
func (s *SessionConfig) ReaperInterval() time.Duration {
	if s != nil && s.ReaperIntervalSeconds > 0 {
		return time.Duration(s.ReaperIntervalSeconds) * time.Second
	}
	return 60 * time.Second
}

// MaxIdle returns the idle threshold with a default of 30m.
func (s *SessionConfig) MaxIdle() time.Duration {
	if s != nil && s.MaxIdleSeconds > 0 {
		return time.Duration(s.MaxIdleSeconds) * time.Second
	}
	return 30 * time.Minute
}

// LimitsConfig holds the default per-session resource ceilings.
type LimitsConfig struct {
	MemoryMB           int     `json:"memory_mb" yaml:"memory_mb"`                       // Default: 512.
	CPUCores           float64 `json:"cpu_cores" yaml:"cpu_cores"`                       // Default: 1.0.
	DiskMB             int     `json:"disk_mb" yaml:"disk_mb"`                           // Default: 64.
	ExecTimeoutSeconds int     `json:"exec_timeout_seconds" yaml:"exec_timeout_seconds"` // Default: 30.
}

// ExecTimeout returns the command timeout ceiling with a default of 30s.
func (l *LimitsConfig) ExecTimeout() time.Duration {
	if l != nil && l.ExecTimeoutSeconds > 0 {
		return time.Duration(l.ExecTimeoutSeconds) * time.Second
	}
	return 30 * time.Second
}

// ProviderConfig configures the execution context backend.
type ProviderConfig struct {
	Image          string `json:"image" yaml:"image"`                     // Container image. Default: "sanduku-runtime:latest". Override: SANDUKU_IMAGE env var.
	SandboxRoot    string `json:"sandbox_root" yaml:"sandbox_root"`       // Writable workspace mount. Default: "/home/sanduku".
	PIDsLimit      int    `json:"pids_limit" yaml:"pids_limit"`           // Default: 64.
	NetworkAllowed bool   `json:"network_allowed" yaml:"network_allowed"` // Default: false (no network).
}

// StorageConfig configures the lifecycle event audit store.
// When nil, defaults to SQLite with the database path derived from the data dir.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"`                         // "sqlite" (default) or "postgres".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`     // SQLite-specific settings.
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"` // PostgreSQL-specific settings.
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: derived from data dir.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"` // Override: SANDUKU_DB_DSN env var.
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// ObservabilityConfig configures metrics, tracing, and health checks.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Health  *HealthConfig  `json:"health,omitempty" yaml:"health,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "sanduku"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// HealthConfig configures dependency health checks for readiness probes.
type HealthConfig struct {
	IncludeDB       bool `json:"include_db" yaml:"include_db"`
	IncludeProvider bool `json:"include_provider" yaml:"include_provider"`
}

// DefaultConfigPath returns the default config file path (~/.sanduku/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/sanduku.yaml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".sanduku", "config.yaml")
}

// Default returns a usable configuration with no file on disk.
func Default() *Config {
	return &Config{}
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything else for JSON.
// Tokens and connection strings can be set in the config file or overridden by
// environment variables. Environment variables take precedence.
func Load(path string) (*Config, error) {
	// Expand ~ in config path.
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// applyEnvOverrides lets environment variables take precedence over file values.
func applyEnvOverrides(cfg *Config) {
	if env := os.Getenv("SANDUKU_DATA_DIR"); env != "" {
		cfg.DataDir = env
	}
	if env := os.Getenv("SANDUKU_ADDR"); env != "" {
		cfg.Server.Addr = env
	}
	if env := os.Getenv("SANDUKU_AUTH_TOKEN"); env != "" {
		cfg.Server.AuthToken = env
	}
	if env := os.Getenv("SANDUKU_IMAGE"); env != "" {
		cfg.Provider.Image = env
	}
	if env := os.Getenv("SANDUKU_DB_DSN"); env != "" {
		if cfg.Storage == nil {
			cfg.Storage = &StorageConfig{Driver: "postgres"}
		}
		if cfg.Storage.Postgres == nil {
			cfg.Storage.Postgres = &PostgresStorageConfig{}
		}
		cfg.Storage.Postgres.DSN = env
	}
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		return filepath.Join(home, ".sanduku", "data")
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// DatabasePath returns the default SQLite database path under the data directory.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.ResolvedDataDir(), "sanduku.db")
}

// StorageDriverName returns the effective storage driver name.
func (c *Config) StorageDriverName() string {
	if c.Storage != nil {
		return c.Storage.StorageDriver()
	}
	return "sqlite"
}

func (c *Config) validate() error {
	if c.Session.MaxSessions < 0 {
		return fmt.Errorf("session.max_sessions must not be negative")
	}
	if c.Session.DefaultLimits.MemoryMB < 0 {
		return fmt.Errorf("session.default_limits.memory_mb must not be negative")
	}
	if c.Session.DefaultLimits.CPUCores < 0 {
		return fmt.Errorf("session.default_limits.cpu_cores must not be negative")
	}
	if c.Session.DefaultLimits.DiskMB < 0 {
		return fmt.Errorf("session.default_limits.disk_mb must not be negative")
	}
	if c.Session.DefaultLimits.ExecTimeoutSeconds < 0 {
		return fmt.Errorf("session.default_limits.exec_timeout_seconds must not be negative")
	}
	if c.Provider.PIDsLimit < 0 {
		return fmt.Errorf("provider.pids_limit must not be negative")
	}
	// Storage driver validation.
	if c.Storage != nil && c.Storage.Driver != "" {
		switch c.Storage.Driver {
		case "sqlite", "postgres":
			// valid
		default:
			return fmt.Errorf("storage.driver %q is not supported (use sqlite or postgres)", c.Storage.Driver)
		}
	}
	if c.Storage != nil && c.Storage.Driver == "postgres" {
		if c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required for the postgres driver (set SANDUKU_DB_DSN env var)")
		}
	}
	if c.Observability != nil && c.Observability.Tracing != nil && c.Observability.Tracing.Enabled {
		if c.Observability.Tracing.Endpoint == "" {
			return fmt.Errorf("observability.tracing.endpoint is required when tracing is enabled")
		}
	}
	return nil
}
