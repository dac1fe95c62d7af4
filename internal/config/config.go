package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
// It is read-only after Load() returns and thread-safe for concurrent reads.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Auth        AuthConfig        `yaml:"auth"`
	Log         LogConfig         `yaml:"log"`
	Conflict    ConflictConfig    `yaml:"conflict"`
	Idempotency IdempotencyConfig `yaml:"idempotency"`
	Queue       QueueConfig       `yaml:"queue"`
	Sync        SyncConfig        `yaml:"sync"`
	Snapshot    SnapshotConfig    `yaml:"snapshot"`
}

// ServerConfig contains admin HTTP server settings.
type ServerConfig struct {
	Port            int      `yaml:"port"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig contains local database settings.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig contains authentication settings.
type AuthConfig struct {
	APIKey string `yaml:"-"` // env-only, never in YAML
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ConflictConfig contains conflict resolution settings.
type ConflictConfig struct {
	MaxLogs int         `yaml:"max_logs"`
	Smart   SmartConfig `yaml:"smart"`
}

// SmartConfig toggles the rule-aware resolver stages.
type SmartConfig struct {
	Enabled             bool `yaml:"enabled"`
	FieldLevel          bool `yaml:"field_level"`
	VersionCheck        bool `yaml:"version_check"`
	StoreFieldConflicts bool `yaml:"store_field_conflicts"`
	MaxFieldLogs        int  `yaml:"max_field_logs"`
}

// IdempotencyConfig contains processed-request tracking settings.
type IdempotencyConfig struct {
	Enabled       bool     `yaml:"enabled"`
	Deduplication bool     `yaml:"deduplication"`
	AutoCleanup   bool     `yaml:"auto_cleanup"`
	CleanupMaxAge Duration `yaml:"cleanup_max_age"`
	MaxEntries    int      `yaml:"max_entries"`
	RecencyWindow Duration `yaml:"recency_window"`
}

// QueueConfig contains durable queue settings.
type QueueConfig struct {
	MaxRetries int `yaml:"max_retries"`
	BatchSize  int `yaml:"batch_size"`
}

// SyncConfig contains server sync and connectivity settings.
type SyncConfig struct {
	BackendURL      string   `yaml:"backend_url"`
	ProbeURL        string   `yaml:"probe_url"`
	RequestTimeout  Duration `yaml:"request_timeout"`
	Background      bool     `yaml:"background"`
	ProbeInterval   Duration `yaml:"probe_interval"`
	StableDelay     Duration `yaml:"stable_delay"`
	ProcessInterval Duration `yaml:"process_interval"`
	CleanupInterval Duration `yaml:"cleanup_interval"`
}

// SnapshotConfig contains database snapshot settings. A zero interval
// disables the periodic snapshot worker.
type SnapshotConfig struct {
	Interval Duration              `yaml:"interval"`
	Path     string                `yaml:"path"`
	Name     string                `yaml:"name"`
	Storage  SnapshotStorageConfig `yaml:"storage"`
}

// SnapshotStorageConfig contains S3-compatible object storage settings.
// An empty bucket keeps snapshots local.
type SnapshotStorageConfig struct {
	Endpoint  string   `yaml:"endpoint"`
	Bucket    string   `yaml:"bucket"`
	Region    string   `yaml:"region"`
	AccessKey string   `yaml:"-"` // env-only
	SecretKey string   `yaml:"-"` // env-only
	UseSSL    *bool    `yaml:"use_ssl"`
	URLExpiry Duration `yaml:"url_expiry"`
}

// Duration is a wrapper around time.Duration that supports YAML string parsing.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Load loads configuration with precedence: defaults → YAML file → env vars.
// Returns an immutable Config suitable for concurrent read access.
func Load() (*Config, error) {
	cfg, err := LoadLocal()
	if err != nil {
		return nil, err
	}
	if err := cfg.validateAuth(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadLocal loads configuration like Load but does not require an API key.
// Offline admin commands use it.
func LoadLocal() (*Config, error) {
	cfg := newDefaults()

	configPath := getEnv("RECONCILE_CONFIG_PATH", "config/reconcile.yaml")

	// Missing file is not an error
	if err := loadYAMLFile(cfg, configPath); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromFile loads configuration from a specific path.
// Used for testing and explicit path specification.
func LoadFromFile(path string) (*Config, error) {
	cfg := newDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if err := cfg.validateAuth(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// newDefaults returns a Config with all default values.
func newDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Database: DatabaseConfig{
			Path: "data/reconcile.db",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Conflict: ConflictConfig{
			MaxLogs: 100,
			Smart: SmartConfig{
				Enabled:             true,
				FieldLevel:          true,
				VersionCheck:        true,
				StoreFieldConflicts: true,
				MaxFieldLogs:        100,
			},
		},
		Idempotency: IdempotencyConfig{
			Enabled:       true,
			Deduplication: true,
			AutoCleanup:   true,
			CleanupMaxAge: Duration(7 * 24 * time.Hour),
			MaxEntries:    1000,
			RecencyWindow: Duration(60 * time.Second),
		},
		Queue: QueueConfig{
			MaxRetries: 3,
			BatchSize:  10,
		},
		Sync: SyncConfig{
			RequestTimeout:  Duration(30 * time.Second),
			ProbeInterval:   Duration(15 * time.Second),
			StableDelay:     Duration(1 * time.Second),
			ProcessInterval: Duration(30 * time.Second),
			CleanupInterval: Duration(1 * time.Hour),
		},
		Snapshot: SnapshotConfig{
			Path: "data/snapshots/current.db",
			Name: "reconcile",
			Storage: SnapshotStorageConfig{
				URLExpiry: Duration(15 * time.Minute),
			},
		},
	}
}

// loadYAMLFile loads configuration from a YAML file if it exists.
func loadYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Only non-empty, parseable env vars override config values.
func applyEnvOverrides(cfg *Config) {
	// Server
	envInt("RECONCILE_PORT", &cfg.Server.Port)
	envDuration("RECONCILE_READ_TIMEOUT", &cfg.Server.ReadTimeout)
	envDuration("RECONCILE_WRITE_TIMEOUT", &cfg.Server.WriteTimeout)
	envDuration("RECONCILE_SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)

	// Database
	if v := os.Getenv("RECONCILE_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// Auth
	if v := os.Getenv("RECONCILE_API_KEY"); v != "" {
		cfg.Auth.APIKey = v
	}

	// Log
	if v := os.Getenv("RECONCILE_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("RECONCILE_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}

	// Conflict
	envInt("RECONCILE_CONFLICT_MAX_LOGS", &cfg.Conflict.MaxLogs)
	envBool("RECONCILE_SMART_ENABLED", &cfg.Conflict.Smart.Enabled)
	envBool("RECONCILE_SMART_FIELD_LEVEL", &cfg.Conflict.Smart.FieldLevel)
	envBool("RECONCILE_SMART_VERSION_CHECK", &cfg.Conflict.Smart.VersionCheck)
	envBool("RECONCILE_SMART_STORE_FIELD_CONFLICTS", &cfg.Conflict.Smart.StoreFieldConflicts)
	envInt("RECONCILE_SMART_MAX_FIELD_LOGS", &cfg.Conflict.Smart.MaxFieldLogs)

	// Idempotency
	envBool("RECONCILE_IDEMPOTENCY_ENABLED", &cfg.Idempotency.Enabled)
	envBool("RECONCILE_DEDUPLICATION_ENABLED", &cfg.Idempotency.Deduplication)
	envBool("RECONCILE_AUTO_CLEANUP", &cfg.Idempotency.AutoCleanup)
	envDuration("RECONCILE_CLEANUP_MAX_AGE", &cfg.Idempotency.CleanupMaxAge)
	envInt("RECONCILE_IDEMPOTENCY_MAX_ENTRIES", &cfg.Idempotency.MaxEntries)
	envDuration("RECONCILE_RECENCY_WINDOW", &cfg.Idempotency.RecencyWindow)

	// Queue
	envInt("RECONCILE_QUEUE_MAX_RETRIES", &cfg.Queue.MaxRetries)
	envInt("RECONCILE_QUEUE_BATCH_SIZE", &cfg.Queue.BatchSize)

	// Sync
	if v := os.Getenv("RECONCILE_BACKEND_URL"); v != "" {
		cfg.Sync.BackendURL = v
	}
	if v := os.Getenv("RECONCILE_PROBE_URL"); v != "" {
		cfg.Sync.ProbeURL = v
	}
	envDuration("RECONCILE_REQUEST_TIMEOUT", &cfg.Sync.RequestTimeout)
	envBool("RECONCILE_BACKGROUND_SYNC", &cfg.Sync.Background)
	envDuration("RECONCILE_PROBE_INTERVAL", &cfg.Sync.ProbeInterval)
	envDuration("RECONCILE_STABLE_DELAY", &cfg.Sync.StableDelay)
	envDuration("RECONCILE_PROCESS_INTERVAL", &cfg.Sync.ProcessInterval)
	envDuration("RECONCILE_CLEANUP_INTERVAL", &cfg.Sync.CleanupInterval)

	// Snapshot
	envDuration("RECONCILE_SNAPSHOT_INTERVAL", &cfg.Snapshot.Interval)
	if v := os.Getenv("RECONCILE_SNAPSHOT_PATH"); v != "" {
		cfg.Snapshot.Path = v
	}
	if v := os.Getenv("RECONCILE_SNAPSHOT_NAME"); v != "" {
		cfg.Snapshot.Name = v
	}
	if v := os.Getenv("RECONCILE_S3_ENDPOINT"); v != "" {
		cfg.Snapshot.Storage.Endpoint = v
	}
	if v := os.Getenv("RECONCILE_S3_BUCKET"); v != "" {
		cfg.Snapshot.Storage.Bucket = v
	}
	if v := os.Getenv("RECONCILE_S3_REGION"); v != "" {
		cfg.Snapshot.Storage.Region = v
	}
	if v := os.Getenv("RECONCILE_S3_ACCESS_KEY"); v != "" {
		cfg.Snapshot.Storage.AccessKey = v
	}
	if v := os.Getenv("RECONCILE_S3_SECRET_KEY"); v != "" {
		cfg.Snapshot.Storage.SecretKey = v
	}
	if v := os.Getenv("RECONCILE_S3_USE_SSL"); v != "" {
		useSSL := v == "true" || v == "1"
		cfg.Snapshot.Storage.UseSSL = &useSSL
	}
	envDuration("RECONCILE_S3_URL_EXPIRY", &cfg.Snapshot.Storage.URLExpiry)
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		*dst = v == "true" || v == "1"
	}
}

func envDuration(key string, dst *Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = Duration(d)
		}
	}
}

// validate checks that configuration values are usable.
func (c *Config) validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Database.Path == "" {
		return errors.New("database.path is required")
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		return fmt.Errorf("log.format %q must be json or text", c.Log.Format)
	}
	if c.Conflict.MaxLogs <= 0 {
		return errors.New("conflict.max_logs must be positive")
	}
	if c.Conflict.Smart.MaxFieldLogs <= 0 {
		return errors.New("conflict.smart.max_field_logs must be positive")
	}
	if c.Idempotency.MaxEntries <= 0 {
		return errors.New("idempotency.max_entries must be positive")
	}
	if c.Queue.MaxRetries <= 0 {
		return errors.New("queue.max_retries must be positive")
	}
	if c.Queue.BatchSize <= 0 {
		return errors.New("queue.batch_size must be positive")
	}
	for name, d := range map[string]Duration{
		"sync.probe_interval":   c.Sync.ProbeInterval,
		"sync.process_interval": c.Sync.ProcessInterval,
		"sync.cleanup_interval": c.Sync.CleanupInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.Snapshot.Interval < 0 {
		return errors.New("snapshot.interval must not be negative")
	}
	if c.Snapshot.Path == "" || c.Snapshot.Name == "" {
		return errors.New("snapshot.path and snapshot.name are required")
	}
	if c.Snapshot.Storage.Bucket != "" && c.Snapshot.Storage.Endpoint == "" {
		return errors.New("snapshot.storage.endpoint is required when a bucket is set")
	}
	return nil
}

// validateAuth requires an API key unless RECONCILE_DEV_MODE=true.
func (c *Config) validateAuth() error {
	if os.Getenv("RECONCILE_DEV_MODE") == "true" {
		return nil
	}
	if c.Auth.APIKey == "" {
		return errors.New("RECONCILE_API_KEY is required")
	}
	return nil
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
