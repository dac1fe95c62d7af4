package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

var configEnvVars = []string{
	"RECONCILE_CONFIG_PATH",
	"RECONCILE_DEV_MODE",
	"RECONCILE_PORT",
	"RECONCILE_READ_TIMEOUT",
	"RECONCILE_WRITE_TIMEOUT",
	"RECONCILE_SHUTDOWN_TIMEOUT",
	"RECONCILE_DB_PATH",
	"RECONCILE_API_KEY",
	"RECONCILE_LOG_LEVEL",
	"RECONCILE_LOG_FORMAT",
	"RECONCILE_CONFLICT_MAX_LOGS",
	"RECONCILE_SMART_ENABLED",
	"RECONCILE_SMART_FIELD_LEVEL",
	"RECONCILE_SMART_VERSION_CHECK",
	"RECONCILE_SMART_STORE_FIELD_CONFLICTS",
	"RECONCILE_SMART_MAX_FIELD_LOGS",
	"RECONCILE_IDEMPOTENCY_ENABLED",
	"RECONCILE_DEDUPLICATION_ENABLED",
	"RECONCILE_AUTO_CLEANUP",
	"RECONCILE_CLEANUP_MAX_AGE",
	"RECONCILE_IDEMPOTENCY_MAX_ENTRIES",
	"RECONCILE_RECENCY_WINDOW",
	"RECONCILE_QUEUE_MAX_RETRIES",
	"RECONCILE_QUEUE_BATCH_SIZE",
	"RECONCILE_BACKEND_URL",
	"RECONCILE_PROBE_URL",
	"RECONCILE_REQUEST_TIMEOUT",
	"RECONCILE_BACKGROUND_SYNC",
	"RECONCILE_PROBE_INTERVAL",
	"RECONCILE_STABLE_DELAY",
	"RECONCILE_PROCESS_INTERVAL",
	"RECONCILE_CLEANUP_INTERVAL",
	"RECONCILE_SNAPSHOT_INTERVAL",
	"RECONCILE_SNAPSHOT_PATH",
	"RECONCILE_SNAPSHOT_NAME",
	"RECONCILE_S3_ENDPOINT",
	"RECONCILE_S3_BUCKET",
	"RECONCILE_S3_REGION",
	"RECONCILE_S3_ACCESS_KEY",
	"RECONCILE_S3_SECRET_KEY",
	"RECONCILE_S3_USE_SSL",
	"RECONCILE_S3_URL_EXPIRY",
}

// clearEnv blanks every config env var for the duration of the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, v := range configEnvVars {
		t.Setenv(v, "")
	}
	// Point at a path that does not exist so a developer's local file
	// does not leak into tests.
	t.Setenv("RECONCILE_CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))
}

func setDevModeEnv(t *testing.T) {
	t.Helper()
	t.Setenv("RECONCILE_DEV_MODE", "true")
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "reconcile.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func dur(d Duration) time.Duration {
	return time.Duration(d)
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	setDevModeEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	// Server defaults
	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if dur(cfg.Server.ShutdownTimeout) != 15*time.Second {
		t.Errorf("Server.ShutdownTimeout = %v, want 15s", cfg.Server.ShutdownTimeout)
	}

	// Database defaults
	if cfg.Database.Path != "data/reconcile.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "data/reconcile.db")
	}

	// Conflict defaults
	if cfg.Conflict.MaxLogs != 100 {
		t.Errorf("Conflict.MaxLogs = %d, want 100", cfg.Conflict.MaxLogs)
	}
	smart := cfg.Conflict.Smart
	if !smart.Enabled || !smart.FieldLevel || !smart.VersionCheck || !smart.StoreFieldConflicts {
		t.Errorf("Conflict.Smart = %+v, want every stage enabled", smart)
	}
	if smart.MaxFieldLogs != 100 {
		t.Errorf("Conflict.Smart.MaxFieldLogs = %d, want 100", smart.MaxFieldLogs)
	}

	// Idempotency defaults
	idem := cfg.Idempotency
	if !idem.Enabled || !idem.Deduplication || !idem.AutoCleanup {
		t.Errorf("Idempotency = %+v, want every feature enabled", idem)
	}
	if dur(idem.CleanupMaxAge) != 7*24*time.Hour {
		t.Errorf("Idempotency.CleanupMaxAge = %v, want 168h", idem.CleanupMaxAge)
	}
	if idem.MaxEntries != 1000 {
		t.Errorf("Idempotency.MaxEntries = %d, want 1000", idem.MaxEntries)
	}
	if dur(idem.RecencyWindow) != time.Minute {
		t.Errorf("Idempotency.RecencyWindow = %v, want 1m", idem.RecencyWindow)
	}

	// Queue defaults
	if cfg.Queue.MaxRetries != 3 || cfg.Queue.BatchSize != 10 {
		t.Errorf("Queue = %+v, want 3 retries and batch 10", cfg.Queue)
	}

	// Sync defaults
	if dur(cfg.Sync.StableDelay) != time.Second {
		t.Errorf("Sync.StableDelay = %v, want 1s", cfg.Sync.StableDelay)
	}
	if cfg.Sync.Background {
		t.Error("Sync.Background should default to false")
	}
	if cfg.Sync.BackendURL != "" {
		t.Errorf("Sync.BackendURL = %q, want empty", cfg.Sync.BackendURL)
	}

	// Log defaults
	if cfg.Log.Level != "info" || cfg.Log.Format != "json" {
		t.Errorf("Log = %+v, want info/json", cfg.Log)
	}
}

func TestLoad_ValidationFailsWithoutAPIKey(t *testing.T) {
	clearEnv(t)

	_, err := Load()
	if err == nil {
		t.Fatal("Load() expected error when API key missing, got nil")
	}
	if !strings.Contains(err.Error(), "RECONCILE_API_KEY") {
		t.Errorf("error = %q, want mention of RECONCILE_API_KEY", err)
	}
}

func TestLoad_ValidationPassesWithAPIKey(t *testing.T) {
	clearEnv(t)
	t.Setenv("RECONCILE_API_KEY", "test-api-key")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Auth.APIKey != "test-api-key" {
		t.Errorf("Auth.APIKey = %q", cfg.Auth.APIKey)
	}
}

func TestLoad_YAMLFile(t *testing.T) {
	clearEnv(t)
	setDevModeEnv(t)
	path := writeConfig(t, `
server:
  port: 9090
  read_timeout: 5s
database:
  path: /var/lib/reconcile/local.db
log:
  level: debug
  format: text
conflict:
  max_logs: 250
  smart:
    enabled: true
    field_level: false
    version_check: true
    store_field_conflicts: false
    max_field_logs: 20
idempotency:
  enabled: true
  deduplication: false
  cleanup_max_age: 48h
  max_entries: 500
  recency_window: 2m
queue:
  max_retries: 5
  batch_size: 25
sync:
  backend_url: https://api.example.test
  background: true
  probe_interval: 30s
  process_interval: 1m
`)
	t.Setenv("RECONCILE_CONFIG_PATH", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 || dur(cfg.Server.ReadTimeout) != 5*time.Second {
		t.Errorf("Server = %+v", cfg.Server)
	}
	// Unset keys keep their defaults
	if dur(cfg.Server.WriteTimeout) != 30*time.Second {
		t.Errorf("Server.WriteTimeout = %v, want default 30s", cfg.Server.WriteTimeout)
	}
	if cfg.Database.Path != "/var/lib/reconcile/local.db" {
		t.Errorf("Database.Path = %q", cfg.Database.Path)
	}
	if cfg.Log.Format != "text" || cfg.Log.Level != "debug" {
		t.Errorf("Log = %+v", cfg.Log)
	}
	if cfg.Conflict.MaxLogs != 250 || cfg.Conflict.Smart.FieldLevel || cfg.Conflict.Smart.MaxFieldLogs != 20 {
		t.Errorf("Conflict = %+v", cfg.Conflict)
	}
	if cfg.Idempotency.Deduplication || cfg.Idempotency.MaxEntries != 500 || dur(cfg.Idempotency.CleanupMaxAge) != 48*time.Hour {
		t.Errorf("Idempotency = %+v", cfg.Idempotency)
	}
	if !cfg.Idempotency.AutoCleanup {
		t.Error("Idempotency.AutoCleanup lost its default")
	}
	if cfg.Queue.MaxRetries != 5 || cfg.Queue.BatchSize != 25 {
		t.Errorf("Queue = %+v", cfg.Queue)
	}
	if cfg.Sync.BackendURL != "https://api.example.test" || !cfg.Sync.Background {
		t.Errorf("Sync = %+v", cfg.Sync)
	}
	if dur(cfg.Sync.ProcessInterval) != time.Minute {
		t.Errorf("Sync.ProcessInterval = %v, want 1m", cfg.Sync.ProcessInterval)
	}
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	clearEnv(t)
	setDevModeEnv(t)
	path := writeConfig(t, `
server:
  port: 9090
queue:
  max_retries: 5
sync:
  backend_url: https://yaml.example.test
`)
	t.Setenv("RECONCILE_CONFIG_PATH", path)
	t.Setenv("RECONCILE_PORT", "7070")
	t.Setenv("RECONCILE_QUEUE_MAX_RETRIES", "7")
	t.Setenv("RECONCILE_BACKEND_URL", "https://env.example.test")
	t.Setenv("RECONCILE_SMART_FIELD_LEVEL", "false")
	t.Setenv("RECONCILE_RECENCY_WINDOW", "90s")
	t.Setenv("RECONCILE_BACKGROUND_SYNC", "1")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 7070 {
		t.Errorf("Server.Port = %d, want 7070", cfg.Server.Port)
	}
	if cfg.Queue.MaxRetries != 7 {
		t.Errorf("Queue.MaxRetries = %d, want 7", cfg.Queue.MaxRetries)
	}
	if cfg.Sync.BackendURL != "https://env.example.test" {
		t.Errorf("Sync.BackendURL = %q", cfg.Sync.BackendURL)
	}
	if cfg.Conflict.Smart.FieldLevel {
		t.Error("Conflict.Smart.FieldLevel = true, want env override false")
	}
	if dur(cfg.Idempotency.RecencyWindow) != 90*time.Second {
		t.Errorf("Idempotency.RecencyWindow = %v, want 90s", cfg.Idempotency.RecencyWindow)
	}
	if !cfg.Sync.Background {
		t.Error("Sync.Background = false, want env override true")
	}
}

func TestLoad_InvalidEnvValuesIgnored(t *testing.T) {
	clearEnv(t)
	setDevModeEnv(t)
	t.Setenv("RECONCILE_PORT", "not-a-number")
	t.Setenv("RECONCILE_PROBE_INTERVAL", "soon")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want default 8080", cfg.Server.Port)
	}
	if dur(cfg.Sync.ProbeInterval) != 15*time.Second {
		t.Errorf("Sync.ProbeInterval = %v, want default 15s", cfg.Sync.ProbeInterval)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	clearEnv(t)
	setDevModeEnv(t)
	t.Setenv("RECONCILE_CONFIG_PATH", writeConfig(t, "server: [not a map"))

	if _, err := Load(); err == nil {
		t.Error("Load() expected error for invalid YAML")
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	clearEnv(t)
	setDevModeEnv(t)
	t.Setenv("RECONCILE_CONFIG_PATH", writeConfig(t, "sync:\n  stable_delay: later\n"))

	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "invalid duration") {
		t.Errorf("Load() error = %v, want invalid duration", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"port out of range", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
		{"empty database path", func(c *Config) { c.Database.Path = "" }, "database.path"},
		{"unknown log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"zero max logs", func(c *Config) { c.Conflict.MaxLogs = 0 }, "conflict.max_logs"},
		{"zero field logs", func(c *Config) { c.Conflict.Smart.MaxFieldLogs = 0 }, "max_field_logs"},
		{"zero max entries", func(c *Config) { c.Idempotency.MaxEntries = 0 }, "idempotency.max_entries"},
		{"zero retries", func(c *Config) { c.Queue.MaxRetries = 0 }, "queue.max_retries"},
		{"zero batch", func(c *Config) { c.Queue.BatchSize = 0 }, "queue.batch_size"},
		{"zero process interval", func(c *Config) { c.Sync.ProcessInterval = 0 }, "sync.process_interval"},
		{"negative snapshot interval", func(c *Config) { c.Snapshot.Interval = Duration(-time.Second) }, "snapshot.interval"},
		{"empty snapshot name", func(c *Config) { c.Snapshot.Name = "" }, "snapshot.name"},
		{"bucket without endpoint", func(c *Config) { c.Snapshot.Storage.Bucket = "backups" }, "snapshot.storage.endpoint"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			setDevModeEnv(t)
			cfg := newDefaults()
			tt.mutate(cfg)

			err := cfg.validate()
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("validate() error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	clearEnv(t)
	setDevModeEnv(t)

	cfg, err := LoadFromFile(writeConfig(t, "queue:\n  batch_size: 50\n"))
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}
	if cfg.Queue.BatchSize != 50 {
		t.Errorf("Queue.BatchSize = %d, want 50", cfg.Queue.BatchSize)
	}

	if _, err := LoadFromFile(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("LoadFromFile() expected error for missing file")
	}
}

func TestAPIKeyNeverInYAML(t *testing.T) {
	clearEnv(t)
	setDevModeEnv(t)
	t.Setenv("RECONCILE_CONFIG_PATH", writeConfig(t, "auth:\n  api_key: from-yaml\n"))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Auth.APIKey != "" {
		t.Errorf("Auth.APIKey = %q, want empty (env only)", cfg.Auth.APIKey)
	}

	t.Setenv("RECONCILE_API_KEY", "secret")
	cfg, _ = Load()
	out, err := yaml.Marshal(cfg)
	if err != nil {
		t.Fatalf("yaml.Marshal() error = %v", err)
	}
	if strings.Contains(string(out), "secret") {
		t.Error("marshaled config contains the API key")
	}
}

func TestDuration_YAMLRoundTrip(t *testing.T) {
	in := struct {
		D Duration `yaml:"d"`
	}{D: Duration(90 * time.Minute)}

	out, err := yaml.Marshal(in)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if !strings.Contains(string(out), "1h30m0s") {
		t.Errorf("Marshal() = %q, want 1h30m0s", out)
	}

	var back struct {
		D Duration `yaml:"d"`
	}
	if err := yaml.Unmarshal(out, &back); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if back.D.Std() != 90*time.Minute {
		t.Errorf("round trip = %v, want 90m", back.D.Std())
	}
}

func TestLoadLocal_DoesNotRequireAPIKey(t *testing.T) {
	clearEnv(t)
	t.Setenv("RECONCILE_DB_PATH", "/tmp/cli.db")

	cfg, err := LoadLocal()
	if err != nil {
		t.Fatalf("LoadLocal() error = %v", err)
	}
	if cfg.Database.Path != "/tmp/cli.db" {
		t.Errorf("Database.Path = %q", cfg.Database.Path)
	}

	t.Setenv("RECONCILE_QUEUE_BATCH_SIZE", "0")
	if _, err := LoadLocal(); err == nil {
		t.Error("LoadLocal() accepted an invalid batch size")
	}
}

func TestLoad_SnapshotStorageFromEnv(t *testing.T) {
	clearEnv(t)
	setDevModeEnv(t)

	// Given: defaults keep snapshots local
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Snapshot.Interval != 0 || cfg.Snapshot.Storage.Bucket != "" {
		t.Errorf("Snapshot = %+v, want disabled and local", cfg.Snapshot)
	}
	if cfg.Snapshot.Storage.UseSSL != nil {
		t.Error("UseSSL set without RECONCILE_S3_USE_SSL")
	}

	// When: storage is configured through the environment
	t.Setenv("RECONCILE_SNAPSHOT_INTERVAL", "6h")
	t.Setenv("RECONCILE_S3_ENDPOINT", "minio:9000")
	t.Setenv("RECONCILE_S3_BUCKET", "reconcile-backups")
	t.Setenv("RECONCILE_S3_ACCESS_KEY", "access")
	t.Setenv("RECONCILE_S3_SECRET_KEY", "secret")
	t.Setenv("RECONCILE_S3_USE_SSL", "false")
	t.Setenv("RECONCILE_S3_URL_EXPIRY", "5m")

	cfg, err = Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	// Then: every field is picked up
	st := cfg.Snapshot.Storage
	if dur(cfg.Snapshot.Interval) != 6*time.Hour {
		t.Errorf("Interval = %v, want 6h", dur(cfg.Snapshot.Interval))
	}
	if st.Endpoint != "minio:9000" || st.Bucket != "reconcile-backups" {
		t.Errorf("Storage = %+v", st)
	}
	if st.AccessKey != "access" || st.SecretKey != "secret" {
		t.Error("credentials not loaded from env")
	}
	if st.UseSSL == nil || *st.UseSSL {
		t.Errorf("UseSSL = %v, want false", st.UseSSL)
	}
	if dur(st.URLExpiry) != 5*time.Minute {
		t.Errorf("URLExpiry = %v, want 5m", dur(st.URLExpiry))
	}
}
