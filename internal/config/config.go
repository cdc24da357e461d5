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
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Remote    RemoteConfig    `yaml:"remote"`
	Auth      AuthConfig      `yaml:"auth"`
	Sync      SyncConfig      `yaml:"sync"`
	Cache     CacheConfig     `yaml:"cache"`
	Queue     QueueConfig     `yaml:"queue"`
	Retention RetentionConfig `yaml:"retention"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig contains HTTP server settings for the admin surface.
type ServerConfig struct {
	Port            int      `yaml:"port"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig contains local store settings.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// RemoteConfig contains settings for the remote system of record.
type RemoteConfig struct {
	BaseURL    string   `yaml:"base_url"`
	APIKey     string   `yaml:"-"` // env-only, never in YAML
	Timeout    Duration `yaml:"timeout"`
	MaxRetries int      `yaml:"max_retries"`
}

// AuthConfig contains admin API authentication settings.
type AuthConfig struct {
	APIKey string `yaml:"-"` // env-only, never in YAML
}

// TableConfig declares a syncable table: its field allow-list and its sync
// schedule. An empty fields list makes the table schema-less.
type TableConfig struct {
	Name      string   `yaml:"name"`
	Fields    []string `yaml:"fields"`
	Enabled   bool     `yaml:"enabled"`
	Frequency Duration `yaml:"frequency"`
}

// SyncConfig contains sync engine settings.
type SyncConfig struct {
	TickInterval     Duration      `yaml:"tick_interval"`
	BatchSize        int           `yaml:"batch_size"`
	BackoffThreshold int           `yaml:"backoff_threshold"`
	BackoffCeiling   Duration      `yaml:"backoff_ceiling"`
	Tables           []TableConfig `yaml:"tables"`
}

// CacheConfig contains read-through cache settings.
type CacheConfig struct {
	DefaultTTL    Duration `yaml:"default_ttl"`
	MaxSize       int      `yaml:"max_size"`
	SweepInterval Duration `yaml:"sweep_interval"`
}

// QueueConfig contains write-behind queue settings.
type QueueConfig struct {
	BatchSize     int      `yaml:"batch_size"`
	FlushInterval Duration `yaml:"flush_interval"`
}

// RetentionConfig contains the synced-record retention sweep settings.
type RetentionConfig struct {
	Enabled       bool     `yaml:"enabled"`
	MaxAge        Duration `yaml:"max_age"`
	SweepInterval Duration `yaml:"sweep_interval"`
	BatchSize     int      `yaml:"batch_size"`
}

// ArchiveConfig contains S3-compatible archive settings for purged records.
// An empty bucket disables archiving.
type ArchiveConfig struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"-"` // env-only, never in YAML
	SecretKey string `yaml:"-"` // env-only, never in YAML
	UseSSL    bool   `yaml:"use_ssl"`
}

// LogConfig contains logging settings. When File is set, output rotates
// through lumberjack instead of going to stdout.
type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
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

// Load loads configuration with precedence: defaults → YAML file → env vars.
// Returns an immutable Config suitable for concurrent read access.
func Load() (*Config, error) {
	cfg := newDefaults()

	// Determine config path
	configPath := getEnv("MEDIASYNC_CONFIG_PATH", "config/mediasync.yaml")

	// Load YAML file if it exists (missing file is not an error)
	if err := loadYAMLFile(cfg, configPath); err != nil {
		return nil, err
	}

	// Apply environment variable overrides
	applyEnvOverrides(cfg)

	// Validate configuration
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
			Path: "data/mediasync.db",
		},
		Remote: RemoteConfig{
			Timeout:    Duration(30 * time.Second),
			MaxRetries: 2,
		},
		Sync: SyncConfig{
			TickInterval:     Duration(30 * time.Second),
			BatchSize:        50,
			BackoffThreshold: 3,
			BackoffCeiling:   Duration(1 * time.Hour),
			Tables: []TableConfig{
				{
					Name:      "media_files",
					Fields:    []string{"filename", "status", "size_bytes", "compressed_size_bytes", "checksum", "source", "destination"},
					Enabled:   true,
					Frequency: Duration(5 * time.Minute),
				},
				{
					Name:      "sync_logs",
					Enabled:   true,
					Frequency: Duration(5 * time.Minute),
				},
				{
					Name:      "settings",
					Enabled:   true,
					Frequency: Duration(15 * time.Minute),
				},
			},
		},
		Cache: CacheConfig{
			DefaultTTL:    Duration(15 * time.Minute),
			MaxSize:       1000,
			SweepInterval: Duration(5 * time.Minute),
		},
		Queue: QueueConfig{
			BatchSize:     25,
			FlushInterval: Duration(1 * time.Minute),
		},
		Retention: RetentionConfig{
			Enabled:       true,
			MaxAge:        Duration(30 * 24 * time.Hour),
			SweepInterval: Duration(24 * time.Hour),
			BatchSize:     500,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  50,
			MaxBackups: 3,
		},
	}
}

// loadYAMLFile loads configuration from a YAML file if it exists.
// Missing file is not an error; we just use defaults.
func loadYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Missing file is OK; use defaults
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
// Only non-empty env vars override config values.
func applyEnvOverrides(cfg *Config) {
	// Server
	if v := os.Getenv("MEDIASYNC_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("MEDIASYNC_READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.ReadTimeout = Duration(d)
		}
	}
	if v := os.Getenv("MEDIASYNC_WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.WriteTimeout = Duration(d)
		}
	}
	if v := os.Getenv("MEDIASYNC_SHUTDOWN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.ShutdownTimeout = Duration(d)
		}
	}

	// Database
	if v := os.Getenv("MEDIASYNC_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// Remote
	if v := os.Getenv("MEDIASYNC_REMOTE_URL"); v != "" {
		cfg.Remote.BaseURL = v
	}
	if v := os.Getenv("MEDIASYNC_REMOTE_API_KEY"); v != "" {
		cfg.Remote.APIKey = v
	}
	if v := os.Getenv("MEDIASYNC_REMOTE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Remote.Timeout = Duration(d)
		}
	}

	// Auth
	if v := os.Getenv("MEDIASYNC_API_KEY"); v != "" {
		cfg.Auth.APIKey = v
	}

	// Sync
	if v := os.Getenv("MEDIASYNC_SYNC_TICK_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sync.TickInterval = Duration(d)
		}
	}
	if v := os.Getenv("MEDIASYNC_SYNC_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sync.BatchSize = n
		}
	}
	if v := os.Getenv("MEDIASYNC_SYNC_BACKOFF_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sync.BackoffThreshold = n
		}
	}
	if v := os.Getenv("MEDIASYNC_SYNC_BACKOFF_CEILING"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sync.BackoffCeiling = Duration(d)
		}
	}

	// Cache
	if v := os.Getenv("MEDIASYNC_CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Cache.DefaultTTL = Duration(d)
		}
	}
	if v := os.Getenv("MEDIASYNC_CACHE_MAX_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Cache.MaxSize = n
		}
	}

	// Queue
	if v := os.Getenv("MEDIASYNC_QUEUE_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Queue.BatchSize = n
		}
	}
	if v := os.Getenv("MEDIASYNC_QUEUE_FLUSH_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Queue.FlushInterval = Duration(d)
		}
	}

	// Retention
	if v := os.Getenv("MEDIASYNC_RETENTION_MAX_AGE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Retention.MaxAge = Duration(d)
		}
	}

	// Archive
	if v := os.Getenv("MEDIASYNC_ARCHIVE_ENDPOINT"); v != "" {
		cfg.Archive.Endpoint = v
	}
	if v := os.Getenv("MEDIASYNC_ARCHIVE_BUCKET"); v != "" {
		cfg.Archive.Bucket = v
	}
	if v := os.Getenv("MEDIASYNC_ARCHIVE_ACCESS_KEY"); v != "" {
		cfg.Archive.AccessKey = v
	}
	if v := os.Getenv("MEDIASYNC_ARCHIVE_SECRET_KEY"); v != "" {
		cfg.Archive.SecretKey = v
	}

	// Log
	if v := os.Getenv("MEDIASYNC_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("MEDIASYNC_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("MEDIASYNC_LOG_FILE"); v != "" {
		cfg.Log.File = v
	}
}

// validate checks that required configuration values are set.
// In dev mode (MEDIASYNC_DEV_MODE=true), API key validation is skipped.
func (c *Config) validate() error {
	if c.Sync.BatchSize <= 0 {
		return errors.New("sync.batch_size must be positive")
	}
	if c.Cache.MaxSize <= 0 {
		return errors.New("cache.max_size must be positive")
	}
	if c.Queue.BatchSize <= 0 {
		return errors.New("queue.batch_size must be positive")
	}
	for _, t := range c.Sync.Tables {
		if t.Name == "" {
			return errors.New("sync.tables entries require a name")
		}
		if time.Duration(t.Frequency) <= 0 {
			return fmt.Errorf("sync.tables %q: frequency must be positive", t.Name)
		}
	}

	// Dev mode bypasses API key validation
	if os.Getenv("MEDIASYNC_DEV_MODE") == "true" {
		return nil
	}

	if c.Remote.BaseURL == "" {
		return errors.New("MEDIASYNC_REMOTE_URL is required")
	}
	if c.Remote.APIKey == "" {
		return errors.New("MEDIASYNC_REMOTE_API_KEY is required")
	}
	if c.Auth.APIKey == "" {
		return errors.New("MEDIASYNC_API_KEY is required")
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
