package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
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
	Backoff     BackoffConfig     `yaml:"backoff"`
	Sync        SyncConfig        `yaml:"sync"`
	Propagation PropagationConfig `yaml:"propagation"`
	Retention   RetentionConfig   `yaml:"retention"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port            int      `yaml:"port"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig selects the backing store.
// Driver is "sqlite" (Path) or "postgres" (DSN).
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	DSN    string `yaml:"-"` // env-only, may contain credentials
}

// AuthConfig contains authentication settings for the operations API.
type AuthConfig struct {
	APIKey string `yaml:"-"` // env-only, never in YAML
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// BackoffConfig is the shared retry policy.
type BackoffConfig struct {
	BaseDelay     Duration `yaml:"base_delay"`
	MaxDelay      Duration `yaml:"max_delay"`
	JitterPercent uint64   `yaml:"jitter_percent"`
}

// SyncConfig controls source pulls and the scheduler.
type SyncConfig struct {
	Interval       Duration       `yaml:"interval"`
	BatchSize      int            `yaml:"batch_size"`
	MaxRetriesPull int            `yaml:"max_retries_pull"`
	RequestTimeout Duration       `yaml:"request_timeout"`
	RateLimit      float64        `yaml:"rate_limit"` // requests per second, 0 = unlimited
	RateBurst      int            `yaml:"rate_burst"`
	LeaseTTL       Duration       `yaml:"lease_ttl"`
	AlertThreshold int            `yaml:"alert_threshold"`
	Workers        int            `yaml:"workers"`
	Sources        []SourceConfig `yaml:"sources"`
}

// SourceConfig describes one external paginated source.
type SourceConfig struct {
	ID       string `yaml:"id"`
	BaseURL  string `yaml:"base_url"`
	Table    string `yaml:"table"`
	TokenEnv string `yaml:"token_env"` // name of the env var holding the bearer token
	Schema   string `yaml:"schema"`    // optional JSON schema file for payloads
}

// PropagationConfig controls memory delivery between agents.
type PropagationConfig struct {
	PollInterval       Duration          `yaml:"poll_interval"`
	MaxRetriesDelivery int               `yaml:"max_retries_delivery"`
	Workers            int               `yaml:"workers"`
	DeliveryTimeout    Duration          `yaml:"delivery_timeout"`
	LeaseTTL           Duration          `yaml:"lease_ttl"`
	Agents             map[string]string `yaml:"agents"` // agent name -> base URL
	Token              string            `yaml:"-"`      // env-only bearer token sent to agents
}

// RetentionConfig controls the sweeper.
type RetentionConfig struct {
	Interval     Duration      `yaml:"interval"`
	MemoryWindow Duration      `yaml:"memory_window"`
	ReportWindow Duration      `yaml:"report_window"`
	Archive      ArchiveConfig `yaml:"archive"`
}

// ArchiveConfig contains S3-compatible archive settings for swept rows.
// An empty bucket disables archiving.
type ArchiveConfig struct {
	Bucket    string `yaml:"bucket"`
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	UseSSL    *bool  `yaml:"use_ssl"`
	Prefix    string `yaml:"prefix"`
	AccessKey string `yaml:"-"` // env-only
	SecretKey string `yaml:"-"` // env-only
}

// Source returns the source with the given id.
func (c *Config) Source(id string) (SourceConfig, bool) {
	for _, s := range c.Sync.Sources {
		if s.ID == id {
			return s, true
		}
	}
	return SourceConfig{}, false
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

	configPath := getEnv("KEEL_CONFIG_PATH", "config/keel.yaml")

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
// Used for testing and the --config flag.
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
			Driver: "sqlite",
			Path:   "data/keel.db",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Backoff: BackoffConfig{
			BaseDelay:     Duration(time.Second),
			MaxDelay:      Duration(5 * time.Minute),
			JitterPercent: 20,
		},
		Sync: SyncConfig{
			Interval:       Duration(5 * time.Minute),
			BatchSize:      100,
			MaxRetriesPull: 5,
			RequestTimeout: Duration(30 * time.Second),
			RateLimit:      5,
			RateBurst:      1,
			LeaseTTL:       Duration(2 * time.Minute),
			AlertThreshold: 3,
			Workers:        4,
		},
		Propagation: PropagationConfig{
			PollInterval:       Duration(5 * time.Second),
			MaxRetriesDelivery: 3,
			Workers:            4,
			DeliveryTimeout:    Duration(10 * time.Second),
			LeaseTTL:           Duration(time.Minute),
			Agents:             map[string]string{},
		},
		Retention: RetentionConfig{
			Interval:     Duration(time.Hour),
			MemoryWindow: Duration(7 * 24 * time.Hour),
			ReportWindow: Duration(30 * 24 * time.Hour),
		},
	}
}

// loadYAMLFile loads configuration from a YAML file if it exists.
// Missing file is not an error; we just use defaults.
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

func envDuration(key string, dst *Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = Duration(d)
		}
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// applyEnvOverrides applies environment variable overrides to the config.
// Only non-empty env vars override config values.
func applyEnvOverrides(cfg *Config) {
	// Server
	envInt("KEEL_PORT", &cfg.Server.Port)
	envDuration("KEEL_READ_TIMEOUT", &cfg.Server.ReadTimeout)
	envDuration("KEEL_WRITE_TIMEOUT", &cfg.Server.WriteTimeout)
	envDuration("KEEL_SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)

	// Database
	if v := os.Getenv("KEEL_DATABASE_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("KEEL_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("KEEL_DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}

	// Auth
	if v := os.Getenv("KEEL_API_KEY"); v != "" {
		cfg.Auth.APIKey = v
	}

	// Log
	if v := os.Getenv("KEEL_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("KEEL_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}

	// Backoff
	envDuration("KEEL_BACKOFF_BASE_DELAY", &cfg.Backoff.BaseDelay)
	envDuration("KEEL_BACKOFF_MAX_DELAY", &cfg.Backoff.MaxDelay)

	// Sync
	envDuration("KEEL_SYNC_INTERVAL", &cfg.Sync.Interval)
	if v := os.Getenv("KEEL_SYNC_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sync.Interval = Duration(time.Duration(n) * time.Second)
		}
	}
	envInt("KEEL_SYNC_BATCH_SIZE", &cfg.Sync.BatchSize)
	envInt("KEEL_SYNC_MAX_RETRIES_PULL", &cfg.Sync.MaxRetriesPull)
	envDuration("KEEL_SYNC_REQUEST_TIMEOUT", &cfg.Sync.RequestTimeout)
	if v := os.Getenv("KEEL_SYNC_RATE_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Sync.RateLimit = f
		}
	}
	envInt("KEEL_SYNC_WORKERS", &cfg.Sync.Workers)

	// Propagation
	envDuration("KEEL_PROPAGATION_POLL_INTERVAL", &cfg.Propagation.PollInterval)
	envInt("KEEL_PROPAGATION_MAX_RETRIES_DELIVERY", &cfg.Propagation.MaxRetriesDelivery)
	envInt("KEEL_PROPAGATION_WORKERS", &cfg.Propagation.Workers)
	envDuration("KEEL_PROPAGATION_DELIVERY_TIMEOUT", &cfg.Propagation.DeliveryTimeout)
	if v := os.Getenv("KEEL_PROPAGATION_TOKEN"); v != "" {
		cfg.Propagation.Token = v
	}

	// Retention
	envDuration("KEEL_RETENTION_INTERVAL", &cfg.Retention.Interval)
	envDuration("KEEL_RETENTION_MEMORY_WINDOW", &cfg.Retention.MemoryWindow)
	envDuration("KEEL_RETENTION_REPORT_WINDOW", &cfg.Retention.ReportWindow)
	if v := os.Getenv("KEEL_ARCHIVE_BUCKET"); v != "" {
		cfg.Retention.Archive.Bucket = v
	}
	if v := os.Getenv("KEEL_ARCHIVE_ENDPOINT"); v != "" {
		cfg.Retention.Archive.Endpoint = v
	}
	if v := os.Getenv("KEEL_ARCHIVE_ACCESS_KEY"); v != "" {
		cfg.Retention.Archive.AccessKey = v
	}
	if v := os.Getenv("KEEL_ARCHIVE_SECRET_KEY"); v != "" {
		cfg.Retention.Archive.SecretKey = v
	}
}

// validate checks that configuration values are usable.
// In dev mode (KEEL_DEV_MODE=true), API key validation is skipped.
func (c *Config) validate() error {
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			return errors.New("database.path is required for sqlite")
		}
	case "postgres":
		if c.Database.DSN == "" {
			return errors.New("KEEL_DATABASE_DSN is required for postgres")
		}
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}

	if c.Sync.Interval <= 0 {
		return errors.New("sync.interval must be positive")
	}
	if c.Sync.BatchSize <= 0 {
		return errors.New("sync.batch_size must be positive")
	}
	if c.Sync.MaxRetriesPull <= 0 {
		return errors.New("sync.max_retries_pull must be positive")
	}
	if c.Propagation.MaxRetriesDelivery <= 0 {
		return errors.New("propagation.max_retries_delivery must be positive")
	}
	if c.Propagation.PollInterval <= 0 || c.Retention.Interval <= 0 {
		return errors.New("propagation.poll_interval and retention.interval must be positive")
	}
	if c.Backoff.MaxDelay < c.Backoff.BaseDelay {
		return errors.New("backoff.max_delay must not be below backoff.base_delay")
	}
	if c.Retention.MemoryWindow <= 0 || c.Retention.ReportWindow <= 0 {
		return errors.New("retention windows must be positive")
	}

	seen := make(map[string]bool, len(c.Sync.Sources))
	for i, s := range c.Sync.Sources {
		if strings.TrimSpace(s.ID) == "" {
			return fmt.Errorf("sync.sources[%d].id is required", i)
		}
		if seen[s.ID] {
			return fmt.Errorf("duplicate source id %q", s.ID)
		}
		seen[s.ID] = true
		if s.BaseURL == "" || s.Table == "" {
			return fmt.Errorf("source %q needs base_url and table", s.ID)
		}
	}

	// Dev mode bypasses API key validation
	if os.Getenv("KEEL_DEV_MODE") == "true" {
		return nil
	}
	if c.Auth.APIKey == "" {
		return errors.New("KEEL_API_KEY is required")
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
