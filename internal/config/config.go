// Package config loads settings from defaults, a TOML file and BATCHX_*
// environment variables, in that order of precedence (lowest first).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "BATCHX_"

// DefaultPath is read when no config file is given, if it exists.
const DefaultPath = "batchexplorer.toml"

// Config holds all settings.
type Config struct {
	API       APIConfig       `toml:"api"`
	Storage   StorageConfig   `toml:"storage"`
	Index     IndexConfig     `toml:"index"`
	Cache     CacheConfig     `toml:"cache"`
	Poll      PollConfig      `toml:"poll"`
	Navigator NavigatorConfig `toml:"navigator"`
	Logging   LoggingConfig   `toml:"logging"`
	Metrics   MetricsConfig   `toml:"metrics"`
}

// APIConfig points at the account REST endpoint.
type APIConfig struct {
	BaseURL    string   `toml:"base_url"`
	Token      string   `toml:"token"`
	APIVersion string   `toml:"api_version"`
	Timeout    Duration `toml:"timeout"`
	FeedPath   string   `toml:"feed_path"` // change feed, empty disables
}

// StorageConfig holds S3 connection settings for blob containers.
type StorageConfig struct {
	Endpoint  string `toml:"endpoint"`
	Bucket    string `toml:"bucket"`
	AccessKey string `toml:"access_key"`
	SecretKey string `toml:"secret_key"`
	Region    string `toml:"region"`
}

// IndexConfig selects the SQL file index.
type IndexConfig struct {
	Driver string `toml:"driver"` // "postgres" or "sqlite"
	DSN    string `toml:"dsn"`
}

// CacheConfig sizes the caches.
type CacheConfig struct {
	MaxQuery         int `toml:"max_query"`
	TargetedCapacity int `toml:"targeted_capacity"`
}

// PollConfig holds polling settings.
type PollConfig struct {
	Interval Duration `toml:"interval"`
}

// NavigatorConfig holds file navigator settings.
type NavigatorConfig struct {
	DeleteDelay Duration `toml:"delete_delay"`
	Wildcards   string   `toml:"wildcards"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `toml:"level"`  // debug, info, warn, error
	Format string `toml:"format"` // json or console
	Output string `toml:"output"`
}

// MetricsConfig enables the Prometheus endpoint.
type MetricsConfig struct {
	Addr string `toml:"addr"` // empty disables
}

// Duration is a time.Duration decoded from strings such as "5s".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		API: APIConfig{
			Timeout: Duration(30 * time.Second),
		},
		Storage: StorageConfig{
			Region: "us-east-1",
		},
		Index: IndexConfig{
			Driver: "sqlite",
			DSN:    "batchexplorer-index.db",
		},
		Cache: CacheConfig{
			MaxQuery:         1,
			TargetedCapacity: 256,
		},
		Poll: PollConfig{
			Interval: Duration(5 * time.Second),
		},
		Navigator: NavigatorConfig{
			DeleteDelay: Duration(50 * time.Millisecond),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
	}
}

// Load builds the configuration. An explicit path must exist; with an
// empty path DefaultPath is read when present.
func Load(path string) (*Config, error) {
	cfg := Default()
	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings no component can run with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Index.Driver {
	case "postgres", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("index.driver must be postgres or sqlite, got %q", c.Index.Driver))
	}
	if c.Cache.MaxQuery < 1 {
		errs = append(errs, fmt.Errorf("cache.max_query must be at least 1, got %d", c.Cache.MaxQuery))
	}
	if c.Cache.TargetedCapacity < 1 {
		errs = append(errs, fmt.Errorf("cache.targeted_capacity must be at least 1, got %d", c.Cache.TargetedCapacity))
	}
	if c.Poll.Interval <= 0 {
		errs = append(errs, errors.New("poll.interval must be positive"))
	}
	return errors.Join(errs...)
}

func (c *Config) applyEnv() {
	c.API.BaseURL = envOr("API_BASE_URL", c.API.BaseURL)
	c.API.Token = envOr("API_TOKEN", c.API.Token)
	c.API.APIVersion = envOr("API_VERSION", c.API.APIVersion)
	c.API.Timeout = envDuration("API_TIMEOUT", c.API.Timeout)
	c.API.FeedPath = envOr("API_FEED_PATH", c.API.FeedPath)

	c.Storage.Endpoint = envOr("S3_ENDPOINT", c.Storage.Endpoint)
	c.Storage.Bucket = envOr("S3_BUCKET", c.Storage.Bucket)
	c.Storage.AccessKey = envOr("S3_ACCESS_KEY", c.Storage.AccessKey)
	c.Storage.SecretKey = envOr("S3_SECRET_KEY", c.Storage.SecretKey)
	c.Storage.Region = envOr("S3_REGION", c.Storage.Region)

	c.Index.Driver = envOr("INDEX_DRIVER", c.Index.Driver)
	c.Index.DSN = envOr("INDEX_DSN", c.Index.DSN)

	c.Cache.MaxQuery = envInt("CACHE_MAX_QUERY", c.Cache.MaxQuery)
	c.Cache.TargetedCapacity = envInt("CACHE_TARGETED_CAPACITY", c.Cache.TargetedCapacity)

	c.Poll.Interval = envDuration("POLL_INTERVAL", c.Poll.Interval)

	c.Navigator.DeleteDelay = envDuration("NAVIGATOR_DELETE_DELAY", c.Navigator.DeleteDelay)
	c.Navigator.Wildcards = envOr("NAVIGATOR_WILDCARDS", c.Navigator.Wildcards)

	c.Logging.Level = envOr("LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = envOr("LOG_FORMAT", c.Logging.Format)
	c.Logging.Output = envOr("LOG_OUTPUT", c.Logging.Output)

	c.Metrics.Addr = envOr("METRICS_ADDR", c.Metrics.Addr)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(EnvPrefix + key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envDuration(key string, fallback Duration) Duration {
	v := os.Getenv(EnvPrefix + key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return Duration(d)
}
