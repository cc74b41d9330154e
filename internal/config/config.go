// ABOUTME: Configuration loading and defaults for nvdcache
// ABOUTME: Handles YAML config files, environment overrides and validation

package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// Environment variables consulted by ApplyEnv.
const (
	EnvAPIKey           = "NVD_API_KEY"
	EnvCacheDir         = "NVDCACHE_DIR"
	EnvValidityHours    = "NVDCACHE_VALIDITY_HOURS"
	EnvThresholdPercent = "NVDCACHE_THRESHOLD_PERCENT"
	EnvDatabaseURL      = "NVDCACHE_DATABASE_URL"
)

// DefaultHeaderSignature is the magic prefix of an SQLite database file.
const DefaultHeaderSignature = "SQLite format 3\x00"

// Config holds the complete configuration for nvdcache.
type Config struct {
	// Cache configures the local cache directory and validity policy.
	Cache CacheConfig `yaml:"cache"`

	// Feed configures the remote data source.
	Feed FeedConfig `yaml:"feed"`

	// Download configures the chunked downloader.
	Download DownloadConfig `yaml:"download"`

	// Probe configures remote freshness probes.
	Probe ProbeConfig `yaml:"probe"`

	// Update configures scheduled updates in daemon mode.
	Update UpdateConfig `yaml:"update"`

	// ResultCache configures the analysis result cache.
	ResultCache ResultCacheConfig `yaml:"result_cache"`

	// NATS configuration.
	NATS NATSConfig `yaml:"nats"`

	// HTTP server configuration.
	HTTP HTTPConfig `yaml:"http"`

	// Logging configuration.
	Log LogConfig `yaml:"log"`

	// Tracing configuration.
	Tracing TracingConfig `yaml:"tracing"`
}

// CacheConfig holds cache directory and validity settings.
type CacheConfig struct {
	// Dir is the cache directory holding the database and its state files.
	Dir string `yaml:"dir"`

	// DatabaseFile is the database file name inside Dir.
	DatabaseFile string `yaml:"database_file"`

	// ValidityHours is the local freshness window.
	ValidityHours float64 `yaml:"validity_hours"`

	// ThresholdPercent is the record-count delta forcing a refresh.
	// Zero means use the persisted value, then the built-in default.
	ThresholdPercent float64 `yaml:"threshold_percent"`

	// RemoteValidation enables remote last-modified and count probes.
	RemoteValidation bool `yaml:"remote_validation"`

	// MinRecheckInterval skips remote probes when the last check is younger.
	MinRecheckInterval time.Duration `yaml:"min_recheck_interval"`

	// LocalOnly answers validity from local metadata alone.
	LocalOnly bool `yaml:"local_only"`

	// Offline disables every network call; existing data is used as is.
	Offline bool `yaml:"offline"`

	// MinDatabaseSize is the smallest acceptable database file in bytes.
	MinDatabaseSize int64 `yaml:"min_database_size"`

	// MinFreeSpace is the free disk space required before downloading.
	MinFreeSpace uint64 `yaml:"min_free_space"`

	// StaleLockAge is the age after which a lock file is considered abandoned.
	StaleLockAge time.Duration `yaml:"stale_lock_age"`

	// HeaderSignature is the expected leading bytes of the database file.
	HeaderSignature string `yaml:"header_signature"`
}

// DatabasePath returns the absolute database file path.
func (c CacheConfig) DatabasePath() string {
	return filepath.Join(c.Dir, c.DatabaseFile)
}

// FeedConfig holds remote source settings.
type FeedConfig struct {
	// DatabaseURL serves the prebuilt database file.
	DatabaseURL string `yaml:"database_url"`

	// ExtraURLs are auxiliary feed files stored next to the database.
	ExtraURLs []string `yaml:"extra_urls"`

	// APIURL is the paged CVE API used for record counts.
	APIURL string `yaml:"api_url"`

	// ModifiedURL is probed with HEAD for Last-Modified.
	// Empty means DatabaseURL.
	ModifiedURL string `yaml:"modified_url"`

	// Host scopes the JSON compatibility rewrite. Empty means the APIURL host.
	Host string `yaml:"host"`

	// APIKey raises remote rate limits when set.
	APIKey string `yaml:"api_key"`

	// UserAgent identifies this client on every request.
	UserAgent string `yaml:"user_agent"`
}

// FeedHost returns the host the compatibility rewrite is scoped to.
func (c FeedConfig) FeedHost() string {
	if c.Host != "" {
		return c.Host
	}
	u, err := url.Parse(c.APIURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// LastModifiedURL returns the URL probed for the remote modification time.
func (c FeedConfig) LastModifiedURL() string {
	if c.ModifiedURL != "" {
		return c.ModifiedURL
	}
	return c.DatabaseURL
}

// DownloadConfig holds downloader settings.
type DownloadConfig struct {
	// ChunkSize is the size of each ranged request in bytes.
	ChunkSize int64 `yaml:"chunk_size"`

	// MaxParallel bounds concurrent chunks and concurrent files.
	MaxParallel int `yaml:"max_parallel"`

	// ConnectTimeout bounds TCP connection setup.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// ReadTimeout bounds waiting for headers and each body read.
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// RecencyWindow skips targets modified more recently than this.
	RecencyWindow time.Duration `yaml:"recency_window"`
}

// ProbeConfig holds remote freshness probe settings.
type ProbeConfig struct {
	// IntervalWithKey is the minimum spacing of API calls with an API key.
	IntervalWithKey time.Duration `yaml:"interval_with_key"`

	// IntervalWithoutKey is the minimum spacing of anonymous API calls.
	IntervalWithoutKey time.Duration `yaml:"interval_without_key"`

	// FailureThreshold opens the probe circuit breaker.
	FailureThreshold int `yaml:"failure_threshold"`

	// ResetTimeout is how long the breaker stays open.
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// ResultCacheConfig holds analysis result cache settings.
type ResultCacheConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Dir           string        `yaml:"dir"`
	TTL           time.Duration `yaml:"ttl"`
	BloomCapacity uint          `yaml:"bloom_capacity"`
	BloomFPRate   float64       `yaml:"bloom_fp_rate"`
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

// HTTPConfig holds HTTP server settings.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TracingConfig holds tracing settings.
type TracingConfig struct {
	Enabled       bool    `yaml:"enabled"`
	Endpoint      string  `yaml:"endpoint"`
	Insecure      bool    `yaml:"insecure"`
	SamplingRatio float64 `yaml:"sampling_ratio"`
}

// DefaultConfig returns a Config with default values.
// External dependencies (NATS, tracing, HTTP) are disabled by default.
func DefaultConfig() *Config {
	return &Config{
		Cache: CacheConfig{
			Dir:                DefaultCacheDir(),
			DatabaseFile:       "nvd.db",
			ValidityHours:      24,
			ThresholdPercent:   0,
			RemoteValidation:   true,
			MinRecheckInterval: 15 * time.Minute,
			MinDatabaseSize:    1 << 20,
			MinFreeSpace:       1 << 30,
			StaleLockAge:       30 * time.Minute,
			HeaderSignature:    DefaultHeaderSignature,
		},
		Feed: FeedConfig{
			// No default mirror; set database_url to enable downloads.
			DatabaseURL: "",
			APIURL:      "https://services.nvd.nist.gov/rest/json/cves/2.0",
			Host:        "nvd.nist.gov",
			UserAgent:   "hikmaai-nvdcache",
		},
		Download: DownloadConfig{
			ChunkSize:      8 << 20,
			MaxParallel:    4,
			ConnectTimeout: 30 * time.Second,
			ReadTimeout:    60 * time.Second,
			RecencyWindow:  5 * time.Minute,
		},
		Probe: ProbeConfig{
			IntervalWithKey:    600 * time.Millisecond,
			IntervalWithoutKey: 6 * time.Second,
			FailureThreshold:   3,
			ResetTimeout:       5 * time.Minute,
		},
		Update: DefaultUpdateConfig(),
		ResultCache: ResultCacheConfig{
			Enabled:       false,
			TTL:           24 * time.Hour,
			BloomCapacity: 100_000,
			BloomFPRate:   0.01,
		},
		NATS: NATSConfig{
			// Disabled by default; set URL to enable.
			URL:     "",
			Subject: "nvdcache.update",
		},
		HTTP: HTTPConfig{
			// Disabled by default; set Addr to enable (e.g., ":8080").
			Addr: "",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Tracing: TracingConfig{
			Enabled:       false,
			Endpoint:      "localhost:4317",
			Insecure:      true,
			SamplingRatio: 1.0,
		},
	}
}

// DefaultCacheDir returns the default cache directory.
// NVDCACHE_DIR wins, then the user cache dir, then the temp dir.
func DefaultCacheDir() string {
	if dir := os.Getenv(EnvCacheDir); dir != "" {
		return dir
	}
	if base, err := os.UserCacheDir(); err == nil {
		return filepath.Join(base, "nvdcache")
	}
	return filepath.Join(os.TempDir(), "nvdcache")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "nvdcache", "config.yaml")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "/etc/nvdcache/config.yaml"
	}

	return filepath.Join(home, ".config", "nvdcache", "config.yaml")
}

// Load reads a YAML config file over the defaults.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}

// ApplyEnv overrides fields from environment variables.
func (c *Config) ApplyEnv() error {
	if key := os.Getenv(EnvAPIKey); key != "" {
		c.Feed.APIKey = key
	}
	if dir := os.Getenv(EnvCacheDir); dir != "" {
		c.Cache.Dir = dir
	}
	if u := os.Getenv(EnvDatabaseURL); u != "" {
		c.Feed.DatabaseURL = u
	}
	if v := os.Getenv(EnvValidityHours); v != "" {
		hours, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvValidityHours, err)
		}
		c.Cache.ValidityHours = hours
	}
	if v := os.Getenv(EnvThresholdPercent); v != "" {
		pct, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvThresholdPercent, err)
		}
		c.Cache.ThresholdPercent = pct
	}
	return nil
}

// Validate checks the configuration for values that cannot work.
func (c *Config) Validate() error {
	var errs []error

	if c.Cache.Dir == "" {
		errs = append(errs, errors.New("cache.dir must be set"))
	}
	if c.Cache.DatabaseFile == "" || filepath.Base(c.Cache.DatabaseFile) != c.Cache.DatabaseFile {
		errs = append(errs, fmt.Errorf("cache.database_file %q must be a plain file name", c.Cache.DatabaseFile))
	}
	if c.Cache.ValidityHours <= 0 {
		errs = append(errs, fmt.Errorf("cache.validity_hours must be positive, got %v", c.Cache.ValidityHours))
	}
	if c.Cache.ThresholdPercent < 0 {
		errs = append(errs, fmt.Errorf("cache.threshold_percent must not be negative, got %v", c.Cache.ThresholdPercent))
	}
	if c.Cache.MinDatabaseSize < int64(len(c.Cache.HeaderSignature)) {
		errs = append(errs, errors.New("cache.min_database_size must cover the header signature"))
	}
	if c.Download.ChunkSize <= 0 {
		errs = append(errs, errors.New("download.chunk_size must be positive"))
	}
	if c.Download.MaxParallel <= 0 {
		errs = append(errs, errors.New("download.max_parallel must be positive"))
	}
	if c.Feed.DatabaseURL != "" {
		if _, err := url.ParseRequestURI(c.Feed.DatabaseURL); err != nil {
			errs = append(errs, fmt.Errorf("feed.database_url: %w", err))
		}
	}

	return multierr.Combine(errs...)
}
