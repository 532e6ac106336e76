package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the runtime configuration for the sidecart coordinator.
// All durations accept Go duration strings in YAML ("10s", "1h").
type Config struct {
	// Backend API base URL, e.g. "https://api.example.com/api/v1".
	APIBaseURL string `yaml:"api_base_url"`

	// Regional classification: the designated public suffix pages must be
	// on, plus retailer domain keys allowed on other suffixes.
	RegionalSuffix      string   `yaml:"regional_suffix"`
	AlternateDomainKeys []string `yaml:"alternate_domain_keys"`

	// Where persisted state (records, retailer snapshot, admission flags)
	// lives. Empty means ~/.sidecart/state.json.
	StatePath string `yaml:"state_path"`

	// Optional local retailer-directory snapshot file. When set, the
	// directory manager watches it and hot-reloads on change.
	SnapshotPath string `yaml:"snapshot_path"`

	// Retailer directory refresh cadence and the retry delay used after a
	// failed fetch.
	DirectoryRefreshInterval time.Duration `yaml:"directory_refresh_interval"`
	DirectoryRetryInterval   time.Duration `yaml:"directory_retry_interval"`

	// Deadlines. HandshakeTimeout bounds the in-page agent readiness
	// check; the stall timeouts bound how long a record may sit in
	// DOM_LOADING or SCRAPING while a UI is attached; JobStuckTimeout
	// bounds a background job stream from its start.
	HandshakeTimeout     time.Duration `yaml:"handshake_timeout"`
	LoadingStallTimeout  time.Duration `yaml:"loading_stall_timeout"`
	ScrapingStallTimeout time.Duration `yaml:"scraping_stall_timeout"`
	JobStuckTimeout      time.Duration `yaml:"job_stuck_timeout"`

	// Records older than this are garbage-collected.
	RecordTTL time.Duration `yaml:"record_ttl"`

	// Admission windows: the rate-limit fallback when a 429 carries no
	// retryAfter, and the fixed service-unavailable window for 503s.
	RateLimitFallback        time.Duration `yaml:"rate_limit_fallback"`
	ServiceUnavailableWindow time.Duration `yaml:"service_unavailable_window"`

	// How often queued usage events are flushed to the backend.
	UsageFlushInterval time.Duration `yaml:"usage_flush_interval"`
}

// Default returns the configuration used when no file overrides it.
func Default() Config {
	return Config{
		APIBaseURL:               "http://localhost:3000/api/v1",
		RegionalSuffix:           "ca",
		AlternateDomainKeys:      []string{"bureauengros"},
		DirectoryRefreshInterval: 24 * time.Hour,
		DirectoryRetryInterval:   15 * time.Minute,
		HandshakeTimeout:         10 * time.Second,
		LoadingStallTimeout:      10 * time.Second,
		ScrapingStallTimeout:     20 * time.Second,
		JobStuckTimeout:          20 * time.Second,
		RecordTTL:                time.Hour,
		RateLimitFallback:        time.Minute,
		ServiceUnavailableWindow: 10 * time.Minute,
		UsageFlushInterval:       5 * time.Minute,
	}
}

// DefaultPath returns ~/.sidecart/config.yaml.
func DefaultPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(homeDir, ".sidecart", "config.yaml"), nil
}

// Load reads a YAML config file and overlays it on the defaults. A missing
// file is not an error; the defaults are returned as-is.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		defaultPath, err := DefaultPath()
		if err != nil {
			return cfg, err
		}
		path = defaultPath
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations the coordinator cannot run with.
func (c Config) Validate() error {
	if c.APIBaseURL == "" {
		return fmt.Errorf("api_base_url must not be empty")
	}
	if c.RegionalSuffix == "" {
		return fmt.Errorf("regional_suffix must not be empty")
	}
	for name, d := range map[string]time.Duration{
		"handshake_timeout":      c.HandshakeTimeout,
		"loading_stall_timeout":  c.LoadingStallTimeout,
		"scraping_stall_timeout": c.ScrapingStallTimeout,
		"job_stuck_timeout":      c.JobStuckTimeout,
		"record_ttl":             c.RecordTTL,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	return nil
}
