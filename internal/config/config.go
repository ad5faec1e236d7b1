// Package config provides configuration for the export sales pipeline.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultBaseURL            = "https://api.fas.usda.gov/api/esr"
	defaultDBPath             = "data/esr_data.db"
	defaultRateLimitThreshold = 50
	defaultRetryDelaySeconds  = 5
	defaultTimeoutSeconds     = 120
	defaultCooldownSeconds    = 300
	defaultUserAgent          = "exportsales/0.1"
)

// Config holds the pipeline configuration.
type Config struct {
	// BaseURL is the upstream feed root
	BaseURL string `json:"base_url" yaml:"base_url"`

	// APIKeys is the credential pool rotated by the fetch client
	APIKeys []string `json:"api_keys" yaml:"api_keys"`

	// DBPath is the sqlite database path
	DBPath string `json:"db_path" yaml:"db_path"`

	// RateLimitThreshold is the remaining-quota floor below which a
	// credential is rotated out
	RateLimitThreshold int `json:"rate_limit_threshold" yaml:"rate_limit_threshold"`

	// RetryDelay is the base backoff delay between request attempts
	RetryDelay time.Duration `json:"retry_delay" yaml:"retry_delay"`

	// Timeout is the per-request HTTP timeout
	Timeout time.Duration `json:"timeout" yaml:"timeout"`

	// Cooldown is how long to wait when every credential is exhausted
	Cooldown time.Duration `json:"cooldown" yaml:"cooldown"`

	// UserAgent is sent on every upstream request
	UserAgent string `json:"user_agent" yaml:"user_agent"`
}

// Default returns the configuration with all defaults applied.
func Default() Config {
	return Config{
		BaseURL:            defaultBaseURL,
		DBPath:             defaultDBPath,
		RateLimitThreshold: defaultRateLimitThreshold,
		RetryDelay:         defaultRetryDelaySeconds * time.Second,
		Timeout:            defaultTimeoutSeconds * time.Second,
		Cooldown:           defaultCooldownSeconds * time.Second,
		UserAgent:          defaultUserAgent,
	}
}

// Load reads the YAML file at path, applies defaults for unset fields and
// then environment overrides. An empty path skips the file and uses
// defaults plus environment only.
func Load(path string) (Config, error) {
	cfg := Default()

	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.applyDefaults()
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	d := Default()
	if strings.TrimSpace(c.BaseURL) == "" {
		c.BaseURL = d.BaseURL
	}
	if strings.TrimSpace(c.DBPath) == "" {
		c.DBPath = d.DBPath
	}
	if c.RateLimitThreshold <= 0 {
		c.RateLimitThreshold = d.RateLimitThreshold
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = d.RetryDelay
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.Cooldown <= 0 {
		c.Cooldown = d.Cooldown
	}
	if strings.TrimSpace(c.UserAgent) == "" {
		c.UserAgent = d.UserAgent
	}
}

func (c *Config) applyEnv() {
	if v := getenv("ESR_BASE_URL", ""); v != "" {
		c.BaseURL = v
	}
	if v := getenv("ESR_DB_PATH", ""); v != "" {
		c.DBPath = v
	}
	if v := getenv("ESR_API_KEYS", ""); v != "" {
		keys := make([]string, 0)
		for _, key := range strings.Split(v, ",") {
			if key = strings.TrimSpace(key); key != "" {
				keys = append(keys, key)
			}
		}
		c.APIKeys = keys
	}
	if v := getenvInt("ESR_RATE_LIMIT_THRESHOLD", 0); v > 0 {
		c.RateLimitThreshold = v
	}
	if v := getenvInt("ESR_RETRY_DELAY_SECONDS", 0); v > 0 {
		c.RetryDelay = time.Duration(v) * time.Second
	}
	if v := getenvInt("ESR_TIMEOUT_SECONDS", 0); v > 0 {
		c.Timeout = time.Duration(v) * time.Second
	}
	if v := getenvInt("ESR_COOLDOWN_SECONDS", 0); v > 0 {
		c.Cooldown = time.Duration(v) * time.Second
	}
}

// Validate checks invariants that would otherwise surface mid-run.
func (c Config) Validate() error {
	if len(c.APIKeys) == 0 {
		return fmt.Errorf("config: at least one api key is required (ESR_API_KEYS)")
	}
	if strings.TrimSpace(c.DBPath) == "" {
		return fmt.Errorf("config: db path is required")
	}
	return nil
}

func getenv(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}
