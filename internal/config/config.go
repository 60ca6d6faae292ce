// Package config loads the runtime configuration and hot-reloads feature
// flags.
//
// The config file is JWCC (JSON with comments and trailing commas) so
// operators can annotate it in place. Everything except feature flags is
// read once at startup; the flag map is re-read whenever the file changes
// on disk.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/tailscale/hujson"
)

// Config is the full runtime configuration.
type Config struct {
	// Root is the store root directory.
	Root string `json:"root"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `json:"log_level"`

	// Listen is the health/metrics HTTP address.
	Listen string `json:"listen"`

	Retry   RetryConfig   `json:"retry"`
	Breaker BreakerConfig `json:"breaker"`
	Health  HealthConfig  `json:"health"`

	// FeatureFlags gates degradable operations; unlisted flags are on.
	FeatureFlags map[string]bool `json:"feature_flags"`
}

// RetryConfig tunes the shared retry policy.
type RetryConfig struct {
	MaxRetries int      `json:"max_retries"`
	BaseDelay  Duration `json:"base_delay"`
	MaxDelay   Duration `json:"max_delay"`
}

// BreakerConfig tunes the default circuit breaker.
type BreakerConfig struct {
	FailureThreshold int      `json:"failure_threshold"`
	SuccessThreshold int      `json:"success_threshold"`
	Timeout          Duration `json:"timeout"`
}

// HealthConfig tunes the periodic health checks.
type HealthConfig struct {
	CheckInterval Duration `json:"check_interval"`
	CheckTimeout  Duration `json:"check_timeout"`
	AutoRestart   bool     `json:"auto_restart"`
}

// Duration is a time.Duration that unmarshals from Go duration strings
// ("500ms", "1m30s") or from bare nanosecond numbers.
type Duration time.Duration

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var asString string

	if err := json.Unmarshal(data, &asString); err == nil {
		parsed, parseErr := time.ParseDuration(asString)
		if parseErr != nil {
			return fmt.Errorf("parse duration %q: %w", asString, parseErr)
		}

		*d = Duration(parsed)

		return nil
	}

	var asNumber int64

	err := json.Unmarshal(data, &asNumber)
	if err != nil {
		return fmt.Errorf("duration must be a string or a number: %w", err)
	}

	*d = Duration(asNumber)

	return nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns the standard library duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Root:     ".",
		LogLevel: "info",
		Listen:   ":8090",
		Retry: RetryConfig{
			MaxRetries: 3,
			BaseDelay:  Duration(500 * time.Millisecond),
			MaxDelay:   Duration(30 * time.Second),
		},
		Breaker: BreakerConfig{
			FailureThreshold: 3,
			SuccessThreshold: 2,
			Timeout:          Duration(60 * time.Second),
		},
		Health: HealthConfig{
			CheckInterval: Duration(30 * time.Second),
			CheckTimeout:  Duration(5 * time.Second),
		},
		FeatureFlags: map[string]bool{},
	}
}

// Load reads a JWCC config file and merges it over the defaults. A missing
// path returns the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		return cfg, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}

		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	standardized, err := hujson.Standardize(raw)
	if err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}

	err = json.Unmarshal(standardized, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("decode config %s: %w", path, err)
	}

	if cfg.FeatureFlags == nil {
		cfg.FeatureFlags = map[string]bool{}
	}

	return cfg, nil
}
