// Package config loads the daemon configuration from YAML with
// environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/convergio/converge/pkg/agent"
	"github.com/convergio/converge/pkg/coordinator"
)

// EnvPrefix is the prefix for environment overrides, e.g. CONVERGE_BUS_URL.
const EnvPrefix = "CONVERGE"

// Config is the full daemon configuration.
type Config struct {
	Bus         BusConfig         `yaml:"bus"`
	Channels    ChannelsConfig    `yaml:"channels"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// BusConfig selects and configures the transport.
type BusConfig struct {
	// Mode is "memory" or "nats".
	Mode string `yaml:"mode"`

	// URL is the NATS server URL (nats mode only).
	URL string `yaml:"url"`

	// Prefix is prepended to all NATS subjects.
	Prefix string `yaml:"prefix"`

	// CacheBucket is the JetStream bucket backing the cache (nats mode).
	CacheBucket string `yaml:"cache_bucket"`
}

// ChannelsConfig names the flat channel namespace. Channel names are
// configuration, not protocol; any unique strings work.
type ChannelsConfig struct {
	// FrontDoor receives externally-originated requests.
	FrontDoor string `yaml:"front_door"`

	// Results is the shared channel workers publish sub-results to.
	Results string `yaml:"results"`

	// Output carries the aggregated outcome.
	Output string `yaml:"output"`

	// Sources maps each expected worker kind to its request channel.
	Sources map[string]string `yaml:"sources"`
}

// CoordinatorConfig tunes the fan-in policy.
type CoordinatorConfig struct {
	// TimeoutSeconds is the fan-in window per dispatch.
	TimeoutSeconds int `yaml:"timeout_seconds"`

	// DedupLimit bounds each worker's processed-request records.
	DedupLimit int `yaml:"dedup_limit"`
}

// RateLimitConfig tunes the shared fixed-window limiter.
type RateLimitConfig struct {
	Limit         int `yaml:"limit"`
	WindowSeconds int `yaml:"window_seconds"`
}

// MetricsConfig configures the /metrics listener.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns a runnable configuration for a single-process deployment.
func Default() Config {
	return Config{
		Bus: BusConfig{
			Mode:        "memory",
			URL:         "nats://127.0.0.1:4222",
			Prefix:      "converge",
			CacheBucket: "converge-cache",
		},
		Channels: ChannelsConfig{
			FrontDoor: "requests",
			Results:   "results",
			Output:    "aggregated",
			Sources: map[string]string{
				"StockWorker":     "work.stock",
				"NarrativeWorker": "work.narrative",
			},
		},
		Coordinator: CoordinatorConfig{
			TimeoutSeconds: int(coordinator.DefaultTimeout / time.Second),
			DedupLimit:     agent.DefaultDedupLimit,
		},
		RateLimit: RateLimitConfig{
			Limit:         60,
			WindowSeconds: 60,
		},
		Metrics: MetricsConfig{
			Addr: ":9102",
		},
	}
}

// Load reads path into a Config starting from defaults, then applies
// CONVERGE_* environment overrides. An empty path loads defaults plus
// overrides only.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := ApplyEnvOverrides(EnvPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: env overrides: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate fail-fasts on configurations the daemon cannot run with.
func (c Config) Validate() error {
	switch c.Bus.Mode {
	case "memory", "nats":
	default:
		return fmt.Errorf("config: bus mode must be memory or nats, got %q", c.Bus.Mode)
	}
	if c.Channels.FrontDoor == "" || c.Channels.Results == "" || c.Channels.Output == "" {
		return fmt.Errorf("config: front_door, results and output channels are required")
	}
	if len(c.Channels.Sources) == 0 {
		return fmt.Errorf("config: at least one source channel is required")
	}
	if c.Coordinator.TimeoutSeconds <= 0 {
		return fmt.Errorf("config: coordinator timeout must be positive")
	}
	return nil
}

// Timeout returns the fan-in window as a duration.
func (c CoordinatorConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Window returns the rate-limit window as a duration.
func (c RateLimitConfig) Window() time.Duration {
	return time.Duration(c.WindowSeconds) * time.Second
}

// ApplyEnvOverrides walks target (a pointer to struct) and overrides fields
// from environment variables named PREFIX_FIELD_SUBFIELD, following the
// yaml tag when present.
func ApplyEnvOverrides(prefix string, target interface{}) error {
	val := reflect.ValueOf(target)
	if val.Kind() != reflect.Ptr || val.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("target must be a pointer to a struct")
	}
	return applyEnvToStruct(prefix, val.Elem())
}

func applyEnvToStruct(prefix string, val reflect.Value) error {
	typ := val.Type()

	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)
		fieldType := typ.Field(i)

		if !field.CanSet() {
			continue
		}

		name := fieldType.Tag.Get("yaml")
		if idx := strings.Index(name, ","); idx >= 0 {
			name = name[:idx]
		}
		if name == "" {
			name = fieldType.Name
		}
		envKey := prefix + "_" + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))

		if field.Kind() == reflect.Struct {
			if err := applyEnvToStruct(envKey, field); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}
		if err := setFieldFromEnv(field, envKey, envValue); err != nil {
			return err
		}
	}
	return nil
}

func setFieldFromEnv(field reflect.Value, key, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int64:
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		field.SetInt(n)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		field.SetBool(b)
	case reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		field.SetFloat(f)
	default:
		// Maps and slices stay file-configured.
	}
	return nil
}
