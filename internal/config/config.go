// Package config loads the deliverytrack configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes environment overrides, e.g. DELIVERYTRACK_STORE_DSN.
const EnvPrefix = "DELIVERYTRACK"

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	Store     StoreConfig      `yaml:"store" mapstructure:"store"`
	Polling   PollingConfig    `yaml:"polling" mapstructure:"polling"`
	Crypto    CryptoConfig     `yaml:"crypto" mapstructure:"crypto"`
	Circuit   CircuitConfig    `yaml:"circuit" mapstructure:"circuit"`
	Retention RetentionConfig  `yaml:"retention" mapstructure:"retention"`
	Providers []ProviderConfig `yaml:"providers" mapstructure:"providers"`
	Log       LogConfig        `yaml:"log" mapstructure:"log"`
	Metrics   MetricsConfig    `yaml:"metrics" mapstructure:"metrics"`
	API       APIConfig        `yaml:"api" mapstructure:"api"`
}

type StoreConfig struct {
	// Profile picks a DSN when DSN is empty: memory, local or production.
	Profile string `yaml:"profile" mapstructure:"profile"`
	DSN     string `yaml:"dsn" mapstructure:"dsn"`
	DataDir string `yaml:"data_dir" mapstructure:"data_dir"`
	Table   string `yaml:"table" mapstructure:"table"`
}

type PollingConfig struct {
	Interval            time.Duration   `yaml:"interval" mapstructure:"interval"`
	BatchSize           int             `yaml:"batch_size" mapstructure:"batch_size"`
	Concurrency         int             `yaml:"concurrency" mapstructure:"concurrency"`
	InitialDelay        time.Duration   `yaml:"initial_delay" mapstructure:"initial_delay"`
	Backoff             []time.Duration `yaml:"backoff" mapstructure:"backoff"`
	MaxTrackingDuration time.Duration   `yaml:"max_tracking_duration" mapstructure:"max_tracking_duration"`
	ScheduledGrace      time.Duration   `yaml:"scheduled_grace" mapstructure:"scheduled_grace"`
	UnsupportedProvider string          `yaml:"unsupported_provider" mapstructure:"unsupported_provider"`
	QueryTimeout        time.Duration   `yaml:"query_timeout" mapstructure:"query_timeout"`
}

// FieldPolicy sets the mode of one field path. Paths are listed rather than
// used as map keys because metadata paths contain dots.
type FieldPolicy struct {
	Path string `yaml:"path" mapstructure:"path"`
	Mode string `yaml:"mode" mapstructure:"mode"`
}

type CryptoConfig struct {
	Enabled              bool          `yaml:"enabled" mapstructure:"enabled"`
	KeyFile              string        `yaml:"key_file" mapstructure:"key_file"`
	WatchKeys            bool          `yaml:"watch_keys" mapstructure:"watch_keys"`
	Default              string        `yaml:"default" mapstructure:"default"`
	Fields               []FieldPolicy `yaml:"fields" mapstructure:"fields"`
	MetadataHashPaths    []string      `yaml:"metadata_hash_paths" mapstructure:"metadata_hash_paths"`
	FailMode             string        `yaml:"fail_mode" mapstructure:"fail_mode"`
	OpenFallback         string        `yaml:"open_fallback" mapstructure:"open_fallback"`
	AllowUnsafePlaintext bool          `yaml:"allow_unsafe_plaintext" mapstructure:"allow_unsafe_plaintext"`
	SecureMode           bool          `yaml:"secure_mode" mapstructure:"secure_mode"`
	PlaintextCompat      bool          `yaml:"plaintext_compat" mapstructure:"plaintext_compat"`
	AADKeys              []string      `yaml:"aad_keys" mapstructure:"aad_keys"`
	Version              string        `yaml:"version" mapstructure:"version"`
}

type CircuitConfig struct {
	Enabled          bool          `yaml:"enabled" mapstructure:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	Window           time.Duration `yaml:"window" mapstructure:"window"`
	Cooldown         time.Duration `yaml:"cooldown" mapstructure:"cooldown"`
	Granularity      string        `yaml:"granularity" mapstructure:"granularity"`
}

type RetentionOverride struct {
	ID    string         `yaml:"id" mapstructure:"id"`
	Class string         `yaml:"class" mapstructure:"class"`
	Days  map[string]int `yaml:"days" mapstructure:"days"`
}

type RetentionConfig struct {
	Preset    string              `yaml:"preset" mapstructure:"preset"`
	Tenants   []RetentionOverride `yaml:"tenants" mapstructure:"tenants"`
	Contracts []RetentionOverride `yaml:"contracts" mapstructure:"contracts"`
}

type ProviderConfig struct {
	ID           string `yaml:"id" mapstructure:"id"`
	BaseURL      string `yaml:"base_url" mapstructure:"base_url"`
	PathTemplate string `yaml:"path_template" mapstructure:"path_template"`
	// TokenEnv names the environment variable holding the bearer token.
	TokenEnv   string            `yaml:"token_env" mapstructure:"token_env"`
	UserAgent  string            `yaml:"user_agent" mapstructure:"user_agent"`
	MaxRetries int               `yaml:"max_retries" mapstructure:"max_retries"`
	Timeout    time.Duration     `yaml:"timeout" mapstructure:"timeout"`
	StatusMap  map[string]string `yaml:"status_map" mapstructure:"status_map"`
}

type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

type MetricsConfig struct {
	// Addr serves /metrics during `run`. Empty disables the endpoint.
	Addr string `yaml:"addr" mapstructure:"addr"`
}

// APIConfig controls the tenant-scoped HTTP API served by `run`. Secrets are
// usually supplied as DELIVERYTRACK_API_JWT_SECRET and
// DELIVERYTRACK_API_INTERNAL_HMAC_SECRET.
type APIConfig struct {
	Addr               string        `yaml:"addr" mapstructure:"addr"`
	JWTSecret          string        `yaml:"jwt_secret" mapstructure:"jwt_secret"`
	InternalHMACSecret string        `yaml:"internal_hmac_secret" mapstructure:"internal_hmac_secret"`
	InternalMaxSkew    time.Duration `yaml:"internal_max_skew" mapstructure:"internal_max_skew"`
	RateLimitMax       int           `yaml:"rate_limit_max" mapstructure:"rate_limit_max"`
	RateLimitWindow    time.Duration `yaml:"rate_limit_window" mapstructure:"rate_limit_window"`
	MaxBodyBytes       int64         `yaml:"max_body_bytes" mapstructure:"max_body_bytes"`
}

func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Profile: "memory",
			DataDir: ".deliverytrack",
		},
		Polling: PollingConfig{
			Interval:            time.Minute,
			BatchSize:           100,
			Concurrency:         10,
			InitialDelay:        30 * time.Second,
			Backoff:             []time.Duration{30 * time.Second, time.Minute, 2 * time.Minute, 5 * time.Minute, 10 * time.Minute, 30 * time.Minute, time.Hour},
			MaxTrackingDuration: 72 * time.Hour,
			ScheduledGrace:      time.Minute,
			UnsupportedProvider: "unknown",
			QueryTimeout:        15 * time.Second,
		},
		Crypto: CryptoConfig{
			Default:      "plain",
			FailMode:     "closed",
			OpenFallback: "masked",
			Version:      "v1",
		},
		Circuit: CircuitConfig{
			Enabled:          true,
			FailureThreshold: 3,
			Window:           time.Minute,
			Cooldown:         30 * time.Second,
			Granularity:      "tenant+provider+kid",
		},
		Retention: RetentionConfig{
			Preset: "standard",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		API: APIConfig{
			InternalMaxSkew: 5 * time.Minute,
			RateLimitWindow: time.Minute,
			MaxBodyBytes:    1 << 20,
		},
	}
}

// Load reads path on top of Default and applies DELIVERYTRACK_* environment
// overrides. An empty path loads defaults and environment only. The file is
// checked against the embedded schema before it is decoded.
func Load(path string) (*Config, error) {
	v := viper.New()
	if err := setDefaults(v, Default()); err != nil {
		return nil, err
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	path = strings.TrimSpace(path)
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := ValidateDocument(raw); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers every key of cfg so that AutomaticEnv can override
// keys that the file does not mention.
func setDefaults(v *viper.Viper, cfg *Config) error {
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	var tree map[string]any
	if err := yaml.Unmarshal(raw, &tree); err != nil {
		return err
	}
	var walk func(prefix string, node map[string]any)
	walk = func(prefix string, node map[string]any) {
		for key, value := range node {
			full := key
			if prefix != "" {
				full = prefix + "." + key
			}
			if child, ok := value.(map[string]any); ok && len(child) > 0 {
				walk(full, child)
				continue
			}
			v.SetDefault(full, value)
		}
	}
	walk("", tree)
	return nil
}

func Write(path string, cfg *Config) error {
	if cfg == nil {
		cfg = Default()
	}
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (c *Config) StoreDSN() (string, error) {
	if dsn := strings.TrimSpace(c.Store.DSN); dsn != "" {
		return dsn, nil
	}
	dataDir := strings.TrimSpace(c.Store.DataDir)
	if dataDir == "" {
		dataDir = ".deliverytrack"
	}
	switch profile := strings.ToLower(strings.TrimSpace(c.Store.Profile)); profile {
	case "", "memory", "inmemory":
		return "memory:", nil
	case "local", "durable-local":
		return "sqlite://" + filepath.Join(dataDir, "tracking.db"), nil
	case "embedded":
		return "bolt://" + filepath.Join(dataDir, "tracking.bolt"), nil
	case "production", "prod":
		return "", fmt.Errorf("%w: store.dsn is required when store.profile=%s", ErrInvalidConfig, profile)
	default:
		return "", fmt.Errorf("%w: unknown store profile %q", ErrInvalidConfig, c.Store.Profile)
	}
}

// Validate checks values that the schema cannot, including ones set from the
// environment.
func (c *Config) Validate() error {
	if _, err := c.StoreDSN(); err != nil {
		return err
	}
	if err := c.TrackingPolling().Normalize().Validate(); err != nil {
		return fmt.Errorf("%w: polling: %v", ErrInvalidConfig, err)
	}
	if _, err := c.CryptoPolicy(); err != nil {
		return fmt.Errorf("%w: crypto: %v", ErrInvalidConfig, err)
	}
	if c.Crypto.Enabled && c.cryptoNeedsKeys() && strings.TrimSpace(c.Crypto.KeyFile) == "" {
		return fmt.Errorf("%w: crypto.key_file is required when fields are encrypted or hashed", ErrInvalidConfig)
	}
	if _, err := c.RetentionOptions(); err != nil {
		return fmt.Errorf("%w: retention: %v", ErrInvalidConfig, err)
	}
	seen := map[string]bool{}
	for i, p := range c.Providers {
		id := strings.TrimSpace(p.ID)
		if id == "" {
			return fmt.Errorf("%w: providers[%d].id is required", ErrInvalidConfig, i)
		}
		if seen[id] {
			return fmt.Errorf("%w: duplicate provider id %q", ErrInvalidConfig, id)
		}
		seen[id] = true
		if strings.TrimSpace(p.BaseURL) == "" {
			return fmt.Errorf("%w: providers[%d].base_url is required", ErrInvalidConfig, i)
		}
		if _, err := p.TrackingStatusMap(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("%w: unknown log format %q", ErrInvalidConfig, c.Log.Format)
	}
	if strings.TrimSpace(c.API.Addr) != "" && c.API.JWTSecret == "" && c.API.InternalHMACSecret == "" {
		return fmt.Errorf("%w: api.addr requires api.jwt_secret or api.internal_hmac_secret", ErrInvalidConfig)
	}
	if c.API.RateLimitMax < 0 || c.API.MaxBodyBytes < 0 {
		return fmt.Errorf("%w: api limits must not be negative", ErrInvalidConfig)
	}
	return nil
}
