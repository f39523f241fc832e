package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/deliverytrack/internal/cryptocircuit"
	"github.com/agentworkforce/deliverytrack/internal/fieldcrypto"
	"github.com/agentworkforce/deliverytrack/internal/retention"
	"github.com/agentworkforce/deliverytrack/internal/tracking"
)

func writeConfigFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "deliverytrack.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	dsn, err := cfg.StoreDSN()
	require.NoError(t, err)
	assert.Equal(t, "memory:", dsn)
	assert.Equal(t, tracking.DefaultPollingConfig(), cfg.TrackingPolling().Normalize())
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	want := Default()
	assert.Equal(t, want.Store, cfg.Store)
	assert.Equal(t, want.Polling, cfg.Polling)
	assert.Equal(t, want.Circuit, cfg.Circuit)
	assert.Equal(t, want.Log, cfg.Log)
	assert.Equal(t, want.Retention.Preset, cfg.Retention.Preset)
	assert.False(t, cfg.Crypto.Enabled)
	assert.Empty(t, cfg.Providers)
}

func TestWriteThenLoadRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deliverytrack.yaml")
	want := Default()
	want.Store.Profile = "local"
	want.Polling.Backoff = []time.Duration{time.Minute, 5 * time.Minute}
	want.Retention.Contracts = []RetentionOverride{{ID: "c-legal", Class: "legal-hold", Days: map[string]int{"record": 3650}}}
	require.NoError(t, Write(path, want))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, want.Store, got.Store)
	assert.Equal(t, want.Polling, got.Polling)
	assert.Equal(t, want.Retention.Contracts, got.Retention.Contracts)
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := writeConfigFile(t, `
store:
  dsn: sqlite:///var/lib/deliverytrack/tracking.db
  table: sms_tracking
polling:
  interval: 30s
  unsupported_provider: skip
crypto:
  enabled: true
  key_file: /etc/deliverytrack/keys.yaml
  fields:
    - path: to
      mode: encrypt+hash
    - path: metadata.orderId
      mode: encrypt+hash
  aad_keys: [messageId, tenantId]
providers:
  - id: carrier-a
    base_url: https://status.carrier-a.example
    token_env: CARRIER_A_TOKEN
    status_map:
      DELIVRD: delivered
      UNDELIV: failed
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	dsn, err := cfg.StoreDSN()
	require.NoError(t, err)
	assert.Equal(t, "sqlite:///var/lib/deliverytrack/tracking.db", dsn)
	assert.Equal(t, 30*time.Second, cfg.Polling.Interval)
	assert.Equal(t, 100, cfg.Polling.BatchSize)
	assert.Equal(t, tracking.UnsupportedSkip, cfg.TrackingPolling().UnsupportedProviderStrategy)

	policy, err := cfg.CryptoPolicy()
	require.NoError(t, err)
	assert.True(t, policy.Enabled)
	assert.Equal(t, fieldcrypto.ModeEncryptHash, policy.Fields["metadata.orderId"])
	assert.Equal(t, "sms_tracking", policy.Table)
	assert.Equal(t, []fieldcrypto.AADKey{fieldcrypto.AADMessageID, fieldcrypto.AADTenantID}, policy.AADKeys)

	require.Len(t, cfg.Providers, 1)
	statuses, err := cfg.Providers[0].TrackingStatusMap()
	require.NoError(t, err)
	byWord := map[string]tracking.Status{}
	for word, status := range statuses {
		byWord[strings.ToUpper(word)] = status
	}
	assert.Equal(t, map[string]tracking.Status{"DELIVRD": tracking.StatusDelivered, "UNDELIV": tracking.StatusFailed}, byWord)
}

func TestLoadAppliesEnvironmentOverrides(t *testing.T) {
	path := writeConfigFile(t, "polling:\n  batch_size: 20\n")
	t.Setenv("DELIVERYTRACK_POLLING_BATCH_SIZE", "50")
	t.Setenv("DELIVERYTRACK_STORE_DSN", "postgres://track@db/track")
	t.Setenv("DELIVERYTRACK_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.Polling.BatchSize)
	assert.Equal(t, "postgres://track@db/track", cfg.Store.DSN)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadAPISecretsFromEnvironment(t *testing.T) {
	path := writeConfigFile(t, "api:\n  addr: 127.0.0.1:8080\n  rate_limit_max: 30\n")
	t.Setenv("DELIVERYTRACK_API_JWT_SECRET", "from-env")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8080", cfg.API.Addr)
	assert.Equal(t, "from-env", cfg.API.JWTSecret)
	assert.Equal(t, 30, cfg.API.RateLimitMax)
	assert.Equal(t, 5*time.Minute, cfg.API.InternalMaxSkew)
	assert.Equal(t, int64(1<<20), cfg.API.MaxBodyBytes)
}

func TestLoadRejectsSchemaViolations(t *testing.T) {
	cases := map[string]string{
		"unknown key":       "polling:\n  intervall: 1m\n",
		"bad duration":      "polling:\n  interval: soon\n",
		"bad mode":          "crypto:\n  fields:\n    - path: to\n      mode: rot13\n",
		"bad field path":    "crypto:\n  fields:\n    - path: body\n      mode: encrypt\n",
		"provider no url":   "providers:\n  - id: carrier-a\n",
		"bad status word":   "providers:\n  - id: a\n    base_url: http://a\n    status_map:\n      X: QUEUED\n",
		"negative batch":    "polling:\n  batch_size: -1\n",
		"unknown preset":    "retention:\n  preset: forever\n",
		"retention no id":   "retention:\n  tenants:\n    - class: x\n",
		"not a mapping doc": "- just\n- a list\n",
		"bad api skew":      "api:\n  internal_max_skew: forever\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfigFile(t, body))
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestValidateCatchesSemanticErrors(t *testing.T) {
	cases := map[string]func(*Config){
		"production without dsn": func(c *Config) { c.Store.Profile = "production" },
		"encrypt without keys": func(c *Config) {
			c.Crypto.Enabled = true
			c.Crypto.Fields = []FieldPolicy{{Path: "to", Mode: "encrypt"}}
		},
		"plaintext fallback not allowed": func(c *Config) { c.Crypto.OpenFallback = "plaintext" },
		"duplicate field policy": func(c *Config) {
			c.Crypto.Fields = []FieldPolicy{{Path: "to", Mode: "mask"}, {Path: "to", Mode: "plain"}}
		},
		"duplicate provider": func(c *Config) {
			c.Providers = []ProviderConfig{{ID: "a", BaseURL: "http://a"}, {ID: "a", BaseURL: "http://b"}}
		},
		"bad backoff":         func(c *Config) { c.Polling.Backoff = []time.Duration{time.Minute, 0} },
		"bad log format":      func(c *Config) { c.Log.Format = "xml" },
		"api without secrets": func(c *Config) { c.API.Addr = ":8080" },
		"negative rate limit": func(c *Config) { c.API.RateLimitMax = -1 },
		"retention field": func(c *Config) {
			c.Retention.Tenants = []RetentionOverride{{ID: "t1", Days: map[string]int{"body": 1}}}
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}

func TestStoreDSNProfiles(t *testing.T) {
	cfg := Default()
	cfg.Store.DataDir = "/var/lib/dt"
	cfg.Store.Profile = "local"
	dsn, err := cfg.StoreDSN()
	require.NoError(t, err)
	assert.Equal(t, "sqlite:///var/lib/dt/tracking.db", dsn)

	cfg.Store.Profile = "embedded"
	dsn, err = cfg.StoreDSN()
	require.NoError(t, err)
	assert.Equal(t, "bolt:///var/lib/dt/tracking.bolt", dsn)

	cfg.Store.Profile = "cloud"
	_, err = cfg.StoreDSN()
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestRetentionAndCircuitOptions(t *testing.T) {
	cfg := Default()
	cfg.Retention.Preset = "extended"
	cfg.Retention.Tenants = []RetentionOverride{{ID: "Tenant-A", Class: "short", Days: map[string]int{"To": 7}}}
	opts, err := cfg.RetentionOptions()
	require.NoError(t, err)
	assert.Equal(t, retention.PresetExtended, opts.Preset)
	assert.Equal(t, 7, opts.Tenants["Tenant-A"].Days[retention.FieldTo])

	cfg.Circuit.Granularity = "tenant+provider"
	circuit := cfg.CircuitOptions(nil)
	assert.True(t, circuit.Enabled)
	assert.Equal(t, cryptocircuit.GranularityTenantProvider, circuit.Granularity)
	assert.Equal(t, 3, circuit.FailureThreshold)
}
