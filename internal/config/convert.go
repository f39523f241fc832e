package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/agentworkforce/deliverytrack/internal/cryptocircuit"
	"github.com/agentworkforce/deliverytrack/internal/fieldcrypto"
	"github.com/agentworkforce/deliverytrack/internal/retention"
	"github.com/agentworkforce/deliverytrack/internal/tracking"
)

func (c *Config) TrackingPolling() tracking.PollingConfig {
	p := c.Polling
	return tracking.PollingConfig{
		Interval:                    p.Interval,
		BatchSize:                   p.BatchSize,
		Concurrency:                 p.Concurrency,
		InitialDelay:                p.InitialDelay,
		Backoff:                     append([]time.Duration(nil), p.Backoff...),
		MaxTrackingDuration:         p.MaxTrackingDuration,
		ScheduledGrace:              p.ScheduledGrace,
		UnsupportedProviderStrategy: tracking.UnsupportedProviderStrategy(strings.ToLower(strings.TrimSpace(p.UnsupportedProvider))),
		QueryTimeout:                p.QueryTimeout,
	}
}

func (c *Config) CryptoPolicy() (fieldcrypto.Policy, error) {
	cc := c.Crypto
	policy := fieldcrypto.Policy{
		Enabled:              cc.Enabled,
		Default:              fieldcrypto.Mode(strings.ToLower(strings.TrimSpace(cc.Default))),
		MetadataHashPaths:    append([]string(nil), cc.MetadataHashPaths...),
		FailMode:             fieldcrypto.FailMode(strings.ToLower(strings.TrimSpace(cc.FailMode))),
		OpenFallback:         fieldcrypto.Fallback(strings.ToLower(strings.TrimSpace(cc.OpenFallback))),
		AllowUnsafePlaintext: cc.AllowUnsafePlaintext,
		SecureMode:           cc.SecureMode,
		PlaintextCompat:      cc.PlaintextCompat,
		Table:                strings.TrimSpace(c.Store.Table),
		Version:              strings.TrimSpace(cc.Version),
	}
	if len(cc.Fields) > 0 {
		policy.Fields = make(map[string]fieldcrypto.Mode, len(cc.Fields))
		for _, f := range cc.Fields {
			path := strings.TrimSpace(f.Path)
			if _, dup := policy.Fields[path]; dup {
				return fieldcrypto.Policy{}, fmt.Errorf("duplicate field policy for %q", path)
			}
			policy.Fields[path] = fieldcrypto.Mode(f.Mode)
		}
	}
	for _, key := range cc.AADKeys {
		policy.AADKeys = append(policy.AADKeys, fieldcrypto.AADKey(strings.TrimSpace(key)))
	}
	if err := policy.Validate(); err != nil {
		return fieldcrypto.Policy{}, err
	}
	return policy, nil
}

func (c *Config) cryptoNeedsKeys() bool {
	policy, err := c.CryptoPolicy()
	if err != nil {
		return false
	}
	if isEncrypting(policy.Default) || len(policy.MetadataHashPaths) > 0 {
		return true
	}
	for _, mode := range policy.Fields {
		if isEncrypting(mode) {
			return true
		}
	}
	return false
}

func isEncrypting(mode fieldcrypto.Mode) bool {
	switch fieldcrypto.Mode(strings.ToLower(string(mode))) {
	case fieldcrypto.ModeEncrypt, fieldcrypto.ModeEncryptHash:
		return true
	default:
		return false
	}
}

func (c *Config) RetentionOptions() (retention.Options, error) {
	tenants, err := retentionOverrides("tenants", c.Retention.Tenants)
	if err != nil {
		return retention.Options{}, err
	}
	contracts, err := retentionOverrides("contracts", c.Retention.Contracts)
	if err != nil {
		return retention.Options{}, err
	}
	opts := retention.Options{
		Preset:    retention.Preset(c.Retention.Preset),
		Tenants:   tenants,
		Contracts: contracts,
	}
	if _, err := retention.NewResolver(opts); err != nil {
		return retention.Options{}, err
	}
	return opts, nil
}

func retentionOverrides(section string, entries []RetentionOverride) (map[string]retention.Override, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	out := make(map[string]retention.Override, len(entries))
	for i, entry := range entries {
		id := strings.TrimSpace(entry.ID)
		if id == "" {
			return nil, fmt.Errorf("%s[%d].id is required", section, i)
		}
		override := retention.Override{Class: strings.TrimSpace(entry.Class)}
		for field, days := range entry.Days {
			f := retention.Field(strings.ToLower(strings.TrimSpace(field)))
			switch f {
			case retention.FieldTo, retention.FieldFrom, retention.FieldMetadata, retention.FieldRecord:
			default:
				return nil, fmt.Errorf("%s[%d]: unknown retention field %q", section, i, field)
			}
			if override.Days == nil {
				override.Days = map[retention.Field]int{}
			}
			override.Days[f] = days
		}
		out[id] = override
	}
	return out, nil
}

// CircuitOptions converts the circuit section. Callbacks are left to the
// caller.
func (c *Config) CircuitOptions(logger *slog.Logger) cryptocircuit.Options {
	return cryptocircuit.Options{
		Enabled:          c.Circuit.Enabled,
		FailureThreshold: c.Circuit.FailureThreshold,
		Window:           c.Circuit.Window,
		Cooldown:         c.Circuit.Cooldown,
		Granularity:      cryptocircuit.Granularity(strings.ToLower(strings.TrimSpace(c.Circuit.Granularity))),
		Logger:           logger,
	}
}

func (p ProviderConfig) TrackingStatusMap() (map[string]tracking.Status, error) {
	if len(p.StatusMap) == 0 {
		return nil, nil
	}
	out := make(map[string]tracking.Status, len(p.StatusMap))
	for word, raw := range p.StatusMap {
		status, err := tracking.ParseStatus(raw)
		if err != nil {
			return nil, fmt.Errorf("provider %s status_map[%s]: %w", p.ID, word, err)
		}
		out[word] = status
	}
	return out, nil
}
