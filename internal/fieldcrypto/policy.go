package fieldcrypto

import (
	"sort"
	"strings"
)

type Mode string

const (
	ModePlain       Mode = "plain"
	ModeMask        Mode = "mask"
	ModeEncrypt     Mode = "encrypt"
	ModeEncryptHash Mode = "encrypt+hash"
)

func (m Mode) encrypts() bool {
	return m == ModeEncrypt || m == ModeEncryptHash
}

type FailMode string

const (
	FailClosed FailMode = "closed"
	FailOpen   FailMode = "open"
)

type Fallback string

const (
	FallbackMasked    Fallback = "masked"
	FallbackPlaintext Fallback = "plaintext"
	FallbackEmpty     Fallback = "empty"
)

type State string

const (
	StatePlain     State = "plain"
	StateEncrypted State = "encrypted"
	StateDegraded  State = "degraded"
)

type AADKey string

const (
	AADMessageID  AADKey = "messageId"
	AADProviderID AADKey = "providerId"
	AADTable      AADKey = "table"
	AADFieldPath  AADKey = "fieldPath"
	AADTenantID   AADKey = "tenantId"
)

const (
	FieldTo       = "to"
	FieldFrom     = "from"
	FieldMetadata = "metadata"

	metadataPrefix = FieldMetadata + "."

	DefaultTable   = "message_tracking"
	DefaultVersion = "v1"
)

var DefaultAADKeys = []AADKey{AADMessageID, AADProviderID, AADTable, AADFieldPath}

// Policy selects how each sensitive field is stored. Fields is keyed by field
// path: "to", "from", "metadata" or "metadata.<path>"; paths without an entry
// use Default.
type Policy struct {
	Enabled              bool            `yaml:"enabled" mapstructure:"enabled"`
	Default              Mode            `yaml:"default" mapstructure:"default"`
	Fields               map[string]Mode `yaml:"fields" mapstructure:"fields"`
	MetadataHashPaths    []string        `yaml:"metadataHashPaths" mapstructure:"metadataHashPaths"`
	FailMode             FailMode        `yaml:"failMode" mapstructure:"failMode"`
	OpenFallback         Fallback        `yaml:"openFallback" mapstructure:"openFallback"`
	AllowUnsafePlaintext bool            `yaml:"allowUnsafePlaintext" mapstructure:"allowUnsafePlaintext"`
	// SecureMode stores lookups as hashes only; plaintext filters are
	// dropped once hashed.
	SecureMode bool `yaml:"secureMode" mapstructure:"secureMode"`
	// PlaintextCompat keeps plaintext columns next to encrypted ones while
	// a table is being migrated.
	PlaintextCompat bool     `yaml:"plaintextCompat" mapstructure:"plaintextCompat"`
	AADKeys         []AADKey `yaml:"aadKeys" mapstructure:"aadKeys"`
	Table           string   `yaml:"table" mapstructure:"table"`
	Version         string   `yaml:"version" mapstructure:"version"`
}

func normalizePolicy(p Policy) Policy {
	if p.Default == "" {
		p.Default = ModePlain
	}
	if p.FailMode == "" {
		p.FailMode = FailClosed
	}
	if p.OpenFallback == "" {
		p.OpenFallback = FallbackMasked
	}
	if len(p.AADKeys) == 0 {
		p.AADKeys = DefaultAADKeys
	}
	if strings.TrimSpace(p.Table) == "" {
		p.Table = DefaultTable
	}
	if strings.TrimSpace(p.Version) == "" {
		p.Version = DefaultVersion
	}
	fields := make(map[string]Mode, len(p.Fields))
	for path, mode := range p.Fields {
		fields[strings.TrimSpace(path)] = Mode(strings.ToLower(strings.TrimSpace(string(mode))))
	}
	p.Fields = fields
	return p
}

// ModeFor resolves the mode for a field path. metadata.<path> entries fall back
// to the metadata entry before the default.
func (p Policy) ModeFor(path string) Mode {
	if mode, ok := p.Fields[path]; ok && mode != "" {
		return mode
	}
	if strings.HasPrefix(path, metadataPrefix) {
		if mode, ok := p.Fields[FieldMetadata]; ok && mode != "" {
			return mode
		}
	}
	return p.Default
}

func (p Policy) Validate() error {
	p = normalizePolicy(p)
	if !validMode(p.Default) {
		return policyError("unknown default mode %q", p.Default)
	}
	for path, mode := range p.Fields {
		if path != FieldTo && path != FieldFrom && path != FieldMetadata && !strings.HasPrefix(path, metadataPrefix) {
			return policyError("unknown field path %q", path)
		}
		if path == metadataPrefix {
			return policyError("empty metadata path")
		}
		if !validMode(mode) {
			return policyError("unknown mode %q for %s", mode, path)
		}
	}
	switch p.FailMode {
	case FailClosed, FailOpen:
	default:
		return policyError("unknown fail mode %q", p.FailMode)
	}
	switch p.OpenFallback {
	case FallbackMasked, FallbackEmpty:
	case FallbackPlaintext:
		if !p.AllowUnsafePlaintext {
			return policyError("plaintext fallback requires allowUnsafePlaintext")
		}
	default:
		return policyError("unknown open fallback %q", p.OpenFallback)
	}
	for _, key := range p.AADKeys {
		switch key {
		case AADMessageID, AADProviderID, AADTable, AADFieldPath, AADTenantID:
		default:
			return policyError("unknown aad key %q", key)
		}
	}
	for _, path := range p.MetadataHashPaths {
		if strings.TrimSpace(path) == "" {
			return policyError("empty metadata hash path")
		}
	}
	if p.SecureMode {
		for _, field := range []string{FieldTo, FieldFrom} {
			if mode := p.ModeFor(field); mode != ModeEncryptHash {
				return policyError("secure mode requires %s to be %s, got %s", field, ModeEncryptHash, mode)
			}
		}
		if p.ModeFor(FieldMetadata) == ModePlain {
			return policyError("secure mode does not allow plain metadata")
		}
		if p.PlaintextCompat {
			return policyError("secure mode cannot be combined with plaintext compatibility")
		}
	}
	return nil
}

// needsProvider reports whether any configured path encrypts or hashes.
func (p Policy) needsProvider() bool {
	if !p.Enabled {
		return false
	}
	if p.Default.encrypts() || len(p.MetadataHashPaths) > 0 {
		return true
	}
	for _, mode := range p.Fields {
		if mode.encrypts() {
			return true
		}
	}
	return p.ModeFor(FieldTo).encrypts() || p.ModeFor(FieldFrom).encrypts() || p.ModeFor(FieldMetadata).encrypts()
}

// metadataHashPaths merges explicit hash paths with metadata.<path> entries in
// encrypt+hash mode, in a stable order.
func (p Policy) metadataHashPaths() []string {
	seen := map[string]bool{}
	var out []string
	add := func(path string) {
		path = strings.TrimSpace(path)
		if path == "" || seen[path] {
			return
		}
		seen[path] = true
		out = append(out, path)
	}
	for _, path := range p.MetadataHashPaths {
		add(path)
	}
	var extra []string
	for path, mode := range p.Fields {
		if strings.HasPrefix(path, metadataPrefix) && mode == ModeEncryptHash {
			extra = append(extra, strings.TrimPrefix(path, metadataPrefix))
		}
	}
	sort.Strings(extra)
	for _, path := range extra {
		add(path)
	}
	return out
}

func validMode(m Mode) bool {
	switch m {
	case ModePlain, ModeMask, ModeEncrypt, ModeEncryptHash:
		return true
	default:
		return false
	}
}
