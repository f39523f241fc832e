// Package fieldcrypto protects the sensitive columns of a tracking record.
//
// Each field path ("to", "from", "metadata", "metadata.<path>") is stored
// plain, masked, encrypted, or encrypted with a deterministic lookup hash.
// Failures either propagate (fail mode closed) or degrade the field to a
// configured fallback value (fail mode open). Every encrypt, decrypt and hash
// is gated by the crypto circuit controller for the record's scope.
package fieldcrypto

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/agentworkforce/deliverytrack/internal/cryptocircuit"
	"github.com/agentworkforce/deliverytrack/internal/metrics"
)

// HashScopeKid is the circuit scope key id used for lookup hashing.
const HashScopeKid = "hmac"

type EncryptRequest struct {
	Kid       string
	Field     string
	Plaintext string
	AAD       map[string]string
}

type DecryptRequest struct {
	Field         string
	Ciphertext    string
	CandidateKids []string
	AAD           map[string]string
}

type HashRequest struct {
	Field string
	Value string
}

type Provider interface {
	Encrypt(ctx context.Context, req EncryptRequest) (string, error)
	Decrypt(ctx context.Context, req DecryptRequest) (string, error)
	Hash(ctx context.Context, req HashRequest) (string, error)
}

// CiphertextDetector is implemented by providers that can tell their own
// ciphertext apart from a stored fallback value.
type CiphertextDetector interface {
	IsCiphertext(value string) bool
}

type KeyContext struct {
	TenantID   string
	ProviderID string
	RecordKid  string
}

type KeyResolver interface {
	ActiveKid(ctx context.Context, kc KeyContext) (string, error)
	CandidateKids(ctx context.Context, kc KeyContext) ([]string, error)
}

type Fields struct {
	To       string
	From     string
	Metadata map[string]any
}

type OpContext struct {
	MessageID  string
	ProviderID string
	TenantID   string
	Table      string
}

type Columns struct {
	ToPlain        string
	ToEnc          string
	ToHash         string
	ToMasked       string
	FromPlain      string
	FromEnc        string
	FromHash       string
	FromMasked     string
	MetadataPlain  map[string]any
	MetadataEnc    string
	MetadataHashes map[string]string
	Kid            string
	Version        string
	State          State
}

// LookupFilter is the part of a record filter that touches protected fields.
// TenantID and ProviderID select the circuit scope lookup hashing runs
// under; left empty, lookups share one scope across tenants.
type LookupFilter struct {
	TenantID   string
	ProviderID string
	To         []string
	From       []string
	ToHash     []string
	FromHash   []string
}

type Options struct {
	Policy   Policy
	Provider Provider
	Keys     KeyResolver
	Masker   Masker
	Circuit  *cryptocircuit.Controller
	Metrics  metrics.Sink
	Logger   *slog.Logger
	Now      func() time.Time
}

type Engine struct {
	policy    Policy
	hashPaths []string
	provider  Provider
	keys      KeyResolver
	mask      Masker
	circuit   *cryptocircuit.Controller
	metrics   metrics.Sink
	logger    *slog.Logger
	now       func() time.Time
}

func NewEngine(opts Options) (*Engine, error) {
	policy := normalizePolicy(opts.Policy)
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if policy.needsProvider() {
		if opts.Provider == nil {
			return nil, policyError("policy encrypts or hashes fields but no crypto provider is configured")
		}
		if opts.Keys == nil {
			return nil, policyError("policy encrypts fields but no key resolver is configured")
		}
	}
	mask := opts.Masker
	if mask == nil {
		mask = DefaultMasker
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		policy:    policy,
		hashPaths: policy.metadataHashPaths(),
		provider:  opts.Provider,
		keys:      opts.Keys,
		mask:      mask,
		circuit:   opts.Circuit,
		metrics:   metrics.OrNop(opts.Metrics),
		logger:    logger.With(slog.String("component", "fieldcrypto")),
		now:       now,
	}, nil
}

func (e *Engine) Enabled() bool {
	return e != nil && e.policy.Enabled
}

func (e *Engine) Policy() Policy {
	return e.policy
}

type run struct {
	op             OpContext
	kid            string
	kidErr         error
	candidates     []string
	candidatesErr  error
	candidatesRead bool
	storedDegraded bool
	encrypted      bool
	degraded       bool
}

func (r *run) scope() cryptocircuit.Scope {
	return cryptocircuit.Scope{TenantID: r.op.TenantID, ProviderID: r.op.ProviderID, Kid: r.kid}
}

// hashScope tracks the lookup hash key apart from the encryption keys.
func (r *run) hashScope() cryptocircuit.Scope {
	return lookupScope(r.op.TenantID, r.op.ProviderID)
}

func (r *run) state() State {
	switch {
	case r.degraded || r.storedDegraded:
		return StateDegraded
	case r.encrypted:
		return StateEncrypted
	default:
		return StatePlain
	}
}

// ProtectOnWrite turns plaintext fields into storable columns. Under fail
// mode open a failing field is replaced by the configured fallback and the
// returned State is degraded.
func (e *Engine) ProtectOnWrite(ctx context.Context, fields Fields, op OpContext) (Columns, error) {
	if !e.Enabled() {
		return Columns{
			ToPlain:       fields.To,
			FromPlain:     fields.From,
			MetadataPlain: fields.Metadata,
			State:         StatePlain,
		}, nil
	}
	r := &run{op: op}
	if e.policy.needsProvider() {
		r.kid, r.kidErr = e.keys.ActiveKid(ctx, KeyContext{TenantID: op.TenantID, ProviderID: op.ProviderID})
		if r.kidErr != nil {
			r.kidErr = classified(cryptocircuit.ClassKeyError, "resolve active key", r.kidErr)
		}
	}

	var cols Columns
	to, err := e.protectScalar(ctx, r, FieldTo, fields.To)
	if err != nil {
		return Columns{}, err
	}
	cols.ToPlain, cols.ToEnc, cols.ToHash, cols.ToMasked = to.plain, to.enc, to.hash, to.masked

	from, err := e.protectScalar(ctx, r, FieldFrom, fields.From)
	if err != nil {
		return Columns{}, err
	}
	cols.FromPlain, cols.FromEnc, cols.FromHash, cols.FromMasked = from.plain, from.enc, from.hash, from.masked

	if err := e.protectMetadata(ctx, r, fields.Metadata, &cols); err != nil {
		return Columns{}, err
	}

	cols.State = r.state()
	if cols.State != StatePlain {
		cols.Version = e.policy.Version
	}
	if r.encrypted {
		cols.Kid = r.kid
	}
	return cols, nil
}

type scalarColumns struct {
	plain, enc, hash, masked string
}

func (e *Engine) protectScalar(ctx context.Context, r *run, field, value string) (scalarColumns, error) {
	var out scalarColumns
	if value == "" {
		return out, nil
	}
	mode := e.policy.ModeFor(field)
	out.masked = e.mask(field, value)
	switch mode {
	case ModePlain:
		out.plain = value
	case ModeMask:
	case ModeEncrypt, ModeEncryptHash:
		if e.policy.PlaintextCompat {
			out.plain = value
		}
		ciphertext, err := e.encrypt(ctx, r, field, value)
		if err != nil {
			if ferr := e.fail(ctx, KindEncrypt, field, err); ferr != nil {
				return scalarColumns{}, ferr
			}
			r.degraded = true
			out.enc = e.writeFallback(value, out.masked)
		} else {
			r.encrypted = true
			out.enc = ciphertext
		}
		if mode == ModeEncryptHash {
			hash, err := e.hash(ctx, r.hashScope(), field, lookupValue(field, value))
			if err != nil {
				if ferr := e.fail(ctx, KindHash, field, err); ferr != nil {
					return scalarColumns{}, ferr
				}
				r.degraded = true
			} else {
				out.hash = hash
			}
		}
	}
	return out, nil
}

func (e *Engine) protectMetadata(ctx context.Context, r *run, metadata map[string]any, cols *Columns) error {
	if len(metadata) == 0 {
		return nil
	}
	tree, blob, err := normalizeTree(metadata)
	if err != nil {
		return &Error{Kind: KindEncrypt, Field: FieldMetadata, Err: err}
	}
	mode := e.policy.ModeFor(FieldMetadata)
	switch mode {
	case ModePlain:
		cols.MetadataPlain = tree
		return nil
	case ModeMask:
		cols.MetadataPlain, _ = maskTree(e.mask, FieldMetadata, tree).(map[string]any)
		return nil
	}

	if e.policy.PlaintextCompat {
		cols.MetadataPlain = tree
	}
	ciphertext, err := e.encrypt(ctx, r, FieldMetadata, string(blob))
	if err != nil {
		if ferr := e.fail(ctx, KindEncrypt, FieldMetadata, err); ferr != nil {
			return ferr
		}
		r.degraded = true
		switch e.policy.OpenFallback {
		case FallbackMasked:
			masked, _ := json.Marshal(maskTree(e.mask, FieldMetadata, tree))
			cols.MetadataEnc = string(masked)
		case FallbackPlaintext:
			cols.MetadataEnc = string(blob)
		}
	} else {
		r.encrypted = true
		cols.MetadataEnc = ciphertext
	}

	hashes := map[string]string{}
	for _, path := range e.hashPaths {
		values := extractPath(tree, path)
		if len(values) == 0 {
			continue
		}
		hash, err := e.hash(ctx, r.hashScope(), metadataPrefix+path, strings.Join(values, "|"))
		if err != nil {
			if ferr := e.fail(ctx, KindHash, metadataPrefix+path, err); ferr != nil {
				return ferr
			}
			r.degraded = true
			continue
		}
		hashes[path] = hash
	}
	if len(hashes) > 0 {
		cols.MetadataHashes = hashes
	}
	return nil
}

// RevealOnRead turns stored columns back into plaintext fields. A field of a
// row stored as degraded that holds a fallback value instead of ciphertext is
// returned as stored.
func (e *Engine) RevealOnRead(ctx context.Context, cols Columns, op OpContext) (Fields, State, error) {
	r := &run{op: op, kid: cols.Kid, storedDegraded: cols.State == StateDegraded}
	var fields Fields
	var err error
	if fields.To, err = e.revealScalar(ctx, r, FieldTo, cols.ToPlain, cols.ToEnc, cols.ToMasked); err != nil {
		return Fields{}, "", err
	}
	if fields.From, err = e.revealScalar(ctx, r, FieldFrom, cols.FromPlain, cols.FromEnc, cols.FromMasked); err != nil {
		return Fields{}, "", err
	}
	if fields.Metadata, err = e.revealMetadata(ctx, r, cols); err != nil {
		return Fields{}, "", err
	}
	state := r.state()
	if state == StatePlain && cols.State != "" {
		state = cols.State
	}
	return fields, state, nil
}

type openOutcome int

const (
	openDecrypted openOutcome = iota
	openStoredFallback
	openFailed
)

func (e *Engine) open(ctx context.Context, r *run, field, enc string) (string, openOutcome, error) {
	detector, canDetect := e.provider.(CiphertextDetector)
	if r.storedDegraded && canDetect && !detector.IsCiphertext(enc) {
		return enc, openStoredFallback, nil
	}
	plaintext, err := e.decrypt(ctx, r, field, enc)
	if err == nil {
		r.encrypted = true
		return plaintext, openDecrypted, nil
	}
	if r.storedDegraded && !canDetect {
		return enc, openStoredFallback, nil
	}
	if ferr := e.fail(ctx, KindDecrypt, field, err); ferr != nil {
		return "", openFailed, ferr
	}
	r.degraded = true
	return "", openFailed, nil
}

func (e *Engine) revealScalar(ctx context.Context, r *run, field, plain, enc, masked string) (string, error) {
	if enc == "" {
		if plain == "" && e.policy.ModeFor(field) == ModeMask {
			return masked, nil
		}
		return plain, nil
	}
	value, outcome, err := e.open(ctx, r, field, enc)
	if err != nil {
		return "", err
	}
	if outcome != openFailed {
		return value, nil
	}
	switch e.policy.OpenFallback {
	case FallbackMasked:
		return masked, nil
	case FallbackPlaintext:
		return plain, nil
	default:
		return "", nil
	}
}

func (e *Engine) revealMetadata(ctx context.Context, r *run, cols Columns) (map[string]any, error) {
	if cols.MetadataEnc == "" {
		return cols.MetadataPlain, nil
	}
	value, outcome, err := e.open(ctx, r, FieldMetadata, cols.MetadataEnc)
	if err != nil {
		return nil, err
	}
	if outcome == openFailed {
		if e.policy.OpenFallback == FallbackPlaintext {
			return cols.MetadataPlain, nil
		}
		return nil, nil
	}
	var metadata map[string]any
	if err := json.Unmarshal([]byte(value), &metadata); err != nil {
		if outcome == openStoredFallback {
			return nil, nil
		}
		return nil, &Error{Kind: KindDecrypt, Field: FieldMetadata, Err: fmt.Errorf("decode metadata: %w", err)}
	}
	return metadata, nil
}

// NormalizeFilterWithHashes rewrites to/from filters on encrypt+hash fields
// into hash filters. In secure mode the plaintext values are dropped.
func (e *Engine) NormalizeFilterWithHashes(ctx context.Context, filter LookupFilter) (LookupFilter, error) {
	out := LookupFilter{
		TenantID:   filter.TenantID,
		ProviderID: filter.ProviderID,
		To:         append([]string(nil), filter.To...),
		From:       append([]string(nil), filter.From...),
		ToHash:     append([]string(nil), filter.ToHash...),
		FromHash:   append([]string(nil), filter.FromHash...),
	}
	if !e.Enabled() {
		return out, nil
	}
	scope := lookupScope(filter.TenantID, filter.ProviderID)
	for _, target := range []struct {
		field  string
		values *[]string
		hashes *[]string
	}{
		{FieldTo, &out.To, &out.ToHash},
		{FieldFrom, &out.From, &out.FromHash},
	} {
		if len(*target.values) == 0 || e.policy.ModeFor(target.field) != ModeEncryptHash {
			continue
		}
		hashes := make([]string, 0, len(*target.values))
		var hashErr error
		for _, value := range *target.values {
			hash, err := e.hash(ctx, scope, target.field, lookupValue(target.field, value))
			if err != nil {
				hashErr = err
				break
			}
			hashes = append(hashes, hash)
		}
		if hashErr != nil {
			if e.policy.SecureMode {
				e.emitFail(ctx, KindHash)
				return LookupFilter{}, &Error{Kind: KindHash, Field: target.field, Err: hashErr}
			}
			if ferr := e.fail(ctx, KindHash, target.field, hashErr); ferr != nil {
				return LookupFilter{}, ferr
			}
			continue
		}
		*target.hashes = append(*target.hashes, hashes...)
		if e.policy.SecureMode {
			*target.values = nil
		}
	}
	return out, nil
}

// HashLookup hashes a single value the way writes hash field, gated by the
// same tenant and provider scope as LookupFilter.
func (e *Engine) HashLookup(ctx context.Context, tenantID, providerID, field, value string) (string, error) {
	if !e.Enabled() {
		return "", ErrNoProvider
	}
	if !strings.HasPrefix(field, metadataPrefix) {
		value = lookupValue(field, value)
	}
	hash, err := e.hash(ctx, lookupScope(tenantID, providerID), field, value)
	if err != nil {
		return "", &Error{Kind: KindHash, Field: field, Err: err}
	}
	return hash, nil
}

func lookupScope(tenantID, providerID string) cryptocircuit.Scope {
	return cryptocircuit.Scope{TenantID: tenantID, ProviderID: providerID, Kid: HashScopeKid}
}

func (e *Engine) encrypt(ctx context.Context, r *run, field, plaintext string) (string, error) {
	if e.provider == nil {
		return "", ErrNoProvider
	}
	scope := r.scope()
	if r.kidErr != nil {
		e.report(scope, r.kidErr)
		return "", r.kidErr
	}
	if decision := e.circuit.BeforeOperation(scope); !decision.Allowed {
		return "", ErrCircuitOpen
	}
	start := e.now()
	ciphertext, err := e.provider.Encrypt(ctx, EncryptRequest{
		Kid:       r.kid,
		Field:     field,
		Plaintext: plaintext,
		AAD:       e.aad(r.op, field),
	})
	e.observe(ctx, metrics.CryptoEncryptMs, "encrypt", r.kid, start)
	e.report(scope, err)
	return ciphertext, err
}

func (e *Engine) decrypt(ctx context.Context, r *run, field, ciphertext string) (string, error) {
	if e.provider == nil || e.keys == nil {
		return "", ErrNoProvider
	}
	if !r.candidatesRead {
		r.candidatesRead = true
		r.candidates, r.candidatesErr = e.keys.CandidateKids(ctx, KeyContext{
			TenantID:   r.op.TenantID,
			ProviderID: r.op.ProviderID,
			RecordKid:  r.kid,
		})
		if r.candidatesErr != nil {
			r.candidatesErr = classified(cryptocircuit.ClassKeyError, "resolve candidate keys", r.candidatesErr)
		}
	}
	scope := r.scope()
	if r.candidatesErr != nil {
		e.report(scope, r.candidatesErr)
		return "", r.candidatesErr
	}
	if decision := e.circuit.BeforeOperation(scope); !decision.Allowed {
		return "", ErrCircuitOpen
	}
	start := e.now()
	plaintext, err := e.provider.Decrypt(ctx, DecryptRequest{
		Field:         field,
		Ciphertext:    ciphertext,
		CandidateKids: r.candidates,
		AAD:           e.aad(r.op, field),
	})
	e.observe(ctx, metrics.CryptoDecryptMs, "decrypt", r.kid, start)
	e.report(scope, err)
	return plaintext, err
}

func (e *Engine) hash(ctx context.Context, scope cryptocircuit.Scope, field, value string) (string, error) {
	if e.provider == nil {
		return "", ErrNoProvider
	}
	if decision := e.circuit.BeforeOperation(scope); !decision.Allowed {
		return "", ErrCircuitOpen
	}
	hash, err := e.provider.Hash(ctx, HashRequest{Field: field, Value: value})
	e.report(scope, err)
	return hash, err
}

func (e *Engine) report(scope cryptocircuit.Scope, err error) {
	if err == nil {
		e.circuit.OnSuccess(scope)
		return
	}
	var class cryptocircuit.ErrorClass
	var classed interface {
		ErrorClass() cryptocircuit.ErrorClass
	}
	if errors.As(err, &classed) {
		class = classed.ErrorClass()
	}
	e.circuit.OnFailure(scope, err, class)
}

func (e *Engine) aad(op OpContext, field string) map[string]string {
	out := make(map[string]string, len(e.policy.AADKeys)+1)
	for _, key := range e.policy.AADKeys {
		switch key {
		case AADMessageID:
			out[string(key)] = op.MessageID
		case AADProviderID:
			out[string(key)] = op.ProviderID
		case AADTenantID:
			out[string(key)] = op.TenantID
		case AADTable:
			table := op.Table
			if table == "" {
				table = e.policy.Table
			}
			out[string(key)] = table
		}
	}
	out[string(AADFieldPath)] = field
	return out
}

// fail records a crypto failure. It returns nil when the open fail mode
// absorbs it.
func (e *Engine) fail(ctx context.Context, kind Kind, field string, err error) error {
	e.emitFail(ctx, kind)
	if e.policy.FailMode != FailOpen {
		return &Error{Kind: kind, Field: field, Err: err}
	}
	e.logger.WarnContext(ctx, "field crypto degraded",
		slog.String("operation", string(kind)),
		slog.String("field", field),
		slog.String("fallback", string(e.policy.OpenFallback)),
		slog.String("error", err.Error()),
	)
	return nil
}

func (e *Engine) emitFail(ctx context.Context, kind Kind) {
	fallback := string(e.policy.OpenFallback)
	if e.policy.FailMode != FailOpen {
		fallback = "none"
	}
	e.metrics.Emit(ctx, metrics.Event{
		Name:  metrics.CryptoFailCount,
		Value: 1,
		Tags: map[string]string{
			"operation": string(kind),
			"failMode":  string(e.policy.FailMode),
			"fallback":  fallback,
		},
	})
}

func (e *Engine) observe(ctx context.Context, name, operation, kid string, start time.Time) {
	elapsed := float64(e.now().Sub(start).Microseconds()) / 1000
	e.metrics.Emit(ctx, metrics.Event{Name: name, Value: elapsed, Tags: map[string]string{"kid": kid}})
	e.metrics.Emit(ctx, metrics.Event{Name: metrics.KeyKidUsage, Value: 1, Tags: map[string]string{"kid": kid, "operation": operation}})
}

func (e *Engine) writeFallback(plaintext, masked string) string {
	switch e.policy.OpenFallback {
	case FallbackPlaintext:
		return plaintext
	case FallbackMasked:
		return masked
	default:
		return ""
	}
}

// normalizeTree round-trips metadata through JSON so every nested value has
// the shape encoding/json decodes into.
func normalizeTree(metadata map[string]any) (map[string]any, []byte, error) {
	blob, err := json.Marshal(metadata)
	if err != nil {
		return nil, nil, fmt.Errorf("encode metadata: %w", err)
	}
	var tree map[string]any
	if err := json.Unmarshal(blob, &tree); err != nil {
		return nil, nil, fmt.Errorf("decode metadata: %w", err)
	}
	return tree, blob, nil
}

// extractPath collects the scalar values at a dotted path. A segment ending
// in "[*]" expands every element of the array it names.
func extractPath(node any, path string) []string {
	return collect(node, strings.Split(path, "."), nil)
}

func collect(node any, segments []string, out []string) []string {
	if len(segments) == 0 {
		if s, ok := scalarString(node); ok {
			out = append(out, s)
		}
		return out
	}
	name, expand := strings.CutSuffix(segments[0], "[*]")
	child := node
	if name != "" {
		m, ok := node.(map[string]any)
		if !ok {
			return out
		}
		if child, ok = m[name]; !ok {
			return out
		}
	}
	if !expand {
		return collect(child, segments[1:], out)
	}
	items, ok := child.([]any)
	if !ok {
		return out
	}
	for _, item := range items {
		out = collect(item, segments[1:], out)
	}
	return out
}

func scalarString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(t), true
	case json.Number:
		return t.String(), true
	default:
		return "", false
	}
}
