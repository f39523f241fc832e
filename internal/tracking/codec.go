package tracking

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/agentworkforce/deliverytrack/internal/fieldcrypto"
	"github.com/agentworkforce/deliverytrack/internal/retention"
)

// storedRecord is the persisted row shared by every backend. Times are unix
// milliseconds.
type storedRecord struct {
	MessageID         string `json:"message_id"`
	TenantID          string `json:"tenant_id,omitempty"`
	ProviderID        string `json:"provider_id"`
	ProviderMessageID string `json:"provider_message_id,omitempty"`
	Type              string `json:"type"`

	ToPlain        string            `json:"to_plain,omitempty"`
	ToEnc          string            `json:"to_enc,omitempty"`
	ToHash         string            `json:"to_hash,omitempty"`
	ToMasked       string            `json:"to_masked,omitempty"`
	FromPlain      string            `json:"from_plain,omitempty"`
	FromEnc        string            `json:"from_enc,omitempty"`
	FromHash       string            `json:"from_hash,omitempty"`
	FromMasked     string            `json:"from_masked,omitempty"`
	MetadataPlain  string            `json:"metadata_plain,omitempty"`
	MetadataEnc    string            `json:"metadata_enc,omitempty"`
	MetadataHashes map[string]string `json:"metadata_hashes,omitempty"`

	RequestedAt     int64  `json:"requested_at"`
	ScheduledAt     *int64 `json:"scheduled_at,omitempty"`
	StatusUpdatedAt int64  `json:"status_updated_at"`
	SentAt          *int64 `json:"sent_at,omitempty"`
	DeliveredAt     *int64 `json:"delivered_at,omitempty"`
	FailedAt        *int64 `json:"failed_at,omitempty"`
	LastCheckedAt   *int64 `json:"last_checked_at,omitempty"`
	NextCheckAt     int64  `json:"next_check_at"`

	Status           string `json:"status"`
	AttemptCount     int    `json:"attempt_count"`
	LastErrorCode    string `json:"last_error_code,omitempty"`
	LastErrorMessage string `json:"last_error_message,omitempty"`
	Raw              string `json:"raw,omitempty"`

	CryptoKid     string `json:"crypto_kid,omitempty"`
	CryptoVersion string `json:"crypto_version,omitempty"`
	CryptoState   string `json:"crypto_state"`

	RetentionClass    string `json:"retention_class,omitempty"`
	RetentionBucketYM int    `json:"retention_bucket_ym,omitempty"`
}

// recordCodec converts between TrackingRecord and storedRecord, protecting
// sensitive fields on the way in and revealing them on the way out.
type recordCodec struct {
	engine    *fieldcrypto.Engine
	retention *retention.Resolver
	table     string
}

func newRecordCodec(opts StoreOptions) recordCodec {
	table := strings.TrimSpace(opts.Table)
	if table == "" && opts.Crypto != nil {
		table = opts.Crypto.Policy().Table
	}
	if table == "" {
		table = fieldcrypto.DefaultTable
	}
	return recordCodec{engine: opts.Crypto, retention: opts.Retention, table: table}
}

func (c recordCodec) opContext(row storedRecord) fieldcrypto.OpContext {
	return fieldcrypto.OpContext{
		MessageID:  row.MessageID,
		ProviderID: row.ProviderID,
		TenantID:   row.TenantID,
		Table:      c.table,
	}
}

func (c recordCodec) encode(ctx context.Context, rec TrackingRecord) (storedRecord, error) {
	if strings.TrimSpace(rec.MessageID) == "" {
		return storedRecord{}, fmt.Errorf("%w: messageId is required", ErrInvalidInput)
	}
	row := storedRecord{
		MessageID:         rec.MessageID,
		TenantID:          rec.TenantID,
		ProviderID:        rec.ProviderID,
		ProviderMessageID: rec.ProviderMessageID,
		Type:              rec.Type,
		ScheduledAt:       millisPtr(rec.ScheduledAt),
	}
	row.setLifecycle(rec)

	cols, err := c.engine.ProtectOnWrite(ctx, fieldcrypto.Fields{
		To:       rec.To,
		From:     rec.From,
		Metadata: rec.Metadata,
	}, c.opContext(row))
	if err != nil {
		return storedRecord{}, err
	}
	row.ToPlain, row.ToEnc, row.ToHash, row.ToMasked = cols.ToPlain, cols.ToEnc, cols.ToHash, cols.ToMasked
	row.FromPlain, row.FromEnc, row.FromHash, row.FromMasked = cols.FromPlain, cols.FromEnc, cols.FromHash, cols.FromMasked
	if cols.MetadataPlain != nil {
		encoded, err := json.Marshal(cols.MetadataPlain)
		if err != nil {
			return storedRecord{}, fmt.Errorf("%w: metadata: %v", ErrInvalidInput, err)
		}
		row.MetadataPlain = string(encoded)
	}
	row.MetadataEnc = cols.MetadataEnc
	row.MetadataHashes = cols.MetadataHashes
	row.CryptoKid = cols.Kid
	row.CryptoVersion = cols.Version
	row.CryptoState = string(cols.State)

	if c.retention != nil {
		contractID, _ := rec.Metadata["contractId"].(string)
		decision := c.retention.Resolve(retention.Subject{
			TenantID:    rec.TenantID,
			ContractID:  contractID,
			RequestedAt: rec.RequestedAt,
		})
		row.RetentionClass = decision.Class
		row.RetentionBucketYM = decision.BucketYM
	}
	return row, nil
}

func (c recordCodec) decode(ctx context.Context, row storedRecord) (TrackingRecord, error) {
	rec := row.lifecycle()
	rec.TenantID = row.TenantID
	rec.ProviderID = row.ProviderID
	rec.ProviderMessageID = row.ProviderMessageID
	rec.Type = row.Type
	rec.ScheduledAt = timeFromMillisPtr(row.ScheduledAt)
	rec.ToHash, rec.ToMasked = row.ToHash, row.ToMasked
	rec.FromHash, rec.FromMasked = row.FromHash, row.FromMasked
	if row.MetadataHashes != nil {
		rec.MetadataHashes = make(map[string]string, len(row.MetadataHashes))
		for path, hash := range row.MetadataHashes {
			rec.MetadataHashes[path] = hash
		}
	}
	rec.CryptoKid = row.CryptoKid
	rec.CryptoVersion = row.CryptoVersion
	rec.CryptoState = fieldcrypto.State(row.CryptoState)
	rec.RetentionClass = row.RetentionClass
	rec.RetentionBucketYM = row.RetentionBucketYM

	var metadata map[string]any
	if row.MetadataPlain != "" {
		if err := json.Unmarshal([]byte(row.MetadataPlain), &metadata); err != nil {
			return TrackingRecord{}, fmt.Errorf("decode metadata of %s: %w", row.MessageID, err)
		}
	}
	cols := fieldcrypto.Columns{
		ToPlain:        row.ToPlain,
		ToEnc:          row.ToEnc,
		ToHash:         row.ToHash,
		ToMasked:       row.ToMasked,
		FromPlain:      row.FromPlain,
		FromEnc:        row.FromEnc,
		FromHash:       row.FromHash,
		FromMasked:     row.FromMasked,
		MetadataPlain:  metadata,
		MetadataEnc:    row.MetadataEnc,
		MetadataHashes: row.MetadataHashes,
		Kid:            row.CryptoKid,
		Version:        row.CryptoVersion,
		State:          fieldcrypto.State(row.CryptoState),
	}
	if c.engine == nil {
		rec.To = firstNonEmpty(row.ToPlain, row.ToMasked)
		rec.From = firstNonEmpty(row.FromPlain, row.FromMasked)
		rec.Metadata = metadata
		return rec, nil
	}
	fields, state, err := c.engine.RevealOnRead(ctx, cols, c.opContext(row))
	if err != nil {
		return TrackingRecord{}, err
	}
	rec.To, rec.From, rec.Metadata = fields.To, fields.From, fields.Metadata
	rec.CryptoState = state
	return rec, nil
}

func (c recordCodec) decodeAll(ctx context.Context, rows []storedRecord) ([]TrackingRecord, error) {
	out := make([]TrackingRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := c.decode(ctx, row)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// prepareFilter hashes plaintext lookups for protected fields. Hash filters
// replace plaintext filters on the same field.
func (c recordCodec) prepareFilter(ctx context.Context, f Filter) (Filter, error) {
	tenantID, providerID := single(f.TenantIDs), single(f.ProviderIDs)
	if c.engine.Enabled() {
		lookup, err := c.engine.NormalizeFilterWithHashes(ctx, fieldcrypto.LookupFilter{
			TenantID:   tenantID,
			ProviderID: providerID,
			To:         f.To,
			From:       f.From,
			ToHash:     f.ToHash,
			FromHash:   f.FromHash,
		})
		if err != nil {
			return Filter{}, err
		}
		f.To, f.From, f.ToHash, f.FromHash = lookup.To, lookup.From, lookup.ToHash, lookup.FromHash
	}
	if len(f.Metadata) > 0 {
		if !c.engine.Enabled() {
			return Filter{}, fmt.Errorf("%w: metadata filters require field protection", ErrInvalidInput)
		}
		hashes := make(map[string]string, len(f.MetadataHashes)+len(f.Metadata))
		for path, hash := range f.MetadataHashes {
			hashes[path] = hash
		}
		for path, value := range f.Metadata {
			hash, err := c.engine.HashLookup(ctx, tenantID, providerID, "metadata."+path, value)
			if err != nil {
				return Filter{}, err
			}
			hashes[path] = hash
		}
		f.Metadata = nil
		f.MetadataHashes = hashes
	}
	if len(f.ToHash) > 0 {
		f.To = nil
	}
	if len(f.FromHash) > 0 {
		f.From = nil
	}
	return f, nil
}

// single returns the only element of ids, or "" when there is not exactly one.
func single(ids []string) string {
	if len(ids) == 1 {
		return ids[0]
	}
	return ""
}

// patchRow applies patch to the lifecycle columns of row. Protected columns
// are not patchable and stay as stored.
func patchRow(row storedRecord, patch RecordPatch) storedRecord {
	rec := row.lifecycle().ApplyPatch(patch)
	row.setLifecycle(rec)
	return row
}

func (row storedRecord) lifecycle() TrackingRecord {
	rec := TrackingRecord{
		MessageID:       row.MessageID,
		RequestedAt:     timeFromMillis(row.RequestedAt),
		StatusUpdatedAt: timeFromMillis(row.StatusUpdatedAt),
		SentAt:          timeFromMillisPtr(row.SentAt),
		DeliveredAt:     timeFromMillisPtr(row.DeliveredAt),
		FailedAt:        timeFromMillisPtr(row.FailedAt),
		LastCheckedAt:   timeFromMillisPtr(row.LastCheckedAt),
		NextCheckAt:     timeFromMillis(row.NextCheckAt),
		Status:          Status(row.Status),
		AttemptCount:    row.AttemptCount,
	}
	if row.LastErrorCode != "" {
		rec.LastError = &RecordError{Code: row.LastErrorCode, Message: row.LastErrorMessage}
	}
	if row.Raw != "" {
		rec.Raw = json.RawMessage(row.Raw)
	}
	return rec
}

func (row *storedRecord) setLifecycle(rec TrackingRecord) {
	row.RequestedAt = rec.RequestedAt.UnixMilli()
	row.StatusUpdatedAt = rec.StatusUpdatedAt.UnixMilli()
	row.SentAt = millisPtr(rec.SentAt)
	row.DeliveredAt = millisPtr(rec.DeliveredAt)
	row.FailedAt = millisPtr(rec.FailedAt)
	row.LastCheckedAt = millisPtr(rec.LastCheckedAt)
	row.NextCheckAt = rec.NextCheckAt.UnixMilli()
	row.Status = string(rec.Status)
	row.AttemptCount = rec.AttemptCount
	row.LastErrorCode, row.LastErrorMessage = "", ""
	if rec.LastError != nil {
		row.LastErrorCode, row.LastErrorMessage = rec.LastError.Code, rec.LastError.Message
	}
	row.Raw = string(rec.Raw)
}

// matchRow evaluates a prepared filter against a stored row.
func matchRow(row storedRecord, f Filter) bool {
	if !matchAny(f.MessageIDs, row.MessageID) ||
		!matchAny(f.TenantIDs, row.TenantID) ||
		!matchAny(f.ProviderIDs, row.ProviderID) ||
		!matchAny(f.Types, row.Type) ||
		!matchAny(f.ToHash, row.ToHash) ||
		!matchAny(f.FromHash, row.FromHash) ||
		!matchAny(f.To, row.ToPlain) ||
		!matchAny(f.From, row.FromPlain) {
		return false
	}
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, Status(row.Status)) {
		return false
	}
	if len(f.CryptoStates) > 0 && !slices.Contains(f.CryptoStates, fieldcrypto.State(row.CryptoState)) {
		return false
	}
	for path, hash := range f.MetadataHashes {
		if row.MetadataHashes[path] != hash {
			return false
		}
	}
	if f.RequestedFrom != nil && row.RequestedAt < f.RequestedFrom.UnixMilli() {
		return false
	}
	if f.RequestedTo != nil && row.RequestedAt >= f.RequestedTo.UnixMilli() {
		return false
	}
	return true
}

func matchAny(values []string, v string) bool {
	return len(values) == 0 || slices.Contains(values, v)
}

// dueRows selects rows for ListDue from an unordered scan.
func dueRows(rows []storedRecord, now time.Time, limit int) []storedRecord {
	cutoff := now.UnixMilli()
	due := make([]storedRecord, 0)
	for _, row := range rows {
		if Status(row.Status).Terminal() || row.NextCheckAt > cutoff {
			continue
		}
		due = append(due, row)
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].NextCheckAt != due[j].NextCheckAt {
			return due[i].NextCheckAt < due[j].NextCheckAt
		}
		return due[i].MessageID < due[j].MessageID
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due
}

// selectRows filters, orders and paginates an unordered scan.
func selectRows(rows []storedRecord, opts ListOptions) []storedRecord {
	out := make([]storedRecord, 0)
	for _, row := range rows {
		if matchRow(row, opts.Filter) {
			out = append(out, row)
		}
	}
	key := func(row storedRecord) int64 {
		if opts.OrderBy == OrderStatusUpdatedAt {
			return row.StatusUpdatedAt
		}
		return row.RequestedAt
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := key(out[i]), key(out[j])
		if a == b {
			if opts.Descending {
				return out[i].MessageID > out[j].MessageID
			}
			return out[i].MessageID < out[j].MessageID
		}
		if opts.Descending {
			return a > b
		}
		return a < b
	})
	if opts.Offset >= len(out) {
		return nil
	}
	out = out[opts.Offset:]
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out
}

func countRows(rows []storedRecord, f Filter) int {
	n := 0
	for _, row := range rows {
		if matchRow(row, f) {
			n++
		}
	}
	return n
}

func groupRows(rows []storedRecord, f Filter, groupBy []GroupField) []GroupCount {
	counts := map[string]*GroupCount{}
	for _, row := range rows {
		if !matchRow(row, f) {
			continue
		}
		key := make(map[GroupField]string, len(groupBy))
		parts := make([]string, 0, len(groupBy))
		for _, field := range groupBy {
			v := groupValue(row, field)
			key[field] = v
			parts = append(parts, v)
		}
		id := strings.Join(parts, "\x00")
		if existing, ok := counts[id]; ok {
			existing.Count++
			continue
		}
		counts[id] = &GroupCount{Key: key, Count: 1}
	}
	out := make([]GroupCount, 0, len(counts))
	for _, group := range counts {
		out = append(out, *group)
	}
	sortGroups(out, groupBy)
	return out
}

func groupValue(row storedRecord, field GroupField) string {
	switch field {
	case GroupProviderID:
		return row.ProviderID
	case GroupType:
		return row.Type
	case GroupStatus:
		return row.Status
	default:
		return ""
	}
}

func timeFromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func timeFromMillisPtr(ms *int64) *time.Time {
	if ms == nil {
		return nil
	}
	t := time.UnixMilli(*ms).UTC()
	return &t
}

func millisPtr(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	ms := t.UnixMilli()
	return &ms
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
