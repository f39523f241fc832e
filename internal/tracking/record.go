package tracking

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/agentworkforce/deliverytrack/internal/fieldcrypto"
)

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusSent      Status = "SENT"
	StatusDelivered Status = "DELIVERED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
	StatusUnknown   Status = "UNKNOWN"
)

var terminalStatuses = []Status{StatusDelivered, StatusFailed, StatusCancelled, StatusUnknown}

func (s Status) Terminal() bool {
	switch s {
	case StatusDelivered, StatusFailed, StatusCancelled, StatusUnknown:
		return true
	default:
		return false
	}
}

func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToUpper(strings.TrimSpace(raw)))
	switch s {
	case StatusPending, StatusSent, StatusDelivered, StatusFailed, StatusCancelled, StatusUnknown:
		return s, nil
	default:
		return "", fmt.Errorf("%w: unknown status %q", ErrInvalidInput, raw)
	}
}

// Error codes recorded in TrackingRecord.LastError.
const (
	CodeMissingProviderMessageID = "MISSING_PROVIDER_MESSAGE_ID"
	CodeTrackingTimeout          = "TRACKING_TIMEOUT"
	CodeProviderNotFound         = "PROVIDER_NOT_FOUND"
	CodeUnsupportedProvider      = "UNSUPPORTED_PROVIDER"
	CodeProviderQueryFailed      = "PROVIDER_QUERY_FAILED"
	CodeDeliveryFailed           = "DELIVERY_FAILED"
)

type RecordError struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// TrackingRecord is one outbound message attempt. To, From and Metadata are
// plaintext in memory and protected by the field crypto engine at the store
// boundary.
type TrackingRecord struct {
	MessageID         string         `json:"messageId"`
	TenantID          string         `json:"tenantId,omitempty"`
	ProviderID        string         `json:"providerId"`
	ProviderMessageID string         `json:"providerMessageId,omitempty"`
	Type              string         `json:"type"`
	To                string         `json:"to"`
	From              string         `json:"from,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`

	RequestedAt     time.Time  `json:"requestedAt"`
	ScheduledAt     *time.Time `json:"scheduledAt,omitempty"`
	StatusUpdatedAt time.Time  `json:"statusUpdatedAt"`
	SentAt          *time.Time `json:"sentAt,omitempty"`
	DeliveredAt     *time.Time `json:"deliveredAt,omitempty"`
	FailedAt        *time.Time `json:"failedAt,omitempty"`
	LastCheckedAt   *time.Time `json:"lastCheckedAt,omitempty"`
	NextCheckAt     time.Time  `json:"nextCheckAt"`

	Status       Status          `json:"status"`
	AttemptCount int             `json:"attemptCount"`
	LastError    *RecordError    `json:"lastError,omitempty"`
	Raw          json.RawMessage `json:"raw,omitempty"`

	ToHash         string            `json:"toHash,omitempty"`
	FromHash       string            `json:"fromHash,omitempty"`
	ToMasked       string            `json:"toMasked,omitempty"`
	FromMasked     string            `json:"fromMasked,omitempty"`
	MetadataHashes map[string]string `json:"metadataHashes,omitempty"`
	CryptoKid      string            `json:"cryptoKid,omitempty"`
	CryptoVersion  string            `json:"cryptoVersion,omitempty"`
	CryptoState    fieldcrypto.State `json:"cryptoState,omitempty"`

	RetentionClass    string `json:"retentionClass,omitempty"`
	RetentionBucketYM int    `json:"retentionBucketYm,omitempty"`
}

type RecordPatch struct {
	Status          *Status
	StatusUpdatedAt *time.Time
	SentAt          *time.Time
	DeliveredAt     *time.Time
	FailedAt        *time.Time
	LastCheckedAt   *time.Time
	NextCheckAt     *time.Time
	AttemptCount    *int
	LastError       *RecordError
	ClearLastError  bool
	Raw             json.RawMessage
}

// ApplyPatch merges p into r. A terminal status is retained when the patch
// carries a non-terminal one, and nextCheckAt never moves before requestedAt.
func (r TrackingRecord) ApplyPatch(p RecordPatch) TrackingRecord {
	if p.Status != nil && (p.Status.Terminal() || !r.Status.Terminal()) {
		r.Status = *p.Status
	}
	if p.StatusUpdatedAt != nil {
		r.StatusUpdatedAt = *p.StatusUpdatedAt
	}
	if p.SentAt != nil {
		r.SentAt = timePtr(*p.SentAt)
	}
	if p.DeliveredAt != nil {
		r.DeliveredAt = timePtr(*p.DeliveredAt)
	}
	if p.FailedAt != nil {
		r.FailedAt = timePtr(*p.FailedAt)
	}
	if p.LastCheckedAt != nil {
		r.LastCheckedAt = timePtr(*p.LastCheckedAt)
	}
	if p.NextCheckAt != nil {
		r.NextCheckAt = *p.NextCheckAt
	}
	if r.NextCheckAt.Before(r.RequestedAt) {
		r.NextCheckAt = r.RequestedAt
	}
	if p.AttemptCount != nil {
		r.AttemptCount = *p.AttemptCount
	}
	if p.ClearLastError {
		r.LastError = nil
	}
	if p.LastError != nil {
		e := *p.LastError
		r.LastError = &e
	}
	if p.Raw != nil {
		r.Raw = append(json.RawMessage(nil), p.Raw...)
	}
	return r
}

func (r TrackingRecord) Clone() TrackingRecord {
	out := r
	out.ScheduledAt = clonePtr(r.ScheduledAt)
	out.SentAt = clonePtr(r.SentAt)
	out.DeliveredAt = clonePtr(r.DeliveredAt)
	out.FailedAt = clonePtr(r.FailedAt)
	out.LastCheckedAt = clonePtr(r.LastCheckedAt)
	if r.LastError != nil {
		e := *r.LastError
		out.LastError = &e
	}
	if r.Raw != nil {
		out.Raw = append(json.RawMessage(nil), r.Raw...)
	}
	if r.MetadataHashes != nil {
		out.MetadataHashes = make(map[string]string, len(r.MetadataHashes))
		for k, v := range r.MetadataHashes {
			out.MetadataHashes[k] = v
		}
	}
	if r.Metadata != nil {
		out.Metadata = cloneTree(r.Metadata).(map[string]any)
	}
	return out
}

func cloneTree(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, child := range t {
			out[k] = cloneTree(child)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, child := range t {
			out[i] = cloneTree(child)
		}
		return out
	default:
		return v
	}
}

func timePtr(t time.Time) *time.Time {
	return &t
}

func clonePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
