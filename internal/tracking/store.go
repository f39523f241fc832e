// Package tracking records outbound messages and reconciles their delivery
// status by polling the provider that sent them.
package tracking

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/agentworkforce/deliverytrack/internal/fieldcrypto"
)

var (
	ErrInvalidInput        = errors.New("invalid input")
	ErrNotImplemented      = errors.New("not implemented")
	ErrUnsupportedGroupBy  = errors.New("unsupported group by field")
	ErrStoreNotInitialized = errors.New("store not initialized")
)

// Store persists tracking records. Implementations route To, From and
// Metadata through the field crypto engine when serializing.
type Store interface {
	// Init prepares backend resources. It is idempotent, and a failed Init
	// may be retried.
	Init(ctx context.Context) error
	Upsert(ctx context.Context, record TrackingRecord) error
	// Get returns nil, nil when the record does not exist.
	Get(ctx context.Context, messageID string) (*TrackingRecord, error)
	// ListDue returns up to limit non-terminal records with
	// nextCheckAt <= now, earliest first.
	ListDue(ctx context.Context, now time.Time, limit int) ([]TrackingRecord, error)
	// Patch merges patch into an existing record and is a no-op when the
	// record does not exist.
	Patch(ctx context.Context, messageID string, patch RecordPatch) error
	Close() error
}

type RecordQuerier interface {
	ListRecords(ctx context.Context, opts ListOptions) ([]TrackingRecord, error)
	CountRecords(ctx context.Context, filter Filter) (int, error)
	CountBy(ctx context.Context, filter Filter, groupBy []GroupField) ([]GroupCount, error)
}

// Filter selects records. Empty slices do not constrain. A hash filter on a
// field replaces the plaintext filter on the same field.
type Filter struct {
	MessageIDs   []string
	TenantIDs    []string
	ProviderIDs  []string
	Types        []string
	Statuses     []Status
	CryptoStates []fieldcrypto.State
	To           []string
	From         []string
	ToHash       []string
	FromHash     []string
	// Metadata maps a metadata hash path to the plaintext value to look up.
	Metadata       map[string]string
	MetadataHashes map[string]string
	RequestedFrom  *time.Time
	RequestedTo    *time.Time
}

type OrderField string

const (
	OrderRequestedAt     OrderField = "requestedAt"
	OrderStatusUpdatedAt OrderField = "statusUpdatedAt"
)

type ListOptions struct {
	Filter     Filter
	Limit      int
	Offset     int
	OrderBy    OrderField
	Descending bool
}

type GroupField string

const (
	GroupProviderID GroupField = "providerId"
	GroupType       GroupField = "type"
	GroupStatus     GroupField = "status"
)

func ParseGroupField(raw string) (GroupField, error) {
	switch GroupField(raw) {
	case GroupProviderID, GroupType, GroupStatus:
		return GroupField(raw), nil
	default:
		return "", ErrUnsupportedGroupBy
	}
}

type GroupCount struct {
	Key   map[GroupField]string `json:"key"`
	Count int                   `json:"count"`
}

func validateGroupBy(groupBy []GroupField) error {
	if len(groupBy) == 0 {
		return ErrUnsupportedGroupBy
	}
	for _, field := range groupBy {
		if _, err := ParseGroupField(string(field)); err != nil {
			return err
		}
	}
	return nil
}

func normalizeListOptions(opts ListOptions) (ListOptions, error) {
	switch opts.OrderBy {
	case "":
		opts.OrderBy = OrderRequestedAt
	case OrderRequestedAt, OrderStatusUpdatedAt:
	default:
		return opts, ErrInvalidInput
	}
	if opts.Limit < 0 || opts.Offset < 0 {
		return opts, ErrInvalidInput
	}
	return opts, nil
}

// sortGroups orders group counts by their key values in groupBy order.
func sortGroups(groups []GroupCount, groupBy []GroupField) {
	sort.Slice(groups, func(i, j int) bool {
		for _, field := range groupBy {
			a, b := groups[i].Key[field], groups[j].Key[field]
			if a != b {
				return a < b
			}
		}
		return false
	})
}
