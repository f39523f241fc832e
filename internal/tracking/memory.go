package tracking

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// MemoryStore keeps encoded rows in process memory. Rows pass through the
// same codec as the durable backends so crypto behaviour is identical.
type MemoryStore struct {
	codec recordCodec

	mu   sync.RWMutex
	rows map[string]storedRecord
}

var (
	_ Store         = (*MemoryStore)(nil)
	_ RecordQuerier = (*MemoryStore)(nil)
)

func NewMemoryStore(opts StoreOptions) *MemoryStore {
	return &MemoryStore{
		codec: newRecordCodec(opts),
		rows:  map[string]storedRecord{},
	}
}

func (s *MemoryStore) Init(context.Context) error {
	return nil
}

func (s *MemoryStore) Upsert(ctx context.Context, record TrackingRecord) error {
	row, err := s.codec.encode(ctx, record)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.rows[row.MessageID] = row
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, messageID string) (*TrackingRecord, error) {
	s.mu.RLock()
	row, ok := s.rows[strings.TrimSpace(messageID)]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	rec, err := s.codec.decode(ctx, row)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *MemoryStore) ListDue(ctx context.Context, now time.Time, limit int) ([]TrackingRecord, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be positive", ErrInvalidInput)
	}
	return s.codec.decodeAll(ctx, dueRows(s.snapshot(), now, limit))
}

func (s *MemoryStore) Patch(_ context.Context, messageID string, patch RecordPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[messageID]
	if !ok {
		return nil
	}
	s.rows[messageID] = patchRow(row, patch)
	return nil
}

func (s *MemoryStore) ListRecords(ctx context.Context, opts ListOptions) ([]TrackingRecord, error) {
	opts, err := normalizeListOptions(opts)
	if err != nil {
		return nil, err
	}
	if opts.Filter, err = s.codec.prepareFilter(ctx, opts.Filter); err != nil {
		return nil, err
	}
	return s.codec.decodeAll(ctx, selectRows(s.snapshot(), opts))
}

func (s *MemoryStore) CountRecords(ctx context.Context, filter Filter) (int, error) {
	filter, err := s.codec.prepareFilter(ctx, filter)
	if err != nil {
		return 0, err
	}
	return countRows(s.snapshot(), filter), nil
}

func (s *MemoryStore) CountBy(ctx context.Context, filter Filter, groupBy []GroupField) ([]GroupCount, error) {
	if err := validateGroupBy(groupBy); err != nil {
		return nil, err
	}
	filter, err := s.codec.prepareFilter(ctx, filter)
	if err != nil {
		return nil, err
	}
	return groupRows(s.snapshot(), filter, groupBy), nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) snapshot() []storedRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]storedRecord, 0, len(s.rows))
	for _, row := range s.rows {
		out = append(out, row)
	}
	return out
}
