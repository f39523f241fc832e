package tracking

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"
)

const kvRecordPrefix = "tracking/"

// ObjectStore is a flat key/value store. KVStore keeps one encoded record
// per key.
type ObjectStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
	// Scan calls fn for every key with the given prefix. The value passed to
	// fn is owned by the caller.
	Scan(ctx context.Context, prefix string, fn func(key string, value []byte) error) error
	Close() error
}

// ObjectUpdater is implemented by object stores with an atomic
// read-modify-write. fn returns the next value and whether to write it.
type ObjectUpdater interface {
	Update(ctx context.Context, key string, fn func(current []byte, ok bool) ([]byte, bool, error)) error
}

type objectInitializer interface {
	Init(ctx context.Context) error
}

// KVStore stores tracking records in an ObjectStore. Patches use the object
// store's atomic update when it has one and striped per-key locks otherwise.
type KVStore struct {
	objects ObjectStore
	codec   recordCodec
	locks   [64]sync.Mutex
}

var (
	_ Store         = (*KVStore)(nil)
	_ RecordQuerier = (*KVStore)(nil)
)

func NewKVStore(objects ObjectStore, opts StoreOptions) (*KVStore, error) {
	if objects == nil {
		return nil, fmt.Errorf("%w: object store is required", ErrInvalidInput)
	}
	return &KVStore{objects: objects, codec: newRecordCodec(opts)}, nil
}

func (s *KVStore) Init(ctx context.Context) error {
	if initializer, ok := s.objects.(objectInitializer); ok {
		return initializer.Init(ctx)
	}
	return nil
}

func (s *KVStore) Upsert(ctx context.Context, record TrackingRecord) error {
	row, err := s.codec.encode(ctx, record)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(row)
	if err != nil {
		return err
	}
	return s.objects.Put(ctx, kvRecordPrefix+row.MessageID, payload)
}

func (s *KVStore) Get(ctx context.Context, messageID string) (*TrackingRecord, error) {
	payload, ok, err := s.objects.Get(ctx, kvRecordPrefix+strings.TrimSpace(messageID))
	if err != nil || !ok {
		return nil, err
	}
	row, err := decodeStoredRecord(payload)
	if err != nil {
		return nil, err
	}
	rec, err := s.codec.decode(ctx, row)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *KVStore) ListDue(ctx context.Context, now time.Time, limit int) ([]TrackingRecord, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be positive", ErrInvalidInput)
	}
	rows, err := s.scan(ctx)
	if err != nil {
		return nil, err
	}
	return s.codec.decodeAll(ctx, dueRows(rows, now, limit))
}

func (s *KVStore) Patch(ctx context.Context, messageID string, patch RecordPatch) error {
	key := kvRecordPrefix + messageID
	apply := func(current []byte, ok bool) ([]byte, bool, error) {
		if !ok {
			return nil, false, nil
		}
		row, err := decodeStoredRecord(current)
		if err != nil {
			return nil, false, err
		}
		next, err := json.Marshal(patchRow(row, patch))
		if err != nil {
			return nil, false, err
		}
		return next, true, nil
	}
	if updater, ok := s.objects.(ObjectUpdater); ok {
		return updater.Update(ctx, key, apply)
	}

	lock := s.lockFor(key)
	lock.Lock()
	defer lock.Unlock()
	current, ok, err := s.objects.Get(ctx, key)
	if err != nil {
		return err
	}
	next, write, err := apply(current, ok)
	if err != nil || !write {
		return err
	}
	return s.objects.Put(ctx, key, next)
}

func (s *KVStore) ListRecords(ctx context.Context, opts ListOptions) ([]TrackingRecord, error) {
	opts, err := normalizeListOptions(opts)
	if err != nil {
		return nil, err
	}
	if opts.Filter, err = s.codec.prepareFilter(ctx, opts.Filter); err != nil {
		return nil, err
	}
	rows, err := s.scan(ctx)
	if err != nil {
		return nil, err
	}
	return s.codec.decodeAll(ctx, selectRows(rows, opts))
}

func (s *KVStore) CountRecords(ctx context.Context, filter Filter) (int, error) {
	filter, err := s.codec.prepareFilter(ctx, filter)
	if err != nil {
		return 0, err
	}
	rows, err := s.scan(ctx)
	if err != nil {
		return 0, err
	}
	return countRows(rows, filter), nil
}

func (s *KVStore) CountBy(ctx context.Context, filter Filter, groupBy []GroupField) ([]GroupCount, error) {
	if err := validateGroupBy(groupBy); err != nil {
		return nil, err
	}
	filter, err := s.codec.prepareFilter(ctx, filter)
	if err != nil {
		return nil, err
	}
	rows, err := s.scan(ctx)
	if err != nil {
		return nil, err
	}
	return groupRows(rows, filter, groupBy), nil
}

func (s *KVStore) Close() error {
	return s.objects.Close()
}

func (s *KVStore) scan(ctx context.Context) ([]storedRecord, error) {
	rows := make([]storedRecord, 0)
	err := s.objects.Scan(ctx, kvRecordPrefix, func(key string, value []byte) error {
		row, err := decodeStoredRecord(value)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		rows = append(rows, row)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *KVStore) lockFor(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &s.locks[h.Sum32()%uint32(len(s.locks))]
}

func decodeStoredRecord(payload []byte) (storedRecord, error) {
	var row storedRecord
	if err := json.Unmarshal(payload, &row); err != nil {
		return storedRecord{}, fmt.Errorf("decode tracking record: %w", err)
	}
	return row, nil
}
