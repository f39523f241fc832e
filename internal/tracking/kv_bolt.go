package tracking

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"go.etcd.io/bbolt"
)

var boltRecordsBucket = []byte("records")

type BoltObjectStore struct {
	db *bbolt.DB
}

var (
	_ ObjectStore   = (*BoltObjectStore)(nil)
	_ ObjectUpdater = (*BoltObjectStore)(nil)
)

func OpenBoltObjectStore(path string) (*BoltObjectStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("%w: bolt path is required", ErrInvalidInput)
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening bolt database: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltRecordsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating bucket %s: %w", boltRecordsBucket, err)
	}
	return &BoltObjectStore{db: db}, nil
}

func (b *BoltObjectStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	var data []byte
	err := b.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(boltRecordsBucket).Get([]byte(key))
		if val == nil {
			return nil
		}
		data = make([]byte, len(val))
		copy(data, val)
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return data, data != nil, nil
}

func (b *BoltObjectStore) Put(_ context.Context, key string, value []byte) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(boltRecordsBucket).Put([]byte(key), value)
	})
}

func (b *BoltObjectStore) Scan(ctx context.Context, prefix string, fn func(key string, value []byte) error) error {
	return b.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(boltRecordsBucket).Cursor()
		p := []byte(prefix)
		for k, v := cursor.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = cursor.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			value := make([]byte, len(v))
			copy(value, v)
			if err := fn(string(k), value); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *BoltObjectStore) Update(_ context.Context, key string, fn func(current []byte, ok bool) ([]byte, bool, error)) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(boltRecordsBucket)
		var current []byte
		if val := bucket.Get([]byte(key)); val != nil {
			current = make([]byte, len(val))
			copy(current, val)
		}
		next, write, err := fn(current, current != nil)
		if err != nil || !write {
			return err
		}
		return bucket.Put([]byte(key), next)
	})
}

func (b *BoltObjectStore) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}
