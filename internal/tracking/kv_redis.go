package tracking

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix     = "deliverytrack:"
	redisScanCount     = 200
	redisUpdateRetries = 16
)

// RedisObjectStore is an ObjectStore on a redis keyspace. Updates use
// WATCH/MULTI and retry when the key changes underneath them.
type RedisObjectStore struct {
	client *redis.Client
	prefix string
}

var (
	_ ObjectStore   = (*RedisObjectStore)(nil)
	_ ObjectUpdater = (*RedisObjectStore)(nil)
)

// NewRedisObjectStore parses a redis:// or rediss:// URL. The connection is
// established lazily and checked by Init.
func NewRedisObjectStore(rawURL string) (*RedisObjectStore, error) {
	opts, err := redis.ParseURL(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("%w: redis url: %v", ErrInvalidInput, err)
	}
	return NewRedisObjectStoreWithClient(redis.NewClient(opts), redisKeyPrefix), nil
}

func NewRedisObjectStoreWithClient(client *redis.Client, prefix string) *RedisObjectStore {
	return &RedisObjectStore{client: client, prefix: prefix}
}

func (r *RedisObjectStore) Init(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

func (r *RedisObjectStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (r *RedisObjectStore) Put(ctx context.Context, key string, value []byte) error {
	return r.client.Set(ctx, r.prefix+key, value, 0).Err()
}

func (r *RedisObjectStore) Scan(ctx context.Context, prefix string, fn func(key string, value []byte) error) error {
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, r.prefix+prefix+"*", redisScanCount).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			values, err := r.client.MGet(ctx, keys...).Result()
			if err != nil {
				return err
			}
			for i, value := range values {
				s, ok := value.(string)
				if !ok {
					// deleted between SCAN and MGET
					continue
				}
				if err := fn(strings.TrimPrefix(keys[i], r.prefix), []byte(s)); err != nil {
					return err
				}
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

func (r *RedisObjectStore) Update(ctx context.Context, key string, fn func(current []byte, ok bool) ([]byte, bool, error)) error {
	fullKey := r.prefix + key
	txf := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, fullKey).Bytes()
		ok := true
		if errors.Is(err, redis.Nil) {
			current, ok, err = nil, false, nil
		}
		if err != nil {
			return err
		}
		next, write, err := fn(current, ok)
		if err != nil || !write {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, fullKey, next, 0)
			return nil
		})
		return err
	}
	for i := 0; i < redisUpdateRetries; i++ {
		err := r.client.Watch(ctx, txf, fullKey)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("update %s: too much contention", key)
}

func (r *RedisObjectStore) Close() error {
	return r.client.Close()
}
