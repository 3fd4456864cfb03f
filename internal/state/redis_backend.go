package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisKeyPrefix = "ordersync:"
	redisMaxTxAttempts    = 16
)

// RedisStore implements Update with WATCH/MULTI optimistic transactions and
// retries when another writer touched the key in between.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

func NewRedisStore(dsn string) (*RedisStore, error) {
	opts, err := redis.ParseURL(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse redis dsn: %w", err)
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewRedisStoreWithClient(client, defaultRedisKeyPrefix), nil
}

// NewRedisStoreWithClient wraps an existing client, e.g. one shared with other
// components.
func NewRedisStoreWithClient(client *redis.Client, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = defaultRedisKeyPrefix
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix}
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	value, err := s.client.Get(ctx, s.keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return value, err
}

func (s *RedisStore) Update(ctx context.Context, key string, fn UpdateFunc) error {
	if err := validateKey(key); err != nil {
		return err
	}
	fullKey := s.keyPrefix + key
	txf := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, fullKey).Bytes()
		if errors.Is(err, redis.Nil) {
			current = nil
		} else if err != nil {
			return err
		}
		next, err := fn(current)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, fullKey, next, 0)
			return nil
		})
		return err
	}
	for attempt := 0; attempt < redisMaxTxAttempts; attempt++ {
		err := s.client.Watch(ctx, txf, fullKey)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if errors.Is(err, ErrNoChange) {
			return nil
		}
		return err
	}
	return fmt.Errorf("redis update %s: too much contention", key)
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
