package credentials

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	fieldDeviceToken = "device_token"
	userFieldPrefix  = "user:"
)

// RedisStore keeps one hash per server and license: the device token plus
// one field per user email.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// RedisOption configures a RedisStore
type RedisOption func(*RedisStore)

// WithTTL expires cached tokens after ttl. Zero keeps them forever.
func WithTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) {
		s.ttl = ttl
	}
}

// WithPrefix sets the key prefix. Default is "dfx".
func WithPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		s.prefix = prefix
	}
}

// NewRedisStore creates a Redis-backed token store
func NewRedisStore(client *redis.Client, opts ...RedisOption) *RedisStore {
	store := &RedisStore{
		client: client,
		prefix: "dfx",
	}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

func (s *RedisStore) hashKey(key Key) string {
	return fmt.Sprintf("%s:credentials:%s:%s", s.prefix, key.Server, key.LicenseKey)
}

// Get returns the cached tokens or ErrNotFound when neither is cached
func (s *RedisStore) Get(ctx context.Context, key Key) (Entry, error) {
	values, err := s.client.HMGet(ctx, s.hashKey(key), fieldDeviceToken, userFieldPrefix+key.UserEmail).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, fmt.Errorf("redis hmget failed: %w", err)
	}

	var entry Entry
	if v, ok := values[0].(string); ok {
		entry.DeviceToken = v
	}
	if v, ok := values[1].(string); ok {
		entry.UserToken = v
	}
	if entry == (Entry{}) {
		return Entry{}, ErrNotFound
	}
	return entry, nil
}

// Put writes the non-empty tokens of entry. An empty UserToken removes the
// cached user token.
func (s *RedisStore) Put(ctx context.Context, key Key, entry Entry) error {
	hash := s.hashKey(key)
	userField := userFieldPrefix + key.UserEmail

	pipe := s.client.TxPipeline()
	if entry.DeviceToken != "" {
		pipe.HSet(ctx, hash, fieldDeviceToken, entry.DeviceToken)
	}
	if entry.UserToken != "" {
		pipe.HSet(ctx, hash, userField, entry.UserToken)
	} else {
		pipe.HDel(ctx, hash, userField)
	}
	if s.ttl > 0 {
		pipe.Expire(ctx, hash, s.ttl)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline failed: %w", err)
	}
	return nil
}

// Clear deletes every credentials hash under the prefix
func (s *RedisStore) Clear(ctx context.Context) error {
	pattern := s.prefix + ":credentials:*"
	iter := s.client.Scan(ctx, 0, pattern, 0).Iterator()

	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis scan failed: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}
