package bucket

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisExpiration is seven days.
const DefaultRedisExpiration = 7 * 24 * time.Hour

// RedisStore backs the bucket with Redis instead of the in-memory+disk
// store. It is a non-default, optional backend. There is no in-memory budget
// or FIFO eviction here: Redis' own key expiration is the eviction policy.
type RedisStore struct {
	client     *redis.Client
	expiration time.Duration
}

// RedisConfig configures a RedisStore.
type RedisConfig struct {
	Host       string
	Port       int
	Password   string
	DB         int
	Expiration time.Duration // 0 = DefaultRedisExpiration; negative = no expiration
}

// NewRedisStore dials a Redis server per cfg.
func NewRedisStore(cfg RedisConfig) *RedisStore {
	exp := cfg.Expiration
	if exp == 0 {
		exp = DefaultRedisExpiration
	}
	if exp < 0 {
		exp = 0
	}
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &RedisStore{client: client, expiration: exp}
}

func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("bucket: redis get %q: %w", key, err)
	}
	return data, true, nil
}

func (r *RedisStore) Set(ctx context.Context, key string, data []byte) error {
	if err := r.client.Set(ctx, key, data, r.expiration).Err(); err != nil {
		return fmt.Errorf("bucket: redis set %q: %w", key, err)
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("bucket: redis delete %q: %w", key, err)
	}
	return nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

var _ Store = (*RedisStore)(nil)
