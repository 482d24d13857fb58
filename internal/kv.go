package internal

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// KV is the shared medium-term tier (T2): a networked key-value store,
// durable within TTL and visible to every process. It also backs the
// rate-limiter counters, the per-provider gates, and the results store.
type KV struct {
	client *redis.Client
}

// NewKV connects to the store at the given URL, e.g. redis://host:6379/0.
func NewKV(url string) (*KV, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return &KV{client: redis.NewClient(opts)}, nil
}

// newKVFromClient wires an existing client; used by tests with miniredis.
func newKVFromClient(client *redis.Client) *KV {
	return &KV{client: client}
}

// Ping verifies connectivity.
func (kv *KV) Ping(ctx context.Context) error {
	return kv.client.Ping(ctx).Err()
}

// Get returns the payload, or ok=false when the key is absent or expired.
func (kv *KV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := kv.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

// GetWithTTL also reports the remaining TTL.
func (kv *KV) GetWithTTL(ctx context.Context, key string) ([]byte, time.Duration, bool, error) {
	pipe := kv.client.Pipeline()
	get := pipe.Get(ctx, key)
	ttl := pipe.TTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, 0, false, err
	}
	b, err := get.Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, 0, false, nil
	}
	if err != nil {
		return nil, 0, false, err
	}
	return b, ttl.Val(), true, nil
}

// Set writes the payload with the given TTL.
func (kv *KV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return kv.client.Set(ctx, key, value, ttl).Err()
}

// SetNX writes only if the key is absent. Returns whether the write landed.
func (kv *KV) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	return kv.client.SetNX(ctx, key, value, ttl).Result()
}

// Delete removes the key. Absent keys are not an error.
func (kv *KV) Delete(ctx context.Context, key string) error {
	return kv.client.Del(ctx, key).Err()
}

// GetInt reads an integer counter; absent keys read as 0.
func (kv *KV) GetInt(ctx context.Context, key string) (int64, error) {
	n, err := kv.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

// SetInt writes an integer counter with the given TTL.
func (kv *KV) SetInt(ctx context.Context, key string, n int64, ttl time.Duration) error {
	return kv.client.Set(ctx, key, n, ttl).Err()
}

// TTL reports the remaining lifetime of the key; zero when absent.
func (kv *KV) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := kv.client.TTL(ctx, key).Result()
	if err != nil || d < 0 {
		return 0, err
	}
	return d, nil
}

// Close releases the underlying connection pool.
func (kv *KV) Close() error {
	return kv.client.Close()
}
