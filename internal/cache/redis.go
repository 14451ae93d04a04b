package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisTier is a SharedTier backed by Redis
type RedisTier struct {
	client    *redis.Client
	namespace string
	timeout   time.Duration
}

// NewRedisTier wraps client. Keys are stored under namespace.
func NewRedisTier(client *redis.Client, namespace string, timeout time.Duration) *RedisTier {
	if namespace == "" {
		namespace = "chatrelay:cache:"
	}
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	return &RedisTier{client: client, namespace: namespace, timeout: timeout}
}

func (r *RedisTier) key(k string) string {
	return r.namespace + k
}

// Get implements SharedTier, reading the value and its PTTL in one round trip
func (r *RedisTier) Get(ctx context.Context, key string) ([]byte, time.Duration, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	pipe := r.client.Pipeline()
	get := pipe.Get(ctx, r.key(key))
	pttl := pipe.PTTL(ctx, r.key(key))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, 0, false, err
	}

	data, err := get.Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, 0, false, nil
	}
	if err != nil {
		return nil, 0, false, err
	}
	remaining := pttl.Val()
	if remaining < 0 {
		remaining = 0
	}
	return data, remaining, true, nil
}

// Set implements SharedTier
func (r *RedisTier) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.client.Set(ctx, r.key(key), value, ttl).Err()
}

// Delete implements SharedTier
func (r *RedisTier) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = r.key(k)
	}
	return r.client.Del(ctx, full...).Err()
}

// DeletePrefix implements SharedTier using SCAN so large keyspaces are not blocked
func (r *RedisTier) DeletePrefix(ctx context.Context, prefix string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout*4)
	defer cancel()

	iter := r.client.Scan(ctx, 0, r.key(prefix)+"*", 100).Iterator()
	var batch []string
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) >= 100 {
			if err := r.client.Del(ctx, batch...).Err(); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(batch) > 0 {
		return r.client.Del(ctx, batch...).Err()
	}
	return nil
}
