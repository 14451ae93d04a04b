package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var errRedisClosed = errors.New("redis connection closed")

// RedisService owns the Redis connection shared by the cache's shared tier
// and the vector index
type RedisService struct {
	client *redis.Client
	mu     sync.RWMutex
}

// NewRedisService connects to redisURL and verifies the connection.
// opTimeout bounds every read and write; zero keeps a 3s default.
func NewRedisService(redisURL string, opTimeout time.Duration) (*RedisService, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	if opTimeout <= 0 {
		opTimeout = 3 * time.Second
	}

	opts.PoolSize = 10
	opts.MinIdleConns = 2
	opts.MaxRetries = 1
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = opTimeout
	opts.WriteTimeout = opTimeout

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", opts.Addr, err)
	}

	log.Printf("✅ [REDIS] Connected to %s (db %d)", opts.Addr, opts.DB)
	return &RedisService{client: client}, nil
}

// Client returns the underlying Redis client, or nil after Close
func (r *RedisService) Client() *redis.Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.client
}

// Ping checks if Redis is reachable
func (r *RedisService) Ping(ctx context.Context) error {
	client := r.Client()
	if client == nil {
		return errRedisClosed
	}
	return client.Ping(ctx).Err()
}

// Close closes the Redis connection. Closing twice is a no-op.
func (r *RedisService) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.client == nil {
		return nil
	}
	err := r.client.Close()
	r.client = nil
	return err
}
