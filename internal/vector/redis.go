package vector

import (
	"context"
	"encoding/json"
	"fmt"

	"chatrelay/internal/models"

	"github.com/redis/go-redis/v9"
)

// RedisIndex stores points as JSON in one Redis hash per collection and
// scores them in process. It suits the modest per-deployment volumes of chat
// history and instruction snippets.
type RedisIndex struct {
	client    *redis.Client
	namespace string
}

// NewRedisIndex creates an index under namespace
func NewRedisIndex(client *redis.Client, namespace string) *RedisIndex {
	if namespace == "" {
		namespace = "chatrelay:vectors:"
	}
	return &RedisIndex{client: client, namespace: namespace}
}

func (r *RedisIndex) key(collection string) string {
	return r.namespace + collection
}

// Upsert implements Index
func (r *RedisIndex) Upsert(ctx context.Context, collection string, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	values := make([]interface{}, 0, len(points)*2)
	for _, p := range points {
		data, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("failed to encode point %s: %w", p.ID, err)
		}
		values = append(values, p.ID, data)
	}
	return r.client.HSet(ctx, r.key(collection), values...).Err()
}

// Search implements Index
func (r *RedisIndex) Search(ctx context.Context, collection string, vector []float32, limit int, filter Filter) ([]models.VectorSearchHit, error) {
	raw, err := r.client.HVals(ctx, r.key(collection)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load %s vectors: %w", collection, err)
	}

	candidates := make([]Point, 0, len(raw))
	for _, item := range raw {
		var p Point
		if err := json.Unmarshal([]byte(item), &p); err != nil {
			continue
		}
		candidates = append(candidates, p)
	}
	return rank(vector, candidates, limit, filter), nil
}

// Delete implements Index
func (r *RedisIndex) Delete(ctx context.Context, collection string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return r.client.HDel(ctx, r.key(collection), ids...).Err()
}

// DeleteMatching implements Index
func (r *RedisIndex) DeleteMatching(ctx context.Context, collection string, filter Filter) (int, error) {
	if len(filter) == 0 {
		n, err := r.client.HLen(ctx, r.key(collection)).Result()
		if err != nil {
			return 0, err
		}
		return int(n), r.client.Del(ctx, r.key(collection)).Err()
	}

	raw, err := r.client.HGetAll(ctx, r.key(collection)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to load %s vectors: %w", collection, err)
	}
	var ids []string
	for id, item := range raw {
		var p Point
		if err := json.Unmarshal([]byte(item), &p); err != nil {
			continue
		}
		if filter.Matches(p.Payload) {
			ids = append(ids, id)
		}
	}
	if err := r.Delete(ctx, collection, ids); err != nil {
		return 0, err
	}
	return len(ids), nil
}
