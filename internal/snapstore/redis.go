package snapstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/starford/guardian/internal/apperr"
	"github.com/starford/guardian/internal/timeline"
)

// Redis implements Store on a Redis server. Drafts expire after ttl of
// inactivity, mirroring browser-local state that is eventually discarded.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedis connects to redisURL and verifies the connection.
func NewRedis(ctx context.Context, redisURL string, ttl time.Duration) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("snapstore: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("snapstore: connect to redis: %w", err)
	}
	return NewRedisWithClient(client, ttl), nil
}

// NewRedisWithClient creates a store from an existing client.
func NewRedisWithClient(client *redis.Client, ttl time.Duration) *Redis {
	return &Redis{client: client, prefix: "draft:", ttl: ttl}
}

func (r *Redis) key(k string) string {
	return r.prefix + k
}

// Load fetches and decodes the snapshot under key.
func (r *Redis) Load(ctx context.Context, key string) (*timeline.Snapshot, error) {
	data, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("snapstore: draft %q: %w", key, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("snapstore: get draft: %w", err)
	}
	return timeline.DecodeSnapshot(data)
}

// Save stores the snapshot and refreshes its expiry.
func (r *Redis) Save(ctx context.Context, key string, s *timeline.Snapshot) error {
	data, err := s.Encode()
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, r.key(key), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("snapstore: save draft: %w", err)
	}
	return nil
}

// Delete drops the snapshot under key.
func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		return fmt.Errorf("snapstore: delete draft: %w", err)
	}
	return nil
}

// Ping checks if Redis is reachable.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (r *Redis) Close() error {
	return r.client.Close()
}
