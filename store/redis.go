package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a Store backed by a Redis server. Keys are namespaced by prefix.
type Redis struct {
	client *redis.Client
	prefix string
}

// OpenRedis connects to the Redis server at rawURL and verifies the connection.
func OpenRedis(ctx context.Context, rawURL, prefix string) (*Redis, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("store: parse redis URL: %w", err)
	}
	opts.PoolSize = 4
	opts.MaxRetries = 3
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("store: connect to redis: %w", err)
	}
	slog.Info("store: redis connected", "addr", opts.Addr, "prefix", prefix)
	return NewRedis(client, prefix), nil
}

// NewRedis wraps an existing client.
func NewRedis(client *redis.Client, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) Get(ctx context.Context, keys ...string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = r.prefix + k
	}
	vals, err := r.client.MGet(ctx, full...).Result()
	if err != nil {
		return nil, fmt.Errorf("store: redis mget: %w", err)
	}
	for i, v := range vals {
		if s, ok := v.(string); ok {
			out[keys[i]] = []byte(s)
		}
	}
	return out, nil
}

func (r *Redis) Set(ctx context.Context, items map[string][]byte) error {
	if len(items) == 0 {
		return nil
	}
	pipe := r.client.TxPipeline()
	for k, v := range items {
		pipe.Set(ctx, r.prefix+k, v, 0)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store: redis set: %w", err)
	}
	return nil
}

func (r *Redis) Remove(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = r.prefix + k
	}
	if err := r.client.Del(ctx, full...).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("store: redis del: %w", err)
	}
	return nil
}

func (r *Redis) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, r.prefix+prefix+"*", 256).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), r.prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("store: redis scan: %w", err)
	}
	return keys, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
