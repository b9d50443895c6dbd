package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/compiler-explorer/ce-router/core/infra/redisutil"
	"github.com/redis/go-redis/v9"
)

const defaultRedisOpTimeout = 2 * time.Second

// RedisStore backs the routing table and active-color parameter store with
// Redis: routing entries as JSON-encoded strings under a table-prefixed
// key, active color as a plain string per environment.
type RedisStore struct {
	client  redis.UniversalClient
	table   string
}

// NewRedisStore connects to Redis at url and namespaces routing keys under table.
func NewRedisStore(url, table string) (*RedisStore, error) {
	if table == "" {
		table = "CompilerRouting"
	}
	client, err := redisutil.NewClient(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultRedisOpTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &RedisStore{client: client, table: table}, nil
}

func (s *RedisStore) routingKey(key string) string {
	return s.table + ":" + key
}

func (s *RedisStore) colorKey(environment string) string {
	return "color:" + environment
}

// GetRouting point-reads a routing entry by its exact key (composite or legacy).
func (s *RedisStore) GetRouting(ctx context.Context, key string) (*RawEntry, error) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultRedisOpTimeout)
	defer cancel()
	raw, err := s.client.Get(cctx, s.routingKey(key)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("routing get %s: %w", key, err)
	}
	var entry RawEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("routing decode %s: %w", key, err)
	}
	return &entry, nil
}

// PutRouting writes a routing entry; used by seed loaders and tests.
func (s *RedisStore) PutRouting(ctx context.Context, key string, entry RawEntry) error {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultRedisOpTimeout)
	defer cancel()
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("routing encode %s: %w", key, err)
	}
	return s.client.Set(cctx, s.routingKey(key), data, 0).Err()
}

// GetActiveColor reads the active color for environment, defaulting callers
// are expected to handle ErrNotFound themselves (the resolver defaults to "blue").
func (s *RedisStore) GetActiveColor(ctx context.Context, environment string) (string, error) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultRedisOpTimeout)
	defer cancel()
	val, err := s.client.Get(cctx, s.colorKey(environment)).Result()
	if err != nil {
		if err == redis.Nil {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("active color get %s: %w", environment, err)
	}
	return val, nil
}

// PutActiveColor sets the active color for environment; used by seed loaders and tests.
func (s *RedisStore) PutActiveColor(ctx context.Context, environment, color string) error {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultRedisOpTimeout)
	defer cancel()
	return s.client.Set(cctx, s.colorKey(environment), color, 0).Err()
}

// Close closes the underlying Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
