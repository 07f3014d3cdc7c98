package control

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/forest6511/paradl/pkg/types"
)

// redisKeyPrefix namespaces every control record this engine writes, so a
// shared Redis instance can host other tenants' keys without collision.
const redisKeyPrefix = "paradl:control:"

// RedisStore is an alternate Control Store backend, letting multiple
// processes on a host that already runs Redis share a view of in-flight
// downloads instead of relying on filesystem sidecars.
type RedisStore struct {
	client *redis.Client
	key    string
}

// NewRedisStore builds a RedisStore for targetPath against a Redis instance
// reachable at addr (host:port, no scheme).
func NewRedisStore(addr, targetPath string) *RedisStore {
	return &RedisStore{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		key:    redisKeyPrefix + targetPath,
	}
}

// ParseRedisAddr strips a "redis://" scheme (if present) from a
// controlBackend configuration value, returning the bare host:port.
func ParseRedisAddr(controlBackend string) string {
	return strings.TrimPrefix(controlBackend, "redis://")
}

func (s *RedisStore) Save(record *types.ControlRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("control: encoding record: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.client.Set(ctx, s.key, data, 0).Err(); err != nil {
		return fmt.Errorf("control: writing redis key %s: %w", s.key, err)
	}
	return nil
}

func (s *RedisStore) Load() (*types.ControlRecord, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data, err := s.client.Get(ctx, s.key).Bytes()
	if err != nil {
		return nil, false
	}

	var record types.ControlRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, false
	}
	if record.Version != types.ControlVersion {
		return nil, false
	}
	return &record, true
}

func (s *RedisStore) Exists() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	n, err := s.client.Exists(ctx, s.key).Result()
	return err == nil && n > 0
}

func (s *RedisStore) Delete() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("control: deleting redis key %s: %w", s.key, err)
	}
	return nil
}

// Close releases the underlying Redis connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
