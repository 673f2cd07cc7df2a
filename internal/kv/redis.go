package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DurablePrefix is the Redis key prefix for device-scoped identity values.
	DurablePrefix = "identity:durable:"

	// SessionPrefix is the Redis key prefix for session-scoped identity values.
	SessionPrefix = "identity:session:"

	// SessionTTL is how long a session-scoped value survives without activity.
	SessionTTL = 30 * time.Minute
)

// DialRedis connects to Redis and verifies the connection.
func DialRedis(addr, password string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("kv: redis connection failed: %w", err)
	}
	return client, nil
}

// Redis is a Store backed by Redis string keys. With a positive TTL every
// read and write pushes the expiry forward, so a value lapses once its
// session goes quiet. A zero TTL keeps values until they are removed.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedis creates a Redis store using the provided client.
func NewRedis(client *redis.Client, prefix string, ttl time.Duration) *Redis {
	return &Redis{client: client, prefix: prefix, ttl: ttl}
}

// NewDurableRedis returns the device-scoped store: no expiry.
func NewDurableRedis(client *redis.Client) *Redis {
	return NewRedis(client, DurablePrefix, 0)
}

// NewSessionRedis returns the session-scoped store with a sliding TTL.
func NewSessionRedis(client *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = SessionTTL
	}
	return NewRedis(client, SessionPrefix, ttl)
}

func (r *Redis) key(k string) string {
	return r.prefix + k
}

func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	var cmd *redis.StringCmd
	if r.ttl > 0 {
		cmd = r.client.GetEx(ctx, r.key(key), r.ttl)
	} else {
		cmd = r.client.Get(ctx, r.key(key))
	}

	val, err := cmd.Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("kv: redis get %s: %w", key, err)
	}
	return val, true, nil
}

func (r *Redis) Set(ctx context.Context, key, value string) error {
	if err := r.client.Set(ctx, r.key(key), value, r.ttl).Err(); err != nil {
		return fmt.Errorf("kv: redis set %s: %w", key, err)
	}
	return nil
}

func (r *Redis) Remove(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		return fmt.Errorf("kv: redis del %s: %w", key, err)
	}
	return nil
}

// Ping checks the Redis connection.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
