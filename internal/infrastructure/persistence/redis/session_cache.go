// Package redis implements the second-level session cache for SkyDeck
// Review Hub. The in-process cache consults it on a miss, so composed
// sessions survive process restarts and are shared between instances.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/skydeck-hub/skydeck-review-hub/internal/infrastructure/cache"
)

// ══════════════════════════════════════════════════════════════════════════════
// CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// Config holds Redis connection configuration.
type Config struct {
	// Host is the Redis server hostname.
	Host string

	// Port is the Redis server port.
	Port int

	// Password is the Redis authentication password (empty if no auth).
	Password string

	// DB is the Redis database number (0-15).
	DB int

	// PoolSize is the maximum number of socket connections.
	PoolSize int

	// MinIdleConns is the minimum number of idle connections.
	MinIdleConns int

	// MaxRetries is the maximum number of retries before giving up.
	MaxRetries int

	// DialTimeout is the timeout for establishing new connections.
	DialTimeout time.Duration

	// ReadTimeout is the timeout for socket reads.
	ReadTimeout time.Duration

	// WriteTimeout is the timeout for socket writes.
	WriteTimeout time.Duration
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Host:         "localhost",
		Port:         6379,
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// Addr returns the Redis address in "host:port" format.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ══════════════════════════════════════════════════════════════════════════════
// SESSION CACHE
// ══════════════════════════════════════════════════════════════════════════════

// keyPrefix namespaces session cache keys.
const keyPrefix = "session:"

// ErrCacheConnection is returned when the Redis connection fails on startup.
var ErrCacheConnection = errors.New("redis: connection failed")

// SessionCache implements cache.Backing on Redis.
type SessionCache struct {
	client *redis.Client
}

// NewSessionCache connects to Redis and verifies the connection.
func NewSessionCache(ctx context.Context, cfg Config) (*SessionCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: %v", ErrCacheConnection, err)
	}

	return &SessionCache{client: client}, nil
}

// NewSessionCacheFromClient wraps an existing client. Used in tests.
func NewSessionCacheFromClient(client *redis.Client) *SessionCache {
	return &SessionCache{client: client}
}

// Client returns the underlying Redis client.
func (s *SessionCache) Client() *redis.Client {
	return s.client
}

// Close closes the Redis connection.
func (s *SessionCache) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection.
func (s *SessionCache) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Load returns the cached result for the fingerprint, if present.
func (s *SessionCache) Load(ctx context.Context, fp cache.Fingerprint) (cache.Result, bool, error) {
	data, err := s.client.Get(ctx, keyPrefix+fp.String()).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return cache.Result{}, false, nil
		}
		return cache.Result{}, false, fmt.Errorf("redis: load %s: %w", fp, err)
	}

	var result cache.Result
	if err := json.Unmarshal(data, &result); err != nil {
		// A corrupted entry is a miss, not a failure.
		_ = s.client.Del(ctx, keyPrefix+fp.String()).Err()
		return cache.Result{}, false, nil
	}

	return result, true, nil
}

// Store saves the result under the fingerprint with the given TTL.
func (s *SessionCache) Store(ctx context.Context, fp cache.Fingerprint, result cache.Result, ttl time.Duration) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("redis: marshal %s: %w", fp, err)
	}

	if err := s.client.Set(ctx, keyPrefix+fp.String(), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis: store %s: %w", fp, err)
	}

	return nil
}

// Remove drops the entry for the fingerprint.
func (s *SessionCache) Remove(ctx context.Context, fp cache.Fingerprint) error {
	if err := s.client.Del(ctx, keyPrefix+fp.String()).Err(); err != nil {
		return fmt.Errorf("redis: remove %s: %w", fp, err)
	}
	return nil
}

// RemoveAll drops every session cache entry, scanning by prefix so other
// keyspaces in the same database are untouched.
func (s *SessionCache) RemoveAll(ctx context.Context) error {
	iter := s.client.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()

	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())

		if len(keys) >= 100 {
			if err := s.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("redis: remove all: %w", err)
			}
			keys = keys[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis: scan sessions: %w", err)
	}

	if len(keys) > 0 {
		if err := s.client.Del(ctx, keys...).Err(); err != nil {
			return fmt.Errorf("redis: remove all: %w", err)
		}
	}

	return nil
}
