// Package store is the typed client for the Redis-compatible shared store.
// It owns every key shape the gateway uses; other packages never format
// store keys themselves.
package store

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Config holds connection settings for the shared store.
type Config struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	// OpTimeout caps every single store operation (default 1s).
	OpTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Addr:         "127.0.0.1:6379",
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		OpTimeout:    time.Second,
	}
}

// Store wraps a go-redis client with the gateway's typed operations.
type Store struct {
	client    goredis.UniversalClient
	opTimeout time.Duration
}

// New creates a store client. The connection is lazy; call Ping to verify
// reachability and credentials during bootstrap.
func New(cfg Config) *Store {
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = time.Second
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.OpTimeout,
		WriteTimeout: cfg.OpTimeout,
	})
	return &Store{client: client, opTimeout: cfg.OpTimeout}
}

// NewWithClient wraps an existing client. Used by tests with miniredis.
func NewWithClient(client goredis.UniversalClient) *Store {
	return &Store{client: client, opTimeout: time.Second}
}

// Ping verifies connectivity and authentication.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("store ping: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client exposes the underlying client for advanced callers (tests).
func (s *Store) Client() goredis.UniversalClient {
	return s.client
}

func (s *Store) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

// scanKeys collects keys matching pattern, bounded by max (0 = unbounded).
func (s *Store) scanKeys(ctx context.Context, pattern string, max int) ([]string, error) {
	var keys []string
	var cursor uint64
	for {
		batch, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return keys, err
		}
		keys = append(keys, batch...)
		if max > 0 && len(keys) >= max {
			return keys[:max], nil
		}
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}
