// Package cache keeps short-lived JSON snapshots in Redis: the dashboard
// overview and the market datasets refreshed after the close.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"tw_autotrade/config"
	"tw_autotrade/logging"
)

// Key layout.
const (
	keyPrefix      = "autotrade:"
	KeyDashboard   = "dashboard:overview"
	datasetKeyFmt  = "dataset:%s:%s"
	DefaultTTL     = 10 * time.Minute
	DatasetTTL     = 20 * time.Hour
	operationLimit = 3 * time.Second
)

// DatasetKey returns the key of one provider dataset for a market universe.
func DatasetKey(name, universe string) string {
	return fmt.Sprintf(datasetKeyFmt, universe, name)
}

// Snapshots is a Redis-backed JSON store. A nil *Snapshots is a valid,
// always-empty cache so the daemon can run without Redis.
type Snapshots struct {
	client *redis.Client
	logger zerolog.Logger
}

// New connects to Redis and verifies the connection. An empty address
// returns (nil, nil): caching is disabled.
func New(ctx context.Context, cfg config.RedisConfig) (*Snapshots, error) {
	if cfg.Addr == "" {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  operationLimit,
		WriteTimeout: operationLimit,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	s := NewWithClient(client)
	s.logger.Info().Str("addr", cfg.Addr).Int("db", cfg.DB).Msg("Connected to Redis snapshot cache")
	return s, nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client) *Snapshots {
	return &Snapshots{client: client, logger: logging.WithComponent("cache")}
}

// Put stores v as JSON under key for ttl.
func (s *Snapshots) Put(ctx context.Context, key string, v any, ttl time.Duration) error {
	if s == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode snapshot %s: %w", key, err)
	}
	ctx, cancel := context.WithTimeout(ctx, operationLimit)
	defer cancel()
	if err := s.client.Set(ctx, keyPrefix+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Get decodes the snapshot under key into v. It reports false when the key
// is absent or expired.
func (s *Snapshots) Get(ctx context.Context, key string, v any) (bool, error) {
	if s == nil {
		return false, nil
	}
	ctx, cancel := context.WithTimeout(ctx, operationLimit)
	defer cancel()
	data, err := s.client.Get(ctx, keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode snapshot %s: %w", key, err)
	}
	return true, nil
}

// Delete removes key.
func (s *Snapshots) Delete(ctx context.Context, key string) error {
	if s == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, operationLimit)
	defer cancel()
	return s.client.Del(ctx, keyPrefix+key).Err()
}

// Ping reports whether Redis answers.
func (s *Snapshots) Ping(ctx context.Context) error {
	if s == nil {
		return nil
	}
	return s.client.Ping(ctx).Err()
}

// Close releases the connection pool.
func (s *Snapshots) Close() error {
	if s == nil {
		return nil
	}
	return s.client.Close()
}
