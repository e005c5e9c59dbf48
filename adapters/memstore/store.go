// Package memstore provides the session storage backing run state, approval
// records, and durable graph checkpoints: a Redis implementation for real
// deployments and an in-memory implementation with the same semantics for
// tests and for running without infrastructure.
package memstore

import (
	"context"
	"time"

	"github.com/forgeline-dev/testforge/coreengine/logging"
)

// Store is the key/value, list, and hash surface the run lifecycle needs.
// Lookup methods use comma-ok returns for missing keys; list and hash reads
// on missing keys return empty results. A ttl of zero means no expiry.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error

	RPush(ctx context.Context, key string, values ...string) error
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	LLen(ctx context.Context, key string) (int64, error)
	LTrim(ctx context.Context, key string, start, stop int64) error

	HSet(ctx context.Context, key, field, value string) error
	HGet(ctx context.Context, key, field string) (string, bool, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HDel(ctx context.Context, key string, fields ...string) error

	// Keys returns keys matching a glob pattern ("run:*").
	Keys(ctx context.Context, pattern string) ([]string, error)

	Ping(ctx context.Context) error
	Close() error
}

// pingTimeout bounds the availability probe in NewWithFallback.
const pingTimeout = 2 * time.Second

// NewWithFallback connects to Redis and degrades to the in-memory store when
// the ping fails, so a missing Redis never blocks a pipeline run. The warning
// is the only trace of the downgrade; callers use the returned Store either
// way.
func NewWithFallback(ctx context.Context, cfg Config, logger logging.Logger) Store {
	log := logging.OrNop(logger)

	rs := NewRedis(cfg, log)
	probeCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	if err := rs.Ping(probeCtx); err != nil {
		log.Warn("redis_unavailable",
			"addr", cfg.Addr,
			"error", err.Error())
		log.Info("memstore_fallback", "mode", "in-memory")
		_ = rs.Close()
		return NewMemory()
	}

	log.Info("memstore_connected", "addr", cfg.Addr, "db", cfg.DB)
	return rs
}
