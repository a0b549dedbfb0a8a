// Package ratelimit provides a pluggable rate limiting interface for the
// /v1 query and control API.
//
// MemoryLimiter keeps a token bucket per key in process. RedisLimiter runs
// the same algorithm in Redis so several kiai instances share one budget.
// The callback route is never limited: dropping provider callbacks loses
// ledger entries.
package ratelimit

import "context"

// Limiter decides whether a request identified by key should be allowed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow returns true if the request should proceed.
	// The key is opaque; callers construct it (e.g. "ip:10.0.0.1").
	// Returning an error signals a limiter malfunction. Middleware treats
	// errors as fail-open.
	Allow(ctx context.Context, key string) (bool, error)

	// Close releases resources (cleanup goroutines, connections).
	Close() error
}

// NoopLimiter permits every request. Used when rate limiting is disabled.
type NoopLimiter struct{}

// Allow always returns true.
func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }
