// Package ratelimit provides token bucket limiting for outgoing invocations
// and for the provider HTTP endpoint. Buckets live either in Redis, shared by
// every process, or in memory.
package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// Bucket describes a token bucket: it holds up to Capacity tokens and gains
// RefillRate tokens per second.
type Bucket struct {
	Capacity   int
	RefillRate float64
}

// Decision is the outcome of taking tokens from a bucket.
type Decision struct {
	Allowed   bool
	Remaining int
	// RetryAfter is how long until the request would be allowed. Zero when
	// allowed.
	RetryAfter time.Duration
}

// Backend atomically takes n tokens from the bucket stored at key.
type Backend interface {
	Take(ctx context.Context, key string, b Bucket, n int) (Decision, error)
}

// Config holds rate limit settings for one bucket.
type Config struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size"`
}

// Enabled reports whether the config limits anything.
func (c Config) Enabled() bool {
	return c.RequestsPerSecond > 0
}

// Bucket returns the bucket for c. Burst defaults to one second of traffic.
func (c Config) Bucket() Bucket {
	capacity := c.BurstSize
	if capacity <= 0 {
		capacity = int(c.RequestsPerSecond)
	}
	if capacity < 1 {
		capacity = 1
	}
	return Bucket{Capacity: capacity, RefillRate: c.RequestsPerSecond}
}

// Limiter applies one Config to buckets of a backend.
type Limiter struct {
	backend Backend
	cfg     Config
}

// New creates a limiter. A nil backend uses in-memory buckets.
func New(backend Backend, cfg Config) *Limiter {
	if backend == nil {
		backend = NewLocalBackend()
	}
	return &Limiter{backend: backend, cfg: cfg}
}

// Allow takes one token from the bucket at key.
func (l *Limiter) Allow(ctx context.Context, key string) (Decision, error) {
	d, err := l.backend.Take(ctx, key, l.cfg.Bucket(), 1)
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit check: %w", err)
	}
	return d, nil
}

// Config returns the limiter's settings.
func (l *Limiter) Config() Config { return l.cfg }

// KeyForEndpoint returns the bucket key for calls to one provider endpoint.
func KeyForEndpoint(service, address string) string {
	return "endpoint:" + service + "@" + address
}

// KeyForIP returns the bucket key for requests from a client address.
func KeyForIP(ip string) string {
	return "ip:" + ip
}
