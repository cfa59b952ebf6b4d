package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/oriys/quasar/internal/logging"
)

const probeInterval = 5 * time.Second

// FallbackBackend limits through primary (typically Redis) and degrades to
// in-memory buckets while primary fails. Once degraded it probes primary
// at most every probeInterval and switches back when it answers.
type FallbackBackend struct {
	primary Backend
	local   *LocalBackend

	degraded  atomic.Bool
	probing   sync.Mutex
	lastProbe atomic.Int64 // unix nanos
}

func NewFallbackBackend(primary Backend) *FallbackBackend {
	return &FallbackBackend{primary: primary, local: NewLocalBackend()}
}

func (f *FallbackBackend) Take(ctx context.Context, key string, b Bucket, n int) (Decision, error) {
	if f.degraded.Load() {
		if time.Since(time.Unix(0, f.lastProbe.Load())) > probeInterval {
			go f.probe(context.WithoutCancel(ctx))
		}
		return f.local.Take(ctx, key, b, n)
	}

	d, err := f.primary.Take(ctx, key, b, n)
	if err != nil {
		logging.Op().Warn("rate limit backend unavailable, limiting locally", "error", err)
		f.lastProbe.Store(time.Now().UnixNano())
		f.degraded.Store(true)
		return f.local.Take(ctx, key, b, n)
	}
	return d, nil
}

func (f *FallbackBackend) probe(ctx context.Context) {
	if !f.probing.TryLock() {
		return
	}
	defer f.probing.Unlock()
	f.lastProbe.Store(time.Now().UnixNano())

	// n=0 never consumes tokens
	if _, err := f.primary.Take(ctx, "probe", Bucket{Capacity: 1, RefillRate: 1}, 0); err == nil {
		logging.Op().Info("rate limit backend recovered")
		f.degraded.Store(false)
	}
}

// Degraded reports whether the backend is currently limiting locally.
func (f *FallbackBackend) Degraded() bool {
	return f.degraded.Load()
}

// LocalBackend keeps one rate.Limiter per key in process memory.
type LocalBackend struct {
	mu       sync.Mutex
	limiters map[string]*localLimiter
	now      func() time.Time
}

type localLimiter struct {
	*rate.Limiter
	bucket Bucket
}

func NewLocalBackend() *LocalBackend {
	return &LocalBackend{limiters: make(map[string]*localLimiter), now: time.Now}
}

func (l *LocalBackend) Take(_ context.Context, key string, b Bucket, n int) (Decision, error) {
	now := l.now()

	l.mu.Lock()
	lim, ok := l.limiters[key]
	if !ok || lim.bucket != b {
		lim = &localLimiter{Limiter: rate.NewLimiter(rate.Limit(b.RefillRate), b.Capacity), bucket: b}
		l.limiters[key] = lim
	}
	l.mu.Unlock()

	r := lim.ReserveN(now, n)
	if !r.OK() {
		// n exceeds the burst; waiting never helps
		return Decision{Remaining: remaining(lim.Limiter, now)}, nil
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return Decision{Remaining: remaining(lim.Limiter, now), RetryAfter: delay}, nil
	}
	return Decision{Allowed: true, Remaining: remaining(lim.Limiter, now)}, nil
}

func remaining(l *rate.Limiter, now time.Time) int {
	t := l.TokensAt(now)
	if t < 0 {
		return 0
	}
	return int(t)
}
