// Package filter decorates provider invokers with circuit breaking and rate
// limiting. Filtered invokers keep the identity of the invoker they wrap, so
// broadcast dedup still sees the provider application behind them.
package filter

import (
	"context"

	"github.com/oriys/quasar/internal/circuitbreaker"
	"github.com/oriys/quasar/internal/logging"
	"github.com/oriys/quasar/internal/ratelimit"
	"github.com/oriys/quasar/internal/rpc"
)

// Chain applies filters in order; the first one ends up outermost.
func Chain(filters ...func(rpc.Invoker) rpc.Invoker) func(rpc.Invoker) rpc.Invoker {
	return func(iv rpc.Invoker) rpc.Invoker {
		for i := len(filters) - 1; i >= 0; i-- {
			if filters[i] != nil {
				iv = filters[i](iv)
			}
		}
		return iv
	}
}

// base forwards everything except Invoke to the wrapped invoker.
type base struct {
	next rpc.Invoker
}

func (b base) URL() *rpc.URL      { return b.next.URL() }
func (b base) IsAvailable() bool { return b.next.IsAvailable() }
func (b base) Close() error      { return b.next.Close() }

func (b base) ProviderIdentity() (string, bool) {
	return rpc.ProviderIdentityOf(b.next)
}

// Unwrap returns the wrapped invoker.
func (b base) Unwrap() rpc.Invoker { return b.next }

type breakerInvoker struct {
	base
	breaker *circuitbreaker.Breaker
	release func()
}

// WithCircuitBreaker rejects calls with a Forbidden error while br is open.
// Business errors count as successes: the provider answered.
func WithCircuitBreaker(iv rpc.Invoker, br *circuitbreaker.Breaker) rpc.Invoker {
	if br == nil {
		return iv
	}
	return &breakerInvoker{base: base{next: iv}, breaker: br}
}

func (b *breakerInvoker) Invoke(ctx context.Context, inv *rpc.Invocation) (*rpc.Result, error) {
	if !b.breaker.Allow() {
		return nil, rpc.NewError(rpc.CodeForbidden, "circuit open for %s", b.breaker.Name())
	}
	res, err := b.next.Invoke(ctx, inv)
	if err != nil && !rpc.IsBiz(err) {
		b.breaker.RecordFailure()
	} else {
		b.breaker.RecordSuccess()
	}
	return res, err
}

// Close drops the breaker from its registry when the directory discards the
// provider.
func (b *breakerInvoker) Close() error {
	if b.release != nil {
		b.release()
	}
	return b.next.Close()
}

// IsAvailable is false while the breaker is open.
func (b *breakerInvoker) IsAvailable() bool {
	return b.breaker.State() != circuitbreaker.StateOpen && b.next.IsAvailable()
}

// CircuitBreakers wraps each invoker with the registry's breaker for its
// address. A registry that does not enable breaking leaves invokers as is.
func CircuitBreakers(reg *circuitbreaker.Registry) func(rpc.Invoker) rpc.Invoker {
	return func(iv rpc.Invoker) rpc.Invoker {
		key := endpointKey(iv)
		wrapped := WithCircuitBreaker(iv, reg.Get(key))
		if bi, ok := wrapped.(*breakerInvoker); ok {
			bi.release = func() { reg.Remove(key) }
		}
		return wrapped
	}
}

type limitInvoker struct {
	base
	limiter *ratelimit.Limiter
	key     string
}

// WithRateLimit rejects calls with a Limited error once the bucket at key is
// empty. Limiter errors are logged and the call proceeds.
func WithRateLimit(iv rpc.Invoker, limiter *ratelimit.Limiter, key string) rpc.Invoker {
	if limiter == nil || !limiter.Config().Enabled() {
		return iv
	}
	return &limitInvoker{base: base{next: iv}, limiter: limiter, key: key}
}

func (l *limitInvoker) Invoke(ctx context.Context, inv *rpc.Invocation) (*rpc.Result, error) {
	res, err := l.limiter.Allow(ctx, l.key)
	if err != nil {
		logging.Op().Warn("rate limit check failed", "key", l.key, "error", err)
	} else if !res.Allowed {
		return nil, rpc.NewError(rpc.CodeLimited, "rate limit exceeded for %s, retry in %v", l.key, res.RetryAfter)
	}
	return l.next.Invoke(ctx, inv)
}

// RateLimits wraps each invoker with a bucket keyed by its service and
// address.
func RateLimits(limiter *ratelimit.Limiter) func(rpc.Invoker) rpc.Invoker {
	return func(iv rpc.Invoker) rpc.Invoker {
		var service string
		if u := iv.URL(); u != nil {
			service = u.Service
		}
		return WithRateLimit(iv, limiter, ratelimit.KeyForEndpoint(service, endpointKey(iv)))
	}
}

func endpointKey(iv rpc.Invoker) string {
	u := iv.URL()
	if u == nil {
		return "unknown"
	}
	return u.Address()
}
