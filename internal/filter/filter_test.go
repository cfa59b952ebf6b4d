package filter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/oriys/quasar/internal/circuitbreaker"
	"github.com/oriys/quasar/internal/ratelimit"
	"github.com/oriys/quasar/internal/rpc"
)

type identified struct {
	*rpc.InvokerFunc
	app string
}

func (i *identified) ProviderIdentity() (string, bool) { return i.app, true }

func newInvoker(app string, err error) *identified {
	u := rpc.MustParseURL("grpc://10.0.0.1:20880/demo.Greeter")
	return &identified{
		InvokerFunc: rpc.NewInvokerFunc(u, func(ctx context.Context, inv *rpc.Invocation) (*rpc.Result, error) {
			if err != nil {
				return nil, err
			}
			return rpc.NewResult("ok")
		}),
		app: app,
	}
}

func breakerConfig() circuitbreaker.Config {
	return circuitbreaker.Config{
		ErrorPct:       50,
		MinRequests:    2,
		WindowDuration: time.Minute,
		OpenDuration:   time.Hour,
	}
}

func TestCircuitBreakerOpensOnFailures(t *testing.T) {
	iv := WithCircuitBreaker(newInvoker("app1", rpc.NewError(rpc.CodeNetwork, "refused")), circuitbreaker.New("a", breakerConfig()))

	for i := 0; i < 2; i++ {
		if _, err := iv.Invoke(context.Background(), &rpc.Invocation{Method: "m"}); rpc.CodeOf(err) != rpc.CodeNetwork {
			t.Fatalf("call %d: expected network error, got %v", i, err)
		}
	}
	_, err := iv.Invoke(context.Background(), &rpc.Invocation{Method: "m"})
	if rpc.CodeOf(err) != rpc.CodeForbidden {
		t.Fatalf("expected forbidden while open, got %v", err)
	}
	if iv.IsAvailable() {
		t.Fatal("invoker should be unavailable while the breaker is open")
	}
}

func TestCircuitBreakerIgnoresBusinessErrors(t *testing.T) {
	br := circuitbreaker.New("a", breakerConfig())
	iv := WithCircuitBreaker(newInvoker("app1", rpc.NewError(rpc.CodeBiz, "declined")), br)

	for i := 0; i < 5; i++ {
		iv.Invoke(context.Background(), &rpc.Invocation{Method: "m"})
	}
	if br.State() != circuitbreaker.StateClosed {
		t.Fatalf("business errors should not trip the breaker, state %v", br.State())
	}
}

func TestNilBreakerLeavesInvoker(t *testing.T) {
	inner := newInvoker("app1", nil)
	if WithCircuitBreaker(inner, nil) != rpc.Invoker(inner) {
		t.Fatal("nil breaker should return the invoker unchanged")
	}
	reg := circuitbreaker.NewRegistry(circuitbreaker.Config{})
	if CircuitBreakers(reg)(inner) != rpc.Invoker(inner) {
		t.Fatal("disabled registry should return the invoker unchanged")
	}
}

func TestClosingReleasesBreaker(t *testing.T) {
	reg := circuitbreaker.NewRegistry(breakerConfig())
	iv := CircuitBreakers(reg)(newInvoker("app1", nil))
	if reg.Len() != 1 {
		t.Fatalf("expected 1 breaker, got %d", reg.Len())
	}
	iv.Close()
	if reg.Len() != 0 {
		t.Fatalf("Close should drop the breaker, %d left", reg.Len())
	}
}

func TestRateLimit(t *testing.T) {
	limiter := ratelimit.New(nil, ratelimit.Config{RequestsPerSecond: 0.001, BurstSize: 1})
	iv := RateLimits(limiter)(newInvoker("app1", nil))

	if _, err := iv.Invoke(context.Background(), &rpc.Invocation{Method: "m"}); err != nil {
		t.Fatalf("first call: %v", err)
	}
	_, err := iv.Invoke(context.Background(), &rpc.Invocation{Method: "m"})
	if rpc.CodeOf(err) != rpc.CodeLimited {
		t.Fatalf("expected limited error, got %v", err)
	}
}

type brokenBackend struct{}

func (brokenBackend) Take(context.Context, string, ratelimit.Bucket, int) (ratelimit.Decision, error) {
	return ratelimit.Decision{}, errors.New("down")
}

func TestRateLimitFailsOpen(t *testing.T) {
	limiter := ratelimit.New(brokenBackend{}, ratelimit.Config{RequestsPerSecond: 1})
	iv := WithRateLimit(newInvoker("app1", nil), limiter, "k")
	if _, err := iv.Invoke(context.Background(), &rpc.Invocation{Method: "m"}); err != nil {
		t.Fatalf("limiter errors should not fail the call: %v", err)
	}
}

func TestFiltersKeepProviderIdentity(t *testing.T) {
	limiter := ratelimit.New(nil, ratelimit.Config{RequestsPerSecond: 100})
	reg := circuitbreaker.NewRegistry(breakerConfig())
	wrap := Chain(CircuitBreakers(reg), RateLimits(limiter))

	iv := wrap(newInvoker("app1", nil))
	if _, ok := iv.(*breakerInvoker); !ok {
		t.Fatalf("first filter should be outermost, got %T", iv)
	}
	if id, ok := rpc.ProviderIdentityOf(iv); !ok || id != "app1" {
		t.Fatalf("identity = %q/%v, want app1", id, ok)
	}

	anon := wrap(rpc.NewInvokerFunc(rpc.MustParseURL("grpc://10.0.0.2:1/s"), nil))
	if _, ok := rpc.ProviderIdentityOf(anon); ok {
		t.Fatal("filters must not invent an identity")
	}
	if anon.URL().Address() != "10.0.0.2:1" {
		t.Fatalf("URL not forwarded: %v", anon.URL())
	}
}
