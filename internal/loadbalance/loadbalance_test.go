package loadbalance

import (
	"context"
	"fmt"
	"testing"

	"github.com/oriys/quasar/internal/rpc"
)

func newInvokers(t *testing.T, raws ...string) []rpc.Invoker {
	t.Helper()
	out := make([]rpc.Invoker, 0, len(raws))
	for _, raw := range raws {
		out = append(out, rpc.NewInvokerFunc(rpc.MustParseURL(raw), func(ctx context.Context, inv *rpc.Invocation) (*rpc.Result, error) {
			return &rpc.Result{}, nil
		}))
	}
	return out
}

func TestGetFallsBackToRandom(t *testing.T) {
	if Get("").Name() != Random {
		t.Fatal("empty name should resolve to random")
	}
	if Get("nope").Name() != Random {
		t.Fatal("unknown name should resolve to random")
	}
	if Get(RoundRobin).Name() != RoundRobin {
		t.Fatal("roundrobin not registered")
	}
}

func TestSelectEmptyAndSingle(t *testing.T) {
	inv := &rpc.Invocation{Method: "Ping"}
	for _, name := range []string{Random, RoundRobin, LeastActive} {
		lb := Get(name)
		if _, err := lb.Select(nil, inv); !rpc.IsNoInvoker(err) {
			t.Errorf("%s: expected no-invoker error, got %v", name, err)
		}
		one := newInvokers(t, "grpc://a:1/svc")
		got, err := lb.Select(one, inv)
		if err != nil || got != one[0] {
			t.Errorf("%s: expected the only invoker, got %v, %v", name, got, err)
		}
	}
}

func TestRoundRobinCycles(t *testing.T) {
	lb := newRoundRobin()
	invokers := newInvokers(t, "grpc://a:1/svc", "grpc://b:1/svc", "grpc://c:1/svc")
	inv := &rpc.Invocation{Method: "Ping"}

	var order []string
	for i := 0; i < 6; i++ {
		got, err := lb.Select(invokers, inv)
		if err != nil {
			t.Fatalf("Select failed: %v", err)
		}
		order = append(order, got.URL().Host)
	}
	if fmt.Sprint(order) != "[a b c a b c]" {
		t.Fatalf("unexpected order %v", order)
	}

	// A different method keeps its own counter.
	got, _ := lb.Select(invokers, &rpc.Invocation{Method: "Other"})
	if got.URL().Host != "a" {
		t.Fatalf("expected a fresh counter for Other, got %s", got.URL().Host)
	}
}

func TestRandomRespectsZeroWeight(t *testing.T) {
	lb := &randomLB{}
	invokers := newInvokers(t, "grpc://a:1/svc?weight=0", "grpc://b:1/svc?weight=100")
	inv := &rpc.Invocation{Method: "Ping"}

	for i := 0; i < 50; i++ {
		got, err := lb.Select(invokers, inv)
		if err != nil {
			t.Fatalf("Select failed: %v", err)
		}
		if got.URL().Host != "b" {
			t.Fatalf("zero-weight invoker selected")
		}
	}
}

func TestLeastActivePrefersIdle(t *testing.T) {
	lb := &leastActiveLB{}
	invokers := newInvokers(t, "grpc://busy:1/la", "grpc://idle:1/la")

	BeginCall(invokers[0].URL())
	BeginCall(invokers[0].URL())
	defer EndCall(invokers[0].URL())
	defer EndCall(invokers[0].URL())

	if Active(invokers[0].URL()) != 2 {
		t.Fatalf("expected 2 active calls, got %d", Active(invokers[0].URL()))
	}

	for i := 0; i < 10; i++ {
		got, err := lb.Select(invokers, &rpc.Invocation{Method: "Ping"})
		if err != nil {
			t.Fatalf("Select failed: %v", err)
		}
		if got.URL().Host != "idle" {
			t.Fatalf("expected idle invoker, got %s", got.URL().Host)
		}
	}
}
