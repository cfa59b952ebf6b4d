package cluster

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/oriys/quasar/internal/directory"
	"github.com/oriys/quasar/internal/loadbalance"
	"github.com/oriys/quasar/internal/rpc"
)

// firstLB always picks the first candidate.
type firstLB struct{}

func (firstLB) Name() string { return "first" }
func (firstLB) Select(invokers []rpc.Invoker, inv *rpc.Invocation) (rpc.Invoker, error) {
	return invokers[0], nil
}

func TestNewAndNames(t *testing.T) {
	want := []string{StrategyBroadcast, StrategyFailfast, StrategyFailover, StrategyFailsafe}
	if got := Names(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Names() = %v, want %v", got, want)
	}
	for _, name := range want {
		s, err := New(name)
		if err != nil {
			t.Fatalf("New(%q): %v", name, err)
		}
		if s.Name() != name {
			t.Fatalf("New(%q).Name() = %q", name, s.Name())
		}
	}
	if _, err := New("forking"); err == nil {
		t.Fatal("expected error for unknown strategy")
	}
}

func TestFailover(t *testing.T) {
	down := rpc.NewError(rpc.CodeNetwork, "refused")

	t.Run("retries on another provider", func(t *testing.T) {
		a, b := stub("a", "", "", down), stub("b", "", "b", nil)
		res, err := NewFailover().DoInvoke(context.Background(), &rpc.Invocation{Method: "m"}, []rpc.Invoker{a, b}, firstLB{})
		if err != nil {
			t.Fatalf("DoInvoke: %v", err)
		}
		if got := decodeString(t, res); got != "b" {
			t.Fatalf("result = %q, want b", got)
		}
		if a.callCount() != 1 || b.callCount() != 1 {
			t.Fatalf("calls a=%d b=%d", a.callCount(), b.callCount())
		}
	})

	t.Run("business errors are not retried", func(t *testing.T) {
		a, b := stub("a", "", "", rpc.NewError(rpc.CodeBiz, "declined")), stub("b", "", "b", nil)
		_, err := NewFailover().DoInvoke(context.Background(), &rpc.Invocation{Method: "m"}, []rpc.Invoker{a, b}, firstLB{})
		if !rpc.IsBiz(err) {
			t.Fatalf("expected business error, got %v", err)
		}
		if b.callCount() != 0 {
			t.Fatal("business failure must not be retried")
		}
	})

	t.Run("retries param bounds attempts", func(t *testing.T) {
		a := stub("a", "", "", down)
		a.url = a.url.WithParam(rpc.ParamRetries, "1")
		b := stub("b", "", "", down)
		c := stub("c", "", "", down)
		_, err := NewFailover().DoInvoke(context.Background(), &rpc.Invocation{Method: "m"}, []rpc.Invoker{a, b, c}, firstLB{})
		if rpc.CodeOf(err) != rpc.CodeNetwork {
			t.Fatalf("expected network error, got %v", err)
		}
		if !strings.Contains(err.Error(), "after 2 attempts") {
			t.Fatalf("error should mention attempts: %v", err)
		}
		if c.callCount() != 0 {
			t.Fatal("third provider should not be reached with retries=1")
		}
	})

	t.Run("wraps around when all tried", func(t *testing.T) {
		a := stub("a", "", "", down)
		_, err := NewFailover().DoInvoke(context.Background(), &rpc.Invocation{Method: "m"}, []rpc.Invoker{a}, firstLB{})
		if err == nil {
			t.Fatal("expected failure")
		}
		if a.callCount() != defaultRetries+1 {
			t.Fatalf("single provider called %d times, want %d", a.callCount(), defaultRetries+1)
		}
	})

	t.Run("empty list", func(t *testing.T) {
		_, err := NewFailover().DoInvoke(context.Background(), &rpc.Invocation{Method: "m"}, nil, firstLB{})
		if !rpc.IsNoInvoker(err) {
			t.Fatalf("expected no-invoker error, got %v", err)
		}
	})
}

func TestFailfast(t *testing.T) {
	a := stub("a", "", "", rpc.NewError(rpc.CodeTimeout, "slow"))
	b := stub("b", "", "b", nil)
	_, err := NewFailfast().DoInvoke(context.Background(), &rpc.Invocation{Method: "m"}, []rpc.Invoker{a, b}, firstLB{})
	if rpc.CodeOf(err) != rpc.CodeTimeout || !strings.Contains(err.Error(), "failfast invoke of method m") {
		t.Fatalf("unexpected error %v", err)
	}
	if b.callCount() != 0 {
		t.Fatal("failfast must call exactly one provider")
	}

	biz := rpc.NewError(rpc.CodeBiz, "declined")
	_, err = NewFailfast().DoInvoke(context.Background(), &rpc.Invocation{Method: "m"}, []rpc.Invoker{stub("c", "", "", biz)}, firstLB{})
	if !errors.Is(err, biz) || err.Error() != "declined" {
		t.Fatalf("business errors should be returned as is, got %v", err)
	}
}

func TestFailsafe(t *testing.T) {
	a := stub("a", "", "", rpc.NewError(rpc.CodeNetwork, "refused"))
	res, err := NewFailsafe().DoInvoke(context.Background(), &rpc.Invocation{Method: "m"}, []rpc.Invoker{a}, firstLB{})
	if err != nil {
		t.Fatalf("failsafe must swallow errors: %v", err)
	}
	if res == nil || res.Value != nil {
		t.Fatalf("expected empty result, got %+v", res)
	}

	res, err = NewFailsafe().DoInvoke(context.Background(), &rpc.Invocation{Method: "m"}, nil, firstLB{})
	if err != nil || res == nil {
		t.Fatalf("failsafe with no providers should return an empty result, got %v %v", res, err)
	}
}

func TestInvoker(t *testing.T) {
	var seen *rpc.Invocation
	rec := rpc.NewInvokerFunc(rpc.MustParseURL("grpc://a:1/demo.Greeter"), func(ctx context.Context, inv *rpc.Invocation) (*rpc.Result, error) {
		seen = inv
		return rpc.NewResult("ok")
	})
	dir := directory.NewStaticDirectory("demo.Greeter", rec)
	iv := NewInvoker(dir, NewBroadcast())

	orig := &rpc.Invocation{Method: "m"}
	if _, err := iv.Invoke(context.Background(), orig); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if seen.Attachment(rpc.AttachRequestID) == "" {
		t.Fatal("a request id should be attached")
	}
	if seen.Attachment(rpc.AttachService) != "demo.Greeter" {
		t.Fatalf("service attachment = %q", seen.Attachment(rpc.AttachService))
	}
	if orig.Attachments != nil {
		t.Fatal("the caller's invocation must not be modified")
	}
	if iv.URL().Param(rpc.ParamCluster) != StrategyBroadcast || iv.URL().Service != "demo.Greeter" {
		t.Fatalf("unexpected cluster url %s", iv.URL())
	}
	if !iv.IsAvailable() {
		t.Fatal("invoker over an available provider should be available")
	}
}

func TestInvoker_NoProviders(t *testing.T) {
	iv := NewInvoker(directory.NewStaticDirectory("demo.Greeter"), NewBroadcast())
	_, err := iv.Invoke(context.Background(), &rpc.Invocation{Method: "greet"})
	if !rpc.IsNoInvoker(err) {
		t.Fatalf("expected no-invoker error, got %v", err)
	}
	if !strings.Contains(err.Error(), "method greet of service demo.Greeter") {
		t.Fatalf("error should name method and service: %v", err)
	}
}

func TestInvoker_LoadBalanceSelection(t *testing.T) {
	u := rpc.MustParseURL("grpc://a:1/s?loadbalance=roundrobin")
	iv := NewInvoker(directory.NewStaticDirectory("s"), NewFailfast(), WithLoadBalance(loadbalance.LeastActive))
	invokers := []rpc.Invoker{rpc.NewInvokerFunc(u, nil)}

	tests := []struct {
		name     string
		inv      *rpc.Invocation
		invokers []rpc.Invoker
		want     string
	}{
		{"default", &rpc.Invocation{Method: "m"}, nil, loadbalance.LeastActive},
		{"provider url", &rpc.Invocation{Method: "m"}, invokers, loadbalance.RoundRobin},
		{"attachment wins", (&rpc.Invocation{Method: "m"}).WithAttachment(rpc.ParamLoadBalance, loadbalance.Random), invokers, loadbalance.Random},
	}
	for _, tt := range tests {
		if got := iv.loadBalanceFor(tt.inv, tt.invokers); got != tt.want {
			t.Fatalf("%s: loadBalanceFor = %q, want %q", tt.name, got, tt.want)
		}
	}
}
