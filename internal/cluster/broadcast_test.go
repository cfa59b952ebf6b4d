package cluster

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/oriys/quasar/internal/rpc"
)

// stubInvoker returns a fixed result or error and counts its calls.
type stubInvoker struct {
	url    *rpc.URL
	app    string // "" means the invoker exposes no identity
	value  string
	err    error
	panics bool

	mu    sync.Mutex
	calls int
}

func (s *stubInvoker) Invoke(ctx context.Context, inv *rpc.Invocation) (*rpc.Result, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.panics {
		panic("boom")
	}
	if s.err != nil {
		return nil, s.err
	}
	return rpc.NewResult(s.value)
}

func (s *stubInvoker) URL() *rpc.URL      { return s.url }
func (s *stubInvoker) IsAvailable() bool { return true }
func (s *stubInvoker) Close() error      { return nil }

func (s *stubInvoker) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// identifiedInvoker adds a provider identity to stubInvoker.
type identifiedInvoker struct{ *stubInvoker }

func (i identifiedInvoker) ProviderIdentity() (string, bool) { return i.app, true }

// panickyIdentity panics when asked for its identity.
type panickyIdentity struct{ *stubInvoker }

func (panickyIdentity) ProviderIdentity() (string, bool) { panic("introspection failed") }

func stub(host, app, value string, err error) *stubInvoker {
	return &stubInvoker{
		url:   rpc.MustParseURL("grpc://" + host + ":20880/demo.Greeter"),
		app:   app,
		value: value,
		err:   err,
	}
}

func asInvoker(s *stubInvoker) rpc.Invoker {
	if s.app == "" {
		return s
	}
	return identifiedInvoker{s}
}

// countingLB fails the test if the strategy consults it.
type countingLB struct{ t *testing.T }

func (c countingLB) Name() string { return "counting" }
func (c countingLB) Select(invokers []rpc.Invoker, inv *rpc.Invocation) (rpc.Invoker, error) {
	c.t.Fatal("broadcast must not consult the load balancer")
	return nil, nil
}

func decodeString(t *testing.T, res *rpc.Result) string {
	t.Helper()
	var s string
	if err := res.Decode(&s); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	return s
}

func broadcast(t *testing.T, stubs ...*stubInvoker) (*rpc.Result, error) {
	t.Helper()
	invokers := make([]rpc.Invoker, len(stubs))
	for i, s := range stubs {
		invokers[i] = asInvoker(s)
	}
	return NewBroadcast().DoInvoke(context.Background(), &rpc.Invocation{Method: "notify"}, invokers, countingLB{t})
}

func TestBroadcast_EmptyList(t *testing.T) {
	_, err := NewBroadcast().DoInvoke(context.Background(), &rpc.Invocation{Method: "notify"}, nil, countingLB{t})
	if !errors.Is(err, rpc.ErrNoInvoker) {
		t.Fatalf("expected no-invoker error, got %v", err)
	}
	if !strings.Contains(err.Error(), "notify") {
		t.Fatalf("error should name the method: %v", err)
	}
}

func TestBroadcast_AllSucceedReturnsLast(t *testing.T) {
	a, b, c := stub("a", "", "r1", nil), stub("b", "", "r2", nil), stub("c", "", "r3", nil)
	res, err := broadcast(t, a, b, c)
	if err != nil {
		t.Fatalf("DoInvoke: %v", err)
	}
	if got := decodeString(t, res); got != "r3" {
		t.Fatalf("result = %q, want r3", got)
	}
	for _, s := range []*stubInvoker{a, b, c} {
		if s.callCount() != 1 {
			t.Fatalf("%s called %d times, want 1", s.url.Host, s.callCount())
		}
	}
}

func TestBroadcast_AnyFailurePoisonsOutcome(t *testing.T) {
	tests := []struct {
		name    string
		stubs   []*stubInvoker
		wantMsg string
	}{
		{
			name: "middle fails",
			stubs: []*stubInvoker{
				stub("a", "", "r1", nil),
				stub("b", "", "", rpc.NewError(rpc.CodeNetwork, "b refused")),
				stub("c", "", "r3", nil),
			},
			wantMsg: "b refused",
		},
		{
			name: "latest failure wins",
			stubs: []*stubInvoker{
				stub("a", "", "", rpc.NewError(rpc.CodeTimeout, "a timed out")),
				stub("b", "", "", rpc.NewError(rpc.CodeNetwork, "b refused")),
				stub("c", "", "r3", nil),
			},
			wantMsg: "b refused",
		},
		{
			name: "all fail",
			stubs: []*stubInvoker{
				stub("a", "app1", "", rpc.NewError(rpc.CodeNetwork, "a refused")),
				stub("b", "app2", "", rpc.NewError(rpc.CodeBiz, "b rejected")),
			},
			wantMsg: "b rejected",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := broadcast(t, tt.stubs...)
			if err == nil {
				t.Fatalf("expected failure, got result %s", res.Value)
			}
			if err.Error() != tt.wantMsg {
				t.Fatalf("error = %q, want %q", err.Error(), tt.wantMsg)
			}
			for _, s := range tt.stubs {
				if s.callCount() != 1 {
					t.Fatalf("%s called %d times, want 1", s.url.Host, s.callCount())
				}
			}
		})
	}
}

func TestBroadcast_DedupSkipsReachedProvider(t *testing.T) {
	a1 := stub("a1", "app1", "a1", nil)
	a2 := stub("a2", "app1", "a2", nil)
	b1 := stub("b1", "app2", "b1", nil)

	res, err := broadcast(t, a1, a2, b1)
	if err != nil {
		t.Fatalf("DoInvoke: %v", err)
	}
	if a2.callCount() != 0 {
		t.Fatal("second endpoint of app1 should be skipped")
	}
	if a1.callCount() != 1 || b1.callCount() != 1 {
		t.Fatalf("calls a1=%d b1=%d, want 1 each", a1.callCount(), b1.callCount())
	}
	if got := decodeString(t, res); got != "b1" {
		t.Fatalf("result = %q, want b1", got)
	}
}

func TestBroadcast_FailedProviderIsRetriedOnSibling(t *testing.T) {
	a1 := stub("a1", "app1", "", rpc.NewError(rpc.CodeNetwork, "refused"))
	a2 := stub("a2", "app1", "a2", nil)
	a3 := stub("a3", "app1", "a3", nil)

	_, err := broadcast(t, a1, a2, a3)
	if a2.callCount() != 1 {
		t.Fatal("a2 should be called since a1 failed")
	}
	if a3.callCount() != 0 {
		t.Fatal("a3 should be skipped once a2 reached app1")
	}
	if err == nil || err.Error() != "refused" {
		t.Fatalf("a1's failure should still be reported, got %v", err)
	}
}

func TestBroadcast_SiblingSucceedsAfterFailure(t *testing.T) {
	a1 := stub("a1", "app1", "", rpc.NewError(rpc.CodeNetwork, "refused"))
	a2 := stub("a2", "app1", "a2", nil)

	// A recorded failure is never cleared, so the call still fails; the
	// sibling is called all the same.
	_, err := broadcast(t, a1, a2)
	if a2.callCount() != 1 {
		t.Fatal("a2 should be invoked")
	}
	if rpc.CodeOf(err) != rpc.CodeNetwork {
		t.Fatalf("expected a1's network error, got %v", err)
	}
}

func TestBroadcast_UnknownIdentityNeverDeduped(t *testing.T) {
	x := stub("same", "", "x1", nil)
	y := stub("same", "", "x2", nil)
	res, err := broadcast(t, x, y)
	if err != nil {
		t.Fatalf("DoInvoke: %v", err)
	}
	if x.callCount() != 1 || y.callCount() != 1 {
		t.Fatalf("both unidentified invokers must be called, got %d and %d", x.callCount(), y.callCount())
	}
	if got := decodeString(t, res); got != "x2" {
		t.Fatalf("result = %q, want x2", got)
	}
}

func TestBroadcast_MixedScenario(t *testing.T) {
	a1 := stub("a1", "app1", "", rpc.NewError(rpc.CodeTimeout, "timeout"))
	a2 := stub("a2", "app1", "R1", nil)
	b1 := stub("b1", "", "R2", nil)

	res, err := broadcast(t, a1, a2, b1)
	for _, s := range []*stubInvoker{a1, a2, b1} {
		if s.callCount() != 1 {
			t.Fatalf("%s called %d times, want 1", s.url.Host, s.callCount())
		}
	}
	if err == nil {
		t.Fatalf("expected a1's timeout to be reported, got result %s", res.Value)
	}
	if err.Error() != "timeout" || rpc.CodeOf(err) != rpc.CodeTimeout {
		t.Fatalf("error = %v (%v), want timeout", err, rpc.CodeOf(err))
	}
}

func TestBroadcast_NormalizesForeignErrorsAndPanics(t *testing.T) {
	plain := errors.New("disk full")
	a := stub("a", "", "", plain)
	b := stub("b", "", "", nil)
	b.panics = true

	_, err := broadcast(t, a, b)
	var re *rpc.RPCError
	if !errors.As(err, &re) {
		t.Fatalf("expected RPCError, got %T", err)
	}
	if re.Code != rpc.CodeUnknown || !strings.Contains(re.Message, "panicked") {
		t.Fatalf("panic should be the last error, got %+v", re)
	}

	_, err = broadcast(t, stub("c", "", "", plain))
	if !errors.As(err, &re) || !errors.Is(err, plain) || re.Message != "disk full" {
		t.Fatalf("plain errors should be wrapped with their cause, got %v", err)
	}
}

func TestBroadcast_IdentityPanicMeansUnknown(t *testing.T) {
	s1 := stub("a", "app1", "one", nil)
	s2 := stub("b", "app1", "two", nil)
	invokers := []rpc.Invoker{panickyIdentity{s1}, panickyIdentity{s2}}

	res, err := NewBroadcast().DoInvoke(context.Background(), &rpc.Invocation{Method: "m"}, invokers, countingLB{t})
	if err != nil {
		t.Fatalf("DoInvoke: %v", err)
	}
	if s1.callCount() != 1 || s2.callCount() != 1 {
		t.Fatal("invokers with failing introspection must both be called")
	}
	if got := decodeString(t, res); got != "two" {
		t.Fatalf("result = %q, want two", got)
	}
}

func TestBroadcast_PublishesInvokers(t *testing.T) {
	a := asInvoker(stub("a", "app1", "", rpc.NewError(rpc.CodeNetwork, "down")))
	b := asInvoker(stub("b", "app1", "b", nil))

	cc := &rpc.CallContext{}
	ctx := rpc.WithCallContext(context.Background(), cc)
	NewBroadcast().DoInvoke(ctx, &rpc.Invocation{Method: "m"}, []rpc.Invoker{a, b}, countingLB{t})

	got := cc.Invokers()
	if len(got) != 2 || got[0] != a || got[1] != b {
		t.Fatalf("published invokers = %v", got)
	}
}

func TestBroadcast_DedupIsPerCall(t *testing.T) {
	a1 := stub("a1", "app1", "a1", nil)
	a2 := stub("a2", "app1", "a2", nil)
	invokers := []rpc.Invoker{asInvoker(a1), asInvoker(a2)}
	b := NewBroadcast()

	for i := 0; i < 2; i++ {
		if _, err := b.DoInvoke(context.Background(), &rpc.Invocation{Method: "m"}, invokers, countingLB{t}); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if a1.callCount() != 2 || a2.callCount() != 0 {
		t.Fatalf("calls a1=%d a2=%d, want 2 and 0", a1.callCount(), a2.callCount())
	}
}

func TestBroadcast_MalformedEndpointsFailOnlyThemselves(t *testing.T) {
	tests := []struct {
		name  string
		first func() rpc.Invoker
	}{
		{"nil invoker", func() rpc.Invoker { return nil }},
		{"typed nil error", func() rpc.Invoker {
			var empty *rpc.RPCError
			return asInvoker(stub("a", "app1", "", empty))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := stub("b", "app1", "b", nil)
			res, err := NewBroadcast().DoInvoke(context.Background(), &rpc.Invocation{Method: "m"},
				[]rpc.Invoker{tt.first(), asInvoker(b)}, countingLB{t})
			if err == nil {
				t.Fatalf("expected failure, got result %v", res)
			}
			if code := rpc.CodeOf(err); code != rpc.CodeUnknown {
				t.Fatalf("code = %v, want Unknown", code)
			}
			if b.callCount() != 1 {
				t.Fatalf("later endpoint called %d times, want 1", b.callCount())
			}
		})
	}
}
