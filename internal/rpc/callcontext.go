package rpc

import (
	"context"
	"sync"
)

// CallContext is the call-scoped slot strategies publish diagnostics to.
// Callers that want to see which invokers a call was resolved against put
// one on the context with WithCallContext and read it after the call.
type CallContext struct {
	mu       sync.Mutex
	invokers []Invoker
}

type callContextKey struct{}

// WithCallContext returns a child context carrying cc.
func WithCallContext(ctx context.Context, cc *CallContext) context.Context {
	return context.WithValue(ctx, callContextKey{}, cc)
}

// CallContextFrom returns the CallContext on ctx, or nil.
func CallContextFrom(ctx context.Context) *CallContext {
	cc, _ := ctx.Value(callContextKey{}).(*CallContext)
	return cc
}

// SetInvokers records the resolved invoker list, replacing any earlier one.
// A nil receiver is a no-op.
func (c *CallContext) SetInvokers(invokers []Invoker) {
	if c == nil {
		return
	}
	cp := make([]Invoker, len(invokers))
	copy(cp, invokers)
	c.mu.Lock()
	c.invokers = cp
	c.mu.Unlock()
}

// Invokers returns the last recorded invoker list in resolution order.
func (c *CallContext) Invokers() []Invoker {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Invoker, len(c.invokers))
	copy(out, c.invokers)
	return out
}
