package rpc

import (
	"context"
)

// Invoker performs one remote call against a specific provider endpoint.
// Transport invokers (gRPC, HTTP), filters and cluster invokers all
// implement it, so strategies can be stacked.
type Invoker interface {
	Invoke(ctx context.Context, inv *Invocation) (*Result, error)
	URL() *URL
	IsAvailable() bool
	Close() error
}

// ProviderIdentifier is implemented by invokers that know which logical
// provider application they reach. Invokers built from registry entries
// implement it; ad-hoc invokers usually do not.
type ProviderIdentifier interface {
	ProviderIdentity() (string, bool)
}

// ProviderIdentityOf resolves the provider application behind inv. It never
// fails: a missing capability, an empty identity or a panic inside the
// capability all resolve to ("", false).
func ProviderIdentityOf(inv Invoker) (id string, ok bool) {
	p, is := inv.(ProviderIdentifier)
	if !is {
		return "", false
	}
	defer func() {
		if recover() != nil {
			id, ok = "", false
		}
	}()
	id, ok = p.ProviderIdentity()
	if id == "" {
		return "", false
	}
	return id, ok
}

// InvokerFunc adapts a function into an Invoker bound to url. It is the
// building block for in-process providers and tests.
type InvokerFunc struct {
	Endpoint *URL
	Fn       func(ctx context.Context, inv *Invocation) (*Result, error)
}

// NewInvokerFunc returns an always-available invoker calling fn.
func NewInvokerFunc(u *URL, fn func(ctx context.Context, inv *Invocation) (*Result, error)) *InvokerFunc {
	return &InvokerFunc{Endpoint: u, Fn: fn}
}

func (f *InvokerFunc) Invoke(ctx context.Context, inv *Invocation) (*Result, error) {
	return f.Fn(ctx, inv)
}

func (f *InvokerFunc) URL() *URL { return f.Endpoint }
func (f *InvokerFunc) IsAvailable() bool { return true }
func (f *InvokerFunc) Close() error { return nil }

// Protocol builds invokers for provider URLs of one transport.
type Protocol interface {
	Refer(u *URL) (Invoker, error)
	Close() error
}
