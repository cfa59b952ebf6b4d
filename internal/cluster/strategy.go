package cluster

import (
	"context"
	"fmt"
	"sort"

	"github.com/oriys/quasar/internal/loadbalance"
	"github.com/oriys/quasar/internal/rpc"
)

// Strategy names accepted by New.
const (
	StrategyBroadcast = "broadcast"
	StrategyFailover  = "failover"
	StrategyFailfast  = "failfast"
	StrategyFailsafe  = "failsafe"
)

// Strategy runs one invocation against a resolved invoker list. Every
// strategy shares this contract; they differ only in how many invokers they
// call and how failures are folded into the outcome.
type Strategy interface {
	Name() string
	DoInvoke(ctx context.Context, inv *rpc.Invocation, invokers []rpc.Invoker, lb loadbalance.LoadBalance) (*rpc.Result, error)
}

var strategies = map[string]func() Strategy{
	StrategyBroadcast: func() Strategy { return NewBroadcast() },
	StrategyFailover:  func() Strategy { return NewFailover() },
	StrategyFailfast:  func() Strategy { return NewFailfast() },
	StrategyFailsafe:  func() Strategy { return NewFailsafe() },
}

// New returns the strategy registered under name.
func New(name string) (Strategy, error) {
	ctor, ok := strategies[name]
	if !ok {
		return nil, fmt.Errorf("unknown cluster strategy %q (known: %v)", name, Names())
	}
	return ctor(), nil
}

// Names lists the registered strategy names in sorted order.
func Names() []string {
	out := make([]string, 0, len(strategies))
	for name := range strategies {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// checkInvokers fails fast when there is nothing to call.
func checkInvokers(invokers []rpc.Invoker, inv *rpc.Invocation) error {
	if len(invokers) > 0 {
		return nil
	}
	service := inv.Attachment(rpc.AttachService)
	if service == "" {
		service = "unknown"
	}
	return rpc.NoInvokerError("failed to invoke method %s of service %s: no provider available, check that providers are started and registered",
		inv.Method, service)
}

// invokeOne calls iv and reports any failure, panics and nil invokers
// included, as an *rpc.RPCError.
func invokeOne(ctx context.Context, iv rpc.Invoker, inv *rpc.Invocation) (res *rpc.Result, err *rpc.RPCError) {
	if iv == nil {
		return nil, rpc.NewError(rpc.CodeUnknown, "nil invoker in provider list")
	}
	u := urlOf(iv)
	defer func() {
		if r := recover(); r != nil {
			res = nil
			err = &rpc.RPCError{
				Code:    rpc.CodeUnknown,
				Message: fmt.Sprintf("invoker %s panicked: %v", u, r),
			}
		}
	}()

	loadbalance.BeginCall(u)
	defer loadbalance.EndCall(u)

	out, callErr := iv.Invoke(ctx, inv)
	if callErr != nil {
		return nil, rpc.WrapError(callErr)
	}
	return out, nil
}

// urlOf returns iv's URL, or nil when iv is nil or URL panics.
func urlOf(iv rpc.Invoker) (u *rpc.URL) {
	if iv == nil {
		return nil
	}
	defer func() {
		if recover() != nil {
			u = nil
		}
	}()
	return iv.URL()
}
