package cluster

import (
	"context"
	"fmt"

	"github.com/oriys/quasar/internal/loadbalance"
	"github.com/oriys/quasar/internal/logging"
	"github.com/oriys/quasar/internal/metrics"
	"github.com/oriys/quasar/internal/rpc"
)

// Failfast calls exactly one provider and reports its failure as is. It
// suits non-idempotent writes.
type Failfast struct{}

// NewFailfast returns the failfast strategy.
func NewFailfast() *Failfast {
	return &Failfast{}
}

func (f *Failfast) Name() string { return StrategyFailfast }

func (f *Failfast) DoInvoke(ctx context.Context, inv *rpc.Invocation, invokers []rpc.Invoker, lb loadbalance.LoadBalance) (*rpc.Result, error) {
	res, iv, err := selectAndInvoke(ctx, inv, invokers, lb)
	if err != nil {
		if iv == nil || err.Code == rpc.CodeBiz {
			return nil, err
		}
		return nil, &rpc.RPCError{
			Code:    err.Code,
			Message: fmt.Sprintf("failfast invoke of method %s on %s failed: %s", inv.Method, urlOf(iv), err.Message),
			Cause:   err,
		}
	}
	return res, nil
}

// Failsafe calls one provider and swallows its failure, returning an empty
// result. It suits fire-and-forget calls such as audit logging.
type Failsafe struct{}

// NewFailsafe returns the failsafe strategy.
func NewFailsafe() *Failsafe {
	return &Failsafe{}
}

func (f *Failsafe) Name() string { return StrategyFailsafe }

func (f *Failsafe) DoInvoke(ctx context.Context, inv *rpc.Invocation, invokers []rpc.Invoker, lb loadbalance.LoadBalance) (*rpc.Result, error) {
	res, iv, err := selectAndInvoke(ctx, inv, invokers, lb)
	if err != nil {
		url := ""
		if iv != nil {
			url = urlOf(iv).String()
		}
		logging.Op().Error("failsafe ignored invocation error",
			"method", inv.Method,
			"url", url,
			"error", err.Error())
		return &rpc.Result{}, nil
	}
	return res, nil
}

func selectAndInvoke(ctx context.Context, inv *rpc.Invocation, invokers []rpc.Invoker, lb loadbalance.LoadBalance) (*rpc.Result, rpc.Invoker, *rpc.RPCError) {
	if err := checkInvokers(invokers, inv); err != nil {
		return nil, nil, rpc.WrapError(err)
	}
	rpc.CallContextFrom(ctx).SetInvokers(invokers)

	iv, err := lb.Select(invokers, inv)
	if err != nil {
		return nil, nil, rpc.WrapError(err)
	}
	app, _ := rpc.ProviderIdentityOf(iv)
	res, callErr := invokeOne(ctx, iv, inv)
	metrics.RecordEndpointCall(app, callErr == nil)
	if callErr != nil {
		return nil, iv, callErr
	}
	return res, iv, nil
}
