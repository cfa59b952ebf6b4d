package cluster

import (
	"context"
	"fmt"

	"github.com/oriys/quasar/internal/loadbalance"
	"github.com/oriys/quasar/internal/logging"
	"github.com/oriys/quasar/internal/metrics"
	"github.com/oriys/quasar/internal/rpc"
)

const defaultRetries = 2

// Failover calls one provider chosen by the load balancer and, on failure,
// retries on a provider not yet tried. The number of retries comes from the
// invokers' URL parameter "retries" (default 2). Business failures are
// returned immediately since another provider would fail the same way.
type Failover struct{}

// NewFailover returns the failover strategy.
func NewFailover() *Failover {
	return &Failover{}
}

func (f *Failover) Name() string { return StrategyFailover }

func (f *Failover) DoInvoke(ctx context.Context, inv *rpc.Invocation, invokers []rpc.Invoker, lb loadbalance.LoadBalance) (*rpc.Result, error) {
	if err := checkInvokers(invokers, inv); err != nil {
		return nil, err
	}
	rpc.CallContextFrom(ctx).SetInvokers(invokers)

	retries := urlOf(invokers[0]).IntParam(rpc.ParamRetries, defaultRetries)
	if retries < 0 {
		retries = 0
	}
	attempts := retries + 1

	var (
		lastErr *rpc.RPCError
		tried   = make(map[rpc.Invoker]struct{}, attempts)
	)
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			break
		}

		candidates := untried(invokers, tried)
		if len(candidates) == 0 {
			// every provider failed once; start over rather than give up early
			candidates = invokers
		}
		iv, err := lb.Select(candidates, inv)
		if err != nil {
			return nil, rpc.WrapError(err)
		}
		tried[iv] = struct{}{}

		app, _ := rpc.ProviderIdentityOf(iv)
		res, callErr := invokeOne(ctx, iv, inv)
		metrics.RecordEndpointCall(app, callErr == nil)
		if callErr == nil {
			if lastErr != nil {
				logging.Op().Warn("failover succeeded after retry",
					"method", inv.Method,
					"attempt", i+1,
					"url", urlOf(iv).String(),
					"last_error", lastErr.Error())
			}
			return res, nil
		}
		if callErr.Code == rpc.CodeBiz {
			return nil, callErr
		}
		lastErr = callErr
		logging.Op().Warn("failover attempt failed",
			"method", inv.Method,
			"attempt", i+1,
			"url", urlOf(iv).String(),
			"error", callErr.Error())
	}

	if lastErr == nil {
		return nil, rpc.WrapError(ctx.Err())
	}
	return nil, &rpc.RPCError{
		Code:    lastErr.Code,
		Message: fmt.Sprintf("failed to invoke method %s after %d attempts on %d providers: %s", inv.Method, attempts, len(invokers), lastErr.Message),
		Cause:   lastErr,
	}
}

func untried(invokers []rpc.Invoker, tried map[rpc.Invoker]struct{}) []rpc.Invoker {
	out := make([]rpc.Invoker, 0, len(invokers))
	for _, iv := range invokers {
		if _, ok := tried[iv]; !ok {
			out = append(out, iv)
		}
	}
	return out
}
