package cluster

import (
	"context"

	"github.com/oriys/quasar/internal/loadbalance"
	"github.com/oriys/quasar/internal/logging"
	"github.com/oriys/quasar/internal/metrics"
	"github.com/oriys/quasar/internal/rpc"
)

// Broadcast delivers a call to every distinct provider in the invoker list.
//
// Invokers are called one at a time in list order. An invoker whose provider
// application was already reached successfully earlier in the same call is
// skipped; invokers with no resolvable identity are always called. A failed
// call never marks its provider as reached, so a later endpoint of the same
// provider is still tried.
//
// The call fails with the last recorded error if any invoker failed, even
// when others succeeded. Otherwise it returns the result of the last invoker
// actually called. The load balancer is ignored.
type Broadcast struct{}

// NewBroadcast returns the broadcast strategy.
func NewBroadcast() *Broadcast {
	return &Broadcast{}
}

func (b *Broadcast) Name() string { return StrategyBroadcast }

func (b *Broadcast) DoInvoke(ctx context.Context, inv *rpc.Invocation, invokers []rpc.Invoker, _ loadbalance.LoadBalance) (*rpc.Result, error) {
	if err := checkInvokers(invokers, inv); err != nil {
		return nil, err
	}
	rpc.CallContextFrom(ctx).SetInvokers(invokers)

	var (
		result  *rpc.Result
		lastErr *rpc.RPCError
		invoked = make(map[string]struct{}, len(invokers))
	)

	for _, iv := range invokers {
		app, known := rpc.ProviderIdentityOf(iv)
		if known {
			if _, done := invoked[app]; done {
				logging.Op().Info("provider already reached in this broadcast, skipping endpoint",
					"application", app,
					"url", urlOf(iv).String(),
					"method", inv.Method)
				metrics.Global().RecordSkip(app)
				continue
			}
		}

		res, err := invokeOne(ctx, iv, inv)
		metrics.RecordEndpointCall(app, err == nil)
		if err != nil {
			lastErr = err
			args := []any{
				"method", inv.Method,
				"application", app,
				"url", urlOf(iv).String(),
				"code", err.Code.String(),
				"error", err.Error(),
			}
			if err.Cause != nil {
				args = append(args, "cause", err.Cause)
			}
			logging.Op().Warn("broadcast endpoint failed", args...)
			continue
		}

		result = res
		if known {
			invoked[app] = struct{}{}
		}
	}

	if lastErr != nil {
		return nil, lastErr
	}
	return result, nil
}
