package cluster

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/oriys/quasar/internal/directory"
	"github.com/oriys/quasar/internal/loadbalance"
	"github.com/oriys/quasar/internal/logging"
	"github.com/oriys/quasar/internal/metrics"
	"github.com/oriys/quasar/internal/observability"
	"github.com/oriys/quasar/internal/rpc"
)

// Invoker exposes a whole service, resolved through a directory, as a single
// rpc.Invoker. Each call lists the current providers, picks the load
// balancer and hands both to the configured strategy.
type Invoker struct {
	dir         directory.Directory
	strategy    Strategy
	loadBalance string
	url         *rpc.URL
}

// Option configures an Invoker.
type Option func(*Invoker)

// WithLoadBalance sets the default load balancer name. An invocation
// attachment or provider URL parameter "loadbalance" overrides it per call.
func WithLoadBalance(name string) Option {
	return func(c *Invoker) { c.loadBalance = name }
}

// NewInvoker wraps dir with strategy.
func NewInvoker(dir directory.Directory, strategy Strategy, opts ...Option) *Invoker {
	c := &Invoker{
		dir:         dir,
		strategy:    strategy,
		loadBalance: loadbalance.Random,
		url: &rpc.URL{
			Protocol: "cluster",
			Service:  dir.Service(),
			Params:   map[string]string{rpc.ParamCluster: strategy.Name()},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Invoke runs inv against every provider the strategy chooses.
func (c *Invoker) Invoke(ctx context.Context, inv *rpc.Invocation) (*rpc.Result, error) {
	if inv.Attachment(rpc.AttachRequestID) == "" {
		inv = inv.WithAttachment(rpc.AttachRequestID, uuid.NewString())
	}
	if inv.Attachment(rpc.AttachService) == "" {
		inv = inv.WithAttachment(rpc.AttachService, c.dir.Service())
	}

	ctx, span := observability.StartSpan(ctx, "cluster."+c.strategy.Name(),
		observability.AttrService.String(c.dir.Service()),
		observability.AttrMethod.String(inv.Method),
		observability.AttrStrategy.String(c.strategy.Name()),
		observability.AttrRequestID.String(inv.Attachment(rpc.AttachRequestID)),
	)
	defer span.End()

	metrics.IncActiveRequests()
	defer metrics.DecActiveRequests()
	start := time.Now()

	invokers, err := c.dir.List(ctx, inv)
	if err != nil {
		err = rpc.WrapError(err)
		observability.SetSpanError(span, err)
		metrics.Global().RecordCall(c.strategy.Name(), time.Since(start).Milliseconds(), false)
		return nil, err
	}

	lb := loadbalance.Get(c.loadBalanceFor(inv, invokers))
	span.SetAttributes(
		observability.AttrInvokers.Int(len(invokers)),
		observability.AttrLoadBalance.String(lb.Name()),
	)

	res, err := c.strategy.DoInvoke(ctx, inv, invokers, lb)
	durationMs := time.Since(start).Milliseconds()
	metrics.Global().RecordCall(c.strategy.Name(), durationMs, err == nil)
	if err != nil {
		observability.SetSpanError(span, err)
		logging.ForCall(inv.Attachment(rpc.AttachRequestID), observability.GetTraceID(ctx), observability.GetSpanID(ctx)).Debug("cluster invocation failed",
			"service", c.dir.Service(),
			"method", inv.Method,
			"strategy", c.strategy.Name(),
			"invokers", len(invokers),
			"duration_ms", durationMs,
			"error", err)
		return nil, err
	}
	observability.SetSpanOK(span)
	return res, nil
}

func (c *Invoker) loadBalanceFor(inv *rpc.Invocation, invokers []rpc.Invoker) string {
	if name := inv.Attachment(rpc.ParamLoadBalance); name != "" {
		return name
	}
	if len(invokers) > 0 {
		if name := urlOf(invokers[0]).Param(rpc.ParamLoadBalance); name != "" {
			return name
		}
	}
	return c.loadBalance
}

// Strategy returns the strategy the invoker delegates to.
func (c *Invoker) Strategy() Strategy { return c.strategy }

func (c *Invoker) URL() *rpc.URL { return c.url }

func (c *Invoker) IsAvailable() bool { return c.dir.IsAvailable() }

func (c *Invoker) Close() error { return c.dir.Close() }
