package remote

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/oriys/quasar/internal/logging"
	"github.com/oriys/quasar/internal/observability"
	"github.com/oriys/quasar/internal/rpc"
)

const (
	defaultTimeout   = 30 * time.Second
	defaultConnCache = 256
)

// GRPCProtocol refers gRPC invokers. Invokers for the same address share one
// client connection; at most ConnCacheSize connections are kept, and the
// least recently used one is closed when the cache overflows.
type GRPCProtocol struct {
	timeout  time.Duration
	dialOpts []grpc.DialOption

	mu    sync.Mutex
	conns *lru.Cache[string, *grpc.ClientConn]
}

// GRPCOption configures a GRPCProtocol.
type GRPCOption func(*grpcOptions)

type grpcOptions struct {
	timeout   time.Duration
	cacheSize int
	dialOpts  []grpc.DialOption
}

// WithTimeout sets the per-call timeout used when a provider URL has no
// "timeout" parameter and the caller's context has no deadline.
func WithTimeout(d time.Duration) GRPCOption {
	return func(o *grpcOptions) { o.timeout = d }
}

// WithConnCacheSize bounds the number of cached client connections.
func WithConnCacheSize(n int) GRPCOption {
	return func(o *grpcOptions) { o.cacheSize = n }
}

// WithDialOptions appends dial options, e.g. a custom dialer in tests.
func WithDialOptions(opts ...grpc.DialOption) GRPCOption {
	return func(o *grpcOptions) { o.dialOpts = append(o.dialOpts, opts...) }
}

// NewGRPCProtocol creates a gRPC protocol.
func NewGRPCProtocol(opts ...GRPCOption) (*GRPCProtocol, error) {
	o := grpcOptions{timeout: defaultTimeout, cacheSize: defaultConnCache}
	for _, opt := range opts {
		opt(&o)
	}
	if o.timeout <= 0 {
		o.timeout = defaultTimeout
	}
	if o.cacheSize <= 0 {
		o.cacheSize = defaultConnCache
	}

	conns, err := lru.NewWithEvict(o.cacheSize, func(addr string, conn *grpc.ClientConn) {
		if err := conn.Close(); err != nil {
			logging.Op().Debug("close evicted grpc connection", "address", addr, "error", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("create connection cache: %w", err)
	}

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}, o.dialOpts...)

	return &GRPCProtocol{
		timeout:  o.timeout,
		dialOpts: dialOpts,
		conns:    conns,
	}, nil
}

// Refer returns an invoker for u. The connection is established lazily.
func (p *GRPCProtocol) Refer(u *rpc.URL) (rpc.Invoker, error) {
	if u.Host == "" {
		return nil, fmt.Errorf("grpc provider url %q has no host", u.String())
	}
	if _, err := p.conn(u.Address()); err != nil {
		return nil, err
	}
	return &GRPCInvoker{protocol: p, url: u}, nil
}

func (p *GRPCProtocol) conn(addr string) (*grpc.ClientConn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if conn, ok := p.conns.Get(addr); ok && conn.GetState() != connectivity.Shutdown {
		return conn, nil
	}
	// passthrough keeps the address as-is, like the former default of Dial
	conn, err := grpc.NewClient("passthrough:///"+addr, p.dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("dial remote gRPC %s: %w", addr, err)
	}
	p.conns.Add(addr, conn)
	return conn, nil
}

// Close closes every cached connection.
func (p *GRPCProtocol) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conns.Purge()
	return nil
}

// GRPCInvoker calls one provider over the generic gRPC method.
type GRPCInvoker struct {
	protocol *GRPCProtocol
	url      *rpc.URL
	closed   atomic.Bool
}

func (i *GRPCInvoker) Invoke(ctx context.Context, inv *rpc.Invocation) (*rpc.Result, error) {
	if i.closed.Load() {
		return nil, rpc.NewError(rpc.CodeNetwork, "invoker for %s is closed", i.url.Address())
	}
	conn, err := i.protocol.conn(i.url.Address())
	if err != nil {
		return nil, &rpc.RPCError{Code: rpc.CodeNetwork, Message: err.Error(), Cause: err}
	}

	req, err := EncodeRequest(NewRequest(i.url.Service, inv))
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	ctx, cancel := i.withTimeout(ctx)
	defer cancel()
	ctx, span := observability.StartClientSpan(ctx, "grpc "+inv.Method,
		observability.AttrService.String(i.url.Service),
		observability.AttrMethod.String(inv.Method),
		observability.AttrEndpoint.String(i.url.Address()),
	)
	defer span.End()
	ctx = withForwardedMetadata(ctx, inv)

	resp := new(structpb.Struct)
	if err := conn.Invoke(ctx, GRPCMethod, req, resp); err != nil {
		re := ErrorFromStatus(err)
		observability.SetSpanError(span, re)
		return nil, re
	}
	res, err := DecodeResult(resp)
	if err != nil {
		observability.SetSpanError(span, err)
		return nil, err
	}
	observability.SetSpanOK(span)
	return res, nil
}

func (i *GRPCInvoker) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	timeout := i.protocol.timeout
	if ms := i.url.IntParam(rpc.ParamTimeout, 0); ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}
	return context.WithTimeout(ctx, timeout)
}

func (i *GRPCInvoker) URL() *rpc.URL { return i.url }

// IsAvailable reports false once the invoker is closed or its connection
// has been shut down.
func (i *GRPCInvoker) IsAvailable() bool {
	if i.closed.Load() {
		return false
	}
	i.protocol.mu.Lock()
	conn, ok := i.protocol.conns.Peek(i.url.Address())
	i.protocol.mu.Unlock()
	return !ok || conn.GetState() != connectivity.Shutdown
}

// Close detaches the invoker. The shared connection stays in the protocol's
// cache until evicted or the protocol is closed.
func (i *GRPCInvoker) Close() error {
	i.closed.Store(true)
	return nil
}

func withForwardedMetadata(ctx context.Context, inv *rpc.Invocation) context.Context {
	outgoing, _ := metadata.FromOutgoingContext(ctx)
	md := metadata.MD{}
	for k, v := range outgoing {
		md[k] = append([]string(nil), v...)
	}

	if id := inv.Attachment(rpc.AttachRequestID); id != "" {
		md.Set(MetadataRequestID, id)
	} else if incoming, ok := metadata.FromIncomingContext(ctx); ok {
		if values := incoming.Get(MetadataRequestID); len(values) > 0 {
			md.Set(MetadataRequestID, values...)
		}
	}

	md.Set(MetadataForwarded, "true")
	ctx = metadata.NewOutgoingContext(ctx, md)
	return observability.InjectGRPCMetadata(ctx)
}
