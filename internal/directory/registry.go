package directory

import (
	"context"
	"fmt"
	"sync"

	"github.com/oriys/quasar/internal/logging"
	"github.com/oriys/quasar/internal/registry"
	"github.com/oriys/quasar/internal/rpc"
)

// Wrapper decorates each provider invoker when it is created, typically with
// filters such as a circuit breaker.
type Wrapper func(rpc.Invoker) rpc.Invoker

// RegistryDirectory keeps an invoker per registered provider of a service
// and follows registry changes. Invokers are reused across refreshes as
// long as their URL stays registered; removed providers are closed.
type RegistryDirectory struct {
	service  string
	reg      registry.Registry
	protocol rpc.Protocol
	wrap     Wrapper

	mu       sync.RWMutex
	invokers map[string]rpc.Invoker
	ordered  []rpc.Invoker
	cancel   func()
	closed   bool
}

// Option configures a RegistryDirectory.
type Option func(*RegistryDirectory)

// WithWrapper decorates every provider invoker the directory creates.
func WithWrapper(w Wrapper) Option {
	return func(d *RegistryDirectory) { d.wrap = w }
}

// NewRegistryDirectory looks service up in reg, refers an invoker for each
// provider through protocol and subscribes to further changes.
func NewRegistryDirectory(ctx context.Context, service string, reg registry.Registry, protocol rpc.Protocol, opts ...Option) (*RegistryDirectory, error) {
	d := &RegistryDirectory{
		service:  service,
		reg:      reg,
		protocol: protocol,
		invokers: make(map[string]rpc.Invoker),
	}
	for _, opt := range opts {
		opt(d)
	}

	urls, err := reg.Lookup(ctx, service)
	if err != nil {
		return nil, fmt.Errorf("lookup providers of %s: %w", service, err)
	}
	d.refresh(urls)
	cancel := reg.Subscribe(service, func(_ string, urls []*rpc.URL) {
		d.refresh(urls)
	})
	d.mu.Lock()
	d.cancel = cancel
	d.mu.Unlock()
	return d, nil
}

func (d *RegistryDirectory) Service() string { return d.service }

func (d *RegistryDirectory) List(ctx context.Context, inv *rpc.Invocation) ([]rpc.Invoker, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return nil, fmt.Errorf("directory of %s is closed", d.service)
	}
	return filterAvailable(d.ordered), nil
}

func (d *RegistryDirectory) IsAvailable() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return false
	}
	for _, iv := range d.ordered {
		if iv.IsAvailable() {
			return true
		}
	}
	return false
}

// refresh reconciles the invoker set with urls, which arrive ordered by URL.
func (d *RegistryDirectory) refresh(urls []*rpc.URL) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}

	next := make(map[string]rpc.Invoker, len(urls))
	ordered := make([]rpc.Invoker, 0, len(urls))
	for _, u := range urls {
		key := u.String()
		if _, dup := next[key]; dup {
			continue
		}
		iv, ok := d.invokers[key]
		if !ok {
			created, err := d.refer(u)
			if err != nil {
				logging.Op().Warn("failed to refer provider",
					"service", d.service,
					"url", key,
					"error", err)
				continue
			}
			iv = created
		}
		next[key] = iv
		ordered = append(ordered, iv)
	}

	var stale []rpc.Invoker
	for key, iv := range d.invokers {
		if _, ok := next[key]; !ok {
			stale = append(stale, iv)
		}
	}
	d.invokers = next
	d.ordered = ordered
	d.mu.Unlock()

	if len(stale) > 0 {
		if err := closeAll(stale); err != nil {
			logging.Op().Warn("failed to close removed providers", "service", d.service, "error", err)
		}
	}
	logging.Op().Debug("provider directory refreshed",
		"service", d.service,
		"providers", len(ordered),
		"removed", len(stale))
}

func (d *RegistryDirectory) refer(u *rpc.URL) (rpc.Invoker, error) {
	return Refer(d.protocol, u, d.wrap)
}

// Refer creates the invoker for provider u. The invoker reports u's
// application parameter as its provider identity and is decorated by wrap,
// which may be nil.
func Refer(protocol rpc.Protocol, u *rpc.URL, wrap Wrapper) (rpc.Invoker, error) {
	iv, err := protocol.Refer(u)
	if err != nil {
		return nil, err
	}
	var out rpc.Invoker = &providerInvoker{Invoker: iv, url: u}
	if wrap != nil {
		out = wrap(out)
	}
	return out, nil
}

func (d *RegistryDirectory) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	invokers := d.ordered
	d.invokers = nil
	d.ordered = nil
	cancel := d.cancel
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return closeAll(invokers)
}

// providerInvoker binds a transport invoker to the registry URL it was
// created from. The URL's application parameter names the provider.
type providerInvoker struct {
	rpc.Invoker
	url *rpc.URL
}

func (p *providerInvoker) URL() *rpc.URL { return p.url }

func (p *providerInvoker) ProviderIdentity() (string, bool) {
	app := p.url.Param(rpc.ParamApplication)
	return app, app != ""
}
