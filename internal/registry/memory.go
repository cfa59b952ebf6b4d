package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oriys/quasar/internal/logging"
	"github.com/oriys/quasar/internal/rpc"
)

// Config holds registry timing configuration.
type Config struct {
	HeartbeatInterval   time.Duration `yaml:"heartbeat_interval"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	HeartbeatTTL        time.Duration `yaml:"heartbeat_ttl"`
}

// DefaultConfig returns default registry configuration
func DefaultConfig() *Config {
	return &Config{
		HeartbeatInterval:   10 * time.Second,
		HealthCheckInterval: 30 * time.Second,
		HeartbeatTTL:        DefaultHeartbeatTTL,
	}
}

func (c *Config) normalize() *Config {
	d := DefaultConfig()
	if c == nil {
		return d
	}
	out := *c
	if out.HeartbeatInterval <= 0 {
		out.HeartbeatInterval = d.HeartbeatInterval
	}
	if out.HealthCheckInterval <= 0 {
		out.HealthCheckInterval = d.HealthCheckInterval
	}
	if out.HeartbeatTTL <= 0 {
		out.HeartbeatTTL = d.HeartbeatTTL
	}
	return &out
}

type memoryEntry struct {
	url           *rpc.URL
	lastHeartbeat time.Time
}

// MemoryRegistry keeps providers in process. It backs tests, single-process
// deployments and the "serve" command when no shared registry is configured.
type MemoryRegistry struct {
	cfg       *Config
	mu        sync.RWMutex
	services  map[string]map[string]*memoryEntry
	listeners *listeners
	now       func() time.Time
	stopOnce  sync.Once
	stopCh    chan struct{}
}

// NewMemoryRegistry creates an empty in-process registry.
func NewMemoryRegistry(cfg *Config) *MemoryRegistry {
	return &MemoryRegistry{
		cfg:       cfg.normalize(),
		services:  make(map[string]map[string]*memoryEntry),
		listeners: newListeners(),
		now:       time.Now,
		stopCh:    make(chan struct{}),
	}
}

func (r *MemoryRegistry) Register(ctx context.Context, u *rpc.URL) error {
	if u == nil || u.Service == "" {
		return fmt.Errorf("register provider: service is required")
	}

	key := u.String()
	r.mu.Lock()
	entries, ok := r.services[u.Service]
	if !ok {
		entries = make(map[string]*memoryEntry)
		r.services[u.Service] = entries
	}
	now := r.now()
	prev, existed := entries[key]
	existed = existed && now.Sub(prev.lastHeartbeat) <= r.cfg.HeartbeatTTL
	entries[key] = &memoryEntry{url: u, lastHeartbeat: now}
	r.mu.Unlock()

	if existed {
		return nil
	}
	logging.Op().Info("provider registered",
		"service", u.Service,
		"application", u.Param(rpc.ParamApplication),
		"address", u.Address())
	r.notify(u.Service)
	return nil
}

func (r *MemoryRegistry) Unregister(ctx context.Context, u *rpc.URL) error {
	if u == nil {
		return nil
	}

	r.mu.Lock()
	entries := r.services[u.Service]
	_, existed := entries[u.String()]
	delete(entries, u.String())
	if len(entries) == 0 {
		delete(r.services, u.Service)
	}
	r.mu.Unlock()

	if existed {
		logging.Op().Info("provider unregistered", "service", u.Service, "address", u.Address())
		r.notify(u.Service)
	}
	return nil
}

func (r *MemoryRegistry) Lookup(ctx context.Context, service string) ([]*rpc.URL, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.liveLocked(service), nil
}

func (r *MemoryRegistry) liveLocked(service string) []*rpc.URL {
	now := r.now()
	urls := make([]*rpc.URL, 0, len(r.services[service]))
	for _, e := range r.services[service] {
		if now.Sub(e.lastHeartbeat) <= r.cfg.HeartbeatTTL {
			urls = append(urls, e.url)
		}
	}
	sortURLs(urls)
	return urls
}

func (r *MemoryRegistry) Subscribe(service string, l Listener) func() {
	return r.listeners.add(service, l)
}

func (r *MemoryRegistry) notify(service string) {
	urls, _ := r.Lookup(context.Background(), service)
	r.listeners.notify(service, urls)
}

// StartHealthChecker expires providers whose heartbeat is older than the
// TTL until ctx is cancelled or the registry is closed.
func (r *MemoryRegistry) StartHealthChecker(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.expire()
		}
	}
}

// expire drops stale entries and notifies subscribers of affected services.
func (r *MemoryRegistry) expire() {
	now := r.now()
	var changed []string

	r.mu.Lock()
	for service, entries := range r.services {
		removed := false
		for key, e := range entries {
			if now.Sub(e.lastHeartbeat) > r.cfg.HeartbeatTTL {
				logging.Op().Warn("provider heartbeat expired",
					"service", service,
					"address", e.url.Address(),
					"last_heartbeat", e.lastHeartbeat)
				delete(entries, key)
				removed = true
			}
		}
		if len(entries) == 0 {
			delete(r.services, service)
		}
		if removed {
			changed = append(changed, service)
		}
	}
	r.mu.Unlock()

	for _, service := range changed {
		r.notify(service)
	}
}

// Services lists every service with at least one live provider.
func (r *MemoryRegistry) Services() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.services))
	for service := range r.services {
		if len(r.liveLocked(service)) > 0 {
			out = append(out, service)
		}
	}
	return out
}

func (r *MemoryRegistry) Close() error {
	r.stopOnce.Do(func() { close(r.stopCh) })
	return nil
}
