package registry

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/oriys/quasar/internal/logging"
	"github.com/oriys/quasar/internal/rpc"
)

const defaultRedisPrefix = "quasar:registry:"

// RedisConfig holds configuration for the Redis registry.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"` // default: "quasar:registry:"
}

// RedisRegistry shares provider membership through Redis. Each service is a
// hash from provider URL to its last heartbeat in unix milliseconds, and
// every change is published on a per-service channel so that subscribers in
// other processes refresh immediately.
type RedisRegistry struct {
	client    *redis.Client
	ownClient bool
	prefix    string
	ttl       time.Duration
	interval  time.Duration
	listeners *listeners

	mu     sync.Mutex
	subs   map[string]context.CancelFunc
	closed bool
}

// NewRedisRegistry connects to Redis with cfg.
func NewRedisRegistry(cfg RedisConfig, regCfg *Config) *RedisRegistry {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	r := NewRedisRegistryFromClient(client, cfg.KeyPrefix, regCfg)
	r.ownClient = true
	return r
}

// NewRedisRegistryFromClient creates a registry using an existing client,
// which the caller keeps ownership of.
func NewRedisRegistryFromClient(client *redis.Client, prefix string, regCfg *Config) *RedisRegistry {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	cfg := regCfg.normalize()
	return &RedisRegistry{
		client:    client,
		prefix:    prefix,
		ttl:       cfg.HeartbeatTTL,
		interval:  cfg.HealthCheckInterval,
		listeners: newListeners(),
		subs:      make(map[string]context.CancelFunc),
	}
}

func (r *RedisRegistry) key(service string) string {
	return r.prefix + service
}

func (r *RedisRegistry) channel(service string) string {
	return r.prefix + "notify:" + service
}

func (r *RedisRegistry) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisRegistry) Register(ctx context.Context, u *rpc.URL) error {
	if u == nil || u.Service == "" {
		return fmt.Errorf("register provider: service is required")
	}
	added, err := r.client.HSet(ctx, r.key(u.Service), u.String(), time.Now().UnixMilli()).Result()
	if err != nil {
		return fmt.Errorf("register provider %s: %w", u.Address(), err)
	}
	if added == 0 {
		return nil
	}
	logging.Op().Info("provider registered",
		"service", u.Service,
		"application", u.Param(rpc.ParamApplication),
		"address", u.Address(),
		"registry", "redis")
	return r.client.Publish(ctx, r.channel(u.Service), u.String()).Err()
}

func (r *RedisRegistry) Unregister(ctx context.Context, u *rpc.URL) error {
	if u == nil {
		return nil
	}
	removed, err := r.client.HDel(ctx, r.key(u.Service), u.String()).Result()
	if err != nil {
		return fmt.Errorf("unregister provider %s: %w", u.Address(), err)
	}
	if removed == 0 {
		return nil
	}
	logging.Op().Info("provider unregistered", "service", u.Service, "address", u.Address(), "registry", "redis")
	return r.client.Publish(ctx, r.channel(u.Service), u.String()).Err()
}

// Lookup returns providers whose heartbeat is within the TTL. Expired fields
// are left in place; they are dropped from results and overwritten on the
// provider's next registration.
func (r *RedisRegistry) Lookup(ctx context.Context, service string) ([]*rpc.URL, error) {
	fields, err := r.client.HGetAll(ctx, r.key(service)).Result()
	if err != nil {
		return nil, fmt.Errorf("lookup service %s: %w", service, err)
	}

	cutoff := time.Now().Add(-r.ttl).UnixMilli()
	urls := make([]*rpc.URL, 0, len(fields))
	for raw, beat := range fields {
		ms, err := strconv.ParseInt(beat, 10, 64)
		if err != nil || ms < cutoff {
			continue
		}
		u, err := rpc.ParseURL(raw)
		if err != nil {
			logging.Op().Warn("skipping malformed provider url", "service", service, "url", raw, "error", err)
			continue
		}
		urls = append(urls, u)
	}
	sortURLs(urls)
	return urls, nil
}

// Subscribe starts one Redis subscription per service, shared by all local
// listeners of that service. Besides published changes, the live set is
// re-read every HealthCheckInterval, so providers whose heartbeat lapsed
// without an Unregister are dropped, and returning ones announced.
func (r *RedisRegistry) Subscribe(service string, l Listener) func() {
	cancel := r.listeners.add(service, l)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return cancel
	}
	if _, ok := r.subs[service]; !ok {
		ctx, stop := context.WithCancel(context.Background())
		r.subs[service] = stop
		pubsub := r.client.Subscribe(ctx, r.channel(service))
		go r.watch(ctx, service, pubsub)
	}
	return cancel
}

func (r *RedisRegistry) watch(ctx context.Context, service string, pubsub *redis.PubSub) {
	defer pubsub.Close()
	ch := pubsub.Channel()
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	var last string
	refresh := func() {
		urls, err := r.Lookup(ctx, service)
		if err != nil {
			if ctx.Err() == nil {
				logging.Op().Warn("registry refresh failed", "service", service, "error", err)
			}
			return
		}
		// unchanged membership is not news to listeners
		if sig := signature(urls); sig != last {
			last = sig
			r.listeners.notify(service, urls)
		}
	}

	refresh()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			refresh()
		case _, ok := <-ch:
			if !ok {
				return
			}
			refresh()
		}
	}
}

// Heartbeat refreshes u without publishing a change.
func (r *RedisRegistry) Heartbeat(ctx context.Context, u *rpc.URL) error {
	return r.client.HSet(ctx, r.key(u.Service), u.String(), time.Now().UnixMilli()).Err()
}

func (r *RedisRegistry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	for _, stop := range r.subs {
		stop()
	}
	r.subs = nil
	r.mu.Unlock()

	if r.ownClient {
		return r.client.Close()
	}
	return nil
}
