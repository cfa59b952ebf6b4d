package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/oriys/quasar/internal/circuitbreaker"
	"github.com/oriys/quasar/internal/config"
	"github.com/oriys/quasar/internal/directory"
	"github.com/oriys/quasar/internal/filter"
	"github.com/oriys/quasar/internal/logging"
	"github.com/oriys/quasar/internal/metrics"
	"github.com/oriys/quasar/internal/observability"
	"github.com/oriys/quasar/internal/ratelimit"
	"github.com/oriys/quasar/internal/registry"
	"github.com/oriys/quasar/internal/rpc"
)

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// setupObservability configures logging, tracing and metrics. The returned
// func flushes the tracer.
func setupObservability(cfg *config.Config, serviceName string) (func(), error) {
	logging.Configure(logging.Options{
		Format:    cfg.Observability.Logging.Format,
		Level:     cfg.Observability.Logging.Level,
		Component: serviceName,
	})

	if err := observability.Init(context.Background(), observability.Config{
		Enabled:     cfg.Observability.Tracing.Enabled,
		Exporter:    cfg.Observability.Tracing.Exporter,
		Endpoint:    cfg.Observability.Tracing.Endpoint,
		ServiceName: serviceName,
		SampleRate:  cfg.Observability.Tracing.SampleRate,
	}); err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}

	if cfg.Observability.Metrics.Enabled {
		metrics.InitPrometheus(cfg.Observability.Metrics.Namespace, nil)
	}
	return func() { observability.Shutdown(context.Background()) }, nil
}

// openRegistry returns the configured registry, or nil for kind "none".
// Shared registries are wrapped in a lookup cache.
func openRegistry(ctx context.Context, cfg *config.Config) (registry.Registry, error) {
	regCfg := cfg.Registry.Config
	switch cfg.Registry.Kind {
	case config.RegistryNone:
		return nil, nil
	case config.RegistryMemory:
		return registry.NewMemoryRegistry(&regCfg), nil
	case config.RegistryRedis:
		r := registry.NewRedisRegistry(cfg.Registry.Redis, &regCfg)
		if err := r.Ping(ctx); err != nil {
			r.Close()
			return nil, fmt.Errorf("connect redis registry: %w", err)
		}
		return registry.NewCachedRegistry(r, 0), nil
	case config.RegistryPostgres:
		r, err := registry.NewPostgresRegistry(ctx, cfg.Registry.DSN, &regCfg)
		if err != nil {
			return nil, err
		}
		return registry.NewCachedRegistry(r, 0), nil
	}
	return nil, fmt.Errorf("unknown registry kind %q", cfg.Registry.Kind)
}

// newLimiter builds the configured limiter, or nil when rate limiting is off.
// The returned func releases the Redis client, if any.
func newLimiter(cfg *config.Config) (*ratelimit.Limiter, func()) {
	if !cfg.RateLimit.Enabled() {
		return nil, func() {}
	}
	if cfg.RateLimit.Backend != "redis" {
		return ratelimit.New(nil, cfg.RateLimit.Config), func() {}
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Registry.Redis.Addr,
		Password: cfg.Registry.Redis.Password,
		DB:       cfg.Registry.Redis.DB,
	})
	backend := ratelimit.NewFallbackBackend(ratelimit.NewRedisBackend(client, ""))
	return ratelimit.New(backend, cfg.RateLimit.Config), func() { client.Close() }
}

// providerFilters returns the wrapper applied to every provider invoker.
func providerFilters(cfg *config.Config, limiter *ratelimit.Limiter) directory.Wrapper {
	var filters []func(rpc.Invoker) rpc.Invoker
	if cfg.CircuitBreaker.Enabled() {
		filters = append(filters, filter.CircuitBreakers(circuitbreaker.NewRegistry(cfg.CircuitBreaker)))
	}
	if limiter != nil {
		filters = append(filters, filter.RateLimits(limiter))
	}
	if len(filters) == 0 {
		return nil
	}
	return filter.Chain(filters...)
}
