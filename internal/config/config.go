// Package config loads quasar's YAML configuration and applies QUASAR_*
// environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/oriys/quasar/internal/circuitbreaker"
	"github.com/oriys/quasar/internal/cluster"
	"github.com/oriys/quasar/internal/loadbalance"
	"github.com/oriys/quasar/internal/ratelimit"
	"github.com/oriys/quasar/internal/registry"
)

// Registry kinds.
const (
	RegistryNone     = "none"
	RegistryMemory   = "memory"
	RegistryRedis    = "redis"
	RegistryPostgres = "postgres"
)

// ConsumerConfig describes the service the invoke command calls.
type ConsumerConfig struct {
	Service     string        `yaml:"service"`
	Cluster     string        `yaml:"cluster"`
	LoadBalance string        `yaml:"loadbalance"`
	Retries     int           `yaml:"retries"`
	Timeout     time.Duration `yaml:"timeout"`
	// Providers are static provider URLs. When empty, providers come from
	// the registry.
	Providers []string `yaml:"providers"`
}

// RegistryConfig selects and configures the provider registry.
type RegistryConfig struct {
	Kind            string               `yaml:"kind"`
	Redis           registry.RedisConfig `yaml:"redis"`
	DSN             string               `yaml:"dsn"`
	registry.Config `yaml:",inline"`
}

// ProviderConfig holds settings for the serve command.
type ProviderConfig struct {
	Application string `yaml:"application"`
	Service     string `yaml:"service"`
	// Host is the address advertised in the registry.
	Host     string `yaml:"host"`
	GRPCAddr string `yaml:"grpc_addr"`
	HTTPAddr string `yaml:"http_addr"`
}

// RateLimitConfig limits calls per provider endpoint. Backend is "local" or
// "redis"; the redis backend reuses the registry's Redis settings and falls
// back to local buckets while Redis is down.
type RateLimitConfig struct {
	ratelimit.Config `yaml:",inline"`
	Backend          string `yaml:"backend"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Format string `yaml:"format"` // text, json
	Level  string `yaml:"level"`  // debug, info, warn, error
}

// MetricsConfig holds Prometheus settings
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// TracingConfig holds OpenTelemetry settings
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Exporter   string  `yaml:"exporter"` // otlp-http, noop
	Endpoint   string  `yaml:"endpoint"`
	SampleRate float64 `yaml:"sample_rate"`
}

// ObservabilityConfig groups logging, metrics and tracing.
type ObservabilityConfig struct {
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// Config is the central configuration struct embedding all component configs
type Config struct {
	Consumer       ConsumerConfig        `yaml:"consumer"`
	Registry       RegistryConfig        `yaml:"registry"`
	Provider       ProviderConfig        `yaml:"provider"`
	CircuitBreaker circuitbreaker.Config `yaml:"circuit_breaker"`
	RateLimit      RateLimitConfig       `yaml:"rate_limit"`
	Observability  ObservabilityConfig   `yaml:"observability"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Consumer: ConsumerConfig{
			Cluster:     cluster.StrategyBroadcast,
			LoadBalance: loadbalance.Random,
			Retries:     2,
			Timeout:     30 * time.Second,
		},
		Registry: RegistryConfig{
			Kind: RegistryMemory,
			Redis: registry.RedisConfig{
				Addr: "localhost:6379",
			},
			Config: *registry.DefaultConfig(),
		},
		Provider: ProviderConfig{
			Application: "quasar-demo",
			Service:     "demo.Greeter",
			Host:        "127.0.0.1",
			GRPCAddr:    ":20880",
			HTTPAddr:    ":8080",
		},
		RateLimit: RateLimitConfig{
			Backend: "local",
		},
		Observability: ObservabilityConfig{
			Logging: LoggingConfig{
				Format: "text",
				Level:  "info",
			},
			Metrics: MetricsConfig{
				Enabled:   true,
				Namespace: "quasar",
			},
			Tracing: TracingConfig{
				Exporter:   "otlp-http",
				Endpoint:   "localhost:4318",
				SampleRate: 1.0,
			},
		},
	}
}

// LoadFromFile loads configuration from a YAML file over the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	return cfg, nil
}

// LoadFromEnv applies environment variable overrides to the config
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("QUASAR_SERVICE"); v != "" {
		cfg.Consumer.Service = v
	}
	if v := os.Getenv("QUASAR_CLUSTER"); v != "" {
		cfg.Consumer.Cluster = v
	}
	if v := os.Getenv("QUASAR_LOADBALANCE"); v != "" {
		cfg.Consumer.LoadBalance = v
	}
	if v := os.Getenv("QUASAR_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Consumer.Retries = n
		}
	}
	if v := os.Getenv("QUASAR_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Consumer.Timeout = d
		}
	}
	if v := os.Getenv("QUASAR_PROVIDERS"); v != "" {
		cfg.Consumer.Providers = splitList(v)
	}
	if v := os.Getenv("QUASAR_REGISTRY"); v != "" {
		cfg.Registry.Kind = v
	}
	if v := os.Getenv("QUASAR_REDIS_ADDR"); v != "" {
		cfg.Registry.Redis.Addr = v
	}
	if v := os.Getenv("QUASAR_REDIS_PASSWORD"); v != "" {
		cfg.Registry.Redis.Password = v
	}
	if v := os.Getenv("QUASAR_POSTGRES_DSN"); v != "" {
		cfg.Registry.DSN = v
	}
	if v := os.Getenv("QUASAR_APPLICATION"); v != "" {
		cfg.Provider.Application = v
	}
	if v := os.Getenv("QUASAR_GRPC_ADDR"); v != "" {
		cfg.Provider.GRPCAddr = v
	}
	if v := os.Getenv("QUASAR_HTTP_ADDR"); v != "" {
		cfg.Provider.HTTPAddr = v
	}
	if v := os.Getenv("QUASAR_LOG_LEVEL"); v != "" {
		cfg.Observability.Logging.Level = v
	}
	if v := os.Getenv("QUASAR_LOG_FORMAT"); v != "" {
		cfg.Observability.Logging.Format = v
	}
	if v := os.Getenv("QUASAR_TRACING_ENDPOINT"); v != "" {
		cfg.Observability.Tracing.Enabled = true
		cfg.Observability.Tracing.Endpoint = v
	}
}

// Load reads path (if not empty) and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		var err error
		if cfg, err = LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	LoadFromEnv(cfg)
	return cfg, cfg.Validate()
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if _, err := cluster.New(c.Consumer.Cluster); err != nil {
		return fmt.Errorf("consumer.cluster: %w", err)
	}
	if c.Consumer.Retries < 0 {
		return fmt.Errorf("consumer.retries must not be negative")
	}
	if c.Consumer.Timeout < 0 {
		return fmt.Errorf("consumer.timeout must not be negative")
	}
	switch c.Registry.Kind {
	case RegistryNone, RegistryMemory:
	case RegistryRedis:
		if c.Registry.Redis.Addr == "" {
			return fmt.Errorf("registry.redis.addr is required for the redis registry")
		}
	case RegistryPostgres:
		if c.Registry.DSN == "" {
			return fmt.Errorf("registry.dsn is required for the postgres registry")
		}
	default:
		return fmt.Errorf("unknown registry kind %q", c.Registry.Kind)
	}
	switch c.RateLimit.Backend {
	case "", "local", "redis":
	default:
		return fmt.Errorf("unknown rate_limit.backend %q", c.RateLimit.Backend)
	}
	if c.RateLimit.RequestsPerSecond < 0 {
		return fmt.Errorf("rate_limit.requests_per_second must not be negative")
	}
	if c.CircuitBreaker.ErrorPct < 0 || c.CircuitBreaker.ErrorPct > 100 {
		return fmt.Errorf("circuit_breaker.error_pct must be between 0 and 100")
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
