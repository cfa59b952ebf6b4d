package registry

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oriys/quasar/internal/logging"
	"github.com/oriys/quasar/internal/rpc"
)

// PostgresRegistry persists providers in a table. Subscribers are kept up to
// date by polling the table every HealthCheckInterval, which mirrors how
// membership is synced from a store without a dedicated gossip layer.
type PostgresRegistry struct {
	pool      *pgxpool.Pool
	cfg       *Config
	listeners *listeners

	mu       sync.Mutex
	pollers  map[string]context.CancelFunc
	closed   bool
	stopOnce sync.Once
}

// NewPostgresRegistry connects to dsn and creates the providers table if
// it does not exist.
func NewPostgresRegistry(ctx context.Context, dsn string, cfg *Config) (*PostgresRegistry, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	r := &PostgresRegistry{
		pool:      pool,
		cfg:       cfg.normalize(),
		listeners: newListeners(),
		pollers:   make(map[string]context.CancelFunc),
	}

	if err := r.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if err := r.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return r, nil
}

func (r *PostgresRegistry) Ping(ctx context.Context) error {
	if r.pool == nil {
		return fmt.Errorf("postgres not initialized")
	}
	return r.pool.Ping(ctx)
}

func (r *PostgresRegistry) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS quasar_providers (
			service TEXT NOT NULL,
			url TEXT NOT NULL,
			application TEXT NOT NULL DEFAULT '',
			address TEXT NOT NULL,
			last_heartbeat TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (service, url)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_quasar_providers_heartbeat ON quasar_providers(service, last_heartbeat DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func (r *PostgresRegistry) Register(ctx context.Context, u *rpc.URL) error {
	if u == nil || u.Service == "" {
		return fmt.Errorf("register provider: service is required")
	}
	query := `
		INSERT INTO quasar_providers (service, url, application, address, last_heartbeat)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (service, url) DO UPDATE SET
			application    = EXCLUDED.application,
			address        = EXCLUDED.address,
			last_heartbeat = EXCLUDED.last_heartbeat
	`
	if _, err := r.pool.Exec(ctx, query,
		u.Service, u.String(), u.Param(rpc.ParamApplication), u.Address(), time.Now(),
	); err != nil {
		return fmt.Errorf("register provider %s: %w", u.Address(), err)
	}
	return nil
}

func (r *PostgresRegistry) Unregister(ctx context.Context, u *rpc.URL) error {
	if u == nil {
		return nil
	}
	if _, err := r.pool.Exec(ctx,
		`DELETE FROM quasar_providers WHERE service = $1 AND url = $2`,
		u.Service, u.String(),
	); err != nil {
		return fmt.Errorf("unregister provider %s: %w", u.Address(), err)
	}
	logging.Op().Info("provider unregistered", "service", u.Service, "address", u.Address(), "registry", "postgres")
	return nil
}

func (r *PostgresRegistry) Lookup(ctx context.Context, service string) ([]*rpc.URL, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT url FROM quasar_providers
		WHERE service = $1 AND last_heartbeat > $2
		ORDER BY url
	`, service, time.Now().Add(-r.cfg.HeartbeatTTL))
	if err != nil {
		return nil, fmt.Errorf("lookup service %s: %w", service, err)
	}
	defer rows.Close()

	var urls []*rpc.URL
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		u, err := rpc.ParseURL(raw)
		if err != nil {
			logging.Op().Warn("skipping malformed provider url", "service", service, "url", raw, "error", err)
			continue
		}
		urls = append(urls, u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortURLs(urls)
	return urls, nil
}

// Subscribe starts a poller for service on first use. Listeners are called
// only when the set of live providers differs from the previous poll.
func (r *PostgresRegistry) Subscribe(service string, l Listener) func() {
	cancel := r.listeners.add(service, l)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return cancel
	}
	if _, ok := r.pollers[service]; !ok {
		ctx, stop := context.WithCancel(context.Background())
		r.pollers[service] = stop
		go r.poll(ctx, service)
	}
	return cancel
}

func (r *PostgresRegistry) poll(ctx context.Context, service string) {
	ticker := time.NewTicker(r.cfg.HealthCheckInterval)
	defer ticker.Stop()

	var last string
	for {
		urls, err := r.Lookup(ctx, service)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logging.Op().Warn("provider registry sync failed", "service", service, "error", err)
		} else if sig := signature(urls); sig != last {
			last = sig
			r.listeners.notify(service, urls)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func signature(urls []*rpc.URL) string {
	parts := make([]string, len(urls))
	for i, u := range urls {
		parts[i] = u.String()
	}
	return strings.Join(parts, "\n")
}

func (r *PostgresRegistry) Close() error {
	r.stopOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		for _, stop := range r.pollers {
			stop()
		}
		r.pollers = nil
		r.mu.Unlock()
		r.pool.Close()
	})
	return nil
}
