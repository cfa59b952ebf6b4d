// Package circuitbreaker stops cluster strategies from calling a provider
// endpoint that keeps failing.
//
// A breaker is Closed until the error rate over the last WindowDuration
// reaches ErrorPct (once at least MinRequests calls were seen). It then
// stays Open for OpenDuration, rejecting calls, and moves to HalfOpen where
// HalfOpenProbes calls are let through. All probes succeeding closes it; any
// probe failing opens it again.
//
// Calls are counted in windowBuckets fixed-size buckets, so memory per
// endpoint is constant regardless of traffic.
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/oriys/quasar/internal/metrics"
)

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config holds the breaker settings shared by every endpoint.
type Config struct {
	ErrorPct       float64       `yaml:"error_pct"` // 0-100
	MinRequests    int           `yaml:"min_requests"`
	WindowDuration time.Duration `yaml:"window_duration"`
	OpenDuration   time.Duration `yaml:"open_duration"`
	HalfOpenProbes int           `yaml:"half_open_probes"`
}

// Enabled reports whether cfg describes a usable breaker.
func (c Config) Enabled() bool {
	return c.ErrorPct > 0 && c.WindowDuration > 0 && c.OpenDuration > 0
}

const windowBuckets = 10

type bucket struct {
	start     time.Time
	successes int
	failures  int
}

// Breaker guards one provider endpoint.
type Breaker struct {
	mu    sync.Mutex
	name  string
	cfg   Config
	now   func() time.Time
	state State

	window   [windowBuckets]bucket
	openedAt time.Time
	probes   int // let through since entering HalfOpen
	probesOK int
}

func New(name string, cfg Config) *Breaker {
	if cfg.HalfOpenProbes <= 0 {
		cfg.HalfOpenProbes = 1
	}
	return &Breaker{name: name, cfg: cfg, now: time.Now}
}

// Name returns the endpoint key the breaker was created for.
func (b *Breaker) Name() string {
	return b.name
}

// Allow reports whether a call may proceed. In HalfOpen every true result
// uses up one probe.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refresh()
	switch b.state {
	case StateOpen:
		return false
	case StateHalfOpen:
		if b.probes >= b.cfg.HalfOpenProbes {
			return false
		}
		b.probes++
	}
	return true
}

func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.current().successes++
	case StateHalfOpen:
		b.probesOK++
		if b.probesOK >= b.cfg.HalfOpenProbes {
			b.window = [windowBuckets]bucket{}
			b.transition(StateClosed)
		}
	}
}

func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.current().failures++
		if b.tripped() {
			b.open()
		}
	case StateHalfOpen:
		b.open()
	}
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refresh()
	return b.state
}

// refresh moves an expired Open breaker to HalfOpen. Caller holds mu.
func (b *Breaker) refresh() {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.OpenDuration {
		b.probes, b.probesOK = 0, 0
		b.transition(StateHalfOpen)
	}
}

func (b *Breaker) open() {
	b.openedAt = b.now()
	b.transition(StateOpen)
}

func (b *Breaker) transition(next State) {
	if b.state == next {
		return
	}
	b.state = next
	metrics.SetCircuitBreakerState(b.name, int(next))
	metrics.RecordCircuitBreakerTrip(b.name, next.String())
}

func (b *Breaker) bucketWidth() time.Duration {
	w := b.cfg.WindowDuration / windowBuckets
	if w <= 0 {
		w = time.Millisecond
	}
	return w
}

// current returns the bucket for now, recycling it if it holds an older
// period.
func (b *Breaker) current() *bucket {
	width := b.bucketWidth()
	start := b.now().Truncate(width)
	bk := &b.window[int(start.UnixNano()/int64(width))%windowBuckets]
	if !bk.start.Equal(start) {
		*bk = bucket{start: start}
	}
	return bk
}

// tripped reports whether the calls inside the window reach the threshold.
func (b *Breaker) tripped() bool {
	cutoff := b.now().Add(-b.cfg.WindowDuration)
	var ok, failed int
	for _, bk := range b.window {
		if bk.start.After(cutoff) {
			ok += bk.successes
			failed += bk.failures
		}
	}
	total := ok + failed
	if total == 0 || total < b.cfg.MinRequests {
		return false
	}
	return float64(failed)/float64(total)*100 >= b.cfg.ErrorPct
}

// Registry hands out one breaker per endpoint.
type Registry struct {
	mu       sync.RWMutex
	cfg      Config
	breakers map[string]*Breaker
}

func NewRegistry(cfg Config) *Registry {
	return &Registry{cfg: cfg, breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for endpoint, creating it on first use. It
// returns nil when the config disables circuit breaking.
func (r *Registry) Get(endpoint string) *Breaker {
	if !r.cfg.Enabled() {
		return nil
	}

	r.mu.RLock()
	b, ok := r.breakers[endpoint]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[endpoint]; ok {
		return b
	}
	b = New(endpoint, r.cfg)
	r.breakers[endpoint] = b
	return b
}

// Remove forgets the breaker of an endpoint that left the cluster.
func (r *Registry) Remove(endpoint string) {
	r.mu.Lock()
	delete(r.breakers, endpoint)
	r.mu.Unlock()
}

// Len returns the number of tracked endpoints.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.breakers)
}
