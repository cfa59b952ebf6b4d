// Package registry stores which provider endpoints serve which service.
// Providers register their URL and keep it alive with heartbeats; consumers
// look services up and subscribe to membership changes.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/oriys/quasar/internal/rpc"
)

// DefaultHeartbeatTTL is how long a provider stays listed without a heartbeat.
const DefaultHeartbeatTTL = 60 * time.Second

// Listener receives the full provider list of a service after it changes.
type Listener func(service string, providers []*rpc.URL)

// Registry is implemented by the memory, Redis and Postgres registries.
type Registry interface {
	// Register adds or refreshes a provider. Registering an already listed
	// URL counts as a heartbeat.
	Register(ctx context.Context, u *rpc.URL) error
	Unregister(ctx context.Context, u *rpc.URL) error
	// Lookup returns the live providers of service, ordered by URL.
	Lookup(ctx context.Context, service string) ([]*rpc.URL, error)
	// Subscribe calls l whenever the provider list of service changes.
	// The returned function removes the subscription.
	Subscribe(service string, l Listener) (cancel func())
	Close() error
}

type subscription struct {
	service string
	fn      Listener
}

// listeners is the subscription table shared by every registry kind.
type listeners struct {
	mu   sync.Mutex
	subs map[*subscription]struct{}
}

func newListeners() *listeners {
	return &listeners{subs: make(map[*subscription]struct{})}
}

func (l *listeners) add(service string, fn Listener) func() {
	s := &subscription{service: service, fn: fn}
	l.mu.Lock()
	l.subs[s] = struct{}{}
	l.mu.Unlock()
	return func() {
		l.mu.Lock()
		delete(l.subs, s)
		l.mu.Unlock()
	}
}

// notify calls every listener of service outside the lock.
func (l *listeners) notify(service string, providers []*rpc.URL) {
	l.mu.Lock()
	var fns []Listener
	for s := range l.subs {
		if s.service == service {
			fns = append(fns, s.fn)
		}
	}
	l.mu.Unlock()

	for _, fn := range fns {
		fn(service, providers)
	}
}

func sortURLs(urls []*rpc.URL) {
	sort.Slice(urls, func(i, j int) bool { return urls[i].String() < urls[j].String() })
}
