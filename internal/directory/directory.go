// Package directory resolves a service name into the provider invokers a
// cluster strategy may call.
package directory

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/multierr"

	"github.com/oriys/quasar/internal/rpc"
)

// Directory lists the invokers currently serving one service.
type Directory interface {
	Service() string
	// List returns the invokers for inv in a stable order. An empty list is
	// not an error; strategies decide how to report it.
	List(ctx context.Context, inv *rpc.Invocation) ([]rpc.Invoker, error)
	IsAvailable() bool
	Close() error
}

// StaticDirectory serves a fixed invoker list.
type StaticDirectory struct {
	service  string
	invokers []rpc.Invoker

	mu     sync.Mutex
	closed bool
}

// NewStaticDirectory returns a directory over invokers, in the given order.
func NewStaticDirectory(service string, invokers ...rpc.Invoker) *StaticDirectory {
	cp := make([]rpc.Invoker, len(invokers))
	copy(cp, invokers)
	return &StaticDirectory{service: service, invokers: cp}
}

// NewURLDirectory refers a fixed provider list through protocol. Unlike the
// registry directory it fails on the first provider that cannot be referred,
// since a static list is configuration.
func NewURLDirectory(service string, protocol rpc.Protocol, urls []*rpc.URL, wrap Wrapper) (*StaticDirectory, error) {
	invokers := make([]rpc.Invoker, 0, len(urls))
	for _, u := range urls {
		iv, err := Refer(protocol, u, wrap)
		if err != nil {
			closeAll(invokers)
			return nil, fmt.Errorf("refer %s: %w", u, err)
		}
		invokers = append(invokers, iv)
	}
	return NewStaticDirectory(service, invokers...), nil
}

func (d *StaticDirectory) Service() string { return d.service }

// List returns the available invokers. When none reports available, all are
// returned so the strategy still attempts the call and surfaces the
// provider's own error.
func (d *StaticDirectory) List(ctx context.Context, inv *rpc.Invocation) ([]rpc.Invoker, error) {
	return filterAvailable(d.invokers), nil
}

func (d *StaticDirectory) IsAvailable() bool {
	for _, iv := range d.invokers {
		if iv.IsAvailable() {
			return true
		}
	}
	return false
}

func (d *StaticDirectory) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	return closeAll(d.invokers)
}

func filterAvailable(invokers []rpc.Invoker) []rpc.Invoker {
	out := make([]rpc.Invoker, 0, len(invokers))
	for _, iv := range invokers {
		if iv.IsAvailable() {
			out = append(out, iv)
		}
	}
	if len(out) == 0 && len(invokers) > 0 {
		out = append(out, invokers...)
	}
	return out
}

func closeAll(invokers []rpc.Invoker) error {
	var err error
	for _, iv := range invokers {
		err = multierr.Append(err, iv.Close())
	}
	return err
}
