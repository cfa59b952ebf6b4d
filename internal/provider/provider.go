// Package provider exports local services so remote consumers can invoke
// them over the gRPC and HTTP transports.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oriys/quasar/internal/logging"
	"github.com/oriys/quasar/internal/registry"
	"github.com/oriys/quasar/internal/rpc"
)

// Method handles one invocation. A returned json.RawMessage is sent as is;
// any other value is JSON encoded. Errors that are not RPC errors are
// reported to the consumer as business failures.
type Method func(ctx context.Context, args []json.RawMessage) (any, error)

// Service is a named set of methods owned by an application.
type Service struct {
	Name        string
	Application string
	Methods     map[string]Method
}

// Registry holds the services exported by this process.
type Registry struct {
	mu       sync.RWMutex
	services map[string]*Service
}

// NewRegistry creates an empty service registry.
func NewRegistry() *Registry {
	return &Registry{services: make(map[string]*Service)}
}

// Export adds svc, replacing any service with the same name.
func (r *Registry) Export(svc *Service) error {
	if svc == nil || svc.Name == "" {
		return fmt.Errorf("export service: name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.services[svc.Name] = svc
	return nil
}

// Lookup returns the named service.
func (r *Registry) Lookup(name string) (*Service, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	svc, ok := r.services[name]
	return svc, ok
}

// Services returns the exported services ordered by name.
func (r *Registry) Services() []*Service {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Service, 0, len(r.services))
	for _, svc := range r.services {
		out = append(out, svc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Invoke dispatches inv to the named service.
func (r *Registry) Invoke(ctx context.Context, service string, inv *rpc.Invocation) (res *rpc.Result, err error) {
	svc, ok := r.Lookup(service)
	if !ok {
		return nil, rpc.NewError(rpc.CodeUnknown, "service %s is not exported", service)
	}
	m, ok := svc.Methods[inv.Method]
	if !ok {
		return nil, rpc.NewError(rpc.CodeUnknown, "service %s has no method %s", service, inv.Method)
	}

	defer func() {
		if p := recover(); p != nil {
			logging.Op().Error("provider method panicked",
				"service", service,
				"method", inv.Method,
				"panic", p)
			res, err = nil, rpc.NewError(rpc.CodeUnknown, "method %s of service %s panicked: %v", inv.Method, service, p)
		}
	}()

	v, callErr := m(ctx, inv.Arguments)
	if callErr != nil {
		re := rpc.WrapError(callErr)
		if re.Code == rpc.CodeUnknown && re.Cause == callErr {
			re = &rpc.RPCError{Code: rpc.CodeBiz, Message: callErr.Error(), Cause: callErr}
		}
		return nil, re
	}

	var value json.RawMessage
	if raw, ok := v.(json.RawMessage); ok {
		value = raw
	} else {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal result of %s: %w", inv.Method, err)
		}
		value = b
	}
	return &rpc.Result{
		Value:       value,
		Attachments: map[string]string{rpc.AttachProvider: svc.Application},
	}, nil
}

// URLs returns the provider URL of every exported service at protocol://host:port.
func (r *Registry) URLs(protocol, host string, port int) []*rpc.URL {
	services := r.Services()
	urls := make([]*rpc.URL, 0, len(services))
	for _, svc := range services {
		params := map[string]string{}
		if svc.Application != "" {
			params[rpc.ParamApplication] = svc.Application
		}
		urls = append(urls, &rpc.URL{
			Protocol: protocol,
			Host:     host,
			Port:     port,
			Service:  svc.Name,
			Params:   params,
		})
	}
	return urls
}

// KeepRegistered registers urls with reg and re-registers them every
// interval until ctx is done, then unregisters them.
func KeepRegistered(ctx context.Context, reg registry.Registry, urls []*rpc.URL, interval time.Duration) error {
	for _, u := range urls {
		if err := reg.Register(ctx, u); err != nil {
			return err
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			unregisterCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			for _, u := range urls {
				if err := reg.Unregister(unregisterCtx, u); err != nil {
					logging.Op().Warn("failed to unregister provider", "url", u.String(), "error", err)
				}
			}
			cancel()
			return nil
		case <-ticker.C:
			for _, u := range urls {
				if err := reg.Register(ctx, u); err != nil && ctx.Err() == nil {
					logging.Op().Warn("provider heartbeat failed", "url", u.String(), "error", err)
				}
			}
		}
	}
}

// EchoService is the demo service exported by "quasar serve": echo returns
// its first argument, whoami the application name, and fail always fails
// with the message given as its first argument.
func EchoService(name, application string) *Service {
	return &Service{
		Name:        name,
		Application: application,
		Methods: map[string]Method{
			"echo": func(ctx context.Context, args []json.RawMessage) (any, error) {
				if len(args) == 0 {
					return json.RawMessage("null"), nil
				}
				return args[0], nil
			},
			"whoami": func(ctx context.Context, args []json.RawMessage) (any, error) {
				return application, nil
			},
			"fail": func(ctx context.Context, args []json.RawMessage) (any, error) {
				msg := "requested failure"
				if len(args) > 0 {
					var s string
					if err := json.Unmarshal(args[0], &s); err == nil && s != "" {
						msg = s
					}
				}
				return nil, errors.New(msg)
			},
		},
	}
}
