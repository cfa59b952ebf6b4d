package remote

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/oriys/quasar/internal/rpc"
)

// Protocol names accepted in provider URLs.
const (
	ProtocolGRPC  = "grpc"
	ProtocolHTTP  = "http"
	ProtocolHTTPS = "https"
)

// NewProtocol returns the protocol for name.
func NewProtocol(name string, timeout time.Duration) (rpc.Protocol, error) {
	switch name {
	case ProtocolGRPC:
		p, err := NewGRPCProtocol(WithTimeout(timeout))
		if err != nil {
			return nil, err
		}
		return p, nil
	case ProtocolHTTP, ProtocolHTTPS:
		return NewHTTPProtocol(timeout), nil
	default:
		return nil, fmt.Errorf("unknown protocol: %s", name)
	}
}

// Mux dispatches Refer to a protocol chosen by the provider URL's scheme.
// Protocols are created on first use.
type Mux struct {
	timeout time.Duration

	mu        sync.Mutex
	protocols map[string]rpc.Protocol
}

// NewMux creates an empty protocol mux.
func NewMux(timeout time.Duration) *Mux {
	return &Mux{timeout: timeout, protocols: make(map[string]rpc.Protocol)}
}

// Handle registers p for scheme, replacing the default.
func (m *Mux) Handle(scheme string, p rpc.Protocol) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.protocols[scheme] = p
}

func (m *Mux) Refer(u *rpc.URL) (rpc.Invoker, error) {
	m.mu.Lock()
	p, ok := m.protocols[u.Protocol]
	if !ok {
		created, err := NewProtocol(u.Protocol, m.timeout)
		if err != nil {
			m.mu.Unlock()
			return nil, err
		}
		m.protocols[u.Protocol] = created
		p = created
	}
	m.mu.Unlock()
	return p.Refer(u)
}

func (m *Mux) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var err error
	for _, p := range m.protocols {
		err = multierr.Append(err, p.Close())
	}
	return err
}
