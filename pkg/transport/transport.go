// Package transport maps protocol keys to the dial and listen sides of a
// transport. Registries are explicit values; Default builds one with every
// bundled transport.
package transport

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/morezero/peer-rpc/pkg/connector"
	"github.com/morezero/peer-rpc/pkg/listener"
	"github.com/morezero/peer-rpc/pkg/transport/tcp"
	"github.com/morezero/peer-rpc/pkg/transport/ws"
)

const logPrefix = "transport:transport"

// ErrUnknownProtocol is returned for protocol keys nobody registered.
var ErrUnknownProtocol = errors.New("transport: unknown protocol")

// DialFunc creates an unconnected tunnel to address.
type DialFunc func(address string) connector.Tunnel

// ListenFunc creates an unbound binder for address.
type ListenFunc func(address string) listener.Binder

// Factory is one transport.
type Factory struct {
	Dial   DialFunc
	Listen ListenFunc
}

// Registry is a set of transports keyed by protocol.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Default returns a Registry with the tcp and ws transports.
func Default(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := NewRegistry()
	r.Register(tcp.Protocol, Factory{
		Dial:   func(address string) connector.Tunnel { return tcp.Dial(address, tcp.WithLogger(logger)) },
		Listen: func(address string) listener.Binder { return tcp.Listen(address, tcp.WithLogger(logger)) },
	})
	r.Register(ws.Protocol, Factory{
		Dial:   func(address string) connector.Tunnel { return ws.Dial(address, ws.WithLogger(logger)) },
		Listen: func(address string) listener.Binder { return ws.Listen(address, ws.WithLogger(logger)) },
	})
	return r
}

// Register adds or replaces the transport for protocol.
func (r *Registry) Register(protocol string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[protocol] = f
}

// Lookup returns the transport for protocol.
func (r *Registry) Lookup(protocol string) (Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[protocol]
	if !ok {
		return Factory{}, fmt.Errorf("%s - %q: %w", logPrefix, protocol, ErrUnknownProtocol)
	}
	return f, nil
}

// Dial creates an unconnected tunnel for protocol and address.
func (r *Registry) Dial(protocol, address string) (connector.Tunnel, error) {
	f, err := r.Lookup(protocol)
	if err != nil {
		return nil, err
	}
	if f.Dial == nil {
		return nil, fmt.Errorf("%s - %q cannot dial: %w", logPrefix, protocol, ErrUnknownProtocol)
	}
	return f.Dial(address), nil
}

// Listen creates an unbound binder for protocol and address.
func (r *Registry) Listen(protocol, address string) (listener.Binder, error) {
	f, err := r.Lookup(protocol)
	if err != nil {
		return nil, err
	}
	if f.Listen == nil {
		return nil, fmt.Errorf("%s - %q cannot listen: %w", logPrefix, protocol, ErrUnknownProtocol)
	}
	return f.Listen(address), nil
}

// Protocols returns the registered protocol keys in order.
func (r *Registry) Protocols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for p := range r.factories {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
