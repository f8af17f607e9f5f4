// Package listener accepts inbound links, wraps each one in a Connector and
// tracks the live ones by session id.
package listener

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/morezero/peer-rpc/pkg/connector"
	"github.com/morezero/peer-rpc/pkg/lifecycle"
	"github.com/morezero/peer-rpc/pkg/rpcerr"
)

const logPrefix = "listener:listener"

// Binder is the transport-specific accept side.
type Binder interface {
	// Bind starts accepting and returns once the address is bound. Every
	// accepted link is handed to accept as an unconnected tunnel.
	Bind(ctx context.Context, accept func(connector.Tunnel)) error
	// Unbind stops accepting new links.
	Unbind() error
	// Address returns the bound address.
	Address() string
}

type options struct {
	logger   *slog.Logger
	connOpts []connector.Option
}

// Option configures a Listener.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithConnectorOptions sets the options of every accepted Connector.
func WithConnectorOptions(opts ...connector.Option) Option {
	return func(o *options) {
		o.connOpts = append(o.connOpts, opts...)
	}
}

// Listener owns a Binder and the Connectors it produced.
type Listener struct {
	binder Binder
	opts   options
	log    *slog.Logger
	lc     *lifecycle.Lifecycle[connector.State]

	mu       sync.RWMutex
	state    connector.State
	dispatch connector.Dispatch
	conns    map[string]*connector.Connector
	onConn   []func(c *connector.Connector)
	onLost   []func(c *connector.Connector)
}

// New creates a Listener over binder. dispatch is installed into every
// accepted Connector.
func New(binder Binder, dispatch connector.Dispatch, opts ...Option) *Listener {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	l := &Listener{
		binder:   binder,
		opts:     o,
		log:      o.logger,
		lc:       lifecycle.New(connector.StateInit, false),
		dispatch: dispatch,
		conns:    make(map[string]*connector.Connector),
	}
	l.lc.OnChange(func(prev, next connector.State, _ ...any) {
		l.mu.Lock()
		if next > l.state {
			l.state = next
		}
		l.mu.Unlock()
	})
	return l
}

// State returns the listener state.
func (l *Listener) State() connector.State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// Address returns the bound address.
func (l *Listener) Address() string {
	return l.binder.Address()
}

// SetDispatch replaces the dispatch used for links accepted from now on.
func (l *Listener) SetDispatch(d connector.Dispatch) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dispatch = d
}

// OnConnection registers a callback for every new READY connector.
func (l *Listener) OnConnection(fn func(c *connector.Connector)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onConn = append(l.onConn, fn)
}

// OnLostConnection registers a callback for every connector that stopped or
// failed.
func (l *Listener) OnLostConnection(fn func(c *connector.Connector)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onLost = append(l.onLost, fn)
}

// StartListen binds the transport. A bind failure moves the listener to
// StateError and is returned.
func (l *Listener) StartListen(ctx context.Context) error {
	if l.State() != connector.StateInit {
		return rpcerr.IllegalState(fmt.Sprintf("listener cannot start from %s", l.State()))
	}
	if err := l.lc.SetState(connector.StatePending); err != nil {
		return err
	}
	if err := l.binder.Bind(ctx, l.accept); err != nil {
		_ = l.lc.SetState(connector.StateError, err)
		return fmt.Errorf("%s - bind: %w", logPrefix, err)
	}
	if err := l.lc.SetState(connector.StateReady); err != nil {
		return err
	}
	l.log.Info(fmt.Sprintf("%s - listening on %s", logPrefix, l.Address()))
	return nil
}

func (l *Listener) accept(t connector.Tunnel) {
	l.mu.RLock()
	state, dispatch := l.state, l.dispatch
	l.mu.RUnlock()
	if state != connector.StateReady && state != connector.StatePending {
		_ = t.Disconnect()
		return
	}

	session := uuid.NewString()
	opts := append(append([]connector.Option{}, l.opts.connOpts...),
		connector.WithSession(session), connector.WithLogger(l.log))
	c := connector.New(t, opts...)
	c.SetDispatch(dispatch)
	c.OnStateChange(func(prev, next connector.State) {
		if next == connector.StateStopped || next == connector.StateError {
			l.remove(session, c)
		}
	})

	l.mu.Lock()
	l.conns[session] = c
	l.mu.Unlock()

	if err := c.Start(context.Background()); err != nil {
		l.log.Warn(fmt.Sprintf("%s - failed to start connector for %s: %v", logPrefix, t.Address(), err))
		l.remove(session, c)
		return
	}

	l.mu.RLock()
	_, live := l.conns[session]
	callbacks := append([]func(*connector.Connector){}, l.onConn...)
	l.mu.RUnlock()
	if !live {
		return
	}
	l.log.Debug(fmt.Sprintf("%s - accepted %s as session %s", logPrefix, t.Address(), session))
	for _, fn := range callbacks {
		fn(c)
	}
}

func (l *Listener) remove(session string, c *connector.Connector) {
	l.mu.Lock()
	cur, ok := l.conns[session]
	if !ok || cur != c {
		l.mu.Unlock()
		return
	}
	delete(l.conns, session)
	callbacks := append([]func(*connector.Connector){}, l.onLost...)
	l.mu.Unlock()

	l.log.Debug(fmt.Sprintf("%s - lost session %s (%s)", logPrefix, session, c.Address()))
	for _, fn := range callbacks {
		fn(c)
	}
}

// Get returns the live connector for session.
func (l *Listener) Get(session string) (*connector.Connector, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	c, ok := l.conns[session]
	return c, ok
}

// Connections returns a snapshot of the live connectors.
func (l *Listener) Connections() []*connector.Connector {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*connector.Connector, 0, len(l.conns))
	for _, c := range l.conns {
		out = append(out, c)
	}
	return out
}

// Len returns the number of live connectors.
func (l *Listener) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.conns)
}

// StopListen stops accepting, shuts every live connector down (each drains
// its in-flight calls) and finalizes the listener.
func (l *Listener) StopListen(ctx context.Context) error {
	switch l.State() {
	case connector.StateInit:
		return nil
	case connector.StateStopping, connector.StateStopped:
		return nil
	}
	failed := l.State() == connector.StateError
	if !failed {
		if err := l.lc.SetState(connector.StateStopping); err != nil {
			return err
		}
	}

	var errs []error
	if err := l.binder.Unbind(); err != nil {
		errs = append(errs, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range l.Connections() {
		c := c
		g.Go(func() error {
			return c.Off(gctx)
		})
	}
	if err := g.Wait(); err != nil {
		errs = append(errs, err)
	}

	if !failed {
		if err := l.lc.SetState(connector.StateStopped); err != nil {
			errs = append(errs, err)
		}
	}
	l.lc.Destroy()
	l.log.Info(fmt.Sprintf("%s - stopped listening on %s", logPrefix, l.Address()))
	if len(errs) > 0 {
		return fmt.Errorf("%s - stop: %w", logPrefix, errs[0])
	}
	return nil
}
