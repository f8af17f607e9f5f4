package provider

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/morezero/peer-rpc/pkg/cancelctx"
	"github.com/morezero/peer-rpc/pkg/connector"
	"github.com/morezero/peer-rpc/pkg/discovery"
	"github.com/morezero/peer-rpc/pkg/lifecycle"
	"github.com/morezero/peer-rpc/pkg/packet"
	"github.com/morezero/peer-rpc/pkg/retry"
	"github.com/morezero/peer-rpc/pkg/rpcerr"
)

const senderLogPrefix = "provider:sender"

// DialFunc creates an unconnected tunnel for an endpoint.
type DialFunc func(e discovery.Endpoint) (connector.Tunnel, error)

// Sender owns the outbound link to one endpoint. It connects through a
// retry loop and, once READY, re-runs that loop whenever its connector
// fails or the peer shuts the link down. A Sender is used once: after Stop it stays STOPPED.
type Sender struct {
	dial      DialFunc
	connOpts  []connector.Option
	retryOpts retry.Options
	dispatch  connector.Dispatch
	log       *slog.Logger

	lc    *lifecycle.Lifecycle[connector.State]
	state lifecycle.Latest[connector.State]

	mu       sync.Mutex
	endpoint discovery.Endpoint
	conn     *connector.Connector

	root         *cancelctx.Context
	reconnecting atomic.Bool
	wg           sync.WaitGroup
}

func newSender(e discovery.Endpoint, dial DialFunc, o *options) *Sender {
	s := &Sender{
		dial:      dial,
		connOpts:  o.connOpts,
		retryOpts: o.retry,
		dispatch:  o.dispatch,
		log:       o.logger,
		lc:        lifecycle.New(connector.StateInit, false),
		endpoint:  e.Clone(),
		root:      cancelctx.New(nil),
	}
	s.lc.OnChange(func(prev, next connector.State, _ ...any) {
		s.state.Observe(next)
		s.log.Debug(fmt.Sprintf("%s - sender %s/%s %s -> %s", senderLogPrefix, e.Service, e.ID, prev, next))
	})
	return s
}

// ID returns the endpoint id.
func (s *Sender) ID() string {
	return s.Endpoint().ID
}

// Endpoint returns the endpoint metadata the sender was last given.
func (s *Sender) Endpoint() discovery.Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endpoint.Clone()
}

func (s *Sender) setEndpoint(e discovery.Endpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endpoint = e.Clone()
}

// State returns the sender state.
func (s *Sender) State() connector.State {
	return s.state.Load()
}

// Connector returns the current connector, or nil.
func (s *Sender) Connector() *connector.Connector {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// IsReady reports whether the sender can carry a call right now.
func (s *Sender) IsReady() bool {
	if s.State() != connector.StateReady {
		return false
	}
	c := s.Connector()
	return c != nil && c.IsReady()
}

// Start connects to the endpoint, retrying per the retry policy, and moves
// the sender to READY. It blocks until connected, the retry budget is
// exhausted (ERROR), or Stop aborts it.
func (s *Sender) Start(ctx context.Context) error {
	if s.State() != connector.StateInit {
		return rpcerr.IllegalState(fmt.Sprintf("sender %s cannot start from %s", s.ID(), s.State()))
	}
	if err := s.lc.SetState(connector.StatePending); err != nil {
		return err
	}

	conn, err := s.connect(ctx)
	if err != nil {
		if s.root.Aborted() || rpcerr.IsAborted(err) {
			return rpcerr.Aborted(err)
		}
		s.mu.Lock()
		if s.State() == connector.StatePending {
			_ = s.lc.SetState(connector.StateError, err)
		}
		s.mu.Unlock()
		s.log.Error(fmt.Sprintf("%s - sender %s gave up: %v", senderLogPrefix, s.ID(), err))
		return err
	}

	s.mu.Lock()
	if s.State() != connector.StatePending {
		s.mu.Unlock()
		_ = conn.Off(context.Background())
		return rpcerr.Aborted(fmt.Errorf("sender %s stopped while connecting", s.ID()))
	}
	s.conn = conn
	s.mu.Unlock()
	s.watch(conn)

	return s.lc.SetState(connector.StateReady)
}

// connect runs the retry loop. ctx only bounds this call; Stop aborts every
// loop through the sender's root context.
func (s *Sender) connect(ctx context.Context) (*connector.Connector, error) {
	job := cancelctx.New(s.root)
	defer job.Complete()
	stop := context.AfterFunc(ctx, func() { job.Abort(ctx.Err()) })
	defer stop()

	r := retry.New(func(rctx context.Context) (*connector.Connector, error) {
		e := s.Endpoint()
		tunnel, err := s.dial(e)
		if err != nil {
			return nil, err
		}
		c := connector.New(tunnel, s.connOpts...)
		if s.dispatch != nil {
			c.SetDispatch(s.dispatch)
		}
		if err := c.Start(rctx); err != nil {
			_ = c.Off(context.Background())
			return nil, err
		}
		if err := rctx.Err(); err != nil {
			_ = c.Off(context.Background())
			return nil, err
		}
		return c, nil
	}, s.retryOpts)
	r.OnError(func(err error, next time.Duration) {
		s.log.Warn(fmt.Sprintf("%s - connect %s failed, retry in %s: %v", senderLogPrefix, s.ID(), next, err))
	})
	r.OnMaxRetry(func(err error) {
		s.log.Error(fmt.Sprintf("%s - connect %s: retry budget exhausted: %v", senderLogPrefix, s.ID(), err))
	})
	return r.DoJob(job)
}

func (s *Sender) watch(c *connector.Connector) {
	c.OnStateChange(func(_, next connector.State) {
		// STOPPING here without Sender.Stop means the peer sent OFF.
		if next != connector.StateError && next != connector.StateStopping {
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.State() != connector.StateReady || !s.reconnecting.CompareAndSwap(false, true) {
			return
		}
		s.wg.Add(1)
		go s.reconnect(c)
	})
}

func (s *Sender) reconnect(failed *connector.Connector) {
	defer s.wg.Done()
	defer s.reconnecting.Store(false)
	_ = failed.Off(context.Background())

	s.log.Info(fmt.Sprintf("%s - link to %s lost, reconnecting", senderLogPrefix, s.ID()))
	conn, err := s.connect(context.Background())
	if err != nil {
		if s.root.Aborted() {
			return
		}
		s.mu.Lock()
		if s.State() == connector.StateReady {
			_ = s.lc.SetState(connector.StateError, err)
		}
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	if s.State() != connector.StateReady {
		s.mu.Unlock()
		_ = conn.Off(context.Background())
		return
	}
	s.conn = conn
	s.mu.Unlock()
	s.watch(conn)
	s.log.Info(fmt.Sprintf("%s - link to %s re-established", senderLogPrefix, s.ID()))
}

// Stop aborts any connect loop, shuts the connector down and moves the
// sender to STOPPED. Stopping twice is a no-op.
func (s *Sender) Stop(ctx context.Context) error {
	s.mu.Lock()
	switch s.State() {
	case connector.StateStopping, connector.StateStopped:
		s.mu.Unlock()
		return nil
	}
	wasError := s.State() == connector.StateError
	if !wasError {
		_ = s.lc.SetState(connector.StateStopping)
	}
	conn := s.conn
	s.mu.Unlock()

	s.root.Abort(rpcerr.Aborted(fmt.Errorf("sender %s stopped", s.ID())))
	var err error
	if conn != nil {
		err = conn.Off(ctx)
	}
	s.wg.Wait()
	if !wasError {
		_ = s.lc.SetState(connector.StateStopped)
	}
	return err
}

// Request sends a REQUEST packet and waits for its RESPONSE.
func (s *Sender) Request(ctx context.Context, p *packet.Packet, timeout time.Duration) (*packet.Packet, error) {
	c := s.Connector()
	if c == nil || !s.IsReady() {
		return nil, rpcerr.TunnelUnavailable(s.Endpoint().Address)
	}
	return c.SendRequest(ctx, p, timeout)
}

// Notify sends a NOTIFY packet.
func (s *Sender) Notify(ctx context.Context, p *packet.Packet) error {
	c := s.Connector()
	if c == nil || !s.IsReady() {
		return rpcerr.TunnelUnavailable(s.Endpoint().Address)
	}
	return c.SendNotify(ctx, p)
}
