// Package connector owns one physical duplex link: its lifecycle, request
// correlation, heartbeat and the serialized dispatch of inbound packets.
//
// Invariants:
//   - Sends and heartbeats only happen in StateReady.
//   - REQUEST and NOTIFY packets from one link are dispatched strictly in
//     arrival order by a single worker; different links run concurrently.
//   - RESPONSE and OPERATION packets are handled on the read path so that a
//     handler awaiting a nested call on the same link cannot block its own reply.
//     The read path never blocks on the inbound queue: a REQUEST arriving while
//     the queue is full is refused with an error response.
//   - Every inbound REQUEST gets exactly one RESPONSE, including requests
//     still queued when Off starts.
//   - ERROR is entered at most once; entering it fails all pending calls and
//     closes the link.
package connector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/morezero/peer-rpc/pkg/codec"
	"github.com/morezero/peer-rpc/pkg/lifecycle"
	"github.com/morezero/peer-rpc/pkg/packet"
	"github.com/morezero/peer-rpc/pkg/rpcerr"
	"github.com/morezero/peer-rpc/pkg/waiter"
)

const logPrefix = "connector:connector"

var errStopping = errors.New("connector is stopping")

// State is the connector lifecycle state.
type State int

const (
	StateInit     State = 0
	StatePending  State = 1
	StateReady    State = 2
	StateStopping State = 3
	StateStopped  State = 4
	StateError    State = 100
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StatePending:
		return "PENDING"
	case StateReady:
		return "READY"
	case StateStopping:
		return "STOPPING"
	case StateStopped:
		return "STOPPED"
	case StateError:
		return "ERROR"
	default:
		return fmt.Sprintf("STATE(%d)", int(s))
	}
}

// Receiver consumes what a Tunnel reads. OnData may receive arbitrary chunks
// of the byte stream; it is called from a single goroutine per tunnel.
type Receiver interface {
	OnData(data []byte)
	OnClose(err error)
}

// Tunnel is a transport-specific physical link.
type Tunnel interface {
	// Connect establishes the link (or adopts an accepted one) and starts
	// delivering inbound bytes to recv.
	Connect(ctx context.Context, recv Receiver) error
	// Disconnect closes the link. It is safe to call more than once.
	Disconnect() error
	// Send writes one complete frame.
	Send(ctx context.Context, frame []byte) error
	// IsAvailable reports whether Send can currently succeed.
	IsAvailable() bool
	// Address identifies the remote side for logs and errors.
	Address() string
}

// Dispatch handles an inbound REQUEST or NOTIFY. For requests it returns the
// response packet; for notifications the returned packet is ignored.
type Dispatch func(ctx context.Context, p *packet.Packet, c *Connector) (*packet.Packet, error)

// Connector is one physical link plus its protocol state machine.
type Connector struct {
	opts   options
	tunnel Tunnel
	log    *slog.Logger

	lc    *lifecycle.Lifecycle[State]
	state lifecycle.Latest[State]

	calls  *waiter.Waiter[*packet.Packet]
	pongs  *waiter.Waiter[struct{}]
	frames *codec.FrameReader

	dispatchMu sync.RWMutex
	dispatch   Dispatch

	session atomic.Value // string

	queue     chan *packet.Packet
	inMu      sync.RWMutex
	drainCh   chan struct{}
	drainOnce sync.Once
	drained   chan struct{}
	stopCh    chan struct{}
	stopOnce  sync.Once
	runMu     sync.Mutex
	runCancel context.CancelFunc
	wg        sync.WaitGroup

	offOnce sync.Once
	offDone chan struct{}
	offErr  error
}

// New creates a connector over tunnel in StateInit.
func New(tunnel Tunnel, opts ...Option) *Connector {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	c := &Connector{
		opts:    o,
		tunnel:  tunnel,
		log:     o.logger,
		lc:      lifecycle.New(StateInit, false),
		calls:   waiter.New[*packet.Packet](),
		pongs:   waiter.New[struct{}](),
		frames:  codec.NewFrameReader(o.codec),
		queue:   make(chan *packet.Packet, o.queueSize),
		drainCh: make(chan struct{}),
		drained: make(chan struct{}),
		stopCh:  make(chan struct{}),
		offDone: make(chan struct{}),
	}
	c.session.Store(o.session)
	c.lc.OnChange(func(prev, next State, args ...any) {
		c.state.Observe(next)
		c.log.Debug(fmt.Sprintf("%s - %s state %s -> %s", logPrefix, c.tunnel.Address(), prev, next))
	})
	c.lc.AddHook(StateReady, c.onReady)
	c.lc.AddHook(StateError, c.onError)
	return c
}

// State returns the current state. After Off it stays at its final value.
func (c *Connector) State() State {
	return c.state.Load()
}

// IsReady reports whether the connector can send.
func (c *Connector) IsReady() bool {
	return c.State() == StateReady && c.tunnel.IsAvailable()
}

// Address returns the remote address of the tunnel.
func (c *Connector) Address() string {
	return c.tunnel.Address()
}

// Session returns the session id assigned by the accepting side, if any.
func (c *Connector) Session() string {
	s, _ := c.session.Load().(string)
	return s
}

// SetSession sets the session id.
func (c *Connector) SetSession(id string) {
	c.session.Store(id)
}

// NodeID returns the origin node id stamped on outbound packets.
func (c *Connector) NodeID() string {
	return c.opts.nodeID
}

// SetDispatch installs the inbound dispatch callback.
func (c *Connector) SetDispatch(d Dispatch) {
	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()
	c.dispatch = d
}

func (c *Connector) getDispatch() Dispatch {
	c.dispatchMu.RLock()
	defer c.dispatchMu.RUnlock()
	return c.dispatch
}

// OnStateChange subscribes to state transitions. Subscribers run
// synchronously with the transition, in registration order.
func (c *Connector) OnStateChange(fn func(prev, next State)) {
	c.lc.OnChange(func(prev, next State, _ ...any) {
		fn(prev, next)
	})
}

// Start connects the tunnel and moves the connector to StateReady.
func (c *Connector) Start(ctx context.Context) error {
	if c.State() != StateInit {
		return rpcerr.IllegalState(fmt.Sprintf("connector to %s cannot start from %s", c.Address(), c.State()))
	}
	if err := c.lc.SetState(StatePending); err != nil {
		return err
	}
	if err := c.tunnel.Connect(ctx, c); err != nil {
		cause := rpcerr.TunnelUnavailable(c.Address()).WithCause(err)
		_ = c.lc.SetState(StateError, cause)
		return cause
	}
	return c.lc.SetState(StateReady)
}

func (c *Connector) onReady(_ ...any) error {
	runCtx, cancel := context.WithCancel(context.Background())
	c.runMu.Lock()
	c.runCancel = cancel
	c.runMu.Unlock()

	c.wg.Add(1)
	go c.serve(runCtx)
	if c.opts.ping {
		c.wg.Add(1)
		go c.heartbeat(runCtx)
	}
	return nil
}

func (c *Connector) onError(args ...any) error {
	var cause error
	if len(args) > 0 {
		cause, _ = args[0].(error)
	}
	if cause != nil && !rpcerr.IsAborted(cause) {
		c.log.Error(fmt.Sprintf("%s - connector to %s failed: %v", logPrefix, c.Address(), cause))
	}
	c.stopLoops()
	unavailable := rpcerr.TunnelUnavailable(c.Address()).WithCause(cause)
	c.calls.RejectAll(unavailable)
	c.pongs.RejectAll(unavailable)
	if err := c.tunnel.Disconnect(); err != nil {
		c.log.Debug(fmt.Sprintf("%s - disconnect %s after error: %v", logPrefix, c.Address(), err))
	}
	return nil
}

// fail forces the connector into StateError. It is a no-op once the
// connector has stopped or already failed.
func (c *Connector) fail(err error) {
	switch c.State() {
	case StateStopped, StateError:
		return
	}
	_ = c.lc.SetState(StateError, err)
}

// Fail forces the connector into StateError with the given cause.
func (c *Connector) Fail(err error) {
	c.fail(err)
}

// beginDrain stops queueing inbound packets. Anything arriving afterwards
// is refused; the serve worker finishes what is already queued.
func (c *Connector) beginDrain() {
	c.drainOnce.Do(func() {
		c.inMu.Lock()
		close(c.drainCh)
		c.inMu.Unlock()
	})
}

func (c *Connector) stopLoops() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		c.runMu.Lock()
		if c.runCancel != nil {
			c.runCancel()
		}
		c.runMu.Unlock()
	})
}

func (c *Connector) waitLoops(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Off shuts the connector down: it stops accepting sends, waits (bounded)
// for in-flight calls, tells the peer, closes the link and finalizes the
// lifecycle. Calling Off again returns the first call's result.
func (c *Connector) Off(ctx context.Context) error {
	c.offOnce.Do(func() {
		c.offErr = c.off(ctx)
		close(c.offDone)
	})
	select {
	case <-c.offDone:
		return c.offErr
	case <-ctx.Done():
		return rpcerr.From(ctx.Err())
	}
}

func (c *Connector) off(ctx context.Context) error {
	prev := c.State()
	if prev == StatePending || prev == StateReady {
		if err := c.lc.SetState(StateStopping); err != nil {
			return err
		}
		grace := c.opts.drainTimeout
		if dl, ok := ctx.Deadline(); ok && time.Until(dl) < grace {
			grace = time.Until(dl)
		}
		deadline := time.Now().Add(grace)

		c.beginDrain()
		if prev == StateReady {
			select {
			case <-c.drained:
			case <-c.stopCh:
			case <-time.After(time.Until(deadline)):
				c.log.Warn(fmt.Sprintf("%s - inbound requests from %s still running at shutdown", logPrefix, c.Address()))
			}
		}
		if !c.calls.WaitForAll(time.Until(deadline)) {
			c.log.Warn(fmt.Sprintf("%s - %d calls to %s still pending at shutdown", logPrefix, c.calls.Len(), c.Address()))
		}
		if c.tunnel.IsAvailable() {
			if p, err := packet.NewOperation(packet.CommandOff, nil); err == nil {
				_ = c.sendPacket(ctx, p)
			}
		}
	}

	c.stopLoops()
	if !c.waitLoops(c.opts.drainTimeout) {
		c.log.Warn(fmt.Sprintf("%s - workers for %s did not exit in time", logPrefix, c.Address()))
	}
	if err := c.tunnel.Disconnect(); err != nil {
		c.log.Debug(fmt.Sprintf("%s - disconnect %s: %v", logPrefix, c.Address(), err))
	}
	unavailable := rpcerr.TunnelUnavailable(c.Address())
	c.calls.RejectAll(unavailable)
	c.pongs.RejectAll(unavailable)

	var err error
	if c.State() != StateError {
		err = c.lc.SetState(StateStopped)
	}
	c.lc.Destroy()
	return err
}
