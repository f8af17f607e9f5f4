// Package tcp carries frames over plain TCP connections. Frames are already
// length-prefixed by the codec, so the stream is written and read as is.
//
// Invariants:
//   - Only one goroutine writes to a connection at a time.
//   - Every write is bounded by the write timeout (or the caller's deadline
//     when earlier).
//   - Each connection has one read goroutine delivering 64 KiB chunks.
package tcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/morezero/peer-rpc/pkg/connector"
)

const logPrefix = "tcp:tcp"

const (
	// Protocol is the protocol key of this transport.
	Protocol = "tcp"

	DefaultDialTimeout  = 5 * time.Second
	DefaultWriteTimeout = 5 * time.Second
	readBufferSize      = 64 << 10
)

// ErrClosed is returned by Send after the tunnel was disconnected.
var ErrClosed = errors.New("tcp: tunnel closed")

type config struct {
	dialTimeout  time.Duration
	writeTimeout time.Duration
	logger       *slog.Logger
}

// Option configures tunnels and binders.
type Option func(*config)

// WithDialTimeout bounds connection establishment.
func WithDialTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.dialTimeout = d
		}
	}
}

// WithWriteTimeout bounds every write.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.writeTimeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

func newConfig(opts []Option) config {
	c := config{
		dialTimeout:  DefaultDialTimeout,
		writeTimeout: DefaultWriteTimeout,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// Tunnel is a connector.Tunnel over one TCP connection.
type Tunnel struct {
	cfg     config
	address string

	mu      sync.Mutex
	conn    net.Conn
	writeMu sync.Mutex

	closed    atomic.Bool
	closeOnce sync.Once
}

var _ connector.Tunnel = (*Tunnel)(nil)

// Dial returns a tunnel that connects to address on Connect.
func Dial(address string, opts ...Option) *Tunnel {
	return &Tunnel{cfg: newConfig(opts), address: address}
}

func adopt(conn net.Conn, cfg config) *Tunnel {
	return &Tunnel{cfg: cfg, address: conn.RemoteAddr().String(), conn: conn}
}

// Connect dials (unless the tunnel wraps an accepted connection) and starts
// the read loop.
func (t *Tunnel) Connect(ctx context.Context, recv connector.Receiver) error {
	if t.closed.Load() {
		return ErrClosed
	}
	conn := t.getConn()
	if conn == nil {
		d := net.Dialer{Timeout: t.cfg.dialTimeout}
		c, err := d.DialContext(ctx, "tcp", t.address)
		if err != nil {
			return fmt.Errorf("%s - dial %s: %w", logPrefix, t.address, err)
		}
		t.mu.Lock()
		t.conn = c
		t.mu.Unlock()
		if t.closed.Load() {
			_ = c.Close()
			return ErrClosed
		}
		conn = c
	}
	go t.readLoop(conn, recv)
	return nil
}

func (t *Tunnel) readLoop(conn net.Conn, recv connector.Receiver) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			recv.OnData(buf[:n])
		}
		if err != nil {
			t.markClosed()
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				err = nil
			}
			recv.OnClose(err)
			return
		}
	}
}

func (t *Tunnel) markClosed() {
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		if conn := t.getConn(); conn != nil {
			_ = conn.Close()
		}
	})
}

// Disconnect closes the connection.
func (t *Tunnel) Disconnect() error {
	t.markClosed()
	return nil
}

// Send writes frame with a bounded deadline.
func (t *Tunnel) Send(ctx context.Context, frame []byte) error {
	if t.closed.Load() {
		return ErrClosed
	}
	conn := t.getConn()
	if conn == nil {
		return ErrClosed
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	deadline := time.Now().Add(t.cfg.writeTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("%s - set write deadline: %w", logPrefix, err)
	}
	if _, err := conn.Write(frame); err != nil {
		return fmt.Errorf("%s - write to %s: %w", logPrefix, t.address, err)
	}
	return nil
}

// IsAvailable reports whether the connection is open.
func (t *Tunnel) IsAvailable() bool {
	if t.closed.Load() {
		return false
	}
	return t.getConn() != nil
}

func (t *Tunnel) getConn() net.Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn
}

// Address returns the remote address.
func (t *Tunnel) Address() string {
	return t.address
}

// Binder accepts TCP connections on an address.
type Binder struct {
	cfg     config
	address string

	mu     sync.Mutex
	ln     net.Listener
	wg     sync.WaitGroup
	closed atomic.Bool
}

// Listen returns a Binder for address. Nothing is bound until Bind.
func Listen(address string, opts ...Option) *Binder {
	return &Binder{cfg: newConfig(opts), address: address}
}

// Bind starts listening and hands every accepted connection to accept.
func (b *Binder) Bind(ctx context.Context, accept func(connector.Tunnel)) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", b.address)
	if err != nil {
		return fmt.Errorf("%s - listen on %s: %w", logPrefix, b.address, err)
	}
	b.mu.Lock()
	b.ln = ln
	b.mu.Unlock()

	b.cfg.logger.Info(fmt.Sprintf("%s - listening on %s", logPrefix, ln.Addr()))
	b.wg.Add(1)
	go b.acceptLoop(ln, accept)
	return nil
}

func (b *Binder) acceptLoop(ln net.Listener, accept func(connector.Tunnel)) {
	defer b.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if b.closed.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			b.cfg.logger.Warn(fmt.Sprintf("%s - accept on %s: %v", logPrefix, ln.Addr(), err))
			time.Sleep(50 * time.Millisecond)
			continue
		}
		accept(adopt(conn, b.cfg))
	}
}

// Unbind stops accepting. Already accepted connections are untouched.
func (b *Binder) Unbind() error {
	b.closed.Store(true)
	b.mu.Lock()
	ln := b.ln
	b.mu.Unlock()
	if ln == nil {
		return nil
	}
	err := ln.Close()
	b.wg.Wait()
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("%s - close listener: %w", logPrefix, err)
	}
	return nil
}

// Address returns the bound address, or the configured one before Bind.
func (b *Binder) Address() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ln != nil {
		return b.ln.Addr().String()
	}
	return b.address
}
