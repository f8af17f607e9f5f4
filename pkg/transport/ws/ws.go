// Package ws carries frames as binary WebSocket messages on the /rpc path.
// One message holds exactly one frame.
package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/morezero/peer-rpc/pkg/connector"
)

const logPrefix = "ws:ws"

const (
	// Protocol is the protocol key of this transport.
	Protocol = "ws"
	// Path is the HTTP path the binder upgrades.
	Path = "/rpc"

	DefaultHandshakeTimeout = 10 * time.Second
	DefaultWriteTimeout     = 10 * time.Second
	bufferSize              = 64 << 10
)

// ErrClosed is returned by Send after the tunnel was disconnected.
var ErrClosed = errors.New("ws: tunnel closed")

type config struct {
	handshakeTimeout time.Duration
	writeTimeout     time.Duration
	logger           *slog.Logger
}

// Option configures tunnels and binders.
type Option func(*config)

// WithHandshakeTimeout bounds the opening handshake.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.handshakeTimeout = d
		}
	}
}

// WithWriteTimeout bounds every message write.
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
		handshakeTimeout: DefaultHandshakeTimeout,
		writeTimeout:     DefaultWriteTimeout,
		logger:           slog.Default(),
	}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// URL turns a host:port address into the endpoint URL. Addresses that
// already carry a ws:// or wss:// scheme are returned unchanged.
func URL(address string) string {
	if strings.HasPrefix(address, "ws://") || strings.HasPrefix(address, "wss://") {
		return address
	}
	return "ws://" + address + Path
}

// Tunnel is a connector.Tunnel over one WebSocket connection.
type Tunnel struct {
	cfg     config
	address string

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	closed    atomic.Bool
	closeOnce sync.Once
}

var _ connector.Tunnel = (*Tunnel)(nil)

// Dial returns a tunnel that connects to address on Connect.
func Dial(address string, opts ...Option) *Tunnel {
	return &Tunnel{cfg: newConfig(opts), address: address}
}

func adopt(conn *websocket.Conn, cfg config) *Tunnel {
	return &Tunnel{cfg: cfg, address: conn.RemoteAddr().String(), conn: conn}
}

// Connect performs the handshake (unless the tunnel wraps an upgraded
// connection) and starts the read loop.
func (t *Tunnel) Connect(ctx context.Context, recv connector.Receiver) error {
	if t.closed.Load() {
		return ErrClosed
	}
	conn := t.getConn()
	if conn == nil {
		dialer := websocket.Dialer{
			HandshakeTimeout: t.cfg.handshakeTimeout,
			ReadBufferSize:   bufferSize,
			WriteBufferSize:  bufferSize,
		}
		c, resp, err := dialer.DialContext(ctx, URL(t.address), nil)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
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

func (t *Tunnel) readLoop(conn *websocket.Conn, recv connector.Receiver) {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			t.markClosed()
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
				errors.Is(err, net.ErrClosed) {
				err = nil
			}
			recv.OnClose(err)
			return
		}
		if mt != websocket.BinaryMessage {
			t.cfg.logger.Debug(fmt.Sprintf("%s - ignoring message type %d from %s", logPrefix, mt, t.address))
			continue
		}
		recv.OnData(data)
	}
}

func (t *Tunnel) markClosed() {
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		conn := t.getConn()
		if conn == nil {
			return
		}
		t.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		t.writeMu.Unlock()
		_ = conn.Close()
	})
}

// Disconnect sends a close message and closes the connection.
func (t *Tunnel) Disconnect() error {
	t.markClosed()
	return nil
}

// Send writes frame as one binary message.
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
	if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
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

func (t *Tunnel) getConn() *websocket.Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn
}

// Address returns the remote address.
func (t *Tunnel) Address() string {
	return t.address
}

// Binder serves the upgrade endpoint on an address.
type Binder struct {
	cfg      config
	address  string
	upgrader websocket.Upgrader

	mu  sync.Mutex
	ln  net.Listener
	srv *http.Server
}

// Listen returns a Binder for address. Nothing is bound until Bind.
func Listen(address string, opts ...Option) *Binder {
	return &Binder{
		cfg:     newConfig(opts),
		address: address,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  bufferSize,
			WriteBufferSize: bufferSize,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Bind starts the HTTP server and hands every upgraded connection to accept.
func (b *Binder) Bind(ctx context.Context, accept func(connector.Tunnel)) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", b.address)
	if err != nil {
		return fmt.Errorf("%s - listen on %s: %w", logPrefix, b.address, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(Path, func(w http.ResponseWriter, r *http.Request) {
		conn, err := b.upgrader.Upgrade(w, r, nil)
		if err != nil {
			b.cfg.logger.Warn(fmt.Sprintf("%s - upgrade from %s failed: %v", logPrefix, r.RemoteAddr, err))
			return
		}
		accept(adopt(conn, b.cfg))
	})
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: b.cfg.handshakeTimeout,
	}

	b.mu.Lock()
	b.ln = ln
	b.srv = srv
	b.mu.Unlock()

	b.cfg.logger.Info(fmt.Sprintf("%s - listening on ws://%s%s", logPrefix, ln.Addr(), Path))
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			b.cfg.logger.Error(fmt.Sprintf("%s - server error: %v", logPrefix, err))
		}
	}()
	return nil
}

// Unbind stops accepting upgrades. Hijacked connections are untouched.
func (b *Binder) Unbind() error {
	b.mu.Lock()
	srv := b.srv
	b.mu.Unlock()
	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("%s - shutdown: %w", logPrefix, err)
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
