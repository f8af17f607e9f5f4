package connector

import (
	"log/slog"
	"time"

	"github.com/morezero/peer-rpc/pkg/codec"
)

const (
	DefaultCallTimeout  = 10 * time.Second
	DefaultPingInterval = 5 * time.Second
	DefaultPingTimeout  = 3 * time.Second
	DefaultDrainTimeout = 5 * time.Second
	defaultQueueSize    = 256
)

type options struct {
	logger       *slog.Logger
	codec        *codec.Codec
	nodeID       string
	session      string
	ping         bool
	pingInterval time.Duration
	pingTimeout  time.Duration
	callTimeout  time.Duration
	drainTimeout time.Duration
	queueSize    int
}

func defaultOptions() options {
	return options{
		logger:       slog.Default(),
		codec:        codec.Default,
		ping:         true,
		pingInterval: DefaultPingInterval,
		pingTimeout:  DefaultPingTimeout,
		callTimeout:  DefaultCallTimeout,
		drainTimeout: DefaultDrainTimeout,
		queueSize:    defaultQueueSize,
	}
}

// Option configures a Connector.
type Option func(*options)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithCodec sets the wire codec. Defaults to codec.Default.
func WithCodec(c *codec.Codec) Option {
	return func(o *options) {
		if c != nil {
			o.codec = c
		}
	}
}

// WithNodeID sets the id stamped as origin on outbound packets.
func WithNodeID(id string) Option {
	return func(o *options) { o.nodeID = id }
}

// WithSession presets the session id.
func WithSession(id string) Option {
	return func(o *options) { o.session = id }
}

// WithPing enables the heartbeat with the given interval and pong timeout.
// Zero values keep the defaults.
func WithPing(interval, timeout time.Duration) Option {
	return func(o *options) {
		o.ping = true
		if interval > 0 {
			o.pingInterval = interval
		}
		if timeout > 0 {
			o.pingTimeout = timeout
		}
	}
}

// WithoutPing disables the heartbeat.
func WithoutPing() Option {
	return func(o *options) { o.ping = false }
}

// WithCallTimeout sets the default timeout of SendRequest.
func WithCallTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.callTimeout = d
		}
	}
}

// WithDrainTimeout bounds how long Off waits for in-flight calls.
func WithDrainTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.drainTimeout = d
		}
	}
}

// WithQueueSize sets the capacity of the inbound dispatch queue.
func WithQueueSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.queueSize = n
		}
	}
}
