package provider

import (
	"log/slog"
	"time"

	"github.com/morezero/peer-rpc/pkg/connector"
	"github.com/morezero/peer-rpc/pkg/labels"
	"github.com/morezero/peer-rpc/pkg/retry"
)

// DefaultStopTimeout bounds Provider.Stop when the caller's context has no
// deadline.
const DefaultStopTimeout = 10 * time.Second

type options struct {
	logger      *slog.Logger
	filter      labels.Filter
	version     string
	connOpts    []connector.Option
	retry       retry.Options
	dispatch    connector.Dispatch
	callTimeout time.Duration
	dial        DialFunc
}

func defaultOptions() options {
	return options{
		logger: slog.Default(),
		retry:  retry.DefaultOptions(),
	}
}

// Option configures a Provider.
type Option func(*options)

// WithLogger sets the logger used by the provider and its senders.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithFilter adds label matchers; an endpoint is considered only when all
// of them are satisfied.
func WithFilter(m ...labels.Matcher) Option {
	return func(o *options) { o.filter = append(o.filter, m...) }
}

// WithVersionConstraint only considers endpoints whose version label
// satisfies rangeStr (e.g. "^1.2.0", "2", ">=1.0 <2").
func WithVersionConstraint(rangeStr string) Option {
	return func(o *options) { o.version = rangeStr }
}

// WithConnectorOptions passes options to every connector the senders create.
func WithConnectorOptions(opts ...connector.Option) Option {
	return func(o *options) { o.connOpts = append(o.connOpts, opts...) }
}

// WithRetry sets the connect retry policy of senders.
func WithRetry(r retry.Options) Option {
	return func(o *options) { o.retry = r }
}

// WithDispatch handles requests the remote side sends back over sender
// links.
func WithDispatch(d connector.Dispatch) Option {
	return func(o *options) { o.dispatch = d }
}

// WithCallTimeout sets the default RPC timeout. Zero keeps the connector's.
func WithCallTimeout(d time.Duration) Option {
	return func(o *options) { o.callTimeout = d }
}

// WithDial replaces the transport registry lookup used to create tunnels.
func WithDial(dial DialFunc) Option {
	return func(o *options) { o.dial = dial }
}

// CallOption tunes one call.
type CallOption func(*callOptions)

type callOptions struct {
	target  string
	timeout time.Duration
	headers map[string]any
}

// WithTarget pins the call to the endpoints of one node.
func WithTarget(targetID string) CallOption {
	return func(c *callOptions) { c.target = targetID }
}

// WithTimeout overrides the call timeout.
func WithTimeout(d time.Duration) CallOption {
	return func(c *callOptions) { c.timeout = d }
}

// WithHeader adds a header to the outgoing packet.
func WithHeader(key string, value any) CallOption {
	return func(c *callOptions) {
		if c.headers == nil {
			c.headers = make(map[string]any)
		}
		c.headers[key] = value
	}
}
