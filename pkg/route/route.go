// Package route is the per-service dispatch table: named method and notify
// handlers, their declared parameters, named value providers and before/after
// middleware.
package route

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/morezero/peer-rpc/pkg/connector"
	"github.com/morezero/peer-rpc/pkg/packet"
	"github.com/morezero/peer-rpc/pkg/rpcerr"
)

const logPrefix = "route:route"

// Kind tells methods (request/response) from notifications.
type Kind int

const (
	KindMethod Kind = iota + 1
	KindNotify
)

func (k Kind) String() string {
	if k == KindNotify {
		return "notify"
	}
	return "method"
}

// Call is the context of one dispatch. Middleware and providers may read it;
// before-middleware that stops the chain may set Result or Err to answer.
type Call struct {
	Route     string
	Method    string
	Kind      Kind
	Payload   json.RawMessage
	Packet    *packet.Packet
	Connector *connector.Connector
	// Response is the RESPONSE being built for a method call. Headers set on
	// it are copied onto the packet sent back. Nil for notifications.
	Response *packet.Packet

	Result any
	Err    error
}

// Handler receives the raw payload followed by the values of its declared
// parameters, in declaration order.
type Handler func(ctx context.Context, payload json.RawMessage, args ...any) (any, error)

// Middleware runs before or after a handler. Returning false stops the
// chain; for before-middleware it also skips the handler and after-middleware.
type Middleware func(ctx context.Context, call *Call) (bool, error)

// ProviderFunc derives a named parameter value from the call.
type ProviderFunc func(ctx context.Context, call *Call) (any, error)

type entry struct {
	name    string
	kind    Kind
	params  []Param
	handler Handler
	before  []Middleware
	after   []Middleware
}

type options struct {
	logger *slog.Logger
}

// Option configures a Route.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// Route is a dispatch table for one service.
type Route struct {
	name string
	log  *slog.Logger

	mu        sync.RWMutex
	methods   map[string]*entry
	notifies  map[string]*entry
	providers map[string]ProviderFunc
	before    []Middleware
	after     []Middleware
}

// New creates an empty Route called name.
func New(name string, opts ...Option) *Route {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return &Route{
		name:      name,
		log:       o.logger,
		methods:   make(map[string]*entry),
		notifies:  make(map[string]*entry),
		providers: make(map[string]ProviderFunc),
	}
}

// Name returns the route name.
func (r *Route) Name() string {
	return r.name
}

// RegisterMethod registers a request handler.
func (r *Route) RegisterMethod(name string, h Handler, params ...Param) error {
	return r.register(r.methods, KindMethod, name, h, params)
}

// RegisterNotify registers a notification handler.
func (r *Route) RegisterNotify(name string, h Handler, params ...Param) error {
	return r.register(r.notifies, KindNotify, name, h, params)
}

func (r *Route) register(table map[string]*entry, kind Kind, name string, h Handler, params []Param) error {
	if name == "" || h == nil {
		return rpcerr.ParamInvalid(fmt.Sprintf("%s needs a name and a handler", kind))
	}
	for _, p := range params {
		if err := p.validate(kind); err != nil {
			return fmt.Errorf("%s - %s %s: %w", logPrefix, kind, name, err)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := table[name]; dup {
		return rpcerr.IllegalState(fmt.Sprintf("%s %s already registered on %s", kind, name, r.name))
	}
	table[name] = &entry{name: name, kind: kind, params: append([]Param{}, params...), handler: h}
	return nil
}

// RegisterProvider registers a named value provider usable through
// ProviderParam.
func (r *Route) RegisterProvider(name string, fn ProviderFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = fn
}

// Before appends before-middleware run for every method and notification.
func (r *Route) Before(mw ...Middleware) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.before = append(r.before, mw...)
}

// After appends after-middleware run for every method and notification.
func (r *Route) After(mw ...Middleware) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.after = append(r.after, mw...)
}

// BeforeMethod appends before-middleware to one registered method. It runs
// after the route-wide before-middleware.
func (r *Route) BeforeMethod(name string, mw ...Middleware) error {
	return r.attach(KindMethod, name, true, mw)
}

// AfterMethod appends after-middleware to one registered method. It runs
// ahead of the route-wide after-middleware.
func (r *Route) AfterMethod(name string, mw ...Middleware) error {
	return r.attach(KindMethod, name, false, mw)
}

// BeforeNotify appends before-middleware to one registered notification.
func (r *Route) BeforeNotify(name string, mw ...Middleware) error {
	return r.attach(KindNotify, name, true, mw)
}

// AfterNotify appends after-middleware to one registered notification.
func (r *Route) AfterNotify(name string, mw ...Middleware) error {
	return r.attach(KindNotify, name, false, mw)
}

func (r *Route) attach(kind Kind, name string, before bool, mw []Middleware) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	table := r.methods
	if kind == KindNotify {
		table = r.notifies
	}
	e, ok := table[name]
	if !ok {
		return rpcerr.MethodNotFound(name).WithArgs("route", r.name, "kind", kind.String())
	}
	if before {
		e.before = append(e.before, mw...)
	} else {
		e.after = append(e.after, mw...)
	}
	return nil
}

// Methods returns the registered method names in order.
func (r *Route) Methods() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.methods)
}

// Notifies returns the registered notification names in order.
func (r *Route) Notifies() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.notifies)
}

func sortedKeys(m map[string]*entry) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// CallMethod dispatches a REQUEST. The returned error, when set, is always an
// *rpcerr.Error suitable for an error-shaped response.
func (r *Route) CallMethod(ctx context.Context, req *packet.Packet, c *connector.Connector) (any, error) {
	return r.method(ctx, r.newCall(KindMethod, req, c))
}

func (r *Route) method(ctx context.Context, call *Call) (any, error) {
	result, err := r.call(ctx, call)
	if err != nil {
		e := r.classify(err)
		r.logFailure(call, e)
		return nil, e
	}
	return result, nil
}

// CallNotify dispatches a NOTIFY. Errors are returned unwrapped.
func (r *Route) CallNotify(ctx context.Context, p *packet.Packet, c *connector.Connector) error {
	call := r.newCall(KindNotify, p, c)
	_, err := r.call(ctx, call)
	return err
}

func (r *Route) newCall(kind Kind, p *packet.Packet, c *connector.Connector) *Call {
	call := &Call{
		Route:     r.name,
		Method:    p.Method,
		Kind:      kind,
		Payload:   p.Payload,
		Packet:    p,
		Connector: c,
	}
	if kind == KindMethod {
		call.Response = &packet.Packet{Opcode: packet.OpResponse, Method: p.Method, Headers: packet.Headers{}}
	}
	return call
}

// lookup returns the entry and its middleware chains: route-wide before
// then per-entry before, per-entry after then route-wide after.
func (r *Route) lookup(kind Kind, name string) (*entry, []Middleware, []Middleware) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	table := r.methods
	if kind == KindNotify {
		table = r.notifies
	}
	e := table[name]
	if e == nil {
		return nil, nil, nil
	}
	before := make([]Middleware, 0, len(r.before)+len(e.before))
	before = append(append(before, r.before...), e.before...)
	after := make([]Middleware, 0, len(e.after)+len(r.after))
	after = append(append(after, e.after...), r.after...)
	return e, before, after
}

func (r *Route) call(ctx context.Context, call *Call) (any, error) {
	e, before, after := r.lookup(call.Kind, call.Method)
	if e == nil {
		return nil, rpcerr.MethodNotFound(call.Method).WithArgs("route", r.name)
	}

	for _, mw := range before {
		cont, err := mw(ctx, call)
		if err != nil {
			return nil, err
		}
		if !cont {
			return call.Result, call.Err
		}
	}

	args, err := r.resolve(ctx, call, e.params)
	if err != nil {
		return nil, err
	}
	call.Result, call.Err = e.handler(ctx, call.Payload, args...)

	for _, mw := range after {
		cont, err := mw(ctx, call)
		if err != nil {
			return nil, err
		}
		if !cont {
			break
		}
	}
	return call.Result, call.Err
}

func (r *Route) resolve(ctx context.Context, call *Call, params []Param) ([]any, error) {
	if len(params) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(params))
	for _, p := range params {
		switch p.Kind {
		case ParamRequest, ParamNotify:
			args = append(args, call.Packet)
		case ParamResponse:
			args = append(args, call.Response)
		case ParamConnector:
			args = append(args, call.Connector)
		case ParamProvider:
			r.mu.RLock()
			fn := r.providers[p.Name]
			r.mu.RUnlock()
			if fn == nil {
				return nil, rpcerr.IllegalState(fmt.Sprintf("no provider named %q on %s", p.Name, r.name))
			}
			v, err := fn(ctx, call)
			if err != nil {
				return nil, err
			}
			args = append(args, v)
		}
	}
	return args, nil
}

// classify maps handler failures onto the error taxonomy. Payload decoding
// and validation failures become parameter-invalid errors.
func (r *Route) classify(err error) *rpcerr.Error {
	var e *rpcerr.Error
	if errors.As(err, &e) {
		return e
	}
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	var validation *ValidationError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) || errors.As(err, &validation) {
		return rpcerr.ParamInvalid(err.Error()).WithCause(err)
	}
	return rpcerr.From(err)
}

func (r *Route) logFailure(call *Call, e *rpcerr.Error) {
	if rpcerr.IsAborted(e) {
		return
	}
	msg := fmt.Sprintf("%s - %s %s.%s failed: %v", logPrefix, call.Kind, r.name, call.Method, e)
	if rpcerr.ShouldLog(e) {
		r.log.Error(msg)
		return
	}
	r.log.Debug(msg)
}

// Callback adapts r into a connector.Dispatch. A REQUEST always yields one
// RESPONSE packet, a NOTIFY yields none, and any other opcode is ignored.
func Callback(r *Route) connector.Dispatch {
	return func(ctx context.Context, p *packet.Packet, c *connector.Connector) (*packet.Packet, error) {
		switch p.Opcode {
		case packet.OpRequest:
			call := r.newCall(KindMethod, p, c)
			result, err := r.method(ctx, call)
			resp, berr := packet.NewResponse(p, result, err)
			if berr != nil {
				return nil, berr
			}
			for k, v := range call.Response.Headers {
				if _, set := resp.Headers[k]; !set {
					resp.Headers[k] = v
				}
			}
			return resp, nil
		case packet.OpNotify:
			return nil, r.CallNotify(ctx, p, c)
		default:
			r.log.Warn(fmt.Sprintf("%s - %s packet reached route %s, ignored", logPrefix, p.Opcode, r.name))
			return nil, nil
		}
	}
}
