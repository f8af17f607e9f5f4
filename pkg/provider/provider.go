// Package provider keeps a pool of outbound links to the endpoints of one
// remote service and routes calls over them.
//
// The pool follows discovery: an endpoint that appears gets a Sender, a
// Sender is started when its endpoint turns READY and stopped when it turns
// STOPPING, STOPPED or ERROR, and it is removed when the endpoint is
// deleted. Only endpoints whose labels satisfy the provider's filter are
// considered.
package provider

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/morezero/peer-rpc/pkg/connector"
	"github.com/morezero/peer-rpc/pkg/discovery"
	"github.com/morezero/peer-rpc/pkg/labels"
	"github.com/morezero/peer-rpc/pkg/lifecycle"
	"github.com/morezero/peer-rpc/pkg/rpcerr"
	"github.com/morezero/peer-rpc/pkg/transport"
)

const logPrefix = "provider:provider"

// Provider is the sender pool of one service.
type Provider struct {
	service string
	disc    discovery.Discovery
	opts    options
	log     *slog.Logger

	lc    *lifecycle.Lifecycle[connector.State]
	state lifecycle.Latest[connector.State]

	mu      sync.Mutex
	senders map[string]*Sender
	unwatch func()
	wg      sync.WaitGroup
}

// New creates a provider for service. Tunnels are created through
// transports by endpoint protocol unless WithDial is given.
func New(service string, disc discovery.Discovery, transports *transport.Registry, opts ...Option) (*Provider, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if service == "" {
		return nil, fmt.Errorf("%s - service name is required", logPrefix)
	}
	if disc == nil {
		return nil, fmt.Errorf("%s - discovery is required", logPrefix)
	}
	if o.version != "" {
		m, err := labels.Version(o.version)
		if err != nil {
			return nil, fmt.Errorf("%s - %w", logPrefix, err)
		}
		o.filter = append(o.filter, m)
	}
	if o.dial == nil {
		if transports == nil {
			return nil, fmt.Errorf("%s - a transport registry or WithDial is required", logPrefix)
		}
		o.dial = func(e discovery.Endpoint) (connector.Tunnel, error) {
			return transports.Dial(e.Protocol, e.Address)
		}
	}

	p := &Provider{
		service: service,
		disc:    disc,
		opts:    o,
		log:     o.logger,
		lc:      lifecycle.New(connector.StateInit, false),
		senders: make(map[string]*Sender),
	}
	p.lc.OnChange(func(prev, next connector.State, _ ...any) {
		p.state.Observe(next)
		p.log.Debug(fmt.Sprintf("%s - provider %s %s -> %s", logPrefix, service, prev, next))
	})
	return p, nil
}

// Service returns the remote service name.
func (p *Provider) Service() string {
	return p.service
}

// State returns the provider state.
func (p *Provider) State() connector.State {
	return p.state.Load()
}

// Start subscribes to discovery and loads the current endpoint list. It
// does not wait for senders to connect.
func (p *Provider) Start(ctx context.Context) error {
	if p.State() != connector.StateInit {
		return rpcerr.IllegalState(fmt.Sprintf("provider %s cannot start from %s", p.service, p.State()))
	}
	if err := p.lc.SetState(connector.StatePending); err != nil {
		return err
	}

	unwatch, err := p.disc.Watch(p.service, p.handle)
	if err != nil {
		_ = p.lc.SetState(connector.StateError, err)
		return fmt.Errorf("%s - watch %s: %w", logPrefix, p.service, err)
	}
	p.mu.Lock()
	p.unwatch = unwatch
	p.mu.Unlock()

	list, err := p.disc.GetEndpointList(ctx, p.service)
	if err != nil {
		unwatch()
		_ = p.lc.SetState(connector.StateError, err)
		return fmt.Errorf("%s - list %s: %w", logPrefix, p.service, err)
	}
	p.mu.Lock()
	for _, e := range list {
		p.upsertLocked(e)
	}
	p.mu.Unlock()

	p.log.Info(fmt.Sprintf("%s - provider %s started with %d endpoints", logPrefix, p.service, len(list)))
	return p.lc.SetState(connector.StateReady)
}

// Stop unsubscribes from discovery and stops every sender concurrently.
func (p *Provider) Stop(ctx context.Context) error {
	switch p.State() {
	case connector.StateStopping, connector.StateStopped:
		return nil
	}
	p.mu.Lock()
	wasError := p.State() == connector.StateError
	if !wasError {
		_ = p.lc.SetState(connector.StateStopping)
	}
	unwatch := p.unwatch
	senders := make([]*Sender, 0, len(p.senders))
	for id, s := range p.senders {
		senders = append(senders, s)
		delete(p.senders, id)
	}
	p.mu.Unlock()
	if unwatch != nil {
		unwatch()
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultStopTimeout)
		defer cancel()
	}
	var g errgroup.Group
	for _, s := range senders {
		g.Go(func() error { return s.Stop(ctx) })
	}
	err := g.Wait()
	p.wg.Wait()

	if !wasError {
		_ = p.lc.SetState(connector.StateStopped)
	}
	p.log.Info(fmt.Sprintf("%s - provider %s stopped", logPrefix, p.service))
	return err
}

// Senders returns the current senders ordered by endpoint id.
func (p *Provider) Senders() []*Sender {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Sender, 0, len(p.senders))
	for _, s := range p.senders {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Sender returns the sender of endpoint id.
func (p *Provider) Sender(id string) (*Sender, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.senders[id]
	return s, ok
}

func (p *Provider) handle(ev discovery.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.State() {
	case connector.StatePending, connector.StateReady:
	default:
		return
	}

	switch ev.Kind {
	case discovery.EventCreated, discovery.EventUpdated, discovery.EventStateChanged:
		p.upsertLocked(ev.Endpoint)
	case discovery.EventDeleted:
		p.removeLocked(ev.Endpoint.ID, "deleted")
	default:
		p.log.Warn(fmt.Sprintf("%s - unknown discovery event %q", logPrefix, ev.Kind))
	}
}

func (p *Provider) upsertLocked(e discovery.Endpoint) {
	if e.Service != p.service {
		return
	}
	if !p.opts.filter.IsSatisfy(e.Labels) {
		p.removeLocked(e.ID, "filtered out")
		return
	}

	s, ok := p.senders[e.ID]
	if ok {
		prev := s.Endpoint()
		if prev.Protocol != e.Protocol || prev.Address != e.Address || isStopped(s) {
			p.removeLocked(e.ID, "replaced")
			ok = false
		} else {
			s.setEndpoint(e)
		}
	}
	if !ok {
		s = newSender(e, p.opts.dial, &p.opts)
		p.senders[e.ID] = s
		p.log.Debug(fmt.Sprintf("%s - %s: sender for %s at %s://%s", logPrefix, p.service, e.ID, e.Protocol, e.Address))
	}

	switch e.State {
	case discovery.StateReady:
		if s.State() == connector.StateInit {
			p.wg.Add(1)
			go func() {
				defer p.wg.Done()
				if err := s.Start(context.Background()); err != nil && !rpcerr.IsAborted(err) {
					p.log.Warn(fmt.Sprintf("%s - %s: sender %s failed to start: %v", logPrefix, p.service, e.ID, err))
				}
			}()
		}
	case discovery.StateStopping, discovery.StateStopped, discovery.StateError:
		p.stopAsync(s)
	}
}

func isStopped(s *Sender) bool {
	switch s.State() {
	case connector.StateStopping, connector.StateStopped, connector.StateError:
		return true
	}
	return false
}

func (p *Provider) removeLocked(id, reason string) {
	s, ok := p.senders[id]
	if !ok {
		return
	}
	delete(p.senders, id)
	p.log.Debug(fmt.Sprintf("%s - %s: drop sender %s (%s)", logPrefix, p.service, id, reason))
	p.stopAsync(s)
}

func (p *Provider) stopAsync(s *Sender) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), DefaultStopTimeout)
		defer cancel()
		if err := s.Stop(ctx); err != nil && !rpcerr.IsAborted(err) {
			p.log.Debug(fmt.Sprintf("%s - %s: stop sender %s: %v", logPrefix, p.service, s.ID(), err))
		}
	}()
}

// pick chooses uniformly at random among the READY senders, optionally
// restricted to one target node.
func (p *Provider) pick(target string) (*Sender, error) {
	p.mu.Lock()
	candidates := make([]*Sender, 0, len(p.senders))
	for _, s := range p.senders {
		if !s.IsReady() {
			continue
		}
		if target != "" && s.Endpoint().Target() != target {
			continue
		}
		candidates = append(candidates, s)
	}
	p.mu.Unlock()

	if len(candidates) == 0 {
		return nil, rpcerr.SenderNotFound(p.service, target)
	}
	return candidates[rand.IntN(len(candidates))], nil
}

// pickPerTarget chooses one READY sender for each distinct target node.
func (p *Provider) pickPerTarget() []*Sender {
	p.mu.Lock()
	byTarget := make(map[string][]*Sender)
	for _, s := range p.senders {
		if s.IsReady() {
			t := s.Endpoint().Target()
			byTarget[t] = append(byTarget[t], s)
		}
	}
	p.mu.Unlock()

	out := make([]*Sender, 0, len(byTarget))
	for _, group := range byTarget {
		out = append(out, group[rand.IntN(len(group))])
	}
	return out
}
