package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/peer-rpc/pkg/commsutil"
)

const natsLogPrefix = "discovery:nats"

// DefaultListTimeout bounds how long GetEndpointList gathers replies when
// no Lister is configured.
const DefaultListTimeout = 250 * time.Millisecond

type listRequest struct {
	Service string `json:"service"`
}

// NATS is a Discovery fed by events other nodes publish with a
// NATSPublisher.
//
// With a Lister (usually a PostgresStore) GetEndpointList reads it. Without
// one, it asks every node running ServeList and merges the replies that
// arrive within the list timeout.
type NATS struct {
	nc          *comms.Conn
	prefix      string
	lister      Lister
	listTimeout time.Duration
	log         *slog.Logger
}

// NATSOption configures a NATS discovery.
type NATSOption func(*NATS)

// WithPrefix sets the subject prefix.
func WithPrefix(prefix string) NATSOption {
	return func(d *NATS) {
		if prefix != "" {
			d.prefix = prefix
		}
	}
}

// WithLister makes GetEndpointList read from l.
func WithLister(l Lister) NATSOption {
	return func(d *NATS) { d.lister = l }
}

// WithListTimeout sets how long replies to a list request are gathered.
func WithListTimeout(timeout time.Duration) NATSOption {
	return func(d *NATS) {
		if timeout > 0 {
			d.listTimeout = timeout
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) NATSOption {
	return func(d *NATS) {
		if l != nil {
			d.log = l
		}
	}
}

// NewNATS creates a NATS discovery on nc.
func NewNATS(nc *comms.Conn, opts ...NATSOption) *NATS {
	d := &NATS{
		nc:          nc,
		prefix:      commsutil.DefaultDiscoveryPrefix,
		listTimeout: DefaultListTimeout,
		log:         slog.Default(),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Watch implements Discovery. Events of one service are delivered from a
// single NATS subscription, so h is never called concurrently.
func (d *NATS) Watch(service string, h Handler) (func(), error) {
	if h == nil {
		return nil, fmt.Errorf("%s - nil handler", natsLogPrefix)
	}
	subject := commsutil.BuildWatchSubject(d.prefix, service)
	listSuffix := "." + commsutil.ListSuffix

	sub, err := d.nc.Subscribe(subject, func(msg *comms.Msg) {
		if strings.HasSuffix(msg.Subject, listSuffix) {
			return
		}
		ev, err := commsutil.DecodePayload[Event](msg.Data)
		if err != nil {
			d.log.Warn(fmt.Sprintf("%s - drop malformed event on %s: %v", natsLogPrefix, msg.Subject, err))
			return
		}
		// Distinct services may share a sanitized subject token.
		if ev.Service != service {
			return
		}
		h(ev)
	})
	if err != nil {
		return nil, fmt.Errorf("%s - subscribe %s: %w", natsLogPrefix, subject, err)
	}
	if err := d.nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("%s - flush subscribe %s: %w", natsLogPrefix, subject, err)
	}
	d.log.Debug(fmt.Sprintf("%s - watching %s", natsLogPrefix, subject))

	return func() {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, comms.ErrConnectionClosed) && !errors.Is(err, comms.ErrBadSubscription) {
			d.log.Warn(fmt.Sprintf("%s - unsubscribe %s: %v", natsLogPrefix, subject, err))
		}
	}, nil
}

// GetEndpointList implements Discovery.
func (d *NATS) GetEndpointList(ctx context.Context, service string) ([]Endpoint, error) {
	if d.lister != nil {
		return d.lister.List(ctx, service)
	}
	return d.gather(ctx, service)
}

func (d *NATS) gather(ctx context.Context, service string) ([]Endpoint, error) {
	inbox := d.nc.NewInbox()
	sub, err := d.nc.SubscribeSync(inbox)
	if err != nil {
		return nil, fmt.Errorf("%s - subscribe inbox: %w", natsLogPrefix, err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	body, err := commsutil.EncodePayload(listRequest{Service: service})
	if err != nil {
		return nil, err
	}
	subject := commsutil.BuildListSubject(d.prefix, service)
	if err := d.nc.PublishRequest(subject, inbox, body); err != nil {
		return nil, fmt.Errorf("%s - list request %s: %w", natsLogPrefix, subject, err)
	}

	gctx, cancel := context.WithTimeout(ctx, d.listTimeout)
	defer cancel()

	merged := make(map[string]Endpoint)
	replies := 0
	for {
		msg, err := sub.NextMsgWithContext(gctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%s - list %s: %w", natsLogPrefix, service, ctx.Err())
			}
			break
		}
		list, err := commsutil.DecodePayload[[]Endpoint](msg.Data)
		if err != nil {
			d.log.Warn(fmt.Sprintf("%s - drop malformed list reply: %v", natsLogPrefix, err))
			continue
		}
		replies++
		for _, e := range list {
			if e.Service != service {
				continue
			}
			if prev, ok := merged[e.ID]; !ok || e.UpdatedAt.After(prev.UpdatedAt) {
				merged[e.ID] = e
			}
		}
	}

	out := make([]Endpoint, 0, len(merged))
	for _, e := range merged {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	d.log.Debug(fmt.Sprintf("%s - list %s: %d endpoints from %d replies", natsLogPrefix, service, len(out), replies))
	return out, nil
}

// ServeList answers list requests for any service with the endpoints
// lister knows. Nodes with nothing to report stay silent.
func ServeList(nc *comms.Conn, prefix string, lister Lister) (*comms.Subscription, error) {
	if prefix == "" {
		prefix = commsutil.DefaultDiscoveryPrefix
	}
	subject := prefix + ".*." + commsutil.ListSuffix

	sub, err := nc.Subscribe(subject, func(msg *comms.Msg) {
		if msg.Reply == "" {
			return
		}
		req, err := commsutil.DecodePayload[listRequest](msg.Data)
		if err != nil || req.Service == "" {
			slog.Warn(fmt.Sprintf("%s - malformed list request on %s", natsLogPrefix, msg.Subject))
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		list, err := lister.List(ctx, req.Service)
		if err != nil {
			slog.Error(fmt.Sprintf("%s - list %s failed: %v", natsLogPrefix, req.Service, err))
			return
		}
		if len(list) == 0 {
			return
		}
		data, err := commsutil.EncodePayload(list)
		if err != nil {
			slog.Error(fmt.Sprintf("%s - encode list reply: %v", natsLogPrefix, err))
			return
		}
		if err := msg.Respond(data); err != nil {
			slog.Warn(fmt.Sprintf("%s - respond to list %s: %v", natsLogPrefix, req.Service, err))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("%s - subscribe %s: %w", natsLogPrefix, subject, err)
	}
	if err := nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("%s - flush subscribe %s: %w", natsLogPrefix, subject, err)
	}
	return sub, nil
}
