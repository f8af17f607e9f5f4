package discovery

import (
	"context"
	"fmt"
	"log/slog"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/peer-rpc/pkg/commsutil"
)

const publisherLogPrefix = "discovery:publisher"

// Publisher announces endpoint events to other nodes.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// NoOpPublisher drops every event (single-process usage).
type NoOpPublisher struct{}

// Publish is a no-op.
func (NoOpPublisher) Publish(context.Context, Event) error { return nil }

// CallbackPublisher hands every event to a function.
type CallbackPublisher struct {
	callback func(ctx context.Context, ev Event) error
}

// NewCallbackPublisher creates a CallbackPublisher.
func NewCallbackPublisher(cb func(ctx context.Context, ev Event) error) *CallbackPublisher {
	return &CallbackPublisher{callback: cb}
}

// Publish calls the callback.
func (p *CallbackPublisher) Publish(ctx context.Context, ev Event) error {
	return p.callback(ctx, ev)
}

// NATSPublisher publishes events on <prefix>.<service>.<kind>.
type NATSPublisher struct {
	nc     *comms.Conn
	prefix string
}

// NewNATSPublisher creates a NATSPublisher. An empty prefix means
// commsutil.DefaultDiscoveryPrefix.
func NewNATSPublisher(nc *comms.Conn, prefix string) *NATSPublisher {
	if prefix == "" {
		prefix = commsutil.DefaultDiscoveryPrefix
	}
	return &NATSPublisher{nc: nc, prefix: prefix}
}

// Publish encodes ev and publishes it.
func (p *NATSPublisher) Publish(_ context.Context, ev Event) error {
	data, err := commsutil.EncodePayload(ev)
	if err != nil {
		return fmt.Errorf("%s - failed to encode event: %w", publisherLogPrefix, err)
	}

	subject := commsutil.BuildEventSubject(p.prefix, ev.Service, string(ev.Kind))
	if err := p.nc.Publish(subject, data); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to publish to %s: %v", publisherLogPrefix, subject, err))
		return fmt.Errorf("%s - publish %s: %w", publisherLogPrefix, subject, err)
	}

	slog.Debug(fmt.Sprintf("%s - Published %s for %s/%s", publisherLogPrefix, ev.Kind, ev.Service, ev.Endpoint.ID))
	return nil
}
