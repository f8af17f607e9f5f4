package discovery

import (
	"context"
	"fmt"
	"log/slog"
)

const registrarLogPrefix = "discovery:registrar"

// Registrar is the write side of discovery: each change is persisted in the
// Store first and then published. A publish failure is logged and does not
// undo the stored change.
type Registrar struct {
	store Store
	pub   Publisher
}

// NewRegistrar creates a Registrar. A nil publisher means NoOpPublisher.
func NewRegistrar(store Store, pub Publisher) *Registrar {
	if pub == nil {
		pub = NoOpPublisher{}
	}
	return &Registrar{store: store, pub: pub}
}

// Announce stores e and publishes EventCreated or EventUpdated.
func (r *Registrar) Announce(ctx context.Context, e Endpoint) (Endpoint, error) {
	stored, created, err := r.store.Upsert(ctx, e)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%s - announce %s/%s: %w", registrarLogPrefix, e.Service, e.ID, err)
	}
	kind := EventUpdated
	if created {
		kind = EventCreated
	}
	r.publish(ctx, NewEvent(kind, stored))
	return stored, nil
}

// SetState moves an announced endpoint to state and publishes
// EventStateChanged.
func (r *Registrar) SetState(ctx context.Context, service, id string, state State) (Endpoint, error) {
	e, found, err := r.store.SetState(ctx, service, id, state)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%s - set state %s/%s: %w", registrarLogPrefix, service, id, err)
	}
	if !found {
		return Endpoint{}, fmt.Errorf("%s - endpoint %s/%s not found", registrarLogPrefix, service, id)
	}
	r.publish(ctx, NewEvent(EventStateChanged, e))
	return e, nil
}

// Withdraw deletes an endpoint and publishes EventDeleted. Withdrawing an
// unknown endpoint is not an error.
func (r *Registrar) Withdraw(ctx context.Context, service, id string) error {
	e, found, err := r.store.Delete(ctx, service, id)
	if err != nil {
		return fmt.Errorf("%s - withdraw %s/%s: %w", registrarLogPrefix, service, id, err)
	}
	if !found {
		slog.Debug(fmt.Sprintf("%s - withdraw %s/%s: not announced", registrarLogPrefix, service, id))
		return nil
	}
	r.publish(ctx, NewEvent(EventDeleted, e))
	return nil
}

func (r *Registrar) publish(ctx context.Context, ev Event) {
	if err := r.pub.Publish(ctx, ev); err != nil {
		slog.Warn(fmt.Sprintf("%s - publish %s %s/%s failed: %v", registrarLogPrefix, ev.Kind, ev.Service, ev.Endpoint.ID, err))
	}
}
