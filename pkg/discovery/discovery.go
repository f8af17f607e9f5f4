// Package discovery describes where services run and tells interested
// providers when that changes.
//
// The read side is Discovery: list the endpoints of a service and watch its
// created, updated, deleted and state events. The write side is Store,
// wrapped by a Registrar that persists a change before publishing it.
package discovery

import (
	"context"
	"fmt"
	"time"
)

const logPrefix = "discovery:discovery"

// State is the announced state of an endpoint.
type State string

const (
	StatePending  State = "pending"
	StateReady    State = "ready"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateError    State = "error"
)

// Valid reports whether s is one of the known states.
func (s State) Valid() bool {
	switch s {
	case StatePending, StateReady, StateStopping, StateStopped, StateError:
		return true
	}
	return false
}

// Endpoint is the metadata of one reachable node of a service.
type Endpoint struct {
	ID         string            `json:"id"`
	Service    string            `json:"service"`
	Protocol   string            `json:"protocol"`
	Address    string            `json:"address"`
	Labels     map[string]string `json:"labels,omitempty"`
	Weight     int               `json:"weight,omitempty"`
	State      State             `json:"state"`
	TargetID   string            `json:"targetId,omitempty"`
	TargetName string            `json:"targetName,omitempty"`
	UpdatedAt  time.Time         `json:"updatedAt"`
}

// Validate checks the fields every endpoint must carry.
func (e Endpoint) Validate() error {
	switch {
	case e.ID == "":
		return fmt.Errorf("%s - endpoint id is required", logPrefix)
	case e.Service == "":
		return fmt.Errorf("%s - endpoint %s: service is required", logPrefix, e.ID)
	case e.Protocol == "":
		return fmt.Errorf("%s - endpoint %s: protocol is required", logPrefix, e.ID)
	case e.Address == "":
		return fmt.Errorf("%s - endpoint %s: address is required", logPrefix, e.ID)
	case e.State != "" && !e.State.Valid():
		return fmt.Errorf("%s - endpoint %s: unknown state %q", logPrefix, e.ID, e.State)
	}
	return nil
}

// Target returns the node the endpoint runs on, falling back to its id.
func (e Endpoint) Target() string {
	if e.TargetID != "" {
		return e.TargetID
	}
	return e.ID
}

// Clone returns a copy that shares no map with e.
func (e Endpoint) Clone() Endpoint {
	if e.Labels != nil {
		labels := make(map[string]string, len(e.Labels))
		for k, v := range e.Labels {
			labels[k] = v
		}
		e.Labels = labels
	}
	return e
}

// EventKind names an endpoint lifecycle event.
type EventKind string

const (
	EventCreated      EventKind = "created"
	EventUpdated      EventKind = "updated"
	EventDeleted      EventKind = "deleted"
	EventStateChanged EventKind = "state"
)

// Event reports one change of an endpoint. Endpoint holds the state after
// the change, or the last known state for EventDeleted.
type Event struct {
	Kind      EventKind `json:"kind"`
	Service   string    `json:"service"`
	Endpoint  Endpoint  `json:"endpoint"`
	Timestamp string    `json:"timestamp"`
}

// NewEvent builds an event stamped with the current time.
func NewEvent(kind EventKind, e Endpoint) Event {
	return Event{
		Kind:      kind,
		Service:   e.Service,
		Endpoint:  e.Clone(),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
}

// Handler receives endpoint events. Handlers of one watch are called one at
// a time in event order.
type Handler func(Event)

// Discovery is the read side consumed by providers.
type Discovery interface {
	GetEndpointList(ctx context.Context, service string) ([]Endpoint, error)
	Watch(service string, h Handler) (unwatch func(), err error)
}

// Lister lists the endpoints of a service.
type Lister interface {
	List(ctx context.Context, service string) ([]Endpoint, error)
}

// Store persists endpoints. The bool results report whether a row was
// created (Upsert) or found (SetState, Delete).
type Store interface {
	Lister
	Upsert(ctx context.Context, e Endpoint) (Endpoint, bool, error)
	SetState(ctx context.Context, service, id string, state State) (Endpoint, bool, error)
	Delete(ctx context.Context, service, id string) (Endpoint, bool, error)
}
