package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

const memoryLogPrefix = "discovery:memory"

type watcher struct {
	id int
	h  Handler
}

// Memory is an in-process Store and Discovery. Every mutation notifies the
// watchers of the service synchronously, in registration order, before it
// returns. Handlers must not mutate the Memory they watch.
type Memory struct {
	mu        sync.RWMutex
	endpoints map[string]map[string]Endpoint
	watchers  map[string][]watcher
	nextID    int

	// notifyMu serializes notification so handlers see events in mutation
	// order.
	notifyMu sync.Mutex
}

// NewMemory creates an empty Memory.
func NewMemory() *Memory {
	return &Memory{
		endpoints: make(map[string]map[string]Endpoint),
		watchers:  make(map[string][]watcher),
	}
}

// GetEndpointList implements Discovery.
func (m *Memory) GetEndpointList(ctx context.Context, service string) ([]Endpoint, error) {
	return m.List(ctx, service)
}

// List implements Lister. Endpoints are ordered by id.
func (m *Memory) List(_ context.Context, service string) ([]Endpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Endpoint, 0, len(m.endpoints[service]))
	for _, e := range m.endpoints[service] {
		out = append(out, e.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Watch implements Discovery.
func (m *Memory) Watch(service string, h Handler) (func(), error) {
	if h == nil {
		return nil, fmt.Errorf("%s - nil handler", memoryLogPrefix)
	}
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.watchers[service] = append(m.watchers[service], watcher{id: id, h: h})
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			ws := m.watchers[service]
			for i, w := range ws {
				if w.id == id {
					m.watchers[service] = append(ws[:i:i], ws[i+1:]...)
					break
				}
			}
		})
	}, nil
}

// Upsert implements Store and notifies EventCreated or EventUpdated.
func (m *Memory) Upsert(_ context.Context, e Endpoint) (Endpoint, bool, error) {
	if err := e.Validate(); err != nil {
		return Endpoint{}, false, err
	}
	if e.State == "" {
		e.State = StatePending
	}
	e = e.Clone()
	e.UpdatedAt = time.Now().UTC()

	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	byID, ok := m.endpoints[e.Service]
	if !ok {
		byID = make(map[string]Endpoint)
		m.endpoints[e.Service] = byID
	}
	_, existed := byID[e.ID]
	byID[e.ID] = e
	m.mu.Unlock()

	kind := EventUpdated
	if !existed {
		kind = EventCreated
	}
	m.notify(NewEvent(kind, e))
	return e.Clone(), !existed, nil
}

// SetState implements Store and notifies EventStateChanged when the state
// actually changed.
func (m *Memory) SetState(_ context.Context, service, id string, state State) (Endpoint, bool, error) {
	if !state.Valid() {
		return Endpoint{}, false, fmt.Errorf("%s - unknown state %q", memoryLogPrefix, state)
	}

	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	e, ok := m.endpoints[service][id]
	if !ok {
		m.mu.Unlock()
		return Endpoint{}, false, nil
	}
	changed := e.State != state
	e.State = state
	e.UpdatedAt = time.Now().UTC()
	m.endpoints[service][id] = e
	m.mu.Unlock()

	if changed {
		m.notify(NewEvent(EventStateChanged, e))
	}
	return e.Clone(), true, nil
}

// Delete implements Store and notifies EventDeleted.
func (m *Memory) Delete(_ context.Context, service, id string) (Endpoint, bool, error) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	e, ok := m.endpoints[service][id]
	if ok {
		delete(m.endpoints[service], id)
		if len(m.endpoints[service]) == 0 {
			delete(m.endpoints, service)
		}
	}
	m.mu.Unlock()

	if !ok {
		return Endpoint{}, false, nil
	}
	m.notify(NewEvent(EventDeleted, e))
	return e, true, nil
}

// Apply replays an event produced elsewhere into the store. Watchers are
// notified as for a local mutation.
func (m *Memory) Apply(ctx context.Context, ev Event) error {
	switch ev.Kind {
	case EventCreated, EventUpdated:
		_, _, err := m.Upsert(ctx, ev.Endpoint)
		return err
	case EventStateChanged:
		if _, ok, err := m.SetState(ctx, ev.Service, ev.Endpoint.ID, ev.Endpoint.State); err != nil || ok {
			return err
		}
		// Unknown endpoint: the state event carries the full record.
		_, _, err := m.Upsert(ctx, ev.Endpoint)
		return err
	case EventDeleted:
		_, _, err := m.Delete(ctx, ev.Service, ev.Endpoint.ID)
		return err
	}
	return fmt.Errorf("%s - unknown event kind %q", memoryLogPrefix, ev.Kind)
}

func (m *Memory) notify(ev Event) {
	m.mu.RLock()
	ws := append([]watcher(nil), m.watchers[ev.Service]...)
	m.mu.RUnlock()

	slog.Debug(fmt.Sprintf("%s - %s %s/%s to %d watchers", memoryLogPrefix, ev.Kind, ev.Service, ev.Endpoint.ID, len(ws)))
	for _, w := range ws {
		w.h(ev)
	}
}
