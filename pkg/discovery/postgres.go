package discovery

import (
	"context"
	"fmt"

	"github.com/morezero/peer-rpc/pkg/db"
)

const postgresLogPrefix = "discovery:postgres"

// PostgresStore is a Store over the endpoints table.
type PostgresStore struct {
	repo *db.EndpointRepository
}

// NewPostgresStore creates a PostgresStore.
func NewPostgresStore(repo *db.EndpointRepository) *PostgresStore {
	return &PostgresStore{repo: repo}
}

// List implements Lister.
func (s *PostgresStore) List(ctx context.Context, service string) ([]Endpoint, error) {
	rows, err := s.repo.ListEndpoints(ctx, service)
	if err != nil {
		return nil, err
	}
	out := make([]Endpoint, 0, len(rows))
	for _, r := range rows {
		out = append(out, fromRow(r))
	}
	return out, nil
}

// Upsert implements Store.
func (s *PostgresStore) Upsert(ctx context.Context, e Endpoint) (Endpoint, bool, error) {
	if err := e.Validate(); err != nil {
		return Endpoint{}, false, err
	}
	row, created, err := s.repo.UpsertEndpoint(ctx, toRow(e))
	if err != nil {
		return Endpoint{}, false, err
	}
	return fromRow(*row), created, nil
}

// SetState implements Store.
func (s *PostgresStore) SetState(ctx context.Context, service, id string, state State) (Endpoint, bool, error) {
	if !state.Valid() {
		return Endpoint{}, false, fmt.Errorf("%s - unknown state %q", postgresLogPrefix, state)
	}
	row, err := s.repo.SetEndpointState(ctx, service, id, string(state))
	if err != nil || row == nil {
		return Endpoint{}, false, err
	}
	return fromRow(*row), true, nil
}

// Delete implements Store.
func (s *PostgresStore) Delete(ctx context.Context, service, id string) (Endpoint, bool, error) {
	row, err := s.repo.DeleteEndpoint(ctx, service, id)
	if err != nil || row == nil {
		return Endpoint{}, false, err
	}
	return fromRow(*row), true, nil
}

func toRow(e Endpoint) db.EndpointRow {
	return db.EndpointRow{
		ID:         e.ID,
		Service:    e.Service,
		Protocol:   e.Protocol,
		Address:    e.Address,
		Labels:     e.Labels,
		Weight:     e.Weight,
		State:      string(e.State),
		TargetID:   e.TargetID,
		TargetName: e.TargetName,
	}
}

func fromRow(r db.EndpointRow) Endpoint {
	return Endpoint{
		ID:         r.ID,
		Service:    r.Service,
		Protocol:   r.Protocol,
		Address:    r.Address,
		Labels:     r.Labels,
		Weight:     r.Weight,
		State:      State(r.State),
		TargetID:   r.TargetID,
		TargetName: r.TargetName,
		UpdatedAt:  r.Modified,
	}
}
