package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const endpointsLogPrefix = "db:endpoints"

// EndpointRow is a row of the endpoints table.
type EndpointRow struct {
	ID         string            `json:"id"`
	Service    string            `json:"service"`
	Protocol   string            `json:"protocol"`
	Address    string            `json:"address"`
	Labels     map[string]string `json:"labels"`
	Weight     int               `json:"weight"`
	State      string            `json:"state"`
	TargetID   string            `json:"target_id"`
	TargetName string            `json:"target_name"`
	Revision   int               `json:"revision"`
	Created    time.Time         `json:"created"`
	Modified   time.Time         `json:"modified"`
}

// EndpointRepository reads and writes announced endpoints.
type EndpointRepository struct {
	pool *pgxpool.Pool
}

// NewEndpointRepository creates an EndpointRepository on pool.
func NewEndpointRepository(pool *pgxpool.Pool) *EndpointRepository {
	return &EndpointRepository{pool: pool}
}

const endpointColumns = `id, service, protocol, address, labels, weight, state,
		target_id, target_name, revision, created, modified`

// UpsertEndpoint inserts the endpoint or updates every mutable column of the
// existing row. created reports whether a new row was inserted.
func (r *EndpointRepository) UpsertEndpoint(ctx context.Context, e EndpointRow) (row *EndpointRow, created bool, err error) {
	slog.Debug(fmt.Sprintf("%s - UpsertEndpoint service=%s id=%s", endpointsLogPrefix, e.Service, e.ID))

	labels, err := json.Marshal(nonNilLabels(e.Labels))
	if err != nil {
		return nil, false, fmt.Errorf("%s - encode labels: %w", endpointsLogPrefix, err)
	}
	if e.State == "" {
		e.State = "pending"
	}
	now := time.Now().UTC()

	var inserted bool
	row = &EndpointRow{}
	var rawLabels []byte
	err = r.pool.QueryRow(ctx,
		`INSERT INTO endpoints (id, service, protocol, address, labels, weight, state, target_id, target_name, created, modified)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
		 ON CONFLICT (service, id) DO UPDATE SET
		   protocol = EXCLUDED.protocol,
		   address = EXCLUDED.address,
		   labels = EXCLUDED.labels,
		   weight = EXCLUDED.weight,
		   state = EXCLUDED.state,
		   target_id = EXCLUDED.target_id,
		   target_name = EXCLUDED.target_name,
		   revision = endpoints.revision + 1,
		   modified = EXCLUDED.modified
		 RETURNING `+endpointColumns+`, (xmax = 0) AS inserted`,
		e.ID, e.Service, e.Protocol, e.Address, labels, e.Weight, e.State, e.TargetID, e.TargetName, now,
	).Scan(&row.ID, &row.Service, &row.Protocol, &row.Address, &rawLabels, &row.Weight, &row.State,
		&row.TargetID, &row.TargetName, &row.Revision, &row.Created, &row.Modified, &inserted)
	if err != nil {
		return nil, false, fmt.Errorf("%s - UpsertEndpoint failed: %w", endpointsLogPrefix, err)
	}
	if err := json.Unmarshal(rawLabels, &row.Labels); err != nil {
		return nil, false, fmt.Errorf("%s - decode labels: %w", endpointsLogPrefix, err)
	}
	return row, inserted, nil
}

// SetEndpointState updates the state of one endpoint. It returns nil, nil
// when the endpoint does not exist.
func (r *EndpointRepository) SetEndpointState(ctx context.Context, service, id, state string) (*EndpointRow, error) {
	slog.Debug(fmt.Sprintf("%s - SetEndpointState service=%s id=%s state=%s", endpointsLogPrefix, service, id, state))

	row := r.pool.QueryRow(ctx,
		`UPDATE endpoints
		 SET state = $3, revision = revision + 1, modified = $4
		 WHERE service = $1 AND id = $2
		 RETURNING `+endpointColumns,
		service, id, state, time.Now().UTC())
	return scanEndpoint(row)
}

// DeleteEndpoint removes one endpoint and returns the deleted row, or nil
// when it did not exist.
func (r *EndpointRepository) DeleteEndpoint(ctx context.Context, service, id string) (*EndpointRow, error) {
	slog.Debug(fmt.Sprintf("%s - DeleteEndpoint service=%s id=%s", endpointsLogPrefix, service, id))

	row := r.pool.QueryRow(ctx,
		`DELETE FROM endpoints WHERE service = $1 AND id = $2 RETURNING `+endpointColumns,
		service, id)
	return scanEndpoint(row)
}

// GetEndpoint returns one endpoint or nil.
func (r *EndpointRepository) GetEndpoint(ctx context.Context, service, id string) (*EndpointRow, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+endpointColumns+` FROM endpoints WHERE service = $1 AND id = $2`,
		service, id)
	return scanEndpoint(row)
}

// ListEndpoints returns the endpoints of service ordered by id.
func (r *EndpointRepository) ListEndpoints(ctx context.Context, service string) ([]EndpointRow, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+endpointColumns+` FROM endpoints WHERE service = $1 ORDER BY id`,
		service)
	if err != nil {
		return nil, fmt.Errorf("%s - ListEndpoints failed: %w", endpointsLogPrefix, err)
	}
	defer rows.Close()

	var out []EndpointRow
	for rows.Next() {
		e, err := scanEndpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s - ListEndpoints rows: %w", endpointsLogPrefix, err)
	}
	return out, nil
}

// ListServices returns the distinct service names with at least one endpoint.
func (r *EndpointRepository) ListServices(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT DISTINCT service FROM endpoints ORDER BY service`)
	if err != nil {
		return nil, fmt.Errorf("%s - ListServices failed: %w", endpointsLogPrefix, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("%s - ListServices scan: %w", endpointsLogPrefix, err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// PruneStale deletes endpoints in a terminal state not modified since
// before. It returns the number of deleted rows.
func (r *EndpointRepository) PruneStale(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM endpoints WHERE state IN ('stopped', 'error') AND modified < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("%s - PruneStale failed: %w", endpointsLogPrefix, err)
	}
	if n := tag.RowsAffected(); n > 0 {
		slog.Info(fmt.Sprintf("%s - pruned %d stale endpoints", endpointsLogPrefix, n))
	}
	return tag.RowsAffected(), nil
}

func scanEndpoint(row pgx.Row) (*EndpointRow, error) {
	var e EndpointRow
	var rawLabels []byte
	err := row.Scan(&e.ID, &e.Service, &e.Protocol, &e.Address, &rawLabels, &e.Weight, &e.State,
		&e.TargetID, &e.TargetName, &e.Revision, &e.Created, &e.Modified)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s - scan endpoint: %w", endpointsLogPrefix, err)
	}
	if len(rawLabels) > 0 {
		if err := json.Unmarshal(rawLabels, &e.Labels); err != nil {
			return nil, fmt.Errorf("%s - decode labels: %w", endpointsLogPrefix, err)
		}
	}
	e.Labels = nonNilLabels(e.Labels)
	return &e, nil
}

func nonNilLabels(l map[string]string) map[string]string {
	if l == nil {
		return map[string]string{}
	}
	return l
}
