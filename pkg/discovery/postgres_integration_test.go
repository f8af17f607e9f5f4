//go:build integration

package discovery

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/morezero/peer-rpc/pkg/db"
)

const pgIntegrationPrefix = "discovery:postgres_integration_test"

func newPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("discovery:postgres_integration_test - DATABASE_URL not set, skipping")
	}
	ctx := context.Background()
	if err := db.EnsureDatabase(ctx, url); err != nil {
		t.Fatalf("%s - EnsureDatabase: %v", pgIntegrationPrefix, err)
	}
	pool, err := db.NewPool(ctx, url)
	if err != nil {
		t.Fatalf("%s - NewPool: %v", pgIntegrationPrefix, err)
	}
	t.Cleanup(pool.Close)
	migrations, err := db.LoadMigrations(filepath.Join("..", "..", "migrations"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.RunMigrations(ctx, pool, migrations); err != nil {
		t.Fatalf("%s - RunMigrations: %v", pgIntegrationPrefix, err)
	}
	if _, err := db.ClearEndpoints(ctx, pool, "pg-test"); err != nil {
		t.Fatal(err)
	}
	return NewPostgresStore(db.NewEndpointRepository(pool))
}

func TestIntegration_PostgresRegistrar(t *testing.T) {
	store := newPostgresStore(t)
	ctx := context.Background()

	var kinds []string
	r := NewRegistrar(store, NewCallbackPublisher(func(_ context.Context, ev Event) error {
		kinds = append(kinds, string(ev.Kind))
		return nil
	}))

	e := endpoint("p1")
	e.Service = "pg-test"
	if _, err := r.Announce(ctx, e); err != nil {
		t.Fatalf("%s - Announce: %v", pgIntegrationPrefix, err)
	}
	e.Address = "127.0.0.1:9999"
	if _, err := r.Announce(ctx, e); err != nil {
		t.Fatal(err)
	}
	got, err := r.SetState(ctx, "pg-test", "p1", StateReady)
	if err != nil || got.State != StateReady || got.Address != "127.0.0.1:9999" {
		t.Fatalf("%s - SetState = %+v, %v", pgIntegrationPrefix, got, err)
	}

	list, err := store.List(ctx, "pg-test")
	if err != nil || len(list) != 1 || list[0].UpdatedAt.IsZero() {
		t.Fatalf("%s - List = %+v, %v", pgIntegrationPrefix, list, err)
	}

	if err := r.Withdraw(ctx, "pg-test", "p1"); err != nil {
		t.Fatal(err)
	}
	if err := r.Withdraw(ctx, "pg-test", "p1"); err != nil {
		t.Errorf("%s - second Withdraw: %v", pgIntegrationPrefix, err)
	}
	if _, err := r.SetState(ctx, "pg-test", "p1", StateReady); err == nil {
		t.Errorf("%s - SetState on withdrawn endpoint should fail", pgIntegrationPrefix)
	}

	want := "created,updated,state,deleted"
	if got := strings.Join(kinds, ","); got != want {
		t.Errorf("%s - events = %s, want %s", pgIntegrationPrefix, got, want)
	}
}
