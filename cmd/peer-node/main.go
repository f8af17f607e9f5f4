// Package main is the entrypoint for peer-node.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	comms "github.com/nats-io/nats.go"

	"github.com/morezero/peer-rpc/internal/config"
	"github.com/morezero/peer-rpc/internal/server"
	"github.com/morezero/peer-rpc/pkg/bootstrap"
	"github.com/morezero/peer-rpc/pkg/commsutil"
	"github.com/morezero/peer-rpc/pkg/connector"
	"github.com/morezero/peer-rpc/pkg/db"
	"github.com/morezero/peer-rpc/pkg/discovery"
	"github.com/morezero/peer-rpc/pkg/provider"
	"github.com/morezero/peer-rpc/pkg/transport"
)

const usage = `Usage: peer-node [command]
       peer-node serve                           Start a node (listener, discovery, HTTP probes).
       peer-node migrate up                      Run database migrations.
       peer-node migrate status                  Show migration status.
       peer-node ensure-db [name]                Create the database if missing (default: name in DATABASE_URL).
       peer-node clear [service]                 Delete announced endpoints; schema is preserved.
       peer-node endpoints <service>             List the endpoints of a service.
       peer-node call <service> <method> [json]  Call a method on one ready endpoint and print the result.

Commands:
  serve           (default) Serve the system route and announce the endpoint.
  migrate up      Run database migrations only.
  migrate status  Show applied and pending migrations.
  ensure-db       Create the database on the DATABASE_URL host.
  clear           Delete endpoints of one service, or all of them.
  endpoints       Print endpoints as JSON (from DATABASE_URL, else gathered over COMMS_URL).
  call            Resolve the service through discovery and make one RPC.

Environment: SERVICE_NAME, LISTEN_PROTOCOL, LISTEN_ADDR, COMMS_URL, DATABASE_URL, MIGRATION_PATH,
BOOTSTRAP_FILE, CALL_TIMEOUT, HTTP_PORT, LOG_LEVEL. See README.
`

func main() {
	args := os.Args[1:]
	cmd := ""
	if len(args) > 0 && args[0] != "" {
		cmd = args[0]
	}

	switch cmd {
	case "migrate":
		if len(args) < 2 {
			log.Fatalf("peer-node migrate: require subcommand (up, status)")
		}
		switch sub := args[1]; sub {
		case "up":
			if err := runMigrateUp(); err != nil {
				log.Fatalf("peer-node migrate up: %v", err)
			}
		case "status":
			if err := runMigrateStatus(); err != nil {
				log.Fatalf("peer-node migrate status: %v", err)
			}
		default:
			log.Fatalf("peer-node migrate: unknown subcommand %q (use up, status)", sub)
		}
		return
	case "ensure-db":
		name := ""
		if len(args) > 1 {
			name = args[1]
		}
		if err := runEnsureDB(name); err != nil {
			log.Fatalf("peer-node ensure-db: %v", err)
		}
		return
	case "clear":
		service := ""
		if len(args) > 1 {
			service = args[1]
		}
		if err := runClear(service); err != nil {
			log.Fatalf("peer-node clear: %v", err)
		}
		return
	case "endpoints":
		if len(args) < 2 || args[1] == "" {
			log.Fatalf("peer-node endpoints: require <service>")
		}
		if err := runEndpoints(args[1]); err != nil {
			log.Fatalf("peer-node endpoints: %v", err)
		}
		return
	case "call":
		if len(args) < 3 {
			log.Fatalf("peer-node call: require <service> <method> [json]")
		}
		payload := ""
		if len(args) > 3 {
			payload = args[3]
		}
		if err := runCall(args[1], args[2], payload); err != nil {
			log.Fatalf("peer-node call: %v", err)
		}
		return
	case "help", "-h", "--help":
		fmt.Print(usage)
		return
	case "serve", "":
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q.\n%s", cmd, usage)
		os.Exit(1)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("peer-node: load config: %v", err)
	}
	if err := server.Run(cfg); err != nil {
		log.Fatalf("peer-node: %v", err)
	}
}

func openPool(ctx context.Context) (*config.Config, *pgxpool.Pool, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateForDB(); err != nil {
		return nil, nil, err
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}
	return cfg, pool, nil
}

func runMigrateUp() error {
	ctx := context.Background()
	cfg, pool, err := openPool(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	migrations, err := db.LoadMigrations(cfg.MigrationPath)
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	n, err := db.RunMigrations(ctx, pool, migrations)
	if err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	fmt.Printf("Applied %d migration(s).\n", n)
	return nil
}

func runMigrateStatus() error {
	ctx := context.Background()
	cfg, pool, err := openPool(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	st, err := db.MigrationStatus(ctx, pool, cfg.MigrationPath)
	if err != nil {
		return err
	}
	for _, name := range st.Applied {
		fmt.Printf("applied  %s\n", name)
	}
	for _, name := range st.Pending {
		fmt.Printf("pending  %s\n", name)
	}
	return nil
}

func runEnsureDB(name string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateForDB(); err != nil {
		return err
	}
	target := cfg.DatabaseURL
	if name != "" {
		u, err := url.Parse(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("parse DATABASE_URL: %w", err)
		}
		// Query (e.g. sslmode) stays on u.RawQuery.
		u.Path = "/" + name
		target = u.String()
	}
	dbName, err := db.DatabaseName(target)
	if err != nil {
		return err
	}
	if err := db.EnsureDatabase(context.Background(), target); err != nil {
		return err
	}
	fmt.Printf("Database %q is ready.\n", dbName)
	return nil
}

func runClear(service string) error {
	ctx := context.Background()
	_, pool, err := openPool(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	n, err := db.ClearEndpoints(ctx, pool, service)
	if err != nil {
		return fmt.Errorf("clear endpoints: %w", err)
	}
	fmt.Printf("Deleted %d endpoint(s).\n", n)
	return nil
}

// discoveryFor builds the read side of discovery from config: NATS events
// when COMMS_URL is set, listing from Postgres when DATABASE_URL is set,
// and the static peers otherwise.
// The returned func releases everything.
func discoveryFor(ctx context.Context, cfg *config.Config, peers *bootstrap.File) (discovery.Discovery, func(), error) {
	var (
		pool   *pgxpool.Pool
		nc     *comms.Conn
		lister discovery.Lister
	)
	closeAll := func() {
		if nc != nil {
			nc.Close()
		}
		if pool != nil {
			pool.Close()
		}
	}

	if cfg.DatabaseURL != "" {
		p, err := db.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect database: %w", err)
		}
		pool = p
		lister = discovery.NewPostgresStore(db.NewEndpointRepository(pool))
	}
	if cfg.COMMSURL == "" {
		// Without NATS nothing announces changes; a static snapshot is enough
		// for one call.
		if lister == nil {
			mem := discovery.NewMemory()
			if _, err := bootstrap.Seed(ctx, discovery.NewRegistrar(mem, nil), peers); err != nil {
				return nil, nil, err
			}
			lister = mem
		}
		return &snapshot{Memory: discovery.NewMemory(), lister: lister}, closeAll, nil
	}

	c, err := commsutil.Connect(cfg.COMMSURL, "peer-node-cli-"+cfg.NodeID)
	if err != nil {
		closeAll()
		return nil, nil, fmt.Errorf("connect NATS: %w", err)
	}
	nc = c
	opts := []discovery.NATSOption{discovery.WithPrefix(cfg.DiscoveryPrefix)}
	if lister != nil {
		opts = append(opts, discovery.WithLister(lister))
	}
	return discovery.NewNATS(nc, opts...), closeAll, nil
}

// snapshot lists from lister; its Watch never fires.
type snapshot struct {
	*discovery.Memory
	lister discovery.Lister
}

func (s *snapshot) GetEndpointList(ctx context.Context, service string) ([]discovery.Endpoint, error) {
	return s.lister.List(ctx, service)
}

func runEndpoints(service string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateForCall(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.CallTimeout)
	defer cancel()

	peers, err := bootstrap.Load(cfg.BootstrapFile)
	if err != nil {
		return err
	}
	service = peers.Resolve(service)
	disc, closeAll, err := discoveryFor(ctx, cfg, peers)
	if err != nil {
		return err
	}
	defer closeAll()

	list, err := disc.GetEndpointList(ctx, service)
	if err != nil {
		return err
	}
	return printJSON(list)
}

func runCall(service, method, payload string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateForCall(); err != nil {
		return err
	}
	var body any
	if payload != "" {
		if !json.Valid([]byte(payload)) {
			return fmt.Errorf("payload is not valid JSON")
		}
		body = json.RawMessage(payload)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.CallTimeout)
	defer cancel()

	peers, err := bootstrap.Load(cfg.BootstrapFile)
	if err != nil {
		return err
	}
	service = peers.Resolve(service)
	disc, closeAll, err := discoveryFor(ctx, cfg, peers)
	if err != nil {
		return err
	}
	defer closeAll()

	connOpts := []connector.Option{connector.WithNodeID(cfg.NodeID), connector.WithCallTimeout(cfg.CallTimeout)}
	if !cfg.PingEnabled {
		connOpts = append(connOpts, connector.WithoutPing())
	}
	p, err := provider.New(service, disc, transport.Default(nil),
		provider.WithRetry(cfg.RetryOptions()),
		provider.WithConnectorOptions(connOpts...),
		provider.WithCallTimeout(cfg.CallTimeout),
	)
	if err != nil {
		return err
	}
	if err := p.Start(ctx); err != nil {
		return err
	}
	defer p.Stop(context.Background())

	if err := waitReady(ctx, p); err != nil {
		return err
	}
	res, err := p.RPC(ctx, method, body)
	if err != nil {
		return err
	}
	return printJSON(res)
}

// waitReady blocks until p has a ready sender.
func waitReady(ctx context.Context, p *provider.Provider) error {
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for {
		for _, s := range p.Senders() {
			if s.IsReady() {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return errors.New("no ready endpoint for " + p.Service())
		case <-tick.C:
		}
	}
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
