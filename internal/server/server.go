package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	comms "github.com/nats-io/nats.go"

	"github.com/morezero/peer-rpc/internal/config"
	"github.com/morezero/peer-rpc/pkg/bootstrap"
	"github.com/morezero/peer-rpc/pkg/commsutil"
	"github.com/morezero/peer-rpc/pkg/connector"
	"github.com/morezero/peer-rpc/pkg/db"
	"github.com/morezero/peer-rpc/pkg/discovery"
	"github.com/morezero/peer-rpc/pkg/listener"
	"github.com/morezero/peer-rpc/pkg/route"
	"github.com/morezero/peer-rpc/pkg/transport"
)

const logPrefix = "server:server"

// staleAfter is how long stopped or failed endpoints stay in the database
// before a starting node prunes them.
const staleAfter = 24 * time.Hour

// Server runs one node: it serves the system route on a listener, announces
// the listener as an endpoint and exposes HTTP health probes.
type Server struct {
	cfg        *config.Config
	transports *transport.Registry
	route      *route.Route
	sessions   *sessions

	mu         sync.Mutex
	started    time.Time
	nc         *comms.Conn
	pool       *pgxpool.Pool
	store      discovery.Store
	registrar  *discovery.Registrar
	listSub    *comms.Subscription
	listener   *listener.Listener
	endpoint   discovery.Endpoint
	httpServer *http.Server
	stopped    bool
}

// New creates a Server from cfg. Nothing is started until Start.
func New(cfg *config.Config) *Server {
	s := &Server{
		cfg:        cfg,
		transports: transport.Default(slog.Default()),
		route:      route.New("system"),
		sessions:   newSessions(),
	}
	s.registerSystem()
	return s
}

// Route returns the route served by the node, for callers that add methods
// before Start.
func (s *Server) Route() *route.Route {
	return s.route
}

// Endpoint returns the announced endpoint.
func (s *Server) Endpoint() discovery.Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endpoint.Clone()
}

// Store returns the endpoint store the node announces into.
func (s *Server) Store() discovery.Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store
}

// Run starts the node, blocks until SIGINT or SIGTERM, then shuts down.
func Run(cfg *config.Config) error {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})))

	if err := cfg.ValidateForServe(); err != nil {
		return err
	}

	s := New(cfg)
	if err := s.Start(context.Background()); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info(fmt.Sprintf("%s - Received signal %s, shutting down", logPrefix, sig))

	ctx, cancel := context.WithTimeout(context.Background(), 2*cfg.DrainTimeout+cfg.HealthCheckTimeout)
	defer cancel()
	return s.Stop(ctx)
}

// Start wires storage, NATS, the listener and the HTTP probes, then
// announces the endpoint as ready. On failure everything already started is
// released.
func (s *Server) Start(ctx context.Context) (err error) {
	cfg := s.cfg
	s.mu.Lock()
	s.started = time.Now()
	s.mu.Unlock()
	defer func() {
		if err != nil {
			s.release()
		}
	}()

	// Step 1: Endpoint store
	if err := s.openStore(ctx); err != nil {
		return err
	}

	// Step 2: NATS publisher and list responder
	var pub discovery.Publisher = discovery.NoOpPublisher{}
	if cfg.COMMSURL != "" {
		nc, err := commsutil.Connect(cfg.COMMSURL, "peer-node-"+cfg.NodeID)
		if err != nil {
			return fmt.Errorf("%s - failed to connect to NATS: %w", logPrefix, err)
		}
		s.mu.Lock()
		s.nc = nc
		s.mu.Unlock()
		sub, err := discovery.ServeList(nc, cfg.DiscoveryPrefix, s.store)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.listSub = sub
		s.mu.Unlock()
		pub = discovery.NewNATSPublisher(nc, cfg.DiscoveryPrefix)
	} else {
		slog.Info(fmt.Sprintf("%s - COMMS_URL empty, endpoint events stay local", logPrefix))
	}
	s.registrar = discovery.NewRegistrar(s.store, pub)
	if cfg.BootstrapFile != "" {
		f, err := bootstrap.Load(cfg.BootstrapFile)
		if err != nil {
			return err
		}
		if _, err := bootstrap.Seed(ctx, s.registrar, f); err != nil {
			return err
		}
	}

	// Step 3: Listener
	binder, err := s.transports.Listen(cfg.ListenProtocol, cfg.ListenAddr)
	if err != nil {
		return err
	}
	l := listener.New(binder, route.Callback(s.route), listener.WithConnectorOptions(s.connectorOptions()...))
	l.OnConnection(s.sessions.add)
	l.OnLostConnection(s.sessions.remove)
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()
	if err := l.StartListen(ctx); err != nil {
		return err
	}

	// Step 4: Announce
	lbl, err := cfg.Labels()
	if err != nil {
		return fmt.Errorf("%s - ENDPOINT_LABELS: %w", logPrefix, err)
	}
	hostname, _ := os.Hostname()
	e := discovery.Endpoint{
		ID:         cfg.NodeID,
		Service:    cfg.ServiceName,
		Protocol:   cfg.ListenProtocol,
		Address:    cfg.Advertise(l.Address()),
		Labels:     lbl,
		Weight:     cfg.EndpointWeight,
		State:      discovery.StatePending,
		TargetID:   cfg.NodeID,
		TargetName: hostname,
	}
	if _, err := s.registrar.Announce(ctx, e); err != nil {
		return err
	}
	announced, err := s.registrar.SetState(ctx, e.Service, e.ID, discovery.StateReady)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.endpoint = announced
	s.mu.Unlock()

	// Step 5: HTTP probes
	if cfg.HTTPPort > 0 {
		httpAddr := fmt.Sprintf(":%d", cfg.HTTPPort)
		srv := &http.Server{Addr: httpAddr, Handler: s.Handler(), ReadHeaderTimeout: cfg.HealthCheckTimeout}
		s.mu.Lock()
		s.httpServer = srv
		s.mu.Unlock()
		go func() {
			slog.Info(fmt.Sprintf("%s - HTTP health server listening on %s", logPrefix, httpAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error(fmt.Sprintf("%s - HTTP server error: %v", logPrefix, err))
			}
		}()
	}

	slog.Info(fmt.Sprintf("%s - Node %s serving %s on %s://%s", logPrefix, cfg.NodeID, cfg.ServiceName, announced.Protocol, announced.Address))
	return nil
}

func (s *Server) openStore(ctx context.Context) error {
	cfg := s.cfg
	if cfg.DatabaseURL == "" {
		slog.Info(fmt.Sprintf("%s - DATABASE_URL empty, using in-memory endpoint store", logPrefix))
		s.mu.Lock()
		s.store = discovery.NewMemory()
		s.mu.Unlock()
		return nil
	}

	if err := db.EnsureDatabase(ctx, cfg.DatabaseURL); err != nil {
		return fmt.Errorf("%s - failed to ensure database: %w", logPrefix, err)
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("%s - failed to connect to database: %w", logPrefix, err)
	}
	s.mu.Lock()
	s.pool = pool
	s.mu.Unlock()

	if cfg.RunMigrations {
		migrations, err := db.LoadMigrations(cfg.MigrationPath)
		if err != nil {
			return fmt.Errorf("%s - failed to load migrations: %w", logPrefix, err)
		}
		if _, err := db.RunMigrations(ctx, pool, migrations); err != nil {
			return fmt.Errorf("%s - failed to run migrations: %w", logPrefix, err)
		}
	}

	repo := db.NewEndpointRepository(pool)
	if _, err := repo.PruneStale(ctx, time.Now().Add(-staleAfter)); err != nil {
		slog.Warn(fmt.Sprintf("%s - prune stale endpoints: %v", logPrefix, err))
	}
	s.mu.Lock()
	s.store = discovery.NewPostgresStore(repo)
	s.mu.Unlock()
	return nil
}

func (s *Server) connectorOptions() []connector.Option {
	cfg := s.cfg
	opts := []connector.Option{
		connector.WithNodeID(cfg.NodeID),
		connector.WithCallTimeout(cfg.CallTimeout),
		connector.WithDrainTimeout(cfg.DrainTimeout),
	}
	if cfg.PingEnabled {
		opts = append(opts, connector.WithPing(cfg.PingInterval, cfg.PingTimeout))
	} else {
		opts = append(opts, connector.WithoutPing())
	}
	return opts
}

// Stop announces STOPPING, drains the listener, withdraws the endpoint and
// releases NATS and the database. Calling Stop more than once is a no-op.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	e, l, srv := s.endpoint, s.listener, s.httpServer
	s.mu.Unlock()

	var errs []error
	if e.ID != "" {
		if _, err := s.registrar.SetState(ctx, e.Service, e.ID, discovery.StateStopping); err != nil {
			errs = append(errs, err)
		}
	}
	if srv != nil {
		hctx, cancel := context.WithTimeout(ctx, s.cfg.HealthCheckTimeout)
		if err := srv.Shutdown(hctx); err != nil {
			errs = append(errs, fmt.Errorf("%s - http shutdown: %w", logPrefix, err))
		}
		cancel()
	}
	if l != nil {
		if err := l.StopListen(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if e.ID != "" {
		if err := s.registrar.Withdraw(ctx, e.Service, e.ID); err != nil {
			errs = append(errs, err)
		}
	}
	s.release()

	slog.Info(fmt.Sprintf("%s - Shutdown complete", logPrefix))
	return errors.Join(errs...)
}

// release closes NATS and the pool. It is safe to call more than once.
func (s *Server) release() {
	s.mu.Lock()
	sub, nc, pool, l := s.listSub, s.nc, s.pool, s.listener
	s.listSub, s.nc, s.pool = nil, nil, nil
	s.mu.Unlock()

	if l != nil {
		_ = l.StopListen(context.Background())
	}
	if sub != nil {
		_ = sub.Unsubscribe()
	}
	if nc != nil {
		if err := nc.Drain(); err != nil {
			nc.Close()
		}
	}
	if pool != nil {
		pool.Close()
	}
}

// Handler returns the HTTP probe mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	return mux
}

type healthOutput struct {
	Status    string          `json:"status"`
	Checks    map[string]bool `json:"checks"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.HealthCheckTimeout)
	defer cancel()

	s.mu.Lock()
	l, nc, pool := s.listener, s.nc, s.pool
	s.mu.Unlock()

	checks := map[string]bool{
		"listener": l != nil && l.State() == connector.StateReady,
	}
	if nc != nil {
		checks["nats"] = nc.IsConnected()
	}
	if pool != nil {
		checks["database"] = pool.Ping(ctx) == nil
	}
	out := healthOutput{Status: "healthy", Checks: checks, Timestamp: time.Now().UTC().Format(time.RFC3339)}
	for _, ok := range checks {
		if !ok {
			out.Status = "unhealthy"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if out.Status != "healthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(out)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	l, e := s.listener, s.endpoint
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if l == nil || l.State() != connector.StateReady || e.State != discovery.StateReady {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"status": "not ready"})
		return
	}
	w.Header().Set("X-Connections", strconv.Itoa(l.Len()))
	json.NewEncoder(w).Encode(map[string]any{"status": "ready", "connections": l.Len(), "sessions": s.sessions.stats()})
}

// Broadcast sends a notification to every client currently connected to
// this node and returns how many received it.
func (s *Server) Broadcast(ctx context.Context, method string, payload any) (int, error) {
	return s.sessions.notify(ctx, method, payload)
}

// Sessions returns counters for the links accepted by this node.
func (s *Server) Sessions() SessionStats {
	return s.sessions.stats()
}

// Address returns the bound listener address, or "" before Start.
func (s *Server) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Address()
}
