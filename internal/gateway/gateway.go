// ABOUTME: Gateway orchestrator that wires rooms, dispatcher, persistence and transports
// ABOUTME: Manages HTTP/websocket and gRPC health servers and their lifecycle

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"tailscale.com/tsnet"

	"github.com/2389/pairroom/internal/auth"
	"github.com/2389/pairroom/internal/clock"
	"github.com/2389/pairroom/internal/config"
	"github.com/2389/pairroom/internal/execution"
	"github.com/2389/pairroom/internal/mirror"
	"github.com/2389/pairroom/internal/room"
	"github.com/2389/pairroom/internal/store"
)

const shutdownTimeout = 5 * time.Second

// Gateway owns every server component of pairroom-gateway.
type Gateway struct {
	config     *config.Config
	registry   *room.Registry
	hub        *Hub
	router     *Router
	bridge     *Bridge
	dispatcher *execution.Dispatcher
	store      store.Store // nil when database.driver is none

	httpServer   *http.Server
	grpcServer   *grpc.Server // nil unless grpc_addr is set or tailscale is on
	healthServer *health.Server
	tsnetServer  *tsnet.Server

	shutdownOnce sync.Once
	shutdownErr  error

	logger *slog.Logger
}

// initStore opens the history store selected by database.driver.
// PAIRROOM_DB_PATH overrides the sqlite path.
func initStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Database.Driver {
	case config.DriverNone:
		return nil, nil
	case config.DriverPostgres:
		s, err := store.NewPostgresStore(ctx, cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("initializing store: %w", err)
		}
		return s, nil
	default:
		dbPath := cfg.Database.Path
		if envPath := os.Getenv("PAIRROOM_DB_PATH"); envPath != "" {
			dbPath = envPath
		}
		s, err := store.NewSQLiteStore(dbPath)
		if err != nil {
			return nil, fmt.Errorf("initializing store: %w", err)
		}
		return s, nil
	}
}

func initMirror(ctx context.Context, cfg *config.Config, logger *slog.Logger) (mirror.Publisher, error) {
	if !cfg.Mirror.Enabled {
		return mirror.Nop{}, nil
	}
	m, err := mirror.NewRedisMirror(ctx, cfg.Mirror.RedisAddr, cfg.Mirror.ChannelPrefix, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing mirror: %w", err)
	}
	return m, nil
}

func initVerifier(cfg *config.Config, logger *slog.Logger) (auth.TokenVerifier, error) {
	if cfg.Auth.JWTSecret == "" {
		logger.Warn("identity tokens disabled - no jwt_secret configured")
		return nil, nil
	}
	v, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return nil, fmt.Errorf("creating JWT verifier: %w", err)
	}
	logger.Info("identity token verification enabled")
	return v, nil
}

func newDispatcher(cfg config.ExecutionConfig, logger *slog.Logger) *execution.Dispatcher {
	backend := execution.NewPistonClient(execution.PistonConfig{
		Endpoint:           cfg.Endpoint,
		CompileTimeout:     cfg.CompileTimeout,
		RunTimeout:         cfg.RunTimeout,
		CompileMemoryLimit: cfg.CompileMemoryLimit,
		RunMemoryLimit:     cfg.RunMemoryLimit,
	})
	return execution.NewDispatcher(backend, execution.Options{
		MinInterval: cfg.MinInterval,
		Policy: execution.Policy{
			MaxAttempts: cfg.MaxAttempts,
			BaseDelay:   cfg.BaseDelay,
			MaxDelay:    cfg.MaxDelay,
			Jitter:      cfg.Jitter,
		},
		RequestTimeout: cfg.RequestTimeout,
		QueueSize:      cfg.QueueSize,
		Logger:         logger,
	})
}

// newGRPCServer creates the health-only gRPC server.
func newGRPCServer() (*grpc.Server, *health.Server) {
	server := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(server, hs)
	return server, hs
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s, err := initStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	closeStore := func() {
		if s != nil {
			_ = s.Close()
		}
	}

	pub, err := initMirror(ctx, cfg, logger)
	if err != nil {
		closeStore()
		return nil, err
	}

	verifier, err := initVerifier(cfg, logger)
	if err != nil {
		closeStore()
		_ = pub.Close()
		return nil, err
	}

	clk := clock.Real()
	hub := NewHub(logger)
	bridge := NewBridge(s, pub, clk, logger)
	dispatcher := newDispatcher(cfg.Execution, logger)

	// The registry reports typing expiry to the router, which needs the registry.
	var router *Router
	registry := room.NewRegistry(room.Options{
		TypingTimeout: cfg.Rooms.TypingTimeout,
		SweepInterval: cfg.Rooms.SweepInterval,
		ChatCapacity:  cfg.Rooms.ChatCapacity,
		OnTypingExpired: func(state room.TypingState) {
			router.TypingExpired(state)
		},
		Clock:  clk,
		Logger: logger,
	})
	router = NewRouter(RouterOptions{
		Registry: registry,
		Hub:      hub,
		Executor: dispatcher,
		Bridge:   bridge,
		Verifier: verifier,
		Clock:    clk,
		Logger:   logger,
	})

	gw := &Gateway{
		config:     cfg,
		registry:   registry,
		hub:        hub,
		router:     router,
		bridge:     bridge,
		dispatcher: dispatcher,
		store:      s,
		logger:     logger.With("component", "gateway"),
	}

	if cfg.Server.GRPCAddr != "" || cfg.Tailscale.Enabled {
		gw.grpcServer, gw.healthServer = newGRPCServer()
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Handler returns the HTTP routes: websocket upgrade, health and read-only API.
func (g *Gateway) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/ws", g.router.ServeWS)
	r.HandleFunc("/health", g.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ready", g.handleReady).Methods(http.MethodGet)
	r.HandleFunc("/api/rooms/{roomID}", g.handleRoom).Methods(http.MethodGet)
	r.HandleFunc("/api/rooms/{roomID}/executions", g.handleExecutions).Methods(http.MethodGet)
	return r
}

// listeners holds the sockets Run serves on. grpc is nil when the health
// server is disabled.
type listeners struct {
	http net.Listener
	grpc net.Listener
}

func (l listeners) close() {
	if l.http != nil {
		_ = l.http.Close()
	}
	if l.grpc != nil {
		_ = l.grpc.Close()
	}
}

func (g *Gateway) listen(ctx context.Context) (listeners, error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" || g.config.Server.GRPCAddr != "" {
			g.logger.Warn("server addresses ignored on the tailnet",
				"http_addr", g.config.Server.HTTPAddr,
				"grpc_addr", g.config.Server.GRPCAddr,
			)
		}
		return g.listenTailnet(ctx)
	}

	var ls listeners
	var err error
	ls.http, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return listeners{}, fmt.Errorf("listening on HTTP address: %w", err)
	}
	if g.grpcServer != nil {
		ls.grpc, err = net.Listen("tcp", g.config.Server.GRPCAddr)
		if err != nil {
			ls.close()
			return listeners{}, fmt.Errorf("listening on gRPC address: %w", err)
		}
	}
	return ls, nil
}

// serve starts one goroutine per listener. Failures arrive on the returned
// channel, which has room for both.
func (g *Gateway) serve(ls listeners) <-chan error {
	errCh := make(chan error, 2)

	go func() {
		g.logger.Info("HTTP server listening", "addr", ls.http.Addr().String())
		if err := g.httpServer.Serve(ls.http); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	if ls.grpc != nil {
		g.healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		go func() {
			g.logger.Info("gRPC health server listening", "addr", ls.grpc.Addr().String())
			if err := g.grpcServer.Serve(ls.grpc); err != nil {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}

	return errCh
}

// Run serves until ctx is canceled or a server fails, then shuts down.
// A clean cancel returns the shutdown result.
func (g *Gateway) Run(ctx context.Context) error {
	ls, err := g.listen(ctx)
	if err != nil {
		return err
	}
	errCh := g.serve(ls)

	var serveErr error
	select {
	case <-ctx.Done():
		g.logger.Info("stopping on context cancel")
	case serveErr = <-errCh:
		g.logger.Error("server failed", "error", serveErr)
	}

	// ctx is done by now, so shutdown gets its own deadline.
	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := g.Shutdown(stopCtx); serveErr == nil {
		return err
	}
	return serveErr
}

// stopGRPC drains in-flight health RPCs, forcing a stop when ctx expires.
func (g *Gateway) stopGRPC(ctx context.Context) {
	if g.grpcServer == nil {
		return
	}
	g.healthServer.Shutdown()

	done := make(chan struct{})
	go func() {
		defer close(done)
		g.grpcServer.GracefulStop()
	}()
	select {
	case <-done:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// Shutdown stops the servers, then drains components in dependency order:
// pending executions, the router, queued writes, and finally the store.
// Later calls return the first call's result.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shutdownOnce.Do(func() {
		g.shutdownErr = g.shutdown(ctx)
	})
	return g.shutdownErr
}

func (g *Gateway) shutdown(ctx context.Context) error {
	rooms, participants := g.registry.Stats()
	g.logger.Info("gateway stopping",
		"rooms", rooms,
		"participants", participants,
		"connections", g.hub.Count(),
		"pending_executions", g.dispatcher.Pending(),
	)

	var errs []error
	collect := func(label string, err error) {
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", label, err))
		}
	}

	collect("http", g.httpServer.Shutdown(ctx))
	g.stopGRPC(ctx)
	if g.tsnetServer != nil {
		collect("tailnet", g.tsnetServer.Close())
	}

	g.dispatcher.Close()
	g.router.Close()
	g.registry.Close()
	g.hub.Close()
	collect("bridge", g.bridge.Close())
	if g.store != nil {
		collect("store", g.store.Close())
	}

	return errors.Join(errs...)
}
