// ABOUTME: Gateway orchestrator that wires store, auth, registry, bridge and transport
// ABOUTME: Owns the HTTP server lifecycle: listen, serve, graceful shutdown

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/2389/netra-gateway/internal/auth"
	"github.com/2389/netra-gateway/internal/bridge"
	"github.com/2389/netra-gateway/internal/config"
	"github.com/2389/netra-gateway/internal/registry"
	"github.com/2389/netra-gateway/internal/store"
	"github.com/2389/netra-gateway/internal/transport"
)

// purgeInterval is how often the SQLite store drops expired rows.
const purgeInterval = time.Minute

// Gateway orchestrates the netra-gateway server components.
type Gateway struct {
	config        *config.Config
	store         store.KV
	identity      *auth.JWTIdentity
	authenticator *auth.Authenticator
	registry      *registry.Registry
	hub           *transport.Hub
	bridge        *bridge.Bridge
	httpServer    *http.Server
	logger        *slog.Logger

	// serverID identifies this gateway instance in connection records
	serverID string
}

// initStore opens the configured backing store.
func initStore(cfg *config.Config) (store.KV, error) {
	switch cfg.Store.Backend {
	case "memory":
		return store.NewMemoryKV(), nil
	case "sqlite":
		s, err := store.NewSQLiteKV(cfg.Store.Path, purgeInterval)
		if err != nil {
			return nil, fmt.Errorf("opening store: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	kv, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	serverID := cfg.Server.InstanceID
	if serverID == "" {
		serverID = generateServerID()
	}

	env := cfg.EnvironmentClass()
	identity := auth.NewJWTIdentity([]byte(cfg.Auth.JWTSecret))
	authenticator := auth.NewAuthenticator(cfg.Auth, env, identity, logger)
	if authenticator.BypassAllowed() {
		logger.Warn("auth bypass enabled", "environment", env, "user_id", cfg.Auth.Bypass.UserID)
	}

	reg := registry.New(kv, cfg.Registry, serverID, logger)
	hub := transport.NewHub()
	br := bridge.New(reg, hub, cfg.Bridge, logger)

	gw := &Gateway{
		config:        cfg,
		store:         kv,
		identity:      identity,
		authenticator: authenticator,
		registry:      reg,
		hub:           hub,
		bridge:        br,
		logger:        logger.With("component", "gateway"),
		serverID:      serverID,
	}

	ws := transport.NewHandler(authenticator, reg, hub, transport.Options{
		HeartbeatTimeout: cfg.Registry.HeartbeatTimeout,
	}, logger)

	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("GET /health", gw.handleHealth)
	mux.HandleFunc("GET /health/ready", gw.handleReady)

	mux.Handle("GET /ws", ws)

	// Agent ingress - bearer token with the publish permission
	publish := auth.RequirePermission(identity, cfg.Auth.PublishPermission)
	mux.Handle("POST /api/v1/events", publish(http.HandlerFunc(gw.handlePublishEvent)))

	if cfg.Metrics.Enabled {
		mux.Handle("GET "+cfg.Metrics.Path, promhttp.Handler())
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	gw.logger.Info("gateway configured",
		"server_id", serverID,
		"environment", authenticator.Environment(),
		"store", cfg.Store.Backend,
		"metrics", cfg.Metrics.Enabled,
	)
	return gw, nil
}

// Handler returns the HTTP handler serving every route.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// startServer starts the HTTP server in a goroutine, returning an error channel.
func (g *Gateway) startServer(ln net.Listener) chan error {
	errCh := make(chan error, 1)

	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		return err
	}
}

// Run starts the HTTP server and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}

	g.logger.Info("starting gateway", "http_addr", ln.Addr().String())

	errCh := g.startServer(ln)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout,
// since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops accepting requests, closes live sockets, waits for their
// sessions to record the disconnect, then closes the store.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway", "connections", g.hub.Count())

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	// Hijacked WebSocket connections are not tracked by http.Server.
	g.hub.CloseAll(transport.CloseGoingAway, "server shutting down")
	g.waitForDrain(ctx)

	g.bridge.Close()
	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

func (g *Gateway) waitForDrain(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for g.hub.Count() > 0 {
		select {
		case <-ctx.Done():
			g.logger.Warn("shutdown deadline reached with live connections", "connections", g.hub.Count())
			return
		case <-ticker.C:
		}
	}
}

// generateServerID creates a unique identifier for this gateway instance.
func generateServerID() string {
	return "netra-gateway-" + uuid.NewString()[:8]
}
