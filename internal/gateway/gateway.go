// ABOUTME: Service shell wiring config, store, ledger, registry, coordinator
// ABOUTME: and frontends; owns listeners (TCP or tsnet) and graceful shutdown

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"tailscale.com/tsnet"

	"github.com/arinova/clawbridge/internal/arinova"
	"github.com/arinova/clawbridge/internal/command"
	"github.com/arinova/clawbridge/internal/config"
	"github.com/arinova/clawbridge/internal/conversation"
	"github.com/arinova/clawbridge/internal/ledger"
	"github.com/arinova/clawbridge/internal/session"
	"github.com/arinova/clawbridge/internal/store"
)

// Gateway owns every long-lived component of the bridge.
type Gateway struct {
	config      *config.Config
	logger      *slog.Logger
	store       *store.Store
	ledger      *ledger.Ledger
	registry    *session.Registry
	coordinator *conversation.Coordinator
	bot         *arinova.Bot
	httpServer  *http.Server
	tsnetServer *tsnet.Server

	ready atomic.Bool
}

// New wires a gateway from configuration. The usage ledger is optional:
// an open failure degrades to no cost tracking rather than refusing to
// serve turns.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	clk := clock.New()

	stateDir, err := resolveStateDir(cfg.State.Dir)
	if err != nil {
		return nil, err
	}

	st := store.New(stateDir, logger, clk)

	led, err := ledger.Open(stateDir, logger)
	if err != nil {
		logger.Warn("usage ledger unavailable", "error", err)
		led = nil
	}

	registry := session.New(cfg, st, logger, clk)
	router := command.New(cfg, registry, led, logger)

	var recorder conversation.Recorder
	if led != nil {
		recorder = led
	}
	coordinator := conversation.New(registry, router, recorder, logger, clk)

	g := &Gateway{
		config:      cfg,
		logger:      logger.With("component", "gateway"),
		store:       st,
		ledger:      led,
		registry:    registry,
		coordinator: coordinator,
	}

	if cfg.Bot.ServerURL != "" {
		g.bot = arinova.New(cfg.Bot.ServerURL, cfg.Bot.Token, coordinator, logger, clk)
	}

	mux := http.NewServeMux()
	api := newAPI(cfg, coordinator, logger, clk)
	api.register(mux)
	mux.HandleFunc("/healthz", g.handleHealth)
	mux.HandleFunc("/readyz", g.handleReady)

	g.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return g, nil
}

// resolveStateDir returns the state directory, defaulting to the user
// data dir when unconfigured.
func resolveStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for state (set state.dir explicitly): %w", err)
	}
	return filepath.Join(home, ".local", "share", "clawbridge"), nil
}

// Run starts the gateway and blocks until the context is canceled or a
// server fails. Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	g.store.Load()
	g.registry.StartSweeper()

	if g.bot != nil {
		go g.bot.Run(ctx)
	}

	ln, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()
	g.ready.Store(true)

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// setupListener creates the TCP or tsnet listener per configuration.
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		return g.setupTailscaleListener(ctx)
	}
	addr := g.config.Server.Addr()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", addr, err)
	}
	return ln, nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set tailscale.auth_key or TS_AUTHKEY")
	}
	return authKey, nil
}

func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir := tsCfg.StateDir
	if stateDir == "" {
		base, err := resolveStateDir(g.config.State.Dir)
		if err != nil {
			return nil, err
		}
		stateDir = filepath.Join(base, "tailscale")
	}
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node",
		"hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	if len(status.TailscaleIPs) > 0 {
		g.logger.Info("tailscale node ready",
			"hostname", tsCfg.Hostname, "tailscale_ip", status.TailscaleIPs[0].String())
	}

	ln, err := g.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale port: %w", err)
	}
	return ln, nil
}

// gracefulShutdown runs Shutdown with a fresh context; the run context
// is already canceled by the time we get here.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// appendCloseError appends a labeled error when err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the HTTP server, every backend process and the
// durable stores.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")
	g.ready.Store(false)

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.registry.StopAll(ctx)

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	if g.ledger != nil {
		errs = appendCloseError(errs, "ledger close", g.ledger.Close())
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleHealth reports liveness.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady reports readiness to serve turns.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if !g.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("starting"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
