// ABOUTME: Tests for gateway wiring, listener setup and graceful shutdown
// ABOUTME: Runs against the loopback listener; no tailscale node is started

package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arinova/clawbridge/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Server.Port = 0
	cfg.State.Dir = t.TempDir()
	cfg.Sessions.IdleTimeout = time.Hour
	cfg.Sessions.SweepInterval = time.Minute
	cfg.Backends.Claude.TurnTimeout = 10 * time.Minute
	return cfg
}

func TestNew(t *testing.T) {
	cfg := testConfig(t)
	g, err := New(cfg, testLogger())
	require.NoError(t, err)
	assert.NotNil(t, g.store)
	assert.NotNil(t, g.ledger)
	assert.NotNil(t, g.registry)
	assert.NotNil(t, g.coordinator)
	assert.Nil(t, g.bot, "bot disabled without a server url")

	require.NoError(t, g.Shutdown(context.Background()))
}

func TestNew_BotEnabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Bot.ServerURL = "ws://localhost:9"
	cfg.Bot.Token = "tok"
	g, err := New(cfg, testLogger())
	require.NoError(t, err)
	assert.NotNil(t, g.bot)
	require.NoError(t, g.Shutdown(context.Background()))
}

func TestRun_GracefulShutdown(t *testing.T) {
	cfg := testConfig(t)
	g, err := New(cfg, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Run(ctx) }()

	require.Eventually(t, g.ready.Load, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.False(t, g.ready.Load())
}

func TestHealthEndpoints(t *testing.T) {
	cfg := testConfig(t)
	g, err := New(cfg, testLogger())
	require.NoError(t, err)
	defer g.Shutdown(context.Background())

	rr := httptest.NewRecorder()
	g.handleHealth(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	g.handleReady(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code, "not ready before Run")

	g.ready.Store(true)
	rr = httptest.NewRecorder()
	g.handleReady(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestResolveStateDir(t *testing.T) {
	dir, err := resolveStateDir("/explicit/path")
	require.NoError(t, err)
	assert.Equal(t, "/explicit/path", dir)

	dir, err = resolveStateDir("")
	require.NoError(t, err)
	home, _ := os.UserHomeDir()
	assert.Equal(t, filepath.Join(home, ".local", "share", "clawbridge"), dir)
}

func TestResolveTailscaleAuthKey(t *testing.T) {
	key, err := resolveTailscaleAuthKey("tskey-config")
	require.NoError(t, err)
	assert.Equal(t, "tskey-config", key)

	t.Setenv("TS_AUTHKEY", "tskey-env")
	key, err = resolveTailscaleAuthKey("")
	require.NoError(t, err)
	assert.Equal(t, "tskey-env", key)

	t.Setenv("TS_AUTHKEY", "")
	_, err = resolveTailscaleAuthKey("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TS_AUTHKEY")
}

func TestAppendCloseError(t *testing.T) {
	errs := appendCloseError(nil, "first", nil)
	assert.Empty(t, errs)

	errs = appendCloseError(errs, "second", errors.New("boom"))
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "second: boom")
}
