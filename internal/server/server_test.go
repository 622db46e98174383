package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/laoshu133/html2image-cdp/internal/browser"
	"github.com/laoshu133/html2image-cdp/internal/browser/browsertest"
	"github.com/laoshu133/html2image-cdp/internal/config"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Storage.Backend = config.BackendMemory
	cfg.Pool.Capacity = 1
	cfg.Pool.AcquireTimeout = time.Second
	cfg.Render.RenderDelay = 0
	cfg.Render.ReadyInterval = 5 * time.Millisecond
	return cfg
}

func bodyDialer() *browsertest.Dialer {
	return &browsertest.Dialer{Setup: func(d *browsertest.Driver) {
		d.Nodes["body"] = []browser.NodeID{1}
		d.Quads[1] = browser.Quad{0, 0, 640, 0, 640, 480, 0, 480}
	}}
}

func TestBuild_ServesShots(t *testing.T) {
	t.Parallel()

	dialer := bodyDialer()
	app, err := Build(context.Background(), testConfig(t), Options{Logger: zap.NewNop(), Dialer: dialer})
	require.NoError(t, err)
	t.Cleanup(func() { app.Close(context.Background()) })

	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/?url=about:blank", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body struct {
		ID     string   `json:"id"`
		Images []string `json:"images"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.Len(t, body.Images, 1)
	assert.NotEmpty(t, body.ID)
	require.Len(t, dialer.Drivers(), 1)
	assert.Equal(t, "about:blank", dialer.Drivers()[0].URL())

	rec = httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBuild_CloseMarksPoolClosed(t *testing.T) {
	t.Parallel()

	app, err := Build(context.Background(), testConfig(t), Options{Logger: zap.NewNop(), Dialer: bodyDialer()})
	require.NoError(t, err)
	app.Close(context.Background())

	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestBuild_LocalStorageServesFiles(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Storage.Backend = config.BackendLocal
	cfg.Storage.Local.BaseDir = t.TempDir()
	app, err := Build(context.Background(), cfg, Options{Logger: zap.NewNop(), Dialer: bodyDialer()})
	require.NoError(t, err)
	t.Cleanup(func() { app.Close(context.Background()) })

	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/file/missing.png", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBuild_InvalidIntercept(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Intercept.HostsMap = "@127.0.0.1"
	_, err := Build(context.Background(), cfg, Options{Logger: zap.NewNop(), Dialer: bodyDialer()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "intercept.hosts_map")
}

func TestSetupGate(t *testing.T) {
	t.Parallel()

	gate, err := setupGate(config.InterceptConfig{})
	require.NoError(t, err)
	assert.Nil(t, gate)

	gate, err = setupGate(config.InterceptConfig{HostsMap: "cdn.test@127.0.0.1", Block: []string{"*.ads.test"}})
	require.NoError(t, err)
	require.NotNil(t, gate)
	assert.True(t, gate.Enabled())

	_, err = setupGate(config.InterceptConfig{Block: []string{"[unterminated"}})
	require.Error(t, err)
}
