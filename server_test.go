package main

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"quotecast/internal/auth"
	"quotecast/internal/fanout"
	"quotecast/internal/health"
	"quotecast/internal/metrics"
	"quotecast/internal/quote"
	"quotecast/internal/simfeed"
	"quotecast/internal/stream"
	"quotecast/internal/watchlist"
)

type testServer struct {
	srv      *httptest.Server
	verifier *auth.Verifier
	manager  *fanout.Manager
	listPath string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	listPath := filepath.Join(t.TempDir(), "watchlist.yaml")
	require.NoError(t, os.WriteFile(listPath, []byte("default:\n  - symbol: spy\nusers:\n  alice:\n    - symbol: aapl\n"), 0o644))
	lists, err := watchlist.NewFileSource(listPath)
	require.NoError(t, err)

	verifier, err := auth.NewVerifier("test-secret", "")
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	met := metrics.New(reg)
	log := zap.NewNop()
	manager := fanout.NewManager(fanout.Options{
		NewTicker: func(symbols []string) quote.Ticker { return simfeed.New(symbols, 10*time.Millisecond, log) },
		Logger:    log,
		Metrics:   met,
	})
	t.Cleanup(manager.Shutdown)

	rt := &routes{
		manager:  manager,
		verifier: verifier,
		lists:    lists,
		stream:   stream.NewHandler(manager, lists, stream.Options{InitialStateDelay: 10 * time.Millisecond, Logger: log}),
		health:   health.NewHandler(manager, 0, log),
		gatherer: reg,
		log:      log,
	}
	srv := httptest.NewServer(rt.mux())
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, verifier: verifier, manager: manager, listPath: listPath}
}

func (ts *testServer) do(t *testing.T, method, path, user, role string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(method, ts.srv.URL+path, nil)
	require.NoError(t, err)
	if user != "" {
		tok, err := ts.verifier.Issue(user, role, time.Minute)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp, string(body)
}

func TestRoutes_PublicEndpoints(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body)

	resp, body = ts.do(t, http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "quotecast_stream_clients")
}

func TestRoutes_AuthRequired(t *testing.T) {
	ts := newTestServer(t)
	for _, path := range []string{"/api/stream", "/api/watchlist", "/api/admin/ticker-health"} {
		resp, _ := ts.do(t, http.MethodGet, path, "", "")
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, path)
	}
	resp, _ := ts.do(t, http.MethodGet, "/api/admin/ticker-health", "alice", "user")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, 0, ts.manager.Stats().ClientCount)
}

func TestRoutes_Watchlist(t *testing.T) {
	ts := newTestServer(t)

	_, body := ts.do(t, http.MethodGet, "/api/watchlist", "alice", "")
	assert.JSONEq(t, `{"symbols":["AAPL"]}`, body)
	_, body = ts.do(t, http.MethodGet, "/api/watchlist", "bob", "")
	assert.JSONEq(t, `{"symbols":["SPY"]}`, body)

	require.NoError(t, os.WriteFile(ts.listPath, []byte("users:\n  alice:\n    - symbol: msft\n"), 0o644))
	_, body = ts.do(t, http.MethodPost, "/api/watchlist/reload", "root", "admin")
	assert.JSONEq(t, `{"ok":true,"status":"Watchlist reloaded"}`, body)
	_, body = ts.do(t, http.MethodGet, "/api/watchlist", "alice", "")
	assert.JSONEq(t, `{"symbols":["MSFT"]}`, body)
}

func TestRoutes_AdminHealth(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, http.MethodGet, "/api/admin/ticker-health", "root", "admin")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.JSONEq(t, `{"error":"Ticker not running"}`, body)

	_, body = ts.do(t, http.MethodGet, "/api/admin/stats", "root", "admin")
	assert.JSONEq(t, `{"clientCount":0,"symbolCount":0,"isTickerRunning":false}`, body)
}
