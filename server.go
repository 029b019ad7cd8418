// File: server.go
package main

import (
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"quotecast/internal/auth"
	"quotecast/internal/fanout"
	"quotecast/internal/health"
	"quotecast/internal/stream"
	"quotecast/internal/watchlist"
)

type reloader interface {
	Reload() error
}

type routes struct {
	manager  *fanout.Manager
	verifier *auth.Verifier
	lists    watchlist.Source
	stream   *stream.Handler
	health   *health.Handler
	gatherer prometheus.Gatherer
	log      *zap.Logger
}

func (rt *routes) mux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.Handle("/api/stream", rt.verifier.Middleware(rt.stream))
	mux.Handle("/api/admin/ticker-health", rt.verifier.RequireRole("admin", http.HandlerFunc(rt.health.Health)))
	mux.Handle("/api/admin/ticker-repair", rt.verifier.RequireRole("admin", http.HandlerFunc(rt.health.Repair)))
	mux.Handle("/api/admin/stats", rt.verifier.RequireRole("admin", http.HandlerFunc(rt.stats)))

	mux.Handle("/api/watchlist", rt.verifier.Middleware(http.HandlerFunc(rt.watchlist)))
	mux.Handle("/api/watchlist/reload", rt.verifier.RequireRole("admin", http.HandlerFunc(rt.reloadWatchlist)))

	mux.Handle("/metrics", promhttp.HandlerFor(rt.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

func (rt *routes) stats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, rt.manager.Stats())
}

func (rt *routes) watchlist(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}
	sess, _ := auth.FromContext(r.Context())
	symbols, err := rt.lists.Symbols(r.Context(), sess.UserID)
	if err != nil {
		rt.log.Warn("watchlist lookup failed", zap.String("user", sess.UserID), zap.Error(err))
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": "watchlist unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"symbols": symbols})
}

// reloadWatchlist re-reads the file backend. Open streams keep their
// interest set until they reconnect.
func (rt *routes) reloadWatchlist(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	rl, ok := rt.lists.(reloader)
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"ok": false, "status": "Watchlist backend does not support reload"})
		return
	}
	if err := rl.Reload(); err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"ok": false, "status": "Reload failed: " + err.Error()})
		return
	}
	rt.log.Info("watchlist reloaded")
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "status": "Watchlist reloaded"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
