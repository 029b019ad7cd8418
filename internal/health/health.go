// File: internal/health/health.go
package health

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"quotecast/internal/fanout"
	"quotecast/internal/quote"
)

const DefaultSettle = 2 * time.Second

// Source is what the admin endpoints read from; *fanout.Manager satisfies it.
type Source interface {
	Stats() fanout.Stats
	SubscriptionHealth() *quote.SubscriptionStats
	AutoRepair(ctx context.Context) (int, error)
}

var _ Source = (*fanout.Manager)(nil)

// Score is round(active/total*100), 0 for an empty subscription.
func Score(st quote.SubscriptionStats) int {
	if st.TotalSymbols == 0 {
		return 0
	}
	return int(math.Round(float64(st.ActiveSymbols) / float64(st.TotalSymbols) * 100))
}

type Report struct {
	Success     bool                    `json:"success"`
	ClientCount int                     `json:"clientCount"`
	SymbolCount int                     `json:"symbolCount"`
	Health      quote.SubscriptionStats `json:"health"`
	HealthScore int                     `json:"healthScore"`
	Timestamp   time.Time               `json:"timestamp"`
}

type RepairResult struct {
	Success       bool                    `json:"success"`
	RepairedCount int                     `json:"repairedCount"`
	Before        quote.SubscriptionStats `json:"before"`
	After         quote.SubscriptionStats `json:"after"`
	Message       string                  `json:"message"`
}

type Handler struct {
	src    Source
	settle time.Duration
	log    *zap.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewHandler(src Source, settle time.Duration, log *zap.Logger) *Handler {
	if settle < 0 {
		settle = DefaultSettle
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{src: src, settle: settle, log: log.Named("health"), now: time.Now, sleep: sleepCtx}
}

// Health serves GET /api/admin/ticker-health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "GET only"})
		return
	}
	st := h.src.SubscriptionHealth()
	if st == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": fanout.ErrTickerNotRunning.Error()})
		return
	}
	stats := h.src.Stats()
	writeJSON(w, http.StatusOK, Report{
		Success:     true,
		ClientCount: stats.ClientCount,
		SymbolCount: stats.SymbolCount,
		Health:      *st,
		HealthScore: Score(*st),
		Timestamp:   h.now().UTC(),
	})
}

// Repair serves POST /api/admin/ticker-repair: snapshot, repair, settle, snapshot.
func (h *Handler) Repair(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "POST only"})
		return
	}
	before := h.src.SubscriptionHealth()
	if before == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": fanout.ErrTickerNotRunning.Error()})
		return
	}
	ctx := r.Context()
	n, err := h.src.AutoRepair(ctx)
	if errors.Is(err, fanout.ErrTickerNotRunning) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	if err != nil {
		h.log.Error("repair failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	h.log.Info("repair triggered", zap.Int("repaired", n))

	if n > 0 && h.settle > 0 {
		if err := h.sleep(ctx, h.settle); err != nil {
			// report what we have; the after snapshot is just taken early
			h.log.Debug("settle wait cut short", zap.Error(err))
		}
	}
	after := h.src.SubscriptionHealth()
	if after == nil {
		// ticker went away while settling
		empty := quote.Classify(nil, h.now())
		after = &empty
	}
	writeJSON(w, http.StatusOK, RepairResult{
		Success:       true,
		RepairedCount: n,
		Before:        *before,
		After:         *after,
		Message:       repairMessage(n),
	})
}

func repairMessage(n int) string {
	switch n {
	case 0:
		return "all subscriptions healthy"
	case 1:
		return "re-subscribed 1 symbol"
	default:
		return "re-subscribed " + strconv.Itoa(n) + " symbols"
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
