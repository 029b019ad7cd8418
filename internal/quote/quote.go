// File: internal/quote/quote.go
package quote

import (
	"context"
	"sort"
	"strings"
	"time"
)

const (
	// StaleAfter is the age after which an active symbol is reported as stale.
	StaleAfter = 5 * time.Minute
	// RepairAfter is the age after which a symbol is re-subscribed by a repair pass.
	RepairAfter = 10 * time.Minute
)

// TickerState is the last known quote for one symbol.
// LastUpdateAt is local wall-clock time of the last applied frame (zero = never updated);
// EventTime is the upstream-reported quote time in seconds.
type TickerState struct {
	Symbol        string
	Price         float64
	Change        float64
	ChangePercent float64
	Volume        float64
	EventTime     int64
	LastUpdateAt  time.Time
	UpdateCount   uint64
}

// HasData reports whether the state carries anything worth showing to a client.
func (s TickerState) HasData() bool {
	return !s.LastUpdateAt.IsZero() || s.Price != 0
}

// SubscriptionStats summarises upstream liveness for all tracked symbols.
type SubscriptionStats struct {
	TotalSymbols        int      `json:"totalSymbols"`
	ActiveSymbols       int      `json:"activeSymbols"`
	StaleSymbols        int      `json:"staleSymbols"`
	NeverUpdatedSymbols int      `json:"neverUpdatedSymbols"`
	StaleList           []string `json:"staleList"`
	NeverUpdatedList    []string `json:"neverUpdatedList"`
}

// Ticker is the capability shared by the live upstream client and the simulator.
type Ticker interface {
	Start(ctx context.Context) error
	Stop()
	OnUpdate(fn func(symbol string, st TickerState))
	AddSymbols(ctx context.Context, symbols []string) error
	States() map[string]TickerState
	Symbols() []string
	SubscriptionStats() SubscriptionStats
	AutoRepairSubscriptions(ctx context.Context) int
}

// Classify computes liveness stats at now. Health reporting and repair both go through here.
func Classify(states map[string]TickerState, now time.Time) SubscriptionStats {
	out := SubscriptionStats{
		TotalSymbols:     len(states),
		StaleList:        []string{},
		NeverUpdatedList: []string{},
	}
	for sym, st := range states {
		if st.LastUpdateAt.IsZero() {
			out.NeverUpdatedSymbols++
			out.NeverUpdatedList = append(out.NeverUpdatedList, sym)
			continue
		}
		out.ActiveSymbols++
		if now.Sub(st.LastUpdateAt) > StaleAfter {
			out.StaleSymbols++
			out.StaleList = append(out.StaleList, sym)
		}
	}
	sort.Strings(out.StaleList)
	sort.Strings(out.NeverUpdatedList)
	return out
}

// RepairCandidates returns symbols never updated or silent for longer than RepairAfter.
func RepairCandidates(states map[string]TickerState, now time.Time) []string {
	var out []string
	for sym, st := range states {
		if st.LastUpdateAt.IsZero() || now.Sub(st.LastUpdateAt) > RepairAfter {
			out = append(out, sym)
		}
	}
	sort.Strings(out)
	return out
}

// Normalize canonicalises a symbol: trimmed, upper-cased, exchange prefix kept as given.
func Normalize(sym string) string {
	return strings.ToUpper(strings.TrimSpace(sym))
}

// NormalizeAll canonicalises and de-duplicates, preserving first-seen order.
func NormalizeAll(symbols []string) []string {
	seen := make(map[string]struct{}, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		s = Normalize(s)
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
