// File: internal/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the collectors for the quote pipeline. A nil *Metrics is valid and records nothing.
type Metrics struct {
	ClientsConnected prometheus.Gauge
	SymbolsTracked   prometheus.Gauge
	TickerRunning    prometheus.Gauge
	QuoteFrames      prometheus.Counter
	EventsDelivered  prometheus.Counter
	ClientsDropped   prometheus.Counter
	Reconnects       prometheus.Counter
	SymbolsRepaired  prometheus.Counter
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ClientsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "quotecast", Name: "stream_clients",
			Help: "Downstream SSE clients currently registered.",
		}),
		SymbolsTracked: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "quotecast", Name: "symbols_subscribed",
			Help: "Symbols with at least one interested client.",
		}),
		TickerRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "quotecast", Name: "ticker_running",
			Help: "1 while an upstream ticker instance exists.",
		}),
		QuoteFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quotecast", Name: "upstream_quote_frames_total",
			Help: "Quote frames applied to ticker state.",
		}),
		EventsDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quotecast", Name: "stream_events_total",
			Help: "Update events queued to downstream clients.",
		}),
		ClientsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quotecast", Name: "stream_clients_dropped_total",
			Help: "Clients removed after a failed write.",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quotecast", Name: "upstream_reconnects_total",
			Help: "Upstream reconnect attempts.",
		}),
		SymbolsRepaired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quotecast", Name: "upstream_symbols_repaired_total",
			Help: "Symbols re-subscribed by repair passes.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.ClientsConnected, m.SymbolsTracked, m.TickerRunning, m.QuoteFrames,
			m.EventsDelivered, m.ClientsDropped, m.Reconnects, m.SymbolsRepaired,
		)
	}
	return m
}

func (m *Metrics) SetRegistry(clients, symbols int) {
	if m == nil {
		return
	}
	m.ClientsConnected.Set(float64(clients))
	m.SymbolsTracked.Set(float64(symbols))
}

func (m *Metrics) SetTickerRunning(running bool) {
	if m == nil {
		return
	}
	if running {
		m.TickerRunning.Set(1)
	} else {
		m.TickerRunning.Set(0)
	}
}

func (m *Metrics) IncQuoteFrame() {
	if m != nil {
		m.QuoteFrames.Inc()
	}
}

func (m *Metrics) AddDelivered(n int) {
	if m != nil && n > 0 {
		m.EventsDelivered.Add(float64(n))
	}
}

func (m *Metrics) IncDropped() {
	if m != nil {
		m.ClientsDropped.Inc()
	}
}

func (m *Metrics) IncReconnect() {
	if m != nil {
		m.Reconnects.Inc()
	}
}

func (m *Metrics) AddRepaired(n int) {
	if m != nil && n > 0 {
		m.SymbolsRepaired.Add(float64(n))
	}
}
