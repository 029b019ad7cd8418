package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Record(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.SetRegistry(3, 7)
	m.SetTickerRunning(true)
	m.AddDelivered(4)
	m.AddDelivered(0)
	m.IncDropped()
	m.AddRepaired(2)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.ClientsConnected))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.SymbolsTracked))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TickerRunning))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.EventsDelivered))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ClientsDropped))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.SymbolsRepaired))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.SetRegistry(1, 1)
		m.SetTickerRunning(false)
		m.IncQuoteFrame()
		m.AddDelivered(1)
		m.IncDropped()
		m.IncReconnect()
		m.AddRepaired(1)
	})
}
