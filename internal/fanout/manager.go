// File: internal/fanout/manager.go
package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"quotecast/internal/metrics"
	"quotecast/internal/quote"
)

// ErrTickerNotRunning is returned by diagnostics when no upstream ticker exists.
var ErrTickerNotRunning = errors.New("Ticker not running")

const DefaultHealthInterval = 5 * time.Minute

// Conn is one downstream connection. Send must not block; an error means the
// connection is gone and the client will be unsubscribed.
type Conn interface {
	Send(data []byte) error
	Close()
}

// Update is the downstream event for one quote.
type Update struct {
	Symbol        string  `json:"symbol"`
	Price         float64 `json:"price"`
	Change        float64 `json:"change"`
	ChangePercent float64 `json:"changePercent"`
	Volume        float64 `json:"volume"`
	Time          int64   `json:"time"`
}

func updateFor(st quote.TickerState) Update {
	ts := st.EventTime
	if ts == 0 && !st.LastUpdateAt.IsZero() {
		ts = st.LastUpdateAt.Unix()
	}
	return Update{
		Symbol:        st.Symbol,
		Price:         st.Price,
		Change:        st.Change,
		ChangePercent: st.ChangePercent,
		Volume:        st.Volume,
		Time:          ts,
	}
}

// State is the manager lifecycle.
type State int

const (
	Stopped State = iota
	Starting
	Running
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Running:
		return "running"
	default:
		return "stopped"
	}
}

// Factory builds a ticker seeded with symbols.
type Factory func(symbols []string) quote.Ticker

type Options struct {
	NewTicker      Factory
	HealthInterval time.Duration
	Logger         *zap.Logger
	Metrics        *metrics.Metrics
}

// Stats is the registry summary.
type Stats struct {
	ClientCount     int  `json:"clientCount"`
	SymbolCount     int  `json:"symbolCount"`
	IsTickerRunning bool `json:"isTickerRunning"`
}

type client struct {
	conn    Conn
	symbols map[string]struct{}
}

// Manager maps downstream clients to symbols and owns the one upstream ticker.
// Create one per process and hand it to the transports.
type Manager struct {
	newTicker      Factory
	healthInterval time.Duration
	log            *zap.Logger
	metrics        *metrics.Metrics

	mu                sync.Mutex
	clients           map[string]*client
	symbolSubscribers map[string]map[string]struct{}
	ticker            quote.Ticker
	state             State
	stopHealth        context.CancelFunc
}

func NewManager(opts Options) *Manager {
	if opts.NewTicker == nil {
		panic("fanout: NewTicker is required")
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = DefaultHealthInterval
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Manager{
		newTicker:         opts.NewTicker,
		healthInterval:    opts.HealthInterval,
		log:               opts.Logger.Named("fanout"),
		metrics:           opts.Metrics,
		clients:           make(map[string]*client),
		symbolSubscribers: make(map[string]map[string]struct{}),
	}
}

// SubscribeClient registers a client and makes sure the ticker covers its symbols.
// The first client starts the ticker; a failed start is returned and the ticker discarded.
func (m *Manager) SubscribeClient(ctx context.Context, clientID string, symbols []string, conn Conn) error {
	syms := quote.NormalizeAll(symbols)

	m.mu.Lock()
	// a reused id replaces its old interest set without touching the ticker
	m.unindexLocked(clientID)
	set := make(map[string]struct{}, len(syms))
	for _, s := range syms {
		set[s] = struct{}{}
		subs, ok := m.symbolSubscribers[s]
		if !ok {
			subs = make(map[string]struct{})
			m.symbolSubscribers[s] = subs
		}
		subs[clientID] = struct{}{}
	}
	m.clients[clientID] = &client{conn: conn, symbols: set}
	m.publishSizesLocked()

	t := m.ticker
	if t == nil {
		t = m.newTicker(m.interestingLocked())
		m.ticker = t
		m.state = Starting
		m.metrics.SetTickerRunning(true)
		t.OnUpdate(func(sym string, st quote.TickerState) { m.broadcastFrom(t, sym, st) })
		m.mu.Unlock()

		m.log.Info("starting ticker", zap.String("client", clientID), zap.Int("symbols", len(syms)))
		err := t.Start(ctx)

		m.mu.Lock()
		defer m.mu.Unlock()
		if m.ticker != t {
			// every client left while we were connecting
			return nil
		}
		if err != nil {
			m.ticker = nil
			m.state = Stopped
			m.metrics.SetTickerRunning(false)
			t.Stop()
			m.evictOthersLocked(clientID, err)
			return fmt.Errorf("start ticker: %w", err)
		}
		m.state = Running
		m.startHealthLocked(t)
		return nil
	}

	tracked := make(map[string]struct{})
	for _, s := range t.Symbols() {
		tracked[s] = struct{}{}
	}
	var missing []string
	for _, s := range syms {
		if _, ok := tracked[s]; !ok {
			missing = append(missing, s)
		}
	}
	m.mu.Unlock()

	if len(missing) > 0 {
		if err := t.AddSymbols(ctx, missing); err != nil {
			m.log.Warn("add symbols failed", zap.Strings("symbols", missing), zap.Error(err))
		}
	}
	return nil
}

// UnsubscribeClient drops a client; the last one out stops the ticker. Unknown ids are ignored.
func (m *Manager) UnsubscribeClient(clientID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(clientID)
}

func (m *Manager) removeLocked(clientID string) {
	if !m.unindexLocked(clientID) {
		return
	}
	if len(m.clients) == 0 && m.ticker != nil {
		m.log.Info("last client gone; stopping ticker")
		m.ticker.Stop()
		m.ticker = nil
		m.state = Stopped
		if m.stopHealth != nil {
			m.stopHealth()
			m.stopHealth = nil
		}
		m.metrics.SetTickerRunning(false)
	}
}

// broadcastFrom delivers one update from ticker t. Updates from a replaced ticker are dropped.
func (m *Manager) broadcastFrom(t quote.Ticker, symbol string, st quote.TickerState) {
	payload, err := json.Marshal(updateFor(st))
	if err != nil {
		m.log.Error("encode update", zap.String("symbol", symbol), zap.Error(err))
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ticker != t {
		return
	}
	subs := m.symbolSubscribers[symbol]
	if len(subs) == 0 {
		return
	}
	dead := make(map[string]error)
	delivered := 0
	for id := range subs {
		if err := m.clients[id].conn.Send(payload); err != nil {
			dead[id] = err
			continue
		}
		delivered++
	}
	m.metrics.AddDelivered(delivered)
	// removal waits until the loop is done with subs
	for id, cause := range dead {
		m.dropLocked(id, cause)
	}
}

func (m *Manager) dropLocked(clientID string, cause error) {
	c, ok := m.clients[clientID]
	if !ok {
		return
	}
	m.log.Info("dropping dead client", zap.String("client", clientID), zap.Error(cause))
	c.conn.Close()
	m.metrics.IncDropped()
	m.removeLocked(clientID)
}

// SendInitialStates pushes the cached quote of each of the client's symbols that
// has data. Returns the number of events sent.
func (m *Manager) SendInitialStates(clientID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[clientID]
	if !ok || m.ticker == nil {
		return 0
	}
	states := m.ticker.States()
	syms := make([]string, 0, len(c.symbols))
	for s := range c.symbols {
		syms = append(syms, s)
	}
	sort.Strings(syms)

	sent := 0
	for _, s := range syms {
		st, ok := states[s]
		if !ok || !st.HasData() {
			continue
		}
		payload, err := json.Marshal(updateFor(st))
		if err != nil {
			continue
		}
		if err := c.conn.Send(payload); err != nil {
			m.dropLocked(clientID, err)
			break
		}
		sent++
	}
	m.metrics.AddDelivered(sent)
	return sent
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		ClientCount:     len(m.clients),
		SymbolCount:     len(m.symbolSubscribers),
		IsTickerRunning: m.ticker != nil,
	}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SubscriptionHealth returns the ticker's liveness stats, or nil when no ticker runs.
func (m *Manager) SubscriptionHealth() *quote.SubscriptionStats {
	m.mu.Lock()
	t := m.ticker
	m.mu.Unlock()
	if t == nil {
		return nil
	}
	st := t.SubscriptionStats()
	return &st
}

// AutoRepair asks the running ticker to re-subscribe stale symbols.
func (m *Manager) AutoRepair(ctx context.Context) (int, error) {
	m.mu.Lock()
	t := m.ticker
	m.mu.Unlock()
	if t == nil {
		return 0, ErrTickerNotRunning
	}
	n := t.AutoRepairSubscriptions(ctx)
	m.log.Info("repair pass", zap.Int("repaired", n))
	return n, nil
}

// Shutdown closes every client and stops the ticker.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.clients))
	for id := range m.clients {
		ids = append(ids, id)
	}
	for _, id := range ids {
		m.clients[id].conn.Close()
		m.removeLocked(id)
	}
}

// evictOthersLocked closes every client except keep after a failed start, so
// their streams end and reconnect instead of waiting on a ticker that never came up.
// keep is left registered for its caller to remove.
func (m *Manager) evictOthersLocked(keep string, cause error) {
	for id, c := range m.clients {
		if id == keep {
			continue
		}
		m.log.Warn("evicting client after failed start", zap.String("client", id), zap.Error(cause))
		c.conn.Close()
		m.unindexLocked(id)
		m.metrics.IncDropped()
	}
}

// unindexLocked removes the client from both indexes, deleting emptied symbol entries.
func (m *Manager) unindexLocked(clientID string) bool {
	c, ok := m.clients[clientID]
	if !ok {
		return false
	}
	delete(m.clients, clientID)
	for s := range c.symbols {
		subs := m.symbolSubscribers[s]
		delete(subs, clientID)
		if len(subs) == 0 {
			delete(m.symbolSubscribers, s)
		}
	}
	m.publishSizesLocked()
	return true
}

func (m *Manager) interestingLocked() []string {
	out := make([]string, 0, len(m.symbolSubscribers))
	for s := range m.symbolSubscribers {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func (m *Manager) publishSizesLocked() {
	m.metrics.SetRegistry(len(m.clients), len(m.symbolSubscribers))
}

func (m *Manager) startHealthLocked(t quote.Ticker) {
	ctx, cancel := context.WithCancel(context.Background())
	m.stopHealth = cancel
	go m.healthLoop(ctx, t)
}

// healthLoop only logs; repair stays a manual action.
func (m *Manager) healthLoop(ctx context.Context, t quote.Ticker) {
	tk := time.NewTicker(m.healthInterval)
	defer tk.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tk.C:
			m.logHealth(t.SubscriptionStats())
		}
	}
}

func (m *Manager) logHealth(st quote.SubscriptionStats) {
	fields := []zap.Field{
		zap.Int("total", st.TotalSymbols),
		zap.Int("active", st.ActiveSymbols),
		zap.Int("stale", st.StaleSymbols),
		zap.Int("never_updated", st.NeverUpdatedSymbols),
	}
	if st.StaleSymbols == 0 && st.NeverUpdatedSymbols == 0 {
		m.log.Info("subscription health", fields...)
		return
	}
	fields = append(fields,
		zap.Strings("stale_symbols", head(st.StaleList, 20)),
		zap.Strings("never_updated_symbols", head(st.NeverUpdatedList, 20)),
	)
	m.log.Warn("subscription health degraded", fields...)
}

func head(s []string, n int) []string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
