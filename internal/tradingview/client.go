// File: internal/tradingview/client.go
package tradingview

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"quotecast/internal/metrics"
	"quotecast/internal/quote"
)

const (
	DefaultURL       = "wss://data.tradingview.com/socket.io/websocket"
	DefaultOrigin    = "https://www.tradingview.com"
	DefaultAuthToken = "unauthorized_user_token"

	DefaultBatchSize      = 50
	DefaultBatchDelay     = 200 * time.Millisecond
	DefaultReconnectDelay = 5 * time.Second

	sessionTokenLen = 12
	writeTimeout    = 10 * time.Second
)

var errStopped = errors.New("tradingview: client stopped")

// Phase is the connection state of the client.
type Phase int

const (
	Disconnected Phase = iota
	Connecting
	Connected
	ReconnectPending
)

func (p Phase) String() string {
	switch p {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case ReconnectPending:
		return "reconnect_pending"
	default:
		return "disconnected"
	}
}

type Options struct {
	URL            string
	Origin         string
	AuthToken      string
	BatchSize      int
	BatchDelay     time.Duration
	ReconnectDelay time.Duration
	Logger         *zap.Logger
	Metrics        *metrics.Metrics
}

func (o *Options) withDefaults() {
	if strings.TrimSpace(o.URL) == "" {
		o.URL = DefaultURL
	}
	if strings.TrimSpace(o.Origin) == "" {
		o.Origin = DefaultOrigin
	}
	if strings.TrimSpace(o.AuthToken) == "" {
		o.AuthToken = DefaultAuthToken
	}
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.BatchDelay < 0 {
		o.BatchDelay = 0
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = DefaultReconnectDelay
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// sessions are the ids opened by one handshake; they die with the connection.
type sessions struct {
	chart, fast, full string
}

// Client keeps one upstream socket alive and mirrors quotes for the tracked symbols.
type Client struct {
	opts    Options
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	states   map[string]*quote.TickerState
	order    []string
	phase    Phase
	conn     *websocket.Conn // set only after the quote sessions exist
	sess     sessions
	stopped  bool
	timer    *time.Timer
	onUpdate func(string, quote.TickerState)

	writeMu sync.Mutex
}

var _ quote.Ticker = (*Client)(nil)

// NewClient creates a stopped client tracking symbols.
func NewClient(symbols []string, opts Options) *Client {
	opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		opts:    opts,
		log:     opts.Logger.Named("tradingview"),
		metrics: opts.Metrics,
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
		states:  make(map[string]*quote.TickerState),
	}
	c.sleep = c.wait
	for _, s := range quote.NormalizeAll(symbols) {
		c.states[s] = &quote.TickerState{Symbol: s}
		c.order = append(c.order, s)
	}
	return c
}

// OnUpdate sets the single update callback. It runs on the reader goroutine and must not block.
func (c *Client) OnUpdate(fn func(symbol string, st quote.TickerState)) {
	c.mu.Lock()
	c.onUpdate = fn
	c.mu.Unlock()
}

// Phase reports the current connection state.
func (c *Client) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Start dials and runs the handshake. Only the first connection's failure is returned;
// later drops are retried every ReconnectDelay until Stop.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return errStopped
	}
	if c.phase != Disconnected {
		c.mu.Unlock()
		return nil
	}
	c.phase = Connecting
	c.mu.Unlock()

	if err := c.connect(ctx); err != nil {
		c.mu.Lock()
		if !c.stopped {
			c.phase = Disconnected
		}
		c.mu.Unlock()
		return err
	}
	return nil
}

// Stop suppresses reconnects and closes the socket. Safe to call more than once.
func (c *Client) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.phase = Disconnected
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	c.cancel()
	if conn != nil {
		_ = conn.Close()
	}
	c.log.Info("stopped")
}

func (c *Client) connect(ctx context.Context) error {
	dctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopDial := context.AfterFunc(c.ctx, cancel)
	defer stopDial()

	dialer := websocket.Dialer{
		HandshakeTimeout:  10 * time.Second,
		EnableCompression: true,
	}
	hdr := http.Header{}
	hdr.Set("Origin", c.opts.Origin)
	conn, _, err := dialer.DialContext(dctx, c.opts.URL, hdr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.opts.URL, err)
	}

	// reader first: heartbeats may arrive during the handshake
	done := make(chan struct{})
	go c.readLoop(conn, done)

	s := sessions{
		chart: "cs_" + randomToken(sessionTokenLen),
		fast:  "qs_" + randomToken(sessionTokenLen),
		full:  "qs_" + randomToken(sessionTokenLen),
	}
	steps := []struct {
		method string
		params []any
	}{
		{"set_auth_token", []any{c.opts.AuthToken}},
		{"chart_create_session", []any{s.chart, ""}},
		{"quote_create_session", []any{s.fast}},
		{"quote_create_session", []any{s.full}},
		{"quote_set_fields", toParams(s.full, quoteFields)},
	}
	for _, st := range steps {
		if err := c.send(conn, st.method, st.params...); err != nil {
			_ = conn.Close()
			return fmt.Errorf("handshake %s: %w", st.method, err)
		}
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		_ = conn.Close()
		return errStopped
	}
	select {
	case <-done:
		c.mu.Unlock()
		return errors.New("connection closed during handshake")
	default:
	}
	c.conn = conn
	c.sess = s
	c.phase = Connected
	symbols := append([]string(nil), c.order...)
	c.mu.Unlock()

	c.log.Info("connected", zap.String("url", c.opts.URL), zap.Int("symbols", len(symbols)))
	if err := c.subscribe(c.ctx, conn, s, symbols); err != nil && !errors.Is(err, context.Canceled) {
		// the read loop notices the broken socket and schedules the reconnect
		c.log.Warn("initial subscribe failed", zap.Error(err))
	}
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn, done chan struct{}) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			close(done)
			c.handleClose(conn, err)
			return
		}
		for _, payload := range Split(string(data)) {
			switch f := Decode(payload).(type) {
			case HeartbeatFrame:
				if err := c.write(conn, f.Raw); err != nil {
					c.log.Debug("heartbeat echo failed", zap.Error(err))
				}
			case QuoteFrame:
				c.apply(f)
			case UnrecognizedFrame:
				if f.Reason != "" {
					c.log.Debug("skipped frame", zap.String("method", f.Method), zap.String("reason", f.Reason))
				}
			}
		}
	}
}

func (c *Client) handleClose(conn *websocket.Conn, err error) {
	_ = conn.Close()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped || c.conn != conn {
		return
	}
	c.conn = nil
	c.phase = ReconnectPending
	c.log.Warn("upstream closed; reconnect scheduled", zap.Error(err), zap.Duration("delay", c.opts.ReconnectDelay))
	c.timer = time.AfterFunc(c.opts.ReconnectDelay, c.reconnect)
}

func (c *Client) reconnect() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.phase = Connecting
	c.timer = nil
	c.mu.Unlock()

	c.metrics.IncReconnect()
	err := c.connect(c.ctx)
	if err == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.log.Warn("reconnect failed", zap.Error(err), zap.Duration("retry_in", c.opts.ReconnectDelay))
	c.phase = ReconnectPending
	c.timer = time.AfterFunc(c.opts.ReconnectDelay, c.reconnect)
}

func (c *Client) apply(f QuoteFrame) {
	if f.Status == "error" {
		c.log.Warn("upstream rejected symbol", zap.String("symbol", f.Symbol))
		return
	}
	c.mu.Lock()
	st, ok := c.states[f.Symbol]
	if !ok {
		st, ok = c.states[quote.Normalize(f.Symbol)]
	}
	if !ok {
		c.mu.Unlock()
		c.log.Debug("quote for untracked symbol", zap.String("symbol", f.Symbol))
		return
	}
	if f.Volume != nil {
		st.Volume = *f.Volume
	}
	if f.Price != nil {
		st.Price = *f.Price
	}
	if f.ChangePercent != nil {
		st.ChangePercent = *f.ChangePercent
	}
	if f.Change != nil {
		st.Change = *f.Change
	}
	if f.EventTime != nil {
		st.EventTime = *f.EventTime
	}
	st.UpdateCount++
	st.LastUpdateAt = c.now()
	snap := *st
	fn := c.onUpdate
	c.mu.Unlock()

	c.metrics.IncQuoteFrame()
	if fn != nil {
		fn(snap.Symbol, snap)
	}
}

// AddSymbols starts tracking symbols not seen before and, when connected,
// subscribes just those. Once tracked, a symbol is never offered again, so the
// batches run to completion even if ctx is cancelled; only Stop aborts them.
func (c *Client) AddSymbols(ctx context.Context, symbols []string) error {
	c.mu.Lock()
	var fresh []string
	for _, s := range quote.NormalizeAll(symbols) {
		if _, ok := c.states[s]; ok {
			continue
		}
		c.states[s] = &quote.TickerState{Symbol: s}
		c.order = append(c.order, s)
		fresh = append(fresh, s)
	}
	conn, sess := c.conn, c.sess
	c.mu.Unlock()

	if len(fresh) == 0 || conn == nil {
		return nil
	}
	return c.subscribe(context.WithoutCancel(ctx), conn, sess, fresh)
}

// States returns a copy of every tracked symbol's state.
func (c *Client) States() map[string]quote.TickerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]quote.TickerState, len(c.states))
	for k, v := range c.states {
		out[k] = *v
	}
	return out
}

func (c *Client) Symbols() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.order...)
}

func (c *Client) SubscriptionStats() quote.SubscriptionStats {
	return quote.Classify(c.States(), c.now())
}

// AutoRepairSubscriptions re-subscribes symbols that never updated or went silent
// past quote.RepairAfter. Returns 0 when disconnected or nothing qualifies.
func (c *Client) AutoRepairSubscriptions(ctx context.Context) int {
	targets := quote.RepairCandidates(c.States(), c.now())
	c.mu.Lock()
	conn, sess := c.conn, c.sess
	c.mu.Unlock()
	if conn == nil || len(targets) == 0 {
		return 0
	}
	c.log.Info("repairing subscriptions", zap.Int("symbols", len(targets)))
	if err := c.subscribe(context.WithoutCancel(ctx), conn, sess, targets); err != nil {
		c.log.Warn("repair subscribe failed", zap.Error(err))
		return 0
	}
	c.metrics.AddRepaired(len(targets))
	return len(targets)
}

// subscribe sends symbols in batches to both quote sessions, pausing between batches.
func (c *Client) subscribe(ctx context.Context, conn *websocket.Conn, s sessions, symbols []string) error {
	for i, batch := range batches(symbols, c.opts.BatchSize) {
		if i > 0 {
			if err := c.sleep(ctx, c.opts.BatchDelay); err != nil {
				return err
			}
		}
		for _, qs := range []string{s.fast, s.full} {
			if err := c.send(conn, "quote_add_symbols", toParams(qs, batch)...); err != nil {
				return err
			}
			if err := c.send(conn, "quote_fast_symbols", toParams(qs, batch)...); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Client) send(conn *websocket.Conn, method string, params ...any) error {
	frame, err := Encode(method, params...)
	if err != nil {
		return err
	}
	return c.write(conn, frame)
}

// write serialises writers; gorilla connections allow one at a time.
func (c *Client) write(conn *websocket.Conn, frame string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, []byte(frame))
}

func (c *Client) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return c.ctx.Err()
	}
}
