// File: internal/simfeed/simfeed.go
package simfeed

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"quotecast/internal/quote"
)

// Feed produces random-walk quotes for every tracked symbol on a fixed interval.
type Feed struct {
	interval time.Duration
	log      *zap.Logger
	now      func() time.Time

	mu       sync.Mutex
	rnd      *rand.Rand
	states   map[string]*quote.TickerState
	base     map[string]float64
	order    []string
	onUpdate func(string, quote.TickerState)
	running  bool
	stopped  bool
	cancel   context.CancelFunc
}

var _ quote.Ticker = (*Feed)(nil)

func New(symbols []string, interval time.Duration, log *zap.Logger) *Feed {
	if interval <= 0 {
		interval = time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	f := &Feed{
		interval: interval,
		log:      log.Named("simfeed"),
		now:      time.Now,
		rnd:      rand.New(rand.NewSource(time.Now().UnixNano())),
		states:   make(map[string]*quote.TickerState),
		base:     make(map[string]float64),
	}
	f.track(symbols)
	return f
}

func (f *Feed) track(symbols []string) {
	for _, s := range quote.NormalizeAll(symbols) {
		if _, ok := f.states[s]; ok {
			continue
		}
		f.states[s] = &quote.TickerState{Symbol: s}
		f.base[s] = 20 + f.rnd.Float64()*480
		f.order = append(f.order, s)
	}
}

func (f *Feed) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped {
		return errors.New("simfeed: stopped")
	}
	if f.running {
		return nil
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	f.running = true
	go f.loop(loopCtx)
	f.log.Info("simulated feed started", zap.Int("symbols", len(f.order)), zap.Duration("interval", f.interval))
	return nil
}

func (f *Feed) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped {
		return
	}
	f.stopped = true
	f.running = false
	if f.cancel != nil {
		f.cancel()
	}
}

func (f *Feed) OnUpdate(fn func(string, quote.TickerState)) {
	f.mu.Lock()
	f.onUpdate = fn
	f.mu.Unlock()
}

func (f *Feed) AddSymbols(_ context.Context, symbols []string) error {
	f.mu.Lock()
	f.track(symbols)
	f.mu.Unlock()
	return nil
}

func (f *Feed) States() map[string]quote.TickerState {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]quote.TickerState, len(f.states))
	for k, v := range f.states {
		out[k] = *v
	}
	return out
}

func (f *Feed) Symbols() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.order...)
}

func (f *Feed) SubscriptionStats() quote.SubscriptionStats {
	return quote.Classify(f.States(), f.now())
}

// AutoRepairSubscriptions always returns 0: every tracked symbol is stepped on
// each tick, so there is no subscription to re-send.
func (f *Feed) AutoRepairSubscriptions(context.Context) int {
	return 0
}

func (f *Feed) loop(ctx context.Context) {
	t := time.NewTicker(f.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			f.tick()
		}
	}
}

// tick moves every symbol one step; callbacks run outside the lock.
func (f *Feed) tick() {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return
	}
	now := f.now()
	snaps := make([]quote.TickerState, 0, len(f.order))
	for _, s := range f.order {
		st := f.states[s]
		base := f.base[s]
		if st.Price == 0 {
			st.Price = base
		}
		st.Price = math.Max(0.01, st.Price*(1+f.rnd.NormFloat64()*0.001))
		st.Price = math.Round(st.Price*100) / 100
		st.Change = math.Round((st.Price-base)*100) / 100
		st.ChangePercent = math.Round(st.Change/base*10000) / 100
		st.Volume += float64(f.rnd.Intn(5000))
		st.EventTime = now.Unix()
		st.LastUpdateAt = now
		st.UpdateCount++
		snaps = append(snaps, *st)
	}
	fn := f.onUpdate
	f.mu.Unlock()

	if fn == nil {
		return
	}
	for _, st := range snaps {
		fn(st.Symbol, st)
	}
}
