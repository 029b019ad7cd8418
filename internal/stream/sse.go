// File: internal/stream/sse.go
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"quotecast/internal/auth"
	"quotecast/internal/fanout"
	"quotecast/internal/watchlist"
)

var (
	ErrClientClosed = errors.New("stream: client closed")
	ErrSlowClient   = errors.New("stream: client buffer full")
)

// Registry is the part of the fan-out manager the transport needs.
type Registry interface {
	SubscribeClient(ctx context.Context, clientID string, symbols []string, conn fanout.Conn) error
	UnsubscribeClient(clientID string)
	SendInitialStates(clientID string) int
}

var _ Registry = (*fanout.Manager)(nil)

type Options struct {
	InitialStateDelay time.Duration
	ClientBuffer      int
	KeepAlive         time.Duration
	Logger            *zap.Logger
}

// Handler bridges one browser EventSource to the manager. Mount it behind auth.Middleware.
type Handler struct {
	reg   Registry
	lists watchlist.Source
	opts  Options
	log   *zap.Logger
}

func NewHandler(reg Registry, lists watchlist.Source, opts Options) *Handler {
	if opts.InitialStateDelay <= 0 {
		opts.InitialStateDelay = 2 * time.Second
	}
	if opts.ClientBuffer <= 0 {
		opts.ClientBuffer = 256
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Handler{reg: reg, lists: lists, opts: opts, log: opts.Logger.Named("stream")}
}

// client is the connection handle given to the manager. Send never blocks:
// a full buffer means the browser stopped reading.
type client struct {
	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newClient(buffer int) *client {
	return &client{out: make(chan []byte, buffer), done: make(chan struct{})}
}

func (c *client) Send(data []byte) error {
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}
	select {
	case c.out <- data:
		return nil
	default:
		return ErrSlowClient
	}
}

func (c *client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

type connectedMsg struct {
	Type     string `json:"type"`
	ClientID string `json:"clientId"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}
	sess, ok := auth.FromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ctx := r.Context()
	symbols, err := h.lists.Symbols(ctx, sess.UserID)
	if err != nil {
		h.log.Warn("watchlist lookup failed", zap.String("user", sess.UserID), zap.Error(err))
		http.Error(w, "watchlist unavailable", http.StatusBadGateway)
		return
	}

	clientID := fmt.Sprintf("%s-%d-%s", sess.UserID, time.Now().UnixMilli(), uuid.NewString()[:8])
	cl := newClient(h.opts.ClientBuffer)
	if err := h.reg.SubscribeClient(ctx, clientID, symbols, cl); err != nil {
		h.reg.UnsubscribeClient(clientID)
		h.log.Error("subscribe failed", zap.String("client", clientID), zap.Error(err))
		http.Error(w, "market data unavailable", http.StatusBadGateway)
		return
	}
	defer func() {
		cl.Close()
		h.reg.UnsubscribeClient(clientID)
		h.log.Debug("client disconnected", zap.String("client", clientID))
	}()
	h.log.Debug("client connected", zap.String("client", clientID), zap.Int("symbols", len(symbols)))

	hdr := w.Header()
	hdr.Set("Content-Type", "text/event-stream")
	hdr.Set("Cache-Control", "no-cache")
	hdr.Set("Connection", "keep-alive")
	hdr.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	hello, _ := json.Marshal(connectedMsg{Type: "connected", ClientID: clientID})
	if err := writeEvent(w, hello); err != nil {
		return
	}
	flusher.Flush()

	initial := time.AfterFunc(h.opts.InitialStateDelay, func() { h.reg.SendInitialStates(clientID) })
	defer initial.Stop()

	var keepAlive <-chan time.Time
	if h.opts.KeepAlive > 0 {
		tk := time.NewTicker(h.opts.KeepAlive)
		defer tk.Stop()
		keepAlive = tk.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-cl.done:
			return
		case data := <-cl.out:
			if err := writeEvent(w, data); err != nil {
				return
			}
			flusher.Flush()
		case <-keepAlive:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// writeEvent frames exactly one JSON object as an SSE event.
func writeEvent(w http.ResponseWriter, data []byte) error {
	_, err := fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
