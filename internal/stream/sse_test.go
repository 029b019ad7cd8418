package stream

import (
	"bufio"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quotecast/internal/auth"
	"quotecast/internal/fanout"
)

type fakeRegistry struct {
	mu           sync.Mutex
	conns        map[string]fanout.Conn
	symbols      map[string][]string
	unsubscribed []string
	initial      []string
	subErr       error
	subscribed   chan string
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		conns:      map[string]fanout.Conn{},
		symbols:    map[string][]string{},
		subscribed: make(chan string, 8),
	}
}

func (f *fakeRegistry) SubscribeClient(_ context.Context, id string, symbols []string, conn fanout.Conn) error {
	f.mu.Lock()
	f.conns[id] = conn
	f.symbols[id] = symbols
	err := f.subErr
	f.mu.Unlock()
	if err == nil {
		f.subscribed <- id
	}
	return err
}

func (f *fakeRegistry) UnsubscribeClient(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.conns, id)
	f.unsubscribed = append(f.unsubscribed, id)
}

func (f *fakeRegistry) SendInitialStates(id string) int {
	f.mu.Lock()
	conn := f.conns[id]
	f.initial = append(f.initial, id)
	f.mu.Unlock()
	if conn == nil {
		return 0
	}
	_ = conn.Send([]byte(`{"symbol":"AAPL","price":1}`))
	return 1
}

func (f *fakeRegistry) conn(id string) fanout.Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conns[id]
}

func (f *fakeRegistry) unsubs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.unsubscribed...)
}

type staticLists map[string][]string

func (s staticLists) Symbols(_ context.Context, user string) ([]string, error) {
	if syms, ok := s[user]; ok {
		return syms, nil
	}
	return nil, errors.New("no such user")
}

func asUser(user string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(auth.WithSession(r.Context(), auth.Session{UserID: user})))
	})
}

// readEvent returns the payload of the next data event, skipping comments.
func readEvent(t *testing.T, br *bufio.Reader) string {
	t.Helper()
	for {
		line, err := br.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		if strings.HasPrefix(line, "data: ") {
			blank, err := br.ReadString('\n')
			require.NoError(t, err)
			require.Equal(t, "\n", blank)
			return strings.TrimPrefix(line, "data: ")
		}
	}
}

func TestHandler_RejectsAnonymous(t *testing.T) {
	reg := newFakeRegistry()
	h := NewHandler(reg, staticLists{}, Options{})

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/stream", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Empty(t, reg.conns)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/stream", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestHandler_StreamLifecycle(t *testing.T) {
	reg := newFakeRegistry()
	h := NewHandler(reg, staticLists{"alice": {"AAPL", "MSFT"}}, Options{InitialStateDelay: 20 * time.Millisecond})
	srv := httptest.NewServer(asUser("alice", h))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, "no-cache", resp.Header.Get("Cache-Control"))
	assert.Equal(t, "no", resp.Header.Get("X-Accel-Buffering"))

	br := bufio.NewReader(resp.Body)
	id := <-reg.subscribed
	assert.True(t, strings.HasPrefix(id, "alice-"))
	assert.JSONEq(t, `{"type":"connected","clientId":"`+id+`"}`, readEvent(t, br))

	// initial states arrive after the settle delay
	assert.JSONEq(t, `{"symbol":"AAPL","price":1}`, readEvent(t, br))

	require.NoError(t, reg.conn(id).Send([]byte(`{"symbol":"MSFT","price":2}`)))
	assert.JSONEq(t, `{"symbol":"MSFT","price":2}`, readEvent(t, br))

	reg.mu.Lock()
	assert.Equal(t, []string{"AAPL", "MSFT"}, reg.symbols[id])
	reg.mu.Unlock()

	cancel()
	require.Eventually(t, func() bool {
		return len(reg.unsubs()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{id}, reg.unsubs())
}

func TestHandler_KeepAlive(t *testing.T) {
	reg := newFakeRegistry()
	h := NewHandler(reg, staticLists{"alice": {"AAPL"}}, Options{
		InitialStateDelay: time.Hour,
		KeepAlive:         10 * time.Millisecond,
	})
	srv := httptest.NewServer(asUser("alice", h))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	br := bufio.NewReader(resp.Body)
	readEvent(t, br)

	line, err := br.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, ": ping\n", line)
}

func TestHandler_UpstreamErrors(t *testing.T) {
	t.Run("watchlist", func(t *testing.T) {
		reg := newFakeRegistry()
		h := NewHandler(reg, staticLists{}, Options{})
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/stream", nil).WithContext(
			auth.WithSession(context.Background(), auth.Session{UserID: "ghost"})))
		assert.Equal(t, http.StatusBadGateway, w.Code)
		assert.Empty(t, reg.conns)
	})

	t.Run("subscribe", func(t *testing.T) {
		reg := newFakeRegistry()
		reg.subErr = fanout.ErrTickerNotRunning
		h := NewHandler(reg, staticLists{"bob": {"AAPL"}}, Options{})
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/stream", nil).WithContext(
			auth.WithSession(context.Background(), auth.Session{UserID: "bob"})))
		assert.Equal(t, http.StatusBadGateway, w.Code)
		assert.Len(t, reg.unsubs(), 1)
	})
}

func TestClient_SendNeverBlocks(t *testing.T) {
	c := newClient(1)
	require.NoError(t, c.Send([]byte("a")))
	assert.ErrorIs(t, c.Send([]byte("b")), ErrSlowClient)

	<-c.out
	c.Close()
	c.Close()
	assert.ErrorIs(t, c.Send([]byte("c")), ErrClientClosed)
}
