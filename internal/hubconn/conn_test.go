package hubconn

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/park285/quizbattle/pkg/battledto"
)

type testHub struct {
	srv     *httptest.Server
	conns   chan *websocket.Conn
	invokes chan battledto.Frame
	headers chan http.Header
}

func newTestHub(t *testing.T) *testHub {
	t.Helper()
	h := &testHub{
		conns:   make(chan *websocket.Conn, 8),
		invokes: make(chan battledto.Frame, 16),
		headers: make(chan http.Header, 8),
	}
	h.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.headers <- r.Header.Clone()
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		h.conns <- ws
		for {
			var f battledto.Frame
			if err := wsjson.Read(r.Context(), ws, &f); err != nil {
				return
			}
			h.invokes <- f
		}
	}))
	t.Cleanup(h.srv.Close)
	return h
}

func (h *testHub) url() string { return "ws" + strings.TrimPrefix(h.srv.URL, "http") }

func (h *testHub) nextConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case ws := <-h.conns:
		return ws
	case <-time.After(3 * time.Second):
		t.Fatalf("timeout waiting for hub connection")
	}
	return nil
}

func (h *testHub) push(t *testing.T, ws *websocket.Conn, target string, args ...any) {
	t.Helper()
	frame, err := battledto.NewFrame(battledto.KindEvent, target, args...)
	if err != nil {
		t.Fatalf("NewFrame: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, ws, frame); err != nil {
		t.Fatalf("server write: %v", err)
	}
}

func closeConn(t *testing.T, c *Conn) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestInvokeAndDispatch(t *testing.T) {
	hub := newTestHub(t)
	c := New(hub.url(), WithReconnect(0, 0))
	defer closeConn(t, c)

	got := make(chan *battledto.Frame, 1)
	c.On(battledto.EventRoomCreated, func(f *battledto.Frame) { got <- f })

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if c.State() != StateConnected {
		t.Fatalf("state=%s", c.State())
	}
	ws := hub.nextConn(t)

	if err := c.Invoke(context.Background(), battledto.ActionCreateRoom, "Alice", "", "RITUAL"); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	select {
	case f := <-hub.invokes:
		if f.Kind != battledto.KindInvoke || f.Target != battledto.ActionCreateRoom || f.StringArg(2) != "RITUAL" {
			t.Fatalf("frame=%+v", f)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("hub never received invoke")
	}

	hub.push(t, ws, battledto.EventRoomCreated, "AB12")
	select {
	case f := <-got:
		if f.StringArg(0) != "AB12" {
			t.Fatalf("code=%q", f.StringArg(0))
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("handler not called")
	}
}

func TestHandlersSurviveReconnect(t *testing.T) {
	hub := newTestHub(t)
	c := New(hub.url(), WithReconnect(5, 10*time.Millisecond), WithPingInterval(time.Hour))
	defer closeConn(t, c)

	var mu sync.Mutex
	var states []State
	c.OnStateChange(func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})
	got := make(chan string, 4)
	c.On(battledto.EventOpponentDisconnected, func(f *battledto.Frame) { got <- f.Target })

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	first := hub.nextConn(t)
	_ = first.Close(websocket.StatusGoingAway, "restart")

	second := hub.nextConn(t)
	deadline := time.Now().Add(3 * time.Second)
	for c.State() != StateConnected && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	hub.push(t, second, battledto.EventOpponentDisconnected)
	select {
	case <-got:
	case <-time.After(3 * time.Second):
		t.Fatalf("handler lost across reconnect")
	}

	mu.Lock()
	defer mu.Unlock()
	var sawReconnecting bool
	for _, s := range states {
		if s == StateReconnecting {
			sawReconnecting = true
		}
	}
	if !sawReconnecting {
		t.Fatalf("states=%v", states)
	}
}

func TestInvokeWithoutHubFails(t *testing.T) {
	hub := newTestHub(t)
	url := hub.url()
	hub.srv.Close()

	c := New(url, WithReconnect(0, 0), WithDialTimeout(time.Second))
	defer closeConn(t, c)

	err := c.Invoke(context.Background(), battledto.ActionFindMatch, "Alice", "", "MIXED")
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if c.State() != StateFailed {
		t.Fatalf("state=%s", c.State())
	}
}

func TestHeaderProvider(t *testing.T) {
	hub := newTestHub(t)
	c := New(hub.url(), WithReconnect(0, 0), WithHeaderProvider(func() map[string]string {
		return map[string]string{"Authorization": "Bearer t0k", "X-Empty": " "}
	}))
	defer closeConn(t, c)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	hdr := <-hub.headers
	if hdr.Get("Authorization") != "Bearer t0k" || hdr.Get("X-Empty") != "" {
		t.Fatalf("headers=%v", hdr)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	hub := newTestHub(t)
	c := New(hub.url(), WithReconnect(0, 0))
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	closeConn(t, c)
	closeConn(t, c)
	if c.State() != StateDisconnected {
		t.Fatalf("state=%s", c.State())
	}
	if err := c.Invoke(context.Background(), battledto.ActionCancelMatchmaking); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	c := New("ws://unused", WithReconnect(3, 100*time.Millisecond))
	want := []time.Duration{100, 200, 400, 800, 1600, 3200, 3200}
	for i, w := range want {
		if got := c.backoff(i + 1); got != w*time.Millisecond {
			t.Fatalf("attempt %d: %v want %v", i+1, got, w*time.Millisecond)
		}
	}
}
