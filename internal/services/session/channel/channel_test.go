package channel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ordertech/lanesync/internal/protocol"
	"golang.org/x/net/websocket"
)

// testHub accepts websocket connections, records every inbound event, and
// lets tests push events and drop connections.
type testHub struct {
	mu       sync.Mutex
	conns    []*websocket.Conn
	inbound  chan protocol.Event
	accepted chan struct{}
}

func newTestHub() *testHub {
	return &testHub{
		inbound:  make(chan protocol.Event, 32),
		accepted: make(chan struct{}, 8),
	}
}

func (h *testHub) handler() websocket.Handler {
	return func(conn *websocket.Conn) {
		h.mu.Lock()
		h.conns = append(h.conns, conn)
		h.mu.Unlock()
		h.accepted <- struct{}{}

		decoder := json.NewDecoder(conn)
		for {
			var ev protocol.Event
			if err := decoder.Decode(&ev); err != nil {
				return
			}
			h.inbound <- ev
		}
	}
}

func (h *testHub) push(t *testing.T, ev protocol.Event) {
	t.Helper()
	h.mu.Lock()
	conn := h.conns[len(h.conns)-1]
	h.mu.Unlock()

	data, err := protocol.Encode(ev)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := conn.Write(data); err != nil {
		t.Fatalf("push: %v", err)
	}
}

func (h *testHub) dropAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, conn := range h.conns {
		_ = conn.Close()
	}
}

func (h *testHub) next(t *testing.T) protocol.Event {
	t.Helper()
	select {
	case ev := <-h.inbound:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for inbound event")
		return protocol.Event{}
	}
}

func (h *testHub) waitAccepted(t *testing.T) {
	t.Helper()
	select {
	case <-h.accepted:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for connection")
	}
}

func startChannel(t *testing.T, hub *testHub, cfg Config) *Channel {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.handler().ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	cfg.URL = "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	ch, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(ch.Disconnect)
	return ch
}

func TestConnectSubscribesAndGreetsOnce(t *testing.T) {
	t.Parallel()

	hub := newTestHub()
	ch := startChannel(t, hub, Config{
		Role:     protocol.RoleCashier,
		Name:     "Till 1",
		DeviceID: "dev-1",
		Token:    func() string { return "tok-1" },
	})

	if err := ch.Subscribe("lane-1"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	hub.waitAccepted(t)

	var sawSubscribe, sawHello bool
	for i := 0; i < 3 && !(sawSubscribe && sawHello); i++ {
		ev := hub.next(t)
		switch ev.Type {
		case protocol.TypeSubscribe:
			sawSubscribe = true
			if ev.BasketID != "lane-1" {
				t.Fatalf("subscribe basket = %q, want lane-1", ev.BasketID)
			}
		case protocol.TypeHello:
			sawHello = true
			if ev.Role != protocol.RoleCashier || ev.Name != "Till 1" || ev.Token != "tok-1" {
				t.Fatalf("unexpected hello: %+v", ev)
			}
		}
	}
	if !sawSubscribe || !sawHello {
		t.Fatalf("missing subscribe or hello (subscribe=%v hello=%v)", sawSubscribe, sawHello)
	}

	// A second Subscribe on the same connection must not repeat hello.
	if err := ch.Subscribe("lane-2"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	ev := hub.next(t)
	if ev.Type != protocol.TypeSubscribe || ev.BasketID != "lane-2" {
		t.Fatalf("got %q basket %q, want subscribe lane-2", ev.Type, ev.BasketID)
	}
	select {
	case extra := <-hub.inbound:
		t.Fatalf("unexpected extra event %q", extra.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestReconnectRestoresSubscriptionAndHello(t *testing.T) {
	t.Parallel()

	hub := newTestHub()
	var connLog []bool
	var logMu sync.Mutex
	ch := startChannel(t, hub, Config{
		Role:     protocol.RoleDisplay,
		Name:     "Lane 1",
		DeviceID: "dev-2",
		OnConnChange: func(connected bool) {
			logMu.Lock()
			connLog = append(connLog, connected)
			logMu.Unlock()
		},
	})

	if err := ch.Subscribe("lane-9"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	hub.waitAccepted(t)
	hub.next(t) // subscribe or hello
	hub.next(t)

	hub.dropAll()
	hub.waitAccepted(t)

	var sawSubscribe, sawHello bool
	for i := 0; i < 2; i++ {
		ev := hub.next(t)
		switch ev.Type {
		case protocol.TypeSubscribe:
			sawSubscribe = true
			if ev.BasketID != "lane-9" {
				t.Fatalf("resubscribe basket = %q, want lane-9", ev.BasketID)
			}
		case protocol.TypeHello:
			sawHello = true
		}
	}
	if !sawSubscribe || !sawHello {
		t.Fatalf("reconnect missing subscribe or hello (subscribe=%v hello=%v)", sawSubscribe, sawHello)
	}

	deadline := time.Now().Add(time.Second)
	for !ch.IsConnected() {
		if time.Now().After(deadline) {
			t.Fatalf("channel never reported reconnected")
		}
		time.Sleep(10 * time.Millisecond)
	}

	logMu.Lock()
	defer logMu.Unlock()
	if len(connLog) < 3 || !connLog[0] || connLog[1] || !connLog[2] {
		t.Fatalf("conn transitions = %v, want [true false true ...]", connLog)
	}
}

func TestDialPresentsTokenDuringHandshake(t *testing.T) {
	t.Parallel()

	hub := newTestHub()
	headers := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case headers <- r.Header.Get("Authorization"):
		default:
		}
		hub.handler().ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	ch, err := New(Config{
		URL:   "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
		Role:  protocol.RoleDisplay,
		Token: func() string { return "tok-9" },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(ch.Disconnect)
	hub.waitAccepted(t)

	select {
	case got := <-headers:
		if got != "Bearer tok-9" {
			t.Fatalf("upgrade Authorization = %q, want Bearer tok-9", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("never saw the upgrade request")
	}
}

func TestEventsDeliveredInOrder(t *testing.T) {
	t.Parallel()

	hub := newTestHub()
	ch := startChannel(t, hub, Config{Role: protocol.RoleDisplay})
	hub.waitAccepted(t)
	hub.next(t) // hello

	hub.push(t, protocol.Event{Type: protocol.TypePeerStatus, Status: "waiting"})
	hub.push(t, protocol.Event{Type: protocol.TypePeerStatus, Status: "connected"})

	first := <-ch.Events()
	second := <-ch.Events()
	if first.Status != "waiting" || second.Status != "connected" {
		t.Fatalf("got %q then %q, want waiting then connected", first.Status, second.Status)
	}
}

func TestSendRequiresConnection(t *testing.T) {
	t.Parallel()

	ch, err := New(Config{URL: "ws://127.0.0.1:1/ws"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := ch.Send(protocol.Event{Type: protocol.TypeHello}); err == nil {
		t.Fatal("expected error sending on disconnected channel")
	}
	// Subscribing while disconnected records intent without error.
	if err := ch.Subscribe("lane-1"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
}

func TestNewRequiresURL(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error for missing url")
	}
}
