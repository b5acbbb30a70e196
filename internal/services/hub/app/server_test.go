package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ordertech/lanesync/internal/protocol"
	"golang.org/x/net/websocket"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	s, err := NewServer(Config{HTTPAddr: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	t.Cleanup(s.Close)

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return s, srv
}

func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, err := websocket.Dial(wsURL, "", srv.URL)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
	})
	return conn
}

func sendEvent(t *testing.T, conn *websocket.Conn, ev protocol.Event) {
	t.Helper()
	if err := json.NewEncoder(conn).Encode(ev); err != nil {
		t.Fatalf("send %s: %v", ev.Type, err)
	}
}

func readEvent(t *testing.T, decoder *json.Decoder) protocol.Event {
	t.Helper()
	var ev protocol.Event
	if err := decoder.Decode(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	return ev
}

// readUntil drains events until one of the wanted type arrives.
func readUntil(t *testing.T, decoder *json.Decoder, eventType string) protocol.Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		ev := readEvent(t, decoder)
		if ev.Type == eventType {
			return ev
		}
	}
	t.Fatalf("timed out waiting for %s", eventType)
	return protocol.Event{}
}

func TestSubscribeRepliesWithSnapshot(t *testing.T) {
	_, srv := newTestServer(t)
	conn := dialWS(t, srv)
	decoder := json.NewDecoder(conn)

	sendEvent(t, conn, protocol.Event{Type: protocol.TypeSubscribe, BasketID: "lane-1"})

	sync := readEvent(t, decoder)
	if sync.Type != protocol.TypeBasketSync {
		t.Fatalf("expected basket:sync first, got %s", sync.Type)
	}
	if sync.Basket == nil || len(sync.Basket.Lines) != 0 {
		t.Fatalf("expected empty basket, got %+v", sync.Basket)
	}

	status := readUntil(t, decoder, protocol.TypePeerStatus)
	if status.Status != "waiting" {
		t.Fatalf("expected waiting with one peer, got %q", status.Status)
	}
}

func TestPeerStatusConnectedWhenBothRolesPresent(t *testing.T) {
	_, srv := newTestServer(t)

	cashier := dialWS(t, srv)
	cashierDec := json.NewDecoder(cashier)
	sendEvent(t, cashier, protocol.Event{Type: protocol.TypeSubscribe, BasketID: "lane-1"})
	sendEvent(t, cashier, protocol.Event{
		Type: protocol.TypeHello, BasketID: "lane-1",
		Role: protocol.RoleCashier, Name: "Till 1", DeviceID: "dev-c",
	})

	display := dialWS(t, srv)
	sendEvent(t, display, protocol.Event{Type: protocol.TypeSubscribe, BasketID: "lane-1"})
	sendEvent(t, display, protocol.Event{
		Type: protocol.TypeHello, BasketID: "lane-1",
		Role: protocol.RoleDisplay, Name: "Lane 1", DeviceID: "dev-d",
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		status := readUntil(t, cashierDec, protocol.TypePeerStatus)
		if status.Status == "connected" {
			if status.CashierName != "Till 1" || status.DisplayName != "Lane 1" {
				t.Fatalf("unexpected names %q %q", status.CashierName, status.DisplayName)
			}
			return
		}
	}
	t.Fatal("never saw connected peer status")
}

func TestBasketUpdateBroadcastsOpAndSnapshot(t *testing.T) {
	_, srv := newTestServer(t)

	cashier := dialWS(t, srv)
	cashierDec := json.NewDecoder(cashier)
	sendEvent(t, cashier, protocol.Event{Type: protocol.TypeSubscribe, BasketID: "lane-1"})

	display := dialWS(t, srv)
	displayDec := json.NewDecoder(display)
	sendEvent(t, display, protocol.Event{Type: protocol.TypeSubscribe, BasketID: "lane-1"})

	readUntil(t, displayDec, protocol.TypeBasketSync)

	sendEvent(t, cashier, protocol.Event{
		Type:     protocol.TypeBasketUpdate,
		BasketID: "lane-1",
		Op: &protocol.BasketOp{
			Action: protocol.ActionAdd,
			Item:   protocol.WireLine{SKU: "p1", Name: "Latte", Price: 1.5},
			Qty:    2,
		},
	})

	update := readUntil(t, displayDec, protocol.TypeBasketUpdate)
	if update.Op == nil || update.Op.Action != protocol.ActionAdd {
		t.Fatalf("expected op echo, got %+v", update.Op)
	}
	if update.Basket == nil || update.Basket.Total != 3.0 {
		t.Fatalf("expected recomputed total 3.0, got %+v", update.Basket)
	}
	if update.Basket.Version != 1 {
		t.Fatalf("expected version bump, got %d", update.Basket.Version)
	}

	echo := readUntil(t, cashierDec, protocol.TypeBasketUpdate)
	if echo.Basket == nil || echo.Basket.Total != 3.0 {
		t.Fatalf("expected update echoed to sender, got %+v", echo.Basket)
	}
}

func TestCategoryReplayOnSubscribe(t *testing.T) {
	_, srv := newTestServer(t)

	cashier := dialWS(t, srv)
	sendEvent(t, cashier, protocol.Event{Type: protocol.TypeSubscribe, BasketID: "lane-1"})
	sendEvent(t, cashier, protocol.Event{
		Type: protocol.TypeHello, BasketID: "lane-1",
		Role: protocol.RoleCashier, Name: "Till 1",
	})
	sendEvent(t, cashier, protocol.Event{
		Type: protocol.TypeUISelectCategory, BasketID: "lane-1", Category: "Drinks",
	})

	// Give the relay a beat before the late joiner arrives.
	time.Sleep(50 * time.Millisecond)

	display := dialWS(t, srv)
	displayDec := json.NewDecoder(display)
	sendEvent(t, display, protocol.Event{Type: protocol.TypeSubscribe, BasketID: "lane-1"})

	replay := readUntil(t, displayDec, protocol.TypeUISelectCategory)
	if replay.CategoryName() != "Drinks" {
		t.Fatalf("expected category replay, got %q", replay.CategoryName())
	}
}

func TestMalformedFrameClosesConnAfterCap(t *testing.T) {
	_, srv := newTestServer(t)
	conn := dialWS(t, srv)
	decoder := json.NewDecoder(conn)

	sendEvent(t, conn, protocol.Event{Type: protocol.TypeSubscribe, BasketID: "lane-1"})
	readUntil(t, decoder, protocol.TypeBasketSync)

	if _, err := conn.Write([]byte("not-json")); err != nil {
		t.Fatalf("write malformed frame: %v", err)
	}

	// The decoder never recovers from a malformed frame, so the hub must
	// emit a bounded number of error events and then drop the connection
	// instead of spinning.
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	errorEvents := 0
	for {
		var ev protocol.Event
		if err := decoder.Decode(&ev); err != nil {
			break
		}
		if ev.Type == protocol.TypeError {
			errorEvents++
		}
		if errorEvents > maxDecodeErrorsPerConn {
			t.Fatalf("hub kept emitting error events past the cap (%d)", errorEvents)
		}
	}
	if errorEvents == 0 {
		t.Fatal("expected at least one error event before the close")
	}
}

func TestCashierPriorityLockDropsDisplayFocus(t *testing.T) {
	s, srv := newTestServer(t)
	_ = srv

	room := s.hub.room("lane-1")
	if !room.admitFocus(protocol.RoleCashier) {
		t.Fatal("cashier focus must always pass")
	}
	if room.admitFocus(protocol.RoleDisplay) {
		t.Fatal("display focus inside the lock window must be dropped")
	}

	room.mu.Lock()
	room.lockUntil = time.Now().Add(-time.Millisecond)
	room.mu.Unlock()
	if !room.admitFocus(protocol.RoleDisplay) {
		t.Fatal("display focus after the lock window must pass")
	}
}

func TestSessionLifecycle(t *testing.T) {
	_, srv := newTestServer(t)

	cashier := dialWS(t, srv)
	cashierDec := json.NewDecoder(cashier)
	sendEvent(t, cashier, protocol.Event{Type: protocol.TypeSubscribe, BasketID: "lane-1"})

	sendEvent(t, cashier, protocol.Event{
		Type:     protocol.TypeBasketUpdate,
		BasketID: "lane-1",
		Op: &protocol.BasketOp{
			Action: protocol.ActionAdd,
			Item:   protocol.WireLine{SKU: "p1", Name: "Latte", Price: 1.5},
		},
	})
	sendEvent(t, cashier, protocol.Event{Type: protocol.TypeSessionStarted, BasketID: "lane-1"})

	started := readUntil(t, cashierDec, protocol.TypeSessionStarted)
	if !strings.HasPrefix(started.OSN, "KO") || len(started.OSN) != 7 {
		t.Fatalf("unexpected order serial %q", started.OSN)
	}

	sendEvent(t, cashier, protocol.Event{Type: protocol.TypeSessionEnded, BasketID: "lane-1"})

	clear := readUntil(t, cashierDec, protocol.TypeBasketUpdate)
	if clear.Op == nil || clear.Op.Action != protocol.ActionClear {
		t.Fatalf("expected clear op before session end, got %+v", clear.Op)
	}
	if clear.Basket == nil || len(clear.Basket.Lines) != 0 {
		t.Fatalf("expected empty basket, got %+v", clear.Basket)
	}
	readUntil(t, cashierDec, protocol.TypeSessionEnded)
}

func TestOSNFormat(t *testing.T) {
	s, _ := newTestServer(t)
	first := s.nextOSN()
	second := s.nextOSN()
	if first != "KOA0001" || second != "KOA0002" {
		t.Fatalf("unexpected serials %q %q", first, second)
	}
}

func TestPresenceAnnounceAndList(t *testing.T) {
	_, srv := newTestServer(t)

	body := bytes.NewBufferString(`{"device_id":"dev-1","role":"display","displayName":"Lane 1"}`)
	resp, err := http.Post(srv.URL+"/presence/display", "application/json", body)
	if err != nil {
		t.Fatalf("post presence: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/presence/displays")
	if err != nil {
		t.Fatalf("get displays: %v", err)
	}
	defer resp.Body.Close()
	var payload struct {
		Displays []presenceRecord `json:"displays"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode displays: %v", err)
	}
	if len(payload.Displays) != 1 || payload.Displays[0].DeviceID != "dev-1" {
		t.Fatalf("unexpected displays %+v", payload.Displays)
	}
}

func TestPresenceExpiresAfterTTL(t *testing.T) {
	registry := newPresenceRegistry(time.Minute)
	now := time.Date(2026, time.August, 30, 12, 0, 0, 0, time.UTC)
	registry.now = func() time.Time { return now }

	registry.upsert(presenceRecord{DeviceID: "dev-1", Role: "display"})
	if got := len(registry.list()); got != 1 {
		t.Fatalf("expected 1 record, got %d", got)
	}

	now = now.Add(2 * time.Minute)
	if got := len(registry.list()); got != 0 {
		t.Fatalf("expected expiry, got %d records", got)
	}
}

func TestSignalingMailboxDrains(t *testing.T) {
	_, srv := newTestServer(t)

	post := func(path, payload string) {
		t.Helper()
		resp, err := http.Post(srv.URL+path, "application/json", strings.NewReader(payload))
		if err != nil {
			t.Fatalf("post %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode >= 400 {
			t.Fatalf("post %s: status %d", path, resp.StatusCode)
		}
	}

	post("/webrtc/offer", `{"pairId":"lane-1","provider":"p2p","sdp":"v=0 offer"}`)
	post("/webrtc/candidate", `{"pairId":"lane-1","role":"cashier","candidate":"cand-1"}`)
	post("/webrtc/candidate", `{"pairId":"lane-1","role":"cashier","candidate":"cand-2"}`)

	resp, err := http.Get(srv.URL + "/webrtc/candidates?pairId=lane-1&role=display")
	if err != nil {
		t.Fatalf("get candidates: %v", err)
	}
	var payload struct {
		Candidates []string `json:"candidates"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode candidates: %v", err)
	}
	resp.Body.Close()
	if len(payload.Candidates) != 2 {
		t.Fatalf("expected 2 candidates, got %v", payload.Candidates)
	}

	resp, err = http.Get(srv.URL + "/webrtc/candidates?pairId=lane-1&role=display")
	if err != nil {
		t.Fatalf("get candidates again: %v", err)
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode drained candidates: %v", err)
	}
	resp.Body.Close()
	if len(payload.Candidates) != 0 {
		t.Fatalf("expected drained mailbox, got %v", payload.Candidates)
	}
}

func TestFreshOfferBroadcastsPreclearThenOffer(t *testing.T) {
	_, srv := newTestServer(t)

	display := dialWS(t, srv)
	displayDec := json.NewDecoder(display)
	sendEvent(t, display, protocol.Event{Type: protocol.TypeSubscribe, BasketID: "lane-1"})
	readUntil(t, displayDec, protocol.TypePeerStatus)

	resp, err := http.Post(srv.URL+"/webrtc/offer", "application/json",
		strings.NewReader(`{"pairId":"lane-1","provider":"p2p","sdp":"v=0 offer"}`))
	if err != nil {
		t.Fatalf("post offer: %v", err)
	}
	resp.Body.Close()

	stopped := readUntil(t, displayDec, protocol.TypeRTCStopped)
	if !stopped.StaySubscribed() {
		t.Fatalf("expected preclear stop, got reason %q", stopped.Reason)
	}
	provider := readUntil(t, displayDec, protocol.TypeRTCProvider)
	if provider.Provider != "p2p" {
		t.Fatalf("expected provider instruction, got %+v", provider)
	}
	offer := readUntil(t, displayDec, protocol.TypeRTCOffer)
	if offer.OfferSDP() != "v=0 offer" {
		t.Fatalf("unexpected offer %q", offer.OfferSDP())
	}
}

func TestAuthRequiredRejectsBadToken(t *testing.T) {
	s, err := NewServer(Config{HTTPAddr: "127.0.0.1:0", JWTSecret: "secret", RequireAuth: true})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	t.Cleanup(s.Close)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/manifest")
	if err != nil {
		t.Fatalf("get manifest: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}

	token, err := s.issuer.Issue("dev-1", protocol.RoleDisplay, "tenant-1")
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	for _, header := range []string{"Authorization", "x-device-token"} {
		req, err := http.NewRequest(http.MethodGet, srv.URL+"/manifest", nil)
		if err != nil {
			t.Fatalf("build request: %v", err)
		}
		if header == "Authorization" {
			req.Header.Set(header, "Bearer "+token)
		} else {
			req.Header.Set(header, token)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("get manifest with %s: %v", header, err)
		}
		var manifest map[string]string
		if err := json.NewDecoder(resp.Body).Decode(&manifest); err != nil {
			t.Fatalf("decode manifest: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK || manifest["tenant_id"] != "tenant-1" {
			t.Fatalf("unexpected manifest via %s: %d %+v", header, resp.StatusCode, manifest)
		}
	}
}

func TestWSUpgradeRequiresTokenWhenAuthEnforced(t *testing.T) {
	s, err := NewServer(Config{HTTPAddr: "127.0.0.1:0", JWTSecret: "secret", RequireAuth: true})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	t.Cleanup(s.Close)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	if _, err := websocket.Dial(wsURL, "", srv.URL); err == nil {
		t.Fatal("expected upgrade rejection without a token")
	}

	token, err := s.issuer.Issue("dev-1", protocol.RoleDisplay, "tenant-1")
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	conn, err := websocket.Dial(wsURL+"?token="+token, "", srv.URL)
	if err != nil {
		t.Fatalf("dial with token: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
	})

	sendEvent(t, conn, protocol.Event{Type: protocol.TypeSubscribe, BasketID: "lane-1"})
	sync := readEvent(t, json.NewDecoder(conn))
	if sync.Type != protocol.TypeBasketSync {
		t.Fatalf("expected basket:sync after authorized upgrade, got %s", sync.Type)
	}
}

func TestLocalOrderIntake(t *testing.T) {
	_, srv := newTestServer(t)

	resp, err := http.Post(srv.URL+"/api/local-order", "application/json",
		strings.NewReader(`{"orderNumber":"LOCAL-20260830-0001","device_id":"dev-1","total":5.5}`))
	if err != nil {
		t.Fatalf("post local order: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var payload map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload["status"] != "accepted" || payload["orderNumber"] != "LOCAL-20260830-0001" {
		t.Fatalf("unexpected response %+v", payload)
	}
}

func TestTokenVerifyRejectsTampered(t *testing.T) {
	issuer := newTokenIssuer("secret", time.Hour)
	token, err := issuer.Issue("dev-1", protocol.RoleCashier, "tenant-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	claims, err := issuer.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.DeviceID != "dev-1" || claims.Role != protocol.RoleCashier {
		t.Fatalf("unexpected claims %+v", claims)
	}

	other := newTokenIssuer("different", time.Hour)
	if _, err := other.Verify(token); err == nil {
		t.Fatal("expected verification failure with wrong secret")
	}
	if _, err := issuer.Verify(token + "x"); err == nil {
		t.Fatal("expected verification failure for tampered token")
	}
}
