// Package server hosts the lane hub: the WebSocket room fabric pairing
// each cashier with its display, plus the REST surfaces for presence,
// signaling, manifest validation, and offline order intake.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ordertech/lanesync/internal/platform/timeouts"
	"github.com/ordertech/lanesync/internal/protocol"
	"golang.org/x/net/websocket"
)

// sweepInterval is how often the hub writes a liveness frame to every
// peer; peers whose connection rejects the write are terminated.
const sweepInterval = 30 * time.Second

// maxDecodeErrorsPerConn bounds consecutive undecodable frames before the
// connection is dropped. json.Decoder errors are sticky after a transport
// failure, so an uncapped loop would spin forever on a dead socket.
const maxDecodeErrorsPerConn = 3

// Config defines the inputs for the hub process.
type Config struct {
	HTTPAddr          string
	JWTSecret         string
	RequireAuth       bool
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

// Server hosts the hub HTTP/WebSocket process.
type Server struct {
	httpAddr        string
	shutdownTimeout time.Duration
	httpServer      *http.Server
	requireAuth     bool

	hub      *roomHub
	presence *presenceRegistry
	signals  *signalStore
	issuer   *tokenIssuer

	osnMu      sync.Mutex
	osnCounter int

	sweepStop chan struct{}
	sweepDone chan struct{}
}

// NewServer builds a configured hub server.
func NewServer(config Config) (*Server, error) {
	httpAddr := strings.TrimSpace(config.HTTPAddr)
	if httpAddr == "" {
		return nil, errors.New("http address is required")
	}
	if config.RequireAuth && strings.TrimSpace(config.JWTSecret) == "" {
		return nil, errors.New("jwt secret is required when auth is enforced")
	}
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = timeouts.Shutdown
	}

	s := &Server{
		httpAddr:        httpAddr,
		shutdownTimeout: config.ShutdownTimeout,
		requireAuth:     config.RequireAuth,
		hub:             newRoomHub(),
		presence:        newPresenceRegistry(0),
		signals:         newSignalStore(),
		issuer:          newTokenIssuer(config.JWTSecret, 0),
		sweepStop:       make(chan struct{}),
		sweepDone:       make(chan struct{}),
	}
	s.httpServer = &http.Server{
		Addr:              httpAddr,
		Handler:           s.handler(),
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}
	go s.sweepLoop()
	return s, nil
}

// Handler exposes the route table, used directly by tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	wsHandler := websocket.Handler(func(conn *websocket.Conn) {
		s.handleWSConn(conn)
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if _, ok := s.authorize(w, r); !ok {
			return
		}
		wsHandler.ServeHTTP(w, r)
	})

	mux.HandleFunc("/manifest", s.handleManifest)
	mux.HandleFunc("/presence/display", s.handlePresenceAnnounce)
	mux.HandleFunc("/presence/displays", s.handlePresenceList)
	mux.HandleFunc("/webrtc/offer", s.handleOffer)
	mux.HandleFunc("/webrtc/answer", s.handleAnswer)
	mux.HandleFunc("/webrtc/candidate", s.handleCandidate)
	mux.HandleFunc("/webrtc/candidates", s.handleCandidates)
	mux.HandleFunc("/api/local-order", s.handleLocalOrder)
	return mux
}

// authorize validates the device token on REST surfaces. When auth is not
// enforced (tests, single-site deployments) every request passes.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request) (deviceClaims, bool) {
	if !s.requireAuth {
		return deviceClaims{}, true
	}
	claims, err := s.issuer.Verify(tokenFromRequest(r))
	if err != nil {
		http.Error(w, "invalid device token", http.StatusUnauthorized)
		return deviceClaims{}, false
	}
	return claims, true
}

func (s *Server) handleManifest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	claims, ok := s.authorize(w, r)
	if !ok {
		return
	}
	tenantID := claims.TenantID
	if tenantID == "" {
		tenantID = "default"
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"tenant_id": tenantID,
		"name":      "lane hub",
	})
}

type localOrderRequest struct {
	OrderNumber string          `json:"orderNumber"`
	DeviceID    string          `json:"device_id"`
	Total       float64         `json:"total"`
	Lines       json.RawMessage `json:"lines"`
}

// handleLocalOrder ingests an order taken while the lane was offline.
// Acceptance is idempotent on order number so flush retries are safe.
func (s *Server) handleLocalOrder(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if _, ok := s.authorize(w, r); !ok {
		return
	}

	var order localOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&order); err != nil {
		http.Error(w, "invalid order payload", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(order.OrderNumber) == "" {
		http.Error(w, "orderNumber is required", http.StatusBadRequest)
		return
	}

	log.Printf("accepted offline order %s from %s total=%.2f",
		order.OrderNumber, order.DeviceID, order.Total)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":      "accepted",
		"orderNumber": order.OrderNumber,
		"id":          uuid.NewString(),
	})
}

// nextOSN produces the next order serial: "KO", a letter that rolls every
// 10,000 orders, and a 4-digit counter.
func (s *Server) nextOSN() string {
	s.osnMu.Lock()
	defer s.osnMu.Unlock()
	s.osnCounter++
	letter := rune('A' + (s.osnCounter/10000)%26)
	return fmt.Sprintf("KO%c%04d", letter, s.osnCounter%10000)
}

func (s *Server) handleWSConn(conn *websocket.Conn) {
	defer func() {
		_ = conn.Close()
	}()

	decoder := json.NewDecoder(conn)
	peer := newWSPeer(json.NewEncoder(conn), conn.Close)

	var room *laneRoom
	defer func() {
		if room != nil {
			room.leave(peer)
			room.broadcast(room.peerStatus(), nil)
		}
	}()

	decodeErrors := 0

	for {
		var ev protocol.Event
		if err := decoder.Decode(&ev); err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			decodeErrors++
			_ = peer.writeEvent(protocol.Event{
				Type:  protocol.TypeError,
				Error: "invalid event payload",
			})
			if decodeErrors >= maxDecodeErrorsPerConn {
				return
			}
			continue
		}
		decodeErrors = 0
		peer.touch()
		if strings.TrimSpace(ev.Type) == "" {
			_ = peer.writeEvent(protocol.Event{
				Type:  protocol.TypeError,
				Error: "missing event type",
			})
			continue
		}

		switch ev.Type {
		case protocol.TypeSubscribe:
			room = s.handleSubscribe(peer, room, ev)
		case protocol.TypeHello:
			if room == nil {
				continue
			}
			room.hello(peer, ev.Role, ev.Name, ev.DeviceID)
			room.broadcast(room.peerStatus(), nil)
		case protocol.TypeBasketUpdate:
			s.handleBasketUpdate(peer, room, ev)
		case protocol.TypeBasketSync:
			if room == nil || ev.Basket == nil {
				continue
			}
			room.broadcast(room.replaceBasket(*ev.Basket), peer)
		case protocol.TypeBasketRequestSync:
			if room == nil {
				continue
			}
			_ = peer.writeEvent(room.syncEvent())
		case protocol.TypeUISelectCategory, protocol.TypeUIShowOptions,
			protocol.TypeUISelectProduct, protocol.TypeUIScrollTo,
			protocol.TypeUIOptionsClose, protocol.TypeUIOptionsCancel,
			protocol.TypeUIClearSelection, protocol.TypeUIMenuState:
			s.handleFocus(peer, room, ev)
		case protocol.TypeSessionStarted:
			if room == nil {
				continue
			}
			osn := s.nextOSN()
			room.startSession(osn)
			ev.OSN = osn
			room.broadcast(ev, nil)
		case protocol.TypeSessionPaid:
			if room == nil {
				continue
			}
			room.broadcast(ev, nil)
		case protocol.TypeSessionEnded:
			if room == nil {
				continue
			}
			room.broadcast(room.endSession(), nil)
			room.broadcast(ev, nil)
		case protocol.TypeRTCStatus, protocol.TypeRTCStopped,
			protocol.TypeDeviceDeactivate, protocol.TypeDeviceRevoke:
			if room == nil {
				continue
			}
			room.broadcast(ev, peer)
		default:
			_ = peer.writeEvent(protocol.Event{
				Type:  protocol.TypeError,
				Error: fmt.Sprintf("unsupported event type %q", ev.Type),
			})
		}
	}
}

// handleSubscribe joins the peer to the basket's room, replies with the
// current snapshot, replays the room's category focus, and recomputes
// peer status.
func (s *Server) handleSubscribe(peer *wsPeer, previous *laneRoom, ev protocol.Event) *laneRoom {
	basketID := strings.TrimSpace(ev.BasketID)
	if basketID == "" {
		_ = peer.writeEvent(protocol.Event{
			Type:  protocol.TypeError,
			Error: "basketId is required",
		})
		return previous
	}

	room := s.hub.room(basketID)
	if previous != nil && previous != room {
		previous.leave(peer)
		previous.broadcast(previous.peerStatus(), nil)
	}
	room.join(peer)

	_ = peer.writeEvent(room.syncEvent())
	if replay := room.categoryReplay(); replay != nil {
		_ = peer.writeEvent(*replay)
	}
	room.broadcast(room.peerStatus(), nil)
	return room
}

func (s *Server) handleBasketUpdate(peer *wsPeer, room *laneRoom, ev protocol.Event) {
	if room == nil || ev.Op == nil {
		return
	}
	update, err := room.applyOp(*ev.Op)
	if err != nil {
		_ = peer.writeEvent(protocol.Event{
			Type:  protocol.TypeError,
			Error: err.Error(),
		})
		return
	}
	room.broadcast(update, nil)
}

// handleFocus relays a menu focus event through the cashier-priority
// lock. The sender's role comes from its hello.
func (s *Server) handleFocus(peer *wsPeer, room *laneRoom, ev protocol.Event) {
	if room == nil {
		return
	}

	role := ""
	room.mu.Lock()
	if m, ok := room.members[peer]; ok {
		role = m.role
	}
	room.mu.Unlock()

	if !room.admitFocus(role) {
		return
	}
	if ev.Type == protocol.TypeUISelectCategory {
		room.rememberCategory(ev)
	}
	room.broadcast(ev, peer)
}

func (s *Server) sweepLoop() {
	defer close(s.sweepDone)
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.sweepStop:
			return
		case <-ticker.C:
		}
		for _, room := range s.hub.all() {
			room.broadcast(room.peerStatus(), nil)
		}
	}
}

// Run creates and serves a hub until the context ends.
func Run(ctx context.Context, config Config) error {
	server, err := NewServer(config)
	if err != nil {
		return fmt.Errorf("init hub server: %w", err)
	}
	defer server.Close()

	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serve hub: %w", err)
	}
	return nil
}

// ListenAndServe runs the HTTP server until the context ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("hub server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	serveErr := make(chan error, 1)
	log.Printf("hub listening on %s", s.httpAddr)
	go func() {
		serveErr <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		err := s.httpServer.Shutdown(shutdownCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}

// Close stops the liveness sweep.
func (s *Server) Close() {
	if s == nil {
		return
	}
	select {
	case <-s.sweepStop:
	default:
		close(s.sweepStop)
	}
	<-s.sweepDone
}
