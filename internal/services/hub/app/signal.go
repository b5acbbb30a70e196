package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/ordertech/lanesync/internal/protocol"
)

// signalMailbox holds the in-flight handshake for one pair: at most one
// offer, one answer, and a per-role candidate queue that drains on read.
type signalMailbox struct {
	offer      string
	provider   string
	answer     string
	candidates map[string][]string
}

type signalStore struct {
	mu        sync.Mutex
	mailboxes map[string]*signalMailbox
}

func newSignalStore() *signalStore {
	return &signalStore{mailboxes: make(map[string]*signalMailbox)}
}

func (s *signalStore) mailbox(pairID string) *signalMailbox {
	box, ok := s.mailboxes[pairID]
	if !ok {
		box = &signalMailbox{candidates: make(map[string][]string)}
		s.mailboxes[pairID] = box
	}
	return box
}

type signalPost struct {
	PairID    string `json:"pairId"`
	Provider  string `json:"provider"`
	SDP       string `json:"sdp"`
	Candidate string `json:"candidate"`
	Role      string `json:"role"`
}

// handleOffer stores a fresh offer and tells the room: rtc:stopped with
// reason preclear first (stay subscribed, new offer imminent), then the
// provider instruction, then the offer itself.
func (s *Server) handleOffer(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorize(w, r); !ok {
		return
	}

	switch r.Method {
	case http.MethodPost:
		var post signalPost
		if err := json.NewDecoder(r.Body).Decode(&post); err != nil || strings.TrimSpace(post.PairID) == "" {
			http.Error(w, "pairId and sdp are required", http.StatusBadRequest)
			return
		}
		provider := strings.TrimSpace(post.Provider)
		if provider == "" {
			provider = "p2p"
		}

		s.signals.mu.Lock()
		box := s.signals.mailbox(post.PairID)
		box.offer = post.SDP
		box.provider = provider
		box.answer = ""
		box.candidates = make(map[string][]string)
		s.signals.mu.Unlock()

		room := s.hub.room(post.PairID)
		room.broadcast(protocol.Event{
			Type:     protocol.TypeRTCStopped,
			BasketID: post.PairID,
			Reason:   protocol.StopReasonPreclear,
		}, nil)
		room.broadcast(protocol.Event{
			Type:     protocol.TypeRTCProvider,
			BasketID: post.PairID,
			Provider: provider,
		}, nil)
		room.broadcast(protocol.Event{
			Type:     protocol.TypeRTCOffer,
			BasketID: post.PairID,
			Provider: provider,
			SDP:      post.SDP,
		}, nil)
		w.WriteHeader(http.StatusNoContent)

	case http.MethodGet:
		pairID := r.URL.Query().Get("pairId")
		s.signals.mu.Lock()
		box := s.signals.mailbox(pairID)
		offer, provider := box.offer, box.provider
		s.signals.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"sdp":      offer,
			"provider": provider,
		})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorize(w, r); !ok {
		return
	}

	switch r.Method {
	case http.MethodPost:
		var post signalPost
		if err := json.NewDecoder(r.Body).Decode(&post); err != nil || strings.TrimSpace(post.PairID) == "" {
			http.Error(w, "pairId and sdp are required", http.StatusBadRequest)
			return
		}
		s.signals.mu.Lock()
		s.signals.mailbox(post.PairID).answer = post.SDP
		s.signals.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)

	case http.MethodGet:
		pairID := r.URL.Query().Get("pairId")
		s.signals.mu.Lock()
		answer := s.signals.mailbox(pairID).answer
		s.signals.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"sdp": answer})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleCandidate queues one trickled candidate addressed to the peer
// role: a candidate posted by the cashier is read by the display and vice
// versa.
func (s *Server) handleCandidate(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorize(w, r); !ok {
		return
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var post signalPost
	if err := json.NewDecoder(r.Body).Decode(&post); err != nil ||
		strings.TrimSpace(post.PairID) == "" || strings.TrimSpace(post.Candidate) == "" {
		http.Error(w, "pairId and candidate are required", http.StatusBadRequest)
		return
	}
	target := protocol.RoleDisplay
	if post.Role == protocol.RoleDisplay {
		target = protocol.RoleCashier
	}

	s.signals.mu.Lock()
	box := s.signals.mailbox(post.PairID)
	box.candidates[target] = append(box.candidates[target], post.Candidate)
	s.signals.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

// handleCandidates drains the queue for the requesting role.
func (s *Server) handleCandidates(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorize(w, r); !ok {
		return
	}
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	pairID := r.URL.Query().Get("pairId")
	role := r.URL.Query().Get("role")

	s.signals.mu.Lock()
	box := s.signals.mailbox(pairID)
	candidates := box.candidates[role]
	box.candidates[role] = nil
	s.signals.mu.Unlock()

	if candidates == nil {
		candidates = []string{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string][]string{"candidates": candidates})
}
