package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"
)

// presenceTTL is how long a heartbeat keeps a display listed. Records are
// ephemeral; the registry is rebuilt purely from heartbeats.
const presenceTTL = 45 * time.Second

type presenceRecord struct {
	DeviceID    string `json:"device_id"`
	Role        string `json:"role"`
	DisplayName string `json:"displayName"`
	LastSeenAt  int64  `json:"lastSeenAt"`
}

type presenceRegistry struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	records map[string]presenceRecord
}

func newPresenceRegistry(ttl time.Duration) *presenceRegistry {
	if ttl <= 0 {
		ttl = presenceTTL
	}
	return &presenceRegistry{
		ttl:     ttl,
		now:     time.Now,
		records: make(map[string]presenceRecord),
	}
}

func (p *presenceRegistry) upsert(record presenceRecord) {
	p.mu.Lock()
	record.LastSeenAt = p.now().UnixMilli()
	p.records[record.DeviceID] = record
	p.mu.Unlock()
}

func (p *presenceRegistry) list() []presenceRecord {
	p.mu.Lock()
	defer p.mu.Unlock()

	cutoff := p.now().Add(-p.ttl).UnixMilli()
	out := make([]presenceRecord, 0, len(p.records))
	for deviceID, record := range p.records {
		if record.LastSeenAt < cutoff {
			delete(p.records, deviceID)
			continue
		}
		out = append(out, record)
	}
	return out
}

func (s *Server) handlePresenceAnnounce(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	claims, ok := s.authorize(w, r)
	if !ok {
		return
	}

	var record presenceRecord
	if err := json.NewDecoder(r.Body).Decode(&record); err != nil {
		http.Error(w, "invalid presence record", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(record.DeviceID) == "" {
		record.DeviceID = claims.DeviceID
	}
	if strings.TrimSpace(record.Role) == "" {
		record.Role = claims.Role
	}
	s.presence.upsert(record)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePresenceList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if _, ok := s.authorize(w, r); !ok {
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"displays": s.presence.list(),
	})
}
