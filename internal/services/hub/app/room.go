package server

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ordertech/lanesync/internal/protocol"
	"github.com/ordertech/lanesync/internal/services/session/basket"
)

// cashierLockWindow is how long after a cashier focus event the hub drops
// display-originated focus events. The cashier drives the menu; the
// display only wins when the cashier has been quiet.
const cashierLockWindow = 700 * time.Millisecond

type wsPeer struct {
	mu         sync.Mutex
	encoder    *json.Encoder
	closer     func() error
	lastActive time.Time
}

func newWSPeer(encoder *json.Encoder, closer func() error) *wsPeer {
	return &wsPeer{encoder: encoder, closer: closer, lastActive: time.Now()}
}

func (p *wsPeer) writeEvent(ev protocol.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.encoder.Encode(ev)
}

func (p *wsPeer) touch() {
	p.mu.Lock()
	p.lastActive = time.Now()
	p.mu.Unlock()
}

func (p *wsPeer) close() {
	p.mu.Lock()
	closer := p.closer
	p.mu.Unlock()
	if closer != nil {
		_ = closer()
	}
}

type member struct {
	role     string
	name     string
	deviceID string
}

type roomHub struct {
	mu    sync.Mutex
	rooms map[string]*laneRoom
}

func newRoomHub() *roomHub {
	return &roomHub{rooms: make(map[string]*laneRoom)}
}

func (h *roomHub) room(basketID string) *laneRoom {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, ok := h.rooms[basketID]
	if ok {
		return room
	}
	room = newLaneRoom(basketID)
	h.rooms[basketID] = room
	return room
}

func (h *roomHub) all() []*laneRoom {
	h.mu.Lock()
	defer h.mu.Unlock()
	rooms := make([]*laneRoom, 0, len(h.rooms))
	for _, room := range h.rooms {
		rooms = append(rooms, room)
	}
	return rooms
}

// laneRoom is one lane's shared session state: the authoritative basket,
// the set of subscribed peers, the cashier-priority focus lock, and the
// last category broadcast so late joiners land on the right screen.
type laneRoom struct {
	mu           sync.Mutex
	basketID     string
	basket       *basket.Replica
	members      map[*wsPeer]*member
	lastCategory *protocol.Event
	lockUntil    time.Time
	osn          string
}

func newLaneRoom(basketID string) *laneRoom {
	return &laneRoom{
		basketID: basketID,
		basket:   basket.NewReplica(basket.ModeWriter),
		members:  make(map[*wsPeer]*member),
	}
}

func (r *laneRoom) join(peer *wsPeer) {
	r.mu.Lock()
	r.members[peer] = &member{}
	r.mu.Unlock()
}

func (r *laneRoom) leave(peer *wsPeer) bool {
	r.mu.Lock()
	delete(r.members, peer)
	empty := len(r.members) == 0
	r.mu.Unlock()
	return empty
}

func (r *laneRoom) hello(peer *wsPeer, role, name, deviceID string) {
	r.mu.Lock()
	if m, ok := r.members[peer]; ok {
		m.role = strings.TrimSpace(role)
		m.name = strings.TrimSpace(name)
		m.deviceID = strings.TrimSpace(deviceID)
	}
	r.mu.Unlock()
}

func (r *laneRoom) peers(except *wsPeer) []*wsPeer {
	r.mu.Lock()
	defer r.mu.Unlock()
	peers := make([]*wsPeer, 0, len(r.members))
	for peer := range r.members {
		if peer == except {
			continue
		}
		peers = append(peers, peer)
	}
	return peers
}

func (r *laneRoom) broadcast(ev protocol.Event, except *wsPeer) {
	ev.ServerTS = time.Now().UnixMilli()
	for _, peer := range r.peers(except) {
		if err := peer.writeEvent(ev); err != nil {
			peer.close()
			r.leave(peer)
		}
	}
}

// peerStatus reports connected when both a cashier and a display are
// present, else waiting.
func (r *laneRoom) peerStatus() protocol.Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	status := protocol.Event{
		Type:     protocol.TypePeerStatus,
		BasketID: r.basketID,
		Status:   "waiting",
	}
	for _, m := range r.members {
		switch m.role {
		case protocol.RoleCashier:
			status.CashierName = m.name
		case protocol.RoleDisplay:
			status.DisplayName = m.name
		}
	}
	if status.CashierName != "" && status.DisplayName != "" {
		status.Status = "connected"
	}
	return status
}

// applyOp applies one basket mutation and returns the update event to
// broadcast: the op plus the full recomputed snapshot.
func (r *laneRoom) applyOp(op protocol.BasketOp) (protocol.Event, error) {
	if err := r.basket.Apply(op); err != nil {
		return protocol.Event{}, fmt.Errorf("apply basket op: %w", err)
	}
	wire := r.basket.Snapshot()
	opCopy := op
	return protocol.Event{
		Type:     protocol.TypeBasketUpdate,
		BasketID: r.basketID,
		Op:       &opCopy,
		Basket:   &wire,
	}, nil
}

func (r *laneRoom) replaceBasket(wire protocol.WireBasket) protocol.Event {
	r.basket.ApplySnapshot(wire)
	snapshot := r.basket.Snapshot()
	return protocol.Event{
		Type:     protocol.TypeBasketSync,
		BasketID: r.basketID,
		Basket:   &snapshot,
	}
}

func (r *laneRoom) syncEvent() protocol.Event {
	wire := r.basket.Snapshot()
	return protocol.Event{
		Type:     protocol.TypeBasketSync,
		BasketID: r.basketID,
		Basket:   &wire,
	}
}

// admitFocus decides whether a focus event from the given role passes the
// cashier-priority lock, refreshing the lock on cashier events.
func (r *laneRoom) admitFocus(role string) bool {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()

	if role == protocol.RoleCashier {
		r.lockUntil = now.Add(cashierLockWindow)
		return true
	}
	return !now.Before(r.lockUntil)
}

func (r *laneRoom) rememberCategory(ev protocol.Event) {
	r.mu.Lock()
	saved := ev
	r.lastCategory = &saved
	r.mu.Unlock()
}

func (r *laneRoom) categoryReplay() *protocol.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lastCategory == nil {
		return nil
	}
	replay := *r.lastCategory
	return &replay
}

func (r *laneRoom) startSession(osn string) {
	r.mu.Lock()
	r.osn = osn
	r.mu.Unlock()
}

// endSession clears the basket and focus replay state, returning the
// final clear update to broadcast before session:ended.
func (r *laneRoom) endSession() protocol.Event {
	r.mu.Lock()
	r.osn = ""
	r.lastCategory = nil
	r.mu.Unlock()

	clear := protocol.BasketOp{Action: protocol.ActionClear}
	ev, _ := r.applyOp(clear)
	return ev
}
