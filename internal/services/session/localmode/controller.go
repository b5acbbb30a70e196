// Package localmode supervises the switch between following the live
// session and operating autonomously when the peer is unreachable.
//
// "Connected to peer" means transport AND peer-presence are both up. The
// drop to local authority is immediate, never debounced: the register must
// not look remotely controlled while it is actually alone. The way back is
// taken only on confirmed restoration and replays any orders checked out
// while offline; failed submissions stay queued.
package localmode

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ordertech/lanesync/internal/protocol"
	"github.com/ordertech/lanesync/internal/services/session/basket"
	"github.com/ordertech/lanesync/internal/services/session/storage"
)

// Mode is the controller state.
type Mode int

const (
	// ModeFollowingRemote mirrors the cashier's basket and focus.
	ModeFollowingRemote Mode = iota
	// ModeLocalAuthoritative owns the basket and menu focus locally.
	ModeLocalAuthoritative
)

func (m Mode) String() string {
	if m == ModeLocalAuthoritative {
		return "localAuthoritative"
	}
	return "followingRemote"
}

// MenuControl is the authority handover surface of the menu package.
type MenuControl interface {
	ResetToLocalControl()
	ResetToRemoteControl()
}

// Config wires a Controller.
type Config struct {
	DeviceID string
	Replica  *basket.Replica
	Menu     MenuControl

	Baskets   storage.LocalBasketStore
	Orders    storage.PendingOrderStore
	Sequences storage.OrderSequenceStore
	Submit    OrderSubmitter

	// OnMode observes transitions. Optional.
	OnMode func(Mode)
}

// Controller tracks peer connectivity and flips the basket and menu
// between mirrored and locally authoritative.
type Controller struct {
	cfg Config
	now func() time.Time

	// transitionMu serializes evaluate end to end. The two connectivity
	// inputs arrive on different goroutines, and a transition decided on
	// a stale snapshot must never run after a fresher one.
	transitionMu sync.Mutex

	mu        sync.Mutex
	transport bool
	peer      bool
	mode      Mode
}

// NewController creates a controller in followingRemote.
func NewController(cfg Config) (*Controller, error) {
	if strings.TrimSpace(cfg.DeviceID) == "" {
		return nil, fmt.Errorf("localmode: device id is required")
	}
	if cfg.Replica == nil || cfg.Menu == nil {
		return nil, fmt.Errorf("localmode: replica and menu are required")
	}
	if cfg.Baskets == nil || cfg.Orders == nil || cfg.Sequences == nil || cfg.Submit == nil {
		return nil, fmt.Errorf("localmode: stores and submitter are required")
	}
	return &Controller{cfg: cfg, now: time.Now}, nil
}

// Mode reports the current state.
func (c *Controller) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// Restore reloads the persisted local basket after a restart. Lines
// accumulated in a previous offline stretch come back instead of being
// lost; they are cleared only by an explicit return to remote control.
func (c *Controller) Restore(ctx context.Context) error {
	lines, err := c.cfg.Baskets.GetLocalBasket(ctx, c.cfg.DeviceID)
	if err != nil {
		return fmt.Errorf("restore local basket: %w", err)
	}
	if len(lines) == 0 {
		return nil
	}

	wire := protocol.WireBasket{}
	for _, l := range lines {
		wire.Lines = append(wire.Lines, protocol.WireLine{
			SKU:      l.SKU,
			Name:     l.Name,
			Qty:      l.Qty,
			Price:    l.UnitPrice,
			Options:  l.Options,
			ImageURL: l.ImageURL,
		})
	}
	c.cfg.Replica.ApplySnapshot(wire)
	return nil
}

// SetTransportConnected records channel connectivity and re-evaluates.
func (c *Controller) SetTransportConnected(ctx context.Context, connected bool) {
	c.mu.Lock()
	c.transport = connected
	c.mu.Unlock()
	c.evaluate(ctx)
}

// SetPeerPresent records peer presence and re-evaluates.
func (c *Controller) SetPeerPresent(ctx context.Context, present bool) {
	c.mu.Lock()
	c.peer = present
	c.mu.Unlock()
	c.evaluate(ctx)
}

func (c *Controller) evaluate(ctx context.Context) {
	c.transitionMu.Lock()
	defer c.transitionMu.Unlock()

	c.mu.Lock()
	connected := c.transport && c.peer
	mode := c.mode
	c.mu.Unlock()

	switch {
	case !connected && mode == ModeFollowingRemote:
		c.enterLocal()
	case connected && mode == ModeLocalAuthoritative:
		c.exitLocal(ctx)
	}
}

func (c *Controller) enterLocal() {
	c.mu.Lock()
	c.mode = ModeLocalAuthoritative
	notify := c.cfg.OnMode
	c.mu.Unlock()

	c.cfg.Replica.SetMode(basket.ModeWriter)
	c.cfg.Menu.ResetToLocalControl()
	log.Printf("lane %s entering local-authoritative mode", c.cfg.DeviceID)
	if notify != nil {
		notify(ModeLocalAuthoritative)
	}
}

func (c *Controller) exitLocal(ctx context.Context) {
	c.mu.Lock()
	c.mode = ModeFollowingRemote
	notify := c.cfg.OnMode
	c.mu.Unlock()

	if submitted, err := c.FlushPending(ctx); err != nil {
		log.Printf("pending order flush incomplete (%d submitted): %v", submitted, err)
	}
	c.cfg.Menu.ResetToRemoteControl()
	c.cfg.Replica.Clear()
	c.cfg.Replica.SetMode(basket.ModeMirror)
	if err := c.cfg.Baskets.ClearLocalBasket(ctx, c.cfg.DeviceID); err != nil {
		log.Printf("clear local basket: %v", err)
	}
	log.Printf("lane %s following remote session again", c.cfg.DeviceID)
	if notify != nil {
		notify(ModeFollowingRemote)
	}
}

// ApplyLocalOp mutates the locally owned basket and persists it so the
// contents survive a restart mid-outage.
func (c *Controller) ApplyLocalOp(ctx context.Context, op protocol.BasketOp) error {
	if c.Mode() != ModeLocalAuthoritative {
		return basket.ErrNotWriter
	}
	if err := c.cfg.Replica.Apply(op); err != nil {
		return err
	}
	return c.persistBasket(ctx)
}

func (c *Controller) persistBasket(ctx context.Context) error {
	lines := c.cfg.Replica.Lines()
	stored := make([]storage.BasketLine, 0, len(lines))
	for _, l := range lines {
		stored = append(stored, storage.BasketLine{
			SKU:       l.SKU,
			Name:      l.Name,
			Qty:       l.Qty,
			UnitPrice: l.UnitPrice,
			Options:   l.Options,
			ImageURL:  l.ImageURL,
		})
	}
	if err := c.cfg.Baskets.SaveLocalBasket(ctx, c.cfg.DeviceID, stored); err != nil {
		return fmt.Errorf("persist local basket: %w", err)
	}
	return nil
}

// localOrderDoc is the payload queued and later posted to the hub.
type localOrderDoc struct {
	OrderNumber string              `json:"orderNumber"`
	DeviceID    string              `json:"device_id"`
	Total       float64             `json:"total"`
	Basket      protocol.WireBasket `json:"basket"`
}

// Checkout closes out the locally accumulated basket: assigns an offline
// receipt number, queues the order durably, attempts one submission, and
// clears the basket. A failed submission stays queued for the next flush.
func (c *Controller) Checkout(ctx context.Context) (storage.PendingOrder, error) {
	if c.Mode() != ModeLocalAuthoritative {
		return storage.PendingOrder{}, fmt.Errorf("localmode: checkout outside local mode")
	}
	snapshot := c.cfg.Replica.Snapshot()
	if len(snapshot.Lines) == 0 {
		return storage.PendingOrder{}, fmt.Errorf("localmode: checkout on empty basket")
	}

	now := c.now()
	day := now.Format("20060102")
	seq, err := c.cfg.Sequences.NextOrderSequence(ctx, day)
	if err != nil {
		return storage.PendingOrder{}, fmt.Errorf("next order sequence: %w", err)
	}
	number := fmt.Sprintf("LOCAL-%s-%04d", day, seq)

	payload, err := json.Marshal(localOrderDoc{
		OrderNumber: number,
		DeviceID:    c.cfg.DeviceID,
		Total:       snapshot.Total,
		Basket:      snapshot,
	})
	if err != nil {
		return storage.PendingOrder{}, fmt.Errorf("encode local order: %w", err)
	}

	order := storage.PendingOrder{
		ID:          uuid.NewString(),
		OrderNumber: number,
		DeviceID:    c.cfg.DeviceID,
		Payload:     payload,
		Total:       snapshot.Total,
		CreatedAt:   now,
	}
	if err := c.cfg.Orders.EnqueuePendingOrder(ctx, order); err != nil {
		return storage.PendingOrder{}, fmt.Errorf("queue local order: %w", err)
	}

	if err := c.cfg.Submit.Submit(ctx, order); err != nil {
		log.Printf("local order %s queued, submission failed: %v", number, err)
		if err := c.cfg.Orders.MarkOrderAttempt(ctx, order.ID, now); err != nil {
			log.Printf("mark order attempt: %v", err)
		}
	} else if err := c.cfg.Orders.RemovePendingOrder(ctx, order.ID); err != nil {
		log.Printf("dequeue submitted order: %v", err)
	}

	c.cfg.Replica.Clear()
	if err := c.persistBasket(ctx); err != nil {
		log.Printf("clear persisted basket: %v", err)
	}
	return order, nil
}

// FlushPending retries every queued order. Submitted orders leave the
// queue; failures keep their place and record the attempt. Returns how
// many were submitted and the first submission error, if any.
func (c *Controller) FlushPending(ctx context.Context) (int, error) {
	pending, err := c.cfg.Orders.ListPendingOrders(ctx, c.cfg.DeviceID)
	if err != nil {
		return 0, fmt.Errorf("list pending orders: %w", err)
	}

	submitted := 0
	var firstErr error
	for _, order := range pending {
		if err := c.cfg.Submit.Submit(ctx, order); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			if err := c.cfg.Orders.MarkOrderAttempt(ctx, order.ID, c.now()); err != nil {
				log.Printf("mark order attempt: %v", err)
			}
			continue
		}
		if err := c.cfg.Orders.RemovePendingOrder(ctx, order.ID); err != nil {
			log.Printf("dequeue submitted order: %v", err)
			continue
		}
		submitted++
	}
	return submitted, firstErr
}
