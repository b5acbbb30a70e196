// Package agent composes one lane device's session: the hub channel, the
// basket replica, the menu authority, the media orchestrator, and the
// local-fallback controller, all mutated from a single event goroutine.
//
// The channel delivers events in order and the run loop handles them one
// at a time, which is the single-writer discipline everything downstream
// relies on. Timers (presence, health polls, signaling) run elsewhere and
// funnel their effects through the same components' own locks.
package agent

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/ordertech/lanesync/internal/protocol"
	"github.com/ordertech/lanesync/internal/services/session/activation"
	"github.com/ordertech/lanesync/internal/services/session/basket"
	"github.com/ordertech/lanesync/internal/services/session/catalog"
	"github.com/ordertech/lanesync/internal/services/session/channel"
	"github.com/ordertech/lanesync/internal/services/session/localmode"
	"github.com/ordertech/lanesync/internal/services/session/menu"
	"github.com/ordertech/lanesync/internal/services/session/rtc"
	"github.com/ordertech/lanesync/internal/services/session/storage"
)

// Config wires an Agent.
type Config struct {
	// Role is protocol.RoleCashier or protocol.RoleDisplay.
	Role     string
	DeviceID string
	Name     string
	// BasketID is the lane's default basket subscription.
	BasketID string

	// HubURL is the hub WebSocket endpoint (ws://host/ws).
	HubURL string
	// Token is read per connection; optional.
	Token func() string

	// Providers in media fallback preference order. Optional; a lane
	// without media simply never starts a provider session.
	Providers      []rtc.Provider
	HealthInterval time.Duration

	// AnnouncePresence pushes one liveness record now, used to refresh
	// the hub's registry after a session ends. Optional.
	AnnouncePresence func(ctx context.Context) error

	Activation *activation.Manager
	Catalog    *catalog.Client

	// Fallback persistence, required for displays (which must keep
	// selling while the cashier is unreachable), ignored for cashiers.
	Baskets   storage.LocalBasketStore
	Orders    storage.PendingOrderStore
	Sequences storage.OrderSequenceStore
	Submit    localmode.OrderSubmitter
}

// Agent is the composed session for one device.
type Agent struct {
	cfg Config

	channel  *channel.Channel
	replica  *basket.Replica
	menu     *menu.Authority
	media    *rtc.Orchestrator
	fallback *localmode.Controller

	// runCtx is set by Run and used by callbacks that fire off the
	// event goroutine.
	runCtx context.Context

	provider string
}

// New composes an agent. The cashier's replica is the basket writer; the
// display's is a mirror until local fallback takes over.
func New(cfg Config) (*Agent, error) {
	if cfg.Role != protocol.RoleCashier && cfg.Role != protocol.RoleDisplay {
		return nil, fmt.Errorf("agent: role must be cashier or display, got %q", cfg.Role)
	}
	if strings.TrimSpace(cfg.DeviceID) == "" || strings.TrimSpace(cfg.BasketID) == "" {
		return nil, fmt.Errorf("agent: device id and basket id are required")
	}

	a := &Agent{cfg: cfg, runCtx: context.Background()}

	mode := basket.ModeMirror
	if cfg.Role == protocol.RoleCashier {
		mode = basket.ModeWriter
	}
	a.replica = basket.NewReplica(mode)
	a.menu = menu.NewAuthority(cfg.DeviceID, a.broadcastFocus)
	a.media = rtc.New(rtc.Options{
		Providers:      cfg.Providers,
		HealthInterval: cfg.HealthInterval,
		OnState:        a.mediaState,
		OnStopped:      a.mediaStopped,
	})

	ch, err := channel.New(channel.Config{
		URL:          cfg.HubURL,
		Role:         cfg.Role,
		Name:         cfg.Name,
		DeviceID:     cfg.DeviceID,
		Token:        cfg.Token,
		OnConnChange: a.connChanged,
	})
	if err != nil {
		return nil, err
	}
	a.channel = ch

	if cfg.Role == protocol.RoleDisplay {
		fallback, err := localmode.NewController(localmode.Config{
			DeviceID:  cfg.DeviceID,
			Replica:   a.replica,
			Menu:      a.menu,
			Baskets:   cfg.Baskets,
			Orders:    cfg.Orders,
			Sequences: cfg.Sequences,
			Submit:    cfg.Submit,
		})
		if err != nil {
			return nil, fmt.Errorf("agent: %w", err)
		}
		a.fallback = fallback
	}
	return a, nil
}

// Replica exposes the basket for the rendering layer.
func (a *Agent) Replica() *basket.Replica { return a.replica }

// Menu exposes the focus authority for the rendering layer.
func (a *Agent) Menu() *menu.Authority { return a.menu }

// Media exposes the provider orchestrator.
func (a *Agent) Media() *rtc.Orchestrator { return a.media }

// Fallback exposes the local-fallback controller; nil on cashiers.
func (a *Agent) Fallback() *localmode.Controller { return a.fallback }

// Run connects to the hub, restores any persisted offline basket, and
// processes events until ctx ends. It returns after the channel closes.
func (a *Agent) Run(ctx context.Context) error {
	a.runCtx = ctx

	if a.fallback != nil {
		if err := a.fallback.Restore(ctx); err != nil {
			log.Printf("restore offline basket: %v", err)
		}
	}
	if err := a.channel.Connect(ctx); err != nil {
		return fmt.Errorf("connect channel: %w", err)
	}
	defer a.channel.Disconnect()
	if err := a.channel.Subscribe(a.cfg.BasketID); err != nil {
		log.Printf("subscribe %s: %v", a.cfg.BasketID, err)
	}

	for {
		select {
		case <-ctx.Done():
			_ = a.media.Stop(context.Background(), protocol.StopReasonReset)
			return ctx.Err()
		case ev, ok := <-a.channel.Events():
			if !ok {
				return nil
			}
			a.handle(ctx, ev)
		}
	}
}

// MutateBasket is the UI's basket intent entry point. The cashier applies
// the op locally and tells the hub; a display in local mode applies it to
// its own authoritative basket; a following display forwards the intent to
// the writer.
func (a *Agent) MutateBasket(ctx context.Context, op protocol.BasketOp) error {
	if a.fallback != nil && a.fallback.Mode() == localmode.ModeLocalAuthoritative {
		return a.fallback.ApplyLocalOp(ctx, op)
	}
	if a.replica.Mode() == basket.ModeWriter {
		if err := a.replica.Apply(op); err != nil {
			return err
		}
	}
	return a.channel.Send(protocol.Event{
		Type:     protocol.TypeBasketUpdate,
		BasketID: a.cfg.BasketID,
		Op:       &op,
	})
}

// RequestSync asks the hub for a fresh basket snapshot.
func (a *Agent) RequestSync() error {
	return a.channel.Send(protocol.Event{
		Type:     protocol.TypeBasketRequestSync,
		BasketID: a.cfg.BasketID,
	})
}

// broadcastFocus is the menu authority's outbound path.
func (a *Agent) broadcastFocus(state menu.State, ts time.Time) {
	err := a.channel.Send(protocol.Event{
		Type:      protocol.TypeUIMenuState,
		BasketID:  a.cfg.BasketID,
		Authority: a.cfg.DeviceID,
		Timestamp: float64(ts.UnixMilli()),
		Focus: &protocol.MenuFocus{
			SelectedCategory:  state.SelectedCategory,
			SelectedProductID: state.SelectedProductID,
			ScrollTarget:      state.ScrollTarget,
		},
	})
	if err != nil {
		log.Printf("broadcast focus: %v", err)
	}
}

// mediaState relays lifecycle transitions to the peer as rtc:status.
func (a *Agent) mediaState(state rtc.State, provider, pairID string) {
	if state == rtc.StateIdle {
		return
	}
	err := a.channel.Send(protocol.Event{
		Type:     protocol.TypeRTCStatus,
		BasketID: a.cfg.BasketID,
		Provider: provider,
		Status:   string(state),
	})
	if err != nil {
		log.Printf("relay media state %s: %v", state, err)
	}
}

// mediaStopped tells the peer about an explicit local teardown so it can
// clear its connected indicator. Stops that were themselves triggered by
// an inbound rtc:stopped use reasonRemote and are not echoed back.
func (a *Agent) mediaStopped(pairID, reason string) {
	if reason == reasonRemote {
		return
	}
	err := a.channel.Send(protocol.Event{
		Type:     protocol.TypeRTCStopped,
		BasketID: a.cfg.BasketID,
		Reason:   reason,
	})
	if err != nil {
		log.Printf("relay media stop: %v", err)
	}
}

// connChanged reacts to channel connectivity off the event goroutine.
func (a *Agent) connChanged(connected bool) {
	a.menu.SetConnectionStable(connected)
	if a.fallback != nil {
		a.fallback.SetTransportConnected(a.runCtx, connected)
	}
}
