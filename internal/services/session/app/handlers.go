package agent

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/ordertech/lanesync/internal/protocol"
	"github.com/ordertech/lanesync/internal/services/session/menu"
	"github.com/ordertech/lanesync/internal/services/session/rtc"
)

// reasonRemote marks a media stop that was ordered by the peer, so the
// teardown is not echoed back as another rtc:stopped.
const reasonRemote = "remote"

// defaultProvider is assumed when an offer arrives before any
// rtc:provider instruction.
const defaultProvider = "p2p"

func (a *Agent) handle(ctx context.Context, ev protocol.Event) {
	switch ev.Type {
	case protocol.TypePeerStatus:
		a.handlePeerStatus(ctx, ev)

	case protocol.TypeBasketSync:
		if ev.Basket != nil {
			a.replica.ApplySnapshot(*ev.Basket)
		}

	case protocol.TypeBasketUpdate:
		a.handleBasketUpdate(ev)

	case protocol.TypeUIMenuState,
		protocol.TypeUISelectCategory,
		protocol.TypeUISelectProduct,
		protocol.TypeUIShowOptions,
		protocol.TypeUIScrollTo,
		protocol.TypeUIOptionsClose,
		protocol.TypeUIOptionsCancel,
		protocol.TypeUIClearSelection:
		a.handleFocus(ev)

	case protocol.TypeRTCProvider:
		a.handleProvider(ctx, ev)

	case protocol.TypeRTCOffer:
		a.handleOffer(ctx, ev)

	case protocol.TypeRTCStopped:
		a.handleMediaStopped(ctx, ev)

	case protocol.TypeSessionStarted:
		a.handleSessionStarted(ev)

	case protocol.TypeSessionPaid:
		// Payment confirmation is a rendering concern; the basket stays
		// until session:ended clears it.

	case protocol.TypeSessionEnded:
		a.handleSessionEnded(ctx, ev)

	case protocol.TypeDeviceDeactivate, protocol.TypeDeviceRevoke:
		a.handleDeactivate(ctx, ev)

	case protocol.TypeError:
		log.Printf("hub error: %s", ev.Error)

	case protocol.TypeRTCStatus:
		// Peer media state is advisory; nothing to mutate here.

	default:
		log.Printf("dropping unknown event type %q", ev.Type)
	}
}

func (a *Agent) handlePeerStatus(ctx context.Context, ev protocol.Event) {
	connected := ev.Status == "connected"
	a.menu.SetConnectionStable(connected && a.channel.IsConnected())
	if a.fallback != nil {
		a.fallback.SetPeerPresent(ctx, connected)
	}
}

// handleBasketUpdate prefers the snapshot echoed alongside the op: the hub
// applied the op authoritatively, so the snapshot is the converged truth.
func (a *Agent) handleBasketUpdate(ev protocol.Event) {
	if ev.Basket != nil {
		a.replica.ApplySnapshot(*ev.Basket)
		return
	}
	if ev.Op == nil {
		return
	}
	if err := a.replica.ApplyRemoteOp(*ev.Op); err != nil {
		log.Printf("dropping malformed basket op: %v", err)
	}
}

// handleFocus funnels every ui:* variant through the menu authority.
func (a *Agent) handleFocus(ev protocol.Event) {
	state := a.menu.State()
	switch ev.Type {
	case protocol.TypeUIMenuState:
		if ev.Focus == nil {
			return
		}
		state = menu.State{
			SelectedCategory:  ev.Focus.SelectedCategory,
			SelectedProductID: ev.Focus.SelectedProductID,
			ScrollTarget:      ev.Focus.ScrollTarget,
		}
	case protocol.TypeUISelectCategory:
		state.SelectedCategory = ev.CategoryName()
		state.SelectedProductID = ""
	case protocol.TypeUISelectProduct, protocol.TypeUIShowOptions:
		state.SelectedProductID = ev.ProductKey()
	case protocol.TypeUIScrollTo:
		target := ev.ProductKey()
		if target == "" {
			target = ev.CategoryName()
		}
		state.ScrollTarget = target
	case protocol.TypeUIOptionsClose, protocol.TypeUIOptionsCancel:
		state.SelectedProductID = ""
	case protocol.TypeUIClearSelection:
		state = menu.State{}
	}

	authority := strings.TrimSpace(ev.Authority)
	if authority == "" {
		authority = strings.TrimSpace(ev.DeviceID)
	}
	ts := time.Now()
	if ev.Timestamp > 0 {
		ts = time.UnixMilli(int64(ev.Timestamp))
	}
	a.menu.ApplyRemote(menu.Remote{State: state, Authority: authority, Timestamp: ts})
}

func (a *Agent) handleProvider(ctx context.Context, ev protocol.Event) {
	provider := strings.TrimSpace(ev.Provider)
	if provider == "" {
		provider = defaultProvider
	}
	a.provider = provider

	pairID := ev.BasketID
	if pairID == "" {
		pairID = a.cfg.BasketID
	}
	if err := a.media.Start(ctx, provider, pairID); err != nil {
		log.Printf("start provider %s: %v", provider, err)
	}
}

// handleOffer makes sure a provider session is running for the offer's
// pair. The SDP itself flows through the signaling poller; the event is
// the cue that a handshake is underway.
func (a *Agent) handleOffer(ctx context.Context, ev protocol.Event) {
	if ev.OfferSDP() == "" {
		return
	}
	provider := strings.TrimSpace(ev.Provider)
	if provider == "" {
		provider = a.provider
	}
	if provider == "" {
		provider = defaultProvider
	}

	pairID := ev.BasketID
	if pairID == "" {
		pairID = a.cfg.BasketID
	}
	if err := a.media.Start(ctx, provider, pairID); err != nil {
		log.Printf("start provider %s for offer: %v", provider, err)
	}
}

// handleMediaStopped tears down the local provider session. A preclear or
// reset reason means a new offer is imminent: keep the current basket
// subscription so the offer is not missed. Any other reason reverts to the
// lane's default subscription.
func (a *Agent) handleMediaStopped(ctx context.Context, ev protocol.Event) {
	if err := a.media.Stop(ctx, reasonRemote); err != nil {
		log.Printf("stop media on peer request: %v", err)
	}
	if ev.StaySubscribed() {
		return
	}
	if err := a.channel.Subscribe(a.cfg.BasketID); err != nil {
		log.Printf("resubscribe %s: %v", a.cfg.BasketID, err)
	}
}

// handleSessionStarted begins a fresh order. The hub clears the basket on
// session end, so starting only resets focus.
func (a *Agent) handleSessionStarted(ev protocol.Event) {
	if ev.OSN != "" {
		log.Printf("session started, order %s", ev.OSN)
	}
	a.menu.ResetToRemoteControl()
}

// handleSessionEnded resets the lane for the next car: basket cleared,
// focus relinquished, media torn down, and presence refreshed so the
// cashier's lane list stays accurate.
func (a *Agent) handleSessionEnded(ctx context.Context, ev protocol.Event) {
	a.replica.Clear()
	a.menu.ResetToRemoteControl()
	if a.media.State() != rtc.StateIdle {
		if err := a.media.Stop(ctx, protocol.StopReasonReset); err != nil {
			log.Printf("stop media on session end: %v", err)
		}
	}
	if a.cfg.AnnouncePresence != nil {
		if err := a.cfg.AnnouncePresence(ctx); err != nil {
			log.Printf("re-announce presence: %v", err)
		}
	}
}

// handleDeactivate force-clears the credential and cached tenant data.
// The next manifest validation will fail fast and the operator re-pairs.
func (a *Agent) handleDeactivate(ctx context.Context, ev protocol.Event) {
	log.Printf("device %s ordered by hub (%s)", a.cfg.DeviceID, ev.Type)
	if a.cfg.Activation != nil {
		if err := a.cfg.Activation.ForceClear(ctx); err != nil {
			log.Printf("clear activation: %v", err)
		}
	}
	if a.cfg.Catalog != nil {
		a.cfg.Catalog.Invalidate()
	}
	if err := a.media.Stop(ctx, "deactivated"); err != nil {
		log.Printf("stop media on deactivate: %v", err)
	}
}
