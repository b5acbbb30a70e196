// Package protocol defines the JSON wire protocol spoken between the hub
// and the lane agents: one typed event envelope per message, one logical
// room per basketId.
//
// Decoding is deliberately tolerant. The two client shapes historically
// disagreed on key names (sku vs id vs productId, price as number vs
// string), so accessors fall back across the known variants and malformed
// values degrade to safe defaults instead of failing the whole message.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Event type identifiers.
const (
	TypeSubscribe         = "subscribe"
	TypeHello             = "hello"
	TypeBasketSync        = "basket:sync"
	TypeBasketUpdate      = "basket:update"
	TypeBasketRequestSync = "basket:requestSync"
	TypeUISelectCategory  = "ui:selectCategory"
	TypeUIShowOptions     = "ui:showOptions"
	TypeUISelectProduct   = "ui:selectProduct"
	TypeUIScrollTo        = "ui:scrollTo"
	TypeUIOptionsClose    = "ui:optionsClose"
	TypeUIOptionsCancel   = "ui:optionsCancel"
	TypeUIClearSelection  = "ui:clearSelection"
	TypeUIMenuState       = "ui:menuState"
	TypePeerStatus        = "peer:status"
	TypeRTCProvider       = "rtc:provider"
	TypeRTCOffer          = "rtc:offer"
	TypeRTCStopped        = "rtc:stopped"
	TypeRTCStatus         = "rtc:status"
	TypeSessionStarted    = "session:started"
	TypeSessionPaid       = "session:paid"
	TypeSessionEnded      = "session:ended"
	TypeDeviceDeactivate  = "device:deactivate"
	TypeDeviceRevoke      = "device:revoke"
	TypeError             = "error"
)

// Roles announced in hello events.
const (
	RoleCashier = "cashier"
	RoleDisplay = "display"
)

// Stop reasons that instruct the receiver to stay subscribed to the
// current basket because a new offer is imminent.
const (
	StopReasonPreclear = "preclear"
	StopReasonReset    = "reset"
)

// Event is the wire envelope. All fields live at the top level of the JSON
// object next to "type"; unused fields are omitted per event type.
type Event struct {
	Type     string `json:"type"`
	BasketID string `json:"basketId,omitempty"`

	// hello
	Role     string `json:"role,omitempty"`
	Name     string `json:"name,omitempty"`
	DeviceID string `json:"device_id,omitempty"`
	Token    string `json:"token,omitempty"`

	// basket:sync / basket:update
	Op     *BasketOp   `json:"op,omitempty"`
	Basket *WireBasket `json:"basket,omitempty"`

	// ui focus events; Name doubles as the category name on
	// ui:selectCategory, matching the original protocol.
	Category   string `json:"category,omitempty"`
	ProductID  string `json:"product_id,omitempty"`
	ProductID2 string `json:"productId,omitempty"`
	SKU        string `json:"sku,omitempty"`
	ID         string `json:"id,omitempty"`

	// ui:menuState
	Timestamp float64    `json:"timestamp,omitempty"`
	Authority string     `json:"authority,omitempty"`
	Focus     *MenuFocus `json:"state,omitempty"`

	// peer:status
	Status      string `json:"status,omitempty"`
	CashierName string `json:"cashierName,omitempty"`
	DisplayName string `json:"displayName,omitempty"`

	// rtc:provider / rtc:offer / rtc:stopped
	Provider string   `json:"provider,omitempty"`
	SDP      string   `json:"sdp,omitempty"`
	Offer    *SDPWrap `json:"offer,omitempty"`
	Reason   string   `json:"reason,omitempty"`

	// session:started
	OSN string `json:"osn,omitempty"`

	// error
	Error string `json:"error,omitempty"`

	ServerTS int64 `json:"serverTs,omitempty"`
}

// SDPWrap carries a nested session description, one of the shapes the
// original clients emitted offers in.
type SDPWrap struct {
	SDP string `json:"sdp,omitempty"`
}

// MenuFocus is the focus payload carried by ui:menuState.
type MenuFocus struct {
	SelectedCategory  string `json:"selectedCategory,omitempty"`
	SelectedProductID string `json:"selectedProductId,omitempty"`
	ScrollTarget      string `json:"scrollTarget,omitempty"`
}

// Decode parses a raw frame into an Event. Frames without a type are a
// protocol error.
func Decode(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if strings.TrimSpace(ev.Type) == "" {
		return Event{}, fmt.Errorf("decode event: missing type")
	}
	return ev, nil
}

// Encode serializes an event for the wire.
func Encode(ev Event) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	return data, nil
}

// CategoryName returns the category identifier of a ui:selectCategory
// event, falling back across the key variants clients have used.
func (e Event) CategoryName() string {
	for _, v := range []string{e.Category, e.Name, e.ID} {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// ProductKey returns the product identifier of a ui focus event, falling
// back across the key variants clients have used.
func (e Event) ProductKey() string {
	for _, v := range []string{e.ProductID, e.ProductID2, e.SKU, e.ID} {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// OfferSDP returns the session description of an rtc:offer event whether
// it arrived flat or nested.
func (e Event) OfferSDP() string {
	if strings.TrimSpace(e.SDP) != "" {
		return e.SDP
	}
	if e.Offer != nil {
		return e.Offer.SDP
	}
	return ""
}

// StaySubscribed reports whether an rtc:stopped reason means a new offer
// is imminent and the receiver must keep its current basket subscription.
func (e Event) StaySubscribed() bool {
	reason := strings.ToLower(strings.TrimSpace(e.Reason))
	return reason == StopReasonPreclear || reason == StopReasonReset
}
