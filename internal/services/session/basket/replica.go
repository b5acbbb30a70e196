// Package basket holds one device's view of the shared order basket.
//
// Exactly one side writes a basket at any given time: the cashier
// normally, or the display while in local-fallback mode. The other side is
// a pure mirror that renders whatever snapshots and ops arrive. Totals are
// always recomputed from lines; wire totals are advisory only.
package basket

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/ordertech/lanesync/internal/protocol"
)

// Line is one basket line. Identity is the SKU (product id plus variant
// selector), never the array position.
type Line struct {
	SKU       string
	Name      string
	Qty       int
	UnitPrice float64
	LineTotal float64
	Options   []string
	ImageURL  string
}

// Totals are derived from lines on every mutation.
type Totals struct {
	Subtotal float64
	Tax      float64
	Total    float64
}

// Mode selects whether this replica originates mutations or mirrors them.
type Mode int

const (
	// ModeWriter applies ops locally; this side owns the basket.
	ModeWriter Mode = iota
	// ModeMirror renders snapshots and ops from the writer and refuses
	// to originate mutations.
	ModeMirror
)

// ErrNotWriter is returned when a mirror replica is asked to mutate.
// Mirror-side UI intents must be sent to the writer as outbound op
// messages instead.
var ErrNotWriter = fmt.Errorf("basket: replica is not the writer")

// TaxRate applied when recomputing totals. The original system runs
// tax-inclusive pricing, so this stays zero.
const TaxRate = 0.0

// Replica holds the basket state for one device.
type Replica struct {
	mu      sync.Mutex
	mode    Mode
	lines   []Line
	version int64
}

// NewReplica creates an empty replica in the given mode.
func NewReplica(mode Mode) *Replica {
	return &Replica{mode: mode}
}

// SetMode switches the replica between writer and mirror, used on
// local-fallback transitions.
func (r *Replica) SetMode(mode Mode) {
	r.mu.Lock()
	r.mode = mode
	r.mu.Unlock()
}

// Mode reports the current mode.
func (r *Replica) Mode() Mode {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mode
}

// Apply mutates the basket with a single op. Mirrors may only apply ops
// that arrived from the writer via ApplyRemoteOp.
func (r *Replica) Apply(op protocol.BasketOp) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.mode != ModeWriter {
		return ErrNotWriter
	}
	return r.applyLocked(op)
}

// ApplyRemoteOp applies an op that arrived on the channel from the
// current writer. Valid in any mode.
func (r *Replica) ApplyRemoteOp(op protocol.BasketOp) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.applyLocked(op)
}

func (r *Replica) applyLocked(op protocol.BasketOp) error {
	switch op.Action {
	case protocol.ActionClear:
		r.lines = nil
	case protocol.ActionAdd:
		sku := strings.TrimSpace(op.Item.SKU)
		if sku == "" {
			return fmt.Errorf("basket: add without sku")
		}
		inc := op.Qty
		if inc <= 0 {
			inc = 1
		}
		if i := r.index(sku); i >= 0 {
			r.lines[i].Qty += inc
			if op.Item.Name != "" {
				r.lines[i].Name = op.Item.Name
			}
			if op.Item.Price != 0 {
				r.lines[i].UnitPrice = op.Item.Price
			}
		} else {
			r.lines = append(r.lines, Line{
				SKU:       sku,
				Name:      op.Item.Name,
				Qty:       inc,
				UnitPrice: op.Item.Price,
				Options:   op.Item.Options,
				ImageURL:  op.Item.ImageURL,
			})
		}
	case protocol.ActionSetQty:
		sku := strings.TrimSpace(op.Item.SKU)
		if sku == "" {
			return fmt.Errorf("basket: setQty without sku")
		}
		if op.Qty <= 0 {
			r.remove(sku)
			break
		}
		if i := r.index(sku); i >= 0 {
			r.lines[i].Qty = op.Qty
		}
	case protocol.ActionRemove:
		sku := strings.TrimSpace(op.Item.SKU)
		if sku == "" {
			return fmt.Errorf("basket: remove without sku")
		}
		r.remove(sku)
	default:
		return fmt.Errorf("basket: unknown action %q", op.Action)
	}

	r.recomputeLocked()
	r.version++
	return nil
}

// ApplySnapshot replaces local state wholesale with an authoritative
// snapshot. Applying the same snapshot twice is idempotent. The most
// recent full snapshot always wins; there is no op replay across
// restarts.
func (r *Replica) ApplySnapshot(wire protocol.WireBasket) {
	r.mu.Lock()
	defer r.mu.Unlock()

	lines := make([]Line, 0, len(wire.Lines))
	for _, wl := range wire.Lines {
		if strings.TrimSpace(wl.SKU) == "" {
			// Unidentifiable line: drop it rather than reject the
			// whole basket.
			continue
		}
		qty := wl.Qty
		if qty < 0 {
			qty = 1
		}
		if qty == 0 {
			continue
		}
		lines = append(lines, Line{
			SKU:       wl.SKU,
			Name:      wl.Name,
			Qty:       qty,
			UnitPrice: wl.Price,
			Options:   wl.Options,
			ImageURL:  wl.ImageURL,
		})
	}
	r.lines = lines
	r.version = wire.Version
	r.recomputeLocked()
}

// Clear drops every line. Used on session boundaries.
func (r *Replica) Clear() {
	r.mu.Lock()
	r.lines = nil
	r.recomputeLocked()
	r.mu.Unlock()
}

// Lines returns a copy of the current lines in stable order.
func (r *Replica) Lines() []Line {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Line, len(r.lines))
	copy(out, r.lines)
	return out
}

// Totals returns the derived totals.
func (r *Replica) Totals() Totals {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.totalsLocked()
}

// Version returns the replica's basket version.
func (r *Replica) Version() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.version
}

// Snapshot renders the replica as a wire basket for broadcast.
func (r *Replica) Snapshot() protocol.WireBasket {
	r.mu.Lock()
	defer r.mu.Unlock()

	wire := protocol.WireBasket{Version: r.version}
	for _, l := range r.lines {
		wire.Lines = append(wire.Lines, protocol.WireLine{
			SKU:       l.SKU,
			Name:      l.Name,
			Qty:       l.Qty,
			Price:     l.UnitPrice,
			LineTotal: l.LineTotal,
			Options:   l.Options,
			ImageURL:  l.ImageURL,
		})
	}
	totals := r.totalsLocked()
	wire.Subtotal = totals.Subtotal
	wire.Tax = totals.Tax
	wire.Total = totals.Total
	return wire
}

func (r *Replica) index(sku string) int {
	for i := range r.lines {
		if r.lines[i].SKU == sku {
			return i
		}
	}
	return -1
}

func (r *Replica) remove(sku string) {
	for i := range r.lines {
		if r.lines[i].SKU == sku {
			r.lines = append(r.lines[:i], r.lines[i+1:]...)
			return
		}
	}
}

func (r *Replica) recomputeLocked() {
	for i := range r.lines {
		r.lines[i].LineTotal = round2(r.lines[i].UnitPrice * float64(r.lines[i].Qty))
	}
}

func (r *Replica) totalsLocked() Totals {
	var subtotal float64
	for _, l := range r.lines {
		subtotal += l.LineTotal
	}
	subtotal = round2(subtotal)
	tax := round2(subtotal * TaxRate)
	return Totals{Subtotal: subtotal, Tax: tax, Total: round2(subtotal + tax)}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// SortedSKUs returns the line identifiers in lexical order, a convenience
// for deterministic rendering and tests.
func SortedSKUs(lines []Line) []string {
	skus := make([]string, 0, len(lines))
	for _, l := range lines {
		skus = append(skus, l.SKU)
	}
	sort.Strings(skus)
	return skus
}
