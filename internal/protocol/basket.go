package protocol

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Basket op actions.
const (
	ActionAdd    = "add"
	ActionRemove = "remove"
	ActionSetQty = "setQty"
	ActionClear  = "clear"
)

// BasketOp is a single basket mutation addressed to the current writer.
type BasketOp struct {
	Action string   `json:"action"`
	Item   WireLine `json:"item,omitempty"`
	Qty    int      `json:"qty,omitempty"`
}

// WireBasket is the full basket snapshot carried by basket:sync and
// echoed alongside every basket:update. Totals are advisory; receivers
// recompute them from lines.
type WireBasket struct {
	Lines    []WireLine `json:"lines"`
	Subtotal float64    `json:"subtotal"`
	Tax      float64    `json:"tax"`
	Total    float64    `json:"total"`
	Version  int64      `json:"version"`
}

// UnmarshalJSON accepts lines under either "lines" or the legacy "items"
// key.
func (b *WireBasket) UnmarshalJSON(data []byte) error {
	var raw struct {
		Lines    []WireLine `json:"lines"`
		Items    []WireLine `json:"items"`
		Subtotal looseFloat `json:"subtotal"`
		Tax      looseFloat `json:"tax"`
		Total    looseFloat `json:"total"`
		Version  int64      `json:"version"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	lines := raw.Lines
	if len(lines) == 0 {
		lines = raw.Items
	}
	b.Lines = lines
	b.Subtotal = raw.Subtotal.value
	b.Tax = raw.Tax.value
	b.Total = raw.Total.value
	b.Version = raw.Version
	return nil
}

// WireLine is one basket line on the wire.
type WireLine struct {
	SKU       string   `json:"sku"`
	Name      string   `json:"name"`
	Qty       int      `json:"qty"`
	Price     float64  `json:"price"`
	LineTotal float64  `json:"total"`
	Options   []string `json:"options,omitempty"`
	ImageURL  string   `json:"image_url,omitempty"`
}

// UnmarshalJSON normalizes the key variants clients have used for line
// identity, quantity, and price. A line with an unparseable price or qty
// degrades to price 0 / qty 1 rather than failing the basket.
func (l *WireLine) UnmarshalJSON(data []byte) error {
	var raw struct {
		SKU       string     `json:"sku"`
		ID        string     `json:"id"`
		LineID    string     `json:"lineId"`
		ProductID string     `json:"productId"`
		Name      string     `json:"name"`
		ProdName  string     `json:"productName"`
		Qty       looseInt   `json:"qty"`
		Quantity  looseInt   `json:"quantity"`
		Price     looseFloat `json:"price"`
		UnitPrice looseFloat `json:"unitPrice"`
		Total     looseFloat `json:"total"`
		Options   []string   `json:"options"`
		ImageURL  string     `json:"image_url"`
		ImageURL2 string     `json:"imageUrl"`
		Image     string     `json:"image"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	l.SKU = firstNonEmpty(raw.SKU, raw.ID, raw.LineID, raw.ProductID)
	l.Name = firstNonEmpty(raw.Name, raw.ProdName)
	if l.Name == "" {
		l.Name = "Item"
	}

	l.Qty = 1
	if raw.Qty.ok {
		l.Qty = raw.Qty.value
	} else if raw.Quantity.ok {
		l.Qty = raw.Quantity.value
	}

	if raw.Price.ok {
		l.Price = raw.Price.value
	} else if raw.UnitPrice.ok {
		l.Price = raw.UnitPrice.value
	}

	if raw.Total.ok {
		l.LineTotal = raw.Total.value
	} else {
		l.LineTotal = l.Price * float64(l.Qty)
	}

	l.Options = raw.Options
	l.ImageURL = firstNonEmpty(raw.ImageURL, raw.ImageURL2, raw.Image)
	return nil
}

// looseFloat accepts a JSON number or a numeric string. Unparseable
// values leave ok false and the caller picks a default.
type looseFloat struct {
	value float64
	ok    bool
}

func (f *looseFloat) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" || s == "" {
		return nil
	}
	s = strings.Trim(s, `"`)
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	f.value = v
	f.ok = true
	return nil
}

type looseInt struct {
	value int
	ok    bool
}

func (i *looseInt) UnmarshalJSON(data []byte) error {
	var f looseFloat
	if err := f.UnmarshalJSON(data); err != nil {
		return err
	}
	if !f.ok {
		return nil
	}
	i.value = int(f.value)
	i.ok = true
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
