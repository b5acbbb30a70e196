// Package storage defines persistence contracts for durable lane-agent
// state: the activation credential, the locally accumulated basket, and
// the offline order queue.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound indicates a requested record is missing.
	ErrNotFound = errors.New("record not found")
	// ErrAlreadyExists indicates a uniqueness-constrained record already exists.
	ErrAlreadyExists = errors.New("record already exists")
)

// ActivationRecord stores the device credential plus the failure counters
// and grace bookkeeping that decide when it may be cleared.
type ActivationRecord struct {
	DeviceID        string
	Token           string
	TenantID        string
	LastSuccessAt   time.Time
	AuthFailures    int
	NetworkFailures int
	UpdatedAt       time.Time
}

// ActivationStore persists the activation record. One record per device.
type ActivationStore interface {
	SaveActivation(ctx context.Context, record ActivationRecord) error
	GetActivation(ctx context.Context, deviceID string) (ActivationRecord, error)
	DeleteActivation(ctx context.Context, deviceID string) error
}

// BasketLine is one persisted local basket line.
type BasketLine struct {
	SKU       string
	Name      string
	Qty       int
	UnitPrice float64
	Options   []string
	ImageURL  string
}

// LocalBasketStore persists the basket accumulated while in local-fallback
// mode so it survives restarts.
type LocalBasketStore interface {
	SaveLocalBasket(ctx context.Context, deviceID string, lines []BasketLine) error
	GetLocalBasket(ctx context.Context, deviceID string) ([]BasketLine, error)
	ClearLocalBasket(ctx context.Context, deviceID string) error
}

// PendingOrder is one order taken offline, queued for submission.
type PendingOrder struct {
	ID            string
	OrderNumber   string
	DeviceID      string
	Payload       []byte
	Total         float64
	CreatedAt     time.Time
	Attempts      int
	LastAttemptAt time.Time
}

// PendingOrderStore persists the offline order queue. Orders leave the
// queue only on confirmed submission; failed submissions stay queued.
type PendingOrderStore interface {
	EnqueuePendingOrder(ctx context.Context, order PendingOrder) error
	ListPendingOrders(ctx context.Context, deviceID string) ([]PendingOrder, error)
	MarkOrderAttempt(ctx context.Context, id string, at time.Time) error
	RemovePendingOrder(ctx context.Context, id string) error
}

// OrderSequenceStore hands out the daily order-number sequence used for
// offline receipt numbers.
type OrderSequenceStore interface {
	NextOrderSequence(ctx context.Context, day string) (int, error)
}
