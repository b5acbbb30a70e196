// Package presence announces the local device's liveness to the hub so
// pairing UIs can list available displays. Records are ephemeral; the hub
// reconstructs its registry purely from these heartbeats.
package presence

import (
	"context"
	"log"
	"sync"
	"time"

	platformerrors "github.com/ordertech/lanesync/internal/platform/errors"
)

// Interval bounds. Delivery failures back the interval off
// multiplicatively toward the ceiling; successes decay it back toward the
// floor.
const (
	FloorInterval   = 10 * time.Second
	CeilingInterval = 120 * time.Second
)

// Config wires a Heartbeat.
type Config struct {
	// Announce posts one liveness record. Auth failures must carry
	// platformerrors.KindAuth.
	Announce func(ctx context.Context) error

	// HasCredential reports whether the device currently holds a valid
	// activation credential. The heartbeat pauses while it does not.
	HasCredential func() bool

	// OnAuthFailure is called when the hub rejects the credential.
	// Presence gets no grace period: the credential must be cleared
	// immediately.
	OnAuthFailure func()

	// Floor and Ceiling override the interval bounds, for tests.
	Floor   time.Duration
	Ceiling time.Duration
}

// Heartbeat posts liveness on an adaptive interval.
type Heartbeat struct {
	cfg Config

	mu       sync.Mutex
	interval time.Duration
}

// New creates a heartbeat starting at the floor interval.
func New(cfg Config) *Heartbeat {
	if cfg.Floor <= 0 {
		cfg.Floor = FloorInterval
	}
	if cfg.Ceiling <= 0 {
		cfg.Ceiling = CeilingInterval
	}
	return &Heartbeat{cfg: cfg, interval: cfg.Floor}
}

// Interval returns the current announce interval.
func (h *Heartbeat) Interval() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.interval
}

// Run announces until ctx is canceled. While the device holds no
// credential the loop idles at the floor interval without announcing and
// resumes as soon as one is acquired.
func (h *Heartbeat) Run(ctx context.Context) error {
	for {
		if h.cfg.HasCredential == nil || h.cfg.HasCredential() {
			h.Tick(ctx)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(h.wait()):
		}
	}
}

// Tick performs a single announce attempt and adjusts the interval. Split
// out from Run so callers and tests can drive it directly.
func (h *Heartbeat) Tick(ctx context.Context) {
	err := h.cfg.Announce(ctx)

	h.mu.Lock()
	defer h.mu.Unlock()

	switch {
	case err == nil:
		h.interval = maxDuration(h.cfg.Floor, h.interval/2)
	case platformerrors.KindOf(err) == platformerrors.KindAuth:
		log.Printf("presence rejected, clearing credential: %v", err)
		h.interval = h.cfg.Floor
		if h.cfg.OnAuthFailure != nil {
			h.cfg.OnAuthFailure()
		}
	default:
		log.Printf("presence announce failed: %v", err)
		h.interval = minDuration(h.cfg.Ceiling, h.interval*2)
	}
}

// wait returns the next sleep. Without a credential the loop rechecks at
// a fraction of the floor so announcing resumes promptly after re-pairing
// instead of sleeping out a full interval.
func (h *Heartbeat) wait() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cfg.HasCredential != nil && !h.cfg.HasCredential() {
		return minDuration(h.cfg.Floor/10, time.Second)
	}
	return h.interval
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
