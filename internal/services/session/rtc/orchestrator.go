// Package rtc drives the real-time media provider for a lane pairing: a
// lifecycle state machine, an orchestrator that starts/stops/health-checks
// pluggable providers with ordered fallback, and the REST signaling
// poller used for the peer-to-peer handshake.
package rtc

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// Provider is a pluggable media transport. Implementations own their
// device and connection resources; Close must release them before
// returning.
type Provider interface {
	Name() string
	Preload(ctx context.Context) error
	Connect(ctx context.Context, pairID string) error
	Health(ctx context.Context) (HealthMetrics, error)
	Close(ctx context.Context) error
}

// Options configures an Orchestrator.
type Options struct {
	// Providers in fallback preference order. On provider error the
	// orchestrator moves to the next entry instead of retrying the same
	// provider indefinitely.
	Providers []Provider

	// OnState is invoked, outside the lock, on every lifecycle
	// transition. Optional.
	OnState func(state State, provider, pairID string)

	// OnStopped is invoked after an explicit Stop completes, so the
	// session layer can broadcast the teardown to the peer. Optional.
	OnStopped func(pairID, reason string)

	// HealthInterval between advisory health polls while live. Defaults
	// to 2s.
	HealthInterval time.Duration
}

// Orchestrator runs at most one provider session at a time.
type Orchestrator struct {
	mu             sync.Mutex
	providers      []Provider
	onState        func(State, string, string)
	onStopped      func(string, string)
	healthInterval time.Duration

	state        State
	provider     Provider
	providerName string
	pairID       string

	gen    int
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an idle orchestrator.
func New(opts Options) *Orchestrator {
	interval := opts.HealthInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Orchestrator{
		providers:      opts.Providers,
		onState:        opts.OnState,
		onStopped:      opts.OnStopped,
		healthInterval: interval,
		state:          StateIdle,
	}
}

// State returns the current lifecycle state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Session returns the provider name and pair of the current session, empty
// when idle.
func (o *Orchestrator) Session() (provider, pairID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.providerName, o.pairID
}

// Start begins a provider session for the pair. Calling Start again with
// the same provider and pair while a session is in flight or live is a
// no-op. A different provider or pair first drives the current session
// through a full synchronous stop.
func (o *Orchestrator) Start(ctx context.Context, providerName, pairID string) error {
	o.mu.Lock()
	if o.state.Active() && o.providerName == providerName && o.pairID == pairID {
		o.mu.Unlock()
		return nil
	}
	active := o.state.Active()
	o.mu.Unlock()

	if active {
		if err := o.Stop(ctx, "switch"); err != nil {
			return fmt.Errorf("stop before switch: %w", err)
		}
	}

	prov := o.lookup(providerName)
	if prov == nil {
		return fmt.Errorf("unknown provider %q", providerName)
	}

	runCtx, cancel := context.WithCancel(context.Background())

	o.mu.Lock()
	o.gen++
	gen := o.gen
	o.cancel = cancel
	o.provider = prov
	o.providerName = providerName
	o.pairID = pairID
	o.state = StatePreloading
	o.wg.Add(1)
	o.mu.Unlock()

	o.notify(StatePreloading, providerName, pairID)
	go o.run(runCtx, gen, prov, pairID)
	return nil
}

// Stop tears the current session down. Safe from any state; returns only
// after the run loop has halted and the provider released its resources.
func (o *Orchestrator) Stop(ctx context.Context, reason string) error {
	o.mu.Lock()
	if o.state == StateIdle {
		o.mu.Unlock()
		return nil
	}
	o.gen++
	cancel := o.cancel
	o.cancel = nil
	prov := o.provider
	providerName := o.providerName
	pairID := o.pairID
	o.state = StateStopping
	o.mu.Unlock()

	o.notify(StateStopping, providerName, pairID)
	if cancel != nil {
		cancel()
	}
	o.wg.Wait()

	var closeErr error
	if prov != nil {
		closeErr = prov.Close(ctx)
	}

	o.mu.Lock()
	o.state = StateStopped
	o.mu.Unlock()
	o.notify(StateStopped, providerName, pairID)

	o.mu.Lock()
	o.state = StateIdle
	o.provider = nil
	o.providerName = ""
	o.pairID = ""
	o.mu.Unlock()
	o.notify(StateIdle, "", "")
	if o.onStopped != nil {
		o.onStopped(pairID, reason)
	}
	if closeErr != nil {
		return fmt.Errorf("close provider: %w", closeErr)
	}
	return nil
}

func (o *Orchestrator) run(ctx context.Context, gen int, prov Provider, pairID string) {
	defer o.wg.Done()

	for {
		err := o.connect(ctx, gen, prov, pairID)
		if err == nil {
			err = o.healthLoop(ctx, gen, prov)
		}
		if ctx.Err() != nil || err == nil {
			return
		}

		log.Printf("provider %s failed on pair %s: %v", prov.Name(), pairID, err)
		if !o.advance(gen, StateFailed) {
			return
		}
		if err := prov.Close(context.Background()); err != nil {
			log.Printf("close failed provider %s: %v", prov.Name(), err)
		}

		next := o.fallbackAfter(prov.Name())
		if next == nil {
			return
		}

		o.mu.Lock()
		if o.gen != gen {
			o.mu.Unlock()
			return
		}
		o.provider = next
		o.providerName = next.Name()
		o.state = StatePreloading
		o.mu.Unlock()
		o.notify(StatePreloading, next.Name(), pairID)
		prov = next
	}
}

func (o *Orchestrator) connect(ctx context.Context, gen int, prov Provider, pairID string) error {
	if err := prov.Preload(ctx); err != nil {
		return fmt.Errorf("preload: %w", err)
	}
	if !o.advance(gen, StateStarting) {
		return nil
	}
	if !o.advance(gen, StateConnecting) {
		return nil
	}
	if err := prov.Connect(ctx, pairID); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	o.advance(gen, StateConnected)
	return nil
}

func (o *Orchestrator) healthLoop(ctx context.Context, gen int, prov Provider) error {
	ticker := time.NewTicker(o.healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		metrics, err := prov.Health(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("health: %w", err)
		}
		if metrics.Degraded() {
			o.advance(gen, StateDegraded)
		} else {
			o.advance(gen, StateConnected)
		}
	}
}

// advance moves to the target state if this run is still current and the
// transition is legal. It reports whether the run remains current.
func (o *Orchestrator) advance(gen int, to State) bool {
	o.mu.Lock()
	if o.gen != gen {
		o.mu.Unlock()
		return false
	}
	if o.state == to || !ValidTransition(o.state, to) {
		o.mu.Unlock()
		return true
	}
	o.state = to
	provider, pairID := o.providerName, o.pairID
	o.mu.Unlock()

	o.notify(to, provider, pairID)
	return true
}

func (o *Orchestrator) notify(state State, provider, pairID string) {
	if o.onState != nil {
		o.onState(state, provider, pairID)
	}
}

func (o *Orchestrator) lookup(name string) Provider {
	for _, p := range o.providers {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

// fallbackAfter returns the next provider in preference order after the
// named one, or nil when the list is exhausted.
func (o *Orchestrator) fallbackAfter(name string) Provider {
	for i, p := range o.providers {
		if p.Name() == name && i+1 < len(o.providers) {
			return o.providers[i+1]
		}
	}
	return nil
}
