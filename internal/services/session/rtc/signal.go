package rtc

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/ordertech/lanesync/internal/platform/timeouts"
	"github.com/ordertech/lanesync/internal/protocol"
)

// SignalClient reads the REST signaling mailbox for a pair. Empty strings
// mean nothing posted yet; candidate reads drain the mailbox.
type SignalClient interface {
	Offer(ctx context.Context, pairID string) (string, error)
	Answer(ctx context.Context, pairID string) (string, error)
	Candidates(ctx context.Context, pairID, role string) ([]string, error)
}

// SignalMailbox is the full mailbox API: the read half the Poller
// consumes plus the upload half the media pipeline publishes its answer
// and local candidates through.
type SignalMailbox interface {
	SignalClient
	PostAnswer(ctx context.Context, pairID, sdp string) error
	PostCandidate(ctx context.Context, pairID, role, candidate string) error
}

// Poller polls the signaling mailbox on a fixed interval until the remote
// description arrives, then switches to a short candidate burst so late
// trickled candidates land before the handshake settles. It stops only
// when its context is canceled or the burst completes.
type Poller struct {
	Client SignalClient
	PairID string
	// Role is this device's role; it polls for the counterpart's
	// description (a display waits for the offer, a cashier for the
	// answer).
	Role string

	// Interval between polls; defaults to the platform signaling
	// interval. BurstInterval and BurstPolls shape the post-handshake
	// candidate burst.
	Interval      time.Duration
	BurstInterval time.Duration
	BurstPolls    int

	OnRemoteDescription func(sdp string)
	OnCandidates        func(candidates []string)
}

// Run blocks until the handshake completes or ctx is canceled.
func (p *Poller) Run(ctx context.Context) error {
	if p.Client == nil {
		return fmt.Errorf("signal poller: nil client")
	}
	interval := p.Interval
	if interval <= 0 {
		interval = timeouts.SignalPoll
	}
	burstInterval := p.BurstInterval
	if burstInterval <= 0 {
		burstInterval = 300 * time.Millisecond
	}
	burstPolls := p.BurstPolls
	if burstPolls <= 0 {
		burstPolls = 10
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		p.drainCandidates(ctx)

		sdp, err := p.fetchRemote(ctx)
		if err != nil {
			log.Printf("signal poll pair %s: %v", p.PairID, err)
			continue
		}
		if sdp == "" {
			continue
		}

		if p.OnRemoteDescription != nil {
			p.OnRemoteDescription(sdp)
		}
		return p.burst(ctx, burstInterval, burstPolls)
	}
}

func (p *Poller) burst(ctx context.Context, interval time.Duration, polls int) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for i := 0; i < polls; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		p.drainCandidates(ctx)
	}
	return nil
}

func (p *Poller) drainCandidates(ctx context.Context) {
	candidates, err := p.Client.Candidates(ctx, p.PairID, p.Role)
	if err != nil {
		log.Printf("signal candidates pair %s: %v", p.PairID, err)
		return
	}
	if len(candidates) > 0 && p.OnCandidates != nil {
		p.OnCandidates(candidates)
	}
}

func (p *Poller) fetchRemote(ctx context.Context) (string, error) {
	if p.Role == protocol.RoleDisplay {
		return p.Client.Offer(ctx, p.PairID)
	}
	return p.Client.Answer(ctx, p.PairID)
}
