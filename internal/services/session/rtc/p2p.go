package rtc

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// P2PProvider is the default media provider: a direct peer connection
// negotiated through the hub's signaling mailbox. This package owns the
// handshake; the media pipeline itself lives outside the session core and
// feeds quality metrics back through RecordMetrics.
type P2PProvider struct {
	signals SignalMailbox
	role    string

	// Poller shape overrides, zero for the platform defaults.
	pollInterval  time.Duration
	burstInterval time.Duration
	burstPolls    int

	mu        sync.Mutex
	pairID    string
	remoteSDP string
	metrics   HealthMetrics
}

// NewP2PProvider creates a provider that signals through client as the
// given role.
func NewP2PProvider(client SignalMailbox, role string) *P2PProvider {
	return &P2PProvider{
		signals: client,
		role:    role,
		metrics: HealthMetrics{Score: 1},
	}
}

var _ Provider = (*P2PProvider)(nil)

// Name implements Provider.
func (p *P2PProvider) Name() string { return "p2p" }

// Preload implements Provider. Direct connections have nothing to warm.
func (p *P2PProvider) Preload(ctx context.Context) error {
	if p.signals == nil {
		return fmt.Errorf("p2p: nil signal client")
	}
	return nil
}

// Connect runs the signaling handshake for the pair: poll for the remote
// description, then drain trickled candidates in a short burst. It returns
// once the handshake settles or ctx is canceled.
func (p *P2PProvider) Connect(ctx context.Context, pairID string) error {
	p.mu.Lock()
	p.pairID = pairID
	p.mu.Unlock()

	poller := &Poller{
		Client:        p.signals,
		PairID:        pairID,
		Role:          p.role,
		Interval:      p.pollInterval,
		BurstInterval: p.burstInterval,
		BurstPolls:    p.burstPolls,
		OnRemoteDescription: func(sdp string) {
			p.mu.Lock()
			p.remoteSDP = sdp
			p.mu.Unlock()
		},
		OnCandidates: func(candidates []string) {
			log.Printf("pair %s: %d candidate(s) received", pairID, len(candidates))
		},
	}
	if err := poller.Run(ctx); err != nil {
		return fmt.Errorf("p2p handshake on pair %s: %w", pairID, err)
	}
	return nil
}

// RemoteDescription returns the negotiated remote description, empty
// before the handshake completes.
func (p *P2PProvider) RemoteDescription() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remoteSDP
}

// SubmitAnswer publishes the media pipeline's session description for the
// current pair. The pipeline produces the answer; the provider owns its
// delivery through the mailbox.
func (p *P2PProvider) SubmitAnswer(ctx context.Context, sdp string) error {
	p.mu.Lock()
	pairID := p.pairID
	p.mu.Unlock()
	if pairID == "" {
		return fmt.Errorf("p2p: no active pair")
	}
	return p.signals.PostAnswer(ctx, pairID, sdp)
}

// SubmitCandidate trickles one of the pipeline's local candidates to the
// peer.
func (p *P2PProvider) SubmitCandidate(ctx context.Context, candidate string) error {
	p.mu.Lock()
	pairID := p.pairID
	p.mu.Unlock()
	if pairID == "" {
		return fmt.Errorf("p2p: no active pair")
	}
	return p.signals.PostCandidate(ctx, pairID, p.role, candidate)
}

// RecordMetrics stores the latest quality snapshot from the media
// pipeline.
func (p *P2PProvider) RecordMetrics(score float64, latency time.Duration, loss float64) {
	p.mu.Lock()
	p.metrics = HealthMetrics{Score: score, Latency: latency, Loss: loss}
	p.mu.Unlock()
}

// Health implements Provider.
func (p *P2PProvider) Health(ctx context.Context) (HealthMetrics, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.metrics, nil
}

// Close implements Provider.
func (p *P2PProvider) Close(ctx context.Context) error {
	p.mu.Lock()
	p.pairID = ""
	p.remoteSDP = ""
	p.metrics = HealthMetrics{Score: 1}
	p.mu.Unlock()
	return nil
}
