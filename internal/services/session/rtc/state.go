package rtc

import "time"

// State is the provider session lifecycle state.
type State string

const (
	StateIdle       State = "idle"
	StatePreloading State = "preloading"
	StateStarting   State = "starting"
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateDegraded   State = "degraded"
	StateFailed     State = "failed"
	StateStopping   State = "stopping"
	StateStopped    State = "stopped"
)

var transitions = map[State][]State{
	StateIdle:       {StatePreloading},
	StatePreloading: {StateStarting, StateFailed, StateStopping},
	StateStarting:   {StateConnecting, StateFailed, StateStopping},
	StateConnecting: {StateConnected, StateFailed, StateStopping},
	StateConnected:  {StateDegraded, StateFailed, StateStopping},
	StateDegraded:   {StateConnected, StateFailed, StateStopping},
	StateFailed:     {StatePreloading, StateStopping, StateIdle},
	StateStopping:   {StateStopped},
	StateStopped:    {StateIdle},
}

// ValidTransition reports whether from→to is a legal lifecycle step.
func ValidTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Active reports whether the state represents an in-flight or live
// provider session, the states where a repeated start is a no-op.
func (s State) Active() bool {
	switch s {
	case StatePreloading, StateStarting, StateConnecting, StateConnected, StateDegraded:
		return true
	}
	return false
}

// Health thresholds. Degradation is advisory only and never gates
// correctness.
const (
	healthScoreFloor  = 0.7
	healthLatencyCeil = 200 * time.Millisecond
	healthLossCeil    = 0.05
)

// HealthMetrics is an advisory quality snapshot reported by a provider.
type HealthMetrics struct {
	Score   float64
	Latency time.Duration
	Loss    float64
}

// Degraded reports whether the metrics cross any quality threshold.
func (m HealthMetrics) Degraded() bool {
	return m.Score < healthScoreFloor || m.Latency > healthLatencyCeil || m.Loss > healthLossCeil
}
