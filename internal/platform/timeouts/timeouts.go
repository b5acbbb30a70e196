// Package timeouts defines shared timeout constants used across processes.
// Centralizing these values prevents drift between the hub and the lane
// agents and makes the durations discoverable.
package timeouts

import "time"

// HTTPRequest caps a single REST call from a lane agent to the hub
// (presence, manifest, signaling). A hung request must never stall the
// event-delivery path, so this stays short.
const HTTPRequest = 5 * time.Second

// ReadHeader limits how long the hub waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long the hub waits for in-flight requests during
// graceful shutdown.
const Shutdown = 5 * time.Second

// ReconnectBase is the initial delay before a dropped session channel is
// redialed. Doubles per attempt up to ReconnectCap, with jitter.
const ReconnectBase = 500 * time.Millisecond

// ReconnectCap bounds the session channel reconnect delay.
const ReconnectCap = 8 * time.Second

// SignalPoll is the interval between offer/candidate polls during a media
// handshake. Polling stops only on Stop or handshake completion.
const SignalPoll = 1500 * time.Millisecond
