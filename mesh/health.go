package mesh

import (
	"math/rand"
	"sync"
	"time"
)

// ConnState tracks where a discovered device sits on the path from "seen on
// the LAN" to "authenticated session".
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateDegraded
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// RetryPolicy bounds reconnection behaviour per device.
type RetryPolicy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
	// MissedBeforeDrop is how many liveness misses a Degraded connection
	// survives before falling back to Disconnected.
	MissedBeforeDrop int
}

// DefaultRetryPolicy mirrors the dial backoff used for seed endpoints.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:        time.Second,
		MaxDelay:         2 * time.Minute,
		MaxAttempts:      8,
		MissedBeforeDrop: 3,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.BaseDelay <= 0 {
		p.BaseDelay = time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 2 * time.Minute
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 8
	}
	if p.MissedBeforeDrop <= 0 {
		p.MissedBeforeDrop = 3
	}
	return p
}

// ConnectionHealth is the per-device state machine:
//
//	Disconnected -> Connecting -> Connected
//	Connected -> Degraded on a missed liveness signal
//	Degraded -> Disconnected after repeated misses
//
// All transitions are guarded by one mutex; discovery callbacks and the
// retry timer never touch the fields directly.
type ConnectionHealth struct {
	mu       sync.Mutex
	state    ConnState
	attempts int
	missed   int
	policy   RetryPolicy
	jitter   func() float64
}

// NewConnectionHealth builds a health tracker in the Disconnected state.
func NewConnectionHealth(policy RetryPolicy) *ConnectionHealth {
	return &ConnectionHealth{
		state:  StateDisconnected,
		policy: policy.normalized(),
		jitter: rand.Float64,
	}
}

// State returns the current connection state.
func (h *ConnectionHealth) State() ConnState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// MarkConnecting records a dial attempt. It returns false once the attempt
// budget is exhausted; the caller should stop retrying this device.
func (h *ConnectionHealth) MarkConnecting() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.attempts >= h.policy.MaxAttempts {
		h.state = StateDisconnected
		return false
	}
	h.attempts++
	h.state = StateConnecting
	return true
}

// MarkConnected records a completed handshake and resets retry bookkeeping.
func (h *ConnectionHealth) MarkConnected() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state = StateConnected
	h.attempts = 0
	h.missed = 0
}

// MarkFailed records a failed dial or handshake.
func (h *ConnectionHealth) MarkFailed() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state = StateDisconnected
}

// MarkLivenessMissed records a missed liveness signal. A Connected device
// degrades immediately; a Degraded device drops to Disconnected after the
// configured number of further misses. Returns the resulting state.
func (h *ConnectionHealth) MarkLivenessMissed() ConnState {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch h.state {
	case StateConnected:
		h.state = StateDegraded
		h.missed = 1
	case StateDegraded:
		h.missed++
		if h.missed >= h.policy.MissedBeforeDrop {
			h.state = StateDisconnected
			h.missed = 0
		}
	}
	return h.state
}

// MarkLivenessSeen clears degradation after a liveness signal arrives.
func (h *ConnectionHealth) MarkLivenessSeen() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == StateDegraded {
		h.state = StateConnected
	}
	h.missed = 0
}

// NextRetryIn returns the capped exponential backoff delay with jitter for
// the next reconnect attempt. Jitter spreads simultaneous rediscoveries so a
// rebooted hub is not stampeded by every peer at once.
func (h *ConnectionHealth) NextRetryIn() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	attempts := h.attempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := h.policy.BaseDelay
	for i := 1; i < attempts; i++ {
		backoff *= 2
		if backoff >= h.policy.MaxDelay {
			backoff = h.policy.MaxDelay
			break
		}
	}
	if backoff > h.policy.MaxDelay {
		backoff = h.policy.MaxDelay
	}
	// Up to 50% additive jitter.
	jittered := backoff + time.Duration(h.jitter()*0.5*float64(backoff))
	if jittered > h.policy.MaxDelay {
		jittered = h.policy.MaxDelay
	}
	return jittered
}

// Exhausted reports whether the retry budget is spent.
func (h *ConnectionHealth) Exhausted() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.attempts >= h.policy.MaxAttempts
}

// ResetRetries clears the attempt counter, typically after a device is
// rediscovered with a fresh advertisement.
func (h *ConnectionHealth) ResetRetries() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.attempts = 0
}
