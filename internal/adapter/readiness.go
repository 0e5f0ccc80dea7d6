package adapter

import (
	"sync"
	"time"
)

// ReadinessConfig holds tunable parameters for Readiness.
type ReadinessConfig struct {
	// CoolOff is the duration of continuous connection required after a
	// (re)connect before the feed is reported ready. Default: 2s.
	CoolOff time.Duration
}

// DefaultReadinessConfig returns production-tuned defaults.
func DefaultReadinessConfig() ReadinessConfig {
	return ReadinessConfig{CoolOff: 2 * time.Second}
}

// Readiness gates consumers on feed health. It reports ready only when the
// shared connection is up, has stayed up for CoolOff, and no manual halt is
// active. Feed it with Multiplexer.OnStateChange(r.Observe).
type Readiness struct {
	cfg ReadinessConfig

	mu          sync.RWMutex
	state       ConnState
	connectedAt time.Time
	halted      bool

	nowFunc func() time.Time // injectable clock for testing
}

// NewReadiness creates a Readiness starting from StateDisconnected.
func NewReadiness(cfg ReadinessConfig) *Readiness {
	return &Readiness{cfg: cfg, nowFunc: time.Now}
}

// Observe records a connection state transition.
func (r *Readiness) Observe(s ConnState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s == StateConnected && r.state != StateConnected {
		r.connectedAt = r.nowFunc()
	}
	r.state = s
}

// Halt forces not-ready until Resume is called.
func (r *Readiness) Halt() {
	r.mu.Lock()
	r.halted = true
	r.mu.Unlock()
}

// Resume clears a halt. The connection still has to pass the cool-off check.
func (r *Readiness) Resume() {
	r.mu.Lock()
	r.halted = false
	r.mu.Unlock()
}

// Ready reports whether consumers can rely on live data, and if not, why.
func (r *Readiness) Ready() (bool, string) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	switch {
	case r.halted:
		return false, "halted"
	case r.state != StateConnected:
		return false, "connection " + r.state.String()
	case r.nowFunc().Sub(r.connectedAt) < r.cfg.CoolOff:
		return false, "cooling off after connect"
	default:
		return true, ""
	}
}
