package pipeline

import (
	"sync"
	"time"
)

// RateGate decides when the dispatcher may start a submission.
//
// It combines a minimum spacing between successful acquires with an externally
// signaled backoff window. It is a single slot: idle time is never banked into
// a burst. One mutex guards both timestamps so a decision sees them together.
type RateGate struct {
	mu           sync.Mutex
	minInterval  time.Duration
	lastSubmit   time.Time
	backoffUntil time.Time
	now          func() time.Time
}

// NewRateGate creates a gate enforcing minInterval between submissions.
// A zero interval disables spacing; backoff still applies.
func NewRateGate(minInterval time.Duration) *RateGate {
	return newRateGateWithClock(minInterval, time.Now)
}

func newRateGateWithClock(minInterval time.Duration, now func() time.Time) *RateGate {
	if minInterval < 0 {
		minInterval = 0
	}
	return &RateGate{
		minInterval: minInterval,
		now:         now,
	}
}

// TryAcquire claims the submission slot. On failure it returns a
// *RateLimitedError carrying the remaining wait and nothing is reset.
func (g *RateGate) TryAcquire() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()

	if now.Before(g.backoffUntil) {
		return &RateLimitedError{Wait: g.backoffUntil.Sub(now), Reason: GateReasonBackoff}
	}

	if !g.lastSubmit.IsZero() {
		next := g.lastSubmit.Add(g.minInterval)
		if now.Before(next) {
			return &RateLimitedError{Wait: next.Sub(now), Reason: GateReasonSpacing}
		}
	}

	g.lastSubmit = now
	return nil
}

// SignalBackoff blocks acquisition for d from now. An already later resume time
// is kept.
func (g *RateGate) SignalBackoff(d time.Duration) {
	if d <= 0 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	until := g.now().Add(d)
	if until.After(g.backoffUntil) {
		g.backoffUntil = until
	}
}

// BackoffUntil returns the current resume time; zero if no backoff was ever set.
func (g *RateGate) BackoffUntil() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.backoffUntil
}

// MinInterval returns the configured spacing.
func (g *RateGate) MinInterval() time.Duration {
	return g.minInterval
}
