// Package ticker provides a jittered, restartable alternative to
// time.Ticker, used by the Stability Loop so concurrently-started channels
// don't all hit public price endpoints on the same tick boundary (spec.md
// §4.5 Cadence: "default 30s per tick, jittered +/-10%").
package ticker

import (
	"math/rand"
	"time"
)

// Ticker is implemented by both DefaultTicker and a deterministic test double, so
// callers can substitute a fake ticker in tests without a real clock.
type Ticker interface {
	Ticks() <-chan time.Time
	Start()
	Stop()
	Resume()
	Pause()
}

// Force-assert the real implementation satisfies the interface.
var _ Ticker = (*DefaultTicker)(nil)

// DefaultTicker ticks on a fixed interval with up to +/-jitterFraction
// random jitter applied to each interval, to avoid a thundering herd.
type DefaultTicker struct {
	interval       time.Duration
	jitterFraction float64

	ticks chan time.Time
	quit  chan struct{}

	timer *time.Timer
}

// New constructs a Ticker with the given base interval and jitter fraction
// (e.g. 0.1 for +/-10%). A zero jitterFraction ticks exactly on interval.
func New(interval time.Duration, jitterFraction float64) *DefaultTicker {
	return &DefaultTicker{
		interval:       interval,
		jitterFraction: jitterFraction,
		ticks:          make(chan time.Time, 1),
	}
}

// Ticks returns the channel new tick times are delivered on.
func (t *DefaultTicker) Ticks() <-chan time.Time {
	return t.ticks
}

// Start begins ticking. Safe to call once; use Resume/Pause to suspend and
// continue without tearing down the underlying channel.
func (t *DefaultTicker) Start() {
	t.quit = make(chan struct{})
	t.timer = time.AfterFunc(t.next(), t.fire)
}

// Stop halts the ticker permanently.
func (t *DefaultTicker) Stop() {
	if t.timer != nil {
		t.timer.Stop()
	}
	if t.quit != nil {
		close(t.quit)
	}
}

// Pause halts ticking without closing the ticks channel; Resume continues
// it. (The Stability Loop changes cadence for degraded mode with
// SetInterval, not Pause.)
func (t *DefaultTicker) Pause() {
	if t.timer != nil {
		t.timer.Stop()
	}
}

// Resume restarts ticking from now using the current interval.
func (t *DefaultTicker) Resume() {
	t.timer = time.AfterFunc(t.next(), t.fire)
}

func (t *DefaultTicker) fire() {
	select {
	case t.ticks <- time.Now():
	default:
		// A previous tick hasn't been consumed yet; drop this one
		// rather than block the timer goroutine or build up a
		// backlog the loop would have to catch up on.
	}

	select {
	case <-t.quit:
		return
	default:
		t.timer.Reset(t.next())
	}
}

// next computes the next interval with jitter applied.
func (t *DefaultTicker) next() time.Duration {
	if t.jitterFraction <= 0 {
		return t.interval
	}
	spread := float64(t.interval) * t.jitterFraction
	offset := (rand.Float64()*2 - 1) * spread
	return t.interval + time.Duration(offset)
}

// SetInterval updates the base interval used by subsequent ticks, used when
// the loop transitions into or out of degraded mode (spec.md §4.5 Drift
// detection: default degraded cadence is 5 min).
func (t *DefaultTicker) SetInterval(interval time.Duration) {
	t.interval = interval
}
