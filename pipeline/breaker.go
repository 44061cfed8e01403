package pipeline

import (
	"sync"
	"time"
)

// BreakerState identifies the delivery circuit breaker position.
type BreakerState string

const (
	// BreakerClosed means deliveries flow normally.
	BreakerClosed BreakerState = "closed"
	// BreakerOpen means deliveries are suspended until the cooldown elapses.
	BreakerOpen BreakerState = "open"
	// BreakerHalfOpen means a single trial delivery is probing the sink.
	BreakerHalfOpen BreakerState = "half_open"
)

// BreakerSnapshot is a point-in-time copy of the circuit breaker position.
type BreakerSnapshot struct {
	State               BreakerState `json:"state"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	OpenedAt            time.Time    `json:"opened_at,omitempty"`
}

// breaker suspends deliveries after a run of consecutive batch failures so a
// dead sink is not hammered. All transitions happen inside allow,
// recordSuccess, and recordFailure; nothing resets the breaker on a timer.
type breaker struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	state    BreakerState
	failures int
	openedAt time.Time
}

func newBreaker(threshold int, cooldown time.Duration, now func() time.Time) *breaker {
	if now == nil {
		now = time.Now
	}
	b := new(breaker)
	b.threshold = threshold
	b.cooldown = cooldown
	b.now = now
	b.state = BreakerClosed
	return b
}

// allow reports whether a delivery may proceed. When the breaker is open and
// the cooldown has elapsed it flips to half-open and grants exactly one trial
// delivery; concurrent callers see half-open and are refused until the trial
// resolves through recordSuccess or recordFailure.
func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if b.now().Sub(b.openedAt) >= b.cooldown {
			b.state = BreakerHalfOpen
			return true
		}
		return false
	default:
		return false
	}
}

// recordSuccess clears the failure run and closes the breaker.
func (b *breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.state = BreakerClosed
	b.openedAt = time.Time{}
}

// recordFailure extends the failure run, opening the breaker at the threshold.
// A failed half-open trial reopens immediately and restarts the cooldown.
func (b *breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.state == BreakerHalfOpen || b.failures >= b.threshold {
		b.state = BreakerOpen
		b.openedAt = b.now()
	}
}

// healthy reports whether the breaker is closed with no partial failure run.
// Dead-letter drains only start from this state.
func (b *breaker) healthy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == BreakerClosed && b.failures == 0
}

func (b *breaker) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.state = BreakerClosed
	b.openedAt = time.Time{}
}

func (b *breaker) snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerSnapshot{
		State:               b.state,
		ConsecutiveFailures: b.failures,
		OpenedAt:            b.openedAt,
	}
}

// gaugeValue maps the state onto a numeric gauge for exported metrics.
func (s BreakerState) gaugeValue() float64 {
	switch s {
	case BreakerOpen:
		return 1
	case BreakerHalfOpen:
		return 2
	default:
		return 0
	}
}
