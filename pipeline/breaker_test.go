package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func TestBreakerOpensAtFailureThreshold(t *testing.T) {
	clock := newFakeClock()
	b := newBreaker(3, time.Minute, clock.Now)

	require.True(t, b.allow())
	b.recordFailure()
	b.recordFailure()
	require.True(t, b.allow())
	require.Equal(t, BreakerClosed, b.snapshot().State)

	b.recordFailure()
	snap := b.snapshot()
	require.Equal(t, BreakerOpen, snap.State)
	require.Equal(t, 3, snap.ConsecutiveFailures)
	require.Equal(t, clock.Now(), snap.OpenedAt)
	require.False(t, b.allow())
}

func TestBreakerGrantsSingleTrialAfterCooldown(t *testing.T) {
	clock := newFakeClock()
	b := newBreaker(1, time.Minute, clock.Now)
	b.recordFailure()
	require.False(t, b.allow())

	clock.Advance(59 * time.Second)
	require.False(t, b.allow())

	clock.Advance(2 * time.Second)
	require.True(t, b.allow())
	require.Equal(t, BreakerHalfOpen, b.snapshot().State)
	require.False(t, b.allow(), "half-open admits exactly one trial")

	b.recordSuccess()
	require.Equal(t, BreakerClosed, b.snapshot().State)
	require.True(t, b.healthy())
}

func TestBreakerReopensWhenTrialFails(t *testing.T) {
	clock := newFakeClock()
	b := newBreaker(1, time.Minute, clock.Now)
	b.recordFailure()

	clock.Advance(2 * time.Minute)
	require.True(t, b.allow())
	reopened := clock.Now()
	b.recordFailure()

	snap := b.snapshot()
	require.Equal(t, BreakerOpen, snap.State)
	require.Equal(t, reopened, snap.OpenedAt, "failed trial restamps the cooldown")
	require.False(t, b.allow())

	clock.Advance(time.Minute + time.Second)
	require.True(t, b.allow())
}

func TestBreakerSuccessClearsFailureStreak(t *testing.T) {
	b := newBreaker(5, time.Minute, newFakeClock().Now)
	b.recordFailure()
	b.recordFailure()
	require.False(t, b.healthy(), "a failure streak below threshold is not healthy")

	b.recordSuccess()
	require.True(t, b.healthy())
	require.Zero(t, b.snapshot().ConsecutiveFailures)
}

func TestBreakerResetClosesAndZeroes(t *testing.T) {
	clock := newFakeClock()
	b := newBreaker(1, time.Hour, clock.Now)
	b.recordFailure()
	require.Equal(t, BreakerOpen, b.snapshot().State)

	b.reset()
	snap := b.snapshot()
	require.Equal(t, BreakerClosed, snap.State)
	require.Zero(t, snap.ConsecutiveFailures)
	require.True(t, snap.OpenedAt.IsZero())
	require.True(t, b.allow())
}

func TestBreakerStateGaugeValues(t *testing.T) {
	require.Equal(t, float64(0), BreakerClosed.gaugeValue())
	require.Equal(t, float64(1), BreakerOpen.gaugeValue())
	require.Equal(t, float64(2), BreakerHalfOpen.gaugeValue())
}
