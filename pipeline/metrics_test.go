package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCollectorAccumulatesCounters(t *testing.T) {
	c := newCollector()
	c.recordTracked("usage_events", 10)
	c.recordTracked("usage_events", 5)
	c.recordFailed("mutation_logs", 2)
	c.recordDropped("usage_events", 3, dropReasonCircuitOpen)
	c.recordBatchSent("usage_events")
	c.recordBatchFailed("mutation_logs")
	c.recordRateLimit()

	snap := c.snapshot(BreakerSnapshot{State: BreakerClosed}, 4)
	require.Equal(t, int64(15), snap.EventsTracked)
	require.Equal(t, int64(2), snap.EventsFailed)
	require.Equal(t, int64(3), snap.EventsDropped)
	require.Equal(t, int64(1), snap.BatchesSent)
	require.Equal(t, int64(1), snap.BatchesFailed)
	require.Equal(t, int64(1), snap.RateLimitHits)
	require.Equal(t, 4, snap.DeadLetterQueueSize)
}

func TestCollectorIgnoresNonPositiveCounts(t *testing.T) {
	c := newCollector()
	c.recordTracked("usage_events", 0)
	c.recordFailed("usage_events", -1)
	c.recordDropped("usage_events", 0, dropReasonEvicted)

	snap := c.snapshot(BreakerSnapshot{}, 0)
	require.Zero(t, snap.EventsTracked)
	require.Zero(t, snap.EventsFailed)
	require.Zero(t, snap.EventsDropped)
}

func TestCollectorAveragesOverBoundedWindow(t *testing.T) {
	c := newCollector()
	// Fill the window with 10ms samples, then push it out with 20ms ones.
	for i := 0; i < flushWindowSize; i++ {
		c.recordFlushDuration(10 * time.Millisecond)
	}
	for i := 0; i < flushWindowSize/2; i++ {
		c.recordFlushDuration(20 * time.Millisecond)
	}

	snap := c.snapshot(BreakerSnapshot{}, 0)
	require.Equal(t, int64(flushWindowSize+flushWindowSize/2), snap.FlushCount)
	require.Equal(t, 15*time.Millisecond, snap.AverageFlushTime,
		"window holds the most recent %d samples", flushWindowSize)
	require.Equal(t, 20*time.Millisecond, snap.LastFlushTime)
}

func TestCollectorResetZeroesEverything(t *testing.T) {
	c := newCollector()
	c.recordTracked("usage_events", 7)
	c.recordFailed("usage_events", 7)
	c.recordDropped("usage_events", 7, dropReasonCircuitOpen)
	c.recordBatchSent("usage_events")
	c.recordBatchFailed("usage_events")
	c.recordRateLimit()
	c.recordFlushDuration(time.Second)

	c.reset()
	snap := c.snapshot(BreakerSnapshot{State: BreakerClosed}, 0)
	require.Equal(t, Snapshot{Breaker: BreakerSnapshot{State: BreakerClosed}}, snap)
}

func TestSnapshotIsDetachedCopy(t *testing.T) {
	c := newCollector()
	c.recordTracked("usage_events", 1)
	before := c.snapshot(BreakerSnapshot{}, 0)
	c.recordTracked("usage_events", 1)
	require.Equal(t, int64(1), before.EventsTracked)
}
