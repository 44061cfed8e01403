package pipeline_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/courierhq/courier/config"
	"github.com/courierhq/courier/lifecycle"
	"github.com/courierhq/courier/observability"
	"github.com/courierhq/courier/pipeline"
	"github.com/courierhq/courier/record"
	"github.com/courierhq/courier/sink/sinktest"
)

type countingMetrics struct {
	mu       sync.Mutex
	counters map[string]float64
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{counters: make(map[string]float64)}
}

func (m *countingMetrics) IncCounter(name string, value float64, _ map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[name] += value
}

func (m *countingMetrics) ObserveHistogram(string, float64, map[string]string) {}

func (m *countingMetrics) SetGauge(string, float64, map[string]string) {}

func (m *countingMetrics) get(name string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[name]
}

// gateSink blocks every Insert until released, letting tests hold a flush
// in-flight deterministically.
type gateSink struct {
	release chan struct{}
	calls   atomic.Int32
}

func newGateSink() *gateSink {
	return &gateSink{release: make(chan struct{})}
}

func (g *gateSink) Insert(ctx context.Context, _ string, _ []record.Record) error {
	g.calls.Add(1)
	select {
	case <-g.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *gateSink) Close(context.Context) error { return nil }

func TestStartRegistersShutdownFlushHook(t *testing.T) {
	snk := sinktest.New()
	notifier := lifecycle.NewManual()
	p := newTestPipeline(t, snk, nil, pipeline.WithNotifier(notifier))

	p.Start(context.Background())
	require.Equal(t, 1, notifier.Registered())

	trackEvents(p, 2)
	notifier.Fire()

	require.Equal(t, 1, snk.CallCount(), "shutdown notification flushes synchronously")
	require.Equal(t, int64(2), p.Metrics().EventsTracked)
	require.NoError(t, p.Close(context.Background()))
}

func TestStartDisabledRegistersNothing(t *testing.T) {
	notifier := lifecycle.NewManual()
	p, err := pipeline.New(manualConfig(func(cfg *config.Settings) {
		cfg.Enabled = false
	}), nil, pipeline.WithNotifier(notifier))
	require.NoError(t, err)

	p.Start(context.Background())
	require.Zero(t, notifier.Registered(), "disabled pipelines install no hooks")
}

func TestPeriodicTimerFlushesBufferedRecords(t *testing.T) {
	snk := sinktest.New()
	p := newTestPipeline(t, snk, func(cfg *config.Settings) {
		cfg.Flush.Interval = config.IntervalEvery(20 * time.Millisecond)
	})

	trackEvents(p, 3)
	p.Start(context.Background())
	defer p.Stop()

	require.Eventually(t, func() bool {
		return snk.CallCount() >= 1
	}, 3*time.Second, 5*time.Millisecond)
	require.Equal(t, int64(3), p.Metrics().EventsTracked)
}

func TestStopSilencesTheTimer(t *testing.T) {
	snk := sinktest.New()
	p := newTestPipeline(t, snk, func(cfg *config.Settings) {
		cfg.Flush.Interval = config.IntervalEvery(15 * time.Millisecond)
	})

	p.Start(context.Background())
	p.Stop()

	trackEvents(p, 2)
	time.Sleep(80 * time.Millisecond)
	require.Zero(t, snk.CallCount(), "ticks after stop trigger no deliveries")

	p.ScheduleFlush()
	time.Sleep(20 * time.Millisecond)
	require.Zero(t, snk.CallCount(), "manual triggers after stop are ignored")
}

func TestStopIsIdempotent(t *testing.T) {
	snk := sinktest.New()
	p := newTestPipeline(t, snk, func(cfg *config.Settings) {
		cfg.Flush.Interval = config.IntervalEvery(10 * time.Millisecond)
	})
	p.Start(context.Background())
	p.Stop()
	p.Stop()
}

func TestScheduleFlushCoalescesWhilePending(t *testing.T) {
	metrics := newCountingMetrics()
	observability.SetMetrics(metrics)
	t.Cleanup(func() { observability.SetMetrics(nil) })

	gate := newGateSink()
	p, err := pipeline.New(manualConfig(nil), gate, pipeline.WithSleep(instantSleep))
	require.NoError(t, err)

	p.TrackEvent([]byte(`{"n":1}`))
	p.ScheduleFlush()
	require.Eventually(t, func() bool {
		return gate.calls.Load() == 1
	}, 3*time.Second, time.Millisecond, "first trigger starts a flush")

	p.TrackEvent([]byte(`{"n":2}`))
	p.ScheduleFlush()
	p.ScheduleFlush()
	require.GreaterOrEqual(t, metrics.get("courier.flush.coalesced"), float64(1),
		"third trigger coalesces into the pending flush")

	close(gate.release)
	require.Eventually(t, func() bool {
		return gate.calls.Load() == 2
	}, 3*time.Second, time.Millisecond, "queued trigger still flushes the second record")
	require.NoError(t, p.Close(context.Background()))
}

func TestCloseDeliversRemainingRecords(t *testing.T) {
	snk := sinktest.New()
	p := newTestPipeline(t, snk, func(cfg *config.Settings) {
		cfg.Flush.Interval = config.IntervalEvery(time.Hour)
	})
	p.Start(context.Background())

	trackEvents(p, 4)
	require.NoError(t, p.Close(context.Background()))

	require.Equal(t, 1, snk.CallCount(), "close flushes without waiting for the timer")
	require.Equal(t, int64(4), p.Metrics().EventsTracked)
	require.True(t, snk.Closed())

	require.NoError(t, p.Close(context.Background()), "close is safe to repeat")
}

func TestStartAfterStopStaysStopped(t *testing.T) {
	snk := sinktest.New()
	p := newTestPipeline(t, snk, func(cfg *config.Settings) {
		cfg.Flush.Interval = config.IntervalEvery(10 * time.Millisecond)
	})
	p.Stop()
	p.Start(context.Background())

	trackEvents(p, 1)
	time.Sleep(50 * time.Millisecond)
	require.Zero(t, snk.CallCount())
}
