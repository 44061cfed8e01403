package pipeline

import (
	"sync"
	"time"

	"github.com/courierhq/courier/observability"
)

// Exported metric names mirrored through observability.Telemetry().
const (
	metricEventsTracked    = "courier.events.tracked"
	metricEventsDropped    = "courier.events.dropped"
	metricEventsFailed     = "courier.events.failed"
	metricBatchesSent      = "courier.batches.sent"
	metricBatchesFailed    = "courier.batches.failed"
	metricRateLimitHits    = "courier.ratelimit.hits"
	metricFlushDuration    = "courier.flush.duration_ms"
	metricFlushCoalesced   = "courier.flush.coalesced"
	metricTransformDropped = "courier.transform.dropped"
	metricDLQSize          = "courier.dlq.size"
	metricBreakerState     = "courier.breaker.state"
)

// flushWindowSize bounds the flush duration window so long-lived hosts never
// accumulate unbounded timing history.
const flushWindowSize = 100

// Snapshot is a point-in-time copy of the pipeline's delivery health.
type Snapshot struct {
	EventsTracked int64 `json:"events_tracked"`
	EventsDropped int64 `json:"events_dropped"`
	EventsFailed  int64 `json:"events_failed"`
	BatchesSent   int64 `json:"batches_sent"`
	BatchesFailed int64 `json:"batches_failed"`
	RateLimitHits int64 `json:"rate_limit_hits"`

	FlushCount       int64         `json:"flush_count"`
	AverageFlushTime time.Duration `json:"average_flush_time"`
	LastFlushTime    time.Duration `json:"last_flush_time"`

	Breaker             BreakerSnapshot `json:"breaker"`
	DeadLetterQueueSize int             `json:"dead_letter_queue_size"`
}

// collector accumulates delivery counters in-memory and mirrors every update
// through the observability metrics seam. The in-memory view is what
// Metrics() and ResetMetrics() operate on; mirrored exporters stay cumulative
// across resets.
type collector struct {
	mu sync.Mutex

	eventsTracked int64
	eventsDropped int64
	eventsFailed  int64
	batchesSent   int64
	batchesFailed int64
	rateLimitHits int64

	flushCount int64
	window     [flushWindowSize]time.Duration
	windowNext int
	windowUsed int
	lastFlush  time.Duration
}

func newCollector() *collector {
	return new(collector)
}

func (c *collector) recordTracked(destination string, n int) {
	if n <= 0 {
		return
	}
	c.mu.Lock()
	c.eventsTracked += int64(n)
	c.mu.Unlock()
	observability.Telemetry().IncCounter(metricEventsTracked, float64(n), map[string]string{"destination": destination})
}

func (c *collector) recordDropped(destination string, n int, reason string) {
	if n <= 0 {
		return
	}
	c.mu.Lock()
	c.eventsDropped += int64(n)
	c.mu.Unlock()
	observability.Telemetry().IncCounter(metricEventsDropped, float64(n), map[string]string{
		"destination": destination,
		"reason":      reason,
	})
}

func (c *collector) recordFailed(destination string, n int) {
	if n <= 0 {
		return
	}
	c.mu.Lock()
	c.eventsFailed += int64(n)
	c.mu.Unlock()
	observability.Telemetry().IncCounter(metricEventsFailed, float64(n), map[string]string{"destination": destination})
}

func (c *collector) recordBatchSent(destination string) {
	c.mu.Lock()
	c.batchesSent++
	c.mu.Unlock()
	observability.Telemetry().IncCounter(metricBatchesSent, 1, map[string]string{"destination": destination})
}

func (c *collector) recordBatchFailed(destination string) {
	c.mu.Lock()
	c.batchesFailed++
	c.mu.Unlock()
	observability.Telemetry().IncCounter(metricBatchesFailed, 1, map[string]string{"destination": destination})
}

func (c *collector) recordRateLimit() {
	c.mu.Lock()
	c.rateLimitHits++
	c.mu.Unlock()
	observability.Telemetry().IncCounter(metricRateLimitHits, 1, nil)
}

func (c *collector) recordFlushDuration(d time.Duration) {
	c.mu.Lock()
	c.flushCount++
	c.lastFlush = d
	c.window[c.windowNext] = d
	c.windowNext = (c.windowNext + 1) % flushWindowSize
	if c.windowUsed < flushWindowSize {
		c.windowUsed++
	}
	c.mu.Unlock()
	observability.Telemetry().ObserveHistogram(metricFlushDuration, float64(d.Milliseconds()), nil)
}

// snapshot combines the counters with the breaker position and queue depth
// supplied by the pipeline.
func (c *collector) snapshot(breaker BreakerSnapshot, dlqSize int) Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := Snapshot{
		EventsTracked:       c.eventsTracked,
		EventsDropped:       c.eventsDropped,
		EventsFailed:        c.eventsFailed,
		BatchesSent:         c.batchesSent,
		BatchesFailed:       c.batchesFailed,
		RateLimitHits:       c.rateLimitHits,
		FlushCount:          c.flushCount,
		LastFlushTime:       c.lastFlush,
		Breaker:             breaker,
		DeadLetterQueueSize: dlqSize,
	}
	if c.windowUsed > 0 {
		var total time.Duration
		for i := 0; i < c.windowUsed; i++ {
			total += c.window[i]
		}
		snap.AverageFlushTime = total / time.Duration(c.windowUsed)
	}
	return snap
}

func (c *collector) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.eventsTracked = 0
	c.eventsDropped = 0
	c.eventsFailed = 0
	c.batchesSent = 0
	c.batchesFailed = 0
	c.rateLimitHits = 0
	c.flushCount = 0
	c.windowNext = 0
	c.windowUsed = 0
	c.lastFlush = 0
}
