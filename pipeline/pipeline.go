// Package pipeline implements the background telemetry delivery pipeline:
// buffered collection, batched flushes with bounded retries, a circuit
// breaker guarding a failing store, and a bounded dead-letter queue for
// records that exhausted their attempts. Delivery failures never propagate
// to the host application.
package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/courierhq/courier/config"
	"github.com/courierhq/courier/errs"
	"github.com/courierhq/courier/lib/async"
	"github.com/courierhq/courier/lifecycle"
	"github.com/courierhq/courier/observability"
	"github.com/courierhq/courier/record"
	"github.com/courierhq/courier/sink"
	"github.com/courierhq/courier/transform"
)

const (
	dropReasonCircuitOpen = "circuit_open"
	dropReasonEvicted     = "dlq_evicted"
	dropReasonCanceled    = "canceled"
)

// shutdownFlushTimeout bounds the flush triggered by a shutdown notification
// so a dead sink cannot hang process exit.
const shutdownFlushTimeout = 10 * time.Second

// Pipeline collects records from the host and delivers them in batches.
// Producers never block on delivery; all sink interaction happens inside
// Flush under a single mutex.
type Pipeline struct {
	enabled      bool
	sink         sink.Sink
	destinations config.Destinations
	maxBatch     int
	interval     config.IntervalSetting

	events    *record.Buffer
	snapshots *record.Buffer
	mutations *record.Buffer

	flushMu sync.Mutex
	breaker *breaker
	dlq     *deadLetters
	retry   *retrier
	metrics *collector
	script  *transform.Script

	now      func() time.Time
	sleep    sleepFunc
	notifier lifecycle.Notifier

	triggers *async.Pool

	schedMu  sync.Mutex
	started  bool
	stopped  atomic.Bool
	ticker   *time.Ticker
	tickDone chan struct{}
	workers  conc.WaitGroup
}

// Option configures a Pipeline at construction time.
type Option func(*Pipeline)

// WithClock injects the time source used for breaker cooldowns and flush timing.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		if now != nil {
			p.now = now
		}
	}
}

// WithSleep injects the wait function used between retry attempts.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(p *Pipeline) {
		if sleep != nil {
			p.sleep = sleep
		}
	}
}

// WithTransform installs a JavaScript hook applied to every record before delivery.
func WithTransform(script *transform.Script) Option {
	return func(p *Pipeline) {
		p.script = script
	}
}

// WithNotifier registers the pipeline's shutdown flush with the host's notifier.
func WithNotifier(notifier lifecycle.Notifier) Option {
	return func(p *Pipeline) {
		p.notifier = notifier
	}
}

// New constructs a pipeline delivering to snk. A disabled configuration
// yields an inert pipeline whose producers and Flush are no-ops.
func New(cfg config.Settings, snk sink.Sink, opts ...Option) (*Pipeline, error) {
	cfg.Normalise()

	p := new(Pipeline)
	p.enabled = cfg.Enabled
	p.sink = snk
	p.destinations = cfg.Destinations
	p.maxBatch = cfg.Flush.MaxBatchSize
	p.interval = cfg.Flush.Interval
	p.events = record.NewBuffer()
	p.snapshots = record.NewBuffer()
	p.mutations = record.NewBuffer()
	p.now = time.Now
	p.metrics = newCollector()
	p.dlq = newDeadLetters(cfg.DeadLetter.Capacity)

	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}

	p.breaker = newBreaker(cfg.Breaker.FailureThreshold, cfg.Breaker.Cooldown.Std(), p.now)
	p.retry = newRetrier(retryPolicy{
		maxRetries:        cfg.Retry.MaxRetries,
		baseDelay:         cfg.Retry.BaseDelay.Std(),
		rateLimitCooldown: cfg.Retry.RateLimitCooldown.Std(),
	}, p.sleep, p.metrics.recordRateLimit)

	if p.enabled {
		if snk == nil {
			return nil, errs.New("pipeline.new", errs.CodeInvalid, errs.WithMessage("sink required when enabled"))
		}
		// One worker and one queue slot: a second pending flush would only
		// observe buffers the first already drained, so extra triggers coalesce.
		pool, err := async.NewPool(1, 1)
		if err != nil {
			return nil, err
		}
		p.triggers = pool
	}
	return p, nil
}

// TrackEvent buffers a usage event payload.
func (p *Pipeline) TrackEvent(payload []byte) {
	if !p.enabled {
		return
	}
	p.events.Append(record.NewEvent(payload))
}

// TrackSnapshot buffers a structural snapshot payload.
func (p *Pipeline) TrackSnapshot(payload []byte) {
	if !p.enabled {
		return
	}
	p.snapshots.Append(record.NewSnapshot(payload))
}

// TrackMutation buffers a mutation log payload.
func (p *Pipeline) TrackMutation(payload []byte) {
	if !p.enabled {
		return
	}
	p.mutations.Append(record.NewMutation(payload))
}

// Track buffers an already-constructed record, routed by its kind.
func (p *Pipeline) Track(rec record.Record) {
	if !p.enabled {
		return
	}
	switch rec.Kind {
	case record.KindEvent:
		p.events.Append(rec)
	case record.KindSnapshot:
		p.snapshots.Append(rec)
	case record.KindMutation:
		p.mutations.Append(rec)
	default:
		observability.Log().Debug("ignoring record of unknown kind",
			observability.Field{Key: "kind", Value: string(rec.Kind)})
	}
}

// Flush synchronously delivers everything buffered so far. Delivery failures
// are absorbed into metrics and the dead-letter queue; the returned error is
// non-nil only when ctx was cancelled before the flush completed.
func (p *Pipeline) Flush(ctx context.Context) error {
	if !p.enabled || p.sink == nil {
		return nil
	}
	return p.flush(ctx, p.events.Drain(), p.snapshots.Drain(), p.mutations.Drain())
}

// FlushRecords delivers caller-buffered records without touching the
// pipeline's own buffers. Kinds are taken from the argument position.
func (p *Pipeline) FlushRecords(ctx context.Context, events, snapshots, mutations []record.Record) error {
	if !p.enabled || p.sink == nil {
		return nil
	}
	return p.flush(ctx, events, snapshots, mutations)
}

// Metrics returns a point-in-time snapshot of delivery health.
func (p *Pipeline) Metrics() Snapshot {
	return p.metrics.snapshot(p.breaker.snapshot(), p.dlq.size())
}

// ResetMetrics zeroes every counter, clears the flush timing window, and
// closes the circuit breaker. The dead-letter queue keeps its entries.
func (p *Pipeline) ResetMetrics() {
	p.metrics.reset()
	p.breaker.reset()
	observability.Log().Debug("metrics reset, breaker closed")
	p.publishGauges()
}

type batchGroup struct {
	destination string
	records     []record.Record
}

func (p *Pipeline) flush(ctx context.Context, events, snapshots, mutations []record.Record) error {
	if ctx == nil {
		ctx = context.Background()
	}

	p.flushMu.Lock()
	defer p.flushMu.Unlock()

	if len(events)+len(snapshots)+len(mutations) == 0 && p.dlq.size() == 0 {
		return nil
	}
	start := p.now()

	events = p.applyTransform(events)
	snapshots = dedupeSnapshots(p.applyTransform(snapshots))
	mutations = p.applyTransform(mutations)

	groups := []batchGroup{
		{destination: p.destinations.Events, records: events},
		{destination: p.destinations.Snapshots, records: snapshots},
		{destination: p.destinations.Mutations, records: mutations},
	}

	canceled := false
	for _, group := range groups {
		for _, chunk := range chunkRecords(group.records, p.maxBatch) {
			if canceled || ctx.Err() != nil {
				canceled = true
				p.metrics.recordDropped(group.destination, len(chunk), dropReasonCanceled)
				continue
			}
			p.deliverChunk(ctx, group.destination, chunk)
		}
	}

	if !canceled && ctx.Err() == nil {
		p.drainDeadLetters(ctx)
	}

	p.metrics.recordFlushDuration(p.now().Sub(start))
	p.publishGauges()

	if err := ctx.Err(); err != nil {
		return err
	}
	return nil
}

// deliverChunk sends one batch through the retry executor and settles the
// outcome: breaker bookkeeping, counters, and dead-lettering on exhaustion.
func (p *Pipeline) deliverChunk(ctx context.Context, destination string, chunk []record.Record) {
	if len(chunk) == 0 {
		return
	}
	if !p.breaker.allow() {
		p.metrics.recordDropped(destination, len(chunk), dropReasonCircuitOpen)
		observability.Log().Debug("circuit open, dropping batch",
			observability.Field{Key: "destination", Value: destination},
			observability.Field{Key: "records", Value: len(chunk)},
		)
		return
	}

	if err := p.retry.send(ctx, p.sink, destination, chunk); err != nil {
		p.breaker.recordFailure()
		p.metrics.recordFailed(destination, len(chunk))
		p.metrics.recordBatchFailed(destination)
		evicted := p.dlq.add(destination, chunk, p.now())
		if evicted > 0 {
			p.metrics.recordDropped(destination, evicted, dropReasonEvicted)
		}
		observability.Log().Error("batch delivery failed",
			observability.Field{Key: "destination", Value: destination},
			observability.Field{Key: "records", Value: len(chunk)},
			observability.Field{Key: "error", Value: err.Error()},
		)
		return
	}

	p.breaker.recordSuccess()
	p.metrics.recordTracked(destination, len(chunk))
	p.metrics.recordBatchSent(destination)
}

// drainDeadLetters redelivers queued failures once the breaker is strictly
// healthy again. Entries leave the queue only after the sink confirms them;
// the first failed chunk stops the drain and leaves the remainder queued.
func (p *Pipeline) drainDeadLetters(ctx context.Context) {
	if !p.breaker.healthy() {
		return
	}
	pending := p.dlq.peek()
	if len(pending) == 0 {
		return
	}
	observability.Log().Info("redelivering dead letters",
		observability.Field{Key: "queued", Value: len(pending)})

	idx := 0
	for idx < len(pending) {
		if ctx.Err() != nil {
			return
		}
		destination := pending[idx].Destination
		end := idx
		for end < len(pending) && pending[end].Destination == destination && end-idx < p.maxBatch {
			end++
		}
		chunk := make([]record.Record, 0, end-idx)
		for _, letter := range pending[idx:end] {
			chunk = append(chunk, letter.Record)
		}

		if err := p.retry.send(ctx, p.sink, destination, chunk); err != nil {
			p.breaker.recordFailure()
			p.metrics.recordBatchFailed(destination)
			observability.Log().Debug("dead letter redelivery failed",
				observability.Field{Key: "destination", Value: destination},
				observability.Field{Key: "records", Value: len(chunk)},
				observability.Field{Key: "error", Value: err.Error()},
			)
			return
		}
		p.dlq.remove(end - idx)
		p.breaker.recordSuccess()
		p.metrics.recordTracked(destination, len(chunk))
		p.metrics.recordBatchSent(destination)
		idx = end
	}
}

func (p *Pipeline) applyTransform(records []record.Record) []record.Record {
	if p.script == nil || len(records) == 0 {
		return records
	}
	kept := make([]record.Record, 0, len(records))
	for _, rec := range records {
		rewritten, keep, err := p.script.Apply(rec)
		if err != nil {
			observability.Log().Error("transform hook failed",
				observability.Field{Key: "script", Value: p.script.Name()},
				observability.Field{Key: "record", Value: rec.ID},
				observability.Field{Key: "error", Value: err.Error()},
			)
			kept = append(kept, rec)
			continue
		}
		if !keep {
			observability.Telemetry().IncCounter(metricTransformDropped, 1, map[string]string{"kind": string(rec.Kind)})
			continue
		}
		kept = append(kept, rewritten)
	}
	return kept
}

func (p *Pipeline) publishGauges() {
	observability.Telemetry().SetGauge(metricBreakerState, p.breaker.snapshot().State.gaugeValue(), nil)
	observability.Telemetry().SetGauge(metricDLQSize, float64(p.dlq.size()), nil)
}

// dedupeSnapshots keeps the first record per content hash within one flush.
// Records without a hash are never deduplicated.
func dedupeSnapshots(records []record.Record) []record.Record {
	if len(records) < 2 {
		return records
	}
	seen := make(map[string]struct{}, len(records))
	out := make([]record.Record, 0, len(records))
	for _, rec := range records {
		if rec.ContentHash == "" {
			out = append(out, rec)
			continue
		}
		if _, dup := seen[rec.ContentHash]; dup {
			continue
		}
		seen[rec.ContentHash] = struct{}{}
		out = append(out, rec)
	}
	return out
}

// chunkRecords splits records into batches of at most size records each.
func chunkRecords(records []record.Record, size int) [][]record.Record {
	if len(records) == 0 {
		return nil
	}
	if size <= 0 {
		return [][]record.Record{records}
	}
	chunks := make([][]record.Record, 0, (len(records)+size-1)/size)
	for offset := 0; offset < len(records); offset += size {
		end := offset + size
		if end > len(records) {
			end = len(records)
		}
		chunks = append(chunks, records[offset:end])
	}
	return chunks
}
