package pipeline

import (
	"context"
	"time"

	"github.com/courierhq/courier/observability"
)

// Start launches the periodic flush timer and registers the shutdown flush
// hook with the configured notifier. Disabled pipelines and manual flush
// intervals spawn no timer; Start after Stop is a no-op.
func (p *Pipeline) Start(ctx context.Context) {
	if !p.enabled || p.sink == nil {
		return
	}
	p.schedMu.Lock()
	defer p.schedMu.Unlock()
	if p.started || p.stopped.Load() {
		return
	}
	p.started = true

	if p.notifier != nil {
		p.notifier.Register(func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), shutdownFlushTimeout)
			defer cancel()
			if err := p.Flush(flushCtx); err != nil {
				observability.Log().Error("shutdown flush aborted",
					observability.Field{Key: "error", Value: err.Error()})
			}
		})
	}

	interval, periodic := p.interval.Every()
	if !periodic {
		observability.Log().Debug("periodic flush disabled, manual flushes only")
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	ticker := time.NewTicker(interval)
	stop := make(chan struct{})
	p.ticker = ticker
	p.tickDone = stop
	p.workers.Go(func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				p.ScheduleFlush()
			}
		}
	})
	observability.Log().Info("flush scheduler started",
		observability.Field{Key: "interval", Value: interval.String()})
}

// ScheduleFlush queues an asynchronous flush. When a flush is already
// pending the trigger coalesces into it instead of queueing another; the
// pending flush observes the same buffers the extra trigger would have.
func (p *Pipeline) ScheduleFlush() {
	if !p.enabled || p.sink == nil || p.stopped.Load() {
		return
	}
	err := p.triggers.Submit(context.Background(), func(ctx context.Context) error {
		if p.stopped.Load() {
			return nil
		}
		return p.Flush(ctx)
	})
	if err != nil {
		observability.Telemetry().IncCounter(metricFlushCoalesced, 1, nil)
		observability.Log().Debug("flush already pending, trigger coalesced")
	}
}

// Stop cancels future periodic flushes. An in-flight flush completes, and
// buffered records stay put until a manual Flush or Close delivers them.
func (p *Pipeline) Stop() {
	p.schedMu.Lock()
	defer p.schedMu.Unlock()
	if p.stopped.Swap(true) {
		return
	}
	if p.ticker != nil {
		p.ticker.Stop()
	}
	if p.tickDone != nil {
		close(p.tickDone)
		p.tickDone = nil
	}
	observability.Log().Debug("flush scheduler stopped")
}

// Close stops the scheduler, waits for any pending flush trigger, delivers
// everything still buffered, and closes the sink.
func (p *Pipeline) Close(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	p.Stop()

	var closeErrs []error
	if p.triggers != nil {
		closeErrs = append(closeErrs, p.triggers.Shutdown(ctx))
	}
	closeErrs = append(closeErrs, p.Flush(ctx))
	p.workers.Wait()
	if p.sink != nil {
		closeErrs = append(closeErrs, p.sink.Close(ctx))
	}
	return observability.AggregateErrors("pipeline close", closeErrs)
}

// FlushInterval reports the flush cadence and whether periodic flushing is
// active at all.
func (p *Pipeline) FlushInterval() (time.Duration, bool) {
	return p.interval.Every()
}
