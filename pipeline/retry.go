package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/courierhq/courier/errs"
	"github.com/courierhq/courier/observability"
	"github.com/courierhq/courier/record"
	"github.com/courierhq/courier/sink"
)

type retryPolicy struct {
	maxRetries        int
	baseDelay         time.Duration
	rateLimitCooldown time.Duration
}

// sleepFunc waits for the duration or until the context is cancelled.
// Tests inject a recording implementation to keep retries instant.
type sleepFunc func(ctx context.Context, d time.Duration) error

// retrier delivers one batch with a bounded attempt budget. It owns nothing
// but the wait policy: dead-lettering, breaker bookkeeping, and counters stay
// with the caller. Rate-limited attempts wait the configured cooldown (or the
// server's retry-after hint when longer); every other failure follows the
// exponential backoff schedule.
type retrier struct {
	policy      retryPolicy
	sleep       sleepFunc
	onRateLimit func()
}

func newRetrier(policy retryPolicy, sleep sleepFunc, onRateLimit func()) *retrier {
	if sleep == nil {
		sleep = sleepWithContext
	}
	r := new(retrier)
	r.policy = policy
	r.sleep = sleep
	r.onRateLimit = onRateLimit
	return r
}

// send attempts the delivery up to maxRetries times and returns nil on the
// first success or the last attempt's error. Failure class never shortens the
// budget, so a sink that always fails sees exactly maxRetries calls.
func (r *retrier) send(ctx context.Context, snk sink.Sink, destination string, records []record.Record) error {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.InitialInterval = r.policy.baseDelay
	backoffCfg.Multiplier = 2
	backoffCfg.RandomizationFactor = 0

	var lastErr error
	for attempt := 1; attempt <= r.policy.maxRetries; attempt++ {
		err := snk.Insert(ctx, destination, records)
		if err == nil {
			return nil
		}
		lastErr = err
		observability.Log().Debug("delivery attempt failed",
			observability.Field{Key: "destination", Value: destination},
			observability.Field{Key: "attempt", Value: attempt},
			observability.Field{Key: "records", Value: len(records)},
			observability.Field{Key: "error", Value: err.Error()},
		)
		rateLimited := errs.IsRateLimited(err)
		if rateLimited && r.onRateLimit != nil {
			r.onRateLimit()
		}
		if attempt == r.policy.maxRetries {
			break
		}

		var wait time.Duration
		if rateLimited {
			wait = r.policy.rateLimitCooldown
			if hint, ok := errs.RetryAfter(err); ok && hint > wait {
				wait = hint
			}
		} else {
			wait = backoffCfg.NextBackOff()
		}
		if err := r.sleep(ctx, wait); err != nil {
			return fmt.Errorf("retry wait: %w", err)
		}
	}
	return lastErr
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
