package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/courierhq/courier/errs"
	"github.com/courierhq/courier/sink/sinktest"
)

type sleepRecorder struct {
	waits []time.Duration
	err   error
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.waits = append(s.waits, d)
	return s.err
}

func testPolicy() retryPolicy {
	return retryPolicy{
		maxRetries:        3,
		baseDelay:         500 * time.Millisecond,
		rateLimitCooldown: 5 * time.Second,
	}
}

func transientErr() error {
	return errs.New("sink.insert", errs.CodeUnavailable, errs.WithMessage("store unavailable"))
}

func rateLimitedErr(retryAfter time.Duration) error {
	opts := []errs.Option{errs.WithMessage("slow down")}
	if retryAfter > 0 {
		opts = append(opts, errs.WithRetryAfter(retryAfter))
	}
	return errs.New("sink.insert", errs.CodeRateLimited, opts...)
}

func TestSendSucceedsWithoutWaiting(t *testing.T) {
	snk := sinktest.New()
	sleeper := new(sleepRecorder)
	r := newRetrier(testPolicy(), sleeper.sleep, nil)

	err := r.send(context.Background(), snk, "usage_events", makeRecords(3))
	require.NoError(t, err)
	require.Equal(t, 1, snk.CallCount())
	require.Empty(t, sleeper.waits)
}

func TestSendRetriesTransientsWithExponentialBackoff(t *testing.T) {
	snk := sinktest.New()
	snk.Script(transientErr(), transientErr(), nil)
	sleeper := new(sleepRecorder)
	r := newRetrier(testPolicy(), sleeper.sleep, nil)

	err := r.send(context.Background(), snk, "usage_events", makeRecords(1))
	require.NoError(t, err)
	require.Equal(t, 3, snk.CallCount())
	require.Equal(t, []time.Duration{500 * time.Millisecond, time.Second}, sleeper.waits)
}

func TestSendExhaustsAttemptBudget(t *testing.T) {
	snk := sinktest.New()
	snk.FailWith(transientErr())
	sleeper := new(sleepRecorder)
	r := newRetrier(testPolicy(), sleeper.sleep, nil)

	err := r.send(context.Background(), snk, "usage_events", makeRecords(2))
	require.Error(t, err)
	require.Equal(t, 3, snk.CallCount(), "attempt budget is exactly maxRetries")
	require.Len(t, sleeper.waits, 2, "no wait after the final attempt")

	var envelope *errs.E
	require.ErrorAs(t, err, &envelope)
	require.Equal(t, errs.CodeUnavailable, envelope.Code)
}

func TestSendWaitsFixedCooldownWhenRateLimited(t *testing.T) {
	snk := sinktest.New()
	snk.Script(rateLimitedErr(0), rateLimitedErr(0), nil)
	sleeper := new(sleepRecorder)
	hits := 0
	r := newRetrier(testPolicy(), sleeper.sleep, func() { hits++ })

	err := r.send(context.Background(), snk, "usage_events", makeRecords(1))
	require.NoError(t, err)
	require.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second}, sleeper.waits)
	require.Equal(t, 2, hits)
}

func TestSendCountsRateLimitOnFinalAttempt(t *testing.T) {
	snk := sinktest.New()
	snk.FailWith(rateLimitedErr(0))
	sleeper := new(sleepRecorder)
	hits := 0
	r := newRetrier(testPolicy(), sleeper.sleep, func() { hits++ })

	err := r.send(context.Background(), snk, "usage_events", makeRecords(1))
	require.Error(t, err)
	require.Equal(t, 3, snk.CallCount())
	require.Equal(t, 3, hits, "every rate-limited response counts, including the last")
}

func TestSendPrefersLargerRetryAfterHint(t *testing.T) {
	snk := sinktest.New()
	snk.Script(rateLimitedErr(8*time.Second), nil)
	sleeper := new(sleepRecorder)
	r := newRetrier(testPolicy(), sleeper.sleep, nil)

	require.NoError(t, r.send(context.Background(), snk, "usage_events", makeRecords(1)))
	require.Equal(t, []time.Duration{8 * time.Second}, sleeper.waits)
}

func TestSendIgnoresSmallerRetryAfterHint(t *testing.T) {
	snk := sinktest.New()
	snk.Script(rateLimitedErr(time.Second), nil)
	sleeper := new(sleepRecorder)
	r := newRetrier(testPolicy(), sleeper.sleep, nil)

	require.NoError(t, r.send(context.Background(), snk, "usage_events", makeRecords(1)))
	require.Equal(t, []time.Duration{5 * time.Second}, sleeper.waits)
}

func TestSendKeepsBackoffScheduleAcrossRateLimits(t *testing.T) {
	snk := sinktest.New()
	snk.Script(transientErr(), rateLimitedErr(0), transientErr(), nil)
	sleeper := new(sleepRecorder)
	policy := testPolicy()
	policy.maxRetries = 4
	r := newRetrier(policy, sleeper.sleep, nil)

	require.NoError(t, r.send(context.Background(), snk, "usage_events", makeRecords(1)))
	require.Equal(t, []time.Duration{500 * time.Millisecond, 5 * time.Second, time.Second}, sleeper.waits,
		"rate-limited waits do not advance the exponential schedule")
}

func TestSendStopsWhenWaitIsCancelled(t *testing.T) {
	snk := sinktest.New()
	snk.FailWith(transientErr())
	sleeper := &sleepRecorder{err: context.Canceled}
	r := newRetrier(testPolicy(), sleeper.sleep, nil)

	err := r.send(context.Background(), snk, "usage_events", makeRecords(1))
	require.Error(t, err)
	require.True(t, errors.Is(err, context.Canceled))
	require.Equal(t, 1, snk.CallCount())
}

func TestSleepWithContextReturnsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := sleepWithContext(ctx, time.Minute)
	require.True(t, errors.Is(err, context.Canceled))
}
