package main

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"

	"github.com/courierhq/courier/pipeline"
	"github.com/courierhq/courier/record"
)

var usageActions = []string{
	"command.run",
	"panel.open",
	"search.execute",
	"file.save",
	"completion.accept",
}

var mutationOps = []string{"insert", "delete", "replace", "move"}

// startWorkload launches one producer per record kind. Producers stop when
// ctx is cancelled.
func startWorkload(ctx context.Context, p *pipeline.Pipeline) *conc.WaitGroup {
	var wg conc.WaitGroup
	wg.Go(func() { meterUsage(ctx, p) })
	wg.Go(func() { snapshotWorkspace(ctx, p) })
	wg.Go(func() { logMutations(ctx, p) })
	return &wg
}

// meterUsage emits usage events with decimal cost accounting so rounding
// never drifts across the running total.
func meterUsage(ctx context.Context, p *pipeline.Pipeline) {
	unitCost := decimal.RequireFromString("0.00042")
	total := decimal.Zero
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	ticker := time.NewTicker(produceInterval)
	defer ticker.Stop()

	seq := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		seq++
		units := rng.Intn(50) + 1
		cost := unitCost.Mul(decimal.NewFromInt(int64(units)))
		total = total.Add(cost)
		payload, err := json.Marshal(map[string]any{
			"action":     usageActions[rng.Intn(len(usageActions))],
			"seq":        seq,
			"units":      units,
			"cost":       cost.String(),
			"total_cost": total.StringFixed(6),
		})
		if err != nil {
			continue
		}
		p.TrackEvent(payload)
	}
}

// snapshotWorkspace emits structural snapshots of a synthetic document
// tree. The tree only changes every few ticks, so consecutive snapshots
// often share a content hash and collapse to one delivery per flush.
func snapshotWorkspace(ctx context.Context, p *pipeline.Pipeline) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + 1))
	ticker := time.NewTicker(produceInterval * 2)
	defer ticker.Stop()

	rev := 1
	tick := 0
	sampledBy := rng.Intn(4) + 1
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		tick++
		if tick%4 == 0 {
			rev++
			sampledBy = rng.Intn(4) + 1
		}
		payload, err := json.Marshal(map[string]any{
			"rev": rev,
			"tree": map[string]any{
				"modules":   3 + rev%5,
				"documents": 12 + rev*2,
				"symbols":   180 + rev*7,
			},
			"sampled_by": sampledBy,
		})
		if err != nil {
			continue
		}
		p.TrackSnapshot(payload)
	}
}

// logMutations emits edit-log entries describing document mutations.
func logMutations(ctx context.Context, p *pipeline.Pipeline) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + 2))
	ticker := time.NewTicker(produceInterval * 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		payload, err := json.Marshal(map[string]any{
			"op":     mutationOps[rng.Intn(len(mutationOps))],
			"path":   fmt.Sprintf("doc-%d/section-%d", rng.Intn(12), rng.Intn(30)),
			"length": rng.Intn(400) + 1,
			"at":     time.Now().UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			continue
		}
		p.TrackMutation(payload)
	}
}

// stdoutSink prints batches as JSON lines. It stands in for a real
// collector when trying the pipeline locally.
type stdoutSink struct {
	mu  sync.Mutex
	out io.Writer
}

func newStdoutSink(out io.Writer) *stdoutSink {
	return &stdoutSink{out: out}
}

func (s *stdoutSink) Insert(_ context.Context, destination string, records []record.Record) error {
	line, err := json.Marshal(map[string]any{
		"destination": destination,
		"count":       len(records),
		"records":     records,
	})
	if err != nil {
		return fmt.Errorf("encode stdout batch: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintln(s.out, string(line)); err != nil {
		return fmt.Errorf("write stdout batch: %w", err)
	}
	return nil
}

func (s *stdoutSink) Close(context.Context) error { return nil }
