// Package sink defines the delivery contract between the pipeline and the
// remote analytics store.
package sink

import (
	"context"

	"github.com/courierhq/courier/record"
)

// Sink delivers batches of records, one destination table per call. A nil
// error confirms the whole batch was accepted. Implementations classify
// failures with errs codes so the retry path can tell throttling from
// transient and permanent faults.
type Sink interface {
	Insert(ctx context.Context, destination string, records []record.Record) error
	Close(ctx context.Context) error
}
