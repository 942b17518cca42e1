package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/zhaobenny/ccpulse/cli/internal/dedup"
	"github.com/zhaobenny/ccpulse/internal/model"
)

// BatchSize is the number of records per report request
const BatchSize = 500

// Pending is a record waiting for delivery together with its dedup key
type Pending struct {
	Key    string
	Record model.UsageRecord
}

// Result describes what a Send call delivered
type Result struct {
	Batches   int // batches acknowledged
	Sent      int // records in acknowledged batches
	Inserted  int
	Skipped   int
	Invalid   int
	Remaining int // records not delivered because a batch failed
	Err       error
}

// Reporter delivers pending records in ordered batches and records each
// acknowledged batch in the dedup store
type Reporter struct {
	client *Client
	store  *dedup.Store
	logger *zap.Logger
	now    func() time.Time
}

// NewReporter creates a reporter
func NewReporter(client *Client, store *dedup.Store, logger *zap.Logger) *Reporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reporter{client: client, store: store, logger: logger, now: time.Now}
}

// Send reports pending records strictly in order. Each acknowledged batch is
// marked and flushed before the next is sent. The first failure stops the
// run; unsent records stay unmarked so the next cycle retries them.
func (r *Reporter) Send(ctx context.Context, pending []Pending) Result {
	var res Result
	batches := lo.Chunk(pending, BatchSize)

	for i, batch := range batches {
		if err := ctx.Err(); err != nil {
			res.Remaining = len(pending) - res.Sent
			res.Err = err
			return res
		}

		records := lo.Map(batch, func(p Pending, _ int) model.UsageRecord { return p.Record })
		resp, err := r.client.Report(ctx, records)
		if err != nil {
			res.Remaining = len(pending) - res.Sent
			res.Err = fmt.Errorf("batch %d/%d: %w", i+1, len(batches), err)
			r.logger.Warn("batch delivery failed",
				zap.Int("batch", i+1),
				zap.Int("batches", len(batches)),
				zap.Int("remaining", res.Remaining),
				zap.Error(err))
			return res
		}

		r.store.Mark(r.now(), lo.Map(batch, func(p Pending, _ int) string { return p.Key })...)
		if err := r.store.Flush(); err != nil {
			// Delivered but not persisted: the server dedups the replay.
			r.logger.Warn("failed to persist reporter state", zap.String("path", r.store.Path()), zap.Error(err))
		}

		res.Batches++
		res.Sent += len(batch)
		res.Inserted += resp.Inserted
		res.Skipped += resp.Skipped
		res.Invalid += resp.Invalid

		r.logger.Debug("batch delivered",
			zap.Int("batch", i+1),
			zap.Int("records", len(batch)),
			zap.Int("inserted", resp.Inserted),
			zap.Int("skipped", resp.Skipped),
			zap.Int("invalid", resp.Invalid))
	}
	return res
}
