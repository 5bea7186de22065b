// Package flusher moves full batches from the durable queue to the store.
package flusher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/romanborysenkov/IoT-Project/internal/model"
	"github.com/romanborysenkov/IoT-Project/internal/observability"
	"github.com/romanborysenkov/IoT-Project/internal/queue"
)

// Saver persists one batch. A nil error means the whole batch was stored.
type Saver interface {
	Save(ctx context.Context, batchID string, batch []model.Record) error
}

// DropFunc observes a batch that was removed from the queue but could not be
// persisted.
type DropFunc func(batchID string, batch []model.Record, cause error)

// Options tune a Flusher.
type Options struct {
	BatchSize int
	// Timeout bounds a single Save call.
	Timeout time.Duration
	// OnDrop, if set, is called for every lost batch after it is logged.
	OnDrop DropFunc
}

// Flusher pops batches of exactly BatchSize records and hands them to a Saver.
//
// Delivery is at-most-once on failure: a batch whose Save fails has already
// left the queue and is logged and counted as dropped, never re-enqueued.
type Flusher struct {
	queue     queue.Queue
	saver     Saver
	batchSize int
	timeout   time.Duration
	onDrop    DropFunc
	logger    *slog.Logger
}

// New builds a Flusher.
func New(q queue.Queue, saver Saver, opts Options, logger *slog.Logger) (*Flusher, error) {
	if opts.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", opts.BatchSize)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &Flusher{
		queue:     q,
		saver:     saver,
		batchSize: opts.BatchSize,
		timeout:   opts.Timeout,
		onDrop:    opts.OnDrop,
		logger:    logger,
	}, nil
}

// BatchSize returns the configured flush threshold.
func (f *Flusher) BatchSize() int { return f.batchSize }

// Drain flushes full batches until the queue holds fewer than BatchSize
// records. Each pop is an atomic check-and-take, so concurrent Drain calls
// work on disjoint batches. It returns the number of records successfully
// persisted; persistence failures are not returned, only queue errors are.
func (f *Flusher) Drain(ctx context.Context) (int, error) {
	stored := 0
	for {
		batch, err := f.queue.PopBatch(ctx, f.batchSize)
		if errors.Is(err, queue.ErrInsufficient) {
			return stored, nil
		}
		if err != nil {
			return stored, fmt.Errorf("pop batch: %w", err)
		}
		if f.flush(ctx, batch) {
			stored += len(batch)
		}
	}
}

func (f *Flusher) flush(ctx context.Context, batch []model.Record) bool {
	batchID := uuid.NewString()
	ctx, span := observability.StartSpan(ctx, "flusher.flush",
		attribute.String("batch.id", batchID),
		attribute.Int("batch.size", len(batch)),
	)
	defer span.End()

	// The batch is already off the queue: detach from the caller's
	// cancellation and bound the save by the flush timeout only.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.timeout)
	defer cancel()

	start := time.Now()
	err := f.saver.Save(saveCtx, batchID, batch)
	observability.FlushDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		observability.BatchesFlushed.WithLabelValues("failed").Inc()
		observability.RecordsDropped.Add(float64(len(batch)))
		f.logger.Error("batch persistence failed, records dropped",
			"batch_id", batchID,
			"records", len(batch),
			"users", userIDs(batch),
			"error", err,
		)
		if f.onDrop != nil {
			f.onDrop(batchID, batch, err)
		}
		return false
	}

	observability.BatchesFlushed.WithLabelValues("stored").Inc()
	f.logger.Info("batch persisted", "batch_id", batchID, "records", len(batch), "elapsed", time.Since(start))
	return true
}

func userIDs(batch []model.Record) []int64 {
	seen := make(map[int64]struct{}, len(batch))
	out := make([]int64, 0, len(batch))
	for _, rec := range batch {
		id := rec.AgentData.UserID
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
