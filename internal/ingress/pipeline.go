// Package ingress holds the two producers that feed the durable queue: the
// HTTP endpoint and the MQTT subscriber.
package ingress

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/romanborysenkov/IoT-Project/internal/model"
	"github.com/romanborysenkov/IoT-Project/internal/observability"
	"github.com/romanborysenkov/IoT-Project/internal/queue"
)

// Sources label where a record entered the relay.
const (
	SourceHTTP = "http"
	SourceMQTT = "mqtt"
)

// Drainer flushes every full batch currently queued.
type Drainer interface {
	Drain(ctx context.Context) (int, error)
}

// Pipeline is the shared tail of both ingress paths: enqueue, then flush any
// batches the push completed.
type Pipeline struct {
	queue   queue.Queue
	drainer Drainer
	logger  *slog.Logger
}

// NewPipeline builds a Pipeline.
func NewPipeline(q queue.Queue, d Drainer, logger *slog.Logger) *Pipeline {
	return &Pipeline{queue: q, drainer: d, logger: logger}
}

// Accept enqueues recs as one atomic push and then synchronously flushes
// while the queue holds at least one full batch. A returned error means
// nothing was enqueued. Flush failures are handled by the flusher and do not
// fail the call: acceptance is acknowledged, storage is not.
func (p *Pipeline) Accept(ctx context.Context, source string, recs []model.Record) error {
	if len(recs) == 0 {
		return nil
	}
	if err := p.queue.Push(ctx, recs...); err != nil {
		return fmt.Errorf("enqueue records: %w", err)
	}
	observability.RecordsAccepted.WithLabelValues(source).Add(float64(len(recs)))

	// A pop that reached the queue must not be abandoned with the request.
	if _, err := p.drainer.Drain(context.WithoutCancel(ctx)); err != nil {
		p.logger.Error("flush after ingest failed", "source", source, "error", err)
	}
	return nil
}

// Ready reports whether the queue answers.
func (p *Pipeline) Ready(ctx context.Context) error {
	_, err := p.queue.Len(ctx)
	return err
}
