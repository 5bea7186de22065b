// Package gateway is the hub's client for the storage service.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/romanborysenkov/IoT-Project/internal/model"
	"github.com/romanborysenkov/IoT-Project/internal/observability"
)

// RecordsPath is the storage endpoint that accepts record batches.
const RecordsPath = "/processed_agent_data/"

// BatchIDHeader carries the flusher's batch id to the store for log correlation.
const BatchIDHeader = "X-Batch-ID"

const defaultTimeout = 5 * time.Second

// StatusError is returned when the store answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("store responded %d: %s", e.StatusCode, e.Body)
}

// StoreClient writes record batches to the storage service. It makes exactly
// one attempt per batch; retry policy belongs to the caller.
type StoreClient struct {
	baseURL string
	client  *http.Client
}

// New returns a client for the store at baseURL. A non-positive timeout uses
// the default of five seconds.
func New(baseURL string, timeout time.Duration) *StoreClient {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &StoreClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// Save serializes batch and posts it to the store. A nil error means the store
// acknowledged the whole batch with a 2xx status.
func (c *StoreClient) Save(ctx context.Context, batchID string, batch []model.Record) (err error) {
	ctx, span := observability.StartSpan(ctx, "gateway.save",
		attribute.String("batch.id", batchID),
		attribute.Int("batch.size", len(batch)),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	rows := make([]model.FlatRecord, 0, len(batch))
	for _, rec := range batch {
		rows = append(rows, rec.Flatten())
	}
	body, err := json.Marshal(rows)
	if err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+RecordsPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build store request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if batchID != "" {
		req.Header.Set(BatchIDHeader, batchID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("post batch to store: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
