// Package queue implements the FIFO buffer that sits between the ingress
// adapters and the batch flusher.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/romanborysenkov/IoT-Project/internal/model"
	"github.com/romanborysenkov/IoT-Project/internal/observability"
)

// ErrInsufficient is returned by PopBatch when fewer than the requested
// number of entries are queued. The queue is left untouched.
var ErrInsufficient = errors.New("queue holds fewer entries than requested")

// Queue is an unbounded FIFO of serialized records shared by every producer.
//
// PopBatch is atomic with respect to concurrent callers: it either removes
// exactly n entries from the head or removes nothing, so two racing callers
// never observe the same entry.
type Queue interface {
	// Push appends recs to the tail in order, as one atomic step.
	Push(ctx context.Context, recs ...model.Record) error
	// Len returns the number of queued entries.
	Len(ctx context.Context) (int, error)
	// PopBatch removes and returns the n oldest entries.
	PopBatch(ctx context.Context, n int) ([]model.Record, error)
	Close() error
}

// Config selects and configures a queue backend.
type Config struct {
	Backend       string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisKey      string
}

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Open builds the backend named in cfg.
func Open(ctx context.Context, cfg Config) (Queue, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", BackendMemory:
		return NewMemory(), nil
	case BackendRedis:
		return DialRedis(ctx, RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Key:      cfg.RedisKey,
		})
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.Backend)
	}
}

func encodeEntries(recs []model.Record) ([][]byte, error) {
	out := make([][]byte, 0, len(recs))
	for _, rec := range recs {
		data, err := json.Marshal(rec)
		if err != nil {
			return nil, fmt.Errorf("encode queue entry: %w", err)
		}
		out = append(out, data)
	}
	return out, nil
}

func decodeEntry(data []byte) (model.Record, error) {
	var rec model.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return model.Record{}, fmt.Errorf("decode queue entry: %w", err)
	}
	return rec, nil
}

func observeLength(backend string, n int) {
	observability.QueueLength.WithLabelValues(backend).Set(float64(n))
}
