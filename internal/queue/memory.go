package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/romanborysenkov/IoT-Project/internal/model"
)

// Memory is a process-local Queue. Entries are kept serialized so the
// memory and Redis backends hold the same bytes.
type Memory struct {
	mu    sync.Mutex
	items [][]byte
}

// NewMemory returns an empty in-memory queue.
func NewMemory() *Memory {
	return &Memory{items: make([][]byte, 0, 128)}
}

func (q *Memory) Push(_ context.Context, recs ...model.Record) error {
	if len(recs) == 0 {
		return nil
	}
	entries, err := encodeEntries(recs)
	if err != nil {
		return err
	}

	q.mu.Lock()
	q.items = append(q.items, entries...)
	n := len(q.items)
	q.mu.Unlock()

	observeLength(BackendMemory, n)
	return nil
}

func (q *Memory) Len(context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items), nil
}

func (q *Memory) PopBatch(_ context.Context, n int) ([]model.Record, error) {
	if n <= 0 {
		return nil, fmt.Errorf("pop batch: invalid size %d", n)
	}

	q.mu.Lock()
	if len(q.items) < n {
		q.mu.Unlock()
		return nil, ErrInsufficient
	}
	head := q.items[:n:n]
	q.items = q.items[n:]
	if len(q.items) == 0 {
		// release the backing array once drained
		q.items = make([][]byte, 0, 128)
	}
	remaining := len(q.items)
	q.mu.Unlock()

	observeLength(BackendMemory, remaining)

	out := make([]model.Record, 0, n)
	for _, entry := range head {
		rec, err := decodeEntry(entry)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (q *Memory) Close() error { return nil }
