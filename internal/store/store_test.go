package store_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romanborysenkov/IoT-Project/internal/model"
	"github.com/romanborysenkov/IoT-Project/internal/store"
)

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "data", "roadwatch.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.InitSchema(context.Background()))
	return s
}

func flat(user int64, state model.RoadState, z float64) model.FlatRecord {
	return model.FlatRecord{
		RoadState: state,
		UserID:    user,
		X:         0.1,
		Y:         -0.2,
		Z:         z,
		Latitude:  50.4501,
		Longitude: 30.5234,
		Timestamp: time.Date(2024, 3, 1, 12, 30, 0, 123000000, time.UTC),
	}
}

func TestInitSchemaIsIdempotent(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	require.NoError(t, s.InitSchema(context.Background()))
	assert.Equal(t, store.DialectSQLite, s.Dialect())
	assert.NoError(t, s.Ping(context.Background()))
}

func TestInsertBatchAssignsIDsInOrder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openStore(t)

	in := []model.FlatRecord{
		flat(1, model.RoadStateGood, 0.01),
		flat(2, model.RoadStatePoor, 0.3),
		flat(1, model.RoadStateAverage, 0.1),
	}
	out, err := s.InsertBatch(ctx, in)
	require.NoError(t, err)
	require.Len(t, out, 3)

	for i := range out {
		assert.Equal(t, in[i], out[i].FlatRecord)
		assert.False(t, out[i].AcceptedAt.IsZero())
		if i > 0 {
			assert.Greater(t, out[i].ID, out[i-1].ID)
		}
	}

	got, err := s.GetRecord(ctx, out[1].ID)
	require.NoError(t, err)
	assert.Equal(t, out[1].FlatRecord, got.FlatRecord)
	assert.True(t, out[1].AcceptedAt.Equal(got.AcceptedAt))
}

func TestInsertBatchEmpty(t *testing.T) {
	t.Parallel()
	out, err := openStore(t).InsertBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestListRecordsFilters(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openStore(t)

	early := flat(1, model.RoadStateGood, 0)
	early.Timestamp = time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	stored, err := s.InsertBatch(ctx, []model.FlatRecord{
		early,
		flat(2, model.RoadStateGood, 0),
		flat(1, model.RoadStatePoor, 0.5),
	})
	require.NoError(t, err)

	all, err := s.ListRecords(ctx, store.ListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	user := int64(1)
	mine, err := s.ListRecords(ctx, store.ListFilter{UserID: &user})
	require.NoError(t, err)
	require.Len(t, mine, 2)
	assert.Equal(t, stored[0].ID, mine[0].ID)
	assert.Equal(t, stored[2].ID, mine[1].ID)

	recent, err := s.ListRecords(ctx, store.ListFilter{Since: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)})
	require.NoError(t, err)
	assert.Len(t, recent, 2)

	page, err := s.ListRecords(ctx, store.ListFilter{AfterID: stored[0].ID, Limit: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, stored[1].ID, page[0].ID)
}

func TestUpdateAndDeleteRecord(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openStore(t)

	stored, err := s.InsertBatch(ctx, []model.FlatRecord{flat(5, model.RoadStateGood, 0.01)})
	require.NoError(t, err)
	id := stored[0].ID

	changed := flat(5, model.RoadStatePoor, 0.4)
	updated, err := s.UpdateRecord(ctx, id, changed)
	require.NoError(t, err)
	assert.Equal(t, changed, updated.FlatRecord)
	assert.Equal(t, id, updated.ID)

	deleted, err := s.DeleteRecord(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, changed, deleted.FlatRecord)

	_, err = s.GetRecord(ctx, id)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.DeleteRecord(ctx, id)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.UpdateRecord(ctx, id, changed)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestConcurrentInsertBatches(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openStore(t)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(user int64) {
			defer wg.Done()
			_, err := s.InsertBatch(ctx, []model.FlatRecord{flat(user, model.RoadStateGood, 0), flat(user, model.RoadStateGood, 0)})
			assert.NoError(t, err)
		}(int64(i))
	}
	wg.Wait()

	all, err := s.ListRecords(ctx, store.ListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 8)
}

func TestInsertIngestionError(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openStore(t)

	require.NoError(t, s.InsertIngestionError(ctx, model.IngestionError{Source: "http", Payload: "{", Error: "bad json"}))
	n, err := s.CountIngestionErrors(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
