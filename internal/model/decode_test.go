package model_test

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romanborysenkov/IoT-Project/internal/model"
)

const validPayload = `{
	"road_state": "average",
	"agent_data": {
		"user_id": 7,
		"accelerometer": {"x": 0, "y": -0.25, "z": 0.12},
		"gps": {"latitude": 50.4501, "longitude": 30.5234},
		"timestamp": "2024-03-01T12:00:00.5Z"
	}
}`

func TestDecodeRecord(t *testing.T) {
	t.Parallel()

	t.Run("Valid", func(t *testing.T) {
		t.Parallel()
		rec, err := model.DecodeRecord([]byte(validPayload))
		require.NoError(t, err)
		assert.Equal(t, model.RoadStateAverage, rec.RoadState)
		assert.Equal(t, int64(7), rec.AgentData.UserID)
		assert.Equal(t, 0.0, rec.AgentData.Accelerometer.X)
		assert.Equal(t, 0.12, rec.AgentData.Accelerometer.Z)
		assert.Equal(t, 50.4501, rec.AgentData.GPS.Latitude)
		assert.True(t, rec.AgentData.Timestamp.Equal(time.Date(2024, 3, 1, 12, 0, 0, 500_000_000, time.UTC)))
	})

	t.Run("UnknownRoadState", func(t *testing.T) {
		t.Parallel()
		payload := replace(t, validPayload, func(m map[string]any) { m["road_state"] = "excellent" })
		_, err := model.DecodeRecord(payload)
		require.Error(t, err)
		var verr *model.ValidationError
		require.True(t, errors.As(err, &verr))
		require.Len(t, verr.Fields, 1)
		assert.Equal(t, "road_state", verr.Fields[0].Field)
	})

	t.Run("BadTimestamp", func(t *testing.T) {
		t.Parallel()
		payload := replace(t, validPayload, func(m map[string]any) {
			m["agent_data"].(map[string]any)["timestamp"] = "yesterday at noon"
		})
		_, err := model.DecodeRecord(payload)
		var verr *model.ValidationError
		require.True(t, errors.As(err, &verr))
		require.Len(t, verr.Fields, 1)
		assert.Equal(t, "agent_data.timestamp", verr.Fields[0].Field)
	})

	t.Run("MissingCoordinate", func(t *testing.T) {
		t.Parallel()
		payload := replace(t, validPayload, func(m map[string]any) {
			delete(m["agent_data"].(map[string]any)["gps"].(map[string]any), "longitude")
		})
		_, err := model.DecodeRecord(payload)
		var verr *model.ValidationError
		require.True(t, errors.As(err, &verr))
		require.Len(t, verr.Fields, 1)
		assert.Equal(t, "agent_data.gps.longitude", verr.Fields[0].Field)
	})

	t.Run("WrongType", func(t *testing.T) {
		t.Parallel()
		payload := replace(t, validPayload, func(m map[string]any) {
			m["agent_data"].(map[string]any)["user_id"] = "seven"
		})
		_, err := model.DecodeRecord(payload)
		require.True(t, model.IsValidationError(err))
	})

	t.Run("NotJSON", func(t *testing.T) {
		t.Parallel()
		_, err := model.DecodeRecord([]byte("road_state=good"))
		require.True(t, model.IsValidationError(err))
	})
}

func TestDecodeRecords(t *testing.T) {
	t.Parallel()

	t.Run("SingleObject", func(t *testing.T) {
		t.Parallel()
		recs, err := model.DecodeRecords([]byte(validPayload))
		require.NoError(t, err)
		require.Len(t, recs, 1)
	})

	t.Run("Array", func(t *testing.T) {
		t.Parallel()
		recs, err := model.DecodeRecords([]byte("[" + validPayload + "," + validPayload + "]"))
		require.NoError(t, err)
		require.Len(t, recs, 2)
	})

	t.Run("OneInvalidRejectsAll", func(t *testing.T) {
		t.Parallel()
		bad := replace(t, validPayload, func(m map[string]any) { m["road_state"] = "bumpy" })
		recs, err := model.DecodeRecords([]byte("[" + validPayload + "," + string(bad) + "]"))
		require.Nil(t, recs)
		var verr *model.ValidationError
		require.True(t, errors.As(err, &verr))
		require.Len(t, verr.Fields, 1)
		assert.Equal(t, "[1].road_state", verr.Fields[0].Field)
	})

	t.Run("EmptyArray", func(t *testing.T) {
		t.Parallel()
		_, err := model.DecodeRecords([]byte("[]"))
		require.True(t, model.IsValidationError(err))
	})
}

func TestDecodeFlatRecords(t *testing.T) {
	t.Parallel()

	rec, err := model.DecodeRecord([]byte(validPayload))
	require.NoError(t, err)
	data, err := json.Marshal([]model.FlatRecord{rec.Flatten()})
	require.NoError(t, err)

	flats, err := model.DecodeFlatRecords(data)
	require.NoError(t, err)
	require.Len(t, flats, 1)
	assert.Equal(t, rec, flats[0].Record())

	_, err = model.DecodeFlatRecords([]byte(`[{"road_state":"good","user_id":1}]`))
	var verr *model.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Len(t, verr.Fields, 6)
}

func TestParseTimestamp(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		in   string
		want time.Time
	}{
		{"2024-03-01T12:00:00Z", time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)},
		{"2024-03-01T14:00:00+02:00", time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)},
		{"2024-03-01T12:00:00.123456", time.Date(2024, 3, 1, 12, 0, 0, 123_456_000, time.UTC)},
		{"2024-03-01 12:00:00", time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)},
		{"2024-03-01", time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)},
	} {
		got, err := model.ParseTimestamp(tc.in)
		require.NoError(t, err, tc.in)
		assert.True(t, tc.want.Equal(got), "%s: got %s", tc.in, got)
	}

	for _, in := range []string{"", "01/03/2024", "1709294400", "2024-13-01T00:00:00Z"} {
		_, err := model.ParseTimestamp(in)
		assert.Error(t, err, in)
	}
}

func TestClassifyRoadState(t *testing.T) {
	t.Parallel()

	assert.Equal(t, model.RoadStateGood, model.ClassifyRoadState(0.01))
	assert.Equal(t, model.RoadStateGood, model.ClassifyRoadState(-0.049))
	assert.Equal(t, model.RoadStateAverage, model.ClassifyRoadState(0.05))
	assert.Equal(t, model.RoadStateAverage, model.ClassifyRoadState(-0.1))
	assert.Equal(t, model.RoadStatePoor, model.ClassifyRoadState(0.15))
	assert.Equal(t, model.RoadStatePoor, model.ClassifyRoadState(-3))
}

func replace(t *testing.T, payload string, mutate func(map[string]any)) []byte {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(payload), &m))
	mutate(m)
	out, err := json.Marshal(m)
	require.NoError(t, err)
	return out
}
