package storeapi_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romanborysenkov/IoT-Project/internal/fanout"
	"github.com/romanborysenkov/IoT-Project/internal/model"
	"github.com/romanborysenkov/IoT-Project/internal/store"
	"github.com/romanborysenkov/IoT-Project/internal/storeapi"
)

type fixture struct {
	store    *store.Store
	registry *fanout.Registry
	server   *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.InitSchema(context.Background()))

	reg := fanout.NewRegistry()
	api := storeapi.New(st, reg, storeapi.Options{Heartbeat: 50 * time.Millisecond}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	srv := httptest.NewServer(api.Routes())
	t.Cleanup(srv.Close)
	return &fixture{store: st, registry: reg, server: srv}
}

func flatJSON(user int64, state string) string {
	return fmt.Sprintf(`{"road_state":%q,"user_id":%d,"x":0.1,"y":0.2,"z":0.01,"latitude":50.45,"longitude":30.52,"timestamp":"2024-01-01T10:00:00"}`, state, user)
}

func (f *fixture) do(t *testing.T, method, path, body string) (int, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, f.server.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

type createResponse struct {
	Status string               `json:"status"`
	Data   []model.StoredRecord `json:"data"`
}

func TestCreateRecords(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	code, body := f.do(t, http.MethodPost, "/processed_agent_data/", "["+flatJSON(1, "good")+","+flatJSON(2, "poor")+"]")
	require.Equal(t, http.StatusCreated, code, string(body))

	var resp createResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	assert.Equal(t, "success", resp.Status)
	require.Len(t, resp.Data, 2)
	assert.Equal(t, int64(1), resp.Data[0].UserID)
	assert.Equal(t, model.RoadStatePoor, resp.Data[1].RoadState)
	assert.Equal(t, time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC), resp.Data[0].Timestamp.UTC())
}

func TestCreateRecordsRejectsInvalidBatch(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	code, body := f.do(t, http.MethodPost, "/processed_agent_data/", "["+flatJSON(1, "good")+","+flatJSON(2, "awful")+"]")
	require.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, string(body), "[1].road_state")

	all, err := f.store.ListRecords(context.Background(), store.ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, all, "no partial batch stored")

	n, err := f.store.CountIngestionErrors(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRecordCRUD(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	code, body := f.do(t, http.MethodPost, "/processed_agent_data/", "["+flatJSON(7, "good")+"]")
	require.Equal(t, http.StatusCreated, code)
	var created createResponse
	require.NoError(t, json.Unmarshal(body, &created))
	id := created.Data[0].ID
	path := fmt.Sprintf("/processed_agent_data/%d", id)

	code, body = f.do(t, http.MethodGet, path, "")
	require.Equal(t, http.StatusOK, code)
	var got model.StoredRecord
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, id, got.ID)

	code, body = f.do(t, http.MethodPut, path, flatJSON(7, "average"))
	require.Equal(t, http.StatusOK, code, string(body))
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, model.RoadStateAverage, got.RoadState)

	code, body = f.do(t, http.MethodGet, "/processed_agent_data/?user_id=7", "")
	require.Equal(t, http.StatusOK, code)
	var list []model.StoredRecord
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Len(t, list, 1)

	code, _ = f.do(t, http.MethodDelete, path, "")
	assert.Equal(t, http.StatusOK, code)
	code, _ = f.do(t, http.MethodGet, path, "")
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = f.do(t, http.MethodGet, "/processed_agent_data/abc", "")
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = f.do(t, http.MethodGet, "/processed_agent_data/?limit=x", "")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestHealthAndReady(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	code, _ := f.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, code)
	code, _ = f.do(t, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusOK, code)
}

func dial(t *testing.T, f *fixture, user int64) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + fmt.Sprintf("/ws/%d", user)
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.CloseNow() })
	require.Eventually(t, func() bool { return f.registry.Count(user) > 0 }, 2*time.Second, 10*time.Millisecond)
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) model.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var ev model.Event
	require.NoError(t, wsjson.Read(ctx, conn, &ev))
	return ev
}

func TestLiveFeedDeliversOwnRecordsInOrder(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	mine := dial(t, f, 1)
	other := dial(t, f, 2)

	code, _ := f.do(t, http.MethodPost, "/processed_agent_data/", "["+flatJSON(1, "good")+","+flatJSON(2, "poor")+","+flatJSON(1, "average")+"]")
	require.Equal(t, http.StatusCreated, code)

	first := readEvent(t, mine)
	second := readEvent(t, mine)
	assert.Equal(t, model.EventTypeNewData, first.Type)
	assert.Equal(t, model.RoadStateGood, first.Data.RoadState)
	assert.Equal(t, model.RoadStateAverage, second.Data.RoadState)
	assert.Less(t, first.Data.ID, second.Data.ID)

	ev := readEvent(t, other)
	assert.Equal(t, int64(2), ev.Data.UserID)
}

func TestLiveFeedIgnoresClientFrames(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	conn := dial(t, f, 3)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte("hello")))

	code, _ := f.do(t, http.MethodPost, "/processed_agent_data/", "["+flatJSON(3, "good")+"]")
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, int64(3), readEvent(t, conn).Data.UserID)
}

func TestLiveFeedUnregistersOnClose(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	conn := dial(t, f, 4)
	require.Equal(t, 1, f.registry.Count(4))

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, ""))
	require.Eventually(t, func() bool { return f.registry.Count(4) == 0 }, 2*time.Second, 10*time.Millisecond)

	code, _ := f.do(t, http.MethodPost, "/processed_agent_data/", "["+flatJSON(4, "good")+"]")
	assert.Equal(t, http.StatusCreated, code)
}

func TestLiveFeedRejectsBadUserID(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	code, _ := f.do(t, http.MethodGet, "/ws/nope", "")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestSubscriberCount(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	dial(t, f, 9)
	code, body := f.do(t, http.MethodGet, "/ws/9/subscribers", "")
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"user_id":9,"subscribers":1}`, string(body))
}
