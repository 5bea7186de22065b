// Package storeapi is the HTTP surface of the storage service: batch writes
// from the hub, record CRUD, and live per-user websocket feeds.
package storeapi

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/romanborysenkov/IoT-Project/internal/fanout"
	"github.com/romanborysenkov/IoT-Project/internal/httpapi"
	"github.com/romanborysenkov/IoT-Project/internal/model"
	"github.com/romanborysenkov/IoT-Project/internal/observability"
	"github.com/romanborysenkov/IoT-Project/internal/store"
)

const maxBodyBytes = 4 << 20

// Store is the persistence the API needs.
type Store interface {
	InsertBatch(ctx context.Context, recs []model.FlatRecord) ([]model.StoredRecord, error)
	GetRecord(ctx context.Context, id int64) (model.StoredRecord, error)
	ListRecords(ctx context.Context, f store.ListFilter) ([]model.StoredRecord, error)
	UpdateRecord(ctx context.Context, id int64, rec model.FlatRecord) (model.StoredRecord, error)
	DeleteRecord(ctx context.Context, id int64) (model.StoredRecord, error)
	InsertIngestionError(ctx context.Context, e model.IngestionError) error
	Ping(ctx context.Context) error
}

// Options tune the websocket feed. Zero values take defaults.
type Options struct {
	SubscriberBuffer int
	Heartbeat        time.Duration
	WriteTimeout     time.Duration
}

// API serves the storage endpoints.
type API struct {
	store    Store
	registry *fanout.Registry
	logger   *slog.Logger
	opts     Options

	// writeMu orders insert+notify so subscribers see records in the order
	// they were stored.
	writeMu sync.Mutex
}

// New builds the API.
func New(st Store, registry *fanout.Registry, opts Options, logger *slog.Logger) *API {
	if opts.SubscriberBuffer <= 0 {
		opts.SubscriberBuffer = fanout.DefaultBuffer
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 15 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	return &API{store: st, registry: registry, logger: logger, opts: opts}
}

// Routes returns the router.
func (a *API) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(a.logger))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		httpapi.Write(w, http.StatusOK, httpapi.OK)
	})
	r.Get("/readyz", a.ready)

	r.Route("/processed_agent_data", func(r chi.Router) {
		r.Post("/", a.createRecords)
		r.Get("/", a.listRecords)
		r.Get("/{id}", a.getRecord)
		r.Put("/{id}", a.updateRecord)
		r.Delete("/{id}", a.deleteRecord)
	})
	r.Get("/ws/{user_id}", a.subscribe)
	r.Get("/ws/{user_id}/subscribers", a.subscribers)
	return r
}

func (a *API) ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.store.Ping(ctx); err != nil {
		httpapi.Write(w, http.StatusServiceUnavailable, httpapi.Response{Message: "database unavailable", Detail: err.Error()})
		return
	}
	httpapi.Write(w, http.StatusOK, httpapi.OK)
}

type createResponse struct {
	Status string               `json:"status"`
	Data   []model.StoredRecord `json:"data"`
}

func (a *API) createRecords(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		httpapi.WriteDecodeError(w, err)
		return
	}

	recs, err := model.DecodeFlatRecords(body)
	if err != nil {
		a.logRejected(ctx, body, err)
		httpapi.WriteDecodeError(w, err)
		return
	}

	a.writeMu.Lock()
	stored, err := a.store.InsertBatch(ctx, recs)
	if err == nil {
		a.registry.Notify(stored...)
	}
	a.writeMu.Unlock()

	if err != nil {
		a.logger.Error("insert batch failed", "records", len(recs), "batch_id", r.Header.Get("X-Batch-ID"), "error", err)
		httpapi.Write(w, http.StatusInternalServerError, httpapi.Response{Message: "failed to store records", Detail: err.Error()})
		return
	}

	observability.RecordsStored.Add(float64(len(stored)))
	a.logger.Debug("batch stored", "records", len(stored), "batch_id", r.Header.Get("X-Batch-ID"))
	httpapi.Write(w, http.StatusCreated, createResponse{Status: "success", Data: stored})
}

func (a *API) logRejected(ctx context.Context, body []byte, cause error) {
	a.logger.Warn("batch rejected", "error", cause)
	payload := string(body)
	if len(payload) > 4096 {
		payload = payload[:4096]
	}
	if err := a.store.InsertIngestionError(ctx, model.IngestionError{
		Source:  "api",
		Payload: payload,
		Error:   cause.Error(),
	}); err != nil {
		a.logger.Warn("record ingestion error failed", "error", err)
	}
}

func (a *API) listRecords(w http.ResponseWriter, r *http.Request) {
	var (
		f   store.ListFilter
		err error
		q   = r.URL.Query()
	)
	if v := q.Get("user_id"); v != "" {
		id, perr := strconv.ParseInt(v, 10, 64)
		if perr != nil {
			badParam(w, "user_id", perr)
			return
		}
		f.UserID = &id
	}
	if v := q.Get("after_id"); v != "" {
		if f.AfterID, err = strconv.ParseInt(v, 10, 64); err != nil {
			badParam(w, "after_id", err)
			return
		}
	}
	if v := q.Get("limit"); v != "" {
		if f.Limit, err = strconv.Atoi(v); err != nil {
			badParam(w, "limit", err)
			return
		}
	}
	if v := q.Get("since"); v != "" {
		if f.Since, err = model.ParseTimestamp(v); err != nil {
			badParam(w, "since", err)
			return
		}
	}

	recs, err := a.store.ListRecords(r.Context(), f)
	if err != nil {
		a.logger.Error("list records failed", "error", err)
		httpapi.Write(w, http.StatusInternalServerError, httpapi.Response{Message: "failed to list records", Detail: err.Error()})
		return
	}
	if recs == nil {
		recs = []model.StoredRecord{}
	}
	httpapi.Write(w, http.StatusOK, recs)
}

func (a *API) getRecord(w http.ResponseWriter, r *http.Request) {
	id, ok := recordID(w, r)
	if !ok {
		return
	}
	rec, err := a.store.GetRecord(r.Context(), id)
	if err != nil {
		a.writeStoreError(w, "get record", err)
		return
	}
	httpapi.Write(w, http.StatusOK, rec)
}

func (a *API) updateRecord(w http.ResponseWriter, r *http.Request) {
	id, ok := recordID(w, r)
	if !ok {
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		httpapi.WriteDecodeError(w, err)
		return
	}
	rec, err := model.DecodeFlatRecord(body)
	if err != nil {
		httpapi.WriteDecodeError(w, err)
		return
	}
	updated, err := a.store.UpdateRecord(r.Context(), id, rec)
	if err != nil {
		a.writeStoreError(w, "update record", err)
		return
	}
	httpapi.Write(w, http.StatusOK, updated)
}

func (a *API) deleteRecord(w http.ResponseWriter, r *http.Request) {
	id, ok := recordID(w, r)
	if !ok {
		return
	}
	deleted, err := a.store.DeleteRecord(r.Context(), id)
	if err != nil {
		a.writeStoreError(w, "delete record", err)
		return
	}
	httpapi.Write(w, http.StatusOK, deleted)
}

func (a *API) writeStoreError(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		httpapi.Write(w, http.StatusNotFound, httpapi.Response{Message: "record not found"})
		return
	}
	a.logger.Error(op+" failed", "error", err)
	httpapi.Write(w, http.StatusInternalServerError, httpapi.Response{Message: "failed to " + op, Detail: err.Error()})
}

func recordID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		badParam(w, "id", err)
		return 0, false
	}
	return id, true
}

func badParam(w http.ResponseWriter, name string, err error) {
	httpapi.Write(w, http.StatusBadRequest, httpapi.Response{
		Message: "invalid " + name,
		Errors:  []model.FieldError{{Field: name, Detail: err.Error()}},
	})
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}
