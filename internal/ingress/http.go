package ingress

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/romanborysenkov/IoT-Project/internal/httpapi"
	"github.com/romanborysenkov/IoT-Project/internal/model"
	"github.com/romanborysenkov/IoT-Project/internal/observability"
)

const maxBodyBytes = 1 << 20

// HTTPHandler accepts one record or a JSON array of records per POST.
type HTTPHandler struct {
	pipeline *Pipeline
	logger   *slog.Logger
}

// NewHTTPHandler returns the HTTP ingress endpoint.
func NewHTTPHandler(p *Pipeline, logger *slog.Logger) *HTTPHandler {
	return &HTTPHandler{pipeline: p, logger: logger}
}

func (h *HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		httpapi.Write(w, http.StatusMethodNotAllowed, httpapi.Response{Message: "method not allowed"})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		observability.RecordsRejected.WithLabelValues(SourceHTTP).Inc()
		httpapi.WriteDecodeError(w, err)
		return
	}

	recs, err := model.DecodeRecords(body)
	if err != nil {
		observability.RecordsRejected.WithLabelValues(SourceHTTP).Inc()
		h.logger.Warn("http payload rejected", "remote", r.RemoteAddr, "error", err)
		httpapi.WriteDecodeError(w, err)
		return
	}

	if err := h.pipeline.Accept(r.Context(), SourceHTTP, recs); err != nil {
		h.logger.Error("http ingest failed", "records", len(recs), "error", err)
		httpapi.Write(w, http.StatusServiceUnavailable, httpapi.Response{
			Message: "queue unavailable",
			Detail:  err.Error(),
		})
		return
	}

	h.logger.Debug("http records accepted", "records", len(recs))
	httpapi.Write(w, http.StatusOK, httpapi.OK)
}
