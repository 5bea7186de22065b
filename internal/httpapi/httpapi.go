// Package httpapi holds the JSON response helpers shared by the hub and
// store HTTP surfaces.
package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/romanborysenkov/IoT-Project/internal/model"
)

// Response is the body of every non-success JSON response.
type Response struct {
	Message string             `json:"message"`
	Detail  string             `json:"detail,omitempty"`
	Errors  []model.FieldError `json:"errors,omitempty"`
}

// Write encodes response as JSON with the given status.
func Write(rw http.ResponseWriter, status int, response any) {
	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(true)
	if err := enc.Encode(response); err != nil {
		http.Error(rw, err.Error(), http.StatusInternalServerError)
		return
	}
	rw.Header().Set("Content-Type", "application/json; charset=utf-8")
	rw.WriteHeader(status)
	_, _ = rw.Write(buf.Bytes())
}

// WriteDecodeError answers a payload that failed model decoding. Validation
// failures become 400s; anything else is a 500.
func WriteDecodeError(rw http.ResponseWriter, err error) {
	var verr *model.ValidationError
	if errors.As(err, &verr) {
		Write(rw, http.StatusBadRequest, Response{
			Message: verr.Message,
			Errors:  verr.Fields,
		})
		return
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		Write(rw, http.StatusRequestEntityTooLarge, Response{Message: "request body too large"})
		return
	}
	Write(rw, http.StatusInternalServerError, Response{Message: "internal error", Detail: err.Error()})
}

// OK is the acknowledgement body for accepted writes.
var OK = map[string]string{"status": "ok"}
