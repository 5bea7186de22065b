package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate *validator.Validate

// A single validator instance is used because it caches struct parsing.
func init() {
	validate = validator.New()
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	err := validate.RegisterValidation("isotime", func(fl validator.FieldLevel) bool {
		str, ok := fl.Field().Interface().(string)
		if !ok {
			return false
		}
		_, err := ParseTimestamp(str)
		return err == nil
	})
	if err != nil {
		panic(err)
	}
}

// FieldError describes a single rejected field.
type FieldError struct {
	Field  string `json:"field"`
	Detail string `json:"detail"`
}

// ValidationError is returned when an inbound payload cannot be turned into
// records. Nothing from a payload that produced a ValidationError may be
// enqueued or stored.
type ValidationError struct {
	Message string
	Fields  []FieldError
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return e.Message
	}
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Detail)
	}
	return e.Message + ": " + strings.Join(parts, "; ")
}

// IsValidationError reports whether err (or anything it wraps) is a ValidationError.
func IsValidationError(err error) bool {
	var verr *ValidationError
	return errors.As(err, &verr)
}

type wireAccelerometer struct {
	X *float64 `json:"x" validate:"required"`
	Y *float64 `json:"y" validate:"required"`
	Z *float64 `json:"z" validate:"required"`
}

type wireGPS struct {
	Latitude  *float64 `json:"latitude" validate:"required"`
	Longitude *float64 `json:"longitude" validate:"required"`
}

type wireAgentData struct {
	UserID        *int64             `json:"user_id" validate:"required"`
	Accelerometer *wireAccelerometer `json:"accelerometer" validate:"required"`
	GPS           *wireGPS           `json:"gps" validate:"required"`
	Timestamp     *string            `json:"timestamp" validate:"required,isotime"`
}

type wireRecord struct {
	RoadState *string        `json:"road_state" validate:"required,oneof=good average poor"`
	AgentData *wireAgentData `json:"agent_data" validate:"required"`
}

func (w wireRecord) record() Record {
	ts, _ := ParseTimestamp(*w.AgentData.Timestamp)
	return Record{
		RoadState: RoadState(*w.RoadState),
		AgentData: AgentData{
			UserID: *w.AgentData.UserID,
			Accelerometer: Accelerometer{
				X: *w.AgentData.Accelerometer.X,
				Y: *w.AgentData.Accelerometer.Y,
				Z: *w.AgentData.Accelerometer.Z,
			},
			GPS: GPS{
				Latitude:  *w.AgentData.GPS.Latitude,
				Longitude: *w.AgentData.GPS.Longitude,
			},
			Timestamp: ts,
		},
	}
}

type wireFlatRecord struct {
	RoadState *string  `json:"road_state" validate:"required,oneof=good average poor"`
	UserID    *int64   `json:"user_id" validate:"required"`
	X         *float64 `json:"x" validate:"required"`
	Y         *float64 `json:"y" validate:"required"`
	Z         *float64 `json:"z" validate:"required"`
	Latitude  *float64 `json:"latitude" validate:"required"`
	Longitude *float64 `json:"longitude" validate:"required"`
	Timestamp *string  `json:"timestamp" validate:"required,isotime"`
}

func (w wireFlatRecord) flat() FlatRecord {
	ts, _ := ParseTimestamp(*w.Timestamp)
	return FlatRecord{
		RoadState: RoadState(*w.RoadState),
		UserID:    *w.UserID,
		X:         *w.X,
		Y:         *w.Y,
		Z:         *w.Z,
		Latitude:  *w.Latitude,
		Longitude: *w.Longitude,
		Timestamp: ts,
	}
}

// DecodeRecord decodes and validates a single wire record.
func DecodeRecord(data []byte) (Record, error) {
	var w wireRecord
	if err := json.Unmarshal(data, &w); err != nil {
		return Record{}, &ValidationError{Message: fmt.Sprintf("decode payload: %s", err)}
	}
	if err := validateItem(w, ""); err != nil {
		return Record{}, err
	}
	return w.record(), nil
}

// DecodeRecords decodes a JSON array of wire records, or a single object.
// The result is all-or-nothing: one invalid item rejects the whole payload.
func DecodeRecords(data []byte) ([]Record, error) {
	items, err := decodeList[wireRecord](data)
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(items))
	for _, w := range items {
		out = append(out, w.record())
	}
	return out, nil
}

// DecodeFlatRecords decodes the storage wire form, validating every item.
func DecodeFlatRecords(data []byte) ([]FlatRecord, error) {
	items, err := decodeList[wireFlatRecord](data)
	if err != nil {
		return nil, err
	}
	out := make([]FlatRecord, 0, len(items))
	for _, w := range items {
		out = append(out, w.flat())
	}
	return out, nil
}

// DecodeFlatRecord decodes a single storage wire record.
func DecodeFlatRecord(data []byte) (FlatRecord, error) {
	var w wireFlatRecord
	if err := json.Unmarshal(data, &w); err != nil {
		return FlatRecord{}, &ValidationError{Message: fmt.Sprintf("decode payload: %s", err)}
	}
	if err := validateItem(w, ""); err != nil {
		return FlatRecord{}, err
	}
	return w.flat(), nil
}

func decodeList[T any](data []byte) ([]T, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, &ValidationError{Message: "empty payload"}
	}

	var items []T
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, &ValidationError{Message: fmt.Sprintf("decode payload: %s", err)}
		}
		if len(items) == 0 {
			return nil, &ValidationError{Message: "payload contains no records"}
		}
	} else {
		var item T
		if err := json.Unmarshal(trimmed, &item); err != nil {
			return nil, &ValidationError{Message: fmt.Sprintf("decode payload: %s", err)}
		}
		items = []T{item}
	}

	var fields []FieldError
	for i, item := range items {
		prefix := ""
		if trimmed[0] == '[' {
			prefix = fmt.Sprintf("[%d].", i)
		}
		if err := validateItem(item, prefix); err != nil {
			var verr *ValidationError
			if errors.As(err, &verr) {
				fields = append(fields, verr.Fields...)
				continue
			}
			return nil, err
		}
	}
	if len(fields) > 0 {
		return nil, &ValidationError{Message: "validation failed", Fields: fields}
	}
	return items, nil
}

func validateItem(v any, prefix string) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return fmt.Errorf("validate record: %w", err)
	}
	fields := make([]FieldError, 0, len(validationErrors))
	for _, fe := range validationErrors {
		fields = append(fields, FieldError{
			Field:  prefix + trimNamespace(fe.Namespace()),
			Detail: fieldDetail(fe),
		})
	}
	return &ValidationError{Message: "validation failed", Fields: fields}
}

// trimNamespace drops the Go struct name the validator puts in front of the
// json field path.
func trimNamespace(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func fieldDetail(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "field is required"
	case "oneof":
		return fmt.Sprintf("must be one of [%s], got %q", fe.Param(), fmt.Sprint(fe.Value()))
	case "isotime":
		return fmt.Sprintf("invalid timestamp %q, expected ISO 8601", fmt.Sprint(fe.Value()))
	default:
		return fmt.Sprintf("validation failed for tag %q with value: \"%v\"", fe.Tag(), fe.Value())
	}
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// ParseTimestamp parses an ISO 8601 date-time. Values without a zone offset
// are taken as UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("parse timestamp %q: not ISO 8601", s)
}
