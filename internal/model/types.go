package model

import "time"

// RoadState is the road-condition label attached to every sample.
type RoadState string

const (
	RoadStateGood    RoadState = "good"
	RoadStateAverage RoadState = "average"
	RoadStatePoor    RoadState = "poor"
)

// Valid reports whether s is one of the known labels.
func (s RoadState) Valid() bool {
	switch s {
	case RoadStateGood, RoadStateAverage, RoadStatePoor:
		return true
	}
	return false
}

// Accelerometer holds a three-axis acceleration sample.
type Accelerometer struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// GPS holds a position fix in decimal degrees.
type GPS struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// AgentData is the raw sensor payload produced by a vehicle agent.
type AgentData struct {
	UserID        int64         `json:"user_id"`
	Accelerometer Accelerometer `json:"accelerometer"`
	GPS           GPS           `json:"gps"`
	Timestamp     time.Time     `json:"timestamp"`
}

// Record is one classified telemetry sample flowing through the relay.
// Records are only built by DecodeRecord/DecodeRecords or by producers that
// already hold typed values, so a Record is always valid.
type Record struct {
	RoadState RoadState `json:"road_state"`
	AgentData AgentData `json:"agent_data"`
}

// FlatRecord is the storage wire form of a Record with the nested sensor
// fields hoisted to the top level.
type FlatRecord struct {
	RoadState RoadState `json:"road_state" db:"road_state"`
	UserID    int64     `json:"user_id" db:"user_id"`
	X         float64   `json:"x" db:"x"`
	Y         float64   `json:"y" db:"y"`
	Z         float64   `json:"z" db:"z"`
	Latitude  float64   `json:"latitude" db:"latitude"`
	Longitude float64   `json:"longitude" db:"longitude"`
	Timestamp time.Time `json:"timestamp" db:"timestamp"`
}

// Flatten converts r into its storage wire form.
func (r Record) Flatten() FlatRecord {
	return FlatRecord{
		RoadState: r.RoadState,
		UserID:    r.AgentData.UserID,
		X:         r.AgentData.Accelerometer.X,
		Y:         r.AgentData.Accelerometer.Y,
		Z:         r.AgentData.Accelerometer.Z,
		Latitude:  r.AgentData.GPS.Latitude,
		Longitude: r.AgentData.GPS.Longitude,
		Timestamp: r.AgentData.Timestamp.UTC(),
	}
}

// Record rebuilds the nested form of f.
func (f FlatRecord) Record() Record {
	return Record{
		RoadState: f.RoadState,
		AgentData: AgentData{
			UserID:        f.UserID,
			Accelerometer: Accelerometer{X: f.X, Y: f.Y, Z: f.Z},
			GPS:           GPS{Latitude: f.Latitude, Longitude: f.Longitude},
			Timestamp:     f.Timestamp,
		},
	}
}

// StoredRecord extends FlatRecord with the identity and acceptance time
// assigned by the store.
type StoredRecord struct {
	ID int64 `json:"id" db:"id"`
	FlatRecord
	AcceptedAt time.Time `json:"accepted_at" db:"accepted_at"`
}

// EventTypeNewData tags events pushed to live subscribers.
const EventTypeNewData = "new_data"

// Event is the envelope delivered to live subscribers.
type Event struct {
	Type string       `json:"type"`
	Data StoredRecord `json:"data"`
}

// NewDataEvent wraps a freshly stored record.
func NewDataEvent(rec StoredRecord) Event {
	return Event{Type: EventTypeNewData, Data: rec}
}

// IngestionError captures a payload that failed validation.
type IngestionError struct {
	Source  string `json:"source" db:"source"`
	Payload string `json:"payload" db:"payload"`
	Error   string `json:"error" db:"error"`
}
