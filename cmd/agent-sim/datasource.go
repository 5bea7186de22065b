package main

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/romanborysenkov/IoT-Project/internal/model"
)

var sampleColumns = []string{"x", "y", "z", "latitude", "longitude"}

type sample struct {
	accel model.Accelerometer
	gps   model.GPS
}

// fileSource replays CSV samples in a loop.
type fileSource struct {
	samples []sample
	next    int
	userID  int64
	now     func() time.Time
}

func openFileSource(path string, userID int64) (*fileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open samples: %w", err)
	}
	defer f.Close()

	samples, err := readSamples(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return &fileSource{samples: samples, userID: userID, now: time.Now}, nil
}

// readSamples parses a CSV with a header row naming at least the columns
// x, y, z, latitude and longitude, in any order.
func readSamples(r io.Reader) ([]sample, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("missing header")
		}
		return nil, err
	}
	index := make(map[string]int, len(header))
	for i, name := range header {
		index[strings.ToLower(strings.TrimSpace(name))] = i
	}
	cols := make([]int, len(sampleColumns))
	for i, name := range sampleColumns {
		pos, ok := index[name]
		if !ok {
			return nil, fmt.Errorf("missing column %q", name)
		}
		cols[i] = pos
	}

	var samples []sample
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		var v [5]float64
		for i, pos := range cols {
			if pos >= len(row) {
				return nil, fmt.Errorf("line %d: missing %s", len(samples)+2, sampleColumns[i])
			}
			v[i], err = strconv.ParseFloat(strings.TrimSpace(row[pos]), 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: %s: %w", len(samples)+2, sampleColumns[i], err)
			}
		}
		samples = append(samples, sample{
			accel: model.Accelerometer{X: v[0], Y: v[1], Z: v[2]},
			gps:   model.GPS{Latitude: v[3], Longitude: v[4]},
		})
	}
	if len(samples) == 0 {
		return nil, errors.New("no samples")
	}
	return samples, nil
}

// Read returns the next sample stamped with the current time and labelled
// by its vertical acceleration. It wraps around at the end of the file.
func (s *fileSource) Read() model.Record {
	smp := s.samples[s.next]
	s.next = (s.next + 1) % len(s.samples)
	return model.Record{
		RoadState: model.ClassifyRoadState(smp.accel.Z),
		AgentData: model.AgentData{
			UserID:        s.userID,
			Accelerometer: smp.accel,
			GPS:           smp.gps,
			Timestamp:     s.now().UTC(),
		},
	}
}
