package model

import "math"

const (
	goodRoadThreshold    = 0.05
	averageRoadThreshold = 0.15
)

// ClassifyRoadState labels a sample by the magnitude of its vertical
// acceleration.
func ClassifyRoadState(z float64) RoadState {
	switch abs := math.Abs(z); {
	case abs < goodRoadThreshold:
		return RoadStateGood
	case abs < averageRoadThreshold:
		return RoadStateAverage
	default:
		return RoadStatePoor
	}
}
