package domain

import (
	"math"
	"time"
)

// Position is one sample of a participant's location on the map.
type Position struct {
	X  float64
	Y  float64
	At time.Time
}

// Distance is the euclidean distance between two samples.
func Distance(a, b Position) float64 {
	return math.Hypot(a.X-b.X, a.Y-b.Y)
}
