package tracking

import "math"

// NoMatch is returned by Nearest when no prediction lies within the gate.
const NoMatch = -1

// Nearest returns the index of the prediction closest to m, or NoMatch if
// the closest one is farther than threshold. Ties resolve to the lowest
// index. A distance equal to threshold is accepted.
func Nearest(m Point, predicted []Point, threshold float64) int {
	best := NoMatch
	bestDist := math.Inf(1)
	for i, p := range predicted {
		if d := m.DistanceTo(p); d < bestDist {
			best, bestDist = i, d
		}
	}
	if best == NoMatch || bestDist > threshold {
		return NoMatch
	}
	return best
}

// Associate runs Nearest for every measurement in order. Predictions are
// not consumed, so several measurements may map to the same index.
func Associate(predicted, measurements []Point, threshold float64) []int {
	out := make([]int, len(measurements))
	for i, m := range measurements {
		out[i] = Nearest(m, predicted, threshold)
	}
	return out
}
