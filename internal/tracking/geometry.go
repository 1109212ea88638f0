package tracking

import (
	"fmt"
	"math"
)

// Point is a position in frame pixel coordinates.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Pt is shorthand for Point{x, y}.
func Pt(x, y float64) Point { return Point{X: x, Y: y} }

// DistanceTo returns the Euclidean distance between p and q.
func (p Point) DistanceTo(q Point) float64 {
	return math.Hypot(p.X-q.X, p.Y-q.Y)
}

func (p Point) String() string {
	return fmt.Sprintf("(%.2f, %.2f)", p.X, p.Y)
}

// GatingThreshold returns the association gate for a frame of the given
// size: the frame diagonal divided by divisor.
func GatingThreshold(width, height int, divisor float64) float64 {
	return math.Hypot(float64(width), float64(height)) / divisor
}
