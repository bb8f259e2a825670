package trajectory

import (
	"fmt"
	"math"

	"github.com/cjeanneret/pvtgo/internal/hw/axis"
)

// minLimit is the lowest velocity or acceleration a target may request,
// in units/s or units/s^2.
const minLimit = 1.0

// Target is one axis's destination within a waypoint. Velocity and
// Acceleration are upper limits for the move; NaN means "use the axis
// setting".
type Target struct {
	Axis         string
	Position     float64
	Velocity     float64
	Acceleration float64
}

// NewTarget builds a target for a, resolving unspecified (NaN) limits to the
// axis settings and clamping specified ones to [1, setting]. It panics if
// position is not finite.
func NewTarget(a axis.Axis, position, velocity, acceleration float64) Target {
	if math.IsNaN(position) || math.IsInf(position, 0) {
		panic(fmt.Sprintf("trajectory: non-finite target position %v for axis %s", position, a.Name()))
	}
	s := a.Settings()
	return Target{
		Axis:         a.Name(),
		Position:     position,
		Velocity:     clampLimit(velocity, s.Velocity),
		Acceleration: clampLimit(acceleration, s.Acceleration),
	}
}

// To is NewTarget with the axis default limits.
func To(a axis.Axis, position float64) Target {
	return NewTarget(a, position, math.NaN(), math.NaN())
}

func clampLimit(v, limit float64) float64 {
	if math.IsNaN(v) {
		return limit
	}
	return math.Min(limit, math.Max(minLimit, v))
}
