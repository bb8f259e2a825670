// Package profile provides single-axis point-to-point motion profiles.
//
// A profile starts and ends at rest. Times are relative to the start of the
// profile, positions are absolute.
package profile

import "errors"

var (
	// ErrInvalidLimit is returned for a non-positive or NaN kinematic limit
	// or scale factor.
	ErrInvalidLimit = errors.New("profile: invalid kinematic limit")
	// ErrTimeOutOfRange is returned when a profile is sampled outside
	// [0, Duration].
	ErrTimeOutOfRange = errors.New("profile: time out of range")
)

// Profile is a single-axis motion from one position to another.
type Profile interface {
	// Duration is the total time of the move.
	Duration() float64
	// Position returns the absolute position at time t.
	Position(t float64) (float64, error)
	// Velocity returns the signed velocity at time t.
	Velocity(t float64) (float64, error)
	// TimeOfPosition returns the time at which the move passes position p,
	// or NaN when p is not on the path.
	TimeOfPosition(p float64) float64
	// RelevantTimes returns the breakpoints of the profile, including 0 and
	// Duration.
	RelevantTimes() []float64
	// ScaleDuration stretches or compresses the move to last d.
	ScaleDuration(d float64) error
}

// timeLeeway absorbs floating point error when sampling at the boundaries.
const timeLeeway = 1e-6
