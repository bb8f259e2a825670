// Package axis defines the narrow capability set a coordinated trajectory
// needs from one motion axis, plus an in-process group bus and a simulated
// axis.
package axis

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/cjeanneret/pvtgo/internal/logic/pvt"
)

// ErrPointsRejected reports that the axis buffer did not accept every sample
// of a load. The condition is transient: reloading the whole group may
// succeed.
var ErrPointsRejected = errors.New("pvt points rejected")

// Settings are the per-axis motion limits and unit conversion.
type Settings struct {
	Velocity       float64 // units/s
	Acceleration   float64 // units/s^2
	Jerk           float64 // units/s^3
	SpeedFactor    float64 // profile durations are divided by this (1 = nominal)
	CountsPerUnit  float64 // encoder or microstep counts per engineering unit
	MoveDoneWindow float64 // position tolerance, units
}

// ToCounts converts engineering units to device counts.
func (s Settings) ToCounts(units float64) int64 {
	return int64(math.Round(units * s.CountsPerUnit))
}

// FromCounts converts device counts to engineering units.
func (s Settings) FromCounts(counts int64) float64 {
	if s.CountsPerUnit == 0 {
		return 0
	}
	return float64(counts) / s.CountsPerUnit
}

// Validate checks that the limits can drive a profile.
func (s Settings) Validate() error {
	if !(s.Velocity > 0) {
		return fmt.Errorf("velocity must be > 0, got %v", s.Velocity)
	}
	if !(s.Acceleration > 0) {
		return fmt.Errorf("acceleration must be > 0, got %v", s.Acceleration)
	}
	if !(s.Jerk > 0) {
		return fmt.Errorf("jerk must be > 0, got %v", s.Jerk)
	}
	if !(s.SpeedFactor > 0) {
		return fmt.Errorf("speed factor must be > 0, got %v", s.SpeedFactor)
	}
	if !(s.CountsPerUnit > 0) {
		return fmt.Errorf("counts per unit must be > 0, got %v", s.CountsPerUnit)
	}
	if s.MoveDoneWindow < 0 {
		return fmt.Errorf("move done window must be >= 0, got %v", s.MoveDoneWindow)
	}
	return nil
}

// Positions is a snapshot of the position registers, in counts.
type Positions struct {
	Actual    int64 // measured
	Commanded int64 // current profile setpoint
	Target    int64 // final destination of the motion in progress
}

// Axis is one independently actuated axis taking part in a coordinated
// trajectory.
type Axis interface {
	Name() string
	Settings() Settings

	JoinGroup(group byte) error
	LeaveGroup(group byte) error
	// GroupSetup prepares every member of group for sample loading. It is
	// issued by one axis on behalf of the group.
	GroupSetup(group byte) error
	WaitForSetupComplete() error
	// LoadSamples pushes q to the axis buffer. A partial load returns an
	// error wrapping ErrPointsRejected.
	LoadSamples(q *pvt.Queue) error
	// GroupStart starts every member of group at the same instant.
	GroupStart(group byte) error

	PointsBuffered() (int, error)
	MotionComplete() (bool, error)
	TargetReached() (bool, error)
	// Faults lists active faults, ignoring the bits set in ignoreMask.
	Faults(ignoreMask uint16) ([]string, error)
	Positions() (Positions, error)
	Stop() error
}

// Error is a failure attributed to one or more axes. Err is set when the
// failure comes from talking to the axis rather than from the axis state.
type Error struct {
	Axes   []string
	Msg    string
	Faults []string
	Err    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("axis %s: %s", strings.Join(e.Axes, ", "), e.Msg)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Names returns the names of axes in order.
func Names(axes []Axis) []string {
	names := make([]string, len(axes))
	for i, a := range axes {
		names[i] = a.Name()
	}
	return names
}
