// Package trajectory blends a sequence of multi-axis waypoints into one
// time-synchronized trajectory and samples it into per-axis PVT queues.
package trajectory

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/cjeanneret/pvtgo/internal/debug"
	"github.com/cjeanneret/pvtgo/internal/hw/axis"
	"github.com/cjeanneret/pvtgo/internal/logic/profile"
	"github.com/cjeanneret/pvtgo/internal/logic/pvt"
	"github.com/cjeanneret/pvtgo/internal/logic/quantum"
)

var (
	// ErrNonPositiveDuration means a waypoint with moving axes produced a
	// move that takes no time. It indicates a programming error.
	ErrNonPositiveDuration = errors.New("unexpected non-positive move duration")
	// ErrUnknownAxis means a target names an axis outside the trajectory.
	ErrUnknownAxis = errors.New("unknown axis")
	// ErrDuplicateTarget means one waypoint targets an axis twice.
	ErrDuplicateTarget = errors.New("duplicate target")
)

// Start is an axis taking part in the trajectory and its position when the
// trajectory begins.
type Start struct {
	Axis     axis.Axis
	Position float64
}

// segment is one axis's profile placed on the trajectory timeline.
type segment struct {
	profile profile.Profile
	axis    int
	start   float64
	marker  int
}

func (s segment) end() float64 {
	return s.start + s.profile.Duration()
}

// MultiAxisTrajectory accumulates waypoints and turns them into per-axis
// sample queues. It is not safe for concurrent use.
type MultiAxisTrajectory struct {
	log *debug.Logger
	qm  quantum.Math

	axes      []axis.Axis
	index     map[string]int
	tolerance []float64
	queues    []*pvt.Queue

	current    []float64
	segments   []segment
	blendTime  float64
	sepTime    float64
	nextSep    float64
	nonBlended float64
	generated  bool
}

// Option configures a MultiAxisTrajectory.
type Option func(*MultiAxisTrajectory)

// WithLogger sets the logger.
func WithLogger(l *debug.Logger) Option {
	return func(t *MultiAxisTrajectory) { t.log = l }
}

// New creates a trajectory over the given axes. tolerances overrides the
// position tolerance (units) per axis name; missing axes use their
// MoveDoneWindow setting. timeQuantum is the controller tick in seconds.
func New(initial []Start, tolerances map[string]float64, timeQuantum float64, opts ...Option) (*MultiAxisTrajectory, error) {
	if !(timeQuantum > 0) || math.IsInf(timeQuantum, 0) {
		return nil, fmt.Errorf("time quantum must be a positive number, got %v", timeQuantum)
	}
	if len(initial) == 0 {
		return nil, errors.New("trajectory needs at least one axis")
	}
	t := &MultiAxisTrajectory{
		qm:    quantum.New(timeQuantum),
		index: make(map[string]int, len(initial)),
	}
	for _, o := range opts {
		o(t)
	}
	for i, s := range initial {
		name := s.Axis.Name()
		if _, dup := t.index[name]; dup {
			return nil, fmt.Errorf("axis %s listed twice", name)
		}
		if math.IsNaN(s.Position) || math.IsInf(s.Position, 0) {
			return nil, fmt.Errorf("axis %s: non-finite initial position %v", name, s.Position)
		}
		if err := s.Axis.Settings().Validate(); err != nil {
			return nil, fmt.Errorf("axis %s: %w", name, err)
		}
		tol, ok := tolerances[name]
		if !ok {
			tol = s.Axis.Settings().MoveDoneWindow
		}
		t.index[name] = i
		t.axes = append(t.axes, s.Axis)
		t.tolerance = append(t.tolerance, tol)
		t.queues = append(t.queues, pvt.NewQueue(s.Position))
		t.current = append(t.current, s.Position)
	}
	return t, nil
}

type move struct {
	axis   int
	target Target
	from   float64
	curve  *profile.SCurve
}

func (m move) displacement() float64 {
	return m.target.Position - m.from
}

// AddWaypoint appends a move to targets, tagged with marker. preBlend is the
// distance before the start of this move during which it may overlap the
// previous one; postBlend is the distance before its end during which the
// next move may start. A waypoint where no axis moves is ignored, so the next
// waypoint blends with the current one. On error the trajectory is
// unchanged.
func (t *MultiAxisTrajectory) AddWaypoint(marker int, targets []Target, preBlend, postBlend float64) error {
	if t.generated {
		return errors.New("trajectory already generated")
	}

	var moves []move
	seen := make(map[int]bool, len(targets))
	for _, tg := range targets {
		i, ok := t.index[tg.Axis]
		if !ok {
			return fmt.Errorf("marker %d: %w %q", marker, ErrUnknownAxis, tg.Axis)
		}
		if seen[i] {
			return fmt.Errorf("marker %d: %w for axis %s", marker, ErrDuplicateTarget, tg.Axis)
		}
		seen[i] = true
		if math.IsNaN(tg.Position) || math.IsInf(tg.Position, 0) {
			return fmt.Errorf("marker %d: axis %s: non-finite position %v", marker, tg.Axis, tg.Position)
		}
		if tg.Position == t.current[i] {
			continue
		}
		s := t.axes[i].Settings()
		tg.Velocity = clampLimit(tg.Velocity, s.Velocity)
		tg.Acceleration = clampLimit(tg.Acceleration, s.Acceleration)
		moves = append(moves, move{axis: i, target: tg, from: t.current[i]})
	}
	if len(moves) == 0 {
		t.log.Verbose("marker %d: no axis moves, waypoint ignored", marker)
		return nil
	}

	durations := make([]float64, len(moves))
	for k := range moves {
		m := &moves[k]
		s := t.axes[m.axis].Settings()
		c, err := profile.NewSCurve(m.target.Position, m.from, m.target.Velocity, m.target.Acceleration, s.Jerk)
		if err != nil {
			return fmt.Errorf("marker %d: axis %s: %w", marker, m.target.Axis, err)
		}
		m.curve = c
		durations[k] = c.Duration() / s.SpeedFactor
	}

	moveDuration := t.qm.Ceil(floats.Max(durations))
	if !(moveDuration > 0) {
		return fmt.Errorf("marker %d: %w (%v)", marker, ErrNonPositiveDuration, moveDuration)
	}
	for _, m := range moves {
		if err := m.curve.ScaleDuration(moveDuration); err != nil {
			return fmt.Errorf("marker %d: axis %s: %w", marker, m.target.Axis, err)
		}
	}

	preTime := t.qm.Floor(blendTime(moves, preBlend, moveDuration, func(m move, d float64) float64 {
		return m.curve.TimeOfPosition(m.from + sign(m.displacement())*d)
	}))
	postTime := t.qm.Floor(blendTime(moves, postBlend, moveDuration, func(m move, d float64) float64 {
		return moveDuration - m.curve.TimeOfPosition(m.target.Position-sign(m.displacement())*d)
	}))

	start := math.Max(t.sepTime, t.qm.Round(t.blendTime-preTime))
	// Never finish before the previous move does.
	if early := t.qm.Round(t.nextSep - (start + moveDuration)); early > 0 {
		start = t.qm.Round(start + early)
	}

	t.log.Verbose("marker %d: saved %.3fs by pre-blending and %.3fs by post-blending a %.3fs move to start at %.3fs",
		marker, t.blendTime-start, postTime, moveDuration, start)

	for _, m := range moves {
		t.segments = append(t.segments, segment{profile: m.curve, axis: m.axis, start: start, marker: marker})
		t.current[m.axis] = m.target.Position
	}
	t.blendTime = t.qm.Round(start + moveDuration - postTime)
	t.sepTime = t.nextSep
	t.nextSep = t.qm.Round(start + moveDuration)
	t.nonBlended += moveDuration
	return nil
}

// blendTime returns the shortest time any move needs to cover dist, where
// timeFor maps a move and distance to that time. Moves shorter than dist
// contribute the whole move duration.
func blendTime(moves []move, dist, moveDuration float64, timeFor func(move, float64) float64) float64 {
	if !(dist > 0) {
		return 0
	}
	times := make([]float64, len(moves))
	for k, m := range moves {
		if dist >= math.Abs(m.displacement()) {
			times[k] = moveDuration
			continue
		}
		tt := timeFor(m, dist)
		if math.IsNaN(tt) {
			tt = 0
		}
		times[k] = math.Max(0, math.Min(moveDuration, tt))
	}
	return floats.Min(times)
}

// AddSeparator prevents the next waypoint from blending into the previous
// one.
func (t *MultiAxisTrajectory) AddSeparator() {
	t.sepTime = t.nextSep
}

// Axes returns the axes in trajectory order. The first one issues group
// commands.
func (t *MultiAxisTrajectory) Axes() []axis.Axis {
	out := make([]axis.Axis, len(t.axes))
	copy(out, t.axes)
	return out
}

// Queue returns the sample queue of the named axis, or nil.
func (t *MultiAxisTrajectory) Queue(name string) *pvt.Queue {
	i, ok := t.index[name]
	if !ok {
		return nil
	}
	return t.queues[i]
}

// Tolerance returns the settle tolerance (units) of the named axis.
func (t *MultiAxisTrajectory) Tolerance(name string) float64 {
	i, ok := t.index[name]
	if !ok {
		return 0
	}
	return t.tolerance[i]
}

// CurrentPosition returns the last waypoint position of the named axis.
func (t *MultiAxisTrajectory) CurrentPosition(name string) (float64, bool) {
	i, ok := t.index[name]
	if !ok {
		return 0, false
	}
	return t.current[i], true
}

// SegmentCount returns the number of moves placed on the named axis.
func (t *MultiAxisTrajectory) SegmentCount(name string) int {
	i, ok := t.index[name]
	if !ok {
		return 0
	}
	n := 0
	for _, s := range t.segments {
		if s.axis == i {
			n++
		}
	}
	return n
}

// SeparatorTime is the earliest time the next move may start.
func (t *MultiAxisTrajectory) SeparatorTime() float64 { return t.sepTime }

// NextSeparatorTime is the end of the last added move, the separator time
// once another waypoint is added.
func (t *MultiAxisTrajectory) NextSeparatorTime() float64 { return t.nextSep }

// CurrentBlendTime is the time from which the next move may overlap the
// last one.
func (t *MultiAxisTrajectory) CurrentBlendTime() float64 { return t.blendTime }

// NonBlendedDuration is the sum of all move durations, i.e. the duration the
// trajectory would have without blending.
func (t *MultiAxisTrajectory) NonBlendedDuration() float64 { return t.nonBlended }

// Quantum returns the time quantum.
func (t *MultiAxisTrajectory) Quantum() float64 { return t.qm.Quantum() }

// Duration returns the longest axis queue duration. It is 0 before
// GenerateSamples.
func (t *MultiAxisTrajectory) Duration() float64 {
	var d float64
	for _, q := range t.queues {
		d = math.Max(d, q.Duration())
	}
	return d
}

// MarkerOfLastCompletedMove asks each axis how many samples it still has
// buffered and returns the highest marker being executed, i.e. the waypoint
// during which an interrupted move died.
func (t *MultiAxisTrajectory) MarkerOfLastCompletedMove() (int, error) {
	marker := math.MinInt
	for i, a := range t.axes {
		n, err := a.PointsBuffered()
		if err != nil {
			return 0, fmt.Errorf("axis %s: %w", a.Name(), err)
		}
		if m := t.queues[i].MarkerAt(n); m > marker {
			marker = m
		}
	}
	return marker, nil
}

func sign(v float64) float64 {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	}
	return 0
}
