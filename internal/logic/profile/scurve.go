package profile

import (
	"fmt"
	"math"

	"github.com/cjeanneret/pvtgo/internal/logic/quantum"
)

// rootMath selects cubic roots that fall inside a segment.
var rootMath = quantum.New(1e-6)

// segment is a period of constant jerk.
type segment struct {
	duration float64
	jerk     float64
	acc0     float64
	vel0     float64
	pos0     float64
	time0    float64
}

func (s segment) end() float64 {
	return s.time0 + s.duration
}

func (s segment) position(dt float64) float64 {
	return s.pos0 + s.vel0*dt + s.acc0*dt*dt/2 + s.jerk*dt*dt*dt/6
}

func (s segment) velocity(dt float64) float64 {
	return s.vel0 + s.acc0*dt + s.jerk*dt*dt/2
}

// SCurve is a jerk-limited, minimum-time move made of seven constant-jerk
// segments:
//
//	0: jerk up          4: jerk down (decelerating)
//	1: constant accel   5: constant decel
//	2: jerk down        6: jerk up to rest
//	3: cruise
//
// Short moves collapse segments 1, 3 and 5 to zero length (4-, 5- and
// 6-segment moves).
type SCurve struct {
	seg [7]segment
}

// NewSCurve plans a move from src to dst with the given velocity,
// acceleration and jerk limits.
func NewSCurve(dst, src, vel, acc, jerk float64) (*SCurve, error) {
	if !(vel > 0) {
		return nil, fmt.Errorf("%w: velocity %v", ErrInvalidLimit, vel)
	}
	if !(acc > 0) {
		return nil, fmt.Errorf("%w: acceleration %v", ErrInvalidLimit, acc)
	}
	if !(jerk > 0) {
		return nil, fmt.Errorf("%w: jerk %v", ErrInvalidLimit, jerk)
	}

	dist := math.Abs(dst - src)
	dir := sign(dst - src)

	// Jerk high enough to reach acc before vel.
	trapezoidal := jerk > acc*acc/vel

	var maxPureS float64
	if trapezoidal {
		maxPureS = 2 * acc * acc * acc / (jerk * jerk)
	} else {
		maxPureS = 2 * math.Sqrt(vel*vel*vel/jerk)
	}
	// Distance to reach vel with a trapezoidal acceleration.
	trapDist := (vel / 2) * (vel/acc + acc/jerk)

	is4 := dist <= maxPureS
	is5 := !is4 && !trapezoidal
	is6 := !is4 && !is5 && dist <= 2*trapDist
	is7 := !is4 && !is5 && !is6

	var cruiseDist float64
	switch {
	case is5:
		cruiseDist = dist - maxPureS
	case is7:
		cruiseDist = dist - 2*trapDist
	}

	var d0, d1 float64
	switch {
	case is4:
		d0 = math.Cbrt(dist / (2 * jerk))
	case is5:
		d0 = math.Sqrt(vel / jerk)
	default:
		d0 = acc / jerk
	}
	switch {
	case is6:
		d1 = (math.Sqrt(acc*dist+acc*acc*acc*acc/(4*jerk*jerk)) - 1.5*acc*acc/jerk) / acc
	case is7:
		d1 = vel/acc - acc/jerk
	}

	j := jerk * dir
	s := &SCurve{}
	s.seg[0] = segment{duration: d0, jerk: j, pos0: src}
	s.seg[1] = segment{duration: d1}
	s.seg[2] = segment{duration: d0, jerk: -j}
	s.seg[3] = segment{duration: cruiseDist / vel}
	s.seg[4] = segment{duration: d0, jerk: -j}
	s.seg[5] = segment{duration: d1}
	s.seg[6] = segment{duration: d0, jerk: j}

	for i := 1; i < len(s.seg); i++ {
		p := s.seg[i-1]
		d := p.duration
		s.seg[i].acc0 = p.acc0 + p.jerk*d
		s.seg[i].vel0 = p.velocity(d)
		s.seg[i].pos0 = p.position(d)
		s.seg[i].time0 = p.time0 + d
	}
	return s, nil
}

// Duration implements Profile.
func (s *SCurve) Duration() float64 {
	return s.seg[6].end()
}

// Position implements Profile.
func (s *SCurve) Position(t float64) (float64, error) {
	seg, dt, err := s.segmentAt(t)
	if err != nil {
		return 0, err
	}
	return seg.position(dt), nil
}

// Velocity implements Profile.
func (s *SCurve) Velocity(t float64) (float64, error) {
	seg, dt, err := s.segmentAt(t)
	if err != nil {
		return 0, err
	}
	return seg.velocity(dt), nil
}

// Acceleration returns the signed acceleration at time t.
func (s *SCurve) Acceleration(t float64) (float64, error) {
	seg, dt, err := s.segmentAt(t)
	if err != nil {
		return 0, err
	}
	return seg.acc0 + seg.jerk*dt, nil
}

// Start returns the source position.
func (s *SCurve) Start() float64 {
	return s.seg[0].pos0
}

// End returns the destination position.
func (s *SCurve) End() float64 {
	return s.seg[6].position(s.seg[6].duration)
}

// Scale speeds the move up by factor f: durations shrink by f, velocities
// grow by f, accelerations by f^2 and jerks by f^3. Positions are unchanged.
func (s *SCurve) Scale(f float64) error {
	if !(f > 0) || math.IsInf(f, 0) {
		return fmt.Errorf("%w: scale factor %v", ErrInvalidLimit, f)
	}
	for i := range s.seg {
		seg := &s.seg[i]
		seg.duration /= f
		seg.jerk *= f * f * f
		seg.acc0 *= f * f
		seg.vel0 *= f
		seg.time0 /= f
	}
	return nil
}

// ScaleDuration implements Profile.
func (s *SCurve) ScaleDuration(d float64) error {
	if !(d > 0) {
		return fmt.Errorf("%w: duration %v", ErrInvalidLimit, d)
	}
	return s.Scale(s.Duration() / d)
}

// RelevantTimes implements Profile. Zero-length segments repeat a time.
func (s *SCurve) RelevantTimes() []float64 {
	times := make([]float64, 0, len(s.seg)+1)
	for _, seg := range s.seg {
		times = append(times, seg.time0)
	}
	return append(times, s.Duration())
}

// TimeOfPosition implements Profile. Positions at or past either end of the
// move map to 0 or Duration.
func (s *SCurve) TimeOfPosition(p float64) float64 {
	if math.IsNaN(p) {
		return math.NaN()
	}
	dir := sign(s.End() - s.Start())
	switch {
	case dir == 0:
		return 0
	case p*dir <= s.Start()*dir:
		return 0
	case p*dir >= s.End()*dir:
		return s.Duration()
	}

	seg := s.segmentOfPosition(p)
	roots := solveCubic(seg.jerk/6, seg.acc0/2, seg.vel0, seg.pos0-p)

	// Take the root inside the segment; near a multiple root rounding can
	// push it just outside, so fall back to the closest one.
	limit := rootMath.Round(seg.duration)
	dt, miss := math.NaN(), math.Inf(1)
	for _, r := range roots {
		if math.IsNaN(r) {
			continue
		}
		if q := rootMath.Round(r); q >= 0 && q <= limit {
			dt, miss = r, 0
			continue
		}
		clamped := math.Max(0, math.Min(seg.duration, r))
		if d := math.Abs(r - clamped); d < miss {
			dt, miss = clamped, d
		}
	}
	return seg.time0 + dt
}

func (s *SCurve) segmentAt(t float64) (segment, float64, error) {
	if math.IsNaN(t) || t < -timeLeeway {
		return segment{}, 0, fmt.Errorf("%w: %v", ErrTimeOutOfRange, t)
	}
	if d := s.Duration(); t-d > timeLeeway {
		return segment{}, 0, fmt.Errorf("%w: %v past duration %v", ErrTimeOutOfRange, t, d)
	}
	t = math.Max(t, 0)
	for _, seg := range s.seg {
		if t <= seg.end() {
			return seg, t - seg.time0, nil
		}
	}
	last := s.seg[6]
	return last, t - last.time0, nil
}

// segmentOfPosition returns the last segment starting at or before p along
// the direction of travel.
func (s *SCurve) segmentOfPosition(p float64) segment {
	dir := sign(s.End() - s.Start())
	i := 0
	for i < len(s.seg) && p*dir >= s.seg[i].pos0*dir {
		i++
	}
	if i == 0 {
		return s.seg[0]
	}
	return s.seg[i-1]
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
