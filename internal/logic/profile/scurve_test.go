package profile

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testVel  = 250.0
	testAcc  = 1000.0
	testJerk = 12500.0
)

func mustSCurve(t *testing.T, dst, src, vel, acc, jerk float64) *SCurve {
	t.Helper()
	s, err := NewSCurve(dst, src, vel, acc, jerk)
	require.NoError(t, err)
	return s
}

func TestNewSCurve_InvalidLimits(t *testing.T) {
	cases := []struct {
		name           string
		vel, acc, jerk float64
	}{
		{"zero velocity", 0, testAcc, testJerk},
		{"negative acceleration", testVel, -1, testJerk},
		{"nan jerk", testVel, testAcc, math.NaN()},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewSCurve(10, 0, tc.vel, tc.acc, tc.jerk)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidLimit))
		})
	}
}

func TestNewSCurve_SegmentClasses(t *testing.T) {
	cases := []struct {
		name           string
		dist           float64
		vel, acc, jerk float64
		wantDuration   float64
	}{
		// 7-segment: 4*a/j + 2*(v/a - a/j) + (d - 2*trapDist)/v
		{"seven", 250, testVel, testAcc, testJerk, 1.33},
		// 6-segment: no cruise, peak velocity below the limit
		{"six", 50, testVel, testAcc, testJerk, 4*0.08 + 2*(math.Sqrt(51600)-120)/1000},
		// 5-segment: triangular acceleration with cruise
		{"five", 10, 10, testAcc, testJerk, 4*math.Sqrt(10/testJerk) + (10-2*math.Sqrt(1000/testJerk))/10},
		// 4-segment: pure S
		{"four", 10, testVel, testAcc, testJerk, 4 * math.Cbrt(10/(2*testJerk))},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := mustSCurve(t, tc.dist, 0, tc.vel, tc.acc, tc.jerk)
			assert.InDelta(t, tc.wantDuration, s.Duration(), 1e-9)
			assert.InDelta(t, tc.dist, s.End(), 1e-9)

			v, err := s.Velocity(s.Duration())
			require.NoError(t, err)
			assert.InDelta(t, 0, v, 1e-9)

			for i := 0; i <= 100; i++ {
				tt := s.Duration() * float64(i) / 100
				v, err := s.Velocity(tt)
				require.NoError(t, err)
				assert.LessOrEqual(t, v, tc.vel+1e-9)
				assert.GreaterOrEqual(t, v, -1e-9)
				a, err := s.Acceleration(tt)
				require.NoError(t, err)
				assert.LessOrEqual(t, math.Abs(a), tc.acc+1e-9)
			}
		})
	}
}

func TestSCurve_NegativeDirection(t *testing.T) {
	s := mustSCurve(t, -250, 0, testVel, testAcc, testJerk)
	assert.InDelta(t, 1.33, s.Duration(), 1e-9)
	assert.InDelta(t, -250, s.End(), 1e-9)

	mid, err := s.Velocity(s.Duration() / 2)
	require.NoError(t, err)
	assert.InDelta(t, -testVel, mid, 1e-9)
}

func TestSCurve_PositionOutOfRange(t *testing.T) {
	s := mustSCurve(t, 250, 0, testVel, testAcc, testJerk)

	_, err := s.Position(-0.001)
	assert.True(t, errors.Is(err, ErrTimeOutOfRange))
	_, err = s.Position(s.Duration() + 0.001)
	assert.True(t, errors.Is(err, ErrTimeOutOfRange))

	p, err := s.Position(s.Duration() + 1e-7)
	require.NoError(t, err)
	assert.InDelta(t, 250, p, 1e-6)
}

func TestSCurve_TimeOfPositionInvertsPosition(t *testing.T) {
	for _, dst := range []float64{250, -250, 50, 10} {
		s := mustSCurve(t, dst, 0, testVel, testAcc, testJerk)
		for i := 1; i < 50; i++ {
			tt := s.Duration() * float64(i) / 50
			p, err := s.Position(tt)
			require.NoError(t, err)
			assert.InDelta(t, tt, s.TimeOfPosition(p), 1e-6, "dst=%v t=%v", dst, tt)
		}
	}
}

func TestSCurve_TimeOfPositionEndpoints(t *testing.T) {
	s := mustSCurve(t, 83.3, 96.0, testVel, 2250, 32142.857)
	assert.InDelta(t, 0, s.TimeOfPosition(96.0), 1e-6)
	assert.InDelta(t, s.Duration(), s.TimeOfPosition(83.3), 1e-6)
}

func TestSCurve_ScaleDuration(t *testing.T) {
	s := mustSCurve(t, 250, 0, testVel, testAcc, testJerk)
	before, err := s.Position(s.Duration() / 3)
	require.NoError(t, err)

	require.NoError(t, s.ScaleDuration(2.66))
	assert.InDelta(t, 2.66, s.Duration(), 1e-9)
	assert.InDelta(t, 250, s.End(), 1e-9)

	after, err := s.Position(s.Duration() / 3)
	require.NoError(t, err)
	assert.InDelta(t, before, after, 1e-9)

	mid, err := s.Velocity(s.Duration() / 2)
	require.NoError(t, err)
	assert.InDelta(t, testVel/2, mid, 1e-9)

	assert.Error(t, s.ScaleDuration(0))
	assert.Error(t, s.Scale(math.Inf(1)))
}

func TestSCurve_RelevantTimes(t *testing.T) {
	s := mustSCurve(t, 250, 0, testVel, testAcc, testJerk)
	times := s.RelevantTimes()
	require.Len(t, times, 8)
	assert.Equal(t, 0.0, times[0])
	assert.InDelta(t, s.Duration(), times[7], 1e-12)
	for i := 1; i < len(times); i++ {
		assert.GreaterOrEqual(t, times[i], times[i-1])
	}
	assert.InDelta(t, 0.08, times[1], 1e-12)
	assert.InDelta(t, 0.25, times[2], 1e-12)
}

func TestSolveCubic(t *testing.T) {
	// (x-1)(x-2)(x-3)
	roots := solveCubic(1, -6, 11, -6)
	found := map[int]bool{}
	for _, r := range roots {
		found[int(math.Round(r))] = true
		assert.InDelta(t, math.Round(r), r, 1e-9)
	}
	assert.Equal(t, map[int]bool{1: true, 2: true, 3: true}, found)

	// x^3 + x - 2 has the single real root 1.
	roots = solveCubic(1, 0, 1, -2)
	assert.InDelta(t, 1, roots[0], 1e-9)
	assert.True(t, math.IsNaN(roots[1]))

	// Degenerate to linear.
	roots = solveCubic(0, 0, 2, -4)
	assert.InDelta(t, 2, roots[0], 1e-12)
}
