package plan

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cjeanneret/pvtgo/internal/hw/axis"
	"github.com/cjeanneret/pvtgo/internal/logic/motion"
	"github.com/cjeanneret/pvtgo/internal/logic/trajectory"
)

const group = 3

const twoAxisYAML = `
name: l-move
steps:
  - marker: 10
    targets:
      - {axis: x, position: 5}
    post_blend: 1
  - marker: 20
    targets:
      - {axis: y, position: 4, velocity: 50}
    pre_blend: 1
  - separator: true
  - marker: 30
    targets:
      - {axis: x, position: 2}
      - {axis: y, position: 2}
`

func simSettings() axis.Settings {
	return axis.Settings{
		Velocity:       100,
		Acceleration:   1000,
		Jerk:           10000,
		SpeedFactor:    1,
		CountsPerUnit:  1000,
		MoveDoneWindow: 0.01,
	}
}

func newRunner(t *testing.T, sims ...*axis.Sim) *Runner {
	t.Helper()
	axes := make([]axis.Axis, len(sims))
	for i, s := range sims {
		axes[i] = s
	}
	ctrl := motion.NewController(nil,
		motion.WithPollInterval(2*time.Millisecond),
		motion.WithStartTimeout(200*time.Millisecond),
		motion.WithCompletionMargin(300*time.Millisecond),
	)
	return NewRunner(axes, ctrl, group, 0.001)
}

// ---------- Parse ----------

func TestParse_YAML(t *testing.T) {
	p, err := Parse([]byte(twoAxisYAML))
	require.NoError(t, err)
	assert.Equal(t, "l-move", p.Name)
	require.Len(t, p.Steps, 4)
	assert.Equal(t, 3, p.Waypoints())
	assert.True(t, p.Steps[2].Separator)
	require.NotNil(t, p.Steps[1].Targets[0].Velocity)
	assert.Equal(t, 50.0, *p.Steps[1].Targets[0].Velocity)
	assert.Nil(t, p.Steps[1].Targets[0].Acceleration)
	assert.Equal(t, 1.0, p.Steps[1].PreBlend)
}

func TestParse_JSON(t *testing.T) {
	p, err := Parse([]byte(`{"name":"j","steps":[{"marker":1,"targets":[{"axis":"x","position":1.5}]}]}`))
	require.NoError(t, err)
	assert.Equal(t, 1.5, p.Steps[0].Targets[0].Position)
}

func TestParse_Invalid(t *testing.T) {
	cases := map[string]string{
		"empty":              "",
		"no steps":           "name: x\n",
		"unknown field":      "name: x\nfoo: 1\nsteps:\n  - separator: true\n",
		"separator targets":  "steps:\n  - separator: true\n    targets: [{axis: x, position: 1}]\n",
		"waypoint no target": "steps:\n  - marker: 1\n",
		"no axis":            "steps:\n  - targets: [{position: 1}]\n",
		"negative blend":     "steps:\n  - targets: [{axis: x, position: 1}]\n    pre_blend: -1\n",
		"zero velocity":      "steps:\n  - targets: [{axis: x, position: 1, velocity: 0}]\n",
		"nan position":       "steps:\n  - targets: [{axis: x, position: .nan}]\n",
		"not yaml":           "{{{",
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(in))
			assert.Error(t, err)
		})
	}
}

func TestRead_TooLarge(t *testing.T) {
	_, err := Read(strings.NewReader(strings.Repeat("#", MaxPlanFileBytes+1)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds")
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plan.yaml")
	require.NoError(t, os.WriteFile(path, []byte(twoAxisYAML), 0o644))
	p, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "l-move", p.Name)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoad_ShippedPlans(t *testing.T) {
	paths, err := filepath.Glob(filepath.Join("..", "..", "..", "configs", "plans", "*.yaml"))
	require.NoError(t, err)
	require.NotEmpty(t, paths)
	for _, path := range paths {
		_, err := Load(path)
		assert.NoError(t, err, path)
	}
}

// ---------- Build ----------

func TestBuild_StartsFromCurrentPosition(t *testing.T) {
	bus := axis.NewBus()
	x := axis.NewSim(bus, "x", simSettings(), 1)
	y := axis.NewSim(bus, "y", simSettings(), -2)
	r := newRunner(t, x, y)

	p, err := Parse([]byte(twoAxisYAML))
	require.NoError(t, err)
	traj, err := r.Build(p)
	require.NoError(t, err)

	assert.Equal(t, 1.0, traj.Queue("x").Seed().Position)
	assert.Equal(t, -2.0, traj.Queue("y").Seed().Position)
	assert.InDelta(t, 2.0, traj.Queue("x").Last().Position, 1e-9)
	assert.InDelta(t, 2.0, traj.Queue("y").Last().Position, 1e-9)
	assert.Greater(t, traj.Duration(), 0.0)
}

func TestBuild_UnknownAxis(t *testing.T) {
	bus := axis.NewBus()
	r := newRunner(t, axis.NewSim(bus, "x", simSettings(), 0))

	p, err := Parse([]byte("steps:\n  - targets: [{axis: q, position: 1}]\n"))
	require.NoError(t, err)
	_, err = r.Build(p)
	assert.ErrorIs(t, err, trajectory.ErrUnknownAxis)
}

// ---------- Run ----------

func TestRun_ReachesLastWaypoint(t *testing.T) {
	bus := axis.NewBus()
	x := axis.NewSim(bus, "x", simSettings(), 0)
	y := axis.NewSim(bus, "y", simSettings(), 0)
	r := newRunner(t, x, y)

	p, err := Parse([]byte(twoAxisYAML))
	require.NoError(t, err)
	res, err := r.Run(context.Background(), p)
	require.NoError(t, err)

	assert.NotEmpty(t, res.RunID)
	assert.Equal(t, "l-move", res.Plan)
	assert.Equal(t, 30, res.Marker)
	assert.InDelta(t, 2.0, x.Position(), 0.01)
	assert.InDelta(t, 2.0, y.Position(), 0.01)
	assert.Empty(t, bus.Members(group), "axes leave the group after the run")

	// The next plan starts where this one ended.
	back, err := Parse([]byte("steps:\n  - marker: 1\n    targets: [{axis: x, position: 0}]\n"))
	require.NoError(t, err)
	_, err = r.Run(context.Background(), back)
	require.NoError(t, err)
	assert.InDelta(t, 0.0, x.Position(), 0.01)
	assert.InDelta(t, 2.0, y.Position(), 0.01)
}

func TestRun_SetupRejected(t *testing.T) {
	bus := axis.NewBus()
	x := axis.NewSim(bus, "x", simSettings(), 0)
	x.RejectLoads(3)
	r := newRunner(t, x)

	p, err := Parse([]byte("steps:\n  - marker: 1\n    targets: [{axis: x, position: 1}]\n"))
	require.NoError(t, err)
	res, err := r.Run(context.Background(), p)
	assert.Nil(t, res)
	var sre *motion.SetupRejectedError
	require.True(t, errors.As(err, &sre))
	assert.Equal(t, 3, sre.Attempts)
	assert.Empty(t, bus.Members(group))
}

func TestRun_FaultNamesMarker(t *testing.T) {
	bus := axis.NewBus()
	x := axis.NewSim(bus, "x", simSettings(), 0)
	y := axis.NewSim(bus, "y", simSettings(), 0)
	r := newRunner(t, x, y)

	p, err := Parse([]byte(`
name: long
steps:
  - marker: 7
    targets: [{axis: x, position: 40}, {axis: y, position: 40}]
  - marker: 8
    targets: [{axis: x, position: 0}]
`))
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		y.InjectFault(axis.FaultLimitNegative)
	}()
	res, err := r.Run(context.Background(), p)
	require.Error(t, err)
	var ae *axis.Error
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, []string{"y"}, ae.Axes)
	require.NotNil(t, res)
	assert.Equal(t, 7, res.Marker)
	assert.Contains(t, err.Error(), `plan "long" stopped during marker 7`)
	assert.Equal(t, 1, x.Stops())
}

func TestRun_CancelStopsAxes(t *testing.T) {
	bus := axis.NewBus()
	x := axis.NewSim(bus, "x", simSettings(), 0)
	r := newRunner(t, x)

	p, err := Parse([]byte("steps:\n  - marker: 1\n    targets: [{axis: x, position: 40}]\n"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	_, err = r.Run(ctx, p)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, x.Stops())
	assert.Less(t, x.Position(), 40.0)

	// The runner frees itself once the interrupted run has ended.
	assert.Eventually(t, func() bool {
		if !r.mu.TryLock() {
			return false
		}
		r.mu.Unlock()
		return true
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRun_Busy(t *testing.T) {
	bus := axis.NewBus()
	r := newRunner(t, axis.NewSim(bus, "x", simSettings(), 0))
	r.mu.Lock()
	defer r.mu.Unlock()

	p, err := Parse([]byte("steps:\n  - marker: 1\n    targets: [{axis: x, position: 1}]\n"))
	require.NoError(t, err)
	_, err = r.Run(context.Background(), p)
	assert.ErrorIs(t, err, ErrBusy)
}
