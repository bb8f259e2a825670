package motion

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cjeanneret/pvtgo/internal/hw/axis"
	"github.com/cjeanneret/pvtgo/internal/logic/pvt"
	"github.com/cjeanneret/pvtgo/internal/logic/trajectory"
)

const group = 4

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

func fastController(opts ...Option) *Controller {
	opts = append([]Option{
		WithPollInterval(2 * time.Millisecond),
		WithStartTimeout(200 * time.Millisecond),
		WithCompletionMargin(300 * time.Millisecond),
	}, opts...)
	return NewController(nil, opts...)
}

// newTrajectory moves every axis from 0 to dist.
func newTrajectory(t *testing.T, dist float64, axes ...axis.Axis) *trajectory.MultiAxisTrajectory {
	t.Helper()
	var starts []trajectory.Start
	var targets []trajectory.Target
	for _, a := range axes {
		starts = append(starts, trajectory.Start{Axis: a, Position: 0})
		if dist != 0 {
			targets = append(targets, trajectory.To(a, dist))
		}
	}
	traj, err := trajectory.New(starts, nil, 0.001)
	require.NoError(t, err)
	if len(targets) > 0 {
		require.NoError(t, traj.AddWaypoint(1, targets, 0, 0))
	}
	return traj
}

// countingAxis counts loads and can fail them with a fixed error.
type countingAxis struct {
	*axis.Sim
	loads   int
	loadErr error
}

func (a *countingAxis) LoadSamples(q *pvt.Queue) error {
	a.loads++
	if a.loadErr != nil {
		return a.loadErr
	}
	return a.Sim.LoadSamples(q)
}

// ---------- Success ----------

func TestExecute_MovesEveryAxis(t *testing.T) {
	bus := axis.NewBus()
	x := axis.NewSim(bus, "x", simSettings(), 0)
	z := axis.NewSim(bus, "z", simSettings(), 0)
	traj := newTrajectory(t, 5, x, z)

	require.NoError(t, fastController().Execute(group, traj))
	assert.InDelta(t, 5, x.Position(), 1e-9)
	assert.InDelta(t, 5, z.Position(), 1e-9)
	assert.Zero(t, x.Stops())
	assert.Zero(t, z.Stops())
}

func TestExecuteCoordinated_NonBlocking(t *testing.T) {
	bus := axis.NewBus()
	x := axis.NewSim(bus, "x", simSettings(), 0)
	traj := newTrajectory(t, 2, x)

	run, err := fastController().ExecuteCoordinated(group, traj, false)
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.NotEmpty(t, run.ID)

	select {
	case <-run.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish")
	}
	assert.NoError(t, run.Wait())
	assert.InDelta(t, 2, x.Position(), 1e-9)
}

func TestExecute_NoMovesSettlesImmediately(t *testing.T) {
	bus := axis.NewBus()
	x := axis.NewSim(bus, "x", simSettings(), 0)
	traj := newTrajectory(t, 0, x)

	require.NoError(t, fastController().Execute(group, traj))
	assert.Equal(t, 0.0, x.Position())
}

// ---------- LOAD ----------

func TestExecute_RejectedThreeTimesIsSetupRejected(t *testing.T) {
	bus := axis.NewBus()
	x := &countingAxis{Sim: axis.NewSim(bus, "x", simSettings(), 0)}
	z := &countingAxis{Sim: axis.NewSim(bus, "z", simSettings(), 0)}
	traj := newTrajectory(t, 5, x, z)
	z.RejectLoads(3)

	err := fastController().Execute(group, traj)
	require.Error(t, err)

	var setup *SetupRejectedError
	require.True(t, errors.As(err, &setup), "got %T: %v", err, err)
	assert.Equal(t, 3, setup.Attempts)
	assert.Equal(t, []string{"z"}, setup.Axes)
	assert.True(t, errors.Is(err, axis.ErrPointsRejected))
	assert.Contains(t, err.Error(), "PVT points on axis z")
	assert.Equal(t, 3, z.loads)
	assert.Equal(t, 3, x.loads)

	done, _ := x.MotionComplete()
	assert.True(t, done, "no motion started")
	assert.Equal(t, 0.0, x.Position())
}

func TestExecute_RejectionRecoversWithinAttempts(t *testing.T) {
	bus := axis.NewBus()
	x := &countingAxis{Sim: axis.NewSim(bus, "x", simSettings(), 0)}
	traj := newTrajectory(t, 1, x)
	x.RejectLoads(2)

	require.NoError(t, fastController().Execute(group, traj))
	assert.Equal(t, 3, x.loads)
	assert.InDelta(t, 1, x.Position(), 1e-9)
}

func TestExecute_OtherLoadErrorIsNotRetried(t *testing.T) {
	bus := axis.NewBus()
	link := errors.New("link down")
	x := &countingAxis{Sim: axis.NewSim(bus, "x", simSettings(), 0), loadErr: link}
	traj := newTrajectory(t, 1, x)

	err := fastController().Execute(group, traj)
	var setup *SetupRejectedError
	require.True(t, errors.As(err, &setup))
	assert.Equal(t, 1, setup.Attempts)
	assert.Equal(t, []string{"x"}, setup.Axes)
	assert.ErrorIs(t, err, link)
	assert.Equal(t, 1, x.loads)
}

// ---------- Faults ----------

func TestExecute_FaultStopsOtherAxesOnce(t *testing.T) {
	bus := axis.NewBus()
	x := axis.NewSim(bus, "x", simSettings(), 0)
	y := axis.NewSim(bus, "y", simSettings(), 0)
	z := axis.NewSim(bus, "z", simSettings(), 0)
	traj := newTrajectory(t, 40, x, y, z)
	require.Greater(t, traj.NonBlendedDuration(), 0.3)

	run, err := fastController().Start(group, traj)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	y.InjectFault(axis.FaultOvercurrent)

	err = run.Wait()
	require.Error(t, err)
	var ae *axis.Error
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, []string{"y"}, ae.Axes)
	assert.Equal(t, []string{"Overcurrent error"}, ae.Faults)
	assert.Equal(t, "axis y: fault while executing PVT trajectory: Overcurrent error", err.Error())

	assert.Equal(t, 1, x.Stops())
	assert.Equal(t, 1, z.Stops())
	assert.Equal(t, 0, y.Stops())
	assert.Less(t, x.Position(), 40.0)
}

func TestExecute_FaultWhileSettlingStopsOtherAxesOnce(t *testing.T) {
	bus := axis.NewBus()
	x := axis.NewSim(bus, "x", simSettings(), 0)
	y := axis.NewSim(bus, "y", simSettings(), 0)
	// z finishes its samples but never gets within tolerance
	z := axis.NewSim(bus, "z", simSettings(), 0, axis.WithFollowingError(50))
	traj := newTrajectory(t, 1, x, y, z)

	run, err := fastController(WithCompletionMargin(2*time.Second)).Start(group, traj)
	require.NoError(t, err)

	time.Sleep(time.Duration(traj.Duration()*float64(time.Second)) + 50*time.Millisecond)
	for _, a := range []*axis.Sim{x, y, z} {
		done, _ := a.MotionComplete()
		require.True(t, done, "axis %s still moving", a.Name())
	}
	select {
	case <-run.Done():
		t.Fatal("run ended before z settled")
	default:
	}
	z.InjectFault(axis.FaultDriveTemp)

	err = run.Wait()
	require.Error(t, err)
	var ae *axis.Error
	require.True(t, errors.As(err, &ae), "got %T: %v", err, err)
	assert.Equal(t, []string{"z"}, ae.Axes)
	assert.Equal(t, []string{"Drive over temperature error"}, ae.Faults)
	assert.Equal(t, "axis z: fault while executing PVT trajectory: Drive over temperature error", err.Error())

	assert.Equal(t, 1, x.Stops())
	assert.Equal(t, 1, y.Stops())
	assert.Equal(t, 0, z.Stops())
	assert.InDelta(t, 1, x.Position(), 1e-9)
}

// ---------- Timeouts ----------

func TestExecute_SettleTimeoutNamesUnsettledAxis(t *testing.T) {
	bus := axis.NewBus()
	x := axis.NewSim(bus, "x", simSettings(), 0)
	z := axis.NewSim(bus, "z", simSettings(), 0, axis.WithFollowingError(50))
	traj := newTrajectory(t, 20, x, z)

	err := fastController(WithCompletionMargin(50*time.Millisecond)).Execute(group, traj)
	require.Error(t, err)
	var ae *axis.Error
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, []string{"x", "z"}, ae.Axes)
	assert.Equal(t, []string{"Axis z did not complete its move."}, ae.Faults)
	assert.Contains(t, err.Error(), "timed out while waiting for position to be reached")
	assert.Equal(t, outcomeTimeout, outcomeOf(err))
}

func TestExecute_StartTimeout(t *testing.T) {
	bus := axis.NewBus()
	// Nothing to play and far from its target: never counts as started.
	x := axis.NewSim(bus, "x", simSettings(), 0, axis.WithFollowingError(500))
	traj := newTrajectory(t, 0, x)

	err := fastController(WithStartTimeout(20*time.Millisecond)).Execute(group, traj)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out while waiting for motion complete flag")
	var ae *axis.Error
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, []string{"x"}, ae.Axes)
}

func TestTimeoutError_ListsFaults(t *testing.T) {
	bus := axis.NewBus()
	x := axis.NewSim(bus, "x", simSettings(), 0)
	z := axis.NewSim(bus, "z", simSettings(), 0)
	z.InjectFault(axis.FaultLimitNegative)

	err := timeoutError([]axis.Axis{x, z}, timedOut+" while waiting for motion to complete", []axis.Axis{x})
	assert.Equal(t, "axis x, z: PVT motion timed out while waiting for motion to complete: LSN active", err.Error())
	assert.Equal(t, []string{"LSN active"}, err.Faults)
}

// ---------- Options ----------

func TestNewController_Defaults(t *testing.T) {
	c := NewController(nil, WithLoadAttempts(0), WithPollInterval(0))
	assert.Equal(t, 1, c.attempts)
	assert.Equal(t, DefaultPollInterval, c.poll)
	assert.Equal(t, DefaultStartTimeout, c.startTimeout)
	assert.Equal(t, DefaultCompletionMargin, c.margin)
}

func TestOutcomeOf(t *testing.T) {
	assert.Equal(t, outcomeOK, outcomeOf(nil))
	assert.Equal(t, outcomeFault, outcomeOf(&axis.Error{Axes: []string{"x"}, Msg: "fault while executing PVT trajectory: x"}))
	assert.Equal(t, outcomeError, outcomeOf(&axis.Error{Axes: []string{"x"}, Msg: "reading faults", Err: errors.New("eof")}))
	assert.Equal(t, outcomeError, outcomeOf(errors.New("other")))
}
