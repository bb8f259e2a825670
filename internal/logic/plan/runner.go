package plan

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/multierr"

	"github.com/cjeanneret/pvtgo/internal/debug"
	"github.com/cjeanneret/pvtgo/internal/hw/axis"
	"github.com/cjeanneret/pvtgo/internal/logic/motion"
	"github.com/cjeanneret/pvtgo/internal/logic/trajectory"
)

// ErrBusy is returned by Run while another plan is executing.
var ErrBusy = errors.New("a plan is already running")

// Result describes a finished (or interrupted) run.
type Result struct {
	RunID    string  `json:"run_id"`
	Plan     string  `json:"plan"`
	Duration float64 `json:"duration_s"`
	Marker   int     `json:"marker"` // marker of the move executing when the run ended
}

// Runner turns plans into trajectories over a fixed set of axes and
// executes them. One plan runs at a time.
type Runner struct {
	axes       []axis.Axis
	byName     map[string]axis.Axis
	ctrl       *motion.Controller
	group      byte
	quantum    float64
	tolerances map[string]float64
	log        *debug.Logger

	mu sync.Mutex
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithTolerances overrides the settle tolerance per axis name.
func WithTolerances(t map[string]float64) RunnerOption {
	return func(r *Runner) { r.tolerances = t }
}

// WithLogger sets the logger.
func WithLogger(l *debug.Logger) RunnerOption {
	return func(r *Runner) { r.log = l }
}

// NewRunner creates a runner executing on group with the given time quantum
// (seconds).
func NewRunner(axes []axis.Axis, ctrl *motion.Controller, group byte, quantum float64, opts ...RunnerOption) *Runner {
	r := &Runner{
		axes:    axes,
		byName:  make(map[string]axis.Axis, len(axes)),
		ctrl:    ctrl,
		group:   group,
		quantum: quantum,
	}
	for _, a := range axes {
		r.byName[a.Name()] = a
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Axes returns the axes plans run on.
func (r *Runner) Axes() []axis.Axis {
	return r.axes
}

// Build creates the trajectory for p, starting from the axes' commanded
// positions, and generates its samples.
func (r *Runner) Build(p *Plan) (*trajectory.MultiAxisTrajectory, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	starts := make([]trajectory.Start, 0, len(r.axes))
	for _, a := range r.axes {
		pos, err := a.Positions()
		if err != nil {
			return nil, fmt.Errorf("reading start position of axis %s: %w", a.Name(), err)
		}
		starts = append(starts, trajectory.Start{Axis: a, Position: a.Settings().FromCounts(pos.Commanded)})
	}
	traj, err := trajectory.New(starts, r.tolerances, r.quantum, trajectory.WithLogger(r.log))
	if err != nil {
		return nil, err
	}

	for i, s := range p.Steps {
		if s.Separator {
			traj.AddSeparator()
			continue
		}
		targets := make([]trajectory.Target, 0, len(s.Targets))
		for _, t := range s.Targets {
			a, ok := r.byName[t.Axis]
			if !ok {
				return nil, fmt.Errorf("step %d: %w %s", i, trajectory.ErrUnknownAxis, t.Axis)
			}
			targets = append(targets, trajectory.NewTarget(a, t.Position, limit(t.Velocity), limit(t.Acceleration)))
		}
		if err := traj.AddWaypoint(s.Marker, targets, s.PreBlend, s.PostBlend); err != nil {
			return nil, fmt.Errorf("step %d (marker %d): %w", i, s.Marker, err)
		}
	}

	if err := traj.GenerateSamples(); err != nil {
		return nil, err
	}
	r.log.Info("plan %q: %d waypoints, %.3fs", p.Name, p.Waypoints(), traj.Duration())
	return traj, nil
}

// Run builds p and executes it. When the run fails, the error names the
// marker of the move that was executing. Cancelling ctx stops every axis.
func (r *Runner) Run(ctx context.Context, p *Plan) (*Result, error) {
	if !r.mu.TryLock() {
		return nil, ErrBusy
	}
	release := true
	defer func() {
		if release {
			r.mu.Unlock()
		}
	}()

	traj, err := r.Build(p)
	if err != nil {
		return nil, fmt.Errorf("plan %q: %w", p.Name, err)
	}
	run, err := r.ctrl.Start(r.group, traj)
	if err != nil {
		return nil, fmt.Errorf("plan %q: %w", p.Name, multierr.Append(err, r.leave()))
	}
	res := &Result{RunID: run.ID, Plan: p.Name, Duration: traj.Duration()}

	select {
	case <-run.Done():
	case <-ctx.Done():
		r.log.Live("plan %q: cancelled, stopping axes", p.Name)
		err := multierr.Append(ctx.Err(), r.stop())
		release = false
		go func() {
			_ = run.Wait()
			if lerr := r.leave(); lerr != nil {
				r.log.Error(lerr)
			}
			r.mu.Unlock()
		}()
		return res, err
	}

	runErr := run.Wait()
	marker, merr := traj.MarkerOfLastCompletedMove()
	res.Marker = marker
	if runErr != nil {
		if merr != nil {
			return res, fmt.Errorf("plan %q: %w", p.Name, multierr.Combine(runErr, merr, r.leave()))
		}
		return res, fmt.Errorf("plan %q stopped during marker %d: %w", p.Name, marker, multierr.Append(runErr, r.leave()))
	}
	if err := multierr.Append(merr, r.leave()); err != nil {
		return res, fmt.Errorf("plan %q: %w", p.Name, err)
	}
	return res, nil
}

func (r *Runner) stop() error {
	var err error
	for _, a := range r.axes {
		if serr := a.Stop(); serr != nil {
			err = multierr.Append(err, fmt.Errorf("stopping axis %s: %w", a.Name(), serr))
		}
	}
	return err
}

func (r *Runner) leave() error {
	var err error
	for _, a := range r.axes {
		if lerr := a.LeaveGroup(r.group); lerr != nil {
			err = multierr.Append(err, fmt.Errorf("axis %s leaving group %d: %w", a.Name(), r.group, lerr))
		}
	}
	return err
}
