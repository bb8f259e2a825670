// Package motion executes a generated multi-axis trajectory on its axes as
// one coordinated group: load every axis, start them together, then watch
// them until the motion has started, completed and settled.
package motion

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/multierr"

	"github.com/cjeanneret/pvtgo/internal/debug"
	"github.com/cjeanneret/pvtgo/internal/hw/axis"
	"github.com/cjeanneret/pvtgo/internal/logic/pvt"
)

const (
	DefaultPollInterval     = 10 * time.Millisecond
	DefaultStartTimeout     = 5 * time.Second
	DefaultCompletionMargin = 5 * time.Second
	DefaultLoadAttempts     = 3
)

// Run outcomes, used as the metrics label.
const (
	outcomeOK            = "ok"
	outcomeSetupRejected = "setup_rejected"
	outcomeFault         = "fault"
	outcomeTimeout       = "timeout"
	outcomeError         = "error"
)

const timedOut = "PVT motion timed out"

var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pvtgo_coordinated_runs_total",
		Help: "Coordinated trajectory runs by outcome",
	}, []string{"outcome"})

	loadAttemptsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pvtgo_load_attempts_total",
		Help: "Group load attempts, including retries after rejected points",
	})

	runSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pvtgo_coordinated_run_seconds",
		Help:    "Wall time of coordinated runs from load to settle",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~50s
	})
)

// Trajectory is what the controller needs from a multi-axis trajectory.
// The first axis issues the group commands.
type Trajectory interface {
	GenerateSamples() error
	Axes() []axis.Axis
	Queue(name string) *pvt.Queue
	Tolerance(name string) float64
	Duration() float64
}

// SetupRejectedError means the group could not be loaded. No motion was
// started.
type SetupRejectedError struct {
	Axes     []string // axis whose setup or load failed last
	Attempts int
	Err      error
}

func (e *SetupRejectedError) Error() string {
	return fmt.Sprintf("PVT setup rejected after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *SetupRejectedError) Unwrap() error { return e.Err }

// Controller runs trajectories on axis groups.
type Controller struct {
	log          *debug.Logger
	poll         time.Duration
	startTimeout time.Duration
	margin       time.Duration
	attempts     int
}

// Option configures a Controller.
type Option func(*Controller)

// WithPollInterval sets the delay between two status polls.
func WithPollInterval(d time.Duration) Option {
	return func(c *Controller) { c.poll = d }
}

// WithStartTimeout bounds the wait for every axis to start moving.
func WithStartTimeout(d time.Duration) Option {
	return func(c *Controller) { c.startTimeout = d }
}

// WithCompletionMargin is added to the trajectory duration to bound the
// completion and settle waits.
func WithCompletionMargin(d time.Duration) Option {
	return func(c *Controller) { c.margin = d }
}

// WithLoadAttempts sets how many times a rejected load is retried in total.
func WithLoadAttempts(n int) Option {
	return func(c *Controller) { c.attempts = n }
}

// NewController creates a controller. A nil log is silent.
func NewController(log *debug.Logger, opts ...Option) *Controller {
	c := &Controller{
		log:          log,
		poll:         DefaultPollInterval,
		startTimeout: DefaultStartTimeout,
		margin:       DefaultCompletionMargin,
		attempts:     DefaultLoadAttempts,
	}
	for _, o := range opts {
		o(c)
	}
	if c.attempts < 1 {
		c.attempts = 1
	}
	if c.poll <= 0 {
		c.poll = DefaultPollInterval
	}
	return c
}

// Run is a started trajectory.
type Run struct {
	ID string

	done  chan struct{}
	err   error
	began time.Time
}

// Wait blocks until the run has settled or failed.
func (r *Run) Wait() error {
	<-r.done
	return r.err
}

// Done is closed when the run ends.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// ExecuteCoordinated loads and starts traj on group. When blocking is true it
// also waits for the motion to settle and returns the finished run;
// otherwise the caller waits on the returned run.
func (c *Controller) ExecuteCoordinated(group byte, traj Trajectory, blocking bool) (*Run, error) {
	run, err := c.Start(group, traj)
	if err != nil {
		return nil, err
	}
	if !blocking {
		return run, nil
	}
	return run, run.Wait()
}

// Execute runs traj on group and waits for it to settle.
func (c *Controller) Execute(group byte, traj Trajectory) error {
	_, err := c.ExecuteCoordinated(group, traj, true)
	return err
}

// Start generates the samples if needed, loads every axis and starts the
// group. The wait phases run in a goroutine owned by the returned Run.
func (c *Controller) Start(group byte, traj Trajectory) (*Run, error) {
	run := &Run{
		ID:    uuid.New().String(),
		done:  make(chan struct{}),
		began: time.Now(),
	}

	if err := traj.GenerateSamples(); err != nil {
		c.finish(run, outcomeError)
		return nil, fmt.Errorf("generating samples: %w", err)
	}
	axes := traj.Axes()
	if len(axes) == 0 {
		c.finish(run, outcomeError)
		return nil, errors.New("trajectory has no axes")
	}

	c.log.Info("run %s: %d axes on group %d, %.3fs", run.ID, len(axes), group, traj.Duration())

	c.log.Phase(run.ID, "LOAD")
	if err := c.load(run.ID, group, traj, axes); err != nil {
		c.finish(run, outcomeSetupRejected)
		c.log.Error(err)
		return nil, err
	}

	c.log.Phase(run.ID, "START")
	if err := axes[0].GroupStart(group); err != nil {
		c.finish(run, outcomeError)
		return nil, &axis.Error{Axes: []string{axes[0].Name()}, Msg: fmt.Sprintf("starting group %d", group), Err: err}
	}

	go func() {
		defer close(run.done)
		run.err = c.wait(run, traj, axes)
		c.finish(run, outcomeOf(run.err))
		if run.err != nil {
			c.log.Error(run.err)
			return
		}
		c.log.Info("run %s: done in %.3fs", run.ID, time.Since(run.began).Seconds())
	}()
	return run, nil
}

func (c *Controller) finish(run *Run, outcome string) {
	runsTotal.WithLabelValues(outcome).Inc()
	runSeconds.Observe(time.Since(run.began).Seconds())
}

func outcomeOf(err error) string {
	var ae *axis.Error
	switch {
	case err == nil:
		return outcomeOK
	case errors.As(err, &ae) && ae.Err == nil && strings.HasPrefix(ae.Msg, timedOut):
		return outcomeTimeout
	case errors.As(err, &ae) && ae.Err == nil:
		return outcomeFault
	}
	return outcomeError
}

// ---------- LOAD ----------

func (c *Controller) load(runID string, group byte, traj Trajectory, axes []axis.Axis) error {
	var (
		failed string
		err    error
	)
	for attempt := 1; attempt <= c.attempts; attempt++ {
		loadAttemptsTotal.Inc()
		failed, err = c.loadOnce(group, traj, axes)
		if err == nil {
			c.log.Verbose("run %s: loaded on attempt %d", runID, attempt)
			return nil
		}
		if !errors.Is(err, axis.ErrPointsRejected) {
			return &SetupRejectedError{Axes: []string{failed}, Attempts: attempt, Err: err}
		}
		c.log.Live("run %s: load attempt %d/%d rejected: %v", runID, attempt, c.attempts, err)
	}
	return &SetupRejectedError{Axes: []string{failed}, Attempts: c.attempts, Err: err}
}

// loadOnce joins, sets up and loads every axis. On error it returns the
// name of the axis that failed.
func (c *Controller) loadOnce(group byte, traj Trajectory, axes []axis.Axis) (string, error) {
	for _, a := range axes {
		if err := a.JoinGroup(group); err != nil {
			return a.Name(), fmt.Errorf("axis %s: joining group %d: %w", a.Name(), group, err)
		}
	}
	if err := axes[0].GroupSetup(group); err != nil {
		return axes[0].Name(), fmt.Errorf("axis %s: group %d setup: %w", axes[0].Name(), group, err)
	}
	for _, a := range axes {
		if err := a.WaitForSetupComplete(); err != nil {
			return a.Name(), fmt.Errorf("axis %s: waiting for setup: %w", a.Name(), err)
		}
		q := traj.Queue(a.Name())
		if q == nil {
			return a.Name(), fmt.Errorf("axis %s: no sample queue", a.Name())
		}
		if err := a.LoadSamples(q); err != nil {
			return a.Name(), fmt.Errorf("axis %s: loading %d samples: %w", a.Name(), q.Len(), err)
		}
	}
	return "", nil
}

// ---------- WAIT ----------

func (c *Controller) wait(run *Run, traj Trajectory, axes []axis.Axis) error {
	budget := time.Duration(traj.Duration()*float64(time.Second)) + c.margin

	c.log.Phase(run.ID, "AWAIT_MOTION_START")
	if err := c.awaitStart(axes, time.Now().Add(c.startTimeout)); err != nil {
		return err
	}
	c.log.Phase(run.ID, "AWAIT_MOTION_COMPLETE")
	if err := c.awaitComplete(run.ID, axes, time.Now().Add(budget)); err != nil {
		return err
	}
	c.log.Phase(run.ID, "AWAIT_SETTLE")
	return c.awaitSettle(run.ID, traj, axes, time.Now().Add(budget))
}

// awaitStart waits until every axis has either left the motion-complete
// state or is already within its move-done window of its target.
func (c *Controller) awaitStart(axes []axis.Axis, deadline time.Time) error {
	for {
		pending := 0
		for _, a := range axes {
			started, err := hasStarted(a)
			if err != nil {
				return err
			}
			if !started {
				pending++
			}
		}
		if pending == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return timeoutError(axes, timedOut+" while waiting for motion complete flag", nil)
		}
		time.Sleep(c.poll)
	}
}

func hasStarted(a axis.Axis) (bool, error) {
	mc, err := a.MotionComplete()
	if err != nil {
		return false, commError(a, "reading motion complete", err)
	}
	if !mc {
		return true, nil
	}
	pos, err := a.Positions()
	if err != nil {
		return false, commError(a, "reading positions", err)
	}
	s := a.Settings()
	return abs(pos.Target-pos.Actual) <= s.ToCounts(s.MoveDoneWindow), nil
}

func (c *Controller) awaitComplete(runID string, axes []axis.Axis, deadline time.Time) error {
	for {
		pending := 0
		for _, a := range axes {
			mc, err := a.MotionComplete()
			if err != nil {
				return commError(a, "reading motion complete", err)
			}
			if err := c.checkFaults(runID, a, axes); err != nil {
				return err
			}
			if !mc {
				pending++
			}
		}
		if pending == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return timeoutError(axes, timedOut+" while waiting for motion to complete", nil)
		}
		time.Sleep(c.poll)
	}
}

func (c *Controller) awaitSettle(runID string, traj Trajectory, axes []axis.Axis, deadline time.Time) error {
	for {
		var unsettled []axis.Axis
		for _, a := range axes {
			if err := c.checkFaults(runID, a, axes); err != nil {
				return err
			}
			pos, err := a.Positions()
			if err != nil {
				return commError(a, "reading positions", err)
			}
			allowed := a.Settings().ToCounts(traj.Tolerance(a.Name()))
			if abs(pos.Commanded-pos.Actual) >= allowed || abs(pos.Commanded-pos.Target) >= allowed {
				unsettled = append(unsettled, a)
			}
		}
		if len(unsettled) == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return timeoutError(axes, timedOut+" while waiting for position to be reached", unsettled)
		}
		time.Sleep(c.poll)
	}
}

// ---------- FAULTS ----------

// checkFaults returns an error naming a if it reports any fault, after
// stopping every other axis.
func (c *Controller) checkFaults(runID string, a axis.Axis, axes []axis.Axis) error {
	faults, err := a.Faults(0)
	if err != nil {
		return commError(a, "reading faults", err)
	}
	if len(faults) == 0 {
		return nil
	}
	c.log.Live("run %s: fault on axis %s: %s", runID, a.Name(), strings.Join(faults, ", "))

	var stopErr error
	for _, other := range axes {
		if other.Name() == a.Name() {
			continue
		}
		if err := other.Stop(); err != nil {
			stopErr = multierr.Append(stopErr, fmt.Errorf("stopping axis %s: %w", other.Name(), err))
		}
	}
	if stopErr != nil {
		c.log.Error(stopErr)
	}
	return &axis.Error{
		Axes:   []string{a.Name()},
		Msg:    "fault while executing PVT trajectory: " + strings.Join(faults, ", "),
		Faults: faults,
	}
}

// timeoutError lists every axis and every fault currently reported. When no
// axis reports a fault, each axis in unsettled gets a synthesized entry.
func timeoutError(axes []axis.Axis, msg string, unsettled []axis.Axis) *axis.Error {
	var faults []string
	for _, a := range axes {
		f, err := a.Faults(0)
		if err != nil {
			faults = append(faults, fmt.Sprintf("Axis %s faults unreadable (%v).", a.Name(), err))
			continue
		}
		faults = append(faults, f...)
	}
	if len(faults) == 0 {
		for _, a := range unsettled {
			faults = append(faults, fmt.Sprintf("Axis %s did not complete its move.", a.Name()))
		}
	}
	if len(faults) > 0 {
		msg += ": " + strings.Join(faults, ", ")
	}
	return &axis.Error{Axes: axis.Names(axes), Msg: msg, Faults: faults}
}

func commError(a axis.Axis, what string, err error) *axis.Error {
	return &axis.Error{Axes: []string{a.Name()}, Msg: what, Err: err}
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
