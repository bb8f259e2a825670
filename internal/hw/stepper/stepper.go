// Package stepper is an axis driven by a STEP/DIR stepper driver (A4988 and
// friends) on GPIO lines. Loaded samples are played back open loop: each
// sample's step count is spread evenly over the sample duration.
package stepper

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cjeanneret/pvtgo/internal/debug"
	"github.com/cjeanneret/pvtgo/internal/hw/axis"
	"github.com/cjeanneret/pvtgo/internal/hw/gpio"
	"github.com/cjeanneret/pvtgo/internal/logic/pvt"
)

var errNotArmed = errors.New("group setup not requested")

// Config holds the GPIO wiring of a stepper driver.
type Config struct {
	StepPin   int
	DirPin    int
	EnablePin int           // A4988 ENABLE pin (BCM). 0 = not used. Active LOW (LOW=enabled).
	StepDelay time.Duration // STEP pulse half-width. Defaults to 2µs.
}

// slot is one sample converted to an absolute step target.
type slot struct {
	target   int64
	duration time.Duration
}

// Axis is a stepper motor taking part in a coordinated group. Positions are
// counted in microsteps: axis.Settings.CountsPerUnit is microsteps per unit.
type Axis struct {
	name     string
	settings axis.Settings
	gpio     gpio.Driver
	cfg      Config
	delay    time.Duration
	bus      *axis.Bus
	log      *debug.Logger

	mu       sync.Mutex
	armed    bool
	slots    []slot
	position int64
	target   int64
	running  bool
	buffered int
	left     int // points not played when playback was halted
	faults   uint16
	halt     chan struct{}
	done     chan struct{}
}

// New creates a stepper axis at initial (units) and attaches it to bus. The
// driver is enabled.
func New(g gpio.Driver, bus *axis.Bus, name string, settings axis.Settings, cfg Config, initial float64, log *debug.Logger) (*Axis, error) {
	if err := g.SetupPin(cfg.StepPin, gpio.Output); err != nil {
		return nil, fmt.Errorf("stepper %s: step pin %d: %w", name, cfg.StepPin, err)
	}
	if err := g.SetupPin(cfg.DirPin, gpio.Output); err != nil {
		return nil, fmt.Errorf("stepper %s: dir pin %d: %w", name, cfg.DirPin, err)
	}

	delay := cfg.StepDelay
	if delay <= 0 {
		delay = 2 * time.Microsecond
	}

	a := &Axis{
		name:     name,
		settings: settings,
		gpio:     g,
		cfg:      cfg,
		delay:    delay,
		bus:      bus,
		log:      log,
		position: settings.ToCounts(initial),
	}
	a.target = a.position

	// A4988 ENABLE: active LOW. LOW = enabled, HIGH = disabled.
	if cfg.EnablePin > 0 {
		if err := g.SetupPin(cfg.EnablePin, gpio.Output); err != nil {
			return nil, fmt.Errorf("stepper %s: enable pin %d: %w", name, cfg.EnablePin, err)
		}
		if err := a.Enable(); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func (a *Axis) Name() string            { return a.name }
func (a *Axis) Settings() axis.Settings { return a.settings }

func (a *Axis) JoinGroup(group byte) error {
	a.bus.Join(group, a)
	return nil
}

func (a *Axis) LeaveGroup(group byte) error {
	a.bus.Leave(group, a.name)
	return nil
}

func (a *Axis) GroupSetup(group byte) error { return a.bus.Setup(group) }
func (a *Axis) GroupStart(group byte) error { return a.bus.Start(group) }

// PrepareSetup implements axis.Member.
func (a *Axis) PrepareSetup() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.armed = true
}

func (a *Axis) WaitForSetupComplete() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.armed {
		return fmt.Errorf("stepper %s: %w", a.name, errNotArmed)
	}
	return nil
}

// LoadSamples converts q to step targets. The seed sample is not played.
func (a *Axis) LoadSamples(q *pvt.Queue) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.armed {
		return fmt.Errorf("stepper %s: %w", a.name, errNotArmed)
	}
	if a.running {
		return fmt.Errorf("stepper %s: cannot load while moving", a.name)
	}

	slots := make([]slot, 0, q.Len()-1)
	for i := 1; i < q.Len(); i++ {
		s := q.At(i)
		slots = append(slots, slot{
			target:   a.settings.ToCounts(s.Position),
			duration: time.Duration(s.Duration * float64(time.Second)),
		})
	}
	if seed := a.settings.ToCounts(q.Seed().Position); seed != a.position {
		a.log.Live("stepper %s: queue starts at %d steps, axis is at %d", a.name, seed, a.position)
	}
	a.slots = slots
	a.buffered = len(slots)
	a.left = 0
	if len(slots) > 0 {
		a.target = slots[len(slots)-1].target
	}
	a.armed = false
	a.log.Verbose("stepper %s: loaded %d points", a.name, len(slots))
	return nil
}

// Begin implements axis.Member.
func (a *Axis) Begin(at time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running || len(a.slots) == 0 || a.faults != 0 {
		return
	}
	a.running = true
	a.halt = make(chan struct{})
	a.done = make(chan struct{})
	go a.play(at, a.slots, a.halt, a.done)
}

func (a *Axis) play(at time.Time, slots []slot, halt <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer func() {
		a.mu.Lock()
		a.running = false
		a.left = a.buffered
		a.mu.Unlock()
	}()

	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	from := at
	for _, sl := range slots {
		a.mu.Lock()
		steps := sl.target - a.position
		a.mu.Unlock()

		dir, inc := gpio.High, int64(1)
		if steps < 0 {
			dir, inc, steps = gpio.Low, -1, -steps
		}
		if steps > 0 {
			if err := a.gpio.WritePin(a.cfg.DirPin, dir); err != nil {
				a.fail(err)
				return
			}
		}
		for k := int64(1); k <= steps; k++ {
			due := from.Add(time.Duration(k) * sl.duration / time.Duration(steps))
			if d := time.Until(due); d > 0 {
				timer.Reset(d)
				select {
				case <-halt:
					return
				case <-timer.C:
				}
			} else {
				select {
				case <-halt:
					return
				default:
				}
			}
			if err := a.stepPulse(); err != nil {
				a.fail(err)
				return
			}
			a.mu.Lock()
			a.position += inc
			a.mu.Unlock()
		}

		from = from.Add(sl.duration)
		if d := time.Until(from); d > 0 {
			timer.Reset(d)
			select {
			case <-halt:
				return
			case <-timer.C:
			}
		}
		a.mu.Lock()
		a.buffered--
		a.mu.Unlock()
	}
}

func (a *Axis) stepPulse() error {
	if err := a.gpio.WritePin(a.cfg.StepPin, gpio.High); err != nil {
		return err
	}
	time.Sleep(a.delay)
	if err := a.gpio.WritePin(a.cfg.StepPin, gpio.Low); err != nil {
		return err
	}
	time.Sleep(a.delay)
	return nil
}

// fail latches a control fault after a GPIO error.
func (a *Axis) fail(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.faults |= axis.FaultControl
	a.target = a.position
	a.log.Error(fmt.Errorf("stepper %s: %w", a.name, err))
}

// PointsBuffered returns the samples not played yet. After a stop or a
// fault it keeps the count at the moment playback ended.
func (a *Axis) PointsBuffered() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.running {
		return a.left, nil
	}
	return a.buffered, nil
}

func (a *Axis) MotionComplete() (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return !a.running, nil
}

func (a *Axis) TargetReached() (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return !a.running && a.position == a.target, nil
}

func (a *Axis) Faults(ignoreMask uint16) ([]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return axis.DecodeFaults(a.faults, ignoreMask), nil
}

// Positions reports the step counter for both actual and commanded
// position: there is no encoder.
func (a *Axis) Positions() (axis.Positions, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return axis.Positions{Actual: a.position, Commanded: a.position, Target: a.target}, nil
}

// Stop aborts playback and holds the current position.
func (a *Axis) Stop() error {
	a.mu.Lock()
	halt, done := a.halt, a.done
	a.halt = nil
	a.mu.Unlock()

	if halt != nil {
		close(halt)
		<-done
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.target = a.position
	a.buffered = 0
	a.log.Live("stepper %s: stopped at step %d", a.name, a.position)
	return nil
}

// Position returns the current position in units.
func (a *Axis) Position() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.settings.FromCounts(a.position)
}

// Enable turns on the motor driver (A4988 ENABLE=LOW). Motors hold position.
func (a *Axis) Enable() error {
	if a.cfg.EnablePin <= 0 {
		return nil
	}
	return a.gpio.WritePin(a.cfg.EnablePin, gpio.Low)
}

// Disable turns off the motor driver (A4988 ENABLE=HIGH). Motors freewheel,
// no holding torque.
func (a *Axis) Disable() error {
	if a.cfg.EnablePin <= 0 {
		return nil
	}
	return a.gpio.WritePin(a.cfg.EnablePin, gpio.High)
}
