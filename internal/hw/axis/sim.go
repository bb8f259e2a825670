package axis

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/cjeanneret/pvtgo/internal/debug"
	"github.com/cjeanneret/pvtgo/internal/logic/pvt"
)

var errSetupNotRequested = errors.New("group setup not requested")

// Sim is an in-process axis that replays its loaded samples against the wall
// clock, interpolating between samples the way a PVT controller does (cubic
// Hermite on position and velocity).
type Sim struct {
	name     string
	settings Settings
	bus      *Bus
	log      *debug.Logger

	mu          sync.Mutex
	samples     []pvt.Sample
	ends        []float64 // absolute end time of each sample, seconds
	armed       bool
	running     bool
	start       time.Time
	pos         float64 // rest position when not running, units
	target      float64
	faults      uint16
	rejectLoads int
	followErr   int64
	stops       int
	left        int // points still buffered when the axis was halted
}

// SimOption configures a Sim.
type SimOption func(*Sim)

// WithSimLogger sets the logger.
func WithSimLogger(l *debug.Logger) SimOption {
	return func(s *Sim) { s.log = l }
}

// WithFollowingError offsets the measured position from the commanded one by
// counts, e.g. to model an axis that never settles.
func WithFollowingError(counts int64) SimOption {
	return func(s *Sim) { s.followErr = counts }
}

// NewSim creates a simulated axis resting at initial and attached to bus.
func NewSim(bus *Bus, name string, settings Settings, initial float64, opts ...SimOption) *Sim {
	s := &Sim{
		name:     name,
		settings: settings,
		bus:      bus,
		pos:      initial,
		target:   initial,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Sim) Name() string       { return s.name }
func (s *Sim) Settings() Settings { return s.settings }

func (s *Sim) JoinGroup(group byte) error {
	s.bus.Join(group, s)
	return nil
}

func (s *Sim) LeaveGroup(group byte) error {
	s.bus.Leave(group, s.name)
	return nil
}

func (s *Sim) GroupSetup(group byte) error {
	return s.bus.Setup(group)
}

// PrepareSetup implements Member.
func (s *Sim) PrepareSetup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.armed = true
}

func (s *Sim) WaitForSetupComplete() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.armed {
		return fmt.Errorf("sim %s: %w", s.name, errSetupNotRequested)
	}
	return nil
}

func (s *Sim) LoadSamples(q *pvt.Queue) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.armed {
		return fmt.Errorf("sim %s: %w", s.name, errSetupNotRequested)
	}
	n := q.Len()
	if s.rejectLoads > 0 {
		s.rejectLoads--
		s.log.Live("sim %s: rejecting load of %d points", s.name, n)
		return fmt.Errorf("tried to send %d but received %d PVT points on axis %s: %w", n, n-1, s.name, ErrPointsRejected)
	}

	s.samples = q.Samples()
	s.ends = make([]float64, n)
	for i := 1; i < n; i++ {
		s.ends[i] = s.ends[i-1] + s.samples[i].Duration
	}
	s.pos = s.samples[0].Position
	s.target = q.Last().Position
	s.left = 0
	s.armed = false
	s.log.Verbose("sim %s: loaded %d points (%.3fs)", s.name, n, s.ends[n-1])
	return nil
}

func (s *Sim) GroupStart(group byte) error {
	return s.bus.Start(group)
}

// Begin implements Member.
func (s *Sim) Begin(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.samples) < 2 || s.faults != 0 {
		return
	}
	s.start = at
	s.running = true
}

func (s *Sim) PointsBuffered() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advance()
	if !s.running {
		return s.left, nil
	}
	return s.buffered(), nil
}

func (s *Sim) buffered() int {
	elapsed := time.Since(s.start).Seconds()
	n := 0
	for i := 1; i < len(s.ends); i++ {
		if s.ends[i] > elapsed {
			n++
		}
	}
	return n
}

func (s *Sim) MotionComplete() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advance()
	return !s.running, nil
}

func (s *Sim) TargetReached() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advance()
	return !s.running && s.settings.ToCounts(s.pos) == s.settings.ToCounts(s.target), nil
}

func (s *Sim) Faults(ignoreMask uint16) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return DecodeFaults(s.faults, ignoreMask), nil
}

func (s *Sim) Positions() (Positions, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advance()
	cmd := s.settings.ToCounts(s.current())
	return Positions{
		Actual:    cmd + s.followErr,
		Commanded: cmd,
		Target:    s.settings.ToCounts(s.target),
	}, nil
}

func (s *Sim) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.halt()
	s.stops++
	s.log.Live("sim %s: stopped at %.4f", s.name, s.pos)
	return nil
}

// InjectFault raises fault register bits and halts the axis.
func (s *Sim) InjectFault(bits uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.halt()
	s.faults |= bits
	s.log.Live("sim %s: fault %v", s.name, DecodeFaults(bits, 0))
}

// ClearFaults resets the fault register.
func (s *Sim) ClearFaults() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = 0
}

// RejectLoads makes the next n loads fail with ErrPointsRejected.
func (s *Sim) RejectLoads(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectLoads = n
}

// Stops returns how many times Stop was called.
func (s *Sim) Stops() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stops
}

// Position returns the current commanded position in units.
func (s *Sim) Position() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advance()
	return s.current()
}

func (s *Sim) halt() {
	s.advance()
	if s.running {
		s.left = s.buffered()
	}
	s.pos = s.current()
	s.target = s.pos
	s.running = false
}

// advance ends playback once the last sample has elapsed.
func (s *Sim) advance() {
	if !s.running {
		return
	}
	if time.Since(s.start).Seconds() >= s.ends[len(s.ends)-1] {
		s.running = false
		s.pos = s.samples[len(s.samples)-1].Position
	}
}

func (s *Sim) current() float64 {
	if !s.running {
		return s.pos
	}
	t := time.Since(s.start).Seconds()
	for i := 1; i < len(s.ends); i++ {
		if t > s.ends[i] {
			continue
		}
		return hermite(s.samples[i-1], s.samples[i], t-s.ends[i-1])
	}
	return s.samples[len(s.samples)-1].Position
}

// hermite interpolates position between two samples dt into the second.
func hermite(a, b pvt.Sample, dt float64) float64 {
	h := b.Duration
	if h <= 0 {
		return b.Position
	}
	u := math.Max(0, math.Min(1, dt/h))
	u2, u3 := u*u, u*u*u
	return (2*u3-3*u2+1)*a.Position +
		(u3-2*u2+u)*h*a.Velocity +
		(-2*u3+3*u2)*b.Position +
		(u3-u2)*h*b.Velocity
}
