// Package controller is an axis living on a motion controller reached through
// a line-oriented command link. One link usually serves every axis on a bus;
// each operation selects its axis first.
package controller

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/cjeanneret/pvtgo/internal/debug"
	"github.com/cjeanneret/pvtgo/internal/hw/axis"
	"github.com/cjeanneret/pvtgo/internal/hw/transport"
	"github.com/cjeanneret/pvtgo/internal/logic/pvt"
)

const (
	// setupTimeout bounds the wait for the controller's PVT setup routine.
	setupTimeout = 10 * time.Second
	setupPoll    = 5 * time.Millisecond

	// ticksPerSecond is the controller sample clock.
	ticksPerSecond = 1000
	integrityMod   = 128
)

// Setup states reported by SETUPDONE?.
const (
	setupPending  = "0"
	setupDone     = "1"
	setupNotHomed = "2"
)

// ErrNotHomed is returned by WaitForSetupComplete on an axis that has no
// reference position yet.
var ErrNotHomed = errors.New("axis not homed")

// Link sends command sequences to the controller.
type Link interface {
	Exchange(cmds ...string) ([]string, error)
}

// Axis is one controller axis.
type Axis struct {
	id       int
	name     string
	settings axis.Settings
	link     Link
	log      *debug.Logger

	setupTimeout time.Duration
}

// Option configures an Axis.
type Option func(*Axis)

// WithLogger sets the logger.
func WithLogger(l *debug.Logger) Option {
	return func(a *Axis) { a.log = l }
}

// WithSetupTimeout bounds WaitForSetupComplete.
func WithSetupTimeout(d time.Duration) Option {
	return func(a *Axis) { a.setupTimeout = d }
}

// New creates the axis with controller id on link.
func New(link Link, id int, name string, settings axis.Settings, opts ...Option) *Axis {
	a := &Axis{
		id:           id,
		name:         name,
		settings:     settings,
		link:         link,
		setupTimeout: setupTimeout,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *Axis) Name() string            { return a.name }
func (a *Axis) Settings() axis.Settings { return a.settings }
func (a *Axis) ID() int                 { return a.id }

// exchange runs cmds on this axis.
func (a *Axis) exchange(cmds ...string) ([]string, error) {
	seq := append([]string{fmt.Sprintf("SEL %d", a.id)}, cmds...)
	payloads, err := a.link.Exchange(seq...)
	if err != nil {
		return nil, fmt.Errorf("axis %s (id %d): %w", a.name, a.id, err)
	}
	return payloads[1:], nil
}

// query runs one query command and returns its payload.
func (a *Axis) query(cmd string) (string, error) {
	p, err := a.exchange(cmd)
	if err != nil {
		return "", err
	}
	return p[0], nil
}

func (a *Axis) JoinGroup(group byte) error {
	_, err := a.exchange(fmt.Sprintf("GRP+ %d", group))
	return err
}

func (a *Axis) LeaveGroup(group byte) error {
	_, err := a.exchange(fmt.Sprintf("GRP- %d", group))
	return err
}

// GroupSetup runs the PVT setup routine on every member of group.
func (a *Axis) GroupSetup(group byte) error {
	if _, err := a.link.Exchange(fmt.Sprintf("SETUP %d", group)); err != nil {
		return fmt.Errorf("group %d setup: %w", group, err)
	}
	return nil
}

func (a *Axis) WaitForSetupComplete() error {
	deadline := time.Now().Add(a.setupTimeout)
	for {
		state, err := a.query("SETUPDONE?")
		if err != nil {
			return err
		}
		switch state {
		case setupDone:
			return nil
		case setupNotHomed:
			return fmt.Errorf("could not set up PVT on axis %s: %w", a.name, ErrNotHomed)
		case setupPending:
		default:
			return fmt.Errorf("axis %s: unexpected setup state %q", a.name, state)
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out while waiting for PVT setup on axis %s", a.name)
		}
		time.Sleep(setupPoll)
	}
}

// LoadSamples sends the queue in one sequence: the seed as the initial
// position, then every sample. The load is checked twice: the controller
// must buffer all but the seed, and its target must become the final
// destination.
func (a *Axis) LoadSamples(q *pvt.Queue) error {
	if q.Len() < 2 {
		a.log.Verbose("axis %s: nothing to load", a.name)
		return nil
	}
	pos, err := a.Positions()
	if err != nil {
		return err
	}
	before, err := a.bufferedCount()
	if err != nil {
		return err
	}

	cmds := make([]string, 0, q.Len())
	var dest int64
	for i := 0; i < q.Len(); i++ {
		s := q.At(i)
		dest = a.settings.ToCounts(s.Position)
		if dest == pos.Target {
			dest++
		}
		if i == 0 {
			cmds = append(cmds, fmt.Sprintf("PVT0 %d", dest))
			continue
		}
		vel := float64(a.settings.ToCounts(s.Velocity)) / ticksPerSecond
		ticks := int64(math.Round(s.Duration * ticksPerSecond))
		cmds = append(cmds, fmt.Sprintf("PVT %d %.5f %d %d", dest, vel, ticks, (i-1)%integrityMod))
	}
	a.log.Trace("axis %s: loading %d points", a.name, len(cmds))

	if _, err := a.exchange(cmds...); err != nil {
		if errors.Is(err, transport.ErrRejected) {
			return fmt.Errorf("could not send PVT points to axis %s: %w: %w", a.name, err, axis.ErrPointsRejected)
		}
		return fmt.Errorf("could not send PVT points to axis %s: %w", a.name, err)
	}

	after, err := a.bufferedCount()
	if err != nil {
		return err
	}
	sent := q.Len()
	if received := after - before + 1; received != sent {
		return fmt.Errorf("tried to send %d but received %d PVT points on axis %s: %w", sent, received, a.name, axis.ErrPointsRejected)
	}

	pos, err = a.Positions()
	if err != nil {
		return err
	}
	if pos.Target != dest {
		return fmt.Errorf("controller destination %d doesn't match trajectory destination %d on axis %s", pos.Target, dest, a.name)
	}
	return nil
}

func (a *Axis) GroupStart(group byte) error {
	if _, err := a.link.Exchange(fmt.Sprintf("START %d", group)); err != nil {
		return fmt.Errorf("could not start PVT trajectory on group %d: %w", group, err)
	}
	return nil
}

func (a *Axis) PointsBuffered() (int, error) {
	return a.bufferedCount()
}

func (a *Axis) bufferedCount() (int, error) {
	p, err := a.query("BUF?")
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(p)
	if err != nil {
		return 0, fmt.Errorf("axis %s: bad buffer count %q: %w", a.name, p, err)
	}
	return n, nil
}

func (a *Axis) MotionComplete() (bool, error) {
	return a.flag("MC?")
}

func (a *Axis) TargetReached() (bool, error) {
	return a.flag("TR?")
}

func (a *Axis) flag(cmd string) (bool, error) {
	p, err := a.query(cmd)
	if err != nil {
		return false, err
	}
	switch p {
	case "0":
		return false, nil
	case "1":
		return true, nil
	}
	return false, fmt.Errorf("axis %s: bad %s reply %q", a.name, cmd, p)
}

// Faults reads the motion error register (hex) and decodes it.
func (a *Axis) Faults(ignoreMask uint16) ([]string, error) {
	p, err := a.query("FAULTS?")
	if err != nil {
		return nil, err
	}
	reg, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(p), "0x"), 16, 16)
	if err != nil {
		return nil, fmt.Errorf("axis %s: bad fault register %q: %w", a.name, p, err)
	}
	return axis.DecodeFaults(uint16(reg), ignoreMask), nil
}

// Positions reads "actual commanded target" counts.
func (a *Axis) Positions() (axis.Positions, error) {
	p, err := a.query("POS?")
	if err != nil {
		return axis.Positions{}, err
	}
	fields := strings.Fields(p)
	if len(fields) != 3 {
		return axis.Positions{}, fmt.Errorf("axis %s: bad positions %q", a.name, p)
	}
	var v [3]int64
	for i, f := range fields {
		if v[i], err = strconv.ParseInt(f, 10, 64); err != nil {
			return axis.Positions{}, fmt.Errorf("axis %s: bad positions %q: %w", a.name, p, err)
		}
	}
	return axis.Positions{Actual: v[0], Commanded: v[1], Target: v[2]}, nil
}

func (a *Axis) Stop() error {
	_, err := a.exchange("STOP")
	return err
}
