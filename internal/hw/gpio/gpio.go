// Package gpio drives the step, direction and enable lines of stepper axes.
package gpio

import (
	"sync"

	"github.com/cjeanneret/pvtgo/internal/debug"
)

// Level represents the logical state of a GPIO pin.
type Level bool

const (
	Low  Level = false
	High Level = true
)

// PinMode indicates whether a GPIO is input or output.
type PinMode int

const (
	Input PinMode = iota
	Output
)

// Driver defines the abstract interface for controlling GPIOs.
// This allows plugging in a real Raspberry Pi implementation
// or a mock for development on PC.
type Driver interface {
	SetupPin(pin int, mode PinMode) error
	WritePin(pin int, level Level) error
	ReadPin(pin int) (Level, error)
	Close() error
}

// MockDriver keeps pin levels in memory and counts rising edges, so a
// stepper axis can run without hardware. Safe for concurrent use.
type MockDriver struct {
	log *debug.Logger

	mu     sync.Mutex
	levels map[int]Level
	rising map[int]int
}

// NewMockDriver creates an in-memory driver.
func NewMockDriver(log *debug.Logger) *MockDriver {
	return &MockDriver{
		log:    log,
		levels: make(map[int]Level),
		rising: make(map[int]int),
	}
}

// NewDriver creates a GPIO driver based on the chosen mode.
// If mock is true, returns a MockDriver (for dev/test).
// If mock is false, returns a real RPiDriver (for Raspberry Pi).
func NewDriver(mock bool, log *debug.Logger) (Driver, error) {
	if mock {
		log.Info("Using MOCK GPIO driver (development mode)")
		return NewMockDriver(log), nil
	}
	return NewRPiRealDriver(log)
}

func (m *MockDriver) SetupPin(pin int, mode PinMode) error {
	m.log.GPIO("SetupPin", pin, mode)
	return nil
}

func (m *MockDriver) WritePin(pin int, level Level) error {
	m.log.GPIO("WritePin", pin, level)
	m.mu.Lock()
	defer m.mu.Unlock()
	if level == High && m.levels[pin] == Low {
		m.rising[pin]++
	}
	m.levels[pin] = level
	return nil
}

func (m *MockDriver) ReadPin(pin int) (Level, error) {
	m.log.GPIO("ReadPin", pin, nil)
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.levels[pin], nil
}

func (m *MockDriver) Close() error {
	m.log.Trace("GPIO Close (mock)")
	return nil
}

// Pulses returns the number of rising edges written to pin.
func (m *MockDriver) Pulses(pin int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rising[pin]
}
