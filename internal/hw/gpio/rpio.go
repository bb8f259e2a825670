package gpio

import (
	"fmt"
	"sync"

	"github.com/stianeikeland/go-rpio/v4"

	"github.com/cjeanneret/pvtgo/internal/debug"
)

// RPiDriver is the real implementation for Raspberry Pi using go-rpio.
// Stepper playback goroutines share one driver, so pin setup is locked.
type RPiDriver struct {
	log *debug.Logger

	mu   sync.Mutex
	pins map[int]rpio.Pin
}

// NewRPiRealDriver creates a real GPIO driver for Raspberry Pi.
// Requires running on a Raspberry Pi with access to /dev/gpiomem or as root.
func NewRPiRealDriver(log *debug.Logger) (*RPiDriver, error) {
	log.Info("Initializing real GPIO driver (go-rpio)")

	if err := rpio.Open(); err != nil {
		return nil, fmt.Errorf("failed to open GPIO: %w (are you running on a Raspberry Pi?)", err)
	}

	log.Verbose("GPIO memory mapped successfully")

	return &RPiDriver{
		log:  log,
		pins: make(map[int]rpio.Pin),
	}, nil
}

// pin returns the configured pin, setting it up with mode on first use.
func (r *RPiDriver) pin(pin int, mode PinMode) (rpio.Pin, error) {
	r.mu.Lock()
	p, ok := r.pins[pin]
	r.mu.Unlock()
	if ok {
		return p, nil
	}
	if err := r.SetupPin(pin, mode); err != nil {
		return 0, err
	}
	return rpio.Pin(pin), nil
}

func (r *RPiDriver) SetupPin(pin int, mode PinMode) error {
	r.log.GPIO("SetupPin", pin, mode)

	p := rpio.Pin(pin)
	r.mu.Lock()
	r.pins[pin] = p
	r.mu.Unlock()

	switch mode {
	case Input:
		p.Input()
	case Output:
		p.Output()
	default:
		return fmt.Errorf("unknown pin mode: %d", mode)
	}

	return nil
}

func (r *RPiDriver) WritePin(pin int, level Level) error {
	r.log.GPIO("WritePin", pin, level)

	p, err := r.pin(pin, Output)
	if err != nil {
		return err
	}

	if level == High {
		p.High()
	} else {
		p.Low()
	}

	return nil
}

func (r *RPiDriver) ReadPin(pin int) (Level, error) {
	r.log.GPIO("ReadPin", pin, nil)

	p, err := r.pin(pin, Input)
	if err != nil {
		return Low, err
	}

	state := p.Read()
	if state == rpio.High {
		return High, nil
	}
	return Low, nil
}

func (r *RPiDriver) Close() error {
	r.log.Trace("GPIO Close (real driver)")

	// Reset all pins to input (safe state)
	r.mu.Lock()
	for pin, p := range r.pins {
		r.log.Verbose("Resetting pin %d to input", pin)
		p.Input()
	}
	r.mu.Unlock()

	return rpio.Close()
}
