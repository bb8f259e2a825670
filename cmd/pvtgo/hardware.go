package main

import (
	"fmt"

	"go.uber.org/multierr"

	"github.com/cjeanneret/pvtgo/internal/config"
	"github.com/cjeanneret/pvtgo/internal/debug"
	"github.com/cjeanneret/pvtgo/internal/hw/axis"
	"github.com/cjeanneret/pvtgo/internal/hw/controller"
	"github.com/cjeanneret/pvtgo/internal/hw/gpio"
	"github.com/cjeanneret/pvtgo/internal/hw/stepper"
	"github.com/cjeanneret/pvtgo/internal/hw/transport"
)

// hardware is the set of axes built from the config and what must be
// released on exit.
type hardware struct {
	axes    []axis.Axis
	closers []func() error
}

// Close releases everything in reverse order of creation.
func (h *hardware) Close() error {
	var err error
	for i := len(h.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, h.closers[i]())
	}
	return err
}

// openHardware builds one axis per config entry for the configured
// controller kind.
func openHardware(cfg *config.Config, log *debug.Logger) (*hardware, error) {
	hw := &hardware{}
	var err error
	switch cfg.Controller.Kind {
	case config.KindSim:
		err = hw.openSim(cfg, log)
	case config.KindStepper:
		err = hw.openSteppers(cfg, log)
	case config.KindSerial:
		err = hw.openSerial(cfg, log)
	default:
		err = fmt.Errorf("unsupported controller kind: %s", cfg.Controller.Kind)
	}
	if err != nil {
		return nil, multierr.Append(err, hw.Close())
	}
	for _, a := range cfg.Axes {
		log.PrintStruct("Axis "+a.Name, a)
	}
	return hw, nil
}

func (h *hardware) openSim(cfg *config.Config, log *debug.Logger) error {
	bus := axis.NewBus()
	for _, a := range cfg.Axes {
		h.axes = append(h.axes, axis.NewSim(bus, a.Name, a.Settings(), a.InitialPosition, axis.WithSimLogger(log)))
	}
	return nil
}

func (h *hardware) openSteppers(cfg *config.Config, log *debug.Logger) error {
	log.Value("Mock GPIO", cfg.Defaults.MockGPIO)
	drv, err := gpio.NewDriver(cfg.Defaults.MockGPIO, log)
	if err != nil {
		return fmt.Errorf("init GPIO: %w", err)
	}
	h.closers = append(h.closers, drv.Close)

	bus := axis.NewBus()
	for _, a := range cfg.Axes {
		s, err := stepper.New(drv, bus, a.Name, a.Settings(), a.Stepper(), a.InitialPosition, log)
		if err != nil {
			return fmt.Errorf("stepper %s: %w", a.Name, err)
		}
		h.axes = append(h.axes, s)
		h.closers = append(h.closers, func() error {
			return multierr.Append(s.Stop(), s.Disable())
		})
	}
	return nil
}

func (h *hardware) openSerial(cfg *config.Config, log *debug.Logger) error {
	log.Value("Serial port", cfg.Controller.Port)
	ch, err := transport.Open(cfg.Controller.Port, cfg.Controller.Serial,
		transport.WithTimeout(cfg.ReplyTimeout()),
		transport.WithLogger(log),
	)
	if err != nil {
		return err
	}
	h.closers = append(h.closers, ch.Close)

	for _, a := range cfg.Axes {
		h.axes = append(h.axes, controller.New(ch, a.ID, a.Name, a.Settings(), controller.WithLogger(log)))
	}
	return nil
}
