package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cjeanneret/pvtgo/internal/hw/axis"
	"github.com/cjeanneret/pvtgo/internal/hw/stepper"
	"github.com/cjeanneret/pvtgo/internal/hw/transport"
)

// MaxConfigFileBytes caps the size of a config file.
const MaxConfigFileBytes = 1 << 20

// Controller kinds.
const (
	KindSim     = "sim"     // in-process simulated axes
	KindStepper = "stepper" // GPIO step/dir drivers
	KindSerial  = "serial"  // motion controller on a serial line
)

// ControllerConfig selects the axis variant and, for serial controllers,
// the line to it.
type ControllerConfig struct {
	Kind           string                `yaml:"kind"`             // sim, stepper or serial
	Port           string                `yaml:"port"`             // e.g., "/dev/ttyUSB0" (serial only)
	Serial         transport.PortOptions `yaml:"serial"`           // line settings (serial only)
	Group          int                   `yaml:"group"`            // group id used for coordinated runs (1-255)
	ReplyTimeoutMs int                   `yaml:"reply_timeout_ms"` // controller reply timeout (ms)
}

// TrajectoryConfig holds the timing of trajectory generation and execution.
type TrajectoryConfig struct {
	TimeQuantumMs      float64            `yaml:"time_quantum_ms"`      // controller sample tick (ms)
	PollIntervalMs     int                `yaml:"poll_interval_ms"`     // status polling period (ms)
	StartTimeoutMs     int                `yaml:"start_timeout_ms"`     // max wait for motion to start (ms)
	CompletionMarginMs int                `yaml:"completion_margin_ms"` // added to the trajectory duration (ms)
	LoadAttempts       int                `yaml:"load_attempts"`        // group loads before giving up
	Tolerances         map[string]float64 `yaml:"tolerances,omitempty"` // settle tolerance per axis (units)
}

// AxisConfig describes one axis.
type AxisConfig struct {
	Name            string  `yaml:"name"`
	ID              int     `yaml:"id"` // controller axis id (serial only)
	Velocity        float64 `yaml:"velocity"`
	Acceleration    float64 `yaml:"acceleration"`
	Jerk            float64 `yaml:"jerk"`
	SpeedFactor     float64 `yaml:"speed_factor"`     // 1 = nominal
	CountsPerUnit   float64 `yaml:"counts_per_unit"`  // encoder counts or microsteps per unit
	MoveDoneWindow  float64 `yaml:"move_done_window"` // units
	InitialPosition float64 `yaml:"initial_position"` // sim and stepper only
	StepPin         int     `yaml:"step_pin"`
	DirPin          int     `yaml:"dir_pin"`
	EnablePin       int     `yaml:"enable_pin"`    // A4988 ENABLE pin (BCM). 0 = not used. Active LOW.
	StepDelayUs     int     `yaml:"step_delay_us"` // STEP pulse half-width (µs)
}

// DefaultsConfig contains generic parameters.
type DefaultsConfig struct {
	DebugLevel int  `yaml:"debug_level"` // debug level 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)
	MockGPIO   bool `yaml:"mock_gpio"`   // use mock GPIO (true=dev/test, false=real Raspberry Pi)
}

// Config aggregates all application configuration.
type Config struct {
	Controller ControllerConfig `yaml:"controller"`
	Trajectory TrajectoryConfig `yaml:"trajectory"`
	Axes       []AxisConfig     `yaml:"axes"`
	Defaults   DefaultsConfig   `yaml:"defaults"`
}

// ValidateConfigPath checks that path names a .yaml file directly inside a
// configs/ directory.
func ValidateConfigPath(path string) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if len(path) > 4096 {
		return errors.New("config path is too long")
	}
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return fmt.Errorf("config path %q must not contain ..", path)
		}
	}
	clean := filepath.Clean(path)
	if filepath.Ext(clean) != ".yaml" {
		return fmt.Errorf("config path %q must have a .yaml extension", path)
	}
	if filepath.Base(filepath.Dir(clean)) != "configs" {
		return fmt.Errorf("config path %q must be inside a configs/ directory", path)
	}
	return nil
}

// Load reads a YAML file and returns the configuration.
func Load(path string) (*Config, error) {
	if err := ValidateConfigPath(path); err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, MaxConfigFileBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if len(data) > MaxConfigFileBytes {
		return nil, fmt.Errorf("config file exceeds %d bytes", MaxConfigFileBytes)
	}
	return Parse(data)
}

// Parse decodes, validates and completes a configuration. Unknown keys are
// an error.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() error {
	if c.Controller.Kind == "" {
		c.Controller.Kind = KindSim
	}
	if c.Controller.Group == 0 {
		c.Controller.Group = 1
	}
	if c.Controller.ReplyTimeoutMs <= 0 {
		c.Controller.ReplyTimeoutMs = int(transport.DefaultTimeout / time.Millisecond)
	}
	if c.Controller.Kind == KindSerial {
		opts, err := c.Controller.Serial.Normalize()
		if err != nil {
			return fmt.Errorf("controller.serial: %w", err)
		}
		c.Controller.Serial = opts
	}

	t := &c.Trajectory
	if t.TimeQuantumMs <= 0 {
		t.TimeQuantumMs = 1 // 1 kHz controller clock
	}
	if t.PollIntervalMs <= 0 {
		t.PollIntervalMs = 10
	}
	if t.StartTimeoutMs <= 0 {
		t.StartTimeoutMs = 5000
	}
	if t.CompletionMarginMs <= 0 {
		t.CompletionMarginMs = 5000
	}
	if t.LoadAttempts <= 0 {
		t.LoadAttempts = 3
	}

	for i := range c.Axes {
		a := &c.Axes[i]
		if a.SpeedFactor == 0 {
			a.SpeedFactor = 1
		}
		if a.StepDelayUs <= 0 {
			a.StepDelayUs = 2
		}
	}
	return nil
}

func (c *Config) validate() error {
	switch c.Controller.Kind {
	case KindSim, KindStepper:
	case KindSerial:
		if c.Controller.Port == "" {
			return errors.New("controller.port is required for a serial controller")
		}
	default:
		return fmt.Errorf("controller.kind must be sim, stepper or serial, got %q", c.Controller.Kind)
	}
	if c.Controller.Group < 1 || c.Controller.Group > 255 {
		return fmt.Errorf("controller.group must be between 1 and 255, got %d", c.Controller.Group)
	}
	if c.Defaults.DebugLevel < 0 || c.Defaults.DebugLevel > 4 {
		return fmt.Errorf("defaults.debug_level must be between 0 and 4, got %d", c.Defaults.DebugLevel)
	}

	if len(c.Axes) == 0 {
		return errors.New("at least one axis is required")
	}
	names := make(map[string]bool, len(c.Axes))
	ids := make(map[int]bool, len(c.Axes))
	for i, a := range c.Axes {
		if a.Name == "" {
			return fmt.Errorf("axes[%d].name is required", i)
		}
		if names[a.Name] {
			return fmt.Errorf("axis %s is defined twice", a.Name)
		}
		names[a.Name] = true
		if err := a.Settings().Validate(); err != nil {
			return fmt.Errorf("axis %s: %w", a.Name, err)
		}
		switch c.Controller.Kind {
		case KindSerial:
			if a.ID <= 0 {
				return fmt.Errorf("axis %s: id must be > 0 for a serial controller", a.Name)
			}
			if ids[a.ID] {
				return fmt.Errorf("axis %s: id %d is already used", a.Name, a.ID)
			}
			ids[a.ID] = true
		case KindStepper:
			if a.StepPin <= 0 || a.DirPin <= 0 {
				return fmt.Errorf("axis %s: step_pin and dir_pin are required for a stepper controller", a.Name)
			}
		}
	}
	for name, tol := range c.Trajectory.Tolerances {
		if !names[name] {
			return fmt.Errorf("trajectory.tolerances names unknown axis %s", name)
		}
		if tol < 0 {
			return fmt.Errorf("trajectory.tolerances.%s must be >= 0, got %v", name, tol)
		}
	}
	return nil
}

// Settings returns the motion settings of the axis.
func (a AxisConfig) Settings() axis.Settings {
	return axis.Settings{
		Velocity:       a.Velocity,
		Acceleration:   a.Acceleration,
		Jerk:           a.Jerk,
		SpeedFactor:    a.SpeedFactor,
		CountsPerUnit:  a.CountsPerUnit,
		MoveDoneWindow: a.MoveDoneWindow,
	}
}

// Stepper returns the GPIO wiring of the axis.
func (a AxisConfig) Stepper() stepper.Config {
	return stepper.Config{
		StepPin:   a.StepPin,
		DirPin:    a.DirPin,
		EnablePin: a.EnablePin,
		StepDelay: time.Duration(a.StepDelayUs) * time.Microsecond,
	}
}

// Axis returns the axis named name.
func (c *Config) Axis(name string) (AxisConfig, bool) {
	for _, a := range c.Axes {
		if a.Name == name {
			return a, true
		}
	}
	return AxisConfig{}, false
}

// TimeQuantum returns the controller tick in seconds.
func (c *Config) TimeQuantum() float64 {
	return c.Trajectory.TimeQuantumMs / 1000
}

// PollInterval returns the status polling period.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Trajectory.PollIntervalMs) * time.Millisecond
}

// StartTimeout returns the maximum wait for the motion to start.
func (c *Config) StartTimeout() time.Duration {
	return time.Duration(c.Trajectory.StartTimeoutMs) * time.Millisecond
}

// CompletionMargin returns the time allowed beyond the trajectory duration.
func (c *Config) CompletionMargin() time.Duration {
	return time.Duration(c.Trajectory.CompletionMarginMs) * time.Millisecond
}

// ReplyTimeout returns the controller reply timeout.
func (c *Config) ReplyTimeout() time.Duration {
	return time.Duration(c.Controller.ReplyTimeoutMs) * time.Millisecond
}

// Group returns the coordinated group id.
func (c *Config) Group() byte {
	return byte(c.Controller.Group)
}
