// Package plan reads waypoint plans and runs them as coordinated
// trajectories.
package plan

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"gopkg.in/yaml.v3"
)

// MaxPlanFileBytes caps the size of a plan.
const MaxPlanFileBytes = 4 << 20

// TargetSpec is one axis destination. Nil limits mean the axis settings.
type TargetSpec struct {
	Axis         string   `yaml:"axis" json:"axis"`
	Position     float64  `yaml:"position" json:"position"`
	Velocity     *float64 `yaml:"velocity,omitempty" json:"velocity,omitempty"`
	Acceleration *float64 `yaml:"acceleration,omitempty" json:"acceleration,omitempty"`
}

// Step is either a waypoint or, with Separator set, a barrier that the
// next waypoint may not blend across.
type Step struct {
	Marker    int          `yaml:"marker" json:"marker"`
	Targets   []TargetSpec `yaml:"targets,omitempty" json:"targets,omitempty"`
	PreBlend  float64      `yaml:"pre_blend" json:"pre_blend"`   // distance before the move start it may overlap the previous one
	PostBlend float64      `yaml:"post_blend" json:"post_blend"` // distance before the move end the next one may start
	Separator bool         `yaml:"separator,omitempty" json:"separator,omitempty"`
}

// Plan is an ordered list of steps.
type Plan struct {
	Name  string `yaml:"name" json:"name"`
	Steps []Step `yaml:"steps" json:"steps"`
}

// Load reads a plan file (YAML or JSON).
func Load(path string) (*Plan, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read plan file: %w", err)
	}
	defer f.Close()
	return Read(f)
}

// Read decodes a plan from r, refusing more than MaxPlanFileBytes.
func Read(r io.Reader) (*Plan, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxPlanFileBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}
	if len(data) > MaxPlanFileBytes {
		return nil, fmt.Errorf("plan exceeds %d bytes", MaxPlanFileBytes)
	}
	return Parse(data)
}

// Parse decodes and validates a plan. JSON is accepted as YAML.
func Parse(data []byte) (*Plan, error) {
	var p Plan
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("plan is empty")
		}
		return nil, fmt.Errorf("unmarshal plan: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks the plan structure. Axis names are checked when the plan
// is built against real axes.
func (p *Plan) Validate() error {
	if len(p.Steps) == 0 {
		return errors.New("plan has no steps")
	}
	for i, s := range p.Steps {
		if s.Separator {
			if len(s.Targets) > 0 {
				return fmt.Errorf("step %d: a separator has no targets", i)
			}
			continue
		}
		if len(s.Targets) == 0 {
			return fmt.Errorf("step %d: waypoint has no targets", i)
		}
		if !finite(s.PreBlend) || s.PreBlend < 0 || !finite(s.PostBlend) || s.PostBlend < 0 {
			return fmt.Errorf("step %d: blend distances must be >= 0", i)
		}
		for _, t := range s.Targets {
			if t.Axis == "" {
				return fmt.Errorf("step %d: target without axis", i)
			}
			if !finite(t.Position) {
				return fmt.Errorf("step %d: axis %s: non-finite position", i, t.Axis)
			}
			if t.Velocity != nil && !(*t.Velocity > 0) {
				return fmt.Errorf("step %d: axis %s: velocity must be > 0", i, t.Axis)
			}
			if t.Acceleration != nil && !(*t.Acceleration > 0) {
				return fmt.Errorf("step %d: axis %s: acceleration must be > 0", i, t.Axis)
			}
		}
	}
	return nil
}

// Waypoints counts the non-separator steps.
func (p *Plan) Waypoints() int {
	n := 0
	for _, s := range p.Steps {
		if !s.Separator {
			n++
		}
	}
	return n
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func limit(v *float64) float64 {
	if v == nil {
		return math.NaN()
	}
	return *v
}
