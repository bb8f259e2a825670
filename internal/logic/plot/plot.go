// Package plot renders generated trajectory samples to PNG files, one
// position and one velocity chart per axis.
package plot

import (
	"errors"
	"fmt"
	"image/color"
	"os"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/cjeanneret/pvtgo/internal/hw/axis"
	"github.com/cjeanneret/pvtgo/internal/logic/pvt"
)

const (
	width  = 10 * vg.Inch
	height = 4 * vg.Inch
)

var (
	lineColor  = color.RGBA{R: 31, G: 119, B: 180, A: 255}
	pointColor = color.RGBA{R: 214, G: 39, B: 40, A: 255}
)

// Source is a trajectory with generated samples.
type Source interface {
	Axes() []axis.Axis
	Queue(name string) *pvt.Queue
}

// Samples writes <axis>_position.png and <axis>_velocity.png into dir for
// every axis of src and returns the written paths.
func Samples(src Source, dir string) ([]string, error) {
	if dir == "" {
		return nil, errors.New("no output directory configured")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating plot directory: %w", err)
	}

	var files []string
	for _, a := range src.Axes() {
		q := src.Queue(a.Name())
		if q == nil {
			continue
		}
		pos, vel := series(q)

		path := filepath.Join(dir, a.Name()+"_position.png")
		if err := save(path, fmt.Sprintf("Axis %s - Position", a.Name()), "Position", pos); err != nil {
			return files, fmt.Errorf("axis %s: %w", a.Name(), err)
		}
		files = append(files, path)

		path = filepath.Join(dir, a.Name()+"_velocity.png")
		if err := save(path, fmt.Sprintf("Axis %s - Velocity", a.Name()), "Velocity (/s)", vel); err != nil {
			return files, fmt.Errorf("axis %s: %w", a.Name(), err)
		}
		files = append(files, path)
	}
	return files, nil
}

// series places every sample at its absolute time.
func series(q *pvt.Queue) (pos, vel plotter.XYs) {
	pos = make(plotter.XYs, 0, q.Len())
	vel = make(plotter.XYs, 0, q.Len())
	var t float64
	for _, s := range q.Samples() {
		t += s.Duration
		pos = append(pos, plotter.XY{X: t, Y: s.Position})
		vel = append(vel, plotter.XY{X: t, Y: s.Velocity})
	}
	return pos, vel
}

func save(path, title, ylabel string, pts plotter.XYs) error {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "Time (s)"
	p.Y.Label.Text = ylabel
	p.Add(plotter.NewGrid())

	line, err := plotter.NewLine(pts)
	if err != nil {
		return err
	}
	line.Color = lineColor
	line.Width = vg.Points(1)
	p.Add(line)

	dots, err := plotter.NewScatter(pts)
	if err != nil {
		return err
	}
	dots.Color = pointColor
	dots.Radius = vg.Points(1.5)
	p.Add(dots)

	p.Legend.Add("trajectory", line)
	p.Legend.Add("samples", dots)
	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10

	if err := p.Save(width, height, path); err != nil {
		return fmt.Errorf("saving %s: %w", path, err)
	}
	return nil
}
