// Package pvt holds position-velocity-time samples, the unit a motion
// controller interpolates between.
package pvt

import "fmt"

// Sample is one point of an axis trajectory. Duration is the time since the
// previous sample. Marker identifies the waypoint the sample belongs to.
type Sample struct {
	Position float64
	Velocity float64
	Duration float64
	Marker   int
}

func (s Sample) String() string {
	return fmt.Sprintf("{pos=%.4f vel=%.4f dt=%.3f m=%d}", s.Position, s.Velocity, s.Duration, s.Marker)
}

// Queue is the ordered sample list of one axis. The first sample is the seed:
// the starting position with zero duration.
type Queue struct {
	samples []Sample
}

// NewQueue returns a queue seeded at position.
func NewQueue(position float64) *Queue {
	return &Queue{samples: []Sample{{Position: position}}}
}

// Add appends a sample.
func (q *Queue) Add(s Sample) {
	q.samples = append(q.samples, s)
}

// Len returns the number of samples, seed included.
func (q *Queue) Len() int {
	return len(q.samples)
}

// At returns sample i.
func (q *Queue) At(i int) Sample {
	return q.samples[i]
}

// Seed returns the first sample.
func (q *Queue) Seed() Sample {
	return q.samples[0]
}

// Last returns the final sample.
func (q *Queue) Last() Sample {
	return q.samples[len(q.samples)-1]
}

// Samples returns a copy of all samples.
func (q *Queue) Samples() []Sample {
	out := make([]Sample, len(q.samples))
	copy(out, q.samples)
	return out
}

// Duration is the sum of sample durations.
func (q *Queue) Duration() float64 {
	var d float64
	for _, s := range q.samples {
		d += s.Duration
	}
	return d
}

// MarkerAt maps the number of points still buffered on the controller back
// to the marker of the sample being executed. With nothing buffered it
// returns the marker of the last sample.
func (q *Queue) MarkerAt(buffered int) int {
	i := len(q.samples) - buffered
	if i < 0 {
		i = 0
	}
	if i > len(q.samples)-1 {
		i = len(q.samples) - 1
	}
	return q.samples[i].Marker
}
