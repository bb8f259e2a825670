package trajectory

import (
	"fmt"
	"math"
	"sort"

	"github.com/cjeanneret/pvtgo/internal/logic/pvt"
)

const (
	// maxSampleGap is the longest time between two samples, seconds.
	maxSampleGap = 0.5
)

// endLandmarks are offsets before the trajectory end that always get a
// sample, so the controller decelerates on dense points.
var endLandmarks = []float64{0, 0.010, 0.020, 0.040, 0.080, 0.160}

// GenerateSamples fills every axis queue with samples at quantized times.
// It is idempotent: calls after the first do nothing.
func (t *MultiAxisTrajectory) GenerateSamples() error {
	if t.generated {
		return nil
	}
	if len(t.segments) == 0 {
		t.generated = true
		t.log.Verbose("no moves, nothing to sample")
		return nil
	}

	var end float64
	for _, s := range t.segments {
		end = math.Max(end, s.end())
	}
	end = t.qm.Round(end)

	if t.nonBlended > 0 {
		saved := t.nonBlended - end
		t.log.Info("saved %.3fs by blending a %.3fs move (%.2f%%)", saved, t.nonBlended, 100*saved/t.nonBlended)
	}

	queues := make([]*pvt.Queue, len(t.queues))
	for i := range t.axes {
		q, err := t.sampleAxis(i, end)
		if err != nil {
			return fmt.Errorf("axis %s: %w", t.axes[i].Name(), err)
		}
		queues[i] = q
	}
	t.queues = queues
	t.generated = true
	return nil
}

// sampleAxis builds the queue of axis i for a trajectory ending at end.
func (t *MultiAxisTrajectory) sampleAxis(i int, end float64) (*pvt.Queue, error) {
	var segs []segment
	for _, s := range t.segments {
		if s.axis == i {
			segs = append(segs, s)
		}
	}
	sort.SliceStable(segs, func(a, b int) bool { return segs[a].start < segs[b].start })

	// Times are kept as quanta counts so equal instants dedupe exactly.
	q := t.qm.Quantum()
	ticks := make(map[int64]struct{})
	addTime := func(sec float64) {
		ticks[int64(math.Round(sec/q))] = struct{}{}
	}
	for _, d := range endLandmarks {
		if end > d {
			addTime(end - d)
		}
	}
	for _, s := range segs {
		for _, rt := range s.profile.RelevantTimes() {
			addTime(rt + s.start)
		}
	}

	sorted := sortedTicks(ticks)
	var prev int64
	for _, tk := range sorted {
		gap := tk - prev
		divisions := int64(math.Ceil(float64(gap) * q / maxSampleGap))
		for k := int64(1); k < divisions; k++ {
			ticks[prev+int64(math.Round(float64(k*gap)/float64(divisions)))] = struct{}{}
		}
		prev = tk
	}
	delete(ticks, 0)
	sorted = sortedTicks(ticks)

	seed := t.queues[i].Seed()
	out := pvt.NewQueue(seed.Position)
	position, marker := seed.Position, seed.Marker
	var prevTime float64
	for _, tk := range sorted {
		now := float64(tk) * q
		if now < 0 {
			continue
		}
		velocity := 0.0
		first := true
		for _, s := range segs {
			if !t.qm.Between(now, s.start, s.end()) {
				continue
			}
			local := now - s.start
			p, err := s.profile.Position(local)
			if err != nil {
				return nil, err
			}
			v, err := s.profile.Velocity(local)
			if err != nil {
				return nil, err
			}
			if first {
				position, marker = p, s.marker
				first = false
			} else {
				p0, err := s.profile.Position(0)
				if err != nil {
					return nil, err
				}
				position += p - p0
				if s.marker > marker {
					marker = s.marker
				}
			}
			velocity += v
		}
		out.Add(pvt.Sample{
			Position: position,
			Velocity: velocity,
			Duration: now - prevTime,
			Marker:   marker,
		})
		prevTime = now
	}
	return out, nil
}

func sortedTicks(set map[int64]struct{}) []int64 {
	out := make([]int64, 0, len(set))
	for tk := range set {
		out = append(out, tk)
	}
	sort.Slice(out, func(a, b int) bool { return out[a] < out[b] })
	return out
}
