// Package quantum snaps continuous time values to multiples of a fixed
// quantum, the controller's execution tick.
package quantum

import "math"

// roundoff is the number of decimal places the quanta count is rounded to
// before flooring, ceiling or comparing.
const roundoff = 6

// Math performs quantized arithmetic for one quantum.
type Math struct {
	q float64
}

// New returns quantized arithmetic for quantum q (seconds). q must be > 0.
func New(q float64) Math {
	if !(q > 0) || math.IsInf(q, 0) {
		panic("quantum: quantum must be a positive finite number")
	}
	return Math{q: q}
}

// Quantum returns the configured quantum.
func (m Math) Quantum() float64 {
	return m.q
}

// Round snaps t to the nearest multiple of the quantum.
func (m Math) Round(t float64) float64 {
	return math.Round(t/m.q) * m.q
}

// Floor snaps t to the multiple of the quantum at or below it.
func (m Math) Floor(t float64) float64 {
	return math.Floor(m.quanta(t)) * m.q
}

// Ceil snaps t to the multiple of the quantum at or above it.
func (m Math) Ceil(t float64) float64 {
	return math.Ceil(m.quanta(t)) * m.q
}

// Compare returns -1, 0 or 1 comparing a and b at quantum resolution.
func (m Math) Compare(a, b float64) int {
	qa, qb := m.quanta(a), m.quanta(b)
	switch {
	case qa > qb:
		return 1
	case qa < qb:
		return -1
	}
	return 0
}

// Between reports whether lo <= t <= hi at quantum resolution.
func (m Math) Between(t, lo, hi float64) bool {
	qt := m.quanta(t)
	return qt >= m.quanta(lo) && qt <= m.quanta(hi)
}

// quanta returns t expressed in quanta, rounded to roundoff decimal places so
// that values such as 0.3/0.1 = 2.9999999999999996 count as 3.
func (m Math) quanta(t float64) float64 {
	scale := math.Pow(10, roundoff)
	return math.Round(t/m.q*scale) / scale
}
