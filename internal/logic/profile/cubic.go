package profile

import "math"

// solveQuadratic returns the real roots of ax^2 + bx + c = 0. Missing roots
// are NaN.
func solveQuadratic(a, b, c float64) [2]float64 {
	if a == 0 {
		return [2]float64{-c / b, math.NaN()}
	}
	root := math.Sqrt(b*b - 4*a*c)
	return [2]float64{(-b + root) / (2 * a), (-b - root) / (2 * a)}
}

// solveCubic returns the real roots of ax^3 + bx^2 + cx + d = 0 (Cardano).
// Missing roots (complex or absent) are NaN.
func solveCubic(a, b, c, d float64) [3]float64 {
	if a == 0 {
		r := solveQuadratic(b, c, d)
		return [3]float64{r[0], r[1], math.NaN()}
	}
	b, c, d = b/a, c/a, d/a

	// Depressed form y^3 + Ay = B with x = y - b/3.
	A := c - b*b/3
	B := (b*c/3 - b*b*b/13.5) - d
	R := B / 2
	Q := A / 3
	disc := R*R + Q*Q*Q
	shift := -b / 3

	if disc < 0 {
		cos := R / math.Sqrt(-Q*Q*Q)
		theta := math.Acos(math.Max(-1, math.Min(1, cos)))
		k := 2 * math.Sqrt(-Q)
		return [3]float64{
			shift + k*math.Cos(theta/3),
			shift + k*math.Cos((theta+2*math.Pi)/3),
			shift + k*math.Cos((theta+4*math.Pi)/3),
		}
	}
	root := math.Sqrt(disc)
	s := math.Cbrt(R + root)
	t := -math.Cbrt(root - R)
	return [3]float64{shift + s + t, math.NaN(), math.NaN()}
}
