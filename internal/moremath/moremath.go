// Package moremath holds the floating point operations whose WebAssembly semantics differ from package math.
package moremath

import "math"

// Min is fmin as f32.min and f64.min define it: NaN when either operand is NaN, and -0 below +0.
func Min(x, y float64) float64 {
	switch {
	case x != x || y != y:
		return math.NaN()
	case x == y:
		// Equal operands differ only in the sign of a zero.
		if math.Signbit(y) {
			return y
		}
		return x
	case x < y:
		return x
	}
	return y
}

// Max is fmax as f32.max and f64.max define it: NaN when either operand is NaN, and +0 above -0.
func Max(x, y float64) float64 {
	switch {
	case x != x || y != y:
		return math.NaN()
	case x == y:
		if math.Signbit(y) {
			return x
		}
		return y
	case x > y:
		return x
	}
	return y
}

// NearestF32 is f32.nearest: round to the nearest integer with ties to even, keeping the sign of zero. math.Round
// rounds ties away from zero, so -4.5 would become -5 instead of -4.
func NearestF32(f float32) float32 {
	// Every float32 is exact as a float64, and so is the rounded result.
	return float32(math.RoundToEven(float64(f)))
}

// NearestF64 is f64.nearest.
func NearestF64(f float64) float64 {
	return math.RoundToEven(f)
}
