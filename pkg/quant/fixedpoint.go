package quant

import "math"

// QuantizeMultiplier splits a real multiplier into a Q31 mantissa and a
// power-of-two exponent so that multiplier ≈ mantissa * 2^(shift-31). The mantissa
// is rounded half away from zero; multipliers too small to represent collapse
// to (0, 0).
func QuantizeMultiplier(multiplier float64) (int32, int) {
	if multiplier == 0 {
		return 0, 0
	}
	q, shift := math.Frexp(multiplier)
	qFixed := int64(math.Round(q * (1 << 31)))
	if qFixed == 1<<31 {
		qFixed /= 2
		shift++
	}
	if shift < -31 {
		return 0, 0
	}
	return int32(qFixed), shift
}

// SaturatingRoundingDoublingHighMul returns the high 32 bits of 2*a*b with
// rounding. The single overflow case (MinInt32 * MinInt32) saturates.
func SaturatingRoundingDoublingHighMul(a, b int32) int32 {
	if a == b && a == math.MinInt32 {
		return math.MaxInt32
	}
	ab := int64(a) * int64(b)
	nudge := int64(1 << 30)
	if ab < 0 {
		nudge = 1 - (1 << 30)
	}
	// Go integer division truncates toward zero, which the nudge relies on.
	return int32((ab + nudge) / (1 << 31))
}

// RoundingDivideByPOT divides x by 2^exponent, rounding half away from zero.
func RoundingDivideByPOT(x int32, exponent int) int32 {
	if exponent <= 0 {
		return x
	}
	mask := int32(1)<<exponent - 1
	remainder := x & mask
	threshold := mask >> 1
	if x < 0 {
		threshold++
	}
	out := x >> exponent
	if remainder > threshold {
		out++
	}
	return out
}

// MultiplyByQuantizedMultiplier rescales an accumulator by mantissa*2^shift.
// A positive shift is a left shift applied before the high multiply; a
// negative shift is a rounding right shift applied after it. This is the
// away-from-zero rounding rule every integer kernel in this module uses.
func MultiplyByQuantizedMultiplier(x, multiplier int32, shift int) int32 {
	leftShift, rightShift := 0, 0
	if shift > 0 {
		leftShift = shift
	} else {
		rightShift = -shift
	}
	return RoundingDivideByPOT(SaturatingRoundingDoublingHighMul(x*(int32(1)<<leftShift), multiplier), rightShift)
}
