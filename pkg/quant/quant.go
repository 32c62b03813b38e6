// Package quant implements the fixed-point arithmetic shared by the integer
// kernels: multiplier quantization, away-from-zero requantization, activation
// clamp ranges and affine conversion between real and quantized values.
package quant

import "math"

// Affine is a per-tensor affine quantization pair:
// real = (q - ZeroPoint) * Scale.
type Affine struct {
	Scale     float32
	ZeroPoint int32
}

// Quantize maps v into [qmin, qmax], rounding half away from zero.
func (a Affine) Quantize(v float32, qmin, qmax int32) int32 {
	q := float64(v/a.Scale) + float64(a.ZeroPoint)
	r := math.Round(q)
	if r < float64(qmin) {
		return qmin
	}
	if r > float64(qmax) {
		return qmax
	}
	return int32(r)
}

// QuantizeUint8 quantizes into the uint8 domain.
func (a Affine) QuantizeUint8(v float32) uint8 {
	return uint8(a.Quantize(v, 0, math.MaxUint8))
}

// QuantizeInt8 quantizes into the int8 domain.
func (a Affine) QuantizeInt8(v float32) int8 {
	return int8(a.Quantize(v, math.MinInt8, math.MaxInt8))
}

// Dequantize converts a quantized value back to real.
func (a Affine) Dequantize(q int32) float32 {
	return float32(q-a.ZeroPoint) * a.Scale
}
