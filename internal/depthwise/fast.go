package depthwise

import (
	"encoding/binary"

	"github.com/samcharles93/microconv/internal/tensor"
)

// fastFilterWidth is the only filter width ConvFilterWidthEight handles.
const fastFilterWidth = 8

// fastPathBlocker returns why the fast path cannot run for these tensors, or
// "" when the shape and quantization preconditions hold. Cache capacity and
// ownership are checked separately.
func fastPathBlocker(p KernelParams, input, filter *tensor.Tensor) string {
	switch {
	case input.DType != tensor.DTypeUint8:
		return "input is " + input.DType.String()
	case filter.Shape[2] != fastFilterWidth:
		return "filter width is not 8"
	case p.DilationWidth != 1 || p.DilationHeight != 1:
		return "dilation is not 1"
	case p.InputOffset != 0:
		return "input zero point is not 0"
	case input.Shape[3] != 1:
		return "input depth is not 1"
	}
	return ""
}

// ConvFilterWidthEight computes the same result as ReferenceUint8 for filters
// eight taps wide, reading weights from cache. The cache is populated on
// first use. Rows whose window lies fully inside the input take the unrolled
// eight-tap path (word loads when packed is set); clipped rows fall back to a
// scalar loop over the original filter.
func ConvFilterWidthEight(p KernelParams, cache *RepackCache, input, filter, bias, output *tensor.Tensor, packed bool) error {
	if reason := fastPathBlocker(p, input, filter); reason != "" {
		return shapeErrorf("fast path not applicable: %s", reason)
	}
	if err := cache.Load(filter, p.FilterOffset); err != nil {
		return err
	}

	d := convDims(input, filter, output)
	in, f, out := input.U8, filter.U8, output.U8
	for b := range d.batches {
		for outY := range d.outHeight {
			for outX := range d.outWidth {
				for ic := range d.inDepth {
					for m := range p.DepthMultiplier {
						oc := m + ic*p.DepthMultiplier
						inXOrigin := outX*p.StrideWidth - p.PaddingWidth
						inYOrigin := outY*p.StrideHeight - p.PaddingHeight

						filterYStart := max(0, -inYOrigin)
						filterYEnd := min(d.filterHeight, d.inHeight-inYOrigin)
						filterXStart := max(0, -inXOrigin)
						filterXEnd := min(d.filterWidth, d.inWidth-inXOrigin)
						clippedX := inXOrigin < 0 || inXOrigin+d.filterWidth > d.inWidth

						var acc int32
						for fy := filterYStart; fy < filterYEnd; fy++ {
							inY := inYOrigin + fy
							if !clippedX {
								start := input.Shape.Offset(b, inY, inXOrigin, ic)
								row := in[start : start+fastFilterWidth]
								if packed {
									acc += dot8Packed(row, cache.row(oc, fy))
								} else {
									acc += dot8(row, cache.row(oc, fy))
								}
								continue
							}
							inIdx := input.Shape.Offset(b, inY, inXOrigin+filterXStart, ic)
							fIdx := filter.Shape.Offset(0, fy, filterXStart, oc)
							for fx := filterXStart; fx < filterXEnd; fx++ {
								inputVal := int32(in[inIdx])
								filterVal := int32(f[fIdx])
								acc += (filterVal + p.FilterOffset) * (inputVal + p.InputOffset)
								inIdx += d.inDepth
								fIdx += d.outDepth
							}
						}
						if bias != nil {
							acc += bias.I32[oc]
						}
						acc = requantize(acc, p.OutputMultiplier, p.OutputShift, p.OutputOffset,
							p.QuantizedActivationMin, p.QuantizedActivationMax)
						out[output.Shape.Offset(b, outY, outX, oc)] = uint8(acc)
					}
				}
			}
		}
	}
	return nil
}

// dot8 multiplies eight input bytes with eight encoded int16 weights.
func dot8(in, w []byte) int32 {
	_ = in[7]
	_ = w[15]
	var acc int32
	for i := range fastFilterWidth {
		acc += int32(int16(binary.LittleEndian.Uint16(w[2*i:]))) * int32(in[i])
	}
	return acc
}

// dot8Packed is dot8 with two 32-bit input loads and four 32-bit weight
// loads, each unpacked by shift and mask. The encoding is little-endian
// regardless of host byte order.
func dot8Packed(in, w []byte) int32 {
	in0 := binary.LittleEndian.Uint32(in[0:4])
	in1 := binary.LittleEndian.Uint32(in[4:8])
	w0 := binary.LittleEndian.Uint32(w[0:4])
	w1 := binary.LittleEndian.Uint32(w[4:8])
	w2 := binary.LittleEndian.Uint32(w[8:12])
	w3 := binary.LittleEndian.Uint32(w[12:16])

	acc := lowHalf(w0) * byteAt(in0, 0)
	acc += highHalf(w0) * byteAt(in0, 1)
	acc += lowHalf(w1) * byteAt(in0, 2)
	acc += highHalf(w1) * byteAt(in0, 3)
	acc += lowHalf(w2) * byteAt(in1, 0)
	acc += highHalf(w2) * byteAt(in1, 1)
	acc += lowHalf(w3) * byteAt(in1, 2)
	acc += highHalf(w3) * byteAt(in1, 3)
	return acc
}

func lowHalf(v uint32) int32  { return int32(int16(v & 0xffff)) }
func highHalf(v uint32) int32 { return int32(int16(v >> 16)) }

func byteAt(v uint32, i uint) int32 { return int32((v >> (8 * i)) & 0xff) }
