package depthwise

import (
	"github.com/samcharles93/microconv/internal/tensor"
	"github.com/samcharles93/microconv/pkg/quant"
)

// dims are the extents the compute loops iterate over. Shapes are NHWC;
// the filter is (1, fh, fw, outDepth).
type dims struct {
	batches      int
	inHeight     int
	inWidth      int
	inDepth      int
	filterHeight int
	filterWidth  int
	outHeight    int
	outWidth     int
	outDepth     int
}

func convDims(input, filter, output *tensor.Tensor) dims {
	return dims{
		batches:      input.Shape[0],
		inHeight:     input.Shape[1],
		inWidth:      input.Shape[2],
		inDepth:      input.Shape[3],
		filterHeight: filter.Shape[1],
		filterWidth:  filter.Shape[2],
		outHeight:    output.Shape[1],
		outWidth:     output.Shape[2],
		outDepth:     output.Shape[3],
	}
}

// requantize maps an int32 accumulator into the output domain and clamps it.
func requantize(acc, multiplier int32, shift int, outputOffset, actMin, actMax int32) int32 {
	acc = quant.MultiplyByQuantizedMultiplier(acc, multiplier, shift)
	acc += outputOffset
	return min(max(acc, actMin), actMax)
}

// ReferenceFloat computes a float32 depthwise convolution. bias may be nil.
func ReferenceFloat(p KernelParams, input, filter, bias, output *tensor.Tensor) {
	d := convDims(input, filter, output)
	in, f, out := input.F32, filter.F32, output.F32
	for b := range d.batches {
		for outY := range d.outHeight {
			for outX := range d.outWidth {
				for ic := range d.inDepth {
					for m := range p.DepthMultiplier {
						oc := m + ic*p.DepthMultiplier
						inXOrigin := outX*p.StrideWidth - p.PaddingWidth
						inYOrigin := outY*p.StrideHeight - p.PaddingHeight
						var total float32
						for fy := range d.filterHeight {
							inY := inYOrigin + p.DilationHeight*fy
							if inY < 0 || inY >= d.inHeight {
								continue
							}
							for fx := range d.filterWidth {
								inX := inXOrigin + p.DilationWidth*fx
								if inX < 0 || inX >= d.inWidth {
									continue
								}
								total += in[input.Shape.Offset(b, inY, inX, ic)] * f[filter.Shape.Offset(0, fy, fx, oc)]
							}
						}
						if bias != nil {
							total += bias.F32[oc]
						}
						total = min(max(total, p.FloatActivationMin), p.FloatActivationMax)
						out[output.Shape.Offset(b, outY, outX, oc)] = total
					}
				}
			}
		}
	}
}

// ReferenceUint8 computes a per-tensor quantized uint8 depthwise convolution.
// bias may be nil.
func ReferenceUint8(p KernelParams, input, filter, bias, output *tensor.Tensor) {
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
						var acc int32
						for fy := range d.filterHeight {
							inY := inYOrigin + p.DilationHeight*fy
							if inY < 0 || inY >= d.inHeight {
								continue
							}
							for fx := range d.filterWidth {
								inX := inXOrigin + p.DilationWidth*fx
								if inX < 0 || inX >= d.inWidth {
									continue
								}
								inputVal := int32(in[input.Shape.Offset(b, inY, inX, ic)])
								filterVal := int32(f[filter.Shape.Offset(0, fy, fx, oc)])
								acc += (filterVal + p.FilterOffset) * (inputVal + p.InputOffset)
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
}

// ReferencePerChannelInt8 computes an int8 depthwise convolution with one
// requantization multiplier and shift per output channel. The filter is
// symmetric, so no filter offset is applied. bias may be nil.
func ReferencePerChannelInt8(p KernelParams, input, filter, bias, output *tensor.Tensor) {
	d := convDims(input, filter, output)
	in, f, out := input.I8, filter.I8, output.I8
	for b := range d.batches {
		for outY := range d.outHeight {
			for outX := range d.outWidth {
				for ic := range d.inDepth {
					for m := range p.DepthMultiplier {
						oc := m + ic*p.DepthMultiplier
						inXOrigin := outX*p.StrideWidth - p.PaddingWidth
						inYOrigin := outY*p.StrideHeight - p.PaddingHeight
						var acc int32
						for fy := range d.filterHeight {
							inY := inYOrigin + p.DilationHeight*fy
							if inY < 0 || inY >= d.inHeight {
								continue
							}
							for fx := range d.filterWidth {
								inX := inXOrigin + p.DilationWidth*fx
								if inX < 0 || inX >= d.inWidth {
									continue
								}
								inputVal := int32(in[input.Shape.Offset(b, inY, inX, ic)])
								filterVal := int32(f[filter.Shape.Offset(0, fy, fx, oc)])
								acc += filterVal * (inputVal + p.InputOffset)
							}
						}
						if bias != nil {
							acc += bias.I32[oc]
						}
						acc = requantize(acc, p.PerChannelMultiplier[oc], int(p.PerChannelShift[oc]), p.OutputOffset,
							p.QuantizedActivationMin, p.QuantizedActivationMax)
						out[output.Shape.Offset(b, outY, outX, oc)] = int8(acc)
					}
				}
			}
		}
	}
}
