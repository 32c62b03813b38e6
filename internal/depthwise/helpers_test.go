package depthwise

import (
	"math/rand/v2"
	"testing"

	"github.com/samcharles93/microconv/internal/padding"
	"github.com/samcharles93/microconv/internal/tensor"
	"github.com/samcharles93/microconv/pkg/quant"
)

// convCase describes a uint8 convolution with random tensor contents.
type convCase struct {
	name string

	batches, inHeight, inWidth, inDepth int
	filterHeight, filterWidth           int
	depthMultiplier                     int

	strideHeight, strideWidth     int
	dilationHeight, dilationWidth int
	mode                          padding.Mode

	inZero, filterZero, outZero int32
	bias                        bool
	activation                  quant.Activation
}

func (c convCase) params() Params {
	return Params{
		Padding:         c.mode,
		StrideWidth:     max(c.strideWidth, 1),
		StrideHeight:    max(c.strideHeight, 1),
		DilationWidth:   c.dilationWidth,
		DilationHeight:  c.dilationHeight,
		DepthMultiplier: max(c.depthMultiplier, 1),
		Activation:      c.activation,
	}
}

// build creates the node tensors. The same seed yields the same contents.
func (c convCase) build(t *testing.T, seed uint64) Node {
	t.Helper()
	r := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	p := c.params()

	inShape := tensor.Shape{max(c.batches, 1), c.inHeight, c.inWidth, max(c.inDepth, 1)}
	filterShape := tensor.Shape{1, c.filterHeight, c.filterWidth, inShape[3] * p.DepthMultiplier}
	outShape, err := p.OutputShape(inShape, filterShape)
	if err != nil {
		t.Fatalf("%s: output shape: %v", c.name, err)
	}

	const inScale, filterScale = 0.5, 0.25
	taps := float32(c.filterHeight * c.filterWidth)
	outScale := inScale * filterScale * taps * 24

	input := u8Tensor(t, "input", inShape, randBytes(r, inShape.FlatSize()), inScale, c.inZero)
	filter := u8Tensor(t, "filter", filterShape, randBytes(r, filterShape.FlatSize()), filterScale, c.filterZero)
	output := u8Tensor(t, "output", outShape, make([]uint8, outShape.FlatSize()), outScale, c.outZero)

	n := Node{Inputs: []*tensor.Tensor{input, filter}, Outputs: []*tensor.Tensor{output}}
	if c.bias {
		values := make([]int32, filterShape[3])
		for i := range values {
			values[i] = r.Int32N(4001) - 2000
		}
		bias, err := tensor.Int32("bias", tensor.Shape{filterShape[3]}, values)
		if err != nil {
			t.Fatalf("bias: %v", err)
		}
		bias.WithQuant([]float32{inScale * filterScale}, []int32{0})
		n.Inputs = append(n.Inputs, bias)
	}
	return n
}

func u8Tensor(t *testing.T, name string, shape tensor.Shape, data []uint8, scale float32, zero int32) *tensor.Tensor {
	t.Helper()
	tt, err := tensor.Uint8(name, shape, data)
	if err != nil {
		t.Fatalf("tensor %s: %v", name, err)
	}
	return tt.WithQuant([]float32{scale}, []int32{zero})
}

func randBytes(r *rand.Rand, n int) []uint8 {
	out := make([]uint8, n)
	for i := range out {
		out[i] = uint8(r.UintN(256))
	}
	return out
}

// cloneOutput returns n with a fresh zeroed output tensor.
func cloneOutput(n Node) Node {
	out := n.output().Clone()
	clear(out.U8)
	clear(out.I8)
	clear(out.F32)
	return Node{Inputs: n.Inputs, Outputs: []*tensor.Tensor{out}}
}

// resolveUint8 derives kernel parameters the way Eval does.
func resolveUint8(t *testing.T, o *Op, n Node) KernelParams {
	t.Helper()
	d, err := o.computePadding(n)
	if err != nil {
		t.Fatalf("padding: %v", err)
	}
	kp, err := uint8Kernel{}.resolve(o, n, &d)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	return kp
}

// directUint8 evaluates the convolution straight from its definition: every
// tap reads the input or, outside the image, the input zero point.
func directUint8(p KernelParams, n Node) []uint8 {
	input, filter, output := n.input(), n.filter(), n.output()
	inH, inW := input.Shape[1], input.Shape[2]
	fh, fw := filter.Shape[1], filter.Shape[2]
	at := func(b, y, x, c int) int32 {
		if y < 0 || y >= inH || x < 0 || x >= inW {
			return -p.InputOffset
		}
		return int32(input.U8[input.Shape.Offset(b, y, x, c)])
	}

	out := make([]uint8, output.Shape.FlatSize())
	for b := range output.Shape[0] {
		for oy := range output.Shape[1] {
			for ox := range output.Shape[2] {
				for oc := range output.Shape[3] {
					ic := oc / p.DepthMultiplier
					var acc int32
					for fy := range fh {
						for fx := range fw {
							y := oy*p.StrideHeight - p.PaddingHeight + fy*p.DilationHeight
							x := ox*p.StrideWidth - p.PaddingWidth + fx*p.DilationWidth
							w := int32(filter.U8[filter.Shape.Offset(0, fy, fx, oc)]) + p.FilterOffset
							acc += w * (at(b, y, x, ic) + p.InputOffset)
						}
					}
					if bias := n.bias(); bias != nil {
						acc += bias.I32[oc]
					}
					v := quant.MultiplyByQuantizedMultiplier(acc, p.OutputMultiplier, p.OutputShift) + p.OutputOffset
					v = min(max(v, p.QuantizedActivationMin), p.QuantizedActivationMax)
					out[output.Shape.Offset(b, oy, ox, oc)] = uint8(v)
				}
			}
		}
	}
	return out
}
