package depthwise

import (
	"math"

	"github.com/samcharles93/microconv/internal/logger"
	"github.com/samcharles93/microconv/internal/tensor"
	"github.com/samcharles93/microconv/pkg/quant"
)

// kernel is the closed set of supported element type and quantization
// scheme combinations. The unexported method keeps it sealed.
type kernel interface {
	// resolve fills the quantization part of d and returns the offsets the
	// compute loops need.
	resolve(op *Op, n Node, d *OpData) (KernelParams, error)
	run(op *Op, log logger.Logger, p KernelParams, n Node) (Path, error)
	sealed()
}

type floatKernel struct{}

type uint8Kernel struct{}

type int8PerChannelKernel struct{}

func selectKernel(n Node) (kernel, error) {
	input := n.input()
	var k kernel
	var biasType tensor.DType
	switch input.DType {
	case tensor.DTypeFloat32:
		k, biasType = floatKernel{}, tensor.DTypeFloat32
	case tensor.DTypeUint8:
		k, biasType = uint8Kernel{}, tensor.DTypeInt32
	case tensor.DTypeInt8:
		k, biasType = int8PerChannelKernel{}, tensor.DTypeInt32
	default:
		return nil, typeErrorf("type %s (%d) not supported", input.DType, input.DType)
	}
	if f := n.filter(); f.DType != input.DType {
		return nil, typeErrorf("filter type %s does not match input type %s", f.DType, input.DType)
	}
	if o := n.output(); o.DType != input.DType {
		return nil, typeErrorf("output type %s does not match input type %s", o.DType, input.DType)
	}
	if b := n.bias(); b != nil && b.DType != biasType {
		return nil, typeErrorf("bias type %s not supported for %s input, want %s", b.DType, input.DType, biasType)
	}
	return k, nil
}

func (floatKernel) sealed()          {}
func (uint8Kernel) sealed()          {}
func (int8PerChannelKernel) sealed() {}

func (floatKernel) resolve(op *Op, _ Node, d *OpData) (KernelParams, error) {
	d.FloatActivationMin, d.FloatActivationMax = quant.ActivationRangeFloat(op.Params.Activation)
	return op.Params.kernelParams(d), nil
}

func (floatKernel) run(_ *Op, _ logger.Logger, p KernelParams, n Node) (Path, error) {
	ReferenceFloat(p, n.input(), n.filter(), n.bias(), n.output())
	return PathFloat, nil
}

func (uint8Kernel) resolve(op *Op, n Node, d *OpData) (KernelParams, error) {
	input, filter, output := n.input(), n.filter(), n.output()
	for _, t := range []*tensor.Tensor{input, filter, output} {
		if t.Quant.Empty() {
			return KernelParams{}, quantErrorf("tensor %q has no quantization params", t.Name)
		}
		if err := checkZeroPoints(t, 0, math.MaxUint8); err != nil {
			return KernelParams{}, err
		}
	}
	cp, err := resolveConv(op.Params, quant.SchemeUint8, n)
	if err != nil {
		return KernelParams{}, err
	}
	d.Quant = cp
	p := op.Params.kernelParams(d)
	_, inZero := input.Quant.Params()
	_, filterZero := filter.Quant.Params()
	_, outZero := output.Quant.Params()
	p.InputOffset = -inZero
	p.FilterOffset = -filterZero
	p.OutputOffset = outZero
	return p, nil
}

func (uint8Kernel) run(op *Op, log logger.Logger, p KernelParams, n Node) (Path, error) {
	if cache := op.fastPathCache(log, p, n); cache != nil {
		if err := ConvFilterWidthEight(p, cache, n.input(), n.filter(), n.bias(), n.output(), op.opts.PackedLoads); err != nil {
			return PathNone, err
		}
		return PathFast, nil
	}
	ReferenceUint8(p, n.input(), n.filter(), n.bias(), n.output())
	return PathReference, nil
}

func (int8PerChannelKernel) resolve(op *Op, n Node, d *OpData) (KernelParams, error) {
	input, output := n.input(), n.output()
	if input.Quant.Empty() || output.Quant.Empty() {
		return KernelParams{}, quantErrorf("int8 input and output need quantization params")
	}
	for _, t := range []*tensor.Tensor{input, n.filter(), output} {
		if err := checkZeroPoints(t, math.MinInt8, math.MaxInt8); err != nil {
			return KernelParams{}, err
		}
	}
	cp, err := resolveConv(op.Params, quant.SchemeInt8PerChannel, n)
	if err != nil {
		return KernelParams{}, err
	}
	d.Quant = cp
	p := op.Params.kernelParams(d)
	_, inZero := input.Quant.Params()
	_, outZero := output.Quant.Params()
	p.InputOffset = -inZero
	p.OutputOffset = outZero
	return p, nil
}

func (int8PerChannelKernel) run(_ *Op, _ logger.Logger, p KernelParams, n Node) (Path, error) {
	ReferencePerChannelInt8(p, n.input(), n.filter(), n.bias(), n.output())
	return PathPerChannel, nil
}

// checkPerChannelMetadata requires one scale and zero point per output
// channel; depthwise filters are quantized along dimension 3.
func checkPerChannelMetadata(filter *tensor.Tensor) error {
	channels := filter.Shape[3]
	if len(filter.Quant.Scale) != channels || len(filter.Quant.ZeroPoint) != channels {
		return quantErrorf("filter %q has %d scales and %d zero points for %d channels",
			filter.Name, len(filter.Quant.Scale), len(filter.Quant.ZeroPoint), channels)
	}
	return nil
}

// checkZeroPoints requires every zero point of t to be representable in the
// tensor's element type.
func checkZeroPoints(t *tensor.Tensor, lo, hi int32) error {
	for i, zp := range t.Quant.ZeroPoint {
		if zp < lo || zp > hi {
			return quantErrorf("tensor %q zero point %d at index %d outside [%d, %d]", t.Name, zp, i, lo, hi)
		}
	}
	return nil
}

func resolveConv(p Params, scheme quant.Scheme, n Node) (quant.ConvParams, error) {
	input, filter, output := n.input(), n.filter(), n.output()
	inScale, _ := input.Quant.Params()
	outScale, outZero := output.Quant.Params()
	var biasScale float32
	if b := n.bias(); b != nil {
		biasScale, _ = b.Quant.Params()
	}
	cp, err := quant.ResolveConv(quant.ConvQuant{
		Scheme:       scheme,
		InputScale:   inScale,
		FilterScales: filter.Quant.Scale,
		OutputScale:  outScale,
		OutputZero:   outZero,
		BiasScale:    biasScale,
		Channels:     filter.Shape[3],
		Activation:   p.Activation,
	})
	if err != nil {
		return quant.ConvParams{}, opError{kind: ErrQuantization, msg: err.Error()}
	}
	return cp, nil
}
