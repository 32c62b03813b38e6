package depthwise

import (
	"github.com/samcharles93/microconv/internal/logger"
	"github.com/samcharles93/microconv/internal/padding"
	"github.com/samcharles93/microconv/pkg/quant"
)

// Params is the static configuration of one depthwise convolution node.
// Zero dilation factors are read as 1.
type Params struct {
	Padding         padding.Mode
	StrideWidth     int
	StrideHeight    int
	DilationWidth   int
	DilationHeight  int
	DepthMultiplier int
	Activation      quant.Activation
}

func (p Params) dilation() (int, int) {
	h, w := p.DilationHeight, p.DilationWidth
	if h == 0 {
		h = 1
	}
	if w == 0 {
		w = 1
	}
	return h, w
}

// Validate checks the parameters that do not depend on tensor shapes.
func (p Params) Validate() error {
	if p.Padding != padding.ModeSame && p.Padding != padding.ModeValid {
		return shapeErrorf("padding mode %s not supported", p.Padding)
	}
	if p.StrideWidth <= 0 || p.StrideHeight <= 0 {
		return shapeErrorf("strides must be positive (got %dx%d)", p.StrideHeight, p.StrideWidth)
	}
	if p.DilationWidth < 0 || p.DilationHeight < 0 {
		return shapeErrorf("negative dilation %dx%d", p.DilationHeight, p.DilationWidth)
	}
	if p.DepthMultiplier <= 0 {
		return shapeErrorf("depth multiplier must be positive (got %d)", p.DepthMultiplier)
	}
	return nil
}

// Options tune how an Op executes. The zero value is usable.
type Options struct {
	// Arena supplies the repack cache. Ops sharing an arena compete for its
	// slots; a nil Arena gives the op a private single-slot arena.
	Arena *Arena
	// PackedLoads selects the word-load form of the fast-path inner loop.
	PackedLoads bool
	// ForceReference disables the fast path.
	ForceReference bool
	// Logger receives diagnostics. Nil means the logger in the Eval context.
	Logger logger.Logger
}

// Path names the compute path an evaluation took.
type Path uint8

const (
	PathNone Path = iota
	PathReference
	PathFast
	PathFloat
	PathPerChannel
)

func (p Path) String() string {
	switch p {
	case PathReference:
		return "reference"
	case PathFast:
		return "fast"
	case PathFloat:
		return "float"
	case PathPerChannel:
		return "per_channel"
	default:
		return "none"
	}
}

// OpData is derived fresh on every evaluation from the tensors and Params.
type OpData struct {
	Padding   padding.Values
	OutHeight int
	OutWidth  int

	Quant quant.ConvParams

	FloatActivationMin float32
	FloatActivationMax float32
}

// KernelParams is everything the compute loops read. OutputShift and
// PerChannelShift use the positive-means-left convention.
type KernelParams struct {
	PaddingWidth   int
	PaddingHeight  int
	StrideWidth    int
	StrideHeight   int
	DilationWidth  int
	DilationHeight int

	DepthMultiplier int

	InputOffset  int32
	FilterOffset int32
	OutputOffset int32

	OutputMultiplier     int32
	OutputShift          int
	PerChannelMultiplier []int32
	PerChannelShift      []int32

	QuantizedActivationMin int32
	QuantizedActivationMax int32
	FloatActivationMin     float32
	FloatActivationMax     float32
}

func (p Params) kernelParams(d *OpData) KernelParams {
	dh, dw := p.dilation()
	return KernelParams{
		PaddingWidth:           d.Padding.Width,
		PaddingHeight:          d.Padding.Height,
		StrideWidth:            p.StrideWidth,
		StrideHeight:           p.StrideHeight,
		DilationWidth:          dw,
		DilationHeight:         dh,
		DepthMultiplier:        p.DepthMultiplier,
		OutputMultiplier:       d.Quant.OutputMultiplier,
		OutputShift:            -d.Quant.OutputShift,
		PerChannelMultiplier:   d.Quant.PerChannelMultiplier,
		PerChannelShift:        d.Quant.PerChannelShift,
		QuantizedActivationMin: d.Quant.ActivationMin,
		QuantizedActivationMax: d.Quant.ActivationMax,
		FloatActivationMin:     d.FloatActivationMin,
		FloatActivationMax:     d.FloatActivationMax,
	}
}
