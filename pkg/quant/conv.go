package quant

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidParams is wrapped by every ResolveConv failure.
var ErrInvalidParams = errors.New("invalid quantization params")

// Scheme selects how convolution outputs are requantized.
type Scheme uint8

const (
	// SchemeUint8 uses one multiplier for the whole output tensor.
	SchemeUint8 Scheme = iota
	// SchemeInt8PerChannel uses one multiplier per output channel.
	SchemeInt8PerChannel
)

// ConvQuant is the quantization metadata a convolution needs to derive its
// requantization parameters. Scales must be positive.
type ConvQuant struct {
	Scheme Scheme

	InputScale   float32
	FilterScales []float32
	OutputScale  float32
	OutputZero   int32
	// BiasScale is checked against InputScale*FilterScales[0] when non-zero.
	BiasScale float32

	// Channels is the size of the filter's quantized dimension.
	Channels   int
	Activation Activation
}

// ConvParams holds the derived requantization parameters.
//
// OutputShift follows the host convention of a right shift (positive means
// divide); callers negate it before MultiplyByQuantizedMultiplier.
// PerChannelShift entries already use the positive-means-left convention.
type ConvParams struct {
	OutputMultiplier int32
	OutputShift      int

	ActivationMin int32
	ActivationMax int32

	PerChannelMultiplier []int32
	PerChannelShift      []int32
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidParams, fmt.Sprintf(format, args...))
}

// ResolveConv derives requantization parameters from quantization metadata.
func ResolveConv(q ConvQuant) (ConvParams, error) {
	if len(q.FilterScales) == 0 {
		return ConvParams{}, invalid("filter has no scale")
	}
	if q.Channels <= 0 {
		return ConvParams{}, invalid("non-positive channel count %d", q.Channels)
	}
	if !(q.InputScale > 0) || !(q.OutputScale > 0) {
		return ConvParams{}, invalid("input and output scales must be positive (got %g, %g)", q.InputScale, q.OutputScale)
	}
	perChannel := len(q.FilterScales) > 1
	if perChannel {
		if q.Scheme != SchemeInt8PerChannel {
			return ConvParams{}, invalid("per-channel filter scales require int8 tensors")
		}
		if len(q.FilterScales) != q.Channels {
			return ConvParams{}, invalid("filter has %d scales for %d channels", len(q.FilterScales), q.Channels)
		}
	}

	p := ConvParams{
		PerChannelMultiplier: make([]int32, q.Channels),
		PerChannelShift:      make([]int32, q.Channels),
	}
	for i := range q.Channels {
		filterScale := q.FilterScales[0]
		if perChannel {
			filterScale = q.FilterScales[i]
		}
		if filterScale < 0 {
			return ConvParams{}, invalid("negative filter scale at channel %d", i)
		}
		effective := float64(q.InputScale) * float64(filterScale) / float64(q.OutputScale)
		m, shift := QuantizeMultiplier(effective)
		p.PerChannelMultiplier[i] = m
		p.PerChannelShift[i] = int32(shift)
	}

	switch q.Scheme {
	case SchemeUint8:
		productScale := float64(q.InputScale * q.FilterScales[0])
		if q.BiasScale != 0 {
			bias := float64(q.BiasScale)
			if math.Abs(productScale-bias) > 1e-6*math.Min(productScale, bias) {
				return ConvParams{}, invalid("bias scale %g does not match input*filter scale %g", bias, productScale)
			}
		}
		realMultiplier := productScale / float64(q.OutputScale)
		if realMultiplier < 0 {
			return ConvParams{}, invalid("negative output multiplier %g", realMultiplier)
		}
		m, exponent := QuantizeMultiplier(realMultiplier)
		p.OutputMultiplier = m
		p.OutputShift = -exponent
		if q.OutputZero < 0 || q.OutputZero > math.MaxUint8 {
			return ConvParams{}, invalid("output zero point %d outside uint8 range", q.OutputZero)
		}
		p.ActivationMin, p.ActivationMax = ActivationRangeQuantized(q.Activation, 0, math.MaxUint8, q.OutputScale, q.OutputZero)
	case SchemeInt8PerChannel:
		if q.OutputZero < math.MinInt8 || q.OutputZero > math.MaxInt8 {
			return ConvParams{}, invalid("output zero point %d outside int8 range", q.OutputZero)
		}
		p.ActivationMin, p.ActivationMax = ActivationRangeQuantized(q.Activation, math.MinInt8, math.MaxInt8, q.OutputScale, q.OutputZero)
	default:
		return ConvParams{}, invalid("unknown scheme %d", q.Scheme)
	}
	return p, nil
}
