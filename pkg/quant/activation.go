package quant

import (
	"fmt"
	"math"
	"strings"
)

// Activation is a fused activation applied by clamping the kernel output.
type Activation uint8

const (
	ActNone Activation = iota
	ActRelu
	ActReluN1To1
	ActRelu6
)

func (a Activation) String() string {
	switch a {
	case ActRelu:
		return "relu"
	case ActReluN1To1:
		return "relu_n1_to_1"
	case ActRelu6:
		return "relu6"
	default:
		return "none"
	}
}

// ParseActivation accepts the names produced by String. An empty string is
// ActNone.
func ParseActivation(s string) (Activation, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return ActNone, nil
	case "relu":
		return ActRelu, nil
	case "relu_n1_to_1", "relu1":
		return ActReluN1To1, nil
	case "relu6":
		return ActRelu6, nil
	default:
		return ActNone, fmt.Errorf("unknown activation %q", s)
	}
}

// ActivationRangeFloat returns the float clamp bounds for a.
func ActivationRangeFloat(a Activation) (float32, float32) {
	switch a {
	case ActRelu:
		return 0, math.MaxFloat32
	case ActRelu6:
		return 0, 6
	case ActReluN1To1:
		return -1, 1
	default:
		return -math.MaxFloat32, math.MaxFloat32
	}
}

// ActivationRangeQuantized returns the integer clamp bounds for a in an
// output domain with the given scale and zero point, limited to [qmin, qmax].
func ActivationRangeQuantized(a Activation, qmin, qmax int32, scale float32, zeroPoint int32) (int32, int32) {
	q := func(f float32) int32 {
		return zeroPoint + int32(math.Round(float64(f/scale)))
	}
	switch a {
	case ActRelu:
		return max(qmin, q(0)), qmax
	case ActRelu6:
		return max(qmin, q(0)), min(qmax, q(6))
	case ActReluN1To1:
		return max(qmin, q(-1)), min(qmax, q(1))
	default:
		return qmin, qmax
	}
}
