// Package padding computes the geometry of windowed operators: output extents
// and the insets implied by a padding mode.
package padding

import (
	"fmt"
	"strings"
)

// Mode selects how a window is allowed to overhang the input.
type Mode uint8

const (
	ModeUnknown Mode = iota
	ModeSame
	ModeValid
)

func (m Mode) String() string {
	switch m {
	case ModeSame:
		return "same"
	case ModeValid:
		return "valid"
	default:
		return "unknown"
	}
}

func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "same":
		return ModeSame, nil
	case "valid":
		return ModeValid, nil
	default:
		return ModeUnknown, fmt.Errorf("unknown padding mode %q", s)
	}
}

// Values are the leading insets for height and width. The offsets are 1 when
// the total padding is odd and the extra row/column goes to the trailing edge.
type Values struct {
	Height       int
	Width        int
	HeightOffset int
	WidthOffset  int
}

// ComputeOutSize returns the output extent along one axis, or 0 for an
// unknown mode or an invalid stride.
func ComputeOutSize(mode Mode, imageSize, filterSize, stride, dilation int) int {
	if stride <= 0 {
		return 0
	}
	effective := (filterSize-1)*dilation + 1
	switch mode {
	case ModeSame:
		return (imageSize + stride - 1) / stride
	case ModeValid:
		return (imageSize + stride - effective) / stride
	default:
		return 0
	}
}

// ComputePaddingWithOffset returns the leading inset along one axis and
// whether an extra trailing row/column is needed.
func ComputePaddingWithOffset(stride, dilation, inSize, filterSize, outSize int) (int, int) {
	effective := (filterSize-1)*dilation + 1
	total := max((outSize-1)*stride+effective-inSize, 0)
	return total / 2, total % 2
}

// ComputePaddingHeightWidth derives the padding insets and output extents of
// a 2-D window.
func ComputePaddingHeightWidth(strideHeight, strideWidth, dilationHeight, dilationWidth, inHeight, inWidth, filterHeight, filterWidth int, mode Mode) (Values, int, int) {
	outWidth := ComputeOutSize(mode, inWidth, filterWidth, strideWidth, dilationWidth)
	outHeight := ComputeOutSize(mode, inHeight, filterHeight, strideHeight, dilationHeight)

	var v Values
	v.Height, v.HeightOffset = ComputePaddingWithOffset(strideHeight, dilationHeight, inHeight, filterHeight, outHeight)
	v.Width, v.WidthOffset = ComputePaddingWithOffset(strideWidth, dilationWidth, inWidth, filterWidth, outWidth)
	return v, outHeight, outWidth
}
