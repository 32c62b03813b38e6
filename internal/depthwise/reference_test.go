package depthwise

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/samcharles93/microconv/internal/logger"
	"github.com/samcharles93/microconv/internal/padding"
	"github.com/samcharles93/microconv/internal/tensor"
	"github.com/samcharles93/microconv/pkg/quant"
)

func TestReferenceUint8MatchesDefinition(t *testing.T) {
	t.Parallel()
	cases := []convCase{
		{name: "same_3x3", inHeight: 5, inWidth: 5, inDepth: 2, filterHeight: 3, filterWidth: 3, mode: padding.ModeSame, inZero: 128, filterZero: 120, outZero: 128},
		{name: "valid_stride2", inHeight: 7, inWidth: 9, inDepth: 1, filterHeight: 3, filterWidth: 3, strideHeight: 2, strideWidth: 2, mode: padding.ModeValid, inZero: 3, filterZero: 250},
		{name: "depth_multiplier", batches: 2, inHeight: 4, inWidth: 6, inDepth: 3, filterHeight: 2, filterWidth: 3, depthMultiplier: 2, mode: padding.ModeSame, inZero: 17, filterZero: 100, outZero: 10, bias: true},
		{name: "dilation", inHeight: 9, inWidth: 9, inDepth: 2, filterHeight: 3, filterWidth: 2, dilationHeight: 2, dilationWidth: 3, mode: padding.ModeSame, inZero: 0, filterZero: 128, outZero: 128, bias: true},
		{name: "relu6", inHeight: 6, inWidth: 6, inDepth: 1, filterHeight: 3, filterWidth: 3, mode: padding.ModeSame, inZero: 64, filterZero: 128, outZero: 5, activation: quant.ActRelu6},
		{name: "width_eight_reference", inHeight: 4, inWidth: 12, inDepth: 2, filterHeight: 2, filterWidth: 8, mode: padding.ModeSame, inZero: 9, filterZero: 77, bias: true},
	}
	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			n := tc.build(t, uint64(i+1))
			op, err := New(tc.params(), Options{})
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			kp := resolveUint8(t, op, n)
			ReferenceUint8(kp, n.input(), n.filter(), n.bias(), n.output())
			if diff := cmp.Diff(directUint8(kp, n), n.output().U8); diff != "" {
				t.Fatalf("output mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestReferenceFloat(t *testing.T) {
	t.Parallel()
	input, _ := tensor.Float32("input", tensor.Shape{1, 3, 3, 1}, []float32{1, 2, 3, 4, 5, 6, 7, 8, 9})
	filter, _ := tensor.Float32("filter", tensor.Shape{1, 3, 3, 1}, []float32{1, 1, 1, 1, 1, 1, 1, 1, 1})
	bias, _ := tensor.Float32("bias", tensor.Shape{1}, []float32{0.5})
	output, _ := tensor.New("output", tensor.DTypeFloat32, tensor.Shape{1, 3, 3, 1})

	op, err := New(Params{Padding: padding.ModeSame, StrideWidth: 1, StrideHeight: 1, DepthMultiplier: 1}, Options{Logger: logger.Discard()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	n := Node{Inputs: []*tensor.Tensor{input, filter, bias}, Outputs: []*tensor.Tensor{output}}
	if err := op.Eval(context.Background(), n); err != nil {
		t.Fatalf("Eval: %v", err)
	}
	want := []float32{12.5, 21.5, 16.5, 27.5, 45.5, 33.5, 24.5, 39.5, 28.5}
	if diff := cmp.Diff(want, output.F32); diff != "" {
		t.Fatalf("output mismatch (-want +got):\n%s", diff)
	}
	if op.LastPath() != PathFloat {
		t.Fatalf("path: got %s, want float", op.LastPath())
	}

	op.Params.Activation = quant.ActRelu6
	if err := op.Eval(context.Background(), n); err != nil {
		t.Fatalf("Eval relu6: %v", err)
	}
	for i, v := range output.F32 {
		if v != 6 {
			t.Fatalf("relu6 output[%d] = %g, want 6", i, v)
		}
	}
}

func TestPerChannelChannelsAreIndependent(t *testing.T) {
	t.Parallel()
	input, _ := tensor.Int8("input", tensor.Shape{1, 1, 2, 1}, []int8{10, -10})
	input.WithQuant([]float32{1}, []int32{0})
	filter, _ := tensor.Int8("filter", tensor.Shape{1, 1, 1, 2}, []int8{3, 3})
	filter.WithQuant([]float32{0.5, 0.25}, []int32{0, 0})
	filter.Quant.QuantizedDimension = 3
	output, _ := tensor.New("output", tensor.DTypeInt8, tensor.Shape{1, 1, 2, 2})
	output.WithQuant([]float32{1}, []int32{0})

	op, err := New(Params{Padding: padding.ModeValid, StrideWidth: 1, StrideHeight: 1, DepthMultiplier: 2}, Options{Logger: logger.Discard()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	n := Node{Inputs: []*tensor.Tensor{input, filter}, Outputs: []*tensor.Tensor{output}}
	if err := op.Eval(context.Background(), n); err != nil {
		t.Fatalf("Eval: %v", err)
	}
	// 30*0.5 = 15 and 30*0.25 = 7.5, which rounds away from zero.
	want := []int8{15, 8, -15, -8}
	if diff := cmp.Diff(want, output.I8); diff != "" {
		t.Fatalf("output mismatch (-want +got):\n%s", diff)
	}
	if op.LastPath() != PathPerChannel {
		t.Fatalf("path: got %s, want per_channel", op.LastPath())
	}
}

func TestPerChannelUsesActivationRange(t *testing.T) {
	t.Parallel()
	input, _ := tensor.Int8("input", tensor.Shape{1, 1, 1, 1}, []int8{-100})
	input.WithQuant([]float32{1}, []int32{0})
	filter, _ := tensor.Int8("filter", tensor.Shape{1, 1, 1, 1}, []int8{1})
	filter.WithQuant([]float32{1}, []int32{0})
	output, _ := tensor.New("output", tensor.DTypeInt8, tensor.Shape{1, 1, 1, 1})
	output.WithQuant([]float32{1}, []int32{-20})

	op, err := New(Params{Padding: padding.ModeValid, StrideWidth: 1, StrideHeight: 1, DepthMultiplier: 1, Activation: quant.ActRelu},
		Options{Logger: logger.Discard()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := op.Eval(context.Background(), Node{Inputs: []*tensor.Tensor{input, filter}, Outputs: []*tensor.Tensor{output}}); err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if output.I8[0] != -20 {
		t.Fatalf("relu output: got %d, want the zero point -20", output.I8[0])
	}
}

func TestUint8OutputIsClamped(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		act        quant.Activation
		inputVal   uint8
		biasVal    int32
		wantMin    int32
		wantMax    int32
		wantOutput uint8
	}{
		{"relu6_high", quant.ActRelu6, 255, 0, 0, 60, 60},
		{"relu6_low", quant.ActRelu6, 0, -1 << 20, 0, 60, 0},
		{"none_high", quant.ActNone, 255, 1 << 24, 0, 255, 255},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			data := make([]uint8, 9)
			for i := range data {
				data[i] = tc.inputVal
			}
			input := u8Tensor(t, "input", tensor.Shape{1, 3, 3, 1}, data, 1, 0)
			weights := []uint8{255, 255, 255, 255, 255, 255, 255, 255, 255}
			filter := u8Tensor(t, "filter", tensor.Shape{1, 3, 3, 1}, weights, 1, 0)
			bias, _ := tensor.Int32("bias", tensor.Shape{1}, []int32{tc.biasVal})
			output := u8Tensor(t, "output", tensor.Shape{1, 3, 3, 1}, make([]uint8, 9), 0.1, 0)

			op, err := New(Params{Padding: padding.ModeSame, StrideWidth: 1, StrideHeight: 1, DepthMultiplier: 1, Activation: tc.act},
				Options{Logger: logger.Discard()})
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			n := Node{Inputs: []*tensor.Tensor{input, filter, bias}, Outputs: []*tensor.Tensor{output}}
			kp := resolveUint8(t, op, n)
			if kp.QuantizedActivationMin != tc.wantMin || kp.QuantizedActivationMax != tc.wantMax {
				t.Fatalf("activation range: got [%d, %d], want [%d, %d]",
					kp.QuantizedActivationMin, kp.QuantizedActivationMax, tc.wantMin, tc.wantMax)
			}
			if err := op.Eval(context.Background(), n); err != nil {
				t.Fatalf("Eval: %v", err)
			}
			for i, v := range output.U8 {
				if int32(v) < tc.wantMin || int32(v) > tc.wantMax {
					t.Fatalf("output[%d] = %d outside [%d, %d]", i, v, tc.wantMin, tc.wantMax)
				}
			}
			if output.U8[4] != tc.wantOutput {
				t.Fatalf("center output: got %d, want %d", output.U8[4], tc.wantOutput)
			}
		})
	}
}
