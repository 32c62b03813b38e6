package safetensors

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/google/go-cmp/cmp"

	"github.com/samcharles93/microconv/internal/tensor"
)

// writeRaw creates a safetensors file from a header value and payload.
func writeRaw(t *testing.T, path string, header any, data []byte) {
	t.Helper()
	headerBytes, err := json.Marshal(header)
	if err != nil {
		t.Fatalf("marshal header: %v", err)
	}
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(headerBytes)))
	buf := append(lenBuf[:], headerBytes...)
	buf = append(buf, data...)
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
}

// writeSafetensors creates a file with zeroed payloads for the given headers.
func writeSafetensors(t *testing.T, path string, tensors map[string]tensorHeader) {
	t.Helper()
	var maxEnd int64
	for _, th := range tensors {
		if len(th.DataOffsets) == 2 && th.DataOffsets[1] > maxEnd {
			maxEnd = th.DataOffsets[1]
		}
	}
	writeRaw(t, path, tensors, make([]byte, maxEnd))
}

func openFile(t *testing.T, path string) *File {
	t.Helper()
	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func TestOpenValidFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "test.safetensors")
	writeSafetensors(t, path, map[string]tensorHeader{
		"weight": {DType: "F32", Shape: []int{2, 3}, DataOffsets: []int64{0, 24}},
	})

	f := openFile(t, path)
	if f.Path != path {
		t.Fatalf("expected path %q, got %q", path, f.Path)
	}
	info, ok := f.Tensor("weight")
	if !ok {
		t.Fatal("tensor 'weight' not found")
	}
	if info.DType != "F32" || len(info.Shape) != 2 || info.Shape[0] != 2 || info.Shape[1] != 3 {
		t.Fatalf("unexpected info: %+v", info)
	}
}

func TestOpenErrors(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	if _, err := Open(filepath.Join(dir, "missing.safetensors")); err == nil {
		t.Fatal("expected error for nonexistent file")
	}

	truncated := filepath.Join(dir, "truncated.safetensors")
	if err := os.WriteFile(truncated, []byte{0, 0, 0, 0}, 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if _, err := Open(truncated); err == nil {
		t.Fatal("expected error for truncated file")
	}

	invalid := filepath.Join(dir, "invalid.safetensors")
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], 12)
	if err := os.WriteFile(invalid, append(lenBuf[:], "not valid js"...), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if _, err := Open(invalid); err == nil {
		t.Fatal("expected error for invalid JSON header")
	}

	longHeader := filepath.Join(dir, "long.safetensors")
	binary.LittleEndian.PutUint64(lenBuf[:], 1<<20)
	if err := os.WriteFile(longHeader, append(lenBuf[:], "{}"...), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if _, err := Open(longHeader); err == nil {
		t.Fatal("expected error for header longer than file")
	}

	badOffsets := filepath.Join(dir, "bad_offsets.safetensors")
	writeRaw(t, badOffsets, map[string]any{
		"bad_tensor": map[string]any{"dtype": "F32", "shape": []int{1}, "data_offsets": []int64{0}},
	}, nil)
	if _, err := Open(badOffsets); err == nil {
		t.Fatal("expected error for invalid data_offsets")
	}

	pastEnd := filepath.Join(dir, "past_end.safetensors")
	writeRaw(t, pastEnd, map[string]any{
		"t": map[string]any{"dtype": "U8", "shape": []int{8}, "data_offsets": []int64{0, 8}},
	}, make([]byte, 4))
	if _, err := Open(pastEnd); err == nil {
		t.Fatal("expected error for payload past end of file")
	}
}

func TestMetadataParsed(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "metadata.safetensors")
	writeRaw(t, path, map[string]any{
		"__metadata__": map[string]string{"format": "pt"},
		"tensor1":      map[string]any{"dtype": "F32", "shape": []int{4}, "data_offsets": []int64{0, 16}},
	}, make([]byte, 16))

	f := openFile(t, path)
	if len(f.Tensors) != 1 {
		t.Fatalf("expected 1 tensor (metadata should be excluded), got %d", len(f.Tensors))
	}
	if f.Metadata["format"] != "pt" {
		t.Fatalf("metadata: got %v", f.Metadata)
	}
}

func TestTensorNotFound(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "test.safetensors")
	writeSafetensors(t, path, map[string]tensorHeader{
		"a": {DType: "F32", Shape: []int{1}, DataOffsets: []int64{0, 4}},
	})

	f := openFile(t, path)
	if _, ok := f.Tensor("nonexistent"); ok {
		t.Fatal("expected tensor not found")
	}
	if _, _, err := f.ReadTensor("nonexistent"); err == nil {
		t.Fatal("expected error for missing tensor")
	}
	if _, err := f.Load("nonexistent"); err == nil {
		t.Fatal("expected error for missing tensor")
	}
}

func TestLoadF32(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "f32.safetensors")
	values := []float32{1.0, 2.0, 3.0, 4.0}
	data := make([]byte, 16)
	for i, v := range values {
		binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(v))
	}
	writeRaw(t, path, map[string]any{
		"test": map[string]any{"dtype": "F32", "shape": []int{1, 1, 2, 2}, "data_offsets": []int64{0, 16}},
	}, data)

	f := openFile(t, path)
	got, err := f.Load("test")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.DType != tensor.DTypeFloat32 || !got.Shape.Equal(tensor.Shape{1, 1, 2, 2}) {
		t.Fatalf("unexpected tensor %s %s", got.DType, got.Shape)
	}
	if diff := cmp.Diff(values, got.F32); diff != "" {
		t.Fatalf("values (-want +got):\n%s", diff)
	}
}

func TestLoadHalfPrecision(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "half.safetensors")
	data := make([]byte, 6)
	binary.LittleEndian.PutUint16(data[0:], 0x3F80) // bf16 1.0
	binary.LittleEndian.PutUint16(data[2:], 0x4000) // bf16 2.0
	binary.LittleEndian.PutUint16(data[4:], 0x3C00) // f16 1.0
	writeRaw(t, path, map[string]any{
		"b": map[string]any{"dtype": "BF16", "shape": []int{2}, "data_offsets": []int64{0, 4}},
		"h": map[string]any{"dtype": "F16", "shape": []int{1}, "data_offsets": []int64{4, 6}},
	}, data)

	f := openFile(t, path)
	b, err := f.Load("b")
	if err != nil {
		t.Fatalf("Load bf16: %v", err)
	}
	if diff := cmp.Diff([]float32{1, 2}, b.F32); diff != "" {
		t.Fatalf("bf16 (-want +got):\n%s", diff)
	}
	h, err := f.Load("h")
	if err != nil {
		t.Fatalf("Load f16: %v", err)
	}
	if h.F32[0] != 1 {
		t.Fatalf("f16: got %v", h.F32)
	}
}

func TestLoadRejects(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "bad.safetensors")
	writeRaw(t, path, map[string]any{
		"f64":      map[string]any{"dtype": "F64", "shape": []int{1}, "data_offsets": []int64{0, 8}},
		"short":    map[string]any{"dtype": "F32", "shape": []int{4}, "data_offsets": []int64{8, 16}},
		"inverted": map[string]any{"dtype": "F32", "shape": []int{2}, "data_offsets": []int64{8, 0}},
	}, make([]byte, 16))

	f := openFile(t, path)
	for _, name := range []string{"f64", "short", "inverted"} {
		if _, err := f.Load(name); err == nil {
			t.Errorf("Load(%q): expected error", name)
		}
	}
}

func TestWriteRoundTrip(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "out.safetensors")

	filter, _ := tensor.Int8("filter", tensor.Shape{1, 1, 8, 2}, []int8{-1, 2, -3, 4, -5, 6, -7, 8, 9, -10, 11, -12, 13, -14, 15, -16})
	filter.WithQuant([]float32{0.5, 0.25}, []int32{0, 0})
	filter.Quant.QuantizedDimension = 3
	input, _ := tensor.Uint8("input", tensor.Shape{1, 1, 2, 1}, []uint8{7, 250})
	input.WithQuant([]float32{0.1}, []int32{128})
	bias, _ := tensor.Int32("bias", tensor.Shape{2}, []int32{-70000, 12})
	weights, _ := tensor.Float32("weights", tensor.Shape{3}, []float32{0.5, -1.25, 3})

	if err := Write(path, []*tensor.Tensor{weights, input, filter, bias}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	f := openFile(t, path)
	if diff := cmp.Diff([]string{"bias", "filter", "input", "weights"}, f.Names()); diff != "" {
		t.Fatalf("names (-want +got):\n%s", diff)
	}
	// Payloads are contiguous in name order.
	var next int64
	for _, name := range f.Names() {
		info, _ := f.Tensor(name)
		if info.Start != next {
			t.Fatalf("tensor %s starts at %d, want %d", name, info.Start, next)
		}
		next = info.End
	}

	for _, want := range []*tensor.Tensor{filter, input, bias, weights} {
		got, err := f.Load(want.Name)
		if err != nil {
			t.Fatalf("Load(%s): %v", want.Name, err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("tensor %s (-want +got):\n%s", want.Name, diff)
		}
	}
}

func TestWriteRejectsDuplicates(t *testing.T) {
	t.Parallel()
	a, _ := tensor.Uint8("x", tensor.Shape{1}, []uint8{1})
	b, _ := tensor.Uint8("x", tensor.Shape{1}, []uint8{2})
	if err := Write(filepath.Join(t.TempDir(), "dup.safetensors"), []*tensor.Tensor{a, b}); err == nil {
		t.Fatal("expected error for duplicate names")
	}
}

func TestReadAfterClose(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "closed.safetensors")
	writeSafetensors(t, path, map[string]tensorHeader{
		"a": {DType: "U8", Shape: []int{4}, DataOffsets: []int64{0, 4}},
	})
	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	raw, _, err := f.ReadTensor("a")
	if err != nil {
		t.Fatalf("ReadTensor: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if len(raw) != 4 {
		t.Fatalf("copied payload lost after Close: %v", raw)
	}
	if _, _, err := f.ReadTensor("a"); err == nil {
		t.Fatal("expected error reading a closed file")
	}
	if err := f.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestNumElements(t *testing.T) {
	t.Parallel()
	tests := []struct {
		shape    []int
		expected int
		wantErr  bool
	}{
		{[]int{2, 3}, 6, false},
		{[]int{1}, 1, false},
		{[]int{4, 5, 6}, 120, false},
		{[]int{}, 0, true},
		{[]int{0}, 0, true},
		{[]int{-1}, 0, true},
		{[]int{2, -1}, 0, true},
	}
	for _, tc := range tests {
		n, err := numElements(tc.shape)
		if tc.wantErr {
			if err == nil {
				t.Errorf("numElements(%v): expected error", tc.shape)
			}
			continue
		}
		if err != nil {
			t.Errorf("numElements(%v): unexpected error: %v", tc.shape, err)
			continue
		}
		if n != tc.expected {
			t.Errorf("numElements(%v): expected %d, got %d", tc.shape, tc.expected, n)
		}
	}
}

func TestBf16ToF32(t *testing.T) {
	t.Parallel()
	tests := []struct {
		input    uint16
		expected float32
	}{
		{0x3F80, 1.0},
		{0x4000, 2.0},
		{0xBF80, -1.0},
		{0x0000, 0.0},
		{0x4040, 3.0},
	}
	for _, tc := range tests {
		if result := bf16ToF32(tc.input); result != tc.expected {
			t.Errorf("bf16ToF32(0x%04X): expected %f, got %f", tc.input, tc.expected, result)
		}
	}
}

func TestDecodeHalfF16(t *testing.T) {
	t.Parallel()
	tests := []struct {
		input    uint16
		expected float32
	}{
		{0x3C00, 1.0},
		{0x4000, 2.0},
		{0xBC00, -1.0},
		{0x0000, 0.0},
		{0x8000, math.Float32frombits(0x80000000)},
		{0x7C00, float32(math.Inf(1))},
		{0xFC00, float32(math.Inf(-1))},
	}
	for _, tc := range tests {
		raw := binary.LittleEndian.AppendUint16(nil, tc.input)
		got, err := decodeHalf("h", TensorInfo{DType: "F16", Shape: []int{1}}, raw)
		if err != nil {
			t.Fatalf("decodeHalf(0x%04X): %v", tc.input, err)
		}
		result := got[0]
		if math.IsInf(float64(tc.expected), 0) {
			if !math.IsInf(float64(result), 0) {
				t.Errorf("F16 0x%04X: expected inf, got %f", tc.input, result)
			}
			continue
		}
		if result != tc.expected {
			t.Errorf("F16 0x%04X: expected %f, got %f", tc.input, tc.expected, result)
		}
	}
}
