package graph

import (
	"fmt"
	"math"
	"path/filepath"

	"github.com/samcharles93/microconv/internal/safetensors"
	"github.com/samcharles93/microconv/internal/tensor"
	"github.com/samcharles93/microconv/pkg/quant"
)

// tensorFiles caches opened safetensors files for the duration of a build.
type tensorFiles struct {
	baseDir string
	open    map[string]*safetensors.File
}

func (tf *tensorFiles) get(path string) (*safetensors.File, error) {
	if !filepath.IsAbs(path) && tf.baseDir != "" {
		path = filepath.Join(tf.baseDir, path)
	}
	if f, ok := tf.open[path]; ok {
		return f, nil
	}
	f, err := safetensors.Open(path)
	if err != nil {
		return nil, err
	}
	tf.open[path] = f
	return f, nil
}

func (tf *tensorFiles) close() {
	for _, f := range tf.open {
		_ = f.Close()
	}
}

// materialize allocates and fills one declared tensor.
func materialize(ts TensorSpec, files *tensorFiles) (*tensor.Tensor, error) {
	dt, err := tensor.ParseDType(ts.DType)
	if err != nil {
		return nil, fmt.Errorf("tensor %q: dtype %q: %w", ts.Name, ts.DType, err)
	}

	if ts.File != "" {
		return fromFile(ts, dt, files)
	}

	t, err := tensor.New(ts.Name, dt, tensor.Shape(ts.Shape))
	if err != nil {
		return nil, fmt.Errorf("tensor %q: %w", ts.Name, err)
	}
	t.Quant = quantization(ts)

	switch {
	case len(ts.Data) > 0:
		if len(ts.Data) != t.Len() {
			return nil, fmt.Errorf("tensor %q: %d data values for shape %s", ts.Name, len(ts.Data), t.Shape)
		}
		for i, v := range ts.Data {
			if err := store(t, i, v); err != nil {
				return nil, fmt.Errorf("tensor %q: element %d: %w", ts.Name, i, err)
			}
		}
	case len(ts.Real) > 0:
		if len(ts.Real) != t.Len() {
			return nil, fmt.Errorf("tensor %q: %d real values for shape %s", ts.Name, len(ts.Real), t.Shape)
		}
		if err := quantizeInto(t, ts.Real); err != nil {
			return nil, fmt.Errorf("tensor %q: %w", ts.Name, err)
		}
	}
	return t, nil
}

// NewTensor materializes an inline tensor declaration. File sources are
// rejected.
func NewTensor(ts TensorSpec) (*tensor.Tensor, error) {
	if ts.File != "" {
		return nil, fmt.Errorf("tensor %q: file sources are not accepted here", ts.Name)
	}
	return materialize(ts, nil)
}

// SpecOf describes t with its stored values in Data.
func SpecOf(t *tensor.Tensor) TensorSpec {
	ts := TensorSpec{
		Name:               t.Name,
		DType:              t.DType.String(),
		Shape:              append([]int{}, t.Shape...),
		Scale:              t.Quant.Scale,
		ZeroPoint:          t.Quant.ZeroPoint,
		QuantizedDimension: t.Quant.QuantizedDimension,
		Data:               make([]float64, 0, t.Len()),
	}
	switch t.DType {
	case tensor.DTypeFloat32:
		for _, v := range t.F32 {
			ts.Data = append(ts.Data, float64(v))
		}
	case tensor.DTypeUint8:
		for _, v := range t.U8 {
			ts.Data = append(ts.Data, float64(v))
		}
	case tensor.DTypeInt8:
		for _, v := range t.I8 {
			ts.Data = append(ts.Data, float64(v))
		}
	case tensor.DTypeInt32:
		for _, v := range t.I32 {
			ts.Data = append(ts.Data, float64(v))
		}
	}
	return ts
}

func quantization(ts TensorSpec) tensor.Quantization {
	return tensor.Quantization{Scale: ts.Scale, ZeroPoint: ts.ZeroPoint, QuantizedDimension: ts.QuantizedDimension}
}

func fromFile(ts TensorSpec, dt tensor.DType, files *tensorFiles) (*tensor.Tensor, error) {
	f, err := files.get(ts.File)
	if err != nil {
		return nil, fmt.Errorf("tensor %q: %w", ts.Name, err)
	}
	key := ts.Key
	if key == "" {
		key = ts.Name
	}
	t, err := f.Load(key)
	if err != nil {
		return nil, fmt.Errorf("tensor %q: %w", ts.Name, err)
	}
	if t.DType != dt {
		return nil, fmt.Errorf("tensor %q: file holds %s, declared %s", ts.Name, t.DType, dt)
	}
	if len(ts.Shape) > 0 && !t.Shape.Equal(tensor.Shape(ts.Shape)) {
		return nil, fmt.Errorf("tensor %q: file shape %s, declared %v", ts.Name, t.Shape, ts.Shape)
	}
	t.Name = ts.Name
	if q := quantization(ts); !q.Empty() {
		t.Quant = q
	}
	return t, nil
}

// store writes a stored (already quantized) value, rejecting values the
// element type cannot represent.
func store(t *tensor.Tensor, i int, v float64) error {
	if t.DType == tensor.DTypeFloat32 {
		t.F32[i] = float32(v)
		return nil
	}
	if v != math.Trunc(v) {
		return fmt.Errorf("%g is not an integer", v)
	}
	switch t.DType {
	case tensor.DTypeUint8:
		if v < 0 || v > math.MaxUint8 {
			return fmt.Errorf("%g out of uint8 range", v)
		}
		t.U8[i] = uint8(v)
	case tensor.DTypeInt8:
		if v < math.MinInt8 || v > math.MaxInt8 {
			return fmt.Errorf("%g out of int8 range", v)
		}
		t.I8[i] = int8(v)
	case tensor.DTypeInt32:
		if v < math.MinInt32 || v > math.MaxInt32 {
			return fmt.Errorf("%g out of int32 range", v)
		}
		t.I32[i] = int32(v)
	}
	return nil
}

// quantizeInto fills t from real values using its per-tensor or per-channel
// quantization parameters.
func quantizeInto(t *tensor.Tensor, values []float32) error {
	if t.DType == tensor.DTypeFloat32 {
		copy(t.F32, values)
		return nil
	}
	if len(t.Quant.Scale) == 0 {
		return fmt.Errorf("real values need a scale")
	}
	affine := func(i int) (quant.Affine, error) {
		ch := 0
		if t.Quant.PerChannel() {
			dim := t.Quant.QuantizedDimension
			if dim < 0 || dim >= t.Shape.Rank() {
				return quant.Affine{}, fmt.Errorf("quantized dimension %d out of range", dim)
			}
			inner := 1
			for _, d := range t.Shape[dim+1:] {
				inner *= d
			}
			ch = (i / inner) % t.Shape[dim]
			if ch >= len(t.Quant.Scale) {
				return quant.Affine{}, fmt.Errorf("no scale for channel %d", ch)
			}
		}
		a := quant.Affine{Scale: t.Quant.Scale[ch]}
		if ch < len(t.Quant.ZeroPoint) {
			a.ZeroPoint = t.Quant.ZeroPoint[ch]
		}
		if !(a.Scale > 0) {
			return quant.Affine{}, fmt.Errorf("non-positive scale %g", a.Scale)
		}
		return a, nil
	}
	for i, v := range values {
		a, err := affine(i)
		if err != nil {
			return err
		}
		switch t.DType {
		case tensor.DTypeUint8:
			t.U8[i] = a.QuantizeUint8(v)
		case tensor.DTypeInt8:
			t.I8[i] = a.QuantizeInt8(v)
		case tensor.DTypeInt32:
			t.I32[i] = a.Quantize(v, math.MinInt32, math.MaxInt32)
		}
	}
	return nil
}
