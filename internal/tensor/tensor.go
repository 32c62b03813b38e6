package tensor

import (
	"encoding/binary"
	"math"
	"strconv"
	"strings"
)

// DType describes the element encoding of a Tensor.
type DType uint8

const (
	DTypeInvalid DType = iota
	DTypeFloat32
	DTypeUint8
	DTypeInt8
	DTypeInt32
)

func (d DType) String() string {
	switch d {
	case DTypeFloat32:
		return "float32"
	case DTypeUint8:
		return "uint8"
	case DTypeInt8:
		return "int8"
	case DTypeInt32:
		return "int32"
	default:
		return "invalid"
	}
}

// Size returns the element size in bytes, or 0 for an invalid dtype.
func (d DType) Size() int {
	switch d {
	case DTypeFloat32, DTypeInt32:
		return 4
	case DTypeUint8, DTypeInt8:
		return 1
	default:
		return 0
	}
}

// ParseDType accepts both the long names used in graph files and the short
// safetensors spellings (F32, U8, I8, I32).
func ParseDType(s string) (DType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "float32", "f32":
		return DTypeFloat32, nil
	case "uint8", "u8":
		return DTypeUint8, nil
	case "int8", "i8":
		return DTypeInt8, nil
	case "int32", "i32":
		return DTypeInt32, nil
	default:
		return DTypeInvalid, errUnsupportedDType
	}
}

// SafetensorsName returns the dtype spelling used in safetensors headers.
func (d DType) SafetensorsName() string {
	switch d {
	case DTypeFloat32:
		return "F32"
	case DTypeUint8:
		return "U8"
	case DTypeInt8:
		return "I8"
	case DTypeInt32:
		return "I32"
	default:
		return ""
	}
}

// Shape holds tensor dimensions. Activations and filters are NHWC.
type Shape []int

func (s Shape) Rank() int { return len(s) }

// Dim returns the i-th dimension. It panics when i is out of range, like a
// slice index would.
func (s Shape) Dim(i int) int { return s[i] }

// FlatSize returns the element count. A rank-0 shape holds one element.
func (s Shape) FlatSize() int {
	n := 1
	for _, d := range s {
		n *= d
	}
	return n
}

// Offset returns the flat index of (b, y, x, c) in a rank-4 NHWC shape.
func (s Shape) Offset(b, y, x, c int) int {
	return ((b*s[1]+y)*s[2]+x)*s[3] + c
}

func (s Shape) Equal(o Shape) bool {
	if len(s) != len(o) {
		return false
	}
	for i := range s {
		if s[i] != o[i] {
			return false
		}
	}
	return true
}

func (s Shape) String() string {
	var b strings.Builder
	b.WriteByte('[')
	for i, d := range s {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Itoa(d))
	}
	b.WriteByte(']')
	return b.String()
}

func (s Shape) validate() error {
	n := 1
	for _, d := range s {
		if d < 0 {
			return errNegativeDim
		}
		if d != 0 && n > int(^uint(0)>>1)/d {
			return errTensorTooLarge
		}
		n *= d
	}
	return nil
}

// Quantization holds affine quantization metadata. A single Scale entry is a
// per-tensor scheme; more entries are per-channel along QuantizedDimension.
type Quantization struct {
	Scale              []float32
	ZeroPoint          []int32
	QuantizedDimension int
}

// Empty reports whether no quantization metadata is attached.
func (q Quantization) Empty() bool {
	return len(q.Scale) == 0 && len(q.ZeroPoint) == 0
}

func (q Quantization) PerChannel() bool {
	return len(q.Scale) > 1
}

// Params returns the per-tensor (first) scale and zero point. Missing entries
// read as zero.
func (q Quantization) Params() (float32, int32) {
	var scale float32
	var zp int32
	if len(q.Scale) > 0 {
		scale = q.Scale[0]
	}
	if len(q.ZeroPoint) > 0 {
		zp = q.ZeroPoint[0]
	}
	return scale, zp
}

// Tensor is a non-owning view over a host buffer. Exactly one of the typed
// slices is populated, matching DType.
type Tensor struct {
	Name  string
	DType DType
	Shape Shape
	Quant Quantization

	F32 []float32
	U8  []uint8
	I8  []int8
	I32 []int32
}

// New allocates a zeroed tensor of the given dtype and shape.
func New(name string, dt DType, shape Shape) (*Tensor, error) {
	if err := shape.validate(); err != nil {
		return nil, err
	}
	n := shape.FlatSize()
	t := &Tensor{Name: name, DType: dt, Shape: shape}
	switch dt {
	case DTypeFloat32:
		t.F32 = make([]float32, n)
	case DTypeUint8:
		t.U8 = make([]uint8, n)
	case DTypeInt8:
		t.I8 = make([]int8, n)
	case DTypeInt32:
		t.I32 = make([]int32, n)
	default:
		return nil, errUnsupportedDType
	}
	return t, nil
}

// Float32 wraps data without copying.
func Float32(name string, shape Shape, data []float32) (*Tensor, error) {
	t := &Tensor{Name: name, DType: DTypeFloat32, Shape: shape, F32: data}
	return t, t.Validate()
}

// Uint8 wraps data without copying.
func Uint8(name string, shape Shape, data []uint8) (*Tensor, error) {
	t := &Tensor{Name: name, DType: DTypeUint8, Shape: shape, U8: data}
	return t, t.Validate()
}

// Int8 wraps data without copying.
func Int8(name string, shape Shape, data []int8) (*Tensor, error) {
	t := &Tensor{Name: name, DType: DTypeInt8, Shape: shape, I8: data}
	return t, t.Validate()
}

// Int32 wraps data without copying.
func Int32(name string, shape Shape, data []int32) (*Tensor, error) {
	t := &Tensor{Name: name, DType: DTypeInt32, Shape: shape, I32: data}
	return t, t.Validate()
}

// WithQuant attaches quantization metadata and returns t for chaining.
func (t *Tensor) WithQuant(scale []float32, zeroPoint []int32) *Tensor {
	t.Quant = Quantization{Scale: scale, ZeroPoint: zeroPoint, QuantizedDimension: t.Quant.QuantizedDimension}
	return t
}

// Len returns the length of the populated backing slice.
func (t *Tensor) Len() int {
	switch t.DType {
	case DTypeFloat32:
		return len(t.F32)
	case DTypeUint8:
		return len(t.U8)
	case DTypeInt8:
		return len(t.I8)
	case DTypeInt32:
		return len(t.I32)
	default:
		return 0
	}
}

// Validate checks the dtype and that the backing slice covers the shape.
func (t *Tensor) Validate() error {
	if t == nil {
		return errNilTensor
	}
	if t.DType.Size() == 0 {
		return errUnsupportedDType
	}
	if err := t.Shape.validate(); err != nil {
		return err
	}
	if t.Len() != t.Shape.FlatSize() {
		return errDataSizeMismatch
	}
	return nil
}

// Bytes encodes the tensor payload little-endian.
func (t *Tensor) Bytes() []byte {
	switch t.DType {
	case DTypeFloat32:
		out := make([]byte, 4*len(t.F32))
		for i, v := range t.F32 {
			binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
		}
		return out
	case DTypeUint8:
		out := make([]byte, len(t.U8))
		copy(out, t.U8)
		return out
	case DTypeInt8:
		out := make([]byte, len(t.I8))
		for i, v := range t.I8 {
			out[i] = byte(v)
		}
		return out
	case DTypeInt32:
		out := make([]byte, 4*len(t.I32))
		for i, v := range t.I32 {
			binary.LittleEndian.PutUint32(out[i*4:], uint32(v))
		}
		return out
	default:
		return nil
	}
}

// FromBytes decodes a little-endian payload into a new tensor. raw must hold
// exactly the elements described by shape.
func FromBytes(name string, dt DType, shape Shape, raw []byte) (*Tensor, error) {
	if err := shape.validate(); err != nil {
		return nil, err
	}
	elemSize := dt.Size()
	if elemSize == 0 {
		return nil, errUnsupportedDType
	}
	n := shape.FlatSize()
	if n != 0 && n > int(^uint(0)>>1)/elemSize {
		return nil, errTensorTooLarge
	}
	if len(raw) != n*elemSize {
		return nil, errRawSizeMismatch
	}
	t, err := New(name, dt, shape)
	if err != nil {
		return nil, err
	}
	switch dt {
	case DTypeFloat32:
		for i := range t.F32 {
			t.F32[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
	case DTypeUint8:
		copy(t.U8, raw)
	case DTypeInt8:
		for i := range t.I8 {
			t.I8[i] = int8(raw[i])
		}
	case DTypeInt32:
		for i := range t.I32 {
			t.I32[i] = int32(binary.LittleEndian.Uint32(raw[i*4:]))
		}
	}
	return t, nil
}

// Clone returns a deep copy of t, including quantization metadata.
func (t *Tensor) Clone() *Tensor {
	c := &Tensor{
		Name:  t.Name,
		DType: t.DType,
		Shape: append(Shape(nil), t.Shape...),
		Quant: Quantization{
			Scale:              append([]float32(nil), t.Quant.Scale...),
			ZeroPoint:          append([]int32(nil), t.Quant.ZeroPoint...),
			QuantizedDimension: t.Quant.QuantizedDimension,
		},
	}
	c.F32 = append([]float32(nil), t.F32...)
	c.U8 = append([]uint8(nil), t.U8...)
	c.I8 = append([]int8(nil), t.I8...)
	c.I32 = append([]int32(nil), t.I32...)
	return c
}

var (
	errNilTensor        = fmtError("nil tensor")
	errNegativeDim      = fmtError("negative dimension for tensor")
	errUnsupportedDType = fmtError("unsupported tensor dtype")
	errTensorTooLarge   = fmtError("tensor too large")
	errDataSizeMismatch = fmtError("tensor data length does not match shape")
	errRawSizeMismatch  = fmtError("raw data length mismatch")
)

type fmtError string

func (e fmtError) Error() string { return string(e) }
