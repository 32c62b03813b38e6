package safetensors

import (
	"encoding/binary"
	"fmt"
	"io"
	"maps"
	"math"
	"os"
	"slices"

	json "github.com/goccy/go-json"
	"github.com/x448/float16"
	"golang.org/x/sys/unix"

	"github.com/samcharles93/microconv/internal/tensor"
)

// metadataQuantKey holds the JSON-encoded quantization table inside
// __metadata__. safetensors metadata values must be strings.
const metadataQuantKey = "microconv.quantization"

type TensorInfo struct {
	DType string
	Shape []int
	Start int64
	End   int64
}

type File struct {
	Path      string
	DataStart int64
	Tensors   map[string]TensorInfo
	Metadata  map[string]string

	data    []byte
	mmapped bool
}

type tensorHeader struct {
	DType       string  `json:"dtype"`
	Shape       []int   `json:"shape"`
	DataOffsets []int64 `json:"data_offsets"`
}

type quantHeader struct {
	Scale              []float32 `json:"scale"`
	ZeroPoint          []int32   `json:"zero_point"`
	QuantizedDimension int       `json:"quantized_dimension,omitempty"`
}

// Open maps the file read-only, falling back to reading it into memory when
// mmap is unavailable. Call Close to release the mapping.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size64 := stat.Size()
	if size64 < 8 || size64 > int64(int(^uint(0)>>1)) {
		return nil, fmt.Errorf("%s: invalid safetensors size %d", path, size64)
	}
	size := int(size64)

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err == nil {
		sf, parseErr := parse(path, data, true)
		if parseErr != nil {
			_ = unix.Munmap(data)
			return nil, parseErr
		}
		return sf, nil
	}

	data, err = readAllAt(f, size)
	if err != nil {
		return nil, err
	}
	return parse(path, data, false)
}

func parse(path string, data []byte, mmapped bool) (*File, error) {
	headerLen := binary.LittleEndian.Uint64(data[:8])
	if headerLen > uint64(len(data)-8) {
		return nil, fmt.Errorf("%s: header length %d exceeds file size", path, headerLen)
	}
	headerBytes := data[8 : 8+headerLen]

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(headerBytes, &raw); err != nil {
		return nil, err
	}
	var metadata map[string]string
	if msg, ok := raw["__metadata__"]; ok {
		if err := json.Unmarshal(msg, &metadata); err != nil {
			return nil, fmt.Errorf("parse __metadata__: %w", err)
		}
		delete(raw, "__metadata__")
	}

	dataLen := int64(len(data)) - int64(8+headerLen)
	tensors := make(map[string]TensorInfo, len(raw))
	for name, msg := range raw {
		var th tensorHeader
		if err := json.Unmarshal(msg, &th); err != nil {
			return nil, fmt.Errorf("parse tensor %s: %w", name, err)
		}
		if len(th.DataOffsets) != 2 {
			return nil, fmt.Errorf("tensor %s: invalid data_offsets", name)
		}
		if th.DataOffsets[1] > dataLen {
			return nil, fmt.Errorf("tensor %s: data extends past end of file", name)
		}
		tensors[name] = TensorInfo{
			DType: th.DType,
			Shape: th.Shape,
			Start: th.DataOffsets[0],
			End:   th.DataOffsets[1],
		}
	}
	return &File{
		Path:      path,
		DataStart: int64(8 + headerLen),
		Tensors:   tensors,
		Metadata:  metadata,
		data:      data,
		mmapped:   mmapped,
	}, nil
}

// Close releases the file mapping. Slices returned by ReadTensor stay valid.
func (f *File) Close() error {
	if f == nil || f.data == nil {
		return nil
	}
	var err error
	if f.mmapped {
		err = unix.Munmap(f.data)
	}
	f.data = nil
	f.mmapped = false
	return err
}

func (f *File) Tensor(name string) (TensorInfo, bool) {
	t, ok := f.Tensors[name]
	return t, ok
}

// Names returns the tensor names in sorted order.
func (f *File) Names() []string {
	return slices.Sorted(maps.Keys(f.Tensors))
}

// ReadTensor returns a copy of the raw payload of name.
func (f *File) ReadTensor(name string) ([]byte, TensorInfo, error) {
	t, ok := f.Tensors[name]
	if !ok {
		return nil, TensorInfo{}, fmt.Errorf("tensor not found: %s", name)
	}
	if t.End < t.Start || t.Start < 0 {
		return nil, TensorInfo{}, fmt.Errorf("tensor %s: invalid offsets", name)
	}
	if f.data == nil {
		return nil, TensorInfo{}, fmt.Errorf("read tensor %s: file closed", name)
	}
	start := f.DataStart + t.Start
	end := f.DataStart + t.End
	return slices.Clone(f.data[start:end]), t, nil
}

// Load decodes name into a tensor, attaching quantization metadata when the
// file carries it. F16 and BF16 payloads are widened to float32.
func (f *File) Load(name string) (*tensor.Tensor, error) {
	raw, info, err := f.ReadTensor(name)
	if err != nil {
		return nil, err
	}
	var t *tensor.Tensor
	switch info.DType {
	case "F16", "BF16":
		values, err := decodeHalf(name, info, raw)
		if err != nil {
			return nil, err
		}
		t, err = tensor.Float32(name, tensor.Shape(info.Shape), values)
		if err != nil {
			return nil, fmt.Errorf("tensor %s: %w", name, err)
		}
	default:
		dt, err := tensor.ParseDType(info.DType)
		if err != nil {
			return nil, fmt.Errorf("tensor %s: unsupported dtype %s", name, info.DType)
		}
		t, err = tensor.FromBytes(name, dt, tensor.Shape(info.Shape), raw)
		if err != nil {
			return nil, fmt.Errorf("tensor %s: %w", name, err)
		}
	}

	quant, err := f.quantization()
	if err != nil {
		return nil, err
	}
	if q, ok := quant[name]; ok {
		t.Quant = tensor.Quantization{Scale: q.Scale, ZeroPoint: q.ZeroPoint, QuantizedDimension: q.QuantizedDimension}
	}
	return t, nil
}

func (f *File) quantization() (map[string]quantHeader, error) {
	s, ok := f.Metadata[metadataQuantKey]
	if !ok {
		return nil, nil
	}
	var out map[string]quantHeader
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, fmt.Errorf("parse %s metadata: %w", metadataQuantKey, err)
	}
	return out, nil
}

// Write stores tensors in a new safetensors file. Payloads are laid out
// contiguously in name order; quantization metadata goes into __metadata__.
func Write(path string, tensors []*tensor.Tensor) error {
	sorted := slices.Clone(tensors)
	slices.SortFunc(sorted, func(a, b *tensor.Tensor) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		}
		return 0
	})

	header := make(map[string]any, len(sorted)+1)
	quant := make(map[string]quantHeader)
	var offset int64
	for i, t := range sorted {
		if err := t.Validate(); err != nil {
			return fmt.Errorf("tensor %s: %w", t.Name, err)
		}
		if i > 0 && sorted[i-1].Name == t.Name {
			return fmt.Errorf("duplicate tensor name %q", t.Name)
		}
		size := int64(t.Shape.FlatSize() * t.DType.Size())
		header[t.Name] = tensorHeader{
			DType:       t.DType.SafetensorsName(),
			Shape:       append([]int{}, t.Shape...),
			DataOffsets: []int64{offset, offset + size},
		}
		offset += size
		if !t.Quant.Empty() {
			quant[t.Name] = quantHeader{Scale: t.Quant.Scale, ZeroPoint: t.Quant.ZeroPoint, QuantizedDimension: t.Quant.QuantizedDimension}
		}
	}
	if len(quant) > 0 {
		encoded, err := json.Marshal(quant)
		if err != nil {
			return err
		}
		header["__metadata__"] = map[string]string{metadataQuantKey: string(encoded)}
	}
	headerBytes, err := json.Marshal(header)
	if err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(headerBytes)))
	if _, err := f.Write(lenBuf[:]); err != nil {
		_ = f.Close()
		return err
	}
	if _, err := f.Write(headerBytes); err != nil {
		_ = f.Close()
		return err
	}
	for _, t := range sorted {
		if _, err := f.Write(t.Bytes()); err != nil {
			_ = f.Close()
			return fmt.Errorf("write tensor %s: %w", t.Name, err)
		}
	}
	return f.Close()
}

func decodeHalf(name string, info TensorInfo, raw []byte) ([]float32, error) {
	n, err := numElements(info.Shape)
	if err != nil {
		return nil, fmt.Errorf("tensor %s: %w", name, err)
	}
	if len(raw) != n*2 {
		return nil, fmt.Errorf("tensor %s: invalid %s data size", name, info.DType)
	}
	out := make([]float32, n)
	for i := range n {
		u := binary.LittleEndian.Uint16(raw[i*2:])
		if info.DType == "BF16" {
			out[i] = bf16ToF32(u)
		} else {
			out[i] = float16.Frombits(u).Float32()
		}
	}
	return out, nil
}

func numElements(shape []int) (int, error) {
	if len(shape) == 0 {
		return 0, fmt.Errorf("empty shape")
	}
	n := 1
	for _, d := range shape {
		if d <= 0 {
			return 0, fmt.Errorf("invalid dim %d", d)
		}
		if n > (int(^uint(0)>>1))/d {
			return 0, fmt.Errorf("tensor too large")
		}
		n *= d
	}
	return n, nil
}

func readAllAt(r io.ReaderAt, size int) ([]byte, error) {
	out := make([]byte, size)
	var off int64
	for off < int64(size) {
		n, err := r.ReadAt(out[off:], off)
		off += int64(n)
		if err == nil {
			continue
		}
		if err == io.EOF && off == int64(size) {
			break
		}
		return nil, err
	}
	return out, nil
}

func bf16ToF32(u uint16) float32 {
	return math.Float32frombits(uint32(u) << 16)
}
