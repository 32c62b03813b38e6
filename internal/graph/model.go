// Package graph is a small host runtime for depthwise convolution graphs. A
// graph is described in YAML, its tensors are allocated once and its nodes run
// in declaration order.
package graph

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/samcharles93/microconv/internal/depthwise"
	"github.com/samcharles93/microconv/internal/padding"
	"github.com/samcharles93/microconv/pkg/quant"
)

// OpDepthwiseConv2D is the only operator a graph may contain.
const OpDepthwiseConv2D = "depthwise_conv_2d"

// Model is the YAML description of a graph.
type Model struct {
	Name    string       `yaml:"name" json:"name"`
	Inputs  []string     `yaml:"inputs" json:"inputs"`
	Outputs []string     `yaml:"outputs" json:"outputs"`
	Tensors []TensorSpec `yaml:"tensors" json:"tensors"`
	Nodes   []NodeSpec   `yaml:"nodes" json:"nodes"`

	// baseDir resolves relative tensor file paths.
	baseDir string
}

// TensorSpec declares one tensor. Contents come from at most one of Data
// (stored values), Real (values quantized with Scale and ZeroPoint) or
// File and Key (a safetensors payload). A tensor without contents is zeroed.
type TensorSpec struct {
	Name               string    `yaml:"name" json:"name"`
	DType              string    `yaml:"dtype" json:"dtype"`
	Shape              []int     `yaml:"shape" json:"shape"`
	Scale              []float32 `yaml:"scale,omitempty" json:"scale,omitempty"`
	ZeroPoint          []int32   `yaml:"zero_point,omitempty" json:"zero_point,omitempty"`
	QuantizedDimension int       `yaml:"quantized_dimension,omitempty" json:"quantized_dimension,omitempty"`

	Data []float64 `yaml:"data,omitempty" json:"data,omitempty"`
	Real []float32 `yaml:"real,omitempty" json:"real,omitempty"`
	File string    `yaml:"file,omitempty" json:"file,omitempty"`
	Key  string    `yaml:"key,omitempty" json:"key,omitempty"`
}

// NodeSpec declares one operator. ID pins the instance identity; when empty
// a random one is assigned at build time.
type NodeSpec struct {
	Name    string     `yaml:"name" json:"name"`
	ID      string     `yaml:"id,omitempty" json:"id,omitempty"`
	Op      string     `yaml:"op" json:"op"`
	Inputs  []string   `yaml:"inputs" json:"inputs"`
	Outputs []string   `yaml:"outputs" json:"outputs"`
	Params  NodeParams `yaml:"params" json:"params"`
}

// NodeParams mirrors depthwise.Params with YAML-friendly spellings. Strides
// and dilation are [height, width].
type NodeParams struct {
	Padding         string `yaml:"padding" json:"padding"`
	Strides         []int  `yaml:"strides,omitempty" json:"strides,omitempty"`
	Dilation        []int  `yaml:"dilation,omitempty" json:"dilation,omitempty"`
	DepthMultiplier int    `yaml:"depth_multiplier,omitempty" json:"depth_multiplier,omitempty"`
	Activation      string `yaml:"activation,omitempty" json:"activation,omitempty"`
}

// LoadModel reads a YAML model. Relative tensor file paths are resolved
// against the model's directory.
func LoadModel(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	m, err := ParseModel(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	m.baseDir = filepath.Dir(path)
	return m, nil
}

// ParseModel decodes a YAML model and checks its structure.
func ParseModel(data []byte) (*Model, error) {
	var m Model
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse model: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks names and references without touching tensor contents.
func (m *Model) Validate() error {
	if len(m.Nodes) == 0 {
		return fmt.Errorf("model has no nodes")
	}
	declared := make(map[string]bool, len(m.Tensors))
	for _, ts := range m.Tensors {
		if ts.Name == "" {
			return fmt.Errorf("tensor without a name")
		}
		if declared[ts.Name] {
			return fmt.Errorf("duplicate tensor %q", ts.Name)
		}
		declared[ts.Name] = true
		sources := 0
		for _, set := range []bool{len(ts.Data) > 0, len(ts.Real) > 0, ts.File != ""} {
			if set {
				sources++
			}
		}
		if sources > 1 {
			return fmt.Errorf("tensor %q sets more than one of data, real and file", ts.Name)
		}
	}
	produced := make(map[string]bool)
	for i, ns := range m.Nodes {
		if ns.Op != OpDepthwiseConv2D {
			return fmt.Errorf("node %d (%s): unsupported op %q", i, ns.Name, ns.Op)
		}
		for _, name := range append(append([]string{}, ns.Inputs...), ns.Outputs...) {
			if !declared[name] {
				return fmt.Errorf("node %d (%s): undeclared tensor %q", i, ns.Name, name)
			}
		}
		for _, name := range ns.Outputs {
			if produced[name] {
				return fmt.Errorf("node %d (%s): tensor %q already produced", i, ns.Name, name)
			}
			produced[name] = true
		}
		if _, err := ns.Params.Depthwise(); err != nil {
			return fmt.Errorf("node %d (%s): %w", i, ns.Name, err)
		}
	}
	for _, name := range append(append([]string{}, m.Inputs...), m.Outputs...) {
		if !declared[name] {
			return fmt.Errorf("graph references undeclared tensor %q", name)
		}
	}
	return nil
}

// Depthwise converts p, applying defaults: stride, dilation and depth
// multiplier 1, no activation.
func (p NodeParams) Depthwise() (depthwise.Params, error) {
	mode, err := padding.ParseMode(p.Padding)
	if err != nil {
		return depthwise.Params{}, err
	}
	act, err := quant.ParseActivation(p.Activation)
	if err != nil {
		return depthwise.Params{}, err
	}
	strideH, strideW, err := pair("strides", p.Strides, 1)
	if err != nil {
		return depthwise.Params{}, err
	}
	dilationH, dilationW, err := pair("dilation", p.Dilation, 1)
	if err != nil {
		return depthwise.Params{}, err
	}
	dm := p.DepthMultiplier
	if dm == 0 {
		dm = 1
	}
	out := depthwise.Params{
		Padding:         mode,
		StrideHeight:    strideH,
		StrideWidth:     strideW,
		DilationHeight:  dilationH,
		DilationWidth:   dilationW,
		DepthMultiplier: dm,
		Activation:      act,
	}
	return out, out.Validate()
}

func pair(field string, v []int, def int) (int, int, error) {
	switch len(v) {
	case 0:
		return def, def, nil
	case 1:
		return v[0], v[0], nil
	case 2:
		return v[0], v[1], nil
	default:
		return 0, 0, fmt.Errorf("%s: want [height, width], got %v", field, v)
	}
}
