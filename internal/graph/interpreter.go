package graph

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"

	"github.com/samcharles93/microconv/internal/depthwise"
	"github.com/samcharles93/microconv/internal/logger"
	"github.com/samcharles93/microconv/internal/safetensors"
	"github.com/samcharles93/microconv/internal/tensor"
)

// Options configure how a graph is built.
type Options struct {
	// CacheSlots is the number of repack caches shared by the graph's nodes.
	CacheSlots int
	// CacheCapacity is the size of each cache in 16-bit weights.
	CacheCapacity  int
	PackedLoads    bool
	ForceReference bool
	Logger         logger.Logger
}

// Interpreter owns the tensors, the operator instances and the weight cache
// arena of one graph. It is not safe for concurrent use.
type Interpreter struct {
	model   *Model
	tensors map[string]*tensor.Tensor
	nodes   []*node
	arena   *depthwise.Arena
	log     logger.Logger
}

type node struct {
	spec NodeSpec
	op   *depthwise.Op
	io   depthwise.Node
}

// NodeInfo describes one node for inspection.
type NodeInfo struct {
	Index        int
	Name         string
	ID           uuid.UUID
	InputShape   tensor.Shape
	FilterShape  tensor.Shape
	OutputShape  tensor.Shape
	DType        tensor.DType
	LastPath     depthwise.Path
	FastEligible bool
	Reason       string
}

// Build allocates every tensor, creates one operator per node and runs each
// operator's Prepare step.
func Build(m *Model, opts Options) (*Interpreter, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = logger.Default()
	}

	files := &tensorFiles{baseDir: m.baseDir, open: make(map[string]*safetensors.File)}
	defer files.close()

	it := &Interpreter{
		model:   m,
		tensors: make(map[string]*tensor.Tensor, len(m.Tensors)),
		arena:   depthwise.NewArena(opts.CacheSlots, opts.CacheCapacity),
		log:     log,
	}
	specs := make(map[string]TensorSpec, len(m.Tensors))
	for _, ts := range m.Tensors {
		specs[ts.Name] = ts
	}

	for i, ns := range m.Nodes {
		params, err := ns.Params.Depthwise()
		if err != nil {
			return nil, fmt.Errorf("node %d (%s): %w", i, ns.Name, err)
		}
		wiring := depthwise.Node{}
		for _, name := range ns.Inputs {
			t, err := it.tensor(name, specs, files)
			if err != nil {
				return nil, fmt.Errorf("node %d (%s): %w", i, ns.Name, err)
			}
			wiring.Inputs = append(wiring.Inputs, t)
		}
		for _, name := range ns.Outputs {
			spec := specs[name]
			if len(spec.Shape) == 0 && len(wiring.Inputs) >= 2 {
				shape, err := params.OutputShape(wiring.Inputs[0].Shape, wiring.Inputs[1].Shape)
				if err != nil {
					return nil, fmt.Errorf("node %d (%s): %w", i, ns.Name, err)
				}
				spec.Shape = shape
				specs[name] = spec
			}
			t, err := it.tensor(name, specs, files)
			if err != nil {
				return nil, fmt.Errorf("node %d (%s): %w", i, ns.Name, err)
			}
			wiring.Outputs = append(wiring.Outputs, t)
		}

		id := uuid.New()
		if ns.ID != "" {
			if id, err = uuid.Parse(ns.ID); err != nil {
				return nil, fmt.Errorf("node %d (%s): id: %w", i, ns.Name, err)
			}
		}
		op, err := depthwise.NewWithID(id, params, depthwise.Options{
			Arena:          it.arena,
			PackedLoads:    opts.PackedLoads,
			ForceReference: opts.ForceReference,
			Logger:         log.With("node", i, "name", ns.Name),
		})
		if err != nil {
			return nil, fmt.Errorf("node %d (%s): %w", i, ns.Name, err)
		}
		if err := op.Prepare(wiring); err != nil {
			return nil, fmt.Errorf("node %d (%s): %w", i, ns.Name, err)
		}
		it.nodes = append(it.nodes, &node{spec: ns, op: op, io: wiring})
	}

	for _, ts := range m.Tensors {
		if _, err := it.tensor(ts.Name, specs, files); err != nil {
			return nil, err
		}
	}
	log.Debug("graph built", "name", m.Name, "nodes", len(it.nodes), "tensors", len(it.tensors),
		"cache_slots", it.arena.Slots(), "cache_capacity", it.arena.Capacity())
	return it, nil
}

func (it *Interpreter) tensor(name string, specs map[string]TensorSpec, files *tensorFiles) (*tensor.Tensor, error) {
	if t, ok := it.tensors[name]; ok {
		return t, nil
	}
	t, err := materialize(specs[name], files)
	if err != nil {
		return nil, err
	}
	it.tensors[name] = t
	return t, nil
}

// Invoke runs every node in order. The context is checked between nodes.
func (it *Interpreter) Invoke(ctx context.Context) error {
	for i, n := range it.nodes {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := n.op.Eval(ctx, n.io); err != nil {
			return fmt.Errorf("node %d (%s): %w", i, n.spec.Name, err)
		}
	}
	return nil
}

// ErrNotInput is returned by SetInput for tensors that are not graph inputs.
var ErrNotInput = errors.New("not a graph input")

// SetInput copies src into the graph input name. Shapes and types must
// match; quantization metadata is left unchanged. Filters stay fixed for the
// life of the graph, so a graph input that also feeds a filter is refused.
func (it *Interpreter) SetInput(name string, src *tensor.Tensor) error {
	dst, ok := it.tensors[name]
	if !ok {
		return fmt.Errorf("unknown tensor %q", name)
	}
	if !slices.Contains(it.model.Inputs, name) {
		return fmt.Errorf("tensor %q: %w", name, ErrNotInput)
	}
	for _, n := range it.nodes {
		if n.io.Inputs[1] == dst {
			return fmt.Errorf("tensor %q is the filter of node %s: %w", name, n.spec.Name, ErrNotInput)
		}
	}
	if src.DType != dst.DType || !src.Shape.Equal(dst.Shape) {
		return fmt.Errorf("tensor %q: got %s %s, want %s %s", name, src.DType, src.Shape, dst.DType, dst.Shape)
	}
	if err := src.Validate(); err != nil {
		return fmt.Errorf("tensor %q: %w", name, err)
	}
	copy(dst.F32, src.F32)
	copy(dst.U8, src.U8)
	copy(dst.I8, src.I8)
	copy(dst.I32, src.I32)
	return nil
}

// Tensor returns the graph tensor name.
func (it *Interpreter) Tensor(name string) (*tensor.Tensor, bool) {
	t, ok := it.tensors[name]
	return t, ok
}

func (it *Interpreter) Name() string      { return it.model.Name }
func (it *Interpreter) Inputs() []string  { return slices.Clone(it.model.Inputs) }
func (it *Interpreter) Outputs() []string { return slices.Clone(it.model.Outputs) }

// Arena returns the repack cache arena shared by the graph's nodes.
func (it *Interpreter) Arena() *depthwise.Arena { return it.arena }

// Nodes describes every node, including whether it qualifies for the fast
// path and the path its last evaluation took.
func (it *Interpreter) Nodes() []NodeInfo {
	out := make([]NodeInfo, 0, len(it.nodes))
	for i, n := range it.nodes {
		eligible, reason := n.op.FastPathStatus(n.io)
		info := NodeInfo{
			Index:        i,
			Name:         n.spec.Name,
			ID:           n.op.ID,
			LastPath:     n.op.LastPath(),
			FastEligible: eligible,
			Reason:       reason,
		}
		if len(n.io.Inputs) >= 2 && len(n.io.Outputs) == 1 {
			info.InputShape = n.io.Inputs[0].Shape
			info.FilterShape = n.io.Inputs[1].Shape
			info.OutputShape = n.io.Outputs[0].Shape
			info.DType = n.io.Inputs[0].DType
		}
		out = append(out, info)
	}
	return out
}

// WriteOutputs stores the graph outputs in a safetensors file.
func (it *Interpreter) WriteOutputs(path string) error {
	outs := make([]*tensor.Tensor, 0, len(it.model.Outputs))
	for _, name := range it.model.Outputs {
		outs = append(outs, it.tensors[name])
	}
	return safetensors.Write(path, outs)
}

// Close frees every operator, returning their cache slots to the arena.
func (it *Interpreter) Close() {
	for _, n := range it.nodes {
		n.op.Free()
	}
}
