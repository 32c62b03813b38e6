package depthwise

import (
	"context"

	"github.com/google/uuid"

	"github.com/samcharles93/microconv/internal/logger"
	"github.com/samcharles93/microconv/internal/padding"
	"github.com/samcharles93/microconv/internal/tensor"
)

// Node is the tensor wiring of one evaluation: input, filter and optional
// bias, and a single output.
type Node struct {
	Inputs  []*tensor.Tensor
	Outputs []*tensor.Tensor
}

func (n Node) input() *tensor.Tensor  { return n.Inputs[0] }
func (n Node) filter() *tensor.Tensor { return n.Inputs[1] }
func (n Node) output() *tensor.Tensor { return n.Outputs[0] }

func (n Node) bias() *tensor.Tensor {
	if len(n.Inputs) == 3 {
		return n.Inputs[2]
	}
	return nil
}

// Op is one depthwise convolution instance. Its ID decides which repack
// cache slot it may use. An Op must not be evaluated from two goroutines at
// once; distinct Ops may run concurrently.
type Op struct {
	ID     uuid.UUID
	Params Params

	opts  Options
	arena *Arena

	warnedContention bool
	warnedCapacity   bool
	lastPath         Path
}

// New creates an Op with a random instance ID.
func New(p Params, opts Options) (*Op, error) {
	return NewWithID(uuid.New(), p, opts)
}

// NewWithID creates an Op with an explicit instance ID.
func NewWithID(id uuid.UUID, p Params, opts Options) (*Op, error) {
	if id == uuid.Nil {
		return nil, shapeErrorf("op instance id must not be nil")
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	arena := opts.Arena
	if arena == nil {
		arena = NewArena(1, DefaultCacheCapacity)
	}
	return &Op{ID: id, Params: p, opts: opts, arena: arena}, nil
}

// LastPath returns the path taken by the most recent successful Eval.
func (o *Op) LastPath() Path { return o.lastPath }

// Arena returns the arena the op draws its cache slot from.
func (o *Op) Arena() *Arena { return o.arena }

// Free releases the op's cache slot and clears its per-instance state.
func (o *Op) Free() {
	o.arena.Release(o.ID)
	o.warnedContention = false
	o.warnedCapacity = false
	o.lastPath = PathNone
}

// Prepare checks arity and ranks. Everything shape-dependent is derived
// again on each Eval.
func (o *Op) Prepare(n Node) error {
	if err := checkArity(n); err != nil {
		return err
	}
	for _, t := range []*tensor.Tensor{n.input(), n.filter(), n.output()} {
		if t.Shape.Rank() != 4 {
			return shapeErrorf("tensor %q has rank %d, want 4", t.Name, t.Shape.Rank())
		}
	}
	return nil
}

// Eval runs the convolution, writing into the output tensor. Failures are
// returned as is; nothing is retried.
func (o *Op) Eval(ctx context.Context, n Node) error {
	log := o.logger(ctx)

	if err := checkArity(n); err != nil {
		return err
	}
	if err := o.checkShapes(n); err != nil {
		return err
	}
	if n.input().DType == tensor.DTypeInt8 {
		if err := checkPerChannelMetadata(n.filter()); err != nil {
			return err
		}
	}
	data, err := o.computePadding(n)
	if err != nil {
		return err
	}
	k, err := selectKernel(n)
	if err != nil {
		return err
	}
	kp, err := k.resolve(o, n, &data)
	if err != nil {
		return err
	}
	path, err := k.run(o, log, kp, n)
	if err != nil {
		return err
	}
	o.lastPath = path
	log.Debug("depthwise conv evaluated", "op", o.ID, "path", path.String())
	return nil
}

// FastPathStatus reports whether n would run on the fast path, and why not
// otherwise. It does not claim a cache slot.
func (o *Op) FastPathStatus(n Node) (bool, string) {
	if err := checkArity(n); err != nil {
		return false, err.Error()
	}
	if err := o.checkShapes(n); err != nil {
		return false, err.Error()
	}
	if o.opts.ForceReference {
		return false, "fast path disabled"
	}
	if n.input().DType != tensor.DTypeUint8 {
		return false, "input is " + n.input().DType.String()
	}
	if _, err := selectKernel(n); err != nil {
		return false, err.Error()
	}
	data, err := o.computePadding(n)
	if err != nil {
		return false, err.Error()
	}
	kp, err := uint8Kernel{}.resolve(o, n, &data)
	if err != nil {
		return false, err.Error()
	}
	if reason := fastPathBlocker(kp, n.input(), n.filter()); reason != "" {
		return false, reason
	}
	if needed := NeededSize(n.filter().Shape, 1); needed > o.arena.Capacity() {
		return false, "filter does not fit the weight cache"
	}
	return true, ""
}

// fastPathCache returns this instance's cache slot when the fast path may
// run, or nil. Refusals caused by capacity or by another instance holding
// every slot are reported once per instance.
func (o *Op) fastPathCache(log logger.Logger, p KernelParams, n Node) *RepackCache {
	if o.opts.ForceReference || fastPathBlocker(p, n.input(), n.filter()) != "" {
		return nil
	}
	needed := NeededSize(n.filter().Shape, n.input().Shape[3])
	if needed > o.arena.Capacity() {
		if !o.warnedCapacity {
			log.Warn("size too large for reshaped weight buffer, using reference path",
				"op", o.ID, "needed", needed, "available", o.arena.Capacity())
			o.warnedCapacity = true
		}
		return nil
	}
	cache, ok := o.arena.Acquire(o.ID)
	if !ok {
		if !o.warnedContention {
			log.Warn("multiple depthwise conv ops match optimization parameters, but only cache owners use the fast path",
				"op", o.ID, "slots", o.arena.Slots())
			o.warnedContention = true
		}
		return nil
	}
	return cache
}

func (o *Op) logger(ctx context.Context) logger.Logger {
	if o.opts.Logger != nil {
		return o.opts.Logger
	}
	return logger.FromContext(ctx)
}

func checkArity(n Node) error {
	if len(n.Inputs) != 2 && len(n.Inputs) != 3 {
		return shapeErrorf("got %d inputs, want 2 or 3", len(n.Inputs))
	}
	if len(n.Outputs) != 1 {
		return shapeErrorf("got %d outputs, want 1", len(n.Outputs))
	}
	for i, t := range n.Inputs {
		if t == nil {
			return shapeErrorf("input %d is nil", i)
		}
	}
	if n.Outputs[0] == nil {
		return shapeErrorf("output is nil")
	}
	return nil
}

func (o *Op) checkShapes(n Node) error {
	input, filter, output := n.input(), n.filter(), n.output()
	for _, t := range []*tensor.Tensor{input, filter, output} {
		if t.Shape.Rank() != 4 {
			return shapeErrorf("tensor %q has rank %d, want 4", t.Name, t.Shape.Rank())
		}
		if err := t.Validate(); err != nil {
			return shapeErrorf("tensor %q: %v", t.Name, err)
		}
	}
	if filter.Shape[0] != 1 {
		return shapeErrorf("filter batch is %d, want 1", filter.Shape[0])
	}
	if input.Shape[0] != output.Shape[0] {
		return shapeErrorf("input batch %d does not match output batch %d", input.Shape[0], output.Shape[0])
	}
	outDepth := output.Shape[3]
	if filter.Shape[3] != outDepth {
		return shapeErrorf("filter depth %d does not match output depth %d", filter.Shape[3], outDepth)
	}
	if want := input.Shape[3] * o.Params.DepthMultiplier; outDepth != want {
		return shapeErrorf("output depth %d, want input depth %d x multiplier %d", outDepth, input.Shape[3], o.Params.DepthMultiplier)
	}
	if b := n.bias(); b != nil {
		if err := b.Validate(); err != nil {
			return shapeErrorf("bias %q: %v", b.Name, err)
		}
		if b.Shape.FlatSize() != outDepth {
			return shapeErrorf("bias has %d elements, want %d", b.Shape.FlatSize(), outDepth)
		}
	}
	return nil
}

func (o *Op) computePadding(n Node) (OpData, error) {
	input, filter, output := n.input(), n.filter(), n.output()
	dh, dw := o.Params.dilation()
	values, outHeight, outWidth := padding.ComputePaddingHeightWidth(
		o.Params.StrideHeight, o.Params.StrideWidth, dh, dw,
		input.Shape[1], input.Shape[2], filter.Shape[1], filter.Shape[2], o.Params.Padding)
	if outHeight <= 0 || outWidth <= 0 {
		return OpData{}, shapeErrorf("filter %s does not fit input %s with %s padding", filter.Shape, input.Shape, o.Params.Padding)
	}
	if output.Shape[1] != outHeight || output.Shape[2] != outWidth {
		return OpData{}, shapeErrorf("output is %dx%d, want %dx%d", output.Shape[1], output.Shape[2], outHeight, outWidth)
	}
	return OpData{Padding: values, OutHeight: outHeight, OutWidth: outWidth}, nil
}

// OutputShape returns the output shape Eval expects for the given input and
// filter shapes.
func (p Params) OutputShape(input, filter tensor.Shape) (tensor.Shape, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if input.Rank() != 4 || filter.Rank() != 4 {
		return nil, shapeErrorf("input %s and filter %s must be rank 4", input, filter)
	}
	dh, dw := p.dilation()
	_, outHeight, outWidth := padding.ComputePaddingHeightWidth(
		p.StrideHeight, p.StrideWidth, dh, dw, input[1], input[2], filter[1], filter[2], p.Padding)
	if outHeight <= 0 || outWidth <= 0 {
		return nil, shapeErrorf("filter %s does not fit input %s with %s padding", filter, input, p.Padding)
	}
	return tensor.Shape{input[0], outHeight, outWidth, input[3] * p.DepthMultiplier}, nil
}
