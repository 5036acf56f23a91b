package native

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/sourcegraph/conc/pool"

	"github.com/psantana5/inferexec/pkg/backend"
	"github.com/psantana5/inferexec/pkg/resources"
)

// optionalTensor marks an absent optional operator input.
const optionalTensor = -1

type tensor struct {
	spec     tensorSpec
	elems    int
	data     []byte
	constant bool
}

func (t *tensor) floats() []float32 {
	return Float32s(t.data)
}

func (t *tensor) setFloats(v []float32) {
	for i, f := range v {
		binary.LittleEndian.PutUint32(t.data[i*4:], math.Float32bits(f))
	}
}

type node struct {
	index int
	op    operatorSpec
	impl  opKernel
}

// Interpreter executes a Model on the CPU.
type Interpreter struct {
	model     *Model
	threads   int
	maxArena  int64
	nodes     []node
	tensors   []tensor
	allocated bool
	closed    bool
}

func newInterpreter(m *Model, opts backend.Options) (*Interpreter, error) {
	if m == nil || m.closed {
		return nil, fmt.Errorf("%w: model is closed", backend.ErrInvalidModel)
	}
	if opts.NumThreads < backend.DefaultNumThreads {
		return nil, fmt.Errorf("%w: thread count %d", backend.ErrInvalidGraph, opts.NumThreads)
	}

	in := &Interpreter{
		model:    m,
		threads:  resources.ResolveThreads(opts.NumThreads),
		maxArena: opts.MaxArenaBytes,
	}

	for _, list := range [][]int32{m.inputs, m.outputs} {
		for _, idx := range list {
			if idx < 0 || int(idx) >= len(m.tensors) {
				return nil, fmt.Errorf("%w: graph tensor %d of %d", backend.ErrInvalidGraph, idx, len(m.tensors))
			}
		}
	}

	for i, op := range m.operators {
		reg, ok := builtinOps[op.Code]
		if !ok {
			return nil, fmt.Errorf("%w: operator %d has builtin code %d", backend.ErrUnsupportedOperator, i, op.Code)
		}
		if op.OptionsType != optionsNone && op.OptionsType != reg.options {
			return nil, fmt.Errorf("%w: operator %d carries options type %d", backend.ErrInvalidGraph, i, op.OptionsType)
		}
		if len(op.Inputs) < reg.minInputs || len(op.Inputs) > reg.maxInputs || len(op.Outputs) != 1 {
			return nil, fmt.Errorf("%w: operator %d has %d inputs and %d outputs",
				backend.ErrInvalidGraph, i, len(op.Inputs), len(op.Outputs))
		}
		for pos, idx := range append(append([]int32(nil), op.Inputs...), op.Outputs...) {
			if idx == optionalTensor && pos >= reg.minInputs && pos < len(op.Inputs) {
				continue
			}
			if idx < 0 || int(idx) >= len(m.tensors) {
				return nil, fmt.Errorf("%w: operator %d references tensor %d", backend.ErrInvalidGraph, i, idx)
			}
		}
		in.nodes = append(in.nodes, node{index: i, op: op, impl: reg.kernel})
	}

	return in, nil
}

// Threads returns the resolved worker thread count.
func (in *Interpreter) Threads() int {
	return in.threads
}

// AllocateTensors sizes every tensor, loads constants and runs each
// operator's shape checks.
func (in *Interpreter) AllocateTensors() error {
	if in.closed || in.model.closed {
		return fmt.Errorf("%w: interpreter or model is closed", backend.ErrInvalidModel)
	}
	in.allocated = false

	limit := in.maxArena
	if limit <= 0 {
		limit = int64(min(resources.AvailableMemory(), math.MaxInt64))
	}

	tensors := make([]tensor, len(in.model.tensors))
	var arena int64
	for i, spec := range in.model.tensors {
		width := spec.Type.elemSize()
		if width == 0 {
			return fmt.Errorf("%w: tensor %d has unsupported type %s", backend.ErrShape, i, spec.Type)
		}
		elems, err := numElements(spec.Shape)
		if err != nil {
			return fmt.Errorf("tensor %d: %w", i, err)
		}
		arena += int64(elems) * int64(width)
		if limit > 0 && arena > limit {
			return fmt.Errorf("%w: arena of %d bytes exceeds limit of %d", backend.ErrOutOfMemory, arena, limit)
		}
		tensors[i] = tensor{spec: spec, elems: elems}
	}

	for i := range tensors {
		t := &tensors[i]
		t.data = make([]byte, t.elems*t.spec.Type.elemSize())
		if t.spec.Buffer == 0 {
			continue
		}
		if buf := in.model.buffers[t.spec.Buffer]; len(buf) > 0 {
			if len(buf) != len(t.data) {
				return fmt.Errorf("%w: tensor %d constant has %d bytes, want %d",
					backend.ErrShape, i, len(buf), len(t.data))
			}
			copy(t.data, buf)
			t.constant = true
		}
	}
	in.tensors = tensors

	for _, n := range in.nodes {
		if err := n.impl.prepare(in, &n); err != nil {
			in.tensors = nil
			return fmt.Errorf("operator %d (builtin %d): %w", n.index, n.op.Code, err)
		}
	}

	in.allocated = true
	return nil
}

func numElements(shape []int32) (int, error) {
	n := 1
	for _, d := range shape {
		if d < 0 {
			return 0, fmt.Errorf("%w: dynamic or negative dimension %d", backend.ErrShape, d)
		}
		if d != 0 && n > math.MaxInt32/int(d) {
			return 0, fmt.Errorf("%w: element count overflows", backend.ErrOutOfMemory)
		}
		n *= int(d)
	}
	return n, nil
}

func (in *Interpreter) InputCount() int  { return len(in.model.inputs) }
func (in *Interpreter) OutputCount() int { return len(in.model.outputs) }

func (in *Interpreter) graphTensor(list []int32, i int) (*tensor, error) {
	if !in.allocated {
		return nil, backend.ErrNotAllocated
	}
	if i < 0 || i >= len(list) {
		return nil, fmt.Errorf("%w: %d of %d", backend.ErrIndexOutOfRange, i, len(list))
	}
	return &in.tensors[list[i]], nil
}

func (in *Interpreter) InputByteSize(i int) (int, error) {
	t, err := in.graphTensor(in.model.inputs, i)
	if err != nil {
		return 0, err
	}
	return len(t.data), nil
}

func (in *Interpreter) SetInput(i int, data []byte) error {
	t, err := in.graphTensor(in.model.inputs, i)
	if err != nil {
		return err
	}
	if len(data) != len(t.data) {
		return fmt.Errorf("%w: input %d needs %d bytes, got %d", backend.ErrShape, i, len(t.data), len(data))
	}
	copy(t.data, data)
	return nil
}

// Invoke runs every operator in model order.
func (in *Interpreter) Invoke() (err error) {
	if !in.allocated {
		return backend.ErrNotAllocated
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", backend.ErrKernel, r)
		}
	}()
	for _, n := range in.nodes {
		if err := n.impl.eval(in, &n); err != nil {
			return fmt.Errorf("%w: operator %d (builtin %d): %w", backend.ErrKernel, n.index, n.op.Code, err)
		}
	}
	return nil
}

func (in *Interpreter) Output(i int) ([]byte, error) {
	t, err := in.graphTensor(in.model.outputs, i)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), t.data...), nil
}

func (in *Interpreter) Close() error {
	in.tensors = nil
	in.nodes = nil
	in.allocated = false
	in.closed = true
	return nil
}

func (in *Interpreter) tensor(idx int32) *tensor {
	if idx == optionalTensor {
		return nil
	}
	return &in.tensors[idx]
}

// parallelFor splits [0, n) into at most in.threads contiguous ranges.
// Each range is computed independently, so results do not depend on the
// thread count.
func (in *Interpreter) parallelFor(n int, fn func(lo, hi int)) {
	workers := min(in.threads, n)
	if workers <= 1 {
		fn(0, n)
		return
	}
	p := pool.New().WithMaxGoroutines(workers)
	chunk := (n + workers - 1) / workers
	for lo := 0; lo < n; lo += chunk {
		hi := min(lo+chunk, n)
		p.Go(func() { fn(lo, hi) })
	}
	p.Wait()
}
