package native

import (
	"fmt"
	"math"
	"slices"

	"github.com/psantana5/inferexec/pkg/backend"
)

type opKernel interface {
	// prepare validates types and shapes once tensors are sized.
	prepare(in *Interpreter, n *node) error
	// eval computes the node's output.
	eval(in *Interpreter, n *node) error
}

type registration struct {
	kernel    opKernel
	options   builtinOptions
	minInputs int
	maxInputs int
}

// builtinOps is the fixed operator set of this backend.
var builtinOps = map[BuiltinOperator]registration{
	OpAdd:            {kernel: binaryOp{func(a, b float32) float32 { return a + b }}, options: optionsAdd, minInputs: 2, maxInputs: 2},
	OpSub:            {kernel: binaryOp{func(a, b float32) float32 { return a - b }}, options: optionsSub, minInputs: 2, maxInputs: 2},
	OpMul:            {kernel: binaryOp{func(a, b float32) float32 { return a * b }}, options: optionsMul, minInputs: 2, maxInputs: 2},
	OpDiv:            {kernel: binaryOp{func(a, b float32) float32 { return a / b }}, options: optionsDiv, minInputs: 2, maxInputs: 2},
	OpRelu:           {kernel: unaryOp{activation(ActRelu)}, minInputs: 1, maxInputs: 1},
	OpReluN1To1:      {kernel: unaryOp{activation(ActReluN1To1)}, minInputs: 1, maxInputs: 1},
	OpRelu6:          {kernel: unaryOp{activation(ActRelu6)}, minInputs: 1, maxInputs: 1},
	OpTanh:           {kernel: unaryOp{activation(ActTanh)}, minInputs: 1, maxInputs: 1},
	OpLogistic:       {kernel: unaryOp{logistic}, minInputs: 1, maxInputs: 1},
	OpReshape:        {kernel: reshapeOp{}, options: optionsReshape, minInputs: 1, maxInputs: 2},
	OpSoftmax:        {kernel: softmaxOp{}, options: optionsSoftmax, minInputs: 1, maxInputs: 1},
	OpFullyConnected: {kernel: fullyConnectedOp{}, options: optionsFullyConnected, minInputs: 2, maxInputs: 3},
}

func logistic(x float32) float32 {
	return float32(1 / (1 + math.Exp(-float64(x))))
}

// activation returns the element function of a fused activation.
func activation(a ActivationFunction) func(float32) float32 {
	switch a {
	case ActRelu:
		return func(x float32) float32 { return max(x, 0) }
	case ActReluN1To1:
		return func(x float32) float32 { return min(max(x, -1), 1) }
	case ActRelu6:
		return func(x float32) float32 { return min(max(x, 0), 6) }
	case ActTanh:
		return func(x float32) float32 { return float32(math.Tanh(float64(x))) }
	default:
		return nil
	}
}

func checkActivation(a ActivationFunction) error {
	if a != ActNone && activation(a) == nil {
		return fmt.Errorf("%w: fused activation %d", backend.ErrUnsupportedOperator, a)
	}
	return nil
}

func requireFloat32(ts ...*tensor) error {
	for _, t := range ts {
		if t != nil && t.spec.Type != Float32 {
			return fmt.Errorf("%w: tensor %q is %s, want FLOAT32", backend.ErrShape, t.spec.Name, t.spec.Type)
		}
	}
	return nil
}

func sameShape(a, b *tensor) error {
	if !slices.Equal(a.spec.Shape, b.spec.Shape) {
		return fmt.Errorf("%w: shape %v does not match %v", backend.ErrShape, a.spec.Shape, b.spec.Shape)
	}
	return nil
}

// binaryOp is an elementwise arithmetic kernel. Operands must have the same
// shape, or one of them must hold a single element.
type binaryOp struct {
	fn func(a, b float32) float32
}

func (k binaryOp) prepare(in *Interpreter, n *node) error {
	a, b, out := in.tensor(n.op.Inputs[0]), in.tensor(n.op.Inputs[1]), in.tensor(n.op.Outputs[0])
	if err := requireFloat32(a, b, out); err != nil {
		return err
	}
	if err := checkActivation(n.op.Activation); err != nil {
		return err
	}
	switch {
	case a.elems == b.elems && a.elems != 1:
		if err := sameShape(a, b); err != nil {
			return err
		}
		return sameShape(a, out)
	case b.elems == 1:
		return sameShape(a, out)
	case a.elems == 1:
		return sameShape(b, out)
	default:
		return fmt.Errorf("%w: cannot broadcast %v with %v", backend.ErrShape, a.spec.Shape, b.spec.Shape)
	}
}

func (k binaryOp) eval(in *Interpreter, n *node) error {
	a := in.tensor(n.op.Inputs[0]).floats()
	b := in.tensor(n.op.Inputs[1]).floats()
	out := in.tensor(n.op.Outputs[0])
	res := make([]float32, out.elems)
	act := activation(n.op.Activation)

	in.parallelFor(len(res), func(lo, hi int) {
		for i := lo; i < hi; i++ {
			x, y := a[0], b[0]
			if len(a) > 1 {
				x = a[i]
			}
			if len(b) > 1 {
				y = b[i]
			}
			v := k.fn(x, y)
			if act != nil {
				v = act(v)
			}
			res[i] = v
		}
	})
	out.setFloats(res)
	return nil
}

// unaryOp applies fn to every element.
type unaryOp struct {
	fn func(float32) float32
}

func (k unaryOp) prepare(in *Interpreter, n *node) error {
	x, out := in.tensor(n.op.Inputs[0]), in.tensor(n.op.Outputs[0])
	if err := requireFloat32(x, out); err != nil {
		return err
	}
	return sameShape(x, out)
}

func (k unaryOp) eval(in *Interpreter, n *node) error {
	x := in.tensor(n.op.Inputs[0]).floats()
	out := in.tensor(n.op.Outputs[0])
	in.parallelFor(len(x), func(lo, hi int) {
		for i := lo; i < hi; i++ {
			x[i] = k.fn(x[i])
		}
	})
	out.setFloats(x)
	return nil
}

// reshapeOp reinterprets the input bytes with the output tensor's declared
// shape. The optional shape operand is not consulted.
type reshapeOp struct{}

func (reshapeOp) prepare(in *Interpreter, n *node) error {
	x, out := in.tensor(n.op.Inputs[0]), in.tensor(n.op.Outputs[0])
	if x.spec.Type != out.spec.Type {
		return fmt.Errorf("%w: reshape changes type %s to %s", backend.ErrShape, x.spec.Type, out.spec.Type)
	}
	if len(x.data) != len(out.data) {
		return fmt.Errorf("%w: reshape %v to %v changes element count", backend.ErrShape, x.spec.Shape, out.spec.Shape)
	}
	return nil
}

func (reshapeOp) eval(in *Interpreter, n *node) error {
	copy(in.tensor(n.op.Outputs[0]).data, in.tensor(n.op.Inputs[0]).data)
	return nil
}

// softmaxOp normalizes along the last dimension.
type softmaxOp struct{}

func (softmaxOp) prepare(in *Interpreter, n *node) error {
	x, out := in.tensor(n.op.Inputs[0]), in.tensor(n.op.Outputs[0])
	if err := requireFloat32(x, out); err != nil {
		return err
	}
	if len(x.spec.Shape) == 0 || x.spec.Shape[len(x.spec.Shape)-1] == 0 {
		return fmt.Errorf("%w: softmax needs a non-empty last dimension, got %v", backend.ErrShape, x.spec.Shape)
	}
	return sameShape(x, out)
}

func (softmaxOp) eval(in *Interpreter, n *node) error {
	xt := in.tensor(n.op.Inputs[0])
	x := xt.floats()
	depth := int(xt.spec.Shape[len(xt.spec.Shape)-1])
	beta := float64(n.op.Beta)

	in.parallelFor(len(x)/depth, func(lo, hi int) {
		for r := lo; r < hi; r++ {
			row := x[r*depth : (r+1)*depth]
			peak := slices.Max(row)
			var sum float64
			exps := make([]float64, depth)
			for i, v := range row {
				exps[i] = math.Exp(beta * float64(v-peak))
				sum += exps[i]
			}
			for i := range row {
				row[i] = float32(exps[i] / sum)
			}
		}
	})
	in.tensor(n.op.Outputs[0]).setFloats(x)
	return nil
}

// fullyConnectedOp computes out[b][o] = sum_k in[b][k]*w[o][k] + bias[o]
// with the input flattened to [batches, K].
type fullyConnectedOp struct{}

func (fullyConnectedOp) prepare(in *Interpreter, n *node) error {
	x, w, out := in.tensor(n.op.Inputs[0]), in.tensor(n.op.Inputs[1]), in.tensor(n.op.Outputs[0])
	var bias *tensor
	if len(n.op.Inputs) == 3 {
		bias = in.tensor(n.op.Inputs[2])
	}
	if err := requireFloat32(x, w, bias, out); err != nil {
		return err
	}
	if err := checkActivation(n.op.Activation); err != nil {
		return err
	}
	if n.op.WeightsFormat != 0 {
		return fmt.Errorf("%w: weights format %d", backend.ErrUnsupportedOperator, n.op.WeightsFormat)
	}
	if len(w.spec.Shape) != 2 || w.spec.Shape[1] == 0 {
		return fmt.Errorf("%w: weights shape %v, want [units, depth]", backend.ErrShape, w.spec.Shape)
	}
	units, depth := int(w.spec.Shape[0]), int(w.spec.Shape[1])
	if x.elems%depth != 0 {
		return fmt.Errorf("%w: input of %d elements is not a multiple of depth %d", backend.ErrShape, x.elems, depth)
	}
	if want := x.elems / depth * units; out.elems != want {
		return fmt.Errorf("%w: output has %d elements, want %d", backend.ErrShape, out.elems, want)
	}
	if bias != nil && bias.elems != units {
		return fmt.Errorf("%w: bias has %d elements, want %d", backend.ErrShape, bias.elems, units)
	}
	return nil
}

func (fullyConnectedOp) eval(in *Interpreter, n *node) error {
	wt := in.tensor(n.op.Inputs[1])
	x, w := in.tensor(n.op.Inputs[0]).floats(), wt.floats()
	units, depth := int(wt.spec.Shape[0]), int(wt.spec.Shape[1])
	var bias []float32
	if len(n.op.Inputs) == 3 {
		if bt := in.tensor(n.op.Inputs[2]); bt != nil {
			bias = bt.floats()
		}
	}
	out := in.tensor(n.op.Outputs[0])
	res := make([]float32, out.elems)
	act := activation(n.op.Activation)

	in.parallelFor(len(res), func(lo, hi int) {
		for i := lo; i < hi; i++ {
			b, o := i/units, i%units
			var acc float32
			for k := 0; k < depth; k++ {
				acc += x[b*depth+k] * w[o*depth+k]
			}
			if bias != nil {
				acc += bias[o]
			}
			if act != nil {
				acc = act(acc)
			}
			res[i] = acc
		}
	})
	out.setFloats(res)
	return nil
}
