package native

import (
	"fmt"

	flatbuffers "github.com/google/flatbuffers/go"

	"github.com/psantana5/inferexec/pkg/backend"
)

// tensorSpec is a tensor as declared by the model.
type tensorSpec struct {
	Name   string
	Type   TensorType
	Shape  []int32
	Buffer uint32
}

// operatorSpec is one node of the graph.
type operatorSpec struct {
	Code        BuiltinOperator
	Inputs      []int32
	Outputs     []int32
	OptionsType builtinOptions

	// Decoded builtin options; zero values match the schema defaults.
	Activation    ActivationFunction
	WeightsFormat int8
	Beta          float32
}

// Model is a decoded TFLite model restricted to its primary subgraph.
type Model struct {
	description string
	tensors     []tensorSpec
	operators   []operatorSpec
	inputs      []int32
	outputs     []int32
	buffers     [][]byte
	closed      bool
}

// Description returns the free-form description the converter stored.
func (m *Model) Description() string {
	return m.description
}

// Close releases the model. The model bytes are owned by the caller.
func (m *Model) Close() error {
	m.closed = true
	m.buffers = nil
	return nil
}

// decodeModel parses data as a TFLite flatbuffer. The input is untrusted:
// any out-of-range access inside the flatbuffers runtime is turned into
// ErrInvalidModel.
func decodeModel(data []byte) (m *Model, err error) {
	defer func() {
		if r := recover(); r != nil {
			m = nil
			err = fmt.Errorf("%w: corrupt flatbuffer: %v", backend.ErrInvalidModel, r)
		}
	}()

	if len(data) < 8 {
		return nil, fmt.Errorf("%w: %d bytes is too short", backend.ErrInvalidModel, len(data))
	}
	if id := string(data[4:8]); id != FileIdentifier {
		return nil, fmt.Errorf("%w: file identifier %q, want %q", backend.ErrInvalidModel, id, FileIdentifier)
	}

	root := rootTable(data)
	if v := root.uint32(slot0, 0); v != SchemaVersion {
		return nil, fmt.Errorf("%w: schema version %d, want %d", backend.ErrInvalidModel, v, SchemaVersion)
	}

	budget := newDecodeBudget(data)
	desc, err := budget.bytes(root, slot3, "description")
	if err != nil {
		return nil, err
	}
	m = &Model{description: string(desc)}

	codes, err := decodeOperatorCodes(root)
	if err != nil {
		return nil, err
	}

	bufTables, ok := root.tables(slot4)
	if !ok {
		return nil, fmt.Errorf("%w: buffers vector out of range", backend.ErrInvalidModel)
	}
	m.buffers = make([][]byte, len(bufTables))
	for i, bt := range bufTables {
		if bt.uint64(slot1, 0) != 0 || bt.uint64(slot2, 0) != 0 {
			return nil, fmt.Errorf("%w: buffer %d: external buffers not supported", backend.ErrInvalidModel, i)
		}
		data, err := budget.bytes(bt, slot0, "buffer data")
		if err != nil {
			return nil, err
		}
		if len(data) > 0 {
			m.buffers[i] = append([]byte(nil), data...)
		}
	}

	subgraphs, ok := root.tables(slot2)
	if !ok || len(subgraphs) == 0 {
		return nil, fmt.Errorf("%w: model has no subgraph", backend.ErrInvalidModel)
	}
	sg := subgraphs[0]

	tensorTables, ok := sg.tables(slot0)
	if !ok {
		return nil, fmt.Errorf("%w: tensors vector out of range", backend.ErrInvalidModel)
	}
	m.tensors = make([]tensorSpec, len(tensorTables))
	for i, tt := range tensorTables {
		shape, err := budget.int32s(tt, slot0, "tensor shape")
		if err != nil {
			return nil, err
		}
		name, err := budget.bytes(tt, slot3, "tensor name")
		if err != nil {
			return nil, err
		}
		m.tensors[i] = tensorSpec{
			Shape:  shape,
			Type:   TensorType(tt.int8(slot1, 0)),
			Buffer: tt.uint32(slot2, 0),
			Name:   string(name),
		}
		if int(m.tensors[i].Buffer) >= len(m.buffers) && m.tensors[i].Buffer != 0 {
			return nil, fmt.Errorf("%w: tensor %d references buffer %d of %d",
				backend.ErrInvalidModel, i, m.tensors[i].Buffer, len(m.buffers))
		}
	}

	if m.inputs, err = budget.int32s(sg, slot1, "subgraph inputs"); err != nil {
		return nil, err
	}
	if m.outputs, err = budget.int32s(sg, slot2, "subgraph outputs"); err != nil {
		return nil, err
	}

	opTables, ok := sg.tables(slot3)
	if !ok {
		return nil, fmt.Errorf("%w: operators vector out of range", backend.ErrInvalidModel)
	}
	m.operators = make([]operatorSpec, len(opTables))
	for i, ot := range opTables {
		idx := ot.uint32(slot0, 0)
		if int(idx) >= len(codes) {
			return nil, fmt.Errorf("%w: operator %d uses opcode index %d of %d",
				backend.ErrInvalidModel, i, idx, len(codes))
		}
		op := operatorSpec{
			Code:        codes[idx],
			OptionsType: builtinOptions(ot.uint8(slot3, 0)),
		}
		if op.Inputs, err = budget.int32s(ot, slot1, "operator inputs"); err != nil {
			return nil, err
		}
		if op.Outputs, err = budget.int32s(ot, slot2, "operator outputs"); err != nil {
			return nil, err
		}
		if opts, ok := ot.union(slot4); ok {
			decodeOptions(&op, opts)
		}
		m.operators[i] = op
	}

	return m, nil
}

// decodeBudget bounds what decoding copies out of a flatbuffer. Vector
// entries may point at the same table or vector, so the total copied must be
// checked, not each vector alone. Distinct data can never exceed the size of
// the flatbuffer itself.
type decodeBudget struct {
	byteLeft int
	intLeft  int
}

func newDecodeBudget(data []byte) *decodeBudget {
	return &decodeBudget{byteLeft: len(data), intLeft: len(data) / 4}
}

// bytes returns the byte vector at slot without copying it and charges its
// length against the budget.
func (b *decodeBudget) bytes(t fbTable, slot flatbuffers.VOffsetT, what string) ([]byte, error) {
	data := t.bytes(slot)
	if len(data) > b.byteLeft {
		return nil, fmt.Errorf("%w: %s exceeds the model size", backend.ErrInvalidModel, what)
	}
	b.byteLeft -= len(data)
	return data, nil
}

// int32s copies the [int] vector at slot, charging its length before
// anything is allocated.
func (b *decodeBudget) int32s(t fbTable, slot flatbuffers.VOffsetT, what string) ([]int32, error) {
	n := t.vectorLen(slot)
	if n < 0 || n > b.intLeft {
		return nil, fmt.Errorf("%w: %s exceeds the model size", backend.ErrInvalidModel, what)
	}
	b.intLeft -= n
	v, ok := t.int32s(slot)
	if !ok {
		return nil, fmt.Errorf("%w: %s out of range", backend.ErrInvalidModel, what)
	}
	return v, nil
}

// decodeOperatorCodes resolves the effective builtin code of each operator
// code entry. Newer converters write builtin_code and clamp the deprecated
// byte field; older ones only write the byte field.
func decodeOperatorCodes(root fbTable) ([]BuiltinOperator, error) {
	tables, ok := root.tables(slot1)
	if !ok {
		return nil, fmt.Errorf("%w: operator codes out of range", backend.ErrInvalidModel)
	}
	codes := make([]BuiltinOperator, len(tables))
	for i, t := range tables {
		deprecated := BuiltinOperator(t.int8(slot0, 0))
		code := BuiltinOperator(t.int32(slot3, 0))
		if deprecated > code {
			code = deprecated
		}
		codes[i] = code
	}
	return codes, nil
}

// decodeOptions copies the builtin option fields the kernels use out of the
// flatbuffer so the model does not alias the caller's bytes.
func decodeOptions(op *operatorSpec, opts fbTable) {
	switch op.OptionsType {
	case optionsAdd, optionsSub, optionsMul, optionsDiv:
		op.Activation = ActivationFunction(opts.int8(slot0, 0))
	case optionsFullyConnected:
		op.Activation = ActivationFunction(opts.int8(slot0, 0))
		op.WeightsFormat = opts.int8(slot1, 0)
	case optionsSoftmax:
		op.Beta = opts.float32(slot0, 0)
	}
}
