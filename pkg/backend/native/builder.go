package native

import (
	"encoding/binary"
	"math"

	flatbuffers "github.com/google/flatbuffers/go"
)

// ModelBuilder assembles TFLite flatbuffers understood by this backend. It is
// used to produce fixtures and small hand-written models.
type ModelBuilder struct {
	Description string

	tensors []builderTensor
	ops     []builderOp
	codes   []BuiltinOperator
	buffers [][]byte
	inputs  []int32
	outputs []int32
}

type builderTensor struct {
	name   string
	typ    TensorType
	shape  []int32
	buffer uint32
}

type builderOp struct {
	code    BuiltinOperator
	inputs  []int32
	outputs []int32
	options builtinOptions
	act     ActivationFunction
	beta    float32
}

// OperatorOption customizes an operator added with AddOperator.
type OperatorOption func(*builderOp)

// WithActivation sets the fused activation of arithmetic and fully connected
// operators.
func WithActivation(a ActivationFunction) OperatorOption {
	return func(op *builderOp) { op.act = a }
}

// WithBeta sets the softmax beta.
func WithBeta(beta float32) OperatorOption {
	return func(op *builderOp) { op.beta = beta }
}

// withOptionsType overrides the BuiltinOptions union type that is written.
func withOptionsType(t builtinOptions) OperatorOption {
	return func(op *builderOp) { op.options = t }
}

var defaultOptions = map[BuiltinOperator]builtinOptions{
	OpAdd:            optionsAdd,
	OpSub:            optionsSub,
	OpMul:            optionsMul,
	OpDiv:            optionsDiv,
	OpFullyConnected: optionsFullyConnected,
	OpSoftmax:        optionsSoftmax,
}

// NewModelBuilder creates an empty model. Buffer 0 is the empty sentinel
// buffer every TFLite model starts with.
func NewModelBuilder() *ModelBuilder {
	return &ModelBuilder{buffers: [][]byte{nil}}
}

// AddTensor declares a runtime tensor and returns its index.
func (b *ModelBuilder) AddTensor(name string, typ TensorType, shape []int32) int32 {
	b.tensors = append(b.tensors, builderTensor{name: name, typ: typ, shape: shape})
	return int32(len(b.tensors) - 1)
}

// AddConstant declares a tensor backed by data.
func (b *ModelBuilder) AddConstant(name string, typ TensorType, shape []int32, data []byte) int32 {
	b.buffers = append(b.buffers, data)
	b.tensors = append(b.tensors, builderTensor{name: name, typ: typ, shape: shape, buffer: uint32(len(b.buffers) - 1)})
	return int32(len(b.tensors) - 1)
}

// AddFloatConstant declares a FLOAT32 constant.
func (b *ModelBuilder) AddFloatConstant(name string, shape []int32, values []float32) int32 {
	return b.AddConstant(name, Float32, shape, Float32Bytes(values))
}

// AddOperator appends a node. Operators run in the order they are added.
func (b *ModelBuilder) AddOperator(code BuiltinOperator, inputs, outputs []int32, opts ...OperatorOption) {
	op := builderOp{code: code, inputs: inputs, outputs: outputs, options: defaultOptions[code]}
	if op.code == OpSoftmax {
		op.beta = 1
	}
	for _, o := range opts {
		o(&op)
	}
	b.ops = append(b.ops, op)
}

// SetInputs declares the graph inputs.
func (b *ModelBuilder) SetInputs(idx ...int32) {
	b.inputs = idx
}

// SetOutputs declares the graph outputs.
func (b *ModelBuilder) SetOutputs(idx ...int32) {
	b.outputs = idx
}

func (b *ModelBuilder) opcodeIndex(code BuiltinOperator) uint32 {
	for i, c := range b.codes {
		if c == code {
			return uint32(i)
		}
	}
	b.codes = append(b.codes, code)
	return uint32(len(b.codes) - 1)
}

// Build serializes the model.
func (b *ModelBuilder) Build() []byte {
	fb := flatbuffers.NewBuilder(1024)

	bufferOffs := make([]flatbuffers.UOffsetT, len(b.buffers))
	for i, data := range b.buffers {
		var dataOff flatbuffers.UOffsetT
		if len(data) > 0 {
			dataOff = fb.CreateByteVector(data)
		}
		fb.StartObject(3)
		fb.PrependUOffsetTSlot(0, dataOff, 0)
		bufferOffs[i] = fb.EndObject()
	}

	tensorOffs := make([]flatbuffers.UOffsetT, len(b.tensors))
	for i, t := range b.tensors {
		name := fb.CreateString(t.name)
		shape := int32Vector(fb, t.shape)
		fb.StartObject(8)
		fb.PrependUOffsetTSlot(0, shape, 0)
		fb.PrependInt8Slot(1, int8(t.typ), 0)
		fb.PrependUint32Slot(2, t.buffer, 0)
		fb.PrependUOffsetTSlot(3, name, 0)
		tensorOffs[i] = fb.EndObject()
	}

	opOffs := make([]flatbuffers.UOffsetT, len(b.ops))
	for i, op := range b.ops {
		index := b.opcodeIndex(op.code)
		inputs := int32Vector(fb, op.inputs)
		outputs := int32Vector(fb, op.outputs)

		var options flatbuffers.UOffsetT
		if op.options != optionsNone {
			fb.StartObject(3)
			switch op.options {
			case optionsSoftmax:
				fb.PrependFloat32Slot(0, op.beta, 0)
			case optionsAdd, optionsSub, optionsMul, optionsDiv, optionsFullyConnected:
				fb.PrependInt8Slot(0, int8(op.act), 0)
			}
			options = fb.EndObject()
		}

		fb.StartObject(8)
		fb.PrependUint32Slot(0, index, 0)
		fb.PrependUOffsetTSlot(1, inputs, 0)
		fb.PrependUOffsetTSlot(2, outputs, 0)
		fb.PrependByteSlot(3, byte(op.options), 0)
		fb.PrependUOffsetTSlot(4, options, 0)
		opOffs[i] = fb.EndObject()
	}

	codeOffs := make([]flatbuffers.UOffsetT, len(b.codes))
	for i, code := range b.codes {
		fb.StartObject(4)
		fb.PrependInt8Slot(0, int8(min(code, 127)), 0)
		fb.PrependInt32Slot(3, int32(code), 0)
		codeOffs[i] = fb.EndObject()
	}

	tensors := tableVector(fb, tensorOffs)
	inputs := int32Vector(fb, b.inputs)
	outputs := int32Vector(fb, b.outputs)
	operators := tableVector(fb, opOffs)
	sgName := fb.CreateString("main")
	fb.StartObject(5)
	fb.PrependUOffsetTSlot(0, tensors, 0)
	fb.PrependUOffsetTSlot(1, inputs, 0)
	fb.PrependUOffsetTSlot(2, outputs, 0)
	fb.PrependUOffsetTSlot(3, operators, 0)
	fb.PrependUOffsetTSlot(4, sgName, 0)
	subgraph := fb.EndObject()

	subgraphs := tableVector(fb, []flatbuffers.UOffsetT{subgraph})
	codes := tableVector(fb, codeOffs)
	buffers := tableVector(fb, bufferOffs)
	desc := fb.CreateString(b.Description)

	fb.StartObject(5)
	fb.PrependUint32Slot(0, SchemaVersion, 0)
	fb.PrependUOffsetTSlot(1, codes, 0)
	fb.PrependUOffsetTSlot(2, subgraphs, 0)
	fb.PrependUOffsetTSlot(3, desc, 0)
	fb.PrependUOffsetTSlot(4, buffers, 0)
	root := fb.EndObject()

	fb.FinishWithFileIdentifier(root, []byte(FileIdentifier))
	return fb.FinishedBytes()
}

func int32Vector(fb *flatbuffers.Builder, v []int32) flatbuffers.UOffsetT {
	fb.StartVector(4, len(v), 4)
	for i := len(v) - 1; i >= 0; i-- {
		fb.PrependInt32(v[i])
	}
	return fb.EndVector(len(v))
}

func tableVector(fb *flatbuffers.Builder, offs []flatbuffers.UOffsetT) flatbuffers.UOffsetT {
	fb.StartVector(4, len(offs), 4)
	for i := len(offs) - 1; i >= 0; i-- {
		fb.PrependUOffsetT(offs[i])
	}
	return fb.EndVector(len(offs))
}

// IdentityModel returns a model with no operators whose single input tensor
// is also its output.
func IdentityModel(typ TensorType, shape []int32) []byte {
	b := NewModelBuilder()
	b.Description = "identity"
	t := b.AddTensor("io", typ, shape)
	b.SetInputs(t)
	b.SetOutputs(t)
	return b.Build()
}

// Float32Bytes encodes values as little-endian FLOAT32 tensor bytes.
func Float32Bytes(values []float32) []byte {
	out := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

// Float32s decodes little-endian FLOAT32 tensor bytes.
func Float32s(data []byte) []float32 {
	out := make([]float32, len(data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return out
}
