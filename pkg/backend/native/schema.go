package native

import (
	flatbuffers "github.com/google/flatbuffers/go"
)

// File identifier and schema version of TFLite flatbuffers.
const (
	FileIdentifier = "TFL3"
	SchemaVersion  = 3
)

// TensorType mirrors the TFLite schema enum.
type TensorType int8

const (
	Float32 TensorType = 0
	Float16 TensorType = 1
	Int32   TensorType = 2
	Uint8   TensorType = 3
	Int64   TensorType = 4
	String  TensorType = 5
	Bool    TensorType = 6
	Int16   TensorType = 7
	Int8    TensorType = 9
	Float64 TensorType = 10
)

// elemSize returns the byte width of one element, or 0 for types without a
// fixed width.
func (t TensorType) elemSize() int {
	switch t {
	case Bool, Uint8, Int8:
		return 1
	case Float16, Int16:
		return 2
	case Float32, Int32:
		return 4
	case Int64, Float64:
		return 8
	default:
		return 0
	}
}

func (t TensorType) String() string {
	switch t {
	case Float32:
		return "FLOAT32"
	case Float16:
		return "FLOAT16"
	case Int32:
		return "INT32"
	case Uint8:
		return "UINT8"
	case Int64:
		return "INT64"
	case String:
		return "STRING"
	case Bool:
		return "BOOL"
	case Int16:
		return "INT16"
	case Int8:
		return "INT8"
	case Float64:
		return "FLOAT64"
	default:
		return "UNKNOWN"
	}
}

// BuiltinOperator mirrors the TFLite schema enum. Only the codes this
// backend knows about are named.
type BuiltinOperator int32

const (
	OpAdd            BuiltinOperator = 0
	OpFullyConnected BuiltinOperator = 9
	OpLogistic       BuiltinOperator = 14
	OpMul            BuiltinOperator = 18
	OpRelu           BuiltinOperator = 19
	OpReluN1To1      BuiltinOperator = 20
	OpRelu6          BuiltinOperator = 21
	OpReshape        BuiltinOperator = 22
	OpSoftmax        BuiltinOperator = 25
	OpTanh           BuiltinOperator = 28
	OpCustom         BuiltinOperator = 32
	OpSub            BuiltinOperator = 41
	OpDiv            BuiltinOperator = 42
)

// ActivationFunction is the fused activation applied by arithmetic kernels.
type ActivationFunction int8

const (
	ActNone      ActivationFunction = 0
	ActRelu      ActivationFunction = 1
	ActReluN1To1 ActivationFunction = 2
	ActRelu6     ActivationFunction = 3
	ActTanh      ActivationFunction = 4
)

// builtinOptions is the BuiltinOptions union discriminator.
type builtinOptions uint8

const (
	optionsNone           builtinOptions = 0
	optionsFullyConnected builtinOptions = 8
	optionsSoftmax        builtinOptions = 9
	optionsAdd            builtinOptions = 11
	optionsReshape        builtinOptions = 17
	optionsMul            builtinOptions = 21
	optionsSub            builtinOptions = 28
	optionsDiv            builtinOptions = 29
)

// vtable slots, as byte offsets into the vtable (4 + 2*field index).
const (
	slot0 flatbuffers.VOffsetT = 4 + 2*iota
	slot1
	slot2
	slot3
	slot4
)

// fbTable wraps a flatbuffers table with the accessors the TFLite reader
// needs. Offsets are not trusted; callers recover from out-of-range panics.
type fbTable struct {
	_tab flatbuffers.Table
}

func rootTable(buf []byte) fbTable {
	n := flatbuffers.GetUOffsetT(buf)
	return fbTable{flatbuffers.Table{Bytes: buf, Pos: n}}
}

func (t fbTable) field(slot flatbuffers.VOffsetT) flatbuffers.UOffsetT {
	return flatbuffers.UOffsetT(t._tab.Offset(slot))
}

func (t fbTable) uint32(slot flatbuffers.VOffsetT, def uint32) uint32 {
	if o := t.field(slot); o != 0 {
		return t._tab.GetUint32(o + t._tab.Pos)
	}
	return def
}

func (t fbTable) uint64(slot flatbuffers.VOffsetT, def uint64) uint64 {
	if o := t.field(slot); o != 0 {
		return t._tab.GetUint64(o + t._tab.Pos)
	}
	return def
}

func (t fbTable) int32(slot flatbuffers.VOffsetT, def int32) int32 {
	if o := t.field(slot); o != 0 {
		return t._tab.GetInt32(o + t._tab.Pos)
	}
	return def
}

func (t fbTable) int8(slot flatbuffers.VOffsetT, def int8) int8 {
	if o := t.field(slot); o != 0 {
		return t._tab.GetInt8(o + t._tab.Pos)
	}
	return def
}

func (t fbTable) uint8(slot flatbuffers.VOffsetT, def uint8) uint8 {
	if o := t.field(slot); o != 0 {
		return t._tab.GetUint8(o + t._tab.Pos)
	}
	return def
}

func (t fbTable) float32(slot flatbuffers.VOffsetT, def float32) float32 {
	if o := t.field(slot); o != 0 {
		return t._tab.GetFloat32(o + t._tab.Pos)
	}
	return def
}

func (t fbTable) string(slot flatbuffers.VOffsetT) string {
	if o := t.field(slot); o != 0 {
		return string(t._tab.ByteVector(o + t._tab.Pos))
	}
	return ""
}

func (t fbTable) bytes(slot flatbuffers.VOffsetT) []byte {
	if o := t.field(slot); o != 0 {
		return t._tab.ByteVector(o + t._tab.Pos)
	}
	return nil
}

// vectorLen returns the element count of a vector field, or 0 if absent.
func (t fbTable) vectorLen(slot flatbuffers.VOffsetT) int {
	if o := t.field(slot); o != 0 {
		return t._tab.VectorLen(o)
	}
	return 0
}

// int32s reads a [int] vector field, refusing lengths the buffer cannot hold.
func (t fbTable) int32s(slot flatbuffers.VOffsetT) ([]int32, bool) {
	o := t.field(slot)
	if o == 0 {
		return nil, true
	}
	n := t._tab.VectorLen(o)
	if n < 0 || n > len(t._tab.Bytes)/4 {
		return nil, false
	}
	start := t._tab.Vector(o)
	out := make([]int32, n)
	for j := range out {
		out[j] = t._tab.GetInt32(start + flatbuffers.UOffsetT(j*4))
	}
	return out, true
}

// tables reads a vector-of-tables field.
func (t fbTable) tables(slot flatbuffers.VOffsetT) ([]fbTable, bool) {
	o := t.field(slot)
	if o == 0 {
		return nil, true
	}
	n := t._tab.VectorLen(o)
	if n < 0 || n > len(t._tab.Bytes)/4 {
		return nil, false
	}
	start := t._tab.Vector(o)
	out := make([]fbTable, n)
	for j := range out {
		x := t._tab.Indirect(start + flatbuffers.UOffsetT(j*4))
		out[j] = fbTable{flatbuffers.Table{Bytes: t._tab.Bytes, Pos: x}}
	}
	return out, true
}

// union resolves a union table field.
func (t fbTable) union(slot flatbuffers.VOffsetT) (fbTable, bool) {
	o := t.field(slot)
	if o == 0 {
		return fbTable{}, false
	}
	var u flatbuffers.Table
	t._tab.Union(&u, o)
	return fbTable{u}, true
}
