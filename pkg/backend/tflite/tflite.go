//go:build tflite

// Package tflite runs models through the TensorFlow Lite C API.
//
// Build with: go build -tags tflite
// The tensorflowlite_c shared library and its headers must be installed.
package tflite

/*
#cgo LDFLAGS: -ltensorflowlite_c
#include <stdlib.h>
#include <tensorflow/lite/c/c_api.h>
*/
import "C"

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/psantana5/inferexec/pkg/backend"
)

const Name = "tflite"

// Backend creates TFLite C API models and interpreters.
type Backend struct{}

func New() *Backend { return &Backend{} }

func (b *Backend) Name() string { return Name }

// Model owns a C copy of the flatbuffer, which TFLite requires to outlive
// the model handle.
type Model struct {
	mu   sync.Mutex
	data unsafe.Pointer
	ptr  *C.TfLiteModel
}

func (b *Backend) LoadModel(data []byte) (backend.Model, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty model", backend.ErrInvalidModel)
	}
	buf := C.CBytes(data)
	ptr := C.TfLiteModelCreate(buf, C.size_t(len(data)))
	if ptr == nil {
		C.free(buf)
		return nil, fmt.Errorf("%w: TfLiteModelCreate rejected %d bytes", backend.ErrInvalidModel, len(data))
	}
	return &Model{data: buf, ptr: ptr}, nil
}

func (m *Model) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ptr != nil {
		C.TfLiteModelDelete(m.ptr)
		m.ptr = nil
	}
	if m.data != nil {
		C.free(m.data)
		m.data = nil
	}
	return nil
}

// Interpreter wraps a TfLiteInterpreter. MaxArenaBytes is not enforced: the
// C API exposes no arena cap.
type Interpreter struct {
	ptr       *C.TfLiteInterpreter
	allocated bool
}

func (b *Backend) NewInterpreter(m backend.Model, opts backend.Options) (backend.Interpreter, error) {
	model, ok := m.(*Model)
	if !ok || model.ptr == nil {
		return nil, fmt.Errorf("%w: model not loaded by the tflite backend", backend.ErrInvalidModel)
	}
	if opts.NumThreads < backend.DefaultNumThreads {
		return nil, fmt.Errorf("%w: thread count %d", backend.ErrInvalidGraph, opts.NumThreads)
	}

	o := C.TfLiteInterpreterOptionsCreate()
	defer C.TfLiteInterpreterOptionsDelete(o)
	C.TfLiteInterpreterOptionsSetNumThreads(o, C.int32_t(opts.NumThreads))

	ptr := C.TfLiteInterpreterCreate(model.ptr, o)
	if ptr == nil {
		return nil, fmt.Errorf("%w: TfLiteInterpreterCreate failed (unsupported operator or malformed graph)",
			backend.ErrUnsupportedOperator)
	}
	return &Interpreter{ptr: ptr}, nil
}

func (in *Interpreter) AllocateTensors() error {
	if C.TfLiteInterpreterAllocateTensors(in.ptr) != C.kTfLiteOk {
		return fmt.Errorf("%w: TfLiteInterpreterAllocateTensors failed", backend.ErrShape)
	}
	in.allocated = true
	return nil
}

func (in *Interpreter) InputCount() int {
	return int(C.TfLiteInterpreterGetInputTensorCount(in.ptr))
}

func (in *Interpreter) OutputCount() int {
	return int(C.TfLiteInterpreterGetOutputTensorCount(in.ptr))
}

func (in *Interpreter) input(i int) (*C.TfLiteTensor, error) {
	if !in.allocated {
		return nil, backend.ErrNotAllocated
	}
	if i < 0 || i >= in.InputCount() {
		return nil, fmt.Errorf("%w: %d of %d", backend.ErrIndexOutOfRange, i, in.InputCount())
	}
	return C.TfLiteInterpreterGetInputTensor(in.ptr, C.int32_t(i)), nil
}

func (in *Interpreter) InputByteSize(i int) (int, error) {
	t, err := in.input(i)
	if err != nil {
		return 0, err
	}
	return int(C.TfLiteTensorByteSize(t)), nil
}

func (in *Interpreter) SetInput(i int, data []byte) error {
	t, err := in.input(i)
	if err != nil {
		return err
	}
	size := int(C.TfLiteTensorByteSize(t))
	if len(data) != size {
		return fmt.Errorf("%w: input %d needs %d bytes, got %d", backend.ErrShape, i, size, len(data))
	}
	if size == 0 {
		return nil
	}
	if C.TfLiteTensorCopyFromBuffer(t, unsafe.Pointer(&data[0]), C.size_t(size)) != C.kTfLiteOk {
		return fmt.Errorf("%w: TfLiteTensorCopyFromBuffer failed", backend.ErrShape)
	}
	return nil
}

func (in *Interpreter) Invoke() error {
	if !in.allocated {
		return backend.ErrNotAllocated
	}
	if C.TfLiteInterpreterInvoke(in.ptr) != C.kTfLiteOk {
		return fmt.Errorf("%w: TfLiteInterpreterInvoke failed", backend.ErrKernel)
	}
	return nil
}

func (in *Interpreter) Output(i int) ([]byte, error) {
	if !in.allocated {
		return nil, backend.ErrNotAllocated
	}
	if i < 0 || i >= in.OutputCount() {
		return nil, fmt.Errorf("%w: %d of %d", backend.ErrIndexOutOfRange, i, in.OutputCount())
	}
	t := C.TfLiteInterpreterGetOutputTensor(in.ptr, C.int32_t(i))
	out := make([]byte, int(C.TfLiteTensorByteSize(t)))
	if len(out) == 0 {
		return out, nil
	}
	if C.TfLiteTensorCopyToBuffer(t, unsafe.Pointer(&out[0]), C.size_t(len(out))) != C.kTfLiteOk {
		return nil, fmt.Errorf("%w: TfLiteTensorCopyToBuffer failed", backend.ErrKernel)
	}
	return out, nil
}

func (in *Interpreter) Close() error {
	if in.ptr != nil {
		C.TfLiteInterpreterDelete(in.ptr)
		in.ptr = nil
	}
	in.allocated = false
	return nil
}

var (
	_ backend.Backend     = (*Backend)(nil)
	_ backend.Model       = (*Model)(nil)
	_ backend.Interpreter = (*Interpreter)(nil)
)
