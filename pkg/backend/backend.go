// Package backend defines the capability an inference engine must provide to
// run one job: load a model from bytes, build an interpreter, allocate
// tensors, bind one input, invoke and read one output.
package backend

import "errors"

// DefaultNumThreads asks the backend to choose its own thread count.
const DefaultNumThreads = -1

var (
	ErrInvalidModel        = errors.New("invalid model")
	ErrUnsupportedOperator = errors.New("unsupported operator")
	ErrInvalidGraph        = errors.New("invalid graph")
	ErrOutOfMemory         = errors.New("out of memory")
	ErrShape               = errors.New("shape inference failed")
	ErrNotAllocated        = errors.New("tensors not allocated")
	ErrIndexOutOfRange     = errors.New("tensor index out of range")
	ErrKernel              = errors.New("kernel failed")
)

// Backend is a model loader and interpreter factory.
type Backend interface {
	// Name returns the backend type for logging.
	Name() string

	// LoadModel parses a serialized model. The backend must not retain data
	// after Model.Close.
	LoadModel(data []byte) (Model, error)

	// NewInterpreter builds an executable interpreter for m using the
	// backend's built-in operator set. Thread configuration is applied here,
	// before any tensor allocation.
	NewInterpreter(m Model, opts Options) (Interpreter, error)
}

// Model is a loaded, not yet executable, model.
type Model interface {
	Close() error
}

// Options configure an interpreter.
type Options struct {
	// NumThreads bounds backend worker threads; DefaultNumThreads lets the
	// backend decide.
	NumThreads int
	// MaxArenaBytes caps the total tensor memory; 0 means no explicit cap.
	MaxArenaBytes int64
}

// Interpreter is the executable form of a model.
type Interpreter interface {
	AllocateTensors() error

	InputCount() int
	OutputCount() int

	// InputByteSize returns the exact byte length of input tensor i.
	InputByteSize(i int) (int, error)
	// SetInput copies data into input tensor i; len(data) must equal
	// InputByteSize(i).
	SetInput(i int, data []byte) error

	Invoke() error

	// Output returns a copy of output tensor i.
	Output(i int) ([]byte, error)

	Close() error
}
