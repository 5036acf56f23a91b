// Package native is a pure-Go interpreter for a subset of the TensorFlow Lite
// flatbuffer format. It runs single-subgraph float32 models built from a
// small fixed operator set and is the default backend of inferexec.
package native

import (
	"fmt"

	"github.com/psantana5/inferexec/pkg/backend"
)

// Name is reported in logs and run reports.
const Name = "native"

// Backend loads TFLite models into the native interpreter.
type Backend struct{}

// New creates a native backend.
func New() *Backend {
	return &Backend{}
}

func (b *Backend) Name() string {
	return Name
}

// LoadModel decodes a TFLite flatbuffer. The returned model keeps its own
// copy of constant buffers.
func (b *Backend) LoadModel(data []byte) (backend.Model, error) {
	m, err := decodeModel(data)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// NewInterpreter resolves every operator against the built-in set.
func (b *Backend) NewInterpreter(m backend.Model, opts backend.Options) (backend.Interpreter, error) {
	model, ok := m.(*Model)
	if !ok {
		return nil, fmt.Errorf("%w: model of type %T was not loaded by the native backend", backend.ErrInvalidModel, m)
	}
	in, err := newInterpreter(model, opts)
	if err != nil {
		return nil, err
	}
	return in, nil
}

var _ backend.Backend = (*Backend)(nil)
var _ backend.Interpreter = (*Interpreter)(nil)
