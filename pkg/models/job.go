package models

import (
	"errors"
	"fmt"

	"github.com/psantana5/inferexec/pkg/postcard"
)

// DefaultNumThreads lets the backend pick its own worker thread count.
const DefaultNumThreads int32 = -1

// ErrMalformedConfig is returned when execution configuration bytes do not
// decode as a JobDescriptor.
var ErrMalformedConfig = errors.New("malformed execution configuration")

// JobDescriptor names the files of one inference job.
//
// Paths are opaque: they are handed to the filesystem layer untouched, which
// is responsible for resolving and sandboxing them.
type JobDescriptor struct {
	InputTensorPath  string `json:"input_tensor_path" yaml:"input_tensor_path"`   // Raw input tensor bytes
	ModelPath        string `json:"model_path" yaml:"model_path"`                 // Serialized TFLite model
	OutputTensorPath string `json:"output_tensor_path" yaml:"output_tensor_path"` // Relative to the output root
	NumThreads       int32  `json:"num_threads" yaml:"num_threads"`               // -1 = backend default
}

// NewJobDescriptor returns the empty descriptor a process starts with.
func NewJobDescriptor() JobDescriptor {
	return JobDescriptor{NumThreads: DefaultNumThreads}
}

// ParseJobDescriptor decodes an execution configuration. Field order is
// input path, model path, output path, thread count; nothing may follow.
func ParseJobDescriptor(raw []byte) (JobDescriptor, error) {
	dec := postcard.NewDecoder(raw)
	d := JobDescriptor{
		InputTensorPath:  dec.String(),
		ModelPath:        dec.String(),
		OutputTensorPath: dec.String(),
		NumThreads:       dec.Int32(),
	}
	if err := dec.Finish(); err != nil {
		return NewJobDescriptor(), fmt.Errorf("%w: %w", ErrMalformedConfig, err)
	}
	return d, nil
}

// TryParse replaces d with the descriptor decoded from raw. On failure d is
// left exactly as it was and false is returned; malformed input is not an
// error at this level, the caller decides what "not a job" means.
func (d *JobDescriptor) TryParse(raw []byte) bool {
	parsed, err := ParseJobDescriptor(raw)
	if err != nil {
		return false
	}
	*d = parsed
	return true
}

// MarshalBinary encodes the descriptor in execution configuration format.
func (d JobDescriptor) MarshalBinary() ([]byte, error) {
	enc := postcard.NewEncoder()
	enc.String(d.InputTensorPath)
	enc.String(d.ModelPath)
	enc.String(d.OutputTensorPath)
	enc.Int32(d.NumThreads)
	return enc.Bytes(), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler with the same
// all-or-nothing semantics as TryParse.
func (d *JobDescriptor) UnmarshalBinary(raw []byte) error {
	parsed, err := ParseJobDescriptor(raw)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// IsEmpty reports whether d is still the default descriptor.
func (d JobDescriptor) IsEmpty() bool {
	return d == NewJobDescriptor()
}
