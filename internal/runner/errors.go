package runner

import (
	"errors"
	"fmt"

	"github.com/psantana5/inferexec/pkg/models"
)

// Error kinds. Every error returned by a Runner matches exactly one of
// these with errors.Is; a missing model file matches both ErrModelLoad and
// ErrFileIO.
var (
	ErrMalformedConfig  = models.ErrMalformedConfig
	ErrFileIO           = errors.New("file i/o failed")
	ErrModelLoad        = errors.New("model load failed")
	ErrInterpreterBuild = errors.New("interpreter build failed")
	ErrAllocation       = errors.New("tensor allocation failed")
	ErrShapeMismatch    = errors.New("input tensor size mismatch")
	ErrInvocation       = errors.New("inference invocation failed")
	ErrCardinality      = errors.New("model must have exactly one input and one output tensor")
)

// kindNames are the stable labels used in reports and metrics.
var kindNames = []struct {
	kind error
	name string
}{
	{ErrMalformedConfig, "malformed_config"},
	{ErrModelLoad, "model_load"},
	{ErrInterpreterBuild, "interpreter_build"},
	{ErrAllocation, "allocation"},
	{ErrCardinality, "cardinality"},
	{ErrShapeMismatch, "shape_mismatch"},
	{ErrInvocation, "invocation"},
	{ErrFileIO, "file_io"},
}

// Stage names one step of the pipeline.
type Stage string

const (
	StageConfig           Stage = "config"
	StageModelLoad        Stage = "model_load"
	StageInterpreterBuild Stage = "interpreter_build"
	StageAllocate         Stage = "allocate"
	StageInputBind        Stage = "input_bind"
	StageInvoke           Stage = "invoke"
	StageOutputExtract    Stage = "output_extract"
	StagePersist          Stage = "persist"
)

// StageError wraps a pipeline failure with the stage it happened in and its
// kind.
type StageError struct {
	Stage Stage
	Kind  error // One of the Err* kinds above
	Err   error // Underlying cause
}

// Error implements error interface
func (e *StageError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Stage, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Stage, e.Kind, e.Err)
}

// Unwrap lets errors.Is match both the kind and the cause.
func (e *StageError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// withKind tags err with a kind other than the stage's default.
func withKind(kind, err error) error {
	return &StageError{Kind: kind, Err: err}
}

// KindName returns the report label of err's kind, or "unknown".
func KindName(err error) string {
	var se *StageError
	if errors.As(err, &se) {
		err = se.Kind
	}
	for _, k := range kindNames {
		if errors.Is(err, k.kind) {
			return k.name
		}
	}
	return "unknown"
}
