package report

import (
	"fmt"
	"time"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/psantana5/inferexec/internal/observe"
	"github.com/psantana5/inferexec/pkg/logging"
	"github.com/psantana5/inferexec/pkg/models"
)

// Result is immutable job-level truth. Set once, never change.
// Metrics and the summary log line are projections of it.
type Result struct {
	// Identity
	JobID   string `json:"job_id" yaml:"job_id"`
	Backend string `json:"backend" yaml:"backend"`

	Job     models.JobDescriptor `json:"job" yaml:"job"`
	Threads int                  `json:"threads" yaml:"threads"` // Resolved, not requested

	// Timing
	StartTime time.Time             `json:"start_time" yaml:"start_time"`
	EndTime   time.Time             `json:"end_time" yaml:"end_time"`
	Duration  time.Duration         `json:"duration" yaml:"duration"`
	Stages    []observe.StageTiming `json:"stages" yaml:"stages"`

	// Outcome
	State       models.PipelineState     `json:"state" yaml:"state"`
	Transitions []models.StateTransition `json:"transitions" yaml:"transitions"`
	ErrorKind   string                   `json:"error_kind,omitempty" yaml:"error_kind,omitempty"`
	Error       string                   `json:"error,omitempty" yaml:"error,omitempty"`

	ModelBytes  int `json:"model_bytes" yaml:"model_bytes"`
	InputBytes  int `json:"input_bytes" yaml:"input_bytes"`
	OutputBytes int `json:"output_bytes" yaml:"output_bytes"`
}

// Succeeded reports whether the output tensor was written.
func (r *Result) Succeeded() bool {
	return r.State == models.StateOutputWritten
}

// LogSummary emits the one-line summary operators grep for.
func (r *Result) LogSummary(logger *logging.Logger) {
	line := fmt.Sprintf("JOB %s | state=%s | backend=%s | threads=%d | runtime=%.3fs | in=%dB | out=%dB",
		r.JobID, r.State, r.Backend, r.Threads, r.Duration.Seconds(), r.InputBytes, r.OutputBytes)
	if r.Succeeded() {
		logger.Info(line)
		return
	}
	logger.Error(line, logging.Fields{"error_kind": r.ErrorKind, "error": r.Error})
}

// WriteFile stores the result as YAML at path.
func (r *Result) WriteFile(fs afero.Fs, path string) error {
	data, err := yaml.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	if err := afero.WriteFile(fs, path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write report %s: %w", path, err)
	}
	return nil
}

// ReadFile loads a report written by WriteFile.
func ReadFile(fs afero.Fs, path string) (*Result, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read report %s: %w", path, err)
	}
	var r Result
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to parse report %s: %w", path, err)
	}
	return &r, nil
}
