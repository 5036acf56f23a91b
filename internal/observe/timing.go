package observe

import "time"

// Timing records start/end timestamps only
type Timing struct {
	StartedAt   time.Time
	CompletedAt time.Time
}

// NewTiming creates timing with current start time
func NewTiming() *Timing {
	return &Timing{StartedAt: time.Now()}
}

// Complete records completion time. Only the first call counts.
func (t *Timing) Complete() {
	if t.CompletedAt.IsZero() {
		t.CompletedAt = time.Now()
	}
}

// Duration returns execution duration
func (t *Timing) Duration() time.Duration {
	if t.CompletedAt.IsZero() {
		return time.Since(t.StartedAt)
	}
	return t.CompletedAt.Sub(t.StartedAt)
}

// StageTiming is the wall time of one pipeline stage.
type StageTiming struct {
	Stage    string        `json:"stage" yaml:"stage"`
	Duration time.Duration `json:"duration" yaml:"duration"`
	Failed   bool          `json:"failed,omitempty" yaml:"failed,omitempty"`
}

// Stages records stage timings in execution order.
type Stages struct {
	timings []StageTiming
}

// Start begins timing stage. The returned func stops the clock; pass true
// if the stage failed.
func (s *Stages) Start(stage string) func(failed bool) {
	t := NewTiming()
	return func(failed bool) {
		t.Complete()
		s.timings = append(s.timings, StageTiming{Stage: stage, Duration: t.Duration(), Failed: failed})
	}
}

// List returns a copy of the recorded timings.
func (s *Stages) List() []StageTiming {
	out := make([]StageTiming, len(s.timings))
	copy(out, s.timings)
	return out
}
