package models

import "fmt"

// PipelineState is the position of a job in the inference pipeline.
type PipelineState string

// Pipeline states, in execution order. Failed is reachable from every
// non-terminal state.
const (
	StateCreated          PipelineState = "created"
	StateModelLoaded      PipelineState = "model_loaded"
	StateInterpreterReady PipelineState = "interpreter_ready"
	StateTensorsAllocated PipelineState = "tensors_allocated"
	StateInputBound       PipelineState = "input_bound"
	StateInvoked          PipelineState = "invoked"
	StateOutputWritten    PipelineState = "output_written"
	StateFailed           PipelineState = "failed"
)

// pipelineOrder is the only successful path through the pipeline.
var pipelineOrder = []PipelineState{
	StateCreated,
	StateModelLoaded,
	StateInterpreterReady,
	StateTensorsAllocated,
	StateInputBound,
	StateInvoked,
	StateOutputWritten,
}

// validTransitions maps from-state to allowed to-states
var validTransitions = buildTransitions()

func buildTransitions() map[PipelineState]map[PipelineState]bool {
	t := make(map[PipelineState]map[PipelineState]bool, len(pipelineOrder)+1)
	for i, from := range pipelineOrder {
		next := map[PipelineState]bool{}
		if i+1 < len(pipelineOrder) {
			next[pipelineOrder[i+1]] = true
			next[StateFailed] = true
		}
		t[from] = next
	}
	t[StateFailed] = map[PipelineState]bool{}
	return t
}

// ValidateTransition checks if a state transition is valid
func ValidateTransition(from, to PipelineState) error {
	allowed, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("unknown source state: %s", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	return nil
}

// IsTerminalState returns true if no further transitions are possible.
func IsTerminalState(state PipelineState) bool {
	return state == StateOutputWritten || state == StateFailed
}

// NextState returns the successor of state on the success path, or "" for
// terminal states.
func NextState(state PipelineState) PipelineState {
	for i, s := range pipelineOrder {
		if s == state && i+1 < len(pipelineOrder) {
			return pipelineOrder[i+1]
		}
	}
	return ""
}

// StateMachine tracks one job's progress and records every transition.
type StateMachine struct {
	current     PipelineState
	transitions []StateTransition
}

// StateTransition records one state change.
type StateTransition struct {
	From   PipelineState `json:"from" yaml:"from"`
	To     PipelineState `json:"to" yaml:"to"`
	Reason string        `json:"reason,omitempty" yaml:"reason,omitempty"`
}

// NewStateMachine starts in StateCreated.
func NewStateMachine() *StateMachine {
	return &StateMachine{current: StateCreated}
}

// Current returns the current state.
func (m *StateMachine) Current() PipelineState {
	return m.current
}

// Transitions returns a copy of the transition history.
func (m *StateMachine) Transitions() []StateTransition {
	out := make([]StateTransition, len(m.transitions))
	copy(out, m.transitions)
	return out
}

// Advance moves to the next state on the success path.
func (m *StateMachine) Advance() error {
	return m.transition(NextState(m.current), "")
}

// Fail moves to StateFailed, recording reason.
func (m *StateMachine) Fail(reason string) error {
	return m.transition(StateFailed, reason)
}

func (m *StateMachine) transition(to PipelineState, reason string) error {
	if err := ValidateTransition(m.current, to); err != nil {
		return err
	}
	m.transitions = append(m.transitions, StateTransition{From: m.current, To: to, Reason: reason})
	m.current = to
	return nil
}
