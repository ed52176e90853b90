package core

import "time"

// CycleState is a node of the orchestration state machine.
type CycleState string

const (
	StateIdle       CycleState = "IDLE"
	StatePerceiving CycleState = "PERCEIVING"
	StatePredicting CycleState = "PREDICTING"
	StateDeciding   CycleState = "DECIDING"
	StateExecuting  CycleState = "EXECUTING"
	StateReporting  CycleState = "REPORTING"
	StateFailed     CycleState = "FAILED"
)

// next lists the legal successor of each non-terminal state. FAILED is
// reachable from any state.
var next = map[CycleState]CycleState{
	StateIdle:       StatePerceiving,
	StatePerceiving: StatePredicting,
	StatePredicting: StateDeciding,
	StateDeciding:   StateExecuting,
	StateExecuting:  StateReporting,
	StateReporting:  StateIdle,
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to CycleState) bool {
	if to == StateFailed {
		return from != StateFailed
	}
	return next[from] == to
}

// CycleStatus is the externally visible outcome of a cycle.
type CycleStatus string

const (
	CycleRunning   CycleStatus = "running"
	CycleCompleted CycleStatus = "completed"
	CycleFailed    CycleStatus = "failed"
)

// Transition records a state change.
type Transition struct {
	From CycleState `json:"from"`
	To   CycleState `json:"to"`
	At   time.Time  `json:"at"`
}

// OrchestrationCycle is one traversal of the state machine. It is mutated only
// by the engine goroutine that owns it and is terminal once Status leaves
// running.
type OrchestrationCycle struct {
	CycleID         string                `json:"cycle_id"`
	CorrelationID   string                `json:"correlation_id"`
	StartedAt       time.Time             `json:"started_at"`
	FinishedAt      time.Time             `json:"finished_at,omitempty"`
	Duration        time.Duration         `json:"duration"`
	State           CycleState            `json:"state"`
	Transitions     []Transition          `json:"transitions"`
	Status          CycleStatus           `json:"status"`
	Perception      *NetworkStateSnapshot `json:"perception_snapshot,omitempty"`
	Prediction      *Prediction           `json:"assessment_set,omitempty"`
	JourneyCount    int                   `json:"journey_count"`
	Decision        *Decision             `json:"decision,omitempty"`
	Plan            *InterventionPlan     `json:"plan,omitempty"`
	ExecutionResult *ExecutionResult      `json:"execution_result,omitempty"`
	Degraded        bool                  `json:"degraded"`
	DegradedReasons []string              `json:"degraded_reasons,omitempty"`
	Error           string                `json:"error,omitempty"`
}

// Terminal reports whether the cycle has finished.
func (c *OrchestrationCycle) Terminal() bool {
	return c.Status != CycleRunning
}

// Clone returns a copy safe to hand out while the engine keeps its own.
func (c *OrchestrationCycle) Clone() *OrchestrationCycle {
	cp := *c
	cp.Transitions = append([]Transition(nil), c.Transitions...)
	cp.DegradedReasons = append([]string(nil), c.DegradedReasons...)
	return &cp
}
