package types

// ExecutionAction is one external action within a candidate plan. Immutable
// once dispatched.
type ExecutionAction struct {
	ActionID  string         `json:"action_id"`
	Toolkit   string         `json:"toolkit"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// CandidatePlan is one ranked, executable option generated for the PLAN
// stage: an ordered action list plus ranking metadata. Plans arrive already
// sorted most-confident first.
type CandidatePlan struct {
	PlanID     string            `json:"plan_id"`
	Confidence float64           `json:"confidence"`
	Rationale  string            `json:"rationale,omitempty"`
	Actions    []ExecutionAction `json:"actions"`
}
