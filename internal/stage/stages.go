// Package stage drives the seven-stage mission state machine. The pipeline
// is a fixed, ordered table indexed by stage; each slot holds an optional
// strongly-typed handler. Progression is strictly one stage at a time, with
// rollback of the stage cursor on handler failure.
package stage

import (
	"fmt"
)

// Stage is one named phase of the mission lifecycle.
type Stage int

const (
	StageHome Stage = iota
	StageDefine
	StagePrepare
	StagePlan
	StageApprove
	StageExecute
	StageReflect
)

var stageNames = [...]string{
	StageHome:    "HOME",
	StageDefine:  "DEFINE",
	StagePrepare: "PREPARE",
	StagePlan:    "PLAN",
	StageApprove: "APPROVE",
	StageExecute: "EXECUTE",
	StageReflect: "REFLECT",
}

// String returns the canonical stage name.
func (s Stage) String() string {
	if s < StageHome || int(s) >= len(stageNames) {
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
	return stageNames[s]
}

// IsValid reports whether s is a defined stage.
func (s Stage) IsValid() bool {
	return s >= StageHome && int(s) < len(stageNames)
}

// ParseStage resolves a stage name. Unknown names return an error.
func ParseStage(name string) (Stage, error) {
	for i, n := range stageNames {
		if n == name {
			return Stage(i), nil
		}
	}
	return StageHome, fmt.Errorf("unknown stage: %q", name)
}

// Spec describes one pipeline slot: the stage, the state keys its handler
// must produce, and operator-facing wording. Immutable, defined once.
type Spec struct {
	Stage              Stage
	RequiredOutputKeys []string
	Description        string
}

// pipeline is the ordered mission stage table. HOME is the origin and never
// runs a handler; REFLECT is terminal.
var pipeline = []Spec{
	{Stage: StageHome, Description: "mission created, nothing committed yet"},
	{Stage: StageDefine, RequiredOutputKeys: []string{"mission_brief"},
		Description: "turn raw intent into a structured mission brief"},
	{Stage: StagePrepare, RequiredOutputKeys: []string{"connected_toolkits"},
		Description: "resolve toolkits and account connections"},
	{Stage: StagePlan, RequiredOutputKeys: []string{"candidate_plans"},
		Description: "generate and rank candidate plans"},
	{Stage: StageApprove, RequiredOutputKeys: []string{"approved_plan_id"},
		Description: "wait for the external approval decision"},
	{Stage: StageExecute, RequiredOutputKeys: []string{"run_status"},
		Description: "run the approved plan through the execution loop"},
	{Stage: StageReflect, RequiredOutputKeys: []string{"mission_summary"},
		Description: "summarize outcomes and close the mission"},
}

// Pipeline returns a copy of the stage table for introspection.
func Pipeline() []Spec {
	specs := make([]Spec, len(pipeline))
	copy(specs, pipeline)
	return specs
}
