// Package safeguard evaluates policy rules (rate limits, approval gates,
// scope alignment) against proposed or completed actions. Validation is
// result-driven: every check returns a tagged status instead of signaling
// through errors, and the run-level verdict is derived by exhaustive matching
// over the collected results.
package safeguard

import (
	"fmt"

	"github.com/waymark-ai/waymark/internal/types"
)

// Status is the tagged outcome of a single safeguard check.
type Status string

const (
	StatusPassed      Status = "passed"
	StatusFailed      Status = "failed"
	StatusSkipped     Status = "skipped"
	StatusAutoFixed   Status = "auto_fixed"
	StatusNeedsReview Status = "needs_review"
)

// Severity ranks how serious a safeguard failure is. Critical failures
// escalate the run to a human reviewer.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Safeguard categories with built-in evaluation logic. Unknown categories
// pass by default so new policy types can roll out ahead of enforcement.
const (
	CategoryRateLimits       = "rate_limits"
	CategoryApprovalRequired = "approval_required"
	CategoryScopeAlignment   = "scope_alignment"
)

// Safeguard is one policy rule loaded from session state. Treated as
// read-only configuration for the duration of a run.
type Safeguard struct {
	ID             string         `json:"id"`
	Category       string         `json:"category"`
	Rule           map[string]any `json:"rule,omitempty"`
	AutoFixEnabled bool           `json:"auto_fix_enabled"`
	Severity       Severity       `json:"severity"`
}

// ValidationResult records the outcome of one safeguard check against one
// action. Results are appended to the session's validation history and never
// mutated afterwards.
type ValidationResult struct {
	SafeguardID      string         `json:"safeguard_id"`
	Status           Status         `json:"status"`
	Severity         Severity       `json:"severity"`
	AutoFixAttempted bool           `json:"auto_fix_attempted"`
	AutoFixSuccess   bool           `json:"auto_fix_success"`
	Details          map[string]any `json:"details,omitempty"`
}

// Verdict is the run-level decision derived from a set of validation results.
type Verdict string

const (
	VerdictProceed     Verdict = "proceed"
	VerdictRetryLater  Verdict = "retry_later"
	VerdictAskReviewer Verdict = "ask_reviewer"
)

// AssessRun folds a result set into a run-level verdict: a critical failure
// requires a human reviewer, any other failure defers the plan, and anything
// else proceeds. Auto-fixed results count as resolved.
func AssessRun(results []ValidationResult) Verdict {
	verdict := VerdictProceed
	for _, r := range results {
		if r.Status != StatusFailed && r.Status != StatusNeedsReview {
			continue
		}
		if r.Severity == SeverityCritical || r.Status == StatusNeedsReview {
			return VerdictAskReviewer
		}
		verdict = VerdictRetryLater
	}
	return verdict
}

// safeguardsFromState parses the safeguards configured in session state.
// The list lives under the "safeguards" key as serialized documents.
func safeguardsFromState(state map[string]any) ([]Safeguard, error) {
	raw, ok := state["safeguards"]
	if !ok {
		return nil, nil
	}

	items, ok := raw.([]any)
	if !ok {
		return nil, types.NewError(types.EXEC_POLICY_BLOCKED,
			fmt.Sprintf("safeguards key has unexpected type %T", raw))
	}

	safeguards := make([]Safeguard, 0, len(items))
	for _, item := range items {
		doc, ok := item.(map[string]any)
		if !ok {
			continue
		}
		sg := Safeguard{
			ID:       stringField(doc, "id"),
			Category: stringField(doc, "category"),
			Severity: Severity(stringField(doc, "severity")),
		}
		if sg.Severity == "" {
			sg.Severity = SeverityMedium
		}
		if rule, ok := doc["rule"].(map[string]any); ok {
			sg.Rule = rule
		}
		if enabled, ok := doc["auto_fix_enabled"].(bool); ok {
			sg.AutoFixEnabled = enabled
		}
		safeguards = append(safeguards, sg)
	}
	return safeguards, nil
}

func stringField(doc map[string]any, key string) string {
	if v, ok := doc[key].(string); ok {
		return v
	}
	return ""
}

// numberField reads a numeric field that may arrive as float64 (JSON) or int.
func numberField(doc map[string]any, key string) (int, bool) {
	switch v := doc[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case int64:
		return int(v), true
	}
	return 0, false
}
