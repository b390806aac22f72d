package safeguard

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/waymark-ai/waymark/internal/events"
	"github.com/waymark-ai/waymark/internal/session"
	"github.com/waymark-ai/waymark/internal/types"
)

const (
	// maxAutoFixDelaySeconds caps the rate-limit auto-fix delay.
	maxAutoFixDelaySeconds = 60

	// historyKey is the append-only validation history list in session state.
	historyKey = "validation_history"
)

// StateStore is the slice of the session store the validator needs: state
// snapshots in, history appends out.
type StateStore interface {
	GetSession(ctx context.Context, key string) (*session.MissionSession, error)
	AppendToList(ctx context.Context, key, listKey string, item any) error
}

// AccountLookup resolves the OAuth scopes currently granted to a user via
// their connected accounts. Implementations live outside this package.
type AccountLookup interface {
	GrantedScopes(ctx context.Context, userID string) ([]string, error)
}

// Validator evaluates configured safeguards against actions. It is stateless
// aside from reading and appending validation history through the store.
type Validator struct {
	store     StateStore
	accounts  AccountLookup
	logger    *slog.Logger
	telemetry events.Sink
	tracer    trace.Tracer
}

// Option configures a Validator.
type Option func(*Validator)

// WithAccountLookup wires the connected-accounts scope source.
func WithAccountLookup(accounts AccountLookup) Option {
	return func(v *Validator) { v.accounts = accounts }
}

// WithLogger sets the validator's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(v *Validator) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// WithTelemetry sets the validator's telemetry sink.
func WithTelemetry(sink events.Sink) Option {
	return func(v *Validator) {
		if sink != nil {
			v.telemetry = sink
		}
	}
}

// NewValidator creates a validator over the given store.
func NewValidator(store StateStore, opts ...Option) *Validator {
	v := &Validator{
		store:     store,
		logger:    slog.Default(),
		telemetry: events.NoopSink{},
		tracer:    otel.Tracer("github.com/waymark-ai/waymark/internal/safeguard"),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// ValidateScopes compares required scope identifiers against the scopes
// currently granted, collected from session state plus the connected-accounts
// lookup. Gaps fail the check and raise alert and override-request signals.
func (v *Validator) ValidateScopes(ctx context.Context, sessionKey string, required []string) (ValidationResult, error) {
	ctx, span := v.tracer.Start(ctx, "safeguard.validate_scopes",
		trace.WithAttributes(attribute.Int("scopes.required", len(required))))
	defer span.End()

	sess, err := v.store.GetSession(ctx, sessionKey)
	if err != nil {
		return ValidationResult{}, err
	}

	granted := make(map[string]struct{})
	if list, ok := sess.State["granted_scopes"].([]any); ok {
		for _, s := range list {
			if scope, ok := s.(string); ok {
				granted[scope] = struct{}{}
			}
		}
	}
	if v.accounts != nil {
		scopes, err := v.accounts.GrantedScopes(ctx, sess.UserID)
		if err != nil {
			return ValidationResult{}, types.WrapError(types.EXEC_POLICY_BLOCKED,
				"connected-accounts scope lookup failed", err)
		}
		for _, scope := range scopes {
			granted[scope] = struct{}{}
		}
	}

	var missing []string
	for _, scope := range required {
		if _, ok := granted[scope]; !ok {
			missing = append(missing, scope)
		}
	}

	result := ValidationResult{
		SafeguardID: CategoryScopeAlignment,
		Status:      StatusPassed,
		Severity:    SeverityHigh,
		Details: map[string]any{
			"required_scopes": required,
		},
	}
	if len(missing) > 0 {
		result.Status = StatusFailed
		result.Details["missing_scopes"] = missing
	}

	if err := v.record(ctx, sess, result); err != nil {
		return result, err
	}
	return result, nil
}

// Preflight runs all configured safeguards against an action before it
// executes.
func (v *Validator) Preflight(ctx context.Context, sessionKey string, action types.ExecutionAction) ([]ValidationResult, error) {
	return v.runChecks(ctx, sessionKey, action, "preflight")
}

// Postflight runs the configured safeguards against a completed action.
// Preflight-only categories are skipped.
func (v *Validator) Postflight(ctx context.Context, sessionKey string, action types.ExecutionAction, _ map[string]any) ([]ValidationResult, error) {
	return v.runChecks(ctx, sessionKey, action, "postflight")
}

func (v *Validator) runChecks(ctx context.Context, sessionKey string, action types.ExecutionAction, phase string) ([]ValidationResult, error) {
	ctx, span := v.tracer.Start(ctx, "safeguard."+phase, trace.WithAttributes(
		attribute.String("action.toolkit", action.Toolkit),
		attribute.String("action.name", action.Name),
	))
	defer span.End()

	sess, err := v.store.GetSession(ctx, sessionKey)
	if err != nil {
		return nil, err
	}

	safeguards, err := safeguardsFromState(sess.State)
	if err != nil {
		return nil, err
	}

	results := make([]ValidationResult, 0, len(safeguards))
	for _, sg := range safeguards {
		result := v.evaluate(sg, action, sess.State, phase)
		results = append(results, result)
		if err := v.record(ctx, sess, result); err != nil {
			return results, err
		}
	}
	return results, nil
}

// evaluate runs a single safeguard against an action. Unknown categories
// pass by default.
func (v *Validator) evaluate(sg Safeguard, action types.ExecutionAction, state map[string]any, phase string) ValidationResult {
	result := ValidationResult{
		SafeguardID: sg.ID,
		Status:      StatusPassed,
		Severity:    sg.Severity,
		Details:     map[string]any{"category": sg.Category},
	}

	switch sg.Category {
	case CategoryRateLimits:
		limit, ok := numberField(sg.Rule, "max_calls_per_minute")
		if !ok || limit <= 0 {
			result.Status = StatusSkipped
			result.Details["reason"] = "no max_calls_per_minute configured"
			return result
		}

		recent := recentCalls(state, action.Toolkit)
		result.Details["toolkit"] = action.Toolkit
		result.Details["recent_calls"] = recent
		result.Details["limit"] = limit

		if recent <= limit {
			return result
		}

		if sg.AutoFixEnabled {
			delay := autoFixDelaySeconds(recent, limit)
			result.Status = StatusAutoFixed
			result.AutoFixAttempted = true
			result.AutoFixSuccess = true
			result.Details["delay_seconds"] = delay
			return result
		}
		result.Status = StatusFailed

	case CategoryApprovalRequired:
		if phase != "preflight" {
			result.Status = StatusSkipped
			result.Details["reason"] = "approval gate applies before execution"
			return result
		}
		if approved, ok := state["approval_granted"].(bool); !ok || !approved {
			result.Status = StatusFailed
			result.Details["reason"] = "approval flag not set"
		}
	}

	return result
}

// record appends the result to the session's validation history and raises
// alert and override-request signals for unresolved failures.
func (v *Validator) record(ctx context.Context, sess *session.MissionSession, result ValidationResult) error {
	if err := v.store.AppendToList(ctx, sess.SessionKey, historyKey, result); err != nil {
		return err
	}

	switch result.Status {
	case StatusAutoFixed:
		v.telemetry.Emit(ctx, events.EventSafeguardAutoFix, events.Event{
			SessionKey: sess.SessionKey,
			MissionID:  sess.MissionID,
			AgentName:  sess.AgentName,
			Payload: map[string]any{
				"safeguard_id": result.SafeguardID,
				"details":      result.Details,
			},
		})

	case StatusFailed, StatusNeedsReview:
		v.logger.Warn("safeguard check failed",
			"safeguard_id", result.SafeguardID,
			"severity", result.Severity,
			"session_key", sess.SessionKey,
		)
		payload := map[string]any{
			"safeguard_id": result.SafeguardID,
			"severity":     string(result.Severity),
			"details":      result.Details,
		}
		v.telemetry.Emit(ctx, events.EventSafeguardAlert, events.Event{
			SessionKey: sess.SessionKey,
			MissionID:  sess.MissionID,
			AgentName:  sess.AgentName,
			Payload:    payload,
		})
		v.telemetry.Emit(ctx, events.EventSafeguardOverride, events.Event{
			SessionKey: sess.SessionKey,
			MissionID:  sess.MissionID,
			AgentName:  sess.AgentName,
			Payload:    payload,
		})
	}
	return nil
}

// recentCalls reads the pre-aggregated per-toolkit call count from session
// state. The counting window is owned by whoever maintains the counters.
func recentCalls(state map[string]any, toolkit string) int {
	counts, ok := state["toolkit_call_counts"].(map[string]any)
	if !ok {
		return 0
	}
	if n, ok := numberField(counts, toolkit); ok {
		return n
	}
	return 0
}

// autoFixDelaySeconds computes the inserted delay for a rate-limit overage:
// min(2^max(overage, 1), 60) seconds where overage = recent - limit + 1.
func autoFixDelaySeconds(recent, limit int) int {
	overage := recent - limit + 1
	if overage < 1 {
		overage = 1
	}
	if overage >= 6 {
		return maxAutoFixDelaySeconds
	}
	return 1 << uint(overage)
}

var _ StateStore = (*session.Store)(nil)

// DescribeVerdict renders a verdict for logs and operator output.
func DescribeVerdict(v Verdict) string {
	switch v {
	case VerdictProceed:
		return "proceed"
	case VerdictRetryLater:
		return "defer plan and retry later"
	case VerdictAskReviewer:
		return "escalate to a human reviewer"
	default:
		return fmt.Sprintf("unknown verdict %q", string(v))
	}
}
