// Package loop retries whole candidate plans against safeguard verdicts.
// Plans arrive already ranked most-confident first; the loop attempts at most
// N leading candidates, escalating to a human reviewer or exhausting the
// attempt budget.
package loop

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/waymark-ai/waymark/internal/events"
	"github.com/waymark-ai/waymark/internal/executor"
	"github.com/waymark-ai/waymark/internal/observability"
	"github.com/waymark-ai/waymark/internal/safeguard"
	"github.com/waymark-ai/waymark/internal/session"
	"github.com/waymark-ai/waymark/internal/types"
)

// PlanExecutor runs one candidate plan's action list.
type PlanExecutor interface {
	Run(ctx context.Context, sessionKey string, actions []types.ExecutionAction) (*executor.RunSummary, error)
}

// Assessor derives the post-execution verdict for an attempted plan.
type Assessor interface {
	Assess(ctx context.Context, sessionKey string, plan types.CandidatePlan) (safeguard.Verdict, error)
}

// ReviewerNotifier delivers an escalation to a human reviewer. Invoked at
// most once per run.
type ReviewerNotifier interface {
	NotifyReviewer(ctx context.Context, plan types.CandidatePlan, verdict safeguard.Verdict) error
}

// Finalizer runs the evidence/finalization step on the pass path. Optional;
// a finalizer error converts the run outcome to error.
type Finalizer interface {
	Finalize(ctx context.Context, sessionKey string, plan types.CandidatePlan) error
}

// Store is the slice of the session store the loop needs for bookkeeping.
type Store interface {
	Mutate(ctx context.Context, key string, delta map[string]any) error
}

// Config tunes the loop.
type Config struct {
	// MaxAttempts bounds how many leading candidates are tried.
	MaxAttempts int
}

// DefaultConfig returns loop defaults.
func DefaultConfig() Config {
	return Config{MaxAttempts: 3}
}

// RunResult is the outcome of one loop run.
type RunResult struct {
	Status         types.RunStatus      `json:"status"`
	Attempts       int                  `json:"attempts"`
	SelectedPlanID string               `json:"selected_plan_id,omitempty"`
	Summary        *executor.RunSummary `json:"summary,omitempty"`
	Message        string               `json:"message,omitempty"`
}

// Loop attempts candidate plans in rank order.
type Loop struct {
	executor  PlanExecutor
	assessor  Assessor
	store     Store
	notifier  ReviewerNotifier
	finalizer Finalizer
	cfg       Config
	logger    *observability.TracedLogger
	telemetry events.Sink
	tracer    trace.Tracer
}

// Option configures a Loop.
type Option func(*Loop)

// WithReviewerNotifier wires the reviewer escalation callback.
func WithReviewerNotifier(n ReviewerNotifier) Option {
	return func(l *Loop) { l.notifier = n }
}

// WithFinalizer wires the evidence step invoked on the pass path.
func WithFinalizer(f Finalizer) Option {
	return func(l *Loop) { l.finalizer = f }
}

// WithLogger sets the loop's trace-correlated logger.
func WithLogger(logger *observability.TracedLogger) Option {
	return func(l *Loop) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithTelemetry sets the loop's telemetry sink.
func WithTelemetry(sink events.Sink) Option {
	return func(l *Loop) {
		if sink != nil {
			l.telemetry = sink
		}
	}
}

// NewLoop creates an execution loop.
func NewLoop(planExec PlanExecutor, assessor Assessor, store Store, cfg Config, opts ...Option) *Loop {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}

	l := &Loop{
		executor:  planExec,
		assessor:  assessor,
		store:     store,
		cfg:       cfg,
		logger:    observability.NewTracedLogger(slog.Default().Handler(), "", ""),
		telemetry: events.NoopSink{},
		tracer:    otel.Tracer("github.com/waymark-ai/waymark/internal/loop"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run attempts at most MaxAttempts leading candidates in order. Verdict
// handling: retry_later advances to the next candidate, ask_reviewer notifies
// the reviewer and stops with needs_reviewer, anything else finalizes and
// completes. Errors during any attempt set the outcome to error and are
// returned after the exit telemetry fires; the exit event fires exactly once
// per run regardless of exit path.
func (l *Loop) Run(ctx context.Context, sessionKey string, plans []types.CandidatePlan) (result *RunResult, err error) {
	ctx, span := l.tracer.Start(ctx, "loop.run", trace.WithAttributes(
		attribute.Int("plans.available", len(plans)),
		attribute.Int("plans.max_attempts", l.cfg.MaxAttempts),
	))
	defer span.End()

	result = &RunResult{Status: types.RunStatusError}
	defer func() {
		if err != nil {
			result.Message = err.Error()
		}
		l.recordExit(ctx, sessionKey, result)
	}()

	for attempt := 0; attempt < l.cfg.MaxAttempts && attempt < len(plans); attempt++ {
		plan := plans[attempt]
		result.Attempts = attempt + 1
		result.SelectedPlanID = plan.PlanID

		if err = l.store.Mutate(ctx, sessionKey, map[string]any{
			"selected_plan_id":      plan.PlanID,
			"selected_plan_attempt": attempt + 1,
		}); err != nil {
			return result, err
		}

		events.EmitPayload(ctx, l.telemetry, events.EventPlanAttemptStarted, sessionKey,
			map[string]any{"plan_id": plan.PlanID, "attempt": attempt + 1})

		result.Summary, err = l.executor.Run(ctx, sessionKey, plan.Actions)
		if err != nil {
			return result, err
		}

		var verdict safeguard.Verdict
		verdict, err = l.assessor.Assess(ctx, sessionKey, plan)
		if err != nil {
			return result, err
		}

		events.EmitPayload(ctx, l.telemetry, events.EventPlanAttemptVerdict, sessionKey,
			map[string]any{"plan_id": plan.PlanID, "verdict": string(verdict)})

		switch verdict {
		case safeguard.VerdictRetryLater:
			l.logger.Info(ctx, "plan deferred, advancing to next candidate",
				"plan_id", plan.PlanID, "attempt", attempt+1,
				"verdict", safeguard.DescribeVerdict(verdict))
			continue

		case safeguard.VerdictAskReviewer:
			l.logger.Warn(ctx, "escalating plan to reviewer",
				"plan_id", plan.PlanID, "verdict", safeguard.DescribeVerdict(verdict))
			if l.notifier != nil {
				if err = l.notifier.NotifyReviewer(ctx, plan, verdict); err != nil {
					return result, err
				}
			}
			events.EmitPayload(ctx, l.telemetry, events.EventPlanReviewerNotify, sessionKey,
				map[string]any{"plan_id": plan.PlanID})
			result.Status = types.RunStatusNeedsReviewer
			return result, nil

		default:
			if l.finalizer != nil {
				if err = l.finalizer.Finalize(ctx, sessionKey, plan); err != nil {
					return result, err
				}
			}
			result.Status = types.RunStatusCompleted
			return result, nil
		}
	}

	result.Status = types.RunStatusExhausted
	return result, nil
}

// recordExit is the guaranteed per-run cleanup: it persists the exit status
// and emits the exit event.
func (l *Loop) recordExit(ctx context.Context, sessionKey string, result *RunResult) {
	if err := l.store.Mutate(ctx, sessionKey, map[string]any{
		"run_status":   result.Status.String(),
		"run_attempts": result.Attempts,
	}); err != nil {
		l.logger.Warn(ctx, "failed to persist run exit status",
			"session_key", sessionKey, "error", err)
	}

	events.EmitPayload(ctx, l.telemetry, events.EventPlanRunExited, sessionKey, map[string]any{
		"status":   result.Status.String(),
		"attempts": result.Attempts,
	})
}

var _ Store = (*session.Store)(nil)
var _ PlanExecutor = (*executor.Executor)(nil)
