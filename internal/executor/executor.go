// Package executor runs a plan's ordered action list against an injected
// tool-execution capability. Actions run strictly sequentially: later actions
// may depend on earlier side effects, and rate-limit bookkeeping is shared
// per toolkit. Retry is typed: only rate-limit failures are retried, with
// exponential backoff honoring provider hints.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/waymark-ai/waymark/internal/events"
	"github.com/waymark-ai/waymark/internal/safeguard"
	"github.com/waymark-ai/waymark/internal/session"
	"github.com/waymark-ai/waymark/internal/types"
)

// resultsKey is the append-only execution-results list in session state.
const resultsKey = "execution_results"

// ExecuteFunc is the injected action-execution capability. It returns the
// provider's result document, or one of *RateLimitError, *AuthExpiredError,
// or any other error (wrapped by the executor as a fatal ToolExecutionError).
type ExecuteFunc func(ctx context.Context, action types.ExecutionAction) (map[string]any, error)

// Validator is the safeguard surface the executor consults around each
// action. A nil validator skips both checks.
type Validator interface {
	Preflight(ctx context.Context, sessionKey string, action types.ExecutionAction) ([]safeguard.ValidationResult, error)
	Postflight(ctx context.Context, sessionKey string, action types.ExecutionAction, output map[string]any) ([]safeguard.ValidationResult, error)
}

// Store is the slice of the session store the executor needs.
type Store interface {
	Heartbeat(ctx context.Context, key string) error
	AppendToList(ctx context.Context, key, listKey string, item any) error
}

// ExecutionResult records one completed action. Appended to the session's
// execution_results list and never mutated afterwards.
type ExecutionResult struct {
	ActionID         string                       `json:"action_id"`
	Status           string                       `json:"status"`
	Output           map[string]any               `json:"output,omitempty"`
	Error            string                       `json:"error,omitempty"`
	ValidatorResults []safeguard.ValidationResult `json:"validator_results,omitempty"`
	StartedAt        time.Time                    `json:"started_at"`
	CompletedAt      time.Time                    `json:"completed_at"`
}

// RunSummary aggregates one executor run.
type RunSummary struct {
	Total       int       `json:"total"`
	Succeeded   int       `json:"succeeded"`
	Failed      int       `json:"failed"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// Config tunes the retry policy for the execute call.
type Config struct {
	// MaxRetries bounds rate-limit retries per action; the first attempt is
	// not a retry.
	MaxRetries int

	// InitialDelay seeds the backoff; each retry multiplies it by Multiplier
	// up to BackoffCeiling. A provider retry_after hint overrides the
	// computed delay for that retry.
	InitialDelay   time.Duration
	Multiplier     float64
	BackoffCeiling time.Duration
}

// DefaultConfig returns executor defaults matching production tuning.
func DefaultConfig() Config {
	return Config{
		MaxRetries:     3,
		InitialDelay:   time.Second,
		Multiplier:     2.0,
		BackoffCeiling: 30 * time.Second,
	}
}

// Executor runs action lists sequentially with typed retry.
type Executor struct {
	exec      ExecuteFunc
	store     Store
	validator Validator
	cfg       Config
	logger    *slog.Logger
	telemetry events.Sink
	tracer    trace.Tracer
	pacers    map[string]*rate.Limiter

	// sleep is injectable so tests run without real delays.
	sleep func(ctx context.Context, d time.Duration) error
}

// Option configures an Executor.
type Option func(*Executor)

// WithValidator wires the safeguard validator around each action.
func WithValidator(v Validator) Option {
	return func(e *Executor) { e.validator = v }
}

// WithLogger sets the executor's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithTelemetry sets the executor's telemetry sink.
func WithTelemetry(sink events.Sink) Option {
	return func(e *Executor) {
		if sink != nil {
			e.telemetry = sink
		}
	}
}

// WithPacer installs a local rate limiter applied before dispatching actions
// of the given toolkit.
func WithPacer(toolkit string, limiter *rate.Limiter) Option {
	return func(e *Executor) { e.pacers[toolkit] = limiter }
}

// NewExecutor creates an executor over the injected execution capability.
func NewExecutor(exec ExecuteFunc, store Store, cfg Config, opts ...Option) *Executor {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = DefaultConfig().InitialDelay
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = DefaultConfig().Multiplier
	}
	if cfg.BackoffCeiling < cfg.InitialDelay {
		cfg.BackoffCeiling = cfg.InitialDelay
	}

	e := &Executor{
		exec:      exec,
		store:     store,
		cfg:       cfg,
		logger:    slog.Default(),
		telemetry: events.NoopSink{},
		tracer:    otel.Tracer("github.com/waymark-ai/waymark/internal/executor"),
		pacers:    make(map[string]*rate.Limiter),
		sleep:     sleepContext,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes the plan's actions strictly in order. A fatal failure stops
// the run immediately; results already appended are retained. The returned
// summary covers every dispatched action, including the failed one.
func (e *Executor) Run(ctx context.Context, sessionKey string, actions []types.ExecutionAction) (*RunSummary, error) {
	ctx, span := e.tracer.Start(ctx, "executor.run",
		trace.WithAttributes(attribute.Int("actions.total", len(actions))))
	defer span.End()

	summary := &RunSummary{
		Total:     len(actions),
		StartedAt: time.Now(),
	}

	for _, action := range actions {
		if err := e.runAction(ctx, sessionKey, action); err != nil {
			summary.Failed++
			summary.CompletedAt = time.Now()
			events.EmitPayload(ctx, e.telemetry, events.EventActionFailed, sessionKey, map[string]any{
				"action_id": action.ActionID,
				"toolkit":   action.Toolkit,
				"error":     err.Error(),
			})
			return summary, err
		}
		summary.Succeeded++
	}

	summary.CompletedAt = time.Now()
	return summary, nil
}

func (e *Executor) runAction(ctx context.Context, sessionKey string, action types.ExecutionAction) error {
	ctx, span := e.tracer.Start(ctx, "executor.action", trace.WithAttributes(
		attribute.String("action.id", action.ActionID),
		attribute.String("action.toolkit", action.Toolkit),
		attribute.String("action.name", action.Name),
	))
	defer span.End()

	// Heartbeat before each action so long-running plans stay durable.
	if err := e.store.Heartbeat(ctx, sessionKey); err != nil {
		e.logger.Warn("heartbeat failed before action",
			"action_id", action.ActionID, "error", err)
	}

	if limiter := e.pacers[action.Toolkit]; limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return types.WrapError(types.EXEC_TOOL_FAILED, "pacer wait cancelled", err)
		}
	}

	result := ExecutionResult{
		ActionID:  action.ActionID,
		StartedAt: time.Now(),
	}

	if e.validator != nil {
		preflight, err := e.validator.Preflight(ctx, sessionKey, action)
		if err != nil {
			return err
		}
		result.ValidatorResults = append(result.ValidatorResults, preflight...)
		if err := e.applyAutoFixes(ctx, preflight); err != nil {
			return err
		}
	}

	events.EmitPayload(ctx, e.telemetry, events.EventActionStarted, sessionKey,
		map[string]any{"action_id": action.ActionID, "toolkit": action.Toolkit})

	output, err := e.executeWithRetry(ctx, sessionKey, action)
	if err != nil {
		return err
	}

	if e.validator != nil {
		postflight, err := e.validator.Postflight(ctx, sessionKey, action, output)
		if err != nil {
			return err
		}
		result.ValidatorResults = append(result.ValidatorResults, postflight...)
	}

	result.Status = "succeeded"
	result.Output = output
	result.CompletedAt = time.Now()

	if err := e.store.AppendToList(ctx, sessionKey, resultsKey, result); err != nil {
		return err
	}

	events.EmitPayload(ctx, e.telemetry, events.EventActionCompleted, sessionKey,
		map[string]any{"action_id": action.ActionID})
	return nil
}

// executeWithRetry retries only rate-limit failures, honoring the provider's
// retry_after hint when present. Auth expiry and anything else is fatal.
func (e *Executor) executeWithRetry(ctx context.Context, sessionKey string, action types.ExecutionAction) (map[string]any, error) {
	delay := e.cfg.InitialDelay

	for attempt := 0; ; attempt++ {
		output, err := e.exec(ctx, action)
		if err == nil {
			return output, nil
		}

		var rateErr *RateLimitError
		var authErr *AuthExpiredError
		switch {
		case errors.As(err, &rateErr):
			if attempt >= e.cfg.MaxRetries {
				return nil, types.WrapError(types.EXEC_RATE_LIMITED,
					fmt.Sprintf("rate-limit retries exhausted for action %s", action.ActionID), err)
			}

			wait := delay
			if rateErr.RetryAfter > 0 {
				wait = rateErr.RetryAfter
			}
			delay = time.Duration(float64(delay) * e.cfg.Multiplier)
			if delay > e.cfg.BackoffCeiling {
				delay = e.cfg.BackoffCeiling
			}

			events.EmitPayload(ctx, e.telemetry, events.EventActionRetried, sessionKey, map[string]any{
				"action_id": action.ActionID,
				"attempt":   attempt + 1,
				"wait":      wait.String(),
			})
			if err := e.sleep(ctx, wait); err != nil {
				return nil, types.WrapError(types.EXEC_RATE_LIMITED, "backoff cancelled", err)
			}

		case errors.As(err, &authErr):
			return nil, types.WrapError(types.EXEC_AUTH_EXPIRED,
				fmt.Sprintf("authentication expired during action %s", action.ActionID), err)

		default:
			return nil, types.WrapError(types.EXEC_TOOL_FAILED,
				fmt.Sprintf("action %s failed", action.ActionID),
				&ToolExecutionError{ActionID: action.ActionID, Cause: err})
		}
	}
}

// applyAutoFixes honors rate-limit auto-fix verdicts by inserting the
// computed delay before dispatch.
func (e *Executor) applyAutoFixes(ctx context.Context, results []safeguard.ValidationResult) error {
	for _, r := range results {
		if r.Status != safeguard.StatusAutoFixed {
			continue
		}
		seconds := delaySeconds(r.Details["delay_seconds"])
		if seconds <= 0 {
			continue
		}
		e.logger.Info("rate-limit auto-fix delay",
			"safeguard_id", r.SafeguardID, "delay_seconds", seconds)
		if err := e.sleep(ctx, time.Duration(seconds)*time.Second); err != nil {
			return types.WrapError(types.EXEC_RATE_LIMITED, "auto-fix delay cancelled", err)
		}
	}
	return nil
}

// delaySeconds reads an auto-fix delay that may arrive as an int from the
// validator or as a float64 after a JSON round-trip through session state.
func delaySeconds(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

// sleepContext waits for d or until ctx is cancelled.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var _ Store = (*session.Store)(nil)
var _ Validator = (*safeguard.Validator)(nil)
