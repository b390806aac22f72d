package stage

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/waymark-ai/waymark/internal/events"
	"github.com/waymark-ai/waymark/internal/observability"
	"github.com/waymark-ai/waymark/internal/session"
	"github.com/waymark-ai/waymark/internal/types"
)

// stageKey is the session-state cursor holding the last committed stage.
const stageKey = "current_stage"

// Handler executes one stage against a session snapshot and returns the
// outputs to commit. A handler either completes (producing its stage's
// required output keys) or fails, in which case the stage cursor rolls back.
type Handler func(ctx context.Context, sess *session.MissionSession) (map[string]any, error)

// Store is the slice of the session store the coordinator needs.
type Store interface {
	GetSession(ctx context.Context, key string) (*session.MissionSession, error)
	Mutate(ctx context.Context, key string, delta map[string]any) error
	Checkpoint(ctx context.Context, key string) error
}

// Result is the outcome of one coordinator run.
type Result struct {
	Status  types.RunStatus `json:"status"`
	Stage   Stage           `json:"stage"`
	Message string          `json:"message,omitempty"`
}

// Coordinator drives the mission pipeline, delegating each stage to its
// handler and validating required outputs before committing the cursor.
type Coordinator struct {
	store     Store
	handlers  map[Stage]Handler
	logger    *observability.TracedLogger
	telemetry events.Sink
	tracer    trace.Tracer
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithHandler wires the handler for one stage. Stages without a handler halt
// progression without error.
func WithHandler(s Stage, h Handler) Option {
	return func(c *Coordinator) { c.handlers[s] = h }
}

// WithLogger sets the coordinator's trace-correlated logger.
func WithLogger(logger *observability.TracedLogger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithTelemetry sets the coordinator's telemetry sink.
func WithTelemetry(sink events.Sink) Option {
	return func(c *Coordinator) {
		if sink != nil {
			c.telemetry = sink
		}
	}
}

// NewCoordinator creates a coordinator over the given store.
func NewCoordinator(store Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:     store,
		handlers:  make(map[Stage]Handler),
		logger:    observability.NewTracedLogger(slog.Default().Handler(), "", ""),
		telemetry: events.NoopSink{},
		tracer:    otel.Tracer("github.com/waymark-ai/waymark/internal/stage"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run drives the pipeline from the session's committed cursor to REFLECT.
//
// Stages at or below the cursor are skipped, so a suspended or previously
// failed mission resumes by re-invoking Run. Handlers are assumed safe to
// re-invoke after a rolled-back attempt. The APPROVE stage suspends until an
// external approval decision is recorded; an unwired handler suspends without
// error. Handler failure or missing outputs roll the cursor back to the stage
// committed before the attempt and stop the run; retries belong to the
// execution layers below.
func (c *Coordinator) Run(ctx context.Context, sessionKey string) (*Result, error) {
	ctx, span := c.tracer.Start(ctx, "stage.run",
		trace.WithAttributes(attribute.String("session_key", sessionKey)))
	defer span.End()

	sess, err := c.store.GetSession(ctx, sessionKey)
	if err != nil {
		return nil, err
	}

	if err := requireContext(sess.State); err != nil {
		return nil, err
	}

	expected, err := committedStage(sess.State)
	if err != nil {
		return nil, err
	}

	for {
		sess, err = c.store.GetSession(ctx, sessionKey)
		if err != nil {
			return nil, err
		}

		current, err := committedStage(sess.State)
		if err != nil {
			return nil, err
		}
		// The cursor must sit exactly where the last commit left it. A cursor
		// that moved underneath us would make the next advance a skip; refuse
		// without mutating anything.
		if current != expected {
			return nil, types.NewError(types.STAGE_INVALID_TRANSITION,
				fmt.Sprintf("stage cursor moved from %s to %s outside the coordinator", expected, current))
		}
		if current == StageReflect {
			return &Result{Status: types.RunStatusCompleted, Stage: current}, nil
		}

		next := pipeline[int(current)+1]
		result, err := c.runStage(ctx, sess, current, next)
		if err != nil || result != nil {
			return result, err
		}
		expected = next.Stage
	}
}

// runStage attempts one stage. A nil, nil return means the stage committed
// and the pipeline continues.
func (c *Coordinator) runStage(ctx context.Context, sess *session.MissionSession, prev Stage, spec Spec) (*Result, error) {
	key := sess.SessionKey

	handler, wired := c.handlers[spec.Stage]
	if !wired {
		c.logger.Info(ctx, "stage handler not wired, suspending pipeline",
			"stage", spec.Stage.String(), "session_key", key)
		c.emit(ctx, events.EventMissionSuspended, sess, map[string]any{
			"stage": spec.Stage.String(),
		})
		return &Result{
			Status:  types.RunStatusSuspended,
			Stage:   prev,
			Message: fmt.Sprintf("no handler wired for stage %s", spec.Stage),
		}, nil
	}

	if spec.Stage == StageApprove && !approvalGranted(sess.State) {
		c.emit(ctx, events.EventStageAwaiting, sess, map[string]any{
			"stage": spec.Stage.String(),
		})
		return &Result{
			Status:  types.RunStatusAwaitingApproval,
			Stage:   prev,
			Message: "awaiting external approval decision",
		}, nil
	}

	ctx, span := c.tracer.Start(ctx, "stage."+spec.Stage.String())
	defer span.End()

	// The cursor advances before the handler runs; failure rolls it back to
	// the stage committed before this attempt.
	if err := c.store.Mutate(ctx, key, map[string]any{stageKey: spec.Stage.String()}); err != nil {
		return nil, err
	}
	c.emit(ctx, events.EventStageStarted, sess, map[string]any{"stage": spec.Stage.String()})

	outputs, handlerErr := handler(ctx, sess)
	if handlerErr == nil && len(outputs) > 0 {
		if err := c.store.Mutate(ctx, key, outputs); err != nil {
			handlerErr = err
		}
	}

	var missing []string
	if handlerErr == nil {
		missing, handlerErr = c.verifyOutputs(ctx, key, spec)
	}

	if handlerErr != nil {
		if err := c.rollback(ctx, sess, prev, spec); err != nil {
			return nil, err
		}
		if len(missing) > 0 {
			return nil, types.NewError(types.STAGE_OUTPUT_MISSING,
				fmt.Sprintf("stage %s completed without required outputs %v", spec.Stage, missing))
		}
		return nil, types.WrapError(types.STAGE_HANDLER_FAILED,
			fmt.Sprintf("stage %s handler failed", spec.Stage), handlerErr)
	}

	c.emit(ctx, events.EventStageCompleted, sess, map[string]any{"stage": spec.Stage.String()})
	if err := c.store.Checkpoint(ctx, key); err != nil {
		c.logger.Warn(ctx, "checkpoint after stage failed", "stage", spec.Stage.String(), "error", err)
	}

	if spec.Stage == StageReflect {
		c.emit(ctx, events.EventMissionCompleted, sess, nil)
		return &Result{Status: types.RunStatusCompleted, Stage: StageReflect}, nil
	}
	return nil, nil
}

// verifyOutputs checks the stage's required output keys against fresh state.
// A non-empty missing list is reported through the returned error.
func (c *Coordinator) verifyOutputs(ctx context.Context, key string, spec Spec) ([]string, error) {
	sess, err := c.store.GetSession(ctx, key)
	if err != nil {
		return nil, err
	}

	var missing []string
	for _, k := range spec.RequiredOutputKeys {
		if _, ok := sess.State[k]; !ok {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return missing, types.NewError(types.STAGE_OUTPUT_MISSING,
			fmt.Sprintf("missing outputs: %v", missing))
	}
	return nil, nil
}

// rollback reverts the cursor to the stage committed before the failed
// attempt and emits the rollback event.
func (c *Coordinator) rollback(ctx context.Context, sess *session.MissionSession, prev Stage, spec Spec) error {
	if err := c.store.Mutate(ctx, sess.SessionKey, map[string]any{stageKey: prev.String()}); err != nil {
		return types.WrapError(types.STAGE_HANDLER_FAILED,
			fmt.Sprintf("failed to roll back stage cursor to %s", prev), err)
	}
	c.logger.Warn(ctx, "stage rolled back",
		"stage", spec.Stage.String(), "rolled_back_to", prev.String(),
		"session_key", sess.SessionKey)
	c.emit(ctx, events.EventStageRolledBack, sess, map[string]any{
		"stage":          spec.Stage.String(),
		"rolled_back_to": prev.String(),
	})
	return nil
}

func (c *Coordinator) emit(ctx context.Context, eventType events.EventType, sess *session.MissionSession, payload map[string]any) {
	c.telemetry.Emit(ctx, eventType, events.Event{
		SessionKey: sess.SessionKey,
		MissionID:  sess.MissionID,
		AgentName:  sess.AgentName,
		Payload:    payload,
	})
}

// requireContext checks the mission context preconditions.
func requireContext(state map[string]any) error {
	var missing []string
	for _, k := range []string{"mission_id", "tenant_id", "user_id"} {
		if v, ok := state[k].(string); !ok || v == "" {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return types.NewError(types.STAGE_MISSING_CONTEXT,
			fmt.Sprintf("session state missing required context: %v", missing))
	}
	return nil
}

// committedStage reads the stage cursor; absent means HOME.
func committedStage(state map[string]any) (Stage, error) {
	raw, ok := state[stageKey].(string)
	if !ok || raw == "" {
		return StageHome, nil
	}
	s, err := ParseStage(raw)
	if err != nil {
		return StageHome, types.WrapError(types.STAGE_INVALID_TRANSITION,
			"corrupt stage cursor", err)
	}
	return s, nil
}

// approvalGranted reads the externally supplied approval decision.
func approvalGranted(state map[string]any) bool {
	decision, ok := state["approval_decision"].(map[string]any)
	if !ok {
		return false
	}
	status, _ := decision["status"].(string)
	return status == "approved"
}

var _ Store = (*session.Store)(nil)
