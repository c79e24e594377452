package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/coreagent/enginecore/internal/agent/llm"
	"github.com/coreagent/enginecore/internal/agent/registry"
	"github.com/coreagent/enginecore/internal/agent/stream"
	"github.com/coreagent/enginecore/internal/errs"
	"github.com/coreagent/enginecore/internal/sessions"
	"github.com/coreagent/enginecore/pkg/models"
)

// Phase names one step of the turn state machine, grounded on the teacher's
// internal/agent/loop.go LoopPhase (Init/Stream/ExecuteTools/Continue/
// Complete).
type Phase string

const (
	PhaseInit         Phase = "init"
	PhaseStream       Phase = "stream"
	PhaseExecuteTools Phase = "execute_tools"
	PhaseContinue     Phase = "continue"
	PhaseComplete     Phase = "complete"
)

// SchedulerConfig bounds one turn's resource usage, grounded on the
// teacher's LoopConfig (MaxIterations/MaxTokens/ExecutorConfig), re-cut to
// spec.md §4.D's step/timeout/usage vocabulary.
type SchedulerConfig struct {
	// MaxSteps bounds the model<->tool round trips in a single turn,
	// including recovery attempts (each of which costs one step).
	MaxSteps int
	// MaxTokens is the default completion token budget per model call.
	MaxTokens int
	// ToolTimeout bounds a single tool invocation's deadline.
	ToolTimeout time.Duration
	// ContextWindowTokens is the model's configured context limit, used to
	// derive the soft (90%) and hard (100%) usage thresholds.
	ContextWindowTokens int
	// MaxConsecutiveToolErrors is K: the number of consecutive
	// execution_failed tool results before the scheduler consults the
	// Recovery Planner, per §4.D's "K consecutive retries".
	MaxConsecutiveToolErrors int
}

// DefaultSchedulerConfig matches the teacher's DefaultLoopConfig defaults
// where the spec doesn't name its own (MaxIterations 10, MaxTokens 4096),
// plus spec-specific values (60s tool timeout per §4.D, K=3 per the
// teacher's failover.go CircuitBreakerThreshold).
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		MaxSteps:                 10,
		MaxTokens:                4096,
		ToolTimeout:              60 * time.Second,
		ContextWindowTokens:      200_000,
		MaxConsecutiveToolErrors: 3,
	}
}

func sanitizeSchedulerConfig(cfg SchedulerConfig) SchedulerConfig {
	def := DefaultSchedulerConfig()
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = def.MaxSteps
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = def.MaxTokens
	}
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = def.ToolTimeout
	}
	if cfg.ContextWindowTokens <= 0 {
		cfg.ContextWindowTokens = def.ContextWindowTokens
	}
	if cfg.MaxConsecutiveToolErrors <= 0 {
		cfg.MaxConsecutiveToolErrors = def.MaxConsecutiveToolErrors
	}
	return cfg
}

// UserInput is one turn's trigger: freeform text plus any pending decisions
// the caller collected for tool calls that previously suspended on
// require_user. ToolDecisions is keyed by tool name, matching
// models.ApprovalPolicy.Overrides: a user's decision for a tool applies to
// every remaining call to that tool for the rest of the session (§4.B).
type UserInput struct {
	Text          string
	ToolDecisions map[string]models.ApprovalDecision
}

// TurnResult is the scheduler's contract per §4.D: a completed turn or a
// named failure (cancelled/max_steps_reached/unrecoverable, classified by
// Err's ErrorKind when non-nil).
type TurnResult struct {
	FinalAssistantMessage models.Message
	UsageDelta            models.Usage
	NewCheckpointID       string
	Suspended             bool
	SuspendedToolCalls    []models.ToolCall
	Err                   error
}

// RecoveryPlanner is the trait the scheduler consults on provider errors,
// repeated tool failures, and context overflow. Implemented by recovery.go.
type RecoveryPlanner interface {
	Plan(state models.CheckpointState, reason models.FailureReason, detail string) []models.RecoveryAction
}

// Scheduler drives the model->tools->model loop for one turn at a time,
// grounded on the teacher's AgenticLoop.Run. One Scheduler instance is
// shared across turns of a session; nothing here is session-specific state
// (that lives in the Checkpoint the caller supplies and saves).
type Scheduler struct {
	client   llm.Client
	registry *registry.Registry
	executor *Executor
	store    sessions.Store
	recovery RecoveryPlanner
	config   SchedulerConfig
}

// NewScheduler wires the components a turn needs. recovery may be nil; a
// nil planner degrades context-overflow and repeated-tool-failure handling
// to surfacing an unrecoverable error instead of attempting repair.
func NewScheduler(client llm.Client, reg *registry.Registry, store sessions.Store, recovery RecoveryPlanner, config SchedulerConfig) *Scheduler {
	config = sanitizeSchedulerConfig(config)
	return &Scheduler{
		client:   client,
		registry: reg,
		executor: NewExecutor(reg, ExecutorConfig{PerToolTimeout: config.ToolTimeout}),
		store:    store,
		recovery: recovery,
		config:   config,
	}
}

// RunTurn executes one full turn starting from checkpoint against
// sessionID, per §4.D's loop pseudocode. events, if non-nil, receives
// observability notifications (usage updates, context warnings, recovery
// applications); it is never required for correctness and is closed by the
// caller, not by RunTurn.
func (s *Scheduler) RunTurn(ctx context.Context, sessionID string, checkpoint models.Checkpoint, input UserInput, policy models.ApprovalPolicy, events chan<- *models.RuntimeEvent) TurnResult {
	state := checkpoint.State
	state.Messages = append(append([]models.Message{}, state.Messages...), models.Message{
		Role:      models.RoleUser,
		Content:   input.Text,
		CreatedAt: time.Now().UTC(),
	})
	s.applyToolDecisions(&policy, input.ToolDecisions)
	state = decrementModelOverride(state)

	parentID := checkpoint.ID
	var turnUsage models.Usage
	consecutiveToolErrors := 0
	stepCount := 0

	for {
		select {
		case <-ctx.Done():
			return s.cancelTurn(ctx, sessionID, parentID, state, turnUsage)
		default:
		}

		stepCount++
		if stepCount > s.config.MaxSteps {
			return TurnResult{Err: errs.New(models.ErrLimitExceeded, "max_steps_reached"), UsageDelta: turnUsage}
		}

		assembled, stepUsage, err := s.streamStep(ctx, state)
		if err != nil {
			if ctx.Err() != nil {
				return s.cancelTurn(ctx, sessionID, parentID, state, turnUsage)
			}
			action, recErr := s.consultRecovery(ctx, state, models.FailureProviderError, err.Error())
			if recErr != nil {
				return TurnResult{Err: recErr, UsageDelta: turnUsage}
			}
			state = s.applyRecovery(state, action, events)
			parentID = s.snapshotCheckpoint(ctx, sessionID, parentID, state, "recovery:"+string(action.Operation))
			continue
		}
		turnUsage = turnUsage.Add(stepUsage)
		s.emitUsage(events, turnUsage)

		if warn, hard := s.checkContextUsage(turnUsage); hard {
			action, recErr := s.consultRecovery(ctx, state, models.FailureContextOverflow, "context window exceeded")
			if recErr != nil {
				return TurnResult{Err: recErr, UsageDelta: turnUsage}
			}
			state = s.applyRecovery(state, action, events)
			parentID = s.snapshotCheckpoint(ctx, sessionID, parentID, state, "recovery:context_overflow")
			continue
		} else if warn {
			s.emit(events, models.NewRuntimeEvent(models.EventContextWarning).WithMessage("approaching context window limit"))
		}

		state.Messages = append(state.Messages, assembled.Message)
		parentID = s.snapshotCheckpoint(ctx, sessionID, parentID, state, "turn_step")

		if !assembled.HasToolCalls() {
			s.emit(events, models.NewRuntimeEvent(models.EventTurnComplete))
			return TurnResult{FinalAssistantMessage: assembled.Message, UsageDelta: turnUsage, NewCheckpointID: parentID}
		}

		suspendedCalls, stepErrors, err := s.executeToolsPhase(ctx, &state, assembled.Message.ToolCalls, policy, events)
		if err != nil {
			return TurnResult{Err: err, UsageDelta: turnUsage}
		}
		if len(suspendedCalls) > 0 {
			parentID = s.snapshotCheckpoint(ctx, sessionID, parentID, state, "suspend:require_user")
			return TurnResult{Suspended: true, SuspendedToolCalls: suspendedCalls, UsageDelta: turnUsage, NewCheckpointID: parentID}
		}

		if stepErrors > 0 {
			consecutiveToolErrors += stepErrors
		} else {
			consecutiveToolErrors = 0
		}
		if consecutiveToolErrors >= s.config.MaxConsecutiveToolErrors {
			action, recErr := s.consultRecovery(ctx, state, models.FailureToolFailures, fmt.Sprintf("%d consecutive tool failures", consecutiveToolErrors))
			if recErr != nil {
				return TurnResult{Err: recErr, UsageDelta: turnUsage}
			}
			state = s.applyRecovery(state, action, events)
			consecutiveToolErrors = 0
		}

		parentID = s.snapshotCheckpoint(ctx, sessionID, parentID, state, "turn_step")
	}
}

// streamStep runs one LLM.chat_completion call through the assembler,
// returning the assembled message and this step's usage delta.
func (s *Scheduler) streamStep(ctx context.Context, state models.CheckpointState) (stream.AssembledMessage, models.Usage, error) {
	tools := make([]llm.Tool, 0, len(s.registryList()))
	for _, spec := range s.registryList() {
		tools = append(tools, llm.Tool{Name: spec.Name, Description: spec.Description, InputSchema: spec.InputSchema})
	}

	req := llm.Request{
		Messages:  state.Messages,
		Tools:     tools,
		MaxTokens: s.config.MaxTokens,
		Model:     modelOverride(state),
	}

	eventsCh, handle, err := s.client.ChatCompletionStream(ctx, req)
	if err != nil {
		return stream.AssembledMessage{}, models.Usage{}, errs.Wrap(models.ErrProvider, "chat completion stream failed to start", err)
	}
	defer s.client.CancelStream(handle)

	asm := stream.New()
	for ev := range eventsCh {
		if ev.Kind == stream.KindError {
			return stream.AssembledMessage{}, models.Usage{}, errs.New(models.ErrProvider, ev.ErrorMessage)
		}
		asm.Feed(ev)
	}

	assembled, err := asm.Finalize()
	if err != nil {
		return stream.AssembledMessage{}, models.Usage{}, errs.Wrap(models.ErrProtocol, "stream assembly failed", err)
	}
	return assembled, asm.Usage(), nil
}

func (s *Scheduler) registryList() []registry.Spec {
	if s.registry == nil {
		return nil
	}
	return s.registry.List()
}

// executeToolsPhase runs tool_calls strictly in emission order per §5's
// ordering guarantee, appending each decision's result to state.Messages.
// It stops at the first require_user decision and returns the remaining
// (unexecuted) calls as suspended — the caller resumes the turn later with
// ToolDecisions for those calls' tool names.
func (s *Scheduler) executeToolsPhase(ctx context.Context, state *models.CheckpointState, toolCalls []models.ToolCall, policy models.ApprovalPolicy, events chan<- *models.RuntimeEvent) ([]models.ToolCall, int, error) {
	errorCount := 0
	for i, tc := range toolCalls {
		s.emit(events, (&models.RuntimeEvent{Type: models.EventToolRequested, ToolName: tc.Name, ToolCallID: tc.ID}))

		decision := Decide(policy, tc.Name)
		switch decision {
		case models.ApprovalDeny:
			state.Messages = append(state.Messages, deniedToolMessage(tc))
			s.emit(events, &models.RuntimeEvent{Type: models.EventToolDenied, ToolName: tc.Name, ToolCallID: tc.ID})
		case models.ApprovalRequireUser:
			s.emit(events, &models.RuntimeEvent{Type: models.EventApprovalRequired, ToolName: tc.Name, ToolCallID: tc.ID})
			return toolCalls[i:], errorCount, nil
		default:
			s.emit(events, &models.RuntimeEvent{Type: models.EventToolStarted, ToolName: tc.Name, ToolCallID: tc.ID})
			res := s.executor.ExecuteOne(ctx, tc)
			state.Messages = append(state.Messages, toolResultMessage(tc, res.Result))
			switch {
			case res.Result.Kind == models.ToolErrorTimeout:
				s.emit(events, &models.RuntimeEvent{Type: models.EventToolTimeout, ToolName: tc.Name, ToolCallID: tc.ID})
			case res.Result.IsError:
				errorCount++
				s.emit(events, &models.RuntimeEvent{Type: models.EventToolFailed, ToolName: tc.Name, ToolCallID: tc.ID})
			default:
				s.emit(events, &models.RuntimeEvent{Type: models.EventToolCompleted, ToolName: tc.Name, ToolCallID: tc.ID})
			}
		}
	}
	return nil, errorCount, nil
}

func deniedToolMessage(tc models.ToolCall) models.Message {
	result := models.ErrorResult(tc.ID, models.ToolErrorDenied, "denied")
	return toolResultMessage(tc, result)
}

func toolResultMessage(tc models.ToolCall, result models.ToolResult) models.Message {
	content := ""
	if len(result.Content) > 0 {
		content = result.Content[0].Text
	}
	return models.Message{
		Role:       models.RoleTool,
		Content:    content,
		ToolCallID: tc.ID,
		CreatedAt:  time.Now().UTC(),
	}
}

// checkContextUsage reports soft (>=90%) and hard (>100%) threshold
// crossings against ContextWindowTokens, per §4.D's usage-accounting rule.
func (s *Scheduler) checkContextUsage(usage models.Usage) (warn bool, hard bool) {
	if s.config.ContextWindowTokens <= 0 {
		return false, false
	}
	ratio := float64(usage.PromptTokens) / float64(s.config.ContextWindowTokens)
	return ratio >= 0.9, ratio > 1.0
}

func (s *Scheduler) consultRecovery(ctx context.Context, state models.CheckpointState, reason models.FailureReason, detail string) (models.RecoveryAction, error) {
	if s.recovery == nil {
		return models.RecoveryAction{}, errs.Wrap(models.ErrProvider, "unrecoverable: "+detail, nil)
	}
	actions := s.recovery.Plan(state, reason, detail)
	if len(actions) == 0 {
		return models.RecoveryAction{}, errs.Wrap(models.ErrProvider, "unrecoverable: "+detail, nil)
	}
	return actions[0], nil
}

func (s *Scheduler) applyRecovery(state models.CheckpointState, action models.RecoveryAction, events chan<- *models.RuntimeEvent) models.CheckpointState {
	next := ApplyRecoveryAction(state, action)
	s.emit(events, models.NewRuntimeEvent(models.EventRecoveryApplied).WithMessage(string(action.Operation)).WithMeta("reason", action.Reason))
	return next
}

func (s *Scheduler) snapshotCheckpoint(ctx context.Context, sessionID, parentID string, state models.CheckpointState, tag string) string {
	if s.store == nil {
		return parentID
	}
	if state.Metadata == nil {
		state.Metadata = map[string]any{}
	}
	state.Metadata["tag"] = tag
	cp, err := s.store.CreateCheckpoint(ctx, sessionID, parentID, state)
	if err != nil {
		return parentID
	}
	return cp.ID
}

func (s *Scheduler) cancelTurn(ctx context.Context, sessionID, parentID string, state models.CheckpointState, usage models.Usage) TurnResult {
	if state.Metadata == nil {
		state.Metadata = map[string]any{}
	}
	state.Metadata["cancelled"] = true
	id := s.snapshotCheckpoint(context.Background(), sessionID, parentID, state, "cancelled")
	return TurnResult{Err: errs.New(models.ErrCancelled, "turn cancelled"), UsageDelta: usage, NewCheckpointID: id}
}

// modelOverride reads back a change_model recovery action's target model,
// left in Metadata by ApplyRecoveryAction, for the remaining N turns it
// applies to; an absent or exhausted override yields "" (use Request's
// caller-configured default).
func modelOverride(state models.CheckpointState) string {
	cfg, ok := state.Metadata["model_override"].(models.ModelConfig)
	if !ok || cfg.Model == "" {
		return ""
	}
	remaining, _ := state.Metadata["model_override_turns_remaining"].(int)
	if remaining <= 0 {
		return ""
	}
	return cfg.Model
}

// decrementModelOverride counts down an active change_model override by
// one turn, clearing it once exhausted per §4.E's "for the next N turns
// (default 5)". RunTurn calls it once at the start of each turn, so the
// turn in which change_model was applied counts as the first of the N.
func decrementModelOverride(state models.CheckpointState) models.CheckpointState {
	remaining, ok := state.Metadata["model_override_turns_remaining"].(int)
	if !ok {
		return state
	}
	next := state
	next.Metadata = cloneMetadata(state.Metadata)
	if remaining <= 1 {
		delete(next.Metadata, "model_override")
		delete(next.Metadata, "model_override_turns_remaining")
	} else {
		next.Metadata["model_override_turns_remaining"] = remaining - 1
	}
	return next
}

func cloneMetadata(meta map[string]any) map[string]any {
	clone := make(map[string]any, len(meta))
	for k, v := range meta {
		clone[k] = v
	}
	return clone
}

func (s *Scheduler) applyToolDecisions(policy *models.ApprovalPolicy, decisions map[string]models.ApprovalDecision) {
	for toolName, decision := range decisions {
		RecordOverride(policy, toolName, decision)
	}
}

func (s *Scheduler) emit(events chan<- *models.RuntimeEvent, ev *models.RuntimeEvent) {
	if events == nil || ev == nil {
		return
	}
	select {
	case events <- ev:
	default:
	}
}

func (s *Scheduler) emitUsage(events chan<- *models.RuntimeEvent, usage models.Usage) {
	s.emit(events, models.NewRuntimeEvent(models.EventUsageUpdate).WithMeta("prompt_tokens", usage.PromptTokens).WithMeta("completion_tokens", usage.CompletionTokens))
}
