package agent

import (
	"context"
	"time"

	"github.com/coreagent/enginecore/internal/agent/registry"
	"github.com/coreagent/enginecore/pkg/models"
)

// ExecutorConfig controls per-tool deadlines within a turn.
type ExecutorConfig struct {
	// PerToolTimeout bounds a single tool invocation. Default 30s.
	PerToolTimeout time.Duration
}

func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{PerToolTimeout: 30 * time.Second}
}

// Executor runs a turn's tool calls strictly in order against a
// registry.Registry. Grounded on the teacher's ToolExecutor, but only its
// ExecuteSequentially path: spec.md §4.D and §5 mandate strict in-order
// tool execution within a turn ("Concurrent execution within a turn is not
// permitted; it would break determinism of subsequent context"), so the
// teacher's ExecuteConcurrently semaphore-pool path has no equivalent here
// (see DESIGN.md).
type Executor struct {
	registry *registry.Registry
	config   ExecutorConfig
}

func NewExecutor(reg *registry.Registry, config ExecutorConfig) *Executor {
	if config.PerToolTimeout <= 0 {
		config.PerToolTimeout = 30 * time.Second
	}
	return &Executor{registry: reg, config: config}
}

// ExecResult pairs a tool call's result with its execution window, for the
// scheduler's consecutive-error tracking and observability events.
type ExecResult struct {
	ToolCall  models.ToolCall
	Result    models.ToolResult
	StartedAt time.Time
	EndedAt   time.Time
}

// ExecuteOne runs a single tool call under a fresh per-call deadline. A
// deadline expiry surfaces as a timeout-kind ToolResult (non-fatal to the
// turn, per §4.D: "timeout continues the loop"), never as a Go error —
// the scheduler's loop has nothing else to branch on.
func (e *Executor) ExecuteOne(ctx context.Context, call models.ToolCall) ExecResult {
	start := time.Now()
	deadline := start.Add(e.config.PerToolTimeout)
	result := e.registry.Invoke(ctx, call, deadline)
	return ExecResult{ToolCall: call, Result: result, StartedAt: start, EndedAt: time.Now()}
}

// ExecuteSequence runs every call in toolCalls in order, stopping and
// returning early if stop returns true for a result. The scheduler does not
// use it: it checks approval before each call and runs calls one at a time
// through ExecuteOne.
func (e *Executor) ExecuteSequence(ctx context.Context, toolCalls []models.ToolCall, stop func(ExecResult) bool) []ExecResult {
	results := make([]ExecResult, 0, len(toolCalls))
	for _, tc := range toolCalls {
		res := e.ExecuteOne(ctx, tc)
		results = append(results, res)
		if stop != nil && stop(res) {
			break
		}
	}
	return results
}
