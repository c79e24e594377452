package localtools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"

	"github.com/coreagent/enginecore/internal/agent/registry"
	"github.com/coreagent/enginecore/pkg/models"
)

// RunShellConfig scopes the run_shell tool to a workspace directory and
// caps captured output.
type RunShellConfig struct {
	Workspace string
	MaxOutput int
}

// RunShellTool runs a shell command with a context-scoped deadline,
// grounded on the teacher's internal/tools/exec.ExecTool and Manager.
// It is the "long-running shell tool" of §4.B: intermediate output is
// forwarded to an installed chunk sink as it arrives, but only the final
// combined output is returned in the ToolResult recorded in the transcript.
//
// A call that names a session_id runs against a persistent shell process
// instead of a fresh one-shot exec.CommandContext, so exported variables
// and the working directory (cd) survive across calls sharing that id —
// grounded on the original implementation's shell_session manager, see
// shell_session.go.
type RunShellTool struct {
	resolver  Resolver
	maxOutput int
	sessions  *ShellSessionManager

	mu   sync.Mutex
	sink func(chunk string)
}

var (
	_ registry.Tool          = (*RunShellTool)(nil)
	_ registry.StreamingTool = (*RunShellTool)(nil)
)

func NewRunShellTool(cfg RunShellConfig) *RunShellTool {
	limit := cfg.MaxOutput
	if limit <= 0 {
		limit = 64_000
	}
	return &RunShellTool{
		resolver:  Resolver{Root: cfg.Workspace},
		maxOutput: limit,
		sessions:  NewShellSessionManager(DefaultMaxShellSessions),
	}
}

func (t *RunShellTool) Name() string        { return "run_shell" }
func (t *RunShellTool) Description() string {
	return "Run a shell command in the workspace with a deadline. Pass session_id to reuse a persistent shell (env vars and cwd carry over between calls with the same id)."
}

// CloseSession ends a persistent session started by a prior Invoke call.
// RunShellTool never closes idle sessions on its own; they end only here or
// when ShellSessionManager.PruneIdle is called.
func (t *RunShellTool) CloseSession(sessionID string) error {
	return t.sessions.Close(sessionID)
}

func (t *RunShellTool) SetChunkSink(sink func(chunk string)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sink = sink
}

func (t *RunShellTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command":    map[string]any{"type": "string", "description": "Shell command to execute."},
			"cwd":        map[string]any{"type": "string", "description": "Working directory (relative to workspace)."},
			"session_id": map[string]any{"type": "string", "description": "Reuse a persistent shell across calls sharing this id, instead of a one-shot process."},
		},
		"required": []string{"command"},
	}
}

func (t *RunShellTool) Invoke(ctx context.Context, args json.RawMessage) (models.ToolResult, error) {
	var input struct {
		Command   string `json:"command"`
		Cwd       string `json:"cwd"`
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return models.ErrorResult("", models.ToolErrorInvalidArgs, fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	if input.Command == "" {
		return models.ErrorResult("", models.ToolErrorInvalidArgs, "command is required"), nil
	}

	dir := t.resolver.Root
	if input.Cwd != "" {
		resolved, err := t.resolver.Resolve(input.Cwd)
		if err != nil {
			return models.ErrorResult("", models.ToolErrorInvalidArgs, err.Error()), nil
		}
		dir = resolved
	}

	t.mu.Lock()
	sink := t.sink
	t.mu.Unlock()

	if input.SessionID != "" {
		return t.invokeInSession(ctx, input.SessionID, dir, input.Command, sink)
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", input.Command)
	cmd.Dir = dir

	out := &limitedSinkBuffer{limit: t.maxOutput, sink: sink}
	cmd.Stdout = out
	cmd.Stderr = out

	runErr := cmd.Run()

	if ctx.Err() != nil {
		return models.ErrorResult("", models.ToolErrorTimeout, "command deadline exceeded"), nil
	}
	if runErr != nil {
		if _, ok := runErr.(*exec.ExitError); !ok {
			return models.ErrorResult("", models.ToolErrorExecutionFailed, runErr.Error()), nil
		}
	}
	return models.TextResult("", out.buf.String()), nil
}

// invokeInSession runs command against a persistent shell process, since
// the session's stdin/stdout are long-lived pipes rather than a process
// exec.CommandContext owns directly, the invocation's deadline is enforced
// by racing the session's (synchronous, mutex-serialized) execute call
// against ctx.Done() on a separate goroutine.
func (t *RunShellTool) invokeInSession(ctx context.Context, sessionID, dir, command string, sink func(chunk string)) (models.ToolResult, error) {
	type outcome struct {
		output string
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		output, _, err := t.sessions.Execute(sessionID, dir, command, sink)
		done <- outcome{output: output, err: err}
	}()

	select {
	case <-ctx.Done():
		// The session's read is still blocked on the child process; killing
		// the session unblocks it (and any other caller waiting on the same
		// session id) instead of leaving it wedged until the runaway
		// command exits on its own.
		_ = t.sessions.Close(sessionID)
		return models.ErrorResult("", models.ToolErrorTimeout, "command deadline exceeded"), nil
	case res := <-done:
		if res.err != nil {
			return models.ErrorResult("", models.ToolErrorExecutionFailed, res.err.Error()), nil
		}
		output := res.output
		if len(output) > t.maxOutput {
			output = output[:t.maxOutput]
		}
		return models.TextResult("", output), nil
	}
}

// limitedSinkBuffer accumulates output up to limit bytes while forwarding
// every write to sink (if installed) as an intermediate chunk.
type limitedSinkBuffer struct {
	buf   bytes.Buffer
	limit int
	sink  func(chunk string)
}

func (b *limitedSinkBuffer) Write(p []byte) (int, error) {
	if b.sink != nil {
		b.sink(string(p))
	}
	remaining := b.limit - b.buf.Len()
	if remaining > 0 {
		if len(p) > remaining {
			b.buf.Write(p[:remaining])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}
