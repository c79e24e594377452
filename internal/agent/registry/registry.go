// Package registry is the Tool Registry (§4.B): an enumerable list of
// {name, description, input schema} records plus invoke(name, args) ->
// result, with JSON-Schema validation in front of dispatch. The registry does
// no approval gating; the scheduler applies the approval policy before it
// invokes a tool. Grounded on the teacher's internal/agent's ToolRegistry
// (registration/lookup) and ws_schema.go's use of jsonschema/v5 for
// argument validation.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/coreagent/enginecore/pkg/models"
)

// MaxToolNameLength and MaxArgumentsSize guard against pathological input,
// mirrored from the teacher's ToolRegistry.Execute resource limits.
const (
	MaxToolNameLength  = 256
	MaxArgumentsSize   = 10 << 20
)

// Tool is one invocable function exposed to the model. Implementations may
// be local (in-process against the host) or remote (proxied through a
// ToolServer, see remote.go).
type Tool interface {
	Name() string
	Description() string

	// InputSchema returns the tool's parameters as a JSON Schema object
	// (e.g. {"type":"object","properties":{...},"required":[...]}).
	InputSchema() map[string]any

	// Invoke executes the tool. args has already been validated against
	// InputSchema by the Registry; ctx carries the invocation deadline.
	Invoke(ctx context.Context, args json.RawMessage) (models.ToolResult, error)
}

// StreamingTool is implemented by tools that emit intermediate output on a
// side channel while running (the long-running-shell-tool case in §4.B).
// Chunks go only to a sink installed with SetChunkSink; the scheduler installs
// none and emits no RuntimeEvent for them. Only the final ToolResult returned
// by Invoke is recorded in the transcript.
type StreamingTool interface {
	Tool
	// SetChunkSink installs the side-channel the tool should write
	// intermediate output to for the duration of the next Invoke call.
	// A nil sink disables streaming.
	SetChunkSink(sink func(chunk string))
}

// compiledTool pairs a registered Tool with its compiled JSON Schema, so
// validation never recompiles on the hot path.
type compiledTool struct {
	tool   Tool
	schema *jsonschema.Schema
}

// Registry holds the tools available to a session's scheduler.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]compiledTool
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{tools: make(map[string]compiledTool)}
}

// Register adds or replaces a tool by name, compiling its declared schema.
// An uncompilable schema is returned as an error and the tool is not
// registered.
func (r *Registry) Register(tool Tool) error {
	compiled, err := compileSchema(tool.Name(), tool.InputSchema())
	if err != nil {
		return fmt.Errorf("registry: register %s: %w", tool.Name(), err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = compiledTool{tool: tool, schema: compiled}
	return nil
}

// Unregister removes a tool by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ct, ok := r.tools[name]
	if !ok {
		return nil, false
	}
	return ct.tool, true
}

// List returns {name, description, input_schema} records for every
// registered tool, in the shape the LLM client expects (llm.Tool).
type Spec struct {
	Name        string
	Description string
	InputSchema map[string]any
}

func (r *Registry) List() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make([]Spec, 0, len(r.tools))
	for _, ct := range r.tools {
		specs = append(specs, Spec{Name: ct.tool.Name(), Description: ct.tool.Description(), InputSchema: ct.tool.InputSchema()})
	}
	return specs
}

// Invoke validates args against the tool's schema, then runs it under the
// given deadline. Errors are never returned as Go errors for expected
// failure modes (not found, invalid args, timeout) — those become a
// models.ToolResult carrying the matching ToolErrorKind, per §4.B's
// execution contract ("returns either structured content or an error value
// carrying a stable kind").
func (r *Registry) Invoke(ctx context.Context, call models.ToolCall, deadline time.Time) models.ToolResult {
	if len(call.Name) > MaxToolNameLength {
		return models.ErrorResult(call.ID, models.ToolErrorInvalidArgs, "tool name exceeds maximum length")
	}
	if len(call.Arguments) > MaxArgumentsSize {
		return models.ErrorResult(call.ID, models.ToolErrorInvalidArgs, "arguments exceed maximum size")
	}

	r.mu.RLock()
	ct, ok := r.tools[call.Name]
	r.mu.RUnlock()
	if !ok {
		return models.ErrorResult(call.ID, models.ToolErrorNotFound, "tool not found: "+call.Name)
	}

	args := call.Arguments
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	if ct.schema != nil {
		var v any
		if err := json.Unmarshal(args, &v); err != nil {
			return models.ErrorResult(call.ID, models.ToolErrorInvalidArgs, "arguments are not valid JSON: "+err.Error())
		}
		if err := ct.schema.Validate(v); err != nil {
			return models.ErrorResult(call.ID, models.ToolErrorInvalidArgs, "arguments failed schema validation: "+err.Error())
		}
	}

	var cctx context.Context
	var cancel context.CancelFunc
	if !deadline.IsZero() {
		cctx, cancel = context.WithDeadline(ctx, deadline)
	} else {
		cctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	result, err := ct.tool.Invoke(cctx, args)
	if err != nil {
		if cctx.Err() != nil {
			return models.ErrorResult(call.ID, models.ToolErrorTimeout, "tool invocation deadline exceeded")
		}
		return models.ErrorResult(call.ID, models.ToolErrorExecutionFailed, err.Error())
	}
	result.ToolCallID = call.ID
	return result
}

func compileSchema(name string, schema map[string]any) (*jsonschema.Schema, error) {
	if schema == nil {
		return nil, nil
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("marshal schema for %s: %w", name, err)
	}
	compiler := jsonschema.NewCompiler()
	url := "mem://" + name + ".json"
	if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("add schema resource for %s: %w", name, err)
	}
	return compiler.Compile(url)
}
