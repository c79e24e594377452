// Package llm defines the trait the orchestration core consumes to talk to
// a model provider (§6.1). Concrete adapters live in internal/agent/providers;
// this package stays free of any provider SDK import.
package llm

import (
	"context"

	"github.com/coreagent/enginecore/internal/agent/stream"
	"github.com/coreagent/enginecore/pkg/models"
)

// Tool is the JSON-Schema-described function the model may call.
type Tool struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// ThinkingConfig requests extended reasoning from models that support it.
// Grounded on the teacher's CompletionRequest.EnableThinking/ThinkingBudgetTokens.
type ThinkingConfig struct {
	Enabled      bool
	BudgetTokens int
}

// Request is one chat-completion call.
type Request struct {
	Model          string
	System         string
	Messages       []models.Message
	Tools          []Tool
	MaxTokens      int
	Thinking       ThinkingConfig
	ExtraHeaders   map[string]string
}

// StreamHandle identifies an in-flight stream for cancellation.
type StreamHandle string

// Client is the trait the core consumes to reach an LLM provider. Adapters
// in internal/agent/providers implement it over a specific SDK, normalizing
// that SDK's native event shape into stream.Event before handing events to
// the caller — the core never sees provider-specific types.
type Client interface {
	// ChatCompletionStream starts a streaming completion. The returned
	// channel is closed when the stream ends (successfully or on error);
	// a terminal stream.Event{Kind: stream.KindError} precedes closure on
	// failure. handle is usable with CancelStream; it may be empty for
	// providers with no separate cancellation channel.
	ChatCompletionStream(ctx context.Context, req Request) (events <-chan stream.Event, handle StreamHandle, err error)

	// CancelStream makes a best-effort attempt to abort an in-flight stream.
	CancelStream(handle StreamHandle)

	// Name identifies the provider for logging and recovery classification.
	Name() string
}
