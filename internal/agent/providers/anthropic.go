// Package providers adapts third-party LLM SDKs to the llm.Client trait,
// normalizing each provider's native stream shape into stream.Event before
// anything downstream sees it. No provider quirk — Anthropic's
// index-addressed content blocks, OpenAI's index-keyed tool-call deltas —
// is allowed to leak past this package.
package providers

import (
	"context"
	"errors"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/coreagent/enginecore/internal/agent/llm"
	"github.com/coreagent/enginecore/internal/agent/stream"
	"github.com/coreagent/enginecore/pkg/models"
)

// AnthropicConfig configures an AnthropicClient.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
}

// AnthropicClient implements llm.Client over the Anthropic Messages API.
type AnthropicClient struct {
	client  anthropic.Client
	model   string
}

// NewAnthropicClient builds an AnthropicClient, grounded on the teacher's
// AnthropicProvider constructor.
func NewAnthropicClient(cfg AnthropicConfig) *AnthropicClient {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	model := cfg.DefaultModel
	if model == "" {
		model = "claude-sonnet-4-20250514"
	}
	return &AnthropicClient{client: anthropic.NewClient(opts...), model: model}
}

func (c *AnthropicClient) Name() string { return "anthropic" }

// CancelStream is a no-op: the Anthropic SDK has no separate cancel RPC —
// callers cancel by cancelling the request's context instead.
func (c *AnthropicClient) CancelStream(llm.StreamHandle) {}

func (c *AnthropicClient) ChatCompletionStream(ctx context.Context, req llm.Request) (<-chan stream.Event, llm.StreamHandle, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  convertMessages(req.Messages),
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if len(req.Tools) > 0 {
		params.Tools = convertTools(req.Tools)
	}
	if req.Thinking.Enabled {
		budget := int64(req.Thinking.BudgetTokens)
		if budget < 1024 {
			budget = 10000
		}
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(budget)
	}

	sdkStream := c.client.Messages.NewStreaming(ctx, params)
	events := make(chan stream.Event, 64)
	go processAnthropicStream(sdkStream, events)
	return events, "", nil
}

// processAnthropicStream mirrors the block-by-index tracking documented in
// the Rust original (libs/ai/src/providers/anthropic/stream.rs): Anthropic
// sends a tool call's id in content_block_start but never repeats it on
// content_block_delta, so deltas must be resolved by the block's index.
// Both id (when known) and index are forwarded on every event — the
// Assembler, not this adapter, enforces id-priority matching.
func processAnthropicStream(sdkStream *ssestream.Stream[anthropic.MessageStreamEventUnion], events chan<- stream.Event) {
	defer close(events)

	type blockKind int
	const (
		blockOther blockKind = iota
		blockToolUse
	)
	kinds := make(map[int64]blockKind)
	ids := make(map[int64]string)

	var inputTokens, outputTokens int

	for sdkStream.Next() {
		event := sdkStream.Current()
		switch event.Type {
		case "message_start":
			ms := event.AsMessageStart()
			cacheWrite := int(ms.Message.Usage.CacheCreationInputTokens)
			cacheRead := int(ms.Message.Usage.CacheReadInputTokens)
			in := int(ms.Message.Usage.InputTokens)
			inputTokens = in + cacheWrite + cacheRead
			events <- stream.Event{
				Kind: stream.KindUsageUpdate,
				Usage: &models.Usage{
					PromptTokens: inputTokens,
					InputDetails: &models.InputDetails{NoCache: in, CacheRead: cacheRead, CacheWrite: cacheWrite},
				},
			}

		case "content_block_start":
			cbs := event.AsContentBlockStart()
			idx := cbs.Index
			switch cbs.ContentBlock.Type {
			case "tool_use":
				tu := cbs.ContentBlock.AsToolUse()
				kinds[idx] = blockToolUse
				ids[idx] = tu.ID
				i := int(idx)
				events <- stream.Event{Kind: stream.KindToolCallStart, ToolCallID: tu.ID, ToolCallName: tu.Name, ToolCallIndex: &i}
			case "thinking", "redacted_thinking":
				// tracked implicitly: thinking deltas carry no id/index downstream
			}

		case "content_block_delta":
			cbd := event.AsContentBlockDelta()
			idx := cbd.Index
			i := int(idx)
			switch cbd.Delta.Type {
			case "text_delta":
				if t := cbd.Delta.Text; t != "" {
					events <- stream.Event{Kind: stream.KindTextDelta, Text: t}
				}
			case "thinking_delta":
				if t := cbd.Delta.Thinking; t != "" {
					events <- stream.Event{Kind: stream.KindReasoningDelta, Reasoning: t}
				}
			case "input_json_delta":
				if pj := cbd.Delta.PartialJSON; pj != "" && kinds[idx] == blockToolUse {
					events <- stream.Event{Kind: stream.KindToolCallDelta, ToolCallID: ids[idx], ToolCallIndex: &i, ArgumentsFragment: pj}
				}
			}

		case "content_block_stop":
			cbs := event.AsContentBlockStop()
			idx := cbs.Index
			if kinds[idx] == blockToolUse {
				i := int(idx)
				events <- stream.Event{Kind: stream.KindToolCallEnd, ToolCallID: ids[idx], ToolCallIndex: &i}
				delete(kinds, idx)
				delete(ids, idx)
			}

		case "message_delta":
			md := event.AsMessageDelta()
			if md.Usage.OutputTokens > 0 {
				outputTokens = int(md.Usage.OutputTokens)
			}

		case "message_stop":
			events <- stream.Event{
				Kind:         stream.KindFinish,
				FinishReason: "stop",
				Usage: &models.Usage{
					PromptTokens:     inputTokens,
					CompletionTokens: outputTokens,
					TotalTokens:      inputTokens + outputTokens,
				},
			}
			return

		case "error":
			events <- stream.Event{Kind: stream.KindError, ErrorMessage: "anthropic stream error"}
			return
		}
	}

	if err := sdkStream.Err(); err != nil {
		msg := err.Error()
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			msg = fmt.Sprintf("%s: %s", classifyAnthropicStatus(apiErr.StatusCode), apiErr.Error())
		}
		events <- stream.Event{Kind: stream.KindError, ErrorMessage: msg}
	}
}

func convertMessages(msgs []models.Message) []anthropic.MessageParam {
	result := make([]anthropic.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		var content []anthropic.ContentBlockParamUnion
		switch m.Role {
		case models.RoleTool:
			content = append(content, anthropic.NewToolResultBlock(m.ToolCallID, resultText(m), false))
		default:
			if m.Content != "" {
				content = append(content, anthropic.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				content = append(content, anthropic.NewToolUseBlock(tc.ID, rawJSON(tc.Arguments), tc.Name))
			}
		}
		if len(content) == 0 {
			continue
		}
		if m.Role == models.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}
	return result
}

func resultText(m models.Message) string {
	// Tool messages in this model carry their content as plain text; a
	// richer content-parts mapping lives in models.ToolResult for the
	// registry side, collapsed here for the wire format Anthropic expects.
	return m.Content
}

func rawJSON(raw []byte) any {
	return string(raw)
}

func convertTools(tools []llm.Tool) []anthropic.ToolUnionParam {
	result := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		schema := anthropic.ToolInputSchemaParam{}
		if props, ok := t.InputSchema["properties"]; ok {
			schema.Properties = props
		}
		tp := anthropic.ToolUnionParamOfTool(schema, t.Name)
		tp.OfTool.Description = anthropic.String(t.Description)
		result = append(result, tp)
	}
	return result
}

// classifyAnthropicStatus maps an HTTP status on a non-2xx Anthropic
// response to this repo's provider-error vocabulary, mirrored by
// internal/agent/recovery's classifier.
func classifyAnthropicStatus(status int) string {
	switch {
	case status == 429:
		return "rate_limit"
	case status == 401 || status == 403:
		return "auth"
	case status == 402:
		return "billing"
	case status >= 500:
		return "server_error"
	case status >= 400:
		return "invalid_request"
	default:
		return "unknown"
	}
}

