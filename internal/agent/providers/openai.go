package providers

import (
	"context"
	"errors"
	"io"

	openai "github.com/sashabaranov/go-openai"

	"github.com/coreagent/enginecore/internal/agent/llm"
	"github.com/coreagent/enginecore/internal/agent/stream"
	"github.com/coreagent/enginecore/pkg/models"
)

// OpenAIConfig configures an OpenAIClient.
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
}

// OpenAIClient implements llm.Client over the OpenAI chat-completions API.
type OpenAIClient struct {
	client *openai.Client
	model  string
}

// NewOpenAIClient builds an OpenAIClient, grounded on the teacher's
// OpenAIProvider constructor.
func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}
	model := cfg.DefaultModel
	if model == "" {
		model = "gpt-4o"
	}
	return &OpenAIClient{client: openai.NewClientWithConfig(config), model: model}
}

func (c *OpenAIClient) Name() string { return "openai" }

// CancelStream is a no-op: go-openai has no separate cancel RPC — callers
// cancel by cancelling the request's context instead.
func (c *OpenAIClient) CancelStream(llm.StreamHandle) {}

func (c *OpenAIClient) ChatCompletionStream(ctx context.Context, req llm.Request) (<-chan stream.Event, llm.StreamHandle, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: convertOpenAIMessages(req.Messages, req.System),
		Stream:   true,
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertOpenAITools(req.Tools)
	}

	sdkStream, err := c.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, "", err
	}

	events := make(chan stream.Event, 64)
	go processOpenAIStream(sdkStream, events)
	return events, "", nil
}

// processOpenAIStream does not resolve tool-call identity itself: it only
// tracks which indexes have had a tool_call_start emitted. The teacher's
// OpenAI adapter instead keys its toolCalls map purely by tc.Index
// (internal/agent/providers/openai.go), which silently merges two distinct
// tool calls if a provider ever reuses an index — exactly the failure mode
// the tool-call identity rule exists to prevent. This adapter forwards both
// id and index on every event and lets the Assembler apply that rule.
func processOpenAIStream(sdkStream *openai.ChatCompletionStream, events chan<- stream.Event) {
	defer close(events)
	defer sdkStream.Close()

	started := make(map[int]bool) // index -> tool_call_start already emitted

	for {
		resp, err := sdkStream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				events <- stream.Event{Kind: stream.KindFinish, FinishReason: "stop"}
				return
			}
			events <- stream.Event{Kind: stream.KindError, ErrorMessage: err.Error()}
			return
		}

		if resp.Usage != nil {
			events <- stream.Event{Kind: stream.KindUsageUpdate, Usage: &models.Usage{
				PromptTokens:     resp.Usage.PromptTokens,
				CompletionTokens: resp.Usage.CompletionTokens,
				TotalTokens:      resp.Usage.TotalTokens,
			}}
		}

		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]
		delta := choice.Delta

		if delta.Content != "" {
			events <- stream.Event{Kind: stream.KindTextDelta, Text: delta.Content}
		}

		for _, tc := range delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			i := index
			if !started[index] {
				started[index] = true
				events <- stream.Event{Kind: stream.KindToolCallStart, ToolCallID: tc.ID, ToolCallName: tc.Function.Name, ToolCallIndex: &i}
			}
			if tc.Function.Arguments != "" {
				events <- stream.Event{Kind: stream.KindToolCallDelta, ToolCallID: tc.ID, ToolCallIndex: &i, ArgumentsFragment: tc.Function.Arguments}
			}
		}

		if choice.FinishReason == "tool_calls" {
			for index := range started {
				i := index
				events <- stream.Event{Kind: stream.KindToolCallEnd, ToolCallIndex: &i}
			}
			started = make(map[int]bool)
		}
	}
}

func convertOpenAIMessages(msgs []models.Message, system string) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(msgs)+1)
	if system != "" {
		result = append(result, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}
	for _, m := range msgs {
		switch m.Role {
		case models.RoleTool:
			result = append(result, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    m.Content,
				ToolCallID: m.ToolCallID,
			})
		case models.RoleAssistant:
			oaiMsg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: m.Content}
			if len(m.ToolCalls) > 0 {
				oaiMsg.ToolCalls = make([]openai.ToolCall, len(m.ToolCalls))
				for i, tc := range m.ToolCalls {
					oaiMsg.ToolCalls[i] = openai.ToolCall{
						ID:   tc.ID,
						Type: openai.ToolTypeFunction,
						Function: openai.FunctionCall{
							Name:      tc.Name,
							Arguments: string(tc.Arguments),
						},
					}
				}
			}
			result = append(result, oaiMsg)
		default:
			result = append(result, openai.ChatCompletionMessage{Role: string(m.Role), Content: m.Content})
		}
	}
	return result
}

func convertOpenAITools(tools []llm.Tool) []openai.Tool {
	result := make([]openai.Tool, len(tools))
	for i, t := range tools {
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			},
		}
	}
	return result
}
