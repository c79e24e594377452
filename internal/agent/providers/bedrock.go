package providers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go/document"

	"github.com/coreagent/enginecore/internal/agent/llm"
	"github.com/coreagent/enginecore/internal/agent/stream"
	"github.com/coreagent/enginecore/pkg/models"
)

// BedrockConfig configures a BedrockClient, grounded on the region/explicit
// credential fields of the teacher's bedrock.DiscoveryConfig.
type BedrockConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	DefaultModel    string
}

// BedrockClient implements llm.Client over the Bedrock Converse streaming
// API, giving the core a third provider family (in addition to Anthropic's
// and OpenAI's own hosted APIs) without adding a new normalized event shape:
// Converse's content-block deltas are index-addressed exactly like
// Anthropic's native API, so the same adapter pattern applies.
type BedrockClient struct {
	client *bedrockruntime.Client
	model  string
}

// NewBedrockClient builds a BedrockClient from an aws.Config, loaded via
// config.LoadDefaultConfig with an optional explicit static credential
// override (grounded on bedrock.DiscoveryConfig's AccessKeyID/SecretAccessKey
// fields).
func NewBedrockClient(ctx context.Context, cfg BedrockConfig) (*BedrockClient, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("bedrock: load aws config: %w", err)
	}
	model := cfg.DefaultModel
	if model == "" {
		model = "anthropic.claude-3-5-sonnet-20241022-v2:0"
	}
	return &BedrockClient{client: bedrockruntime.NewFromConfig(awsCfg), model: model}, nil
}

func (c *BedrockClient) Name() string { return "bedrock" }

// CancelStream is a no-op: ConverseStream has no separate cancel RPC —
// callers cancel by cancelling the request's context instead.
func (c *BedrockClient) CancelStream(llm.StreamHandle) {}

func (c *BedrockClient) ChatCompletionStream(ctx context.Context, req llm.Request) (<-chan stream.Event, llm.StreamHandle, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}

	input := &bedrockruntime.ConverseStreamInput{
		ModelId:  aws.String(model),
		Messages: convertBedrockMessages(req.Messages),
	}
	if req.System != "" {
		input.System = []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: req.System}}
	}
	if req.MaxTokens > 0 {
		input.InferenceConfig = &types.InferenceConfiguration{MaxTokens: aws.Int32(int32(req.MaxTokens))}
	}
	if len(req.Tools) > 0 {
		input.ToolConfig = convertBedrockTools(req.Tools)
	}

	out, err := c.client.ConverseStream(ctx, input)
	if err != nil {
		return nil, "", err
	}

	events := make(chan stream.Event, 64)
	go processBedrockStream(out, events)
	return events, "", nil
}

// processBedrockStream tracks content blocks by their ContentBlockIndex,
// the same positional addressing Anthropic's native API uses (Bedrock's
// Converse API is explicitly modeled on it). Both id and index are
// forwarded to the Assembler on every event.
func processBedrockStream(out *bedrockruntime.ConverseStreamOutput, events chan<- stream.Event) {
	defer close(events)

	ids := make(map[int32]string)
	names := make(map[int32]string)
	var inputTokens, outputTokens int

	stream_ := out.GetStream()
	defer stream_.Close()

	for ev := range stream_.Events() {
		switch v := ev.(type) {
		case *types.ConverseStreamOutputMemberContentBlockStart:
			idx := v.Value.ContentBlockIndex
			if tu, ok := v.Value.Start.(*types.ContentBlockStartMemberToolUse); ok {
				id := aws.ToString(tu.Value.ToolUseId)
				name := aws.ToString(tu.Value.Name)
				ids[derefI32(idx)] = id
				names[derefI32(idx)] = name
				i := int(derefI32(idx))
				events <- stream.Event{Kind: stream.KindToolCallStart, ToolCallID: id, ToolCallName: name, ToolCallIndex: &i}
			}

		case *types.ConverseStreamOutputMemberContentBlockDelta:
			idx := derefI32(v.Value.ContentBlockIndex)
			i := int(idx)
			switch d := v.Value.Delta.(type) {
			case *types.ContentBlockDeltaMemberText:
				events <- stream.Event{Kind: stream.KindTextDelta, Text: d.Value}
			case *types.ContentBlockDeltaMemberToolUse:
				if d.Value.Input != nil {
					events <- stream.Event{Kind: stream.KindToolCallDelta, ToolCallID: ids[idx], ToolCallIndex: &i, ArgumentsFragment: aws.ToString(d.Value.Input)}
				}
			case *types.ContentBlockDeltaMemberReasoningContent:
				if txt, ok := d.Value.(*types.ReasoningContentBlockDeltaMemberText); ok {
					events <- stream.Event{Kind: stream.KindReasoningDelta, Reasoning: txt.Value}
				}
			}

		case *types.ConverseStreamOutputMemberContentBlockStop:
			idx := derefI32(v.Value.ContentBlockIndex)
			if id, ok := ids[idx]; ok {
				i := int(idx)
				events <- stream.Event{Kind: stream.KindToolCallEnd, ToolCallID: id, ToolCallIndex: &i}
				delete(ids, idx)
				delete(names, idx)
			}

		case *types.ConverseStreamOutputMemberMetadata:
			if u := v.Value.Usage; u != nil {
				inputTokens = int(aws.ToInt32(u.InputTokens))
				outputTokens = int(aws.ToInt32(u.OutputTokens))
			}

		case *types.ConverseStreamOutputMemberMessageStop:
			events <- stream.Event{
				Kind:         stream.KindFinish,
				FinishReason: string(v.Value.StopReason),
				Usage: &models.Usage{
					PromptTokens:     inputTokens,
					CompletionTokens: outputTokens,
					TotalTokens:      inputTokens + outputTokens,
				},
			}
			return
		}
	}

	if err := stream_.Err(); err != nil {
		events <- stream.Event{Kind: stream.KindError, ErrorMessage: err.Error()}
	}
}

func derefI32(p *int32) int32 {
	if p == nil {
		return 0
	}
	return *p
}

func convertBedrockMessages(msgs []models.Message) []types.Message {
	result := make([]types.Message, 0, len(msgs))
	for _, m := range msgs {
		var blocks []types.ContentBlock
		switch m.Role {
		case models.RoleTool:
			blocks = append(blocks, &types.ContentBlockMemberToolResult{
				Value: types.ToolResultBlock{
					ToolUseId: aws.String(m.ToolCallID),
					Content:   []types.ToolResultContentBlock{&types.ToolResultContentBlockMemberText{Value: m.Content}},
				},
			})
		default:
			if m.Content != "" {
				blocks = append(blocks, &types.ContentBlockMemberText{Value: m.Content})
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, &types.ContentBlockMemberToolUse{
					Value: types.ToolUseBlock{
						ToolUseId: aws.String(tc.ID),
						Name:      aws.String(tc.Name),
						Input:     bedrockDocument(tc.Arguments),
					},
				})
			}
		}
		if len(blocks) == 0 {
			continue
		}
		role := types.ConversationRoleUser
		if m.Role == models.RoleAssistant {
			role = types.ConversationRoleAssistant
		}
		result = append(result, types.Message{Role: role, Content: blocks})
	}
	return result
}

// bedrockDocument wraps raw tool-call argument JSON for the smithy document
// type ConverseStream expects for tool input/output.
func bedrockDocument(raw []byte) document.Interface {
	if len(raw) == 0 {
		raw = []byte(`{}`)
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		v = map[string]any{}
	}
	return document.NewLazyDocument(v)
}

func bedrockDocumentFromMap(m map[string]any) document.Interface {
	if m == nil {
		m = map[string]any{}
	}
	return document.NewLazyDocument(m)
}

func convertBedrockTools(tools []llm.Tool) *types.ToolConfiguration {
	specs := make([]types.Tool, 0, len(tools))
	for _, t := range tools {
		specs = append(specs, &types.ToolMemberToolSpec{
			Value: types.ToolSpecification{
				Name:        aws.String(t.Name),
				Description: aws.String(t.Description),
				InputSchema: &types.ToolInputSchemaMemberJson{Value: bedrockDocumentFromMap(t.InputSchema)},
			},
		})
	}
	return &types.ToolConfiguration{Tools: specs}
}
