package provider

import (
	"context"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

// AnthropicProvider implements Provider for Anthropic Claude.
type AnthropicProvider struct {
	client anthropic.Client
}

// NewAnthropicProvider creates a new Anthropic provider.
func NewAnthropicProvider(apiKey string) *AnthropicProvider {
	return &AnthropicProvider{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
	}
}

// Name returns the provider name.
func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

// Invoke starts a streaming message call. Anthropic has no upstream
// continuation token, so the full history is replayed each turn and
// Result.ResumeToken stays empty.
func (p *AnthropicProvider) Invoke(ctx context.Context, req Request) (*Stream, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Options.Model),
		MaxTokens: int64(req.Options.MaxTokens),
		Messages:  convertHistory(req.History, req.Content),
	}
	if req.Options.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.Options.SystemPrompt}}
	}
	if req.Options.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Options.Temperature)
	}

	stream := NewStream(16)

	go func() {
		sse := p.client.Messages.NewStreaming(ctx, params)

		accumulated := anthropic.Message{}
		for sse.Next() {
			event := sse.Current()
			if err := accumulated.Accumulate(event); err != nil {
				stream.Finish(nil, err)
				return
			}

			switch eventVariant := event.AsAny().(type) {
			case anthropic.ContentBlockDeltaEvent:
				switch deltaVariant := eventVariant.Delta.AsAny().(type) {
				case anthropic.TextDelta:
					stream.Send(ctx, Chunk{Type: "text", Text: deltaVariant.Text})
				}
			case anthropic.ContentBlockStartEvent:
				if block, ok := eventVariant.ContentBlock.AsAny().(anthropic.ToolUseBlock); ok {
					stream.Send(ctx, Chunk{
						Type:      "tool_call",
						ToolName:  block.Name,
						ToolUseID: block.ID,
					})
				}
			}
		}
		if err := sse.Err(); err != nil {
			stream.Finish(nil, err)
			return
		}
		if err := ctx.Err(); err != nil {
			stream.Finish(nil, err)
			return
		}

		stream.Finish(buildResult(accumulated), nil)
	}()

	return stream, nil
}

// buildResult converts an accumulated Anthropic message into the
// provider-neutral result shape.
func buildResult(msg anthropic.Message) *Result {
	out := Message{
		Role:      RoleAgent,
		Timestamp: time.Now(),
	}
	out.ID, _ = gonanoid.New()

	var parts []ContentPart
	for _, block := range msg.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			parts = append(parts, TextPart(b.Text))
		case anthropic.ToolUseBlock:
			parts = append(parts, ContentPart{
				Type:      "tool_call",
				ToolName:  b.Name,
				ToolInput: []byte(b.JSON.Input.Raw()),
				ToolUseID: b.ID,
			})
			out.ToolName = b.Name
			out.ToolInput = []byte(b.JSON.Input.Raw())
			out.ToolUseID = b.ID
		}
	}

	// Plain text stays a flat string so the stored form matches what
	// the user sees; anything richer keeps the structured parts.
	if len(parts) == 1 && parts[0].Type == "text" {
		out.Content = parts[0].Text
	} else {
		out.Parts = parts
	}

	return &Result{
		Messages: []Message{out},
		Usage: TokenUsage{
			Input:         int(msg.Usage.InputTokens),
			Output:        int(msg.Usage.OutputTokens),
			CacheRead:     int(msg.Usage.CacheReadInputTokens),
			CacheCreation: int(msg.Usage.CacheCreationInputTokens),
		},
	}
}

// convertHistory maps stored messages plus the new outbound content
// into Anthropic message params.
func convertHistory(history []Message, content []ContentPart) []anthropic.MessageParam {
	params := make([]anthropic.MessageParam, 0, len(history)+1)

	for _, msg := range history {
		switch msg.Role {
		case RoleSystem:
			continue // handled via the system prompt
		case RoleTool:
			params = append(params, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(msg.ToolUseID, msg.Text(), false),
			))
		case RoleUser:
			params = append(params, anthropic.NewUserMessage(convertParts(msg)...))
		case RoleAgent:
			params = append(params, anthropic.MessageParam{
				Role:    anthropic.MessageParamRoleAssistant,
				Content: convertParts(msg),
			})
		}
	}

	params = append(params, anthropic.NewUserMessage(convertContent(content)...))
	return params
}

func convertParts(msg Message) []anthropic.ContentBlockParamUnion {
	if len(msg.Parts) == 0 {
		return []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(msg.Content)}
	}
	return convertContent(msg.Parts)
}

func convertContent(parts []ContentPart) []anthropic.ContentBlockParamUnion {
	blocks := make([]anthropic.ContentBlockParamUnion, 0, len(parts))
	for _, p := range parts {
		switch p.Type {
		case "text":
			blocks = append(blocks, anthropic.NewTextBlock(p.Text))
		case "image":
			blocks = append(blocks, anthropic.NewImageBlockBase64(p.MediaType, p.Data))
		case "tool_call":
			var input interface{} = map[string]interface{}{}
			if len(p.ToolInput) > 0 {
				input = p.ToolInput
			}
			blocks = append(blocks, anthropic.NewToolUseBlock(p.ToolUseID, input, p.ToolName))
		case "tool_result":
			blocks = append(blocks, anthropic.NewToolResultBlock(p.ToolUseID, p.ToolOutput, p.IsError))
		}
	}
	if len(blocks) == 0 {
		blocks = append(blocks, anthropic.NewTextBlock(""))
	}
	return blocks
}
