package provider

import (
	"context"
	"fmt"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIProvider implements Provider for OpenAI chat models.
type OpenAIProvider struct {
	client openai.Client
}

// NewOpenAIProvider creates a new OpenAI provider.
func NewOpenAIProvider(apiKey string) *OpenAIProvider {
	return &OpenAIProvider{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
	}
}

// Name returns the provider name.
func (p *OpenAIProvider) Name() string {
	return "openai"
}

// Invoke starts a streaming chat completion call.
func (p *OpenAIProvider) Invoke(ctx context.Context, req Request) (*Stream, error) {
	messages := []openai.ChatCompletionMessageParamUnion{}

	if req.Options.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage(req.Options.SystemPrompt))
	}

	for _, msg := range req.History {
		switch msg.Role {
		case RoleUser:
			messages = append(messages, openai.UserMessage(msg.Text()))
		case RoleAgent:
			messages = append(messages, openai.AssistantMessage(msg.Text()))
		case RoleTool:
			messages = append(messages, openai.ToolMessage(msg.ToolUseID, msg.Text()))
		}
	}

	prompt := ""
	for _, part := range req.Content {
		if part.Type == "text" {
			prompt += part.Text
		}
	}
	messages = append(messages, openai.UserMessage(prompt))

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(req.Options.Model),
		Messages: messages,
		StreamOptions: openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.Bool(true),
		},
	}
	if req.Options.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.Options.MaxTokens))
	}
	if req.Options.Temperature > 0 {
		params.Temperature = openai.Float(req.Options.Temperature)
	}

	stream := NewStream(16)

	go func() {
		sse := p.client.Chat.Completions.NewStreaming(ctx, params)

		acc := openai.ChatCompletionAccumulator{}
		for sse.Next() {
			chunk := sse.Current()
			acc.AddChunk(chunk)

			if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
				stream.Send(ctx, Chunk{Type: "text", Text: chunk.Choices[0].Delta.Content})
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
		if len(acc.Choices) == 0 {
			stream.Finish(nil, fmt.Errorf("no choices in completion"))
			return
		}

		msg := Message{
			Role:      RoleAgent,
			Content:   acc.Choices[0].Message.Content,
			Timestamp: time.Now(),
		}
		msg.ID, _ = gonanoid.New()

		stream.Finish(&Result{
			Messages: []Message{msg},
			Usage: TokenUsage{
				Input:     int(acc.Usage.PromptTokens),
				Output:    int(acc.Usage.CompletionTokens),
				CacheRead: int(acc.Usage.PromptTokensDetails.CachedTokens),
			},
		}, nil)
	}()

	return stream, nil
}
