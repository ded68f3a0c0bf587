package provider

import (
	"encoding/json"
	"time"
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleUser   Role = "user"
	RoleAgent  Role = "agent"
	RoleTool   Role = "tool"
	RoleSystem Role = "system"
)

// ContentPart is one element of a structured message body.
type ContentPart struct {
	Type string `json:"type"` // "text" | "image" | "tool_call" | "tool_result"

	// Text content ("text").
	Text string `json:"text,omitempty"`

	// Image content ("image").
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"` // base64

	// Tool invocation ("tool_call") and its result ("tool_result").
	ToolName   string          `json:"tool_name,omitempty"`
	ToolInput  json.RawMessage `json:"tool_input,omitempty"`
	ToolUseID  string          `json:"tool_use_id,omitempty"`
	ToolOutput string          `json:"tool_output,omitempty"`
	IsError    bool            `json:"is_error,omitempty"`
}

// TextPart builds a plain text content part.
func TextPart(text string) ContentPart {
	return ContentPart{Type: "text", Text: text}
}

// Message is a single conversation turn. Content carries plain text;
// structured bodies live in Parts. Tool-bearing agent messages carry
// the tool name, input, and a correlation id linking to a later
// tool_result part.
type Message struct {
	ID        string          `json:"id"`
	Role      Role            `json:"role"`
	Content   string          `json:"content,omitempty"`
	Parts     []ContentPart   `json:"parts,omitempty"`
	ToolName  string          `json:"tool_name,omitempty"`
	ToolInput json.RawMessage `json:"tool_input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Text returns the textual content of the message, flattening text
// parts when the body is structured.
func (m Message) Text() string {
	if len(m.Parts) == 0 {
		return m.Content
	}
	out := ""
	for _, p := range m.Parts {
		if p.Type == "text" {
			out += p.Text
		}
	}
	return out
}

// TokenUsage tracks token consumption for a session. Counters only
// ever grow while the session is live.
type TokenUsage struct {
	Input         int `json:"input"`
	Output        int `json:"output"`
	CacheRead     int `json:"cache_read"`
	CacheCreation int `json:"cache_creation"`
}

// Add accumulates another usage sample into the counters.
func (u *TokenUsage) Add(other TokenUsage) {
	u.Input += other.Input
	u.Output += other.Output
	u.CacheRead += other.CacheRead
	u.CacheCreation += other.CacheCreation
}

// InvokeOptions carries the per-call parameters a session hands to its
// provider.
type InvokeOptions struct {
	Model        string  `json:"model"`
	MaxTokens    int     `json:"max_tokens,omitempty"`
	Temperature  float64 `json:"temperature,omitempty"`
	SystemPrompt string  `json:"system_prompt,omitempty"`

	// ResumeToken, when set, asks the provider to continue the prior
	// upstream conversation context instead of replaying History.
	ResumeToken string `json:"resume_token,omitempty"`
}

// Request is one provider invocation: the accumulated history plus the
// new outbound content.
type Request struct {
	Options InvokeOptions
	History []Message
	Content []ContentPart
}

// Chunk is an incremental streaming event from the provider.
type Chunk struct {
	Type      string `json:"type"` // "text" | "tool_call"
	Text      string `json:"text,omitempty"`
	ToolName  string `json:"tool_name,omitempty"`
	ToolUseID string `json:"tool_use_id,omitempty"`
}

// Result is the terminal outcome of a successful invocation.
type Result struct {
	Messages    []Message  `json:"messages"`
	Usage       TokenUsage `json:"usage"`
	ResumeToken string     `json:"resume_token,omitempty"`
}

// DefaultOptions returns the baseline invocation parameters.
func DefaultOptions() InvokeOptions {
	return InvokeOptions{
		Model:     "claude-sonnet-4-20250514",
		MaxTokens: 4096,
	}
}
