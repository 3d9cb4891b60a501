package canonical

import (
	"encoding/json"
	"strings"
)

type Facade string

const (
	FacadeAnthropic Facade = "anthropic"
	FacadeOpenAI    Facade = "openai"
)

type ContextKey string

const ContextKeyClientKey ContextKey = "client_key"

// Content block types shared by both translation directions.
const (
	BlockText             = "text"
	BlockImage            = "image"
	BlockDocument         = "document"
	BlockToolUse          = "tool_use"
	BlockToolResult       = "tool_result"
	BlockThinking         = "thinking"
	BlockRedactedThinking = "redacted_thinking"
)

// ContentBlock is a tagged union: exactly the fields matching Type are set.
type ContentBlock struct {
	Type string `json:"type"`

	Text string `json:"text,omitempty"`

	// image / document
	Source map[string]any `json:"source,omitempty"`
	Title  string         `json:"title,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   *bool           `json:"is_error,omitempty"`

	// thinking
	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`

	// redacted_thinking
	Data string `json:"data,omitempty"`
}

type Message struct {
	Role   string
	Blocks []ContentBlock
}

type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// Tool choice variants.
const (
	ToolChoiceAuto = "auto"
	ToolChoiceNone = "none"
	ToolChoiceAny  = "any"
	ToolChoiceTool = "tool"
)

type ToolChoice struct {
	Type string
	Name string
}

// Request is the unified inbound request both facades produce and the
// request translator consumes.
type Request struct {
	Facade Facade
	Model  string
	Stream bool

	System   string
	Messages []Message

	MaxTokens int

	Temperature *float64
	TopP        *float64
	TopK        *int

	StopSequences []string

	Tools      []Tool
	ToolChoice *ToolChoice

	// Session identifier used for backend cache partitioning, if any.
	SessionKey string
}

// MergeRoleRuns collapses adjacent messages with the same role into one
// message, preserving block order. Translation assumes merged input.
func MergeRoleRuns(msgs []Message) []Message {
	if len(msgs) < 2 {
		return msgs
	}
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		role := strings.TrimSpace(m.Role)
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Blocks = append(out[n-1].Blocks, m.Blocks...)
			continue
		}
		out = append(out, Message{Role: role, Blocks: m.Blocks})
	}
	return out
}

// TextOf flattens a block list to plain text, ignoring non-text blocks.
func TextOf(blocks []ContentBlock) string {
	var b strings.Builder
	for _, blk := range blocks {
		if blk.Type == BlockText {
			b.WriteString(blk.Text)
		}
	}
	return b.String()
}
