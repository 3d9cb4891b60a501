// Package anthropic holds the wire shapes of the Anthropic Messages API as
// accepted and emitted by the bridge.
package anthropic

import (
	"encoding/json"
	"fmt"
	"strings"

	"claude-bridge/internal/canonical"
)

type MessageCreateRequest struct {
	Model       string           `json:"model"`
	MaxTokens   int              `json:"max_tokens"`
	Messages    []Message        `json:"messages"`
	System      any              `json:"system,omitempty"`
	Metadata    *Metadata        `json:"metadata,omitempty"`
	StopSeqs    []string         `json:"stop_sequences,omitempty"`
	Temperature *float64         `json:"temperature,omitempty"`
	TopP        *float64         `json:"top_p,omitempty"`
	TopK        *int             `json:"top_k,omitempty"`
	Stream      bool             `json:"stream,omitempty"`
	Tools       []ToolDefinition `json:"tools,omitempty"`
	ToolChoice  json.RawMessage  `json:"tool_choice,omitempty"`
}

type Metadata struct {
	UserID string `json:"user_id,omitempty"`
}

type Message struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

type MessageResponse struct {
	ID           string                   `json:"id"`
	Type         string                   `json:"type"`
	Role         string                   `json:"role"`
	Model        string                   `json:"model"`
	Content      []canonical.ContentBlock `json:"content"`
	StopReason   string                   `json:"stop_reason"`
	StopSequence *string                  `json:"stop_sequence"`
	Usage        Usage                    `json:"usage"`
}

type Usage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
}

var ErrBadShape = fmt.Errorf("unsupported message shape")

// Canonical converts the wire request into the unified request consumed by
// the translators. Adjacent same-role messages are merged here so downstream
// code never sees role runs.
func (r MessageCreateRequest) Canonical() (canonical.Request, error) {
	out := canonical.Request{
		Facade:        canonical.FacadeAnthropic,
		Model:         r.Model,
		Stream:        r.Stream,
		MaxTokens:     r.MaxTokens,
		Temperature:   r.Temperature,
		TopP:          r.TopP,
		TopK:          r.TopK,
		StopSequences: r.StopSeqs,
	}

	out.System = systemText(r.System)
	if r.Metadata != nil {
		out.SessionKey = strings.TrimSpace(r.Metadata.UserID)
	}

	for _, m := range r.Messages {
		role := strings.TrimSpace(m.Role)
		blocks, err := decodeContent(m.Content)
		if err != nil {
			return canonical.Request{}, err
		}
		out.Messages = append(out.Messages, canonical.Message{Role: role, Blocks: blocks})
	}
	out.Messages = canonical.MergeRoleRuns(out.Messages)

	for _, t := range r.Tools {
		out.Tools = append(out.Tools, canonical.Tool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}

	tc, err := decodeToolChoice(r.ToolChoice)
	if err != nil {
		return canonical.Request{}, err
	}
	out.ToolChoice = tc
	return out, nil
}

func systemText(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []any:
		var b strings.Builder
		for _, it := range t {
			m, ok := it.(map[string]any)
			if !ok {
				continue
			}
			if m["type"] == "text" {
				if s, ok := m["text"].(string); ok {
					b.WriteString(s)
				}
			}
		}
		return b.String()
	default:
		raw, _ := json.Marshal(t)
		return string(raw)
	}
}

func decodeContent(v any) ([]canonical.ContentBlock, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case string:
		if strings.TrimSpace(t) == "" {
			return nil, nil
		}
		return []canonical.ContentBlock{{Type: canonical.BlockText, Text: t}}, nil
	case []any:
		out := make([]canonical.ContentBlock, 0, len(t))
		for _, it := range t {
			m, ok := it.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%w: content block is not an object", ErrBadShape)
			}
			raw, _ := json.Marshal(m)
			var blk canonical.ContentBlock
			if err := json.Unmarshal(raw, &blk); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrBadShape, err)
			}
			if strings.TrimSpace(blk.Type) == "" {
				return nil, fmt.Errorf("%w: content block missing type", ErrBadShape)
			}
			out = append(out, blk)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unsupported content type %T", ErrBadShape, v)
	}
}

func decodeToolChoice(raw json.RawMessage) (*canonical.ToolChoice, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v map[string]any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("invalid tool_choice: %w", err)
	}
	typ, _ := v["type"].(string)
	switch typ {
	case canonical.ToolChoiceAuto, canonical.ToolChoiceNone, canonical.ToolChoiceAny:
		return &canonical.ToolChoice{Type: typ}, nil
	case canonical.ToolChoiceTool:
		name, _ := v["name"].(string)
		if strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("%w: tool_choice.tool missing name", ErrBadShape)
		}
		return &canonical.ToolChoice{Type: canonical.ToolChoiceTool, Name: name}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported tool_choice type %q", ErrBadShape, typ)
	}
}
