package convert

import (
	"encoding/json"
	"fmt"
	"strings"

	"claude-bridge/internal/canonical"
	openaiproto "claude-bridge/internal/proto/openai"
)

// ChatRequestToCanonical converts an inbound chat-completions-shaped request
// into the unified request. Tool messages become tool_result blocks on a
// user turn so the rest of the pipeline sees one content model.
func ChatRequestToCanonical(or openaiproto.ChatCompletionsRequest) (canonical.Request, error) {
	var sysParts []string
	msgs := make([]canonical.Message, 0, len(or.Messages))

	for _, m := range or.Messages {
		role := strings.TrimSpace(m.Role)
		switch role {
		case "system", "developer":
			sysParts = append(sysParts, serializedText(m.Content))
		case "user", "assistant":
			blocks, err := inboundContentBlocks(m.Content)
			if err != nil {
				return canonical.Request{}, err
			}
			for _, tc := range m.ToolCalls {
				if strings.TrimSpace(tc.ID) == "" || strings.TrimSpace(tc.Function.Name) == "" {
					return canonical.Request{}, fmt.Errorf("%w: tool_call missing id or name", ErrInvalidTool)
				}
				blocks = append(blocks, canonical.ContentBlock{
					Type:  canonical.BlockToolUse,
					ID:    tc.ID,
					Name:  tc.Function.Name,
					Input: ToolInputJSON(tc.Function.Arguments),
				})
			}
			msgs = append(msgs, canonical.Message{Role: role, Blocks: blocks})
		case "tool":
			if strings.TrimSpace(m.ToolCallID) == "" {
				return canonical.Request{}, ErrUnresolvedToolCorrelation
			}
			content, _ := json.Marshal(serializedText(m.Content))
			msgs = append(msgs, canonical.Message{
				Role: "user",
				Blocks: []canonical.ContentBlock{{
					Type:      canonical.BlockToolResult,
					ToolUseID: m.ToolCallID,
					Content:   content,
				}},
			})
		default:
			return canonical.Request{}, fmt.Errorf("%w: role %q", ErrUnsupportedMessageShape, role)
		}
	}

	maxTokens := 4096
	if or.MaxCompletionTokens != nil && *or.MaxCompletionTokens > 0 {
		maxTokens = *or.MaxCompletionTokens
	} else if or.MaxTokens != nil && *or.MaxTokens > 0 {
		maxTokens = *or.MaxTokens
	}

	tools := make([]canonical.Tool, 0, len(or.Tools))
	for _, t := range or.Tools {
		if t.Type != "" && t.Type != "function" {
			return canonical.Request{}, fmt.Errorf("%w: tool type %q", ErrInvalidTool, t.Type)
		}
		if strings.TrimSpace(t.Function.Name) == "" {
			return canonical.Request{}, fmt.Errorf("%w: missing name", ErrInvalidTool)
		}
		tools = append(tools, canonical.Tool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			InputSchema: t.Function.Parameters,
		})
	}

	tc, err := inboundToolChoice(or.ToolChoice)
	if err != nil {
		return canonical.Request{}, err
	}

	return canonical.Request{
		Facade:        canonical.FacadeOpenAI,
		Model:         or.Model,
		Stream:        or.Stream,
		System:        strings.TrimSpace(strings.Join(sysParts, "\n")),
		Messages:      canonical.MergeRoleRuns(msgs),
		MaxTokens:     maxTokens,
		Temperature:   or.Temperature,
		TopP:          or.TopP,
		StopSequences: or.Stop,
		Tools:         tools,
		ToolChoice:    tc,
		SessionKey:    strings.TrimSpace(or.User),
	}, nil
}

func inboundContentBlocks(content any) ([]canonical.ContentBlock, error) {
	switch v := content.(type) {
	case nil:
		return nil, nil
	case string:
		if strings.TrimSpace(v) == "" {
			return nil, nil
		}
		return []canonical.ContentBlock{{Type: canonical.BlockText, Text: v}}, nil
	case []any:
		blocks := make([]canonical.ContentBlock, 0, len(v))
		for _, it := range v {
			m, ok := it.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%w: content part is not an object", ErrUnsupportedContentPart)
			}
			typ, _ := m["type"].(string)
			switch typ {
			case "text":
				t, _ := m["text"].(string)
				if t == "" {
					continue
				}
				blocks = append(blocks, canonical.ContentBlock{Type: canonical.BlockText, Text: t})
			case "image_url":
				img, _ := m["image_url"].(map[string]any)
				u, _ := img["url"].(string)
				blk, err := imageBlockFromURL(u)
				if err != nil {
					return nil, err
				}
				blocks = append(blocks, blk)
			default:
				return nil, fmt.Errorf("%w: content part type %q", ErrUnsupportedContentPart, typ)
			}
		}
		return blocks, nil
	default:
		return nil, fmt.Errorf("%w: content type %T", ErrUnsupportedContentPart, v)
	}
}

func imageBlockFromURL(u string) (canonical.ContentBlock, error) {
	u = strings.TrimSpace(u)
	if u == "" {
		return canonical.ContentBlock{}, fmt.Errorf("%w: image_url missing url", ErrUnsupportedContentPart)
	}
	if mediaType, data, ok := parseDataImageURL(u); ok {
		return canonical.ContentBlock{
			Type: canonical.BlockImage,
			Source: map[string]any{
				"type":       "base64",
				"media_type": mediaType,
				"data":       data,
			},
		}, nil
	}
	if strings.HasPrefix(u, "https://") {
		return canonical.ContentBlock{
			Type:   canonical.BlockImage,
			Source: map[string]any{"type": "url", "url": u},
		}, nil
	}
	return canonical.ContentBlock{}, fmt.Errorf("%w: image url must be https or a base64 data url", ErrUnsupportedContentPart)
}

func inboundToolChoice(raw json.RawMessage) (*canonical.ToolChoice, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("invalid tool_choice: %w", err)
	}
	switch vv := v.(type) {
	case string:
		switch vv {
		case "auto":
			return &canonical.ToolChoice{Type: canonical.ToolChoiceAuto}, nil
		case "none":
			return &canonical.ToolChoice{Type: canonical.ToolChoiceNone}, nil
		case "required":
			return &canonical.ToolChoice{Type: canonical.ToolChoiceAny}, nil
		default:
			return nil, fmt.Errorf("%w: tool_choice %q", ErrUnsupportedMessageShape, vv)
		}
	case map[string]any:
		t, _ := vv["type"].(string)
		if t != "function" {
			return nil, fmt.Errorf("%w: tool_choice type %q", ErrUnsupportedMessageShape, t)
		}
		fn, _ := vv["function"].(map[string]any)
		name, _ := fn["name"].(string)
		if strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("%w: tool_choice.function missing name", ErrUnsupportedMessageShape)
		}
		return &canonical.ToolChoice{Type: canonical.ToolChoiceTool, Name: name}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported tool_choice shape", ErrUnsupportedMessageShape)
	}
}

func parseDataImageURL(u string) (mediaType, data string, ok bool) {
	u = strings.TrimSpace(u)
	if !strings.HasPrefix(u, "data:image/") {
		return "", "", false
	}
	parts := strings.SplitN(u, ",", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	meta, data := parts[0], parts[1]
	if !strings.Contains(meta, ";base64") {
		return "", "", false
	}
	mt := strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(meta, "data:"), ";base64"))
	if mt == "" || data == "" {
		return "", "", false
	}
	return mt, data, true
}
