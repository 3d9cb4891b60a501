package convert

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"claude-bridge/internal/canonical"
	"claude-bridge/internal/modelmap"
	openaiproto "claude-bridge/internal/proto/openai"
)

// Backend protocols.
const (
	ProtocolChat      = "chat_completions"
	ProtocolResponses = "responses"
)

// SelectProtocol picks the backend protocol for a request. Reasoning-model
// deployments and requests carrying multimodal or document parts go over the
// responses protocol, everything else over chat completions.
func SelectProtocol(req canonical.Request, deployment string) string {
	if modelmap.IsReasoningFamily(deployment) {
		return ProtocolResponses
	}
	for _, m := range req.Messages {
		for _, blk := range m.Blocks {
			switch blk.Type {
			case canonical.BlockImage, canonical.BlockDocument:
				return ProtocolResponses
			}
		}
	}
	return ProtocolChat
}

// CachePartitionKey returns a stable backend cache key for a session
// identifier. Identifiers longer than 64 characters are hashed so the key
// stays bounded; short ones pass through untouched.
func CachePartitionKey(session string) string {
	if len(session) > 64 {
		sum := sha256.Sum256([]byte(session))
		return hex.EncodeToString(sum[:])
	}
	return session
}

// ToChatRequest translates a unified request into the chat completions
// payload. Input messages must already have role runs merged.
func ToChatRequest(req canonical.Request, deployment string) (openaiproto.ChatCompletionsRequest, error) {
	outMsgs := make([]openaiproto.ChatMessage, 0, len(req.Messages)+1)
	if strings.TrimSpace(req.System) != "" {
		outMsgs = append(outMsgs, openaiproto.ChatMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		msgs, err := chatMessagesOf(m)
		if err != nil {
			return openaiproto.ChatCompletionsRequest{}, err
		}
		outMsgs = append(outMsgs, msgs...)
	}

	tools, err := chatToolsOf(req.Tools)
	if err != nil {
		return openaiproto.ChatCompletionsRequest{}, err
	}

	out := openaiproto.ChatCompletionsRequest{
		Model:      deployment,
		Messages:   outMsgs,
		Stop:       req.StopSequences,
		Stream:     req.Stream,
		Tools:      tools,
		ToolChoice: chatToolChoiceOf(req.ToolChoice),
		User:       CachePartitionKey(req.SessionKey),
	}
	if req.Stream {
		out.StreamOptions = &openaiproto.StreamOptions{IncludeUsage: true}
	}

	maxTokens := req.MaxTokens
	if modelmap.IsReasoningFamily(deployment) {
		out.MaxCompletionTokens = &maxTokens
	} else {
		out.MaxTokens = &maxTokens
		out.Temperature = req.Temperature
		out.TopP = req.TopP
	}
	return out, nil
}

func chatMessagesOf(m canonical.Message) ([]openaiproto.ChatMessage, error) {
	var (
		textParts      []string
		reasoningParts []string
		contentParts   []any
		hasNonText     bool
		toolCalls      []openaiproto.ToolCall
		toolMessages   []openaiproto.ChatMessage
	)

	for _, blk := range m.Blocks {
		switch blk.Type {
		case canonical.BlockText:
			if blk.Text != "" {
				textParts = append(textParts, blk.Text)
				contentParts = append(contentParts, map[string]any{"type": "text", "text": blk.Text})
			}
		case canonical.BlockThinking:
			if blk.Thinking != "" {
				reasoningParts = append(reasoningParts, blk.Thinking)
			}
		case canonical.BlockRedactedThinking:
			// Opaque to the backend, dropped.
		case canonical.BlockToolUse:
			tc, err := chatToolCallOf(blk)
			if err != nil {
				return nil, err
			}
			toolCalls = append(toolCalls, tc)
		case canonical.BlockToolResult:
			if strings.TrimSpace(blk.ToolUseID) == "" {
				return nil, ErrUnresolvedToolCorrelation
			}
			toolMessages = append(toolMessages, openaiproto.ChatMessage{
				Role:       "tool",
				ToolCallID: blk.ToolUseID,
				Content:    toolResultText(blk.Content),
			})
		case canonical.BlockImage:
			part, err := chatImagePartOf(blk)
			if err != nil {
				return nil, err
			}
			contentParts = append(contentParts, part)
			hasNonText = true
		case canonical.BlockDocument:
			// No native document part in this protocol.
			contentParts = append(contentParts, map[string]any{"type": "text", "text": serializedText(blk.Source)})
			hasNonText = true
		default:
			return nil, fmt.Errorf("%w: block type %q", ErrUnsupportedContentPart, blk.Type)
		}
	}

	var content any
	if hasNonText {
		content = contentParts
	} else {
		content = strings.Join(textParts, "")
	}

	// Tool outputs must directly follow the assistant turn that called them.
	out := make([]openaiproto.ChatMessage, 0, 1+len(toolMessages))
	out = append(out, toolMessages...)

	switch m.Role {
	case "user":
		if content != "" || hasNonText {
			out = append(out, openaiproto.ChatMessage{Role: "user", Content: content})
		} else if len(toolMessages) == 0 {
			out = append(out, openaiproto.ChatMessage{Role: "user", Content: ""})
		}
	case "assistant":
		msg := openaiproto.ChatMessage{Role: "assistant", Content: content}
		if len(reasoningParts) > 0 {
			msg.ReasoningContent = strings.Join(reasoningParts, "")
		}
		if len(toolCalls) > 0 {
			msg.ToolCalls = toolCalls
		}
		out = append(out, msg)
	default:
		return nil, fmt.Errorf("%w: role %q", ErrUnsupportedMessageShape, m.Role)
	}
	return out, nil
}

func chatToolCallOf(blk canonical.ContentBlock) (openaiproto.ToolCall, error) {
	if strings.TrimSpace(blk.Name) == "" || strings.TrimSpace(blk.ID) == "" {
		return openaiproto.ToolCall{}, fmt.Errorf("%w: tool_use missing id or name", ErrInvalidTool)
	}
	args := "{}"
	if len(blk.Input) > 0 {
		args = string(blk.Input)
	}
	return openaiproto.ToolCall{
		ID:   blk.ID,
		Type: "function",
		Function: openaiproto.FunctionCall{
			Name:      blk.Name,
			Arguments: args,
		},
	}, nil
}

func chatImagePartOf(blk canonical.ContentBlock) (map[string]any, error) {
	u, err := imageURLOf(blk.Source)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"type":      "image_url",
		"image_url": map[string]any{"url": u},
	}, nil
}

func imageURLOf(src map[string]any) (string, error) {
	if src == nil {
		return "", fmt.Errorf("%w: image block missing source", ErrUnsupportedContentPart)
	}
	st, _ := src["type"].(string)
	switch strings.TrimSpace(st) {
	case "base64":
		mediaType, _ := src["media_type"].(string)
		data, _ := src["data"].(string)
		if strings.TrimSpace(mediaType) == "" || strings.TrimSpace(data) == "" {
			return "", fmt.Errorf("%w: base64 image missing media_type or data", ErrUnsupportedContentPart)
		}
		return "data:" + mediaType + ";base64," + data, nil
	case "url":
		u, _ := src["url"].(string)
		u = strings.TrimSpace(u)
		if u == "" {
			return "", fmt.Errorf("%w: url image missing url", ErrUnsupportedContentPart)
		}
		return u, nil
	default:
		return "", fmt.Errorf("%w: image source type %q", ErrUnsupportedContentPart, st)
	}
}

func chatToolsOf(tools []canonical.Tool) ([]openaiproto.ChatTool, error) {
	if len(tools) == 0 {
		return nil, nil
	}
	out := make([]openaiproto.ChatTool, 0, len(tools))
	for _, t := range tools {
		name, params, err := toolDecl(t)
		if err != nil {
			return nil, err
		}
		out = append(out, openaiproto.ChatTool{
			Type: "function",
			Function: openaiproto.FunctionDecl{
				Name:        name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return out, nil
}

func toolDecl(t canonical.Tool) (string, json.RawMessage, error) {
	if strings.TrimSpace(t.Name) == "" {
		return "", nil, fmt.Errorf("%w: missing name", ErrInvalidTool)
	}
	params := t.InputSchema
	if len(params) == 0 {
		params = json.RawMessage(`{"type":"object","properties":{}}`)
	} else if !json.Valid(params) {
		return "", nil, fmt.Errorf("%w: %s input_schema is not valid JSON", ErrInvalidTool, t.Name)
	}
	return t.Name, params, nil
}

func chatToolChoiceOf(tc *canonical.ToolChoice) json.RawMessage {
	if tc == nil {
		return nil
	}
	switch tc.Type {
	case canonical.ToolChoiceAuto:
		return json.RawMessage(`"auto"`)
	case canonical.ToolChoiceNone:
		return json.RawMessage(`"none"`)
	case canonical.ToolChoiceAny:
		return json.RawMessage(`"required"`)
	case canonical.ToolChoiceTool:
		b, _ := json.Marshal(map[string]any{
			"type":     "function",
			"function": map[string]any{"name": tc.Name},
		})
		return b
	default:
		return nil
	}
}

// ToResponsesRequest translates a unified request into the event-typed
// responses protocol payload.
func ToResponsesRequest(req canonical.Request, deployment string) (openaiproto.ResponsesRequest, error) {
	input := make([]any, 0, len(req.Messages))
	for _, m := range req.Messages {
		items, err := responsesItemsOf(m)
		if err != nil {
			return openaiproto.ResponsesRequest{}, err
		}
		input = append(input, items...)
	}

	tools, err := responsesToolsOf(req.Tools)
	if err != nil {
		return openaiproto.ResponsesRequest{}, err
	}

	store := false
	maxTokens := req.MaxTokens
	out := openaiproto.ResponsesRequest{
		Model:           deployment,
		Instructions:    req.System,
		Input:           input,
		MaxOutputTokens: &maxTokens,
		Stream:          req.Stream,
		Tools:           tools,
		ToolChoice:      responsesToolChoiceOf(req.ToolChoice),
		PromptCacheKey:  CachePartitionKey(req.SessionKey),
		Store:           &store,
	}
	if !modelmap.IsReasoningFamily(deployment) {
		out.Temperature = req.Temperature
		out.TopP = req.TopP
	}
	return out, nil
}

func responsesItemsOf(m canonical.Message) ([]any, error) {
	var (
		parts    []map[string]any
		items    []any
		partType string
	)
	switch m.Role {
	case "user":
		partType = "input_text"
	case "assistant":
		partType = "output_text"
	default:
		return nil, fmt.Errorf("%w: role %q", ErrUnsupportedMessageShape, m.Role)
	}

	flushParts := func() {
		if len(parts) == 0 {
			return
		}
		items = append(items, map[string]any{
			"type":    "message",
			"role":    m.Role,
			"content": parts,
		})
		parts = nil
	}

	for _, blk := range m.Blocks {
		switch blk.Type {
		case canonical.BlockText:
			if blk.Text != "" {
				parts = append(parts, map[string]any{"type": partType, "text": blk.Text})
			}
		case canonical.BlockThinking, canonical.BlockRedactedThinking:
			// Not expressible, dropped.
		case canonical.BlockImage:
			u, err := imageURLOf(blk.Source)
			if err != nil {
				return nil, err
			}
			parts = append(parts, map[string]any{"type": "input_image", "image_url": u})
		case canonical.BlockDocument:
			part, ok := responsesFilePartOf(blk)
			if !ok {
				part = map[string]any{"type": partType, "text": serializedText(blk.Source)}
			}
			parts = append(parts, part)
		case canonical.BlockToolUse:
			if strings.TrimSpace(blk.Name) == "" || strings.TrimSpace(blk.ID) == "" {
				return nil, fmt.Errorf("%w: tool_use missing id or name", ErrInvalidTool)
			}
			args := "{}"
			if len(blk.Input) > 0 {
				args = string(blk.Input)
			}
			flushParts()
			items = append(items, map[string]any{
				"type":      "function_call",
				"call_id":   blk.ID,
				"name":      blk.Name,
				"arguments": args,
			})
		case canonical.BlockToolResult:
			if strings.TrimSpace(blk.ToolUseID) == "" {
				return nil, ErrUnresolvedToolCorrelation
			}
			flushParts()
			items = append(items, map[string]any{
				"type":    "function_call_output",
				"call_id": blk.ToolUseID,
				"output":  toolResultText(blk.Content),
			})
		default:
			return nil, fmt.Errorf("%w: block type %q", ErrUnsupportedContentPart, blk.Type)
		}
	}
	flushParts()
	return items, nil
}

func responsesFilePartOf(blk canonical.ContentBlock) (map[string]any, bool) {
	src := blk.Source
	if src == nil {
		return nil, false
	}
	st, _ := src["type"].(string)
	if st != "base64" {
		return nil, false
	}
	mediaType, _ := src["media_type"].(string)
	data, _ := src["data"].(string)
	if mediaType == "" || data == "" {
		return nil, false
	}
	name := blk.Title
	if name == "" {
		name = "document"
	}
	return map[string]any{
		"type":      "input_file",
		"filename":  name,
		"file_data": "data:" + mediaType + ";base64," + data,
	}, true
}

func responsesToolsOf(tools []canonical.Tool) ([]openaiproto.ResponsesTool, error) {
	if len(tools) == 0 {
		return nil, nil
	}
	out := make([]openaiproto.ResponsesTool, 0, len(tools))
	for _, t := range tools {
		name, params, err := toolDecl(t)
		if err != nil {
			return nil, err
		}
		out = append(out, openaiproto.ResponsesTool{
			Type:        "function",
			Name:        name,
			Description: t.Description,
			Parameters:  params,
		})
	}
	return out, nil
}

func responsesToolChoiceOf(tc *canonical.ToolChoice) json.RawMessage {
	if tc == nil {
		return nil
	}
	switch tc.Type {
	case canonical.ToolChoiceAuto:
		return json.RawMessage(`"auto"`)
	case canonical.ToolChoiceNone:
		return json.RawMessage(`"none"`)
	case canonical.ToolChoiceAny:
		return json.RawMessage(`"required"`)
	case canonical.ToolChoiceTool:
		b, _ := json.Marshal(map[string]any{"type": "function", "name": tc.Name})
		return b
	default:
		return nil
	}
}

// toolResultText flattens a tool_result payload to the plain text the
// backend protocols expect for function output.
func toolResultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
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
		if b.Len() > 0 {
			return b.String()
		}
		return string(raw)
	default:
		return string(raw)
	}
}

func serializedText(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
}
