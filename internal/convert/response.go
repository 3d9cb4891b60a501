package convert

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"claude-bridge/internal/canonical"
	anthropicproto "claude-bridge/internal/proto/anthropic"
	openaiproto "claude-bridge/internal/proto/openai"
)

// Client-facing stop reasons.
const (
	StopEndTurn       = "end_turn"
	StopMaxTokens     = "max_tokens"
	StopToolUse       = "tool_use"
	StopSequence      = "stop_sequence"
	StopContentFilter = "content_filter"
)

// BackendResponseToMessage converts a complete backend response body, in
// either protocol's shape, into the client-facing message. The protocol is
// detected from the body itself: an "output" field means the responses
// protocol, a "choices" field chat completions.
func BackendResponseToMessage(raw []byte, model string) (anthropicproto.MessageResponse, error) {
	switch {
	case gjson.GetBytes(raw, "output").Exists():
		var rr openaiproto.ResponsesResponse
		if err := json.Unmarshal(raw, &rr); err != nil {
			return anthropicproto.MessageResponse{}, fmt.Errorf("decode responses body: %w", err)
		}
		return responsesToMessage(rr, model), nil
	case gjson.GetBytes(raw, "choices").Exists():
		var cr openaiproto.ChatCompletionsResponse
		if err := json.Unmarshal(raw, &cr); err != nil {
			return anthropicproto.MessageResponse{}, fmt.Errorf("decode chat body: %w", err)
		}
		return chatToMessage(cr, model), nil
	default:
		return anthropicproto.MessageResponse{}, fmt.Errorf("%w: body has neither output nor choices", ErrUnsupportedMessageShape)
	}
}

func chatToMessage(cr openaiproto.ChatCompletionsResponse, model string) anthropicproto.MessageResponse {
	var (
		blocks []canonical.ContentBlock
		finish string
	)
	if len(cr.Choices) > 0 {
		msg := cr.Choices[0].Message
		finish = cr.Choices[0].FinishReason

		if text := chatContentText(msg.Content); text != "" {
			blocks = append(blocks, canonical.ContentBlock{Type: canonical.BlockText, Text: text})
		}
		for _, tc := range msg.ToolCalls {
			if strings.TrimSpace(tc.ID) == "" || strings.TrimSpace(tc.Function.Name) == "" {
				continue
			}
			blocks = append(blocks, canonical.ContentBlock{
				Type:  canonical.BlockToolUse,
				ID:    tc.ID,
				Name:  tc.Function.Name,
				Input: ToolInputJSON(tc.Function.Arguments),
			})
		}
	}

	hasTools := hasToolUse(blocks)
	usage := anthropicproto.Usage{}
	if cr.Usage != nil {
		in, out := deriveUsage(cr.Usage.PromptTokens, cr.Usage.CompletionTokens, cr.Usage.TotalTokens)
		usage.InputTokens = in
		usage.OutputTokens = out
		if d := cr.Usage.PromptTokensDetails; d != nil {
			usage.CacheReadInputTokens = d.CachedTokens
		}
	}

	return finishMessage(blocks, MapFinishReason(finish, hasTools), model, usage)
}

func responsesToMessage(rr openaiproto.ResponsesResponse, model string) anthropicproto.MessageResponse {
	var blocks []canonical.ContentBlock
	for _, item := range rr.Output {
		switch item.Type {
		case "message":
			var b strings.Builder
			for _, part := range item.Content {
				if part.Type == "output_text" || part.Type == "text" {
					b.WriteString(part.Text)
				}
			}
			if b.Len() > 0 {
				blocks = append(blocks, canonical.ContentBlock{Type: canonical.BlockText, Text: b.String()})
			}
		case "function_call":
			callID := item.CallID
			if callID == "" {
				callID = item.ID
			}
			if strings.TrimSpace(callID) == "" || strings.TrimSpace(item.Name) == "" {
				continue
			}
			blocks = append(blocks, canonical.ContentBlock{
				Type:  canonical.BlockToolUse,
				ID:    callID,
				Name:  item.Name,
				Input: ToolInputJSON(item.Arguments),
			})
		}
	}

	// Truncation wins over tool presence, matching MapFinishReason.
	stop := StopEndTurn
	if rr.Status == "incomplete" {
		stop = StopMaxTokens
	} else if hasToolUse(blocks) {
		stop = StopToolUse
	}

	usage := anthropicproto.Usage{}
	if rr.Usage != nil {
		in, out := deriveUsage(rr.Usage.InputTokens, rr.Usage.OutputTokens, rr.Usage.TotalTokens)
		usage.InputTokens = in
		usage.OutputTokens = out
		if d := rr.Usage.InputTokensDetails; d != nil {
			usage.CacheReadInputTokens = d.CachedTokens
		}
	}

	return finishMessage(blocks, stop, model, usage)
}

func finishMessage(blocks []canonical.ContentBlock, stop, model string, usage anthropicproto.Usage) anthropicproto.MessageResponse {
	if len(blocks) == 0 {
		blocks = []canonical.ContentBlock{{Type: canonical.BlockText, Text: ""}}
	}
	return anthropicproto.MessageResponse{
		ID:         "msg_" + uuid.NewString(),
		Type:       "message",
		Role:       "assistant",
		Model:      model,
		Content:    blocks,
		StopReason: stop,
		Usage:      usage,
	}
}

// ToolInputJSON parses opaque argument text into a JSON value. Text that is
// not valid JSON is wrapped rather than dropped.
func ToolInputJSON(args string) json.RawMessage {
	s := strings.TrimSpace(args)
	if s == "" {
		return json.RawMessage(`{}`)
	}
	if json.Valid([]byte(s)) {
		return json.RawMessage(s)
	}
	b, _ := json.Marshal(map[string]string{"_raw": args})
	return b
}

// MapFinishReason maps a backend finish reason to the client stop reason.
// The explicit signal wins; tool presence only upgrades a plain stop, so a
// truncated stream that happened to emit tool calls still reports
// max_tokens.
func MapFinishReason(finish string, hasToolCalls bool) string {
	switch strings.TrimSpace(finish) {
	case "tool_calls", "function_call":
		return StopToolUse
	case "length":
		return StopMaxTokens
	case "content_filter":
		return StopContentFilter
	default:
		if hasToolCalls {
			return StopToolUse
		}
		return StopEndTurn
	}
}

func chatContentText(v any) string {
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
		b, _ := json.Marshal(t)
		return string(b)
	}
}

func hasToolUse(blocks []canonical.ContentBlock) bool {
	for _, b := range blocks {
		if b.Type == canonical.BlockToolUse {
			return true
		}
	}
	return false
}

// deriveUsage fills in a missing side from the total when the backend only
// reported one of the two counts.
func deriveUsage(in, out, total int) (int, int) {
	if in == 0 && total > 0 && out > 0 && total >= out {
		in = total - out
	}
	if out == 0 && total > 0 && in > 0 && total >= in {
		out = total - in
	}
	return in, out
}
