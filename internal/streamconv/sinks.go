package streamconv

import (
	"io"
	"time"
)

// AnthropicSink writes Anthropic-style named SSE events. The stream end is
// implicit, so Done is a no-op.
type AnthropicSink struct {
	w     io.Writer
	msgID string
	model string
}

func NewAnthropicSink(w io.Writer, msgID, model string) *AnthropicSink {
	return &AnthropicSink{w: w, msgID: msgID, model: model}
}

func (s *AnthropicSink) write(name string, data any) error {
	if err := writeNamedEvent(s.w, name, data); err != nil {
		return err
	}
	flushIfPossible(s.w)
	return nil
}

func (s *AnthropicSink) MessageStart(u Usage) error {
	return s.write("message_start", map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":            s.msgID,
			"type":          "message",
			"role":          "assistant",
			"content":       []any{},
			"model":         s.model,
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage": map[string]any{
				"input_tokens":  u.InputTokens,
				"output_tokens": u.OutputTokens,
			},
		},
	})
}

func (s *AnthropicSink) TextBlockStart(slot int) error {
	return s.write("content_block_start", map[string]any{
		"type":  "content_block_start",
		"index": slot,
		"content_block": map[string]any{
			"type": "text",
			"text": "",
		},
	})
}

func (s *AnthropicSink) TextDelta(slot int, text string) error {
	return s.write("content_block_delta", map[string]any{
		"type":  "content_block_delta",
		"index": slot,
		"delta": map[string]any{
			"type": "text_delta",
			"text": text,
		},
	})
}

func (s *AnthropicSink) ToolBlockStart(slot int, id, name string) error {
	return s.write("content_block_start", map[string]any{
		"type":  "content_block_start",
		"index": slot,
		"content_block": map[string]any{
			"type":  "tool_use",
			"id":    id,
			"name":  name,
			"input": map[string]any{},
		},
	})
}

func (s *AnthropicSink) ToolArgsDelta(slot int, fragment string) error {
	return s.write("content_block_delta", map[string]any{
		"type":  "content_block_delta",
		"index": slot,
		"delta": map[string]any{
			"type":         "input_json_delta",
			"partial_json": fragment,
		},
	})
}

func (s *AnthropicSink) BlockStop(slot int) error {
	return s.write("content_block_stop", map[string]any{
		"type":  "content_block_stop",
		"index": slot,
	})
}

func (s *AnthropicSink) MessageDelta(stopReason string, u Usage) error {
	usage := map[string]any{"output_tokens": u.OutputTokens}
	if u.InputTokens > 0 {
		usage["input_tokens"] = u.InputTokens
	}
	if u.CachedInputTokens > 0 {
		usage["cache_read_input_tokens"] = u.CachedInputTokens
	}
	return s.write("message_delta", map[string]any{
		"type": "message_delta",
		"delta": map[string]any{
			"stop_reason":   stopReason,
			"stop_sequence": nil,
		},
		"usage": usage,
	})
}

func (s *AnthropicSink) MessageStop() error {
	return s.write("message_stop", map[string]any{"type": "message_stop"})
}

func (s *AnthropicSink) Done() error { return nil }

// ChatChunkSink writes chat.completion.chunk frames for the
// OpenAI-compatible surface, ending with the [DONE] sentinel. Text and
// block lifecycles have no frames of their own in this protocol, so block
// start/stop map to no-ops except for the initial tool_calls entry.
type ChatChunkSink struct {
	w       io.Writer
	chunkID string
	model   string
	created int64

	toolIDBySlot map[int]string
}

func NewChatChunkSink(w io.Writer, chunkID, model string) *ChatChunkSink {
	return &ChatChunkSink{
		w:            w,
		chunkID:      chunkID,
		model:        model,
		created:      time.Now().Unix(),
		toolIDBySlot: make(map[int]string),
	}
}

func (s *ChatChunkSink) chunk(delta map[string]any, finish any, usage map[string]any) error {
	body := map[string]any{
		"id":      s.chunkID,
		"object":  "chat.completion.chunk",
		"created": s.created,
		"model":   s.model,
		"choices": []any{map[string]any{
			"index":         0,
			"delta":         delta,
			"finish_reason": finish,
		}},
	}
	if usage != nil {
		body["usage"] = usage
	}
	if err := writeDataEvent(s.w, body); err != nil {
		return err
	}
	flushIfPossible(s.w)
	return nil
}

func (s *ChatChunkSink) MessageStart(Usage) error {
	return s.chunk(map[string]any{"role": "assistant"}, nil, nil)
}

func (s *ChatChunkSink) TextBlockStart(int) error { return nil }

func (s *ChatChunkSink) TextDelta(_ int, text string) error {
	return s.chunk(map[string]any{"content": text}, nil, nil)
}

func (s *ChatChunkSink) ToolBlockStart(slot int, id, name string) error {
	s.toolIDBySlot[slot] = id
	return s.chunk(map[string]any{
		"tool_calls": []any{map[string]any{
			"index": slot - 1,
			"id":    id,
			"type":  "function",
			"function": map[string]any{
				"name":      name,
				"arguments": "",
			},
		}},
	}, nil, nil)
}

func (s *ChatChunkSink) ToolArgsDelta(slot int, fragment string) error {
	return s.chunk(map[string]any{
		"tool_calls": []any{map[string]any{
			"index": slot - 1,
			"id":    s.toolIDBySlot[slot],
			"type":  "function",
			"function": map[string]any{
				"arguments": fragment,
			},
		}},
	}, nil, nil)
}

func (s *ChatChunkSink) BlockStop(int) error { return nil }

func (s *ChatChunkSink) MessageDelta(stopReason string, u Usage) error {
	var usage map[string]any
	if u.InputTokens > 0 || u.OutputTokens > 0 {
		usage = map[string]any{
			"prompt_tokens":     u.InputTokens,
			"completion_tokens": u.OutputTokens,
			"total_tokens":      u.InputTokens + u.OutputTokens,
		}
	}
	return s.chunk(map[string]any{}, chatFinishOf(stopReason), usage)
}

func (s *ChatChunkSink) MessageStop() error { return nil }

func (s *ChatChunkSink) Done() error {
	if _, err := s.w.Write([]byte("data: [DONE]\n\n")); err != nil {
		return err
	}
	flushIfPossible(s.w)
	return nil
}

func chatFinishOf(stopReason string) string {
	switch stopReason {
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	case "content_filter":
		return "content_filter"
	default:
		return "stop"
	}
}
