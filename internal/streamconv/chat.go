package streamconv

import (
	"encoding/json"
	"fmt"

	openaiproto "claude-bridge/internal/proto/openai"
)

// ChatNormalizer maps chat-completions delta chunks to canonical updates.
// Tool fragments are keyed by the positional tool-call index: only the
// first fragment of a call carries the id, continuations carry the index
// alone, so the index is the stable handle across fragments.
type ChatNormalizer struct {
	synth int
}

func NewChatNormalizer() *ChatNormalizer { return &ChatNormalizer{} }

func (n *ChatNormalizer) Normalize(data string) ([]Update, error) {
	var chunk openaiproto.ChatCompletionsChunk
	if err := json.Unmarshal([]byte(data), &chunk); err != nil {
		return nil, fmt.Errorf("%w: chat chunk: %v", ErrEventTranslation, err)
	}

	var updates []Update
	if chunk.Usage != nil {
		updates = append(updates, Update{Kind: KindUsage, Usage: chatUsageOf(chunk.Usage)})
	}
	if len(chunk.Choices) == 0 {
		return updates, nil
	}

	c0 := chunk.Choices[0]
	if c0.Delta.Content != nil && *c0.Delta.Content != "" {
		updates = append(updates, Update{Kind: KindText, Text: *c0.Delta.Content})
	}
	for _, tc := range c0.Delta.ToolCalls {
		var key ToolKey
		switch {
		case tc.Index != nil:
			key = KeyFromIndex(*tc.Index)
		case tc.ID != "":
			key = KeyFromID(tc.ID)
		default:
			key = KeyFromSynthetic(n.synth)
			n.synth++
		}
		updates = append(updates, Update{Kind: KindToolCall, Tool: ToolFragment{
			Key:  key,
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: tc.Function.Arguments,
		}})
	}
	if c0.FinishReason != nil && *c0.FinishReason != "" {
		updates = append(updates, Update{Kind: KindCompletion, Finish: *c0.FinishReason})
	}
	return updates, nil
}

func chatUsageOf(u *openaiproto.ChatUsage) *Usage {
	out := &Usage{InputTokens: u.PromptTokens, OutputTokens: u.CompletionTokens}
	if out.InputTokens == 0 && u.TotalTokens > 0 && out.OutputTokens > 0 && u.TotalTokens >= out.OutputTokens {
		out.InputTokens = u.TotalTokens - out.OutputTokens
	}
	if out.OutputTokens == 0 && u.TotalTokens > 0 && out.InputTokens > 0 && u.TotalTokens >= out.InputTokens {
		out.OutputTokens = u.TotalTokens - out.InputTokens
	}
	if d := u.PromptTokensDetails; d != nil {
		out.CachedInputTokens = d.CachedTokens
	}
	return out
}
