package streamconv

import (
	"claude-bridge/internal/canonical"
	anthropicproto "claude-bridge/internal/proto/anthropic"
)

// Synthesize replays a complete message through the bridge as a one-shot
// update sequence, so a non-streaming backend call can satisfy a streaming
// client with the same block-lifecycle guarantees.
func Synthesize(b *Bridge, msg anthropicproto.MessageResponse) error {
	for _, u := range SynthesizedUpdates(msg) {
		if err := b.Push(u); err != nil {
			return err
		}
	}
	return b.Finish()
}

// SynthesizedUpdates flattens a complete message into canonical updates:
// one text fragment with the full text, one whole-arguments fragment per
// tool call, then the completion.
func SynthesizedUpdates(msg anthropicproto.MessageResponse) []Update {
	updates := []Update{{Kind: KindUsage, Usage: &Usage{
		InputTokens:       msg.Usage.InputTokens,
		OutputTokens:      msg.Usage.OutputTokens,
		CachedInputTokens: msg.Usage.CacheReadInputTokens,
	}}}

	for _, blk := range msg.Content {
		switch blk.Type {
		case canonical.BlockText:
			if blk.Text != "" {
				updates = append(updates, Update{Kind: KindText, Text: blk.Text})
			}
		case canonical.BlockToolUse:
			updates = append(updates, Update{Kind: KindToolCall, Tool: ToolFragment{
				Key:  KeyFromID(blk.ID),
				ID:   blk.ID,
				Name: blk.Name,
				Args: string(blk.Input),
			}})
		}
	}

	return append(updates, Update{Kind: KindCompletion, Finish: finishSignalOf(msg.StopReason)})
}

func finishSignalOf(stopReason string) string {
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
