package streamconv

import (
	"encoding/json"
	"fmt"

	openaiproto "claude-bridge/internal/proto/openai"
)

// ResponsesNormalizer maps event-typed responses-protocol frames to
// canonical updates. Argument deltas reference the item id, not the call
// id, so the item-to-call correlation recorded at output_item.added is kept
// per instance. One instance serves exactly one stream.
type ResponsesNormalizer struct {
	callIDByItem map[string]string
	surfaced     map[string]bool
	synth        int
}

func NewResponsesNormalizer() *ResponsesNormalizer {
	return &ResponsesNormalizer{
		callIDByItem: make(map[string]string),
		surfaced:     make(map[string]bool),
	}
}

func (n *ResponsesNormalizer) Normalize(data string) ([]Update, error) {
	var ev openaiproto.ResponsesStreamEvent
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		return nil, fmt.Errorf("%w: responses event: %v", ErrEventTranslation, err)
	}

	switch ev.Type {
	case "response.output_item.added":
		if ev.Item == nil || ev.Item.Type != "function_call" {
			return nil, nil
		}
		return []Update{n.callFragment(*ev.Item)}, nil

	case "response.output_text.delta", "response.reasoning_summary_text.delta":
		if ev.Delta == "" {
			return nil, nil
		}
		return []Update{{Kind: KindText, Text: ev.Delta}}, nil

	case "response.function_call_arguments.delta", "response.output_item.delta":
		if ev.Delta == "" {
			return nil, nil
		}
		callID := n.resolve(ev.ItemID)
		return []Update{{Kind: KindToolCall, Tool: ToolFragment{
			Key:  KeyFromID(callID),
			ID:   callID,
			Args: ev.Delta,
		}}}, nil

	case "response.completed":
		return n.completed(ev.Response), nil

	default:
		// Unrecognized event types are ignored.
		return nil, nil
	}
}

func (n *ResponsesNormalizer) callFragment(item openaiproto.OutputItem) Update {
	callID := item.CallID
	if callID == "" {
		callID = item.ID
	}
	if callID == "" {
		callID = fmt.Sprintf("call_synthetic_%d", n.synth)
		n.synth++
	}
	if item.ID != "" {
		n.callIDByItem[item.ID] = callID
	}
	n.surfaced[callID] = true
	return Update{Kind: KindToolCall, Tool: ToolFragment{
		Key:  KeyFromID(callID),
		ID:   callID,
		Name: item.Name,
		Args: item.Arguments,
	}}
}

func (n *ResponsesNormalizer) resolve(itemID string) string {
	if callID, ok := n.callIDByItem[itemID]; ok {
		return callID
	}
	if itemID != "" {
		return itemID
	}
	return "call_unresolved"
}

// completed surfaces any function call present in the final output that no
// incremental event carried, then emits the completion itself.
func (n *ResponsesNormalizer) completed(resp *openaiproto.ResponsesResponse) []Update {
	var updates []Update
	anyCalls := len(n.surfaced) > 0
	if resp != nil {
		for _, item := range resp.Output {
			if item.Type != "function_call" {
				continue
			}
			anyCalls = true
			callID := item.CallID
			if callID == "" {
				callID = item.ID
			}
			if callID == "" || n.surfaced[callID] {
				continue
			}
			updates = append(updates, n.callFragment(item))
		}
	}

	finish := "stop"
	if anyCalls {
		finish = "tool_calls"
	}
	done := Update{Kind: KindCompletion, Finish: finish}
	if resp != nil && resp.Usage != nil {
		u := &Usage{InputTokens: resp.Usage.InputTokens, OutputTokens: resp.Usage.OutputTokens}
		if u.OutputTokens == 0 && resp.Usage.TotalTokens > 0 && u.InputTokens > 0 && resp.Usage.TotalTokens >= u.InputTokens {
			u.OutputTokens = resp.Usage.TotalTokens - u.InputTokens
		}
		if d := resp.Usage.InputTokensDetails; d != nil {
			u.CachedInputTokens = d.CachedTokens
		}
		done.Usage = u
	}
	return append(updates, done)
}
