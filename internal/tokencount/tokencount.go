// Package tokencount estimates prompt token usage for count_tokens calls
// without a backend round trip.
package tokencount

import (
	"fmt"
	"strings"
	"sync"

	"github.com/tiktoken-go/tokenizer"

	"claude-bridge/internal/canonical"
)

// Tokens charged per message beyond its text, covering role and framing
// overhead in the upstream chat encoding.
const perMessageOverhead = 4

type Counter struct {
	mu     sync.Mutex
	codecs map[tokenizer.Encoding]tokenizer.Codec
}

func New() *Counter {
	return &Counter{codecs: make(map[tokenizer.Encoding]tokenizer.Codec)}
}

func (c *Counter) codec(enc tokenizer.Encoding) (tokenizer.Codec, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cd, ok := c.codecs[enc]; ok {
		return cd, nil
	}
	cd, err := tokenizer.Get(enc)
	if err != nil {
		return nil, fmt.Errorf("tokencount: load %s: %w", enc, err)
	}
	c.codecs[enc] = cd
	return cd, nil
}

// encodingFor maps a resolved deployment name to its vocabulary. The o-series
// and gpt-4o/gpt-5 families use o200k; older deployments use cl100k.
func encodingFor(deployment string) tokenizer.Encoding {
	d := strings.ToLower(deployment)
	for _, p := range []string{"gpt-4o", "gpt-5", "o1", "o3", "o4", "codex", "chatgpt-4o"} {
		if d == p || strings.HasPrefix(d, p+"-") || strings.HasPrefix(d, p+".") {
			return tokenizer.O200kBase
		}
	}
	return tokenizer.Cl100kBase
}

// Count estimates the input token total for a canonical request against the
// given deployment. Tool schemas and non-text blocks are counted by their
// serialized form, which tracks what the backend actually receives.
func (c *Counter) Count(req canonical.Request, deployment string) (int, error) {
	cd, err := c.codec(encodingFor(deployment))
	if err != nil {
		return 0, err
	}

	total := 0
	if req.System != "" {
		ids, _, err := cd.Encode(req.System)
		if err != nil {
			return 0, fmt.Errorf("tokencount: encode system: %w", err)
		}
		total += len(ids) + perMessageOverhead
	}
	for _, msg := range req.Messages {
		total += perMessageOverhead
		for _, blk := range msg.Blocks {
			ids, _, err := cd.Encode(blockText(blk))
			if err != nil {
				return 0, fmt.Errorf("tokencount: encode block: %w", err)
			}
			total += len(ids)
		}
	}
	for _, tool := range req.Tools {
		text := tool.Name + " " + tool.Description + " " + string(tool.InputSchema)
		ids, _, err := cd.Encode(text)
		if err != nil {
			return 0, fmt.Errorf("tokencount: encode tool: %w", err)
		}
		total += len(ids) + perMessageOverhead
	}
	return total, nil
}

func blockText(blk canonical.ContentBlock) string {
	switch blk.Type {
	case canonical.BlockText:
		return blk.Text
	case canonical.BlockThinking:
		return blk.Thinking
	case canonical.BlockToolUse:
		return blk.Name + string(blk.Input)
	case canonical.BlockToolResult:
		return string(blk.Content)
	case canonical.BlockImage, canonical.BlockDocument:
		// Flat charge per attachment; actual vision accounting is backend side.
		return strings.Repeat("x", 340)
	default:
		return ""
	}
}
