package tokencount

import (
	"encoding/json"
	"testing"

	"github.com/tiktoken-go/tokenizer"

	"claude-bridge/internal/canonical"
)

func TestEncodingFor(t *testing.T) {
	cases := map[string]tokenizer.Encoding{
		"gpt-4o":       tokenizer.O200kBase,
		"gpt-4o-mini":  tokenizer.O200kBase,
		"o3-mini":      tokenizer.O200kBase,
		"gpt-5-codex":  tokenizer.O200kBase,
		"gpt-4-turbo":  tokenizer.Cl100kBase,
		"gpt-35-turbo": tokenizer.Cl100kBase,
	}
	for dep, want := range cases {
		if got := encodingFor(dep); got != want {
			t.Errorf("encodingFor(%q) = %v, want %v", dep, got, want)
		}
	}
}

func TestCountGrowsWithContent(t *testing.T) {
	c := New()
	short := canonical.Request{
		Messages: []canonical.Message{{Role: "user", Blocks: []canonical.ContentBlock{
			{Type: canonical.BlockText, Text: "hi"},
		}}},
	}
	long := canonical.Request{
		System: "You are a meticulous assistant.",
		Messages: []canonical.Message{{Role: "user", Blocks: []canonical.ContentBlock{
			{Type: canonical.BlockText, Text: "Please summarize the quarterly report in three bullet points."},
		}}},
		Tools: []canonical.Tool{{
			Name:        "lookup",
			Description: "Look up a record by id",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"id":{"type":"string"}}}`),
		}},
	}

	a, err := c.Count(short, "gpt-4o")
	if err != nil {
		t.Fatal(err)
	}
	b, err := c.Count(long, "gpt-4o")
	if err != nil {
		t.Fatal(err)
	}
	if a <= 0 {
		t.Fatalf("short count = %d", a)
	}
	if b <= a {
		t.Fatalf("long count %d not greater than short count %d", b, a)
	}
}

func TestCountChargesAttachments(t *testing.T) {
	c := New()
	withImage := canonical.Request{
		Messages: []canonical.Message{{Role: "user", Blocks: []canonical.ContentBlock{
			{Type: canonical.BlockText, Text: "what is this"},
			{Type: canonical.BlockImage, Source: map[string]any{"type": "base64"}},
		}}},
	}
	without := canonical.Request{
		Messages: []canonical.Message{{Role: "user", Blocks: []canonical.ContentBlock{
			{Type: canonical.BlockText, Text: "what is this"},
		}}},
	}
	a, err := c.Count(withImage, "gpt-4o")
	if err != nil {
		t.Fatal(err)
	}
	b, err := c.Count(without, "gpt-4o")
	if err != nil {
		t.Fatal(err)
	}
	if a <= b {
		t.Fatalf("image request %d should cost more than text-only %d", a, b)
	}
}
