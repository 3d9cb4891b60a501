package modelmap

import "testing"

func TestResolveExplicitAlias(t *testing.T) {
	m := New(map[string]string{"claude-3-5-haiku-latest": "gpt-4o-mini"}, nil, "gpt-4o")
	if got := m.Resolve("claude-3-5-HAIKU-latest"); got != "gpt-4o-mini" {
		t.Fatalf("alias resolve = %q", got)
	}
}

func TestResolveTierScoring(t *testing.T) {
	deployments := []string{"gpt-4o", "gpt-4o-mini", "o3-mini"}
	m := New(nil, deployments, "gpt-4o")

	cases := []struct {
		model string
		want  string
	}{
		{"claude-3-5-haiku-20241022", "gpt-4o-mini"},
		{"claude-sonnet-4-20250514", "gpt-4o"},
		{"claude-opus-4-20250514", "gpt-4o"},
		{"", "gpt-4o"},
		{"totally-unknown", "gpt-4o"},
	}
	for _, c := range cases {
		if got := m.Resolve(c.model); got != c.want {
			t.Errorf("Resolve(%q) = %q, want %q", c.model, got, c.want)
		}
	}
}

func TestModelsListing(t *testing.T) {
	m := New(map[string]string{"claude-sonnet-4": "gpt-4o"}, []string{"gpt-4o", "o3-mini"}, "gpt-4o")
	got := m.Models()
	want := []string{"claude-sonnet-4", "gpt-4o", "o3-mini"}
	if len(got) != len(want) {
		t.Fatalf("Models() = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Models()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestIsReasoningFamily(t *testing.T) {
	yes := []string{"o1", "o3-mini", "o4-mini", "gpt-5-codex", "gpt-5"}
	no := []string{"gpt-4o", "gpt-4o-mini", "o37", "gpt-4.1", "sonnet"}
	for _, d := range yes {
		if !IsReasoningFamily(d) {
			t.Errorf("IsReasoningFamily(%q) = false", d)
		}
	}
	for _, d := range no {
		if IsReasoningFamily(d) {
			t.Errorf("IsReasoningFamily(%q) = true", d)
		}
	}
}
