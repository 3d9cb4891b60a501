// Package modelmap resolves client-facing model names to backend deployment
// names. The table is built once at startup and is read-only afterwards, so
// it is safe to share across requests.
package modelmap

import (
	"sort"
	"strings"
)

type Map struct {
	// Explicit alias -> deployment overrides, checked first.
	aliases map[string]string

	// Deployments eligible for tier scoring when no alias matches.
	deployments []string

	// Fallback when nothing scores.
	defaultDeployment string
}

func New(aliases map[string]string, deployments []string, def string) *Map {
	m := &Map{
		aliases:           make(map[string]string, len(aliases)),
		deployments:       append([]string(nil), deployments...),
		defaultDeployment: def,
	}
	for k, v := range aliases {
		k = strings.ToLower(strings.TrimSpace(k))
		v = strings.TrimSpace(v)
		if k != "" && v != "" {
			m.aliases[k] = v
		}
	}
	return m
}

// Resolve maps a client model name to a backend deployment. Explicit aliases
// win; otherwise deployments are scored by size-tier substrings and the best
// match is returned, falling back to the configured default.
func (m *Map) Resolve(model string) string {
	alias := strings.ToLower(strings.TrimSpace(model))
	if alias == "" {
		return m.defaultDeployment
	}
	if d, ok := m.aliases[alias]; ok {
		return d
	}
	if d := pickDeploymentForAlias(m.deployments, alias); d != "" {
		return d
	}
	return m.defaultDeployment
}

// Models lists every client-facing name the map knows, sorted, for the
// model listing endpoint.
func (m *Map) Models() []string {
	seen := make(map[string]bool, len(m.aliases)+len(m.deployments))
	for k := range m.aliases {
		seen[k] = true
	}
	for _, d := range m.deployments {
		if d != "" {
			seen[strings.ToLower(d)] = true
		}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func pickDeploymentForAlias(deployments []string, alias string) string {
	if alias == "" || len(deployments) == 0 {
		return ""
	}
	isSmall := strings.Contains(alias, "small") || strings.Contains(alias, "haiku") || strings.Contains(alias, "fast")

	best := ""
	bestScore := 0
	found := false

	scoreOf := func(id string) int {
		s := strings.ToLower(id)
		score := 0
		if isSmall {
			if strings.Contains(s, "haiku") {
				score += 6
			}
			if strings.Contains(s, "mini") || strings.Contains(s, "small") {
				score += 5
			}
			if strings.Contains(s, "flash") || strings.Contains(s, "lite") {
				score += 4
			}
			if strings.Contains(s, "nano") {
				score += 3
			}
			if strings.Contains(s, "sonnet") || strings.Contains(s, "opus") {
				score -= 3
			}
		} else {
			if strings.Contains(s, "sonnet") {
				score += 6
			}
			if strings.Contains(s, "opus") {
				score += 5
			}
			if strings.Contains(s, "gpt-5") || strings.Contains(s, "gpt-4") {
				score += 4
			}
			if strings.Contains(s, "reasoner") || strings.Contains(s, "thinking") {
				score += 2
			}
			if strings.Contains(s, "haiku") || strings.Contains(s, "mini") || strings.Contains(s, "flash") || strings.Contains(s, "lite") || strings.Contains(s, "nano") {
				score -= 3
			}
		}
		return score
	}

	for _, id := range deployments {
		if id == "" {
			continue
		}
		sc := scoreOf(id)
		if sc <= 0 {
			continue
		}
		if !found || sc > bestScore || (sc == bestScore && id < best) {
			best = id
			bestScore = sc
			found = true
		}
	}
	return best
}

// Reasoning-model deployments take max_completion_tokens / max_output_tokens
// instead of max_tokens and reject temperature overrides.
var reasoningPrefixes = []string{"o1", "o3", "o4", "gpt-5", "codex"}

func IsReasoningFamily(deployment string) bool {
	s := strings.ToLower(strings.TrimSpace(deployment))
	for _, p := range reasoningPrefixes {
		if s == p || strings.HasPrefix(s, p+"-") || strings.HasPrefix(s, p+".") {
			return true
		}
	}
	return false
}
