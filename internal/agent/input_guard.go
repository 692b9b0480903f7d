package agent

import "regexp"

// InputGuard scans incoming user messages for common prompt-injection
// phrasing before they reach the LLM. It is a coarse heuristic, not a
// security boundary — matches are logged/blocked per InjectionAction, not
// silently stripped.
type InputGuard struct {
	patterns []namedPattern
}

type namedPattern struct {
	name string
	re   *regexp.Regexp
}

// NewInputGuard builds an InputGuard with the default pattern set.
func NewInputGuard() *InputGuard {
	return &InputGuard{patterns: defaultInjectionPatterns()}
}

// Scan returns the names of patterns that matched msg, or nil if none did.
func (g *InputGuard) Scan(msg string) []string {
	if g == nil || msg == "" {
		return nil
	}
	var matches []string
	for _, p := range g.patterns {
		if p.re.MatchString(msg) {
			matches = append(matches, p.name)
		}
	}
	return matches
}

func defaultInjectionPatterns() []namedPattern {
	raw := map[string]string{
		"ignore_instructions":  `(?i)ignore\s+(all\s+)?(previous|prior|above)\s+instructions`,
		"disregard_system":     `(?i)disregard\s+(the\s+)?system\s+prompt`,
		"reveal_system_prompt": `(?i)(reveal|print|show|repeat)\s+(your\s+)?(system\s+prompt|instructions)`,
		"act_as_dan":           `(?i)\bDAN\b.{0,20}(mode|jailbreak)`,
		"pretend_no_rules":     `(?i)pretend\s+you\s+have\s+no\s+(rules|restrictions|guidelines)`,
		"developer_override":   `(?i)(developer|admin|root)\s+mode\s+(enabled|activated|override)`,
	}
	patterns := make([]namedPattern, 0, len(raw))
	for name, expr := range raw {
		patterns = append(patterns, namedPattern{name: name, re: regexp.MustCompile(expr)})
	}
	return patterns
}
