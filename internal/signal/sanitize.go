// Package signal implements the SignalDetector (spec §4.3): a pure,
// model-free pattern matcher over user/assistant text producing tentative
// category/importance signals, plus the small-talk gate and the
// sensitive-string screen used by extraction validation. Patterns are
// data, not code — the rule table in patterns.go is additive for new
// locales and categories.
package signal

import (
	"regexp"
	"strings"
)

// injectedTagRe strips memory-injection tags and framework blocks that an
// agent runtime may have spliced into the conversation. The inner text of
// a cortex_memory block is recalled context, never new signal.
// RE2 has no backreferences, so open/close names are matched by the same
// alternation rather than pairing; good enough for stripping, since the
// block names never nest inside one another in practice.
var injectedTagRe = regexp.MustCompile(
	`(?s)<(cortex_memory|system|context|memory|tool_result|tool_call|thinking)(\s[^>]*)?>` +
		`.*?` +
		`</(cortex_memory|system|context|memory|tool_result|tool_call|thinking)>`)

// roleMarkerRe drops lines that are pure role markers ("user:",
// "assistant:", "Human:", "AI:"), which carry framing, not content.
var roleMarkerRe = regexp.MustCompile(`(?mi)^\s*(user|assistant|human|ai|system)\s*[:：]\s*$`)

// metadataPrefixes are plain-text framework prefixes stripped from the
// start of lines before matching.
var metadataPrefixes = []string{
	"[context]", "[memory]", "[system]", "[metadata]",
	"（记忆）", "【记忆】", "【系统】",
}

// Sanitize removes injected tags, role-marker lines, and known metadata
// prefixes so patterns run against what the speaker actually said.
func Sanitize(text string) string {
	if text == "" {
		return ""
	}
	text = injectedTagRe.ReplaceAllString(text, " ")
	text = roleMarkerRe.ReplaceAllString(text, "")

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		lower := strings.ToLower(trimmed)
		for _, prefix := range metadataPrefixes {
			if strings.HasPrefix(lower, strings.ToLower(prefix)) {
				trimmed = strings.TrimSpace(trimmed[len(prefix):])
				break
			}
		}
		lines[i] = trimmed
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
