package signal

import (
	"strings"
	"unicode/utf8"

	"github.com/rikouu/cortex/internal/types"
)

// Signal is one tentative extraction produced without a model call.
type Signal struct {
	Category   types.Category
	Content    string
	Importance float64
	Confidence float64
	RuleName   string
	FromUser   bool
}

// Detector runs the pattern table over a sanitized exchange. It is pure:
// no I/O, no state beyond the compiled tables.
type Detector struct {
	userRules      []Rule
	assistantRules []Rule
	smallTalk      *smallTalkMatcher
}

// NewDetector builds a Detector with the built-in rule tables.
func NewDetector() *Detector {
	return &Detector{
		userRules:      userRules,
		assistantRules: assistantRules,
		smallTalk:      newSmallTalkMatcher(),
	}
}

// Detect sanitizes both sides and runs user rules against user text and
// agent_* rules against assistant text. For each rule, the first matching
// pattern produces exactly one signal (spec §4.3).
func (d *Detector) Detect(user, assistant string) []Signal {
	user = Sanitize(user)
	assistant = Sanitize(assistant)

	var out []Signal
	for _, rule := range d.userRules {
		if sig, ok := matchRule(rule, user, true); ok {
			out = append(out, sig)
		}
	}
	for _, rule := range d.assistantRules {
		if sig, ok := matchRule(rule, assistant, false); ok {
			out = append(out, sig)
		}
	}
	return out
}

// IsSmallTalk reports whether query is a greeting/ack not worth a
// retrieval round trip (spec §4.7 step 2): very short, or in the closed
// greeting list for en/zh/ja.
func (d *Detector) IsSmallTalk(query string) bool {
	trimmed := strings.TrimSpace(query)
	if utf8.RuneCountInString(trimmed) < 2 {
		return true
	}
	return d.smallTalk.matches(trimmed)
}

func matchRule(rule Rule, text string, fromUser bool) (Signal, bool) {
	if text == "" {
		return Signal{}, false
	}
	for _, re := range rule.Patterns {
		loc := re.FindStringIndex(text)
		if loc == nil {
			continue
		}
		return Signal{
			Category:   rule.Category,
			Content:    surroundingSentence(text, loc[0], loc[1]),
			Importance: rule.Importance,
			Confidence: signalConfidence,
			RuleName:   rule.Name,
			FromUser:   fromUser,
		}, true
	}
	return Signal{}, false
}

// sentence boundary runes (spec §4.3).
func isSentenceBoundary(r rune) bool {
	switch r {
	case '。', '！', '？', '\n', '.', '!', '?':
		return true
	}
	return false
}

const (
	maxSentenceRunes = 300
	fallbackBefore   = 50
	fallbackAfter    = 200
)

// surroundingSentence extracts the sentence containing [start,end),
// bounded by CJK/Latin sentence terminators, capped at ~300 runes. When
// the sentence would exceed the cap, it falls back to a window of −50/+200
// runes around the match.
func surroundingSentence(text string, start, end int) string {
	runes := []rune(text)
	rStart := utf8.RuneCountInString(text[:start])
	rEnd := utf8.RuneCountInString(text[:end])

	sentStart := rStart
	for sentStart > 0 && !isSentenceBoundary(runes[sentStart-1]) {
		sentStart--
	}
	sentEnd := rEnd
	for sentEnd < len(runes) && !isSentenceBoundary(runes[sentEnd]) {
		sentEnd++
	}
	if sentEnd < len(runes) {
		sentEnd++ // include the terminator
	}

	if sentEnd-sentStart > maxSentenceRunes {
		sentStart = rStart - fallbackBefore
		if sentStart < 0 {
			sentStart = 0
		}
		sentEnd = rEnd + fallbackAfter
		if sentEnd > len(runes) {
			sentEnd = len(runes)
		}
	}
	return strings.TrimSpace(string(runes[sentStart:sentEnd]))
}
