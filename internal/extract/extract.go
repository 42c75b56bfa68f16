// Package extract models the untrusted JSON an extraction LLM call returns
// (spec §9 "dynamic typing of extraction payloads"). Parsing is tolerant —
// fenced blocks, prose around the object, legacy array form — and
// validation at this boundary rejects everything outside the closed
// vocabularies, so downstream code only ever sees validated records.
package extract

import (
	"encoding/json"
	"strings"
	"unicode/utf8"

	"github.com/rikouu/cortex/internal/signal"
	"github.com/rikouu/cortex/internal/types"
	"github.com/rikouu/cortex/internal/vocab"
)

// Memory is one candidate memory from an extraction response, before
// validation.
type Memory struct {
	Content    string  `json:"content"`
	Category   string  `json:"category"`
	Importance float64 `json:"importance"`
	Source     string  `json:"source"`
	Reasoning  string  `json:"reasoning,omitempty"`
}

// Relation is one candidate (subject, predicate, object) triple from an
// extraction response.
type Relation struct {
	Subject    string  `json:"subject"`
	Predicate  string  `json:"predicate"`
	Object     string  `json:"object"`
	Confidence float64 `json:"confidence"`
	Expired    bool    `json:"expired,omitempty"`
}

// response is the strict JSON object the extraction prompts request.
type response struct {
	Memories         []Memory   `json:"memories"`
	Relations        []Relation `json:"relations"`
	NothingExtracted bool       `json:"nothing_extracted"`
}

// Kind tags a parse outcome.
type Kind int

const (
	// Ok carries a well-formed payload with at least one memory or
	// relation.
	Ok Kind = iota
	// Empty means the model explicitly said nothing_extracted, or the
	// object held no items.
	Empty
	// Malformed means no parseable payload was found.
	Malformed
)

// Parsed is the tagged sum of an extraction parse: Ok(memories, relations)
// | Empty | Malformed.
type Parsed struct {
	Kind      Kind
	Memories  []Memory
	Relations []Relation
}

// Parse tolerantly extracts the response object from raw LLM output:
// fenced ```json blocks first, then the first balanced object containing
// "memories", then a legacy bare-array fallback, else Malformed.
func Parse(raw string) Parsed {
	text := stripFences(raw)

	if obj := firstBalancedObject(text); obj != "" {
		var r response
		if err := json.Unmarshal([]byte(obj), &r); err == nil {
			if r.NothingExtracted || (len(r.Memories) == 0 && len(r.Relations) == 0) {
				return Parsed{Kind: Empty}
			}
			return Parsed{Kind: Ok, Memories: r.Memories, Relations: r.Relations}
		}
	}

	// Legacy fallback: a bare JSON array of memory objects.
	if start := strings.Index(text, "["); start >= 0 {
		if end := strings.LastIndex(text, "]"); end > start {
			var memories []Memory
			if err := json.Unmarshal([]byte(text[start:end+1]), &memories); err == nil {
				if len(memories) == 0 {
					return Parsed{Kind: Empty}
				}
				return Parsed{Kind: Ok, Memories: memories}
			}
		}
	}

	return Parsed{Kind: Malformed}
}

func stripFences(text string) string {
	text = strings.ReplaceAll(text, "```json", "")
	text = strings.ReplaceAll(text, "```", "")
	return strings.TrimSpace(text)
}

// firstBalancedObject returns the first balanced {...} containing the key
// "memories", tracking strings and escapes so braces inside values don't
// break the count.
func firstBalancedObject(text string) string {
	searchFrom := 0
	for searchFrom < len(text) {
		start := strings.Index(text[searchFrom:], "{")
		if start == -1 {
			return ""
		}
		start += searchFrom

		candidate, end := balancedObjectAt(text, start)
		if candidate == "" {
			return "" // unbalanced to end of text
		}
		if strings.Contains(candidate, `"memories"`) {
			return candidate
		}
		searchFrom = end
	}
	return ""
}

// balancedObjectAt scans the object opening at start, returning the
// balanced slice and the index just past it, or "" when unbalanced.
func balancedObjectAt(text string, start int) (string, int) {
	depth := 0
	inString := false
	escape := false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if escape {
			escape = false
			continue
		}
		if ch == '\\' {
			escape = true
			continue
		}
		if ch == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}
		switch ch {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1], i + 1
			}
		}
	}
	return "", len(text)
}

// ValidateMemory checks one candidate against the closed vocabularies:
// content ≥ 3 chars, category LLM-extractable, importance in [0,1], source
// in the closed set (defaulting to user_implied when absent), and no
// sensitive strings.
func ValidateMemory(m Memory) (types.Category, types.ExtractionSource, bool) {
	if utf8.RuneCountInString(strings.TrimSpace(m.Content)) < 3 {
		return "", "", false
	}
	category := types.Category(strings.TrimSpace(strings.ToLower(m.Category)))
	if !vocab.IsLLMExtractableCategory(category) {
		return "", "", false
	}
	if m.Importance < 0 || m.Importance > 1 {
		return "", "", false
	}
	source := types.ExtractionSource(strings.TrimSpace(m.Source))
	if source == "" {
		source = types.SourceUserImplied
	}
	if !vocab.IsValidExtractionSource(source) {
		return "", "", false
	}
	if signal.ContainsSensitive(m.Content) {
		return "", "", false
	}
	return category, source, true
}

// ValidateMemoryExtended is ValidateMemory with the full category set
// allowed, including the system-internal context/summary tags. The flush
// channel distills whole sessions, where a summary-category item is a
// legitimate model output.
func ValidateMemoryExtended(m Memory) (types.Category, types.ExtractionSource, bool) {
	if utf8.RuneCountInString(strings.TrimSpace(m.Content)) < 3 {
		return "", "", false
	}
	category := types.Category(strings.TrimSpace(strings.ToLower(m.Category)))
	if !vocab.IsValidCategory(category) {
		return "", "", false
	}
	if m.Importance < 0 || m.Importance > 1 {
		return "", "", false
	}
	source := types.ExtractionSource(strings.TrimSpace(m.Source))
	if source == "" {
		source = types.SourceUserImplied
	}
	if !vocab.IsValidExtractionSource(source) {
		return "", "", false
	}
	if signal.ContainsSensitive(m.Content) {
		return "", "", false
	}
	return category, source, true
}

// ValidateRelation checks one candidate triple: both entities 1–100 chars,
// predicate in the closed vocabulary, confidence ≥ 0.5, and no sensitive
// strings in either entity.
func ValidateRelation(r Relation) bool {
	subject := strings.TrimSpace(r.Subject)
	object := strings.TrimSpace(r.Object)
	if !entityLengthOK(subject) || !entityLengthOK(object) {
		return false
	}
	if !vocab.IsValidPredicate(strings.TrimSpace(r.Predicate)) {
		return false
	}
	if r.Confidence < 0.5 || r.Confidence > 1 {
		return false
	}
	if signal.ContainsSensitive(subject) || signal.ContainsSensitive(object) {
		return false
	}
	return true
}

func entityLengthOK(s string) bool {
	n := utf8.RuneCountInString(s)
	return n >= 1 && n <= 100
}
