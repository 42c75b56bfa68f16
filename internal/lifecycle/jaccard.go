package lifecycle

import "strings"

// trigramJaccard computes the Jaccard similarity of the rune-trigram sets
// of a and b, used by the core dedup phase (spec §4.10 phase 3).
// Configurable boilerplate prefixes are stripped by the caller before
// comparison.
func trigramJaccard(a, b string) float64 {
	setA := trigramSet(a)
	setB := trigramSet(b)
	if len(setA) == 0 || len(setB) == 0 {
		if len(setA) == len(setB) {
			return 1 // both empty/too short: identical
		}
		return 0
	}

	intersection := 0
	for t := range setA {
		if _, ok := setB[t]; ok {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	return float64(intersection) / float64(union)
}

func trigramSet(s string) map[string]struct{} {
	runes := []rune(strings.ToLower(strings.TrimSpace(s)))
	out := make(map[string]struct{})
	for i := 0; i+3 <= len(runes); i++ {
		out[string(runes[i:i+3])] = struct{}{}
	}
	return out
}

// stripPrefixes removes the first matching boilerplate prefix from s
// (open question resolution: spec §9.2).
func stripPrefixes(s string, prefixes []string) string {
	trimmed := strings.TrimSpace(s)
	for _, p := range prefixes {
		if p != "" && strings.HasPrefix(trimmed, p) {
			return strings.TrimSpace(trimmed[len(p):])
		}
	}
	return trimmed
}
