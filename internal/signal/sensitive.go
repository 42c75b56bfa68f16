package signal

import (
	"regexp"
	"strings"

	"github.com/coregx/ahocorasick"
)

// sensitivePatterns reject extraction content that smells like credentials
// or PII the memory store must never hold (spec §4.5 step 4): API keys,
// bearer tokens, emails, IPs, PEM blocks.
var sensitivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{16,}\b`),
	regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{20,}\b`),
	regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`),
	regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/-]{20,}=*`),
	regexp.MustCompile(`(?i)\b(?:api[_-]?key|secret|token|password|passwd)\s*[:=]\s*\S{8,}`),
	regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`),
	regexp.MustCompile(`-----BEGIN [A-Z ]+PRIVATE KEY-----`),
	regexp.MustCompile(`\beyJ[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\b`),
}

// ipPattern is checked unconditionally: a bare IP has no literal needle
// worth prefiltering on.
var ipPattern = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)

// sensitiveNeedles are cheap literal substrings at least one of which
// appears in anything sensitivePatterns would match. The Aho-Corasick
// prefilter runs first so clean content skips the regex pass entirely.
var sensitiveNeedles = []string{
	"sk-", "ghp_", "gho_", "ghu_", "ghs_", "ghr_", "akia", "bearer",
	"api_key", "api-key", "apikey", "secret", "token", "password",
	"passwd", "@", "private key", "eyj",
}

var sensitivePrefilter = func() *ahocorasick.Automaton {
	automaton, err := ahocorasick.NewBuilder().
		AddStrings(sensitiveNeedles).
		SetMatchKind(ahocorasick.LeftmostLongest).
		SetPrefilter(true).
		Build()
	if err != nil {
		panic(err)
	}
	return automaton
}()

// ContainsSensitive reports whether content matches any credential/PII
// pattern. Extraction validation drops such candidates before they reach
// the store.
func ContainsSensitive(content string) bool {
	if ipPattern.MatchString(content) {
		return true
	}
	lower := strings.ToLower(content)
	if len(sensitivePrefilter.FindAllOverlapping([]byte(lower))) == 0 {
		return false
	}
	for _, re := range sensitivePatterns {
		if re.MatchString(content) {
			return true
		}
	}
	return false
}
