package hybrid

import (
	"strings"

	"github.com/rikouu/cortex/internal/types"
)

// layerLabels render a memory's tier in the injected context block.
var layerLabels = map[types.Layer]string{
	types.LayerWorking: "工作记忆",
	types.LayerCore:    "核心记忆",
	types.LayerArchive: "归档记忆",
}

// FormatForInjection renders results as "[<layer-label>] <content>" lines
// wrapped in <cortex_memory> tags, respecting a token budget estimated at
// ~1 token per 4 ASCII chars and ~1 token per 1.5 CJK chars (spec §4.4).
// Returns the block and the number of lines injected; an empty result set
// or zero-line budget yields "".
func FormatForInjection(results []Result, maxTokens int) (string, int) {
	if len(results) == 0 {
		return "", 0
	}
	if maxTokens <= 0 {
		maxTokens = 1000
	}

	const openTag = "<cortex_memory>"
	const closeTag = "</cortex_memory>"
	budget := maxTokens - EstimateTokens(openTag+"\n"+closeTag)

	var lines []string
	for _, r := range results {
		label, ok := layerLabels[r.Memory.Layer]
		if !ok {
			label = string(r.Memory.Layer)
		}
		line := "[" + label + "] " + strings.TrimSpace(r.Memory.Content)
		cost := EstimateTokens(line) + 1 // +1 for the newline
		if cost > budget {
			break
		}
		budget -= cost
		lines = append(lines, line)
	}
	if len(lines) == 0 {
		return "", 0
	}
	return openTag + "\n" + strings.Join(lines, "\n") + "\n" + closeTag, len(lines)
}

// EstimateTokens approximates the token cost of text: ASCII runs at ~4
// chars per token, CJK at ~1.5 chars per token.
func EstimateTokens(text string) int {
	var ascii, cjk int
	for _, r := range text {
		if r < 128 {
			ascii++
		} else {
			cjk++
		}
	}
	tokens := ascii/4 + (cjk*2+2)/3 // cjk/1.5 in integer arithmetic, rounded up
	if tokens == 0 && len(text) > 0 {
		tokens = 1
	}
	return tokens
}
