package writer

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rikouu/cortex/internal/types"
)

// SmartUpdateDecision is the LLM's disposition for a near-duplicate
// insertion attempt (spec §4.5.1).
type SmartUpdateDecision struct {
	Type          types.SmartUpdateType
	MergedContent string
}

const smartUpdatePrompt = `You maintain a long-term memory store. A new piece of information is semantically close to an existing memory. Decide how to treat it.

Existing memory:
%EXISTING%

New information:
%NEW%

Answer with strict JSON only, one of:
{"decision":"keep"}                              — the new information adds nothing
{"decision":"replace"}                           — the new information supersedes the old
{"decision":"merge","merged_content":"..."}      — both hold details; merged_content unions them in one sentence, same language as the inputs
{"decision":"conflict"}                          — the new information directly contradicts the old (changed location, tool, role, or preference reversal)`

type smartUpdateResponse struct {
	Decision      string `json:"decision"`
	MergedContent string `json:"merged_content"`
}

// smartUpdate asks the LLM for a disposition. Any failure — provider
// down, malformed answer — degrades to replace, the conservative choice
// that preserves both versions via the chain rather than dropping the
// newer information.
func (w *Writer) smartUpdate(ctx context.Context, existing, incoming string) SmartUpdateDecision {
	if w.llm == nil {
		return SmartUpdateDecision{Type: types.SmartUpdateReplace}
	}
	prompt := strings.NewReplacer(
		"%EXISTING%", existing,
		"%NEW%", incoming,
	).Replace(smartUpdatePrompt)

	raw, err := w.llm.Complete(ctx, prompt)
	if err != nil {
		w.warnf("writer: smart update call failed", err)
		return SmartUpdateDecision{Type: types.SmartUpdateReplace}
	}

	raw = strings.TrimSpace(strings.ReplaceAll(strings.ReplaceAll(raw, "```json", ""), "```", ""))
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start == -1 || end <= start {
		return SmartUpdateDecision{Type: types.SmartUpdateReplace}
	}

	var resp smartUpdateResponse
	if err := json.Unmarshal([]byte(raw[start:end+1]), &resp); err != nil {
		return SmartUpdateDecision{Type: types.SmartUpdateReplace}
	}

	switch types.SmartUpdateType(resp.Decision) {
	case types.SmartUpdateKeep:
		return SmartUpdateDecision{Type: types.SmartUpdateKeep}
	case types.SmartUpdateMerge:
		return SmartUpdateDecision{Type: types.SmartUpdateMerge, MergedContent: strings.TrimSpace(resp.MergedContent)}
	case types.SmartUpdateConflict:
		return SmartUpdateDecision{Type: types.SmartUpdateConflict}
	default:
		return SmartUpdateDecision{Type: types.SmartUpdateReplace}
	}
}
