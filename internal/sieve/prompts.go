package sieve

import (
	"strings"

	"github.com/rikouu/cortex/internal/vocab"
)

// extractionPromptTemplate asks for the strict JSON object the deep
// channel parses (spec §4.5 step 3). The category and predicate lists are
// rendered from the closed vocabularies so prompt and validator never
// drift.
const extractionPromptTemplate = `You extract durable long-term memories from one user↔assistant exchange. Only extract information worth remembering across sessions: identity, preferences, decisions, corrections, goals, constraints, skills, relationships, concrete facts. Ignore pleasantries, transient task chatter, and anything the user did not actually convey.

%CONTEXT%Exchange:
user: %USER%
assistant: %ASSISTANT%

Respond with strict JSON only, no prose:
{
  "memories": [
    {
      "content": "one self-contained sentence, same language as the source",
      "category": "one of: %CATEGORIES%",
      "importance": 0.0-1.0,
      "source": "one of: %SOURCES%",
      "reasoning": "why this is worth keeping"
    }
  ],
  "relations": [
    {
      "subject": "1-5 words",
      "predicate": "one of: %PREDICATES%",
      "object": "1-5 words",
      "confidence": 0.5-1.0,
      "expired": false
    }
  ],
  "nothing_extracted": false
}

If nothing is worth extracting, respond {"memories":[],"relations":[],"nothing_extracted":true}.`

// buildExtractionPrompt renders the deep-channel prompt with up to
// maxContext prior messages for disambiguation.
func buildExtractionPrompt(user, assistant string, context []Message, maxContext int) string {
	var ctxBlock string
	if len(context) > 0 {
		if maxContext > 0 && len(context) > maxContext {
			context = context[len(context)-maxContext:]
		}
		var b strings.Builder
		b.WriteString("Recent context:\n")
		for _, m := range context {
			b.WriteString(m.Role)
			b.WriteString(": ")
			b.WriteString(m.Content)
			b.WriteString("\n")
		}
		b.WriteString("\n")
		ctxBlock = b.String()
	}

	return strings.NewReplacer(
		"%CONTEXT%", ctxBlock,
		"%USER%", user,
		"%ASSISTANT%", assistant,
		"%CATEGORIES%", joinCategories(),
		"%SOURCES%", joinSources(),
		"%PREDICATES%", strings.Join(vocab.Predicates, ", "),
	).Replace(extractionPromptTemplate)
}

func joinCategories() string {
	parts := make([]string, len(vocab.LLMExtractableCategories))
	for i, c := range vocab.LLMExtractableCategories {
		parts[i] = string(c)
	}
	return strings.Join(parts, ", ")
}

func joinSources() string {
	parts := make([]string, len(vocab.ExtractionSources))
	for i, s := range vocab.ExtractionSources {
		parts[i] = string(s)
	}
	return strings.Join(parts, ", ")
}
