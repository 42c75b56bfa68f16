package gate

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/orsinium-labs/stopwords"
)

// shortQueryRunes is the expansion strategy cutover (spec §4.7 step 3): at
// or below this length the query gets a single enriched variant; above it,
// up to two LLM-generated variants in the same language.
const shortQueryRunes = 8

const enrichPromptTemplate = `Expand this short search query with 3-5 related keywords or synonyms, same language as the query. Reply with the enriched query on one line, nothing else.

Query: %QUERY%`

const variantsPromptTemplate = `Rewrite this search query as up to 2 alternative phrasings that could surface different relevant results. Same language as the original. Reply with one phrasing per line, nothing else.

Query: %QUERY%`

var englishStopwords = stopwords.MustGet("en")

// expand produces the search variant list per the hybrid strategy: a
// short query is replaced by its single enriched variant; a long query
// stays first, followed by up to two LLM phrasings and then a
// stopword-stripped keyword variant for English text. An expansion
// failure keeps the cleaned query in place of the LLM variants.
func (g *Gate) expand(ctx context.Context, cleaned string) []string {
	variants := []string{cleaned}

	if g.cfg.ExpansionEnabled && g.llm != nil {
		if utf8.RuneCountInString(cleaned) <= shortQueryRunes {
			if enriched := g.completeLine(ctx, enrichPromptTemplate, cleaned); enriched != "" && enriched != cleaned {
				// A short query's single enriched variant replaces the
				// original: it contains the original plus keywords.
				variants = []string{enriched}
			}
		} else {
			raw := g.completeRaw(ctx, variantsPromptTemplate, cleaned)
			for _, line := range strings.Split(raw, "\n") {
				line = strings.TrimSpace(strings.TrimLeft(line, "-*0123456789. "))
				if line == "" || line == cleaned {
					continue
				}
				variants = append(variants, line)
				if len(variants) >= 3 { // original + 2 variants
					break
				}
			}
		}
	}

	if kw := keywordize(cleaned); kw != "" && kw != cleaned && len(variants) < 4 {
		variants = append(variants, kw)
	}
	return variants
}

func (g *Gate) completeLine(ctx context.Context, template, query string) string {
	raw := g.completeRaw(ctx, template, query)
	if idx := strings.IndexByte(raw, '\n'); idx >= 0 {
		raw = raw[:idx]
	}
	return strings.TrimSpace(raw)
}

func (g *Gate) completeRaw(ctx context.Context, template, query string) string {
	raw, err := g.llm.Complete(ctx, strings.Replace(template, "%QUERY%", query, 1))
	if err != nil {
		g.warnf("gate: query expansion failed", err)
		return ""
	}
	return strings.TrimSpace(raw)
}

// keywordize strips English stopwords from a long query, yielding a
// keyword-only variant that sharpens the full-text side of the hybrid
// search. Returns "" when the query is short, mostly non-English, or
// would be left with fewer than two tokens.
func keywordize(query string) string {
	if utf8.RuneCountInString(query) <= shortQueryRunes {
		return ""
	}
	fields := strings.Fields(query)
	kept := make([]string, 0, len(fields))
	for _, f := range fields {
		token := strings.ToLower(strings.Trim(f, ".,!?;:\"'()"))
		if token == "" || englishStopwords.Contains(token) {
			continue
		}
		kept = append(kept, token)
	}
	if len(kept) < 2 || len(kept) == len(fields) {
		return ""
	}
	return strings.Join(kept, " ")
}
