package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rikouu/cortex/internal/types"
)

func TestParseFencedBlock(t *testing.T) {
	raw := "Here is the result:\n```json\n{\"memories\":[{\"content\":\"Harry lives in Tokyo\",\"category\":\"identity\",\"importance\":0.9,\"source\":\"user_stated\"}],\"relations\":[],\"nothing_extracted\":false}\n```\nDone."
	parsed := Parse(raw)
	require.Equal(t, Ok, parsed.Kind)
	require.Len(t, parsed.Memories, 1)
	assert.Equal(t, "Harry lives in Tokyo", parsed.Memories[0].Content)
}

func TestParseBalancedObjectWithProse(t *testing.T) {
	raw := `Sure! {"not_it": true} and then {"memories":[{"content":"likes {braces} in text","category":"preference","importance":0.6,"source":"user_implied"}],"relations":[]}`
	parsed := Parse(raw)
	require.Equal(t, Ok, parsed.Kind)
	require.Len(t, parsed.Memories, 1)
	assert.Contains(t, parsed.Memories[0].Content, "{braces}")
}

func TestParseLegacyArray(t *testing.T) {
	raw := `[{"content":"old style item","category":"fact","importance":0.5,"source":"user_stated"}]`
	parsed := Parse(raw)
	require.Equal(t, Ok, parsed.Kind)
	require.Len(t, parsed.Memories, 1)
}

func TestParseEmptyAndMalformed(t *testing.T) {
	assert.Equal(t, Empty, Parse(`{"memories":[],"relations":[],"nothing_extracted":true}`).Kind)
	assert.Equal(t, Empty, Parse(`{"memories":[],"relations":[]}`).Kind)
	assert.Equal(t, Malformed, Parse("I could not produce JSON, sorry.").Kind)
	assert.Equal(t, Malformed, Parse("").Kind)
}

func TestValidateMemory(t *testing.T) {
	category, source, ok := ValidateMemory(Memory{
		Content: "Harry lives in Tokyo", Category: "identity", Importance: 0.9, Source: "user_stated",
	})
	require.True(t, ok)
	assert.Equal(t, types.Category("identity"), category)
	assert.Equal(t, types.SourceUserStated, source)

	// Defaulted source.
	_, source, ok = ValidateMemory(Memory{Content: "some durable fact", Category: "fact", Importance: 0.5})
	require.True(t, ok)
	assert.Equal(t, types.SourceUserImplied, source)

	bad := []Memory{
		{Content: "ab", Category: "fact", Importance: 0.5},                                 // too short
		{Content: "valid content", Category: "summary", Importance: 0.5},                   // system-internal category
		{Content: "valid content", Category: "fact", Importance: 1.5},                      // importance out of range
		{Content: "valid content", Category: "fact", Importance: 0.5, Source: "telepathy"}, // unknown source
		{Content: "ping 10.0.0.1 for health", Category: "fact", Importance: 0.5},           // sensitive
	}
	for _, m := range bad {
		_, _, ok := ValidateMemory(m)
		assert.False(t, ok, "should reject %+v", m)
	}
}

func TestValidateMemoryExtendedAllowsSummary(t *testing.T) {
	_, _, ok := ValidateMemoryExtended(Memory{Content: "session rollup text", Category: "summary", Importance: 0.5})
	assert.True(t, ok)
}

func TestValidateRelation(t *testing.T) {
	assert.True(t, ValidateRelation(Relation{Subject: "Harry", Predicate: "lives_in", Object: "东京", Confidence: 0.8}))

	bad := []Relation{
		{Subject: "", Predicate: "lives_in", Object: "Tokyo", Confidence: 0.8},
		{Subject: "Harry", Predicate: "teleports_to", Object: "Tokyo", Confidence: 0.8},
		{Subject: "Harry", Predicate: "lives_in", Object: "Tokyo", Confidence: 0.4},
		{Subject: "someone@example.com", Predicate: "lives_in", Object: "Tokyo", Confidence: 0.8},
	}
	for _, r := range bad {
		assert.False(t, ValidateRelation(r), "should reject %+v", r)
	}
}
