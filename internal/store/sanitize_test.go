package store

import (
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeFTSQueryStripsOperators(t *testing.T) {
	cases := map[string]string{
		`hello "world"`:    "hello world",
		`(a AND b) OR c`:   "a b c",
		`--leading hyphen`: "leading hyphen",
		`tabs	and
newlines`: "tabs newlines",
		`NEAR miss near`: "miss",
		`你好，世界！`:         "你好 世界",
		`x`:              "", // shorter than 2 runes after cleaning
		``:               "",
	}
	for in, want := range cases {
		assert.Equal(t, want, SanitizeFTSQuery(in), "input %q", in)
	}
}

func TestSanitizeFTSQueryTruncates(t *testing.T) {
	long := strings.Repeat("abcd ", 200)
	out := SanitizeFTSQuery(long)
	assert.LessOrEqual(t, len(out), 500)
	assert.NotEmpty(t, out)
}

// Property: no sanitized query ever contains a tokenizer operator
// character, for random strings of operators, letters, and CJK text.
func TestSanitizeFTSQueryProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	alphabet := []rune(`abcxyz "'()*^:{}[]<>|+~-。！？，、 你好世界` + "\t\n")
	operators := `"'()*^:{}[]<>|+~`

	for i := 0; i < 500; i++ {
		n := rng.Intn(60)
		var b strings.Builder
		for j := 0; j < n; j++ {
			b.WriteRune(alphabet[rng.Intn(len(alphabet))])
		}
		out := SanitizeFTSQuery(b.String())

		assert.False(t, strings.ContainsAny(out, operators), "operators survived in %q from %q", out, b.String())
		assert.False(t, strings.ContainsAny(out, "。！？，、"), "CJK punctuation survived in %q", out)
		if out != "" {
			assert.GreaterOrEqual(t, len([]rune(out)), 2)
			assert.LessOrEqual(t, len(out), 500)
			// Deterministic: same input, same output.
			assert.Equal(t, out, SanitizeFTSQuery(b.String()))
		}
	}
}

func TestSanitizeStripsStandaloneBooleanWords(t *testing.T) {
	out := SanitizeFTSQuery("cats AND dogs NOT birds")
	assert.Equal(t, "cats dogs birds", out)
	// Embedded occurrences survive.
	assert.Equal(t, "android nothing", SanitizeFTSQuery("android nothing"))
}
