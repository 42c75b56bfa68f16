package signal

import (
	"strings"
	"unicode/utf8"

	"github.com/coregx/ahocorasick"
)

// smallTalkPhrases is the closed greeting/ack list (en/zh/ja). A query
// that, lowercased and trimmed of trailing punctuation, consists entirely
// of one of these phrases is small talk.
var smallTalkPhrases = []string{
	// English greetings and acks.
	"hi", "hello", "hey", "yo", "good morning", "good afternoon",
	"good evening", "good night", "how are you", "what's up", "sup",
	"thanks", "thank you", "thx", "ok", "okay", "k", "cool", "nice",
	"great", "got it", "sounds good", "sure", "yes", "no", "yep", "nope",
	"bye", "goodbye", "see you", "lol", "haha",
	// Chinese.
	"你好", "您好", "早上好", "下午好", "晚上好", "晚安", "在吗", "在不在",
	"谢谢", "多谢", "好的", "好", "嗯", "嗯嗯", "行", "可以", "没问题",
	"再见", "拜拜", "哈哈", "哈哈哈",
	// Japanese.
	"こんにちは", "こんばんは", "おはよう", "おはようございます",
	"ありがとう", "ありがとうございます", "はい", "いいえ", "了解",
	"わかりました", "おやすみ", "さようなら",
}

// smallTalkMatcher holds an Aho-Corasick automaton over the phrase list.
// Multi-pattern matching in one pass beats a per-phrase loop once the list
// spans three locales.
type smallTalkMatcher struct {
	ac      *ahocorasick.Automaton
	phrases map[string]struct{}
}

func newSmallTalkMatcher() *smallTalkMatcher {
	automaton, err := ahocorasick.NewBuilder().
		AddStrings(smallTalkPhrases).
		SetMatchKind(ahocorasick.LeftmostLongest).
		SetPrefilter(true).
		Build()
	if err != nil {
		// The phrase list is static; a build failure is a programmer error.
		panic(err)
	}
	phrases := make(map[string]struct{}, len(smallTalkPhrases))
	for _, p := range smallTalkPhrases {
		phrases[p] = struct{}{}
	}
	return &smallTalkMatcher{ac: automaton, phrases: phrases}
}

// matches reports whether the whole (normalized) query is a small-talk
// phrase: the automaton finds a leftmost-longest match and that match
// covers the entire normalized string.
func (m *smallTalkMatcher) matches(query string) bool {
	normalized := normalizeSmallTalk(query)
	if normalized == "" {
		return true
	}
	// Exact map hit covers the common case cheaply.
	if _, ok := m.phrases[normalized]; ok {
		return true
	}
	matches := m.ac.FindAllOverlapping([]byte(normalized))
	for _, match := range matches {
		if match.Start == 0 && match.End == len(normalized) {
			return true
		}
	}
	return false
}

// normalizeSmallTalk lowercases and strips trailing punctuation/emoji-ish
// runs so "Hi!!" and "你好～" still hit the closed list.
func normalizeSmallTalk(q string) string {
	q = strings.ToLower(strings.TrimSpace(q))
	for utf8.RuneCountInString(q) > 0 {
		r, size := utf8.DecodeLastRuneInString(q)
		if isTrailingPunct(r) {
			q = q[:len(q)-size]
			continue
		}
		break
	}
	return strings.TrimSpace(q)
}

func isTrailingPunct(r rune) bool {
	switch r {
	case '!', '?', '.', ',', '~', '！', '？', '。', '，', '～', '、':
		return true
	}
	return false
}
