package signal

import (
	"regexp"

	"github.com/rikouu/cortex/internal/types"
)

// Rule is one pattern-table row: a category, the regexes that signal it,
// the importance assigned when one fires, and a name for logs. Rules for
// agent_* categories run against assistant text; all others run against
// user text only.
type Rule struct {
	Category   types.Category
	Patterns   []*regexp.Regexp
	Importance float64
	Name       string
}

// signalConfidence is the fixed confidence carried by every fast-channel
// signal (spec §4.3).
const signalConfidence = 0.85

func rx(patterns ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		out[i] = regexp.MustCompile(p)
	}
	return out
}

// userRules match against what the user said.
var userRules = []Rule{
	{
		Category: "identity", Importance: 0.9, Name: "identity_statement",
		Patterns: rx(
			`(?i)\bmy name is\s+\S+`,
			`(?i)\bi(?:'m| am) (?:a|an|the)\s+\w+`,
			`(?i)\bi (?:live|work|am based) in\s+\S+`,
			`我(?:叫|的名字是|是)\S+`,
			`我(?:住在|来自|在)\S+(?:工作|生活|上班)?`,
			`私は\S+(?:です|と申します)`,
		),
	},
	{
		Category: "preference", Importance: 0.8, Name: "preference_statement",
		Patterns: rx(
			`(?i)\bi (?:prefer|like|love|enjoy|always use|usually use)\b`,
			`(?i)\bi (?:hate|dislike|can't stand|avoid)\b`,
			`(?i)\bplease (?:always|never)\b`,
			`我(?:喜欢|偏好|更喜欢|讨厌|不喜欢|习惯)`,
			`(?:以后|之后|今后)(?:都|全部)?(?:用|使用|改用|换成)`,
		),
	},
	{
		Category: "decision", Importance: 0.85, Name: "decision_statement",
		Patterns: rx(
			`(?i)\b(?:we|i)(?:'ve| have)? decided to\b`,
			`(?i)\blet's go with\b`,
			`(?i)\bwe(?:'re| are) (?:switching|moving|migrating) to\b`,
			`(?:决定|确定|敲定)(?:采用|使用|切换|换成|改用)?`,
			`(?:就用|改成|换成)\S+(?:吧|了)`,
		),
	},
	{
		Category: "correction", Importance: 0.9, Name: "correction_statement",
		Patterns: rx(
			`(?i)\b(?:no|actually|correction)[,，]?\s*(?:it(?:'s| is)|that(?:'s| is)|i meant)\b`,
			`(?i)\bthat(?:'s| is) (?:wrong|incorrect|not right)\b`,
			`(?:不对|错了|纠正一下|更正一下|其实是|应该是)`,
		),
	},
	{
		Category: "todo", Importance: 0.75, Name: "todo_statement",
		Patterns: rx(
			`(?i)\bremind me to\b`,
			`(?i)\b(?:i|we) (?:need|have) to\s+\w+.*\b(?:tomorrow|today|by|before|next)\b`,
			`(?i)\bdon't forget to\b`,
			`(?:记得|提醒我|别忘了|待会儿?要|明天要|之后要)`,
		),
	},
	{
		Category: "fact", Importance: 0.7, Name: "fact_statement",
		Patterns: rx(
			`(?i)\bfor the record\b`,
			`(?i)\bfyi\b[:,]?`,
			`(?i)\bjust so you know\b`,
			`(?:顺便说一下|供参考|记一下)`,
		),
	},
	{
		Category: "skill", Importance: 0.75, Name: "skill_statement",
		Patterns: rx(
			`(?i)\bi(?:'m| am) (?:good|great|experienced|proficient|fluent) (?:at|in|with)\b`,
			`(?i)\bi (?:know|can write|can speak)\s+\w+`,
			`我(?:会|擅长|精通|熟悉)\S+`,
		),
	},
	{
		Category: "relationship", Importance: 0.75, Name: "relationship_statement",
		Patterns: rx(
			`(?i)\bmy (?:wife|husband|partner|boss|manager|colleague|friend|son|daughter|mother|father)\b`,
			`我的?(?:老婆|丈夫|妻子|老板|上司|同事|朋友|儿子|女儿|妈妈|爸爸)`,
		),
	},
	{
		Category: "goal", Importance: 0.8, Name: "goal_statement",
		Patterns: rx(
			`(?i)\bmy goal is\b`,
			`(?i)\bi(?:'m| am) (?:trying|planning|aiming|hoping) to\b`,
			`(?i)\bi want to (?:learn|build|become|finish)\b`,
			`我(?:的目标是|想要?|打算|计划|希望)(?:学|做|成为|完成)?`,
		),
	},
	{
		Category: "constraint", Importance: 0.8, Name: "constraint_statement",
		Patterns: rx(
			`(?i)\b(?:i|we) (?:can't|cannot|must not|are not allowed to)\b`,
			`(?i)\b(?:budget|deadline|limit) (?:is|of)\b`,
			`(?:不能|不可以|必须在|预算是|截止日期?是)`,
		),
	},
}

// assistantRules match against what the assistant said, producing agent_*
// self-observation categories.
var assistantRules = []Rule{
	{
		Category: "agent_self_improvement", Importance: 0.7, Name: "agent_mistake_noted",
		Patterns: rx(
			`(?i)\bi (?:made an error|was wrong|apologize for the mistake)\b`,
			`(?i)\b(?:next time|in the future) i (?:will|should)\b`,
			`(?:我之前|刚才)(?:搞错|弄错|理解错)`,
		),
	},
	{
		Category: "agent_user_habit", Importance: 0.65, Name: "agent_habit_observed",
		Patterns: rx(
			`(?i)\bi(?:'ve| have) noticed (?:that )?you\b`,
			`(?i)\byou (?:usually|often|typically|always)\b`,
			`(?:注意到您?|你(?:通常|经常|总是|习惯))`,
		),
	},
	{
		Category: "agent_persona", Importance: 0.6, Name: "agent_persona_set",
		Patterns: rx(
			`(?i)\bi(?:'ll| will) (?:keep my answers|respond|reply|be)\s+(?:brief|concise|detailed|formal|casual)\b`,
			`(?:我会(?:保持|用)(?:简洁|详细|正式|轻松))`,
		),
	},
}
