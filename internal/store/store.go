// Package store defines Cortex's durable storage contract (spec §4.1): a
// typed table of memories, relations, access logs, lifecycle audit, and
// extraction logs, with a trigram full-text index and version chains.
// Concrete backends live in the sqlite and postgres subpackages; this
// package also hosts backend-independent logic (query sanitization, version
// chain shape) shared by both, grounded on the reference MemoryStore
// interface and its sqlite search_provider.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rikouu/cortex/internal/types"
)

// Sentinel errors. Store never retries; callers classify these per spec §7.
var (
	ErrNotFound      = errors.New("store: not found")
	ErrValidation    = errors.New("store: validation failed")
	ErrConflict      = errors.New("store: conflict")
	ErrCycleDetected = errors.New("store: cycle detected in version chain")
)

// maxChainHops bounds GetMemoryVersionChain's bidirectional walk (spec §4.1,
// §8 invariant 1/5).
const maxChainHops = 50

// InsertMemoryParams are the caller-supplied fields for a new memory.
// Store assigns ID, CreatedAt, UpdatedAt, DecayScore=1.0, AccessCount=0.
type InsertMemoryParams struct {
	Layer      types.Layer
	Category   types.Category
	Content    string
	Source     string
	AgentID    string
	Importance float64
	Confidence float64
	ExpiresAt  *time.Time
	IsPinned   bool
	Metadata   map[string]interface{}
}

// MemoryPatch is the whitelisted set of mutable memory fields (spec §3.1
// lifecycle: "attribute patch"). Nil pointers/zero values mean "leave
// unchanged" except where noted.
type MemoryPatch struct {
	Layer        *types.Layer
	Importance   *float64
	Confidence   *float64
	DecayScore   *float64
	ExpiresAt    *time.Time
	ClearExpires bool
	Metadata     map[string]interface{}
	MetadataSet  bool
}

// MemoryFilter narrows List/SearchFullText results.
type MemoryFilter struct {
	AgentID       string
	Layers        []types.Layer
	Categories    []types.Category
	ActiveOnly    bool // superseded_by IS NULL AND (expires_at IS NULL OR expires_at > now)
	ExcludePinned bool
	ExcludeIDs    []string
	Page          int
	Limit         int
}

// SearchHit pairs a matched memory with its full-text rank (lower = better
// match, spec §4.1).
type SearchHit struct {
	Memory *types.Memory
	Rank   float64
}

// RelationInput is an incoming (subject, predicate, object) extraction to
// upsert (spec §4.6).
type RelationInput struct {
	Subject    string
	Predicate  string
	Object     string
	Confidence float64
	AgentID    string
	Source     string
	Channel    types.Channel
	MemoryID   string // source_memory_id
	Expired    *bool  // nil = leave unchanged on update, false on insert
}

// RelationFilter narrows ListRelations.
type RelationFilter struct {
	AgentID   string
	Predicate string
	ExpiredIn *bool
	Limit     int
}

// Store is the durable backing for memories, relations, and their
// supporting logs. All multi-statement writes execute in a transaction.
type Store interface {
	InsertMemory(ctx context.Context, p InsertMemoryParams) (*types.Memory, error)
	GetMemory(ctx context.Context, id string) (*types.Memory, error)
	UpdateMemory(ctx context.Context, id string, patch MemoryPatch) (*types.Memory, error)
	MarkSuperseded(ctx context.Context, id, supersededBy string) error
	DeleteMemory(ctx context.Context, id string) error
	ListMemories(ctx context.Context, filter MemoryFilter) ([]*types.Memory, error)
	SearchFullText(ctx context.Context, query string, filter MemoryFilter, limit int) ([]SearchHit, error)
	GetMemoryVersionChain(ctx context.Context, id string) ([]*types.Memory, error)
	BumpAccess(ctx context.Context, ids []string, query string) error
	ExpireWorking(ctx context.Context, now time.Time, batchSize int) ([]*types.Memory, error)

	UpsertRelation(ctx context.Context, in RelationInput) (*types.Relation, error)
	ListRelations(ctx context.Context, filter RelationFilter) ([]*types.Relation, error)
	MarkRelationExpired(ctx context.Context, id string, expired bool) error

	AppendLifecycleLog(ctx context.Context, entry *types.LifecycleLog) error
	ListLifecycleLogs(ctx context.Context, limit int) ([]*types.LifecycleLog, error)
	AppendExtractionLog(ctx context.Context, entry *types.ExtractionLog) error
	ListExtractionLogs(ctx context.Context, agentID string, limit int) ([]*types.ExtractionLog, error)

	GetAgent(ctx context.Context, id string) (*types.Agent, error)
	UpsertAgent(ctx context.Context, agent *types.Agent) error
	ListAgents(ctx context.Context) ([]*types.Agent, error)

	Close() error
}

// NormalizeFilter applies the defaults List/Search callers rely on.
func (f *MemoryFilter) NormalizeFilter() {
	if f.Page <= 0 {
		f.Page = 1
	}
	if f.Limit <= 0 {
		f.Limit = 20
	}
	if f.AgentID == "" {
		f.AgentID = types.DefaultAgentID
	}
}

// SanitizeFTSQuery implements the deterministic single-pass sanitizer
// required by spec §4.1/§9: strip tokenizer operator characters and
// CJK/full-width punctuation, strip boolean-operator words as standalone
// tokens, strip leading hyphens, collapse whitespace, truncate to 500
// chars. Returns "" if the result is shorter than 2 characters (spec: "If
// sanitized query is shorter than 2 characters, return empty").
//
// This is a single character classifier, not a sequence of ad-hoc
// replaces, per spec §9's explicit design note, so regressions are
// property-testable (spec §8 invariant 6).
func SanitizeFTSQuery(raw string) string {
	const maxLen = 500

	var b strings.Builder
	b.Grow(len(raw))
	prevSpace := true // treat start-of-string as space so leading hyphens strip
	for _, r := range raw {
		switch {
		case isFTSOperatorChar(r) || isCJKPunct(r):
			if !prevSpace {
				b.WriteByte(' ')
				prevSpace = true
			}
		case r == '-' && prevSpace:
			// leading hyphen (start or after whitespace): drop silently.
		case isSpace(r):
			if !prevSpace {
				b.WriteByte(' ')
				prevSpace = true
			}
		default:
			b.WriteRune(r)
			prevSpace = false
		}
	}

	fields := strings.Fields(b.String())
	out := fields[:0]
	for _, tok := range fields {
		if isBooleanOperatorWord(tok) {
			continue
		}
		out = append(out, tok)
	}

	cleaned := strings.Join(out, " ")
	if len(cleaned) > maxLen {
		cleaned = cleaned[:maxLen]
	}
	if len([]rune(cleaned)) < 2 {
		return ""
	}
	return cleaned
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r'
}

// isFTSOperatorChar matches FTS5/trigram MATCH-syntax special characters.
func isFTSOperatorChar(r rune) bool {
	switch r {
	case '"', '\'', '(', ')', '*', '^', ':', '{', '}', '[', ']', '<', '>', '|', '+', '~':
		return true
	}
	return false
}

// isCJKPunct matches common CJK/full-width punctuation that would otherwise
// confuse a trigram tokenizer pass.
func isCJKPunct(r rune) bool {
	switch r {
	case '。', '！', '？', '，', '、', '；', '：', '“', '”', '‘', '’', '（', '）',
		'【', '】', '《', '》', '・', '｡', '｢', '｣', '～':
		return true
	}
	return false
}

var booleanOperatorWords = map[string]struct{}{
	"and": {}, "or": {}, "not": {}, "near": {},
}

func isBooleanOperatorWord(tok string) bool {
	_, ok := booleanOperatorWords[strings.ToLower(tok)]
	return ok
}

// WalkVersionChain reconstructs the linear version chain containing id by
// bidirectional traversal: backward via "who supersedes me" (predecessors)
// and forward via SupersededBy, each bounded at maxChainHops to break any
// accidental cycle (spec §4.1, §9). get is a backend-supplied accessor;
// findPredecessor returns the memory (if any) whose SupersededBy == id.
func WalkVersionChain(
	ctx context.Context,
	id string,
	get func(ctx context.Context, id string) (*types.Memory, error),
	findPredecessor func(ctx context.Context, id string) (*types.Memory, error),
) ([]*types.Memory, error) {
	head, err := get(ctx, id)
	if err != nil {
		return nil, err
	}

	// Walk backward to find the oldest ancestor.
	seen := map[string]bool{head.ID: true}
	oldest := head
	for range make([]struct{}, maxChainHops) {
		pred, err := findPredecessor(ctx, oldest.ID)
		if err != nil {
			return nil, err
		}
		if pred == nil {
			break
		}
		if seen[pred.ID] {
			return nil, ErrCycleDetected
		}
		seen[pred.ID] = true
		oldest = pred
	}

	// Walk forward from the oldest ancestor, following SupersededBy.
	chain := []*types.Memory{oldest}
	seenForward := map[string]bool{oldest.ID: true}
	cur := oldest
	for i := 0; i < maxChainHops; i++ {
		if cur.SupersededBy == "" {
			break
		}
		next, err := get(ctx, cur.SupersededBy)
		if err != nil {
			return nil, err
		}
		if seenForward[next.ID] {
			return nil, ErrCycleDetected
		}
		seenForward[next.ID] = true
		chain = append(chain, next)
		cur = next
	}
	return chain, nil
}
