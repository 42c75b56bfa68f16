// Package vocab holds the closed vocabularies named in spec §6.3 and the
// validators the store uses before any write. New locales or categories are
// additive: append to the slices below, nothing else needs to change.
package vocab

import (
	"errors"
	"fmt"

	"github.com/rikouu/cortex/internal/types"
)

// Layers is the complete, closed set of memory layers.
var Layers = []types.Layer{types.LayerWorking, types.LayerCore, types.LayerArchive}

// IsValidLayer reports whether l is one of the three stratification tiers.
func IsValidLayer(l types.Layer) bool {
	for _, v := range Layers {
		if v == l {
			return true
		}
	}
	return false
}

// Categories is the complete closed set of memory categories (spec §6.3).
var Categories = []types.Category{
	"identity", "preference", "decision", "fact", "entity", "correction",
	"todo", "context", "summary", "skill", "relationship", "goal", "insight",
	"project_state", "constraint", "policy", "agent_self_improvement",
	"agent_user_habit", "agent_relationship", "agent_persona",
}

// LLMExtractableCategories is the subset of Categories an LLM extraction
// call may produce. "context" and "summary" are system-internal and never
// appear in a Sieve/Flush prompt response.
var LLMExtractableCategories = []types.Category{
	"identity", "preference", "decision", "fact", "entity", "correction",
	"todo", "skill", "relationship", "goal", "insight", "project_state",
	"constraint", "policy", "agent_self_improvement", "agent_user_habit",
	"agent_relationship", "agent_persona",
}

// IsValidCategory reports whether c is in the closed category set.
func IsValidCategory(c types.Category) bool {
	for _, v := range Categories {
		if v == c {
			return true
		}
	}
	return false
}

// IsLLMExtractableCategory reports whether c may be produced by an LLM
// extraction call, excluding the system-internal "context"/"summary" tags.
func IsLLMExtractableCategory(c types.Category) bool {
	for _, v := range LLMExtractableCategories {
		if v == c {
			return true
		}
	}
	return false
}

// Predicates is the closed vocabulary relation predicates are drawn from.
var Predicates = []string{
	"uses", "works_at", "lives_in", "knows", "manages", "belongs_to",
	"created", "prefers", "studies", "skilled_in", "collaborates_with",
	"reports_to", "owns", "interested_in", "related_to", "not_uses",
	"not_interested_in", "dislikes",
}

// IsValidPredicate reports whether p is in the closed predicate set.
func IsValidPredicate(p string) bool {
	for _, v := range Predicates {
		if v == p {
			return true
		}
	}
	return false
}

// ExtractionSources is the closed set of extraction source tags.
var ExtractionSources = []types.ExtractionSource{
	types.SourceUserStated, types.SourceUserImplied, types.SourceObservedPattern,
	types.SourceSystemDefined, types.SourceSelfReflection,
}

// IsValidExtractionSource reports whether s is a recognized source tag.
func IsValidExtractionSource(s types.ExtractionSource) bool {
	for _, v := range ExtractionSources {
		if v == s {
			return true
		}
	}
	return false
}

// Channels is the closed set of extraction channels.
var Channels = []types.Channel{
	types.ChannelFast, types.ChannelDeep, types.ChannelFlush, types.ChannelMCP,
}

// IsValidChannel reports whether c is a recognized extraction channel.
func IsValidChannel(c types.Channel) bool {
	for _, v := range Channels {
		if v == c {
			return true
		}
	}
	return false
}

// ValidateMemoryFields checks layer and category against the closed sets
// and importance/confidence against [0,1], returning a single wrapped error
// describing the first violation found. Store.InsertMemory calls this
// before any write (spec §4.1).
func ValidateMemoryFields(layer types.Layer, category types.Category, importance, confidence float64) error {
	if !IsValidLayer(layer) {
		return fmt.Errorf("%w: invalid layer %q", ErrInvalidVocab, layer)
	}
	if !IsValidCategory(category) {
		return fmt.Errorf("%w: invalid category %q", ErrInvalidVocab, category)
	}
	if importance < 0 || importance > 1 {
		return fmt.Errorf("%w: importance %f out of range [0,1]", ErrInvalidVocab, importance)
	}
	if confidence < 0 || confidence > 1 {
		return fmt.Errorf("%w: confidence %f out of range [0,1]", ErrInvalidVocab, confidence)
	}
	return nil
}

// ErrInvalidVocab is the sentinel wrapped by every closed-vocabulary
// validation failure, so callers can errors.Is against a single value.
var ErrInvalidVocab = errors.New("vocab: invalid value")
