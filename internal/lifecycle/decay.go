package lifecycle

import (
	"math"
	"time"

	"github.com/rikouu/cortex/internal/types"
)

// baseImportance maps each category to its intrinsic weight, used by the
// promotion score and the decay formula. Unlisted categories fall back to
// defaultBaseImportance.
var baseImportance = map[types.Category]float64{
	"identity":               0.95,
	"correction":             0.9,
	"decision":               0.85,
	"constraint":             0.85,
	"policy":                 0.85,
	"preference":             0.8,
	"goal":                   0.8,
	"relationship":           0.75,
	"skill":                  0.7,
	"project_state":          0.7,
	"fact":                   0.65,
	"entity":                 0.6,
	"insight":                0.6,
	"todo":                   0.55,
	"agent_self_improvement": 0.55,
	"agent_user_habit":       0.55,
	"agent_relationship":     0.55,
	"agent_persona":          0.5,
	"context":                0.4,
	"summary":                0.5,
}

const defaultBaseImportance = 0.5

func baseImportanceOf(c types.Category) float64 {
	if v, ok := baseImportance[c]; ok {
		return v
	}
	return defaultBaseImportance
}

// promotionScore implements spec §4.10 phase 2:
// 0.3·baseImportance + 0.4·log(1+access)/log(1+10) + 0.3·importance.
func promotionScore(m *types.Memory) float64 {
	accessTerm := math.Log(1+float64(m.AccessCount)) / math.Log(1+10)
	if accessTerm > 1 {
		accessTerm = 1
	}
	return 0.3*baseImportanceOf(m.Category) + 0.4*accessTerm + 0.3*m.Importance
}

// decayScore implements spec §4.10 phase 6:
//
//	daysSinceAccess = (now − max(last_accessed, created_at)) / 1 day
//	recencyFactor   = exp(−λ · daysSinceAccess)
//	accessFreq      = log(1+access_count)/log(1+20)
//	decay           = clamp(baseImportance·accessFreq + recencyFactor·importance, 0, 1)
func decayScore(m *types.Memory, now time.Time, lambda float64) float64 {
	ref := m.CreatedAt
	if m.LastAccessed != nil && m.LastAccessed.After(ref) {
		ref = *m.LastAccessed
	}
	daysSinceAccess := now.Sub(ref).Hours() / 24
	if daysSinceAccess < 0 {
		daysSinceAccess = 0
	}
	recencyFactor := math.Exp(-lambda * daysSinceAccess)
	accessFreq := math.Log(1+float64(m.AccessCount)) / math.Log(1+20)

	score := baseImportanceOf(m.Category)*accessFreq + recencyFactor*m.Importance
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}
