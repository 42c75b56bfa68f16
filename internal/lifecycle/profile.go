package lifecycle

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/rikouu/cortex/internal/store"
	"github.com/rikouu/cortex/internal/types"
)

const profileMemoryLimit = 30

// Phase 7: synthesize a compact user profile per agent from its
// highest-importance core memories, cached for ProfileCacheTTL under
// agent.metadata.profile.
func (e *Engine) synthesizeProfiles(ctx context.Context, dryRun bool, report *Report) error {
	agents, err := e.store.ListAgents(ctx)
	if err != nil {
		return err
	}
	// The default agent may have memories without an agent row.
	hasDefault := false
	for _, a := range agents {
		if a.ID == types.DefaultAgentID {
			hasDefault = true
			break
		}
	}
	if !hasDefault {
		agents = append(agents, &types.Agent{ID: types.DefaultAgentID, Name: "default"})
	}

	now := e.clock.Now()
	for _, agent := range agents {
		if _, at, ok := agent.Profile(); ok && now.Sub(at) < e.cfg.ProfileCacheTTL {
			continue // cache still fresh
		}

		memories, err := e.store.ListMemories(ctx, store.MemoryFilter{
			AgentID:    agent.ID,
			Layers:     []types.Layer{types.LayerCore},
			ActiveOnly: true,
			Limit:      e.cfg.ScanLimit,
		})
		if err != nil {
			e.warnf("lifecycle: profile listing failed", err)
			continue
		}

		eligible := memories[:0]
		for _, m := range memories {
			if m.Category == "context" || m.Category == "summary" {
				continue
			}
			eligible = append(eligible, m)
		}
		if len(eligible) == 0 {
			continue
		}
		sort.Slice(eligible, func(i, j int) bool {
			if eligible[i].Importance != eligible[j].Importance {
				return eligible[i].Importance > eligible[j].Importance
			}
			return eligible[i].ID < eligible[j].ID
		})
		if len(eligible) > profileMemoryLimit {
			eligible = eligible[:profileMemoryLimit]
		}

		report.Profiles++
		if dryRun {
			continue
		}

		profile, err := e.llm.Complete(ctx, buildProfilePrompt(eligible))
		if err != nil {
			report.Profiles--
			e.warnf("lifecycle: profile synthesis failed", err)
			continue
		}
		profile = strings.TrimSpace(profile)
		if profile == "" {
			report.Profiles--
			continue
		}

		if agent.Metadata == nil {
			agent.Metadata = map[string]interface{}{}
		}
		agent.Metadata["profile"] = map[string]interface{}{
			"text":           profile,
			"synthesized_at": now.Format(time.RFC3339),
		}
		if err := e.store.UpsertAgent(ctx, agent); err != nil {
			report.Profiles--
			e.warnf("lifecycle: profile persist failed", err)
			continue
		}
		e.audit(ctx, "profile", nil, map[string]interface{}{
			"agent_id": agent.ID, "memories": len(eligible),
		})
	}
	return nil
}

// buildProfilePrompt groups memories by category for the synthesis call.
func buildProfilePrompt(memories []*types.Memory) string {
	byCategory := make(map[types.Category][]*types.Memory)
	var categories []types.Category
	for _, m := range memories {
		if _, ok := byCategory[m.Category]; !ok {
			categories = append(categories, m.Category)
		}
		byCategory[m.Category] = append(byCategory[m.Category], m)
	}
	sort.Slice(categories, func(i, j int) bool { return categories[i] < categories[j] })

	var b strings.Builder
	b.WriteString("Write a compact profile of this user from their stored memories, grouped below by kind. A few short paragraphs, same language as the memories. Reply with the profile only.\n")
	for _, c := range categories {
		b.WriteString("\n")
		b.WriteString(string(c))
		b.WriteString(":\n")
		for _, m := range byCategory[c] {
			b.WriteString("- ")
			b.WriteString(m.Content)
			b.WriteString("\n")
		}
	}
	return b.String()
}
