// Package export maintains the optional Markdown mirror of the memory
// store (spec §6.2): MEMORY.md for core memories grouped by category,
// working/<date>.md and archive/<month>.md for the other layers. Rewrites
// are debounced — Store mutations call Notify, and the exporter coalesces
// bursts into one rewrite — or forced on demand.
package export

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rikouu/cortex/internal/clock"
	"github.com/rikouu/cortex/internal/store"
	"github.com/rikouu/cortex/internal/types"
)

// Config holds exporter settings.
type Config struct {
	Dir      string
	Debounce time.Duration // default 5 min
}

// Exporter writes the Markdown mirror.
type Exporter struct {
	store store.Store
	clock clock.Clock
	cfg   Config
	warn  func(msg string, err error)

	mu      sync.Mutex
	pending bool
	timer   *time.Timer
}

// New assembles an Exporter.
func New(s store.Store, clk clock.Clock, cfg Config, warn func(string, error)) *Exporter {
	if clk == nil {
		clk = clock.Real{}
	}
	if cfg.Debounce == 0 {
		cfg.Debounce = 5 * time.Minute
	}
	return &Exporter{store: s, clock: clk, cfg: cfg, warn: warn}
}

// Notify schedules a debounced rewrite. Multiple calls inside the
// debounce window coalesce into one.
func (e *Exporter) Notify() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pending {
		return
	}
	e.pending = true
	e.timer = time.AfterFunc(e.cfg.Debounce, func() {
		e.mu.Lock()
		e.pending = false
		e.mu.Unlock()
		if err := e.Write(context.Background()); err != nil {
			// Markdown export is a swallowed side path (spec §7).
			e.warnf("export: debounced rewrite failed", err)
		}
	})
}

// Stop cancels any pending debounced rewrite.
func (e *Exporter) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.timer != nil {
		e.timer.Stop()
	}
	e.pending = false
}

// Write regenerates all Markdown files now.
func (e *Exporter) Write(ctx context.Context) error {
	if e.cfg.Dir == "" {
		return nil
	}
	if err := os.MkdirAll(e.cfg.Dir, 0o755); err != nil {
		return fmt.Errorf("export: mkdir: %w", err)
	}

	if err := e.writeCore(ctx); err != nil {
		return err
	}
	if err := e.writeLayer(ctx, types.LayerWorking, "working", "2006-01-02"); err != nil {
		return err
	}
	return e.writeLayer(ctx, types.LayerArchive, "archive", "2006-01")
}

// writeCore renders MEMORY.md: active core memories grouped by category.
func (e *Exporter) writeCore(ctx context.Context) error {
	memories, err := e.listAll(ctx, types.LayerCore)
	if err != nil {
		return err
	}

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
	b.WriteString("# Memory\n")
	for _, c := range categories {
		b.WriteString("\n## ")
		b.WriteString(string(c))
		b.WriteString("\n\n")
		for _, m := range byCategory[c] {
			b.WriteString("- ")
			b.WriteString(strings.ReplaceAll(m.Content, "\n", " "))
			if m.IsPinned {
				b.WriteString(" 📌")
			}
			b.WriteString("\n")
		}
	}
	return writeFileAtomic(filepath.Join(e.cfg.Dir, "MEMORY.md"), b.String())
}

// writeLayer renders one file per time bucket (date for working, month
// for archive) under a subdirectory.
func (e *Exporter) writeLayer(ctx context.Context, layer types.Layer, subdir, bucketFormat string) error {
	memories, err := e.listAll(ctx, layer)
	if err != nil {
		return err
	}
	if len(memories) == 0 {
		return nil
	}
	dir := filepath.Join(e.cfg.Dir, subdir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("export: mkdir %s: %w", subdir, err)
	}

	buckets := make(map[string][]*types.Memory)
	for _, m := range memories {
		key := m.CreatedAt.Format(bucketFormat)
		buckets[key] = append(buckets[key], m)
	}
	for key, bucket := range buckets {
		var b strings.Builder
		fmt.Fprintf(&b, "# %s (%s)\n\n", key, layer)
		for _, m := range bucket {
			fmt.Fprintf(&b, "- [%s] %s\n", m.Category, strings.ReplaceAll(m.Content, "\n", " "))
		}
		if err := writeFileAtomic(filepath.Join(dir, key+".md"), b.String()); err != nil {
			return err
		}
	}
	return nil
}

func (e *Exporter) listAll(ctx context.Context, layer types.Layer) ([]*types.Memory, error) {
	agents, err := e.store.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	agentIDs := map[string]struct{}{types.DefaultAgentID: {}}
	for _, a := range agents {
		agentIDs[a.ID] = struct{}{}
	}

	var out []*types.Memory
	for agentID := range agentIDs {
		page := 1
		for {
			memories, err := e.store.ListMemories(ctx, store.MemoryFilter{
				AgentID:    agentID,
				Layers:     []types.Layer{layer},
				ActiveOnly: true,
				Page:       page,
				Limit:      1000,
			})
			if err != nil {
				return nil, err
			}
			out = append(out, memories...)
			if len(memories) < 1000 {
				break
			}
			page++
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func writeFileAtomic(path, content string) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return fmt.Errorf("export: write %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("export: rename %s: %w", path, err)
	}
	return nil
}

func (e *Exporter) warnf(msg string, err error) {
	if e.warn != nil {
		e.warn(msg, err)
	}
}
