package importer_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rikouu/cortex/internal/importer"
	"github.com/rikouu/cortex/internal/store/sqlite"
	"github.com/rikouu/cortex/internal/vectorindex"
	"github.com/rikouu/cortex/internal/writer"
)

// TestObsidianImport runs a full integration import against a synthetic vault
// created in a temp directory. It validates that memories are created and
// wiki-link relationships are counted.
func TestObsidianImport(t *testing.T) {
	// Build a minimal synthetic vault so the test is self-contained.
	vaultDir := t.TempDir()

	note1 := []byte(`---
title: Alpha Note
tags: [go, testing]
---

# Alpha Note

This note links to [[Beta Note]] for more detail.
`)
	note2 := []byte(`---
title: Beta Note
tags: [go, testing]
---

# Beta Note

This note links back to [[Alpha Note]] as a reference.
`)
	if err := os.WriteFile(filepath.Join(vaultDir, "alpha-note.md"), note1, 0o600); err != nil {
		t.Fatalf("failed to create note1: %v", err)
	}
	if err := os.WriteFile(filepath.Join(vaultDir, "beta-note.md"), note2, 0o600); err != nil {
		t.Fatalf("failed to create note2: %v", err)
	}

	// Use an in-memory SQLite store; no embedder, so the writer falls
	// through to plain inserts.
	st, err := sqlite.Open(filepath.Join(t.TempDir(), "brain.db"), nil)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	defer func() { _ = st.Close() }()

	w := writer.New(st, vectorindex.NewMemoryIndex(), nil, nil, nil, writer.DefaultConfig(), nil)
	imp := importer.NewObsidianImporter(w, st, nil)
	ctx := context.Background()

	jobID, err := imp.StartImport(ctx, vaultDir, "default")
	if err != nil {
		t.Fatalf("StartImport failed: %v", err)
	}

	// Wait for completion (max 30s).
	deadline := time.Now().Add(30 * time.Second)
	var progress importer.ImportProgress
	for time.Now().Before(deadline) {
		var ok bool
		progress, ok = imp.GetJobProgress(jobID)
		if !ok {
			t.Fatal("job not found")
		}
		if progress.Status == "complete" || progress.Status == "failed" {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	result := imp.GetJobResult(jobID)
	if result == nil {
		t.Fatal("no result returned")
	}

	t.Logf("=== Import Test Results ===")
	t.Logf("Files found:      %d", result.FilesFound)
	t.Logf("Files processed:  %d", result.FilesProcessed)
	t.Logf("Files skipped:    %d", result.FilesSkipped)
	t.Logf("Files failed:     %d", result.FilesFailed)
	t.Logf("Memories created: %d", result.MemoriesCreated)
	t.Logf("Relations found:  %d", result.RelationsFound)
	t.Logf("Duration:         %v", result.Duration)
	for _, e := range result.Errors {
		t.Logf("Error: %s", e)
	}

	if result.MemoriesCreated == 0 {
		t.Error("expected at least one memory to be created")
	}
	if progress.Status != "complete" {
		t.Errorf("expected status 'complete', got %q", progress.Status)
	}
	if result.RelationsFound == 0 {
		t.Error("expected wiki-link relations to be found")
	}
}

// TestParseNote tests the lower-level ParseNote function.
func TestParseNote(t *testing.T) {
	content := []byte(`---
title: Test Note
tags: [go, testing]
date: 2024-01-15
category: Engineering
importance: 0.8
pinned: true
---

# Test Note

This is a test note that links to [[Another Note]] and [[Third Note|Display Name]].

Some content here. #inline-tag

More content.
`)

	note, err := importer.ParseNote(content, "/vault/preference/test-note.md", "preference/test-note.md")
	if err != nil {
		t.Fatalf("ParseNote failed: %v", err)
	}

	if note.Title != "Test Note" {
		t.Errorf("expected title 'Test Note', got %q", note.Title)
	}
	// "Engineering" is not in the closed category set; the directory
	// segment "preference" is.
	if note.Category != "preference" {
		t.Errorf("expected category 'preference', got %q", note.Category)
	}
	if note.Source != "user_stated" {
		t.Errorf("expected default source user_stated, got %q", note.Source)
	}
	if note.Importance != 0.8 {
		t.Errorf("expected importance 0.8, got %v", note.Importance)
	}
	if !note.Pinned {
		t.Error("expected pinned note")
	}
	if len(note.WikiLinks) != 2 {
		t.Errorf("expected 2 wiki links, got %d", len(note.WikiLinks))
	}
	// Check that inline #tag was picked up.
	foundInline := false
	for _, tag := range note.Tags {
		if tag == "inline-tag" {
			foundInline = true
		}
	}
	if !foundInline {
		t.Errorf("expected inline-tag in tags, got %v", note.Tags)
	}
}

// TestParseNoteCategoryFallsBack verifies unrecognized categories are
// dropped rather than stored.
func TestParseNoteCategoryFallsBack(t *testing.T) {
	note, err := importer.ParseNote([]byte("plain body text"), "/vault/Random/note.md", "Random/note.md")
	if err != nil {
		t.Fatalf("ParseNote failed: %v", err)
	}
	if note.Category != "" {
		t.Errorf("expected empty category for unrecognized names, got %q", note.Category)
	}
	if note.Title != "note" {
		t.Errorf("expected filename-derived title, got %q", note.Title)
	}
}

// TestWikiLinkExtractor tests wikilink extraction directly.
func TestWikiLinkExtractor(t *testing.T) {
	content := "See [[Project Alpha]] and [[Beta Note|Custom Label]] for details. Also [[Project Alpha]] again."

	links := importer.ExtractWikiLinks(content)
	if len(links) != 2 {
		t.Errorf("expected 2 unique links (deduped), got %d: %v", len(links), links)
	}
	if links[0].Target != "Project Alpha" {
		t.Errorf("expected 'Project Alpha', got %q", links[0].Target)
	}
	if links[1].Target != "Beta Note" || links[1].Alias != "Custom Label" {
		t.Errorf("unexpected second link: %+v", links[1])
	}

	stripped := importer.StripWikiLinks(content)
	t.Logf("Stripped: %s", stripped)
}
