package importer

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rikouu/cortex/internal/store"
	"github.com/rikouu/cortex/internal/types"
	"github.com/rikouu/cortex/internal/writer"
)

// ImportResult is the final summary produced by a completed import job.
type ImportResult struct {
	JobID           string        `json:"job_id"`
	FilesFound      int           `json:"files_found"`
	FilesProcessed  int           `json:"files_processed"`
	FilesSkipped    int           `json:"files_skipped"`
	FilesFailed     int           `json:"files_failed"`
	MemoriesCreated int           `json:"memories_created"`
	Deduplicated    int           `json:"deduplicated"`
	RelationsFound  int           `json:"relations_found"`
	Errors          []string      `json:"errors,omitempty"`
	Duration        time.Duration `json:"duration_ms"`
}

// ImportProgress carries live progress data for a running job.
type ImportProgress struct {
	JobID          string `json:"job_id"`
	Status         string `json:"status"` // "running" | "complete" | "failed"
	FilesFound     int    `json:"files_found"`
	FilesProcessed int    `json:"files_processed"`
	FilesTotal     int    `json:"files_total"`
	CurrentFile    string `json:"current_file,omitempty"`
	Message        string `json:"message,omitempty"`
}

// ImportJob tracks the state of an async import operation.
type ImportJob struct {
	mu       sync.RWMutex
	Progress ImportProgress
	Result   *ImportResult
	Done     chan struct{}
}

func newImportJob(jobID string) *ImportJob {
	return &ImportJob{
		Progress: ImportProgress{JobID: jobID, Status: "running"},
		Done:     make(chan struct{}),
	}
}

// GetProgress returns a snapshot of the current import progress.
func (j *ImportJob) GetProgress() ImportProgress {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.Progress
}

// ObsidianImporter walks an Obsidian vault (or any Markdown directory) and
// feeds the notes it finds through the MemoryWriter's dedup path, with
// [[wiki-links]] upserted as related_to relations.
type ObsidianImporter struct {
	writer *writer.Writer
	store  store.Store
	warn   func(msg string, err error)

	mu   sync.RWMutex
	jobs map[string]*ImportJob
}

// NewObsidianImporter creates an importer that admits memories through w.
func NewObsidianImporter(w *writer.Writer, s store.Store, warn func(string, error)) *ObsidianImporter {
	return &ObsidianImporter{
		writer: w,
		store:  s,
		warn:   warn,
		jobs:   make(map[string]*ImportJob),
	}
}

// StartImport begins an asynchronous import of the directory at dirPath
// into agentID's memory space. It returns a job ID for progress polling.
func (imp *ObsidianImporter) StartImport(ctx context.Context, dirPath, agentID string) (string, error) {
	info, err := os.Stat(dirPath)
	if err != nil {
		return "", fmt.Errorf("cannot access directory %q: %w", dirPath, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%q is not a directory", dirPath)
	}
	if agentID == "" {
		agentID = types.DefaultAgentID
	}

	jobID := uuid.New().String()
	job := newImportJob(jobID)

	imp.mu.Lock()
	imp.jobs[jobID] = job
	imp.mu.Unlock()

	go func() {
		result := imp.runImport(ctx, job, dirPath, agentID)
		job.mu.Lock()
		job.Result = result
		if len(result.Errors) > 0 && result.FilesProcessed == 0 {
			job.Progress.Status = "failed"
			job.Progress.Message = "Import failed"
		} else {
			job.Progress.Status = "complete"
			job.Progress.Message = fmt.Sprintf("Imported %d memories from %d files",
				result.MemoriesCreated, result.FilesProcessed)
		}
		job.mu.Unlock()
		close(job.Done)
	}()

	return jobID, nil
}

// GetJobProgress returns the live progress for a job, or false if unknown.
func (imp *ObsidianImporter) GetJobProgress(jobID string) (ImportProgress, bool) {
	imp.mu.RLock()
	job, ok := imp.jobs[jobID]
	imp.mu.RUnlock()
	if !ok {
		return ImportProgress{}, false
	}
	return job.GetProgress(), true
}

// GetJobResult returns the final result for a completed job, or nil while
// the job is still running or unknown.
func (imp *ObsidianImporter) GetJobResult(jobID string) *ImportResult {
	imp.mu.RLock()
	job, ok := imp.jobs[jobID]
	imp.mu.RUnlock()
	if !ok {
		return nil
	}
	job.mu.RLock()
	defer job.mu.RUnlock()
	return job.Result
}

// runImport is the synchronous import logic executed in a goroutine.
func (imp *ObsidianImporter) runImport(ctx context.Context, job *ImportJob, dirPath, agentID string) *ImportResult {
	start := time.Now()
	result := &ImportResult{JobID: job.Progress.JobID}

	files, err := collectMarkdownFiles(dirPath)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("walk error: %v", err))
		return result
	}

	result.FilesFound = len(files)
	job.mu.Lock()
	job.Progress.FilesFound = len(files)
	job.Progress.FilesTotal = len(files)
	job.mu.Unlock()

	if len(files) == 0 {
		result.Duration = time.Since(start)
		return result
	}

	for i, absPath := range files {
		if ctx.Err() != nil {
			result.Errors = append(result.Errors, "context cancelled")
			break
		}

		rel, _ := filepath.Rel(dirPath, absPath)
		job.mu.Lock()
		job.Progress.FilesProcessed = i
		job.Progress.CurrentFile = rel
		job.mu.Unlock()

		data, err := os.ReadFile(absPath)
		if err != nil {
			imp.warnf("import: read failed: "+rel, err)
			result.FilesSkipped++
			result.Errors = append(result.Errors, fmt.Sprintf("%s: read error: %v", rel, err))
			continue
		}
		if len(strings.TrimSpace(string(data))) == 0 {
			result.FilesSkipped++
			continue
		}

		parsed, err := ParseNote(data, absPath, rel)
		if err != nil {
			imp.warnf("import: parse failed: "+rel, err)
			result.FilesFailed++
			result.Errors = append(result.Errors, fmt.Sprintf("%s: parse error: %v", rel, err))
			continue
		}

		outcome, err := imp.storeNote(ctx, parsed, agentID)
		if err != nil {
			imp.warnf("import: store failed: "+rel, err)
			result.FilesFailed++
			result.Errors = append(result.Errors, fmt.Sprintf("%s: store error: %v", rel, err))
			continue
		}
		result.FilesProcessed++
		switch outcome.Action {
		case writer.ActionInserted, writer.ActionSmartUpdated:
			result.MemoriesCreated++
		default:
			result.Deduplicated++
		}

		result.RelationsFound += imp.upsertWikiLinks(ctx, parsed, outcome, agentID)
	}

	result.Duration = time.Since(start)
	return result
}

// storeNote converts a ParsedNote into an Extraction and admits it via the
// writer's dedup path, so re-importing a vault is idempotent. The note's
// frontmatter drives category/importance/pin when present.
func (imp *ObsidianImporter) storeNote(ctx context.Context, note *ParsedNote, agentID string) (*writer.Outcome, error) {
	meta := map[string]interface{}{
		"import_source": "obsidian",
		"import_path":   note.RelativePath,
	}
	if len(note.Tags) > 0 {
		meta["tags"] = note.Tags
	}

	category := note.Category
	if category == "" {
		category = "fact"
	}
	importance := note.Importance
	if importance == 0 {
		importance = 0.6
	}

	return imp.writer.Write(ctx, writer.Extraction{
		Content:    note.Content,
		Category:   category,
		Importance: importance,
		Confidence: 0.8,
		Source:     note.Source,
		Pinned:     note.Pinned,
		Metadata:   meta,
	}, agentID, "import:obsidian")
}

// upsertWikiLinks records each [[link]] as a (note title, related_to,
// target) relation. Failures are swallowed per the side-path policy.
func (imp *ObsidianImporter) upsertWikiLinks(ctx context.Context, note *ParsedNote, outcome *writer.Outcome, agentID string) int {
	subject := note.Title
	if subject == "" || len(note.WikiLinks) == 0 {
		return 0
	}
	var sourceMemoryID string
	if outcome.Memory != nil {
		sourceMemoryID = outcome.Memory.ID
	}

	count := 0
	for _, wl := range note.WikiLinks {
		target := wl.Target
		if len(subject) > 100 || len(target) > 100 || target == "" {
			continue
		}
		if _, err := imp.store.UpsertRelation(ctx, store.RelationInput{
			Subject:    subject,
			Predicate:  "related_to",
			Object:     target,
			Confidence: 0.6,
			AgentID:    agentID,
			Source:     "import:obsidian",
			Channel:    types.ChannelMCP,
			MemoryID:   sourceMemoryID,
		}); err != nil {
			imp.warnf("import: relation upsert failed", err)
			continue
		}
		count++
	}
	return count
}

func (imp *ObsidianImporter) warnf(msg string, err error) {
	if imp.warn != nil {
		imp.warn(msg, err)
	}
}

// collectMarkdownFiles walks dirPath and returns all .md / .markdown
// files, skipping hidden directories (.obsidian, .git, .trash).
func collectMarkdownFiles(dirPath string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dirPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != dirPath {
				return filepath.SkipDir
			}
			return nil
		}
		ext := strings.ToLower(filepath.Ext(d.Name()))
		if ext == ".md" || ext == ".markdown" {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}
