package backup

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Service snapshots the brain and vector databases on a timer, verifies
// each capture, and applies the retention policy after every run.
type Service struct {
	cfg    Config
	logger *slog.Logger

	mu           sync.Mutex
	running      bool
	stopCh       chan struct{}
	lastSnapshot time.Time
	nextSnapshot time.Time
}

// NewService validates config, fills defaults, and creates the snapshot
// directory.
func NewService(cfg Config, logger *slog.Logger) (*Service, error) {
	if cfg.BrainPath == "" {
		return nil, fmt.Errorf("brain database path is required")
	}
	if cfg.Dir == "" {
		return nil, fmt.Errorf("snapshot directory is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.Retention.Hourly == 0 {
		cfg.Retention.Hourly = 24
	}
	if cfg.Retention.Daily == 0 {
		cfg.Retention.Daily = 7
	}
	if cfg.Retention.Weekly == 0 {
		cfg.Retention.Weekly = 4
	}
	if cfg.Retention.Monthly == 0 {
		cfg.Retention.Monthly = 12
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot directory: %w", err)
	}
	return &Service{cfg: cfg, logger: logger, stopCh: make(chan struct{})}, nil
}

// Start runs the snapshot timer until ctx is cancelled or Stop is called.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("backup service is already running")
	}
	s.running = true
	s.nextSnapshot = time.Now().Add(s.cfg.Interval)
	s.mu.Unlock()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.Info("backup service started", "interval", s.cfg.Interval, "dir", s.cfg.Dir)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stopCh:
			return nil
		case <-ticker.C:
			result, err := s.SnapshotNow(ctx)
			if err != nil {
				s.logger.Warn("scheduled snapshot failed", "err", err)
			} else {
				s.logger.Info("scheduled snapshot completed",
					"brain", result.Snapshot.BrainPath,
					"memories", result.Snapshot.Memories,
					"relations", result.Snapshot.Relations,
					"size", result.Snapshot.Size,
					"duration", result.Duration,
					"verified", result.Snapshot.Verified)
			}
			s.mu.Lock()
			s.nextSnapshot = time.Now().Add(s.cfg.Interval)
			s.mu.Unlock()
		}
	}
}

// Stop ends the timer loop.
func (s *Service) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return fmt.Errorf("backup service is not running")
	}
	close(s.stopCh)
	s.running = false
	return nil
}

// SnapshotNow captures the brain database and, when present, the vector
// database, verifies the pair, and applies retention.
func (s *Service) SnapshotNow(ctx context.Context) (*Result, error) {
	started := time.Now()

	if _, err := os.Stat(s.cfg.BrainPath); err != nil {
		return nil, fmt.Errorf("brain database not found: %w", err)
	}

	stamp := started.Format(snapshotStampLayout)
	snap := Snapshot{
		BrainPath: filepath.Join(s.cfg.Dir, brainSnapshotName(stamp)),
		CreatedAt: started,
	}

	if err := snapshotDatabase(s.cfg.BrainPath, snap.BrainPath); err != nil {
		return &Result{Snapshot: snap, Duration: time.Since(started), Error: err}, err
	}
	info, err := os.Stat(snap.BrainPath)
	if err != nil {
		return &Result{Snapshot: snap, Duration: time.Since(started), Error: err}, err
	}
	snap.Size = info.Size()

	// The vector file rides along when it exists; a failed vector
	// snapshot degrades (the index is reconstructible via reindex)
	// rather than failing the capture.
	if s.cfg.VectorPath != "" {
		if _, err := os.Stat(s.cfg.VectorPath); err == nil {
			vectorDest := filepath.Join(s.cfg.Dir, vectorSnapshotName(stamp))
			if err := snapshotDatabase(s.cfg.VectorPath, vectorDest); err != nil {
				s.logger.Warn("vector snapshot failed; brain snapshot kept", "err", err)
			} else {
				snap.VectorPath = vectorDest
				if vinfo, err := os.Stat(vectorDest); err == nil {
					snap.Size += vinfo.Size()
				}
			}
		}
	}

	if s.cfg.Verify {
		memories, relations, err := verifyBrainSnapshot(snap.BrainPath)
		if err != nil {
			err = fmt.Errorf("snapshot verification failed: %w", err)
			return &Result{Snapshot: snap, Duration: time.Since(started), Error: err}, err
		}
		snap.Memories = memories
		snap.Relations = relations
		if snap.VectorPath != "" {
			if err := verifyFileIntegrity(snap.VectorPath); err != nil {
				s.logger.Warn("vector snapshot failed verification; dropping it", "err", err)
				_ = os.Remove(snap.VectorPath)
				snap.VectorPath = ""
			}
		}
		snap.Verified = true
	}

	s.mu.Lock()
	s.lastSnapshot = time.Now()
	s.mu.Unlock()

	if err := applyRetention(s.cfg.Dir, s.cfg.Retention, time.Now()); err != nil {
		// Retention failure never fails the capture itself.
		s.logger.Warn("retention sweep failed", "err", err)
	}

	_ = ctx // snapshots are local file operations; nothing to cancel mid-flight
	return &Result{Snapshot: snap, Duration: time.Since(started)}, nil
}

// List returns all stored snapshots, newest first.
func (s *Service) List() ([]Snapshot, error) {
	return listSnapshots(s.cfg.Dir)
}

// Restore replaces the live brain (and vector, when captured) databases
// with a snapshot's contents. The owning store must be closed; a
// pre-restore capture of the current state backs out a failed restore.
func (s *Service) Restore(ctx context.Context, brainSnapshotPath string) error {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if running {
		return fmt.Errorf("cannot restore while the backup service is running")
	}

	if _, err := os.Stat(brainSnapshotPath); err != nil {
		return fmt.Errorf("snapshot not found: %w", err)
	}
	if _, _, err := verifyBrainSnapshot(brainSnapshotPath); err != nil {
		return fmt.Errorf("refusing restore: %w", err)
	}

	// Keep an escape hatch: snapshot the current brain before overwriting.
	preRestore := s.cfg.BrainPath + ".pre-restore"
	havePreRestore := false
	if _, err := os.Stat(s.cfg.BrainPath); err == nil {
		if err := snapshotDatabase(s.cfg.BrainPath, preRestore); err != nil {
			return fmt.Errorf("pre-restore snapshot failed: %w", err)
		}
		havePreRestore = true
	}

	if err := restoreFile(brainSnapshotPath, s.cfg.BrainPath); err != nil {
		if havePreRestore {
			if rbErr := restoreFile(preRestore, s.cfg.BrainPath); rbErr != nil {
				return fmt.Errorf("restore failed and rollback failed: %v (restore error: %w)", rbErr, err)
			}
			return fmt.Errorf("restore failed, rolled back to previous state: %w", err)
		}
		return err
	}
	if havePreRestore {
		_ = os.Remove(preRestore)
	}

	// Restore the matching vector snapshot when both sides exist;
	// otherwise drop the stale live vector file so recall degrades to
	// text-only until a reindex rebuilds it against the restored brain.
	if s.cfg.VectorPath != "" {
		vectorSnapshot := siblingVectorSnapshot(brainSnapshotPath)
		if _, err := os.Stat(vectorSnapshot); vectorSnapshot != "" && err == nil {
			if err := restoreFile(vectorSnapshot, s.cfg.VectorPath); err != nil {
				s.logger.Warn("vector restore failed; run reindex", "err", err)
				_ = os.Remove(s.cfg.VectorPath)
			}
		} else {
			s.logger.Warn("snapshot has no vector file; removing live vectors, run reindex")
			_ = os.Remove(s.cfg.VectorPath)
		}
	}

	_ = ctx
	s.logger.Info("restored from snapshot", "snapshot", brainSnapshotPath)
	return nil
}

// HealthCheck reports service status for the CLI and health endpoint.
func (s *Service) HealthCheck() (*Health, error) {
	s.mu.Lock()
	last := s.lastSnapshot
	next := s.nextSnapshot
	s.mu.Unlock()

	snapshots, err := s.List()
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	used, err := diskUsage(s.cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("disk usage: %w", err)
	}

	health := &Health{
		Status:       "healthy",
		LastSnapshot: last,
		NextSnapshot: next,
		Snapshots:    len(snapshots),
		Dir:          s.cfg.Dir,
		DiskUsed:     used,
	}
	switch {
	case last.IsZero():
		health.Message = "no snapshots yet"
	case time.Since(last) > 2*s.cfg.Interval:
		health.Status = "warning"
		health.Message = fmt.Sprintf("snapshot overdue by %v", time.Since(last)-s.cfg.Interval)
	default:
		health.Message = fmt.Sprintf("last snapshot %v ago", time.Since(last).Round(time.Minute))
	}
	return health, nil
}

// siblingVectorSnapshot maps a brain snapshot path to its vector sibling,
// or "" when the filename doesn't follow the snapshot naming scheme.
func siblingVectorSnapshot(brainPath string) string {
	name := filepath.Base(brainPath)
	if !strings.HasPrefix(name, snapshotPrefix) || !strings.HasSuffix(name, brainSuffix) {
		return ""
	}
	stamp := name[len(snapshotPrefix) : len(name)-len(brainSuffix)]
	return filepath.Join(filepath.Dir(brainPath), vectorSnapshotName(stamp))
}
