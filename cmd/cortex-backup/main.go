// Command cortex-backup runs the snapshot service for a Cortex brain
// database (and its sibling vector database) outside the server process:
// continuous timer mode, one-shot capture, restore, listing, and health.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rikouu/cortex/internal/backup"
	"github.com/rikouu/cortex/internal/config"
)

var (
	dbPath    = flag.String("db", "", "Path to the brain database (overrides config)")
	vectorDB  = flag.String("vector-db", "", "Path to the vector database (default <db>.vec)")
	backupDir = flag.String("backup-dir", "", "Snapshot directory (overrides config)")
	interval  = flag.Duration("interval", 0, "Snapshot interval (overrides config)")
	verify    = flag.Bool("verify", true, "Verify snapshots after creation")
	oneshot   = flag.Bool("oneshot", false, "Take a single snapshot and exit")
	restore   = flag.String("restore", "", "Restore from a brain snapshot file and exit")
	healthCmd = flag.Bool("health", false, "Check snapshot service health and exit")
	listCmd   = flag.Bool("list", false, "List stored snapshots and exit")
)

func main() {
	flag.Parse()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Error("load configuration", "err", err)
		os.Exit(1)
	}

	brainPath := cfg.Storage.DBPath
	if *dbPath != "" {
		brainPath = *dbPath
	}
	vectorPath := brainPath + ".vec"
	if *vectorDB != "" {
		vectorPath = *vectorDB
	}
	dir := cfg.Backup.Path
	if *backupDir != "" {
		dir = *backupDir
	}
	snapInterval := cfg.Backup.Interval
	if *interval > 0 {
		snapInterval = *interval
	}

	service, err := backup.NewService(backup.Config{
		BrainPath:  brainPath,
		VectorPath: vectorPath,
		Dir:        dir,
		Interval:   snapInterval,
		Retention: backup.RetentionPolicy{
			Hourly:  cfg.Backup.RetentionHourly,
			Daily:   cfg.Backup.RetentionDaily,
			Weekly:  cfg.Backup.RetentionWeekly,
			Monthly: cfg.Backup.RetentionMonthly,
		},
		Verify: *verify,
	}, logger)
	if err != nil {
		logger.Error("create snapshot service", "err", err)
		os.Exit(1)
	}

	ctx := context.Background()
	switch {
	case *restore != "":
		handleRestore(ctx, service, *restore, logger)
	case *healthCmd:
		handleHealth(service)
	case *listCmd:
		handleList(service)
	case *oneshot:
		handleOneshot(ctx, service, logger)
	default:
		runService(ctx, service, logger)
	}
}

func handleRestore(ctx context.Context, service *backup.Service, snapshotPath string, logger *slog.Logger) {
	logger.Info("restoring from snapshot", "snapshot", snapshotPath)
	if err := service.Restore(ctx, snapshotPath); err != nil {
		logger.Error("restore failed", "err", err)
		os.Exit(1)
	}
	logger.Info("restore complete; run a reindex if the snapshot had no vector file")
}

func handleHealth(service *backup.Service) {
	health, err := service.HealthCheck()
	if err != nil {
		fmt.Fprintf(os.Stderr, "health check failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Status: %s\n", health.Status)
	if health.Message != "" {
		fmt.Printf("Message: %s\n", health.Message)
	}
	fmt.Printf("Snapshots: %d\n", health.Snapshots)
	fmt.Printf("Disk Used: %.2f MB\n", float64(health.DiskUsed)/(1024*1024))
	fmt.Printf("Directory: %s\n", health.Dir)
	if !health.LastSnapshot.IsZero() {
		fmt.Printf("Last Snapshot: %s (%s ago)\n",
			health.LastSnapshot.Format(time.RFC3339),
			time.Since(health.LastSnapshot).Round(time.Minute))
	} else {
		fmt.Println("Last Snapshot: never")
	}
	if !health.NextSnapshot.IsZero() {
		fmt.Printf("Next Snapshot: %s (in %s)\n",
			health.NextSnapshot.Format(time.RFC3339),
			time.Until(health.NextSnapshot).Round(time.Minute))
	}

	if health.Status != "healthy" {
		os.Exit(1)
	}
}

func handleList(service *backup.Service) {
	snapshots, err := service.List()
	if err != nil {
		fmt.Fprintf(os.Stderr, "list snapshots failed: %v\n", err)
		os.Exit(1)
	}
	if len(snapshots) == 0 {
		fmt.Println("No snapshots found")
		return
	}

	fmt.Printf("Found %d snapshot(s):\n\n", len(snapshots))
	for i, snap := range snapshots {
		fmt.Printf("%d. %s\n", i+1, snap.BrainPath)
		if snap.VectorPath != "" {
			fmt.Printf("   Vectors: %s\n", snap.VectorPath)
		}
		fmt.Printf("   Size: %.2f MB\n", float64(snap.Size)/(1024*1024))
		fmt.Printf("   Created: %s (%s ago)\n",
			snap.CreatedAt.Format(time.RFC3339),
			time.Since(snap.CreatedAt).Round(time.Minute))
		fmt.Println()
	}
}

func handleOneshot(ctx context.Context, service *backup.Service, logger *slog.Logger) {
	logger.Info("taking one-time snapshot")
	result, err := service.SnapshotNow(ctx)
	if err != nil {
		logger.Error("snapshot failed", "err", err)
		os.Exit(1)
	}
	logger.Info("snapshot completed",
		"brain", result.Snapshot.BrainPath,
		"vectors", result.Snapshot.VectorPath,
		"memories", result.Snapshot.Memories,
		"relations", result.Snapshot.Relations,
		"size", result.Snapshot.Size,
		"duration", result.Duration,
		"verified", result.Snapshot.Verified)
}

func runService(ctx context.Context, service *backup.Service, logger *slog.Logger) {
	go func() {
		if err := service.Start(ctx); err != nil && err != context.Canceled {
			logger.Warn("snapshot service stopped", "err", err)
		}
	}()

	logger.Info("cortex snapshot service running; Ctrl+C to stop")
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	if err := service.Stop(); err != nil {
		logger.Warn("stop", "err", err)
	}
	logger.Info("snapshot service stopped")
}
