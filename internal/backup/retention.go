package backup

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Snapshot filenames share a timestamped stem so the brain and vector
// files of one capture are retained or dropped together:
//
//	cortex-<stamp>.brain.db
//	cortex-<stamp>.vectors.db
const (
	snapshotPrefix      = "cortex-"
	brainSuffix         = ".brain.db"
	vectorSuffix        = ".vectors.db"
	snapshotStampLayout = "20060102-150405.000000"
)

func brainSnapshotName(stamp string) string  { return snapshotPrefix + stamp + brainSuffix }
func vectorSnapshotName(stamp string) string { return snapshotPrefix + stamp + vectorSuffix }

// listSnapshots scans dir for snapshot pairs, keyed by the brain file
// (a vector file without a brain sibling is an orphan and ignored),
// newest first.
func listSnapshots(dir string) ([]Snapshot, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read snapshot directory: %w", err)
	}

	var snapshots []Snapshot
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), snapshotPrefix) ||
			!strings.HasSuffix(entry.Name(), brainSuffix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}

		snap := Snapshot{
			BrainPath: filepath.Join(dir, entry.Name()),
			CreatedAt: info.ModTime(),
			Size:      info.Size(),
		}
		// Prefer the embedded stamp over mtime when it parses; mtime
		// drifts under copy-based restores of the snapshot dir itself.
		stamp := strings.TrimSuffix(strings.TrimPrefix(entry.Name(), snapshotPrefix), brainSuffix)
		if at, err := time.ParseInLocation(snapshotStampLayout, stamp, time.Local); err == nil {
			snap.CreatedAt = at
		}

		vectorPath := filepath.Join(dir, vectorSnapshotName(stamp))
		if vinfo, err := os.Stat(vectorPath); err == nil {
			snap.VectorPath = vectorPath
			snap.Size += vinfo.Size()
		}
		snapshots = append(snapshots, snap)
	}

	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].CreatedAt.After(snapshots[j].CreatedAt)
	})
	return snapshots, nil
}

// applyRetention drops snapshots beyond the per-tier quotas, removing each
// capture's brain and vector files together.
func applyRetention(dir string, policy RetentionPolicy, now time.Time) error {
	snapshots, err := listSnapshots(dir)
	if err != nil {
		return err
	}
	if len(snapshots) == 0 {
		return nil
	}

	var toDelete []Snapshot
	tiers := map[string][]Snapshot{}
	for _, snap := range snapshots {
		age := now.Sub(snap.CreatedAt)
		switch {
		case age < 24*time.Hour:
			tiers["hourly"] = append(tiers["hourly"], snap)
		case age < 7*24*time.Hour:
			tiers["daily"] = append(tiers["daily"], snap)
		case age < 30*24*time.Hour:
			tiers["weekly"] = append(tiers["weekly"], snap)
		case age < 365*24*time.Hour:
			tiers["monthly"] = append(tiers["monthly"], snap)
		default:
			toDelete = append(toDelete, snap)
		}
	}

	for tier, quota := range map[string]int{
		"hourly":  policy.Hourly,
		"daily":   policy.Daily,
		"weekly":  policy.Weekly,
		"monthly": policy.Monthly,
	} {
		if kept := tiers[tier]; len(kept) > quota {
			toDelete = append(toDelete, kept[quota:]...)
		}
	}

	var lastErr error
	for _, snap := range toDelete {
		if err := os.Remove(snap.BrainPath); err != nil {
			lastErr = err
		}
		if snap.VectorPath != "" {
			if err := os.Remove(snap.VectorPath); err != nil {
				lastErr = err
			}
		}
	}
	if lastErr != nil {
		return fmt.Errorf("delete expired snapshots: %w", lastErr)
	}
	return nil
}

// diskUsage totals the bytes held by all snapshots.
func diskUsage(dir string) (int64, error) {
	snapshots, err := listSnapshots(dir)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, snap := range snapshots {
		total += snap.Size
	}
	return total, nil
}
