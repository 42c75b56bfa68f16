// Package backup snapshots Cortex's persisted state — the brain database
// and its sibling vector database — on a timer, with tiered retention and
// Cortex-aware verification: a snapshot that does not contain the memories
// schema fails verification even if SQLite itself says the file is intact.
package backup

import (
	"time"
)

// Config holds backup service configuration.
type Config struct {
	// BrainPath is the brain database file (memories, relations, logs).
	BrainPath string

	// VectorPath is the sibling vector database. Empty means no vector
	// file is snapshotted (postgres deployments, or recall running
	// degraded); the vector index is reconstructible via reindex, so a
	// missing file is never fatal.
	VectorPath string

	// Dir is where snapshots are stored.
	Dir string

	// Interval between automated snapshots (default 1 hour).
	Interval time.Duration

	// Retention defines how many snapshots survive at each age tier.
	Retention RetentionPolicy

	// Verify enables schema-aware integrity checking after each snapshot.
	Verify bool
}

// RetentionPolicy defines how many snapshots to keep per age tier:
// hourly (< 24 h), daily (1–7 d), weekly (7–30 d), monthly (30–365 d).
// Snapshots older than a year are always dropped.
type RetentionPolicy struct {
	Hourly  int // default 24
	Daily   int // default 7
	Weekly  int // default 4
	Monthly int // default 12
}

// Snapshot is one stored point-in-time capture. BrainPath is always set;
// VectorPath is empty when no vector file existed at snapshot time.
type Snapshot struct {
	BrainPath  string
	VectorPath string
	CreatedAt  time.Time
	Size       int64 // bytes across both files

	// Filled by verification.
	Verified  bool
	Memories  int // rows in the snapshot's memories table
	Relations int // rows in the snapshot's relations table
}

// Result reports one snapshot operation.
type Result struct {
	Snapshot Snapshot
	Duration time.Duration
	Error    error
}

// Health reports the service's state for the health endpoint and CLI.
type Health struct {
	Status       string // healthy | warning | error
	Message      string
	LastSnapshot time.Time
	NextSnapshot time.Time
	Snapshots    int
	Dir          string
	DiskUsed     int64
}
