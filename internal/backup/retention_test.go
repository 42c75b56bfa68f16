package backup

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rikouu/cortex/internal/clock"
	"github.com/rikouu/cortex/internal/store"
	sqlitestore "github.com/rikouu/cortex/internal/store/sqlite"
	"github.com/rikouu/cortex/internal/types"
)

// newBrainDB creates a real Cortex brain database with a few memories and
// one relation, so schema-aware verification has something to count.
func newBrainDB(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "brain.db")
	clk := clock.NewFrozen(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	st, err := sqlitestore.Open(path, clk)
	require.NoError(t, err)

	ctx := context.Background()
	for _, content := range []string{"Harry lives in Tokyo", "prefers dark mode"} {
		_, err := st.InsertMemory(ctx, store.InsertMemoryParams{
			Layer: types.LayerCore, Category: "fact", Content: content,
			Source: "test", AgentID: "default", Importance: 0.7, Confidence: 0.8,
		})
		require.NoError(t, err)
	}
	_, err = st.UpsertRelation(ctx, store.RelationInput{
		Subject: "Harry", Predicate: "lives_in", Object: "Tokyo",
		Confidence: 0.8, AgentID: "default", Source: "test", Channel: types.ChannelDeep,
	})
	require.NoError(t, err)
	require.NoError(t, st.Close())
	return path
}

func newTestService(t *testing.T, brainPath, vectorPath string) *Service {
	t.Helper()
	svc, err := NewService(Config{
		BrainPath:  brainPath,
		VectorPath: vectorPath,
		Dir:        filepath.Join(t.TempDir(), "snapshots"),
		Verify:     true,
	}, nil)
	require.NoError(t, err)
	return svc
}

func TestSnapshotCapturesAndVerifiesBrain(t *testing.T) {
	svc := newTestService(t, newBrainDB(t), "")

	result, err := svc.SnapshotNow(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Snapshot.Verified)
	assert.Equal(t, 2, result.Snapshot.Memories)
	assert.Equal(t, 1, result.Snapshot.Relations)
	assert.Empty(t, result.Snapshot.VectorPath)
	assert.FileExists(t, result.Snapshot.BrainPath)
	assert.Greater(t, result.Snapshot.Size, int64(0))
}

func TestSnapshotIncludesVectorSibling(t *testing.T) {
	brain := newBrainDB(t)

	// A plain SQLite file stands in for the vec0 database; snapshotting
	// and integrity-checking it goes through the same code path.
	vectorPath := filepath.Join(t.TempDir(), "brain.db.vec")
	vdb, err := sql.Open("sqlite", vectorPath)
	require.NoError(t, err)
	_, err = vdb.Exec(`CREATE TABLE placeholder (id INTEGER PRIMARY KEY)`)
	require.NoError(t, err)
	require.NoError(t, vdb.Close())

	svc := newTestService(t, brain, vectorPath)
	result, err := svc.SnapshotNow(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, result.Snapshot.VectorPath)
	assert.FileExists(t, result.Snapshot.VectorPath)

	snapshots, err := svc.List()
	require.NoError(t, err)
	require.Len(t, snapshots, 1)
	assert.Equal(t, result.Snapshot.BrainPath, snapshots[0].BrainPath)
	assert.NotEmpty(t, snapshots[0].VectorPath)
}

func TestVerificationRejectsNonCortexDatabase(t *testing.T) {
	// An intact SQLite file without the memories schema must fail.
	path := filepath.Join(t.TempDir(), "other.db")
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE notes (id INTEGER PRIMARY KEY, body TEXT)`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	_, _, err = verifyBrainSnapshot(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a cortex brain database")
}

func TestRestoreRoundTrip(t *testing.T) {
	brain := newBrainDB(t)
	svc := newTestService(t, brain, "")
	ctx := context.Background()

	result, err := svc.SnapshotNow(ctx)
	require.NoError(t, err)

	// Mutate the live database, then restore the snapshot over it.
	clk := clock.NewFrozen(time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC))
	st, err := sqlitestore.Open(brain, clk)
	require.NoError(t, err)
	_, err = st.InsertMemory(ctx, store.InsertMemoryParams{
		Layer: types.LayerCore, Category: "fact", Content: "post-snapshot memory",
		Source: "test", AgentID: "default", Importance: 0.5, Confidence: 0.5,
	})
	require.NoError(t, err)
	require.NoError(t, st.Close())

	require.NoError(t, svc.Restore(ctx, result.Snapshot.BrainPath))

	memories, _, err := verifyBrainSnapshot(brain)
	require.NoError(t, err)
	assert.Equal(t, 2, memories, "restore must roll the brain back to snapshot contents")
}

func TestRestoreRefusesForeignDatabase(t *testing.T) {
	brain := newBrainDB(t)
	svc := newTestService(t, brain, "")

	foreign := filepath.Join(t.TempDir(), "foreign.db")
	db, err := sql.Open("sqlite", foreign)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE stuff (id INTEGER)`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	err = svc.Restore(context.Background(), foreign)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refusing restore")
}

func TestRetentionDropsPairsTogether(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.Local)

	// Three same-tier snapshots (all < 24 h old), quota of two: the
	// oldest pair — brain and vector files together — must go.
	var stamps []string
	for i := 0; i < 3; i++ {
		at := now.Add(-time.Duration(i+1) * time.Hour)
		stamp := at.Format(snapshotStampLayout)
		stamps = append(stamps, stamp)
		for _, name := range []string{brainSnapshotName(stamp), vectorSnapshotName(stamp)} {
			require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
		}
	}

	policy := RetentionPolicy{Hourly: 2, Daily: 7, Weekly: 4, Monthly: 12}
	require.NoError(t, applyRetention(dir, policy, now))

	snapshots, err := listSnapshots(dir)
	require.NoError(t, err)
	require.Len(t, snapshots, 2)

	oldest := stamps[2]
	assert.NoFileExists(t, filepath.Join(dir, brainSnapshotName(oldest)))
	assert.NoFileExists(t, filepath.Join(dir, vectorSnapshotName(oldest)))
	for _, snap := range snapshots {
		assert.NotEmpty(t, snap.VectorPath, "surviving snapshots keep their vector sibling")
	}
}

func TestRetentionDropsAncientSnapshots(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.Local)

	ancient := now.Add(-400 * 24 * time.Hour).Format(snapshotStampLayout)
	require.NoError(t, os.WriteFile(filepath.Join(dir, brainSnapshotName(ancient)), []byte("x"), 0o644))

	require.NoError(t, applyRetention(dir, RetentionPolicy{Hourly: 24, Daily: 7, Weekly: 4, Monthly: 12}, now))

	snapshots, err := listSnapshots(dir)
	require.NoError(t, err)
	assert.Empty(t, snapshots, "snapshots older than a year are always dropped")
}

func TestListIgnoresOrphanVectorFiles(t *testing.T) {
	dir := t.TempDir()
	stamp := time.Date(2025, 6, 1, 11, 0, 0, 0, time.Local).Format(snapshotStampLayout)
	require.NoError(t, os.WriteFile(filepath.Join(dir, vectorSnapshotName(stamp)), []byte("x"), 0o644))

	snapshots, err := listSnapshots(dir)
	require.NoError(t, err)
	assert.Empty(t, snapshots)
}

func TestHealthCheck(t *testing.T) {
	svc := newTestService(t, newBrainDB(t), "")

	health, err := svc.HealthCheck()
	require.NoError(t, err)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, 0, health.Snapshots)

	_, err = svc.SnapshotNow(context.Background())
	require.NoError(t, err)

	health, err = svc.HealthCheck()
	require.NoError(t, err)
	assert.Equal(t, 1, health.Snapshots)
	assert.Greater(t, health.DiskUsed, int64(0))
	assert.False(t, health.LastSnapshot.IsZero())
}
