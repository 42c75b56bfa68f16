package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rikouu/cortex/internal/backup"
	"github.com/rikouu/cortex/internal/clock"
	"github.com/rikouu/cortex/internal/store"
	sqlitestore "github.com/rikouu/cortex/internal/store/sqlite"
	"github.com/rikouu/cortex/internal/types"
)

// newBrain creates a populated Cortex brain database for the CLI flows.
func newBrain(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "brain.db")
	clk := clock.NewFrozen(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	st, err := sqlitestore.Open(path, clk)
	require.NoError(t, err)
	_, err = st.InsertMemory(context.Background(), store.InsertMemoryParams{
		Layer: types.LayerCore, Category: "identity", Content: "Harry lives in Tokyo",
		Source: "test", AgentID: "default", Importance: 0.9, Confidence: 0.9,
	})
	require.NoError(t, err)
	require.NoError(t, st.Close())
	return path
}

func newService(t *testing.T, brainPath string) *backup.Service {
	t.Helper()
	svc, err := backup.NewService(backup.Config{
		BrainPath: brainPath,
		Dir:       filepath.Join(t.TempDir(), "snapshots"),
		Interval:  time.Hour,
		Verify:    true,
	}, nil)
	require.NoError(t, err)
	return svc
}

// The oneshot flow: snapshot, list, health, restore — the exact sequence
// the CLI modes drive.
func TestOneshotListHealthRestore(t *testing.T) {
	brain := newBrain(t)
	svc := newService(t, brain)
	ctx := context.Background()

	result, err := svc.SnapshotNow(ctx)
	require.NoError(t, err)
	assert.True(t, result.Snapshot.Verified)
	assert.Equal(t, 1, result.Snapshot.Memories)

	snapshots, err := svc.List()
	require.NoError(t, err)
	require.Len(t, snapshots, 1)

	health, err := svc.HealthCheck()
	require.NoError(t, err)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, 1, health.Snapshots)

	require.NoError(t, svc.Restore(ctx, snapshots[0].BrainPath))
}

func TestServiceStartStop(t *testing.T) {
	svc := newService(t, newBrain(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- svc.Start(ctx) }()

	// Give the loop a beat to mark itself running, then stop it.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, svc.Stop())

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("service did not stop")
	}

	// Double stop is an error, not a hang.
	assert.Error(t, svc.Stop())
}

func TestRestoreWhileRunningRefused(t *testing.T) {
	svc := newService(t, newBrain(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = svc.Start(ctx) }()
	time.Sleep(50 * time.Millisecond)
	defer func() { _ = svc.Stop() }()

	err := svc.Restore(context.Background(), "whatever.db")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "running")
}
