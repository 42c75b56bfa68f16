package backup

import (
	"database/sql"
	"fmt"
	"io"
	"os"
	"strings"

	_ "modernc.org/sqlite"
)

// snapshotDatabase captures a consistent copy of one SQLite file via
// VACUUM INTO, which is WAL-safe and produces a compacted image.
func snapshotDatabase(sourcePath, destPath string) error {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?mode=ro", sourcePath))
	if err != nil {
		return fmt.Errorf("open source database: %w", err)
	}
	defer func() { _ = db.Close() }()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("ping source database: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("VACUUM INTO '%s'", strings.ReplaceAll(destPath, "'", "''"))); err != nil {
		return fmt.Errorf("vacuum into snapshot: %w", err)
	}
	return nil
}

// verifyBrainSnapshot checks a brain snapshot the Cortex way: SQLite-level
// integrity first, then that the memories and relations tables actually
// exist, returning their row counts. A structurally-intact file that isn't
// a Cortex brain database fails here.
func verifyBrainSnapshot(path string) (memories, relations int, err error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?mode=ro", path))
	if err != nil {
		return 0, 0, fmt.Errorf("open snapshot: %w", err)
	}
	defer func() { _ = db.Close() }()

	var result string
	if err := db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return 0, 0, fmt.Errorf("integrity check: %w", err)
	}
	if result != "ok" {
		return 0, 0, fmt.Errorf("integrity check failed: %s", result)
	}

	if err := db.QueryRow("SELECT COUNT(*) FROM memories").Scan(&memories); err != nil {
		return 0, 0, fmt.Errorf("snapshot is not a cortex brain database (no memories table): %w", err)
	}
	if err := db.QueryRow("SELECT COUNT(*) FROM relations").Scan(&relations); err != nil {
		return 0, 0, fmt.Errorf("snapshot is not a cortex brain database (no relations table): %w", err)
	}
	return memories, relations, nil
}

// verifyFileIntegrity runs only the SQLite-level check, used for the
// vector snapshot whose schema belongs to the vec0 extension.
func verifyFileIntegrity(path string) error {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?mode=ro", path))
	if err != nil {
		return fmt.Errorf("open snapshot: %w", err)
	}
	defer func() { _ = db.Close() }()

	var result string
	if err := db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check failed: %s", result)
	}
	return nil
}

// restoreFile copies a verified snapshot file over the target path. The
// owning database must be closed when this runs.
func restoreFile(snapshotPath, targetPath string) error {
	src, err := os.Open(snapshotPath)
	if err != nil {
		return fmt.Errorf("open snapshot: %w", err)
	}
	defer func() { _ = src.Close() }()

	dst, err := os.Create(targetPath)
	if err != nil {
		return fmt.Errorf("create target: %w", err)
	}
	defer func() { _ = dst.Close() }()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("copy snapshot: %w", err)
	}
	if err := dst.Sync(); err != nil {
		return fmt.Errorf("sync target: %w", err)
	}
	return nil
}
