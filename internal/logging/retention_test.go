package logging

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeRotated(t *testing.T, path string, size int, mod time.Time) {
	t.Helper()
	if err := os.WriteFile(path, make([]byte, size), 0o644); err != nil {
		t.Fatalf("write %s: %v", filepath.Base(path), err)
	}
	if err := os.Chtimes(path, mod, mod); err != nil {
		t.Fatalf("chtimes %s: %v", filepath.Base(path), err)
	}
}

func TestPruneLogDirRemovesOldestFirst(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	active := filepath.Join(dir, "authkit.log")

	writeRotated(t, filepath.Join(dir, "authkit-2026-01-01T00-00-00.000.log"), 60, time.Unix(1, 0))
	writeRotated(t, filepath.Join(dir, "authkit-2026-01-02T00-00-00.000.log"), 60, time.Unix(2, 0))
	writeRotated(t, active, 60, time.Unix(3, 0))

	removed, err := pruneLogDir(dir, 120, active)
	if err != nil {
		t.Fatalf("pruneLogDir: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if _, err := os.Stat(filepath.Join(dir, "authkit-2026-01-01T00-00-00.000.log")); !os.IsNotExist(err) {
		t.Fatalf("oldest backup survived: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "authkit-2026-01-02T00-00-00.000.log")); err != nil {
		t.Fatalf("newer backup deleted: %v", err)
	}
	if _, err := os.Stat(active); err != nil {
		t.Fatalf("active log deleted: %v", err)
	}
}

func TestPruneLogDirNeverDeletesActiveLog(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	active := filepath.Join(dir, "authkit.log")

	// The active file alone blows the budget; it still must survive.
	writeRotated(t, active, 200, time.Unix(1, 0))
	writeRotated(t, filepath.Join(dir, "authkit-2026-01-01T00-00-00.000.log.gz"), 50, time.Unix(2, 0))

	removed, err := pruneLogDir(dir, 100, active)
	if err != nil {
		t.Fatalf("pruneLogDir: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if _, err := os.Stat(active); err != nil {
		t.Fatalf("active log deleted: %v", err)
	}
}

func TestPruneLogDirIgnoresForeignFiles(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	active := filepath.Join(dir, "authkit.log")

	foreign := filepath.Join(dir, "notes.txt")
	writeRotated(t, foreign, 500, time.Unix(1, 0))
	writeRotated(t, filepath.Join(dir, "authkit-2026-01-01T00-00-00.000.log"), 40, time.Unix(2, 0))

	removed, err := pruneLogDir(dir, 100, active)
	if err != nil {
		t.Fatalf("pruneLogDir: %v", err)
	}
	if removed != 0 {
		t.Fatalf("removed = %d, want 0", removed)
	}
	if _, err := os.Stat(foreign); err != nil {
		t.Fatalf("non-log file touched: %v", err)
	}
}

func TestPruneLogDirUnderBudgetIsNoop(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	active := filepath.Join(dir, "authkit.log")
	writeRotated(t, filepath.Join(dir, "authkit-2026-01-01T00-00-00.000.log"), 10, time.Unix(1, 0))

	removed, err := pruneLogDir(dir, 1024, active)
	if err != nil {
		t.Fatalf("pruneLogDir: %v", err)
	}
	if removed != 0 {
		t.Fatalf("removed = %d, want 0", removed)
	}
}
