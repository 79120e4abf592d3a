// Package persist provides the write-then-rename atomic file write and
// timestamped backup rotation shared by configuration and counter-state
// persistence (spec.md §4.10).
package persist

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// WriteAtomic writes data to path by first writing a sibling temp file
// and renaming it into place, so a crash mid-write never leaves a
// truncated or partially-written document on disk.
func WriteAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("setting permissions: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming into place: %w", err)
	}
	return nil
}

// BackupTimestamp formats now as an ISO-8601 string with ':' and '.'
// replaced by '-' so it is safe to use in a filename, per spec.md §4.10.
func BackupTimestamp(now time.Time) string {
	ts := now.UTC().Format(time.RFC3339Nano)
	ts = strings.ReplaceAll(ts, ":", "-")
	ts = strings.ReplaceAll(ts, ".", "-")
	return ts
}

// BackupPath returns the backup filename for path at the given instant:
// counters.json -> counters.json.bak-2026-05-01T00-00-00Z (a non-zero
// fractional second adds its digits, e.g. ...T00-00-00-5Z)
func BackupPath(path string, now time.Time) string {
	return path + ".bak-" + BackupTimestamp(now)
}

// Backup copies the current contents of path to a timestamped backup
// file, returning the backup's path. It is a no-op (returning "", nil)
// if path does not yet exist.
func Backup(path string, now time.Time) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("reading %s for backup: %w", path, err)
	}
	backupPath := BackupPath(path, now)
	if err := WriteAtomic(backupPath, data, 0o644); err != nil {
		return "", fmt.Errorf("writing backup %s: %w", backupPath, err)
	}
	return backupPath, nil
}
