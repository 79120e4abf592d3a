package persist

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteAtomic_NoPartialFileOnSuccess(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "config.json")

	require.NoError(t, WriteAtomic(path, []byte(`{"a":1}`), 0o644))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(data))

	entries, err := os.ReadDir(filepath.Join(dir, "sub"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no leftover temp files")
}

func TestWriteAtomic_Overwrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "counters.json")

	require.NoError(t, WriteAtomic(path, []byte("v1"), 0o644))
	require.NoError(t, WriteAtomic(path, []byte("v2"), 0o644))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "v2", string(data))
}

func TestBackup_NoOpWhenMissing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "missing.json")

	backupPath, err := Backup(path, time.Now())
	require.NoError(t, err)
	assert.Empty(t, backupPath)
}

func TestBackup_CopiesCurrentContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "counters.json")
	require.NoError(t, WriteAtomic(path, []byte("original"), 0o644))

	backupPath, err := Backup(path, time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.NotEmpty(t, backupPath)

	data, err := os.ReadFile(backupPath)
	require.NoError(t, err)
	assert.Equal(t, "original", string(data))
	assert.Contains(t, backupPath, "2026-05-01T12-00-00")
}

func TestBackupTimestamp_FilenameSafe(t *testing.T) {
	ts := BackupTimestamp(time.Date(2026, 5, 1, 12, 30, 45, 0, time.UTC))
	assert.NotContains(t, ts, ":")
	assert.NotContains(t, ts, ".")
}
