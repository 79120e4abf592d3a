package watcher

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcher_EmitsUpdateAfterDebounceWindow(t *testing.T) {
	root := t.TempDir()
	w, err := New("demo", root, Options{DebounceMs: 20, ThrottleFloor: 10 * time.Millisecond})
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.WriteFile(filepath.Join(root, "a.md"), []byte("x"), 0o644))

	select {
	case ev := <-w.Events():
		assert.Equal(t, "demo", ev.Repo)
		assert.NoError(t, ev.Err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for update event")
	}
}

func TestWatcher_EventCarriesChangedFilePath(t *testing.T) {
	root := t.TempDir()
	w, err := New("demo", root, Options{DebounceMs: 20, ThrottleFloor: 10 * time.Millisecond})
	require.NoError(t, err)
	defer w.Close()

	target := filepath.Join(root, "a.md")
	require.NoError(t, os.WriteFile(target, []byte("x"), 0o644))

	select {
	case ev := <-w.Events():
		assert.Equal(t, target, ev.File)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for update event")
	}
}

func TestWatcher_CoalescesBurstIntoOneEmission(t *testing.T) {
	root := t.TempDir()
	w, err := New("demo", root, Options{DebounceMs: 30, ThrottleFloor: 10 * time.Millisecond})
	require.NoError(t, err)
	defer w.Close()

	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(root, "a.md"), []byte{byte(i)}, 0o644))
		time.Sleep(5 * time.Millisecond)
	}

	select {
	case <-w.Events():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for coalesced event")
	}

	select {
	case ev := <-w.Events():
		t.Fatalf("unexpected second emission: %+v", ev)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestWatcher_ThrottleFloorSpacesEmissions(t *testing.T) {
	root := t.TempDir()
	floor := 200 * time.Millisecond
	w, err := New("demo", root, Options{DebounceMs: 10, ThrottleFloor: floor})
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.WriteFile(filepath.Join(root, "a.md"), []byte("1"), 0o644))
	first := <-w.Events()
	assert.Equal(t, "demo", first.Repo)
	t0 := time.Now()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.md"), []byte("2"), 0o644))

	second := <-w.Events()
	assert.Equal(t, "demo", second.Repo)
	assert.GreaterOrEqual(t, time.Since(t0), floor-20*time.Millisecond)
}

func TestWatcher_CloseDrainsAndStopsEmissions(t *testing.T) {
	root := t.TempDir()
	w, err := New("demo", root, Options{DebounceMs: 20})
	require.NoError(t, err)

	require.NoError(t, w.Close())

	_, ok := <-w.Events()
	assert.False(t, ok, "events channel should be closed")
}

func TestIgnorePath_SkipsGitAndSwapFiles(t *testing.T) {
	root := "/repo/_work_efforts"
	assert.True(t, ignorePath(root, filepath.Join(root, ".git", "HEAD")))
	assert.True(t, ignorePath(root, filepath.Join(root, "WE-260101-ab12", ".foo.md.swp")))
	assert.True(t, ignorePath(root, filepath.Join(root, "WE-260101-ab12", "index.md~")))
	assert.False(t, ignorePath(root, filepath.Join(root, "WE-260101-ab12", "_index.md")))
}
