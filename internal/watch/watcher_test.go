package watch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vibegraph/internal/descriptor"
	"vibegraph/internal/project"
)

// No goleak here: fsnotify keeps platform goroutines alive past Close
// with timing goleak cannot reliably wait out.

func newTestWatcher(t *testing.T, mutate func(p *project.Project)) (*Watcher, string) {
	t.Helper()

	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)

	p, err := project.LoadProject(dir)
	require.NoError(t, err)
	p.Watch.DebounceMs = 50
	if mutate != nil {
		mutate(p)
	}

	w, err := New(p)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, w.Start(ctx))
	t.Cleanup(w.Stop)
	return w, dir
}

func waitEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "event channel closed while waiting")
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func expectQuiet(t *testing.T, ch <-chan Event, within time.Duration) {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.False(t, ok, "unexpected event %s %s", ev.Kind, ev.Path)
		t.Fatal("event channel closed while expecting quiet")
	case <-time.After(within):
	}
}

func TestWatcherFileLifecycle(t *testing.T) {
	w, dir := newTestWatcher(t, nil)
	path := filepath.Join(dir, "a.go")

	require.NoError(t, os.WriteFile(path, []byte("package a\n"), 0644))
	ev := waitEvent(t, w.Events())
	assert.Equal(t, descriptor.OnFileAdd, ev.Kind,
		"the create and its first write collapse into one add")
	assert.Equal(t, "a.go", ev.Path)

	require.NoError(t, os.WriteFile(path, []byte("package a // v2\n"), 0644))
	ev = waitEvent(t, w.Events())
	assert.Equal(t, descriptor.OnFileUpdate, ev.Kind)
	assert.Equal(t, "a.go", ev.Path)

	require.NoError(t, os.Remove(path))
	ev = waitEvent(t, w.Events())
	assert.Equal(t, descriptor.OnFileDelete, ev.Kind)
	assert.Equal(t, "a.go", ev.Path)
}

func TestWatcherCoalescesRapidWrites(t *testing.T) {
	w, dir := newTestWatcher(t, nil)
	path := filepath.Join(dir, "b.go")

	require.NoError(t, os.WriteFile(path, []byte("package b\n"), 0644))
	_ = waitEvent(t, w.Events())

	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(path, []byte("package b\n// rev\n"), 0644))
		time.Sleep(2 * time.Millisecond)
	}

	ev := waitEvent(t, w.Events())
	assert.Equal(t, descriptor.OnFileUpdate, ev.Kind)
	assert.Equal(t, "b.go", ev.Path)
	expectQuiet(t, w.Events(), 400*time.Millisecond)
}

func TestWatcherSkipsUnwatchedExtensions(t *testing.T) {
	w, dir := newTestWatcher(t, nil)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.md"), []byte("# notes\n"), 0644))
	expectQuiet(t, w.Events(), 400*time.Millisecond)
}

func TestWatcherSkipsIgnoredDirectories(t *testing.T) {
	w, dir := newTestWatcher(t, func(p *project.Project) {
		// vendor exists before Start, so the walk must skip it.
		require.NoError(t, os.MkdirAll(filepath.Join(p.Root(), "vendor", "lib"), 0755))
	})

	require.NoError(t, os.WriteFile(filepath.Join(dir, "vendor", "lib", "dep.go"), []byte("package lib\n"), 0644))
	expectQuiet(t, w.Events(), 400*time.Millisecond)
}

func TestWatcherFollowsNewDirectories(t *testing.T) {
	w, dir := newTestWatcher(t, nil)

	sub := filepath.Join(dir, "sub")
	require.NoError(t, os.Mkdir(sub, 0755))
	// Give the loop a moment to register the new directory.
	time.Sleep(200 * time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(sub, "c.go"), []byte("package sub\n"), 0644))
	ev := waitEvent(t, w.Events())
	assert.Equal(t, descriptor.OnFileAdd, ev.Kind)
	assert.Equal(t, "sub/c.go", ev.Path)
}

func TestWatcherStopClosesEvents(t *testing.T) {
	w, _ := newTestWatcher(t, nil)
	require.True(t, w.IsWatching())

	w.Stop()
	w.Stop()

	select {
	case _, ok := <-w.Events():
		assert.False(t, ok, "events channel should be closed after Stop")
	case <-time.After(time.Second):
		t.Fatal("events channel still open after Stop")
	}
	assert.False(t, w.IsWatching())
}

func TestWatcherContextCancelClosesEvents(t *testing.T) {
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	p, err := project.LoadProject(dir)
	require.NoError(t, err)

	w, err := New(p)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, w.Start(ctx))

	cancel()
	select {
	case _, ok := <-w.Events():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("events channel still open after cancel")
	}
	w.Stop()
}

func TestMapOp(t *testing.T) {
	cases := []struct {
		op   fsnotify.Op
		want descriptor.Event
		ok   bool
	}{
		{fsnotify.Create, descriptor.OnFileAdd, true},
		{fsnotify.Write, descriptor.OnFileUpdate, true},
		{fsnotify.Remove, descriptor.OnFileDelete, true},
		{fsnotify.Rename, descriptor.OnFileDelete, true},
		{fsnotify.Create | fsnotify.Write, descriptor.OnFileAdd, true},
		{fsnotify.Chmod, "", false},
	}
	for _, tc := range cases {
		kind, ok := mapOp(tc.op)
		assert.Equal(t, tc.ok, ok, "op %v", tc.op)
		assert.Equal(t, tc.want, kind, "op %v", tc.op)
	}
}

func TestFlushInterval(t *testing.T) {
	assert.Equal(t, 100*time.Millisecond, flushInterval(400*time.Millisecond))
	assert.Equal(t, 25*time.Millisecond, flushInterval(50*time.Millisecond))
	assert.Equal(t, 10*time.Millisecond, flushInterval(time.Millisecond))
	assert.Equal(t, 100*time.Millisecond, flushInterval(5*time.Second))
}
