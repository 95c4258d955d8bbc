// Package watch follows the project tree with fsnotify and turns raw
// filesystem bursts into debounced, node-level graph events.
package watch

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"vibegraph/internal/descriptor"
	"vibegraph/internal/logging"
	"vibegraph/internal/project"
)

// Event is one settled filesystem change, already mapped to the
// local-rules hook it should fire and carrying the project-relative path.
type Event struct {
	Kind descriptor.Event
	Path string
}

// eventBuffer is the capacity of the outbound event channel.
const eventBuffer = 64

// Watcher watches a project root recursively. Rapid saves to the same
// file collapse into a single event once the debounce window passes.
type Watcher struct {
	proj     *project.Project
	root     string
	fs       *fsnotify.Watcher
	debounce time.Duration
	events   chan Event

	mu      sync.Mutex
	pending map[string]pendingEvent
	running bool

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

type pendingEvent struct {
	kind descriptor.Event
	at   time.Time
}

// New builds a watcher over the project's root using its debounce,
// extension and ignore settings.
func New(p *project.Project) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		proj:     p,
		root:     p.Root(),
		fs:       fsw,
		debounce: p.Debounce(),
		events:   make(chan Event, eventBuffer),
		pending:  make(map[string]pendingEvent),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Events returns the channel settled events arrive on. It is closed when
// the watcher shuts down.
func (w *Watcher) Events() <-chan Event { return w.events }

// Start registers the directory tree and launches the event loop. It is
// non-blocking; the loop exits on Stop or context cancel.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if err := w.addRecursive(w.root); err != nil {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
		return err
	}
	logging.Watch("watching %s (debounce %s)", w.root, w.debounce)

	go w.run(ctx)
	return nil
}

// Stop shuts the loop down and waits for it to drain. Safe to call more
// than once, and before a successful Start.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		w.mu.Lock()
		started := w.running
		w.mu.Unlock()

		close(w.stopCh)
		if started {
			<-w.doneCh
		}
		if err := w.fs.Close(); err != nil {
			logging.WatchError("close watcher: %v", err)
		}
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
		logging.Watch("stopped")
	})
}

// IsWatching reports whether the event loop is live.
func (w *Watcher) IsWatching() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// addRecursive registers root and every non-ignored subdirectory.
func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && w.skipDir(path) {
			return filepath.SkipDir
		}
		return w.fs.Add(path)
	})
}

// skipDir reports whether a directory is excluded from watching, either
// by name (watch.ignore) or by project-relative prefix (ignore).
func (w *Watcher) skipDir(path string) bool {
	base := filepath.Base(path)
	for _, name := range w.proj.Watch.Ignore {
		if base == name {
			return true
		}
	}
	return w.proj.IsIgnored(w.rel(path))
}

func (w *Watcher) rel(path string) string {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(rel)
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)
	defer close(w.events)

	flush := time.NewTicker(flushInterval(w.debounce))
	defer flush.Stop()

	for {
		select {
		case <-ctx.Done():
			logging.Watch("context cancelled")
			return

		case <-w.stopCh:
			return

		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)

		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			logging.WatchError("%v", err)

		case <-flush.C:
			if !w.emitSettled(ctx) {
				return
			}
		}
	}
}

// flushInterval picks the pending-map scan cadence: fine enough that a
// settled event waits at most half a window beyond the debounce.
func flushInterval(debounce time.Duration) time.Duration {
	iv := debounce / 2
	if iv < 10*time.Millisecond {
		iv = 10 * time.Millisecond
	}
	if iv > 100*time.Millisecond {
		iv = 100 * time.Millisecond
	}
	return iv
}

// handleEvent records a raw fsnotify event into the pending map. New
// directories are added to the watch list instead of emitting an event.
func (w *Watcher) handleEvent(ev fsnotify.Event) {
	kind, ok := mapOp(ev.Op)
	if !ok {
		return
	}

	if kind == descriptor.OnFileAdd {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if !w.skipDir(ev.Name) {
				if err := w.fs.Add(ev.Name); err != nil {
					logging.WatchWarn("watch new dir %s: %v", ev.Name, err)
				}
			}
			return
		}
	}

	rel := w.rel(ev.Name)
	if w.proj.IsIgnored(rel) || w.skipsSegment(rel) {
		return
	}
	if !w.proj.WatchesExtension(filepath.Ext(ev.Name)) {
		return
	}

	logging.WatchDebug("%s %s", kind, rel)
	w.mu.Lock()
	// A create followed by writes in the same burst is still an add; a
	// delete then re-create is a replace, surfaced as an update.
	if prev, ok := w.pending[rel]; ok {
		switch {
		case prev.kind == descriptor.OnFileAdd && kind == descriptor.OnFileUpdate:
			kind = descriptor.OnFileAdd
		case prev.kind == descriptor.OnFileDelete && kind == descriptor.OnFileAdd:
			kind = descriptor.OnFileUpdate
		}
	}
	w.pending[rel] = pendingEvent{kind: kind, at: time.Now()}
	w.mu.Unlock()
}

// skipsSegment reports whether any path segment names an ignored
// directory, so files under a skipped tree never slip through via a
// watch registered before the directory was ignored.
func (w *Watcher) skipsSegment(rel string) bool {
	for _, seg := range strings.Split(rel, "/") {
		for _, name := range w.proj.Watch.Ignore {
			if seg == name {
				return true
			}
		}
	}
	return false
}

// emitSettled forwards every pending event older than the debounce
// window. Returns false when the consumer side is gone.
func (w *Watcher) emitSettled(ctx context.Context) bool {
	now := time.Now()

	w.mu.Lock()
	var settled []Event
	for path, pe := range w.pending {
		if now.Sub(pe.at) >= w.debounce {
			settled = append(settled, Event{Kind: pe.kind, Path: path})
			delete(w.pending, path)
		}
	}
	w.mu.Unlock()

	for _, ev := range settled {
		select {
		case w.events <- ev:
		case <-ctx.Done():
			return false
		case <-w.stopCh:
			return false
		}
	}
	return true
}

// mapOp translates an fsnotify op into the local-rules hook it fires.
// Chmod-only events carry no content change and are dropped.
func mapOp(op fsnotify.Op) (descriptor.Event, bool) {
	switch {
	case op.Has(fsnotify.Create):
		return descriptor.OnFileAdd, true
	case op.Has(fsnotify.Write):
		return descriptor.OnFileUpdate, true
	case op.Has(fsnotify.Remove), op.Has(fsnotify.Rename):
		return descriptor.OnFileDelete, true
	default:
		return "", false
	}
}
