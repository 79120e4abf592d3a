// Package watcher debounces and throttles raw filesystem notifications
// into the coalesced update/error signals the registry consumes
// (spec.md §4.2). It owns timers and fsnotify subscriptions only: it
// never parses a repo or touches RepoState itself.
package watcher

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/cuemby/missioncontrol/internal/obslog"
)

const (
	// DefaultDebounceMs is the quiet-period after the last raw event
	// before a single update(repo) is emitted.
	DefaultDebounceMs = 300

	// DefaultThrottleFloor is the minimum spacing between two
	// consecutive update(repo) emissions, regardless of how many
	// debounce windows elapsed in between.
	DefaultThrottleFloor = 2 * time.Second
)

var ignoredDirNames = map[string]bool{
	".git": true,
}

// Event is a coalesced signal delivered to the registry.
type Event struct {
	Repo string
	File string // path of the last raw change that triggered this emission
	Err  error  // non-nil for error(repo, cause)
}

// Watcher debounces and throttles fsnotify events for one repo's
// work-efforts tree into a stream of coalesced Events.
type Watcher struct {
	repo      string
	root      string
	debounce  time.Duration
	throttle  time.Duration
	fsw       *fsnotify.Watcher
	events    chan Event
	raw       chan struct{}
	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once

	armedTimers  atomic.Int32
	lastEmitUnix atomic.Int64
	lastFile     atomic.Value // string
}

// Stats is a snapshot of a Watcher's background-worker state, exposed
// for operational visibility (GET /api/health).
type Stats struct {
	ArmedTimers int
	LastEmit    time.Time
}

// Stats returns the number of currently armed debounce/throttle timers
// and the time of the last emission (zero if none yet).
func (w *Watcher) Stats() Stats {
	var lastEmit time.Time
	if unix := w.lastEmitUnix.Load(); unix != 0 {
		lastEmit = time.Unix(0, unix)
	}
	return Stats{ArmedTimers: int(w.armedTimers.Load()), LastEmit: lastEmit}
}

// Options configures a Watcher.
type Options struct {
	DebounceMs    int
	ThrottleFloor time.Duration
}

// New creates and starts a Watcher rooted at root (typically a repo's
// _work_efforts directory), reporting events under repo's name.
func New(repo, root string, opts Options) (*Watcher, error) {
	debounce := time.Duration(opts.DebounceMs) * time.Millisecond
	if opts.DebounceMs == 0 {
		debounce = DefaultDebounceMs * time.Millisecond
	}
	throttle := opts.ThrottleFloor
	if throttle == 0 {
		throttle = DefaultThrottleFloor
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		repo:     repo,
		root:     root,
		debounce: debounce,
		throttle: throttle,
		fsw:      fsw,
		events:   make(chan Event, 8),
		raw:      make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}

	if err := w.addRecursive(root); err != nil {
		fsw.Close()
		return nil, err
	}

	w.wg.Add(2)
	go w.watchLoop()
	go w.debounceLoop()

	return w, nil
}

// Events returns the channel of coalesced update/error signals.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Close drains armed timers, closes the underlying fsnotify watch, and
// guarantees no further emissions. Safe to call more than once.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.stopCh)
		err = w.fsw.Close()
		w.wg.Wait()
		close(w.events)
	})
	return err
}

// watchLoop receives raw fsnotify events, extends the watch to newly
// created directories, and forwards a non-blocking debounce trigger.
func (w *Watcher) watchLoop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.stopCh:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ignorePath(w.root, ev.Name) {
				continue
			}
			if ev.Op&fsnotify.Create == fsnotify.Create {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					_ = w.addRecursive(ev.Name)
				}
			}
			w.lastFile.Store(ev.Name)
			select {
			case w.raw <- struct{}{}:
			default:
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.emit(Event{Repo: w.repo, Err: err})
		}
	}
}

// debounceLoop arms a debounce timer on each raw trigger and, once it
// fires, applies the throttle floor before emitting update(repo).
func (w *Watcher) debounceLoop() {
	defer w.wg.Done()

	var debounceTimer *time.Timer
	var lastEmit time.Time
	var throttleTimer *time.Timer
	pending := false

	debounceC := func() <-chan time.Time {
		if debounceTimer != nil {
			return debounceTimer.C
		}
		return nil
	}
	throttleC := func() <-chan time.Time {
		if throttleTimer != nil {
			return throttleTimer.C
		}
		return nil
	}

	fire := func() {
		since := time.Since(lastEmit)
		if lastEmit.IsZero() || since >= w.throttle {
			lastEmit = time.Now()
			w.lastEmitUnix.Store(lastEmit.UnixNano())
			pending = false
			file, _ := w.lastFile.Load().(string)
			w.emit(Event{Repo: w.repo, File: file})
			return
		}
		// Within the throttle floor: arm a trailing emission instead
		// of dropping it, so the last coalesced update is not lost.
		if throttleTimer == nil {
			throttleTimer = time.NewTimer(w.throttle - since)
		}
	}

	for {
		select {
		case <-w.stopCh:
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			if throttleTimer != nil {
				throttleTimer.Stop()
			}
			return
		case <-w.raw:
			pending = true
			if debounceTimer == nil {
				debounceTimer = time.NewTimer(w.debounce)
			} else {
				if !debounceTimer.Stop() {
					select {
					case <-debounceTimer.C:
					default:
					}
				}
				debounceTimer.Reset(w.debounce)
			}
		case <-debounceC():
			debounceTimer = nil
			if pending {
				fire()
			}
		case <-throttleC():
			throttleTimer = nil
			if pending {
				fire()
			}
		}

		armed := int32(0)
		if debounceTimer != nil {
			armed++
		}
		if throttleTimer != nil {
			armed++
		}
		w.armedTimers.Store(armed)
	}
}

func (w *Watcher) emit(ev Event) {
	select {
	case w.events <- ev:
	case <-w.stopCh:
	}
}

// addRecursive adds dir and all its subdirectories to the fsnotify
// watch, skipping .git and other ignored names.
func (w *Watcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			if ignoredDirNames[d.Name()] {
				return filepath.SkipDir
			}
			if err := w.fsw.Add(path); err != nil {
				obslog.WithComponent("watcher").Debug().Err(err).Str("path", path).Msg("failed to watch directory")
			}
		}
		return nil
	})
}

// ignorePath reports whether a raw event path should be ignored
// entirely: the .git tree, editor swap/backup files, and hidden
// dotfiles other than the work-efforts tree itself.
func ignorePath(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		rel = path
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	for _, p := range parts {
		if p == ".git" {
			return true
		}
	}
	base := filepath.Base(path)
	if strings.HasSuffix(base, ".swp") || strings.HasSuffix(base, ".swx") || strings.HasSuffix(base, "~") {
		return true
	}
	if strings.HasPrefix(base, ".") && base != filepath.Base(root) {
		return true
	}
	return false
}
