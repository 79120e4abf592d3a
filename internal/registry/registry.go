package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/missioncontrol/internal/changedetect"
	"github.com/cuemby/missioncontrol/internal/config"
	"github.com/cuemby/missioncontrol/internal/eventbus"
	"github.com/cuemby/missioncontrol/internal/obslog"
	"github.com/cuemby/missioncontrol/internal/obsmetrics"
	"github.com/cuemby/missioncontrol/internal/parser"
	"github.com/cuemby/missioncontrol/internal/persist"
	"github.com/cuemby/missioncontrol/internal/watcher"
)

// timeParse runs parser.Parse and records its duration on the
// RepoParseDuration histogram (spec's ambient metrics surface).
func timeParse(path string) *parser.Result {
	start := time.Now()
	result := parser.Parse(path)
	obsmetrics.RepoParseDuration.Observe(time.Since(start).Seconds())
	return result
}

// statusLineRe matches a single-line "status: <value>" frontmatter
// field, anchored so only that line is rewritten — the narrow-regex
// edit strategy spec §9 prescribes over a full YAML parse/re-emit, to
// avoid disturbing any other field or comment the user may have added.
var statusLineRe = regexp.MustCompile(`(?m)^(status:\s*)(.+)$`)

// repoHandle is the registry's private bookkeeping for one configured
// repo: its on-disk path, background watcher, a per-repo mutex
// serializing mutating operations, and the current immutable
// snapshot behind a lock-free pointer.
type repoHandle struct {
	path    string
	watcher *watcher.Watcher
	writeMu sync.Mutex
	state   atomic.Pointer[RepoState]
}

// Registry is the authoritative, single-writer-per-repo owner of
// every configured repo's RepoState (spec §4.3).
type Registry struct {
	cfg        *config.Config
	bus        *eventbus.Bus
	debounceMs int

	mu      sync.RWMutex
	entries map[string]*repoHandle
	sink    Sink
}

// New constructs a Registry bound to cfg and bus. Call Init to load
// and parse every configured repo. SetSink wires the transport hub
// once it exists; until then a NopSink is used.
func New(cfg *config.Config, bus *eventbus.Bus) *Registry {
	return &Registry{
		cfg:        cfg,
		bus:        bus,
		debounceMs: cfg.DebounceMs,
		entries:    make(map[string]*repoHandle),
		sink:       NopSink{},
	}
}

// SetSink installs the broadcaster that receives update/repo_change
// notifications.
func (r *Registry) SetSink(sink Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sink = sink
}

// Init loads every repo named in the configuration: parses it,
// stores its initial RepoState, and attaches a watcher. The initial
// load is seeded directly (no ChangeDetector diff against a prior
// snapshot) so startup never floods the event bus with synthetic
// "created" events — see DESIGN.md's Open Question decision.
func (r *Registry) Init() error {
	for _, rc := range r.cfg.Repos {
		if err := r.attach(rc.Name, rc.Path); err != nil {
			obslog.WithRepo(rc.Name).Error().Err(err).Msg("failed to attach configured repo")
		}
	}
	return nil
}

func (r *Registry) attach(name, path string) error {
	result := timeParse(path)
	state := &RepoState{
		WorkEfforts: result.WorkEfforts,
		Stats:       parser.Stats(result.WorkEfforts),
		Error:       result.Error,
		LastUpdated: time.Now(),
	}

	h := &repoHandle{path: path}
	h.state.Store(state)

	weDir, ok := parser.WorkEffortsDir(path)
	if ok {
		w, err := watcher.New(name, weDir, watcher.Options{DebounceMs: r.debounceMs})
		if err != nil {
			obslog.WithRepo(name).Warn().Err(err).Msg("failed to attach filesystem watcher")
		} else {
			h.watcher = w
			go r.watchLoop(name, w)
		}
	}

	r.mu.Lock()
	r.entries[name] = h
	r.mu.Unlock()

	return nil
}

func (r *Registry) watchLoop(name string, w *watcher.Watcher) {
	for ev := range w.Events() {
		if ev.Err != nil {
			r.sinkRef().BroadcastError(name, ev.Err.Error())
			continue
		}
		if err := r.Refresh(name); err != nil {
			obslog.WithRepo(name).Error().Err(err).Msg("refresh after watch event failed")
		}
	}
}

func (r *Registry) sinkRef() Sink {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sink
}

func (r *Registry) handle(name string) (*repoHandle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.entries[name]
	return h, ok
}

// Get returns the current immutable snapshot for name, or nil if not
// configured.
func (r *Registry) Get(name string) *RepoState {
	h, ok := r.handle(name)
	if !ok {
		return nil
	}
	return h.state.Load()
}

// All returns a snapshot of every configured repo's current state,
// keyed by name.
func (r *Registry) All() map[string]*RepoState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*RepoState, len(r.entries))
	for name, h := range r.entries {
		out[name] = h.state.Load()
	}
	return out
}

// RepoPaths returns the on-disk root path of every configured repo,
// keyed by name. Used by the counter migrator/validator, which scans
// the filesystem directly rather than going through parsed RepoState.
func (r *Registry) RepoPaths() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.entries))
	for name, h := range r.entries {
		out[name] = h.path
	}
	return out
}

// WatcherStats returns each repo's debounce-worker stats, keyed by
// name, for operational visibility in GET /api/health.
func (r *Registry) WatcherStats() map[string]watcher.Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]watcher.Stats, len(r.entries))
	for name, h := range r.entries {
		if h.watcher != nil {
			out[name] = h.watcher.Stats()
		}
	}
	return out
}

// Names returns the configured repo names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for name := range r.entries {
		out = append(out, name)
	}
	return out
}

// AddRepo validates path, registers it in configuration, parses it,
// attaches a watcher, and emits repo:added (spec §4.3).
func (r *Registry) AddRepo(name, path string) (*RepoState, error) {
	if name == "" || path == "" {
		return nil, fmt.Errorf("name and path are required")
	}
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("path does not exist or is not a directory: %s", path)
	}
	if _, ok := parser.WorkEffortsDir(path); !ok {
		return nil, fmt.Errorf("no _work_efforts directory found under %s", path)
	}
	if r.cfg.HasRepo(name) {
		return nil, fmt.Errorf("repo %q is already configured", name)
	}

	if err := r.cfg.AddRepo(config.RepoConfig{Name: name, Path: path}); err != nil {
		return nil, fmt.Errorf("persisting configuration: %w", err)
	}

	if err := r.attach(name, path); err != nil {
		return nil, err
	}

	state := r.Get(name)
	r.bus.Emit("repo:added", map[string]interface{}{"name": name, "path": path}, nil)
	r.sinkRef().BroadcastRepoChange("added", &RepoEntry{Name: name, Path: path}, nil)
	return state, nil
}

// RemoveRepo detaches the watcher, drops the in-memory state, persists
// the configuration, and emits repo:removed (spec §4.3).
func (r *Registry) RemoveRepo(name string) error {
	h, ok := r.handle(name)
	if !ok {
		return fmt.Errorf("repo %q is not configured", name)
	}
	if h.watcher != nil {
		_ = h.watcher.Close()
	}

	r.mu.Lock()
	delete(r.entries, name)
	r.mu.Unlock()

	if err := r.cfg.RemoveRepo(name); err != nil {
		return fmt.Errorf("persisting configuration: %w", err)
	}

	r.bus.Emit("repo:removed", map[string]interface{}{"name": name}, nil)
	r.sinkRef().BroadcastRepoChange("removed", &RepoEntry{Name: name}, nil)
	return nil
}

// BulkAdd adds every path transactionally per-entry: each success or
// failure is collected rather than aborting the batch, and exactly
// one repo:bulk_added event is emitted (spec §4.3). The repo name for
// each path is its base name; colliding base names across different
// directories are rejected rather than silently overwritten (spec §9
// redesign flag).
func (r *Registry) BulkAdd(paths []string) BulkResult {
	result := BulkResult{Errors: map[string]string{}}

	for _, p := range paths {
		name := filepath.Base(filepath.Clean(p))
		if r.cfg.HasRepo(name) {
			result.Errors[p] = fmt.Sprintf("repo name %q already configured (basename collision)", name)
			continue
		}
		if _, err := r.AddRepo(name, p); err != nil {
			result.Errors[p] = err.Error()
			continue
		}
		result.Added = append(result.Added, RepoEntry{Name: name, Path: p})
	}

	entries := make([]RepoEntry, len(result.Added))
	copy(entries, result.Added)
	r.bus.Emit("repo:bulk_added", map[string]interface{}{"added": result.Added, "errors": result.Errors}, nil)
	r.sinkRef().BroadcastRepoChange("bulk_added", nil, entries)
	return result
}

// Refresh re-parses name, computes fresh stats, atomically swaps the
// stored snapshot, diffs it against the prior one via the
// ChangeDetector, and broadcasts the update plus any typed events
// (spec §4.3). Concurrent refreshes of the same repo are serialized.
func (r *Registry) Refresh(name string) error {
	h, ok := r.handle(name)
	if !ok {
		return fmt.Errorf("repo %q is not configured", name)
	}

	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	prev := h.state.Load()

	result := timeParse(h.path)
	next := &RepoState{
		WorkEfforts: result.WorkEfforts,
		Stats:       parser.Stats(result.WorkEfforts),
		Error:       result.Error,
		LastUpdated: time.Now(),
	}
	h.state.Store(next)

	var prevWEs []parser.WorkEffort
	if prev != nil {
		prevWEs = prev.WorkEfforts
	}
	for _, ev := range changedetect.Detect(name, prevWEs, next.WorkEfforts) {
		r.bus.Emit(ev.Type, ev.Data, nil)
	}

	r.sinkRef().BroadcastUpdate(name, next)
	return nil
}

// PatchStatus rewrites the single status: line of weId's index file
// to newStatus (validated against the allow-list) and lets the
// watcher's subsequent fsnotify event drive the reparse/broadcast
// cycle; it never mutates in-memory state directly (spec §4.3, §7).
func (r *Registry) PatchStatus(repoName, weID, newStatus string) error {
	if !isAllowedStatus(newStatus) {
		return fmt.Errorf("invalid status %q", newStatus)
	}

	h, ok := r.handle(repoName)
	if !ok {
		return fmt.Errorf("repo %q is not configured", repoName)
	}

	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	state := h.state.Load()
	var path string
	for _, we := range state.WorkEfforts {
		if we.ID == weID {
			path = we.Path
			break
		}
	}
	if path == "" {
		return fmt.Errorf("work effort %q not found in repo %q", weID, repoName)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	loc := statusLineRe.FindSubmatchIndex(content)
	if loc == nil {
		return fmt.Errorf("no status: line found in %s", path)
	}
	updated := make([]byte, 0, len(content)+len(newStatus))
	updated = append(updated, content[:loc[4]]...)
	updated = append(updated, newStatus...)
	updated = append(updated, content[loc[5]:]...)

	return persist.WriteAtomic(path, updated, 0o644)
}

func isAllowedStatus(status string) bool {
	for _, s := range parser.WorkEffortStatuses {
		if s == status {
			return true
		}
	}
	return false
}

// Close tears down every repo's watcher. Used during graceful
// shutdown (spec §5).
func (r *Registry) Close() {
	r.mu.RLock()
	handles := make([]*repoHandle, 0, len(r.entries))
	for _, h := range r.entries {
		handles = append(handles, h)
	}
	r.mu.RUnlock()

	for _, h := range handles {
		if h.watcher != nil {
			_ = h.watcher.Close()
		}
	}
}
