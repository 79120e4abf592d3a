// Package registry implements RepoRegistry (spec §4.3): the
// authoritative, single-writer-per-repo owner of every configured
// repo's parsed state, fronted by lock-free reads. It is the hub
// wiring the parser, watcher, change detector, event bus, and
// persisted configuration together (spec §2's data-flow diagram).
package registry

import (
	"time"

	"github.com/cuemby/missioncontrol/internal/parser"
)

// RepoState is the in-memory snapshot of one repository's parsed
// work efforts, aggregate stats, and last error (spec §3). Callers
// must treat a returned *RepoState as immutable: refresh always
// swaps in a new value, never mutates one in place.
type RepoState struct {
	WorkEfforts []parser.WorkEffort `json:"workEfforts"`
	Stats       parser.RepoStats    `json:"stats"`
	Error       string              `json:"error,omitempty"`
	LastUpdated time.Time           `json:"lastUpdated"`
}

// RepoEntry names one configured repository.
type RepoEntry struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// BulkResult is the outcome of a bulkAdd call (spec §4.3).
type BulkResult struct {
	Added  []RepoEntry          `json:"added"`
	Errors map[string]string    `json:"errors"`
}

// Sink receives the broadcast-facing side effects of registry
// mutations. The transport hub implements this; tests may use a
// no-op or recording stub. Kept as a narrow interface here so
// internal/registry never imports internal/transport.
type Sink interface {
	BroadcastUpdate(repo string, state *RepoState)
	BroadcastRepoChange(action string, repo *RepoEntry, repos []RepoEntry)
	BroadcastError(repo, message string)
}

// NopSink discards every notification; useful before a real
// transport hub is wired up, and in tests that don't care about
// broadcast side effects.
type NopSink struct{}

func (NopSink) BroadcastUpdate(string, *RepoState)             {}
func (NopSink) BroadcastRepoChange(string, *RepoEntry, []RepoEntry) {}
func (NopSink) BroadcastError(string, string)                  {}
