// Package counterstore implements CounterService (spec §4.4): durable,
// integrity-checked monotonic identifiers for work efforts, tickets,
// and checkpoints, with an audit trail and filesystem reconciliation
// (see migrator.go for the scan/validate/migrate/repair surface).
package counterstore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/missioncontrol/internal/obslog"
	"github.com/cuemby/missioncontrol/internal/obsmetrics"
	"github.com/cuemby/missioncontrol/internal/persist"
)

// Store owns the persisted CounterState and serializes every mutating
// operation behind a single mutex (spec §4.4 serialization discipline;
// spec §5 "starvation-free" — a plain mutex satisfies that here since
// Go's runtime schedules waiters fairly enough for this load).
type Store struct {
	mu    sync.Mutex
	path  string
	state *CounterState
}

// Load reads the counter state at path, initializing a fresh state if
// the file does not exist. If the loaded file's checksum does not
// match its counters, the file is backed up and a fresh state is
// initialized in its place (spec §7 taxonomy #7).
func Load(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		s := &Store{path: path, state: newState()}
		if err := s.save(); err != nil {
			return nil, err
		}
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading counter state %s: %w", path, err)
	}

	var state CounterState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parsing counter state %s: %w", path, err)
	}

	expected, err := checksum(state.Version, state.Counters)
	if err != nil {
		return nil, err
	}
	if expected != state.Integrity.Checksum {
		obslog.WithComponent("counterstore").Warn().
			Str("path", path).Msg("counter state checksum mismatch, backing up and reinitializing")
		if _, err := persist.Backup(path, time.Now()); err != nil {
			return nil, fmt.Errorf("backing up corrupt counter state: %w", err)
		}
		s := &Store{path: path, state: newState()}
		if err := s.save(); err != nil {
			return nil, err
		}
		return s, nil
	}

	if state.Counters.WorkEfforts.ByRepo == nil {
		state.Counters.WorkEfforts.ByRepo = map[string]int{}
	}
	if state.Counters.Tickets.ByWorkEffort == nil {
		state.Counters.Tickets.ByWorkEffort = map[string]int{}
	}
	if state.Counters.Tickets.ByRepo == nil {
		state.Counters.Tickets.ByRepo = map[string]int{}
	}

	return &Store{path: path, state: &state}, nil
}

func dottedPrefix(kind Kind) string {
	switch kind {
	case KindWorkEffort:
		return "workEfforts"
	case KindTicket:
		return "tickets"
	case KindCheckpoint:
		return "checkpoints"
	default:
		return string(kind)
	}
}

// GetNext increments the global counter for kind (and the per-repo /
// per-work-effort breakdowns named in ctx), audits the increment,
// recomputes the integrity checksum, persists atomically, and returns
// the new global value.
func (s *Store) GetNext(kind Kind, ctx Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var newGlobal int
	switch kind {
	case KindWorkEffort:
		s.state.Counters.WorkEfforts.Global++
		newGlobal = s.state.Counters.WorkEfforts.Global
		if ctx.Repo != "" {
			s.state.Counters.WorkEfforts.ByRepo[ctx.Repo]++
		}
	case KindTicket:
		s.state.Counters.Tickets.Global++
		newGlobal = s.state.Counters.Tickets.Global
		if ctx.Repo != "" {
			s.state.Counters.Tickets.ByRepo[ctx.Repo]++
		}
		if ctx.ParentWE != "" {
			s.state.Counters.Tickets.ByWorkEffort[ctx.ParentWE]++
		}
	case KindCheckpoint:
		s.state.Counters.Checkpoints.Global++
		newGlobal = s.state.Counters.Checkpoints.Global
	default:
		return 0, fmt.Errorf("unknown counter kind %q", kind)
	}

	entry := AuditEntry{
		Timestamp: time.Now(),
		Action:    ActionIncrement,
		Counter:   dottedPrefix(kind) + ".global",
		Value:     intPtr(newGlobal),
		Context:   contextMap(ctx),
	}
	s.appendAudit(entry)

	if err := s.recomputeAndSave(); err != nil {
		return 0, err
	}
	obsmetrics.CounterGetNextTotal.WithLabelValues(string(kind)).Inc()
	return newGlobal, nil
}

// SetCounter is the administrative override path used by migration
// and repair: it sets the counter named by dottedPath (e.g.
// "workEfforts.global", "tickets.byRepo._pyrite") to value, creating
// intermediate map entries as needed, and audits both old and new
// values together with reason.
func (s *Store) SetCounter(dottedPath string, value int, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldValue, err := s.setAtPath(dottedPath, value)
	if err != nil {
		return err
	}

	s.appendAudit(AuditEntry{
		Timestamp: time.Now(),
		Action:    ActionSet,
		Counter:   dottedPath,
		OldValue:  intPtr(oldValue),
		NewValue:  intPtr(value),
		Reason:    reason,
	})

	return s.recomputeAndSave()
}

func (s *Store) setAtPath(dottedPath string, value int) (int, error) {
	parts := strings.Split(dottedPath, ".")
	c := &s.state.Counters

	switch parts[0] {
	case "workEfforts":
		if len(parts) == 2 && parts[1] == "global" {
			old := c.WorkEfforts.Global
			c.WorkEfforts.Global = value
			return old, nil
		}
		if len(parts) == 3 && parts[1] == "byRepo" {
			if c.WorkEfforts.ByRepo == nil {
				c.WorkEfforts.ByRepo = map[string]int{}
			}
			old := c.WorkEfforts.ByRepo[parts[2]]
			c.WorkEfforts.ByRepo[parts[2]] = value
			return old, nil
		}
	case "tickets":
		if len(parts) == 2 && parts[1] == "global" {
			old := c.Tickets.Global
			c.Tickets.Global = value
			return old, nil
		}
		if len(parts) == 3 && parts[1] == "byWorkEffort" {
			if c.Tickets.ByWorkEffort == nil {
				c.Tickets.ByWorkEffort = map[string]int{}
			}
			old := c.Tickets.ByWorkEffort[parts[2]]
			c.Tickets.ByWorkEffort[parts[2]] = value
			return old, nil
		}
		if len(parts) == 3 && parts[1] == "byRepo" {
			if c.Tickets.ByRepo == nil {
				c.Tickets.ByRepo = map[string]int{}
			}
			old := c.Tickets.ByRepo[parts[2]]
			c.Tickets.ByRepo[parts[2]] = value
			return old, nil
		}
	case "checkpoints":
		if len(parts) == 2 && parts[1] == "global" {
			old := c.Checkpoints.Global
			c.Checkpoints.Global = value
			return old, nil
		}
	}
	return 0, fmt.Errorf("unrecognized counter path %q", dottedPath)
}

func contextMap(ctx Context) map[string]string {
	m := map[string]string{}
	if ctx.Repo != "" {
		m["repo"] = ctx.Repo
	}
	if ctx.ParentWE != "" {
		m["parentWE"] = ctx.ParentWE
	}
	if len(m) == 0 {
		return nil
	}
	return m
}

func (s *Store) appendAudit(entry AuditEntry) {
	s.state.Audit = append(s.state.Audit, entry)
	if len(s.state.Audit) > MaxAuditEntries {
		s.state.Audit = s.state.Audit[len(s.state.Audit)-MaxAuditEntries:]
	}
}

// GetCurrentCounters returns a snapshot of the counter tree.
func (s *Store) GetCurrentCounters() Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneCounters(s.state.Counters)
}

// GetAuditLog returns up to the most recent limit audit entries,
// newest last. limit <= 0 returns the full bounded log.
func (s *Store) GetAuditLog(limit int) []AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := s.state.Audit
	if limit <= 0 || limit >= len(all) {
		out := make([]AuditEntry, len(all))
		copy(out, all)
		return out
	}
	out := make([]AuditEntry, limit)
	copy(out, all[len(all)-limit:])
	return out
}

// GetStatistics returns a read-only aggregate summary.
func (s *Store) GetStatistics() Statistics {
	s.mu.Lock()
	defer s.mu.Unlock()

	repos := map[string]bool{}
	for r := range s.state.Counters.WorkEfforts.ByRepo {
		repos[r] = true
	}
	for r := range s.state.Counters.Tickets.ByRepo {
		repos[r] = true
	}

	return Statistics{
		TotalWorkEfforts: s.state.Counters.WorkEfforts.Global,
		TotalTickets:     s.state.Counters.Tickets.Global,
		TotalCheckpoints: s.state.Counters.Checkpoints.Global,
		RepoCount:        len(repos),
		AuditEntryCount:  len(s.state.Audit),
	}
}

// VerifyIntegrity recomputes the checksum over the current in-memory
// counters, compares it against the stored checksum, updates
// integrity.validationStatus and lastValidation, persists the
// updated integrity block, and returns whether it was valid.
func (s *Store) VerifyIntegrity() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sum, err := checksum(s.state.Version, s.state.Counters)
	if err != nil {
		return false, err
	}

	valid := sum == s.state.Integrity.Checksum
	s.state.Integrity.LastValidation = time.Now()
	if valid {
		s.state.Integrity.ValidationStatus = ValidationStatusValid
	} else {
		s.state.Integrity.ValidationStatus = ValidationStatusInvalid
	}

	if err := s.persist(); err != nil {
		return valid, err
	}
	return valid, nil
}

// recomputeAndSave recomputes the checksum over the current counters
// (the mutation just applied is already reflected in s.state) and
// writes the full state atomically.
func (s *Store) recomputeAndSave() error {
	sum, err := checksum(s.state.Version, s.state.Counters)
	if err != nil {
		return err
	}
	s.state.Integrity.Checksum = sum
	s.state.Integrity.LastValidation = time.Now()
	s.state.Integrity.ValidationStatus = ValidationStatusValid
	s.state.LastUpdated = time.Now()
	return s.persist()
}

func (s *Store) save() error {
	return s.recomputeAndSave()
}

func (s *Store) persist() error {
	data, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling counter state: %w", err)
	}
	return persist.WriteAtomic(s.path, data, 0o644)
}

// checksum computes SHA-256 over the canonical JSON encoding of
// {version, counters}: a fixed struct with deterministic field order
// and alphabetically-sorted map keys (Go's encoding/json default),
// so the same logical counters always hash identically (spec §3,
// §4.4 "checksum canonicalization").
func checksum(version string, counters Counters) (string, error) {
	payload := struct {
		Version  string   `json:"version"`
		Counters Counters `json:"counters"`
	}{Version: version, Counters: counters}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("canonicalizing counter state: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func cloneCounters(c Counters) Counters {
	out := c
	out.WorkEfforts.ByRepo = cloneMap(c.WorkEfforts.ByRepo)
	out.Tickets.ByWorkEffort = cloneMap(c.Tickets.ByWorkEffort)
	out.Tickets.ByRepo = cloneMap(c.Tickets.ByRepo)
	return out
}

func cloneMap(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
