package counterstore

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
)

var (
	scanWEDirRe     = regexp.MustCompile(`^WE-\d{6}-[a-z0-9]{4}_.+`)
	scanTicketRe    = regexp.MustCompile(`^TKT-[a-z0-9]{4}-\d{3}_.+\.md$`)
	scanCheckpntRe  = regexp.MustCompile(`^CKPT-\d{6}-\d{4}_.+\.md$`)
	scanWorkEffDirs = []string{"_work_efforts", "_work_efforts_"}
)

// FilesystemCounts is the observed scan result over one or more
// configured repo roots.
type FilesystemCounts struct {
	TotalWorkEfforts int            `json:"totalWorkEfforts"`
	ByRepo           map[string]int `json:"byRepo"`
	TotalTickets     int            `json:"totalTickets"`
	TicketsByWE      map[string]int `json:"ticketsByWorkEffort"`
	TotalCheckpoints int            `json:"totalCheckpoints"`
}

// Scan walks repos (name -> root path) and counts WE directories,
// ticket files, and checkpoint files on disk (spec §4.5).
func Scan(repos map[string]string) (FilesystemCounts, error) {
	counts := FilesystemCounts{
		ByRepo:      map[string]int{},
		TicketsByWE: map[string]int{},
	}

	for repoName, root := range repos {
		weDir := locateWorkEffortsRoot(root)
		if weDir == "" {
			continue
		}
		entries, err := os.ReadDir(weDir)
		if err != nil {
			return counts, fmt.Errorf("scanning %s: %w", weDir, err)
		}
		for _, e := range entries {
			if !e.IsDir() || !scanWEDirRe.MatchString(e.Name()) {
				continue
			}
			counts.TotalWorkEfforts++
			counts.ByRepo[repoName]++

			weID := weIDFromDirName(e.Name())
			weDirPath := filepath.Join(weDir, e.Name())

			ticketsDir := filepath.Join(weDirPath, "tickets")
			if tEntries, err := os.ReadDir(ticketsDir); err == nil {
				for _, te := range tEntries {
					if !te.IsDir() && scanTicketRe.MatchString(te.Name()) {
						counts.TotalTickets++
						counts.TicketsByWE[weID]++
					}
				}
			}

			checkpointsDir := filepath.Join(weDirPath, "checkpoints")
			if cEntries, err := os.ReadDir(checkpointsDir); err == nil {
				for _, ce := range cEntries {
					if !ce.IsDir() && scanCheckpntRe.MatchString(ce.Name()) {
						counts.TotalCheckpoints++
					}
				}
			}
		}
	}

	return counts, nil
}

func locateWorkEffortsRoot(repoRoot string) string {
	for _, name := range scanWorkEffDirs {
		p := filepath.Join(repoRoot, name)
		if info, err := os.Stat(p); err == nil && info.IsDir() {
			return p
		}
	}
	return ""
}

func weIDFromDirName(dirName string) string {
	idx := len(dirName)
	for i, r := range dirName {
		if r == '_' {
			idx = i
			break
		}
	}
	return dirName[:idx]
}

// Report is the output of comparing a filesystem scan against the
// persisted counter state.
type Report struct {
	Filesystem     FilesystemCounts `json:"filesystem"`
	CounterState   Counters         `json:"counterState"`
	Discrepancies  []Discrepancy    `json:"discrepancies"`
	NeedsMigration bool             `json:"needsMigration"`
}

// Discrepancy names one counter whose observed filesystem value
// differs from the persisted counter value.
type Discrepancy struct {
	Counter  string `json:"counter"`
	Actual   int    `json:"actual"`
	Expected int    `json:"expected"`
}

// GenerateReport scans repos and compares the result to the current
// counter state (spec §4.5 "Report").
func (s *Store) GenerateReport(repos map[string]string) (Report, error) {
	fsCounts, err := Scan(repos)
	if err != nil {
		return Report{}, err
	}
	counters := s.GetCurrentCounters()

	var discrepancies []Discrepancy
	if fsCounts.TotalWorkEfforts != counters.WorkEfforts.Global {
		discrepancies = append(discrepancies, Discrepancy{"workEfforts.global", fsCounts.TotalWorkEfforts, counters.WorkEfforts.Global})
	}
	if fsCounts.TotalTickets != counters.Tickets.Global {
		discrepancies = append(discrepancies, Discrepancy{"tickets.global", fsCounts.TotalTickets, counters.Tickets.Global})
	}
	if fsCounts.TotalCheckpoints != counters.Checkpoints.Global {
		discrepancies = append(discrepancies, Discrepancy{"checkpoints.global", fsCounts.TotalCheckpoints, counters.Checkpoints.Global})
	}
	for repo, n := range fsCounts.ByRepo {
		if counters.WorkEfforts.ByRepo[repo] != n {
			discrepancies = append(discrepancies, Discrepancy{"workEfforts.byRepo." + repo, n, counters.WorkEfforts.ByRepo[repo]})
		}
	}
	for we, n := range fsCounts.TicketsByWE {
		if counters.Tickets.ByWorkEffort[we] != n {
			discrepancies = append(discrepancies, Discrepancy{"tickets.byWorkEffort." + we, n, counters.Tickets.ByWorkEffort[we]})
		}
	}

	sort.Slice(discrepancies, func(i, j int) bool { return discrepancies[i].Counter < discrepancies[j].Counter })

	return Report{
		Filesystem:     fsCounts,
		CounterState:   counters,
		Discrepancies:  discrepancies,
		NeedsMigration: len(discrepancies) > 0,
	}, nil
}

// SetOp is one proposed counter write, produced by Preview and
// executed verbatim by Migrate.
type SetOp struct {
	Path   string `json:"path"`
	Value  int    `json:"value"`
	Reason string `json:"reason"`
}

const migrationReason = "migration: scan-based initialization"

// Preview computes the set of SetCounter operations Migrate would
// perform, without executing them (spec §4.5 "Preview").
func Preview(fsCounts FilesystemCounts) []SetOp {
	ops := []SetOp{
		{"workEfforts.global", fsCounts.TotalWorkEfforts, migrationReason},
		{"tickets.global", fsCounts.TotalTickets, migrationReason},
		{"checkpoints.global", fsCounts.TotalCheckpoints, migrationReason},
	}
	repoNames := make([]string, 0, len(fsCounts.ByRepo))
	for r := range fsCounts.ByRepo {
		repoNames = append(repoNames, r)
	}
	sort.Strings(repoNames)
	for _, r := range repoNames {
		ops = append(ops, SetOp{"workEfforts.byRepo." + r, fsCounts.ByRepo[r], migrationReason})
	}

	weIDs := make([]string, 0, len(fsCounts.TicketsByWE))
	for we := range fsCounts.TicketsByWE {
		weIDs = append(weIDs, we)
	}
	sort.Strings(weIDs)
	for _, we := range weIDs {
		ops = append(ops, SetOp{"tickets.byWorkEffort." + we, fsCounts.TicketsByWE[we], migrationReason})
	}

	return ops
}

// Migrate scans repos and issues SetCounter for every global and
// breakdown counter to match the observed filesystem state.
func (s *Store) Migrate(repos map[string]string) ([]SetOp, error) {
	fsCounts, err := Scan(repos)
	if err != nil {
		return nil, err
	}
	ops := Preview(fsCounts)
	for _, op := range ops {
		if err := s.SetCounter(op.Path, op.Value, op.Reason); err != nil {
			return nil, fmt.Errorf("applying %s: %w", op.Path, err)
		}
	}
	return ops, nil
}

// Check is one named validation outcome (spec §4.5 catalog).
type Check struct {
	Name     string `json:"name"`
	Passed   bool   `json:"passed"`
	Actual   int    `json:"actual,omitempty"`
	Expected int    `json:"expected,omitempty"`
	Message  string `json:"message"`
}

// Suggestion is a proposed fix for a failed check. Suggestions whose
// Action is "setCounter" or "recalculateChecksum" are auto-applicable
// via Repair; others require manual review.
type Suggestion struct {
	Check   string `json:"check"`
	Action  string `json:"action"`
	Path    string `json:"path,omitempty"`
	Value   int    `json:"value,omitempty"`
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

const (
	ActionSetCounter           = "setCounter"
	ActionRecalculateChecksum  = "recalculateChecksum"
	ActionManualReview         = "manualReview"
)

// Validation is the combined output of Validate: the per-category
// checks plus the suggestions derived from failures.
type Validation struct {
	Status      string       `json:"status"`
	Checks      []Check      `json:"checks"`
	Suggestions []Suggestion `json:"suggestions"`
}

// Validate runs the six check categories against repos and the
// current counter state: global WE count, global ticket count,
// per-WE ticket counts, checksum integrity, ID format consistency,
// and (supplementing spec.md §4.5's five-category catalog
// symmetrically) checkpoint count.
func (s *Store) Validate(repos map[string]string) (Validation, error) {
	fsCounts, err := Scan(repos)
	if err != nil {
		return Validation{}, err
	}
	counters := s.GetCurrentCounters()

	var checks []Check
	var suggestions []Suggestion

	checks = append(checks, countCheck("Work Efforts Count", fsCounts.TotalWorkEfforts, counters.WorkEfforts.Global, "workEfforts.global", &suggestions))
	checks = append(checks, countCheck("Tickets Count", fsCounts.TotalTickets, counters.Tickets.Global, "tickets.global", &suggestions))
	checks = append(checks, countCheck("Checkpoints Count", fsCounts.TotalCheckpoints, counters.Checkpoints.Global, "checkpoints.global", &suggestions))

	perWEPassed := true
	for we, actual := range fsCounts.TicketsByWE {
		if counters.Tickets.ByWorkEffort[we] != actual {
			perWEPassed = false
			suggestions = append(suggestions, Suggestion{
				Check: "Per-Work-Effort Ticket Counts", Action: ActionSetCounter,
				Path: "tickets.byWorkEffort." + we, Value: actual,
				Reason:  "auto-repair: Per-Work-Effort Ticket Counts",
				Message: fmt.Sprintf("tickets.byWorkEffort.%s: expected %d, found %d on disk", we, counters.Tickets.ByWorkEffort[we], actual),
			})
		}
	}
	checks = append(checks, Check{Name: "Per-Work-Effort Ticket Counts", Passed: perWEPassed,
		Message: passFailMessage(perWEPassed, "all per-work-effort ticket counts match")})

	valid, err := s.VerifyIntegrity()
	if err != nil {
		return Validation{}, err
	}
	checks = append(checks, Check{Name: "Checksum Integrity", Passed: valid,
		Message: passFailMessage(valid, "checksum matches persisted counters")})
	if !valid {
		suggestions = append(suggestions, Suggestion{
			Check: "Checksum Integrity", Action: ActionRecalculateChecksum,
			Reason: "auto-repair: Checksum Integrity", Message: "stored checksum does not match current counters; recalculate",
		})
	}

	idFormatOK := idFormatConsistent(repos)
	checks = append(checks, Check{Name: "ID Format Consistency", Passed: idFormatOK,
		Message: passFailMessage(idFormatOK, "all WE/ticket IDs match the documented formats")})
	if !idFormatOK {
		suggestions = append(suggestions, Suggestion{
			Check: "ID Format Consistency", Action: ActionManualReview,
			Reason: "manual review required", Message: "one or more directory/file names do not match the documented ID formats",
		})
	}

	status := ValidationStatusValid
	for _, c := range checks {
		if !c.Passed {
			status = ValidationStatusInvalid
			break
		}
	}

	return Validation{Status: status, Checks: checks, Suggestions: suggestions}, nil
}

func countCheck(name string, actual, expected int, path string, suggestions *[]Suggestion) Check {
	passed := actual == expected
	if !passed {
		*suggestions = append(*suggestions, Suggestion{
			Check: name, Action: ActionSetCounter, Path: path, Value: actual,
			Reason:  "auto-repair: " + name,
			Message: fmt.Sprintf("%s: expected %d, found %d on disk", path, expected, actual),
		})
	}
	return Check{Name: name, Passed: passed, Actual: actual, Expected: expected,
		Message: passFailMessage(passed, name+" matches filesystem")}
}

func passFailMessage(passed bool, okMsg string) string {
	if passed {
		return okMsg
	}
	return "discrepancy detected: " + okMsg
}

// idFormatConsistent reports whether every WE directory name and
// ticket filename under repos matches the documented ID formats.
func idFormatConsistent(repos map[string]string) bool {
	for _, root := range repos {
		weDir := locateWorkEffortsRoot(root)
		if weDir == "" {
			continue
		}
		entries, err := os.ReadDir(weDir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			if !scanWEDirRe.MatchString(e.Name()) && !jdCategoryScanRe.MatchString(e.Name()) {
				return false
			}
			if scanWEDirRe.MatchString(e.Name()) {
				ticketsDir := filepath.Join(weDir, e.Name(), "tickets")
				tEntries, err := os.ReadDir(ticketsDir)
				if err != nil {
					continue
				}
				weID := weIDFromDirName(e.Name())
				suffix := weID
				if idx := lastDash(weID); idx >= 0 {
					suffix = weID[idx+1:]
				}
				for _, te := range tEntries {
					if te.IsDir() {
						continue
					}
					if !scanTicketRe.MatchString(te.Name()) {
						return false
					}
					if !hasSuffix(te.Name(), suffix) {
						return false
					}
				}
			}
		}
	}
	return true
}

var jdCategoryScanRe = regexp.MustCompile(`^\d{2}-\d{2}_.+`)

func lastDash(s string) int {
	idx := -1
	for i, r := range s {
		if r == '-' {
			idx = i
		}
	}
	return idx
}

func hasSuffix(filename, suffix string) bool {
	prefix := "TKT-" + suffix + "-"
	return len(filename) >= len(prefix) && filename[:len(prefix)] == prefix
}

// Repair executes every auto-applicable suggestion (setCounter,
// recalculateChecksum) from a prior Validate call and returns the
// count of successfully applied operations (spec §4.5 "Auto-repair").
func (s *Store) Repair(v Validation) (int, error) {
	successCount := 0
	for _, sug := range v.Suggestions {
		switch sug.Action {
		case ActionSetCounter:
			if err := s.SetCounter(sug.Path, sug.Value, sug.Reason); err != nil {
				return successCount, err
			}
			successCount++
		case ActionRecalculateChecksum:
			if err := s.recalculateChecksum(); err != nil {
				return successCount, err
			}
			successCount++
		}
	}
	return successCount, nil
}

func (s *Store) recalculateChecksum() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recomputeAndSave()
}
