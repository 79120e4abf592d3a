package parser

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

var (
	weDirRe       = regexp.MustCompile(`^WE-\d{6}-[a-z0-9]{4}_.+$`)
	weIDRe        = regexp.MustCompile(`^(WE-\d{6}-[a-z0-9]{4})_`)
	jdCategoryRe  = regexp.MustCompile(`^\d{2}-\d{2}_.+$`)
	jdSubcatRe    = regexp.MustCompile(`^\d{2}_.+$`)
	jdFileRe      = regexp.MustCompile(`^\d{1,2}\.\d{1,2}_.*\.md$`)
	ticketFileRe  = regexp.MustCompile(`^TKT-([a-z0-9]{4})-(\d{3})_.+\.md$`)
	indexSuffixRe = regexp.MustCompile(`_index\.md$`)
)

// workEffortsDirNames are tried in order; the first one present wins.
var workEffortsDirNames = []string{"_work_efforts", "_work_efforts_"}

// Parse scans repoRoot for a recognized work-efforts directory and
// returns every work effort (and nested ticket) it can find. Parse is
// pure: it performs no mutation of shared state and is safe to call
// concurrently from any number of goroutines.
func Parse(repoRoot string) *Result {
	weRoot, err := locateWorkEffortsDir(repoRoot)
	if err != nil {
		return &Result{WorkEfforts: nil, Error: "No _work_efforts folder found"}
	}

	entries, err := os.ReadDir(weRoot)
	if err != nil {
		return &Result{WorkEfforts: nil, Error: "Unable to read work-efforts directory: " + err.Error()}
	}

	var out []WorkEffort
	for _, e := range entries {
		name := e.Name()
		switch {
		case e.IsDir() && weDirRe.MatchString(name):
			we := parseMCPWorkEffort(filepath.Join(weRoot, name), name)
			if we != nil {
				out = append(out, *we)
			}
		case e.IsDir() && jdCategoryRe.MatchString(name):
			out = append(out, parseJDCategory(filepath.Join(weRoot, name), name)...)
		default:
			// unrecognized name: ignored per spec.md §4.1 step 2
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	if dup, ok := firstDuplicateID(out); ok {
		return &Result{WorkEfforts: out, Error: "Duplicate work effort id: " + dup}
	}
	return &Result{WorkEfforts: out}
}

// firstDuplicateID reports the first work-effort id that appears more
// than once in a sorted list (spec.md §3 invariant: ids are globally
// unique within a repo; duplicates are surfaced as a parse error).
func firstDuplicateID(wes []WorkEffort) (string, bool) {
	for i := 1; i < len(wes); i++ {
		if wes[i].ID == wes[i-1].ID {
			return wes[i].ID, true
		}
	}
	return "", false
}

// WorkEffortsDir reports the work-efforts directory Parse would use
// for repoRoot, trying "_work_efforts" then "_work_efforts_". Callers
// outside this package use it to validate a candidate repo path and
// to scope a filesystem watch to the same tree Parse reads.
func WorkEffortsDir(repoRoot string) (string, bool) {
	dir, err := locateWorkEffortsDir(repoRoot)
	return dir, err == nil
}

func locateWorkEffortsDir(repoRoot string) (string, error) {
	for _, name := range workEffortsDirNames {
		dir := filepath.Join(repoRoot, name)
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return dir, nil
		}
	}
	return "", os.ErrNotExist
}

// parseMCPWorkEffort parses one WE-YYMMDD-xxxx_title directory. A
// malformed index file yields a WorkEffort with default fields and an
// Error note rather than aborting the scan.
func parseMCPWorkEffort(dir, dirName string) *WorkEffort {
	m := weIDRe.FindStringSubmatch(dirName)
	if m == nil {
		return nil
	}
	weID := m[1]

	indexPath := findIndexFile(dir, weID)
	we := &WorkEffort{ID: weID, Format: FormatMCP, Path: indexPath}

	if indexPath == "" {
		we.Error = "no _index.md file found"
		return attachTickets(we, dir, weID)
	}

	content, err := os.ReadFile(indexPath)
	if err != nil {
		we.Error = "unable to read index file: " + err.Error()
		return attachTickets(we, dir, weID)
	}

	yamlPart, _, _ := splitFrontmatter(content)
	fm, err := parseFrontmatter(yamlPart)
	if err != nil {
		we.Error = "invalid frontmatter: " + err.Error()
		return attachTickets(we, dir, weID)
	}

	applyWorkEffortFrontmatter(we, fm)
	return attachTickets(we, dir, weID)
}

func applyWorkEffortFrontmatter(we *WorkEffort, fm Frontmatter) {
	if fm.ID != "" {
		we.ID = fm.ID
	}
	we.Title = fm.Title
	we.Status = normalizeStatus(fm.Status)
	we.Created = parseTimestamp(fm.Created)
	we.CreatedBy = fm.CreatedBy
	we.LastUpdated = parseTimestamp(fm.LastUpdated)
	we.Branch = fm.Branch
	we.Repository = fm.Repository
}

// findIndexFile finds <weId>_index.md, falling back to the single
// *_index.md file present in the directory.
func findIndexFile(dir, weID string) string {
	preferred := filepath.Join(dir, weID+"_index.md")
	if info, err := os.Stat(preferred); err == nil && !info.IsDir() {
		return preferred
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	var candidates []string
	for _, e := range entries {
		if !e.IsDir() && indexSuffixRe.MatchString(e.Name()) {
			candidates = append(candidates, filepath.Join(dir, e.Name()))
		}
	}
	if len(candidates) == 1 {
		return candidates[0]
	}
	return ""
}

// attachTickets scans <dir>/tickets for files matching this work
// effort's suffix and appends them in lexicographic order.
func attachTickets(we *WorkEffort, dir, weID string) *WorkEffort {
	suffix := weID[len(weID)-4:]
	ticketsDir := filepath.Join(dir, "tickets")
	entries, err := os.ReadDir(ticketsDir)
	if err != nil {
		return we
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := ticketFileRe.FindStringSubmatch(e.Name())
		if m == nil || m[1] != suffix {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		we.Tickets = append(we.Tickets, parseTicket(filepath.Join(ticketsDir, name), suffix))
	}

	we.Checkpoints = countCheckpoints(dir)
	return we
}

func parseTicket(path, weSuffix string) Ticket {
	m := ticketFileRe.FindStringSubmatch(filepath.Base(path))
	id := "TKT-" + weSuffix + "-" + m[2]
	t := Ticket{ID: id, Parent: "", Path: path}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Error = "unable to read ticket file: " + err.Error()
		return t
	}

	yamlPart, _, _ := splitFrontmatter(content)
	fm, err := parseFrontmatter(yamlPart)
	if err != nil {
		t.Error = "invalid frontmatter: " + err.Error()
		return t
	}

	if fm.ID != "" {
		t.ID = fm.ID
	}
	t.Title = fm.Title
	t.Status = normalizeStatus(fm.Status)
	t.Parent = fm.Parent
	t.CreatedBy = fm.CreatedBy
	t.Created = parseTimestamp(fm.Created)
	return t
}

// countCheckpoints counts *.md files under <weDir>/checkpoints. Per the
// glossary, checkpoints are counted but never parsed into structured
// records.
func countCheckpoints(weDir string) int {
	entries, err := os.ReadDir(filepath.Join(weDir, "checkpoints"))
	if err != nil {
		return 0
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".md") {
			n++
		}
	}
	return n
}

// parseJDCategory descends one level into a \d{2}-\d{2}_name category
// directory, yielding one JD-format WorkEffort per \d+.\d+_*.md file
// found under its \d{2}_name subcategories.
func parseJDCategory(categoryDir, categoryName string) []WorkEffort {
	entries, err := os.ReadDir(categoryDir)
	if err != nil {
		return nil
	}

	var out []WorkEffort
	for _, e := range entries {
		if !e.IsDir() || !jdSubcatRe.MatchString(e.Name()) {
			continue
		}
		subDir := filepath.Join(categoryDir, e.Name())
		files, err := os.ReadDir(subDir)
		if err != nil {
			continue
		}
		for _, f := range files {
			if f.IsDir() || !jdFileRe.MatchString(f.Name()) {
				continue
			}
			out = append(out, parseJDFile(filepath.Join(subDir, f.Name()), categoryName))
		}
	}
	return out
}

func parseJDFile(path, category string) WorkEffort {
	base := filepath.Base(path)
	id := strings.TrimSuffix(base, filepath.Ext(base))
	if idx := strings.Index(id, "_"); idx != -1 {
		id = id[:idx]
	}

	we := WorkEffort{ID: id, Format: FormatJD, Category: category, Path: path}

	content, err := os.ReadFile(path)
	if err != nil {
		we.Error = "unable to read file: " + err.Error()
		return we
	}

	yamlPart, _, _ := splitFrontmatter(content)
	fm, err := parseFrontmatter(yamlPart)
	if err != nil {
		we.Error = "invalid frontmatter: " + err.Error()
		return we
	}

	we.Title = fm.Title
	we.Status = normalizeStatus(fm.Status)
	we.Created = parseTimestamp(fm.Created)
	we.LastUpdated = parseTimestamp(fm.LastUpdated)
	return we
}

// normalizeStatus lower-cases and underscores a raw status string so
// aggregation keys are stable regardless of how an author wrote it in
// frontmatter ("In Progress", "in-progress", "in_progress").
func normalizeStatus(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, " ", "_")
	s = strings.ReplaceAll(s, "-", "_")
	return s
}

// Stats computes RepoStats from a list of work efforts in a single
// linear pass, per spec.md §4.1 step 4.
func Stats(wes []WorkEffort) RepoStats {
	stats := RepoStats{
		ByFormat:        map[string]int{},
		ByStatus:        map[string]int{},
		TicketsByStatus: map[string]int{},
	}
	for _, we := range wes {
		stats.Total++
		stats.ByFormat[string(we.Format)]++
		stats.ByStatus[we.Status]++
		stats.TotalCheckpoints += we.Checkpoints
		for _, t := range we.Tickets {
			stats.TotalTickets++
			stats.TicketsByStatus[t.Status]++
		}
	}
	return stats
}
