// Package parser turns a repository's _work_efforts tree into typed
// records. It recognizes two historical artifact conventions — the
// current MCP directory-per-work-effort layout and the legacy Johnny
// Decimal numbering scheme — and never aborts a whole repository scan
// because one file is malformed.
package parser

import "time"

// Format identifies which artifact convention a WorkEffort was read from.
type Format string

const (
	FormatMCP Format = "mcp"
	FormatJD  Format = "jd"
)

// Recognized work-effort and ticket statuses. Parsing does not reject an
// unrecognized status string — it is kept (lower-cased and underscored
// by normalizeStatus) and counted under its own key in RepoStats — but
// these are the values the rest of the system
// treats specially (change detection, status-patch allow-list).
const (
	StatusActive      = "active"
	StatusInProgress  = "in_progress"
	StatusPaused      = "paused"
	StatusCompleted   = "completed"
	StatusPending     = "pending"
	StatusBlocked     = "blocked"
)

// WorkEffortStatuses is the allow-list enforced by the status-patch API.
var WorkEffortStatuses = []string{
	StatusActive, StatusPaused, StatusCompleted, StatusInProgress, StatusPending, StatusBlocked,
}

// TicketStatuses is the allow-list of statuses a ticket's frontmatter may carry.
var TicketStatuses = []string{
	StatusPending, StatusInProgress, StatusCompleted, StatusBlocked,
}

// Ticket is a unit of work belonging to a single WorkEffort.
type Ticket struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Status    string `json:"status"`
	Parent    string `json:"parent"`
	Path      string `json:"path"`
	CreatedBy string `json:"createdBy,omitempty"`
	Created   *time.Time `json:"created,omitempty"`

	// Error is set when this ticket's frontmatter could not be parsed;
	// the ticket still appears with default fields rather than being
	// dropped, per the parser's per-artifact isolation contract.
	Error string `json:"error,omitempty"`
}

// WorkEffort is the core tracked-work record, either MCP- or JD-format.
type WorkEffort struct {
	ID           string     `json:"id"`
	Format       Format     `json:"format"`
	Title        string     `json:"title"`
	Status       string     `json:"status"`
	Created      *time.Time `json:"created,omitempty"`
	CreatedBy    string     `json:"createdBy,omitempty"`
	LastUpdated  *time.Time `json:"lastUpdated,omitempty"`
	Repository   string     `json:"repository,omitempty"`
	Branch       string     `json:"branch,omitempty"`
	Category     string     `json:"category,omitempty"`
	Tickets      []Ticket   `json:"tickets,omitempty"`
	Path         string     `json:"path"`
	Checkpoints  int        `json:"checkpoints,omitempty"`

	// Error is set when this work effort's own frontmatter could not be
	// parsed; default fields are populated and the artifact is still
	// included in the result.
	Error string `json:"error,omitempty"`
}

// RepoStats is the aggregate computed over a repo's work efforts in a
// single linear pass. It is always fully recomputed, never patched.
type RepoStats struct {
	Total            int            `json:"total"`
	ByFormat         map[string]int `json:"byFormat"`
	ByStatus         map[string]int `json:"byStatus"`
	TotalTickets     int            `json:"totalTickets"`
	TicketsByStatus  map[string]int `json:"ticketsByStatus"`
	TotalCheckpoints int            `json:"totalCheckpoints"`
}

// Result is the return value of Parse: a repo's work efforts plus an
// optional repo-level error (missing work-efforts directory, unreadable
// directory). Artifact-level errors live on the individual WorkEffort /
// Ticket instead.
type Result struct {
	WorkEfforts []WorkEffort `json:"workEfforts"`
	Error       string       `json:"error,omitempty"`
}

// Frontmatter mirrors the YAML block at the top of an index or ticket
// file. Fields are tagged lower-case to match the on-disk schema
// documented in spec.md §6.1.
type Frontmatter struct {
	ID          string `yaml:"id"`
	Title       string `yaml:"title"`
	Status      string `yaml:"status"`
	Created     string `yaml:"created"`
	CreatedBy   string `yaml:"created_by"`
	LastUpdated string `yaml:"last_updated"`
	Branch      string `yaml:"branch"`
	Repository  string `yaml:"repository"`
	Parent      string `yaml:"parent"`
	AssignedTo  string `yaml:"assigned_to"`
}
