package parser

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestParse_MissingWorkEffortsDir(t *testing.T) {
	dir := t.TempDir()
	result := Parse(dir)
	assert.Equal(t, "No _work_efforts folder found", result.Error)
	assert.Empty(t, result.WorkEfforts)
}

func TestParse_MCPWorkEffortWithTickets(t *testing.T) {
	root := t.TempDir()
	weDir := filepath.Join(root, "_work_efforts", "WE-260501-ab12_demo")
	writeFile(t, filepath.Join(weDir, "WE-260501-ab12_index.md"), `---
id: WE-260501-ab12
title: "Demo work"
status: active
created: 2026-05-01T00:00:00Z
repository: _pyrite
branch: main
---

Body text.
`)
	writeFile(t, filepath.Join(weDir, "tickets", "TKT-ab12-002_second.md"), `---
id: TKT-ab12-002
parent: WE-260501-ab12
title: "Second"
status: pending
---
`)
	writeFile(t, filepath.Join(weDir, "tickets", "TKT-ab12-001_first.md"), `---
id: TKT-ab12-001
parent: WE-260501-ab12
title: "First"
status: completed
---
`)

	result := Parse(root)
	require.Empty(t, result.Error)
	require.Len(t, result.WorkEfforts, 1)

	we := result.WorkEfforts[0]
	assert.Equal(t, "WE-260501-ab12", we.ID)
	assert.Equal(t, FormatMCP, we.Format)
	assert.Equal(t, "active", we.Status)
	assert.Equal(t, "_pyrite", we.Repository)
	require.Len(t, we.Tickets, 2)
	// lexicographic by filename: 001 before 002
	assert.Equal(t, "TKT-ab12-001", we.Tickets[0].ID)
	assert.Equal(t, "TKT-ab12-002", we.Tickets[1].ID)
}

func TestParse_MalformedFrontmatterIsolated(t *testing.T) {
	root := t.TempDir()
	weDir := filepath.Join(root, "_work_efforts", "WE-260501-ab12_demo")
	writeFile(t, filepath.Join(weDir, "WE-260501-ab12_index.md"), "---\nstatus: [unterminated\n---\nbody")

	result := Parse(root)
	require.Empty(t, result.Error)
	require.Len(t, result.WorkEfforts, 1)
	assert.NotEmpty(t, result.WorkEfforts[0].Error)
	assert.Equal(t, "WE-260501-ab12", result.WorkEfforts[0].ID)
}

func TestParse_JohnnyDecimal(t *testing.T) {
	root := t.TempDir()
	catDir := filepath.Join(root, "_work_efforts", "10-01_engineering", "10_backend")
	writeFile(t, filepath.Join(catDir, "10.01_migrate_db.md"), `---
title: "Migrate DB"
status: in-progress
---
`)

	result := Parse(root)
	require.Empty(t, result.Error)
	require.Len(t, result.WorkEfforts, 1)

	we := result.WorkEfforts[0]
	assert.Equal(t, FormatJD, we.Format)
	assert.Equal(t, "10.01", we.ID)
	assert.Equal(t, "10-01_engineering", we.Category)
	assert.Equal(t, "in_progress", we.Status)
	assert.Empty(t, we.Tickets)
}

func TestParse_IgnoresUnrecognizedNames(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "_work_efforts", "README_notes"), 0o755))
	result := Parse(root)
	require.Empty(t, result.Error)
	assert.Empty(t, result.WorkEfforts)
}

func TestParse_DuplicateIDIsSurfacedAsParseError(t *testing.T) {
	root := t.TempDir()
	weDirA := filepath.Join(root, "_work_efforts", "WE-260501-ab12_first")
	weDirB := filepath.Join(root, "_work_efforts", "WE-260501-cd34_second")
	writeFile(t, filepath.Join(weDirA, "WE-260501-ab12_index.md"), "---\nstatus: active\n---\n")
	// An id: frontmatter override collides this second work effort's id
	// with the first's, even though their directory names differ.
	writeFile(t, filepath.Join(weDirB, "WE-260501-cd34_index.md"), "---\nid: WE-260501-ab12\nstatus: active\n---\n")

	result := Parse(root)
	assert.Equal(t, "Duplicate work effort id: WE-260501-ab12", result.Error)
	require.Len(t, result.WorkEfforts, 2)
}

func TestStats_Correctness(t *testing.T) {
	wes := []WorkEffort{
		{Format: FormatMCP, Status: "active", Tickets: []Ticket{{Status: "pending"}, {Status: "completed"}}},
		{Format: FormatMCP, Status: "completed"},
		{Format: FormatJD, Status: "active"},
	}
	stats := Stats(wes)

	assert.Equal(t, len(wes), stats.Total)

	sumByStatus := 0
	for _, n := range stats.ByStatus {
		sumByStatus += n
	}
	assert.Equal(t, stats.Total, sumByStatus)

	sumTicketStatus := 0
	for _, n := range stats.TicketsByStatus {
		sumTicketStatus += n
	}
	assert.Equal(t, stats.TotalTickets, sumTicketStatus)
	assert.Equal(t, 2, stats.TotalTickets)
}

func TestTicketID_FormatAndParentSuffix(t *testing.T) {
	root := t.TempDir()
	weDir := filepath.Join(root, "_work_efforts", "WE-260501-zz99_demo")
	writeFile(t, filepath.Join(weDir, "WE-260501-zz99_index.md"), "---\nstatus: active\n---\n")
	writeFile(t, filepath.Join(weDir, "tickets", "TKT-zz99-001_a.md"), "---\nstatus: pending\n---\n")

	result := Parse(root)
	require.Len(t, result.WorkEfforts, 1)
	require.Len(t, result.WorkEfforts[0].Tickets, 1)

	ticket := result.WorkEfforts[0].Tickets[0]
	matches := ticketFileRe.FindStringSubmatch("TKT-zz99-001_a.md")
	require.NotNil(t, matches)
	assert.Equal(t, matches[1], ticket.ID[4:8])
}
