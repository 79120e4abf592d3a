package counterstore

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

func buildScanFixture(t *testing.T) string {
	root := t.TempDir()
	we := filepath.Join(root, "_work_efforts", "WE-260101-ab12_demo")
	writeFile(t, filepath.Join(we, "WE-260101-ab12_index.md"), "---\nid: WE-260101-ab12\n---\n")
	writeFile(t, filepath.Join(we, "tickets", "TKT-ab12-001_one.md"), "---\nid: TKT-ab12-001\n---\n")
	writeFile(t, filepath.Join(we, "tickets", "TKT-ab12-002_two.md"), "---\nid: TKT-ab12-002\n---\n")
	writeFile(t, filepath.Join(we, "checkpoints", "CKPT-260101-0900_start.md"), "session start")
	return root
}

func TestScan_CountsWorkEffortsTicketsCheckpoints(t *testing.T) {
	root := buildScanFixture(t)

	counts, err := Scan(map[string]string{"_pyrite": root})
	require.NoError(t, err)

	assert.Equal(t, 1, counts.TotalWorkEfforts)
	assert.Equal(t, 1, counts.ByRepo["_pyrite"])
	assert.Equal(t, 2, counts.TotalTickets)
	assert.Equal(t, 2, counts.TicketsByWE["WE-260101-ab12"])
	assert.Equal(t, 1, counts.TotalCheckpoints)
}

func TestGenerateReport_FlagsDiscrepancy(t *testing.T) {
	root := buildScanFixture(t)
	s, err := Load(filepath.Join(t.TempDir(), "counters.json"))
	require.NoError(t, err)

	report, err := s.GenerateReport(map[string]string{"_pyrite": root})
	require.NoError(t, err)

	assert.True(t, report.NeedsMigration)
	assert.NotEmpty(t, report.Discrepancies)
}

func TestMigrate_ReconcilesCountersWithFilesystem(t *testing.T) {
	root := buildScanFixture(t)
	s, err := Load(filepath.Join(t.TempDir(), "counters.json"))
	require.NoError(t, err)

	ops, err := s.Migrate(map[string]string{"_pyrite": root})
	require.NoError(t, err)
	assert.NotEmpty(t, ops)

	counters := s.GetCurrentCounters()
	assert.Equal(t, 1, counters.WorkEfforts.Global)
	assert.Equal(t, 2, counters.Tickets.Global)
	assert.Equal(t, 1, counters.Checkpoints.Global)

	report, err := s.GenerateReport(map[string]string{"_pyrite": root})
	require.NoError(t, err)
	assert.False(t, report.NeedsMigration)
}

func TestValidate_SixCheckCategoriesAndAutoRepair(t *testing.T) {
	root := buildScanFixture(t)
	s, err := Load(filepath.Join(t.TempDir(), "counters.json"))
	require.NoError(t, err)

	validation, err := s.Validate(map[string]string{"_pyrite": root})
	require.NoError(t, err)

	assert.Equal(t, ValidationStatusInvalid, validation.Status)
	names := make([]string, len(validation.Checks))
	for i, c := range validation.Checks {
		names[i] = c.Name
	}
	assert.Contains(t, names, "Work Efforts Count")
	assert.Contains(t, names, "Tickets Count")
	assert.Contains(t, names, "Checkpoints Count")
	assert.Contains(t, names, "Per-Work-Effort Ticket Counts")
	assert.Contains(t, names, "Checksum Integrity")
	assert.Contains(t, names, "ID Format Consistency")

	successCount, err := s.Repair(validation)
	require.NoError(t, err)
	assert.Greater(t, successCount, 0)

	revalidated, err := s.Validate(map[string]string{"_pyrite": root})
	require.NoError(t, err)
	assert.Equal(t, ValidationStatusValid, revalidated.Status)
}

func TestPreview_DoesNotMutateState(t *testing.T) {
	root := buildScanFixture(t)
	s, err := Load(filepath.Join(t.TempDir(), "counters.json"))
	require.NoError(t, err)

	fsCounts, err := Scan(map[string]string{"_pyrite": root})
	require.NoError(t, err)
	ops := Preview(fsCounts)
	assert.NotEmpty(t, ops)

	counters := s.GetCurrentCounters()
	assert.Zero(t, counters.WorkEfforts.Global, "preview must not apply any operation")
}
