package store

import (
	"testing"

	"github.com/leonletto/codesweep/internal/protocol"
)

func TestIsTerminalReport(t *testing.T) {
	cases := []struct {
		status, details string
		want            bool
	}{
		{protocol.StatusDeleted, "", true},
		{protocol.StatusDeleted, "removed from quarantine", true},
		{protocol.StatusFailed, "file not found in quarantine", true},
		{protocol.StatusFailed, "File NOT FOUND in Quarantine tree", true},
		{protocol.StatusFailed, "permission denied", false},
		{protocol.StatusFailed, "", false},
	}
	for _, tc := range cases {
		if got := IsTerminalReport(tc.status, tc.details); got != tc.want {
			t.Errorf("IsTerminalReport(%q, %q) = %v, want %v", tc.status, tc.details, got, tc.want)
		}
	}
}

func TestRemovePendingAfterReports(t *testing.T) {
	s := newTestStore(t)

	_ = s.ReplacePendingFiles("scan-11111111", "10.0.0.1", []protocol.FileReport{
		{FilePath: "/data/a.py", FileHash: "h-a"},
		{FilePath: "/data/b.py", FileHash: "h-b"},
		{FilePath: "/data/c.py", FileHash: "h-c"},
		{FilePath: "/data/d.py", FileHash: "h-d"},
	})

	reports := []protocol.ReportEntry{
		{FileHash: "h-a", Path: "/q/a.py", Status: protocol.StatusDeleted},
		{FileHash: "h-b", Status: protocol.StatusFailed, Details: "file not found in quarantine"},
		{FileHash: "h-c", Status: protocol.StatusFailed, Details: "permission denied"},
		// No hash: falls back to path matching.
		{Path: "/data/d.py", Status: protocol.StatusDeleted},
	}

	removed, err := s.RemovePendingAfterReports("scan-11111111", "10.0.0.1", reports)
	if err != nil {
		t.Fatalf("RemovePendingAfterReports: %v", err)
	}
	if removed != 3 {
		t.Errorf("removed = %d, want 3", removed)
	}

	left, _ := s.ListPendingFiles("")
	if len(left) != 1 || left[0].FileHash != "h-c" {
		t.Errorf("remaining = %+v, want only the retryable h-c row", left)
	}
}

func TestRemovePendingAfterReports_WrongAgentUntouched(t *testing.T) {
	s := newTestStore(t)

	_ = s.ReplacePendingFiles("scan-11111111", "10.0.0.1", []protocol.FileReport{
		{FilePath: "/data/a.py", FileHash: "h-a"},
	})

	removed, err := s.RemovePendingAfterReports("scan-11111111", "10.0.0.2", []protocol.ReportEntry{
		{FileHash: "h-a", Status: protocol.StatusDeleted},
	})
	if err != nil {
		t.Fatalf("RemovePendingAfterReports: %v", err)
	}
	if removed != 0 {
		t.Errorf("removed = %d, want 0 for a different agent", removed)
	}
}

func TestListDeletionReports_NewestFirstAndClamp(t *testing.T) {
	s := newTestStore(t)

	_ = s.AddDeletionReports("scan-11111111", "10.0.0.1", []protocol.ReportEntry{
		{FileHash: "h-1", Status: protocol.StatusDeleted},
		{FileHash: "h-2", Status: protocol.StatusFailed, Details: "permission denied"},
	})

	reports, err := s.ListDeletionReports(0)
	if err != nil {
		t.Fatalf("ListDeletionReports: %v", err)
	}
	if len(reports) != 2 {
		t.Fatalf("reports = %d, want 2", len(reports))
	}
	// Same created_at second: id DESC breaks the tie, newest insert first.
	if reports[0].FileHash != "h-2" {
		t.Errorf("first report = %+v, want the later h-2 insert", reports[0])
	}

	one, _ := s.ListDeletionReports(1)
	if len(one) != 1 {
		t.Errorf("limit 1 -> %d rows", len(one))
	}
}

func TestAddAuditEntries_Defaults(t *testing.T) {
	s := newTestStore(t)

	err := s.AddAuditEntries([]AuditEntry{
		{TaskID: "scan-11111111", AgentIP: "10.0.0.1", FileHash: "h-a", Action: AuditDeleteDispatched},
	})
	if err != nil {
		t.Fatalf("AddAuditEntries: %v", err)
	}

	entries, err := s.ListAuditLog(0)
	if err != nil {
		t.Fatalf("ListAuditLog: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	if entries[0].ActionBy != DefaultActionBy {
		t.Errorf("ActionBy = %q, want default %q", entries[0].ActionBy, DefaultActionBy)
	}
	if entries[0].CreatedAt == "" {
		t.Error("CreatedAt not defaulted")
	}
}

func TestListAuditLog_HidesDispatchFailures(t *testing.T) {
	s := newTestStore(t)

	_ = s.AddAuditEntries([]AuditEntry{
		{TaskID: "scan-1", Action: AuditDeleteDispatched},
		{TaskID: "scan-1", Action: AuditDeleteDispatchFailed},
		{TaskID: "scan-1", Action: AuditRejected},
	})

	entries, err := s.ListAuditLog(0)
	if err != nil {
		t.Fatalf("ListAuditLog: %v", err)
	}
	for _, e := range entries {
		if e.Action == AuditDeleteDispatchFailed {
			t.Errorf("dispatch failure leaked into audit view: %+v", e)
		}
	}
	if len(entries) != 2 {
		t.Errorf("entries = %d, want 2", len(entries))
	}
}

func TestListAuditLog_ProjectsReports(t *testing.T) {
	s := newTestStore(t)

	_ = s.AddDeletionReports("scan-11111111", "10.0.0.1", []protocol.ReportEntry{
		{FileHash: "h-ok", Path: "/q/a.py", Status: protocol.StatusDeleted, Details: "removed"},
		{FileHash: "h-bad", Path: "/q/b.py", Status: protocol.StatusFailed, Details: "permission denied"},
	})

	entries, err := s.ListAuditLog(0)
	if err != nil {
		t.Fatalf("ListAuditLog: %v", err)
	}

	var confirmed, failed int
	for _, e := range entries {
		switch e.Action {
		case AuditDeleteConfirmed:
			confirmed++
			if e.ActionBy != "agent" {
				t.Errorf("confirmed ActionBy = %q, want agent", e.ActionBy)
			}
		case AuditDeleteFailed:
			failed++
		}
	}
	if confirmed != 1 || failed != 1 {
		t.Errorf("confirmed = %d, failed = %d, want 1 and 1", confirmed, failed)
	}
}

func TestListAuditLog_ConfirmedShadowsFailed(t *testing.T) {
	s := newTestStore(t)

	// First attempt failed, retry succeeded for the same file.
	_ = s.AddDeletionReports("scan-11111111", "10.0.0.1", []protocol.ReportEntry{
		{FileHash: "h-a", Path: "/q/a.py", Status: protocol.StatusFailed, Details: "device busy"},
	})
	_ = s.AddDeletionReports("scan-11111111", "10.0.0.1", []protocol.ReportEntry{
		{FileHash: "h-a", Path: "/q/a.py", Status: protocol.StatusDeleted},
	})

	entries, err := s.ListAuditLog(0)
	if err != nil {
		t.Fatalf("ListAuditLog: %v", err)
	}
	for _, e := range entries {
		if e.Action == AuditDeleteFailed {
			t.Errorf("failed outcome should be shadowed by the confirmed retry: %+v", e)
		}
	}
}
