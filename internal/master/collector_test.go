package master

import (
	"path/filepath"
	"testing"

	"github.com/leonletto/codesweep/internal/protocol"
	"github.com/leonletto/codesweep/internal/store"
)

func newTestCollector(t *testing.T) (*Collector, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return NewCollector(st), st
}

func TestCollector_ResultsGroupedByAgent(t *testing.T) {
	c, st := newTestCollector(t)

	batchA := []protocol.FileReport{
		testReport("/home/a/one.py", "hash-1"),
		testReport("/home/a/two.py", "hash-2"),
	}
	batchB := []protocol.FileReport{testReport("/home/b/three.py", "hash-3")}

	if err := c.Add("10.0.0.1", "scan-aaaa", batchA); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := c.Add("10.0.0.2", "scan-aaaa", batchB); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := c.Add("10.0.0.1", "scan-bbbb", batchB); err != nil {
		t.Fatalf("Add: %v", err)
	}

	got := c.Results("scan-aaaa")
	if len(got) != 2 {
		t.Fatalf("Results returned %d agents, want 2", len(got))
	}
	if len(got["10.0.0.1"]) != 2 {
		t.Errorf("agent 10.0.0.1 batch = %d files, want 2", len(got["10.0.0.1"]))
	}
	if len(got["10.0.0.2"]) != 1 {
		t.Errorf("agent 10.0.0.2 batch = %d files, want 1", len(got["10.0.0.2"]))
	}
	if len(c.Results("scan-none")) != 0 {
		t.Error("unknown task should have no cached results")
	}

	rows, err := st.ListPendingFiles("")
	if err != nil {
		t.Fatalf("ListPendingFiles: %v", err)
	}
	if len(rows) != 4 {
		t.Errorf("pending rows = %d, want 4", len(rows))
	}
}

func TestCollector_AddReplacesEarlierBatch(t *testing.T) {
	c, st := newTestCollector(t)

	first := []protocol.FileReport{
		testReport("/home/a/one.py", "hash-1"),
		testReport("/home/a/two.py", "hash-2"),
	}
	second := []protocol.FileReport{testReport("/home/a/three.py", "hash-3")}

	if err := c.Add("10.0.0.1", "scan-cccc", first); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := c.Add("10.0.0.1", "scan-cccc", second); err != nil {
		t.Fatalf("Add: %v", err)
	}

	got := c.Results("scan-cccc")
	if len(got["10.0.0.1"]) != 1 {
		t.Fatalf("cached batch = %d files, want 1", len(got["10.0.0.1"]))
	}
	if got["10.0.0.1"][0].FileHash != "hash-3" {
		t.Errorf("FileHash = %q, want %q", got["10.0.0.1"][0].FileHash, "hash-3")
	}

	rows, err := st.ListPendingFiles("")
	if err != nil {
		t.Fatalf("ListPendingFiles: %v", err)
	}
	if len(rows) != 1 {
		t.Errorf("pending rows = %d, want 1", len(rows))
	}
}
