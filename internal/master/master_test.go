package master

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/leonletto/codesweep/internal/config"
	"github.com/leonletto/codesweep/internal/protocol"
	"github.com/leonletto/codesweep/internal/store"
)

// captureSink records published events for assertions.
type captureSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *captureSink) Publish(e Event) {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
}

func (s *captureSink) count(typ string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func (s *captureSink) last(typ string) (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.events) - 1; i >= 0; i-- {
		if s.events[i].Type == typ {
			return s.events[i], true
		}
	}
	return Event{}, false
}

func newTestMaster(t *testing.T) (*Master, *captureSink) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	sink := &captureSink{}
	cfg := config.MasterConfig{BindIP: "127.0.0.1", Port: 0, DBPath: dbPath}
	return New(cfg, st, sink, nil), sink
}

func startMaster(t *testing.T) (*Master, *captureSink, string) {
	t.Helper()
	m, sink := newTestMaster(t)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = m.Stop() })
	return m, sink, m.Addr().String()
}

func dialAgent(t *testing.T, addr string) *protocol.Conn {
	t.Helper()
	conn, err := protocol.Dial(addr, time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func registerAgent(t *testing.T, conn *protocol.Conn, clientID string) {
	t.Helper()
	reg := protocol.Register{Type: protocol.TypeRegister, ClientID: clientID, Hostname: "test-host"}
	if err := conn.WriteMessage(reg); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
}

func readFrame(t *testing.T, conn *protocol.Conn, wantType string) *protocol.Message {
	t.Helper()
	msg, err := conn.ReadMessage(2 * time.Second)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if msg.Type != wantType {
		t.Fatalf("frame type = %q, want %q", msg.Type, wantType)
	}
	return msg
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testReport(path, hash string) protocol.FileReport {
	return protocol.FileReport{
		FilePath:   path,
		Filename:   filepath.Base(path),
		Size:       64,
		Decision:   "delete",
		Confidence: 0.9,
		Language:   "python",
		Method:     "pattern-based",
		Reason:     "High confidence python code",
		FileHash:   hash,
	}
}

func TestMaster_FirstFrameMustRegister(t *testing.T) {
	m, _, addr := startMaster(t)
	conn := dialAgent(t, addr)

	if err := conn.WriteMessage(protocol.Heartbeat{Type: protocol.TypeHeartbeat}); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	if _, err := conn.ReadMessage(2 * time.Second); err == nil {
		t.Fatal("expected the master to close the connection")
	}
	if got := m.Registry().Snapshot(); len(got) != 0 {
		t.Errorf("Snapshot returned %d agents, want 0", len(got))
	}
}

func TestMaster_RegisterDispatchesInitialTask(t *testing.T) {
	m, sink, addr := startMaster(t)
	conn := dialAgent(t, addr)
	registerAgent(t, conn, "agent-1")

	msg := readFrame(t, conn, protocol.TypeScanTask)
	var task protocol.ScanTask
	if err := msg.Decode(&task); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !strings.HasPrefix(task.TaskID, "scan-") {
		t.Errorf("TaskID = %q, want scan- prefix", task.TaskID)
	}
	if len(task.TargetLanguages) != 1 || task.TargetLanguages[0] != "python" {
		t.Errorf("TargetLanguages = %v, want [python]", task.TargetLanguages)
	}

	waitFor(t, "agent to reach SCANNING", func() bool {
		state, ok := m.Registry().Get("127.0.0.1")
		return ok && state.Status == store.StatusScanning
	})

	rec, err := m.Store().GetAgent("127.0.0.1")
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if rec == nil {
		t.Fatal("agent was not persisted")
	}
	if rec.ClientID != "agent-1" {
		t.Errorf("ClientID = %q, want %q", rec.ClientID, "agent-1")
	}
	if sink.count(EventAgentRegistered) != 1 {
		t.Errorf("agent_registered events = %d, want 1", sink.count(EventAgentRegistered))
	}
	if got := testutil.ToFloat64(m.metrics.Registrations); got != 1 {
		t.Errorf("registrations counter = %v, want 1", got)
	}
}

func TestMaster_HeartbeatDrainsQueuedWork(t *testing.T) {
	m, _, addr := startMaster(t)
	conn := dialAgent(t, addr)
	registerAgent(t, conn, "agent-2")
	readFrame(t, conn, protocol.TypeScanTask)

	delPayload, err := json.Marshal(protocol.DeleteApproved{
		Type:            protocol.TypeDeleteApproved,
		TaskID:          "scan-del1",
		ApprovedEntries: []protocol.ApprovedEntry{{FileHash: "aa"}},
		ApprovedHashes:  []string{"aa"},
	})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if _, err := m.Store().EnqueueDeleteCommand("127.0.0.1", "scan-del1", delPayload); err != nil {
		t.Fatalf("EnqueueDeleteCommand: %v", err)
	}
	taskPayload, err := json.Marshal(protocol.ScanTask{
		Type:            protocol.TypeScanTask,
		TaskID:          "scan-q2",
		TargetLanguages: []string{"matlab"},
	})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if _, err := m.Store().EnqueueScanTask("127.0.0.1", "scan-q2", taskPayload); err != nil {
		t.Fatalf("EnqueueScanTask: %v", err)
	}

	if err := conn.WriteMessage(protocol.Heartbeat{Type: protocol.TypeHeartbeat, ClientID: "agent-2"}); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	// Deletes drain before tasks.
	delMsg := readFrame(t, conn, protocol.TypeDeleteApproved)
	var cmd protocol.DeleteApproved
	if err := delMsg.Decode(&cmd); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if cmd.TaskID != "scan-del1" {
		t.Errorf("delete TaskID = %q, want %q", cmd.TaskID, "scan-del1")
	}

	taskMsg := readFrame(t, conn, protocol.TypeScanTask)
	var task protocol.ScanTask
	if err := taskMsg.Decode(&task); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if task.TaskID != "scan-q2" {
		t.Errorf("task TaskID = %q, want %q", task.TaskID, "scan-q2")
	}
	if len(task.TargetLanguages) != 1 || task.TargetLanguages[0] != "matlab" {
		t.Errorf("TargetLanguages = %v, want [matlab]", task.TargetLanguages)
	}

	waitFor(t, "queues to drain", func() bool {
		dels, err := m.Store().PendingDeleteCommands("127.0.0.1", 10)
		if err != nil || len(dels) != 0 {
			return false
		}
		tasks, err := m.Store().PendingScanTasks("127.0.0.1", 10)
		return err == nil && len(tasks) == 0
	})
}

func TestMaster_ScanResultsAwaitApproval(t *testing.T) {
	m, sink, addr := startMaster(t)
	conn := dialAgent(t, addr)
	registerAgent(t, conn, "agent-3")

	msg := readFrame(t, conn, protocol.TypeScanTask)
	var task protocol.ScanTask
	if err := msg.Decode(&task); err != nil {
		t.Fatalf("Decode: %v", err)
	}

	files := []protocol.FileReport{
		testReport("/home/lab/a.py", "hash-a"),
		testReport("/home/lab/b.py", "hash-b"),
	}
	res := protocol.ScanResults{
		Type:     protocol.TypeScanResults,
		TaskID:   task.TaskID,
		ClientID: "agent-3",
		Files:    files,
		Results:  files,
	}
	if err := conn.WriteMessage(res); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	waitFor(t, "pending rows", func() bool {
		rows, err := m.Store().ListPendingFiles("")
		return err == nil && len(rows) == 2
	})
	waitFor(t, "AWAITING_APPROVAL status", func() bool {
		state, ok := m.Registry().Get("127.0.0.1")
		return ok && state.Status == store.StatusAwaitingApproval
	})

	cached := m.Collector().Results(task.TaskID)
	if len(cached["127.0.0.1"]) != 2 {
		t.Errorf("cached results = %d files, want 2", len(cached["127.0.0.1"]))
	}
	if sink.count(EventScanResultsReceived) != 1 {
		t.Errorf("scan_results_received events = %d, want 1", sink.count(EventScanResultsReceived))
	}
	if got := testutil.ToFloat64(m.metrics.FilesFlagged); got != 2 {
		t.Errorf("files flagged counter = %v, want 2", got)
	}
}

func TestMaster_LegacyScanResultFrameAccepted(t *testing.T) {
	m, _, addr := startMaster(t)
	conn := dialAgent(t, addr)
	registerAgent(t, conn, "agent-legacy")

	msg := readFrame(t, conn, protocol.TypeScanTask)
	var task protocol.ScanTask
	if err := msg.Decode(&task); err != nil {
		t.Fatalf("Decode: %v", err)
	}

	// Older agent builds send the singular type and legacy field names.
	body := fmt.Sprintf(`{"type":"scan_result","task_id":%q,"results":[{"path":"/home/lab/x.py","file_hash":"hash-x","decision":"delete","confidence":0.9,"type":"python"}]}`, task.TaskID)
	if err := conn.WriteRaw([]byte(body)); err != nil {
		t.Fatalf("WriteRaw: %v", err)
	}

	waitFor(t, "pending row from legacy frame", func() bool {
		rows, err := m.Store().ListPendingFiles("")
		return err == nil && len(rows) == 1
	})

	rows, err := m.Store().ListPendingFiles("")
	if err != nil {
		t.Fatalf("ListPendingFiles: %v", err)
	}
	if rows[0].Path != "/home/lab/x.py" {
		t.Errorf("Path = %q, want %q", rows[0].Path, "/home/lab/x.py")
	}
	if rows[0].Language != "python" {
		t.Errorf("Language = %q, want %q", rows[0].Language, "python")
	}
}

func TestMaster_DeletionReportClearsPending(t *testing.T) {
	m, sink, addr := startMaster(t)
	conn := dialAgent(t, addr)
	registerAgent(t, conn, "agent-4")

	msg := readFrame(t, conn, protocol.TypeScanTask)
	var task protocol.ScanTask
	if err := msg.Decode(&task); err != nil {
		t.Fatalf("Decode: %v", err)
	}

	files := []protocol.FileReport{
		testReport("/home/lab/a.py", "hash-a"),
		testReport("/home/lab/b.py", "hash-b"),
	}
	res := protocol.ScanResults{Type: protocol.TypeScanResults, TaskID: task.TaskID, Files: files, Results: files}
	if err := conn.WriteMessage(res); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	waitFor(t, "pending rows", func() bool {
		rows, err := m.Store().ListPendingFiles("")
		return err == nil && len(rows) == 2
	})

	rep := protocol.DeletionReport{
		Type:   protocol.TypeDeletionReport,
		TaskID: task.TaskID,
		Reports: []protocol.ReportEntry{
			{FileHash: "hash-a", Status: protocol.StatusDeleted, Details: "removed a.py"},
			{FileHash: "hash-b", Status: protocol.StatusFailed, Details: "file not found in quarantine"},
		},
	}
	if err := conn.WriteMessage(rep); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	waitFor(t, "pending rows cleared", func() bool {
		rows, err := m.Store().ListPendingFiles("")
		return err == nil && len(rows) == 0
	})
	waitFor(t, "IDLE status", func() bool {
		state, ok := m.Registry().Get("127.0.0.1")
		return ok && state.Status == store.StatusIdle
	})

	reports, err := m.Store().ListDeletionReports(0)
	if err != nil {
		t.Fatalf("ListDeletionReports: %v", err)
	}
	if len(reports) != 2 {
		t.Errorf("ListDeletionReports returned %d rows, want 2", len(reports))
	}
	if sink.count(EventDeletionReportReceived) != 1 {
		t.Errorf("deletion_report_received events = %d, want 1", sink.count(EventDeletionReportReceived))
	}
}

func TestMaster_SweepMarksSilentAgentsOffline(t *testing.T) {
	m, sink, addr := startMaster(t)
	conn := dialAgent(t, addr)
	registerAgent(t, conn, "agent-5")
	readFrame(t, conn, protocol.TypeScanTask)

	waitFor(t, "agent to reach SCANNING", func() bool {
		state, ok := m.Registry().Get("127.0.0.1")
		return ok && state.Status == store.StatusScanning
	})

	m.registry.mu.Lock()
	if e, ok := m.registry.agents["127.0.0.1"]; ok {
		e.state.LastSeen = time.Now().Add(-2 * InactivityTimeout)
	}
	m.registry.mu.Unlock()

	m.sweepInactive()

	state, ok := m.Registry().Get("127.0.0.1")
	if !ok {
		t.Fatal("agent vanished from registry")
	}
	if state.Status != store.StatusOffline {
		t.Errorf("Status = %q, want %q", state.Status, store.StatusOffline)
	}
	if m.Registry().Conn("127.0.0.1") != nil {
		t.Error("Conn should be nil after the sweep")
	}
	ev, found := sink.last(EventAgentOffline)
	if !found {
		t.Fatal("no agent_offline event published")
	}
	if ev.Detail != "inactivity timeout" {
		t.Errorf("event detail = %q, want %q", ev.Detail, "inactivity timeout")
	}
}

func TestMaster_StopDisconnectsAgents(t *testing.T) {
	m, _, addr := startMaster(t)
	conn := dialAgent(t, addr)
	registerAgent(t, conn, "agent-6")
	readFrame(t, conn, protocol.TypeScanTask)

	if err := m.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, err := conn.ReadMessage(2 * time.Second); err == nil {
		t.Fatal("expected read to fail after Stop")
	}
	if err := m.Stop(); err != nil {
		t.Errorf("second Stop: %v", err)
	}
}
