//go:build e2e

package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/leonletto/codesweep/internal/admin"
	"github.com/leonletto/codesweep/internal/agent"
	"github.com/leonletto/codesweep/internal/config"
	"github.com/leonletto/codesweep/internal/master"
	"github.com/leonletto/codesweep/internal/protocol"
	"github.com/leonletto/codesweep/internal/store"
)

// loopbackIP is how the master sees every agent in these tests: all
// connections arrive from the same address, so each test runs its own
// fleet and at most one agent identity.
const loopbackIP = "127.0.0.1"

// fleet is one running deployment: a master on a loopback TCP port,
// its store, and the admin API behind an httptest server.
type fleet struct {
	master *master.Master
	store  *store.Store
	admin  *httptest.Server
	wire   string // host:port agents dial
}

func startFleet(t *testing.T) *fleet {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "fleet.db")
	st, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	feed := admin.NewFeed()
	reg := prometheus.NewRegistry()
	cfg := config.MasterConfig{BindIP: loopbackIP, Port: 0, DBPath: dbPath}
	m := master.New(cfg, st, feed, master.NewMetrics(reg))
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start master: %v", err)
	}
	t.Cleanup(func() { _ = m.Stop() })

	srv := admin.NewServer("127.0.0.1:0", m, feed, reg)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &fleet{master: m, store: st, admin: ts, wire: m.Addr().String()}
}

func (f *fleet) wirePort(t *testing.T) int {
	t.Helper()
	addr, ok := f.master.Addr().(*net.TCPAddr)
	if !ok {
		t.Fatalf("master address %v is not TCP", f.master.Addr())
	}
	return addr.Port
}

// startAgent runs a real agent against the fleet with fast timers and
// stops it when the test ends.
func startAgent(t *testing.T, f *fleet, scanRoot, quarantineDir, clientID string) {
	t.Helper()

	cfg := config.AgentConfig{
		MasterIP:          loopbackIP,
		MasterPort:        f.wirePort(t),
		ScanDirs:          []string{scanRoot},
		QuarantineDir:     quarantineDir,
		ClientID:          clientID,
		HeartbeatInterval: config.Duration(150 * time.Millisecond),
		ReconnectDelay:    config.Duration(100 * time.Millisecond),
	}
	a, err := agent.New(cfg)
	if err != nil {
		t.Fatalf("agent.New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = a.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Log("agent did not stop in time")
		}
	})
}

// dialWire opens a raw protocol connection, standing in for an agent
// when a test needs frame-level control.
func dialWire(t *testing.T, f *fleet) *protocol.Conn {
	t.Helper()
	conn, err := protocol.Dial(f.wire, time.Second)
	if err != nil {
		t.Fatalf("dial %s: %v", f.wire, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func register(t *testing.T, conn *protocol.Conn, clientID string) {
	t.Helper()
	reg := protocol.Register{Type: protocol.TypeRegister, ClientID: clientID, Hostname: "e2e-host"}
	if err := conn.WriteMessage(reg); err != nil {
		t.Fatalf("register: %v", err)
	}
}

func readFrame(t *testing.T, conn *protocol.Conn, wantType string) *protocol.Message {
	t.Helper()
	msg, err := conn.ReadMessage(2 * time.Second)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if msg.Type != wantType {
		t.Fatalf("frame type = %q, want %q", msg.Type, wantType)
	}
	return msg
}

func sendHeartbeat(t *testing.T, conn *protocol.Conn, clientID string) {
	t.Helper()
	hb := protocol.Heartbeat{Type: protocol.TypeHeartbeat, ClientID: clientID}
	if err := conn.WriteMessage(hb); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
}

// waitFor polls cond until it holds or the deadline passes. The e2e
// budget is generous: real sockets, real files and a real database
// sit between cause and effect.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	buf, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func decodeResp(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		t.Fatalf("decode response %s: %v", raw, err)
	}
}

func getJSON(t *testing.T, url string, out any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		t.Fatalf("GET %s: status %d", url, resp.StatusCode)
	}
	decodeResp(t, resp, out)
}

func pendingFiles(t *testing.T, f *fleet) []store.PendingFile {
	t.Helper()
	var out struct {
		Files []store.PendingFile `json:"files"`
		Count int                 `json:"count"`
	}
	getJSON(t, f.admin.URL+"/files-preview", &out)
	return out.Files
}

func auditEntries(t *testing.T, f *fleet) []store.AuditEntry {
	t.Helper()
	var out struct {
		Entries []store.AuditEntry `json:"entries"`
	}
	getJSON(t, f.admin.URL+"/audit-logs", &out)
	return out.Entries
}

func hasAudit(entries []store.AuditEntry, action, fileHash, actionBy string) bool {
	for _, e := range entries {
		if e.Action == action && e.FileHash == fileHash && e.ActionBy == actionBy {
			return true
		}
	}
	return false
}

// pythonSource is decisive enough that the detector flags it without
// leaning on the extension boost.
func pythonSource() []byte {
	var b strings.Builder
	b.WriteString("import os\n\n")
	for i := 0; i < 12; i++ {
		fmt.Fprintf(&b, "def step_%d(x):\n    return x + %d\n", i, i)
	}
	return []byte(b.String())
}

// flaggedFile builds the scan finding a simulated agent reports.
func flaggedFile(path, language, hash string) protocol.FileReport {
	return protocol.FileReport{
		FilePath:   path,
		Filename:   filepath.Base(path),
		Size:       2048,
		Decision:   "delete",
		Confidence: 0.9,
		Language:   language,
		Method:     "pattern-based",
		Reason:     "High confidence " + language + " code",
		FileHash:   hash,
	}
}
