package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/avast/retry-go"

	"github.com/leonletto/codesweep/internal/config"
	"github.com/leonletto/codesweep/internal/detect"
	"github.com/leonletto/codesweep/internal/protocol"
)

const (
	dialTimeout  = 10 * time.Second
	dialAttempts = 3
	// The master pushes frames only when it has work, so a read
	// timeout is a normal idle tick, not a dead connection.
	readTimeout = 60 * time.Second
)

// Agent is one fleet endpoint: it connects to the master, scans on
// command, quarantines what it flags and deletes what the master
// approves.
type Agent struct {
	cfg        config.AgentConfig
	detector   *detect.Detector
	quarantine *Quarantine
	roots      []string
}

// New builds an agent from resolved configuration.
func New(cfg config.AgentConfig) (*Agent, error) {
	policy := detect.DefaultPolicy()
	if cfg.PolicyFile != "" {
		p, err := detect.LoadPolicy(cfg.PolicyFile)
		if err != nil {
			return nil, err
		}
		policy = p
	}
	detector, err := detect.New(policy)
	if err != nil {
		return nil, err
	}

	quarantine, err := NewQuarantine(cfg.QuarantineDir)
	if err != nil {
		return nil, err
	}

	roots := cfg.ScanDirs
	if len(roots) == 0 {
		roots = defaultScanRoots()
	}

	return &Agent{
		cfg:        cfg,
		detector:   detector,
		quarantine: quarantine,
		roots:      roots,
	}, nil
}

func defaultScanRoots() []string {
	if home, err := os.UserHomeDir(); err == nil {
		return []string{home}
	}
	return []string{"."}
}

// Run connects to the master and serves tasks until ctx is canceled.
// Lost connections are re-dialed indefinitely with the configured
// delay between attempts.
func (a *Agent) Run(ctx context.Context) error {
	addr := a.cfg.MasterAddr()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		conn, err := a.dial(ctx, addr)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("agent: connect %s: %v (retrying in %s)", addr, err, a.cfg.ReconnectDelay.Std())
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(a.cfg.ReconnectDelay.Std()):
			}
			continue
		}

		log.Printf("agent: connected to master at %s", addr)
		a.session(ctx, conn)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		log.Printf("agent: disconnected from master, reconnecting in %s", a.cfg.ReconnectDelay.Std())
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(a.cfg.ReconnectDelay.Std()):
		}
	}
}

// dial makes a bounded burst of connection attempts. The caller's
// loop provides the unbounded retry.
func (a *Agent) dial(ctx context.Context, addr string) (*protocol.Conn, error) {
	var conn *protocol.Conn
	err := retry.Do(
		func() error {
			c, err := protocol.Dial(addr, dialTimeout)
			if err != nil {
				return err
			}
			conn = c
			return nil
		},
		retry.Attempts(dialAttempts),
		retry.Delay(a.cfg.ReconnectDelay.Std()),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// session registers on a fresh connection and serves frames until the
// connection or context dies.
func (a *Agent) session(ctx context.Context, conn *protocol.Conn) {
	defer func() { _ = conn.Close() }()

	hostname, _ := os.Hostname()
	reg := protocol.Register{
		Type:      protocol.TypeRegister,
		ClientID:  a.cfg.ClientID,
		Hostname:  hostname,
		Timestamp: nowISO(),
	}
	if err := conn.WriteMessage(reg); err != nil {
		log.Printf("agent: register: %v", err)
		return
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.heartbeatLoop(ctx, conn, stop)
	}()
	defer func() {
		close(stop)
		wg.Wait()
	}()

	for {
		msg, err := conn.ReadMessage(readTimeout)
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				continue
			}
			if errors.Is(err, io.EOF) {
				log.Printf("agent: master closed the connection")
			} else if ctx.Err() == nil {
				log.Printf("agent: read: %v", err)
			}
			return
		}

		switch msg.Type {
		case protocol.TypeScanTask:
			a.handleScanTask(conn, msg)
		case protocol.TypeDeleteApproved:
			a.handleDeleteApproved(conn, msg)
		case protocol.TypeRestoreFile:
			log.Printf("agent: restore_file received, not supported yet")
		default:
			log.Printf("agent: ignoring %q frame", msg.Type)
		}
	}
}

// heartbeatLoop sends a heartbeat on the configured interval. It also
// closes the connection when ctx is canceled so the read loop
// unblocks promptly.
func (a *Agent) heartbeatLoop(ctx context.Context, conn *protocol.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(a.cfg.HeartbeatInterval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			_ = conn.Close()
			return
		case <-ticker.C:
			hb := protocol.Heartbeat{
				Type:      protocol.TypeHeartbeat,
				ClientID:  a.cfg.ClientID,
				Timestamp: nowISO(),
			}
			if err := conn.WriteMessage(hb); err != nil {
				log.Printf("agent: heartbeat: %v", err)
				return
			}
		}
	}
}

func (a *Agent) handleScanTask(conn *protocol.Conn, msg *protocol.Message) {
	var task protocol.ScanTask
	if err := msg.Decode(&task); err != nil {
		log.Printf("agent: bad scan_task frame: %v", err)
		return
	}
	log.Printf("agent: scan task %s (languages=%v)", task.TaskID, task.TargetLanguages)

	scanner := NewScanner(a.detector, a.quarantine, a.roots)
	reports, err := scanner.Run(&task)
	if err != nil {
		log.Printf("agent: scan task %s: %v", task.TaskID, err)
	}
	if reports == nil {
		reports = []protocol.FileReport{}
	}

	results := protocol.ScanResults{
		Type:      protocol.TypeScanResults,
		TaskID:    task.TaskID,
		ClientID:  a.cfg.ClientID,
		Timestamp: nowISO(),
		Files:     reports,
		Results:   reports,
	}
	if err := conn.WriteMessage(results); err != nil {
		log.Printf("agent: send scan_results for %s: %v", task.TaskID, err)
		return
	}
	log.Printf("agent: task %s: flagged %d file(s)", task.TaskID, len(reports))
}

func (a *Agent) handleDeleteApproved(conn *protocol.Conn, msg *protocol.Message) {
	var cmd protocol.DeleteApproved
	if err := msg.Decode(&cmd); err != nil {
		log.Printf("agent: bad delete_approved frame: %v", err)
		return
	}

	entries := approvedEntries(&cmd)
	log.Printf("agent: delete_approved for task %s: %d entries", cmd.TaskID, len(entries))

	reports := make([]protocol.ReportEntry, 0, len(entries))
	for _, e := range entries {
		entry := protocol.ReportEntry{FileHash: e.FileHash, Path: e.Path}
		removed, err := a.quarantine.Delete(e.FileHash, e.Path)
		if err != nil {
			entry.Status = protocol.StatusFailed
			entry.Details = err.Error()
		} else {
			entry.Status = protocol.StatusDeleted
			entry.Details = fmt.Sprintf("removed %s", removed)
		}
		reports = append(reports, entry)
	}

	report := protocol.DeletionReport{
		Type:      protocol.TypeDeletionReport,
		TaskID:    cmd.TaskID,
		ClientID:  a.cfg.ClientID,
		Timestamp: nowISO(),
		Reports:   reports,
	}
	if err := conn.WriteMessage(report); err != nil {
		log.Printf("agent: send deletion_report for %s: %v", cmd.TaskID, err)
	}
}

// approvedEntries merges approved_entries with any bare hashes from
// the legacy approved_hashes list that have no entry of their own.
func approvedEntries(cmd *protocol.DeleteApproved) []protocol.ApprovedEntry {
	entries := cmd.ApprovedEntries
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		if e.FileHash != "" {
			seen[e.FileHash] = true
		}
	}
	for _, h := range cmd.ApprovedHashes {
		if h != "" && !seen[h] {
			entries = append(entries, protocol.ApprovedEntry{FileHash: h})
			seen[h] = true
		}
	}
	return entries
}

// SetupLogging tees the standard logger into a file under dir. The
// returned closer flushes and detaches the file. A blank dir is a
// no-op.
func SetupLogging(dir string) (func(), error) {
	if dir == "" {
		return func() {}, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	path := filepath.Join(dir, "codesweep-agent.log")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	log.SetOutput(io.MultiWriter(os.Stderr, f))
	return func() {
		log.SetOutput(os.Stderr)
		_ = f.Close()
	}, nil
}

func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339)
}
