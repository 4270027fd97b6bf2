package master

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strings"

	"github.com/leonletto/codesweep/internal/protocol"
	"github.com/leonletto/codesweep/internal/store"
)

// handleConnection runs the per-agent protocol state machine. The
// first frame must be a registration; everything after is dispatched
// by type until the connection dies.
func (m *Master) handleConnection(ctx context.Context, nc net.Conn) {
	pc := protocol.NewConn(nc)
	defer func() { _ = pc.Close() }()

	agentIP := pc.RemoteIP()

	msg, err := pc.ReadMessage(readTimeout)
	if err != nil {
		log.Printf("master: %s: invalid registration: %v", agentIP, err)
		return
	}
	if msg.Type != protocol.TypeRegister {
		log.Printf("master: %s: invalid registration: first frame was %q", agentIP, msg.Type)
		return
	}
	var reg protocol.Register
	if err := msg.Decode(&reg); err != nil {
		log.Printf("master: %s: invalid registration payload: %v", agentIP, err)
		return
	}

	m.registry.Register(agentIP, reg.ClientID, pc)
	m.metrics.Registrations.Inc()
	m.events.Publish(newEvent(EventAgentRegistered, agentIP, "", reg.ClientID))
	log.Printf("master: agent %s registered (client_id=%s)", agentIP, reg.ClientID)

	// Put the new agent to work right away.
	if err := m.sendTask(pc, agentIP, DefaultTask()); err != nil {
		log.Printf("master: initial task for %s: %v", agentIP, err)
	}

	// Stop watcher: closing the socket unblocks the read below.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-m.stopCh:
			_ = pc.Close()
		case <-ctx.Done():
			_ = pc.Close()
		case <-watchDone:
		}
	}()

	for {
		msg, err := pc.ReadMessage(readTimeout)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				log.Printf("master: agent %s disconnected", agentIP)
			case m.isShutdown():
			default:
				log.Printf("master: agent %s: read: %v", agentIP, err)
			}
			break
		}

		m.registry.Touch(agentIP)

		switch msg.Type {
		case protocol.TypeHeartbeat:
			m.metrics.Heartbeats.Inc()
			m.drainDeleteQueue(pc, agentIP)
			m.drainTaskQueue(pc, agentIP)
		case protocol.TypeScanResults, protocol.TypeScanResultLegacy:
			m.handleScanResults(agentIP, msg)
		case protocol.TypeDeletionReport:
			m.handleDeletionReport(pc, agentIP, msg)
		default:
			log.Printf("master: agent %s: ignoring %q frame", agentIP, msg.Type)
		}
	}

	if m.registry.RemoveConn(agentIP, pc) {
		m.events.Publish(newEvent(EventAgentOffline, agentIP, "", "connection closed"))
	}
}

// sendTask writes a scan task to a live agent and advances its status.
func (m *Master) sendTask(conn *protocol.Conn, agentIP string, task protocol.ScanTask) error {
	if err := conn.WriteMessage(task); err != nil {
		return fmt.Errorf("send task %s: %w", task.TaskID, err)
	}
	m.setStatus(agentIP, store.StatusScanning)
	m.metrics.TasksDispatched.Inc()
	m.events.Publish(newEvent(EventTaskDispatched, agentIP, task.TaskID, strings.Join(task.TargetLanguages, ",")))
	log.Printf("master: dispatched task %s to %s (languages=%v)", task.TaskID, agentIP, task.TargetLanguages)
	return nil
}

func (m *Master) handleScanResults(agentIP string, msg *protocol.Message) {
	var res protocol.ScanResults
	if err := msg.Decode(&res); err != nil {
		log.Printf("master: agent %s: bad scan_results frame: %v", agentIP, err)
		return
	}

	entries := res.Entries()
	if err := m.collector.Add(agentIP, res.TaskID, entries); err != nil {
		log.Printf("master: agent %s: persist results for %s: %v", agentIP, res.TaskID, err)
		return
	}

	m.setStatus(agentIP, store.StatusAwaitingApproval)
	m.metrics.ScanResults.Inc()
	m.metrics.FilesFlagged.Add(float64(len(entries)))
	m.events.Publish(newEvent(EventScanResultsReceived, agentIP, res.TaskID, fmt.Sprintf("%d files", len(entries))))
	log.Printf("master: agent %s task %s: %d flagged files awaiting approval", agentIP, res.TaskID, len(entries))
}

func (m *Master) handleDeletionReport(conn *protocol.Conn, agentIP string, msg *protocol.Message) {
	var rep protocol.DeletionReport
	if err := msg.Decode(&rep); err != nil {
		log.Printf("master: agent %s: bad deletion_report frame: %v", agentIP, err)
		return
	}

	if err := m.store.AddDeletionReports(rep.TaskID, agentIP, rep.Reports); err != nil {
		log.Printf("master: agent %s: persist reports for %s: %v", agentIP, rep.TaskID, err)
	}
	cleared, err := m.store.RemovePendingAfterReports(rep.TaskID, agentIP, rep.Reports)
	if err != nil {
		log.Printf("master: agent %s: reconcile pending for %s: %v", agentIP, rep.TaskID, err)
	}

	m.setStatus(agentIP, store.StatusIdle)
	m.metrics.DeletionReports.Inc()
	m.events.Publish(newEvent(EventDeletionReportReceived, agentIP, rep.TaskID,
		fmt.Sprintf("%d reports, %d pending rows cleared", len(rep.Reports), cleared)))
	log.Printf("master: agent %s task %s: %d deletion reports, %d pending rows cleared",
		agentIP, rep.TaskID, len(rep.Reports), cleared)

	// The agent might have more approved work queued behind this one.
	m.drainDeleteQueue(conn, agentIP)
}

// drainDeleteQueue sends queued delete commands in id order, stopping
// at the first failure so the remainder stays pending for the next
// heartbeat.
func (m *Master) drainDeleteQueue(conn *protocol.Conn, agentIP string) {
	cmds, err := m.store.PendingDeleteCommands(agentIP, queueDrainLimit)
	if err != nil {
		log.Printf("master: agent %s: fetch delete queue: %v", agentIP, err)
		return
	}
	for _, cmd := range cmds {
		if err := conn.WriteRaw(cmd.Payload); err != nil {
			log.Printf("master: agent %s: send queued delete %d: %v", agentIP, cmd.ID, err)
			if err := m.store.MarkDeleteCommandFailed(cmd.ID, err.Error()); err != nil {
				log.Printf("master: agent %s: mark delete %d failed: %v", agentIP, cmd.ID, err)
			}
			return
		}
		if err := m.store.MarkDeleteCommandSent(cmd.ID); err != nil {
			log.Printf("master: agent %s: mark delete %d sent: %v", agentIP, cmd.ID, err)
		}
		m.metrics.DeletesSent.Inc()
		m.setStatus(agentIP, store.StatusDeletionDispatched)
		log.Printf("master: agent %s: sent queued delete command %d (task %s)", agentIP, cmd.ID, cmd.TaskID)
	}
}

// drainTaskQueue sends queued scan tasks in id order with the same
// stop-on-failure rule as the delete queue.
func (m *Master) drainTaskQueue(conn *protocol.Conn, agentIP string) {
	tasks, err := m.store.PendingScanTasks(agentIP, queueDrainLimit)
	if err != nil {
		log.Printf("master: agent %s: fetch task queue: %v", agentIP, err)
		return
	}
	for _, task := range tasks {
		if err := conn.WriteRaw(task.Payload); err != nil {
			log.Printf("master: agent %s: send queued task %d: %v", agentIP, task.ID, err)
			if err := m.store.MarkScanTaskFailed(task.ID, err.Error()); err != nil {
				log.Printf("master: agent %s: mark task %d failed: %v", agentIP, task.ID, err)
			}
			return
		}
		if err := m.store.MarkScanTaskSent(task.ID); err != nil {
			log.Printf("master: agent %s: mark task %d sent: %v", agentIP, task.ID, err)
		}
		m.metrics.TasksDispatched.Inc()
		m.setStatus(agentIP, store.StatusScanning)
		m.events.Publish(newEvent(EventTaskDispatched, agentIP, task.TaskID, "queued"))
		log.Printf("master: agent %s: sent queued task %s", agentIP, task.TaskID)
	}
}
