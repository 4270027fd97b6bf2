package master

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/samber/lo"

	"github.com/leonletto/codesweep/internal/protocol"
	"github.com/leonletto/codesweep/internal/store"
)

// ErrNoActiveAgents means an instruction had no live agent to go to.
var ErrNoActiveAgents = errors.New("no active agents available")

// ApprovalSummary counts what happened to the approved files.
// Dispatched files left the pending set; queued ones stay pending
// until the agent reports back. Details carries one line per
// (agent, task) group for the operator.
type ApprovalSummary struct {
	Dispatched int      `json:"dispatched"`
	Queued     int      `json:"queued"`
	Failed     int      `json:"failed"`
	NotFound   int      `json:"not_found"`
	Details    []string `json:"details"`
}

type approvalGroup struct {
	agentIP string
	taskID  string
}

// ApproveDeletion turns approved pending records into delete commands,
// one per (agent, task) group: sent immediately when the agent has a
// live socket, queued otherwise. Every file is audited either way.
func (m *Master) ApproveDeletion(recordIDs []string, actionBy string) (ApprovalSummary, error) {
	sum := ApprovalSummary{Details: []string{}}

	rows, err := m.store.GetPendingByRecordIDs(recordIDs)
	if err != nil {
		return sum, err
	}
	sum.NotFound = len(recordIDs) - len(rows)

	groups := lo.GroupBy(rows, func(r store.PendingFile) approvalGroup {
		return approvalGroup{agentIP: r.AgentIP, taskID: r.TaskID}
	})
	for group, members := range groups {
		m.approveGroup(group, members, actionBy, &sum)
	}
	return sum, nil
}

func (m *Master) approveGroup(group approvalGroup, rows []store.PendingFile, actionBy string, sum *ApprovalSummary) {
	entries := lo.Map(rows, func(r store.PendingFile, _ int) protocol.ApprovedEntry {
		return protocol.ApprovedEntry{FileHash: r.FileHash, Path: r.Path, RecordID: r.RecordID}
	})
	hashes := lo.FilterMap(rows, func(r store.PendingFile, _ int) (string, bool) {
		return r.FileHash, r.FileHash != ""
	})

	cmd := protocol.DeleteApproved{
		Type:            protocol.TypeDeleteApproved,
		TaskID:          group.taskID,
		ApprovedEntries: entries,
		ApprovedHashes:  hashes,
		Timestamp:       nowISO(),
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		m.audit(rows, store.AuditDeleteDispatchFailed, actionBy, err.Error())
		sum.Failed += len(rows)
		sum.Details = append(sum.Details, fmt.Sprintf("encode for %s (task %s) failed: %v", group.agentIP, group.taskID, err))
		return
	}

	if conn := m.registry.Conn(group.agentIP); conn != nil {
		if err := conn.WriteRaw(payload); err == nil {
			m.setStatus(group.agentIP, store.StatusDeletionDispatched)
			m.metrics.DeletesSent.Inc()
			m.audit(rows, store.AuditDeleteDispatched, actionBy, "")

			ids := lo.Map(rows, func(r store.PendingFile, _ int) string { return r.RecordID })
			if _, err := m.store.RemovePendingFiles(ids); err != nil {
				log.Printf("master: clear approved rows for %s/%s: %v", group.agentIP, group.taskID, err)
			}
			sum.Dispatched += len(rows)
			sum.Details = append(sum.Details, fmt.Sprintf("dispatched %d file(s) to %s (task %s)", len(rows), group.agentIP, group.taskID))
			log.Printf("master: dispatched delete of %d files to %s (task %s)", len(rows), group.agentIP, group.taskID)
			return
		} else {
			log.Printf("master: live delete send to %s failed, queueing: %v", group.agentIP, err)
		}
	}

	if _, err := m.store.EnqueueDeleteCommand(group.agentIP, group.taskID, payload); err != nil {
		m.audit(rows, store.AuditDeleteDispatchFailed, actionBy, err.Error())
		sum.Failed += len(rows)
		sum.Details = append(sum.Details, fmt.Sprintf("queue for %s (task %s) failed: %v", group.agentIP, group.taskID, err))
		log.Printf("master: queue delete for %s (task %s): %v", group.agentIP, group.taskID, err)
		return
	}
	m.metrics.DeletesQueued.Inc()
	m.audit(rows, store.AuditDeleteQueued, actionBy, "")
	sum.Queued += len(rows)
	sum.Details = append(sum.Details, fmt.Sprintf("queued %d file(s) for %s (task %s)", len(rows), group.agentIP, group.taskID))
	log.Printf("master: queued delete of %d files for offline agent %s (task %s)", len(rows), group.agentIP, group.taskID)
}

// RejectDeletion clears pending records without touching the agent
// and audits the decision. It returns how many rows were removed.
func (m *Master) RejectDeletion(recordIDs []string, actionBy string) (int, error) {
	rows, err := m.store.GetPendingByRecordIDs(recordIDs)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}

	m.audit(rows, store.AuditRejected, actionBy, "")
	ids := lo.Map(rows, func(r store.PendingFile, _ int) string { return r.RecordID })
	removed, err := m.store.RemovePendingFiles(ids)
	if err != nil {
		return 0, err
	}
	log.Printf("master: rejected %d pending files", removed)
	return int(removed), nil
}

func (m *Master) audit(rows []store.PendingFile, action, actionBy, details string) {
	entries := lo.Map(rows, func(r store.PendingFile, _ int) store.AuditEntry {
		return store.AuditEntry{
			TaskID:     r.TaskID,
			AgentIP:    r.AgentIP,
			FileHash:   r.FileHash,
			Filename:   r.Filename,
			Path:       r.Path,
			Language:   r.Language,
			Confidence: r.Confidence,
			Action:     action,
			ActionBy:   actionBy,
			Details:    details,
		}
	})
	if err := m.store.AddAuditEntries(entries); err != nil {
		log.Printf("master: audit %s: %v", action, err)
	}
}

// ScanDispatch summarizes a fleet-wide scan kick-off.
type ScanDispatch struct {
	TaskID string `json:"task_id"`
	Sent   int    `json:"sent"`
	Queued int    `json:"queued"`
	Failed int    `json:"failed"`
}

// DispatchScanToAll sends a task to every persisted agent:
// immediately on a live socket, through the task queue otherwise.
// Offline agents pick their queued task up on the first heartbeat
// after they return.
func (m *Master) DispatchScanToAll(task protocol.ScanTask) (ScanDispatch, error) {
	out := ScanDispatch{TaskID: task.TaskID}

	agents, err := m.store.ListAgents()
	if err != nil {
		return out, err
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return out, fmt.Errorf("marshal task %s: %w", task.TaskID, err)
	}

	for _, a := range agents {
		if conn := m.registry.Conn(a.AgentIP); conn != nil {
			if err := conn.WriteRaw(payload); err == nil {
				m.setStatus(a.AgentIP, store.StatusScanning)
				m.metrics.TasksDispatched.Inc()
				m.events.Publish(newEvent(EventTaskDispatched, a.AgentIP, task.TaskID, "fleet scan"))
				out.Sent++
				continue
			} else {
				log.Printf("master: send task %s to %s failed, queueing: %v", task.TaskID, a.AgentIP, err)
			}
		}
		if _, err := m.store.EnqueueScanTask(a.AgentIP, task.TaskID, payload); err != nil {
			log.Printf("master: queue task %s for %s: %v", task.TaskID, a.AgentIP, err)
			out.Failed++
			continue
		}
		m.metrics.TasksQueued.Inc()
		out.Queued++
	}
	log.Printf("master: fleet scan %s: sent=%d queued=%d failed=%d", task.TaskID, out.Sent, out.Queued, out.Failed)
	return out, nil
}

// InstructionDispatch reports which live agents received an
// instruction-derived task.
type InstructionDispatch struct {
	TaskID          string   `json:"task_id"`
	TargetLanguages []string `json:"target_languages"`
	Dispatched      []string `json:"dispatched"`
	FailedAgents    []string `json:"failed_agents"`
}

// SubmitInstruction turns a free-form operator instruction into a
// scan task and pushes it to every connected agent. An explicit
// language list skips inference from the instruction text. Sends that
// fail are queued for the next heartbeat but still listed as failed
// so the operator sees which agents did not get it live.
func (m *Master) SubmitInstruction(instruction string, languages []string) (InstructionDispatch, error) {
	if len(languages) == 0 {
		languages = InferLanguages(instruction)
	}
	task := protocol.ScanTask{
		Type:            protocol.TypeScanTask,
		TaskID:          NewTaskID(),
		TargetLanguages: languages,
	}
	out := InstructionDispatch{
		TaskID:          task.TaskID,
		TargetLanguages: task.TargetLanguages,
		Dispatched:      []string{},
		FailedAgents:    []string{},
	}

	active := m.registry.Active()
	if len(active) == 0 {
		return out, ErrNoActiveAgents
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return out, fmt.Errorf("marshal task %s: %w", task.TaskID, err)
	}

	for _, a := range active {
		conn := m.registry.Conn(a.AgentIP)
		if conn == nil {
			out.FailedAgents = append(out.FailedAgents, a.AgentIP)
			continue
		}
		if err := conn.WriteRaw(payload); err != nil {
			log.Printf("master: instruction task %s to %s: %v", task.TaskID, a.AgentIP, err)
			out.FailedAgents = append(out.FailedAgents, a.AgentIP)
			if _, err := m.store.EnqueueScanTask(a.AgentIP, task.TaskID, payload); err != nil {
				log.Printf("master: queue instruction task %s for %s: %v", task.TaskID, a.AgentIP, err)
			}
			continue
		}
		m.setStatus(a.AgentIP, store.StatusScanning)
		m.metrics.TasksDispatched.Inc()
		m.events.Publish(newEvent(EventTaskDispatched, a.AgentIP, task.TaskID, instruction))
		out.Dispatched = append(out.Dispatched, a.AgentIP)
	}
	log.Printf("master: instruction task %s (languages=%v): dispatched to %d agents",
		task.TaskID, task.TargetLanguages, len(out.Dispatched))
	return out, nil
}
