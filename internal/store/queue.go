package store

import (
	"database/sql"
	"fmt"
)

// Queue table names. Only these constants are ever interpolated into
// queue SQL.
const (
	deleteQueueTable = "delete_command_queue"
	taskQueueTable   = "scan_task_queue"
)

const maxQueueError = 500

// QueuedCommand is one row of a command queue. Payload is the exact
// frame JSON to put on the wire.
type QueuedCommand struct {
	ID        int64  `json:"id"`
	AgentIP   string `json:"agent_ip"`
	TaskID    string `json:"task_id"`
	Payload   []byte `json:"payload_json"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
	SentAt    string `json:"sent_at,omitempty"`
	Error     string `json:"error,omitempty"`
}

// EnqueueDeleteCommand queues a delete_approved frame for an agent.
// If an identical command is already pending for that agent the
// existing row's id is returned instead of inserting a duplicate.
func (s *Store) EnqueueDeleteCommand(agentIP, taskID string, payload []byte) (int64, error) {
	return s.enqueue(deleteQueueTable, agentIP, taskID, payload)
}

// PendingDeleteCommands returns pending delete commands for an agent
// in FIFO order. Limit 0 means the default of 20; the cap is 100.
func (s *Store) PendingDeleteCommands(agentIP string, limit int) ([]QueuedCommand, error) {
	return s.fetchPending(deleteQueueTable, agentIP, limit)
}

// MarkDeleteCommandSent marks a delete command as delivered.
func (s *Store) MarkDeleteCommandSent(id int64) error {
	return s.markSent(deleteQueueTable, id)
}

// MarkDeleteCommandFailed records a send failure. The row stays
// pending for the next drain.
func (s *Store) MarkDeleteCommandFailed(id int64, msg string) error {
	return s.markFailed(deleteQueueTable, id, msg)
}

// EnqueueScanTask queues a scan_task frame for an offline agent.
func (s *Store) EnqueueScanTask(agentIP, taskID string, payload []byte) (int64, error) {
	return s.enqueue(taskQueueTable, agentIP, taskID, payload)
}

// PendingScanTasks returns pending scan tasks for an agent in FIFO
// order, with the same limit semantics as PendingDeleteCommands.
func (s *Store) PendingScanTasks(agentIP string, limit int) ([]QueuedCommand, error) {
	return s.fetchPending(taskQueueTable, agentIP, limit)
}

// MarkScanTaskSent marks a queued scan task as delivered.
func (s *Store) MarkScanTaskSent(id int64) error {
	return s.markSent(taskQueueTable, id)
}

// MarkScanTaskFailed records a send failure on a queued scan task.
func (s *Store) MarkScanTaskFailed(id int64, msg string) error {
	return s.markFailed(taskQueueTable, id, msg)
}

func (s *Store) enqueue(table, agentIP, taskID string, payload []byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Dedup on exact payload: re-approving the same files before the
	// agent heartbeats must not double-deliver.
	var existing int64
	err := s.db.QueryRow(
		`SELECT id FROM `+table+` WHERE agent_ip = ? AND task_id = ? AND payload_json = ? AND status = ? LIMIT 1`,
		agentIP, taskID, string(payload), QueuePending).Scan(&existing)
	if err == nil {
		return existing, nil
	}
	if err != sql.ErrNoRows {
		return 0, fmt.Errorf("check %s for duplicates: %w", table, err)
	}

	res, err := s.db.Exec(
		`INSERT INTO `+table+` (agent_ip, task_id, payload_json, status, created_at) VALUES (?, ?, ?, ?, ?)`,
		agentIP, taskID, string(payload), QueuePending, nowISO())
	if err != nil {
		return 0, fmt.Errorf("enqueue into %s: %w", table, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("enqueue into %s: %w", table, err)
	}
	return id, nil
}

func (s *Store) fetchPending(table, agentIP string, limit int) ([]QueuedCommand, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit == 0 {
		limit = 20
	}
	if limit < 1 {
		limit = 1
	}
	if limit > 100 {
		limit = 100
	}

	rows, err := s.db.Query(
		`SELECT id, agent_ip, task_id, payload_json, status, created_at,
			COALESCE(sent_at, ''), COALESCE(error, '')
		 FROM `+table+` WHERE agent_ip = ? AND status = ? ORDER BY id LIMIT ?`,
		agentIP, QueuePending, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch pending from %s: %w", table, err)
	}
	defer func() { _ = rows.Close() }()

	var cmds []QueuedCommand
	for rows.Next() {
		var c QueuedCommand
		var payload string
		if err := rows.Scan(&c.ID, &c.AgentIP, &c.TaskID, &payload, &c.Status, &c.CreatedAt, &c.SentAt, &c.Error); err != nil {
			return nil, fmt.Errorf("scan %s row: %w", table, err)
		}
		c.Payload = []byte(payload)
		cmds = append(cmds, c)
	}
	return cmds, rows.Err()
}

func (s *Store) markSent(table string, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`UPDATE `+table+` SET status = ?, sent_at = ?, error = NULL WHERE id = ?`,
		QueueSent, nowISO(), id); err != nil {
		return fmt.Errorf("mark %s row %d sent: %w", table, id, err)
	}
	return nil
}

func (s *Store) markFailed(table string, id int64, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(msg) > maxQueueError {
		msg = msg[:maxQueueError]
	}
	if _, err := s.db.Exec(`UPDATE `+table+` SET error = ? WHERE id = ?`, msg, id); err != nil {
		return fmt.Errorf("mark %s row %d failed: %w", table, id, err)
	}
	return nil
}
