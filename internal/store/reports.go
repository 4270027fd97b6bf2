package store

import (
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/leonletto/codesweep/internal/protocol"
)

// Audit log actions. The first four are written by the admin API;
// delete_confirmed and delete_failed are projected from
// deletion_reports at read time and never stored.
const (
	AuditDeleteDispatched     = "delete_dispatched"
	AuditDeleteQueued         = "delete_queued"
	AuditDeleteDispatchFailed = "delete_dispatch_failed"
	AuditRejected             = "rejected"
	AuditDeleteConfirmed      = "delete_confirmed"
	AuditDeleteFailed         = "delete_failed"
)

// DefaultActionBy is recorded when the caller does not identify the
// operator behind an audit entry.
const DefaultActionBy = "admin-ui"

// DeletionReport is one stored agent-reported deletion outcome.
type DeletionReport struct {
	ID        int64  `json:"id"`
	TaskID    string `json:"task_id"`
	AgentIP   string `json:"agent_ip"`
	FileHash  string `json:"file_hash,omitempty"`
	Path      string `json:"path,omitempty"`
	Status    string `json:"status"`
	Details   string `json:"details,omitempty"`
	CreatedAt string `json:"created_at"`
}

// AddDeletionReports appends agent-reported outcomes to the immutable
// report log.
func (s *Store) AddDeletionReports(taskID, agentIP string, reports []protocol.ReportEntry) error {
	if len(reports) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := nowISO()
	for _, r := range reports {
		if _, err := tx.Exec(`
			INSERT INTO deletion_reports (task_id, agent_ip, file_hash, path, status, details, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			taskID, agentIP, r.FileHash, r.Path, r.Status, r.Details, now); err != nil {
			return fmt.Errorf("insert deletion report: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// ListDeletionReports returns stored reports, newest first. Limit 0
// means the default of 200; the cap is 2000.
func (s *Store) ListDeletionReports(limit int) ([]DeletionReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit == 0 {
		limit = 200
	}
	if limit < 1 {
		limit = 1
	}
	if limit > 2000 {
		limit = 2000
	}

	rows, err := s.db.Query(`
		SELECT id, task_id, agent_ip, COALESCE(file_hash, ''), COALESCE(path, ''),
			status, COALESCE(details, ''), created_at
		FROM deletion_reports ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list deletion reports: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var reports []DeletionReport
	for rows.Next() {
		var r DeletionReport
		if err := rows.Scan(&r.ID, &r.TaskID, &r.AgentIP, &r.FileHash, &r.Path, &r.Status, &r.Details, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan deletion report row: %w", err)
		}
		reports = append(reports, r)
	}
	return reports, rows.Err()
}

// IsTerminalReport reports whether a deletion outcome resolves the
// pending entry for good. A failure because the file is already gone
// from quarantine is terminal; retrying cannot change it.
func IsTerminalReport(status, details string) bool {
	if status == protocol.StatusDeleted {
		return true
	}
	return status == protocol.StatusFailed &&
		strings.Contains(strings.ToLower(details), "not found in quarantine")
}

// RemovePendingAfterReports reconciles pending files against a batch
// of deletion reports: terminal outcomes remove the matching pending
// rows (by hash when the report has one, by path otherwise);
// non-terminal failures leave the row so the operator can retry.
// Returns the number of pending rows removed.
func (s *Store) RemovePendingAfterReports(taskID, agentIP string, reports []protocol.ReportEntry) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for _, r := range reports {
		if !IsTerminalReport(r.Status, r.Details) {
			continue
		}

		var err error
		var res sql.Result
		switch {
		case r.FileHash != "":
			res, err = s.db.Exec(`DELETE FROM pending_files WHERE task_id = ? AND agent_ip = ? AND file_hash = ?`,
				taskID, agentIP, r.FileHash)
		case r.Path != "":
			res, err = s.db.Exec(`DELETE FROM pending_files WHERE task_id = ? AND agent_ip = ? AND path = ?`,
				taskID, agentIP, r.Path)
		default:
			continue
		}
		if err != nil {
			return removed, fmt.Errorf("reconcile pending files: %w", err)
		}
		n, _ := res.RowsAffected()
		removed += n
	}
	return removed, nil
}

// AuditEntry is one row of the merged audit view. Projected entries
// have ID 0.
type AuditEntry struct {
	ID         int64   `json:"id,omitempty"`
	TaskID     string  `json:"task_id,omitempty"`
	AgentIP    string  `json:"agent_ip,omitempty"`
	FileHash   string  `json:"file_hash,omitempty"`
	Filename   string  `json:"filename,omitempty"`
	Path       string  `json:"path,omitempty"`
	Language   string  `json:"language,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	Action     string  `json:"action"`
	ActionBy   string  `json:"action_by"`
	Details    string  `json:"details,omitempty"`
	CreatedAt  string  `json:"created_at"`
}

// AddAuditEntries appends operator actions to the audit log.
// ActionBy defaults to admin-ui and CreatedAt to now.
func (s *Store) AddAuditEntries(entries []AuditEntry) error {
	if len(entries) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, e := range entries {
		actionBy := e.ActionBy
		if actionBy == "" {
			actionBy = DefaultActionBy
		}
		createdAt := e.CreatedAt
		if createdAt == "" {
			createdAt = nowISO()
		}

		if _, err := tx.Exec(`
			INSERT INTO deletion_audit_log
				(task_id, agent_ip, file_hash, filename, path, language, confidence,
				 action, action_by, details, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.TaskID, e.AgentIP, e.FileHash, e.Filename, e.Path, e.Language, e.Confidence,
			e.Action, actionBy, e.Details, createdAt); err != nil {
			return fmt.Errorf("insert audit entry: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// ListAuditLog returns the merged audit view, newest first: stored
// operator actions plus agent outcomes projected from the report log.
// Dispatch-failure noise is hidden, and a failed outcome is hidden
// once a confirmed one exists for the same file, so retries that
// eventually succeed do not read as failures. Limit 0 means the
// default of 200; the cap is 2000.
func (s *Store) ListAuditLog(limit int) ([]AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit == 0 {
		limit = 200
	}
	if limit < 1 {
		limit = 1
	}
	if limit > 2000 {
		limit = 2000
	}

	rows, err := s.db.Query(`
		SELECT id, COALESCE(task_id, ''), COALESCE(agent_ip, ''), COALESCE(file_hash, ''),
			COALESCE(filename, ''), COALESCE(path, ''), COALESCE(language, ''),
			COALESCE(confidence, 0), action, action_by, COALESCE(details, ''), created_at
		FROM deletion_audit_log WHERE action != ?
		ORDER BY created_at DESC, id DESC LIMIT ?`, AuditDeleteDispatchFailed, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit log: %w", err)
	}

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.TaskID, &e.AgentIP, &e.FileHash, &e.Filename, &e.Path,
			&e.Language, &e.Confidence, &e.Action, &e.ActionBy, &e.Details, &e.CreatedAt); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	projected, err := s.projectReportsLocked(limit)
	if err != nil {
		return nil, err
	}
	entries = append(entries, projected...)

	sort.SliceStable(entries, func(i, j int) bool {
		return auditTime(entries[i].CreatedAt).After(auditTime(entries[j].CreatedAt))
	})
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// projectReportsLocked turns recent deletion reports into audit
// entries. Caller must hold mu.
func (s *Store) projectReportsLocked(limit int) ([]AuditEntry, error) {
	rows, err := s.db.Query(`
		SELECT task_id, agent_ip, COALESCE(file_hash, ''), COALESCE(path, ''),
			status, COALESCE(details, ''), created_at
		FROM deletion_reports ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("project deletion reports: %w", err)
	}
	defer func() { _ = rows.Close() }()

	type reportRow struct {
		taskID, agentIP, fileHash, path, status, details, createdAt string
	}
	var reports []reportRow
	confirmed := make(map[string]bool)

	for rows.Next() {
		var r reportRow
		if err := rows.Scan(&r.taskID, &r.agentIP, &r.fileHash, &r.path, &r.status, &r.details, &r.createdAt); err != nil {
			return nil, fmt.Errorf("scan report row: %w", err)
		}
		if r.status == protocol.StatusDeleted {
			confirmed[r.taskID+"|"+r.agentIP+"|"+r.fileHash+"|"+r.path] = true
		}
		reports = append(reports, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var entries []AuditEntry
	for _, r := range reports {
		action := AuditDeleteFailed
		if r.status == protocol.StatusDeleted {
			action = AuditDeleteConfirmed
		} else if confirmed[r.taskID+"|"+r.agentIP+"|"+r.fileHash+"|"+r.path] {
			// A later retry succeeded for the same file.
			continue
		}
		entries = append(entries, AuditEntry{
			TaskID:    r.taskID,
			AgentIP:   r.agentIP,
			FileHash:  r.fileHash,
			Path:      r.path,
			Action:    action,
			ActionBy:  "agent",
			Details:   r.details,
			CreatedAt: r.createdAt,
		})
	}
	return entries, nil
}

func auditTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
