package store

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/leonletto/codesweep/internal/protocol"
)

// PendingFile is one scan finding awaiting operator approval.
type PendingFile struct {
	RecordID     string  `json:"record_id"`
	TaskID       string  `json:"task_id"`
	AgentIP      string  `json:"agent_ip"`
	FileHash     string  `json:"file_hash"`
	Filename     string  `json:"filename"`
	Path         string  `json:"path"`
	Language     string  `json:"language"`
	Size         int64   `json:"size"`
	ModifiedTime string  `json:"modified_time,omitempty"`
	Confidence   float64 `json:"confidence"`
	Decision     string  `json:"decision"`
	Reason       string  `json:"reason,omitempty"`
	CreatedAt    string  `json:"created_at"`
}

// ReplacePendingFiles replaces the pending set for (taskID, agentIP)
// with the given scan entries. A re-scan for the same task therefore
// reflects the latest agent state rather than accumulating rows.
// Entries with the same record_id coalesce.
func (s *Store) ReplacePendingFiles(taskID, agentIP string, files []protocol.FileReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM pending_files WHERE task_id = ? AND agent_ip = ?`, taskID, agentIP); err != nil {
		return fmt.Errorf("clear pending files: %w", err)
	}

	now := nowISO()
	for _, f := range files {
		filename := f.Filename
		if filename == "" {
			filename = filepath.Base(f.FilePath)
		}
		if filename == "" || filename == "." || filename == "/" {
			filename = "unknown"
		}
		createdAt := f.ModifiedTime
		if createdAt == "" {
			createdAt = now
		}

		_, err := tx.Exec(`
			INSERT OR REPLACE INTO pending_files
				(record_id, task_id, agent_ip, file_hash, filename, path, language,
				 size, modified_time, confidence, decision, reason, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			RecordID(taskID, agentIP, f.FileHash, f.FilePath),
			taskID, agentIP, f.FileHash, filename, f.FilePath, f.Language,
			f.Size, f.ModifiedTime, f.Confidence, f.Decision, f.Reason, createdAt)
		if err != nil {
			return fmt.Errorf("insert pending file %s: %w", f.FilePath, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

const pendingColumns = `record_id, task_id, agent_ip, file_hash, filename, path, language,
	size, modified_time, confidence, decision, reason, created_at`

// ListPendingFiles returns pending files, newest first. A non-empty
// search narrows case-insensitively across filename, path, agent IP,
// task ID and language.
func (s *Store) ListPendingFiles(search string) ([]PendingFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `SELECT ` + pendingColumns + ` FROM pending_files`
	var args []any
	if search != "" {
		pattern := "%" + strings.ToLower(search) + "%"
		query += ` WHERE lower(filename) LIKE ? OR lower(path) LIKE ? OR lower(agent_ip) LIKE ?
			OR lower(task_id) LIKE ? OR lower(language) LIKE ?`
		args = append(args, pattern, pattern, pattern, pattern, pattern)
	}
	query += ` ORDER BY created_at DESC, rowid DESC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list pending files: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var files []PendingFile
	for rows.Next() {
		f, err := scanPendingFile(rows)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// GetPendingByRecordIDs returns the pending rows matching the given
// record IDs. Missing IDs are silently absent from the result.
func (s *Store) GetPendingByRecordIDs(recordIDs []string) ([]PendingFile, error) {
	if len(recordIDs) == 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	query := `SELECT ` + pendingColumns + ` FROM pending_files WHERE record_id IN (` +
		placeholders(len(recordIDs)) + `) ORDER BY created_at DESC, rowid DESC`

	args := make([]any, len(recordIDs))
	for i, id := range recordIDs {
		args[i] = id
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("get pending by record ids: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var files []PendingFile
	for rows.Next() {
		f, err := scanPendingFile(rows)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// RemovePendingFiles deletes the given record IDs and returns how
// many rows went away.
func (s *Store) RemovePendingFiles(recordIDs []string) (int64, error) {
	if len(recordIDs) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM pending_files WHERE record_id IN (`+placeholders(len(recordIDs))+`)`,
		toAnySlice(recordIDs)...)
	if err != nil {
		return 0, fmt.Errorf("remove pending files: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPendingFile(r rowScanner) (PendingFile, error) {
	var f PendingFile
	err := r.Scan(&f.RecordID, &f.TaskID, &f.AgentIP, &f.FileHash, &f.Filename, &f.Path,
		&f.Language, &f.Size, &f.ModifiedTime, &f.Confidence, &f.Decision, &f.Reason, &f.CreatedAt)
	if err != nil {
		return PendingFile{}, fmt.Errorf("scan pending file row: %w", err)
	}
	return f, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func toAnySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
