package store

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// Agent statuses persisted in the agents table and mirrored by the
// in-memory registry.
const (
	StatusIdle               = "IDLE"
	StatusScanning           = "SCANNING"
	StatusAwaitingApproval   = "AWAITING_APPROVAL"
	StatusDeletionDispatched = "DELETION_DISPATCHED"
	StatusOffline            = "OFFLINE"
)

// Queue row statuses. Failed sends stay pending so the next heartbeat
// retries them.
const (
	QueuePending = "pending"
	QueueSent    = "sent"
)

// Store is the persistence layer for the master: agents, pending
// files, command queues, deletion reports and the audit log, all in
// one SQLite file. Every operation takes the single process-wide
// mutex, so multi-statement operations stay atomic with respect to
// each other.
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

// Open opens (creating if needed) the database at path and ensures
// the schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Set journal mode to WAL for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// init creates all tables and indexes. Idempotent.
func (s *Store) init() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := createTables(tx); err != nil {
		return fmt.Errorf("create tables: %w", err)
	}
	if err := createIndexes(tx); err != nil {
		return fmt.Errorf("create indexes: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// createTables creates all database tables.
func createTables(tx *sql.Tx) error {
	tables := []string{
		// Known agents and their last observed state
		`CREATE TABLE IF NOT EXISTS persisted_agents (
			agent_ip  TEXT PRIMARY KEY,
			status    TEXT NOT NULL,
			last_seen INTEGER NOT NULL,
			client_id TEXT
		)`,

		// Scan findings awaiting operator approval
		`CREATE TABLE IF NOT EXISTS pending_files (
			record_id     TEXT PRIMARY KEY,
			task_id       TEXT NOT NULL,
			agent_ip      TEXT NOT NULL,
			file_hash     TEXT,
			filename      TEXT,
			path          TEXT,
			language      TEXT,
			size          INTEGER DEFAULT 0,
			modified_time TEXT,
			confidence    REAL DEFAULT 0,
			decision      TEXT,
			reason        TEXT,
			created_at    TEXT NOT NULL
		)`,

		// Delete commands waiting for an agent heartbeat
		`CREATE TABLE IF NOT EXISTS delete_command_queue (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			agent_ip     TEXT NOT NULL,
			task_id      TEXT NOT NULL,
			payload_json TEXT NOT NULL,
			status       TEXT NOT NULL DEFAULT 'pending',
			created_at   TEXT NOT NULL,
			sent_at      TEXT,
			error        TEXT
		)`,

		// Scan tasks queued for offline agents
		`CREATE TABLE IF NOT EXISTS scan_task_queue (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			agent_ip     TEXT NOT NULL,
			task_id      TEXT NOT NULL,
			payload_json TEXT NOT NULL,
			status       TEXT NOT NULL DEFAULT 'pending',
			created_at   TEXT NOT NULL,
			sent_at      TEXT,
			error        TEXT
		)`,

		// Immutable log of agent-reported deletion outcomes
		`CREATE TABLE IF NOT EXISTS deletion_reports (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id    TEXT NOT NULL,
			agent_ip   TEXT NOT NULL,
			file_hash  TEXT,
			path       TEXT,
			status     TEXT NOT NULL,
			details    TEXT,
			created_at TEXT NOT NULL
		)`,

		// Operator actions on pending files
		`CREATE TABLE IF NOT EXISTS deletion_audit_log (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id    TEXT,
			agent_ip   TEXT,
			file_hash  TEXT,
			filename   TEXT,
			path       TEXT,
			language   TEXT,
			confidence REAL DEFAULT 0,
			action     TEXT NOT NULL,
			action_by  TEXT NOT NULL,
			details    TEXT,
			created_at TEXT NOT NULL
		)`,
	}

	for _, table := range tables {
		if _, err := tx.Exec(table); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	return nil
}

// createIndexes creates all database indexes.
func createIndexes(tx *sql.Tx) error {
	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_pending_task_agent ON pending_files(task_id, agent_ip)`,
		`CREATE INDEX IF NOT EXISTS idx_pending_hash ON pending_files(file_hash)`,
		`CREATE INDEX IF NOT EXISTS idx_delete_queue_fetch ON delete_command_queue(agent_ip, status, id)`,
		`CREATE INDEX IF NOT EXISTS idx_task_queue_fetch ON scan_task_queue(agent_ip, status, id)`,
		`CREATE INDEX IF NOT EXISTS idx_reports_created ON deletion_reports(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_created ON deletion_audit_log(created_at)`,
	}

	for _, index := range indexes {
		if _, err := tx.Exec(index); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	return nil
}

// RecordID derives the deterministic pending-file key
// task_id|agent_ip|file_hash. Entries with no hash get a synthetic
// one from the path so re-submissions of the same finding coalesce
// instead of piling up.
func RecordID(taskID, agentIP, fileHash, path string) string {
	h := fileHash
	if h == "" {
		sum := sha256.Sum256([]byte(taskID + "|" + agentIP + "|" + path))
		h = hex.EncodeToString(sum[:])
	}
	return taskID + "|" + agentIP + "|" + h
}

func nowISO() string {
	return time.Now().Format(time.RFC3339)
}
