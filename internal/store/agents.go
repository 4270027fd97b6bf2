package store

import (
	"database/sql"
	"fmt"
	"time"
)

// AgentRecord is one row of the persisted agents table.
type AgentRecord struct {
	AgentIP  string `json:"agent_ip"`
	Status   string `json:"status"`
	LastSeen int64  `json:"last_seen"`
	ClientID string `json:"client_id,omitempty"`
}

// UpsertAgent inserts or updates an agent row. An empty clientID
// keeps the previously stored one.
func (s *Store) UpsertAgent(agentIP, status, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO persisted_agents (agent_ip, status, last_seen, client_id)
		VALUES (?, ?, ?, NULLIF(?, ''))
		ON CONFLICT(agent_ip) DO UPDATE SET
			status    = excluded.status,
			last_seen = excluded.last_seen,
			client_id = COALESCE(excluded.client_id, persisted_agents.client_id)`,
		agentIP, status, time.Now().Unix(), clientID)
	if err != nil {
		return fmt.Errorf("upsert agent %s: %w", agentIP, err)
	}
	return nil
}

// TouchAgent refreshes last_seen for an agent, optionally moving it
// to a new status. Unknown agents are ignored.
func (s *Store) TouchAgent(agentIP, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	if status != "" {
		_, err = s.db.Exec(`UPDATE persisted_agents SET last_seen = ?, status = ? WHERE agent_ip = ?`,
			time.Now().Unix(), status, agentIP)
	} else {
		_, err = s.db.Exec(`UPDATE persisted_agents SET last_seen = ? WHERE agent_ip = ?`,
			time.Now().Unix(), agentIP)
	}
	if err != nil {
		return fmt.Errorf("touch agent %s: %w", agentIP, err)
	}
	return nil
}

// SetAgentStatus moves an agent to the given status without touching
// last_seen.
func (s *Store) SetAgentStatus(agentIP, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`UPDATE persisted_agents SET status = ? WHERE agent_ip = ?`, status, agentIP); err != nil {
		return fmt.Errorf("set agent %s status: %w", agentIP, err)
	}
	return nil
}

// GetAgent returns the stored row for agentIP, or nil if unknown.
func (s *Store) GetAgent(agentIP string) (*AgentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rec AgentRecord
	var clientID sql.NullString
	err := s.db.QueryRow(`SELECT agent_ip, status, last_seen, client_id FROM persisted_agents WHERE agent_ip = ?`,
		agentIP).Scan(&rec.AgentIP, &rec.Status, &rec.LastSeen, &clientID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get agent %s: %w", agentIP, err)
	}
	rec.ClientID = clientID.String
	return &rec, nil
}

// ListAgents returns all persisted agents ordered by IP.
func (s *Store) ListAgents() ([]AgentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT agent_ip, status, last_seen, client_id FROM persisted_agents ORDER BY agent_ip`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var agents []AgentRecord
	for rows.Next() {
		var rec AgentRecord
		var clientID sql.NullString
		if err := rows.Scan(&rec.AgentIP, &rec.Status, &rec.LastSeen, &clientID); err != nil {
			return nil, fmt.Errorf("scan agent row: %w", err)
		}
		rec.ClientID = clientID.String
		agents = append(agents, rec)
	}
	return agents, rows.Err()
}

// MarkOfflineInactive flips every non-OFFLINE agent whose last_seen
// is older than the timeout to OFFLINE and returns the affected IPs.
func (s *Store) MarkOfflineInactive(timeout time.Duration) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-timeout).Unix()

	rows, err := s.db.Query(`SELECT agent_ip FROM persisted_agents WHERE last_seen < ? AND status != ?`,
		cutoff, StatusOffline)
	if err != nil {
		return nil, fmt.Errorf("find inactive agents: %w", err)
	}
	var ips []string
	for rows.Next() {
		var ip string
		if err := rows.Scan(&ip); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan inactive agent: %w", err)
		}
		ips = append(ips, ip)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	if len(ips) == 0 {
		return nil, nil
	}

	if _, err := s.db.Exec(`UPDATE persisted_agents SET status = ? WHERE last_seen < ? AND status != ?`,
		StatusOffline, cutoff, StatusOffline); err != nil {
		return nil, fmt.Errorf("mark agents offline: %w", err)
	}
	return ips, nil
}
