package master

import (
	"log"
	"sort"
	"sync"
	"time"

	"github.com/leonletto/codesweep/internal/protocol"
	"github.com/leonletto/codesweep/internal/store"
)

// AgentState is a point-in-time view of one agent. The live socket is
// deliberately not part of it.
type AgentState struct {
	AgentIP     string    `json:"agent_ip"`
	ClientID    string    `json:"client_id,omitempty"`
	Status      string    `json:"status"`
	LastSeen    time.Time `json:"last_seen"`
	ConnectedAt time.Time `json:"connected_at"`
}

type agentEntry struct {
	state AgentState
	conn  *protocol.Conn
}

// Registry is the in-memory mirror of the fleet. It holds the live
// socket for each connected agent and writes every mutation through
// to the persistence store, so a restarted master still knows the
// last observed status of every agent.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*agentEntry
	store  *store.Store
}

// NewRegistry creates a registry backed by st.
func NewRegistry(st *store.Store) *Registry {
	return &Registry{
		agents: make(map[string]*agentEntry),
		store:  st,
	}
}

// Register records a freshly registered agent and its live socket.
// Re-registering an IP replaces the previous entry.
func (r *Registry) Register(agentIP, clientID string, conn *protocol.Conn) {
	now := time.Now()
	r.mu.Lock()
	r.agents[agentIP] = &agentEntry{
		state: AgentState{
			AgentIP:     agentIP,
			ClientID:    clientID,
			Status:      store.StatusIdle,
			LastSeen:    now,
			ConnectedAt: now,
		},
		conn: conn,
	}
	r.mu.Unlock()

	if err := r.store.UpsertAgent(agentIP, store.StatusIdle, clientID); err != nil {
		log.Printf("registry: persist register %s: %v", agentIP, err)
	}
}

// Touch refreshes the last-seen timestamp.
func (r *Registry) Touch(agentIP string) {
	r.mu.Lock()
	if e, ok := r.agents[agentIP]; ok {
		e.state.LastSeen = time.Now()
	}
	r.mu.Unlock()

	if err := r.store.TouchAgent(agentIP, ""); err != nil {
		log.Printf("registry: persist touch %s: %v", agentIP, err)
	}
}

// SetStatus updates an agent's lifecycle status.
func (r *Registry) SetStatus(agentIP, status string) {
	r.mu.Lock()
	if e, ok := r.agents[agentIP]; ok {
		e.state.Status = status
		e.state.LastSeen = time.Now()
	}
	r.mu.Unlock()

	if err := r.store.TouchAgent(agentIP, status); err != nil {
		log.Printf("registry: persist status %s=%s: %v", agentIP, status, err)
	}
}

// RemoveConn drops the agent entry owned by conn and flags the agent
// OFFLINE in the store. A stale handler whose socket was already
// replaced by a re-registration leaves the new entry alone.
func (r *Registry) RemoveConn(agentIP string, conn *protocol.Conn) bool {
	r.mu.Lock()
	e, ok := r.agents[agentIP]
	if !ok || (conn != nil && e.conn != conn) {
		r.mu.Unlock()
		return false
	}
	delete(r.agents, agentIP)
	r.mu.Unlock()

	if err := r.store.SetAgentStatus(agentIP, store.StatusOffline); err != nil {
		log.Printf("registry: persist offline %s: %v", agentIP, err)
	}
	return true
}

// Get returns a copy of the agent state to avoid race conditions.
func (r *Registry) Get(agentIP string) (AgentState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.agents[agentIP]
	if !ok {
		return AgentState{}, false
	}
	return e.state, true
}

// Conn returns the live socket for an agent, or nil when the agent is
// not connected.
func (r *Registry) Conn(agentIP string) *protocol.Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.agents[agentIP]; ok {
		return e.conn
	}
	return nil
}

// Active returns copies of every agent not marked OFFLINE.
func (r *Registry) Active() []AgentState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []AgentState
	for _, e := range r.agents {
		if e.state.Status != store.StatusOffline {
			out = append(out, e.state)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentIP < out[j].AgentIP })
	return out
}

// Snapshot returns copies of every tracked agent, sorted by IP.
func (r *Registry) Snapshot() []AgentState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]AgentState, 0, len(r.agents))
	for _, e := range r.agents {
		out = append(out, e.state)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentIP < out[j].AgentIP })
	return out
}

// MarkOfflineInactive flips every agent whose last frame is older than
// timeout to OFFLINE, drops its socket handle and returns the affected
// IPs. Persistence is handled by the paired store sweep.
func (r *Registry) MarkOfflineInactive(timeout time.Duration) []string {
	cutoff := time.Now().Add(-timeout)

	r.mu.Lock()
	defer r.mu.Unlock()
	var flipped []string
	for ip, e := range r.agents {
		if e.state.Status == store.StatusOffline || e.state.LastSeen.After(cutoff) {
			continue
		}
		e.state.Status = store.StatusOffline
		e.conn = nil
		flipped = append(flipped, ip)
	}
	sort.Strings(flipped)
	return flipped
}
