package master

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// Event types published to the admin feed.
const (
	EventAgentRegistered        = "agent_registered"
	EventAgentOffline           = "agent_offline"
	EventStatusChanged          = "status_changed"
	EventTaskDispatched         = "task_dispatched"
	EventScanResultsReceived    = "scan_results_received"
	EventDeletionReportReceived = "deletion_report_received"
)

// Event is one observable fleet state change. IDs are ULIDs, so
// feed consumers can order and de-duplicate across reconnects.
type Event struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	AgentIP string `json:"agent_ip,omitempty"`
	TaskID  string `json:"task_id,omitempty"`
	Detail  string `json:"detail,omitempty"`
	Time    string `json:"time"`
}

// EventSink receives fleet events. Publish must not block; slow
// consumers are the sink's problem.
type EventSink interface {
	Publish(Event)
}

// NopSink discards all events.
type NopSink struct{}

// Publish implements EventSink.
func (NopSink) Publish(Event) {}

func newEvent(typ, agentIP, taskID, detail string) Event {
	return Event{
		ID:      ulid.Make().String(),
		Type:    typ,
		AgentIP: agentIP,
		TaskID:  taskID,
		Detail:  detail,
		Time:    time.Now().UTC().Format(time.RFC3339),
	}
}
