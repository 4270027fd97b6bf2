package master

import (
	"testing"
	"time"
)

func TestNewEvent(t *testing.T) {
	ev := newEvent(EventTaskDispatched, "10.0.0.1", "scan-1234abcd", "python")
	if len(ev.ID) != 26 {
		t.Errorf("ID %q has length %d, want 26 (ULID)", ev.ID, len(ev.ID))
	}
	if ev.Type != EventTaskDispatched {
		t.Errorf("Type = %q, want %q", ev.Type, EventTaskDispatched)
	}
	if ev.AgentIP != "10.0.0.1" || ev.TaskID != "scan-1234abcd" || ev.Detail != "python" {
		t.Errorf("event fields = %+v", ev)
	}
	if _, err := time.Parse(time.RFC3339, ev.Time); err != nil {
		t.Errorf("Time %q is not RFC 3339: %v", ev.Time, err)
	}

	other := newEvent(EventTaskDispatched, "10.0.0.1", "scan-1234abcd", "python")
	if other.ID == ev.ID {
		t.Error("two events share one ID")
	}
}
