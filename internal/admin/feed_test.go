package admin_test

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/leonletto/codesweep/internal/admin"
	"github.com/leonletto/codesweep/internal/master"
)

func dialFeed(t *testing.T, httpURL string) *websocket.Conn {
	t.Helper()
	wsURL := strings.Replace(httpURL, "http://", "ws://", 1) + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial %s: %v", wsURL, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func waitForClients(t *testing.T, feed *admin.Feed, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if feed.ClientCount() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("feed clients = %d, want %d", feed.ClientCount(), want)
}

func TestFeed_BroadcastsEvents(t *testing.T) {
	ta := newTestAdmin(t)

	first := dialFeed(t, ta.http.URL)
	second := dialFeed(t, ta.http.URL)
	waitForClients(t, ta.feed, 2)

	ta.feed.Publish(master.Event{
		ID:      "01HTESTULID00000000000000",
		Type:    master.EventAgentRegistered,
		AgentIP: "10.0.0.1",
		Detail:  "client-1",
		Time:    time.Now().UTC().Format(time.RFC3339),
	})

	for _, conn := range []*websocket.Conn{first, second} {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage: %v", err)
		}
		var ev master.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("Unmarshal: %v", err)
		}
		if ev.Type != master.EventAgentRegistered {
			t.Errorf("Type = %q, want %q", ev.Type, master.EventAgentRegistered)
		}
		if ev.AgentIP != "10.0.0.1" {
			t.Errorf("AgentIP = %q, want %q", ev.AgentIP, "10.0.0.1")
		}
	}
}

func TestFeed_ClientDisconnectLeavesOthers(t *testing.T) {
	ta := newTestAdmin(t)

	first := dialFeed(t, ta.http.URL)
	second := dialFeed(t, ta.http.URL)
	waitForClients(t, ta.feed, 2)

	_ = first.Close()
	waitForClients(t, ta.feed, 1)

	ta.feed.Publish(master.Event{Type: master.EventStatusChanged, AgentIP: "10.0.0.2", Detail: "SCANNING"})

	_ = second.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := second.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var ev master.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if ev.Detail != "SCANNING" {
		t.Errorf("Detail = %q, want %q", ev.Detail, "SCANNING")
	}
}

func TestFeed_CloseAllDisconnectsClients(t *testing.T) {
	ta := newTestAdmin(t)

	conn := dialFeed(t, ta.http.URL)
	waitForClients(t, ta.feed, 1)

	ta.feed.CloseAll()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("expected read to fail after CloseAll")
	}
	if ta.feed.ClientCount() != 0 {
		t.Errorf("ClientCount = %d, want 0", ta.feed.ClientCount())
	}
}
