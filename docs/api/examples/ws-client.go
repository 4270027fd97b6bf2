// Codesweep Event Feed Client Example (Go)
//
// This example demonstrates:
// - Connecting to the master's admin event feed over WebSocket
// - Kicking off a fleet-wide scan through the admin HTTP API
// - Handling fleet events as they arrive
//
// Usage:
//   go run ws-client.go

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/gorilla/websocket"
)

const (
	adminBase = "http://localhost:8000"
	feedURL   = "ws://localhost:8000/events-feed"
)

// FleetEvent mirrors the JSON the feed pushes for every fleet state
// change. IDs are ULIDs, so consumers can order and de-duplicate
// events across reconnects.
type FleetEvent struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	AgentIP string `json:"agent_ip,omitempty"`
	TaskID  string `json:"task_id,omitempty"`
	Detail  string `json:"detail,omitempty"`
	Time    string `json:"time"`
}

// FeedClient is a minimal consumer of the admin event feed.
type FeedClient struct {
	conn *websocket.Conn
}

func NewFeedClient(url string) (*FeedClient, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	log.Println("✓ Connected to the codesweep event feed")
	return &FeedClient{conn: conn}, nil
}

func (c *FeedClient) Listen() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			log.Printf("Read error: %v", err)
			return
		}

		var event FleetEvent
		if err := json.Unmarshal(data, &event); err != nil {
			log.Printf("Unknown message: %s", string(data))
			continue
		}
		c.handleEvent(&event)
	}
}

func (c *FeedClient) handleEvent(event *FleetEvent) {
	switch event.Type {
	case "agent_registered":
		fmt.Printf("\n🟢 Agent %s registered (%s)\n", event.AgentIP, event.Detail)

	case "agent_offline":
		fmt.Printf("\n🔴 Agent %s went offline: %s\n", event.AgentIP, event.Detail)

	case "task_dispatched":
		fmt.Printf("\n📡 Task %s dispatched to %s (%s)\n", event.TaskID, event.AgentIP, event.Detail)

	case "scan_results_received":
		fmt.Printf("\n📨 Scan results from %s for task %s: %s\n", event.AgentIP, event.TaskID, event.Detail)

	case "deletion_report_received":
		fmt.Printf("\n🗑 Deletion report from %s: %s\n", event.AgentIP, event.Detail)

	case "status_changed":
		log.Printf("Agent %s is now %s", event.AgentIP, event.Detail)

	default:
		log.Printf("Unknown event: %s", event.Type)
	}
}

func (c *FeedClient) Close() error {
	return c.conn.Close()
}

// startScan asks the master to sweep the whole fleet for python
// sources, so the feed has something to show.
func startScan() error {
	body, err := json.Marshal(map[string]any{
		"target_languages": []string{"python"},
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	resp, err := http.Post(adminBase+"/scan", "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("POST /scan: %w", err)
	}
	defer resp.Body.Close()

	var out struct {
		TaskID string `json:"task_id"`
		Sent   int    `json:"sent"`
		Queued int    `json:"queued"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("decode /scan response: %w", err)
	}

	log.Printf("✓ Scan %s dispatched: %d sent, %d queued", out.TaskID, out.Sent, out.Queued)
	return nil
}

func main() {
	// Create client
	client, err := NewFeedClient(feedURL)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer client.Close()

	go client.Listen()

	// Wait for connection to stabilize
	time.Sleep(100 * time.Millisecond)

	// Generate some traffic for the feed to show
	if err := startScan(); err != nil {
		log.Fatalf("Scan failed: %v", err)
	}

	// Keep connection alive to receive events
	log.Println("\n👂 Listening for fleet events... (press Ctrl+C to exit)")

	// Wait for interrupt signal
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	<-interrupt

	log.Println("\nShutting down...")
}
