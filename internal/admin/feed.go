package admin

import (
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/leonletto/codesweep/internal/master"
)

const (
	feedSendBuffer   = 256
	feedWriteTimeout = 10 * time.Second
	feedPongTimeout  = 60 * time.Second
	feedPingInterval = 54 * time.Second
)

// Feed fans fleet events out to connected dashboard clients over
// WebSocket. It implements master.EventSink: Publish never blocks,
// and a client that cannot keep up is dropped.
type Feed struct {
	mu      sync.Mutex
	clients map[*feedClient]struct{}
}

// NewFeed creates an empty feed.
func NewFeed() *Feed {
	return &Feed{clients: make(map[*feedClient]struct{})}
}

// Publish implements master.EventSink.
func (f *Feed) Publish(ev master.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Printf("feed: marshal event: %v", err)
		return
	}

	f.mu.Lock()
	clients := make([]*feedClient, 0, len(f.clients))
	for c := range f.clients {
		clients = append(clients, c)
	}
	f.mu.Unlock()

	for _, c := range clients {
		if err := c.send(data); err != nil {
			// A full buffer means the client stopped reading. Drop it
			// rather than stall the fleet.
			f.remove(c)
			_ = c.close()
		}
	}
}

// ClientCount returns the number of connected feed clients.
func (f *Feed) ClientCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

// CloseAll disconnects every feed client.
func (f *Feed) CloseAll() {
	f.mu.Lock()
	clients := make([]*feedClient, 0, len(f.clients))
	for c := range f.clients {
		clients = append(clients, c)
	}
	f.clients = make(map[*feedClient]struct{})
	f.mu.Unlock()

	for _, c := range clients {
		_ = c.close()
	}
}

// serve owns conn until the client goes away.
func (f *Feed) serve(conn *websocket.Conn) {
	c := &feedClient{conn: conn, sendCh: make(chan []byte, feedSendBuffer)}
	f.mu.Lock()
	f.clients[c] = struct{}{}
	f.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.writeLoop()
		close(done)
	}()

	c.readLoop()
	_ = c.close()
	<-done
	f.remove(c)
}

func (f *Feed) remove(c *feedClient) {
	f.mu.Lock()
	delete(f.clients, c)
	f.mu.Unlock()
}

type feedClient struct {
	conn   *websocket.Conn
	sendCh chan []byte
	mu     sync.Mutex
	closed bool
}

func (c *feedClient) send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errors.New("client closed")
	}
	select {
	case c.sendCh <- data:
		return nil
	default:
		return errors.New("send buffer full")
	}
}

func (c *feedClient) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	close(c.sendCh)
	return c.conn.Close()
}

// writeLoop drains the send channel and keeps the connection alive
// with pings.
func (c *feedClient) writeLoop() {
	ticker := time.NewTicker(feedPingInterval)
	defer ticker.Stop()

	for {
		select {
		case data, ok := <-c.sendCh:
			if !ok {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(feedWriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(feedWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop discards client frames; the feed is one-way. It returns
// when the client disconnects.
func (c *feedClient) readLoop() {
	_ = c.conn.SetReadDeadline(time.Now().Add(feedPongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(feedPongTimeout))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
