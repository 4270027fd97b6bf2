package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/leonletto/codesweep/internal/master"
)

const maxBodySize = 1 << 20

// Server is the admin HTTP surface: fleet status, scan dispatch,
// deletion approval and the live event feed. It drives the master
// from outside; the agent wire protocol never touches it.
type Server struct {
	addr       string
	master     *master.Master
	feed       *Feed
	httpServer *http.Server
	upgrader   websocket.Upgrader

	mu       sync.Mutex
	shutdown bool
}

// NewServer wires the admin routes. The gatherer backs /metrics; nil
// disables the endpoint.
func NewServer(addr string, m *master.Master, feed *Feed, gatherer prometheus.Gatherer) *Server {
	s := &Server{
		addr:   addr,
		master: m,
		feed:   feed,
		upgrader: websocket.Upgrader{
			// The dashboard may be served from anywhere on the lab network.
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /submit-instruction", s.handleSubmitInstruction)
	mux.HandleFunc("POST /scan", s.handleScan)
	mux.HandleFunc("GET /scan-results", s.handleScanResults)
	mux.HandleFunc("GET /clients-status", s.handleClientsStatus)
	mux.HandleFunc("GET /files-preview", s.handleFilesPreview)
	mux.HandleFunc("POST /approve-deletion", s.handleApproveDeletion)
	mux.HandleFunc("POST /reject-deletion", s.handleRejectDeletion)
	mux.HandleFunc("GET /audit-logs", s.handleAuditLogs)
	mux.HandleFunc("GET /deletion-reports", s.handleDeletionReports)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /ws", s.handleFeed)
	if gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the route table, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.addr
}

// Start begins serving in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return fmt.Errorf("admin server is shutting down")
	}
	s.mu.Unlock()

	log.Printf("admin: serving on %s", s.addr)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("admin: serve: %v", err)
		}
	}()

	// Give the listener a moment to bind before callers depend on it.
	time.Sleep(100 * time.Millisecond)
	return nil
}

// Stop disconnects feed clients and shuts the HTTP server down.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.mu.Unlock()

	s.feed.CloseAll()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown admin server: %w", err)
	}
	return nil
}

func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("admin: websocket upgrade: %v", err)
		return
	}
	s.feed.serve(conn)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("admin: write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
