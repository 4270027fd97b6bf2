package master

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/leonletto/codesweep/internal/config"
	"github.com/leonletto/codesweep/internal/store"
)

// InactivityTimeout is how long an agent may stay silent before the
// sweeper flips it OFFLINE. An agent heartbeats every 30s; two missed
// beats is dead. The admin status view uses the same window, so a
// swept agent drops out of /clients-status at the same moment.
const InactivityTimeout = 60 * time.Second

const (
	sweepInterval   = 10 * time.Second
	readTimeout     = 60 * time.Second
	queueDrainLimit = 20
)

// Master owns the agent wire listener, the fleet registry and the
// inactivity sweeper. The admin HTTP surface drives it from outside.
type Master struct {
	cfg       config.MasterConfig
	store     *store.Store
	registry  *Registry
	collector *Collector
	events    EventSink
	metrics   *Metrics

	listener  net.Listener
	mu        sync.Mutex
	shutdown  bool
	stopCh    chan struct{}
	wg        sync.WaitGroup
	startTime time.Time
}

// New assembles a master. A nil sink drops events and nil metrics
// stay unregistered.
func New(cfg config.MasterConfig, st *store.Store, sink EventSink, metrics *Metrics) *Master {
	if sink == nil {
		sink = NopSink{}
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Master{
		cfg:       cfg,
		store:     st,
		registry:  NewRegistry(st),
		collector: NewCollector(st),
		events:    sink,
		metrics:   metrics,
		stopCh:    make(chan struct{}),
		startTime: time.Now(),
	}
}

// Start binds the wire listener and launches the accept loop and the
// inactivity sweeper. It returns once both are running.
func (m *Master) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", m.cfg.ListenAddr())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", m.cfg.ListenAddr(), err)
	}
	m.listener = listener
	log.Printf("master: listening for agents on %s", listener.Addr())

	m.wg.Add(2)
	go m.acceptLoop(ctx)
	go m.sweepLoop(ctx)
	return nil
}

// Stop closes the listener and waits for connection handlers and the
// sweeper to finish, with a timeout so a wedged handler cannot hang
// shutdown.
func (m *Master) Stop() error {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return nil
	}
	m.shutdown = true
	m.mu.Unlock()

	close(m.stopCh)
	if m.listener != nil {
		if err := m.listener.Close(); err != nil {
			return fmt.Errorf("close listener: %w", err)
		}
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
	}
	return nil
}

func (m *Master) isShutdown() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shutdown
}

// Addr returns the bound wire address, or nil before Start.
func (m *Master) Addr() net.Addr {
	if m.listener == nil {
		return nil
	}
	return m.listener.Addr()
}

// Uptime reports how long this master has been running.
func (m *Master) Uptime() time.Duration { return time.Since(m.startTime) }

// Store exposes the persistence layer for the admin API.
func (m *Master) Store() *store.Store { return m.store }

// Registry exposes the fleet mirror for the admin API.
func (m *Master) Registry() *Registry { return m.registry }

// Collector exposes cached scan results for the admin API.
func (m *Master) Collector() *Collector { return m.collector }

func (m *Master) acceptLoop(ctx context.Context) {
	defer m.wg.Done()
	for {
		conn, err := m.listener.Accept()
		if err != nil {
			if m.isShutdown() {
				return
			}
			log.Printf("master: accept: %v", err)
			continue
		}
		m.metrics.Connections.Inc()
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.handleConnection(ctx, conn)
		}()
	}
}

// sweepLoop periodically flips silent agents to OFFLINE, both in the
// live registry and in the store, so agents from earlier runs age out
// too.
func (m *Master) sweepLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweepInactive()
		}
	}
}

func (m *Master) sweepInactive() {
	flipped := m.registry.MarkOfflineInactive(InactivityTimeout)
	stale, err := m.store.MarkOfflineInactive(InactivityTimeout)
	if err != nil {
		log.Printf("master: inactivity sweep: %v", err)
	}

	for _, ip := range lo.Uniq(append(flipped, stale...)) {
		m.metrics.AgentsSweptOffline.Inc()
		m.events.Publish(newEvent(EventAgentOffline, ip, "", "inactivity timeout"))
		log.Printf("master: agent %s marked OFFLINE after %s of silence", ip, InactivityTimeout)
	}
}

// setStatus changes an agent's status and tells the feed about it.
func (m *Master) setStatus(agentIP, status string) {
	m.registry.SetStatus(agentIP, status)
	m.events.Publish(newEvent(EventStatusChanged, agentIP, "", status))
}

func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339)
}
