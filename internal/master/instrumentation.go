package master

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "codesweep"
	metricsSubsystem = "master"
)

// Metrics counts the master's wire and approval activity.
type Metrics struct {
	Connections        prometheus.Counter
	Registrations      prometheus.Counter
	Heartbeats         prometheus.Counter
	TasksDispatched    prometheus.Counter
	TasksQueued        prometheus.Counter
	ScanResults        prometheus.Counter
	FilesFlagged       prometheus.Counter
	DeletesSent        prometheus.Counter
	DeletesQueued      prometheus.Counter
	DeletionReports    prometheus.Counter
	AgentsSweptOffline prometheus.Counter
}

// NewMetrics registers the master counters with reg. A nil reg yields
// unregistered counters, which keeps tests independent of global
// registry state.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	counter := func(name, help string) prometheus.Counter {
		return factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      name,
			Help:      help,
		})
	}
	return &Metrics{
		Connections:        counter("connections_total", "Number of TCP connections accepted from agents."),
		Registrations:      counter("registrations_total", "Number of successful agent registrations."),
		Heartbeats:         counter("heartbeats_total", "Number of heartbeat frames received."),
		TasksDispatched:    counter("tasks_dispatched_total", "Number of scan tasks sent to live agents."),
		TasksQueued:        counter("tasks_queued_total", "Number of scan tasks queued for offline agents."),
		ScanResults:        counter("scan_results_total", "Number of scan result frames ingested."),
		FilesFlagged:       counter("files_flagged_total", "Number of flagged files reported by agents."),
		DeletesSent:        counter("delete_commands_sent_total", "Number of delete commands sent to live agents."),
		DeletesQueued:      counter("delete_commands_queued_total", "Number of delete commands queued for offline agents."),
		DeletionReports:    counter("deletion_reports_total", "Number of deletion report frames ingested."),
		AgentsSweptOffline: counter("agents_swept_offline_total", "Number of agents flagged OFFLINE by the inactivity sweep."),
	}
}
