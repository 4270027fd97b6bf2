package master

import (
	"strings"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/leonletto/codesweep/internal/protocol"
	"github.com/leonletto/codesweep/internal/store"
)

const (
	resultsTTL          = 24 * time.Hour
	resultsSweepEvery   = 10 * time.Minute
	resultsKeySeparator = "|"
)

// Collector ingests scan results. It is the single writer of pending
// rows; everything else reads. A bounded in-memory cache keeps the
// most recent batch per (task, agent) so the admin API can answer
// scan-result queries without rebuilding reports from rows.
type Collector struct {
	store *store.Store
	cache *cache.Cache
}

// NewCollector creates a collector backed by st.
func NewCollector(st *store.Store) *Collector {
	return &Collector{
		store: st,
		cache: cache.New(resultsTTL, resultsSweepEvery),
	}
}

// Add replaces the pending rows for (task, agent) with this batch and
// caches it for task-scoped reads.
func (c *Collector) Add(agentIP, taskID string, files []protocol.FileReport) error {
	if err := c.store.ReplacePendingFiles(taskID, agentIP, files); err != nil {
		return err
	}
	c.cache.Set(resultsKey(taskID, agentIP), files, cache.DefaultExpiration)
	return nil
}

// Results returns the cached batches for one task, keyed by agent IP.
func (c *Collector) Results(taskID string) map[string][]protocol.FileReport {
	out := make(map[string][]protocol.FileReport)
	prefix := taskID + resultsKeySeparator
	for key, item := range c.cache.Items() {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		files, ok := item.Object.([]protocol.FileReport)
		if !ok {
			continue
		}
		out[strings.TrimPrefix(key, prefix)] = files
	}
	return out
}

func resultsKey(taskID, agentIP string) string {
	return taskID + resultsKeySeparator + agentIP
}
