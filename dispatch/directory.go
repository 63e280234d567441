/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/acronis/go-ingestgate/log"
	"github.com/acronis/go-ingestgate/lrucache"
	"github.com/acronis/go-ingestgate/service"
)

// AgentInfo describes an agent known to the gateway.
type AgentInfo struct {
	AgentID         string
	ApplicationName string
	Hostname        string
	AgentStartTime  int64
	RemoteAddr      string
	FirstSeenAt     time.Time
}

// AgentDirectory remembers agents that talked to the gateway recently.
// Entries are evicted in LRU order when the directory is full and expire after TTL.
type AgentDirectory struct {
	agents          *lrucache.LRUCache[string, AgentInfo]
	cleanupInterval time.Duration
}

// NewAgentDirectory creates a new AgentDirectory.
// Metrics collector may be nil, in this case, metrics are disabled.
func NewAgentDirectory(cfg AgentDirectoryConfig, metricsCollector lrucache.MetricsCollector) (*AgentDirectory, error) {
	agents, err := lrucache.NewWithOpts[string, AgentInfo](
		cfg.MaxEntries, metricsCollector, lrucache.Options{DefaultTTL: time.Duration(cfg.TTL)})
	if err != nil {
		return nil, fmt.Errorf("create agent directory cache: %w", err)
	}
	return &AgentDirectory{agents: agents, cleanupInterval: time.Duration(cfg.CleanupInterval)}, nil
}

// Register adds or replaces the agent in the directory.
func (d *AgentDirectory) Register(info AgentInfo) {
	d.agents.Add(info.AgentID, info)
}

// Merge stores the agent, keeping FirstSeenAt of the already known one.
// It is atomic with respect to concurrent Merge and Register calls for the same agent.
func (d *AgentDirectory) Merge(info AgentInfo) AgentInfo {
	return d.agents.Update(info.AgentID, func(known AgentInfo, found bool) AgentInfo {
		if found && !known.FirstSeenAt.IsZero() {
			info.FirstSeenAt = known.FirstSeenAt
		}
		return info
	})
}

// Lookup returns the agent by its id.
func (d *AgentDirectory) Lookup(agentID string) (AgentInfo, bool) {
	return d.agents.Get(agentID)
}

// Resolve returns the agent by its id.
// If the agent is unknown, the loader is called once even for concurrent callers, and its result is remembered.
func (d *AgentDirectory) Resolve(agentID string, loader func(agentID string) (AgentInfo, error)) (AgentInfo, error) {
	return d.agents.GetOrLoad(agentID, loader)
}

// Len returns the number of known agents.
func (d *AgentDirectory) Len() int {
	return d.agents.Len()
}

// NewCleanupUnit returns a service unit that periodically removes expired agents.
// Nil is returned when cleanup is disabled (zero interval).
func (d *AgentDirectory) NewCleanupUnit(logger log.FieldLogger) service.Unit {
	if d.cleanupInterval <= 0 {
		return nil
	}
	worker := service.WorkerFunc(func(ctx context.Context) error {
		if removed := d.agents.RemoveExpired(); removed > 0 {
			logger.Debug("expired agents are removed from directory", log.Int("removed", removed))
		}
		return nil
	})
	return service.NewWorkerUnit(service.NewPeriodicWorker(worker, d.cleanupInterval, logger))
}
