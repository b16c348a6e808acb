// Package cluster is the optional multi-node coordination layer: it
// registers sibling orchestrator processes and shards domains across them,
// giving each new domain to the node with the fewest assigned domains (a
// node's PoolCapacity is recorded but not used in that choice). It is ambient scaffolding for the "distributed"
// half of the system's name — no single-process operation in the spec
// depends on it.
package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Role identifies whether a node runs the master's sharding logic or is a
// plain orchestrator instance taking assignments from it.
type Role string

const (
	RoleMaster Role = "master"
	RoleWorker Role = "worker"
)

// NodeStatus tracks a sibling orchestrator's health.
type NodeStatus string

const (
	NodeReady   NodeStatus = "ready"
	NodeBusy    NodeStatus = "busy"
	NodeOffline NodeStatus = "offline"
)

// Node represents one orchestrator process in the cluster.
type Node struct {
	ID           string     `json:"id"`
	Address      string     `json:"address"`
	Role         Role       `json:"role"`
	Status       NodeStatus `json:"status"`
	PoolCapacity int        `json:"pool_capacity"` // total backend pool slots
	ActiveTasks  int        `json:"active_tasks"`
	Domains      []string   `json:"domains"` // domains currently sharded to this node
	LastSeen     time.Time  `json:"last_seen"`
	Stats        NodeStats  `json:"stats"`
}

// NodeStats holds per-node throughput counters, reported on each heartbeat.
type NodeStats struct {
	TasksCompleted int64 `json:"tasks_completed"`
	TasksFailed    int64 `json:"tasks_failed"`
	RecordsScraped int64 `json:"records_scraped"`
}

// DomainAssignment is a master decision: this domain's traffic should route
// through this node's backend pool.
type DomainAssignment struct {
	Domain string `json:"domain"`
	NodeID string `json:"node_id"`
}

// Master coordinates domain sharding across sibling orchestrator nodes. It
// holds no scraping logic of its own — it only decides which node owns
// which domain's circuit/rate-limit/pool state, so that a given domain's
// traffic is never split across two processes (which would defeat the
// per-domain coordination C1/C2 rely on).
type Master struct {
	nodes      map[string]*Node
	assignment map[string]string // domain -> node id
	logger     *slog.Logger
	mu         sync.RWMutex
}

// NewMaster creates a new cluster coordinator.
func NewMaster(logger *slog.Logger) *Master {
	return &Master{
		nodes:      make(map[string]*Node),
		assignment: make(map[string]string),
		logger:     logger.With("component", "cluster_master"),
	}
}

// RegisterNode adds a sibling orchestrator to the cluster.
func (m *Master) RegisterNode(node *Node) {
	m.mu.Lock()
	defer m.mu.Unlock()
	node.Status = NodeReady
	node.LastSeen = time.Now()
	m.nodes[node.ID] = node
	m.logger.Info("node registered", "id", node.ID, "address", node.Address, "pool_capacity", node.PoolCapacity)
}

// UnregisterNode removes a sibling and drops its domain assignments; each
// such domain gets a new owner on its next AssignDomain call.
func (m *Master) UnregisterNode(nodeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.nodes, nodeID)
	for domain, owner := range m.assignment {
		if owner == nodeID {
			delete(m.assignment, domain)
		}
	}
	m.logger.Info("node unregistered", "id", nodeID)
}

// AssignDomain shards domain to the non-offline node with the fewest
// assigned domains and returns the assignment. If domain is already assigned to a live node, that assignment
// is returned unchanged — domain ownership is sticky so a domain's circuit
// breaker and rate limiter state never splits across processes.
func (m *Master) AssignDomain(domain string) (DomainAssignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if owner, ok := m.assignment[domain]; ok {
		if node, ok := m.nodes[owner]; ok && node.Status != NodeOffline {
			return DomainAssignment{Domain: domain, NodeID: owner}, nil
		}
	}

	best := m.findLeastLoaded()
	if best == nil {
		return DomainAssignment{}, fmt.Errorf("cluster: no ready node available for domain %q", domain)
	}

	m.assignment[domain] = best.ID
	best.Domains = append(best.Domains, domain)
	m.logger.Info("domain assigned", "domain", domain, "node", best.ID)
	return DomainAssignment{Domain: domain, NodeID: best.ID}, nil
}

func (m *Master) findLeastLoaded() *Node {
	var best *Node
	bestLoad := -1
	for _, node := range m.nodes {
		if node.Status == NodeOffline {
			continue
		}
		load := len(node.Domains)
		if bestLoad == -1 || load < bestLoad {
			best = node
			bestLoad = load
		}
	}
	return best
}

// Heartbeat updates a node's last-seen timestamp and reported stats.
func (m *Master) Heartbeat(nodeID string, activeTasks int, stats NodeStats) {
	m.mu.Lock()
	defer m.mu.Unlock()
	node, ok := m.nodes[nodeID]
	if !ok {
		return
	}
	node.LastSeen = time.Now()
	node.ActiveTasks = activeTasks
	node.Stats = stats
	if node.Status == NodeOffline {
		node.Status = NodeReady
	}
}

// MonitorNodes periodically marks nodes offline once they exceed timeout
// without a heartbeat. Their domains stay assigned to them; the next
// AssignDomain call for such a domain moves it to another node.
func (m *Master) MonitorNodes(ctx context.Context, timeout time.Duration) {
	ticker := time.NewTicker(timeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			for _, node := range m.nodes {
				if time.Since(node.LastSeen) > timeout && node.Status != NodeOffline {
					node.Status = NodeOffline
					m.logger.Warn("node offline", "id", node.ID, "last_seen", node.LastSeen)
				}
			}
			m.mu.Unlock()
		}
	}
}

// ClusterStatus reports the overall sharding state.
type ClusterStatus struct {
	Nodes           []*Node `json:"nodes"`
	TotalNodes      int     `json:"total_nodes"`
	AssignedDomains int     `json:"assigned_domains"`
}

// Status returns a point-in-time view of all registered nodes and
// assignments.
func (m *Master) Status() ClusterStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	nodes := make([]*Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		nodes = append(nodes, n)
	}

	return ClusterStatus{
		Nodes:           nodes,
		TotalNodes:      len(m.nodes),
		AssignedDomains: len(m.assignment),
	}
}
