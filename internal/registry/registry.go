// Package registry tracks live nodes: identity, metadata, rate limits, and
// heartbeat liveness. It never touches transports; the hub owns those and
// reacts to eviction callbacks.
package registry

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"

	"github.com/wingman-ai/wingman/pkg/protocol"
)

// Node is the registry's view of a connected client.
type Node struct {
	ID           string    `json:"id"`
	Name         string    `json:"name,omitempty"`
	Capabilities []string  `json:"capabilities,omitempty"`
	SessionID    string    `json:"sessionId,omitempty"`
	AgentName    string    `json:"agentName,omitempty"`
	ConnectedAt  time.Time `json:"connectedAt"`

	// Guarded by the registry lock.
	LastHeartbeat time.Time `json:"lastHeartbeat"`
	MessageCount  int64     `json:"messageCount"`
	WindowStart   time.Time `json:"windowStart"`
	Groups        []string  `json:"groups,omitempty"`

	window []time.Time // timestamps of messages inside the sliding rate window
	groups map[string]struct{}
}

// Options bound the registry.
type Options struct {
	MaxNodes         int
	MessageRateLimit int
	MessageWindow    time.Duration
}

// Registry holds all live nodes.
type Registry struct {
	opts   Options
	logger *slog.Logger

	mu    sync.RWMutex
	nodes map[string]*Node
	used  map[string]struct{} // every ID ever issued this process
}

// New creates a node registry.
func New(opts Options, logger *slog.Logger) *Registry {
	return &Registry{
		opts:   opts,
		logger: logger.With("component", "registry"),
		nodes:  make(map[string]*Node),
		used:   make(map[string]struct{}),
	}
}

// NewNodeID returns a fresh 128-bit hex node ID, unique for the process
// lifetime.
func (r *Registry) NewNodeID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		var b [16]byte
		if _, err := rand.Read(b[:]); err != nil {
			panic("registry: crypto/rand failed: " + err.Error())
		}
		id := hex.EncodeToString(b[:])
		if _, taken := r.used[id]; !taken {
			r.used[id] = struct{}{}
			return id
		}
	}
}

// Register adds a node under a freshly generated ID.
func (r *Registry) Register(name string, capabilities []string) (*Node, error) {
	id := r.NewNodeID()

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.nodes) >= r.opts.MaxNodes {
		return nil, protocol.E(protocol.CodeCapacityExceeded, "node limit reached (%d)", r.opts.MaxNodes)
	}
	now := time.Now()
	n := &Node{
		ID:            id,
		Name:          name,
		Capabilities:  capabilities,
		ConnectedAt:   now,
		LastHeartbeat: now,
		WindowStart:   now,
		groups:        make(map[string]struct{}),
	}
	r.nodes[id] = n
	r.logger.Debug("node registered", "node_id", id, "name", name)
	return n, nil
}

// Update applies a register frame's descriptor to an existing node.
func (r *Registry) Update(id string, p protocol.RegisterPayload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[id]
	if !ok {
		return protocol.E(protocol.CodeNotFound, "node %s not registered", id)
	}
	if p.Name != "" {
		n.Name = p.Name
	}
	if p.Capabilities != nil {
		n.Capabilities = p.Capabilities
	}
	if p.SessionID != "" {
		n.SessionID = p.SessionID
	}
	if p.AgentName != "" {
		n.AgentName = p.AgentName
	}
	return nil
}

// Unregister removes the node and returns the group IDs it belonged to so the
// caller can clean up memberships.
func (r *Registry) Unregister(id string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[id]
	if !ok {
		return nil
	}
	delete(r.nodes, id)
	groups := make([]string, 0, len(n.groups))
	for g := range n.groups {
		groups = append(groups, g)
	}
	r.logger.Debug("node unregistered", "node_id", id)
	return groups
}

// Get returns a snapshot of the node, or nil.
func (r *Registry) Get(id string) *Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[id]
	if !ok {
		return nil
	}
	return n.snapshot()
}

// All returns snapshots of every live node.
func (r *Registry) All() []*Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, n.snapshot())
	}
	return out
}

// Count returns the number of live nodes.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

func (n *Node) snapshot() *Node {
	cp := *n
	cp.Groups = make([]string, 0, len(n.groups))
	for g := range n.groups {
		cp.Groups = append(cp.Groups, g)
	}
	cp.groups = nil
	cp.window = nil
	return &cp
}

// pruneWindow drops message timestamps that have slid out of the window and
// refreshes WindowStart to the oldest retained one. Caller holds the lock.
func (n *Node) pruneWindow(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	kept := n.window[:0]
	for _, ts := range n.window {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	n.window = kept
	if len(n.window) > 0 {
		n.WindowStart = n.window[0]
	} else {
		n.WindowStart = now
	}
}

// RecordMessage counts one inbound message against the node's sliding rate
// window and reports whether it stayed within the limit. A false return means
// the frame must be dropped and surfaced as RateLimited. The window slides
// per message, so a burst straddling a window edge cannot double the limit.
func (r *Registry) RecordMessage(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[id]
	if !ok {
		return false
	}
	now := time.Now()
	n.pruneWindow(now, r.opts.MessageWindow)
	if len(n.window) >= r.opts.MessageRateLimit {
		return false
	}
	n.window = append(n.window, now)
	n.MessageCount++
	return true
}

// IsRateLimited reports whether the node's current window is exhausted.
func (r *Registry) IsRateLimited(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[id]
	if !ok {
		return false
	}
	n.pruneWindow(time.Now(), r.opts.MessageWindow)
	return len(n.window) >= r.opts.MessageRateLimit
}

// Heartbeat records a ping from the node.
func (r *Registry) Heartbeat(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.nodes[id]; ok {
		n.LastHeartbeat = time.Now()
	}
}

// JoinedGroup records group membership on the node side.
func (r *Registry) JoinedGroup(nodeID, groupID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.nodes[nodeID]; ok {
		n.groups[groupID] = struct{}{}
	}
}

// LeftGroup removes group membership on the node side.
func (r *Registry) LeftGroup(nodeID, groupID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.nodes[nodeID]; ok {
		delete(n.groups, groupID)
	}
}

// Stale returns the IDs of nodes whose last heartbeat is older than timeout.
func (r *Registry) Stale(timeout time.Duration) []string {
	cutoff := time.Now().Add(-timeout)
	r.mu.RLock()
	defer r.mu.RUnlock()
	var stale []string
	for id, n := range r.nodes {
		if n.LastHeartbeat.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	return stale
}

// StartSweeper evicts stale nodes every interval until ctx is done. onEvict
// runs outside the registry lock and is responsible for transport close and
// group/subscription cleanup.
func (r *Registry) StartSweeper(ctx context.Context, interval, timeout time.Duration, onEvict func(nodeID string)) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, id := range r.Stale(timeout) {
					r.logger.Info("evicting stale node", "node_id", id)
					onEvict(id)
				}
			}
		}
	}()
}
