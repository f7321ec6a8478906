// Package group manages named broadcast groups and their fanout strategies.
package group

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wingman-ai/wingman/pkg/protocol"
)

// Fanout strategies.
const (
	StrategyParallel   = "parallel"
	StrategySequential = "sequential"
)

// Group is a named set of nodes that receive broadcasts together.
type Group struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Strategy  string    `json:"strategy"`
	CreatedAt time.Time `json:"createdAt"`
	CreatedBy string    `json:"createdBy,omitempty"`
	Members   []string  `json:"members"` // node IDs in join order
}

// SendFunc delivers a single frame to a node. It must not re-enter the group
// registry.
type SendFunc func(nodeID string, frame protocol.Frame) error

// Registry holds all groups.
type Registry struct {
	logger *slog.Logger

	mu      sync.RWMutex
	byID    map[string]*Group
	byName  map[string]string // name -> id
}

// New creates an empty group registry.
func New(logger *slog.Logger) *Registry {
	return &Registry{
		logger: logger.With("component", "groups"),
		byID:   make(map[string]*Group),
		byName: make(map[string]string),
	}
}

// Join adds the node to the named group, creating the group on first join.
// The strategy argument only applies when the group is created; joining twice
// is a no-op. Returns a snapshot of the group.
func (r *Registry) Join(name, strategy, nodeID string) *Group {
	if strategy != StrategySequential {
		strategy = StrategyParallel
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.byName[name]
	if !ok {
		id = uuid.New().String()
		r.byID[id] = &Group{
			ID:        id,
			Name:      name,
			Strategy:  strategy,
			CreatedAt: time.Now(),
			CreatedBy: nodeID,
		}
		r.byName[name] = id
		r.logger.Debug("group created", "group", name, "strategy", strategy)
	}

	g := r.byID[id]
	for _, m := range g.Members {
		if m == nodeID {
			return g.snapshot()
		}
	}
	g.Members = append(g.Members, nodeID)
	return g.snapshot()
}

// Leave removes the node from the group. Leaving a group the node is not a
// member of is a no-op. The group itself survives with zero members so
// reconnecting clients find it again.
func (r *Registry) Leave(groupID, nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.byID[groupID]
	if !ok {
		return
	}
	for i, m := range g.Members {
		if m == nodeID {
			g.Members = append(g.Members[:i], g.Members[i+1:]...)
			return
		}
	}
}

// RemoveNode drops the node from every group it belongs to (unregister path).
func (r *Registry) RemoveNode(nodeID string, groupIDs []string) {
	for _, gid := range groupIDs {
		r.Leave(gid, nodeID)
	}
}

// Get returns a snapshot of the group, or nil.
func (r *Registry) Get(groupID string) *Group {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if g, ok := r.byID[groupID]; ok {
		return g.snapshot()
	}
	return nil
}

// All returns snapshots of every group.
func (r *Registry) All() []*Group {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Group, 0, len(r.byID))
	for _, g := range r.byID {
		out = append(out, g.snapshot())
	}
	return out
}

// Count returns the number of groups.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// Delete removes a group entirely (admin API).
func (r *Registry) Delete(groupID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.byID[groupID]
	if !ok {
		return false
	}
	delete(r.byID, groupID)
	delete(r.byName, g.Name)
	return true
}

// Broadcast delivers the frame to every member except the sender, honoring
// the group's strategy. Parallel fanout dispatches concurrently; sequential
// fanout enqueues to members in join order, advancing only after the previous
// member's transport accepted the frame. Returns the number of successful
// sends.
func (r *Registry) Broadcast(groupID, senderID string, frame protocol.Frame, send SendFunc) int {
	r.mu.RLock()
	g, ok := r.byID[groupID]
	if !ok {
		r.mu.RUnlock()
		return 0
	}
	strategy := g.Strategy
	targets := make([]string, 0, len(g.Members))
	for _, m := range g.Members {
		if m != senderID {
			targets = append(targets, m)
		}
	}
	r.mu.RUnlock()

	if strategy == StrategySequential {
		delivered := 0
		for _, nodeID := range targets {
			if err := send(nodeID, frame); err == nil {
				delivered++
			}
		}
		return delivered
	}

	var wg sync.WaitGroup
	var delivered int64
	var mu sync.Mutex
	for _, nodeID := range targets {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := send(id, frame); err == nil {
				mu.Lock()
				delivered++
				mu.Unlock()
			}
		}(nodeID)
	}
	wg.Wait()
	return int(delivered)
}

func (g *Group) snapshot() *Group {
	cp := *g
	cp.Members = append([]string(nil), g.Members...)
	return &cp
}
