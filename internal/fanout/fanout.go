// Package fanout delivers agent lifecycle events to request originators and
// session subscribers, and resolves stream message addressing.
package fanout

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/wingman-ai/wingman/pkg/protocol"
)

// SendFunc delivers a frame to a node's mailbox. It reports false when the
// node is gone or its mailbox rejected the frame.
type SendFunc func(nodeID string, frame protocol.Frame) bool

// Registry tracks which nodes are subscribed to which sessions.
type Registry struct {
	mu        sync.RWMutex
	bySession map[string]map[string]struct{} // sessionID -> nodeIDs
	byNode    map[string]map[string]struct{} // nodeID -> sessionIDs
}

// NewRegistry creates an empty subscription registry.
func NewRegistry() *Registry {
	return &Registry{
		bySession: make(map[string]map[string]struct{}),
		byNode:    make(map[string]map[string]struct{}),
	}
}

// Subscribe adds a node to a session's subscriber set. Idempotent.
func (r *Registry) Subscribe(nodeID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.bySession[sessionID] == nil {
		r.bySession[sessionID] = make(map[string]struct{})
	}
	r.bySession[sessionID][nodeID] = struct{}{}
	if r.byNode[nodeID] == nil {
		r.byNode[nodeID] = make(map[string]struct{})
	}
	r.byNode[nodeID][sessionID] = struct{}{}
}

// Unsubscribe removes a node from a session's subscriber set. Unsubscribing
// a non-subscriber is a no-op.
func (r *Registry) Unsubscribe(nodeID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropLocked(nodeID, sessionID)
}

// RemoveNode clears all subscriptions held by a disconnecting node.
func (r *Registry) RemoveNode(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for sessionID := range r.byNode[nodeID] {
		r.dropLocked(nodeID, sessionID)
	}
}

func (r *Registry) dropLocked(nodeID, sessionID string) {
	if set := r.bySession[sessionID]; set != nil {
		delete(set, nodeID)
		if len(set) == 0 {
			delete(r.bySession, sessionID)
		}
	}
	if set := r.byNode[nodeID]; set != nil {
		delete(set, sessionID)
		if len(set) == 0 {
			delete(r.byNode, nodeID)
		}
	}
}

// Subscribers returns a snapshot of the nodes subscribed to a session.
func (r *Registry) Subscribers(sessionID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.bySession[sessionID]
	out := make([]string, 0, len(set))
	for nodeID := range set {
		out = append(out, nodeID)
	}
	return out
}

// Count returns the total number of (node, session) subscriptions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, set := range r.bySession {
		n += len(set)
	}
	return n
}

// Fanout publishes lifecycle events. Events for one request are published
// from a single goroutine (the scheduler coordinator), so delivery order per
// subscriber follows emission order via the per-node mailbox.
type Fanout struct {
	logger   *slog.Logger
	registry *Registry
	send     SendFunc

	mu      sync.Mutex
	streams map[string]*requestStream // requestID
}

// requestStream tracks message addressing for one request.
type requestStream struct {
	targets map[string]string // eventKey -> messageID
	last    string            // most recently addressed messageID
}

// New creates a fanout publisher over the given subscription registry.
func New(logger *slog.Logger, registry *Registry, send SendFunc) *Fanout {
	return &Fanout{
		logger:   logger.With("component", "fanout"),
		registry: registry,
		send:     send,
		streams:  make(map[string]*requestStream),
	}
}

// Publish resolves the event's message ID, wraps it in an event frame and
// delivers it to the originator plus all session subscribers. It returns the
// number of successful deliveries.
func (f *Fanout) Publish(originatorNodeID string, ev protocol.AgentEventPayload) int {
	if ev.Type == protocol.EventAgentStream {
		ev.MessageID = f.resolveMessageID(&ev)
	}
	if ev.Terminal() {
		f.mu.Lock()
		delete(f.streams, ev.RequestID)
		f.mu.Unlock()
	}

	frame := protocol.New(protocol.TypeAgentEvent, &ev)
	frame.ID = ev.RequestID

	delivered := 0
	if originatorNodeID != "" && f.send(originatorNodeID, frame) {
		delivered++
	}
	for _, nodeID := range f.registry.Subscribers(ev.SessionID) {
		if nodeID == originatorNodeID {
			continue
		}
		if f.send(nodeID, frame) {
			delivered++
		}
	}
	return delivered
}

// resolveMessageID applies the stream addressing rules: an explicit
// streamMessageId maps to a per-request derived id, a non-delta event
// establishes a new target for its eventKey, and deltas continue the most
// recent target.
func (f *Fanout) resolveMessageID(ev *protocol.AgentEventPayload) string {
	f.mu.Lock()
	defer f.mu.Unlock()

	rs := f.streams[ev.RequestID]
	if rs == nil {
		rs = &requestStream{targets: make(map[string]string)}
		f.streams[ev.RequestID] = rs
	}

	if ev.StreamMessageID != "" {
		id := derivedMessageID(ev.RequestID, ev.StreamMessageID)
		rs.last = id
		return id
	}

	key := ev.EventKey
	if !ev.IsDelta {
		id := uuid.New().String()
		rs.targets[key] = id
		rs.last = id
		return id
	}
	if id, ok := rs.targets[key]; ok && key != "" {
		rs.last = id
		return id
	}
	if rs.last == "" {
		rs.last = uuid.New().String()
		rs.targets[key] = rs.last
	}
	return rs.last
}

// derivedMessageID produces a stable id for an explicit stream key within a
// request.
func derivedMessageID(requestID, streamMessageID string) string {
	sum := sha256.Sum256([]byte(requestID + ":" + streamMessageID))
	return hex.EncodeToString(sum[:16])
}
