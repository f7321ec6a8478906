package hub

import (
	"context"
	"time"

	"github.com/wingman-ai/wingman/pkg/protocol"
)

// The HTTP bridge gives nodes without a WebSocket the same semantics:
// POST /bridge/send submits frames, GET /bridge/poll drains the ordered
// backlog. Bridge nodes share the mailbox machinery; there is no writer
// goroutine, Poll consumes the mailbox directly.

// ConnectBridge attaches a mailbox for a node registered over the bridge.
// The caller has already authenticated and registered the node.
func (h *Hub) ConnectBridge(nodeID string) {
	c := &nodeConn{
		id:      nodeID,
		mailbox: make(chan protocol.Frame, h.mailboxDepth),
		done:    make(chan struct{}),
		wake:    make(chan struct{}, 1),
	}
	h.mu.Lock()
	h.conns[nodeID] = c
	h.mu.Unlock()
}

// BridgeFrame dispatches a frame submitted via POST /bridge/send as if it
// had arrived on a socket.
func (h *Hub) BridgeFrame(nodeID string, frame *protocol.Frame) error {
	h.mu.RLock()
	c := h.conns[nodeID]
	h.mu.RUnlock()
	if c == nil {
		return protocol.E(protocol.CodeNotConnected, "node %s is not connected", nodeID)
	}
	h.callbacks.Frame(nodeID, frame)
	return nil
}

// Poll drains the node's backlog, waiting up to timeout for the first frame.
// It returns immediately once at least one frame is available.
func (h *Hub) Poll(ctx context.Context, nodeID string, timeout time.Duration) ([]protocol.Frame, error) {
	h.mu.RLock()
	c := h.conns[nodeID]
	h.mu.RUnlock()
	if c == nil || c.ws != nil {
		return nil, protocol.E(protocol.CodeNotConnected, "node %s is not connected via bridge", nodeID)
	}

	frames := c.drain()
	if len(frames) > 0 {
		return frames, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.done:
			return nil, protocol.E(protocol.CodeNotConnected, "node %s disconnected", nodeID)
		case <-timer.C:
			return c.drain(), nil
		case <-c.wake:
			if frames := c.drain(); len(frames) > 0 {
				return frames, nil
			}
		}
	}
}

// drain empties the mailbox without blocking.
func (c *nodeConn) drain() []protocol.Frame {
	var frames []protocol.Frame
	for {
		select {
		case f := <-c.mailbox:
			frames = append(frames, f)
		default:
			return frames
		}
	}
}

// notifyPoll nudges a waiting Poll. No-op for WebSocket nodes.
func (c *nodeConn) notifyPoll() {
	if c.wake == nil {
		return
	}
	select {
	case c.wake <- struct{}{}:
	default:
	}
}
