// Package hub owns client transports: WebSocket connections and HTTP bridge
// mailboxes. It performs the connect handshake and hands every subsequent
// frame to the dispatcher.
package hub

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/wingman-ai/wingman/pkg/protocol"
)

const (
	handshakeTimeout = 10 * time.Second
	closeWriteWindow = 5 * time.Second
)

// makeUpgrader creates a WebSocket upgrader with origin checking.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return originSet[origin]
		},
	}
}

// Callbacks connect the hub to the rest of the gateway. Authenticate and
// Connect run during the handshake; Frame runs for every inbound frame after
// it; Disconnect runs exactly once when a node's transport goes away.
type Callbacks struct {
	Authenticate func(source string, header http.Header, creds *protocol.AuthPayload) error
	Connect      func(client *protocol.ClientInfo) (nodeID string, err error)
	Frame        func(nodeID string, frame *protocol.Frame)
	Disconnect   func(nodeID string)
}

// Options configures the hub transport limits.
type Options struct {
	AllowedOrigins []string
	MaxFrameBytes  int64
	MailboxDepth   int
}

// Hub manages node transports and outbound mailboxes.
type Hub struct {
	logger        *slog.Logger
	upgrader      websocket.Upgrader
	callbacks     Callbacks
	maxFrameBytes int64
	mailboxDepth  int

	mu    sync.RWMutex
	conns map[string]*nodeConn
}

// nodeConn is one connected node. ws is nil for bridge (long-poll) nodes,
// whose mailbox is drained by Poll instead of a writer goroutine.
type nodeConn struct {
	id      string
	ws      *websocket.Conn
	mailbox chan protocol.Frame
	done    chan struct{}
	once    sync.Once
	wake    chan struct{} // poll wakeup for bridge nodes

	// sendMu serializes mailbox admission so the overflow shuffle in Send
	// cannot interleave with another sender.
	sendMu sync.Mutex
	// final is the last frame the writer goroutine sends before closing the
	// socket. Set inside once, before done closes.
	final *protocol.Frame
}

// shutdown marks the connection closed. The optional reason becomes the final
// frame the writer flushes before the socket goes down.
func (c *nodeConn) shutdown(reason error) {
	c.once.Do(func() {
		if reason != nil {
			f := errorFrame("", reason)
			c.final = &f
		}
		close(c.done)
	})
}

// New creates a hub.
func New(logger *slog.Logger, callbacks Callbacks, opts Options) *Hub {
	if opts.MaxFrameBytes <= 0 {
		opts.MaxFrameBytes = 1024 * 1024
	}
	if opts.MailboxDepth <= 0 {
		opts.MailboxDepth = 256
	}
	return &Hub{
		logger:        logger.With("component", "hub"),
		upgrader:      makeUpgrader(opts.AllowedOrigins),
		callbacks:     callbacks,
		maxFrameBytes: opts.MaxFrameBytes,
		mailboxDepth:  opts.MailboxDepth,
		conns:         make(map[string]*nodeConn),
	}
}

// HandleWS upgrades the request and runs the connection until it closes.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer func() { _ = ws.Close() }()

	ws.SetReadLimit(h.maxFrameBytes)

	nodeID, ok := h.handshake(ws, r)
	if !ok {
		return
	}

	c := &nodeConn{
		id:      nodeID,
		ws:      ws,
		mailbox: make(chan protocol.Frame, h.mailboxDepth),
		done:    make(chan struct{}),
	}
	h.mu.Lock()
	h.conns[nodeID] = c
	h.mu.Unlock()

	go c.writeLoop(h.logger)
	h.readLoop(c)
	h.retire(c, nil)
}

// handshake reads the connect frame, authenticates and registers the node.
// On success it replies res{ok:true, clientId} and returns the node ID.
func (h *Hub) handshake(ws *websocket.Conn, r *http.Request) (string, bool) {
	_ = ws.SetReadDeadline(time.Now().Add(handshakeTimeout))
	_, data, err := ws.ReadMessage()
	if err != nil {
		h.logger.Warn("handshake read failed", "error", err)
		return "", false
	}
	_ = ws.SetReadDeadline(time.Time{})

	var frame protocol.Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		h.writeDirect(ws, errorFrame("", protocol.E(protocol.CodeInvalid, "malformed connect frame")))
		return "", false
	}
	if frame.Type != protocol.TypeConnect {
		h.writeDirect(ws, errorFrame(frame.ID, protocol.E(protocol.CodeInvalid, "expected connect, got %q", frame.Type)))
		return "", false
	}

	if err := h.callbacks.Authenticate(r.RemoteAddr, r.Header, frame.Auth); err != nil {
		h.writeDirect(ws, errorFrame(frame.ID, err))
		return "", false
	}

	nodeID, err := h.callbacks.Connect(frame.Client)
	if err != nil {
		h.writeDirect(ws, errorFrame(frame.ID, err))
		return "", false
	}

	res := protocol.New(protocol.TypeRes, &protocol.ResPayload{ClientID: nodeID})
	res.ID = frame.ID
	res.ClientID = nodeID
	ok := true
	res.OK = &ok
	h.writeDirect(ws, res)
	return nodeID, true
}

func (h *Hub) readLoop(c *nodeConn) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				h.logger.Warn("frame too large, closing", "nodeId", c.id)
				h.retire(c, protocol.E(protocol.CodeFrameTooLarge,
					"frame exceeds %d bytes", h.maxFrameBytes))
			}
			return
		}

		var frame protocol.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			h.Send(c.id, errorFrame("", protocol.E(protocol.CodeInvalid, "malformed frame")))
			continue
		}
		h.callbacks.Frame(c.id, &frame)
	}
}

// retire removes the node and shuts its transport down. Whoever removes the
// conn from the map fires the Disconnect callback, so it runs exactly once
// even when close paths race.
func (h *Hub) retire(c *nodeConn, reason error) {
	h.mu.Lock()
	removed := h.conns[c.id] == c
	if removed {
		delete(h.conns, c.id)
	}
	h.mu.Unlock()

	c.shutdown(reason)
	c.notifyPoll()
	if removed {
		h.callbacks.Disconnect(c.id)
	}
}

// writeLoop is the connection's only socket writer after the handshake. On
// shutdown it flushes pending frames and the close reason, then closes the
// socket.
func (c *nodeConn) writeLoop(logger *slog.Logger) {
	defer func() { _ = c.ws.Close() }()
	for {
		select {
		case frame := <-c.mailbox:
			data, err := frame.Encode()
			if err != nil {
				logger.Warn("encode outbound frame failed", "nodeId", c.id, "error", err)
				continue
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-c.done:
			c.flush()
			return
		}
	}
}

// flush drains the mailbox and sends the final frame under one short write
// window, so a dead peer cannot stall teardown.
func (c *nodeConn) flush() {
	_ = c.ws.SetWriteDeadline(time.Now().Add(closeWriteWindow))
	for {
		select {
		case frame := <-c.mailbox:
			data, err := frame.Encode()
			if err != nil {
				continue
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		default:
			if c.final != nil {
				if data, err := c.final.Encode(); err == nil {
					_ = c.ws.WriteMessage(websocket.TextMessage, data)
				}
			}
			return
		}
	}
}

// Send enqueues a frame to a node's mailbox. A full mailbox drops the oldest
// pending non-lifecycle frame to make room; when only lifecycle frames would
// be dropped the connection is closed with Backpressure instead.
func (h *Hub) Send(nodeID string, frame protocol.Frame) bool {
	h.mu.RLock()
	c := h.conns[nodeID]
	h.mu.RUnlock()
	if c == nil {
		return false
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.mailbox <- frame:
		c.notifyPoll()
		return true
	default:
	}

	// Overflow. Drain the mailbox to find the oldest non-lifecycle frame;
	// sendMu keeps other senders out while the consumer draining concurrently
	// only makes room.
	pending := make([]protocol.Frame, 0, cap(c.mailbox))
drained:
	for {
		select {
		case f := <-c.mailbox:
			pending = append(pending, f)
		default:
			break drained
		}
	}

	dropIdx := -1
	for i, f := range pending {
		if f.Type != protocol.TypeAgentEvent {
			dropIdx = i
			break
		}
	}

	switch {
	case dropIdx >= 0:
		h.logger.Debug("mailbox overflow, dropped frame",
			"nodeId", nodeID, "type", pending[dropIdx].Type)
		pending = append(pending[:dropIdx], pending[dropIdx+1:]...)
		pending = append(pending, frame)
		c.requeue(pending)
		c.notifyPoll()
		return true

	case frame.Type != protocol.TypeAgentEvent:
		// Everything pending is lifecycle; the new frame is the one that
		// gives way.
		h.logger.Debug("mailbox overflow, dropped frame", "nodeId", nodeID, "type", frame.Type)
		c.requeue(pending)
		return false

	default:
		c.requeue(pending)
		h.logger.Warn("mailbox overflow on lifecycle frame, closing", "nodeId", nodeID)
		h.retire(c, protocol.E(protocol.CodeBackpressure, "outbound mailbox overflow"))
		return false
	}
}

// requeue puts drained frames back in order. The caller holds sendMu and the
// frames came out of the same mailbox, so they always fit.
func (c *nodeConn) requeue(frames []protocol.Frame) {
	for _, f := range frames {
		c.mailbox <- f
	}
}

// Broadcast sends the frame to every listed node and counts successes.
func (h *Hub) Broadcast(nodeIDs []string, frame protocol.Frame) int {
	n := 0
	for _, id := range nodeIDs {
		if h.Send(id, frame) {
			n++
		}
	}
	return n
}

// CloseNode tears the connection down; a non-nil reason is delivered as the
// last frame through the writer goroutine. Idempotent.
func (h *Hub) CloseNode(nodeID string, reason error) {
	h.mu.RLock()
	c := h.conns[nodeID]
	h.mu.RUnlock()
	if c == nil {
		return
	}
	h.retire(c, reason)
}

// Connected reports whether the node currently has a transport.
func (h *Hub) Connected(nodeID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.conns[nodeID] != nil
}

// writeDirect synchronously writes a frame. Only the handshake may use this:
// once the writer goroutine starts it is the sole socket writer.
func (h *Hub) writeDirect(ws *websocket.Conn, frame protocol.Frame) {
	data, err := frame.Encode()
	if err != nil {
		return
	}
	_ = ws.SetWriteDeadline(time.Now().Add(closeWriteWindow))
	_ = ws.WriteMessage(websocket.TextMessage, data)
	_ = ws.SetWriteDeadline(time.Time{})
}

func errorFrame(id string, err error) protocol.Frame {
	f := protocol.New(protocol.TypeError, protocol.PayloadOf(err))
	f.ID = id
	notOK := false
	f.OK = &notOK
	return f
}
