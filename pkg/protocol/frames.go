// Package protocol defines the JSON wire frames exchanged between the Wingman
// gateway and its clients (CLI, web UI, chat adapters, remote peers) over
// WebSocket or the HTTP long-poll bridge.
//
// Every frame shares a common envelope with a "type" field that determines
// the payload structure. Payloads are kept as raw JSON on the envelope and
// decoded per-variant with Decode, so unknown frame types fail loudly instead
// of silently round-tripping through `any`.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Frame is the top-level wire format for all messages.
type Frame struct {
	Type         string          `json:"type"`
	ID           string          `json:"id,omitempty"` // request/response correlation
	NodeID       string          `json:"nodeId,omitempty"`
	ClientID     string          `json:"clientId,omitempty"`
	GroupID      string          `json:"groupId,omitempty"`
	RoomID       string          `json:"roomId,omitempty"`
	TargetNodeID string          `json:"targetNodeId,omitempty"`
	MessageID    string          `json:"messageId,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
	OK           *bool           `json:"ok,omitempty"`
	Auth         *AuthPayload    `json:"auth,omitempty"`
	Client       *ClientInfo     `json:"client,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

// Frame types accepted from clients.
const (
	TypeConnect            = "connect"
	TypeRegister           = "register"
	TypeUnregister         = "unregister"
	TypeJoinGroup          = "join_group"
	TypeLeaveGroup         = "leave_group"
	TypeBroadcast          = "broadcast"
	TypeDirect             = "direct"
	TypePing               = "ping"
	TypeRequestAgent       = "req:agent"
	TypeRequestAgentCancel = "req:agent:cancel"
	TypeSessionSubscribe   = "session_subscribe"
	TypeSessionUnsubscribe = "session_unsubscribe"
)

// Frame types emitted by the gateway.
const (
	TypeRes        = "res"
	TypeRegistered = "registered"
	TypeAck        = "ack"
	TypeAgentEvent = "event:agent"
	TypePong       = "pong"
	TypeError      = "error"
)

// AuthPayload carries credentials on the connect frame.
type AuthPayload struct {
	Token    string `json:"token,omitempty"`
	Password string `json:"password,omitempty"`
}

// ClientInfo describes the connecting client.
type ClientInfo struct {
	Name         string   `json:"name,omitempty"`
	Version      string   `json:"version,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// RegisterPayload updates a node's descriptor after connect.
type RegisterPayload struct {
	Name         string   `json:"name,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	SessionID    string   `json:"sessionId,omitempty"`
	AgentName    string   `json:"agentName,omitempty"`
}

// JoinGroupPayload joins (and lazily creates) a named group.
type JoinGroupPayload struct {
	Name     string `json:"name"`
	Strategy string `json:"strategy,omitempty"` // "parallel" (default) or "sequential"
}

// ResPayload is the generic reply body for TypeRes frames.
type ResPayload struct {
	ClientID string `json:"clientId,omitempty"`
	GroupID  string `json:"groupId,omitempty"`
	Token    string `json:"token,omitempty"` // bridge node token
	Detail   string `json:"detail,omitempty"`
}

// Peer identifies the remote participant of a routed conversation.
type Peer struct {
	Kind string `json:"kind"` // "dm", "channel", "thread", ...
	ID   string `json:"id"`
}

// Routing is the logical address an agent request arrived from.
type Routing struct {
	Channel   string `json:"channel,omitempty"`
	AccountID string `json:"accountId,omitempty"`
	GuildID   string `json:"guildId,omitempty"`
	TeamID    string `json:"teamId,omitempty"`
	ThreadID  string `json:"threadId,omitempty"`
	Peer      *Peer  `json:"peer,omitempty"`
}

// Attachment is a piece of media attached to a message.
type Attachment struct {
	Kind     string `json:"kind"` // "image", "audio", "file"
	DataURL  string `json:"dataUrl,omitempty"`
	Path     string `json:"path,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Name     string `json:"name,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// AgentRequestPayload asks the gateway to run an agent.
type AgentRequestPayload struct {
	AgentID     string       `json:"agentId,omitempty"`
	Content     string       `json:"content,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Routing     *Routing     `json:"routing,omitempty"`
	SessionKey  string       `json:"sessionKey,omitempty"`
	QueueIfBusy *bool        `json:"queueIfBusy,omitempty"`
}

// AgentCancelPayload cancels an in-flight agent request.
type AgentCancelPayload struct {
	RequestID string `json:"requestId"`
}

// SessionSubscribePayload subscribes the node to a session's lifecycle events.
type SessionSubscribePayload struct {
	SessionID string `json:"sessionId"`
}

// Lifecycle event subtypes carried in AgentEventPayload.Type.
const (
	EventAgentStart    = "agent-start"
	EventRequestQueued = "request-queued"
	EventAgentStream   = "agent-stream"
	EventToolStart     = "tool-start"
	EventToolEnd       = "tool-end"
	EventToolError     = "tool-error"
	EventAgentComplete = "agent-complete"
	EventAgentError    = "agent-error"
)

// AgentEventPayload is one lifecycle event of an agent request.
type AgentEventPayload struct {
	Type       string `json:"type"`
	RequestID  string `json:"requestId"`
	AgentID    string `json:"agentId,omitempty"`
	SessionID  string `json:"sessionId,omitempty"`
	SessionKey string `json:"sessionKey,omitempty"`

	// agent-stream fields.
	Chunk           string `json:"chunk,omitempty"`
	MessageID       string `json:"messageId,omitempty"`
	IsDelta         bool   `json:"isDelta,omitempty"`
	EventKey        string `json:"eventKey,omitempty"`
	StreamMessageID string `json:"streamMessageId,omitempty"`

	// tool-* fields.
	Tool string `json:"tool,omitempty"`

	// Terminal fields.
	Content     string        `json:"content,omitempty"` // final text on agent-complete
	Attachments []Attachment  `json:"attachments,omitempty"`
	Error       *ErrorPayload `json:"error,omitempty"`

	// request-queued fields.
	QueuePosition int `json:"queuePosition,omitempty"`
}

// Terminal reports whether this event ends the request's lifecycle.
func (e *AgentEventPayload) Terminal() bool {
	return e.Type == EventAgentComplete || e.Type == EventAgentError
}

// ErrorPayload is the body of error frames and terminal agent-error events.
type ErrorPayload struct {
	Code    ErrorCode       `json:"code"`
	Message string          `json:"message"`
	Details json.RawMessage `json:"details,omitempty"`
}

// New builds a frame with the payload marshaled in place.
// A nil payload leaves the payload field empty.
func New(frameType string, payload any) Frame {
	f := Frame{Type: frameType, Timestamp: time.Now()}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err == nil {
			f.Payload = data
		}
	}
	return f
}

// Decode unmarshals the frame payload into dst.
func (f *Frame) Decode(dst any) error {
	if len(f.Payload) == 0 {
		return fmt.Errorf("frame %q has no payload", f.Type)
	}
	if err := json.Unmarshal(f.Payload, dst); err != nil {
		return fmt.Errorf("decode %q payload: %w", f.Type, err)
	}
	return nil
}

// Encode marshals the frame to its wire form.
func (f Frame) Encode() ([]byte, error) {
	return json.Marshal(f)
}
