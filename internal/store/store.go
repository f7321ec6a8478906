// Package store persists sessions and their message logs, and provides the
// SQLite and PostgreSQL implementations.
package store

import (
	"context"
	"time"
	"unicode/utf8"

	"github.com/wingman-ai/wingman/pkg/protocol"
)

// Store is the session persistence contract.
type Store interface {
	// CreateSession is idempotent: when a session with the given ID already
	// exists it is returned unchanged.
	CreateSession(ctx context.Context, agentID, id, name string) (*Session, error)
	GetSession(ctx context.Context, id string) (*Session, error)
	// ListSessions returns sessions sorted by UpdatedAt descending; an empty
	// agentID lists all agents.
	ListSessions(ctx context.Context, agentID string) ([]Session, error)
	GetLastSession(ctx context.Context, agentID string) (*Session, error)
	DeleteSession(ctx context.Context, id string) error
	SetSessionMetadata(ctx context.Context, id string, metadata map[string]string) error

	// AppendMessage advances UpdatedAt and, for non-hidden messages, the
	// session's MessageCount and LastMessagePreview.
	AppendMessage(ctx context.Context, msg *Message) error
	GetMessages(ctx context.Context, sessionID string) ([]Message, error)
	// ClearMessages removes the log and resets counters but keeps the
	// session row.
	ClearMessages(ctx context.Context, sessionID string) error

	Ping(ctx context.Context) error
	Close() error
}

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
	RoleSystem    = "system"
)

// Session is a durable conversation keyed by its derived session key.
type Session struct {
	ID                 string            `json:"id"`
	AgentID            string            `json:"agentId"`
	Name               string            `json:"name,omitempty"`
	CreatedAt          time.Time         `json:"createdAt"`
	UpdatedAt          time.Time         `json:"updatedAt"`
	MessageCount       int64             `json:"messageCount"`
	LastMessagePreview string            `json:"lastMessagePreview,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
}

// Message is one entry in a session's transcript. Seq is assigned atomically
// per session on append and breaks CreatedAt ties.
type Message struct {
	ID          string                `json:"id"`
	SessionID   string                `json:"sessionId"`
	Seq         int64                 `json:"seq"`
	Role        string                `json:"role"`
	Content     string                `json:"content"`
	Attachments []protocol.Attachment `json:"attachments,omitempty"`
	Hidden      bool                  `json:"hidden,omitempty"`
	CreatedAt   time.Time             `json:"createdAt"`
}

// preview returns the truncated text used for LastMessagePreview. The cut
// backs up to a rune boundary so multi-byte characters are never split.
func preview(content string) string {
	const max = 120
	if len(content) <= max {
		return content
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(content[cut]) {
		cut--
	}
	return content[:cut]
}
