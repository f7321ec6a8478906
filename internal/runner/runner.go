// Package runner executes agent requests against the configured backend and
// provides the HTTP and command implementations.
package runner

import (
	"context"
	"fmt"

	"github.com/wingman-ai/wingman/internal/config"
	"github.com/wingman-ai/wingman/pkg/protocol"
)

// Request is one unit of agent work dispatched by the scheduler.
type Request struct {
	RequestID   string
	AgentID     string
	SessionKey  string
	Content     string
	Attachments []protocol.Attachment
}

// StreamEvent is an incremental update emitted while a request runs.
type StreamEvent struct {
	// Chunk of assistant output. Delta chunks extend the current message;
	// non-delta chunks replace it.
	Chunk   string
	IsDelta bool

	// EventKey distinguishes concurrent output streams within one request.
	EventKey        string
	StreamMessageID string

	// Tool lifecycle. When Tool is set the chunk fields are ignored.
	Tool      string
	ToolPhase ToolPhase
	ToolError string
}

// ToolPhase marks a tool lifecycle transition.
type ToolPhase string

const (
	ToolNone  ToolPhase = ""
	ToolStart ToolPhase = "start"
	ToolEnd   ToolPhase = "end"
	ToolError ToolPhase = "error"
)

// Result is the final output of a completed request.
type Result struct {
	Content     string
	Attachments []protocol.Attachment
}

// Runner executes a single agent request. Emit is called for each stream
// event in order; it must not be called after Run returns. Errors with code
// Transient are retried by the scheduler, everything else fails the request.
type Runner interface {
	Run(ctx context.Context, req Request, emit func(StreamEvent)) (*Result, error)
}

// New builds a Runner from an agent's runner configuration.
func New(cfg config.RunnerConfig) (Runner, error) {
	switch cfg.Kind {
	case "http":
		return newHTTPRunner(cfg)
	case "command":
		return newCommandRunner(cfg)
	default:
		return nil, fmt.Errorf("unsupported runner kind: %q", cfg.Kind)
	}
}
