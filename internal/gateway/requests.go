package gateway

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/wingman-ai/wingman/internal/runner"
	"github.com/wingman-ai/wingman/internal/scheduler"
	"github.com/wingman-ai/wingman/internal/store"
	"github.com/wingman-ai/wingman/pkg/protocol"
)

const persistTimeout = 10 * time.Second

// handleAgentRequest resolves routing and submits the request to the
// scheduler. The session and inbound message are persisted by the task's
// Prepare step, so a Busy or Conflict rejection leaves no trace in the store.
func (g *Gateway) handleAgentRequest(nodeID string, f *protocol.Frame) {
	var p protocol.AgentRequestPayload
	if err := f.Decode(&p); err != nil {
		g.sendError(nodeID, f.ID, protocol.E(protocol.CodeInvalid, "malformed agent request"))
		return
	}

	g.agentsMu.RLock()
	agentID, sessionKey := g.resolver.Resolve(&p)
	_, known := g.runners[agentID]
	g.agentsMu.RUnlock()
	if agentID == "" || !known {
		g.sendError(nodeID, f.ID, protocol.E(protocol.CodeNotFound, "no agent available for request"))
		return
	}

	requestID := f.ID
	if requestID == "" {
		requestID = uuid.New().String()
	}

	queueIfBusy := p.QueueIfBusy == nil || *p.QueueIfBusy
	task := &scheduler.Task{
		RequestID:   requestID,
		NodeID:      nodeID,
		AgentID:     agentID,
		SessionKey:  sessionKey,
		SessionID:   sessionKey,
		Content:     p.Content,
		Attachments: p.Attachments,
		QueueIfBusy: queueIfBusy,
		Prepare: func(ctx context.Context) error {
			return g.persistUserMessage(ctx, agentID, sessionKey, &p)
		},
	}
	if err := g.sched.Submit(task); err != nil {
		g.sendError(nodeID, f.ID, err)
		return
	}

	res := protocol.New(protocol.TypeRes, &protocol.ResPayload{Detail: requestID})
	res.ID = f.ID
	ok := true
	res.OK = &ok
	g.hub.Send(nodeID, res)
}

// persistUserMessage ensures the session exists and appends the inbound user
// message. It runs as the task's Prepare step, ahead of the agent-start event
// and the first runner attempt.
func (g *Gateway) persistUserMessage(ctx context.Context, agentID, sessionKey string, p *protocol.AgentRequestPayload) error {
	ctx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()
	if _, err := g.store.CreateSession(ctx, agentID, sessionKey, ""); err != nil {
		g.logger.Error("create session failed", "sessionKey", sessionKey, "error", err)
		return protocol.E(protocol.CodeInternal, "session persistence unavailable")
	}
	userMsg := &store.Message{
		ID:          uuid.New().String(),
		SessionID:   sessionKey,
		Role:        store.RoleUser,
		Content:     p.Content,
		Attachments: p.Attachments,
	}
	if err := g.store.AppendMessage(ctx, userMsg); err != nil {
		g.logger.Error("persist user message failed", "sessionKey", sessionKey, "error", err)
		return protocol.E(protocol.CodeInternal, "session persistence unavailable")
	}
	return nil
}

func (g *Gateway) handleAgentCancel(nodeID string, f *protocol.Frame) {
	var p protocol.AgentCancelPayload
	if err := f.Decode(&p); err != nil || p.RequestID == "" {
		g.sendError(nodeID, f.ID, protocol.E(protocol.CodeInvalid, "requestId is required"))
		return
	}
	g.sched.Cancel(p.RequestID)
	g.sendAck(nodeID, f.ID)
}

// executeTask performs one attempt of an agent request: invoke the runner,
// stream events, persist the assistant reply and publish agent-complete.
func (g *Gateway) executeTask(ctx context.Context, t *scheduler.Task) error {
	g.agentsMu.RLock()
	run, ok := g.runners[t.AgentID]
	g.agentsMu.RUnlock()
	if !ok {
		return protocol.E(protocol.CodeNotFound, "agent %s no longer configured", t.AgentID)
	}

	emit := func(ev runner.StreamEvent) {
		g.fan.Publish(t.NodeID, streamEventPayload(t, ev))
	}

	result, err := run.Run(ctx, runner.Request{
		RequestID:   t.RequestID,
		AgentID:     t.AgentID,
		SessionKey:  t.SessionKey,
		Content:     t.Content,
		Attachments: t.Attachments,
	}, emit)
	if err != nil {
		return err
	}

	msg := &store.Message{
		ID:          uuid.New().String(),
		SessionID:   t.SessionID,
		Role:        store.RoleAssistant,
		Content:     result.Content,
		Attachments: result.Attachments,
	}
	if err := g.blobs.PersistAssistantImages(msg); err != nil {
		g.logger.Warn("persist assistant attachments failed", "requestId", t.RequestID, "error", err)
	}

	persistCtx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := g.store.AppendMessage(persistCtx, msg); err != nil {
		g.logger.Error("persist assistant message failed", "requestId", t.RequestID, "error", err)
		return protocol.E(protocol.CodeInternal, "failed to persist assistant message")
	}

	g.fan.Publish(t.NodeID, protocol.AgentEventPayload{
		Type:        protocol.EventAgentComplete,
		RequestID:   t.RequestID,
		AgentID:     t.AgentID,
		SessionID:   t.SessionID,
		SessionKey:  t.SessionKey,
		Content:     result.Content,
		Attachments: msg.Attachments,
	})
	return nil
}

// streamEventPayload converts a runner stream event into its wire form.
func streamEventPayload(t *scheduler.Task, ev runner.StreamEvent) protocol.AgentEventPayload {
	p := protocol.AgentEventPayload{
		RequestID:  t.RequestID,
		AgentID:    t.AgentID,
		SessionID:  t.SessionID,
		SessionKey: t.SessionKey,
	}
	switch ev.ToolPhase {
	case runner.ToolStart:
		p.Type = protocol.EventToolStart
		p.Tool = ev.Tool
	case runner.ToolEnd:
		p.Type = protocol.EventToolEnd
		p.Tool = ev.Tool
	case runner.ToolError:
		p.Type = protocol.EventToolError
		p.Tool = ev.Tool
		p.Error = &protocol.ErrorPayload{Code: protocol.CodeInternal, Message: ev.ToolError}
	default:
		p.Type = protocol.EventAgentStream
		p.Chunk = ev.Chunk
		p.IsDelta = ev.IsDelta
		p.EventKey = ev.EventKey
		p.StreamMessageID = ev.StreamMessageID
	}
	return p
}

// --- scheduler hooks ---

func (g *Gateway) onQueued(t *scheduler.Task, position int) {
	g.fan.Publish(t.NodeID, protocol.AgentEventPayload{
		Type:          protocol.EventRequestQueued,
		RequestID:     t.RequestID,
		AgentID:       t.AgentID,
		SessionID:     t.SessionID,
		SessionKey:    t.SessionKey,
		QueuePosition: position,
	})
}

func (g *Gateway) onStart(t *scheduler.Task) {
	g.fan.Publish(t.NodeID, protocol.AgentEventPayload{
		Type:       protocol.EventAgentStart,
		RequestID:  t.RequestID,
		AgentID:    t.AgentID,
		SessionID:  t.SessionID,
		SessionKey: t.SessionKey,
	})
}

func (g *Gateway) onRetry(t *scheduler.Task, attempt int, err error, delay time.Duration) {
	g.logger.Warn("retrying agent request",
		"requestId", t.RequestID, "attempt", attempt, "delay", delay, "error", err)
}

func (g *Gateway) onDone(t *scheduler.Task, err error) {
	if err == nil {
		return // agent-complete already published by executeTask
	}
	g.fan.Publish(t.NodeID, protocol.AgentEventPayload{
		Type:       protocol.EventAgentError,
		RequestID:  t.RequestID,
		AgentID:    t.AgentID,
		SessionID:  t.SessionID,
		SessionKey: t.SessionKey,
		Error:      protocol.PayloadOf(err),
	})
}
