package gateway

import (
	"github.com/wingman-ai/wingman/pkg/protocol"
)

// dispatch handles every inbound frame after the handshake. Registry-level
// failures become error frames on the offending connection without
// terminating it.
func (g *Gateway) dispatch(nodeID string, f *protocol.Frame) {
	g.frames.Add(1)

	// Heartbeats are exempt from rate limiting so a throttled node cannot
	// be evicted for silence.
	if f.Type == protocol.TypePing {
		g.nodes.Heartbeat(nodeID)
		pong := protocol.New(protocol.TypePong, nil)
		pong.ID = f.ID
		g.hub.Send(nodeID, pong)
		return
	}

	if !g.nodes.RecordMessage(nodeID) {
		g.sendError(nodeID, f.ID, protocol.E(protocol.CodeRateLimited, "message rate limit exceeded"))
		return
	}

	switch f.Type {
	case protocol.TypeRegister:
		g.handleRegister(nodeID, f)
	case protocol.TypeUnregister:
		g.hub.CloseNode(nodeID, nil)
	case protocol.TypeJoinGroup:
		g.handleJoinGroup(nodeID, f)
	case protocol.TypeLeaveGroup:
		g.handleLeaveGroup(nodeID, f)
	case protocol.TypeBroadcast:
		g.handleBroadcast(nodeID, f)
	case protocol.TypeDirect:
		g.handleDirect(nodeID, f)
	case protocol.TypeRequestAgent:
		g.handleAgentRequest(nodeID, f)
	case protocol.TypeRequestAgentCancel:
		g.handleAgentCancel(nodeID, f)
	case protocol.TypeSessionSubscribe:
		g.handleSubscribe(nodeID, f, true)
	case protocol.TypeSessionUnsubscribe:
		g.handleSubscribe(nodeID, f, false)
	default:
		g.sendError(nodeID, f.ID, protocol.E(protocol.CodeInvalid, "unknown frame type %q", f.Type))
	}
}

func (g *Gateway) handleRegister(nodeID string, f *protocol.Frame) {
	var p protocol.RegisterPayload
	if err := f.Decode(&p); err != nil {
		g.sendError(nodeID, f.ID, protocol.E(protocol.CodeInvalid, "malformed register payload"))
		return
	}
	if err := g.nodes.Update(nodeID, p); err != nil {
		g.sendError(nodeID, f.ID, err)
		return
	}
	res := protocol.New(protocol.TypeRegistered, nil)
	res.ID = f.ID
	res.ClientID = nodeID
	g.hub.Send(nodeID, res)
}

func (g *Gateway) handleJoinGroup(nodeID string, f *protocol.Frame) {
	var p protocol.JoinGroupPayload
	if err := f.Decode(&p); err != nil || p.Name == "" {
		g.sendError(nodeID, f.ID, protocol.E(protocol.CodeInvalid, "join_group requires a group name"))
		return
	}
	grp := g.groups.Join(p.Name, p.Strategy, nodeID)
	g.nodes.JoinedGroup(nodeID, grp.ID)

	res := protocol.New(protocol.TypeRes, &protocol.ResPayload{GroupID: grp.ID})
	res.ID = f.ID
	res.GroupID = grp.ID
	ok := true
	res.OK = &ok
	g.hub.Send(nodeID, res)
}

func (g *Gateway) handleLeaveGroup(nodeID string, f *protocol.Frame) {
	if f.GroupID == "" {
		g.sendError(nodeID, f.ID, protocol.E(protocol.CodeInvalid, "leave_group requires groupId"))
		return
	}
	g.groups.Leave(f.GroupID, nodeID)
	g.nodes.LeftGroup(nodeID, f.GroupID)
	g.sendAck(nodeID, f.ID)
}

func (g *Gateway) handleBroadcast(nodeID string, f *protocol.Frame) {
	if f.GroupID == "" {
		g.sendError(nodeID, f.ID, protocol.E(protocol.CodeInvalid, "broadcast requires groupId"))
		return
	}
	if g.groups.Get(f.GroupID) == nil {
		g.sendError(nodeID, f.ID, protocol.E(protocol.CodeNotFound, "group %s not found", f.GroupID))
		return
	}

	relay := *f
	relay.NodeID = nodeID
	g.groups.Broadcast(f.GroupID, nodeID, relay, func(target string, frame protocol.Frame) error {
		if !g.hub.Send(target, frame) {
			return protocol.E(protocol.CodeNotConnected, "node %s gone", target)
		}
		return nil
	})
	g.sendAck(nodeID, f.ID)
}

func (g *Gateway) handleDirect(nodeID string, f *protocol.Frame) {
	if f.TargetNodeID == "" {
		g.sendError(nodeID, f.ID, protocol.E(protocol.CodeInvalid, "direct requires targetNodeId"))
		return
	}
	relay := *f
	relay.NodeID = nodeID
	if !g.hub.Send(f.TargetNodeID, relay) {
		g.sendError(nodeID, f.ID, protocol.E(protocol.CodeNotConnected, "node %s is not connected", f.TargetNodeID))
		return
	}
	g.sendAck(nodeID, f.ID)
}

func (g *Gateway) handleSubscribe(nodeID string, f *protocol.Frame, subscribe bool) {
	var p protocol.SessionSubscribePayload
	if err := f.Decode(&p); err != nil || p.SessionID == "" {
		g.sendError(nodeID, f.ID, protocol.E(protocol.CodeInvalid, "sessionId is required"))
		return
	}
	if subscribe {
		g.subs.Subscribe(nodeID, p.SessionID)
	} else {
		g.subs.Unsubscribe(nodeID, p.SessionID)
	}
	g.sendAck(nodeID, f.ID)
}

func (g *Gateway) sendAck(nodeID, id string) {
	ack := protocol.New(protocol.TypeAck, nil)
	ack.ID = id
	ok := true
	ack.OK = &ok
	g.hub.Send(nodeID, ack)
}

func (g *Gateway) sendError(nodeID, id string, err error) {
	f := protocol.New(protocol.TypeError, protocol.PayloadOf(err))
	f.ID = id
	notOK := false
	f.OK = &notOK
	g.hub.Send(nodeID, f)
}
