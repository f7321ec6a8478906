package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/wingman-ai/wingman/pkg/protocol"
)

// The HTTP bridge mirrors the WebSocket protocol for clients that cannot
// hold a socket. A connect frame POSTed to /bridge/send performs the
// handshake and returns a node token; subsequent sends and polls identify
// themselves with X-Node-ID plus that token.

func (s *Server) handleBridgeSend(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Gateway.MaxFrameBytes)
	var frame protocol.Frame
	if err := json.NewDecoder(r.Body).Decode(&frame); err != nil {
		writeCodedError(w, protocol.E(protocol.CodeInvalid, "malformed frame"))
		return
	}

	if frame.Type == protocol.TypeConnect {
		s.bridgeConnect(w, r, &frame)
		return
	}

	nodeID, err := s.bridgeIdentity(r)
	if err != nil {
		writeCodedError(w, err)
		return
	}
	if err := s.hub.BridgeFrame(nodeID, &frame); err != nil {
		writeCodedError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"ok": true})
}

// bridgeConnect runs the handshake for a bridge node and mints its token.
func (s *Server) bridgeConnect(w http.ResponseWriter, r *http.Request, frame *protocol.Frame) {
	if err := s.auth.Authenticate(r.RemoteAddr, r.Header, frame.Auth); err != nil {
		writeCodedError(w, err)
		return
	}

	nodeID, err := s.core.ConnectNode(frame.Client)
	if err != nil {
		writeCodedError(w, err)
		return
	}
	s.hub.ConnectBridge(nodeID)

	token, err := s.bridgeTokens.Mint(nodeID)
	if err != nil {
		s.logger.Error("mint bridge token failed", "error", err)
		writeCodedError(w, protocol.E(protocol.CodeInternal, "token generation failed"))
		return
	}

	res := protocol.New(protocol.TypeRes, &protocol.ResPayload{ClientID: nodeID, Token: token})
	res.ID = frame.ID
	res.ClientID = nodeID
	ok := true
	res.OK = &ok
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleBridgePoll(w http.ResponseWriter, r *http.Request) {
	nodeID, err := s.bridgeIdentity(r)
	if err != nil {
		writeCodedError(w, err)
		return
	}

	frames, err := s.hub.Poll(r.Context(), nodeID, s.cfg.Gateway.PollTimeout.Duration)
	if err != nil {
		if r.Context().Err() != nil {
			return // client went away mid-poll
		}
		writeCodedError(w, err)
		return
	}
	if frames == nil {
		frames = []protocol.Frame{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"frames": frames})
}

// bridgeIdentity extracts and validates the node identity headers.
func (s *Server) bridgeIdentity(r *http.Request) (string, error) {
	nodeID := r.Header.Get("X-Node-ID")
	if nodeID == "" {
		return "", protocol.E(protocol.CodeInvalid, "missing X-Node-ID header")
	}
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", protocol.E(protocol.CodeUnauthorized, "missing bridge token")
	}
	if err := s.bridgeTokens.Validate(authHeader[7:], nodeID); err != nil {
		return "", err
	}
	return nodeID, nil
}
