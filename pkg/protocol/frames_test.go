package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	f := New(TypeRequestAgent, &AgentRequestPayload{
		AgentID: "assistant",
		Content: "hello",
		Routing: &Routing{Channel: "discord", Peer: &Peer{Kind: "channel", ID: "c1"}},
	})
	f.ID = "req-1"
	f.NodeID = "node-1"

	data, err := f.Encode()
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}

	var decoded Frame
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	if decoded.Type != TypeRequestAgent || decoded.ID != "req-1" || decoded.NodeID != "node-1" {
		t.Errorf("envelope mismatch: %+v", decoded)
	}

	var payload AgentRequestPayload
	if err := decoded.Decode(&payload); err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if payload.AgentID != "assistant" || payload.Content != "hello" {
		t.Errorf("payload mismatch: %+v", payload)
	}
	if payload.Routing == nil || payload.Routing.Peer.ID != "c1" {
		t.Errorf("routing not preserved: %+v", payload.Routing)
	}
}

func TestDecodeEmptyPayload(t *testing.T) {
	f := New(TypePing, nil)
	var dst RegisterPayload
	if err := f.Decode(&dst); err == nil {
		t.Error("Decode() on empty payload should fail")
	}
}

func TestTerminal(t *testing.T) {
	tests := []struct {
		eventType string
		want      bool
	}{
		{EventAgentStart, false},
		{EventRequestQueued, false},
		{EventAgentStream, false},
		{EventToolStart, false},
		{EventAgentComplete, true},
		{EventAgentError, true},
	}
	for _, tt := range tests {
		ev := AgentEventPayload{Type: tt.eventType}
		if got := ev.Terminal(); got != tt.want {
			t.Errorf("Terminal(%s) = %v, want %v", tt.eventType, got, tt.want)
		}
	}
}

func TestErrorCodes(t *testing.T) {
	err := E(CodeBusy, "agent is busy for session %s", "s1")
	if !IsCode(err, CodeBusy) {
		t.Error("IsCode(CodeBusy) = false")
	}
	if CodeOf(err) != CodeBusy {
		t.Errorf("CodeOf() = %s, want Busy", CodeOf(err))
	}
	if Retryable(err) {
		t.Error("Busy should not be retryable")
	}
	if !Retryable(E(CodeTransient, "backend down")) {
		t.Error("Transient should be retryable")
	}
	if CodeOf(errors.New("plain")) != CodeInternal {
		t.Errorf("uncoded error should map to Internal, got %s", CodeOf(errors.New("plain")))
	}
}

func TestWrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(CodeTransient, cause, "agent backend unreachable")
	if !errors.Is(err, cause) {
		t.Error("Wrap() should preserve the cause chain")
	}
	if !IsCode(err, CodeTransient) {
		t.Errorf("Wrap() code = %s, want Transient", CodeOf(err))
	}
	if Wrap(CodeInternal, nil, "ignored") != nil {
		t.Error("Wrap(nil) should be nil")
	}
}

func TestPayloadOf(t *testing.T) {
	p := PayloadOf(E(CodeNotFound, "no agent available"))
	if p.Code != CodeNotFound || p.Message != "no agent available" {
		t.Errorf("PayloadOf() = %+v", p)
	}

	p = PayloadOf(errors.New("boom"))
	if p.Code != CodeInternal {
		t.Errorf("uncoded PayloadOf() code = %s, want Internal", p.Code)
	}
}
