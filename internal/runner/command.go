package runner

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/wingman-ai/wingman/internal/config"
	"github.com/wingman-ai/wingman/pkg/protocol"
)

// commandRunner spawns a process per request. The request is written to the
// process's stdin as a single JSON line and the process answers with
// JSON-Lines events on stdout until it exits.
type commandRunner struct {
	command string
	args    []string
	workDir string
	env     map[string]string
}

func newCommandRunner(cfg config.RunnerConfig) (*commandRunner, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("command runner: missing command")
	}
	return &commandRunner{
		command: cfg.Command,
		args:    cfg.Args,
		workDir: cfg.WorkDir,
		env:     cfg.Env,
	}, nil
}

// commandMsg is the JSON-Lines message format between the gateway and the
// runner process. The gateway sends one "request" line; the process emits
// "chunk", "tool" and finally "complete" or "error".
type commandMsg struct {
	Type            string                `json:"type"`
	RequestID       string                `json:"request_id,omitempty"`
	AgentID         string                `json:"agent_id,omitempty"`
	SessionKey      string                `json:"session_key,omitempty"`
	Content         string                `json:"content,omitempty"`
	Delta           *bool                 `json:"delta,omitempty"`
	EventKey        string                `json:"event_key,omitempty"`
	StreamMessageID string                `json:"stream_message_id,omitempty"`
	Tool            string                `json:"tool,omitempty"`
	Phase           string                `json:"phase,omitempty"`
	Error           string                `json:"error,omitempty"`
	Retryable       bool                  `json:"retryable,omitempty"`
	Attachments     []protocol.Attachment `json:"attachments,omitempty"`
}

func (r *commandRunner) Run(ctx context.Context, req Request, emit func(StreamEvent)) (*Result, error) {
	cmd := exec.CommandContext(ctx, r.command, r.args...)
	configureProcessGroup(cmd)
	cmd.WaitDelay = 3 * time.Second
	if r.workDir != "" {
		cmd.Dir = r.workDir
	}
	cmd.Env = os.Environ()
	for k, v := range r.env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, protocol.Wrap(protocol.CodeTransient, err, "start runner process")
	}

	line, err := json.Marshal(commandMsg{
		Type:        "request",
		RequestID:   req.RequestID,
		AgentID:     req.AgentID,
		SessionKey:  req.SessionKey,
		Content:     req.Content,
		Attachments: req.Attachments,
	})
	if err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, fmt.Errorf("encode request: %w", err)
	}
	line = append(line, '\n')
	if _, err := stdin.Write(line); err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, protocol.Wrap(protocol.CodeTransient, err, "write to runner process")
	}
	_ = stdin.Close()

	result, runErr := r.readEvents(stdout, emit)

	waitErr := cmd.Wait()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if runErr != nil {
		return nil, runErr
	}
	if waitErr != nil {
		return nil, protocol.Wrap(protocol.CodeTransient, waitErr, "runner process failed")
	}
	if result == nil {
		return nil, protocol.E(protocol.CodeTransient, "runner process exited without a result")
	}
	return result, nil
}

func (r *commandRunner) readEvents(stdout io.Reader, emit func(StreamEvent)) (*Result, error) {
	var (
		result *Result
		full   strings.Builder
	)
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var msg commandMsg
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "chunk":
			delta := msg.Delta == nil || *msg.Delta
			if delta {
				full.WriteString(msg.Content)
			} else {
				full.Reset()
				full.WriteString(msg.Content)
			}
			emit(StreamEvent{
				Chunk:           msg.Content,
				IsDelta:         delta,
				EventKey:        msg.EventKey,
				StreamMessageID: msg.StreamMessageID,
			})
		case "tool":
			emit(StreamEvent{
				Tool:      msg.Tool,
				ToolPhase: ToolPhase(msg.Phase),
				ToolError: msg.Error,
				EventKey:  msg.EventKey,
			})
		case "complete":
			content := msg.Content
			if content == "" {
				content = full.String()
			}
			result = &Result{Content: content, Attachments: msg.Attachments}
		case "error":
			if msg.Retryable {
				return nil, protocol.E(protocol.CodeTransient, "runner error: %s", msg.Error)
			}
			return nil, protocol.E(protocol.CodeInternal, "runner error: %s", msg.Error)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, protocol.Wrap(protocol.CodeTransient, err, "read runner output")
	}
	return result, nil
}
