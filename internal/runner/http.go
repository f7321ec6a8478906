package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/wingman-ai/wingman/internal/config"
	"github.com/wingman-ai/wingman/pkg/protocol"
)

// httpRunner posts each request to a backend URL and streams the response
// body back as delta chunks. The accumulated body is the final result.
type httpRunner struct {
	url     string
	method  string
	headers map[string]string
	client  *http.Client
}

func newHTTPRunner(cfg config.RunnerConfig) (*httpRunner, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("http runner: missing url")
	}
	method := cfg.Method
	if method == "" {
		method = http.MethodPost
	}
	timeout := 60 * time.Second
	if cfg.Timeout.Duration > 0 {
		timeout = cfg.Timeout.Duration
	}
	return &httpRunner{
		url:     cfg.URL,
		method:  method,
		headers: cfg.Headers,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

type httpRequestBody struct {
	RequestID   string                `json:"requestId"`
	AgentID     string                `json:"agentId"`
	SessionKey  string                `json:"sessionKey"`
	Content     string                `json:"content"`
	Attachments []protocol.Attachment `json:"attachments,omitempty"`
}

func (r *httpRunner) Run(ctx context.Context, req Request, emit func(StreamEvent)) (*Result, error) {
	body, err := json.Marshal(httpRequestBody{
		RequestID:   req.RequestID,
		AgentID:     req.AgentID,
		SessionKey:  req.SessionKey,
		Content:     req.Content,
		Attachments: req.Attachments,
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, r.method, r.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range r.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := r.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, protocol.Wrap(protocol.CodeTransient, err, "agent backend unreachable")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := strings.TrimSpace(string(detail))
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, protocol.E(protocol.CodeTransient, "agent backend HTTP %d: %s", resp.StatusCode, msg)
		}
		return nil, protocol.E(protocol.CodeInternal, "agent backend HTTP %d: %s", resp.StatusCode, msg)
	}

	var full strings.Builder
	buf := make([]byte, 4096)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			chunk := string(buf[:n])
			full.WriteString(chunk)
			emit(StreamEvent{Chunk: chunk, IsDelta: true})
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, protocol.Wrap(protocol.CodeTransient, err, "read agent response")
		}
	}
	return &Result{Content: full.String()}, nil
}
