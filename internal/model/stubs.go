package model

import (
	"context"
	"sync"
	"time"

	"github.com/kilnworks/kiln/pkg/models"
)

// ── Echo ────────────────────────────────────────────────────

// Echo answers every request with the content of the last user
// message. It backs the builtin echo model.
type Echo struct{}

func (e *Echo) Complete(_ context.Context, req *Request) (*Response, error) {
	content := ""
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			content = req.Messages[i].Content
			break
		}
	}
	return &Response{
		Content:    content,
		StopReason: "stop",
		Usage:      roughUsage(req.Messages, content),
	}, nil
}

// ── Scripted ────────────────────────────────────────────────

// ScriptedResponse is one canned turn. Delay simulates provider
// latency and respects context cancellation.
type ScriptedResponse struct {
	Content   string
	ToolCalls []models.ToolCall
	Delay     time.Duration
	Err       error
}

// Scripted replays a fixed response sequence and records every request
// it sees. When calls outnumber responses the last one repeats.
type Scripted struct {
	Responses []ScriptedResponse

	mu       sync.Mutex
	calls    int
	requests []Request
}

func (s *Scripted) Complete(ctx context.Context, req *Request) (*Response, error) {
	s.mu.Lock()
	idx := s.calls
	s.calls++
	s.requests = append(s.requests, cloneRequest(req))
	s.mu.Unlock()

	if len(s.Responses) == 0 {
		return &Response{Content: "", StopReason: "stop"}, nil
	}
	if idx >= len(s.Responses) {
		idx = len(s.Responses) - 1
	}
	r := s.Responses[idx]

	if r.Delay > 0 {
		select {
		case <-time.After(r.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if r.Err != nil {
		return nil, r.Err
	}

	stop := "stop"
	if len(r.ToolCalls) > 0 {
		stop = "tool_calls"
	}
	return &Response{
		Content:    r.Content,
		ToolCalls:  append([]models.ToolCall(nil), r.ToolCalls...),
		StopReason: stop,
		Usage:      roughUsage(req.Messages, r.Content),
	}, nil
}

// Calls reports how many completions were requested.
func (s *Scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Requests returns copies of every recorded request.
func (s *Scripted) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

func cloneRequest(req *Request) Request {
	cp := *req
	cp.Messages = models.CloneMessages(req.Messages)
	cp.Tools = append([]ToolSpec(nil), req.Tools...)
	return cp
}

// roughUsage approximates token counts for stub responses so token
// accounting stays monotone in tests.
func roughUsage(msgs []models.Message, content string) models.TokenUsage {
	in := 0
	for _, m := range msgs {
		in += len(m.Content)/4 + 1
	}
	out := len(content)/4 + 1
	return models.TokenUsage{InputTokens: in, OutputTokens: out, TotalTokens: in + out}
}
