// Package model provides the completion client used by the execution
// engine. Providers are selected by model name prefix; a scripted stub
// layer backs tests and the builtin echo model.
package model

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/kilnworks/kiln/internal/config"
	"github.com/kilnworks/kiln/pkg/models"
)

// EchoModel always answers with the last user message. Registered by
// default so agents can be exercised without any provider configured.
const EchoModel = "echo-stub"

// ToolSpec describes one callable tool in a completion request.
type ToolSpec struct {
	Name        string
	Description string
	Schema      map[string]any
}

// Request is a provider-neutral completion request.
type Request struct {
	Model             string
	Messages          []models.Message
	Tools             []ToolSpec
	ToolChoice        string // auto | none | <tool name>
	ParallelToolCalls bool
	MaxTokens         int
}

// Response is one assistant turn. ToolCalls preserves the provider's
// request order.
type Response struct {
	Content    string
	ToolCalls  []models.ToolCall
	Usage      models.TokenUsage
	StopReason string
}

// Completer produces one assistant turn for a conversation.
type Completer interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
}

// Client routes completion requests to a provider by model name.
type Client struct {
	cfg    config.ModelConfig
	client *http.Client

	mu    sync.RWMutex
	stubs map[string]Completer
}

// NewClient creates a provider-routing client with the echo stub
// preinstalled.
func NewClient(cfg config.ModelConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c := &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		stubs:  make(map[string]Completer),
	}
	c.RegisterStub(EchoModel, &Echo{})
	return c
}

// RegisterStub installs a Completer under a model name, shadowing
// provider routing for that name.
func (c *Client) RegisterStub(name string, s Completer) {
	c.mu.Lock()
	c.stubs[name] = s
	c.mu.Unlock()
}

// Complete routes by model name: registered stubs first, then
// claude* to Anthropic, gpt*/o-series to OpenAI, ollama:* to Ollama.
// Anything else goes to OpenAI when a key is configured, Ollama
// otherwise.
func (c *Client) Complete(ctx context.Context, req *Request) (*Response, error) {
	if req == nil || req.Model == "" {
		return nil, fmt.Errorf("model name is required")
	}

	c.mu.RLock()
	stub, ok := c.stubs[req.Model]
	c.mu.RUnlock()
	if ok {
		return stub.Complete(ctx, req)
	}

	name := req.Model
	switch {
	case strings.HasPrefix(name, "claude"):
		return c.callAnthropic(ctx, req)
	case strings.HasPrefix(name, "gpt") || oSeriesRe(name):
		return c.callOpenAI(ctx, req, c.cfg.OpenAIBaseURL, c.cfg.OpenAIKey)
	case strings.HasPrefix(name, "ollama:"):
		stripped := *req
		stripped.Model = strings.TrimPrefix(name, "ollama:")
		return c.callOpenAI(ctx, &stripped, c.cfg.OllamaHost+"/v1", "")
	default:
		if c.cfg.OpenAIKey != "" {
			return c.callOpenAI(ctx, req, c.cfg.OpenAIBaseURL, c.cfg.OpenAIKey)
		}
		return c.callOpenAI(ctx, req, c.cfg.OllamaHost+"/v1", "")
	}
}

func oSeriesRe(name string) bool {
	if len(name) < 2 || name[0] != 'o' {
		return false
	}
	return name[1] >= '0' && name[1] <= '9'
}

// ── OpenAI-compatible Provider ──────────────────────────────

type openAIMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	Name       string           `json:"name,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
}

type openAIToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type openAIToolSpec struct {
	Type     string `json:"type"`
	Function struct {
		Name        string         `json:"name"`
		Description string         `json:"description,omitempty"`
		Parameters  map[string]any `json:"parameters"`
	} `json:"function"`
}

type openAIRequest struct {
	Model             string           `json:"model"`
	Messages          []openAIMessage  `json:"messages"`
	Tools             []openAIToolSpec `json:"tools,omitempty"`
	ToolChoice        any              `json:"tool_choice,omitempty"`
	ParallelToolCalls *bool            `json:"parallel_tool_calls,omitempty"`
	MaxTokens         int              `json:"max_tokens,omitempty"`
}

type openAIResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Message struct {
			Content   string           `json:"content"`
			ToolCalls []openAIToolCall `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

func (c *Client) callOpenAI(ctx context.Context, req *Request, endpoint, apiKey string) (*Response, error) {
	oaReq := openAIRequest{
		Model:     req.Model,
		Messages:  toOpenAIMessages(req.Messages),
		MaxTokens: req.MaxTokens,
	}
	for _, t := range req.Tools {
		spec := openAIToolSpec{Type: "function"}
		spec.Function.Name = t.Name
		spec.Function.Description = t.Description
		spec.Function.Parameters = t.Schema
		oaReq.Tools = append(oaReq.Tools, spec)
	}
	if len(oaReq.Tools) > 0 {
		switch req.ToolChoice {
		case "", "auto":
			oaReq.ToolChoice = "auto"
		case "none":
			oaReq.ToolChoice = "none"
		default:
			oaReq.ToolChoice = map[string]any{
				"type":     "function",
				"function": map[string]any{"name": req.ToolChoice},
			}
		}
		parallel := req.ParallelToolCalls
		oaReq.ParallelToolCalls = &parallel
	}

	body, _ := json.Marshal(oaReq)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", endpoint+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openai: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	}

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai: request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(httpResp.Body)
		return nil, fmt.Errorf("openai: status %d: %s", httpResp.StatusCode, string(respBody))
	}

	var oaResp openAIResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&oaResp); err != nil {
		return nil, fmt.Errorf("openai: decode response: %w", err)
	}
	if len(oaResp.Choices) == 0 {
		return nil, fmt.Errorf("openai: empty choices")
	}

	choice := oaResp.Choices[0]
	resp := &Response{
		Content:    choice.Message.Content,
		StopReason: choice.FinishReason,
		Usage: models.TokenUsage{
			InputTokens:  oaResp.Usage.PromptTokens,
			OutputTokens: oaResp.Usage.CompletionTokens,
			TotalTokens:  oaResp.Usage.TotalTokens,
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		resp.ToolCalls = append(resp.ToolCalls, models.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: parseArguments(tc.Function.Arguments),
		})
	}
	return resp, nil
}

func toOpenAIMessages(msgs []models.Message) []openAIMessage {
	out := make([]openAIMessage, 0, len(msgs))
	for _, m := range msgs {
		oam := openAIMessage{
			Role:       m.Role,
			Content:    m.Content,
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			args, err := json.Marshal(tc.Arguments)
			if err != nil {
				args = []byte("{}")
			}
			oatc := openAIToolCall{ID: tc.ID, Type: "function"}
			oatc.Function.Name = tc.Name
			oatc.Function.Arguments = string(args)
			oam.ToolCalls = append(oam.ToolCalls, oatc)
		}
		out = append(out, oam)
	}
	return out
}

// parseArguments decodes the provider's JSON argument string. A
// malformed payload is preserved under _raw so schema validation can
// reject it with a useful message.
func parseArguments(raw string) map[string]any {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return map[string]any{"_raw": raw}
	}
	return args
}

// ── Anthropic Provider ──────────────────────────────────────

type anthropicContent struct {
	Type      string         `json:"type"`
	Text      string         `json:"text,omitempty"`
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	Content   string         `json:"content,omitempty"`
	IsError   bool           `json:"is_error,omitempty"`
}

type anthropicMessage struct {
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
}

type anthropicToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthropicRequest struct {
	Model      string              `json:"model"`
	System     string              `json:"system,omitempty"`
	Messages   []anthropicMessage  `json:"messages"`
	Tools      []anthropicToolSpec `json:"tools,omitempty"`
	ToolChoice map[string]any      `json:"tool_choice,omitempty"`
	MaxTokens  int                 `json:"max_tokens"`
}

type anthropicResponse struct {
	ID         string             `json:"id"`
	Content    []anthropicContent `json:"content"`
	StopReason string             `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (c *Client) callAnthropic(ctx context.Context, req *Request) (*Response, error) {
	if c.cfg.AnthropicKey == "" {
		return nil, fmt.Errorf("anthropic: ANTHROPIC_API_KEY not configured")
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	system, messages := toAnthropicMessages(req.Messages)
	anthReq := anthropicRequest{
		Model:     req.Model,
		System:    system,
		Messages:  messages,
		MaxTokens: maxTokens,
	}

	sendTools := req.ToolChoice != "none"
	if sendTools {
		for _, t := range req.Tools {
			schema := t.Schema
			if schema == nil {
				schema = map[string]any{"type": "object", "properties": map[string]any{}}
			}
			anthReq.Tools = append(anthReq.Tools, anthropicToolSpec{
				Name:        t.Name,
				Description: t.Description,
				InputSchema: schema,
			})
		}
	}
	if len(anthReq.Tools) > 0 {
		choice := map[string]any{"type": "auto"}
		if req.ToolChoice != "" && req.ToolChoice != "auto" {
			choice = map[string]any{"type": "tool", "name": req.ToolChoice}
		}
		if !req.ParallelToolCalls {
			choice["disable_parallel_tool_use"] = true
		}
		anthReq.ToolChoice = choice
	}

	body, _ := json.Marshal(anthReq)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.cfg.AnthropicURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("anthropic: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.cfg.AnthropicKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic: request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(httpResp.Body)
		return nil, fmt.Errorf("anthropic: status %d: %s", httpResp.StatusCode, string(respBody))
	}

	var anthResp anthropicResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&anthResp); err != nil {
		return nil, fmt.Errorf("anthropic: decode response: %w", err)
	}

	resp := &Response{
		StopReason: anthResp.StopReason,
		Usage: models.TokenUsage{
			InputTokens:  anthResp.Usage.InputTokens,
			OutputTokens: anthResp.Usage.OutputTokens,
			TotalTokens:  anthResp.Usage.InputTokens + anthResp.Usage.OutputTokens,
		},
	}
	for _, block := range anthResp.Content {
		switch block.Type {
		case "text":
			resp.Content += block.Text
		case "tool_use":
			args := block.Input
			if args == nil {
				args = map[string]any{}
			}
			resp.ToolCalls = append(resp.ToolCalls, models.ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: args,
			})
		}
	}
	return resp, nil
}

// toAnthropicMessages converts the neutral transcript to Anthropic's
// block format. System messages lift into the system field; tool
// results fold into user messages with tool_result blocks, merging
// consecutive results into one message.
func toAnthropicMessages(msgs []models.Message) (string, []anthropicMessage) {
	var system string
	out := []anthropicMessage{}

	appendBlocks := func(role string, blocks ...anthropicContent) {
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content = append(out[n-1].Content, blocks...)
			return
		}
		out = append(out, anthropicMessage{Role: role, Content: blocks})
	}

	for _, m := range msgs {
		switch m.Role {
		case "system":
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
		case "user":
			appendBlocks("user", anthropicContent{Type: "text", Text: m.Content})
		case "assistant":
			blocks := []anthropicContent{}
			if m.Content != "" {
				blocks = append(blocks, anthropicContent{Type: "text", Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				input := tc.Arguments
				if input == nil {
					input = map[string]any{}
				}
				blocks = append(blocks, anthropicContent{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Name,
					Input: input,
				})
			}
			if len(blocks) == 0 {
				blocks = append(blocks, anthropicContent{Type: "text", Text: ""})
			}
			out = append(out, anthropicMessage{Role: "assistant", Content: blocks})
		case "tool":
			appendBlocks("user", anthropicContent{
				Type:      "tool_result",
				ToolUseID: m.ToolCallID,
				Content:   m.Content,
			})
		}
	}
	return system, out
}
