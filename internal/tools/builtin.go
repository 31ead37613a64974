package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/expr-lang/expr"
	"github.com/kilnworks/kiln/internal/store"
	"github.com/kilnworks/kiln/pkg/models"
)

// maxFetchBytes caps response bodies read by network builtins.
const maxFetchBytes = 1 << 20

// maxFileToolBytes caps file content returned to the model.
const maxFileToolBytes = 64 * 1024

// ── Invocation context ──────────────────────────────────────

// Invocation identifies the execution a tool call belongs to. Builtins
// that touch per-run resources (like agent files) read it from the
// call context.
type Invocation struct {
	RunID   string
	OwnerID string
	AgentID string
}

type invocationKey struct{}

// WithInvocation attaches run identity to a tool call context.
func WithInvocation(ctx context.Context, inv Invocation) context.Context {
	return context.WithValue(ctx, invocationKey{}, inv)
}

// InvocationFrom extracts the run identity, if any.
func InvocationFrom(ctx context.Context) (Invocation, bool) {
	inv, ok := ctx.Value(invocationKey{}).(Invocation)
	return inv, ok
}

// ── Builtins ────────────────────────────────────────────────

// BuiltinDeps carries the external resources builtins need.
type BuiltinDeps struct {
	Files     store.AgentFileStore
	SearchURL string
	Client    *http.Client
}

// RegisterBuiltins adds the builtin tool set to a registry.
func RegisterBuiltins(r *Registry, deps BuiltinDeps) error {
	client := deps.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	builtins := []*Definition{
		{
			Name:        "calculator",
			Description: "Evaluate a mathematical expression and return the result.",
			Category:    models.ToolCategoryBuiltin,
			Parameters: []models.ToolParameter{
				{Name: "expression", Type: "string", Required: true, Description: `Expression to evaluate, e.g. "(2 + 3) * 4"`},
			},
			Handler: calculatorHandler,
		},
		{
			Name:        "current_time",
			Description: "Get the current date and time, optionally in a specific timezone.",
			Category:    models.ToolCategoryBuiltin,
			Parameters: []models.ToolParameter{
				{Name: "timezone", Type: "string", Description: "IANA timezone name, e.g. \"Europe/Berlin\". Defaults to UTC."},
				{Name: "format", Type: "string", Description: "Go time layout or \"rfc3339\"/\"unix\". Defaults to RFC 3339."},
			},
			Handler: currentTimeHandler,
		},
		{
			Name:        "web_search",
			Description: "Search the web and return matching results.",
			Category:    models.ToolCategoryWeb,
			Parameters: []models.ToolParameter{
				{Name: "query", Type: "string", Required: true, Description: "Search query"},
				{Name: "max_results", Type: "integer", Default: float64(5), Description: "Maximum number of results"},
			},
			Handler: webSearchHandler(client, deps.SearchURL),
		},
		{
			Name:        "http_get",
			Description: "Fetch a URL with an HTTP GET request and return the response.",
			Category:    models.ToolCategoryWeb,
			Parameters: []models.ToolParameter{
				{Name: "url", Type: "string", Required: true, Description: "Absolute http(s) URL to fetch"},
			},
			Handler: httpGetHandler(client),
		},
		{
			Name:        "read_agent_file",
			Description: "Read the content of a file attached to the current agent.",
			Category:    models.ToolCategoryFile,
			Parameters: []models.ToolParameter{
				{Name: "filename", Type: "string", Required: true, Description: "Name of the attached file"},
			},
			Handler: readAgentFileHandler(deps.Files),
		},
	}

	for _, def := range builtins {
		if err := r.Register(def); err != nil {
			return err
		}
	}
	return nil
}

// ── Handlers ────────────────────────────────────────────────

func calculatorHandler(_ context.Context, args map[string]any) (any, error) {
	exprStr, _ := args["expression"].(string)
	if strings.TrimSpace(exprStr) == "" {
		return nil, errors.New("expression is empty")
	}

	env := map[string]any{
		"pi":   math.Pi,
		"e":    math.E,
		"sqrt": math.Sqrt,
		"pow":  math.Pow,
		"log":  math.Log,
		"sin":  math.Sin,
		"cos":  math.Cos,
		"tan":  math.Tan,
	}
	program, err := expr.Compile(exprStr, expr.Env(env))
	if err != nil {
		return nil, fmt.Errorf("cannot parse expression: %w", err)
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return nil, fmt.Errorf("cannot evaluate expression: %w", err)
	}
	return map[string]any{"expression": exprStr, "result": out}, nil
}

func currentTimeHandler(_ context.Context, args map[string]any) (any, error) {
	loc := time.UTC
	if tz, _ := args["timezone"].(string); tz != "" {
		parsed, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("unknown timezone %q", tz)
		}
		loc = parsed
	}

	now := time.Now().In(loc)
	format, _ := args["format"].(string)
	var rendered string
	switch strings.ToLower(format) {
	case "", "rfc3339":
		rendered = now.Format(time.RFC3339)
	case "unix":
		rendered = strconv.FormatInt(now.Unix(), 10)
	default:
		rendered = now.Format(format)
	}

	return map[string]any{
		"time":     rendered,
		"timezone": loc.String(),
		"unix":     now.Unix(),
	}, nil
}

func webSearchHandler(client *http.Client, searchURL string) Handler {
	return func(ctx context.Context, args map[string]any) (any, error) {
		if searchURL == "" {
			return nil, errors.New("web search is not configured (set KILN_SEARCH_URL)")
		}
		query, _ := args["query"].(string)
		if strings.TrimSpace(query) == "" {
			return nil, errors.New("query is empty")
		}
		maxResults := 5
		if n, ok := args["max_results"].(float64); ok && n > 0 {
			maxResults = int(n)
		}

		u := searchURL
		if strings.Contains(u, "?") {
			u += "&"
		} else {
			u += "?"
		}
		u += "q=" + url.QueryEscape(query) + "&max_results=" + strconv.Itoa(maxResults)

		body, status, err := fetch(ctx, client, u)
		if err != nil {
			return nil, err
		}
		if status >= 400 {
			return nil, fmt.Errorf("search backend returned status %d", status)
		}
		return map[string]any{"query": query, "results": parseMaybeJSON(body)}, nil
	}
}

func httpGetHandler(client *http.Client) Handler {
	return func(ctx context.Context, args map[string]any) (any, error) {
		raw, _ := args["url"].(string)
		parsed, err := url.Parse(raw)
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
			return nil, fmt.Errorf("invalid url %q: must be absolute http(s)", raw)
		}

		body, status, err := fetch(ctx, client, raw)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"status_code": status,
			"body":        parseMaybeJSON(body),
		}, nil
	}
}

func readAgentFileHandler(files store.AgentFileStore) Handler {
	return func(ctx context.Context, args map[string]any) (any, error) {
		if files == nil {
			return nil, errors.New("file storage is not available")
		}
		inv, ok := InvocationFrom(ctx)
		if !ok || inv.AgentID == "" {
			return nil, errors.New("no agent attached to this execution")
		}
		filename, _ := args["filename"].(string)
		if filename == "" {
			return nil, errors.New("filename is empty")
		}

		list, err := files.ListAgentFiles(ctx, inv.OwnerID, inv.AgentID)
		if err != nil {
			return nil, fmt.Errorf("list files: %w", err)
		}
		for _, meta := range list {
			if meta.Name != filename {
				continue
			}
			f, err := files.GetAgentFile(ctx, inv.OwnerID, meta.ID)
			if err != nil {
				return nil, fmt.Errorf("read file: %w", err)
			}
			if !utf8.Valid(f.Data) {
				return nil, fmt.Errorf("file %q is binary (%s, %d bytes) and cannot be read as text", filename, f.ContentType, f.Size)
			}
			content := string(f.Data)
			truncated := false
			if len(content) > maxFileToolBytes {
				content = content[:maxFileToolBytes]
				truncated = true
			}
			return map[string]any{
				"filename":  f.Name,
				"content":   content,
				"truncated": truncated,
			}, nil
		}

		names := make([]string, len(list))
		for i, meta := range list {
			names[i] = meta.Name
		}
		return nil, fmt.Errorf("file %q not found; attached files: %s", filename, strings.Join(names, ", "))
	}
}

// fetch reads a capped response body.
func fetch(ctx context.Context, client *http.Client, u string) (string, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", 0, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return "", 0, err
	}
	return string(body), resp.StatusCode, nil
}

// parseMaybeJSON returns decoded JSON when the body parses, else the
// raw text.
func parseMaybeJSON(body string) any {
	trimmed := strings.TrimSpace(body)
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		var v any
		if err := json.Unmarshal([]byte(trimmed), &v); err == nil {
			return v
		}
	}
	return body
}
