// Package mcp adapts external MCP (Model Context Protocol) tool servers
// into the runtime's tool registry. It supports:
//   - Tool discovery over HTTP/SSE (`GET /tools`) and stdio child processes
//   - JSON-RPC 2.0 `tools/call` forwarding
//   - Projection of every advertised tool as `mcp:<server>:<tool>`
//
// Registration happens before each run's loop. Re-registration overwrites
// the previous entry; stale entries from earlier runs are not pruned.
package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/kilnworks/kiln/internal/tools"
	"github.com/kilnworks/kiln/pkg/models"
)

const maxCatalogueBytes = 1 << 20

// Adapter discovers tools on configured MCP servers and exposes them
// through the registry behind forwarding handlers.
type Adapter struct {
	client *http.Client
	stdio  *StdioManager
}

// NewAdapter creates an adapter. version is reported to stdio servers
// during the initialize handshake.
func NewAdapter(version string) *Adapter {
	return &Adapter{
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		stdio: NewStdioManager(version),
	}
}

// Close stops all stdio child processes.
func (a *Adapter) Close() {
	a.stdio.Close()
}

// ToolName builds the registry name for a server-advertised tool.
func ToolName(server, tool string) string {
	return "mcp:" + server + ":" + tool
}

// RegisterAll projects the catalogues of the given servers into the
// registry. A server that cannot be reached is skipped with a warning;
// the run proceeds without its tools.
func (a *Adapter) RegisterAll(ctx context.Context, reg *tools.Registry, servers []*models.MCPServer) []string {
	var all []string
	for _, server := range servers {
		names, err := a.RegisterServer(ctx, reg, server)
		if err != nil {
			log.Warn().Err(err).Str("server", server.Name).Msg("MCP catalogue unavailable, skipping server")
			continue
		}
		all = append(all, names...)
	}
	return all
}

// RegisterServer fetches one server's tool catalogue, registers every
// advertised tool under mcp:<server>:<tool> with the server's schema,
// and returns the registered names.
func (a *Adapter) RegisterServer(ctx context.Context, reg *tools.Registry, server *models.MCPServer) ([]string, error) {
	catalogue, err := a.Catalogue(ctx, server)
	if err != nil {
		return nil, err
	}

	var names []string
	for _, info := range catalogue {
		def := &tools.Definition{
			Name:        ToolName(server.Name, info.Name),
			Description: info.Description,
			Category:    models.ToolCategoryMCP,
			RawSchema:   info.InputSchema,
			OwnerID:     server.OwnerID,
			Handler:     a.forwarder(server, info.Name),
		}
		if err := reg.Register(def); err != nil {
			log.Warn().Err(err).Str("server", server.Name).Str("tool", info.Name).Msg("Skipping MCP tool with invalid schema")
			continue
		}
		names = append(names, def.Name)
	}

	log.Debug().Str("server", server.Name).Int("tools", len(names)).Msg("MCP catalogue registered")
	return names, nil
}

// Catalogue enumerates the tools a server advertises.
func (a *Adapter) Catalogue(ctx context.Context, server *models.MCPServer) ([]models.MCPToolInfo, error) {
	switch server.TransportType {
	case models.TransportStdio:
		return a.stdio.Catalogue(ctx, server)
	default:
		return a.httpCatalogue(ctx, server)
	}
}

// Call forwards a tool invocation to the server and returns its result.
func (a *Adapter) Call(ctx context.Context, server *models.MCPServer, tool string, args map[string]any) (*models.MCPToolResult, error) {
	switch server.TransportType {
	case models.TransportStdio:
		return a.stdio.Call(ctx, server, tool, args)
	default:
		return a.httpCall(ctx, server, tool, args)
	}
}

// forwarder wraps a server tool as a registry handler. Server-side
// errors surface as handler errors so the loop records them on the
// tool trace.
func (a *Adapter) forwarder(server *models.MCPServer, tool string) tools.Handler {
	return func(ctx context.Context, args map[string]any) (any, error) {
		result, err := a.Call(ctx, server, tool, args)
		if err != nil {
			return nil, err
		}
		if result.IsError {
			return nil, fmt.Errorf("%s", result.FlattenText())
		}
		return result.FlattenText(), nil
	}
}

// ── HTTP / SSE Transport ─────────────────────────────────────

// httpCatalogue GETs {endpoint}/tools, retrying transient failures with
// exponential backoff until the context or the policy gives up.
func (a *Adapter) httpCatalogue(ctx context.Context, server *models.MCPServer) ([]models.MCPToolInfo, error) {
	if server.Endpoint == "" {
		return nil, fmt.Errorf("mcp server %s has no endpoint configured", server.Name)
	}
	url := strings.TrimRight(server.Endpoint, "/") + "/tools"

	var catalogue []models.MCPToolInfo
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")
		applyAuth(req, server.Auth)

		resp, err := a.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxCatalogueBytes))
		if err != nil {
			return err
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("catalogue fetch: HTTP %d from %s", resp.StatusCode, url)
		}

		parsed, err := parseCatalogue(body)
		if err != nil {
			return backoff.Permanent(err)
		}
		catalogue = parsed
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxElapsedTime = 10 * time.Second
	if err := backoff.Retry(op, backoff.WithContext(policy, ctx)); err != nil {
		return nil, err
	}
	return catalogue, nil
}

// parseCatalogue accepts either a tools/list result object or a bare array.
func parseCatalogue(body []byte) ([]models.MCPToolInfo, error) {
	var wrapped struct {
		Tools []models.MCPToolInfo `json:"tools"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil && wrapped.Tools != nil {
		return wrapped.Tools, nil
	}
	var bare []models.MCPToolInfo
	if err := json.Unmarshal(body, &bare); err == nil {
		return bare, nil
	}
	return nil, fmt.Errorf("unrecognized catalogue payload")
}

// httpCall POSTs a JSON-RPC 2.0 tools/call to the server endpoint.
func (a *Adapter) httpCall(ctx context.Context, server *models.MCPServer, tool string, args map[string]any) (*models.MCPToolResult, error) {
	params, err := json.Marshal(models.MCPToolCallParams{Name: tool, Arguments: args})
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	body, err := json.Marshal(models.MCPRequest{
		Jsonrpc: "2.0",
		Method:  "tools/call",
		Params:  params,
		ID:      newRequestID(),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, server.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if server.TransportType == models.TransportSSE {
		req.Header.Set("Accept", "text/event-stream")
	}
	applyAuth(req, server.Auth)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tool request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxCatalogueBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if server.TransportType == models.TransportSSE {
		respBody = flattenSSE(respBody)
	}

	// Try to parse as a JSON-RPC response first.
	var rpcResp models.MCPResponse
	if err := json.Unmarshal(respBody, &rpcResp); err == nil {
		if rpcResp.Error != nil {
			return nil, rpcResp.Error
		}
		if rpcResp.Result != nil {
			var result models.MCPToolResult
			if err := json.Unmarshal(rpcResp.Result, &result); err == nil && result.Content != nil {
				return &result, nil
			}
			// Result in a non-standard shape; surface it verbatim.
			return textResult(string(rpcResp.Result)), nil
		}
	}

	// Fall back to the raw response as text content.
	return textResult(string(respBody)), nil
}

// flattenSSE extracts the data payloads from an event-stream body. A
// body without event framing passes through unchanged.
func flattenSSE(body []byte) []byte {
	if !bytes.Contains(body, []byte("data:")) {
		return body
	}
	var out bytes.Buffer
	for _, line := range bytes.Split(body, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if rest, ok := bytes.CutPrefix(line, []byte("data:")); ok {
			out.Write(bytes.TrimSpace(rest))
		}
	}
	return out.Bytes()
}

func textResult(text string) *models.MCPToolResult {
	return &models.MCPToolResult{
		Content: []models.MCPContent{{Type: "text", Text: text}},
	}
}

// applyAuth adds authentication headers from a server's auth config.
func applyAuth(req *http.Request, auth map[string]any) {
	if auth == nil {
		return
	}
	authType, _ := auth["type"].(string)
	switch authType {
	case "bearer":
		if token, ok := auth["token"].(string); ok {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	case "api_key", "api-key":
		header, _ := auth["header"].(string)
		key, _ := auth["key"].(string)
		if header != "" && key != "" {
			req.Header.Set(header, key)
		}
	case "basic":
		user, _ := auth["username"].(string)
		pass, _ := auth["password"].(string)
		req.SetBasicAuth(user, pass)
	}
}
