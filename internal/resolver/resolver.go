// Package resolver prepares an agent definition for execution.
//
// Before a run's loop starts, the Resolver materializes everything the
// loop needs: custom tools compiled into the registry, MCP server
// catalogues projected, the declared tool list resolved into concrete
// definitions, and instructions rendered from context variables. Unknown
// tool names are warned about once here and omitted, so the loop only
// ever sees a resolvable subset.
package resolver

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/kilnworks/kiln/internal/mcp"
	"github.com/kilnworks/kiln/internal/sandbox"
	"github.com/kilnworks/kiln/internal/store"
	"github.com/kilnworks/kiln/internal/tools"
	"github.com/kilnworks/kiln/pkg/models"
)

// templateVarRegex matches {{variable}} placeholders in instructions.
var templateVarRegex = regexp.MustCompile(`\{\{(\w+)\}\}`)

// ResolvedAgent is an execution-ready view of an agent definition.
type ResolvedAgent struct {
	Agent        *models.Agent
	Instructions string
	Tools        []*tools.Definition
	Files        []models.AgentFile
}

// ToolNames lists the resolved subset in declared order. The loop uses
// this as the available-tool hint when the model calls something else.
func (ra *ResolvedAgent) ToolNames() []string {
	names := make([]string, 0, len(ra.Tools))
	for _, def := range ra.Tools {
		names = append(names, def.Name)
	}
	return names
}

// Resolver binds agents to the registry, the sandbox, and the MCP
// adapter at run time.
type Resolver struct {
	store    store.Store
	registry *tools.Registry
	sandbox  *sandbox.Engine
	mcp      *mcp.Adapter
}

// New creates a resolver.
func New(s store.Store, reg *tools.Registry, sb *sandbox.Engine, adapter *mcp.Adapter) *Resolver {
	return &Resolver{store: s, registry: reg, sandbox: sb, mcp: adapter}
}

// Resolve prepares the agent for a run. Bound custom tools and MCP
// catalogues are (re-)registered first; registration is idempotent, so
// repeated runs overwrite rather than accumulate.
func (r *Resolver) Resolve(ctx context.Context, agent *models.Agent, contextVars map[string]any) (*ResolvedAgent, error) {
	mcpTools := r.registerCustomTools(ctx, agent)
	mcpTools = append(mcpTools, r.registerMCPServers(ctx, agent)...)

	resolved := &ResolvedAgent{Agent: agent}

	// Declared names first, in order; bound tools follow, deduped.
	seen := make(map[string]bool)
	for _, name := range agent.Tools {
		def, ok := r.registry.Resolve(name, agent.OwnerID)
		if !ok {
			log.Warn().
				Str("agent", agent.ID).
				Str("tool", name).
				Strs("known", topNames(r.registry.Names(agent.OwnerID), 5)).
				Msg("Unknown tool in agent definition, omitting")
			continue
		}
		if seen[def.Name] {
			continue
		}
		seen[def.Name] = true
		resolved.Tools = append(resolved.Tools, def)
	}
	for _, name := range mcpTools {
		def, ok := r.registry.Resolve(name, agent.OwnerID)
		if !ok || seen[def.Name] {
			continue
		}
		seen[def.Name] = true
		resolved.Tools = append(resolved.Tools, def)
	}

	files, err := r.store.ListAgentFiles(ctx, agent.OwnerID, agent.ID)
	if err != nil {
		return nil, fmt.Errorf("list agent files: %w", err)
	}
	resolved.Files = files

	resolved.Instructions = buildInstructions(agent, files, contextVars)
	return resolved, nil
}

// registerCustomTools compiles the agent's bound custom tools into the
// registry and returns their registry names.
// topNames caps the enrolled-name list quoted in miss diagnostics.
func topNames(names []string, k int) []string {
	if len(names) > k {
		return names[:k]
	}
	return names
}

func (r *Resolver) registerCustomTools(ctx context.Context, agent *models.Agent) []string {
	var names []string
	for _, id := range agent.CustomToolIDs {
		tool, err := r.store.GetCustomTool(ctx, agent.OwnerID, id)
		if err != nil {
			log.Warn().Err(err).Str("agent", agent.ID).Str("custom_tool", id).Msg("Bound custom tool not found")
			continue
		}
		if !tool.IsEnabled {
			continue
		}
		if err := r.sandbox.Register(r.registry, tool); err != nil {
			log.Warn().Err(err).Str("agent", agent.ID).Str("custom_tool", tool.Name).Msg("Bound custom tool failed to compile")
			continue
		}
		names = append(names, tool.Name)
	}
	return names
}

// registerMCPServers projects the agent's bound MCP server catalogues
// into the registry and returns the projected tool names.
func (r *Resolver) registerMCPServers(ctx context.Context, agent *models.Agent) []string {
	var servers []*models.MCPServer
	for _, id := range agent.MCPServerIDs {
		server, err := r.store.GetMCPServer(ctx, agent.OwnerID, id)
		if err != nil {
			log.Warn().Err(err).Str("agent", agent.ID).Str("mcp_server", id).Msg("Bound MCP server not found")
			continue
		}
		servers = append(servers, server)
	}
	return r.mcp.RegisterAll(ctx, r.registry, servers)
}

// buildInstructions renders the agent's instruction template and
// appends an attachment digest so the model knows what it can read.
func buildInstructions(agent *models.Agent, files []models.AgentFile, contextVars map[string]any) string {
	instructions := RenderTemplate(agent.Instructions, contextVars)

	if len(files) == 0 {
		return instructions
	}

	var b strings.Builder
	b.WriteString(instructions)
	if instructions != "" {
		b.WriteString("\n\n")
	}
	b.WriteString("The following files are attached; read one with the read_agent_file tool:\n")
	for _, f := range files {
		fmt.Fprintf(&b, "- %s (%d bytes)", f.Name, f.Size)
		if f.Preview != "" {
			fmt.Fprintf(&b, ": %s", f.Preview)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// RenderTemplate substitutes {{variable}} placeholders with values from
// the context-variable map. Unknown placeholders are left in place.
func RenderTemplate(template string, variables map[string]any) string {
	if len(variables) == 0 {
		return template
	}
	result := template
	for key, val := range variables {
		result = strings.ReplaceAll(result, "{{"+key+"}}", stringify(val))
	}
	return result
}

// ExtractVariables lists the distinct {{variable}} names in a template,
// in order of first appearance.
func ExtractVariables(template string) []string {
	matches := templateVarRegex.FindAllStringSubmatch(template, -1)
	seen := make(map[string]bool)
	var vars []string
	for _, match := range matches {
		if len(match) > 1 && !seen[match[1]] {
			seen[match[1]] = true
			vars = append(vars, match[1])
		}
	}
	return vars
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}
