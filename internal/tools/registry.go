// Package tools provides the tool registry: the single catalogue of
// everything an agent can call. Builtins, sandboxed custom tools and
// MCP projections all register here and are resolved by name at
// dispatch time.
package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/kilnworks/kiln/pkg/models"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Handler executes one tool call with already-validated arguments.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Definition is a registered tool. OwnerID scopes custom tools to one
// workspace; builtin and MCP tools leave it empty and are visible to
// everyone.
type Definition struct {
	Name        string
	Description string
	Category    string // builtin | custom | mcp | ...
	Parameters  []models.ToolParameter
	RawSchema   map[string]any // full JSON schema, used instead of Parameters when set
	OwnerID     string
	Handler     Handler

	schemaDoc map[string]any
	schema    *jsonschema.Schema
}

// SchemaDoc returns the JSON schema object describing the tool's
// arguments, in the shape model providers expect.
func (d *Definition) SchemaDoc() map[string]any {
	if d.schemaDoc == nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return d.schemaDoc
}

// Registry is the concurrent tool catalogue.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]*Definition
	aliases map[string]string
}

// NewRegistry creates a registry preloaded with the builtin alias table.
func NewRegistry() *Registry {
	return &Registry{
		tools: make(map[string]*Definition),
		aliases: map[string]string{
			"search":    "web_search",
			"calc":      "calculator",
			"time":      "current_time",
			"now":       "current_time",
			"fetch":     "http_get",
			"get_url":   "http_get",
			"read_file": "read_agent_file",
		},
	}
}

// Register validates and adds a tool, compiling its argument schema.
// Re-registering a name replaces the previous definition.
func (r *Registry) Register(def *Definition) error {
	if def == nil || def.Name == "" {
		return &models.ErrInvalidTool{Reason: "missing name"}
	}
	if def.Handler == nil {
		return &models.ErrInvalidTool{Reason: "missing handler for " + def.Name}
	}

	doc := def.RawSchema
	if doc == nil {
		doc = schemaFromParameters(def.Parameters)
	}
	compiled, err := compileSchema(def.Name, doc)
	if err != nil {
		return &models.ErrInvalidTool{Reason: fmt.Sprintf("schema for %s: %v", def.Name, err)}
	}
	def.schemaDoc = doc
	def.schema = compiled

	r.mu.Lock()
	r.tools[def.Name] = def
	r.mu.Unlock()
	return nil
}

// Unregister removes a tool by canonical name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	delete(r.tools, name)
	r.mu.Unlock()
}

// AddAlias maps an alternate name onto a canonical tool name.
func (r *Registry) AddAlias(alias, canonical string) {
	r.mu.Lock()
	r.aliases[alias] = canonical
	r.mu.Unlock()
}

// Resolve finds a tool by name or alias, honoring owner scope.
func (r *Registry) Resolve(name, owner string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if canonical, ok := r.aliases[name]; ok {
		name = canonical
	}
	def, ok := r.tools[name]
	if !ok {
		return nil, false
	}
	if def.OwnerID != "" && def.OwnerID != owner {
		return nil, false
	}
	return def, true
}

// List returns every tool visible to an owner, sorted by name.
func (r *Registry) List(owner string) []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Definition, 0, len(r.tools))
	for _, def := range r.tools {
		if def.OwnerID == "" || def.OwnerID == owner {
			out = append(out, def)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names returns the visible tool names for an owner, sorted.
func (r *Registry) Names(owner string) []string {
	defs := r.List(owner)
	names := make([]string, len(defs))
	for i, d := range defs {
		names[i] = d.Name
	}
	return names
}

// ValidateArgs checks arguments against the tool's schema, filling in
// declared defaults for missing optional parameters first.
func (r *Registry) ValidateArgs(def *Definition, args map[string]any) (map[string]any, error) {
	if args == nil {
		args = map[string]any{}
	}
	for _, p := range def.Parameters {
		if p.Default == nil {
			continue
		}
		if _, present := args[p.Name]; !present {
			args[p.Name] = p.Default
		}
	}
	if def.schema != nil {
		if err := def.schema.Validate(anyMap(args)); err != nil {
			return nil, models.Validationf("arguments for %s: %v", def.Name, err)
		}
	}
	return args, nil
}

// anyMap converts to the plain map form the validator expects.
func anyMap(m map[string]any) any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func compileSchema(name string, doc map[string]any) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	url := name + ".schema.json"
	if err := c.AddResource(url, doc); err != nil {
		return nil, err
	}
	return c.Compile(url)
}

// schemaFromParameters builds the JSON schema object for a declared
// parameter list.
func schemaFromParameters(params []models.ToolParameter) map[string]any {
	props := map[string]any{}
	required := []any{}
	for _, p := range params {
		typ := p.Type
		if typ == "" {
			typ = "string"
		}
		prop := map[string]any{"type": typ}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		if p.Default != nil {
			prop["default"] = p.Default
		}
		props[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	doc := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		doc["required"] = required
	}
	return doc
}
