package resolver_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"reflect"
	"strings"
	"testing"

	"github.com/kilnworks/kiln/internal/mcp"
	"github.com/kilnworks/kiln/internal/resolver"
	"github.com/kilnworks/kiln/internal/sandbox"
	"github.com/kilnworks/kiln/internal/store"
	"github.com/kilnworks/kiln/internal/tools"
	"github.com/kilnworks/kiln/pkg/models"
)

func newTestStore(t *testing.T) *store.MemoryStore {
	t.Helper()
	os.Setenv("KILN_DATA_DIR", t.TempDir())
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })
	return s
}

// ─── Template Rendering ──────────────────────────────────────

func TestRenderTemplate(t *testing.T) {
	got := resolver.RenderTemplate("Hello {{name}}, you are {{role}}.", map[string]any{
		"name": "Ada",
		"role": "an engineer",
	})
	if got != "Hello Ada, you are an engineer." {
		t.Errorf("RenderTemplate() = %q", got)
	}
}

func TestRenderTemplateLeavesUnknownPlaceholders(t *testing.T) {
	got := resolver.RenderTemplate("Hi {{name}}, weather is {{weather}}.", map[string]any{"name": "Ada"})
	if got != "Hi Ada, weather is {{weather}}." {
		t.Errorf("RenderTemplate() = %q", got)
	}
}

func TestRenderTemplateStringifiesValues(t *testing.T) {
	got := resolver.RenderTemplate("Retry {{count}} times.", map[string]any{"count": 3})
	if got != "Retry 3 times." {
		t.Errorf("RenderTemplate() = %q", got)
	}
}

func TestExtractVariables(t *testing.T) {
	vars := resolver.ExtractVariables("{{a}} and {{b}} then {{a}} again")
	if !reflect.DeepEqual(vars, []string{"a", "b"}) {
		t.Errorf("ExtractVariables() = %v, want [a b]", vars)
	}
}

// ─── Agent Resolution ────────────────────────────────────────

func TestResolveDeclaredAndBoundTools(t *testing.T) {
	s := newTestStore(t)
	reg := tools.NewRegistry()
	if err := reg.Register(&tools.Definition{
		Name:    "calculator",
		Handler: func(ctx context.Context, args map[string]any) (any, error) { return nil, nil },
	}); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if err := s.CreateCustomTool(ctx, &models.CustomTool{
		ID:             "ct-1",
		Name:           "adder",
		DefinitionType: models.DefinitionCode,
		Definition:     "result = a + b",
		Parameters: []models.ToolParameter{
			{Name: "a", Type: "number", Required: true},
			{Name: "b", Type: "number", Required: true},
		},
		IsEnabled: true,
		OwnerID:   "acme",
	}); err != nil {
		t.Fatal(err)
	}

	mcpSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"tools": [{"name": "lookup", "description": "Find things"}]}`))
	}))
	defer mcpSrv.Close()
	if err := s.CreateMCPServer(ctx, &models.MCPServer{
		ID:            "srv-1",
		Name:          "remote",
		TransportType: models.TransportHTTP,
		Endpoint:      mcpSrv.URL,
		OwnerID:       "acme",
	}); err != nil {
		t.Fatal(err)
	}

	adapter := mcp.NewAdapter("test")
	defer adapter.Close()
	r := resolver.New(s, reg, sandbox.NewEngine(nil), adapter)

	agent := &models.Agent{
		ID:            "ag-1",
		Name:          "math-helper",
		Instructions:  "Help {{name}} with math.",
		Tools:         []string{"calc", "no_such_tool"},
		CustomToolIDs: []string{"ct-1"},
		MCPServerIDs:  []string{"srv-1"},
		Status:        models.AgentStatusActive,
		OwnerID:       "acme",
	}

	resolved, err := r.Resolve(ctx, agent, map[string]any{"name": "Ada"})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	want := []string{"calculator", "adder", "mcp:remote:lookup"}
	if !reflect.DeepEqual(resolved.ToolNames(), want) {
		t.Errorf("ToolNames() = %v, want %v", resolved.ToolNames(), want)
	}
	if resolved.Instructions != "Help Ada with math." {
		t.Errorf("Instructions = %q", resolved.Instructions)
	}
}

func TestResolveSkipsDisabledCustomTools(t *testing.T) {
	s := newTestStore(t)
	reg := tools.NewRegistry()

	ctx := context.Background()
	if err := s.CreateCustomTool(ctx, &models.CustomTool{
		ID:             "ct-off",
		Name:           "dormant",
		DefinitionType: models.DefinitionCode,
		Definition:     "result = 1",
		IsEnabled:      false,
		OwnerID:        "acme",
	}); err != nil {
		t.Fatal(err)
	}

	adapter := mcp.NewAdapter("test")
	defer adapter.Close()
	r := resolver.New(s, reg, sandbox.NewEngine(nil), adapter)

	resolved, err := r.Resolve(ctx, &models.Agent{
		ID:            "ag-1",
		CustomToolIDs: []string{"ct-off"},
		OwnerID:       "acme",
	}, nil)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if len(resolved.Tools) != 0 {
		t.Errorf("Tools = %v, want none", resolved.ToolNames())
	}
}

func TestResolveAppendsFileDigest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.CreateAgentFile(ctx, &models.AgentFile{
		ID:      "f-1",
		AgentID: "ag-1",
		Name:    "report.txt",
		Size:    42,
		Preview: "Q3 numbers",
		Data:    []byte("Q3 numbers ..."),
		OwnerID: "acme",
	}); err != nil {
		t.Fatal(err)
	}

	adapter := mcp.NewAdapter("test")
	defer adapter.Close()
	r := resolver.New(s, tools.NewRegistry(), sandbox.NewEngine(nil), adapter)

	resolved, err := r.Resolve(ctx, &models.Agent{
		ID:           "ag-1",
		Instructions: "Summarize attachments.",
		OwnerID:      "acme",
	}, nil)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	if !strings.Contains(resolved.Instructions, "report.txt (42 bytes): Q3 numbers") {
		t.Errorf("Instructions missing file digest:\n%s", resolved.Instructions)
	}
	if !strings.HasPrefix(resolved.Instructions, "Summarize attachments.") {
		t.Errorf("Instructions lost the original text:\n%s", resolved.Instructions)
	}
	if len(resolved.Files) != 1 || resolved.Files[0].Name != "report.txt" {
		t.Errorf("Files = %+v", resolved.Files)
	}
}
