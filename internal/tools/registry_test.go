package tools_test

import (
	"context"
	"errors"
	"testing"

	"github.com/kilnworks/kiln/internal/tools"
	"github.com/kilnworks/kiln/pkg/models"
)

func noopHandler(_ context.Context, _ map[string]any) (any, error) {
	return "ok", nil
}

// ─── Registration & Resolution ───────────────────────────────

func TestRegisterAndResolve(t *testing.T) {
	r := tools.NewRegistry()
	err := r.Register(&tools.Definition{
		Name:     "echo_tool",
		Category: models.ToolCategoryBuiltin,
		Handler:  noopHandler,
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	def, ok := r.Resolve("echo_tool", "default")
	if !ok {
		t.Fatal("Resolve() did not find registered tool")
	}
	if def.Name != "echo_tool" {
		t.Errorf("Resolve().Name = %q, want %q", def.Name, "echo_tool")
	}
}

func TestRegisterRejectsInvalid(t *testing.T) {
	r := tools.NewRegistry()

	var it *models.ErrInvalidTool
	if err := r.Register(&tools.Definition{Handler: noopHandler}); !errors.As(err, &it) {
		t.Errorf("Register(no name) error = %v, want *ErrInvalidTool", err)
	}
	if err := r.Register(&tools.Definition{Name: "no_handler"}); !errors.As(err, &it) {
		t.Errorf("Register(no handler) error = %v, want *ErrInvalidTool", err)
	}
}

func TestAliasResolution(t *testing.T) {
	r := tools.NewRegistry()
	r.Register(&tools.Definition{Name: "calculator", Handler: noopHandler})

	for _, alias := range []string{"calc", "calculator"} {
		if _, ok := r.Resolve(alias, "default"); !ok {
			t.Errorf("Resolve(%q) failed, want calculator", alias)
		}
	}
}

func TestResolveHonorsOwnerScope(t *testing.T) {
	r := tools.NewRegistry()
	r.Register(&tools.Definition{Name: "private_tool", OwnerID: "ws-1", Handler: noopHandler})

	if _, ok := r.Resolve("private_tool", "ws-1"); !ok {
		t.Error("owner cannot resolve its own tool")
	}
	if _, ok := r.Resolve("private_tool", "ws-2"); ok {
		t.Error("foreign owner resolved a scoped tool")
	}
}

func TestListIsScopedAndSorted(t *testing.T) {
	r := tools.NewRegistry()
	r.Register(&tools.Definition{Name: "zeta", Handler: noopHandler})
	r.Register(&tools.Definition{Name: "alpha", Handler: noopHandler})
	r.Register(&tools.Definition{Name: "hidden", OwnerID: "ws-1", Handler: noopHandler})

	names := r.Names("ws-2")
	if len(names) != 2 || names[0] != "alpha" || names[1] != "zeta" {
		t.Errorf("Names(ws-2) = %v, want [alpha zeta]", names)
	}
}

func TestReregisterSwapsHandler(t *testing.T) {
	r := tools.NewRegistry()
	r.Register(&tools.Definition{
		Name:    "lookup",
		Handler: func(_ context.Context, _ map[string]any) (any, error) { return "first", nil },
	})
	r.Register(&tools.Definition{
		Name:    "lookup",
		Handler: func(_ context.Context, _ map[string]any) (any, error) { return "second", nil },
	})

	def, ok := r.Resolve("lookup", "default")
	if !ok {
		t.Fatal("Resolve() did not find re-registered tool")
	}
	out, err := def.Handler(context.Background(), nil)
	if err != nil {
		t.Fatalf("Handler() error = %v", err)
	}
	if out != "second" {
		t.Errorf("Handler() = %v, want the replacement handler's result", out)
	}
}

func TestUnregister(t *testing.T) {
	r := tools.NewRegistry()
	r.Register(&tools.Definition{Name: "temp", Handler: noopHandler})
	r.Unregister("temp")
	if _, ok := r.Resolve("temp", "default"); ok {
		t.Error("Resolve() found tool after Unregister()")
	}
}

// ─── Argument Validation ─────────────────────────────────────

func TestValidateArgsRequiredAndDefaults(t *testing.T) {
	r := tools.NewRegistry()
	def := &tools.Definition{
		Name: "searchish",
		Parameters: []models.ToolParameter{
			{Name: "query", Type: "string", Required: true},
			{Name: "limit", Type: "integer", Default: float64(5)},
		},
		Handler: noopHandler,
	}
	if err := r.Register(def); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	if _, err := r.ValidateArgs(def, map[string]any{}); err == nil {
		t.Error("ValidateArgs() without required arg should fail")
	}

	args, err := r.ValidateArgs(def, map[string]any{"query": "hello"})
	if err != nil {
		t.Fatalf("ValidateArgs() error = %v", err)
	}
	if args["limit"] != float64(5) {
		t.Errorf("default not applied: limit = %v, want 5", args["limit"])
	}
}

func TestValidateArgsTypeMismatch(t *testing.T) {
	r := tools.NewRegistry()
	def := &tools.Definition{
		Name: "typed",
		Parameters: []models.ToolParameter{
			{Name: "count", Type: "integer", Required: true},
		},
		Handler: noopHandler,
	}
	r.Register(def)

	_, err := r.ValidateArgs(def, map[string]any{"count": "three"})
	var ve *models.ErrValidation
	if !errors.As(err, &ve) {
		t.Errorf("ValidateArgs(bad type) error = %v, want *ErrValidation", err)
	}
}

func TestRegisterWithRawSchema(t *testing.T) {
	r := tools.NewRegistry()
	def := &tools.Definition{
		Name: "mcp:files:read",
		RawSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"path": map[string]any{"type": "string"}},
			"required":   []any{"path"},
		},
		Handler: noopHandler,
	}
	if err := r.Register(def); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	if _, err := r.ValidateArgs(def, map[string]any{}); err == nil {
		t.Error("ValidateArgs() should enforce the raw schema's required fields")
	}
	if _, err := r.ValidateArgs(def, map[string]any{"path": "/tmp/x"}); err != nil {
		t.Errorf("ValidateArgs() error = %v", err)
	}
}
