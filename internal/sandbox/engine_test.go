package sandbox_test

import (
	"context"
	"os"
	"testing"

	"github.com/kilnworks/kiln/internal/sandbox"
	"github.com/kilnworks/kiln/internal/store"
	"github.com/kilnworks/kiln/internal/tools"
	"github.com/kilnworks/kiln/pkg/models"
)

func TestEngineRegisterAndInvoke(t *testing.T) {
	e := sandbox.NewEngine(nil)
	reg := tools.NewRegistry()

	tool := &models.CustomTool{
		ID:             "t1",
		Name:           "triple",
		DefinitionType: models.DefinitionCode,
		Definition:     "result = x * 3",
		Parameters:     []models.ToolParameter{{Name: "x", Type: "number", Required: true}},
		IsEnabled:      true,
		OwnerID:        "ws-1",
	}
	if err := e.Register(reg, tool); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	def, ok := reg.Resolve("triple", "ws-1")
	if !ok {
		t.Fatal("registered custom tool not resolvable by its owner")
	}
	out, err := def.Handler(context.Background(), map[string]any{"x": 7})
	if err != nil {
		t.Fatalf("Handler() error = %v", err)
	}
	if out != 21 {
		t.Errorf("Handler() = %v, want 21", out)
	}

	if _, ok := reg.Resolve("triple", "ws-2"); ok {
		t.Error("custom tool leaked across owners")
	}
}

func TestEngineWrapsRuntimeFailuresAsErrorValues(t *testing.T) {
	e := sandbox.NewEngine(nil)
	reg := tools.NewRegistry()

	tool := &models.CustomTool{
		ID:             "t2",
		Name:           "parse",
		DefinitionType: models.DefinitionCode,
		Definition:     "result = json_parse(payload)",
		Parameters:     []models.ToolParameter{{Name: "payload", Type: "string", Required: true}},
		IsEnabled:      true,
		OwnerID:        "ws-1",
	}
	if err := e.Register(reg, tool); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	def, ok := reg.Resolve("parse", "ws-1")
	if !ok {
		t.Fatal("registered custom tool not resolvable")
	}
	out, err := def.Handler(context.Background(), map[string]any{"payload": "{broken"})
	if err != nil {
		t.Fatalf("Handler() error = %v, want the failure returned as a value", err)
	}
	m, ok := out.(map[string]any)
	if !ok || m["status"] != "error" {
		t.Fatalf("Handler() = %v, want a status=error value", out)
	}
	if msg, _ := m["error"].(string); msg == "" {
		t.Error("error value has no message")
	}
}

func TestEngineDisabledToolIsUnregistered(t *testing.T) {
	e := sandbox.NewEngine(nil)
	reg := tools.NewRegistry()

	tool := &models.CustomTool{
		ID: "t1", Name: "flaky", DefinitionType: models.DefinitionCode,
		Definition: "1 + 1", IsEnabled: true, OwnerID: "ws-1",
	}
	e.Register(reg, tool)

	tool.IsEnabled = false
	if err := e.Register(reg, tool); err != nil {
		t.Fatalf("Register(disabled) error = %v", err)
	}
	if _, ok := reg.Resolve("flaky", "ws-1"); ok {
		t.Error("disabled tool still resolvable")
	}
}

func TestEngineValidateRejectsBrokenDefinitions(t *testing.T) {
	e := sandbox.NewEngine(nil)

	broken := []*models.CustomTool{
		{Name: "a", DefinitionType: models.DefinitionCode, Definition: "x ="},
		{Name: "b", DefinitionType: models.DefinitionAction, Definition: "not json"},
		{Name: "c", DefinitionType: "binary", Definition: "whatever"},
	}
	for _, tool := range broken {
		if err := e.Validate(tool); err == nil {
			t.Errorf("Validate(%s) accepted a broken definition", tool.Name)
		}
	}
}

func TestEngineLoadAllSkipsBrokenTools(t *testing.T) {
	dir := t.TempDir()
	os.Setenv("KILN_DATA_DIR", dir)
	defer os.Unsetenv("KILN_DATA_DIR")
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	s.CreateCustomTool(ctx, &models.CustomTool{
		ID: "ok", Name: "good", DefinitionType: models.DefinitionCode,
		Definition: "result = 1", IsEnabled: true, OwnerID: "default",
	})
	s.CreateCustomTool(ctx, &models.CustomTool{
		ID: "bad", Name: "broken", DefinitionType: models.DefinitionCode,
		Definition: "result = ((", IsEnabled: true, OwnerID: "default",
	})
	s.CreateCustomTool(ctx, &models.CustomTool{
		ID: "off", Name: "disabled", DefinitionType: models.DefinitionCode,
		Definition: "result = 2", IsEnabled: false, OwnerID: "default",
	})

	e := sandbox.NewEngine(nil)
	reg := tools.NewRegistry()
	if err := e.LoadAll(ctx, reg, s); err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}

	if _, ok := reg.Resolve("good", "default"); !ok {
		t.Error("valid tool not loaded")
	}
	if _, ok := reg.Resolve("broken", "default"); ok {
		t.Error("broken tool should be skipped")
	}
	if _, ok := reg.Resolve("disabled", "default"); ok {
		t.Error("disabled tool should not load")
	}
}
