package sandbox_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/kilnworks/kiln/internal/sandbox"
	"github.com/kilnworks/kiln/pkg/models"
)

// ─── Script Parsing ──────────────────────────────────────────

func TestCompileCodeRejectsBadSyntax(t *testing.T) {
	_, err := sandbox.CompileCode("bad", "result = 2 +* )", nil)
	var ve *models.ErrValidation
	if !errors.As(err, &ve) {
		t.Fatalf("CompileCode() error = %v, want *ErrValidation", err)
	}
	if !strings.Contains(ve.Msg, "line 1") {
		t.Errorf("error message = %q, want line number", ve.Msg)
	}
}

func TestCompileCodeRejectsOversizedDefinition(t *testing.T) {
	big := strings.Repeat("x = 1\n", models.MaxCustomToolBytes)
	if _, err := sandbox.CompileCode("big", big, nil); err == nil {
		t.Error("CompileCode() accepted a definition over the size cap")
	}
}

func TestCompileCodeSkipsCommentsAndBlanks(t *testing.T) {
	script := "# doubles the input\n\nresult = x * 2\n"
	tool, err := sandbox.CompileCode("double", script, []models.ToolParameter{{Name: "x", Type: "number"}})
	if err != nil {
		t.Fatalf("CompileCode() error = %v", err)
	}

	out, err := tool.Run(context.Background(), map[string]any{"x": 21})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out != 42 {
		t.Errorf("Run() = %v, want 42", out)
	}
}

// ─── Evaluation ──────────────────────────────────────────────

func TestCodeToolMultiLineWithEntryVariable(t *testing.T) {
	script := `
subtotal = price * quantity
tax = subtotal * 0.2
result = {"subtotal": subtotal, "tax": tax, "total": subtotal + tax}
`
	tool, err := sandbox.CompileCode("invoice", script, nil)
	if err != nil {
		t.Fatalf("CompileCode() error = %v", err)
	}

	out, err := tool.Run(context.Background(), map[string]any{"price": 10.0, "quantity": 3})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	m, ok := out.(map[string]any)
	if !ok {
		t.Fatalf("Run() = %T, want map", out)
	}
	if m["total"] != 36.0 {
		t.Errorf("total = %v, want 36", m["total"])
	}
}

func TestCodeToolLastExpressionFallback(t *testing.T) {
	tool, err := sandbox.CompileCode("concat", `a + " " + b`, nil)
	if err != nil {
		t.Fatalf("CompileCode() error = %v", err)
	}
	out, err := tool.Run(context.Background(), map[string]any{"a": "hello", "b": "world"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out != "hello world" {
		t.Errorf("Run() = %v, want %q", out, "hello world")
	}
}

func TestCodeToolComparisonIsNotAssignment(t *testing.T) {
	tool, err := sandbox.CompileCode("check", "x == 5", nil)
	if err != nil {
		t.Fatalf("CompileCode() error = %v", err)
	}
	out, err := tool.Run(context.Background(), map[string]any{"x": 5})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out != true {
		t.Errorf("Run() = %v, want true", out)
	}
}

func TestCodeToolHelpers(t *testing.T) {
	cases := []struct {
		name   string
		script string
		args   map[string]any
		want   any
	}{
		{"regex_match", `regex_match("^[a-z]+$", word)`, map[string]any{"word": "hello"}, true},
		{"regex_replace", `regex_replace("[0-9]+", s, "N")`, map[string]any{"s": "order 42"}, "order N"},
		{"json_parse", `json_parse(payload).name`, map[string]any{"payload": `{"name":"kiln"}`}, "kiln"},
		{"json_encode", `json_encode({"a": 1})`, nil, `{"a":1}`},
		{"date_add", `date_add("2026-01-30", 2)`, nil, "2026-02-01"},
		{"date_diff", `date_diff("2026-01-10", "2026-01-03")`, nil, 7},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			tool, err := sandbox.CompileCode(c.name, c.script, nil)
			if err != nil {
				t.Fatalf("CompileCode() error = %v", err)
			}
			out, err := tool.Run(context.Background(), c.args)
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if out != c.want {
				t.Errorf("Run() = %v (%T), want %v", out, out, c.want)
			}
		})
	}
}

func TestCodeToolRuntimeErrorIsReturned(t *testing.T) {
	tool, err := sandbox.CompileCode("parse", `json_parse(payload)`, nil)
	if err != nil {
		t.Fatalf("CompileCode() error = %v", err)
	}
	if _, err := tool.Run(context.Background(), map[string]any{"payload": "{broken"}); err == nil {
		t.Error("Run() with invalid json should fail")
	}
}

func TestCodeToolHonorsCancellation(t *testing.T) {
	tool, err := sandbox.CompileCode("slowish", "a = 1\nb = 2\na + b", nil)
	if err != nil {
		t.Fatalf("CompileCode() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := tool.Run(ctx, nil); err == nil {
		t.Error("Run() with cancelled context should fail")
	}
}
