// Package sandbox evaluates user-defined tools. Code tools are small
// expression scripts run through expr-lang with no filesystem, network
// or process access; action tools are declarative JSON definitions
// executed by the runtime on the tool's behalf.
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/kilnworks/kiln/pkg/models"
)

// assignRe matches `name = <expression>` lines. The negative char after
// '=' keeps comparisons like `a == b` from parsing as assignments.
var assignRe = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*)\s*=\s*([^=].*)$`)

// Entry variables checked in order for a code tool's return value.
var entryNames = []string{"main", "run", "execute", "result"}

type codeLine struct {
	target  string // assigned variable, "" for a bare expression
	src     string
	program *vm.Program
}

// CodeTool is a compiled code-type custom tool.
type CodeTool struct {
	name   string
	params []models.ToolParameter
	lines  []codeLine
}

// CompileCode parses and compiles a code tool definition. Each
// non-empty line is either `name = <expression>` or a bare expression;
// `#` starts a comment. Compilation errors surface at registration
// time, not mid-run.
func CompileCode(name, definition string, params []models.ToolParameter) (*CodeTool, error) {
	if len(definition) > models.MaxCustomToolBytes {
		return nil, models.Validationf("tool definition exceeds %d bytes", models.MaxCustomToolBytes)
	}
	if strings.TrimSpace(definition) == "" {
		return nil, models.Validationf("tool definition is empty")
	}

	tool := &CodeTool{name: name, params: params}
	for i, raw := range strings.Split(definition, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		target := ""
		src := line
		if m := assignRe.FindStringSubmatch(line); m != nil {
			target = m[1]
			src = strings.TrimSpace(m[2])
		}

		program, err := expr.Compile(src)
		if err != nil {
			return nil, models.Validationf("line %d: %v", i+1, err)
		}
		tool.lines = append(tool.lines, codeLine{target: target, src: src, program: program})
	}

	if len(tool.lines) == 0 {
		return nil, models.Validationf("tool definition has no executable lines")
	}
	return tool, nil
}

// Run evaluates the script against the call arguments. Declared
// parameters are always present in the environment (nil when the
// caller omitted an optional one). The return value is the entry
// variable (main, run, execute or result) if assigned, otherwise the
// value of the last evaluated line.
func (t *CodeTool) Run(ctx context.Context, args map[string]any) (any, error) {
	env := helperEnv()
	for _, p := range t.params {
		env[p.Name] = nil
	}
	for k, v := range args {
		env[k] = v
	}
	env["args"] = args

	assigned := map[string]any{}
	var last any
	for _, line := range t.lines {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out, err := expr.Run(line.program, env)
		if err != nil {
			return nil, fmt.Errorf("evaluate %q: %w", line.src, err)
		}
		if line.target != "" {
			env[line.target] = out
			assigned[line.target] = out
		}
		last = out
	}

	for _, name := range entryNames {
		if v, ok := assigned[name]; ok {
			return v, nil
		}
	}
	return last, nil
}

// helperEnv builds the pure helper functions exposed to code tools.
// String helpers (upper, trim, split, ...) come from expr's builtins.
func helperEnv() map[string]any {
	return map[string]any{
		"regex_match": func(pattern, s string) (bool, error) {
			re, err := regexp.Compile(pattern)
			if err != nil {
				return false, fmt.Errorf("bad pattern: %w", err)
			}
			return re.MatchString(s), nil
		},
		"regex_find": func(pattern, s string) ([]string, error) {
			re, err := regexp.Compile(pattern)
			if err != nil {
				return nil, fmt.Errorf("bad pattern: %w", err)
			}
			return re.FindAllString(s, -1), nil
		},
		"regex_replace": func(pattern, s, repl string) (string, error) {
			re, err := regexp.Compile(pattern)
			if err != nil {
				return "", fmt.Errorf("bad pattern: %w", err)
			}
			return re.ReplaceAllString(s, repl), nil
		},
		"json_parse": func(s string) (any, error) {
			var v any
			if err := json.Unmarshal([]byte(s), &v); err != nil {
				return nil, fmt.Errorf("invalid json: %w", err)
			}
			return v, nil
		},
		"json_encode": func(v any) (string, error) {
			b, err := json.Marshal(v)
			if err != nil {
				return "", err
			}
			return string(b), nil
		},
		"now": func() string {
			return time.Now().UTC().Format(time.RFC3339)
		},
		"date_add": func(date string, days int) (string, error) {
			t, err := parseDate(date)
			if err != nil {
				return "", err
			}
			return t.AddDate(0, 0, days).Format("2006-01-02"), nil
		},
		"date_diff": func(a, b string) (int, error) {
			ta, err := parseDate(a)
			if err != nil {
				return 0, err
			}
			tb, err := parseDate(b)
			if err != nil {
				return 0, err
			}
			return int(ta.Sub(tb).Hours() / 24), nil
		},
	}
}

func parseDate(s string) (time.Time, error) {
	for _, layout := range []string{"2006-01-02", time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse date %q (want YYYY-MM-DD or RFC 3339)", s)
}
