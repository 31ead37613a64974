package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/kilnworks/kiln/pkg/models"
)

// Action kinds.
const (
	ActionHTTP      = "http"
	ActionTransform = "transform"
	ActionAggregate = "aggregate"
)

const maxActionResponseBytes = 1 << 20

// actionSpec is the JSON shape of an action tool definition.
type actionSpec struct {
	Kind      string            `json:"kind"`
	Method    string            `json:"method,omitempty"`
	URL       string            `json:"url,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Query     map[string]string `json:"query,omitempty"`
	Body      map[string]any    `json:"body,omitempty"`
	Output    map[string]any    `json:"output,omitempty"`
	Operation string            `json:"operation,omitempty"`
	Field     string            `json:"field,omitempty"`
	Source    string            `json:"source,omitempty"` // argument holding the item list, default "items"
}

// ActionTool is a parsed action-type custom tool.
type ActionTool struct {
	name   string
	spec   actionSpec
	client *http.Client
}

// ParseAction validates and parses an action tool definition.
func ParseAction(name, definition string, client *http.Client) (*ActionTool, error) {
	if len(definition) > models.MaxCustomToolBytes {
		return nil, models.Validationf("tool definition exceeds %d bytes", models.MaxCustomToolBytes)
	}

	var spec actionSpec
	dec := json.NewDecoder(strings.NewReader(definition))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&spec); err != nil {
		return nil, models.Validationf("action definition: %v", err)
	}

	switch spec.Kind {
	case ActionHTTP:
		if spec.URL == "" {
			return nil, models.Validationf("http action requires a url")
		}
		if spec.Method == "" {
			spec.Method = http.MethodGet
		}
		spec.Method = strings.ToUpper(spec.Method)
		if spec.Method != http.MethodGet && spec.Method != http.MethodPost {
			return nil, models.Validationf("http action method must be GET or POST, got %s", spec.Method)
		}
	case ActionTransform:
		if len(spec.Output) == 0 {
			return nil, models.Validationf("transform action requires an output mapping")
		}
	case ActionAggregate:
		switch spec.Operation {
		case "sum", "avg", "count", "min", "max":
		default:
			return nil, models.Validationf("aggregate operation must be one of sum/avg/count/min/max, got %q", spec.Operation)
		}
		if spec.Operation != "count" && spec.Field == "" {
			return nil, models.Validationf("aggregate %s requires a field", spec.Operation)
		}
	default:
		return nil, models.Validationf("unknown action kind %q", spec.Kind)
	}

	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &ActionTool{name: name, spec: spec, client: client}, nil
}

// Run executes the action with the call arguments.
func (t *ActionTool) Run(ctx context.Context, args map[string]any) (any, error) {
	switch t.spec.Kind {
	case ActionHTTP:
		return t.runHTTP(ctx, args)
	case ActionTransform:
		return t.runTransform(args)
	case ActionAggregate:
		return t.runAggregate(args)
	}
	return nil, fmt.Errorf("unknown action kind %q", t.spec.Kind)
}

// ── HTTP actions ────────────────────────────────────────────

func (t *ActionTool) runHTTP(ctx context.Context, args map[string]any) (any, error) {
	endpoint := substituteTemplate(t.spec.URL, args)
	parsed, err := url.Parse(endpoint)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return nil, fmt.Errorf("invalid action url %q", endpoint)
	}

	if len(t.spec.Query) > 0 {
		q := parsed.Query()
		for k, v := range t.spec.Query {
			q.Set(k, stringify(resolveRef(v, args)))
		}
		parsed.RawQuery = q.Encode()
	}

	var body io.Reader
	if t.spec.Method == http.MethodPost {
		payload := map[string]any{}
		for k, v := range t.spec.Body {
			payload[k] = resolveValue(v, args)
		}
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode body: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, t.spec.Method, parsed.String(), body)
	if err != nil {
		return nil, err
	}
	if t.spec.Method == http.MethodPost {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range t.spec.Headers {
		req.Header.Set(k, substituteTemplate(v, args))
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("action request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxActionResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var parsedBody any = string(raw)
	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		var v any
		if json.Unmarshal(raw, &v) == nil {
			parsedBody = v
		}
	}

	return map[string]any{
		"status_code": resp.StatusCode,
		"body":        parsedBody,
	}, nil
}

// ── Transform actions ───────────────────────────────────────

func (t *ActionTool) runTransform(args map[string]any) (any, error) {
	out := map[string]any{}
	for k, v := range t.spec.Output {
		out[k] = resolveValue(v, args)
	}
	return out, nil
}

// ── Aggregate actions ───────────────────────────────────────

func (t *ActionTool) runAggregate(args map[string]any) (any, error) {
	source := t.spec.Source
	if source == "" {
		source = "items"
	}
	items, ok := args[source].([]any)
	if !ok {
		return nil, fmt.Errorf("aggregate needs a list argument %q", source)
	}

	if t.spec.Operation == "count" {
		return map[string]any{"operation": "count", "result": len(items)}, nil
	}

	values := make([]float64, 0, len(items))
	for i, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("item %d is not an object", i)
		}
		n, ok := toFloat(m[t.spec.Field])
		if !ok {
			return nil, fmt.Errorf("item %d field %q is not numeric", i, t.spec.Field)
		}
		values = append(values, n)
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("no values to aggregate")
	}

	var result float64
	switch t.spec.Operation {
	case "sum", "avg":
		for _, v := range values {
			result += v
		}
		if t.spec.Operation == "avg" {
			result /= float64(len(values))
		}
	case "min":
		result = values[0]
		for _, v := range values[1:] {
			if v < result {
				result = v
			}
		}
	case "max":
		result = values[0]
		for _, v := range values[1:] {
			if v > result {
				result = v
			}
		}
	}

	return map[string]any{
		"operation": t.spec.Operation,
		"field":     t.spec.Field,
		"count":     len(values),
		"result":    result,
	}, nil
}

// ── Reference resolution ────────────────────────────────────

// substituteTemplate replaces {param} placeholders with argument values.
func substituteTemplate(template string, args map[string]any) string {
	out := template
	for k, v := range args {
		out = strings.ReplaceAll(out, "{"+k+"}", stringify(v))
	}
	return out
}

// resolveValue resolves $-prefixed references recursively. A string
// that is exactly "$name" yields the raw argument value; embedded
// references are interpolated as text.
func resolveValue(v any, args map[string]any) any {
	switch val := v.(type) {
	case string:
		return resolveRef(val, args)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			out[k] = resolveValue(inner, args)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = resolveValue(inner, args)
		}
		return out
	default:
		return v
	}
}

// exactRefRe matches a string that is one whole $reference.
var exactRefRe = regexp.MustCompile(`^\$[A-Za-z_][A-Za-z0-9_]*$`)

func resolveRef(s string, args map[string]any) any {
	if exactRefRe.MatchString(s) {
		if v, ok := args[s[1:]]; ok {
			return v
		}
		return nil
	}
	if !strings.Contains(s, "$") {
		return s
	}
	out := s
	for k, v := range args {
		out = strings.ReplaceAll(out, "$"+k, stringify(v))
	}
	return out
}

func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%g", val)
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(b)
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
