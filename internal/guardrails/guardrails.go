// Package guardrails evaluates input and output text against an
// agent's configured guardrail rules.
//
// Supported kinds:
//   - content_filter: keyword/phrase blocklist
//   - max_length: character/word limits
//   - regex_filter: custom regex pattern matching
//   - pii_detection: built-in email/phone/ssn/card patterns
//
// A failing input-stage rule stops the run before the first turn; a
// failing output-stage rule is recorded on the run but does not undo
// the completion.
package guardrails

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/kilnworks/kiln/pkg/models"
)

const (
	StageInput  = "input"
	StageOutput = "output"
)

// Result is the outcome of one rule against one text.
type Result struct {
	Kind    models.GuardrailKind `json:"kind"`
	Stage   string               `json:"stage"`
	Passed  bool                 `json:"passed"`
	Message string               `json:"message,omitempty"`
}

// Evaluation aggregates the results of all applicable rules.
type Evaluation struct {
	Passed  bool     `json:"passed"`
	Results []Result `json:"results"`
}

// Violations lists the messages of the failed rules.
func (e *Evaluation) Violations() []string {
	var msgs []string
	for _, r := range e.Results {
		if !r.Passed {
			msgs = append(msgs, r.Message)
		}
	}
	return msgs
}

// EvaluateInput runs input-stage rules against the user message.
func EvaluateInput(rules []models.Guardrail, message string) *Evaluation {
	return evaluate(rules, message, StageInput)
}

// EvaluateOutput runs output-stage rules against the final response.
func EvaluateOutput(rules []models.Guardrail, response string) *Evaluation {
	return evaluate(rules, response, StageOutput)
}

func evaluate(rules []models.Guardrail, text, stage string) *Evaluation {
	eval := &Evaluation{Passed: true, Results: make([]Result, 0)}
	for _, g := range rules {
		if !g.Enabled || !appliesToStage(g.Stage, stage) {
			continue
		}
		result := evaluateOne(g, text, stage)
		eval.Results = append(eval.Results, result)
		if !result.Passed {
			eval.Passed = false
		}
	}
	return eval
}

func appliesToStage(ruleStage models.GuardrailStage, stage string) bool {
	switch ruleStage {
	case models.GuardrailStageInput:
		return stage == StageInput
	case models.GuardrailStageOutput:
		return stage == StageOutput
	default:
		// "both" and unset apply everywhere.
		return true
	}
}

func evaluateOne(g models.Guardrail, text, stage string) Result {
	switch g.Kind {
	case models.GuardrailContentFilter:
		return evalContentFilter(g, text, stage)
	case models.GuardrailMaxLength:
		return evalMaxLength(g, text, stage)
	case models.GuardrailRegexFilter:
		return evalRegexFilter(g, text, stage)
	case models.GuardrailPIIDetection:
		return evalPIIDetection(g, text, stage)
	default:
		return Result{Passed: true, Kind: g.Kind, Stage: stage, Message: "unknown guardrail kind"}
	}
}

// ── Content Filter ──────────────────────────────────────────
// Config: { "blocked_words": ["word1", "word2"], "case_sensitive": false }

func evalContentFilter(g models.Guardrail, text, stage string) Result {
	blockedRaw, _ := g.Config["blocked_words"].([]any)
	caseSensitive, _ := g.Config["case_sensitive"].(bool)

	checkText := text
	if !caseSensitive {
		checkText = strings.ToLower(text)
	}

	for _, raw := range blockedRaw {
		word, ok := raw.(string)
		if !ok {
			continue
		}
		if !caseSensitive {
			word = strings.ToLower(word)
		}
		if strings.Contains(checkText, word) {
			return Result{
				Kind:    g.Kind,
				Stage:   stage,
				Message: "Blocked content detected: contains prohibited word/phrase",
			}
		}
	}
	return Result{Passed: true, Kind: g.Kind, Stage: stage}
}

// ── Max Length ──────────────────────────────────────────────
// Config: { "max_characters": 5000, "max_words": 1000 }

func evalMaxLength(g models.Guardrail, text, stage string) Result {
	if maxChars, ok := intConfig(g.Config, "max_characters"); ok && maxChars > 0 {
		if utf8.RuneCountInString(text) > maxChars {
			return Result{
				Kind:    g.Kind,
				Stage:   stage,
				Message: "Message exceeds maximum character limit",
			}
		}
	}
	if maxWords, ok := intConfig(g.Config, "max_words"); ok && maxWords > 0 {
		if len(strings.Fields(text)) > maxWords {
			return Result{
				Kind:    g.Kind,
				Stage:   stage,
				Message: "Message exceeds maximum word limit",
			}
		}
	}
	return Result{Passed: true, Kind: g.Kind, Stage: stage}
}

// ── Regex Filter ────────────────────────────────────────────
// Config: { "pattern": "regex_string", "block_on_match": true }

func evalRegexFilter(g models.Guardrail, text, stage string) Result {
	pattern, _ := g.Config["pattern"].(string)
	if pattern == "" {
		return Result{Passed: true, Kind: g.Kind, Stage: stage}
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		// A broken pattern must not block every message.
		return Result{
			Passed:  true,
			Kind:    g.Kind,
			Stage:   stage,
			Message: "Invalid regex pattern: " + err.Error(),
		}
	}

	blockOnMatch := true
	if b, ok := g.Config["block_on_match"].(bool); ok {
		blockOnMatch = b
	}

	matched := re.MatchString(text)
	if matched && blockOnMatch {
		return Result{Kind: g.Kind, Stage: stage, Message: "Content matched blocked regex pattern"}
	}
	if !matched && !blockOnMatch {
		return Result{Kind: g.Kind, Stage: stage, Message: "Content did not match required regex pattern"}
	}
	return Result{Passed: true, Kind: g.Kind, Stage: stage}
}

// ── PII Detection ───────────────────────────────────────────
// Config: { "patterns": ["email", "phone", "ssn", "credit_card"] }
// An empty patterns list checks everything built in.

var piiPatterns = map[string]*regexp.Regexp{
	"email":       regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`),
	"phone":       regexp.MustCompile(`(\+?1[-.\s]?)?\(?\d{3}\)?[-.\s]?\d{3}[-.\s]?\d{4}`),
	"ssn":         regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
	"credit_card": regexp.MustCompile(`\b(?:\d{4}[-\s]?){3}\d{4}\b`),
}

func evalPIIDetection(g models.Guardrail, text, stage string) Result {
	patternsRaw, _ := g.Config["patterns"].([]any)

	var names []string
	if len(patternsRaw) > 0 {
		for _, p := range patternsRaw {
			if s, ok := p.(string); ok {
				names = append(names, s)
			}
		}
	} else {
		for k := range piiPatterns {
			names = append(names, k)
		}
	}

	for _, name := range names {
		re, ok := piiPatterns[name]
		if !ok {
			continue
		}
		if re.MatchString(text) {
			return Result{
				Kind:    g.Kind,
				Stage:   stage,
				Message: "PII detected: " + name + " pattern matched",
			}
		}
	}
	return Result{Passed: true, Kind: g.Kind, Stage: stage}
}

// intConfig extracts an integer from a config map (JSON numbers decode
// as float64).
func intConfig(config map[string]any, key string) (int, bool) {
	switch n := config[key].(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case int64:
		return int(n), true
	default:
		return 0, false
	}
}
