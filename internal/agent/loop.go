// Package agent implements the bounded conversation loop:
//
//	build working messages → call the completion layer →
//	if tool_calls, dispatch them through the registry →
//	feed results back → repeat until a text response,
//	the turn cap, or cancellation.
//
// Tool failures of every kind (unknown name, bad arguments, timeout,
// execution error) are fed back to the model as error results; only a
// failed completion call fails the conversation itself. Turn-cap
// exhaustion is a normal termination.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kilnworks/kiln/internal/config"
	"github.com/kilnworks/kiln/internal/guardrails"
	"github.com/kilnworks/kiln/internal/model"
	"github.com/kilnworks/kiln/internal/resolver"
	"github.com/kilnworks/kiln/internal/tools"
	"github.com/kilnworks/kiln/pkg/models"
)

// fallbackMaxTurns applies when no ceiling is configured at all.
const fallbackMaxTurns = 10

// Recorder receives transcript updates as the loop makes progress, so
// concurrent readers observe a live run. Cancelled re-reads the run's
// status; the loop checks it before each turn and after each dispatch.
type Recorder interface {
	Append(ctx context.Context, messages []models.Message, calls []models.ToolCallRecord, tokens int)
	Cancelled(ctx context.Context) bool
}

type noopRecorder struct{}

func (noopRecorder) Append(context.Context, []models.Message, []models.ToolCallRecord, int) {}
func (noopRecorder) Cancelled(context.Context) bool                                        { return false }

// Options carries the per-conversation inputs.
type Options struct {
	RunID            string
	Model            string // override; empty uses the agent's model
	Input            string
	ContextVariables map[string]any

	// PreviousMessages replays structured prior turns. When empty,
	// ConversationHistory is re-parsed from the canonical text
	// encoding instead.
	PreviousMessages    []models.Message
	ConversationHistory string

	// MaxTurns is the caller's cap; the effective ceiling is the
	// smaller of this and the configured process-wide limit.
	MaxTurns int

	Recorder Recorder
}

// Outcome is the result of one conversation.
type Outcome struct {
	Messages            []models.Message
	ToolCalls           []models.ToolCallRecord
	Output              string
	TokensUsed          int
	Turns               int
	Cancelled           bool
	GuardrailViolations []string
}

// Executor drives agent conversations against the completion layer.
type Executor struct {
	completer model.Completer
	registry  *tools.Registry
	cfg       config.ExecutionConfig
}

// NewExecutor creates an executor.
func NewExecutor(completer model.Completer, registry *tools.Registry, cfg config.ExecutionConfig) *Executor {
	return &Executor{completer: completer, registry: registry, cfg: cfg}
}

// Converse runs the loop for a resolved agent. A nil error with
// Outcome.Cancelled set means the caller requested cancellation; the
// partial transcript is whatever the recorder already received.
func (e *Executor) Converse(ctx context.Context, resolved *resolver.ResolvedAgent, opts Options) (*Outcome, error) {
	def := resolved.Agent
	outcome := &Outcome{}

	rec := opts.Recorder
	if rec == nil {
		rec = noopRecorder{}
	}

	if eval := guardrails.EvaluateInput(def.Guardrails, opts.Input); !eval.Passed {
		return outcome, fmt.Errorf("input rejected by guardrail: %s", strings.Join(eval.Violations(), "; "))
	}

	working := buildMessages(resolved.Instructions, opts)

	// The system message stays out of the run record.
	visibleFrom := 0
	if resolved.Instructions != "" {
		visibleFrom = 1
	}
	if initial := working[visibleFrom:]; len(initial) > 0 {
		outcome.Messages = append(outcome.Messages, initial...)
		rec.Append(ctx, initial, nil, 0)
	}

	specs := toolSpecs(resolved.Tools)
	toolChoice := def.ToolChoice
	maxTurns := e.effectiveMaxTurns(def, opts)
	modelName := def.Model
	if opts.Model != "" {
		modelName = opts.Model
	}

	start := time.Now()
	done := false

	for turn := 1; turn <= maxTurns && !done; turn++ {
		if rec.Cancelled(ctx) {
			outcome.Cancelled = true
			return outcome, nil
		}

		resp, err := e.completer.Complete(ctx, &model.Request{
			Model:             modelName,
			Messages:          working,
			Tools:             specs,
			ToolChoice:        toolChoice,
			ParallelToolCalls: def.ParallelToolCalls,
		})
		if err != nil {
			if errors.Is(err, context.Canceled) {
				outcome.Cancelled = true
				return outcome, nil
			}
			return outcome, fmt.Errorf("model call failed (turn %d): %w", turn, err)
		}

		outcome.Turns = turn
		outcome.TokensUsed += resp.Usage.TotalTokens

		// A forced tool choice binds the first turn only; later turns
		// must be able to stop.
		if toolChoice != "" && toolChoice != "auto" && toolChoice != "none" {
			toolChoice = "auto"
		}

		if len(resp.ToolCalls) == 0 {
			assistant := models.Message{Role: "assistant", Content: resp.Content}
			working = append(working, assistant)
			outcome.Messages = append(outcome.Messages, assistant)
			outcome.Output = resp.Content
			rec.Append(ctx, []models.Message{assistant}, nil, resp.Usage.TotalTokens)
			done = true
			continue
		}

		assistant := models.Message{Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls}
		working = append(working, assistant)
		outcome.Messages = append(outcome.Messages, assistant)
		rec.Append(ctx, []models.Message{assistant}, nil, resp.Usage.TotalTokens)

		results := e.dispatch(ctx, resolved, opts.RunID, resp.ToolCalls, def.ParallelToolCalls)

		if rec.Cancelled(ctx) {
			// Late results are dropped, not appended.
			outcome.Cancelled = true
			return outcome, nil
		}

		msgs := make([]models.Message, 0, len(results))
		recs := make([]models.ToolCallRecord, 0, len(results))
		for _, r := range results {
			working = append(working, r.message)
			msgs = append(msgs, r.message)
			recs = append(recs, r.record)
		}
		outcome.Messages = append(outcome.Messages, msgs...)
		outcome.ToolCalls = append(outcome.ToolCalls, recs...)
		rec.Append(ctx, msgs, recs, 0)

		if turn == maxTurns {
			log.Warn().
				Str("agent", def.ID).
				Str("run_id", opts.RunID).
				Int("max_turns", maxTurns).
				Msg("Agent hit max turns")
		}
	}

	if outcome.Output != "" {
		if eval := guardrails.EvaluateOutput(def.Guardrails, outcome.Output); !eval.Passed {
			outcome.GuardrailViolations = eval.Violations()
			log.Warn().
				Str("agent", def.ID).
				Str("run_id", opts.RunID).
				Strs("violations", outcome.GuardrailViolations).
				Msg("Output guardrail violation recorded")
		}
	}

	log.Info().
		Str("agent", def.ID).
		Str("run_id", opts.RunID).
		Int("turns", outcome.Turns).
		Int("tool_calls", len(outcome.ToolCalls)).
		Int64("total_ms", time.Since(start).Milliseconds()).
		Msg("Agent loop complete")
	return outcome, nil
}

// effectiveMaxTurns is min(caller cap, configured ceiling).
func (e *Executor) effectiveMaxTurns(def *models.Agent, opts Options) int {
	ceiling := e.cfg.DefaultMaxTurns
	if ceiling <= 0 {
		ceiling = fallbackMaxTurns
	}

	limit := ceiling
	if def.MaxTurns > 0 && def.MaxTurns < limit {
		limit = def.MaxTurns
	}
	if opts.MaxTurns > 0 && opts.MaxTurns < limit {
		limit = opts.MaxTurns
	}
	return limit
}

func (e *Executor) toolTimeout() time.Duration {
	if e.cfg.ToolTimeout > 0 {
		return e.cfg.ToolTimeout
	}
	return 30 * time.Second
}

// toolSpecs projects registry definitions into the completion wire
// shape.
func toolSpecs(defs []*tools.Definition) []model.ToolSpec {
	specs := make([]model.ToolSpec, 0, len(defs))
	for _, def := range defs {
		specs = append(specs, model.ToolSpec{
			Name:        def.Name,
			Description: def.Description,
			Schema:      def.SchemaDoc(),
		})
	}
	return specs
}
