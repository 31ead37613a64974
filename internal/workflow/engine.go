// Package workflow executes multi-step workflows. Each step is one
// agent conversation; outputs are published into a shared results map
// keyed by output_key and threaded into later steps via input_mapping.
//
// Sequential mode halts at the first failed step. Parallel mode fans
// all steps out concurrently; a failed step marks only itself failed,
// and step_results plus the results map always read back in declared
// order regardless of completion order.
package workflow

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kilnworks/kiln/internal/agent"
	"github.com/kilnworks/kiln/internal/resolver"
	"github.com/kilnworks/kiln/internal/store"
	"github.com/kilnworks/kiln/pkg/models"
)

// inactiveAgentError is the step error recorded when a step's agent is
// missing, owned by another workspace, or not active.
const inactiveAgentError = "Agent is not active"

// Options carries the per-execution inputs.
type Options struct {
	RunID            string
	Input            string
	ContextVariables map[string]any
	MaxTurns         int

	// Recorder is handed to every step's agent loop, so the run
	// transcript accumulates across steps and cancellation is observed
	// mid-step.
	Recorder agent.Recorder

	// OnStep is called after each step result is final, in declared
	// step order.
	OnStep func(models.StepResult)
}

// Outcome aggregates a workflow execution.
type Outcome struct {
	StepResults []models.StepResult
	Output      string
	TokensUsed  int
	Cancelled   bool

	// Err is the first step error in declared order, empty when every
	// step completed.
	Err string
}

// Engine executes workflows by running each step through the agent
// loop.
type Engine struct {
	store    store.Store
	resolver *resolver.Resolver
	executor *agent.Executor
}

// NewEngine creates a workflow engine.
func NewEngine(s store.Store, res *resolver.Resolver, exec *agent.Executor) *Engine {
	return &Engine{store: s, resolver: res, executor: exec}
}

// Execute runs every step of a workflow. Failures are recorded as step
// results, never returned; Outcome.Err carries the first step error.
func (e *Engine) Execute(ctx context.Context, wf *models.Workflow, opts Options) *Outcome {
	start := time.Now()

	log.Info().
		Str("run_id", opts.RunID).
		Str("workflow", wf.ID).
		Str("mode", string(wf.ExecutionMode)).
		Int("steps", len(wf.Steps)).
		Msg("Workflow execution started")

	var outcome *Outcome
	if wf.ExecutionMode == models.ExecutionParallel {
		outcome = e.executeParallel(ctx, wf, opts)
	} else {
		outcome = e.executeSequential(ctx, wf, opts)
	}

	if outcome.Cancelled {
		log.Info().
			Str("run_id", opts.RunID).
			Str("workflow", wf.ID).
			Msg("Workflow execution cancelled")
		return outcome
	}

	if outcome.Err != "" {
		log.Error().
			Str("run_id", opts.RunID).
			Str("workflow", wf.ID).
			Str("error", outcome.Err).
			Msg("💥 Workflow execution failed")
	} else {
		log.Info().
			Str("run_id", opts.RunID).
			Str("workflow", wf.ID).
			Int("steps", len(outcome.StepResults)).
			Int("tokens", outcome.TokensUsed).
			Int64("duration_ms", time.Since(start).Milliseconds()).
			Msg("🎉 Workflow execution completed")
	}
	return outcome
}

func (e *Engine) executeSequential(ctx context.Context, wf *models.Workflow, opts Options) *Outcome {
	outcome := &Outcome{}
	results := make(map[string]string)

	for _, step := range wf.Steps {
		if cancelled(ctx, opts.Recorder) {
			outcome.Cancelled = true
			return outcome
		}

		sr, stepCancelled := e.runStep(ctx, wf, step, opts, results)
		if stepCancelled {
			outcome.Cancelled = true
			return outcome
		}

		outcome.StepResults = append(outcome.StepResults, sr)
		outcome.TokensUsed += sr.TokensUsed
		if opts.OnStep != nil {
			opts.OnStep(sr)
		}

		if sr.Status == models.StepFailed {
			outcome.Err = sr.Error
			return outcome
		}
		results[sr.OutputKey] = sr.Output
		outcome.Output = sr.Output
	}
	return outcome
}

// executeParallel fans all steps out at once. Slot i always belongs to
// step i, so joining the vector preserves declared order no matter how
// completion interleaves.
func (e *Engine) executeParallel(ctx context.Context, wf *models.Workflow, opts Options) *Outcome {
	outcome := &Outcome{}
	if cancelled(ctx, opts.Recorder) {
		outcome.Cancelled = true
		return outcome
	}

	// Parallel steps see no sibling outputs; mapped keys resolve
	// against the initial, empty results map.
	initial := make(map[string]string)

	type slot struct {
		result    models.StepResult
		cancelled bool
	}
	slots := make([]slot, len(wf.Steps))

	var wg sync.WaitGroup
	for i, step := range wf.Steps {
		wg.Add(1)
		go func(i int, step models.WorkflowStep) {
			defer wg.Done()
			sr, c := e.runStep(ctx, wf, step, opts, initial)
			slots[i] = slot{result: sr, cancelled: c}
		}(i, step)
	}
	wg.Wait()

	if cancelled(ctx, opts.Recorder) {
		outcome.Cancelled = true
		return outcome
	}

	results := make(map[string]string)
	for _, s := range slots {
		if s.cancelled {
			outcome.Cancelled = true
			return outcome
		}
		sr := s.result
		outcome.StepResults = append(outcome.StepResults, sr)
		outcome.TokensUsed += sr.TokensUsed
		if opts.OnStep != nil {
			opts.OnStep(sr)
		}
		if sr.Status == models.StepFailed {
			if outcome.Err == "" {
				outcome.Err = sr.Error
			}
			continue
		}
		results[sr.OutputKey] = sr.Output
		outcome.Output = sr.Output
	}
	return outcome
}

// runStep executes one step as an agent conversation. The boolean
// reports cancellation mid-step; the step result is discarded then.
func (e *Engine) runStep(ctx context.Context, wf *models.Workflow, step models.WorkflowStep, opts Options, results map[string]string) (models.StepResult, bool) {
	start := time.Now()
	sr := models.StepResult{
		StepID:    step.StepID,
		AgentID:   step.AgentID,
		OutputKey: outputKey(step),
	}

	fail := func(msg string) (models.StepResult, bool) {
		sr.Status = models.StepFailed
		sr.Error = msg
		sr.DurationMs = time.Since(start).Milliseconds()
		sr.CompletedAt = time.Now().UTC()
		log.Error().
			Str("run_id", opts.RunID).
			Str("step", step.StepID).
			Str("error", msg).
			Msg("❌ Workflow step failed")
		return sr, false
	}

	ag, err := e.store.GetAgent(ctx, wf.OwnerID, step.AgentID)
	if err != nil || ag.Status != models.AgentStatusActive {
		return fail(inactiveAgentError)
	}

	sr.Input = stepInput(step, opts.Input, results)

	resolved, err := e.resolver.Resolve(ctx, ag, opts.ContextVariables)
	if err != nil {
		return fail(err.Error())
	}

	out, err := e.executor.Converse(ctx, resolved, agent.Options{
		RunID:            opts.RunID,
		Input:            sr.Input,
		ContextVariables: opts.ContextVariables,
		MaxTurns:         opts.MaxTurns,
		Recorder:         opts.Recorder,
	})
	sr.TokensUsed = out.TokensUsed
	if err != nil {
		return fail(err.Error())
	}
	if out.Cancelled {
		return models.StepResult{}, true
	}

	sr.Status = models.StepCompleted
	sr.Output = lastAssistant(out)
	sr.DurationMs = time.Since(start).Milliseconds()
	sr.CompletedAt = time.Now().UTC()

	log.Info().
		Str("run_id", opts.RunID).
		Str("step", step.StepID).
		Str("agent", step.AgentID).
		Int64("duration_ms", sr.DurationMs).
		Msg("✅ Workflow step completed")
	return sr, false
}

// stepInput computes a step's input text. An empty mapping passes the
// original input through; otherwise each declared key binds the value
// of the referenced prior output key, one "key: value" line per entry,
// keys sorted. Missing references bind the empty string.
func stepInput(step models.WorkflowStep, original string, results map[string]string) string {
	if len(step.InputMapping) == 0 {
		return original
	}
	keys := make([]string, 0, len(step.InputMapping))
	for k := range step.InputMapping {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, k+": "+results[step.InputMapping[k]])
	}
	return strings.Join(lines, "\n")
}

func outputKey(step models.WorkflowStep) string {
	if step.OutputKey != "" {
		return step.OutputKey
	}
	return step.StepID
}

// lastAssistant extracts the step output: the content of the final
// assistant message, whether the loop stopped on text or on the turn
// cap.
func lastAssistant(out *agent.Outcome) string {
	if out.Output != "" {
		return out.Output
	}
	for i := len(out.Messages) - 1; i >= 0; i-- {
		if out.Messages[i].Role == "assistant" {
			return out.Messages[i].Content
		}
	}
	return ""
}

func cancelled(ctx context.Context, rec agent.Recorder) bool {
	if ctx.Err() != nil {
		return true
	}
	return rec != nil && rec.Cancelled(ctx)
}
