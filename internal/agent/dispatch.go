package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kilnworks/kiln/internal/resolver"
	"github.com/kilnworks/kiln/internal/tools"
	"github.com/kilnworks/kiln/pkg/models"
)

// truncationMarker flags results cut at the configured size ceiling.
const truncationMarker = "\n[truncated]"

// toolOutcome pairs the transcript message with the trace record for
// one dispatched call.
type toolOutcome struct {
	message models.Message
	record  models.ToolCallRecord
}

// dispatch executes the model's tool calls and returns outcomes in
// request order. With parallel enabled the calls fan out concurrently,
// but slot i always belongs to calls[i], so transcripts are stable
// across replays regardless of completion order.
func (e *Executor) dispatch(ctx context.Context, resolved *resolver.ResolvedAgent, runID string, calls []models.ToolCall, parallel bool) []toolOutcome {
	outcomes := make([]toolOutcome, len(calls))

	if parallel && len(calls) > 1 {
		var wg sync.WaitGroup
		for i, call := range calls {
			wg.Add(1)
			go func(slot int, tc models.ToolCall) {
				defer wg.Done()
				outcomes[slot] = e.invoke(ctx, resolved, runID, tc)
			}(i, call)
		}
		wg.Wait()
		return outcomes
	}

	for i, call := range calls {
		outcomes[i] = e.invoke(ctx, resolved, runID, call)
	}
	return outcomes
}

// invoke runs a single tool call. Misses, bad arguments, timeouts, and
// execution failures all come back as error results for the model to
// read; none of them fail the run.
func (e *Executor) invoke(ctx context.Context, resolved *resolver.ResolvedAgent, runID string, call models.ToolCall) toolOutcome {
	start := time.Now()

	def, ok := e.registry.Resolve(call.Name, resolved.Agent.OwnerID)
	if !ok {
		hint := fmt.Sprintf("Tool %q is not available. Available tools: %s",
			call.Name, strings.Join(resolved.ToolNames(), ", "))
		return e.errorOutcome(call, hint, start)
	}

	args, err := e.registry.ValidateArgs(def, call.Arguments)
	if err != nil {
		return e.errorOutcome(call, fmt.Sprintf("Invalid arguments: %v", err), start)
	}

	callCtx, cancel := context.WithTimeout(ctx, e.toolTimeout())
	defer cancel()
	callCtx = tools.WithInvocation(callCtx, tools.Invocation{
		RunID:   runID,
		OwnerID: resolved.Agent.OwnerID,
		AgentID: resolved.Agent.ID,
	})

	value, err := def.Handler(callCtx, args)
	if err != nil {
		msg := err.Error()
		if errors.Is(err, context.DeadlineExceeded) {
			msg = fmt.Sprintf("Tool %s timed out after %s", call.Name, e.toolTimeout())
		}
		log.Warn().
			Err(err).
			Str("tool", call.Name).
			Str("run_id", runID).
			Msg("Tool call failed")
		return e.errorOutcome(call, msg, start)
	}

	content := e.truncate(stringifyResult(value))
	return toolOutcome{
		message: models.Message{
			Role:       "tool",
			Content:    content,
			Name:       call.Name,
			ToolCallID: call.ID,
		},
		record: models.ToolCallRecord{
			ID:         call.ID,
			ToolName:   call.Name,
			Arguments:  e.encodeArguments(call.Arguments),
			Result:     content,
			IsError:    isErrorValue(value),
			DurationMs: time.Since(start).Milliseconds(),
			Timestamp:  time.Now().UTC(),
		},
	}
}

// errorOutcome synthesizes an error result in the same
// {status: "error"} shape tool handlers use, so the model sees one
// failure format everywhere.
func (e *Executor) errorOutcome(call models.ToolCall, msg string, start time.Time) toolOutcome {
	content := stringifyResult(map[string]any{"status": "error", "error": e.truncate(msg)})
	return toolOutcome{
		message: models.Message{
			Role:       "tool",
			Content:    content,
			Name:       call.Name,
			ToolCallID: call.ID,
		},
		record: models.ToolCallRecord{
			ID:         call.ID,
			ToolName:   call.Name,
			Arguments:  e.encodeArguments(call.Arguments),
			Result:     content,
			IsError:    true,
			DurationMs: time.Since(start).Milliseconds(),
			Timestamp:  time.Now().UTC(),
		},
	}
}

// truncate cuts a result at the configured byte ceiling, appending an
// explicit marker so the model knows content is missing.
func (e *Executor) truncate(s string) string {
	limit := e.cfg.ResultLimit
	if limit <= 0 || len(s) <= limit {
		return s
	}
	return s[:limit] + truncationMarker
}

// encodeArguments renders call arguments for the trace, bounded by the
// argument byte limit.
func (e *Executor) encodeArguments(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Sprintf("%v", args)
	}
	s := string(raw)
	if limit := e.cfg.ArgumentLimit; limit > 0 && len(s) > limit {
		return s[:limit] + truncationMarker
	}
	return s
}

func stringifyResult(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(raw)
	}
}

// isErrorValue reports whether a handler surfaced a failure as a
// {status: "error"} result value.
func isErrorValue(value any) bool {
	m, ok := value.(map[string]any)
	if !ok {
		return false
	}
	status, _ := m["status"].(string)
	return status == "error"
}
