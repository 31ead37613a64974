package runs_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/kilnworks/kiln/internal/agent"
	"github.com/kilnworks/kiln/internal/bus"
	"github.com/kilnworks/kiln/internal/config"
	"github.com/kilnworks/kiln/internal/mcp"
	"github.com/kilnworks/kiln/internal/model"
	"github.com/kilnworks/kiln/internal/resolver"
	"github.com/kilnworks/kiln/internal/runs"
	"github.com/kilnworks/kiln/internal/sandbox"
	"github.com/kilnworks/kiln/internal/store"
	"github.com/kilnworks/kiln/internal/tools"
	"github.com/kilnworks/kiln/internal/workflow"
	"github.com/kilnworks/kiln/pkg/models"
)

const owner = "acme"

// prefixModel wraps the last user message, so outputs reveal which step
// produced them.
type prefixModel struct {
	prefix, suffix string
}

func (m *prefixModel) Complete(_ context.Context, req *model.Request) (*model.Response, error) {
	input := ""
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			input = req.Messages[i].Content
			break
		}
	}
	return &model.Response{
		Content:    m.prefix + input + m.suffix,
		StopReason: "stop",
		Usage:      models.TokenUsage{InputTokens: 3, OutputTokens: 4, TotalTokens: 7},
	}, nil
}

type fixture struct {
	store  store.Store
	bus    *bus.Bus
	svc    *runs.Service
	client *model.Client
}

func newFixture(t *testing.T, cfg config.ExecutionConfig) *fixture {
	t.Helper()
	dir := t.TempDir()
	os.Setenv("KILN_DATA_DIR", dir)
	s := store.NewMemoryStore()
	os.Unsetenv("KILN_DATA_DIR")
	t.Cleanup(func() { s.Close() })

	client := model.NewClient(config.ModelConfig{})
	reg := tools.NewRegistry()
	res := resolver.New(s, reg, sandbox.NewEngine(nil), mcp.NewAdapter("test"))
	exec := agent.NewExecutor(client, reg, cfg)
	eng := workflow.NewEngine(s, res, exec)
	b := bus.New()

	return &fixture{
		store:  s,
		bus:    b,
		svc:    runs.New(s, b, bus.NewContextSpace(), res, exec, eng, cfg),
		client: client,
	}
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	f.svc.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		f.svc.Shutdown(ctx)
	})
}

func (f *fixture) addAgent(t *testing.T, id, modelName string, status models.AgentStatus) {
	t.Helper()
	err := f.store.CreateAgent(context.Background(), &models.Agent{
		ID:      id,
		Name:    id,
		Model:   modelName,
		Status:  status,
		OwnerID: owner,
	})
	if err != nil {
		t.Fatalf("CreateAgent(%s) error: %v", id, err)
	}
}

func (f *fixture) waitStatus(t *testing.T, id string, want models.RunStatus, within time.Duration) *models.Run {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		run, err := f.svc.Get(context.Background(), owner, id)
		if err == nil && run.Status == want {
			return run
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("run %s did not reach %s within %s", id, want, within)
	return nil
}

// ─── Submission ─────────────────────────────────────────────

func TestSubmitReturnsPendingRun(t *testing.T) {
	f := newFixture(t, config.ExecutionConfig{})
	f.addAgent(t, "echo", model.EchoModel, models.AgentStatusActive)

	run, err := f.svc.SubmitAgentRun(context.Background(), owner, "echo", runs.SubmitOptions{Input: "hi"})
	if err != nil {
		t.Fatalf("SubmitAgentRun() error: %v", err)
	}
	if run.ID == "" {
		t.Fatal("run.ID is empty")
	}
	if run.Status != models.RunStatusPending {
		t.Errorf("Status = %s, want pending", run.Status)
	}
	if run.AgentID != "echo" || run.RunType != models.RunTypeAgent {
		t.Errorf("target = %s/%s, want agent/echo", run.RunType, run.AgentID)
	}

	stored, err := f.svc.Get(context.Background(), owner, run.ID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if stored.Status != models.RunStatusPending {
		t.Errorf("stored Status = %s, want pending", stored.Status)
	}
}

func TestSubmitTwiceMintsDistinctRuns(t *testing.T) {
	f := newFixture(t, config.ExecutionConfig{})
	f.addAgent(t, "echo", model.EchoModel, models.AgentStatusActive)

	first, err := f.svc.SubmitAgentRun(context.Background(), owner, "echo", runs.SubmitOptions{Input: "same"})
	if err != nil {
		t.Fatalf("SubmitAgentRun() error: %v", err)
	}
	second, err := f.svc.SubmitAgentRun(context.Background(), owner, "echo", runs.SubmitOptions{Input: "same"})
	if err != nil {
		t.Fatalf("SubmitAgentRun() error: %v", err)
	}
	if first.ID == second.ID {
		t.Fatalf("identical submissions shared run id %s", first.ID)
	}
	for _, id := range []string{first.ID, second.ID} {
		if _, err := f.svc.Get(context.Background(), owner, id); err != nil {
			t.Errorf("Get(%s) error: %v", id, err)
		}
	}
}

func TestSubmitInactiveAgentRejected(t *testing.T) {
	f := newFixture(t, config.ExecutionConfig{})
	f.addAgent(t, "dormant", model.EchoModel, models.AgentStatusInactive)

	_, err := f.svc.SubmitAgentRun(context.Background(), owner, "dormant", runs.SubmitOptions{Input: "hi"})
	var ve *models.ErrValidation
	if !errors.As(err, &ve) {
		t.Fatalf("error = %v, want ErrValidation", err)
	}

	got, _ := f.svc.List(context.Background(), owner, store.RunFilter{})
	if len(got) != 0 {
		t.Errorf("len(runs) = %d, want 0 after rejected submit", len(got))
	}
}

func TestSubmitUnknownAgentNotFound(t *testing.T) {
	f := newFixture(t, config.ExecutionConfig{})

	_, err := f.svc.SubmitAgentRun(context.Background(), owner, "ghost", runs.SubmitOptions{Input: "hi"})
	var nf *store.ErrNotFound
	if !errors.As(err, &nf) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
}

func TestSubmitInactiveWorkflowRejected(t *testing.T) {
	f := newFixture(t, config.ExecutionConfig{})
	err := f.store.CreateWorkflow(context.Background(), &models.Workflow{
		ID:      "wf-off",
		Name:    "off",
		Status:  models.AgentStatusInactive,
		OwnerID: owner,
	})
	if err != nil {
		t.Fatalf("CreateWorkflow() error: %v", err)
	}

	_, err = f.svc.SubmitWorkflowRun(context.Background(), owner, "wf-off", runs.SubmitOptions{Input: "hi"})
	var ve *models.ErrValidation
	if !errors.As(err, &ve) {
		t.Fatalf("error = %v, want ErrValidation", err)
	}
}

func TestSubmitQueueOverflowRollsBack(t *testing.T) {
	// One slot and no workers draining it.
	f := newFixture(t, config.ExecutionConfig{QueueSize: 1})
	f.addAgent(t, "echo", model.EchoModel, models.AgentStatusActive)

	if _, err := f.svc.SubmitAgentRun(context.Background(), owner, "echo", runs.SubmitOptions{Input: "one"}); err != nil {
		t.Fatalf("first submit error: %v", err)
	}
	_, err := f.svc.SubmitAgentRun(context.Background(), owner, "echo", runs.SubmitOptions{Input: "two"})
	var ce *models.ErrCapacity
	if !errors.As(err, &ce) {
		t.Fatalf("error = %v, want ErrCapacity", err)
	}

	got, _ := f.svc.List(context.Background(), owner, store.RunFilter{})
	if len(got) != 1 {
		t.Errorf("len(runs) = %d, want 1 (overflow record rolled back)", len(got))
	}
}

// ─── Execution ──────────────────────────────────────────────

func TestAgentRunExecutesEndToEnd(t *testing.T) {
	f := newFixture(t, config.ExecutionConfig{Workers: 2})
	f.addAgent(t, "echo", model.EchoModel, models.AgentStatusActive)
	f.start(t)

	run, err := f.svc.SubmitAgentRun(context.Background(), owner, "echo", runs.SubmitOptions{Input: "hello"})
	if err != nil {
		t.Fatalf("SubmitAgentRun() error: %v", err)
	}

	done := f.waitStatus(t, run.ID, models.RunStatusCompleted, 2*time.Second)
	if done.Output != "hello" {
		t.Errorf("Output = %q, want %q", done.Output, "hello")
	}
	if len(done.Messages) != 2 {
		t.Fatalf("len(Messages) = %d, want 2", len(done.Messages))
	}
	if done.Messages[0].Role != "user" || done.Messages[0].Content != "hello" {
		t.Errorf("Messages[0] = %+v, want user hello", done.Messages[0])
	}
	if done.Messages[1].Role != "assistant" || done.Messages[1].Content != "hello" {
		t.Errorf("Messages[1] = %+v, want assistant hello", done.Messages[1])
	}
	if done.TokensUsed <= 0 {
		t.Errorf("TokensUsed = %d, want > 0", done.TokensUsed)
	}
	if done.StartedAt == nil || done.CompletedAt == nil {
		t.Fatal("StartedAt/CompletedAt not set")
	}
	if done.CompletedAt.Before(*done.StartedAt) {
		t.Error("CompletedAt before StartedAt")
	}
	if done.StartedAt.Before(done.CreatedAt) {
		t.Error("StartedAt before CreatedAt")
	}
}

func TestWorkflowRunExecutesEndToEnd(t *testing.T) {
	f := newFixture(t, config.ExecutionConfig{Workers: 2})
	f.client.RegisterStub("model-a", &prefixModel{prefix: "A:"})
	f.client.RegisterStub("model-b", &prefixModel{prefix: "B(", suffix: ")"})
	f.addAgent(t, "ag-a", "model-a", models.AgentStatusActive)
	f.addAgent(t, "ag-b", "model-b", models.AgentStatusActive)
	err := f.store.CreateWorkflow(context.Background(), &models.Workflow{
		ID:            "wf-1",
		Name:          "pipeline",
		ExecutionMode: models.ExecutionSequential,
		Status:        models.AgentStatusActive,
		OwnerID:       owner,
		Steps: []models.WorkflowStep{
			{StepID: "step_a", AgentID: "ag-a", OutputKey: "step_a_out"},
			{StepID: "step_b", AgentID: "ag-b", InputMapping: map[string]string{"from_a": "step_a_out"}},
		},
	})
	if err != nil {
		t.Fatalf("CreateWorkflow() error: %v", err)
	}
	f.start(t)

	run, err := f.svc.SubmitWorkflowRun(context.Background(), owner, "wf-1", runs.SubmitOptions{Input: "x"})
	if err != nil {
		t.Fatalf("SubmitWorkflowRun() error: %v", err)
	}

	done := f.waitStatus(t, run.ID, models.RunStatusCompleted, 2*time.Second)
	if done.Output != "B(from_a: A:x)" {
		t.Errorf("Output = %q, want %q", done.Output, "B(from_a: A:x)")
	}
	if len(done.StepResults) != 2 {
		t.Fatalf("len(StepResults) = %d, want 2", len(done.StepResults))
	}
	if done.StepResults[0].StepID != "step_a" || done.StepResults[0].Status != models.StepCompleted {
		t.Errorf("StepResults[0] = %+v, want completed step_a", done.StepResults[0])
	}
	if done.StepResults[1].Output != "B(from_a: A:x)" {
		t.Errorf("StepResults[1].Output = %q", done.StepResults[1].Output)
	}
	// Two loop turns per step land in one shared transcript.
	if len(done.Messages) != 4 {
		t.Errorf("len(Messages) = %d, want 4", len(done.Messages))
	}
	if done.TokensUsed != 14 {
		t.Errorf("TokensUsed = %d, want 14", done.TokensUsed)
	}
}

func TestFailedRunRecordsError(t *testing.T) {
	f := newFixture(t, config.ExecutionConfig{})
	f.client.RegisterStub("broken", &model.Scripted{
		Responses: []model.ScriptedResponse{{Err: errors.New("upstream 500")}},
	})
	f.addAgent(t, "fragile", "broken", models.AgentStatusActive)
	f.start(t)

	run, err := f.svc.SubmitAgentRun(context.Background(), owner, "fragile", runs.SubmitOptions{Input: "hi"})
	if err != nil {
		t.Fatalf("SubmitAgentRun() error: %v", err)
	}

	done := f.waitStatus(t, run.ID, models.RunStatusFailed, 2*time.Second)
	if done.Error == "" {
		t.Error("Error is empty on failed run")
	}
	if done.CompletedAt == nil {
		t.Error("CompletedAt not set on failed run")
	}
}

func TestOutputGuardrailViolationLandsInMetadata(t *testing.T) {
	f := newFixture(t, config.ExecutionConfig{})
	f.client.RegisterStub("leaky", &model.Scripted{
		Responses: []model.ScriptedResponse{{Content: "reach me at jane@example.com"}},
	})
	err := f.store.CreateAgent(context.Background(), &models.Agent{
		ID:      "leaky-agent",
		Name:    "leaky-agent",
		Model:   "leaky",
		Status:  models.AgentStatusActive,
		OwnerID: owner,
		Guardrails: []models.Guardrail{
			{Kind: models.GuardrailPIIDetection, Stage: models.GuardrailStageOutput, Enabled: true},
		},
	})
	if err != nil {
		t.Fatalf("CreateAgent() error: %v", err)
	}
	f.start(t)

	run, err := f.svc.SubmitAgentRun(context.Background(), owner, "leaky-agent", runs.SubmitOptions{Input: "contact?"})
	if err != nil {
		t.Fatalf("SubmitAgentRun() error: %v", err)
	}

	done := f.waitStatus(t, run.ID, models.RunStatusCompleted, 2*time.Second)
	violations, ok := done.Metadata["guardrail_violations"].([]string)
	if !ok || len(violations) == 0 {
		t.Fatalf("Metadata[guardrail_violations] = %v, want non-empty", done.Metadata["guardrail_violations"])
	}
}

// ─── Cancellation ───────────────────────────────────────────

func TestCancelQueuedRunIsSkippedByWorker(t *testing.T) {
	f := newFixture(t, config.ExecutionConfig{})
	f.addAgent(t, "echo", model.EchoModel, models.AgentStatusActive)

	run, err := f.svc.SubmitAgentRun(context.Background(), owner, "echo", runs.SubmitOptions{Input: "hi"})
	if err != nil {
		t.Fatalf("SubmitAgentRun() error: %v", err)
	}
	if _, err := f.svc.Cancel(context.Background(), owner, run.ID); err != nil {
		t.Fatalf("Cancel() error: %v", err)
	}

	// Workers start after the cancel; the queued task must be dropped.
	f.start(t)
	time.Sleep(100 * time.Millisecond)

	got, err := f.svc.Get(context.Background(), owner, run.ID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.Status != models.RunStatusCancelled {
		t.Errorf("Status = %s, want cancelled", got.Status)
	}
	if len(got.Messages) != 0 {
		t.Errorf("len(Messages) = %d, want 0 for a never-started run", len(got.Messages))
	}
}

func TestCancelInterruptsSlowModelCall(t *testing.T) {
	f := newFixture(t, config.ExecutionConfig{})
	f.client.RegisterStub("slow", &model.Scripted{
		Responses: []model.ScriptedResponse{{Content: "late", Delay: time.Second}},
	})
	f.addAgent(t, "sleeper", "slow", models.AgentStatusActive)
	f.start(t)

	submitted := time.Now()
	run, err := f.svc.SubmitAgentRun(context.Background(), owner, "sleeper", runs.SubmitOptions{Input: "hi"})
	if err != nil {
		t.Fatalf("SubmitAgentRun() error: %v", err)
	}

	f.waitStatus(t, run.ID, models.RunStatusRunning, time.Second)
	time.Sleep(200 * time.Millisecond)
	if _, err := f.svc.Cancel(context.Background(), owner, run.ID); err != nil {
		t.Fatalf("Cancel() error: %v", err)
	}

	done := f.waitStatus(t, run.ID, models.RunStatusCancelled, 2*time.Second)
	if elapsed := time.Since(submitted); elapsed > 2*time.Second {
		t.Errorf("cancellation took %s, want < 2s", elapsed)
	}
	if done.Output != "" {
		t.Errorf("Output = %q, want empty on cancelled run", done.Output)
	}
	if done.CompletedAt == nil {
		t.Error("CompletedAt not set on cancelled run")
	}
}

func TestCancelTerminalRunRejected(t *testing.T) {
	f := newFixture(t, config.ExecutionConfig{})
	f.addAgent(t, "echo", model.EchoModel, models.AgentStatusActive)
	f.start(t)

	run, err := f.svc.SubmitAgentRun(context.Background(), owner, "echo", runs.SubmitOptions{Input: "hi"})
	if err != nil {
		t.Fatalf("SubmitAgentRun() error: %v", err)
	}
	f.waitStatus(t, run.ID, models.RunStatusCompleted, 2*time.Second)

	_, err = f.svc.Cancel(context.Background(), owner, run.ID)
	var it *models.ErrInvalidTransition
	if !errors.As(err, &it) {
		t.Fatalf("error = %v, want ErrInvalidTransition", err)
	}
}

// ─── Maintenance ────────────────────────────────────────────

func TestDeleteRefusesRunningAllowsTerminal(t *testing.T) {
	f := newFixture(t, config.ExecutionConfig{})
	ctx := context.Background()

	f.store.CreateRun(ctx, &models.Run{ID: "r-live", OwnerID: owner, RunType: models.RunTypeAgent, Status: models.RunStatusRunning})
	f.store.CreateRun(ctx, &models.Run{ID: "r-done", OwnerID: owner, RunType: models.RunTypeAgent, Status: models.RunStatusCompleted})

	var ve *models.ErrValidation
	if err := f.svc.Delete(ctx, owner, "r-live"); !errors.As(err, &ve) {
		t.Fatalf("Delete(running) error = %v, want ErrValidation", err)
	}
	if err := f.svc.Delete(ctx, owner, "r-done"); err != nil {
		t.Fatalf("Delete(completed) error: %v", err)
	}
	if _, err := f.svc.Get(ctx, owner, "r-done"); err == nil {
		t.Error("deleted run still readable")
	}
}

func TestSweepInterruptedFailsActiveRuns(t *testing.T) {
	f := newFixture(t, config.ExecutionConfig{})
	ctx := context.Background()

	f.store.CreateRun(ctx, &models.Run{ID: "r-pend", OwnerID: owner, RunType: models.RunTypeAgent, Status: models.RunStatusPending})
	f.store.CreateRun(ctx, &models.Run{ID: "r-run", OwnerID: owner, RunType: models.RunTypeAgent, Status: models.RunStatusRunning})
	f.store.CreateRun(ctx, &models.Run{ID: "r-done", OwnerID: owner, RunType: models.RunTypeAgent, Status: models.RunStatusCompleted})

	if swept := f.svc.SweepInterrupted(ctx); swept != 2 {
		t.Fatalf("SweepInterrupted() = %d, want 2", swept)
	}

	for _, id := range []string{"r-pend", "r-run"} {
		run, err := f.svc.Get(ctx, owner, id)
		if err != nil {
			t.Fatalf("Get(%s) error: %v", id, err)
		}
		if run.Status != models.RunStatusFailed {
			t.Errorf("%s Status = %s, want failed", id, run.Status)
		}
		if run.Error != "execution interrupted by runtime restart" {
			t.Errorf("%s Error = %q", id, run.Error)
		}
		if run.CompletedAt == nil {
			t.Errorf("%s CompletedAt not set", id)
		}
	}
	done, _ := f.svc.Get(ctx, owner, "r-done")
	if done.Status != models.RunStatusCompleted {
		t.Errorf("completed run touched by sweep: %s", done.Status)
	}
}

func TestStatsAggregateWindow(t *testing.T) {
	f := newFixture(t, config.ExecutionConfig{})
	ctx := context.Background()
	f.addAgent(t, "ag-a", model.EchoModel, models.AgentStatusActive)

	now := time.Now().UTC()
	start1 := now.Add(-10 * time.Minute)
	end1 := start1.Add(time.Second)
	start2 := now.Add(-5 * time.Minute)
	end2 := start2.Add(3 * time.Second)

	f.store.CreateRun(ctx, &models.Run{ID: "s-1", OwnerID: owner, RunType: models.RunTypeAgent, AgentID: "ag-a", Status: models.RunStatusCompleted, TokensUsed: 100, StartedAt: &start1, CompletedAt: &end1})
	f.store.CreateRun(ctx, &models.Run{ID: "s-2", OwnerID: owner, RunType: models.RunTypeAgent, AgentID: "ag-a", Status: models.RunStatusCompleted, TokensUsed: 40, StartedAt: &start2, CompletedAt: &end2})
	f.store.CreateRun(ctx, &models.Run{ID: "s-3", OwnerID: owner, RunType: models.RunTypeWorkflow, WorkflowID: "wf-1", Status: models.RunStatusFailed, TokensUsed: 5})
	// Outside the 24h window; must not count.
	f.store.CreateRun(ctx, &models.Run{ID: "s-old", OwnerID: owner, RunType: models.RunTypeAgent, AgentID: "ag-a", Status: models.RunStatusCompleted, TokensUsed: 999, CreatedAt: now.Add(-48 * time.Hour)})

	stats, err := f.svc.Stats(ctx, owner, 0)
	if err != nil {
		t.Fatalf("Stats() error: %v", err)
	}
	if stats.WindowHours != 24 {
		t.Errorf("WindowHours = %d, want 24", stats.WindowHours)
	}
	if stats.TotalRuns != 3 {
		t.Errorf("TotalRuns = %d, want 3", stats.TotalRuns)
	}
	if stats.ByStatus["completed"] != 2 || stats.ByStatus["failed"] != 1 {
		t.Errorf("ByStatus = %v", stats.ByStatus)
	}
	if stats.ByType["agent"] != 2 || stats.ByType["workflow"] != 1 {
		t.Errorf("ByType = %v", stats.ByType)
	}
	if stats.TotalTokens != 145 {
		t.Errorf("TotalTokens = %d, want 145", stats.TotalTokens)
	}
	if stats.AvgDurationMs != 2000 {
		t.Errorf("AvgDurationMs = %v, want 2000", stats.AvgDurationMs)
	}
	if len(stats.TopAgents) != 1 || stats.TopAgents[0].AgentID != "ag-a" || stats.TopAgents[0].Runs != 2 {
		t.Fatalf("TopAgents = %+v", stats.TopAgents)
	}
	if stats.TopAgents[0].Name != "ag-a" {
		t.Errorf("TopAgents[0].Name = %q, want agent name", stats.TopAgents[0].Name)
	}
}

// ─── Events ─────────────────────────────────────────────────

func TestRunLifecyclePublishedOnBus(t *testing.T) {
	f := newFixture(t, config.ExecutionConfig{})
	f.addAgent(t, "echo", model.EchoModel, models.AgentStatusActive)
	f.start(t)

	ch := f.bus.Subscribe(bus.TopicEvents)
	defer f.bus.Unsubscribe(bus.TopicEvents, ch)

	run, err := f.svc.SubmitAgentRun(context.Background(), owner, "echo", runs.SubmitOptions{Input: "hi"})
	if err != nil {
		t.Fatalf("SubmitAgentRun() error: %v", err)
	}

	var statuses []string
	deadline := time.After(2 * time.Second)
	for {
		select {
		case evt := <-ch:
			if evt.Type != models.EventExecutionUpdate || evt.Data["run_id"] != run.ID {
				continue
			}
			status, _ := evt.Data["status"].(string)
			statuses = append(statuses, status)
			if status == string(models.RunStatusCompleted) {
				if len(statuses) != 3 || statuses[0] != "pending" || statuses[1] != "running" {
					t.Errorf("statuses = %v, want [pending running completed]", statuses)
				}
				if evt.Data["output"] != "hi" {
					t.Errorf("terminal event output = %v, want hi", evt.Data["output"])
				}
				return
			}
		case <-deadline:
			t.Fatalf("terminal event not observed; statuses = %v", statuses)
		}
	}
}

func TestHeartbeatPublishedOnStart(t *testing.T) {
	f := newFixture(t, config.ExecutionConfig{})
	ch := f.bus.Subscribe(bus.TopicEvents)
	defer f.bus.Unsubscribe(bus.TopicEvents, ch)
	f.start(t)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case evt := <-ch:
			if evt.Type != models.EventAgentHealthUpdate {
				continue
			}
			if evt.Data["status"] != "ok" {
				t.Errorf("health status = %v, want ok", evt.Data["status"])
			}
			if _, ok := evt.Data["queue_depth"]; !ok {
				t.Error("health frame missing queue_depth")
			}
			return
		case <-deadline:
			t.Fatal("health frame not observed after Start")
		}
	}
}
