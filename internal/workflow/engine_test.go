package workflow_test

import (
	"context"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/kilnworks/kiln/internal/agent"
	"github.com/kilnworks/kiln/internal/config"
	"github.com/kilnworks/kiln/internal/mcp"
	"github.com/kilnworks/kiln/internal/model"
	"github.com/kilnworks/kiln/internal/resolver"
	"github.com/kilnworks/kiln/internal/sandbox"
	"github.com/kilnworks/kiln/internal/store"
	"github.com/kilnworks/kiln/internal/tools"
	"github.com/kilnworks/kiln/internal/workflow"
	"github.com/kilnworks/kiln/pkg/models"
)

// transformModel wraps the last user message with a fixed prefix and
// suffix, so step outputs depend on step inputs.
type transformModel struct {
	prefix, suffix string
}

func (m *transformModel) Complete(_ context.Context, req *model.Request) (*model.Response, error) {
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

type cancelRecorder struct {
	mu          sync.Mutex
	cancelAfter int
	checks      int
}

func (r *cancelRecorder) Append(context.Context, []models.Message, []models.ToolCallRecord, int) {}
func (r *cancelRecorder) Cancelled(context.Context) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checks++
	return r.cancelAfter > 0 && r.checks > r.cancelAfter
}

type fixture struct {
	store  store.Store
	engine *workflow.Engine
	client *model.Client
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	os.Setenv("KILN_DATA_DIR", dir)
	s := store.NewMemoryStore()
	os.Unsetenv("KILN_DATA_DIR")
	t.Cleanup(func() { s.Close() })

	client := model.NewClient(config.ModelConfig{})
	client.RegisterStub("model-a", &transformModel{prefix: "A:"})
	client.RegisterStub("model-b", &transformModel{prefix: "B(", suffix: ")"})

	reg := tools.NewRegistry()
	res := resolver.New(s, reg, sandbox.NewEngine(nil), mcp.NewAdapter("test"))
	exec := agent.NewExecutor(client, reg, config.ExecutionConfig{DefaultMaxTurns: 5})

	return &fixture{
		store:  s,
		engine: workflow.NewEngine(s, res, exec),
		client: client,
	}
}

func (f *fixture) addAgent(t *testing.T, id, modelName string, status models.AgentStatus) {
	t.Helper()
	err := f.store.CreateAgent(context.Background(), &models.Agent{
		ID:      id,
		Name:    id,
		Model:   modelName,
		Status:  status,
		OwnerID: "acme",
	})
	if err != nil {
		t.Fatalf("CreateAgent(%s) error: %v", id, err)
	}
}

func twoStepWorkflow(mode models.ExecutionMode) *models.Workflow {
	return &models.Workflow{
		ID:            "wf-1",
		Name:          "pipeline",
		ExecutionMode: mode,
		Status:        models.AgentStatusActive,
		OwnerID:       "acme",
		Steps: []models.WorkflowStep{
			{StepID: "step_a", AgentID: "ag-a", OutputKey: "step_a_out"},
			{StepID: "step_b", AgentID: "ag-b", InputMapping: map[string]string{"from_a": "step_a_out"}},
		},
	}
}

// ─── Sequential ─────────────────────────────────────────────

func TestSequentialThreadsOutputsForward(t *testing.T) {
	f := newFixture(t)
	f.addAgent(t, "ag-a", "model-a", models.AgentStatusActive)
	f.addAgent(t, "ag-b", "model-b", models.AgentStatusActive)

	out := f.engine.Execute(context.Background(), twoStepWorkflow(models.ExecutionSequential), workflow.Options{
		RunID: "run-1",
		Input: "x",
	})

	if out.Err != "" {
		t.Fatalf("Err = %q, want none", out.Err)
	}
	if len(out.StepResults) != 2 {
		t.Fatalf("len(StepResults) = %d, want 2", len(out.StepResults))
	}
	for i, sr := range out.StepResults {
		if sr.Status != models.StepCompleted {
			t.Errorf("StepResults[%d].Status = %q, want completed", i, sr.Status)
		}
	}
	if out.StepResults[0].Output != "A:x" {
		t.Errorf("step A output = %q, want %q", out.StepResults[0].Output, "A:x")
	}
	if got := out.StepResults[1].Input; got != "from_a: A:x" {
		t.Errorf("step B input = %q, want the mapped bundle", got)
	}
	if out.Output != "B(from_a: A:x)" {
		t.Errorf("Output = %q, want %q", out.Output, "B(from_a: A:x)")
	}
	if out.TokensUsed != 14 {
		t.Errorf("TokensUsed = %d, want usage summed across steps", out.TokensUsed)
	}
}

func TestSequentialInactiveAgentHaltsExecution(t *testing.T) {
	f := newFixture(t)
	f.addAgent(t, "ag-a", "model-a", models.AgentStatusInactive)
	f.addAgent(t, "ag-b", "model-b", models.AgentStatusActive)

	out := f.engine.Execute(context.Background(), twoStepWorkflow(models.ExecutionSequential), workflow.Options{
		RunID: "run-1",
		Input: "x",
	})

	if len(out.StepResults) != 1 {
		t.Fatalf("len(StepResults) = %d, want the second step never attempted", len(out.StepResults))
	}
	sr := out.StepResults[0]
	if sr.Status != models.StepFailed {
		t.Errorf("Status = %q, want failed", sr.Status)
	}
	if sr.Error != "Agent is not active" {
		t.Errorf("Error = %q, want %q", sr.Error, "Agent is not active")
	}
	if out.Err != "Agent is not active" {
		t.Errorf("Err = %q, want the step error", out.Err)
	}
	if out.Output != "" {
		t.Errorf("Output = %q, want none", out.Output)
	}
}

func TestSequentialMissingAgentFailsStep(t *testing.T) {
	f := newFixture(t)
	f.addAgent(t, "ag-a", "model-a", models.AgentStatusActive)
	// ag-b never created.

	out := f.engine.Execute(context.Background(), twoStepWorkflow(models.ExecutionSequential), workflow.Options{
		RunID: "run-1",
		Input: "x",
	})

	if len(out.StepResults) != 2 {
		t.Fatalf("len(StepResults) = %d, want 2", len(out.StepResults))
	}
	if out.StepResults[1].Error != "Agent is not active" {
		t.Errorf("step B error = %q", out.StepResults[1].Error)
	}
	// The first step still succeeded, so its output stands.
	if out.Output != "A:x" {
		t.Errorf("Output = %q, want the last successful step's output", out.Output)
	}
}

func TestSequentialBundleKeysSorted(t *testing.T) {
	f := newFixture(t)
	f.addAgent(t, "ag-a", "model-a", models.AgentStatusActive)
	f.addAgent(t, "ag-b", "model-b", models.AgentStatusActive)
	f.addAgent(t, "ag-echo", model.EchoModel, models.AgentStatusActive)

	wf := &models.Workflow{
		ID: "wf-3", Name: "merge", ExecutionMode: models.ExecutionSequential,
		Status: models.AgentStatusActive, OwnerID: "acme",
		Steps: []models.WorkflowStep{
			{StepID: "a", AgentID: "ag-a"},
			{StepID: "b", AgentID: "ag-b"},
			{StepID: "join", AgentID: "ag-echo", InputMapping: map[string]string{
				"zeta":  "a",
				"alpha": "b",
			}},
		},
	}

	out := f.engine.Execute(context.Background(), wf, workflow.Options{RunID: "run-1", Input: "x"})
	if out.Err != "" {
		t.Fatalf("Err = %q", out.Err)
	}
	// Step b receives the original input since it declares no mapping.
	want := "alpha: B(x)\nzeta: A:x"
	if got := out.StepResults[2].Input; got != want {
		t.Errorf("join input = %q, want keys in sorted order %q", got, want)
	}
}

func TestSequentialDefaultOutputKeyIsStepID(t *testing.T) {
	f := newFixture(t)
	f.addAgent(t, "ag-a", "model-a", models.AgentStatusActive)
	f.addAgent(t, "ag-echo", model.EchoModel, models.AgentStatusActive)

	wf := &models.Workflow{
		ID: "wf-4", ExecutionMode: models.ExecutionSequential,
		Status: models.AgentStatusActive, OwnerID: "acme",
		Steps: []models.WorkflowStep{
			{StepID: "first", AgentID: "ag-a"},
			{StepID: "second", AgentID: "ag-echo", InputMapping: map[string]string{"got": "first"}},
		},
	}

	out := f.engine.Execute(context.Background(), wf, workflow.Options{RunID: "run-1", Input: "x"})
	if out.StepResults[0].OutputKey != "first" {
		t.Errorf("OutputKey = %q, want the step id", out.StepResults[0].OutputKey)
	}
	if out.Output != "got: A:x" {
		t.Errorf("Output = %q, want the mapping resolved via the step id", out.Output)
	}
}

func TestSequentialOnStepCallbackOrder(t *testing.T) {
	f := newFixture(t)
	f.addAgent(t, "ag-a", "model-a", models.AgentStatusActive)
	f.addAgent(t, "ag-b", "model-b", models.AgentStatusActive)

	var seen []string
	f.engine.Execute(context.Background(), twoStepWorkflow(models.ExecutionSequential), workflow.Options{
		RunID:  "run-1",
		Input:  "x",
		OnStep: func(sr models.StepResult) { seen = append(seen, sr.StepID) },
	})

	if len(seen) != 2 || seen[0] != "step_a" || seen[1] != "step_b" {
		t.Errorf("OnStep order = %v, want [step_a step_b]", seen)
	}
}

// ─── Parallel ───────────────────────────────────────────────

func TestParallelResultsReadInDeclaredOrder(t *testing.T) {
	f := newFixture(t)
	f.addAgent(t, "ag-a", "model-a", models.AgentStatusActive)
	f.addAgent(t, "ag-b", "model-b", models.AgentStatusActive)

	wf := &models.Workflow{
		ID: "wf-5", ExecutionMode: models.ExecutionParallel,
		Status: models.AgentStatusActive, OwnerID: "acme",
		Steps: []models.WorkflowStep{
			{StepID: "a", AgentID: "ag-a"},
			{StepID: "b", AgentID: "ag-b"},
		},
	}

	out := f.engine.Execute(context.Background(), wf, workflow.Options{RunID: "run-1", Input: "x"})
	if out.Err != "" {
		t.Fatalf("Err = %q", out.Err)
	}
	if len(out.StepResults) != 2 {
		t.Fatalf("len(StepResults) = %d, want 2", len(out.StepResults))
	}
	if out.StepResults[0].StepID != "a" || out.StepResults[1].StepID != "b" {
		t.Errorf("step order = %s, %s; want declared order", out.StepResults[0].StepID, out.StepResults[1].StepID)
	}
	// Both steps see the original input: siblings share no outputs.
	if out.StepResults[0].Output != "A:x" || out.StepResults[1].Output != "B(x)" {
		t.Errorf("outputs = %q, %q", out.StepResults[0].Output, out.StepResults[1].Output)
	}
	if out.Output != "B(x)" {
		t.Errorf("Output = %q, want the last declared step's output", out.Output)
	}
}

func TestParallelFailureMarksOnlyItself(t *testing.T) {
	f := newFixture(t)
	f.addAgent(t, "ag-a", "model-a", models.AgentStatusInactive)
	f.addAgent(t, "ag-b", "model-b", models.AgentStatusActive)

	wf := &models.Workflow{
		ID: "wf-6", ExecutionMode: models.ExecutionParallel,
		Status: models.AgentStatusActive, OwnerID: "acme",
		Steps: []models.WorkflowStep{
			{StepID: "a", AgentID: "ag-a"},
			{StepID: "b", AgentID: "ag-b"},
		},
	}

	out := f.engine.Execute(context.Background(), wf, workflow.Options{RunID: "run-1", Input: "x"})
	if len(out.StepResults) != 2 {
		t.Fatalf("len(StepResults) = %d, want the sibling to complete", len(out.StepResults))
	}
	if out.StepResults[0].Status != models.StepFailed {
		t.Errorf("step a status = %q, want failed", out.StepResults[0].Status)
	}
	if out.StepResults[1].Status != models.StepCompleted {
		t.Errorf("step b status = %q, want completed", out.StepResults[1].Status)
	}
	if out.Err != "Agent is not active" {
		t.Errorf("Err = %q, want the first declared step error", out.Err)
	}
	if out.Output != "B(x)" {
		t.Errorf("Output = %q, want the surviving step's output", out.Output)
	}
}

// ─── Cancellation and edge cases ────────────────────────────

func TestCancelledBeforeStepStops(t *testing.T) {
	f := newFixture(t)
	f.addAgent(t, "ag-a", "model-a", models.AgentStatusActive)
	f.addAgent(t, "ag-b", "model-b", models.AgentStatusActive)

	// The engine's own pre-step check fires first, so nothing runs.
	rec := &cancelRecorder{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := f.engine.Execute(ctx, twoStepWorkflow(models.ExecutionSequential), workflow.Options{
		RunID:    "run-1",
		Input:    "x",
		Recorder: rec,
	})
	if !out.Cancelled {
		t.Fatal("Cancelled = false, want true")
	}
	if len(out.StepResults) != 0 {
		t.Errorf("StepResults = %v, want none", out.StepResults)
	}
}

func TestEmptyWorkflowCompletesWithNoOutput(t *testing.T) {
	f := newFixture(t)
	wf := &models.Workflow{
		ID: "wf-7", ExecutionMode: models.ExecutionSequential,
		Status: models.AgentStatusActive, OwnerID: "acme",
	}
	out := f.engine.Execute(context.Background(), wf, workflow.Options{RunID: "run-1", Input: "x"})
	if out.Err != "" || out.Cancelled {
		t.Errorf("outcome = %+v, want clean completion", out)
	}
	if len(out.StepResults) != 0 || out.Output != "" {
		t.Errorf("outcome = %+v, want no steps and no output", out)
	}
}

func TestCrossOwnerAgentIsNotVisible(t *testing.T) {
	f := newFixture(t)
	// Agent exists, but belongs to another workspace.
	err := f.store.CreateAgent(context.Background(), &models.Agent{
		ID: "ag-a", Name: "ag-a", Model: "model-a",
		Status: models.AgentStatusActive, OwnerID: "rival",
	})
	if err != nil {
		t.Fatalf("CreateAgent error: %v", err)
	}

	wf := &models.Workflow{
		ID: "wf-8", ExecutionMode: models.ExecutionSequential,
		Status: models.AgentStatusActive, OwnerID: "acme",
		Steps: []models.WorkflowStep{{StepID: "a", AgentID: "ag-a"}},
	}
	out := f.engine.Execute(context.Background(), wf, workflow.Options{RunID: "run-1", Input: "x"})
	if out.Err != "Agent is not active" {
		t.Errorf("Err = %q, want the step rejected", out.Err)
	}
}

func TestStepInputPassthroughWithoutMapping(t *testing.T) {
	f := newFixture(t)
	f.addAgent(t, "ag-a", "model-a", models.AgentStatusActive)

	wf := &models.Workflow{
		ID: "wf-9", ExecutionMode: models.ExecutionSequential,
		Status: models.AgentStatusActive, OwnerID: "acme",
		Steps: []models.WorkflowStep{{StepID: "a", AgentID: "ag-a"}},
	}
	out := f.engine.Execute(context.Background(), wf, workflow.Options{RunID: "run-1", Input: "original text"})
	if out.StepResults[0].Input != "original text" {
		t.Errorf("Input = %q, want passthrough", out.StepResults[0].Input)
	}
	if !strings.HasPrefix(out.Output, "A:original") {
		t.Errorf("Output = %q", out.Output)
	}
}
