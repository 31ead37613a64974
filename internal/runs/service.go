// Package runs owns the run lifecycle: submissions become pending
// records immediately, a worker pool drives the agent loop or the
// workflow engine, and every transition lands in the store before it is
// announced on the bus. The store's lifecycle guard is the arbiter for
// races between workers and cancellation.
package runs

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/kilnworks/kiln/internal/agent"
	"github.com/kilnworks/kiln/internal/bus"
	"github.com/kilnworks/kiln/internal/config"
	"github.com/kilnworks/kiln/internal/resolver"
	"github.com/kilnworks/kiln/internal/store"
	"github.com/kilnworks/kiln/internal/workflow"
	"github.com/kilnworks/kiln/pkg/models"
)

const (
	defaultQueueSize = 100
	defaultWorkers   = 4

	// statsScanLimit bounds how many runs one stats query aggregates.
	statsScanLimit = 1000

	// healthInterval paces the agent_health_update heartbeat on the bus.
	healthInterval = 30 * time.Second
)

// task is the unit handed to the pool. Definitions are snapshotted at
// submission so later edits do not affect queued work.
type task struct {
	run      *models.Run
	agent    *models.Agent
	workflow *models.Workflow
	previous []models.Message
	history  string
}

// Service accepts, executes, and tracks runs.
type Service struct {
	store    store.Store
	bus      *bus.Bus
	space    *bus.ContextSpace
	resolver *resolver.Resolver
	executor *agent.Executor
	engine   *workflow.Engine
	cfg      config.ExecutionConfig

	queue chan task
	wg    sync.WaitGroup

	stop     chan struct{}
	stopOnce sync.Once

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// New creates the service. Start must be called before submissions are
// drained.
func New(s store.Store, b *bus.Bus, space *bus.ContextSpace, res *resolver.Resolver, exec *agent.Executor, eng *workflow.Engine, cfg config.ExecutionConfig) *Service {
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Service{
		store:    s,
		bus:      b,
		space:    space,
		resolver: res,
		executor: exec,
		engine:   eng,
		cfg:      cfg,
		queue:    make(chan task, queueSize),
		stop:     make(chan struct{}),
		cancels:  map[string]context.CancelFunc{},
	}
}

// ── Submission ───────────────────────────────────────────────

// SubmitOptions are the caller-supplied knobs for a new run.
type SubmitOptions struct {
	Input            string
	ContextVariables map[string]any
	MaxTurns         int
	Model            string // agent runs only; overrides the agent's model
	PreviousMessages []models.Message
	// ConversationHistory is a plain-text transcript replayed ahead of
	// the input when PreviousMessages is empty.
	ConversationHistory string
	Metadata            map[string]any
}

// SubmitAgentRun validates the target and enqueues a pending run. The
// returned record is already persisted; execution happens on the pool.
func (s *Service) SubmitAgentRun(ctx context.Context, owner, agentID string, opts SubmitOptions) (*models.Run, error) {
	def, err := s.store.GetAgent(ctx, owner, agentID)
	if err != nil {
		return nil, err
	}
	if def.Status != models.AgentStatusActive {
		return nil, models.Validationf("agent %s is not active", agentID)
	}

	run := s.newRun(owner, models.RunTypeAgent, opts)
	run.AgentID = agentID
	run.Model = opts.Model

	return s.enqueue(ctx, run, task{
		run:      run,
		agent:    def,
		previous: opts.PreviousMessages,
		history:  opts.ConversationHistory,
	})
}

// SubmitWorkflowRun is the workflow counterpart of SubmitAgentRun. Step
// agents are resolved per step at execution time, not here.
func (s *Service) SubmitWorkflowRun(ctx context.Context, owner, workflowID string, opts SubmitOptions) (*models.Run, error) {
	wf, err := s.store.GetWorkflow(ctx, owner, workflowID)
	if err != nil {
		return nil, err
	}
	if wf.Status != models.AgentStatusActive {
		return nil, models.Validationf("workflow %s is not active", workflowID)
	}

	run := s.newRun(owner, models.RunTypeWorkflow, opts)
	run.WorkflowID = workflowID

	return s.enqueue(ctx, run, task{run: run, workflow: wf})
}

func (s *Service) newRun(owner string, rt models.RunType, opts SubmitOptions) *models.Run {
	run := &models.Run{
		ID:               uuid.New().String(),
		RunType:          rt,
		Status:           models.RunStatusPending,
		InputMessage:     opts.Input,
		ContextVariables: opts.ContextVariables,
		MaxTurns:         opts.MaxTurns,
		Metadata:         opts.Metadata,
		OwnerID:          owner,
		CreatedAt:        time.Now().UTC(),
	}
	run.Normalize()
	return run
}

// enqueue persists the pending record, then hands it to the pool. On a
// full queue the record is rolled back so no orphan pending run lingers.
func (s *Service) enqueue(ctx context.Context, run *models.Run, t task) (*models.Run, error) {
	if err := s.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}

	select {
	case s.queue <- t:
	default:
		if err := s.store.DeleteRun(ctx, run.OwnerID, run.ID); err != nil {
			log.Error().Err(err).Str("run_id", run.ID).Msg("Failed to roll back run after queue overflow")
		}
		return nil, &models.ErrCapacity{Msg: "run queue is full"}
	}

	s.publishUpdate(run)
	log.Info().
		Str("run_id", run.ID).
		Str("type", string(run.RunType)).
		Str("owner", run.OwnerID).
		Msg("Run queued")
	return run, nil
}

// ── Worker Pool ──────────────────────────────────────────────

// Start launches the worker pool.
func (s *Service) Start(ctx context.Context) {
	workers := s.cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}
	s.wg.Add(1)
	go s.heartbeat()
	log.Info().
		Int("workers", workers).
		Int("queue_size", cap(s.queue)).
		Msg("Run dispatcher started")
}

// heartbeat announces dispatcher health so stream clients can tell a
// quiet runtime from a dead one. The first beat fires immediately.
func (s *Service) heartbeat() {
	defer s.wg.Done()
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()
	s.publishHealth()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.publishHealth()
		}
	}
}

func (s *Service) publishHealth() {
	s.mu.Lock()
	active := len(s.cancels)
	s.mu.Unlock()
	s.bus.Publish(bus.TopicEvents, models.Event{
		Type: models.EventAgentHealthUpdate,
		Data: map[string]any{
			"status":      "ok",
			"active_runs": active,
			"queue_depth": len(s.queue),
		},
		Timestamp: time.Now().UTC(),
	})
}

// Shutdown stops the pool. In-flight runs get until ctx's deadline to
// finish on their own; stragglers have their contexts cancelled and are
// marked failed by the startup sweep after the next boot.
func (s *Service) Shutdown(ctx context.Context) {
	s.stopOnce.Do(func() { close(s.stop) })

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("Run dispatcher stopped")
	case <-ctx.Done():
		s.mu.Lock()
		for id, cancel := range s.cancels {
			log.Warn().Str("run_id", id).Msg("Interrupting in-flight run at shutdown")
			cancel()
		}
		s.mu.Unlock()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
		}
		log.Warn().Msg("Run dispatcher shutdown timed out")
	}
}

func (s *Service) worker(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-s.stop:
			return
		case t := <-s.queue:
			s.execute(ctx, t)
		}
	}
}

// execute drives one run end to end on the calling worker.
func (s *Service) execute(ctx context.Context, t task) {
	// Re-read: the run may have been cancelled or deleted while queued.
	run, err := s.store.GetRun(ctx, t.run.OwnerID, t.run.ID)
	if err != nil || run.Status != models.RunStatusPending {
		log.Debug().Str("run_id", t.run.ID).Msg("Skipping run no longer pending")
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.cancels[run.ID] = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.cancels, run.ID)
		s.mu.Unlock()
	}()

	started := time.Now().UTC()
	run.Status = models.RunStatusRunning
	run.StartedAt = &started
	if err := s.store.UpdateRun(ctx, run); err != nil {
		// A concurrent cancel won the race; leave the record alone.
		log.Warn().Err(err).Str("run_id", run.ID).Msg("Run start write rejected")
		return
	}
	s.publishUpdate(run)
	log.Info().
		Str("run_id", run.ID).
		Str("type", string(run.RunType)).
		Msg("Run execution started")

	s.space.SetAll(run.ID, run.ContextVariables)
	defer s.space.Drop(run.ID)

	rec := &runRecorder{svc: s, run: run}
	switch run.RunType {
	case models.RunTypeWorkflow:
		s.executeWorkflow(runCtx, run, t, rec)
	default:
		s.executeAgent(runCtx, run, t, rec)
	}
}

func (s *Service) executeAgent(ctx context.Context, run *models.Run, t task, rec *runRecorder) {
	resolved, err := s.resolver.Resolve(ctx, t.agent, s.space.Snapshot(run.ID))
	if err != nil {
		s.finishRun(rec, models.RunStatusFailed, func(r *models.Run) { r.Error = err.Error() })
		return
	}

	out, err := s.executor.Converse(ctx, resolved, agent.Options{
		RunID:               run.ID,
		Model:               run.Model,
		Input:               run.InputMessage,
		ContextVariables:    s.space.Snapshot(run.ID),
		PreviousMessages:    t.previous,
		ConversationHistory: t.history,
		MaxTurns:            run.MaxTurns,
		Recorder:            rec,
	})
	switch {
	case err != nil:
		s.finishRun(rec, models.RunStatusFailed, func(r *models.Run) { r.Error = err.Error() })
	case out.Cancelled:
		// Cancel already wrote the terminal record; nothing to add.
	default:
		s.finishRun(rec, models.RunStatusCompleted, func(r *models.Run) {
			r.Output = out.Output
			if len(out.GuardrailViolations) > 0 {
				if r.Metadata == nil {
					r.Metadata = map[string]any{}
				}
				r.Metadata["guardrail_violations"] = out.GuardrailViolations
			}
		})
	}
}

func (s *Service) executeWorkflow(ctx context.Context, run *models.Run, t task, rec *runRecorder) {
	out := s.engine.Execute(ctx, t.workflow, workflow.Options{
		RunID:            run.ID,
		Input:            run.InputMessage,
		ContextVariables: s.space.Snapshot(run.ID),
		MaxTurns:         run.MaxTurns,
		Recorder:         rec,
		OnStep:           rec.AppendStep,
	})
	switch {
	case out.Cancelled:
	case out.Err != "":
		s.finishRun(rec, models.RunStatusFailed, func(r *models.Run) { r.Error = out.Err })
	default:
		s.finishRun(rec, models.RunStatusCompleted, func(r *models.Run) { r.Output = out.Output })
	}
}

// finishRun writes the terminal record and announces it. The write goes
// through the lifecycle guard, so a cancel that landed first keeps its
// terminal status.
func (s *Service) finishRun(rec *runRecorder, status models.RunStatus, apply func(*models.Run)) {
	rec.mu.Lock()
	defer rec.mu.Unlock()

	now := time.Now().UTC()
	rec.run.Status = status
	rec.run.CompletedAt = &now
	if apply != nil {
		apply(rec.run)
	}
	if err := s.store.UpdateRun(context.Background(), rec.run); err != nil {
		log.Warn().Err(err).Str("run_id", rec.run.ID).Msg("Run finish write rejected")
		return
	}

	s.publishUpdate(rec.run)
	switch status {
	case models.RunStatusCompleted:
		log.Info().
			Str("run_id", rec.run.ID).
			Int("tokens", rec.run.TokensUsed).
			Msg("✅ Run completed")
	case models.RunStatusFailed:
		log.Error().
			Str("run_id", rec.run.ID).
			Str("error", rec.run.Error).
			Msg("💥 Run failed")
	}
}

// ── Run Operations ───────────────────────────────────────────

// Get returns one run.
func (s *Service) Get(ctx context.Context, owner, id string) (*models.Run, error) {
	return s.store.GetRun(ctx, owner, id)
}

// List returns runs for the owner, newest first.
func (s *Service) List(ctx context.Context, owner string, filter store.RunFilter) ([]models.Run, error) {
	return s.store.ListRuns(ctx, owner, filter)
}

// Delete removes a run record. The store refuses while it is running.
func (s *Service) Delete(ctx context.Context, owner, id string) error {
	return s.store.DeleteRun(ctx, owner, id)
}

// Cancel moves a pending or running run to cancelled, then interrupts
// its worker. The status write lands first so in-flight transcript
// appends are rejected from that point on.
func (s *Service) Cancel(ctx context.Context, owner, id string) (*models.Run, error) {
	run, err := s.store.GetRun(ctx, owner, id)
	if err != nil {
		return nil, err
	}
	if run.Status.IsTerminal() {
		return nil, &models.ErrInvalidTransition{From: run.Status, To: models.RunStatusCancelled}
	}

	now := time.Now().UTC()
	run.Status = models.RunStatusCancelled
	run.CompletedAt = &now
	if err := s.store.UpdateRun(ctx, run); err != nil {
		return nil, err
	}

	s.mu.Lock()
	cancel, active := s.cancels[id]
	s.mu.Unlock()
	if active {
		cancel()
	}

	s.publishUpdate(run)
	log.Info().Str("run_id", id).Msg("🛑 Run cancelled")
	return run, nil
}

// Stats aggregates runs created inside the window (default 24h).
func (s *Service) Stats(ctx context.Context, owner string, window time.Duration) (*models.RunStats, error) {
	if window <= 0 {
		window = 24 * time.Hour
	}
	since := time.Now().UTC().Add(-window)
	runs, err := s.store.ListRuns(ctx, owner, store.RunFilter{Since: &since, Limit: statsScanLimit})
	if err != nil {
		return nil, err
	}

	stats := &models.RunStats{
		WindowHours: int(window / time.Hour),
		TotalRuns:   len(runs),
		ByStatus:    map[string]int{},
		ByType:      map[string]int{},
		TopAgents:   []models.AgentRunCount{},
	}
	var totalMs float64
	var timed int
	perAgent := map[string]int{}
	for _, r := range runs {
		stats.ByStatus[string(r.Status)]++
		stats.ByType[string(r.RunType)]++
		stats.TotalTokens += r.TokensUsed
		if r.AgentID != "" {
			perAgent[r.AgentID]++
		}
		if r.StartedAt != nil && r.CompletedAt != nil {
			totalMs += float64(r.CompletedAt.Sub(*r.StartedAt).Milliseconds())
			timed++
		}
	}
	if timed > 0 {
		stats.AvgDurationMs = totalMs / float64(timed)
	}

	ids := make([]string, 0, len(perAgent))
	for id := range perAgent {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if perAgent[ids[i]] != perAgent[ids[j]] {
			return perAgent[ids[i]] > perAgent[ids[j]]
		}
		return ids[i] < ids[j]
	})
	if len(ids) > 5 {
		ids = ids[:5]
	}
	for _, id := range ids {
		entry := models.AgentRunCount{AgentID: id, Runs: perAgent[id]}
		// Name lookup is best effort; deleted agents keep their id.
		if def, err := s.store.GetAgent(ctx, owner, id); err == nil {
			entry.Name = def.Name
		}
		stats.TopAgents = append(stats.TopAgents, entry)
	}
	return stats, nil
}

// SweepInterrupted fails over runs left pending or running by a crash
// or restart. Call once at startup, before the pool starts.
func (s *Service) SweepInterrupted(ctx context.Context) int {
	active, err := s.store.ListActiveRuns(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list interrupted runs")
		return 0
	}

	swept := 0
	for i := range active {
		run := &active[i]
		now := time.Now().UTC()
		run.Status = models.RunStatusFailed
		run.Error = "execution interrupted by runtime restart"
		run.CompletedAt = &now
		if err := s.store.UpdateRun(ctx, run); err != nil {
			log.Error().Err(err).Str("run_id", run.ID).Msg("Failed to mark interrupted run")
			continue
		}
		swept++
	}
	if swept > 0 {
		log.Warn().Int("count", swept).Msg("Marked interrupted runs as failed")
	}
	return swept
}

// ── Events ───────────────────────────────────────────────────

// publishUpdate mirrors run state onto the bus for websocket streams
// and the webhook notifier.
func (s *Service) publishUpdate(run *models.Run) {
	data := map[string]any{
		"run_id":   run.ID,
		"run_type": string(run.RunType),
		"status":   string(run.Status),
		"owner_id": run.OwnerID,
	}
	if run.AgentID != "" {
		data["agent_id"] = run.AgentID
	}
	if run.WorkflowID != "" {
		data["workflow_id"] = run.WorkflowID
	}
	if run.Status.IsTerminal() {
		data["output"] = run.Output
		data["error"] = run.Error
		data["tokens_used"] = run.TokensUsed
	}
	s.bus.PublishRunEvent(run.ID, models.Event{
		Type:      models.EventExecutionUpdate,
		Data:      data,
		Timestamp: time.Now().UTC(),
	})
}

// ── Recorder ─────────────────────────────────────────────────

// runRecorder serializes run mutations while parallel workflow steps
// append concurrently, persisting after every change so readers and the
// stream observe live progress. Persistence uses a fresh context: the
// store's lifecycle guard, not the worker's context, decides whether a
// write is still allowed.
type runRecorder struct {
	svc *Service
	mu  sync.Mutex
	run *models.Run
}

func (r *runRecorder) Append(_ context.Context, messages []models.Message, calls []models.ToolCallRecord, tokens int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.run.Messages = append(r.run.Messages, messages...)
	r.run.ToolCalls = append(r.run.ToolCalls, calls...)
	r.run.TokensUsed += tokens
	r.persist()
}

// AppendStep records one finished workflow step and announces it so
// stream clients see per-step progress before the run settles.
func (r *runRecorder) AppendStep(result models.StepResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.run.StepResults = append(r.run.StepResults, result)
	r.persist()
	data := map[string]any{
		"run_id":      r.run.ID,
		"run_type":    string(r.run.RunType),
		"status":      string(models.RunStatusRunning),
		"owner_id":    r.run.OwnerID,
		"step_id":     result.StepID,
		"step_status": result.Status,
	}
	if r.run.WorkflowID != "" {
		data["workflow_id"] = r.run.WorkflowID
	}
	r.svc.bus.PublishRunEvent(r.run.ID, models.Event{
		Type:      models.EventExecutionUpdate,
		Data:      data,
		Timestamp: time.Now().UTC(),
	})
}

func (r *runRecorder) persist() {
	if err := r.svc.store.UpdateRun(context.Background(), r.run); err != nil {
		// Expected after a concurrent cancel; the transcript stops here.
		log.Debug().Err(err).Str("run_id", r.run.ID).Msg("Transcript write rejected")
	}
}

// Cancelled reports whether the run should stop. The context check
// catches worker interruption; the store read catches a cancel written
// by another instance sharing the database.
func (r *runRecorder) Cancelled(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	current, err := r.svc.store.GetRun(ctx, r.run.OwnerID, r.run.ID)
	if err != nil {
		return false
	}
	return current.Status == models.RunStatusCancelled
}
