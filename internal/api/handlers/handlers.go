// Package handlers implements the HTTP handlers for the Kiln runtime.
// Every handler resolves the owning workspace from the request context
// and scopes each store call by it; error taxonomy types map onto
// status codes in one place so the surface stays uniform.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/kilnworks/kiln/internal/api/middleware"
	"github.com/kilnworks/kiln/internal/bus"
	"github.com/kilnworks/kiln/internal/mcp"
	"github.com/kilnworks/kiln/internal/sandbox"
	"github.com/kilnworks/kiln/internal/store"
	"github.com/kilnworks/kiln/internal/tools"
	"github.com/kilnworks/kiln/pkg/contracts"
	"github.com/kilnworks/kiln/pkg/models"
)

// filePreviewBytes bounds the stored text preview of an uploaded file.
const filePreviewBytes = 512

// Handlers holds all handler dependencies.
type Handlers struct {
	Store    store.Store
	Registry *tools.Registry
	Sandbox  *sandbox.Engine
	Adapter  *mcp.Adapter
	Runs     contracts.RunDispatcher
	Bus      *bus.Bus
	Version  string
}

// New creates a new Handlers instance with all dependencies.
func New(s store.Store, reg *tools.Registry, sb *sandbox.Engine, adapter *mcp.Adapter, runs contracts.RunDispatcher, b *bus.Bus, version string) *Handlers {
	return &Handlers{
		Store:    s,
		Registry: reg,
		Sandbox:  sb,
		Adapter:  adapter,
		Runs:     runs,
		Bus:      b,
		Version:  version,
	}
}

// ══════════════════════════════════════════════════════════════
// ── Health & Version ─────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.Store.Ping(ctx); err != nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "degraded",
			"error":  err.Error(),
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handlers) GetVersion(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"version": h.Version})
}

// ══════════════════════════════════════════════════════════════
// ── Agent Handlers ───────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) ListAgents(w http.ResponseWriter, r *http.Request) {
	owner := middleware.GetOwner(r.Context())
	agents, err := h.Store.ListAgents(r.Context(), owner)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	if agents == nil {
		agents = []models.Agent{}
	}
	respondJSON(w, http.StatusOK, agents)
}

func (h *Handlers) CreateAgent(w http.ResponseWriter, r *http.Request) {
	var req models.Agent
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Name == "" {
		respondError(w, http.StatusBadRequest, "Agent name is required")
		return
	}
	if req.Model == "" {
		respondError(w, http.StatusBadRequest, "Agent model is required")
		return
	}
	if req.Status == "" {
		req.Status = models.AgentStatusActive
	}
	if !validAgentStatus(req.Status) {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("Unknown agent status %q", req.Status))
		return
	}

	owner := middleware.GetOwner(r.Context())
	req.ID = uuid.New().String()
	req.OwnerID = owner
	req.CreatedAt = time.Now().UTC()
	req.UpdatedAt = req.CreatedAt
	if req.MaxTurns <= 0 {
		req.MaxTurns = 10
	}
	if req.ToolChoice == "" {
		req.ToolChoice = "auto"
	}
	if req.Tools == nil {
		req.Tools = []string{}
	}
	if req.CustomToolIDs == nil {
		req.CustomToolIDs = []string{}
	}
	if req.MCPServerIDs == nil {
		req.MCPServerIDs = []string{}
	}

	if err := h.Store.CreateAgent(r.Context(), &req); err != nil {
		respondServiceError(w, err)
		return
	}

	log.Info().Str("agent", req.Name).Str("id", req.ID).Str("owner", owner).Msg("Agent created")
	respondJSON(w, http.StatusCreated, req)
}

func (h *Handlers) GetAgent(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	owner := middleware.GetOwner(r.Context())

	agent, err := h.Store.GetAgent(r.Context(), owner, agentID)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, agent)
}

func (h *Handlers) UpdateAgent(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	owner := middleware.GetOwner(r.Context())

	agent, err := h.Store.GetAgent(r.Context(), owner, agentID)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	var req struct {
		Name              string             `json:"name"`
		Description       string             `json:"description"`
		Model             string             `json:"model"`
		Instructions      string             `json:"instructions"`
		Tools             []string           `json:"tools"`
		CustomToolIDs     []string           `json:"custom_tool_ids"`
		MCPServerIDs      []string           `json:"mcp_server_ids"`
		ToolChoice        string             `json:"tool_choice"`
		ParallelToolCalls *bool              `json:"parallel_tool_calls"`
		AutonomousMode    *bool              `json:"autonomous_mode"`
		MaxTurns          int                `json:"max_turns"`
		Capabilities      []string           `json:"capabilities"`
		Guardrails        []models.Guardrail `json:"guardrails"`
		Status            models.AgentStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.Name != "" {
		agent.Name = req.Name
	}
	if req.Description != "" {
		agent.Description = req.Description
	}
	if req.Model != "" {
		agent.Model = req.Model
	}
	if req.Instructions != "" {
		agent.Instructions = req.Instructions
	}
	if req.Tools != nil {
		agent.Tools = req.Tools
	}
	if req.CustomToolIDs != nil {
		agent.CustomToolIDs = req.CustomToolIDs
	}
	if req.MCPServerIDs != nil {
		agent.MCPServerIDs = req.MCPServerIDs
	}
	if req.ToolChoice != "" {
		agent.ToolChoice = req.ToolChoice
	}
	if req.ParallelToolCalls != nil {
		agent.ParallelToolCalls = *req.ParallelToolCalls
	}
	if req.AutonomousMode != nil {
		agent.AutonomousMode = *req.AutonomousMode
	}
	if req.MaxTurns > 0 {
		agent.MaxTurns = req.MaxTurns
	}
	if req.Capabilities != nil {
		agent.Capabilities = req.Capabilities
	}
	if req.Guardrails != nil {
		agent.Guardrails = req.Guardrails
	}
	if req.Status != "" {
		if !validAgentStatus(req.Status) {
			respondError(w, http.StatusBadRequest, fmt.Sprintf("Unknown agent status %q", req.Status))
			return
		}
		agent.Status = req.Status
	}
	agent.UpdatedAt = time.Now().UTC()

	if err := h.Store.UpdateAgent(r.Context(), agent); err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, agent)
}

func (h *Handlers) DeleteAgent(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	owner := middleware.GetOwner(r.Context())

	// Attachments go with the agent; leftover blobs have no reachable
	// parent once the definition is gone.
	files, err := h.Store.ListAgentFiles(r.Context(), owner, agentID)
	if err == nil {
		for _, f := range files {
			if err := h.Store.DeleteAgentFile(r.Context(), owner, f.ID); err != nil {
				log.Warn().Err(err).Str("file", f.ID).Msg("Failed to delete agent file during agent delete")
			}
		}
	}

	if err := h.Store.DeleteAgent(r.Context(), owner, agentID); err != nil {
		respondServiceError(w, err)
		return
	}

	log.Info().Str("agent", agentID).Str("owner", owner).Msg("Agent deleted")
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted", "id": agentID})
}

// runRequest is the submission body shared by agent and workflow runs.
// Every field is optional; an empty body submits a run with no input.
type runRequest struct {
	Input               string           `json:"input"`
	ContextVariables    map[string]any   `json:"context_variables"`
	MaxTurns            int              `json:"max_turns"`
	Model               string           `json:"model"`
	PreviousMessages    []models.Message `json:"previous_messages"`
	ConversationHistory string           `json:"conversation_history"`
	Metadata            map[string]any   `json:"metadata"`
}

func (h *Handlers) RunAgent(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	owner := middleware.GetOwner(r.Context())

	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	run, err := h.Runs.SubmitAgentRun(r.Context(), owner, agentID, contracts.SubmitOptions{
		Input:               req.Input,
		ContextVariables:    req.ContextVariables,
		MaxTurns:            req.MaxTurns,
		Model:               req.Model,
		PreviousMessages:    req.PreviousMessages,
		ConversationHistory: req.ConversationHistory,
		Metadata:            req.Metadata,
	})
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, run)
}

// ══════════════════════════════════════════════════════════════
// ── Agent File Handlers ──────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) UploadAgentFile(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	owner := middleware.GetOwner(r.Context())

	if _, err := h.Store.GetAgent(r.Context(), owner, agentID); err != nil {
		respondServiceError(w, err)
		return
	}

	// One extra byte past the cap distinguishes "exactly at the limit"
	// from "over it" without buffering an unbounded body.
	r.Body = http.MaxBytesReader(w, r.Body, models.MaxAgentFileBytes+4096)
	file, header, err := r.FormFile("file")
	if err != nil {
		respondError(w, http.StatusBadRequest, "Multipart form with a 'file' field is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, models.MaxAgentFileBytes+1))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Failed to read uploaded file")
		return
	}
	if int64(len(data)) > models.MaxAgentFileBytes {
		respondServiceError(w, &models.ErrCapacity{
			Msg: fmt.Sprintf("file exceeds the %d byte limit", models.MaxAgentFileBytes),
		})
		return
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	record := &models.AgentFile{
		ID:          uuid.New().String(),
		AgentID:     agentID,
		Name:        header.Filename,
		ContentType: contentType,
		Size:        int64(len(data)),
		Preview:     textPreview(data),
		Data:        data,
		OwnerID:     owner,
		CreatedAt:   time.Now().UTC(),
	}
	if err := h.Store.CreateAgentFile(r.Context(), record); err != nil {
		respondServiceError(w, err)
		return
	}

	log.Info().
		Str("agent", agentID).
		Str("file", record.Name).
		Int64("size", record.Size).
		Msg("Agent file uploaded")
	respondJSON(w, http.StatusOK, record)
}

func (h *Handlers) ListAgentFiles(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	owner := middleware.GetOwner(r.Context())

	if _, err := h.Store.GetAgent(r.Context(), owner, agentID); err != nil {
		respondServiceError(w, err)
		return
	}

	files, err := h.Store.ListAgentFiles(r.Context(), owner, agentID)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	if files == nil {
		files = []models.AgentFile{}
	}
	respondJSON(w, http.StatusOK, files)
}

// GetAgentFile serves the stored content with its original content type.
func (h *Handlers) GetAgentFile(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	fileID := chi.URLParam(r, "fileID")
	owner := middleware.GetOwner(r.Context())

	file, err := h.Store.GetAgentFile(r.Context(), owner, fileID)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	if file.AgentID != agentID {
		respondError(w, http.StatusNotFound, fmt.Sprintf("file %s not found", fileID))
		return
	}

	w.Header().Set("Content-Type", file.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", file.Name))
	w.WriteHeader(http.StatusOK)
	w.Write(file.Data)
}

func (h *Handlers) DeleteAgentFile(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	fileID := chi.URLParam(r, "fileID")
	owner := middleware.GetOwner(r.Context())

	file, err := h.Store.GetAgentFile(r.Context(), owner, fileID)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	if file.AgentID != agentID {
		respondError(w, http.StatusNotFound, fmt.Sprintf("file %s not found", fileID))
		return
	}

	if err := h.Store.DeleteAgentFile(r.Context(), owner, fileID); err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted", "id": fileID})
}

// ══════════════════════════════════════════════════════════════
// ── Workflow Handlers ────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) ListWorkflows(w http.ResponseWriter, r *http.Request) {
	owner := middleware.GetOwner(r.Context())
	workflows, err := h.Store.ListWorkflows(r.Context(), owner)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	if workflows == nil {
		workflows = []models.Workflow{}
	}
	respondJSON(w, http.StatusOK, workflows)
}

func (h *Handlers) CreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var req models.Workflow
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Name == "" {
		respondError(w, http.StatusBadRequest, "Workflow name is required")
		return
	}
	if err := validateSteps(req.Steps); err != nil {
		respondServiceError(w, err)
		return
	}
	if req.ExecutionMode == "" {
		req.ExecutionMode = models.ExecutionSequential
	}
	if req.ExecutionMode != models.ExecutionSequential && req.ExecutionMode != models.ExecutionParallel {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("Unknown execution mode %q", req.ExecutionMode))
		return
	}
	if req.Status == "" {
		req.Status = models.AgentStatusActive
	}
	if !validAgentStatus(req.Status) {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("Unknown workflow status %q", req.Status))
		return
	}

	owner := middleware.GetOwner(r.Context())
	req.ID = uuid.New().String()
	req.OwnerID = owner
	req.CreatedAt = time.Now().UTC()
	req.UpdatedAt = req.CreatedAt

	if err := h.Store.CreateWorkflow(r.Context(), &req); err != nil {
		respondServiceError(w, err)
		return
	}

	log.Info().Str("workflow", req.Name).Str("id", req.ID).Str("owner", owner).Msg("Workflow created")
	respondJSON(w, http.StatusCreated, req)
}

func (h *Handlers) GetWorkflow(w http.ResponseWriter, r *http.Request) {
	workflowID := chi.URLParam(r, "workflowID")
	owner := middleware.GetOwner(r.Context())

	wf, err := h.Store.GetWorkflow(r.Context(), owner, workflowID)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, wf)
}

func (h *Handlers) UpdateWorkflow(w http.ResponseWriter, r *http.Request) {
	workflowID := chi.URLParam(r, "workflowID")
	owner := middleware.GetOwner(r.Context())

	wf, err := h.Store.GetWorkflow(r.Context(), owner, workflowID)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	var req models.Workflow
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.Name != "" {
		wf.Name = req.Name
	}
	if req.Description != "" {
		wf.Description = req.Description
	}
	if req.Steps != nil {
		if err := validateSteps(req.Steps); err != nil {
			respondServiceError(w, err)
			return
		}
		wf.Steps = req.Steps
	}
	if req.ExecutionMode != "" {
		if req.ExecutionMode != models.ExecutionSequential && req.ExecutionMode != models.ExecutionParallel {
			respondError(w, http.StatusBadRequest, fmt.Sprintf("Unknown execution mode %q", req.ExecutionMode))
			return
		}
		wf.ExecutionMode = req.ExecutionMode
	}
	if req.Status != "" {
		if !validAgentStatus(req.Status) {
			respondError(w, http.StatusBadRequest, fmt.Sprintf("Unknown workflow status %q", req.Status))
			return
		}
		wf.Status = req.Status
	}
	wf.UpdatedAt = time.Now().UTC()

	if err := h.Store.UpdateWorkflow(r.Context(), wf); err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, wf)
}

func (h *Handlers) DeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	workflowID := chi.URLParam(r, "workflowID")
	owner := middleware.GetOwner(r.Context())

	if err := h.Store.DeleteWorkflow(r.Context(), owner, workflowID); err != nil {
		respondServiceError(w, err)
		return
	}

	log.Info().Str("workflow", workflowID).Str("owner", owner).Msg("Workflow deleted")
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted", "id": workflowID})
}

func (h *Handlers) RunWorkflow(w http.ResponseWriter, r *http.Request) {
	workflowID := chi.URLParam(r, "workflowID")
	owner := middleware.GetOwner(r.Context())

	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	run, err := h.Runs.SubmitWorkflowRun(r.Context(), owner, workflowID, contracts.SubmitOptions{
		Input:            req.Input,
		ContextVariables: req.ContextVariables,
		MaxTurns:         req.MaxTurns,
		Metadata:         req.Metadata,
	})
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, run)
}

// ══════════════════════════════════════════════════════════════
// ── Run Handlers ─────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	owner := middleware.GetOwner(r.Context())

	filter := store.RunFilter{
		Status:     r.URL.Query().Get("status"),
		RunType:    r.URL.Query().Get("run_type"),
		AgentID:    r.URL.Query().Get("agent_id"),
		WorkflowID: r.URL.Query().Get("workflow_id"),
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			respondError(w, http.StatusBadRequest, fmt.Sprintf("Invalid limit %q", raw))
			return
		}
		filter.Limit = limit
	}

	runs, err := h.Runs.List(r.Context(), owner, filter)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	if runs == nil {
		runs = []models.Run{}
	}
	respondJSON(w, http.StatusOK, runs)
}

func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	owner := middleware.GetOwner(r.Context())

	run, err := h.Runs.Get(r.Context(), owner, runID)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, run)
}

func (h *Handlers) CancelRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	owner := middleware.GetOwner(r.Context())

	run, err := h.Runs.Cancel(r.Context(), owner, runID)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, run)
}

func (h *Handlers) DeleteRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	owner := middleware.GetOwner(r.Context())

	if err := h.Runs.Delete(r.Context(), owner, runID); err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted", "id": runID})
}

// RunStats aggregates recent runs. The window query parameter is in
// hours; the service default applies when it is absent.
func (h *Handlers) RunStats(w http.ResponseWriter, r *http.Request) {
	owner := middleware.GetOwner(r.Context())

	var window time.Duration
	if raw := r.URL.Query().Get("window"); raw != "" {
		hours, err := strconv.Atoi(raw)
		if err != nil || hours <= 0 {
			respondError(w, http.StatusBadRequest, fmt.Sprintf("Invalid window %q", raw))
			return
		}
		window = time.Duration(hours) * time.Hour
	}

	stats, err := h.Runs.Stats(r.Context(), owner, window)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

// ══════════════════════════════════════════════════════════════
// ── Tool Catalogue Handlers ──────────────────────────────────
// ══════════════════════════════════════════════════════════════

// toolView is the wire shape of one registry entry.
type toolView struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Category    string                 `json:"category"`
	Parameters  []models.ToolParameter `json:"parameters"`
	Schema      map[string]any         `json:"schema"`
}

func viewOf(def *tools.Definition) toolView {
	params := def.Parameters
	if params == nil {
		params = []models.ToolParameter{}
	}
	return toolView{
		Name:        def.Name,
		Description: def.Description,
		Category:    def.Category,
		Parameters:  params,
		Schema:      def.SchemaDoc(),
	}
}

func (h *Handlers) ListTools(w http.ResponseWriter, r *http.Request) {
	owner := middleware.GetOwner(r.Context())
	category := r.URL.Query().Get("category")

	views := []toolView{}
	for _, def := range h.Registry.List(owner) {
		if category != "" && def.Category != category {
			continue
		}
		views = append(views, viewOf(def))
	}
	respondJSON(w, http.StatusOK, views)
}

func (h *Handlers) GetTool(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "toolName")
	owner := middleware.GetOwner(r.Context())

	def, ok := h.Registry.Resolve(name, owner)
	if !ok {
		respondError(w, http.StatusNotFound, fmt.Sprintf("tool %s not found", name))
		return
	}
	respondJSON(w, http.StatusOK, viewOf(def))
}

// ══════════════════════════════════════════════════════════════
// ── Custom Tool Handlers ─────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// customToolRequest keeps IsEnabled a pointer so an absent field means
// enabled rather than false.
type customToolRequest struct {
	Name           string                 `json:"name"`
	Description    string                 `json:"description"`
	DefinitionType models.DefinitionType  `json:"definition_type"`
	Definition     string                 `json:"definition"`
	Parameters     []models.ToolParameter `json:"parameters"`
	ReturnType     string                 `json:"return_type"`
	IsEnabled      *bool                  `json:"is_enabled"`
}

func (h *Handlers) CreateCustomTool(w http.ResponseWriter, r *http.Request) {
	var req customToolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Name == "" {
		respondError(w, http.StatusBadRequest, "Tool name is required")
		return
	}
	if req.Definition == "" {
		respondError(w, http.StatusBadRequest, "Tool definition is required")
		return
	}
	if len(req.Definition) > models.MaxCustomToolBytes {
		respondServiceError(w, &models.ErrCapacity{
			Msg: fmt.Sprintf("definition exceeds the %d byte limit", models.MaxCustomToolBytes),
		})
		return
	}

	owner := middleware.GetOwner(r.Context())
	if err := h.checkToolNameFree(r.Context(), owner, req.Name, ""); err != nil {
		respondServiceError(w, err)
		return
	}

	enabled := true
	if req.IsEnabled != nil {
		enabled = *req.IsEnabled
	}
	if req.Parameters == nil {
		req.Parameters = []models.ToolParameter{}
	}
	now := time.Now().UTC()
	tool := &models.CustomTool{
		ID:             uuid.New().String(),
		Name:           req.Name,
		Description:    req.Description,
		DefinitionType: req.DefinitionType,
		Definition:     req.Definition,
		Parameters:     req.Parameters,
		ReturnType:     req.ReturnType,
		IsEnabled:      enabled,
		OwnerID:        owner,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := h.Sandbox.Validate(tool); err != nil {
		respondServiceError(w, err)
		return
	}
	if err := h.Store.CreateCustomTool(r.Context(), tool); err != nil {
		respondServiceError(w, err)
		return
	}
	if err := h.Sandbox.Register(h.Registry, tool); err != nil {
		respondServiceError(w, err)
		return
	}

	log.Info().Str("tool", tool.Name).Str("owner", owner).Msg("Custom tool created")
	respondJSON(w, http.StatusCreated, tool)
}

func (h *Handlers) ListCustomTools(w http.ResponseWriter, r *http.Request) {
	owner := middleware.GetOwner(r.Context())
	list, err := h.Store.ListCustomTools(r.Context(), owner)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	if list == nil {
		list = []models.CustomTool{}
	}
	respondJSON(w, http.StatusOK, list)
}

func (h *Handlers) GetCustomTool(w http.ResponseWriter, r *http.Request) {
	toolID := chi.URLParam(r, "toolID")
	owner := middleware.GetOwner(r.Context())

	tool, err := h.Store.GetCustomTool(r.Context(), owner, toolID)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, tool)
}

func (h *Handlers) UpdateCustomTool(w http.ResponseWriter, r *http.Request) {
	toolID := chi.URLParam(r, "toolID")
	owner := middleware.GetOwner(r.Context())

	tool, err := h.Store.GetCustomTool(r.Context(), owner, toolID)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	previousName := tool.Name

	var req customToolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.Name != "" && req.Name != tool.Name {
		if err := h.checkToolNameFree(r.Context(), owner, req.Name, tool.ID); err != nil {
			respondServiceError(w, err)
			return
		}
		tool.Name = req.Name
	}
	if req.Description != "" {
		tool.Description = req.Description
	}
	if req.DefinitionType != "" {
		tool.DefinitionType = req.DefinitionType
	}
	if req.Definition != "" {
		if len(req.Definition) > models.MaxCustomToolBytes {
			respondServiceError(w, &models.ErrCapacity{
				Msg: fmt.Sprintf("definition exceeds the %d byte limit", models.MaxCustomToolBytes),
			})
			return
		}
		tool.Definition = req.Definition
	}
	if req.Parameters != nil {
		tool.Parameters = req.Parameters
	}
	if req.ReturnType != "" {
		tool.ReturnType = req.ReturnType
	}
	if req.IsEnabled != nil {
		tool.IsEnabled = *req.IsEnabled
	}
	tool.UpdatedAt = time.Now().UTC()

	if err := h.Sandbox.Validate(tool); err != nil {
		respondServiceError(w, err)
		return
	}
	if err := h.Store.UpdateCustomTool(r.Context(), tool); err != nil {
		respondServiceError(w, err)
		return
	}

	// A rename leaves the old registry entry behind; drop it first.
	if previousName != tool.Name {
		h.Registry.Unregister(previousName)
	}
	if err := h.Sandbox.Register(h.Registry, tool); err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, tool)
}

func (h *Handlers) DeleteCustomTool(w http.ResponseWriter, r *http.Request) {
	toolID := chi.URLParam(r, "toolID")
	owner := middleware.GetOwner(r.Context())

	tool, err := h.Store.GetCustomTool(r.Context(), owner, toolID)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	if err := h.Store.DeleteCustomTool(r.Context(), owner, toolID); err != nil {
		respondServiceError(w, err)
		return
	}
	h.Sandbox.Unregister(h.Registry, tool)

	log.Info().Str("tool", tool.Name).Str("owner", owner).Msg("Custom tool deleted")
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted", "id": toolID})
}

// checkToolNameFree rejects names already taken by a builtin, an MCP
// projection, or another custom tool in the same workspace.
func (h *Handlers) checkToolNameFree(ctx context.Context, owner, name, selfID string) error {
	if def, ok := h.Registry.Resolve(name, owner); ok && def.Category != models.ToolCategoryCustom {
		return models.Validationf("tool name %q conflicts with a %s tool", name, def.Category)
	}
	existing, err := h.Store.ListCustomTools(ctx, owner)
	if err != nil {
		return err
	}
	for _, t := range existing {
		if t.Name == name && t.ID != selfID {
			return models.Validationf("custom tool %q already exists", name)
		}
	}
	return nil
}

// ══════════════════════════════════════════════════════════════
// ── MCP Server Handlers ──────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) CreateMCPServer(w http.ResponseWriter, r *http.Request) {
	var req models.MCPServer
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Name == "" {
		respondError(w, http.StatusBadRequest, "Server name is required")
		return
	}
	if err := validateTransport(&req); err != nil {
		respondServiceError(w, err)
		return
	}

	owner := middleware.GetOwner(r.Context())
	req.ID = uuid.New().String()
	req.OwnerID = owner
	req.Status = "registered"
	req.CreatedAt = time.Now().UTC()
	req.UpdatedAt = req.CreatedAt

	if err := h.Store.CreateMCPServer(r.Context(), &req); err != nil {
		respondServiceError(w, err)
		return
	}

	log.Info().
		Str("server", req.Name).
		Str("transport", string(req.TransportType)).
		Str("owner", owner).
		Msg("MCP server registered")
	respondJSON(w, http.StatusCreated, req)
}

func (h *Handlers) ListMCPServers(w http.ResponseWriter, r *http.Request) {
	owner := middleware.GetOwner(r.Context())
	servers, err := h.Store.ListMCPServers(r.Context(), owner)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	if servers == nil {
		servers = []models.MCPServer{}
	}
	respondJSON(w, http.StatusOK, servers)
}

func (h *Handlers) GetMCPServer(w http.ResponseWriter, r *http.Request) {
	serverID := chi.URLParam(r, "serverID")
	owner := middleware.GetOwner(r.Context())

	server, err := h.Store.GetMCPServer(r.Context(), owner, serverID)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, server)
}

func (h *Handlers) UpdateMCPServer(w http.ResponseWriter, r *http.Request) {
	serverID := chi.URLParam(r, "serverID")
	owner := middleware.GetOwner(r.Context())

	server, err := h.Store.GetMCPServer(r.Context(), owner, serverID)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	var req models.MCPServer
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.Name != "" {
		server.Name = req.Name
	}
	if req.TransportType != "" {
		server.TransportType = req.TransportType
	}
	if req.Endpoint != "" {
		server.Endpoint = req.Endpoint
	}
	if req.Command != "" {
		server.Command = req.Command
	}
	if req.Args != nil {
		server.Args = req.Args
	}
	if req.Env != nil {
		server.Env = req.Env
	}
	if req.Auth != nil {
		server.Auth = req.Auth
	}
	if err := validateTransport(server); err != nil {
		respondServiceError(w, err)
		return
	}
	server.UpdatedAt = time.Now().UTC()

	if err := h.Store.UpdateMCPServer(r.Context(), server); err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, server)
}

func (h *Handlers) DeleteMCPServer(w http.ResponseWriter, r *http.Request) {
	serverID := chi.URLParam(r, "serverID")
	owner := middleware.GetOwner(r.Context())

	if err := h.Store.DeleteMCPServer(r.Context(), owner, serverID); err != nil {
		respondServiceError(w, err)
		return
	}

	log.Info().Str("server", serverID).Str("owner", owner).Msg("MCP server deleted")
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted", "id": serverID})
}

// ══════════════════════════════════════════════════════════════
// ── Helpers ──────────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondServiceError maps the runtime error taxonomy onto status
// codes: missing records are 404, anything the caller can fix is 400,
// the rest is 500.
func respondServiceError(w http.ResponseWriter, err error) {
	switch err.(type) {
	case *store.ErrNotFound:
		respondError(w, http.StatusNotFound, err.Error())
	case *models.ErrValidation, *models.ErrInvalidTransition, *models.ErrCapacity, *models.ErrInvalidTool:
		respondError(w, http.StatusBadRequest, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

func validAgentStatus(s models.AgentStatus) bool {
	return s == models.AgentStatusDraft || s == models.AgentStatusActive || s == models.AgentStatusInactive
}

func validateSteps(steps []models.WorkflowStep) error {
	if len(steps) == 0 {
		return models.Validationf("workflow needs at least one step")
	}
	seen := map[string]bool{}
	for i, step := range steps {
		if step.StepID == "" {
			return models.Validationf("step %d is missing step_id", i)
		}
		if step.AgentID == "" {
			return models.Validationf("step %s is missing agent_id", step.StepID)
		}
		if seen[step.StepID] {
			return models.Validationf("duplicate step_id %s", step.StepID)
		}
		seen[step.StepID] = true
	}
	return nil
}

func validateTransport(server *models.MCPServer) error {
	switch server.TransportType {
	case models.TransportStdio:
		if server.Command == "" {
			return models.Validationf("stdio transport requires a command")
		}
	case models.TransportHTTP, models.TransportSSE:
		if server.Endpoint == "" {
			return models.Validationf("%s transport requires an endpoint", server.TransportType)
		}
	default:
		return models.Validationf("unknown transport type %q", server.TransportType)
	}
	return nil
}

// textPreview renders the head of an uploaded file when it is valid
// text, for listing without shipping the whole blob.
func textPreview(data []byte) string {
	if !utf8.Valid(data) {
		return ""
	}
	if len(data) <= filePreviewBytes {
		return string(data)
	}
	cut := data[:filePreviewBytes]
	for len(cut) > 0 && !utf8.Valid(cut) {
		cut = cut[:len(cut)-1]
	}
	return string(cut)
}
