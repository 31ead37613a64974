// Package store provides the storage interface and implementations for
// the Kiln runtime. The in-memory store backs local dev and tests; the
// PostgreSQL store backs production deployments.
package store

import (
	"context"
	"time"

	"github.com/kilnworks/kiln/pkg/models"
)

// Store is the primary storage interface for the runtime. All handler
// and engine code depends on this interface, making it easy to swap
// between in-memory (tests) and PostgreSQL (production) implementations.
type Store interface {
	AgentStore
	WorkflowStore
	RunStore
	CustomToolStore
	MCPServerStore
	AgentFileStore

	// Ping checks if the backing storage is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error

	// Migrate runs schema migrations.
	Migrate(ctx context.Context) error
}

// ── Agent Store ─────────────────────────────────────────────

type AgentStore interface {
	ListAgents(ctx context.Context, owner string) ([]models.Agent, error)
	GetAgent(ctx context.Context, owner, id string) (*models.Agent, error)
	CreateAgent(ctx context.Context, agent *models.Agent) error
	UpdateAgent(ctx context.Context, agent *models.Agent) error
	DeleteAgent(ctx context.Context, owner, id string) error
}

// ── Workflow Store ──────────────────────────────────────────

type WorkflowStore interface {
	ListWorkflows(ctx context.Context, owner string) ([]models.Workflow, error)
	GetWorkflow(ctx context.Context, owner, id string) (*models.Workflow, error)
	CreateWorkflow(ctx context.Context, wf *models.Workflow) error
	UpdateWorkflow(ctx context.Context, wf *models.Workflow) error
	DeleteWorkflow(ctx context.Context, owner, id string) error
}

// ── Run Store ───────────────────────────────────────────────

// RunFilter defines optional filters for listing runs.
type RunFilter struct {
	Status     string // exact match on status
	RunType    string // agent | workflow
	AgentID    string
	WorkflowID string
	Since      *time.Time // created_at >= Since
	Limit      int        // max results (default 100)
}

type RunStore interface {
	ListRuns(ctx context.Context, owner string, filter RunFilter) ([]models.Run, error)
	GetRun(ctx context.Context, owner, id string) (*models.Run, error)
	CreateRun(ctx context.Context, run *models.Run) error

	// UpdateRun replaces a run record. It rejects writes that move the
	// status against the lifecycle DAG with ErrInvalidTransition, so a
	// terminal record can never change status again.
	UpdateRun(ctx context.Context, run *models.Run) error

	// DeleteRun removes a run record and its tool-call log. Deleting a
	// running run is rejected.
	DeleteRun(ctx context.Context, owner, id string) error

	// ListActiveRuns returns pending and running runs across all
	// owners. Used by the startup sweep.
	ListActiveRuns(ctx context.Context) ([]models.Run, error)

	// ExpiredRuns returns terminal runs created before the cutoff,
	// oldest first, so callers can archive them ahead of a prune.
	ExpiredRuns(ctx context.Context, before time.Time) ([]models.Run, error)

	// PruneRuns deletes terminal runs created before the cutoff and
	// returns how many were removed.
	PruneRuns(ctx context.Context, before time.Time) (int, error)
}

// ── Custom Tool Store ───────────────────────────────────────

type CustomToolStore interface {
	ListCustomTools(ctx context.Context, owner string) ([]models.CustomTool, error)
	GetCustomTool(ctx context.Context, owner, id string) (*models.CustomTool, error)
	CreateCustomTool(ctx context.Context, tool *models.CustomTool) error
	UpdateCustomTool(ctx context.Context, tool *models.CustomTool) error
	DeleteCustomTool(ctx context.Context, owner, id string) error
}

// ── MCP Server Store ────────────────────────────────────────

type MCPServerStore interface {
	ListMCPServers(ctx context.Context, owner string) ([]models.MCPServer, error)
	GetMCPServer(ctx context.Context, owner, id string) (*models.MCPServer, error)
	CreateMCPServer(ctx context.Context, server *models.MCPServer) error
	UpdateMCPServer(ctx context.Context, server *models.MCPServer) error
	DeleteMCPServer(ctx context.Context, owner, id string) error
}

// ── Agent File Store ────────────────────────────────────────

type AgentFileStore interface {
	// ListAgentFiles returns file metadata without content.
	ListAgentFiles(ctx context.Context, owner, agentID string) ([]models.AgentFile, error)
	// GetAgentFile returns a file including its content.
	GetAgentFile(ctx context.Context, owner, id string) (*models.AgentFile, error)
	CreateAgentFile(ctx context.Context, file *models.AgentFile) error
	DeleteAgentFile(ctx context.Context, owner, id string) error
}

// ── Errors ──────────────────────────────────────────────────

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}
