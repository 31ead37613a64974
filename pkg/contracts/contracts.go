// Package contracts defines the service interfaces of the Kiln runtime.
//
// These interfaces form the boundary between the runtime and embedding
// deployments. The repo ships concrete implementations (runs.Service,
// the store backends); an embedder can wrap or replace them without
// touching the HTTP layer, since the handlers depend on the interfaces
// here rather than on the concrete types.
package contracts

import (
	"context"
	"time"

	"github.com/kilnworks/kiln/internal/runs"
	"github.com/kilnworks/kiln/internal/store"
	"github.com/kilnworks/kiln/pkg/models"
)

// Store is a type alias for the internal Store interface, exposed in
// pkg/ so embedding deployments can reference it in their own wiring
// without importing internal/ directly.
type Store = store.Store

// ErrNotFound is a type alias for the internal ErrNotFound error.
type ErrNotFound = store.ErrNotFound

// RunFilter is a type alias for the internal run listing filter.
type RunFilter = store.RunFilter

// SubmitOptions aliases the dispatcher's submission knobs.
type SubmitOptions = runs.SubmitOptions

// ── Run dispatcher ──────────────────────────────────────────

// RunDispatcher accepts, tracks, and cancels executions. Implemented by
// runs.Service; the HTTP handlers depend on this interface so a
// deployment can interpose queueing or quota logic of its own.
type RunDispatcher interface {
	// SubmitAgentRun persists a pending run against an active agent and
	// hands it to the worker pool.
	SubmitAgentRun(ctx context.Context, owner, agentID string, opts SubmitOptions) (*models.Run, error)

	// SubmitWorkflowRun persists a pending run against an active workflow.
	SubmitWorkflowRun(ctx context.Context, owner, workflowID string, opts SubmitOptions) (*models.Run, error)

	// Get returns one run record.
	Get(ctx context.Context, owner, id string) (*models.Run, error)

	// List returns runs matching the filter, newest first.
	List(ctx context.Context, owner string, filter RunFilter) ([]models.Run, error)

	// Delete removes a terminal or pending run record.
	Delete(ctx context.Context, owner, id string) error

	// Cancel moves a non-terminal run to cancelled and interrupts its
	// worker if one is executing it.
	Cancel(ctx context.Context, owner, id string) (*models.Run, error)

	// Stats aggregates runs over a rolling window.
	Stats(ctx context.Context, owner string, window time.Duration) (*models.RunStats, error)
}
