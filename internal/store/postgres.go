// Package store — PostgreSQL Store implementation backed by pgx.
// Records are stored as JSONB documents with indexed columns for the
// fields the API filters on.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kilnworks/kiln/pkg/models"
	"github.com/rs/zerolog/log"
)

// PostgresStore implements Store on a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to PostgreSQL and runs migrations.
func NewPostgresStore(ctx context.Context, connURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connURL)
	if err != nil {
		return nil, fmt.Errorf("pg connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pg ping: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pg migrate: %w", err)
	}

	log.Info().Msg("PostgreSQL store initialized")
	return s, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Migrate creates the runtime tables if they don't exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	ddl := `
		CREATE TABLE IF NOT EXISTS kiln_agents (
			owner_id   TEXT NOT NULL,
			id         TEXT NOT NULL,
			doc        JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (owner_id, id)
		);

		CREATE TABLE IF NOT EXISTS kiln_workflows (
			owner_id   TEXT NOT NULL,
			id         TEXT NOT NULL,
			doc        JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (owner_id, id)
		);

		CREATE TABLE IF NOT EXISTS kiln_runs (
			owner_id    TEXT NOT NULL,
			id          TEXT NOT NULL,
			status      TEXT NOT NULL,
			run_type    TEXT NOT NULL,
			agent_id    TEXT NOT NULL DEFAULT '',
			workflow_id TEXT NOT NULL DEFAULT '',
			doc         JSONB NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (owner_id, id)
		);

		CREATE INDEX IF NOT EXISTS idx_kiln_runs_status ON kiln_runs (owner_id, status);
		CREATE INDEX IF NOT EXISTS idx_kiln_runs_created ON kiln_runs (owner_id, created_at DESC);

		CREATE TABLE IF NOT EXISTS kiln_custom_tools (
			owner_id   TEXT NOT NULL,
			id         TEXT NOT NULL,
			doc        JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (owner_id, id)
		);

		CREATE TABLE IF NOT EXISTS kiln_mcp_servers (
			owner_id   TEXT NOT NULL,
			id         TEXT NOT NULL,
			doc        JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (owner_id, id)
		);

		CREATE TABLE IF NOT EXISTS kiln_files (
			owner_id   TEXT NOT NULL,
			id         TEXT NOT NULL,
			agent_id   TEXT NOT NULL DEFAULT '',
			doc        JSONB NOT NULL,
			content    BYTEA NOT NULL DEFAULT ''::bytea,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (owner_id, id)
		);
	`
	_, err := s.pool.Exec(ctx, ddl)
	return err
}

// ── Document helpers ────────────────────────────────────────

func docInsert(ctx context.Context, pool *pgxpool.Pool, table, owner, id string, v any) error {
	doc, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal doc: %w", err)
	}
	q := fmt.Sprintf(`INSERT INTO %s (owner_id, id, doc) VALUES ($1, $2, $3)
		ON CONFLICT (owner_id, id) DO UPDATE SET doc = EXCLUDED.doc`, table)
	_, err = pool.Exec(ctx, q, owner, id, doc)
	return err
}

func docUpdate(ctx context.Context, pool *pgxpool.Pool, table, entity, owner, id string, v any) error {
	doc, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal doc: %w", err)
	}
	q := fmt.Sprintf(`UPDATE %s SET doc = $3 WHERE owner_id = $1 AND id = $2`, table)
	tag, err := pool.Exec(ctx, q, owner, id, doc)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: entity, Key: id}
	}
	return nil
}

func docGet(ctx context.Context, pool *pgxpool.Pool, table, entity, owner, id string, out any) error {
	var doc []byte
	q := fmt.Sprintf(`SELECT doc FROM %s WHERE owner_id = $1 AND id = $2`, table)
	err := pool.QueryRow(ctx, q, owner, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return &ErrNotFound{Entity: entity, Key: id}
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(doc, out)
}

func docDelete(ctx context.Context, pool *pgxpool.Pool, table, entity, owner, id string) error {
	q := fmt.Sprintf(`DELETE FROM %s WHERE owner_id = $1 AND id = $2`, table)
	tag, err := pool.Exec(ctx, q, owner, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: entity, Key: id}
	}
	return nil
}

func docList(ctx context.Context, pool *pgxpool.Pool, table, owner string, each func(doc []byte) error) error {
	q := fmt.Sprintf(`SELECT doc FROM %s WHERE ($1 = '' OR owner_id = $1) ORDER BY created_at DESC`, table)
	rows, err := pool.Query(ctx, q, owner)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return err
		}
		if err := each(doc); err != nil {
			return err
		}
	}
	return rows.Err()
}

// ── Agent Store ─────────────────────────────────────────────

func (s *PostgresStore) ListAgents(ctx context.Context, owner string) ([]models.Agent, error) {
	result := []models.Agent{}
	err := docList(ctx, s.pool, "kiln_agents", owner, func(doc []byte) error {
		var a models.Agent
		if err := json.Unmarshal(doc, &a); err != nil {
			return err
		}
		result = append(result, a)
		return nil
	})
	return result, err
}

func (s *PostgresStore) GetAgent(ctx context.Context, owner, id string) (*models.Agent, error) {
	var a models.Agent
	if err := docGet(ctx, s.pool, "kiln_agents", "agent", owner, id, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *PostgresStore) CreateAgent(ctx context.Context, agent *models.Agent) error {
	return docInsert(ctx, s.pool, "kiln_agents", agent.OwnerID, agent.ID, agent)
}

func (s *PostgresStore) UpdateAgent(ctx context.Context, agent *models.Agent) error {
	agent.UpdatedAt = time.Now().UTC()
	return docUpdate(ctx, s.pool, "kiln_agents", "agent", agent.OwnerID, agent.ID, agent)
}

func (s *PostgresStore) DeleteAgent(ctx context.Context, owner, id string) error {
	return docDelete(ctx, s.pool, "kiln_agents", "agent", owner, id)
}

// ── Workflow Store ──────────────────────────────────────────

func (s *PostgresStore) ListWorkflows(ctx context.Context, owner string) ([]models.Workflow, error) {
	result := []models.Workflow{}
	err := docList(ctx, s.pool, "kiln_workflows", owner, func(doc []byte) error {
		var w models.Workflow
		if err := json.Unmarshal(doc, &w); err != nil {
			return err
		}
		result = append(result, w)
		return nil
	})
	return result, err
}

func (s *PostgresStore) GetWorkflow(ctx context.Context, owner, id string) (*models.Workflow, error) {
	var w models.Workflow
	if err := docGet(ctx, s.pool, "kiln_workflows", "workflow", owner, id, &w); err != nil {
		return nil, err
	}
	return &w, nil
}

func (s *PostgresStore) CreateWorkflow(ctx context.Context, wf *models.Workflow) error {
	return docInsert(ctx, s.pool, "kiln_workflows", wf.OwnerID, wf.ID, wf)
}

func (s *PostgresStore) UpdateWorkflow(ctx context.Context, wf *models.Workflow) error {
	wf.UpdatedAt = time.Now().UTC()
	return docUpdate(ctx, s.pool, "kiln_workflows", "workflow", wf.OwnerID, wf.ID, wf)
}

func (s *PostgresStore) DeleteWorkflow(ctx context.Context, owner, id string) error {
	return docDelete(ctx, s.pool, "kiln_workflows", "workflow", owner, id)
}

// ── Run Store ───────────────────────────────────────────────

func (s *PostgresStore) ListRuns(ctx context.Context, owner string, filter RunFilter) ([]models.Run, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	q := `SELECT doc FROM kiln_runs WHERE ($1 = '' OR owner_id = $1)`
	args := []any{owner}
	idx := 2

	add := func(clause, val string) {
		if val != "" {
			q += fmt.Sprintf(" AND %s = $%d", clause, idx)
			args = append(args, val)
			idx++
		}
	}
	add("status", filter.Status)
	add("run_type", filter.RunType)
	add("agent_id", filter.AgentID)
	add("workflow_id", filter.WorkflowID)
	if filter.Since != nil {
		q += fmt.Sprintf(" AND created_at >= $%d", idx)
		args = append(args, *filter.Since)
		idx++
	}
	q += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", idx)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []models.Run{}
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var r models.Run
		if err := json.Unmarshal(doc, &r); err != nil {
			return nil, err
		}
		r.Normalize()
		result = append(result, r)
	}
	return result, rows.Err()
}

func (s *PostgresStore) GetRun(ctx context.Context, owner, id string) (*models.Run, error) {
	var r models.Run
	if err := docGet(ctx, s.pool, "kiln_runs", "run", owner, id, &r); err != nil {
		return nil, err
	}
	r.Normalize()
	return &r, nil
}

func (s *PostgresStore) CreateRun(ctx context.Context, run *models.Run) error {
	cp := models.CloneRun(run)
	if cp.Status == "" {
		cp.Status = models.RunStatusPending
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	doc, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO kiln_runs (owner_id, id, status, run_type, agent_id, workflow_id, doc, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		cp.OwnerID, cp.ID, cp.Status, cp.RunType, cp.AgentID, cp.WorkflowID, doc, cp.CreatedAt)
	return err
}

// UpdateRun enforces the lifecycle DAG inside a transaction: the current
// status is locked, the transition validated, then the row replaced.
func (s *PostgresStore) UpdateRun(ctx context.Context, run *models.Run) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var current string
	err = tx.QueryRow(ctx,
		`SELECT status FROM kiln_runs WHERE owner_id = $1 AND id = $2 FOR UPDATE`,
		run.OwnerID, run.ID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return &ErrNotFound{Entity: "run", Key: run.ID}
	}
	if err != nil {
		return err
	}
	if !models.RunStatus(current).CanTransitionTo(run.Status) {
		return &models.ErrInvalidTransition{From: models.RunStatus(current), To: run.Status}
	}

	doc, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}
	_, err = tx.Exec(ctx,
		`UPDATE kiln_runs SET status = $3, doc = $4 WHERE owner_id = $1 AND id = $2`,
		run.OwnerID, run.ID, run.Status, doc)
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// DeleteRun refuses while the run is running; the status check and the
// delete happen in one statement so a concurrent start cannot slip in
// between.
func (s *PostgresStore) DeleteRun(ctx context.Context, owner, id string) error {
	var status string
	err := s.pool.QueryRow(ctx,
		`SELECT status FROM kiln_runs WHERE owner_id = $1 AND id = $2`,
		owner, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return &ErrNotFound{Entity: "run", Key: id}
	}
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx,
		`DELETE FROM kiln_runs WHERE owner_id = $1 AND id = $2 AND status <> 'running'`,
		owner, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return models.Validationf("run %s is running and cannot be deleted", id)
	}
	return nil
}

func (s *PostgresStore) ListActiveRuns(ctx context.Context) ([]models.Run, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT doc FROM kiln_runs WHERE status IN ('pending', 'running')`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []models.Run{}
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var r models.Run
		if err := json.Unmarshal(doc, &r); err != nil {
			return nil, err
		}
		r.Normalize()
		result = append(result, r)
	}
	return result, rows.Err()
}

func (s *PostgresStore) ExpiredRuns(ctx context.Context, before time.Time) ([]models.Run, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT doc FROM kiln_runs
		 WHERE status IN ('completed', 'failed', 'cancelled') AND created_at < $1
		 ORDER BY created_at ASC`,
		before)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []models.Run{}
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var r models.Run
		if err := json.Unmarshal(doc, &r); err != nil {
			return nil, err
		}
		r.Normalize()
		result = append(result, r)
	}
	return result, rows.Err()
}

func (s *PostgresStore) PruneRuns(ctx context.Context, before time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM kiln_runs WHERE status IN ('completed', 'failed', 'cancelled') AND created_at < $1`,
		before)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// ── Custom Tool Store ───────────────────────────────────────

func (s *PostgresStore) ListCustomTools(ctx context.Context, owner string) ([]models.CustomTool, error) {
	result := []models.CustomTool{}
	err := docList(ctx, s.pool, "kiln_custom_tools", owner, func(doc []byte) error {
		var t models.CustomTool
		if err := json.Unmarshal(doc, &t); err != nil {
			return err
		}
		result = append(result, t)
		return nil
	})
	return result, err
}

func (s *PostgresStore) GetCustomTool(ctx context.Context, owner, id string) (*models.CustomTool, error) {
	var t models.CustomTool
	if err := docGet(ctx, s.pool, "kiln_custom_tools", "custom tool", owner, id, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *PostgresStore) CreateCustomTool(ctx context.Context, tool *models.CustomTool) error {
	return docInsert(ctx, s.pool, "kiln_custom_tools", tool.OwnerID, tool.ID, tool)
}

func (s *PostgresStore) UpdateCustomTool(ctx context.Context, tool *models.CustomTool) error {
	tool.UpdatedAt = time.Now().UTC()
	return docUpdate(ctx, s.pool, "kiln_custom_tools", "custom tool", tool.OwnerID, tool.ID, tool)
}

func (s *PostgresStore) DeleteCustomTool(ctx context.Context, owner, id string) error {
	return docDelete(ctx, s.pool, "kiln_custom_tools", "custom tool", owner, id)
}

// ── MCP Server Store ────────────────────────────────────────

func (s *PostgresStore) ListMCPServers(ctx context.Context, owner string) ([]models.MCPServer, error) {
	result := []models.MCPServer{}
	err := docList(ctx, s.pool, "kiln_mcp_servers", owner, func(doc []byte) error {
		var sv models.MCPServer
		if err := json.Unmarshal(doc, &sv); err != nil {
			return err
		}
		result = append(result, sv)
		return nil
	})
	return result, err
}

func (s *PostgresStore) GetMCPServer(ctx context.Context, owner, id string) (*models.MCPServer, error) {
	var sv models.MCPServer
	if err := docGet(ctx, s.pool, "kiln_mcp_servers", "mcp server", owner, id, &sv); err != nil {
		return nil, err
	}
	return &sv, nil
}

func (s *PostgresStore) CreateMCPServer(ctx context.Context, server *models.MCPServer) error {
	return docInsert(ctx, s.pool, "kiln_mcp_servers", server.OwnerID, server.ID, server)
}

func (s *PostgresStore) UpdateMCPServer(ctx context.Context, server *models.MCPServer) error {
	server.UpdatedAt = time.Now().UTC()
	return docUpdate(ctx, s.pool, "kiln_mcp_servers", "mcp server", server.OwnerID, server.ID, server)
}

func (s *PostgresStore) DeleteMCPServer(ctx context.Context, owner, id string) error {
	return docDelete(ctx, s.pool, "kiln_mcp_servers", "mcp server", owner, id)
}

// ── Agent File Store ────────────────────────────────────────

func (s *PostgresStore) ListAgentFiles(ctx context.Context, owner, agentID string) ([]models.AgentFile, error) {
	q := `SELECT doc FROM kiln_files WHERE ($1 = '' OR owner_id = $1) AND ($2 = '' OR agent_id = $2)
		ORDER BY created_at DESC`
	rows, err := s.pool.Query(ctx, q, owner, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []models.AgentFile{}
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var f models.AgentFile
		if err := json.Unmarshal(doc, &f); err != nil {
			return nil, err
		}
		result = append(result, f)
	}
	return result, rows.Err()
}

func (s *PostgresStore) GetAgentFile(ctx context.Context, owner, id string) (*models.AgentFile, error) {
	var doc []byte
	var content []byte
	err := s.pool.QueryRow(ctx,
		`SELECT doc, content FROM kiln_files WHERE owner_id = $1 AND id = $2`,
		owner, id).Scan(&doc, &content)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "file", Key: id}
	}
	if err != nil {
		return nil, err
	}
	var f models.AgentFile
	if err := json.Unmarshal(doc, &f); err != nil {
		return nil, err
	}
	f.Data = content
	return &f, nil
}

func (s *PostgresStore) CreateAgentFile(ctx context.Context, file *models.AgentFile) error {
	meta := *file
	meta.Data = nil
	doc, err := json.Marshal(&meta)
	if err != nil {
		return fmt.Errorf("marshal file: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO kiln_files (owner_id, id, agent_id, doc, content) VALUES ($1, $2, $3, $4, $5)`,
		file.OwnerID, file.ID, file.AgentID, doc, file.Data)
	return err
}

func (s *PostgresStore) DeleteAgentFile(ctx context.Context, owner, id string) error {
	return docDelete(ctx, s.pool, "kiln_files", "file", owner, id)
}
