// Package store — in-memory Store implementation.
// Used as a fallback when PostgreSQL is not available (local dev, tests).
// Supports file-based snapshot persistence so data survives restarts.
package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/kilnworks/kiln/pkg/models"
	"github.com/rs/zerolog/log"
)

// snapshot is the JSON-serializable shape written to disk.
type snapshot struct {
	Agents      map[string]*models.Agent      `json:"agents"`
	Workflows   map[string]*models.Workflow   `json:"workflows"`
	Runs        map[string]*models.Run        `json:"runs"`
	CustomTools map[string]*models.CustomTool `json:"custom_tools"`
	MCPServers  map[string]*models.MCPServer  `json:"mcp_servers"`
	Files       map[string]*models.AgentFile  `json:"files"`
	FileData    map[string][]byte             `json:"file_data"` // content kept out of the model's wire shape
}

// MemoryStore implements Store with in-memory maps.
type MemoryStore struct {
	mu          sync.RWMutex
	agents      map[string]*models.Agent      // key: owner:id
	workflows   map[string]*models.Workflow   // key: owner:id
	runs        map[string]*models.Run        // key: owner:id
	customTools map[string]*models.CustomTool // key: owner:id
	mcpServers  map[string]*models.MCPServer  // key: owner:id
	files       map[string]*models.AgentFile  // key: owner:id
	fileData    map[string][]byte             // key: owner:id

	// Persistence
	snapshotPath string        // empty = no persistence
	saveMu       sync.Mutex    // guards file writes
	saveCh       chan struct{} // debounce channel
	doneCh       chan struct{} // signals background goroutines to stop
}

// NewMemoryStore creates a new in-memory store.
// If KILN_DATA_DIR is set, data is persisted to a JSON file in that
// directory. Otherwise defaults to ~/.kiln/data.json.
func NewMemoryStore() *MemoryStore {
	m := &MemoryStore{
		agents:      make(map[string]*models.Agent),
		workflows:   make(map[string]*models.Workflow),
		runs:        make(map[string]*models.Run),
		customTools: make(map[string]*models.CustomTool),
		mcpServers:  make(map[string]*models.MCPServer),
		files:       make(map[string]*models.AgentFile),
		fileData:    make(map[string][]byte),
		saveCh:      make(chan struct{}, 1),
		doneCh:      make(chan struct{}),
	}

	dataDir := os.Getenv("KILN_DATA_DIR")
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			dataDir = filepath.Join(home, ".kiln")
		}
	}
	if dataDir != "" {
		m.snapshotPath = filepath.Join(dataDir, "data.json")
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			log.Warn().Err(err).Str("dir", dataDir).Msg("Cannot create data dir, persistence disabled")
			m.snapshotPath = ""
		}
	}

	if m.snapshotPath != "" {
		m.loadSnapshot()
		go m.saveLoop()
	}

	log.Info().Str("snapshot", m.snapshotPath).Msg("Memory store configured")
	return m
}

// requestSave signals the background goroutine to persist data.
// Non-blocking: coalesces multiple rapid writes into one disk flush.
func (m *MemoryStore) requestSave() {
	if m.snapshotPath == "" {
		return
	}
	select {
	case m.saveCh <- struct{}{}:
	default:
		// Already pending
	}
}

// saveLoop runs in a goroutine, debouncing save requests (max 1 write per 500ms).
func (m *MemoryStore) saveLoop() {
	for {
		select {
		case <-m.doneCh:
			return
		case <-m.saveCh:
			time.Sleep(500 * time.Millisecond) // debounce
			m.saveSnapshot()
		}
	}
}

// saveSnapshot persists all data to disk as JSON.
func (m *MemoryStore) saveSnapshot() {
	m.mu.RLock()
	snap := snapshot{
		Agents:      m.agents,
		Workflows:   m.workflows,
		Runs:        m.runs,
		CustomTools: m.customTools,
		MCPServers:  m.mcpServers,
		Files:       m.files,
		FileData:    m.fileData,
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	m.mu.RUnlock()

	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal snapshot")
		return
	}

	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	// Write to temp file then rename for atomicity
	tmp := m.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		log.Error().Err(err).Str("path", tmp).Msg("Failed to write snapshot tmp")
		return
	}
	if err := os.Rename(tmp, m.snapshotPath); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to rename snapshot")
		return
	}

	log.Debug().Str("path", m.snapshotPath).Msg("Snapshot saved")
}

// loadSnapshot reads data from disk on startup.
func (m *MemoryStore) loadSnapshot() {
	data, err := os.ReadFile(m.snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", m.snapshotPath).Msg("No snapshot file found, starting fresh")
			return
		}
		log.Warn().Err(err).Str("path", m.snapshotPath).Msg("Failed to read snapshot")
		return
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to parse snapshot, starting fresh")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if snap.Agents != nil {
		m.agents = snap.Agents
	}
	if snap.Workflows != nil {
		m.workflows = snap.Workflows
	}
	if snap.Runs != nil {
		m.runs = snap.Runs
	}
	if snap.CustomTools != nil {
		m.customTools = snap.CustomTools
	}
	if snap.MCPServers != nil {
		m.mcpServers = snap.MCPServers
	}
	if snap.Files != nil {
		m.files = snap.Files
	}
	if snap.FileData != nil {
		m.fileData = snap.FileData
	}

	log.Info().
		Int("agents", len(m.agents)).
		Int("workflows", len(m.workflows)).
		Int("runs", len(m.runs)).
		Int("custom_tools", len(m.customTools)).
		Int("mcp_servers", len(m.mcpServers)).
		Str("path", m.snapshotPath).
		Msg("Snapshot loaded")
}

func (m *MemoryStore) Ping(_ context.Context) error { return nil }

// Close stops background goroutines and forces a final snapshot write.
// Safe to call multiple times (second call is a no-op).
func (m *MemoryStore) Close() error {
	select {
	case <-m.doneCh:
		// Already closed
		return nil
	default:
		close(m.doneCh)
	}

	// Force a final snapshot write so no in-flight data is lost
	if m.snapshotPath != "" {
		m.saveSnapshot()
	}

	log.Info().Msg("Memory store closed")
	return nil
}

func (m *MemoryStore) Migrate(_ context.Context) error { return nil }

func key(parts ...string) string {
	k := ""
	for i, p := range parts {
		if i > 0 {
			k += ":"
		}
		k += p
	}
	return k
}

// ── Agent Store ─────────────────────────────────────────────

func (m *MemoryStore) ListAgents(_ context.Context, owner string) ([]models.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := []models.Agent{}
	for _, a := range m.agents {
		if a.OwnerID == owner || owner == "" {
			result = append(result, *a)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	return result, nil
}

func (m *MemoryStore) GetAgent(_ context.Context, owner, id string) (*models.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[key(owner, id)]
	if !ok {
		return nil, &ErrNotFound{Entity: "agent", Key: id}
	}
	copy := *a
	return &copy, nil
}

func (m *MemoryStore) CreateAgent(_ context.Context, agent *models.Agent) error {
	m.mu.Lock()
	copy := *agent
	m.agents[key(agent.OwnerID, agent.ID)] = &copy
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) UpdateAgent(_ context.Context, agent *models.Agent) error {
	m.mu.Lock()
	k := key(agent.OwnerID, agent.ID)
	if _, ok := m.agents[k]; !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "agent", Key: agent.ID}
	}
	copy := *agent
	copy.UpdatedAt = time.Now().UTC()
	m.agents[k] = &copy
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) DeleteAgent(_ context.Context, owner, id string) error {
	m.mu.Lock()
	k := key(owner, id)
	if _, ok := m.agents[k]; !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "agent", Key: id}
	}
	delete(m.agents, k)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

// ── Workflow Store ──────────────────────────────────────────

func (m *MemoryStore) ListWorkflows(_ context.Context, owner string) ([]models.Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := []models.Workflow{}
	for _, w := range m.workflows {
		if w.OwnerID == owner || owner == "" {
			result = append(result, *w)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	return result, nil
}

func (m *MemoryStore) GetWorkflow(_ context.Context, owner, id string) (*models.Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.workflows[key(owner, id)]
	if !ok {
		return nil, &ErrNotFound{Entity: "workflow", Key: id}
	}
	copy := *w
	return &copy, nil
}

func (m *MemoryStore) CreateWorkflow(_ context.Context, wf *models.Workflow) error {
	m.mu.Lock()
	copy := *wf
	m.workflows[key(wf.OwnerID, wf.ID)] = &copy
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) UpdateWorkflow(_ context.Context, wf *models.Workflow) error {
	m.mu.Lock()
	k := key(wf.OwnerID, wf.ID)
	if _, ok := m.workflows[k]; !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "workflow", Key: wf.ID}
	}
	copy := *wf
	copy.UpdatedAt = time.Now().UTC()
	m.workflows[k] = &copy
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) DeleteWorkflow(_ context.Context, owner, id string) error {
	m.mu.Lock()
	k := key(owner, id)
	if _, ok := m.workflows[k]; !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "workflow", Key: id}
	}
	delete(m.workflows, k)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

// ── Run Store ───────────────────────────────────────────────

// Runs are deep-copied on every read and write: the execution engine
// appends to Messages/ToolCalls concurrently with API reads.

func (m *MemoryStore) ListRuns(_ context.Context, owner string, filter RunFilter) ([]models.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	result := []models.Run{}
	for _, r := range m.runs {
		if owner != "" && r.OwnerID != owner {
			continue
		}
		if filter.Status != "" && string(r.Status) != filter.Status {
			continue
		}
		if filter.RunType != "" && string(r.RunType) != filter.RunType {
			continue
		}
		if filter.AgentID != "" && r.AgentID != filter.AgentID {
			continue
		}
		if filter.WorkflowID != "" && r.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.Since != nil && r.CreatedAt.Before(*filter.Since) {
			continue
		}
		result = append(result, *models.CloneRun(r))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) GetRun(_ context.Context, owner, id string) (*models.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[key(owner, id)]
	if !ok {
		return nil, &ErrNotFound{Entity: "run", Key: id}
	}
	return models.CloneRun(r), nil
}

func (m *MemoryStore) CreateRun(_ context.Context, run *models.Run) error {
	cp := models.CloneRun(run)
	if cp.Status == "" {
		cp.Status = models.RunStatusPending
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	m.mu.Lock()
	m.runs[key(cp.OwnerID, cp.ID)] = cp
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) UpdateRun(_ context.Context, run *models.Run) error {
	m.mu.Lock()
	k := key(run.OwnerID, run.ID)
	existing, ok := m.runs[k]
	if !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "run", Key: run.ID}
	}
	if !existing.Status.CanTransitionTo(run.Status) {
		m.mu.Unlock()
		return &models.ErrInvalidTransition{From: existing.Status, To: run.Status}
	}
	cp := models.CloneRun(run)
	cp.CreatedAt = existing.CreatedAt // immutable once written
	m.runs[k] = cp
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) DeleteRun(_ context.Context, owner, id string) error {
	m.mu.Lock()
	k := key(owner, id)
	r, ok := m.runs[k]
	if !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "run", Key: id}
	}
	if r.Status == models.RunStatusRunning {
		m.mu.Unlock()
		return models.Validationf("run %s is running and cannot be deleted", id)
	}
	delete(m.runs, k)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListActiveRuns(_ context.Context) ([]models.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := []models.Run{}
	for _, r := range m.runs {
		if r.Status == models.RunStatusPending || r.Status == models.RunStatusRunning {
			result = append(result, *models.CloneRun(r))
		}
	}
	return result, nil
}

func (m *MemoryStore) ExpiredRuns(_ context.Context, before time.Time) ([]models.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := []models.Run{}
	for _, r := range m.runs {
		if r.Status.IsTerminal() && r.CreatedAt.Before(before) {
			result = append(result, *models.CloneRun(r))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (m *MemoryStore) PruneRuns(_ context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	pruned := 0
	for k, r := range m.runs {
		if r.Status.IsTerminal() && r.CreatedAt.Before(before) {
			delete(m.runs, k)
			pruned++
		}
	}
	m.mu.Unlock()
	if pruned > 0 {
		m.requestSave()
	}
	return pruned, nil
}

// ── Custom Tool Store ───────────────────────────────────────

func (m *MemoryStore) ListCustomTools(_ context.Context, owner string) ([]models.CustomTool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := []models.CustomTool{}
	for _, t := range m.customTools {
		if t.OwnerID == owner || owner == "" {
			result = append(result, *t)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	return result, nil
}

func (m *MemoryStore) GetCustomTool(_ context.Context, owner, id string) (*models.CustomTool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.customTools[key(owner, id)]
	if !ok {
		return nil, &ErrNotFound{Entity: "custom tool", Key: id}
	}
	copy := *t
	return &copy, nil
}

func (m *MemoryStore) CreateCustomTool(_ context.Context, tool *models.CustomTool) error {
	m.mu.Lock()
	copy := *tool
	m.customTools[key(tool.OwnerID, tool.ID)] = &copy
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) UpdateCustomTool(_ context.Context, tool *models.CustomTool) error {
	m.mu.Lock()
	k := key(tool.OwnerID, tool.ID)
	if _, ok := m.customTools[k]; !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "custom tool", Key: tool.ID}
	}
	copy := *tool
	copy.UpdatedAt = time.Now().UTC()
	m.customTools[k] = &copy
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) DeleteCustomTool(_ context.Context, owner, id string) error {
	m.mu.Lock()
	k := key(owner, id)
	if _, ok := m.customTools[k]; !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "custom tool", Key: id}
	}
	delete(m.customTools, k)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

// ── MCP Server Store ────────────────────────────────────────

func (m *MemoryStore) ListMCPServers(_ context.Context, owner string) ([]models.MCPServer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := []models.MCPServer{}
	for _, s := range m.mcpServers {
		if s.OwnerID == owner || owner == "" {
			result = append(result, *s)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	return result, nil
}

func (m *MemoryStore) GetMCPServer(_ context.Context, owner, id string) (*models.MCPServer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.mcpServers[key(owner, id)]
	if !ok {
		return nil, &ErrNotFound{Entity: "mcp server", Key: id}
	}
	copy := *s
	return &copy, nil
}

func (m *MemoryStore) CreateMCPServer(_ context.Context, server *models.MCPServer) error {
	m.mu.Lock()
	copy := *server
	m.mcpServers[key(server.OwnerID, server.ID)] = &copy
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) UpdateMCPServer(_ context.Context, server *models.MCPServer) error {
	m.mu.Lock()
	k := key(server.OwnerID, server.ID)
	if _, ok := m.mcpServers[k]; !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "mcp server", Key: server.ID}
	}
	copy := *server
	copy.UpdatedAt = time.Now().UTC()
	m.mcpServers[k] = &copy
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) DeleteMCPServer(_ context.Context, owner, id string) error {
	m.mu.Lock()
	k := key(owner, id)
	if _, ok := m.mcpServers[k]; !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "mcp server", Key: id}
	}
	delete(m.mcpServers, k)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

// ── Agent File Store ────────────────────────────────────────

func (m *MemoryStore) ListAgentFiles(_ context.Context, owner, agentID string) ([]models.AgentFile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := []models.AgentFile{}
	for _, f := range m.files {
		if f.OwnerID != owner && owner != "" {
			continue
		}
		if agentID != "" && f.AgentID != agentID {
			continue
		}
		result = append(result, *f) // metadata only, content stays behind
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	return result, nil
}

func (m *MemoryStore) GetAgentFile(_ context.Context, owner, id string) (*models.AgentFile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	k := key(owner, id)
	f, ok := m.files[k]
	if !ok {
		return nil, &ErrNotFound{Entity: "file", Key: id}
	}
	copy := *f
	copy.Data = append([]byte(nil), m.fileData[k]...)
	return &copy, nil
}

func (m *MemoryStore) CreateAgentFile(_ context.Context, file *models.AgentFile) error {
	m.mu.Lock()
	k := key(file.OwnerID, file.ID)
	copy := *file
	copy.Data = nil // content lives in fileData
	m.files[k] = &copy
	m.fileData[k] = append([]byte(nil), file.Data...)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) DeleteAgentFile(_ context.Context, owner, id string) error {
	m.mu.Lock()
	k := key(owner, id)
	if _, ok := m.files[k]; !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "file", Key: id}
	}
	delete(m.files, k)
	delete(m.fileData, k)
	m.mu.Unlock()
	m.requestSave()
	return nil
}
