package models

import (
	"time"
)

// ── Agent ────────────────────────────────────────────────────

// AgentStatus is the lifecycle state of an agent definition.
type AgentStatus string

const (
	AgentStatusDraft    AgentStatus = "draft"
	AgentStatusActive   AgentStatus = "active"
	AgentStatusInactive AgentStatus = "inactive"
)

// Agent is a declarative agent definition. Only active agents can be run.
type Agent struct {
	ID                string      `json:"id"`
	Name              string      `json:"name"`
	Description       string      `json:"description,omitempty"`
	Model             string      `json:"model"`
	Instructions      string      `json:"instructions,omitempty"`
	Tools             []string    `json:"tools"`
	CustomToolIDs     []string    `json:"custom_tool_ids"`
	MCPServerIDs      []string    `json:"mcp_server_ids"`
	ToolChoice        string      `json:"tool_choice,omitempty"` // auto | none | <tool name>
	ParallelToolCalls bool        `json:"parallel_tool_calls"`
	AutonomousMode    bool        `json:"autonomous_mode"`
	MaxTurns          int         `json:"max_turns"`
	Capabilities      []string    `json:"capabilities,omitempty"`
	Guardrails        []Guardrail `json:"guardrails,omitempty"`
	Status            AgentStatus `json:"status"`
	OwnerID           string      `json:"owner_id"`
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
}

// ── Workflow ─────────────────────────────────────────────────

// ExecutionMode controls how a workflow's steps are scheduled.
type ExecutionMode string

const (
	ExecutionSequential ExecutionMode = "sequential"
	ExecutionParallel   ExecutionMode = "parallel"
)

// WorkflowStep is one unit of a workflow, backed by an agent execution.
//
// InputMapping maps destination keys to source keys in the shared result
// dictionary built up by earlier steps. OutputKey is the key under which
// this step's final assistant message is published (defaults to StepID).
type WorkflowStep struct {
	StepID       string            `json:"step_id"`
	AgentID      string            `json:"agent_id"`
	InputMapping map[string]string `json:"input_mapping,omitempty"`
	OutputKey    string            `json:"output_key,omitempty"`
}

// Workflow is a named ordered sequence of agent steps.
type Workflow struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Description   string         `json:"description,omitempty"`
	Steps         []WorkflowStep `json:"steps"`
	ExecutionMode ExecutionMode  `json:"execution_mode"`
	Status        AgentStatus    `json:"status"`
	OwnerID       string         `json:"owner_id"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// ── Runs ─────────────────────────────────────────────────────

// RunType identifies which definition a run executes.
type RunType string

const (
	RunTypeAgent    RunType = "agent"
	RunTypeWorkflow RunType = "workflow"
)

// RunStatus is a node in the run lifecycle DAG
// pending → running → {completed, failed, cancelled}.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether the status admits no further transitions.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

// CanTransitionTo reports whether moving from s to next follows the DAG.
func (s RunStatus) CanTransitionTo(next RunStatus) bool {
	if s == next {
		return true
	}
	switch s {
	case RunStatusPending:
		return next == RunStatusRunning || next == RunStatusCompleted ||
			next == RunStatusFailed || next == RunStatusCancelled
	case RunStatusRunning:
		return next == RunStatusCompleted || next == RunStatusFailed || next == RunStatusCancelled
	default:
		return false
	}
}

// Run is the authoritative record of one agent or workflow execution.
//
// Exactly one of AgentID/WorkflowID is set, according to RunType. Messages
// and ToolCalls are append-only; StepResults exists only for workflow runs
// and is ordered by step execution order; TokensUsed is monotone
// non-decreasing; OwnerID is immutable.
type Run struct {
	ID               string           `json:"id"`
	RunType          RunType          `json:"run_type"`
	AgentID          string           `json:"agent_id,omitempty"`
	WorkflowID       string           `json:"workflow_id,omitempty"`
	Status           RunStatus        `json:"status"`
	InputMessage     string           `json:"input_message"`
	ContextVariables map[string]any   `json:"context_variables"`
	Output           string           `json:"output,omitempty"`
	Error            string           `json:"error,omitempty"`
	StepResults      []StepResult     `json:"step_results"`
	Messages         []Message        `json:"messages"`
	ToolCalls        []ToolCallRecord `json:"tool_calls"`
	TokensUsed       int              `json:"tokens_used"`
	MaxTurns         int              `json:"max_turns,omitempty"`
	Model            string           `json:"model,omitempty"` // optional per-run override
	Metadata         map[string]any   `json:"metadata,omitempty"`
	StartedAt        *time.Time       `json:"started_at,omitempty"`
	CompletedAt      *time.Time       `json:"completed_at,omitempty"`
	OwnerID          string           `json:"owner_id"`
	CreatedAt        time.Time        `json:"created_at"`
}

// Normalize replaces nil collections with empty ones so the wire shape
// never carries null arrays/objects.
func (r *Run) Normalize() {
	if r.ContextVariables == nil {
		r.ContextVariables = map[string]any{}
	}
	if r.StepResults == nil {
		r.StepResults = []StepResult{}
	}
	if r.Messages == nil {
		r.Messages = []Message{}
	}
	if r.ToolCalls == nil {
		r.ToolCalls = []ToolCallRecord{}
	}
}

// CloneRun returns a deep copy so concurrent readers never observe a
// partially updated record.
func CloneRun(r *Run) *Run {
	if r == nil {
		return nil
	}
	cp := *r
	if r.ContextVariables != nil {
		cp.ContextVariables = make(map[string]any, len(r.ContextVariables))
		for k, v := range r.ContextVariables {
			cp.ContextVariables[k] = v
		}
	}
	cp.StepResults = append([]StepResult(nil), r.StepResults...)
	cp.Messages = CloneMessages(r.Messages)
	cp.ToolCalls = append([]ToolCallRecord(nil), r.ToolCalls...)
	if r.Metadata != nil {
		cp.Metadata = make(map[string]any, len(r.Metadata))
		for k, v := range r.Metadata {
			cp.Metadata[k] = v
		}
	}
	if r.StartedAt != nil {
		t := *r.StartedAt
		cp.StartedAt = &t
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		cp.CompletedAt = &t
	}
	cp.Normalize()
	return &cp
}

// StepResult records the outcome of one workflow step.
type StepResult struct {
	StepID      string    `json:"step_id"`
	AgentID     string    `json:"agent_id"`
	OutputKey   string    `json:"output_key"`
	Status      string    `json:"status"` // completed | failed
	Input       string    `json:"input,omitempty"`
	Output      string    `json:"output,omitempty"`
	Error       string    `json:"error,omitempty"`
	TokensUsed  int       `json:"tokens_used,omitempty"`
	DurationMs  int64     `json:"duration_ms"`
	CompletedAt time.Time `json:"completed_at"`
}

const (
	StepCompleted = "completed"
	StepFailed    = "failed"
)

// ── Conversation ─────────────────────────────────────────────

// Message is one conversation entry. ToolCalls on an assistant message
// carries the structured requests; a later role=tool message with a
// matching ToolCallID carries the result.
type Message struct {
	Role       string     `json:"role"` // user | assistant | tool | system
	Content    string     `json:"content"`
	Name       string     `json:"name,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
}

// ToolCall is one requested invocation emitted by the model in a turn.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// CloneMessages deep-copies a message slice including nested tool calls.
func CloneMessages(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		cp := m
		if m.ToolCalls != nil {
			cp.ToolCalls = make([]ToolCall, len(m.ToolCalls))
			for j, tc := range m.ToolCalls {
				tcc := tc
				if tc.Arguments != nil {
					tcc.Arguments = make(map[string]any, len(tc.Arguments))
					for k, v := range tc.Arguments {
						tcc.Arguments[k] = v
					}
				}
				cp.ToolCalls[j] = tcc
			}
		}
		out[i] = cp
	}
	return out
}

// ToolCallRecord is the audit-log projection of one tool invocation.
type ToolCallRecord struct {
	ID         string    `json:"id"`
	ToolName   string    `json:"tool_name"`
	Arguments  string    `json:"arguments"` // JSON summary, truncated
	Result     string    `json:"result"`    // truncated
	IsError    bool      `json:"is_error"`
	DurationMs int64     `json:"duration_ms"`
	Timestamp  time.Time `json:"timestamp"`
}

// TokenUsage is the per-completion token accounting reported by providers.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// ── Tools ────────────────────────────────────────────────────

// Tool categories as surfaced on the catalogue endpoint.
const (
	ToolCategoryBuiltin = "builtin"
	ToolCategoryCustom  = "custom"
	ToolCategoryMCP     = "mcp"
	ToolCategoryWeb     = "web"
	ToolCategoryFile    = "file"
	ToolCategoryCode    = "code"
)

// ToolParameter describes one parameter of a tool's call schema.
type ToolParameter struct {
	Name        string `json:"name"`
	Type        string `json:"type"` // string | number | integer | boolean | object | array
	Required    bool   `json:"required"`
	Default     any    `json:"default,omitempty"`
	Description string `json:"description,omitempty"`
}

// ── Custom tools ─────────────────────────────────────────────

// DefinitionType distinguishes sandboxed code tools from JSON action tools.
type DefinitionType string

const (
	DefinitionCode   DefinitionType = "code"
	DefinitionAction DefinitionType = "action"
)

// MaxCustomToolBytes bounds the size of a custom tool definition.
const MaxCustomToolBytes = 20 * 1024

// CustomTool is a persisted user-defined tool. When IsEnabled, it is
// projected into the tool registry behind a sandbox wrapper.
type CustomTool struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	Description    string          `json:"description,omitempty"`
	DefinitionType DefinitionType  `json:"definition_type"`
	Definition     string          `json:"definition"`
	Parameters     []ToolParameter `json:"parameters"`
	ReturnType     string          `json:"return_type,omitempty"`
	IsEnabled      bool            `json:"is_enabled"`
	OwnerID        string          `json:"owner_id"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// ── MCP servers ──────────────────────────────────────────────

// TransportType is how the runtime reaches an MCP server.
type TransportType string

const (
	TransportStdio TransportType = "stdio"
	TransportHTTP  TransportType = "http"
	TransportSSE   TransportType = "sse"
)

// MCPServer is a persisted descriptor of an external MCP tool server.
// Endpoint is used for http/sse transports; Command+Args for stdio.
type MCPServer struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	TransportType TransportType     `json:"transport_type"`
	Endpoint      string            `json:"endpoint,omitempty"`
	Command       string            `json:"command,omitempty"`
	Args          []string          `json:"args,omitempty"`
	Env           map[string]string `json:"env,omitempty"`
	Auth          map[string]any    `json:"auth,omitempty"`
	Status        string            `json:"status"`
	OwnerID       string            `json:"owner_id"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// ── Agent files ──────────────────────────────────────────────

// MaxAgentFileBytes bounds uploaded attachment size.
const MaxAgentFileBytes = 5 * 1024 * 1024

// AgentFile is a binary or textual attachment scoped to an agent. The
// content is stored out of the wire shape; Preview carries a truncated
// text rendering when the content is readable as text.
type AgentFile struct {
	ID          string    `json:"id"`
	AgentID     string    `json:"agent_id"`
	Name        string    `json:"name"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	Preview     string    `json:"preview,omitempty"`
	Data        []byte    `json:"-"`
	OwnerID     string    `json:"owner_id"`
	CreatedAt   time.Time `json:"created_at"`
}

// ── Guardrails ───────────────────────────────────────────────

// GuardrailKind selects the evaluation heuristic.
type GuardrailKind string

const (
	GuardrailContentFilter GuardrailKind = "content_filter"
	GuardrailMaxLength     GuardrailKind = "max_length"
	GuardrailRegexFilter   GuardrailKind = "regex_filter"
	GuardrailPIIDetection  GuardrailKind = "pii_detection"
)

// GuardrailStage is where in the loop a guardrail applies.
type GuardrailStage string

const (
	GuardrailStageInput  GuardrailStage = "input"
	GuardrailStageOutput GuardrailStage = "output"
	GuardrailStageBoth   GuardrailStage = "both"
)

// Guardrail is one configured rule on an agent.
type Guardrail struct {
	Kind    GuardrailKind  `json:"kind"`
	Stage   GuardrailStage `json:"stage,omitempty"`
	Config  map[string]any `json:"config,omitempty"`
	Enabled bool           `json:"enabled"`
}

// ── Events & stats ───────────────────────────────────────────

// Stream frame types delivered over the live event connection.
const (
	EventExecutionUpdate   = "execution_update"
	EventAgentHealthUpdate = "agent_health_update"
	EventSubscribed        = "subscribed"
)

// Event is one {type, data, timestamp} frame on the message bus and the
// live stream.
type Event struct {
	Type      string         `json:"type"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
}

// AgentRunCount pairs an agent id with its run count for stats.
type AgentRunCount struct {
	AgentID string `json:"agent_id"`
	Name    string `json:"name,omitempty"`
	Runs    int    `json:"runs"`
}

// RunStats aggregates runs over a rolling window.
type RunStats struct {
	WindowHours   int             `json:"window_hours"`
	TotalRuns     int             `json:"total_runs"`
	ByStatus      map[string]int  `json:"by_status"`
	ByType        map[string]int  `json:"by_type"`
	AvgDurationMs float64         `json:"avg_duration_ms"`
	TotalTokens   int             `json:"total_tokens"`
	TopAgents     []AgentRunCount `json:"top_agents"`
}
