package sandbox

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/kilnworks/kiln/internal/store"
	"github.com/kilnworks/kiln/internal/tools"
	"github.com/kilnworks/kiln/pkg/models"
	"github.com/rs/zerolog/log"
)

// Engine turns persisted custom tool records into registry entries.
type Engine struct {
	client *http.Client
}

// NewEngine creates a sandbox engine. The client is used by http
// actions; nil gets a 30s-timeout default.
func NewEngine(client *http.Client) *Engine {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Engine{client: client}
}

// Validate checks a custom tool definition without registering it.
// Used by the API on create and update.
func (e *Engine) Validate(tool *models.CustomTool) error {
	_, err := e.compile(tool)
	return err
}

// handler compiles the definition and wraps it so execution failures
// come back as {status: "error", error: ...} result values for the
// model to read. Context cancellation and deadlines still propagate
// as errors.
func (e *Engine) handler(tool *models.CustomTool) (tools.Handler, error) {
	run, err := e.compile(tool)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, args map[string]any) (any, error) {
		value, err := run(ctx, args)
		if err == nil {
			return value, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return map[string]any{"status": "error", "error": err.Error()}, nil
	}, nil
}

// compile turns the persisted definition into an executable handler.
func (e *Engine) compile(tool *models.CustomTool) (tools.Handler, error) {
	switch tool.DefinitionType {
	case models.DefinitionCode:
		compiled, err := CompileCode(tool.Name, tool.Definition, tool.Parameters)
		if err != nil {
			return nil, err
		}
		return compiled.Run, nil
	case models.DefinitionAction:
		action, err := ParseAction(tool.Name, tool.Definition, e.client)
		if err != nil {
			return nil, err
		}
		return action.Run, nil
	default:
		return nil, models.Validationf("unknown definition type %q", tool.DefinitionType)
	}
}

// Register compiles a custom tool and installs it in the registry,
// scoped to the tool's owner. Disabled tools are removed instead.
func (e *Engine) Register(reg *tools.Registry, tool *models.CustomTool) error {
	if !tool.IsEnabled {
		reg.Unregister(tool.Name)
		return nil
	}
	h, err := e.handler(tool)
	if err != nil {
		return err
	}
	return reg.Register(&tools.Definition{
		Name:        tool.Name,
		Description: tool.Description,
		Category:    models.ToolCategoryCustom,
		Parameters:  tool.Parameters,
		OwnerID:     tool.OwnerID,
		Handler:     h,
	})
}

// Unregister removes a custom tool from the registry.
func (e *Engine) Unregister(reg *tools.Registry, tool *models.CustomTool) {
	reg.Unregister(tool.Name)
}

// LoadAll registers every enabled custom tool from the store. Broken
// definitions are logged and skipped so one bad tool cannot block
// startup.
func (e *Engine) LoadAll(ctx context.Context, reg *tools.Registry, st store.CustomToolStore) error {
	list, err := st.ListCustomTools(ctx, "")
	if err != nil {
		return err
	}
	loaded := 0
	for i := range list {
		tool := &list[i]
		if !tool.IsEnabled {
			continue
		}
		if err := e.Register(reg, tool); err != nil {
			log.Warn().Err(err).Str("tool", tool.Name).Msg("Skipping custom tool with invalid definition")
			continue
		}
		loaded++
	}
	if loaded > 0 {
		log.Info().Int("count", loaded).Msg("Custom tools loaded")
	}
	return nil
}
