// Package server assembles the full Kiln runtime and exposes it for
// embedding.
//
// It lives in pkg/ (not internal/) so downstream distributions can
// compose the runtime with their own middleware or transport:
//
//	srv, err := server.New(ctx)
//	srv.Start(ctx)
//	http.ListenAndServe(":8080", srv.Handler)
//
// Shutdown order matters: stop the HTTP listener first so no new runs
// arrive, then call srv.Shutdown to drain in-flight work.
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/kilnworks/kiln/internal/agent"
	"github.com/kilnworks/kiln/internal/api"
	"github.com/kilnworks/kiln/internal/api/handlers"
	"github.com/kilnworks/kiln/internal/api/middleware"
	"github.com/kilnworks/kiln/internal/bus"
	"github.com/kilnworks/kiln/internal/config"
	"github.com/kilnworks/kiln/internal/mcp"
	"github.com/kilnworks/kiln/internal/model"
	"github.com/kilnworks/kiln/internal/notify"
	"github.com/kilnworks/kiln/internal/resolver"
	"github.com/kilnworks/kiln/internal/retention"
	"github.com/kilnworks/kiln/internal/runs"
	"github.com/kilnworks/kiln/internal/sandbox"
	"github.com/kilnworks/kiln/internal/store"
	"github.com/kilnworks/kiln/internal/telemetry"
	"github.com/kilnworks/kiln/internal/tools"
	"github.com/kilnworks/kiln/internal/workflow"
)

// Config is the public configuration surface for embedders. Zero
// values defer to the environment (see internal/config for the full
// variable list).
type Config struct {
	Port        int
	Version     string
	DatabaseURL string
}

// LoadConfig reads the public configuration from the environment.
func LoadConfig() *Config {
	cfg := config.Load()
	return &Config{
		Port:        cfg.Port,
		Version:     cfg.Version,
		DatabaseURL: cfg.Database.URL,
	}
}

// Server holds the initialized Kiln runtime.
type Server struct {
	// Handler carries all routes and middleware, ready for an
	// http.Server.
	Handler http.Handler

	// Store is the backing data store, Postgres when DATABASE_URL is
	// set and in-memory otherwise.
	Store store.Store

	// Runs is the execution dispatcher. Exposed so embedders can
	// submit work without going through HTTP.
	Runs *runs.Service

	// Bus is the event fan-out. Embedders can subscribe to run
	// lifecycle frames directly.
	Bus *bus.Bus

	// Config is the public configuration the server was built with.
	Config *Config

	// Host and Port form the address the server should listen on. An
	// empty Host binds all interfaces.
	Host string
	Port int

	// ShutdownFunc flushes telemetry. Shutdown calls it; embedders
	// that bypass Shutdown must call it themselves.
	ShutdownFunc func(context.Context) error

	notifier *notify.Notifier
	janitor  *retention.Janitor
	adapter  *mcp.Adapter
	stopBg   context.CancelFunc
}

// New initializes all runtime components from the environment.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, LoadConfig())
}

// NewWithConfig initializes the runtime with explicit overrides on top
// of the environment configuration.
func NewWithConfig(ctx context.Context, pubCfg *Config) (*Server, error) {
	cfg := config.Load()
	if pubCfg.Port > 0 {
		cfg.Port = pubCfg.Port
	}
	if pubCfg.Version != "" {
		cfg.Version = pubCfg.Version
	}
	if pubCfg.DatabaseURL != "" {
		cfg.Database.URL = pubCfg.DatabaseURL
	}

	shutdown, err := telemetry.Init(cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	dataStore, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	reg := tools.NewRegistry()
	if err := tools.RegisterBuiltins(reg, tools.BuiltinDeps{
		Files:     dataStore,
		SearchURL: cfg.SearchURL,
	}); err != nil {
		return nil, fmt.Errorf("register builtin tools: %w", err)
	}
	log.Info().Int("tools", len(reg.List(""))).Msg("✅ Tool registry initialized")

	sb := sandbox.NewEngine(nil)
	if err := sb.LoadAll(ctx, reg, dataStore); err != nil {
		log.Warn().Err(err).Msg("Loading custom tools failed, continuing without them")
	}
	log.Info().Msg("✅ Sandbox engine initialized")

	adapter := mcp.NewAdapter(cfg.Version)
	log.Info().Msg("✅ MCP adapter initialized")

	b := bus.New()
	space := bus.NewContextSpace()

	client := model.NewClient(cfg.Models)
	res := resolver.New(dataStore, reg, sb, adapter)
	exec := agent.NewExecutor(client, reg, cfg.Execution)
	eng := workflow.NewEngine(dataStore, res, exec)
	runsSvc := runs.New(dataStore, b, space, res, exec, eng, cfg.Execution)
	log.Info().
		Int("workers", cfg.Execution.Workers).
		Int("queue", cfg.Execution.QueueSize).
		Msg("✅ Run dispatcher initialized")

	notifier := notify.New(b, cfg.Webhook)

	var archiver *retention.Archiver
	if cfg.Retention.ArchiveDir != "" {
		archiver = retention.NewArchiver(cfg.Retention.ArchiveDir, cfg.Retention.CompressArchives)
	}
	janitor := retention.NewJanitor(dataStore, cfg.Retention, archiver)

	auth := middleware.NewAPIKeyAuth(cfg.Auth)
	if auth.Enabled() {
		log.Info().Int("keys", len(cfg.Auth.APIKeys)).Msg("✅ API key auth enabled")
	}

	h := handlers.New(dataStore, reg, sb, adapter, runsSvc, b, cfg.Version)
	router := api.NewRouter(h, auth, cfg.CORSOrigins)

	return &Server{
		Handler:      router,
		Store:        dataStore,
		Runs:         runsSvc,
		Bus:          b,
		Config:       pubCfg,
		Host:         cfg.Host,
		Port:         cfg.Port,
		ShutdownFunc: shutdown,
		notifier:     notifier,
		janitor:      janitor,
		adapter:      adapter,
	}, nil
}

// Start brings up background execution: the run dispatcher, the
// webhook notifier, and the retention janitor. Runs left in a running
// state by a previous process are failed before new work is accepted.
func (s *Server) Start(ctx context.Context) {
	if n := s.Runs.SweepInterrupted(ctx); n > 0 {
		log.Warn().Int("count", n).Msg("Failed runs interrupted by a previous shutdown")
	}
	s.Runs.Start(ctx)

	// Background consumers outlive the request that started them and
	// stop only on Shutdown.
	bgCtx, cancel := context.WithCancel(context.Background())
	s.stopBg = cancel
	go s.notifier.Start(bgCtx)
	go s.janitor.Start(bgCtx)
}

// Shutdown stops background consumers, drains in-flight runs, closes
// MCP sessions and the store, and flushes telemetry. The ctx deadline
// bounds the drain.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.stopBg != nil {
		s.stopBg()
	}
	s.Runs.Shutdown(ctx)
	s.adapter.Close()
	if err := s.Store.Close(); err != nil {
		log.Warn().Err(err).Msg("Store close failed")
	}
	return s.ShutdownFunc(ctx)
}

// openStore picks the backend: an explicit KILN_STORE wins, otherwise
// a configured DATABASE_URL selects Postgres.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	backend := cfg.Store
	if backend == "" {
		backend = "memory"
		if cfg.Database.URL != "" {
			backend = "postgres"
		}
	}

	switch backend {
	case "postgres":
		if cfg.Database.URL == "" {
			return nil, fmt.Errorf("KILN_STORE=postgres requires DATABASE_URL")
		}
		pg, err := store.NewPostgresStore(ctx, cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		log.Info().Msg("✅ PostgreSQL store initialized")
		return pg, nil
	case "memory":
		m := store.NewMemoryStore()
		log.Info().Msg("✅ In-memory store initialized")
		return m, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", backend)
	}
}
