// Kiln — an execution runtime for AI agents and workflows.
//
// This is the main entry point for the Kiln server. It provides:
//   - Agent and workflow definitions, scoped per workspace
//   - A run dispatcher with a bounded queue and worker pool
//   - Builtin, sandboxed custom, and MCP-backed tools
//   - A websocket event stream, webhook notifier, and run retention
//
// Configuration comes from the environment (KILN_* variables and an
// optional .env file); see internal/config for the full list.

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/kilnworks/kiln/internal/config"
	"github.com/kilnworks/kiln/pkg/server"
)

func main() {
	configureLogging(config.Load())

	log.Info().Msg("🏺 Kiln runtime starting...")

	ctx := context.Background()
	srv, err := server.New(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize server")
	}

	// Dispatcher, notifier, and janitor come up before the listener so
	// the first request can already be executed.
	srv.Start(ctx)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", srv.Host, srv.Port),
		Handler:      srv.Handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown: close the listener on SIGINT/SIGTERM, then
	// drain the runtime below once ListenAndServe returns.
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info().Msg("🛑 Shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	log.Info().
		Int("port", srv.Port).
		Str("version", srv.Config.Version).
		Msg("🔥 Kiln is hot and ready")

	if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("Server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Runtime shutdown incomplete")
	}
	log.Info().Msg("✅ Kiln stopped")
}

// configureLogging applies KILN_LOG_LEVEL and switches to a console
// writer when KILN_LOG_FORMAT=console; the default is raw JSON.
func configureLogging(cfg *config.Config) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}
	if cfg.LogFormat == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}
