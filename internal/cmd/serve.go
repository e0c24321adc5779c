package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/spf13/cobra"

	"github.com/coderelay/coderelay/internal/agent"
	"github.com/coderelay/coderelay/internal/config"
	"github.com/coderelay/coderelay/internal/handlers"
	"github.com/coderelay/coderelay/internal/logger"
	"github.com/coderelay/coderelay/internal/services"
	"github.com/coderelay/coderelay/internal/storage"
)

var (
	configPath string
	devMode    bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the agent core HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	serveCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	serveCmd.Flags().BoolVar(&devMode, "dev", false, "pretty console logging")
	rootCmd.AddCommand(serveCmd)
}

func runServe() error {
	logger.Configure(logger.LevelFromEnv(), devMode)

	settings, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	dbPath := settings.DatabasePath
	if dbPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		dir := filepath.Join(home, ".coderelay")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create data directory: %w", err)
		}
		dbPath = filepath.Join(dir, "sessions.db")
	}

	store, err := storage.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	defer store.Close()

	runner := agent.NewRunner(settings)
	sessionManager := services.NewSessionManager(store, settings)
	monitor := services.NewToolMonitor(settings)
	// The subprocess runner is the only backend built into this binary; an
	// in-process primary would be wired as the third argument.
	integration := services.NewIntegration(settings, runner, nil, sessionManager, monitor)

	app := fiber.New(fiber.Config{
		AppName:               "coderelay",
		DisableStartupMessage: true,
	})
	registerRoutes(app, integration)

	addr := fmt.Sprintf("%s:%d", settings.Host, settings.Port)
	errCh := make(chan error, 1)
	go func() {
		logger.Infof("listening on %s", addr)
		errCh <- app.Listen(addr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Infof("received %s, shutting down", sig)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	integration.Shutdown(shutdownCtx)
	return app.ShutdownWithContext(shutdownCtx)
}

func registerRoutes(app *fiber.App, integration *services.Integration) {
	agentHandler := handlers.NewAgentHandler(integration)
	sessionHandler := handlers.NewSessionHandler(integration)

	v1 := app.Group("/v1")
	v1.Post("/agent/run", agentHandler.RunCommand)
	v1.Post("/agent/continue", agentHandler.ContinueSession)
	v1.Get("/sessions/:id", sessionHandler.GetSession)
	v1.Post("/sessions/cleanup", sessionHandler.CleanupSessions)
	v1.Get("/users/:id/sessions", sessionHandler.GetUserSessions)
	v1.Get("/users/:id/summary", sessionHandler.GetUserSummary)
	v1.Get("/tools/stats", sessionHandler.GetToolStats)
}
