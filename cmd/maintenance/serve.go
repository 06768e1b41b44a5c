package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/warp/maintenance-engine/api"
)

// ─── serve ──────────────────────────────────────────────────────────────────

func init() {
	serveCmd.Flags().Int("port", 0, "HTTP server port (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the billing API server",
	Long: `Runs the HTTP API. On SIGINT/SIGTERM the server stops accepting
connections, waits for active requests up to server.shutdown_timeout,
then closes the database.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if port, _ := cmd.Flags().GetInt("port"); port != 0 {
		cfg.Server.Port = port
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	engine, store, err := openEngine(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	handler := api.NewHandler(engine, store)
	if cfg.Server.Seed {
		if err := handler.LoadScenarioByID(cmd.Context(), "green-meadows"); err != nil {
			log.Printf("[server] Warning: failed to seed demo society: %v", err)
		}
	}

	opts := api.RouterOptions{
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		Auth:           api.NewAuthenticator(cfg.Auth.JWTSecret),
		Scenarios:      cfg.Server.Seed,
	}
	if cfg.Metrics.Enabled {
		opts.MetricsPath = cfg.Metrics.Path
	}

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      api.NewRouter(handler, opts),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	errc := make(chan error, 1)
	go func() {
		log.Printf("[server] listening on %s (db %s, tz %s)", cfg.Addr(), cfg.Database.Path, engine.Location)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errc:
		return fmt.Errorf("server failed: %w", err)
	case <-quit:
	}

	log.Println("[server] shutting down...")

	timeout, _ := cfg.ShutdownTimeout()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Println("[server] stopped")
	return nil
}
