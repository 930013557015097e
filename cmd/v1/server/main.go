package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openexam/server/internal/v1/config"
	"github.com/openexam/server/internal/v1/health"
	"github.com/openexam/server/internal/v1/logging"
	"github.com/openexam/server/internal/v1/server"
	"github.com/openexam/server/internal/v1/store"
)

func main() {
	// Load .env file for local development.
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, relying on environment variables")
	}

	// Validate environment variables before starting the server.
	cfg, err := config.ValidateEnv()
	if err != nil {
		slog.Error("Environment validation failed", "error", err)
		os.Exit(1)
	}

	if err := logging.Initialize(logging.Options{
		Development: cfg.DevelopmentMode,
		Level:       cfg.LogLevel,
		FilePath:    cfg.LogFile,
	}); err != nil {
		slog.Error("Logger initialization failed", "error", err)
		os.Exit(1)
	}
	defer logging.Sync()

	if cfg.DevelopmentMode {
		slog.Info("Running in DEVELOPMENT MODE")
	}

	// --- Store ---
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to open store", "error", err, "path", cfg.DBPath)
		os.Exit(1)
	}

	if n, err := st.SeedQuestions(); err != nil {
		slog.Error("Failed to seed question pool", "error", err)
		os.Exit(1)
	} else if n > 0 {
		slog.Info("Question pool seeded", "questions", n)
	}

	// --- Exam TCP server ---
	examSrv := server.New(cfg, st)
	if err := examSrv.Start(); err != nil {
		slog.Error("Failed to start exam server", "error", err, "port", cfg.Port)
		os.Exit(1)
	}

	// --- Ops HTTP surface: metrics and health probes ---
	if !cfg.DevelopmentMode {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	healthHandler := health.NewHandler(st)
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)

	opsSrv := &http.Server{
		Addr:    ":" + cfg.OpsPort,
		Handler: router,
	}

	go func() {
		slog.Info("Ops server starting", "port", cfg.OpsPort)
		if err := opsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Failed to run ops server", "error", err)
			_ = syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	// --- Graceful shutdown ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := examSrv.Shutdown(ctx); err != nil {
		slog.Error("Error during exam server shutdown", "error", err)
	}

	if err := opsSrv.Shutdown(ctx); err != nil {
		slog.Error("Ops server forced to shutdown", "error", err)
	}

	if err := st.Close(); err != nil {
		slog.Error("Failed to close store", "error", err)
	}

	slog.Info("Server exiting")
}
