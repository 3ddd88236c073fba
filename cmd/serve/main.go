package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path"
	"strings"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/craigcitro/backend-container/audit"
	"github.com/craigcitro/backend-container/config"
	"github.com/craigcitro/backend-container/proxy"
	"github.com/craigcitro/backend-container/router"
	"github.com/craigcitro/backend-container/supervisor"
	"github.com/craigcitro/backend-container/tunnel"
)

// backendKey is the logical key for the single backend this container
// manages. The supervisor supports one backend per key; a multi-user
// deployment would derive the key from the request.
const backendKey = "default"

func main() {
	defaultContentDir := os.Getenv("CONTENT_DIR")
	if defaultContentDir == "" {
		defaultContentDir = config.DefaultContentDir
	}

	var (
		listenAddr     = flag.String("listen", ":8080", "Address the front server listens on")
		basePath       = flag.String("base-path", "", "URL prefix all routes are nested under")
		contentDir     = flag.String("content-dir", defaultContentDir, "Working directory for the backend")
		backendPort    = flag.Int("backend-port", config.DefaultBackendPort, "Loopback port assigned to the backend")
		backendCommand = flag.String("backend-command", "jupyter-notebook", "Executable spawned as the backend")
		backendArgs    = flag.String("backend-args", "", "Extra space-separated arguments for the backend")
		allowedOrigins = flag.String("allowed-origins", "", "Comma-separated origins allowed for credentialed CORS")
		auditDBPath    = flag.String("audit-db", "", "Path to the sqlite audit log (empty uses <content-dir>/.config/audit.db)")
	)
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	settings := &config.Config{
		ListenAddr:       *listenAddr,
		BasePath:         config.NormalizeBasePath(*basePath),
		ContentDir:       *contentDir,
		BackendPort:      *backendPort,
		BackendCommand:   *backendCommand,
		BackendArgs:      strings.Fields(*backendArgs),
		NotarySecretPath: config.DefaultNotarySecretPath,
		AllowedOrigins:   config.ParseOriginSet(*allowedOrigins),
		AuditDBPath:      *auditDBPath,
	}
	if settings.AuditDBPath == "" {
		settings.AuditDBPath = path.Join(settings.ContentDir, ".config", "audit.db")
	}

	logger.Info("Starting backend container control plane",
		"listen", settings.ListenAddr, "basePath", settings.BasePath,
		"backendPort", settings.BackendPort, "allowedOrigins", settings.AllowedOrigins.Len())

	var recorder supervisor.Recorder
	if err := os.MkdirAll(path.Dir(settings.AuditDBPath), 0o755); err != nil {
		logger.Warn("Audit log directory unavailable, lifecycle auditing disabled", "error", err)
	} else {
		auditDatabase := sqlx.MustConnect("sqlite3", settings.AuditDBPath)
		auditLogger, err := audit.NewLogger(auditDatabase)
		if err != nil {
			logger.Error("Failed to initialize audit logger", "error", err)
			os.Exit(1)
		}
		recorder = auditLogger
		logger.Info("Audit logger initialized", "path", settings.AuditDBPath)
	}

	sup, err := supervisor.New(supervisor.Config{
		Settings: settings,
		Logger:   logger,
		Audit:    recorder,
	})
	if err != nil {
		logger.Error("Failed to create supervisor", "error", err)
		os.Exit(1)
	}

	adapter := proxy.NewBackendAdapter(backendKey, sup, settings.AllowedOrigins)
	portProxy := proxy.NewPortProxy(settings.BasePath)

	rt := router.New(settings.BasePath, backendKey, sup, adapter, portProxy)
	rt.SetTunnel(tunnel.NewHandler(rt))

	server := &http.Server{
		Addr:        settings.ListenAddr,
		Handler:     rt,
		ReadTimeout: 60 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("Received signal, shutting down", "signal", sig.String())

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("Error shutting down front server", "error", err)
		}
		sup.StopAll()
	}()

	logger.Info("Front server listening", "address", settings.ListenAddr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("Front server failed", "error", err)
		os.Exit(1)
	}
	logger.Info("Shutdown complete")
}
