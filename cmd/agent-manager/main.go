// Package main runs the agent manager: it watches the sessions this device
// owns, runs the agent for their messages and serves the control API.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/agentstream/internal/agent/authretry"
	"github.com/kandev/agentstream/internal/agent/credentials"
	"github.com/kandev/agentstream/internal/agent/engine"
	"github.com/kandev/agentstream/internal/chunklog"
	"github.com/kandev/agentstream/internal/common/config"
	"github.com/kandev/agentstream/internal/common/logger"
	"github.com/kandev/agentstream/internal/common/tracing"
	"github.com/kandev/agentstream/internal/gateway"
	"github.com/kandev/agentstream/internal/orchestrator"
	"github.com/kandev/agentstream/internal/orchestrator/executor"
	"github.com/kandev/agentstream/internal/orchestrator/watcher"
	"github.com/kandev/agentstream/internal/session/state"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	log.Info("Starting agent manager...",
		zap.String("device_id", cfg.Device.ID),
		zap.String("organization_id", cfg.Device.OrganizationID))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Tracing (no-op without an endpoint)
	if err := tracing.Init(ctx, cfg.Tracing.Endpoint, cfg.Tracing.ServiceName); err != nil {
		log.Warn("Failed to initialize tracing", zap.Error(err))
	}

	// 4. Durable chunk log
	chunkLog, err := chunklog.New(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize chunk log", zap.Error(err))
	}
	log.Info("Chunk log ready", zap.String("backend", cfg.ChunkLog.Backend))

	// 5. Ownership change feed
	feed, closeFeed, err := provideOwnershipFeed(ctx, cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize ownership feed", zap.Error(err))
	}

	// 6. Credentials and auth retry
	oauthStore := credentials.NewOAuthStore(cfg.Credentials.OAuthPath, log)
	credsMgr := credentials.NewManager(log)
	credsMgr.AddProvider(oauthStore)
	credsMgr.AddProvider(credentials.NewEnvProvider("AGENTSTREAM_"))
	if cfg.Credentials.FilePath != "" {
		credsMgr.AddProvider(credentials.NewFileProvider(cfg.Credentials.FilePath))
	}
	retry := authretry.NewRegistry(cfg.Agent.DefaultProvider)
	if oauthStore.Exists() {
		retry.Register(authretry.NewAnthropicPolicy(oauthStore.Sync))
	} else {
		// API-key deployments have nothing to re-sync.
		log.Info("No OAuth credential file, Anthropic auth retry disabled",
			zap.String("path", cfg.Credentials.OAuthPath))
	}

	// 7. Executor over the agent engine
	store := state.NewStore()
	exec := executor.NewExecutor(
		engine.NewClient(cfg.Agent.EngineURL, log),
		store,
		executor.Config{MaxMentionBytes: int64(cfg.Agent.MaxMentionBytes)},
		log,
		executor.WithAuthRetry(retry),
		executor.WithHeaderResolver(credsMgr),
	)

	// 8. Agent manager
	manager := orchestrator.NewManager(orchestrator.Config{
		Identity: orchestrator.Identity{
			OrganizationID: cfg.Device.OrganizationID,
			DeviceID:       cfg.Device.ID,
		},
		Feed:     feed,
		Log:      chunkLog,
		Store:    store,
		Executor: exec,
		Defaults: watcher.Defaults{
			ModelID:         cfg.Agent.DefaultModel,
			PermissionMode:  cfg.Agent.DefaultPermissionMode,
			ThinkingEnabled: cfg.Agent.ThinkingEnabled,
		},
		ProducerOptions: chunklog.OptionsFromConfig(cfg.ChunkLog),
		FlushTimeout:    cfg.ChunkLog.FlushTimeoutDuration(),
		StartTimeout:    cfg.Watcher.StartTimeoutDuration(),
	}, log)
	if err := manager.Start(ctx); err != nil {
		log.Fatal("Failed to start agent manager", zap.Error(err))
	}

	// 9. HTTP server
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gateway.NewRouter(gateway.New(manager, chunkLog, log), log)
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}
	go func() {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// 10. SIGHUP reloads credentials; SIGINT/SIGTERM shut down
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := <-quit; sig == syscall.SIGHUP; sig = <-quit {
		if err := credsMgr.Reload(); err != nil {
			log.Warn("Failed to reload credentials", zap.Error(err))
			continue
		}
		log.Info("Credentials reloaded")
	}

	log.Info("Shutting down agent manager...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := manager.Stop(); err != nil {
		log.Error("Agent manager stop error", zap.Error(err))
	}
	closeFeed()
	if err := chunkLog.Close(); err != nil {
		log.Error("Chunk log close error", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("Agent manager stopped")
}
