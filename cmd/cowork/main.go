package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/cowork/cowork/internal/agent"
	"github.com/cowork/cowork/internal/approval"
	"github.com/cowork/cowork/internal/commands"
	"github.com/cowork/cowork/internal/common/config"
	"github.com/cowork/cowork/internal/common/logger"
	"github.com/cowork/cowork/internal/events"
	"github.com/cowork/cowork/internal/events/bus"
	"github.com/cowork/cowork/internal/orchestrator"
	"github.com/cowork/cowork/internal/orchestrator/api"
	"github.com/cowork/cowork/internal/orchestrator/streaming"
	"github.com/cowork/cowork/internal/session"
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
	defer log.Sync()

	log.Info("Starting Cowork orchestrator...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Event bus. Session events always flow through the in-memory bus;
	// when a NATS URL is configured they are mirrored there as well.
	eventBus := bus.NewMemoryEventBus(log)
	defer eventBus.Close()

	if cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		defer natsBus.Close()
		mirrorToNATS(eventBus, natsBus, log)
		log.Info("Mirroring session events to NATS", zap.String("url", cfg.NATS.URL))
	}

	// 5. Approval registry and hook callback server
	registry := approval.NewRegistry(cfg.Agent.ApprovalTimeoutDuration(), log)
	approvalServer := approval.NewServer(registry, eventBus, log)
	if err := approvalServer.Start(); err != nil {
		log.Fatal("Failed to start approval server", zap.Error(err))
	}
	log.Info("Approval server listening", zap.Int("port", approvalServer.Port()))

	// 6. Session persistence
	dataDir := cfg.Session.DataDir
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			log.Fatal("Failed to resolve home directory", zap.Error(err))
		}
		dataDir = filepath.Join(home, ".cowork")
	}
	sessions := session.NewStore(dataDir, cfg.Session.SaveDebounceDuration(), log)

	// 7. Agent subprocess plumbing
	runner := agent.NewRunner(cfg.Agent.Command, log)
	hooks := agent.NewHookInstaller(cfg.Agent.HookTimeoutDuration(), log)
	cmdStore := commands.NewStore(log)

	// 8. Orchestrator
	orch := orchestrator.New(runner, hooks, sessions, registry, cmdStore, eventBus, approvalServer.Port(), log)

	if cfg.Agent.WorkingDir != "" {
		if err := orch.SetWorkingDir(cfg.Agent.WorkingDir); err != nil {
			log.Fatal("Failed to set initial working directory",
				zap.String("workdir", cfg.Agent.WorkingDir), zap.Error(err))
		}
	}

	// 9. WebSocket hub
	hub := streaming.NewHub(log)
	if err := hub.Attach(eventBus); err != nil {
		log.Fatal("Failed to attach WebSocket hub", zap.Error(err))
	}
	go hub.Run(ctx)

	// 10. Setup HTTP gateway with Gin
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(api.Recovery(log))
	router.Use(api.RequestLogger(log))
	router.Use(api.CORS())

	// 11. Register API routes
	v1 := router.Group("/api/v1")
	api.SetupRoutes(v1, orch, cmdStore, log)

	handler := api.NewHandler(orch, cmdStore, log)
	router.GET("/health", handler.HealthCheck)
	router.GET("/ws", func(c *gin.Context) {
		hub.ServeWS(c.Writer, c.Request)
	})

	// 12. Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	// 13. Start server in goroutine
	go func() {
		log.Info("HTTP gateway listening",
			zap.String("host", cfg.Server.Host), zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP gateway", zap.Error(err))
		}
	}()

	// 14. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down Cowork orchestrator...")

	// 15. Graceful shutdown. The orchestrator cancels any in-flight turn
	// and denies open approvals before the servers stop.
	cancel()
	orch.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP gateway shutdown error", zap.Error(err))
	}
	if err := approvalServer.Shutdown(shutdownCtx); err != nil {
		log.Error("Approval server shutdown error", zap.Error(err))
	}
	if err := sessions.Flush(); err != nil {
		log.Error("Session flush error", zap.Error(err))
	}

	log.Info("Cowork orchestrator stopped")
}

// mirrorToNATS republishes every session event from the in-memory bus onto
// NATS under the same subject.
func mirrorToNATS(memory *bus.MemoryEventBus, nats *bus.NATSEventBus, log *logger.Logger) {
	subjects := []string{
		events.SubjectMessageDelta,
		events.SubjectMessageUpdated,
		events.SubjectActivityStarted,
		events.SubjectActivityFinished,
		events.SubjectApprovalRequested,
		events.SubjectApprovalResolved,
		events.SubjectRunStarted,
		events.SubjectRunFinished,
		events.SubjectRunFailed,
		events.SubjectSessionReset,
		events.SubjectWorkdirChanged,
	}
	for _, subject := range subjects {
		subject := subject
		_, err := memory.Subscribe(subject, func(ctx context.Context, e *bus.Event) error {
			return nats.Publish(ctx, subject, e)
		})
		if err != nil {
			log.Warn("Failed to mirror subject to NATS",
				zap.String("subject", subject), zap.Error(err))
		}
	}
}
