// Package main is the entry point for the bot lifecycle manager: the
// control plane that places, tracks and reaps meeting bot containers.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/meetscribe/meetscribe/internal/bot/admission"
	"github.com/meetscribe/meetscribe/internal/bot/api"
	"github.com/meetscribe/meetscribe/internal/bot/callback"
	"github.com/meetscribe/meetscribe/internal/bot/command"
	"github.com/meetscribe/meetscribe/internal/bot/lifecycle"
	"github.com/meetscribe/meetscribe/internal/bot/orchestrator"
	"github.com/meetscribe/meetscribe/internal/bot/reaper"
	"github.com/meetscribe/meetscribe/internal/bot/store"
	"github.com/meetscribe/meetscribe/internal/bot/stream"
	"github.com/meetscribe/meetscribe/internal/common/config"
	"github.com/meetscribe/meetscribe/internal/common/database"
	"github.com/meetscribe/meetscribe/internal/common/logger"
	"github.com/meetscribe/meetscribe/internal/events/bus"
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
	logger.SetDefault(log)

	log.Info("Starting bot lifecycle manager...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Initialize event bus (NATS if configured, in-memory otherwise)
	var eventBus bus.EventBus
	var commandBus command.Bus
	if cfg.NATS.URL != "" {
		natsEvents, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		defer natsEvents.Close()
		eventBus = natsEvents

		natsCommands, err := command.NewNATSBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS for commands", zap.Error(err))
		}
		defer natsCommands.Close()
		commandBus = natsCommands
	} else {
		log.Info("Using in-memory buses; worker commands will not leave this process")
		eventBus = bus.NewMemoryEventBus(log)
		commandBus = command.NewMemoryBus()
	}

	// 4. Initialize the state store (Postgres if configured)
	var st store.Store
	if cfg.Store.URL != "" {
		db, err := database.NewDB(ctx, cfg.Store)
		if err != nil {
			log.Fatal("Failed to connect to the state store", zap.Error(err))
		}
		pgStore, err := store.NewPostgresStore(ctx, db, log)
		if err != nil {
			log.Fatal("Failed to initialize the state store", zap.Error(err))
		}
		st = pgStore
		log.Info("Connected to Postgres state store")
	} else {
		log.Warn("STORE_URL not set, using in-memory store; state will not survive restarts")
		st = store.NewMemoryStore()
	}
	defer st.Close()

	// 5. Initialize the container orchestrator
	orch, err := orchestrator.New(cfg.Orchestrator, log)
	if err != nil {
		log.Fatal("Failed to initialize the orchestrator", zap.Error(err))
	}
	defer orch.Close()
	log.Info("Orchestrator initialized", zap.String("kind", cfg.Orchestrator.Kind))

	// 6. Wire the lifecycle coordinator and callback ingress
	coordinator := lifecycle.NewCoordinator(
		admission.NewController(st, log),
		st, orch, commandBus, eventBus, cfg.Lifecycle, log,
	)
	ingress := callback.NewIngress(st, eventBus, log)

	// 7. Start the reaper
	sweeper := reaper.New(st, orch, eventBus, cfg.Reaper, cfg.Lifecycle.StopGraceDuration(), log)
	sweeper.Start()
	defer sweeper.Stop()

	// 8. Start the websocket stream
	hub := stream.NewHub(log)
	go hub.Run(ctx)
	streamSvc := stream.NewService(hub, st, eventBus, log)
	if err := streamSvc.Start(); err != nil {
		log.Fatal("Failed to start the event stream", zap.Error(err))
	}
	defer streamSvc.Stop()

	// 9. Start the HTTP server
	handlers := api.NewHandlers(coordinator, ingress, log)
	wsHandler := stream.NewWSHandler(hub, st, log)
	router := api.NewRouter(handlers, wsHandler, log)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	// 10. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown failed", zap.Error(err))
	}
	coordinator.Shutdown(shutdownCtx)
	cancel()

	log.Info("Shutdown complete")
}
