// Package main is the entry point for the relay A2A server.
// The binary wires the task store, per-task event queues, optional NATS
// replication, push notifications, and the HTTP transport together.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/relaymesh/relay/internal/common/config"
	"github.com/relaymesh/relay/internal/common/logger"
	"github.com/relaymesh/relay/internal/common/tracing"
	"github.com/relaymesh/relay/internal/db"
	"github.com/relaymesh/relay/internal/eventqueue"
	"github.com/relaymesh/relay/internal/events/bus"
	"github.com/relaymesh/relay/internal/executor"
	"github.com/relaymesh/relay/internal/handler"
	"github.com/relaymesh/relay/internal/push"
	"github.com/relaymesh/relay/internal/replication"
	"github.com/relaymesh/relay/internal/server"
	"github.com/relaymesh/relay/internal/taskstate"
	"github.com/relaymesh/relay/internal/taskstore"

	"github.com/relaymesh/relay/internal/a2a"
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

	log.Info("Starting relay A2A server...")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. Task store
	store, err := openStore(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize task store", zap.Error(err), zap.String("driver", cfg.Store.Driver))
	}
	defer store.Close()
	log.Info("Task store ready", zap.String("driver", cfg.Store.Driver))

	// 4. In-memory task state
	processor := taskstate.NewProcessor(log)

	// 5. Push notifications
	pushStore := push.NewConfigStore()
	var notifier eventqueue.PushNotifier
	if cfg.Push.Enabled {
		notifier = push.NewSender(pushStore, nil, cfg.Timeouts.PushSendDuration(), log)
		log.Info("Push notifications enabled")
	}

	// 6. Event bus and cross-node replication. An empty NATS URL means
	// single-node mode with no replication.
	var bridge *replication.Bridge
	var natsEventBus *bus.NATSEventBus
	if cfg.NATS.URL != "" {
		log.Info("Connecting to NATS...", zap.String("url", cfg.NATS.URL))
		natsEventBus, err = bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		defer natsEventBus.Close()
		nodeID := fmt.Sprintf("%s-%s", cfg.NATS.ClientID, uuid.NewString())
		bridge = replication.NewBridge(natsEventBus, nodeID, log)
		log.Info("Connected to NATS event bus", zap.String("node_id", nodeID))
	}

	// 7. Queue system. The dispatch bus needs the finalization callback
	// before the manager exists, so it goes through a late-bound pointer.
	sink := handler.NewStateSink(processor, store, log)
	provider := handler.NewStateProvider(processor, store)

	var queueMgr *eventqueue.Manager
	onFinalized := func(taskID string) {
		if queueMgr != nil {
			queueMgr.NotifyFinalized(taskID)
		}
	}
	var strategy eventqueue.ReplicationStrategy
	if bridge != nil {
		strategy = bridge
	}
	dispatchBus := eventqueue.NewBus(sink, notifier, strategy, onFinalized, log)

	queueMgr = eventqueue.NewManager(dispatchBus, provider, eventqueue.ManagerConfig{
		ChildBufferSize:      cfg.Queue.ChildBufferSize,
		FinalizedGracePeriod: cfg.Queue.FinalizedGraceDuration(),
		SweepInterval:        cfg.Queue.SweepIntervalDuration(),
		OnEvict: func(taskID string) {
			processor.RemoveTask(taskID)
			pushStore.DeleteTask(taskID)
		},
	}, log)
	queueMgr.Start()
	defer queueMgr.Stop()

	store.SetFinalizedHook(onFinalized)

	if bridge != nil {
		if err := bridge.Start(queueMgr); err != nil {
			log.Fatal("Failed to start replication bridge", zap.Error(err))
		}
		defer bridge.Stop()
		log.Info("Replication bridge started")
	}

	// 8. Agent executor. The echo executor stands in until a real agent
	// is plugged in; the timestamp wrapper activates per request.
	exec := executor.WithWrappers(echoExecutor{}, executor.TimestampWrapper{})

	// 9. Agent card
	card := buildAgentCard(cfg)

	// 10. Request handler and HTTP server
	h := handler.NewRequestHandler(exec, processor, store, queueMgr, pushStore, card, handler.Config{
		BlockingTimeout:         cfg.Timeouts.BlockingAgentDuration(),
		CancelTimeout:           cfg.Timeouts.CancelDuration(),
		EventConsumptionTimeout: cfg.Timeouts.EventConsumptionDuration(),
		ReplayFromStore:         cfg.Subscribe.ReplayFromStore,
	}, log)

	srv := server.NewServer(cfg.Server, h, log)

	serverErr := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening",
			zap.String("host", cfg.Server.Host),
			zap.Int("port", cfg.Server.Port))
		serverErr <- srv.Start()
	}()

	select {
	case <-ctx.Done():
		log.Info("Shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			log.Error("HTTP server failed", zap.Error(err))
		}
	}

	// 11. Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP server shutdown error", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Warn("Tracing shutdown error", zap.Error(err))
	}

	log.Info("Relay A2A server stopped")
}

// openStore selects the task store backend from configuration.
func openStore(cfg *config.Config, log *logger.Logger) (taskstore.Store, error) {
	switch cfg.Store.Driver {
	case "", "memory":
		return taskstore.NewMemoryStore(log), nil
	case "sqlite":
		pool, err := db.OpenSQLitePool(cfg.Store.Path)
		if err != nil {
			return nil, err
		}
		return taskstore.NewSQLStore(pool, log)
	case "postgres":
		pool, err := db.OpenPostgresPool(cfg.Store.DSN, cfg.Store.MaxConns, cfg.Store.MinConns)
		if err != nil {
			return nil, err
		}
		return taskstore.NewSQLStore(pool, log)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// buildAgentCard assembles the card served at the well-known endpoint.
func buildAgentCard(cfg *config.Config) a2a.AgentCard {
	return a2a.AgentCard{
		Name:               cfg.Card.Name,
		Description:        cfg.Card.Description,
		URL:                cfg.Card.URL,
		Version:            cfg.Card.Version,
		ProtocolVersion:    a2a.ProtocolVersion,
		PreferredTransport: "HTTP+JSON",
		Capabilities: a2a.AgentCapabilities{
			Streaming:         true,
			PushNotifications: cfg.Push.Enabled,
			Extensions: []a2a.AgentExtension{
				{
					URI:         executor.TimestampExtensionURI,
					Description: "Server-side event timestamping",
				},
			},
		},
		Skills: []a2a.AgentSkill{
			{
				ID:          "echo",
				Name:        "Echo",
				Description: "Echoes the user's message back as an artifact",
				Tags:        []string{"demo"},
			},
		},
	}
}
