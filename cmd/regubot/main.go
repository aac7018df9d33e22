package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/hallabot/regubot/internal/chat"
	"github.com/hallabot/regubot/internal/config"
	"github.com/hallabot/regubot/internal/domain"
	"github.com/hallabot/regubot/internal/ledger"
	"github.com/hallabot/regubot/internal/provider"
	"github.com/hallabot/regubot/internal/rag"
	"github.com/hallabot/regubot/internal/router"
	"github.com/hallabot/regubot/internal/server"
	"github.com/hallabot/regubot/internal/storage/sqlite"
	"github.com/hallabot/regubot/internal/telemetry"
	"github.com/hallabot/regubot/internal/tokens"
	"github.com/hallabot/regubot/internal/tools"
	"github.com/hallabot/regubot/internal/vectordb"
)

// roleEmbedder resolves the embedding role at call time so preset
// switches take effect without rewiring.
type roleEmbedder struct {
	roles *router.RoleRouter
}

func (e *roleEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	p, _, err := e.roles.Resolve("embedding")
	if err != nil {
		return nil, err
	}
	ep, ok := p.(domain.EmbeddingProvider)
	if !ok {
		return nil, domain.ErrUnsupported("embedding role provider cannot embed")
	}
	return ep.Embed(ctx, text)
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	shutdown, err := telemetry.InitTracer("regubot", logger)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}()

	const configPath = "config.yaml"
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Storage.SQLite.Path), 0o755); err != nil {
		log.Fatalf("Failed to create data directory: %v", err)
	}

	store, err := sqlite.New(cfg.Storage.SQLite.Path)
	if err != nil {
		log.Fatalf("Failed to open storage: %v", err)
	}
	defer store.Close()

	var index rag.Index
	if cfg.Storage.SQLite.VectorPath != "" {
		sqlIndex, err := vectordb.NewSQLiteIndex(cfg.Storage.SQLite.VectorPath)
		if err != nil {
			log.Fatalf("Failed to open vector index: %v", err)
		}
		defer sqlIndex.Close()
		index = sqlIndex
	} else {
		logger.Warn("no vector index path configured, using in-memory index")
		index = vectordb.NewMemoryIndex()
	}

	factory := provider.NewFactory(cfg.Providers)
	roles, err := router.New(cfg.Roles, factory, logger)
	if err != nil {
		log.Fatalf("Failed to build role router: %v", err)
	}

	counter := tokens.NewRegistry()
	counter.Register(tokens.NewOpenAICounter())
	led := ledger.New(counter)
	prices := ledger.NewPriceTable(cfg.Pricing)

	gate := rag.NewGate(roles, led, logger)
	retriever := rag.NewRetriever(&roleEmbedder{roles: roles}, index,
		cfg.Retrieval.Threshold, cfg.Retrieval.TopK, cfg.Retrieval.Namespaces, logger)
	assembler := rag.NewAssembler(store, logger)
	condenser := rag.NewCondenser(roles, led, logger)
	ragService := rag.NewService(gate, retriever, assembler, logger)

	registry := tools.NewRegistry()
	tools.NewFetchers(cfg.Tools, roles, led).RegisterAll(registry)
	toolRunner := tools.NewOrchestrator(registry, roles, led, logger)

	orchestrator := chat.NewOrchestrator(ragService, condenser, toolRunner, roles,
		led, prices, counter, cfg.Chat.Instruction, cfg.Chat.DefaultLanguage, logger)

	srv := server.New(cfg.Server.Port, logger)
	server.NewChatHandler(orchestrator, store, logger).Mount(srv)
	server.NewAdminHandler(roles, logger).Mount(srv)

	// Hot-reload: a config change can switch the active preset without
	// a restart. Provider/storage changes still need one.
	watchCtx, cancelWatch := context.WithCancel(context.Background())
	defer cancelWatch()
	go func() {
		err := config.Watch(watchCtx, configPath, logger, func(updated *config.Config) {
			target := updated.Roles.ActivePreset
			if target == "" || target == roles.ActivePreset() {
				return
			}
			if err := roles.SwitchPreset(target); err != nil {
				logger.Error("preset switch from config reload failed",
					slog.String("preset", target), slog.String("error", err.Error()))
				return
			}
			logger.Info("active preset switched via config reload", slog.String("preset", target))
		})
		if err != nil {
			logger.Error("config watcher stopped", slog.String("error", err.Error()))
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		log.Fatalf("Server failed: %v", err)
	case <-sigChan:
		logger.Info("shutdown signal received")
	}
}
