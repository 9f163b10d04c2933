package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dbtgen/dbtgen/internal/api"
	"github.com/dbtgen/dbtgen/internal/api/uistatic"
	"github.com/dbtgen/dbtgen/internal/auth"
	"github.com/dbtgen/dbtgen/internal/config"
	"github.com/dbtgen/dbtgen/internal/ledger"
	ledgerpostgres "github.com/dbtgen/dbtgen/internal/ledger/postgres"
	"github.com/dbtgen/dbtgen/internal/llm"
	"github.com/dbtgen/dbtgen/internal/observability"
	"github.com/dbtgen/dbtgen/internal/pipeline"
	"github.com/dbtgen/dbtgen/internal/prompt"
	"github.com/dbtgen/dbtgen/internal/session"
	"github.com/dbtgen/dbtgen/internal/storage"
	s3store "github.com/dbtgen/dbtgen/internal/storage/s3"
	"github.com/dbtgen/dbtgen/internal/warehouse"
)

func main() {
	cfg, err := config.LoadFromEnv("dbtgen-api")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := observability.NewLogger(cfg, os.Stdout)

	generator, err := llm.New(llm.FromModelConfig(cfg.Model))
	if err != nil {
		logger.Warn("model client unavailable; generation requests will fail until configured", slog.Any("error", err))
		generator = nil
	}
	promptOptions, err := prompt.LoadOptions(cfg.Prompt.TemplateFile, cfg.Prompt.MaxCustomInstructionBytes)
	if err != nil {
		logger.Error("failed to load prompt template", slog.Any("error", err))
		os.Exit(1)
	}

	readiness := []api.ReadinessCheck{api.CheckModelConfig(cfg)}

	var runLedger ledger.Store
	if cfg.Ledger.Enabled {
		ledgerDB, err := ledgerpostgres.Open(context.Background(), ledgerpostgres.DBConfigFromLedger(cfg.Ledger))
		if err != nil {
			logger.Error("failed to open run ledger", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() { _ = ledgerDB.Close() }()
		runLedger = ledgerpostgres.NewRepository(ledgerDB)
		readiness = append(readiness, api.CheckLedger(runLedger))
	}

	var objectStore storage.ObjectStore
	if cfg.Artifacts.PublishEnabled {
		store, err := s3store.New(context.Background(), s3store.ConfigFromObjectStore(cfg.ObjectStore))
		if err != nil {
			logger.Error("failed to initialize object store", slog.Any("error", err))
			os.Exit(1)
		}
		objectStore = store
		readiness = append(readiness, api.CheckObjectStore(store))
	}

	service := pipeline.NewService(pipeline.Dependencies{
		Generator:     generator,
		Ledger:        runLedger,
		Store:         objectStore,
		Logger:        logger,
		PromptOptions: promptOptions,
		Provider:      cfg.Model.Provider,
		Model:         cfg.Model.Model,
	})

	sessions := session.NewManager(session.WarehouseOpener(warehouse.Options{
		ConnectTimeout: cfg.Warehouse.ConnectTimeout,
		QueryTimeout:   cfg.Warehouse.QueryTimeout,
	}), session.Options{
		IdleTimeout: cfg.Sessions.IdleTimeout,
		MaxSessions: cfg.Sessions.MaxSessions,
		Logger:      logger,
	})
	defer func() {
		if err := sessions.CloseAll(); err != nil {
			logger.Warn("closing warehouse sessions", slog.Any("error", err))
		}
	}()

	deps := api.Dependencies{
		Logger:            logger,
		Generation:        service,
		Sessions:          sessions,
		UI:                uistatic.Handler(),
		Readiness:         api.CombineReadinessChecks(readiness...),
		DependencyTimeout: time.Second,
	}
	if cfg.Auth.Required {
		validator, err := auth.NewStaticAPIKeyValidator(cfg.Auth.StaticKeys)
		if err != nil {
			logger.Error("failed to parse static auth keys", slog.Any("error", err))
			os.Exit(1)
		}
		deps.AuthMiddleware = auth.Middleware(logger, validator)
	}

	handler := api.NewHandler(cfg, deps)
	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("starting api server",
			slog.String("addr", cfg.HTTP.Address),
			slog.Bool("ledger", runLedger != nil),
			slog.Bool("publish", objectStore != nil),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down api server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
		_ = server.Close()
		os.Exit(1)
	}
}
