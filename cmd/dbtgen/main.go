package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dbtgen/dbtgen/internal/cli/dbtgenctl"
	"github.com/dbtgen/dbtgen/internal/config"
	"github.com/dbtgen/dbtgen/internal/ledger"
	ledgerpostgres "github.com/dbtgen/dbtgen/internal/ledger/postgres"
	"github.com/dbtgen/dbtgen/internal/llm"
	"github.com/dbtgen/dbtgen/internal/observability"
	"github.com/dbtgen/dbtgen/internal/pipeline"
	"github.com/dbtgen/dbtgen/internal/prompt"
	"github.com/dbtgen/dbtgen/internal/session"
	"github.com/dbtgen/dbtgen/internal/warehouse"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.LoadFromEnv("dbtgen")
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		return 1
	}
	logger := observability.NewLogger(cfg, io.Discard)
	if strings.TrimSpace(os.Getenv("DBTGEN_CLI_VERBOSE")) != "" {
		logger = observability.NewLogger(cfg, os.Stderr)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	promptOptions, err := prompt.LoadOptions(cfg.Prompt.TemplateFile, cfg.Prompt.MaxCustomInstructionBytes)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "prompt template error: %v\n", err)
		return 1
	}

	var runLedger ledger.Store
	if cfg.Ledger.Enabled {
		db, err := ledgerpostgres.Open(ctx, ledgerpostgres.DBConfigFromLedger(cfg.Ledger))
		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "run ledger error: %v\n", err)
			return 1
		}
		defer func() { _ = db.Close() }()
		runLedger = ledgerpostgres.NewRepository(db)
	}

	generator, err := llm.New(llm.FromModelConfig(cfg.Model))
	if err != nil {
		generator = unavailableGenerator{err: err}
	}

	options := dbtgenctl.Options{
		Generator: pipeline.NewService(pipeline.Dependencies{
			Generator:     generator,
			Ledger:        runLedger,
			Logger:        logger,
			PromptOptions: promptOptions,
			Provider:      cfg.Model.Provider,
			Model:         cfg.Model.Model,
		}),
		OpenWarehouse: session.WarehouseOpener(warehouse.Options{
			ConnectTimeout: cfg.Warehouse.ConnectTimeout,
			QueryTimeout:   cfg.Warehouse.QueryTimeout,
		}),
		ProcessedDir:      cfg.Artifacts.ProcessedDir,
		BackupDir:         cfg.Artifacts.BackupDir,
		Dialect:           cfg.Warehouse.DefaultDialect,
		WarehousePassword: os.Getenv("DBTGEN_WAREHOUSE_PASSWORD"),
		RequestedBy:       envOr("USER", "cli"),
		BaseURL:           envOr("DBTGEN_API_URL", "http://localhost:8080"),
		APIKey:            strings.TrimSpace(os.Getenv("DBTGEN_API_KEY")),
		Timeout:           parseDurationWithDefault(strings.TrimSpace(os.Getenv("DBTGEN_CLI_TIMEOUT")), 10*time.Second),
		Stdout:            os.Stdout,
		Stderr:            os.Stderr,
	}
	return dbtgenctl.Run(ctx, os.Args[1:], options)
}

// unavailableGenerator reports why no model client could be built, so
// commands that never call the model still run.
type unavailableGenerator struct {
	err error
}

func (g unavailableGenerator) Generate(context.Context, string) (llm.Completion, error) {
	return llm.Completion{}, g.err
}

func envOr(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func parseDurationWithDefault(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "invalid DBTGEN_CLI_TIMEOUT %q; using %s\n", raw, fallback)
		return fallback
	}
	return parsed
}
