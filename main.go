package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"vinoteca/internal/alerts"
	"vinoteca/internal/api"
	"vinoteca/internal/config"
	"vinoteca/internal/eventbus"
	"vinoteca/internal/ingest"
	"vinoteca/internal/llm"
	"vinoteca/internal/logging"
	"vinoteca/internal/ocr"
	"vinoteca/internal/parser"
	"vinoteca/internal/pipeline"
	"vinoteca/internal/repository"
	"vinoteca/internal/scheduler"
)

// BuildCommit is set at build time via -ldflags.
var BuildCommit = "dev"

func main() {
	_ = godotenv.Load()

	log, err := logging.New()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		log.Fatal("configuration load failed", zap.Error(err))
	}
	log.Info("starting vinoteca",
		zap.String("build", BuildCommit),
		zap.Int("port", cfg.APIPort),
	)

	repo, err := repository.NewRepository(cfg.DatabaseURL)
	if err != nil {
		log.Fatal("database connection failed", zap.Error(err))
	}
	defer repo.Close()

	if os.Getenv("SKIP_MIGRATION") == "true" {
		log.Info("database migration skipped")
	} else {
		if err := repo.Migrate("schema.sql"); err != nil {
			log.Fatal("database migration failed", zap.Error(err))
		}
		log.Info("database migration complete")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := eventbus.New()
	defer bus.Close()

	notifier := alerts.NewNotifier(cfg.AdminWebhookURL, bus, log)
	go notifier.Run(ctx)

	monitor := alerts.NewMonitor(cfg.AlertStage3Failures, cfg.AlertLLMCostEUR, cfg.AlertErrorRate, bus, log)

	// LLM-backed stages are optional: without an API key or with the flags
	// off, the cascade stops at the classic parser.
	var stage2 *pipeline.TargetedAI
	var stage3 *pipeline.Extractor
	if cfg.IATargetedEnabled || cfg.LLMFallbackEnabled {
		provider, err := llm.NewGeminiProvider(ctx, cfg.LLMModelExtract)
		if err != nil {
			log.Warn("LLM provider unavailable, AI stages disabled", zap.Error(err))
		} else {
			if cfg.IATargetedEnabled {
				stage2 = pipeline.NewTargetedAI(provider, cfg.LLMModelTargeted,
					cfg.MaxLLMTokens, cfg.BatchSizeAmbiguousRows,
					cfg.SchemaScoreTh, cfg.MinValidRows, monitor, log)
			}
			if cfg.LLMFallbackEnabled {
				stage3 = pipeline.NewExtractor(provider, cfg.LLMModelExtract,
					cfg.LLMTimeout, monitor, log)
			}
		}
	}

	var ocrEngine pipeline.OCRRunner
	if cfg.OCREnabled {
		ocrEngine = ocr.New("ita+eng", log)
	}

	stage1 := parser.New(cfg.SchemaScoreTh, cfg.MinValidRows)
	orchestrator := pipeline.NewOrchestrator(stage1, stage2, stage3, ocrEngine, monitor, log)

	manager := ingest.NewManager(repo, orchestrator, bus, monitor,
		cfg.MaxFileSize, cfg.DBInsertBatchSize, cfg.QueueSize, log)
	manager.Start(cfg.WorkerCount)
	defer manager.Stop()

	reports := scheduler.New(repo, bus, cfg.ReportHour, cfg.ReportTimezone, log)
	go reports.Run(ctx)

	tokens := api.NewViewerTokens(cfg.ViewerTokenSecret, cfg.ViewerTokenTTL)
	server := api.NewServer(repo, manager, tokens, monitor, strconv.Itoa(cfg.APIPort), cfg.MaxFileSize, log)
	go func() {
		log.Info("HTTP server listening", zap.Int("port", cfg.APIPort))
		if err := server.Start(); err != nil {
			log.Warn("HTTP server stopped", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP shutdown incomplete", zap.Error(err))
	}
	cancel()
	log.Info("shutdown complete")
}
