package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"escrowd/audit"
	"escrowd/auth"
	"escrowd/config"
	"escrowd/escrow"
	"escrowd/fsm"
	"escrowd/models"
	"escrowd/notify"
	"escrowd/observability/logging"
	"escrowd/processor"
	"escrowd/recon"
	"escrowd/server"
	"escrowd/store"
	"escrowd/webhookd"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Setup(logging.Options{Service: "escrowd"}).Error("configuration invalid", "error", err)
		os.Exit(1)
	}

	logger := logging.Setup(logging.Options{
		Service:    "escrowd",
		Env:        cfg.Env,
		FilePath:   cfg.LogFilePath,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
	})

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Warn),
		TranslateError: true,
	})
	if err != nil {
		logger.Error("database connection failed", "error", err)
		os.Exit(1)
	}
	if err := models.AutoMigrate(db); err != nil {
		logger.Error("schema migration failed", "error", err)
		os.Exit(1)
	}

	st := store.New(db, time.Now)
	recorder := audit.NewRecorder(db, time.Now)
	guard := fsm.NewGuard(st, recorder, logger)
	procClient := processor.NewHTTPClient(cfg.Processor.BaseURL, cfg.Processor.APIKey, cfg.CaptureTimeout())

	queue := notify.NewQueue()
	worker := notify.NewWorker(db, queue, logger)

	orchestrator := escrow.NewOrchestrator(escrow.Config{
		Store:          st,
		Guard:          guard,
		Processor:      procClient,
		Audit:          audit.NewReleaseSink(recorder),
		Dispatch:       queue,
		Logger:         logger,
		CaptureTimeout: cfg.CaptureTimeout(),
	})
	ingestor := webhookd.NewIngestor(cfg.Webhook.Secret, recorder, st, queue, logger)

	sweeper := recon.NewSweeper(recon.Config{
		Store:     st,
		Processor: procClient,
		Audit:     recorder,
		Logger:    logger,
		Cutoff:    cfg.ReconCutoff(),
	})
	scheduler := recon.NewScheduler(sweeper, cfg.ReconInterval(), logger)

	verifier := auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.Audience, cfg.JWTSkew())

	srv := server.New(server.Config{
		DB:           db,
		Store:        st,
		Guard:        guard,
		Audit:        recorder,
		Orchestrator: orchestrator,
		Ingestor:     ingestor,
		Verifier:     verifier,
		Logger:       logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go worker.Run(ctx)
	go scheduler.Start(ctx)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("escrow service listening", "addr", cfg.ListenAddress)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
}
