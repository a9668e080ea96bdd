package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"modelvault/internal/api"
	"modelvault/internal/assets"
	"modelvault/internal/bus"
	"modelvault/internal/config"
	"modelvault/internal/dedupe"
	"modelvault/internal/differ"
	"modelvault/internal/downloader"
	"modelvault/internal/hasher"
	"modelvault/internal/indexer"
	"modelvault/internal/logger"
	"modelvault/internal/queue"
	"modelvault/internal/remote"
	"modelvault/internal/storage"
	"modelvault/internal/worker"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		println("config error:", err.Error())
		return 1
	}
	appDataDir, err := cfg.EnsureAppDataDir()
	if err != nil {
		println("app data dir error:", err.Error())
		return 1
	}

	log, closeLog, err := logger.New(appDataDir, os.Stderr)
	if err != nil {
		println("logger error:", err.Error())
		return 1
	}
	defer closeLog()

	db, err := storage.Open(cfg.DBPath())
	if err != nil {
		log.Error("store open failed", "path", cfg.DBPath(), "error", err)
		return 1
	}
	defer db.Close()

	if n, err := db.RecoverOrphans(); err != nil {
		log.Error("orphan recovery failed", "error", err)
		return 1
	} else if n > 0 {
		log.Info("orphaned rows reset", "count", n)
	}

	eventBus := bus.New(log)
	defer eventBus.Close()

	hashSvc := hasher.New(db, cfg, log)
	indexSvc := indexer.New(db, cfg, log)
	diffSvc := differ.New(db)
	queueSvc := queue.New(db, cfg, diffSvc, log)
	dedupeSvc := dedupe.New(db, cfg, hashSvc, log)
	dl := downloader.New(db, cfg, queueSvc, log)
	if err := dl.ValidateRestored(); err != nil {
		log.Error("download job validation failed", "error", err)
		return 1
	}
	broker := remote.NewBroker(cfg.SessionTTL(), log)
	resolver := assets.NewResolver(db, cfg)
	wrk := worker.New(db, cfg, eventBus, hashSvc, queueSvc, dedupeSvc, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go wrk.Run(ctx)
	go dl.RunScheduler(ctx)

	server := api.NewServer(api.Deps{
		DB:       db,
		Cfg:      cfg,
		Log:      log,
		Bus:      eventBus,
		Index:    indexSvc,
		Diff:     diffSvc,
		Hash:     hashSvc,
		Queue:    queueSvc,
		Dedupe:   dedupeSvc,
		DL:       dl,
		Broker:   broker,
		Resolver: resolver,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			log.Error("server failed", "error", err)
			return 1
		}
		return 0
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", "error", err)
		return 1
	}
	return 0
}
