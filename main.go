package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"dhanoi/config"
	"dhanoi/internal/metrics"
	"dhanoi/internal/refresh"
	"dhanoi/internal/server"
	"dhanoi/internal/store"
	"dhanoi/internal/tracker"
	"dhanoi/logger"
	"dhanoi/processor"
	"dhanoi/reader/dhan"
)

const defaultConfigPath = "config/config.yml"

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	path := config.ResolveConfigPath(*configPath, defaultConfigPath)
	cfg, err := config.LoadConfig(path)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service":     cfg.Service.Name,
		"version":     cfg.Service.Version,
		"environment": config.AppEnvironment(),
		"config":      path,
	}).Info("starting dhan open interest service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if strings.EqualFold(cfg.Logging.Level, logger.LevelReport) {
		logger.StartReport(ctx, log, cfg.Logging.ReportInterval)
	}

	metrics.Configure(cfg.Metrics)
	if cfg.Metrics.CloudWatch.Enabled {
		metrics.InitCloudWatch(ctx, cfg.Metrics.CloudWatch)
	}

	instruments, err := config.ResolveInstruments(cfg, time.Now())
	if err != nil {
		log.WithError(err).Error("Failed to resolve instruments")
		os.Exit(1)
	}

	oiStore := store.New(store.WithFreshness(cfg.Cache.Freshness))
	oiTracker := tracker.New(oiStore)
	windows := cfg.Tracker.Windows()

	router, err := processor.NewRouter(cfg.Feed.Frame, instruments)
	if err != nil {
		log.WithError(err).Error("Failed to build frame router")
		os.Exit(1)
	}

	reader := dhan.Dhan_OI_NewReader(cfg, instruments, router, oiStore)
	if err := reader.Dhan_OI_Start(ctx); err != nil {
		log.WithError(err).Warn("feed reader not started, serving without live data")
	}

	srv, err := server.NewServer(cfg.Server, server.Dependencies{
		Store:   oiStore,
		Tracker: oiTracker,
		Feed:    reader,
		Windows: windows,
	}, log)
	if err != nil {
		log.WithError(err).Error("Failed to create http server")
		os.Exit(1)
	}

	var refresher *refresh.Refresher
	if cfg.Refresh.Enabled {
		refresher = refresh.New(cfg.Refresh, oiTracker, instruments, windows)
		refresher.Start(ctx)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.Run(ctx); err != nil {
			log.WithError(err).Error("http server failed")
			cancel()
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")
	case <-ctx.Done():
	}

	log.Info("starting graceful shutdown")
	cancel()

	if refresher != nil {
		log.Info("stopping refresher")
		refresher.Stop()
	}

	log.Info("stopping feed reader")
	reader.Dhan_OI_Stop()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("dhan open interest service stopped")
}
