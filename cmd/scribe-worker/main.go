package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/engine"
	"github.com/loqalabs/loqa-scribe/internal/models"
	"github.com/loqalabs/loqa-scribe/internal/presence"
	"github.com/loqalabs/loqa-scribe/internal/worker"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath  string
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "scribe.yaml", "Path to configuration file")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stdout, nil)).Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	level := slog.LevelInfo
	_ = level.UnmarshalText([]byte(cfg.Telemetry.LogLevel))
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	if err := run(cfg, logger); err != nil {
		logger.Error("worker exited with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	factory, err := engine.FactoryFor(cfg.Engine.Recognizer, cfg.Engine.Command, cfg.Engine.Threads)
	if err != nil {
		return fmt.Errorf("create recognizer: %w", err)
	}
	catalog := models.Default()
	if path := cfg.Models.CatalogFile; path != "" {
		if catalog, err = catalog.WithFile(path); err != nil {
			return fmt.Errorf("load model catalog: %w", err)
		}
	}

	client, err := bus.Connect(ctx, cfg.Bus, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	svc := worker.NewService(ctx, cfg.Engine, cfg.Bus.AudioBucket, client, factory, catalog,
		models.NewProvisioner(cfg.Models, logger), logger)
	if err := svc.Start(); err != nil {
		return err
	}
	defer svc.Close()

	announcer := presence.NewAnnouncer(cfg.Worker, cfg.Engine.Recognizer, client, svc, logger)
	if err := announcer.Start(ctx); err != nil {
		return fmt.Errorf("announce worker: %w", err)
	}
	defer announcer.Close()

	logger.Info("worker ready", slog.String("recognizer", cfg.Engine.Recognizer), slog.String("worker_id", announcer.ID()))
	<-ctx.Done()
	return nil
}
