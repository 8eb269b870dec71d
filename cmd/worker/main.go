package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/memeforge/trust-engine/configs"
	"github.com/memeforge/trust-engine/internal/maf"
	"github.com/memeforge/trust-engine/internal/queue"
	"github.com/memeforge/trust-engine/internal/repositories"
)

func main() {
	_ = godotenv.Load()

	cfg := configs.Load()
	setupLogging(cfg.Server.Environment)

	if err := cfg.Validate(); err != nil {
		log.Error().Err(err).Msg("Invalid configuration")
		os.Exit(1)
	}

	workerID := cfg.Worker.ID
	if workerID == "" {
		hostname, _ := os.Hostname()
		workerID = "scan-worker-" + hostname
	}

	log.Info().
		Str("worker_id", workerID).
		Str("environment", cfg.Server.Environment).
		Msg("Starting pattern scan worker")

	db, err := repositories.NewDatabase(cfg.Database)
	if err != nil {
		log.Error().Err(err).Msg("Failed to connect to database")
		os.Exit(2)
	}
	defer db.Close()

	streamClient, err := queue.NewFingerprintStreamClient(cfg.Redis, cfg.Worker.DeadLetterStream)
	if err != nil {
		log.Error().Err(err).Msg("Failed to connect to Redis stream")
		os.Exit(2)
	}
	defer streamClient.Close()

	fingerprintRepo := repositories.NewFingerprintRepository(db)
	anomalyRepo := repositories.NewAnomalyRepository(db)
	flagger := maf.NewFlagger(fingerprintRepo, anomalyRepo)

	worker := maf.NewScanWorker(workerID, flagger, fingerprintRepo, streamClient, cfg.Worker)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		log.Info().Msg("Shutdown signal received")
		cancel()
	}()

	if err := worker.Start(ctx); err != nil {
		log.Error().Err(err).Msg("Worker stopped with error")
		os.Exit(3)
	}

	log.Info().Msg("Worker exited")
}

func setupLogging(env string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	if env == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
