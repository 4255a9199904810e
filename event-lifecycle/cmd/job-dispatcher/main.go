package main

import (
	"context"
	"database/sql"
	"errors"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/stagepass/platform/event-lifecycle/internal/config"
	"github.com/stagepass/platform/event-lifecycle/internal/delivery"
	"github.com/stagepass/platform/event-lifecycle/internal/jobs"
	"github.com/stagepass/platform/event-lifecycle/internal/logging"
)

// job-dispatcher fires due one-shot jobs from scheduled_jobs onto the session-jobs topic.
func main() {
	cfg, err := config.Load()
	if err != nil {
		base := logging.Base()
		base.Fatal().Err(err).Msg("config load")
	}
	logging.Configure(logging.Config{Level: cfg.LogLevel, Service: "job-dispatcher"})
	log := logging.Base()

	if len(cfg.KafkaBrokers) == 0 {
		log.Fatal().Msg("KAFKA_BROKERS or EVENT_LIFECYCLE_KAFKA_BROKERS is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("db open")
	}
	defer db.Close()
	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		log.Fatal().Err(err).Msg("db ping")
	}

	jobStore := jobs.NewPGScheduler(db)
	if cfg.MigrateOnStart {
		if err := jobStore.Migrate(ctx); err != nil {
			log.Fatal().Err(err).Msg("migrate job store")
		}
	}

	producer, err := delivery.NewKafkaProducer(delivery.ProducerConfig{
		Brokers: cfg.KafkaBrokers,
		Topic:   cfg.KafkaTopic,
		Logger:  log,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("kafka producer")
	}
	defer producer.Close()

	dispatcher := jobs.NewDispatcher(jobStore, producer, jobs.DispatcherConfig{
		BatchSize:      cfg.DispatchBatchSize,
		PollInterval:   cfg.DispatchPollInterval,
		MaxConcurrency: cfg.DispatchConcurrency,
		Logger:         logging.WithComponent("dispatcher"),
	})

	log.Info().Str("topic", cfg.KafkaTopic).Msg("job dispatcher started")
	if err := dispatcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("dispatcher stopped with error")
		return
	}
	log.Info().Msg("job dispatcher stopped")
}
