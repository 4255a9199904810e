package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"golang.org/x/sync/errgroup"

	"github.com/stagepass/platform/event-lifecycle/internal/audit"
	"github.com/stagepass/platform/event-lifecycle/internal/auth"
	"github.com/stagepass/platform/event-lifecycle/internal/config"
	"github.com/stagepass/platform/event-lifecycle/internal/delivery"
	"github.com/stagepass/platform/event-lifecycle/internal/httpserver"
	"github.com/stagepass/platform/event-lifecycle/internal/jobs"
	"github.com/stagepass/platform/event-lifecycle/internal/lifecycle"
	"github.com/stagepass/platform/event-lifecycle/internal/logging"
	"github.com/stagepass/platform/event-lifecycle/internal/ownership"
	"github.com/stagepass/platform/event-lifecycle/internal/scheduling"
	"github.com/stagepass/platform/event-lifecycle/internal/store"
	"github.com/stagepass/platform/event-lifecycle/internal/tlsutil"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		base := logging.Base()
		base.Fatal().Err(err).Msg("config load")
	}
	logging.Configure(logging.Config{Level: cfg.LogLevel, Service: "event-lifecycle"})
	log := logging.Base()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("db open")
	}
	defer db.Close()
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		log.Fatal().Err(err).Msg("db ping")
	}

	eventStore := store.NewPGStore(db)
	jobStore := jobs.NewPGScheduler(db)
	if cfg.MigrateOnStart {
		if err := eventStore.Migrate(ctx); err != nil {
			log.Fatal().Err(err).Msg("migrate event store")
		}
		if err := jobStore.Migrate(ctx); err != nil {
			log.Fatal().Err(err).Msg("migrate job store")
		}
	}

	var recorder audit.Recorder = audit.LogRecorder{Logger: logging.WithComponent("audit")}
	if cfg.AuditBucket != "" {
		archiver, err := audit.NewS3Archiver(ctx, cfg.AuditBucket, cfg.AuditPrefix)
		if err != nil {
			log.Fatal().Err(err).Msg("audit archiver")
		}
		recorder = archiver
	}

	// Without Redis, ownership checks read the store directly and eviction is a no-op.
	var (
		owners  ownership.Lookup  = eventStore
		evictor ownership.Evictor = ownership.NopEvictor{}
	)
	if cfg.RedisAddr != "" {
		client, err := ownership.Connect(ctx, ownership.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("redis connect")
		}
		defer client.Close()
		cache := ownership.NewCache(client, eventStore, cfg.OwnershipTTL, logging.WithComponent("ownership"))
		owners, evictor = cache, cache
	}

	sched := scheduling.New(jobStore, scheduling.Config{
		CallTimeout:   cfg.SchedulerCallTimeout,
		RetryAttempts: cfg.SchedulerRetryAttempts,
		RetryInitial:  cfg.SchedulerRetryInitial,
		RetryMax:      cfg.SchedulerRetryMax,
		Concurrency:   cfg.SchedulingConcurrency,
		Logger:        logging.WithComponent("scheduling"),
	})
	mgr := lifecycle.NewManager(eventStore, sched, recorder, evictor, lifecycle.Config{
		AcceptPartialScheduling: cfg.AcceptPartialScheduling,
		Logger:                  logging.WithComponent("lifecycle"),
	})

	verifier, err := auth.NewVerifier(cfg.JWTSecret)
	if err != nil {
		log.Fatal().Err(err).Msg("auth verifier")
	}
	registry := ownership.NewRegistry(eventStore, evictor, logging.WithComponent("ownership"))
	server := httpserver.New(mgr, owners, registry, eventStore, verifier, logging.WithComponent("http"))
	server.SetRateLimit(cfg.RateLimit)
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if cfg.TLSCertFile != "" {
		tlsCfg, err := tlsutil.ServerConfig(cfg.TLSCertFile, cfg.TLSKeyFile, cfg.TLSClientCAFile, cfg.RequireClientCert)
		if err != nil {
			log.Fatal().Err(err).Msg("tls config")
		}
		httpServer.TLSConfig = tlsCfg
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.Addr).Bool("tls", httpServer.TLSConfig != nil).Msg("event lifecycle service listening")
		var err error
		if httpServer.TLSConfig != nil {
			err = httpServer.ListenAndServeTLS("", "")
		} else {
			err = httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if len(cfg.KafkaBrokers) > 0 {
		consumer, err := delivery.NewConsumer(delivery.ConsumerConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
			GroupID: cfg.KafkaGroupID,
			Logger:  log,
		}, mgr)
		if err != nil {
			log.Fatal().Err(err).Msg("kafka consumer")
		}
		defer consumer.Close()
		g.Go(func() error { return consumer.Run(ctx) })
	} else {
		log.Warn().Msg("no kafka brokers configured; fired jobs will not be consumed")
	}

	if cfg.AcceptPartialScheduling {
		g.Go(func() error {
			lifecycle.RunReconciler(ctx, mgr, lifecycle.ReconcilerConfig{
				Interval:  cfg.ReconcileInterval,
				BatchSize: cfg.ReconcileBatchSize,
				Logger:    logging.WithComponent("reconciler"),
			})
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("service stopped with error")
		os.Exit(1)
	}
	log.Info().Msg("service stopped")
}
