package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/travigo/redongo/pkg/api"
	"github.com/travigo/redongo/pkg/api/routes"
	"github.com/travigo/redongo/pkg/config"
	"github.com/travigo/redongo/pkg/consumer"
	"github.com/travigo/redongo/pkg/database"
	"github.com/travigo/redongo/pkg/elastic_client"
	"github.com/travigo/redongo/pkg/failed"
	"github.com/travigo/redongo/pkg/metrics"
	"github.com/travigo/redongo/pkg/redis_client"
	"github.com/travigo/redongo/pkg/registry"
	"github.com/travigo/redongo/pkg/server"
	"github.com/travigo/redongo/pkg/spool"
	"github.com/urfave/cli/v2"
)

const (
	shutdownTimeout    = 2 * time.Minute
	apiShutdownTimeout = 5 * time.Second
)

func serverCLI() *cli.Command {
	return &cli.Command{
		Name:  "server",
		Usage: "Provides the queue to MongoDB server",
		Subcommands: []*cli.Command{
			{
				Name:  "run",
				Usage: "run the server and its admin API",
				Action: func(c *cli.Context) error {
					cfg, err := config.FromCLI(c)
					if err != nil {
						return err
					}

					return runServer(cfg)
				},
			},
		},
	}
}

func runServer(cfg *config.Config) error {
	if err := redis_client.Connect(cfg.Redis, cfg.ConnectionTag); err != nil {
		return err
	}
	defer redis_client.Close()

	overflow, err := spool.Open(cfg.SpoolDirectory)
	if err != nil {
		return err
	}
	defer overflow.Close()

	auditor, err := elastic_client.Connect(cfg.Elasticsearch)
	if err != nil {
		return err
	}

	pool := database.NewPool()
	applications := registry.New(redis_client.Client)
	serverMetrics := metrics.New()

	dependencies := server.Dependencies{
		Applications: applications,
		Writer:       &database.MongoWriter{Pool: pool},
		Spool:        overflow,
		Metrics:      serverMetrics,
	}
	if auditor != nil {
		dependencies.Auditor = auditor
	}

	coordinator := server.New(server.OptionsFromConfig(cfg), dependencies)

	failedRecords, err := failed.NewManager(redis_client.QueueConnection, cfg.Queue)
	if err != nil {
		return err
	}

	runCtx, stopRun := context.WithCancel(context.Background())
	runFinished := make(chan struct{})
	go func() {
		coordinator.Run(runCtx)
		close(runFinished)
	}()

	// Returns deliveries left unacked by crashed servers
	cleanerFinished := make(chan struct{})
	go func() {
		failedRecords.RunCleaner(runCtx, cfg.CleanerInterval)
		close(cleanerFinished)
	}()

	redisConsumer := consumer.RedisConsumer{
		Connection:      redis_client.QueueConnection,
		QueueName:       cfg.Queue,
		Tag:             cfg.ConnectionTag + "-" + uuid.NewString(),
		NumberConsumers: cfg.Consumers,
		BatchSize:       cfg.ConsumeBatchSize,
		PrefetchLimit:   cfg.PrefetchLimit,
		Timeout:         cfg.ConsumeTimeout,
		Consumer:        coordinator,
	}
	if err := redisConsumer.Setup(); err != nil {
		stopRun()
		<-runFinished
		<-cleanerFinished
		return err
	}

	webApp, apiErrors := api.SetupServer(cfg.Listen, api.Backend{
		Applications: applications,
		Stats: routes.StatsSources{
			Server: coordinator,
			Spool:  overflow,
			Queue:  consumer.NewQueueInspector(redis_client.QueueConnection, cfg.Queue),
		},
		HealthChecks: []routes.HealthCheck{
			func(ctx context.Context) error {
				return redis_client.Client.Ping(ctx).Err()
			},
			pool.Ping,
		},
		Gatherer: serverMetrics.Gatherer,
	})
	log.Info().Str("listen", cfg.Listen).Str("queue", cfg.Queue).Msg("Server running")

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signals)

	var serveErr error
	select {
	case <-signals:
	case serveErr = <-apiErrors:
		log.Error().Err(serveErr).Msg("Admin API stopped")
	}
	go func() {
		<-signals // hard exit on second signal (in case shutdown gets stuck)
		os.Exit(1)
	}()

	log.Info().Msg("Shutting down")

	<-redisConsumer.Stop() // wait for all Consume() calls to finish
	stopRun()
	<-runFinished
	<-cleanerFinished

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if serveErr != nil {
		errs = append(errs, serveErr)
	}
	if err := coordinator.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Records left unacked at shutdown")
		errs = append(errs, err)
	}
	if err := webApp.ShutdownWithTimeout(apiShutdownTimeout); err != nil {
		errs = append(errs, err)
	}
	if err := pool.Close(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	if auditor != nil {
		if err := auditor.Close(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
