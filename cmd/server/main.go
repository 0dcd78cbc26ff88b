package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/campusbite/ordersync/internal/artifact"
	"github.com/campusbite/ordersync/internal/config"
	"github.com/campusbite/ordersync/internal/events"
	"github.com/campusbite/ordersync/internal/logger"
	"github.com/campusbite/ordersync/internal/router"
	"github.com/campusbite/ordersync/internal/service"
	"github.com/campusbite/ordersync/internal/store"
	"github.com/campusbite/ordersync/internal/tracing"
	"github.com/campusbite/ordersync/internal/ws"
	"github.com/jackc/pgx/v5/pgxpool"
)

func main() {
	cfg := config.Load()
	log := logger.New(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Component: "gateway"}, os.Stdout)
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("gateway stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := tracing.InitTracer(ctx, tracing.Config{
		ServiceName: "ordersync-gateway",
		Environment: cfg.Environment,
		ExporterURL: cfg.OTELExporterURL,
		SampleRate:  cfg.OTELSampleRate,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			log.Error("tracer shutdown", "error", err)
		}
	}()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	db := store.NewPostgres(pool)
	if err := db.Migrate(ctx); err != nil {
		return err
	}

	proofs, err := artifact.NewS3Store(ctx, cfg.S3Region, cfg.S3Bucket, cfg.S3Prefix, cfg.S3Endpoint)
	if err != nil {
		return err
	}

	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	hub := ws.NewHub(log)
	go hub.Run(hubCtx)

	var publisher service.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		pub, client, err := events.NewPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.InstanceID)
		if err != nil {
			return err
		}
		defer client.Close()
		publisher = pub
	}

	orders := service.NewOrderService(db, proofs, hub, publisher, log)

	if len(cfg.KafkaBrokers) > 0 {
		consumer, err := events.NewConsumer(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaGroup, cfg.InstanceID, orders, log)
		if err != nil {
			return err
		}
		defer consumer.Close()
		go consumer.Run(ctx)
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           tracing.WrapHTTPHandler(router.New(cfg, orders, hub, log)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info("starting server", "port", cfg.Port)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		log.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// Hijacked websocket connections are not tracked by Shutdown; stopping
	// the hub closes them.
	stopHub()
	return srv.Shutdown(shutdownCtx)
}
