package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/example/carpool/internal/chat"
	"github.com/example/carpool/internal/config"
	"github.com/example/carpool/internal/geocode"
	httpapi "github.com/example/carpool/internal/http"
	"github.com/example/carpool/internal/ingest"
	"github.com/example/carpool/internal/logging"
	"github.com/example/carpool/internal/matcher"
	"github.com/example/carpool/internal/ratings"
	"github.com/example/carpool/internal/rides"
	"github.com/example/carpool/internal/routing"
	"github.com/example/carpool/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid_config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(ctx, storage.Options{
		Backend:       cfg.StoreBackend,
		RedisAddr:     cfg.RedisAddr,
		RedisPassword: cfg.RedisPassword,
		RedisPrefix:   cfg.RedisPrefix,
		PGDSN:         cfg.PGDSN,
		Migrate:       cfg.RunMigrations,
	}, logger)
	if err != nil {
		logger.Error("store_open_failed", "backend", cfg.StoreBackend, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	var (
		events    rides.Events
		locations httpapi.LocationPublisher
	)
	if len(cfg.KafkaBrokers) > 0 {
		producer := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaEventsTopic, cfg.KafkaLocationsTopic, logger)
		defer producer.Close()
		events, locations = producer, producer
		logger.Info("kafka_enabled", "brokers", cfg.KafkaBrokers)
	}

	var geocoder httpapi.Geocoder
	if cfg.NominatimURL != "" {
		geocoder = geocode.NewClient(cfg.NominatimURL, cfg.NominatimUserAgent, cfg.GeocodeTimeout, cfg.CacheTTL, logger)
	}
	planner := &routing.Planner{Logger: logger}
	if cfg.OSRMURL != "" {
		planner.Client = routing.NewOSRMClient(cfg.OSRMURL, cfg.RouteTimeout, cfg.CacheTTL)
	}

	handler := httpapi.NewServer(httpapi.Deps{
		Rides:     rides.New(store, store, events, logger),
		Matcher:   &matcher.Service{Rides: store, DefaultRadiusKm: cfg.MatchDefaultRadiusKm, Logger: logger},
		Chat:      chat.New(store, store, logger),
		Ratings:   ratings.New(store, store, logger),
		Planner:   planner,
		Geocoder:  geocoder,
		Locations: locations,
		Logger:    logger,
	})

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("carpool_listening", "addr", cfg.HTTPAddr, "store", cfg.StoreBackend)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server_failed", "error", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		logger.Info("shutting_down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown_failed", "error", err)
	}
}
