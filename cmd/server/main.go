package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/Clark-Hu/watchtrail/internal/activity"
	"github.com/Clark-Hu/watchtrail/internal/catalog"
	"github.com/Clark-Hu/watchtrail/internal/config"
	httpserver "github.com/Clark-Hu/watchtrail/internal/http"
	"github.com/Clark-Hu/watchtrail/internal/logging"
	"github.com/Clark-Hu/watchtrail/internal/metadata"
	"github.com/Clark-Hu/watchtrail/internal/notify"
	"github.com/Clark-Hu/watchtrail/internal/repository"
	"github.com/Clark-Hu/watchtrail/internal/store"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		bootLogger := logging.New(logging.Config{})
		bootLogger.Fatal().Err(err).Msg("config error")
	}

	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	dbCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	storeOpts := store.Options{
		MaxConns:               int32(cfg.DBMaxConns),
		MinConns:               int32(cfg.DBMinConns),
		MaxConnIdleTime:        time.Duration(cfg.DBMaxIdleSecs) * time.Second,
		MaxConnLifetime:        time.Duration(cfg.DBMaxLifeSecs) * time.Second,
		ConnTimeout:            time.Duration(cfg.DBConnTimeoutSecs) * time.Second,
		StatementCacheCapacity: cfg.DBStatementCache,
		Logger:                 logger,
	}

	st, err := store.New(dbCtx, cfg.DBURL, storeOpts)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect database")
	}
	defer st.Close()
	if err := st.CheckSchema(dbCtx); err != nil {
		logger.Fatal().Err(err).Msg("verify database schema")
	}

	catalogClient, err := newCatalogClient(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("init catalog client")
	}

	repo := repository.New(st)
	resolver := metadata.NewResolver(repo.Titles, catalogClient, metadata.ResolverOptions{
		TTL:          time.Duration(cfg.MetadataTTLHours) * time.Hour,
		FetchTimeout: time.Duration(cfg.CatalogTimeoutSecs) * time.Second,
		SingleFlight: cfg.MetadataSingleFlight,
		Logger:       logger,
	})
	enricher := metadata.NewEnricher(repo.Titles, logger)

	fetcher := metadata.PerTitle(resolver)
	if cfg.BatchFetchMode == "grouped" {
		fetcher = metadata.Grouped(resolver)
	}
	scheduler := metadata.NewScheduler(fetcher, logger)

	hub := notify.NewHub(notify.Options{
		AllowedOrigins: cfg.WSAllowedOrigins,
		Logger:         logger,
	})
	defer hub.Close()

	activitySvc := activity.NewService(repo.Activity, enricher, resolver, hub, logger)

	server := httpserver.New(cfg, httpserver.Dependencies{
		Health:    st,
		Titles:    repo.Titles,
		Resolver:  resolver,
		Scheduler: scheduler,
		Activity:  activitySvc,
		Sessions:  hub,
	}, logger)

	logger.Info().
		Str("port", cfg.Port).
		Str("fetch_mode", cfg.BatchFetchMode).
		Int("metadata_ttl_hours", cfg.MetadataTTLHours).
		Msg("starting server")

	serverErrCh := make(chan error, 1)
	go func() {
		if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			serverErrCh <- err
			return
		}
		serverErrCh <- nil
	}()

	select {
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("server error")
		}
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("graceful shutdown error")
	}
	activitySvc.Wait()
	hub.Close()
}

func newCatalogClient(cfg config.Config, logger zerolog.Logger) (catalog.Client, error) {
	httpClient, err := catalog.NewHTTPClient(catalog.Options{
		BaseURL:       cfg.CatalogURL,
		APIKey:        cfg.CatalogAPIKey,
		Timeout:       time.Duration(cfg.CatalogTimeoutSecs) * time.Second,
		RatePerSecond: cfg.CatalogRatePerSec,
		Burst:         cfg.CatalogBurst,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}
	return catalog.NewBreakerClient(httpClient, catalog.BreakerOptions{
		Timeout: time.Duration(cfg.CatalogBreakerTimeout) * time.Second,
		Logger:  logger,
	}), nil
}
