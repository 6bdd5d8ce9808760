package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/example/sync-vector-engine/internal/client"
	"github.com/example/sync-vector-engine/internal/config"
	"github.com/example/sync-vector-engine/internal/cvr"
	"github.com/example/sync-vector-engine/internal/fanout"
	"github.com/example/sync-vector-engine/internal/observability"
	"github.com/example/sync-vector-engine/internal/pipeline"
	"github.com/example/sync-vector-engine/internal/viewsyncer"
	"github.com/example/sync-vector-engine/internal/walsource"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := log.With().Str("app", cfg.AppName).Logger()
	observability.RegisterRuntimeCollectors()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetryShutdown, err := observability.Start(ctx, observability.Config{
		ServiceName:  cfg.AppName,
		MetricsAddr:  cfg.MetricsAddr,
		OTLPEndpoint: cfg.OTLPEndpoint,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize telemetry")
	}
	defer telemetryShutdown(context.Background())

	resources, err := config.NewResources(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize resources")
	}
	defer resources.Close()

	store := cvr.NewStore(resources.CVR, logger)
	reader := walsource.NewReader(resources.Replica, logger)
	engine := pipeline.NewEngine(reader, logger)
	fan := fanout.New(resources.Redis, logger)
	manager := viewsyncer.NewManager(store, engine, reader, fan, logger, cfg.IdleKeepalive)

	if resources.Object != nil {
		baseliner := cvr.NewBaseliner(store, resources.Object, cfg.ObjectBucket, logger)
		baseliner.Start(ctx, engine.Groups)
	}

	registry := client.NewRegistry()
	auth := client.NewJWTAuthenticator([]byte(cfg.JWTSigningKey))
	gateway := client.NewGateway(registry, auth, manager, logger)

	mux := http.NewServeMux()
	mux.Handle("/ws", gateway)
	httpServer := &http.Server{Addr: cfg.HTTPListenAddr, Handler: mux}

	go func() {
		logger.Info().Str("addr", cfg.HTTPListenAddr).Msg("view syncer gateway starting")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("http server failed")
		}
	}()

	go func() {
		ticker := time.NewTicker(cfg.HealthcheckProbe)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := resources.HealthCheck(context.Background()); err != nil {
					logger.Error().Err(err).Msg("dependency healthcheck failed")
				} else {
					logger.Debug().Msg("dependency healthcheck ok")
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	logger.Info().Msg("view syncer dependencies initialized")

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")
	manager.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		_ = httpServer.Shutdown(shutdownCtx)
		close(done)
	}()

	select {
	case <-done:
		logger.Info().Msg("shutdown complete")
	case <-shutdownCtx.Done():
		logger.Error().Err(shutdownCtx.Err()).Msg("forced shutdown")
	}
}
