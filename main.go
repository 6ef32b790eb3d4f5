package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/storecast/workq/api"
	"github.com/storecast/workq/common"
	"github.com/storecast/workq/configs"
	"github.com/storecast/workq/db"
	jobsmaintenance "github.com/storecast/workq/jobs/maintenance"
	jobsmetrics "github.com/storecast/workq/jobs/metrics"
	"github.com/storecast/workq/metrics"
	"github.com/storecast/workq/services"
	"github.com/storecast/workq/utils"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	authSecret := getAuthSecret()
	if authSecret == "" {
		log.Fatal().Msg("auth secret is not provided: either set WORKQ_AUTH_SECRET environment variable or pass it as a command line argument --auth-secret")
	}

	appConfigs := configs.NewAppConfig()
	if _, ok := common.SupportedBackends[appConfigs.Backend]; !ok {
		log.Fatal().Str("backend", appConfigs.Backend).Msg("unsupported backend")
	}

	var closers []io.Closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].Close(); err != nil {
				log.Warn().Err(err).Msg("failed to close resource")
			}
		}
	}()

	var store db.Store
	switch appConfigs.Backend {
	case common.SQLiteBackend:
		dbPath, err := utils.GetOrCreateDBPath()
		if err != nil {
			log.Fatal().Err(err).Msg("failed to get or create database path")
		}

		repo, err := db.NewSQLiteRepo(dbPath)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create SQLite repository")
		}
		closers = append(closers, repo)

		if err := repo.Migrate(); err != nil {
			log.Fatal().Err(err).Msg("failed to run migrations")
		}

		dbOptimizationJob := jobsmaintenance.NewDbOptimizationJob(repo, appConfigs.JobsIntervals.DbOptimizationMs, appConfigs.JobsIntervals.DbOptimizationMaxMs)
		closers = append(closers, dbOptimizationJob)

		log.Info().Str("path", dbPath).Msg("using SQLite backend")
		store = repo
	case common.RedisBackend:
		repo, err := db.NewRedisRepo(appConfigs.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create Redis repository")
		}
		closers = append(closers, repo)

		log.Info().Msg("using Redis backend")
		store = repo
	}

	metricsService := metrics.NewMetricsService(appConfigs.MetricsEnabled, prometheus.DefaultRegisterer)
	var metricsHandler http.Handler
	if appConfigs.MetricsEnabled {
		metricsHandler = promhttp.Handler()
		queuesDepthMetricsJob := jobsmetrics.NewQueuesDepthMetricsJob(metricsService, store, appConfigs.JobsIntervals.QueuesDepthMetricsMs)
		closers = append(closers, queuesDepthMetricsJob)
	}

	queuesService := services.NewQueuesService(store, appConfigs, metricsService)
	messagesService := services.NewMessagesService(queuesService, appConfigs)
	monitoringService := services.NewMonitoringService(store)

	router := api.NewRouter(messagesService, queuesService, monitoringService, metricsHandler, authSecret)

	server := &http.Server{
		Addr:              appConfigs.ServerAddr,
		Handler:           otelhttp.NewHandler(http.TimeoutHandler(router.NewRouter(), appConfigs.ServerConfig.Timeouts.Handle, "timeout"), "workq.api"),
		WriteTimeout:      appConfigs.ServerConfig.Timeouts.Write,
		ReadTimeout:       appConfigs.ServerConfig.Timeouts.Read,
		ReadHeaderTimeout: appConfigs.ServerConfig.Timeouts.ReadHeader,
		IdleTimeout:       appConfigs.ServerConfig.Timeouts.Idle,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serverErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", server.Addr).Msg("server started")
		serverErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serverErr:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server failed")
		}
	case <-ctx.Done():
		log.Info().Msg("server shutdown requested")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), appConfigs.ServerConfig.Timeouts.Write)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("graceful shutdown failed, closing server")
			if err := server.Close(); err != nil {
				log.Warn().Err(err).Msg("failed to close server")
			}
		}
		log.Info().Msg("server shutdown")
	}
}

func getAuthSecret() string {
	var flagAuthSecret string
	flag.StringVar(&flagAuthSecret, "auth-secret", "", "Authentication secret")
	flag.Parse()

	if flagAuthSecret != "" {
		return flagAuthSecret
	}
	return os.Getenv("WORKQ_AUTH_SECRET")
}
