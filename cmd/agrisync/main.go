package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"agrisync/core-go/internal/commands"
	"agrisync/core-go/internal/config"
	"agrisync/core-go/internal/db"
	"agrisync/core-go/internal/events"
	"agrisync/core-go/internal/httpapi"
	"agrisync/core-go/internal/influx"
	"agrisync/core-go/internal/metrics"
	"agrisync/core-go/internal/telemetry"
)

func main() {
	cfg, err := config.Load(os.LookupEnv)
	if err != nil {
		l := httpapi.NewLogger("info")
		l.Fatal().Err(err).Msg("invalid configuration")
	}

	logger := httpapi.NewLoggerTo(os.Stdout, cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	var storeOpts []commands.Option
	if cfg.MQTT.Enabled() {
		client, err := events.Connect(ctx, logger, events.ConnectConfig{
			Broker:     cfg.MQTT.Broker,
			ClientID:   cfg.MQTT.ClientID,
			Username:   cfg.MQTT.Username,
			Password:   cfg.MQTT.Password,
			MaxElapsed: cfg.Storage.ConnectRetry.Std(),
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to mqtt broker")
		}
		pub := events.NewPublisher(logger, client, events.Options{TopicPrefix: cfg.MQTT.TopicPrefix})
		go pub.Run(ctx)
		storeOpts = append(storeOpts, commands.WithChangeHook(pub.Notify))
	}

	store := commands.NewStore(commands.NewPolicy(cfg.GraceWindow.Std()), storeOpts...)

	saver, closeSaver := openSaver(ctx, logger, cfg)
	defer closeSaver()

	intake := telemetry.NewIntake(logger, saver, store, telemetry.Options{DefaultDeviceID: cfg.DeviceIDDefault()}, m)

	h := httpapi.NewHandler(logger, httpapi.Deps{
		Store:          store,
		Intake:         intake,
		Metrics:        m,
		StorageTimeout: cfg.Storage.Timeout.Std(),
	})
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           h.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info().
			Str("addr", cfg.HTTPAddr).
			Str("storage", cfg.Storage.Backend).
			Dur("grace_window", cfg.GraceWindow.Std()).
			Msg("agrisync listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server error")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	logger.Info().Msg("shutdown complete")
}

// openSaver builds the configured telemetry backend. Remote backends sit
// behind a circuit breaker.
func openSaver(ctx context.Context, logger zerolog.Logger, cfg config.Config) (telemetry.Saver, func()) {
	breaker := telemetry.BreakerOptions{
		Name:     cfg.Storage.Backend,
		Failures: cfg.Breaker.Failures,
		OpenFor:  cfg.Breaker.OpenFor.Std(),
	}

	switch cfg.Storage.Backend {
	case config.BackendPostgres:
		pool, err := db.OpenWithRetry(ctx, logger, cfg.Storage.DatabaseURL, cfg.Storage.ConnectRetry.Std())
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to database")
		}
		saver := telemetry.NewPostgresSaver(pool.Queries(), pool)
		return telemetry.NewBreakerSaver(logger, saver, breaker), pool.Close

	case config.BackendInflux:
		saver, err := influx.NewSaver(influx.Config{
			URL:         cfg.Storage.InfluxURL,
			Token:       cfg.Storage.InfluxToken,
			Org:         cfg.Storage.InfluxOrg,
			Bucket:      cfg.Storage.InfluxBucket,
			Measurement: cfg.Storage.InfluxMeasurement,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to configure influxdb")
		}
		return telemetry.NewBreakerSaver(logger, saver, breaker), saver.Close

	default:
		return telemetry.NewMemoryLog(0), func() {}
	}
}
