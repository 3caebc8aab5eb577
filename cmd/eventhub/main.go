package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	gootel "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/terraskye/eventhub"
	"github.com/terraskye/eventhub/analytics"
	"github.com/terraskye/eventhub/api"
	"github.com/terraskye/eventhub/eventbus"
	"github.com/terraskye/eventhub/eventstore/sqlstore"
	"github.com/terraskye/eventhub/internal/config"
	"github.com/terraskye/eventhub/internal/db"
	"github.com/terraskye/eventhub/internal/logger"
	"github.com/terraskye/eventhub/jobqueue"
	"github.com/terraskye/eventhub/jobqueue/sqlqueue"
	"github.com/terraskye/eventhub/logging"
	"github.com/terraskye/eventhub/metrics"
	"github.com/terraskye/eventhub/otel"
	"github.com/terraskye/eventhub/replay"
	"github.com/terraskye/eventhub/sink/amqpsink"
	"github.com/terraskye/eventhub/sink/kafkasink"
)

const appName = "eventhub"

func main() {
	cfg := config.Load()
	log := logger.New(appName, cfg.AppEnv, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.WithError(err).Error("eventhub_failed")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, log *logrus.Entry) error {
	gootel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	sqlDB, dialect, err := db.Open(ctx, db.Config{Driver: cfg.DBDriver, DatabaseURL: cfg.DatabaseURL})
	if err != nil {
		return err
	}
	defer func() {
		if err := sqlDB.Close(); err != nil {
			log.WithError(err).Error("db_close_failed")
		}
	}()

	sqlStore := sqlstore.New(sqlDB, dialect, sqlstore.WithLogger(log))
	if err := sqlStore.Migrate(ctx); err != nil {
		return err
	}
	queue := sqlqueue.New(sqlDB, dialect, sqlqueue.WithLogger(log))
	if err := queue.Migrate(ctx); err != nil {
		return err
	}
	store := otel.WithEventStoreTelemetry(sqlStore)

	bus := eventbus.New(store,
		eventbus.WithRegistry(eventhub.NewRegistry(eventhub.WithFallbackDecoder(eventhub.RawJSON))),
		eventbus.WithQueue(queue),
		eventbus.WithLogger(log),
		eventbus.WithHandlerMiddleware(otel.WithHandlerTelemetry(), logging.WithLogrus(log)),
		eventbus.WithDefaultMaxAttempts(cfg.QueueMaxAttempts),
		eventbus.WithWorkers(cfg.QueueWorkers,
			jobqueue.WithShards(cfg.QueueShards),
			jobqueue.WithBatchSize(cfg.QueueBatchSize),
			jobqueue.WithPollInterval(cfg.QueuePollInterval),
			jobqueue.WithProcessingTimeout(cfg.QueueProcessingTimeout),
			jobqueue.WithPoolLogger(log),
		),
	)

	closeSinks, err := subscribeSinks(ctx, cfg, bus, log)
	if err != nil {
		return err
	}
	defer closeSinks()

	if err := bus.Start(ctx); err != nil {
		return err
	}

	// --- Metrics ---
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		metrics.NewCollector(bus, queue, log),
	)
	metricsSrv := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	if cfg.AppEnv != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}
	apiSrv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: api.NewRouter(&api.Handler{
			Replay: replay.New(store, otel.WithPublisherTelemetry(bus),
				replay.WithLogger(log),
				replay.WithBatchSize(cfg.ReplayBatchSize),
			),
			Bus:    bus,
			Reader: analytics.NewReader(store, analytics.WithTTL(cfg.AnalyticsCacheTTL), analytics.WithLogger(log)),
			Queue:  queue,
			Log:    log,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 2)
	for _, srv := range []*http.Server{metricsSrv, apiSrv} {
		go func() {
			log.WithField("addr", srv.Addr).Info("http_listen")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
		log.Info("eventhub_shutdown")
	case err = <-errCh:
		log.WithError(err).Error("http_server_error")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = apiSrv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)
	if stopErr := bus.Stop(shutdownCtx); stopErr != nil {
		log.WithError(stopErr).Warn("bus_stop_failed")
	}
	return err
}

// subscribeSinks registers one broker handler per configured event type and
// returns a func releasing the broker connections.
func subscribeSinks(ctx context.Context, cfg config.Config, bus *eventbus.Bus, log *logrus.Entry) (func(), error) {
	var closers []func() error
	release := func() {
		for _, c := range closers {
			if err := c(); err != nil {
				log.WithError(err).Warn("sink_close_failed")
			}
		}
	}
	if len(cfg.SinkEventTypes) == 0 {
		return release, nil
	}

	if len(cfg.KafkaBrokers) > 0 {
		w := kafkasink.NewWriter(kafkasink.Config{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic, ClientID: appName})
		closers = append(closers, w.Close)
		for _, eventType := range cfg.SinkEventTypes {
			h := kafkasink.NewHandler(eventType, "kafka-sink", w, kafkasink.WithLogger(log))
			if err := bus.Subscribe(eventType, h); err != nil {
				release()
				return nil, err
			}
		}
	}

	if cfg.AMQPURL != "" {
		conn, err := amqpsink.Connect(ctx, cfg.AMQPURL, 10, 2*time.Second)
		if err != nil {
			release()
			return nil, err
		}
		closers = append(closers, conn.Close)
		ch, err := amqpsink.DeclareExchange(conn, cfg.AMQPExchange)
		if err != nil {
			release()
			return nil, err
		}
		for _, eventType := range cfg.SinkEventTypes {
			h := amqpsink.NewHandler(eventType, "amqp-sink", ch, amqpsink.WithExchange(cfg.AMQPExchange), amqpsink.WithLogger(log))
			if err := bus.Subscribe(eventType, h); err != nil {
				release()
				return nil, err
			}
		}
	}
	return release, nil
}
