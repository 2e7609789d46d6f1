package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/septivank/gps-telemetry-ingest/internal/cache"
	"github.com/septivank/gps-telemetry-ingest/internal/config"
	"github.com/septivank/gps-telemetry-ingest/internal/db"
	"github.com/septivank/gps-telemetry-ingest/internal/httpapi"
	"github.com/septivank/gps-telemetry-ingest/internal/ingest"
	"github.com/septivank/gps-telemetry-ingest/internal/mq"
	"github.com/septivank/gps-telemetry-ingest/internal/mqttsub"
	"github.com/septivank/gps-telemetry-ingest/internal/registry"
	"github.com/septivank/gps-telemetry-ingest/internal/store"
	"github.com/septivank/gps-telemetry-ingest/internal/validator"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const requestTimeout = 30 * time.Second

// ProvideDBPool creates the bounded database pool
func ProvideDBPool(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*db.Pool, error) {
	return db.NewPool(lc, logger, cfg.Database)
}

// ProvideDeviceRepository creates the devices relation gateway
func ProvideDeviceRepository(pool *db.Pool) *store.DeviceRepository {
	return store.NewDeviceRepository(pool)
}

// ProvideRecordRepository creates the telemetry_records relation gateway
func ProvideRecordRepository(pool *db.Pool) *store.RecordRepository {
	return store.NewRecordRepository(pool)
}

// ProvideProvisioner creates the schema provisioner
func ProvideProvisioner(pool *db.Pool, logger *zap.Logger) *store.Provisioner {
	return store.NewProvisioner(pool, logger)
}

// ProvideDeviceCache returns the Redis device cache, or a cache that never
// hits when REDIS_ADDR is unset
func ProvideDeviceCache(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) registry.Cache {
	if !cfg.Redis.Enabled() {
		logger.Info("device cache disabled")
		return registry.NopCache{}
	}
	client := cache.NewRedisClient(lc, logger, cfg.Redis)
	return cache.NewDeviceCache(client, cfg.Redis.TTL, logger)
}

// ProvideRegistry creates the device registry
func ProvideRegistry(devices *store.DeviceRepository, deviceCache registry.Cache, cfg *config.Config, logger *zap.Logger) *registry.Registry {
	return registry.NewRegistry(devices, deviceCache, cfg.Ingest.TouchTimeout, logger)
}

// ProvidePurger creates the clear-all operation
func ProvidePurger(records *store.RecordRepository, deviceCache registry.Cache) *registry.Purger {
	return registry.NewPurger(records, deviceCache)
}

// ProvideValidator creates the report validator
func ProvideValidator() *validator.Validator {
	return validator.NewValidator(store.ExternalIDMaxLength)
}

// ProvideMQConnection dials RabbitMQ. It returns nil when RABBITMQ_URL is unset.
func ProvideMQConnection(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*mq.Connection, error) {
	if !cfg.RabbitMQ.Enabled() {
		logger.Info("rabbitmq disabled, consumer and event publisher are off")
		return nil, nil
	}
	return mq.NewConnection(lc, logger, cfg.RabbitMQ.URL)
}

// ProvidePublisher creates the ingested-event publisher
func ProvidePublisher(lc fx.Lifecycle, conn *mq.Connection, cfg *config.Config, logger *zap.Logger) (ingest.EventPublisher, error) {
	if conn == nil {
		return mq.NopPublisher{}, nil
	}
	publisher, err := mq.NewPublisher(conn, cfg.RabbitMQ.EventsExchange, cfg.RabbitMQ.EventsRoutingKey, logger)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return publisher.Close()
		},
	})
	return publisher, nil
}

// ProvidePipeline creates the ingestion pipeline
func ProvidePipeline(
	v *validator.Validator,
	reg *registry.Registry,
	records *store.RecordRepository,
	provisioner *store.Provisioner,
	publisher ingest.EventPublisher,
	cfg *config.Config,
	logger *zap.Logger,
) *ingest.Pipeline {
	return ingest.NewPipeline(v, reg, records, provisioner, publisher, cfg.Ingest.StoreOpTimeout, logger)
}

// ProvideRouter builds the HTTP routes
func ProvideRouter(
	pipeline *ingest.Pipeline,
	devices *store.DeviceRepository,
	records *store.RecordRepository,
	purger *registry.Purger,
	pool *db.Pool,
	cfg *config.Config,
	logger *zap.Logger,
) http.Handler {
	h := httpapi.NewHandler(httpapi.HandlerConfig{
		Ingester:      pipeline,
		Devices:       devices,
		Records:       records,
		Clearer:       purger,
		Pinger:        pool,
		AllowClearAll: cfg.Ingest.AllowClearAll,
		Logger:        logger,
	})
	return httpapi.NewRouter(h, requestTimeout, logger)
}

// drainRegistry waits for in-flight lastSeen updates before the pool closes
func drainRegistry(lc fx.Lifecycle, reg *registry.Registry, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			if err := reg.Wait(ctx); err != nil {
				logger.Warn("lastSeen updates still pending at shutdown", zap.Error(err))
			}
			return nil
		},
	})
}

func provisionOnStart(lc fx.Lifecycle, provisioner *store.Provisioner, cfg *config.Config, logger *zap.Logger) {
	if !cfg.Ingest.ProvisionOnStart {
		return
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			// schema is also provisioned lazily on first missing relation
			if err := provisioner.EnsureSchema(ctx); err != nil {
				logger.Warn("schema provisioning on start failed", zap.Error(err))
			}
			return nil
		},
	})
}

func startHTTPServer(lc fx.Lifecycle, router http.Handler, cfg *config.Config, logger *zap.Logger) {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.ServicePort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ln, err := net.Listen("tcp", srv.Addr)
			if err != nil {
				return fmt.Errorf("failed to listen on %s: %w", srv.Addr, err)
			}
			logger.Info("http server listening", zap.String("addr", srv.Addr))
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("http server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down http server")
			return srv.Shutdown(ctx)
		},
	})
}

func startConsumer(lc fx.Lifecycle, conn *mq.Connection, cfg *config.Config, pipeline *ingest.Pipeline, logger *zap.Logger) error {
	if conn == nil {
		return nil
	}

	// cancelled only after the channel is closed and workers drained
	ctx, cancel := context.WithCancel(context.Background())

	consumer, err := mq.NewConsumer(mq.ConsumerConfig{
		Connection:       conn,
		Queue:            cfg.RabbitMQ.IngestQueue,
		DLQQueue:         cfg.RabbitMQ.DLQQueue,
		Exchange:         cfg.RabbitMQ.IngestExchange,
		RoutingKey:       cfg.RabbitMQ.IngestRoutingKey,
		PrefetchCount:    cfg.RabbitMQ.PrefetchCount,
		Logger:           logger,
		MessageProcessor: pipeline.HandleMessage,
	})
	if err != nil {
		cancel()
		return err
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			return consumer.Start(ctx)
		},
		OnStop: func(stopCtx context.Context) error {
			defer cancel()
			if err := consumer.Close(stopCtx); err != nil {
				logger.Warn("failed to close consumer", zap.Error(err))
			}
			return nil
		},
	})
	return nil
}

func startMQTTSubscriber(lc fx.Lifecycle, cfg *config.Config, pipeline *ingest.Pipeline, logger *zap.Logger) {
	if !cfg.MQTT.Enabled() {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	subscriber := mqttsub.NewSubscriber(cfg.MQTT, pipeline.HandleMessageFrom, logger)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			return subscriber.Start(ctx)
		},
		OnStop: func(stopCtx context.Context) error {
			defer cancel()
			return subscriber.Stop(stopCtx)
		},
	})
}
