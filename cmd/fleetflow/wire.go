package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/randalmurphal/fleetflow/pkg/fleetflow"
	"github.com/randalmurphal/fleetflow/pkg/fleetflow/breaker"
	"github.com/randalmurphal/fleetflow/pkg/fleetflow/broker"
	"github.com/randalmurphal/fleetflow/pkg/fleetflow/cache"
	"github.com/randalmurphal/fleetflow/pkg/fleetflow/config"
	"github.com/randalmurphal/fleetflow/pkg/fleetflow/deadletter"
	"github.com/randalmurphal/fleetflow/pkg/fleetflow/idempotency"
	"github.com/randalmurphal/fleetflow/pkg/fleetflow/observability"
	"github.com/randalmurphal/fleetflow/pkg/fleetflow/opsapi"
	"github.com/randalmurphal/fleetflow/pkg/fleetflow/persist"
	"github.com/randalmurphal/fleetflow/pkg/fleetflow/retry"
	"github.com/randalmurphal/fleetflow/pkg/fleetflow/store"
	"github.com/randalmurphal/fleetflow/pkg/fleetflow/validate"
)

// app holds the wired components. Closers run in reverse order after the
// processor has stopped.
type app struct {
	processor *fleetflow.Processor
	server    *http.Server
	logger    *slog.Logger
	closers   []func() error
}

func (a *app) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", slog.String("error", err.Error()))
		}
	}
}

// build wires every component selected by s. On error, whatever was already
// opened is closed.
func build(ctx context.Context, s config.Settings, logger *slog.Logger) (*app, error) {
	a := &app{logger: logger}
	built := false
	defer func() {
		if !built {
			a.close()
		}
	}()

	provider, registry, err := observability.NewPrometheusProvider()
	if err != nil {
		return nil, err
	}
	a.onClose(func() error { return provider.Shutdown(context.Background()) })
	metrics, err := observability.NewMetricsRecorderFromProvider(provider)
	if err != nil {
		return nil, err
	}
	observe := breaker.WithOnStateChange(fleetflow.BreakerObserver(logger, metrics))

	var pool *pgxpool.Pool
	if s.Datastore.Backend == "postgres" {
		if pool, err = store.NewPostgresPool(ctx, s.Datastore.DSN); err != nil {
			return nil, fmt.Errorf("datastore: %w", err)
		}
	}

	repo, err := openRepository(ctx, s.Datastore, pool)
	if err != nil {
		if pool != nil {
			pool.Close()
		}
		return nil, fmt.Errorf("datastore: %w", err)
	}
	a.onClose(repo.Close)

	idem, err := openIdempotency(ctx, s.Idempotency, pool)
	if err != nil {
		return nil, fmt.Errorf("idempotency store: %w", err)
	}
	a.onClose(idem.Close)

	sink, err := openDeadLetterSink(s.DeadLetter, logger)
	if err != nil {
		return nil, fmt.Errorf("dead-letter sink: %w", err)
	}
	a.onClose(sink.Close)

	publisher := deadletter.NewPublisher(sink,
		deadletter.WithRetry(s.DeadLetter.RetryConfig()),
		deadletter.WithLogger(logger),
		deadletter.WithPublishHook(fleetflow.DeadLetterMetrics(metrics)),
	)
	router := retry.New(fleetflow.ObserveRetries(s.Retry.Config(), logger, metrics), publisher,
		retry.WithLogger(logger),
	)

	datastoreBreaker := breaker.New("datastore", s.Breaker.Config(), observe)
	gate := persist.New(idem, repo, datastoreBreaker,
		persist.WithConfig(s.Processor.GateConfig()),
		persist.WithLogger(logger),
	)

	validator, err := validate.New(validate.NewTracker(s.Validator.TrackerConfig()))
	if err != nil {
		return nil, fmt.Errorf("validator: %w", err)
	}

	breakers := []*breaker.Breaker{datastoreBreaker}
	var syncer *cache.Synchronizer
	if writer := openCacheWriter(s.Cache); writer != nil {
		cacheBreaker := breaker.New("cache", s.Breaker.Config(), observe)
		breakers = append(breakers, cacheBreaker)
		syncer = cache.New(writer, cacheBreaker, s.Cache.Config(),
			cache.WithLogger(logger),
			cache.WithResultHook(fleetflow.CacheMetrics(metrics)),
		)
	}

	sub, err := openSubscription(ctx, s.Broker, logger)
	if err != nil {
		return nil, fmt.Errorf("broker: %w", err)
	}

	opts := []fleetflow.Option{
		fleetflow.WithConfig(loopConfig(s)),
		fleetflow.WithIdempotencyStore(idem),
		fleetflow.WithLogger(logger),
		fleetflow.WithMetrics(metrics),
		fleetflow.WithTracing(observability.NewSpanManager()),
	}
	if syncer != nil {
		opts = append(opts, fleetflow.WithCache(syncer))
	}
	a.processor = fleetflow.New(sub, validator, gate, router, opts...)

	deps := opsapi.Deps{
		Datastore:   repo,
		Idempotency: idem,
		Breakers:    breakers,
		Retry:       router,
		Processor:   a.processor,
		Metrics:     promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		Logger:      logger,
	}
	if syncer != nil {
		deps.Cache = syncer
	}
	if lister, ok := sink.(deadletter.Lister); ok {
		deps.DeadLetters = lister
	}
	gin.SetMode(gin.ReleaseMode)
	a.server = opsapi.NewServer(s.HTTP.Addr, opsapi.NewRouter(deps))
	built = true
	return a, nil
}

func loopConfig(s config.Settings) fleetflow.Config {
	return fleetflow.Config{
		Workers:              s.Processor.Workers,
		InFlightLimit:        s.Processor.InFlightLimit,
		ShutdownGrace:        s.Processor.ShutdownGrace,
		RetryTick:            s.Retry.TickInterval,
		IdempotencyRetention: s.Idempotency.Retention,
		PruneInterval:        s.Idempotency.PruneInterval,
		SweepInterval:        s.Validator.SweepInterval,
	}
}

// openRepository opens the datastore. A postgres repository takes ownership
// of pool.
func openRepository(ctx context.Context, s config.DatastoreSettings, pool *pgxpool.Pool) (store.Repository, error) {
	switch s.Backend {
	case "postgres":
		repo := store.NewPostgresRepositoryFromPool(pool)
		if err := repo.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		return repo, nil
	case "sqlite":
		return store.NewSQLiteRepository(s.Path)
	case "memory":
		return store.NewMemoryRepository(), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", s.Backend)
	}
}

// openIdempotency opens the idempotency store, sharing the datastore's pool
// when both live in postgres.
func openIdempotency(ctx context.Context, s config.IdempotencySettings, pool *pgxpool.Pool) (idempotency.Store, error) {
	switch s.Backend {
	case "postgres":
		var st *idempotency.PostgresStore
		switch {
		case s.DSN != "":
			var err error
			if st, err = idempotency.NewPostgresStore(ctx, s.DSN); err != nil {
				return nil, err
			}
		case pool != nil:
			st = idempotency.NewPostgresStoreFromPool(pool)
		default:
			return nil, errors.New("postgres backend needs idempotency.dsn or a postgres datastore")
		}
		if err := st.EnsureSchema(ctx); err != nil {
			st.Close()
			return nil, err
		}
		return st, nil
	case "sqlite":
		return idempotency.NewSQLiteStore(s.Path)
	case "memory":
		return idempotency.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", s.Backend)
	}
}

func openDeadLetterSink(s config.DeadLetterSettings, logger *slog.Logger) (deadletter.Sink, error) {
	switch s.Backend {
	case "kafka":
		return deadletter.NewKafkaSink(deadletter.KafkaConfig{Brokers: s.Brokers, Topic: s.Topic}), nil
	case "sqlite":
		return deadletter.NewSQLiteSink(s.Path)
	case "memory":
		return deadletter.NewMemorySink(deadletter.MemoryConfig{MaxSize: s.MemorySize, Logger: logger}), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", s.Backend)
	}
}

// openCacheWriter returns nil when caching is disabled.
func openCacheWriter(s config.CacheSettings) cache.Writer {
	switch s.Backend {
	case "redis":
		return cache.NewRedisWriter(s.RedisConfig())
	case "memory":
		return cache.NewMemoryWriter()
	default:
		return nil
	}
}

func openSubscription(ctx context.Context, s config.BrokerSettings, logger *slog.Logger) (broker.Subscription, error) {
	switch s.Backend {
	case "kafka":
		return broker.NewKafkaSubscription(broker.KafkaConfig{
			Brokers: s.Brokers,
			Topic:   s.Topic,
			GroupID: s.GroupID,

			MaxUncommitted: s.MaxUncommitted,
		})
	case "mqtt":
		return broker.NewMQTTSubscription(ctx, broker.MQTTConfig{
			BrokerURL: s.URL,
			ClientID:  s.ClientID,
			Topic:     s.Topic,
			Username:  s.Username,
			Password:  s.Password,
		})
	case "memory":
		logger.Warn("using the in-memory broker; nothing will be consumed unless published in-process")
		return broker.NewMemoryBroker(), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", s.Backend)
	}
}
