package config

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/randalmurphal/fleetflow/pkg/fleetflow/breaker"
	"github.com/randalmurphal/fleetflow/pkg/fleetflow/cache"
	ferrors "github.com/randalmurphal/fleetflow/pkg/fleetflow/errors"
	"github.com/randalmurphal/fleetflow/pkg/fleetflow/persist"
	"github.com/randalmurphal/fleetflow/pkg/fleetflow/retry"
	"github.com/randalmurphal/fleetflow/pkg/fleetflow/validate"
)

// Settings is the typed view of the configuration file.
type Settings struct {
	Breaker     BreakerSettings
	Retry       RetrySettings
	Processor   ProcessorSettings
	Validator   ValidatorSettings
	Idempotency IdempotencySettings
	Cache       CacheSettings
	Broker      BrokerSettings
	Datastore   DatastoreSettings
	DeadLetter  DeadLetterSettings
	HTTP        HTTPSettings
	Log         LogSettings
}

// BreakerSettings applies to every dependency breaker.
type BreakerSettings struct {
	FailureThreshold    int
	OpenDuration        time.Duration
	HalfOpenProbeBudget int
}

// Config converts to a breaker configuration.
func (b BreakerSettings) Config() breaker.Config {
	return breaker.Config{
		FailureThreshold:    b.FailureThreshold,
		OpenDuration:        b.OpenDuration,
		HalfOpenProbeBudget: b.HalfOpenProbeBudget,
	}
}

// RetrySettings configures the retry buffer.
type RetrySettings struct {
	MaxAttempts  int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	Jitter       float64
	Capacity     int
	TickInterval time.Duration
}

// Config converts to a retry router configuration.
func (r RetrySettings) Config() retry.Config {
	return retry.Config{
		MaxAttempts: r.MaxAttempts,
		BaseDelay:   r.BaseDelay,
		MaxDelay:    r.MaxDelay,
		Jitter:      r.Jitter,
		Capacity:    r.Capacity,
	}
}

// ProcessorSettings configures the consumer loop and downstream timeouts.
type ProcessorSettings struct {
	Workers            int
	InFlightLimit      int
	ShutdownGrace      time.Duration
	WriteTimeout       time.Duration
	ProbeTimeout       time.Duration
	IdempotencyTimeout time.Duration
}

// GateConfig converts to a persistence gate configuration.
func (p ProcessorSettings) GateConfig() persist.Config {
	return persist.Config{
		WriteTimeout:       p.WriteTimeout,
		ProbeTimeout:       p.ProbeTimeout,
		IdempotencyTimeout: p.IdempotencyTimeout,
	}
}

// ValidatorSettings configures the monotonicity tracker.
type ValidatorSettings struct {
	MonotonicityTTL time.Duration
	TrackerShards   int
	TrackerCapacity int
	SweepInterval   time.Duration
}

// TrackerConfig converts to a tracker configuration.
func (v ValidatorSettings) TrackerConfig() validate.TrackerConfig {
	return validate.TrackerConfig{
		Shards:   v.TrackerShards,
		Capacity: v.TrackerCapacity,
		TTL:      v.MonotonicityTTL,
	}
}

// IdempotencySettings selects and tunes the idempotency store.
type IdempotencySettings struct {
	Backend       string // memory, sqlite, postgres
	Path          string
	DSN           string
	Retention     time.Duration
	PruneInterval time.Duration
}

// CacheSettings selects and tunes the read cache.
type CacheSettings struct {
	Backend   string // none, memory, redis
	Addr      string
	Password  string
	DB        int
	Namespace string
	TTL       time.Duration
	Timeout   time.Duration
	QueueSize int
	Workers   int
}

// Config converts to a synchronizer configuration.
func (c CacheSettings) Config() cache.Config {
	return cache.Config{
		QueueSize: c.QueueSize,
		Workers:   c.Workers,
		Timeout:   c.Timeout,
		TTL:       c.TTL,
	}
}

// RedisConfig converts to a Redis writer configuration.
func (c CacheSettings) RedisConfig() cache.RedisConfig {
	return cache.RedisConfig{
		Addr:      c.Addr,
		Password:  c.Password,
		DB:        c.DB,
		Namespace: c.Namespace,
		Timeout:   c.Timeout,
	}
}

// BrokerSettings selects the message source.
type BrokerSettings struct {
	Backend  string // memory, kafka, mqtt
	Brokers  []string
	Topic    string
	GroupID  string
	URL      string
	ClientID string
	Username string
	Password string

	// MaxUncommitted bounds how far a Kafka partition may run ahead of its
	// commit point.
	MaxUncommitted int
}

// DatastoreSettings selects the event repository.
type DatastoreSettings struct {
	Backend string // memory, sqlite, postgres
	Path    string
	DSN     string
}

// DeadLetterSettings selects the dead-letter sink.
type DeadLetterSettings struct {
	Backend    string // memory, sqlite, kafka
	Path       string
	Brokers    []string
	Topic      string
	MemorySize int

	// Append* configure in-line retries of a single sink append.
	AppendAttempts   int
	AppendBackoff    time.Duration
	AppendMaxBackoff time.Duration
	AppendJitter     float64
}

// RetryConfig converts the append settings to an in-line retry configuration.
func (d DeadLetterSettings) RetryConfig() ferrors.RetryConfig {
	return ferrors.NewRetryConfig(
		ferrors.WithMaxAttempts(d.AppendAttempts),
		ferrors.WithInitialBackoff(d.AppendBackoff),
		ferrors.WithMaxBackoff(d.AppendMaxBackoff),
		ferrors.WithJitter(d.AppendJitter),
	)
}

// HTTPSettings configures the operations API.
type HTTPSettings struct {
	Addr string
}

// LogSettings configures logging.
type LogSettings struct {
	Level  string
	Format string // json, text
}

// SlogLevel parses Level. Unknown levels map to info.
func (l LogSettings) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// FromConfig builds Settings from c, filling defaults for missing keys.
func FromConfig(c Config) Settings {
	br := c.Section("breaker")
	rt := c.Section("retry")
	pr := c.Section("processor")
	va := c.Section("validator")
	id := c.Section("idempotency")
	ca := c.Section("cache")
	bk := c.Section("broker")
	ds := c.Section("datastore")
	dl := c.Section("deadletter")
	dr := dl.Section("retry")
	ht := c.Section("http")
	lg := c.Section("log")

	return Settings{
		Breaker: BreakerSettings{
			FailureThreshold:    br.Int("failure_threshold", breaker.DefaultConfig.FailureThreshold),
			OpenDuration:        br.Duration("open_duration", breaker.DefaultConfig.OpenDuration),
			HalfOpenProbeBudget: br.Int("half_open_probe_budget", breaker.DefaultConfig.HalfOpenProbeBudget),
		},
		Retry: RetrySettings{
			MaxAttempts:  rt.Int("max_attempts", retry.DefaultConfig.MaxAttempts),
			BaseDelay:    rt.Duration("base_delay", retry.DefaultConfig.BaseDelay),
			MaxDelay:     rt.Duration("max_delay", retry.DefaultConfig.MaxDelay),
			Jitter:       rt.Float("jitter", retry.DefaultConfig.Jitter),
			Capacity:     rt.Int("capacity", retry.DefaultConfig.Capacity),
			TickInterval: rt.Duration("tick_interval", 100*time.Millisecond),
		},
		Processor: ProcessorSettings{
			Workers:            pr.Int("workers", 16),
			InFlightLimit:      pr.Int("in_flight_limit", 64),
			ShutdownGrace:      pr.Duration("shutdown_grace", 10*time.Second),
			WriteTimeout:       pr.Duration("write_timeout", persist.DefaultConfig.WriteTimeout),
			ProbeTimeout:       pr.Duration("probe_timeout", persist.DefaultConfig.ProbeTimeout),
			IdempotencyTimeout: pr.Duration("idempotency_timeout", persist.DefaultConfig.IdempotencyTimeout),
		},
		Validator: ValidatorSettings{
			MonotonicityTTL: va.Duration("monotonicity_ttl", validate.DefaultTrackerConfig.TTL),
			TrackerShards:   va.Int("tracker_shards", validate.DefaultTrackerConfig.Shards),
			TrackerCapacity: va.Int("tracker_capacity", validate.DefaultTrackerConfig.Capacity),
			SweepInterval:   va.Duration("sweep_interval", time.Minute),
		},
		Idempotency: IdempotencySettings{
			Backend:       id.String("backend", "memory"),
			Path:          id.String("path", "fleetflow.db"),
			DSN:           id.String("dsn", ""),
			Retention:     id.Duration("retention", 24*time.Hour),
			PruneInterval: id.Duration("prune_interval", 10*time.Minute),
		},
		Cache: CacheSettings{
			Backend:   ca.String("backend", "none"),
			Addr:      ca.String("addr", cache.DefaultRedisConfig.Addr),
			Password:  ca.String("password", ""),
			DB:        ca.Int("db", 0),
			Namespace: ca.String("namespace", cache.DefaultRedisConfig.Namespace),
			TTL:       ca.Duration("ttl", cache.DefaultConfig.TTL),
			Timeout:   ca.Duration("timeout", cache.DefaultConfig.Timeout),
			QueueSize: ca.Int("queue_size", cache.DefaultConfig.QueueSize),
			Workers:   ca.Int("workers", cache.DefaultConfig.Workers),
		},
		Broker: BrokerSettings{
			Backend:  bk.String("backend", "memory"),
			Brokers:  bk.StringSlice("brokers", []string{"localhost:9092"}),
			Topic:    bk.String("topic", "vehicle-events"),
			GroupID:  bk.String("group_id", "fleetflow"),
			URL:      bk.String("url", "tcp://localhost:1883"),
			ClientID: bk.String("client_id", "fleetflow"),
			Username: bk.String("username", ""),
			Password: bk.String("password", ""),

			MaxUncommitted: bk.Int("max_uncommitted", 10000),
		},
		Datastore: DatastoreSettings{
			Backend: ds.String("backend", "memory"),
			Path:    ds.String("path", "fleetflow.db"),
			DSN:     ds.String("dsn", ""),
		},
		DeadLetter: DeadLetterSettings{
			Backend:    dl.String("backend", "memory"),
			Path:       dl.String("path", "fleetflow.db"),
			Brokers:    dl.StringSlice("brokers", []string{"localhost:9092"}),
			Topic:      dl.String("topic", "vehicle-events-dlq"),
			MemorySize: dl.Int("memory_size", 10000),

			AppendAttempts:   dr.Int("max_attempts", ferrors.DefaultRetry.MaxAttempts),
			AppendBackoff:    dr.Duration("initial_backoff", ferrors.DefaultRetry.InitialBackoff),
			AppendMaxBackoff: dr.Duration("max_backoff", ferrors.DefaultRetry.MaxBackoff),
			AppendJitter:     dr.Float("jitter", ferrors.DefaultRetry.Jitter),
		},
		HTTP: HTTPSettings{
			Addr: ht.String("addr", ":8080"),
		},
		Log: LogSettings{
			Level:  lg.String("level", "info"),
			Format: lg.String("format", "json"),
		},
	}
}

// Default returns Settings with every default applied.
func Default() Settings {
	return FromConfig(New(nil))
}

// Validate reports every invalid setting at once.
func (s Settings) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}
	oneOf := func(field, v string, allowed ...string) {
		check(slices.Contains(allowed, v), "%s: %q is not one of %s", field, v, strings.Join(allowed, ", "))
	}

	check(s.Breaker.FailureThreshold > 0, "breaker.failure_threshold must be positive")
	check(s.Breaker.OpenDuration > 0, "breaker.open_duration must be positive")
	check(s.Breaker.HalfOpenProbeBudget > 0, "breaker.half_open_probe_budget must be positive")

	check(s.Retry.MaxAttempts >= 0, "retry.max_attempts must not be negative")
	check(s.Retry.BaseDelay > 0, "retry.base_delay must be positive")
	check(s.Retry.MaxDelay >= s.Retry.BaseDelay, "retry.max_delay must be at least retry.base_delay")
	check(s.Retry.Jitter >= 0 && s.Retry.Jitter <= 1, "retry.jitter must be within [0, 1]")
	check(s.Retry.Capacity > 0, "retry.capacity must be positive")
	check(s.Retry.TickInterval > 0, "retry.tick_interval must be positive")

	check(s.Processor.Workers > 0, "processor.workers must be positive")
	check(s.Processor.InFlightLimit > 0, "processor.in_flight_limit must be positive")
	check(s.Processor.ShutdownGrace >= 0, "processor.shutdown_grace must not be negative")
	check(s.Processor.WriteTimeout > 0, "processor.write_timeout must be positive")
	check(s.Processor.ProbeTimeout > 0, "processor.probe_timeout must be positive")
	check(s.Processor.IdempotencyTimeout > 0, "processor.idempotency_timeout must be positive")

	check(s.Validator.MonotonicityTTL > 0, "validator.monotonicity_ttl must be positive")
	check(s.Validator.SweepInterval > 0, "validator.sweep_interval must be positive")

	oneOf("idempotency.backend", s.Idempotency.Backend, "memory", "sqlite", "postgres")
	check(s.Idempotency.Retention > 0, "idempotency.retention must be positive")
	check(s.Idempotency.PruneInterval > 0, "idempotency.prune_interval must be positive")

	oneOf("cache.backend", s.Cache.Backend, "none", "memory", "redis")
	oneOf("broker.backend", s.Broker.Backend, "memory", "kafka", "mqtt")
	oneOf("datastore.backend", s.Datastore.Backend, "memory", "sqlite", "postgres")
	oneOf("deadletter.backend", s.DeadLetter.Backend, "memory", "sqlite", "kafka")
	oneOf("log.format", s.Log.Format, "json", "text")

	check(s.DeadLetter.AppendAttempts > 0, "deadletter.retry.max_attempts must be positive")
	check(s.DeadLetter.AppendBackoff >= 0, "deadletter.retry.initial_backoff must not be negative")
	check(s.DeadLetter.AppendMaxBackoff >= s.DeadLetter.AppendBackoff, "deadletter.retry.max_backoff must be at least deadletter.retry.initial_backoff")
	check(s.DeadLetter.AppendJitter >= 0 && s.DeadLetter.AppendJitter <= 1, "deadletter.retry.jitter must be within [0, 1]")

	if s.Datastore.Backend == "postgres" {
		check(s.Datastore.DSN != "", "datastore.dsn is required for postgres")
	}
	if s.Idempotency.Backend == "postgres" {
		check(s.Idempotency.DSN != "" || s.Datastore.Backend == "postgres",
			"idempotency.dsn is required unless the datastore is postgres")
	}
	if s.Broker.Backend == "kafka" {
		check(len(s.Broker.Brokers) > 0, "broker.brokers is required for kafka")
		check(s.Broker.MaxUncommitted > 0, "broker.max_uncommitted must be positive")
	}
	if s.DeadLetter.Backend == "kafka" {
		check(len(s.DeadLetter.Brokers) > 0, "deadletter.brokers is required for kafka")
	}

	return errors.Join(errs...)
}
