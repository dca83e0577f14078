package fleetflow

import (
	"log/slog"
	"time"

	"github.com/randalmurphal/fleetflow/pkg/fleetflow/cache"
	"github.com/randalmurphal/fleetflow/pkg/fleetflow/idempotency"
	"github.com/randalmurphal/fleetflow/pkg/fleetflow/observability"
)

// Config tunes the consumer loop.
type Config struct {
	// Workers is the number of goroutines processing messages.
	// Default: 16
	Workers int

	// InFlightLimit bounds messages between fetch and acknowledgement.
	// Default: 64
	InFlightLimit int

	// ShutdownGrace is how long in-flight messages may take to settle after
	// Run's context is cancelled before their work is cancelled too.
	// Negative means no grace.
	// Default: 10s
	ShutdownGrace time.Duration

	// RetryTick is the retry scheduler's polling interval.
	// Default: 100ms
	RetryTick time.Duration

	// RetryBatch bounds envelopes drained per tick.
	// Default: 256
	RetryBatch int

	// AckTimeout bounds each broker acknowledgement.
	// Default: 5s
	AckTimeout time.Duration

	// IdempotencyRetention is how long committed ids are remembered.
	// Default: 24h
	IdempotencyRetention time.Duration

	// PruneInterval is how often expired idempotency records are pruned.
	// Default: 10m
	PruneInterval time.Duration

	// SweepInterval is how often idle vehicles are swept from the
	// monotonicity tracker.
	// Default: 1m
	SweepInterval time.Duration
}

// DefaultConfig provides reasonable defaults.
var DefaultConfig = Config{
	Workers:              16,
	InFlightLimit:        64,
	ShutdownGrace:        10 * time.Second,
	RetryTick:            100 * time.Millisecond,
	RetryBatch:           256,
	AckTimeout:           5 * time.Second,
	IdempotencyRetention: 24 * time.Hour,
	PruneInterval:        10 * time.Minute,
	SweepInterval:        time.Minute,
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = DefaultConfig.Workers
	}
	if c.InFlightLimit <= 0 {
		c.InFlightLimit = DefaultConfig.InFlightLimit
	}
	if c.ShutdownGrace == 0 {
		c.ShutdownGrace = DefaultConfig.ShutdownGrace
	}
	if c.RetryTick <= 0 {
		c.RetryTick = DefaultConfig.RetryTick
	}
	if c.RetryBatch <= 0 {
		c.RetryBatch = DefaultConfig.RetryBatch
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = DefaultConfig.AckTimeout
	}
	if c.IdempotencyRetention <= 0 {
		c.IdempotencyRetention = DefaultConfig.IdempotencyRetention
	}
	if c.PruneInterval <= 0 {
		c.PruneInterval = DefaultConfig.PruneInterval
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultConfig.SweepInterval
	}
	return c
}

// Option configures a Processor.
type Option func(*Processor)

// WithConfig sets the loop configuration. Zero fields take DefaultConfig
// values.
func WithConfig(cfg Config) Option {
	return func(p *Processor) {
		p.cfg = cfg
	}
}

// WithCache enables cache synchronization of committed events. The
// processor starts the synchronizer and closes it on shutdown.
func WithCache(s *cache.Synchronizer) Option {
	return func(p *Processor) {
		p.cache = s
	}
}

// WithIdempotencyStore enables periodic pruning of committed records.
func WithIdempotencyStore(s idempotency.Store) Option {
	return func(p *Processor) {
		p.idem = s
	}
}

// WithLogger sets the logger.
// Default: slog.Default()
func WithLogger(logger *slog.Logger) Option {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithMetrics sets the metrics recorder.
// Default: observability.NoopMetrics{}
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(p *Processor) {
		p.metrics = m
	}
}

// WithTracing enables per-event spans.
// Default: observability.NoopSpanManager{}
func WithTracing(sm observability.SpanManager) Option {
	return func(p *Processor) {
		p.spans = sm
	}
}

// WithClock replaces the time source used for retry scheduling and pruning.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) {
		p.now = now
	}
}

// WithInstanceID sets the id reported in logs.
// Default: a random UUID
func WithInstanceID(id string) Option {
	return func(p *Processor) {
		p.instanceID = id
	}
}
