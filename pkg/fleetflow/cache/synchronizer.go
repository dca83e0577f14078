// Package cache propagates committed events to the read cache.
//
// Synchronization is best effort. Sync never blocks and never reports an
// error to the caller: updates are queued for background writers, dropped
// when the queue is full, and skipped while the cache breaker is open. The
// cache is a derived view that can always be rebuilt from the datastore.
package cache

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/randalmurphal/fleetflow/pkg/fleetflow/breaker"
	"github.com/randalmurphal/fleetflow/pkg/fleetflow/event"
)

// Writer writes a single event to the cache.
type Writer interface {
	Write(ctx context.Context, ev *event.Event, ttl time.Duration) error
	Ping(ctx context.Context) error
	Close() error
}

// Result is the fate of one Sync call.
type Result string

const (
	ResultWritten Result = "written"
	ResultFailed  Result = "failed"
	ResultSkipped Result = "skipped"
	ResultDropped Result = "dropped"
)

// Config configures a Synchronizer.
type Config struct {
	// QueueSize bounds pending updates. Default: 1024
	QueueSize int

	// Workers is the number of background writers. Default: 2
	Workers int

	// Timeout bounds each cache write. Default: 500ms
	Timeout time.Duration

	// TTL is applied to every cached key. Default: 24h
	TTL time.Duration
}

// DefaultConfig provides reasonable defaults.
var DefaultConfig = Config{
	QueueSize: 1024,
	Workers:   2,
	Timeout:   500 * time.Millisecond,
	TTL:       24 * time.Hour,
}

// Synchronizer fans events out to a Writer.
type Synchronizer struct {
	writer  Writer
	breaker *breaker.Breaker
	cfg     Config
	logger  *slog.Logger
	hook    func(Result)

	queue chan *event.Event
	wg    sync.WaitGroup

	mu      sync.RWMutex
	started bool
	closed  bool

	countsMu sync.Mutex
	counts   map[Result]int64
}

// Option configures a Synchronizer.
type Option func(*Synchronizer)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Synchronizer) {
		s.logger = logger
	}
}

// WithResultHook registers a callback invoked for every Sync outcome.
// It runs on the writer goroutines and must not block.
func WithResultHook(fn func(Result)) Option {
	return func(s *Synchronizer) {
		s.hook = fn
	}
}

// New creates a Synchronizer. br guards the writer; it should not be shared
// with any other dependency.
func New(writer Writer, br *breaker.Breaker, cfg Config, opts ...Option) *Synchronizer {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig.QueueSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig.Workers
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig.Timeout
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultConfig.TTL
	}

	s := &Synchronizer{
		writer:  writer,
		breaker: br,
		cfg:     cfg,
		logger:  slog.Default(),
		queue:   make(chan *event.Event, cfg.QueueSize),
		counts:  make(map[Result]int64),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Breaker returns the cache breaker.
func (s *Synchronizer) Breaker() *breaker.Breaker {
	return s.breaker
}

// Start launches the background writers. Calling Start more than once has no
// effect.
func (s *Synchronizer) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.closed {
		return
	}
	s.started = true
	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.run()
	}
}

// Sync queues ev for writing. It never blocks.
func (s *Synchronizer) Sync(ev *event.Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		s.record(ResultDropped)
		return
	}
	select {
	case s.queue <- ev:
	default:
		s.record(ResultDropped)
		s.logger.Debug("cache queue full, dropping update",
			slog.String("event_id", ev.ID),
			slog.Int("queue_size", s.cfg.QueueSize),
		)
	}
}

// Close stops accepting updates and waits for queued ones to be written.
// Updates still queued when ctx ends are dropped.
func (s *Synchronizer) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	started := s.started
	close(s.queue)
	s.mu.Unlock()

	if !started {
		for range s.queue {
			s.record(ResultDropped)
		}
		return s.writer.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return errors.Join(ctx.Err(), s.writer.Close())
	}
	return s.writer.Close()
}

// Counts returns the number of updates per result.
func (s *Synchronizer) Counts() map[Result]int64 {
	s.countsMu.Lock()
	defer s.countsMu.Unlock()
	out := make(map[Result]int64, len(s.counts))
	for k, v := range s.counts {
		out[k] = v
	}
	return out
}

// Ping checks the writer directly, bypassing the breaker.
func (s *Synchronizer) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	return s.writer.Ping(ctx)
}

func (s *Synchronizer) run() {
	defer s.wg.Done()
	for ev := range s.queue {
		s.write(ev)
	}
}

func (s *Synchronizer) write(ev *event.Event) {
	gen, ok := s.breaker.Allow()
	if !ok {
		s.record(ResultSkipped)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
	err := s.writer.Write(ctx, ev, s.cfg.TTL)
	cancel()

	if err != nil {
		s.breaker.RecordFailure(gen)
		s.record(ResultFailed)
		s.logger.Warn("cache write failed",
			slog.String("event_id", ev.ID),
			slog.String("vehicle_id", ev.VehicleID),
			slog.String("error", err.Error()),
		)
		return
	}
	s.breaker.RecordSuccess(gen)
	s.record(ResultWritten)
}

func (s *Synchronizer) record(r Result) {
	s.countsMu.Lock()
	s.counts[r]++
	s.countsMu.Unlock()
	if s.hook != nil {
		s.hook(r)
	}
}
