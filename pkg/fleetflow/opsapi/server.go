// Package opsapi exposes the processor's operational HTTP surface: liveness,
// readiness, Prometheus metrics and read-only views of the circuit breakers,
// the retry buffer and the dead-letter sink.
//
// Routes:
//
//	GET /health            liveness
//	GET /ready             datastore and idempotency store reachable
//	GET /metrics           Prometheus exposition
//	GET /v1/stats          processor counters
//	GET /v1/breakers       breaker snapshots
//	GET /v1/retry          retry buffer stats (?peek=N lists envelopes)
//	GET /v1/deadletters    dead-letter records (?limit=N)
package opsapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/randalmurphal/fleetflow/pkg/fleetflow"
	"github.com/randalmurphal/fleetflow/pkg/fleetflow/breaker"
	"github.com/randalmurphal/fleetflow/pkg/fleetflow/deadletter"
	"github.com/randalmurphal/fleetflow/pkg/fleetflow/retry"
)

// Pinger is a dependency that can report reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StatsSource reports processor counters.
type StatsSource interface {
	Stats() fleetflow.Stats
}

// Deps are the components the API reports on. Nil fields disable the
// matching checks or routes.
type Deps struct {
	Datastore   Pinger
	Idempotency Pinger

	// Cache failures make the service degraded, never unready.
	Cache Pinger

	Breakers    []*breaker.Breaker
	Retry       *retry.Router
	DeadLetters deadletter.Lister
	Processor   StatsSource

	// Metrics serves /metrics, typically promhttp.HandlerFor(registry, ...).
	Metrics http.Handler

	Logger *slog.Logger

	// PingTimeout bounds each readiness check.
	// Default: 1s
	PingTimeout time.Duration
}

const (
	defaultPingTimeout = time.Second
	defaultListLimit   = 50
	maxListLimit       = 1000
)

// NewRouter builds the gin engine serving the ops routes.
func NewRouter(d Deps) *gin.Engine {
	if d.PingTimeout <= 0 {
		d.PingTimeout = defaultPingTimeout
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(d.Logger))

	h := &handlers{deps: d}
	r.GET("/health", h.health)
	r.GET("/ready", h.ready)
	if d.Metrics != nil {
		r.GET("/metrics", gin.WrapH(d.Metrics))
	}

	v1 := r.Group("/v1")
	v1.GET("/stats", h.stats)
	v1.GET("/breakers", h.breakers)
	v1.GET("/retry", h.retry)
	v1.GET("/deadletters", h.deadLetters)
	return r
}

// NewServer wraps handler in an http.Server with conservative timeouts.
func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       time.Minute,
	}
}

// Serve runs srv until ctx is cancelled, then shuts it down gracefully.
func Serve(ctx context.Context, srv *http.Server, logger *slog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	if logger != nil {
		logger.Info("ops api listening", slog.String("addr", srv.Addr))
	}

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("ops request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("took", time.Since(start)),
		)
	}
}
