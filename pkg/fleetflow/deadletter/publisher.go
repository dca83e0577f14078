package deadletter

import (
	"context"
	"encoding/json"
	"log/slog"

	ferrors "github.com/randalmurphal/fleetflow/pkg/fleetflow/errors"
	"github.com/randalmurphal/fleetflow/pkg/fleetflow/observability"
)

// Publisher appends records to a Sink with short in-line retries.
//
// When every attempt fails the full record is written to the log at error
// level so that it is never silently lost, and the error is returned so the
// caller can leave the source message unacknowledged.
type Publisher struct {
	sink   Sink
	retry  ferrors.RetryConfig
	logger *slog.Logger
	hook   func(*Record)
}

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithRetry sets the in-line retry policy.
// Default: errors.DefaultRetry
func WithRetry(cfg ferrors.RetryConfig) PublisherOption {
	return func(p *Publisher) {
		p.retry = cfg
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// WithPublishHook registers a callback invoked after each successful append.
func WithPublishHook(fn func(*Record)) PublisherOption {
	return func(p *Publisher) {
		p.hook = fn
	}
}

// NewPublisher creates a Publisher for sink.
func NewPublisher(sink Sink, opts ...PublisherOption) *Publisher {
	p := &Publisher{
		sink:   sink,
		retry:  ferrors.DefaultRetry,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	// every sink failure is worth another try
	p.retry.RetryableFunc = func(error) bool { return true }
	return p
}

// Sink returns the underlying sink.
func (p *Publisher) Sink() Sink {
	return p.sink
}

// Publish appends rec, retrying transient failures.
func (p *Publisher) Publish(ctx context.Context, rec *Record) error {
	res := ferrors.WithRetryContext(ctx, p.retry, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, p.sink.Append(ctx, rec)
	})
	if res.Err != nil {
		body, _ := json.Marshal(rec)
		p.logger.Error("dead-letter append failed",
			slog.String("event_id", rec.EventID),
			slog.String("reason", string(rec.Reason)),
			slog.Int("append_attempts", res.Attempts),
			slog.String("error", res.Err.Error()),
			slog.String("record", string(body)),
		)
		return res.Err
	}

	observability.LogDeadLettered(p.logger, rec.EventID, rec.VehicleID, string(rec.Reason), len(rec.Attempts), rec.LastError)
	if p.hook != nil {
		p.hook(rec)
	}
	return nil
}
