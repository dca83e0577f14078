package fleetflow_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/fleetflow/pkg/fleetflow"
	"github.com/randalmurphal/fleetflow/pkg/fleetflow/breaker"
	"github.com/randalmurphal/fleetflow/pkg/fleetflow/deadletter"
	ferrors "github.com/randalmurphal/fleetflow/pkg/fleetflow/errors"
	"github.com/randalmurphal/fleetflow/pkg/fleetflow/event"
	"github.com/randalmurphal/fleetflow/pkg/fleetflow/observability"
	"github.com/randalmurphal/fleetflow/pkg/fleetflow/retry"
)

type recordingMetrics struct {
	observability.NoopMetrics

	mu          sync.Mutex
	transitions []string
	evictions   int
	deadLetters []string
}

func (m *recordingMetrics) RecordBreakerTransition(_ context.Context, dep, from, to string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transitions = append(m.transitions, dep+":"+from+"->"+to)
}

func (m *recordingMetrics) RecordRetryEviction(context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictions++
}

func (m *recordingMetrics) RecordDeadLetter(_ context.Context, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deadLetters = append(m.deadLetters, reason)
}

func TestBreakerObserver(t *testing.T) {
	metrics := &recordingMetrics{}
	br := breaker.New("datastore",
		breaker.Config{FailureThreshold: 1, OpenDuration: time.Hour, HalfOpenProbeBudget: 1},
		breaker.WithOnStateChange(fleetflow.BreakerObserver(discard(), metrics)),
	)

	br.RecordFailure(br.Generation())

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	assert.Equal(t, []string{"datastore:closed->open"}, metrics.transitions)
}

func TestObserveRetries_CountsEvictionsAndDeadLetters(t *testing.T) {
	metrics := &recordingMetrics{}
	var scheduled []string
	cfg := fleetflow.ObserveRetries(retry.Config{
		MaxAttempts: 5,
		BaseDelay:   time.Hour,
		MaxDelay:    time.Hour,
		Capacity:    1,
		OnSchedule:  func(env retry.Envelope) { scheduled = append(scheduled, env.Event.ID) },
	}, discard(), metrics)

	sink := deadletter.NewMemorySink(deadletter.MemoryConfig{})
	pub := deadletter.NewPublisher(sink,
		deadletter.WithRetry(ferrors.NoRetry),
		deadletter.WithLogger(discard()),
		deadletter.WithPublishHook(fleetflow.DeadLetterMetrics(metrics)),
	)
	r := retry.New(cfg, pub, retry.WithLogger(discard()))
	ctx := context.Background()

	_, err := r.ScheduleRetry(ctx, &event.Event{ID: "e1", VehicleID: "v1"}, nil, "write_failed", errUnavailable)
	require.NoError(t, err)
	time.Sleep(time.Millisecond)
	_, err = r.ScheduleRetry(ctx, &event.Event{ID: "e2", VehicleID: "v1"}, nil, "write_failed", errUnavailable)
	require.NoError(t, err)

	assert.Equal(t, []string{"e1", "e2"}, scheduled, "caller's callback still runs")
	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	assert.Equal(t, 1, metrics.evictions)
	assert.Equal(t, []string{string(deadletter.ReasonRetryOverflow)}, metrics.deadLetters)
}
