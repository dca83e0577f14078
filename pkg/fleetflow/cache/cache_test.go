package cache_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/fleetflow/pkg/fleetflow/breaker"
	"github.com/randalmurphal/fleetflow/pkg/fleetflow/cache"
	"github.com/randalmurphal/fleetflow/pkg/fleetflow/event"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testEvent(id string, at time.Time) *event.Event {
	return &event.Event{
		ID:         id,
		VehicleID:  "v1",
		OccurredAt: at,
		Latitude:   52.5,
		Longitude:  13.4,
		Status:     event.StatusEnRoute,
	}
}

func newRedisWriter(t *testing.T) (*cache.RedisWriter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	w := cache.NewRedisWriterFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "ff")
	t.Cleanup(func() { w.Close() })
	return w, mr
}

func TestRedisWriter_WritesEventWithTTL(t *testing.T) {
	w, mr := newRedisWriter(t)
	ctx := context.Background()

	require.NoError(t, w.Write(ctx, testEvent("e1", t0), time.Hour))

	raw, err := mr.Get("ff:event:e1")
	require.NoError(t, err)
	var ev event.Event
	require.NoError(t, json.Unmarshal([]byte(raw), &ev))
	assert.Equal(t, "e1", ev.ID)
	assert.Equal(t, time.Hour, mr.TTL("ff:event:e1"))

	assert.Equal(t, "e1", mr.HGet("ff:vehicle:v1", "event_id"))
	assert.Equal(t, time.Hour, mr.TTL("ff:vehicle:v1"))
}

func TestRedisWriter_VehicleHashOnlyMovesForward(t *testing.T) {
	w, mr := newRedisWriter(t)
	ctx := context.Background()

	require.NoError(t, w.Write(ctx, testEvent("e2", t0.Add(time.Minute)), time.Hour))
	require.NoError(t, w.Write(ctx, testEvent("e1", t0), time.Hour))
	assert.Equal(t, "e2", mr.HGet("ff:vehicle:v1", "event_id"))

	require.NoError(t, w.Write(ctx, testEvent("e3", t0.Add(2*time.Minute)), time.Hour))
	assert.Equal(t, "e3", mr.HGet("ff:vehicle:v1", "event_id"))

	// the older event is still cached under its own key
	assert.True(t, mr.Exists("ff:event:e1"))
}

func TestRedisWriter_Ping(t *testing.T) {
	w, mr := newRedisWriter(t)

	require.NoError(t, w.Ping(context.Background()))
	assert.True(t, mr.Exists("ff:health:check"))

	mr.Close()
	assert.Error(t, w.Ping(context.Background()))
}

func newBreaker() *breaker.Breaker {
	return breaker.New("cache", breaker.Config{FailureThreshold: 2, OpenDuration: time.Hour, HalfOpenProbeBudget: 1})
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

func TestSynchronizer_WritesInBackground(t *testing.T) {
	w := cache.NewMemoryWriter()
	s := cache.New(w, newBreaker(), cache.Config{Workers: 2}, cache.WithLogger(quietLogger()))
	s.Start()

	s.Sync(testEvent("e1", t0))
	s.Sync(testEvent("e2", t0.Add(time.Second)))
	require.NoError(t, s.Close(context.Background()))

	latest, ok := w.Latest("v1")
	require.True(t, ok)
	assert.Equal(t, "e2", latest.ID)
	assert.Equal(t, int64(2), s.Counts()[cache.ResultWritten])
}

func TestSynchronizer_OpenBreakerSkipsWrites(t *testing.T) {
	w := cache.NewMemoryWriter()
	w.FailWith(errors.New("connection refused"))

	var mu sync.Mutex
	var results []cache.Result
	s := cache.New(w, newBreaker(), cache.Config{Workers: 1},
		cache.WithLogger(quietLogger()),
		cache.WithResultHook(func(r cache.Result) {
			mu.Lock()
			results = append(results, r)
			mu.Unlock()
		}),
	)
	s.Start()

	for _, id := range []string{"e1", "e2", "e3"} {
		s.Sync(testEvent(id, t0))
	}
	require.NoError(t, s.Close(context.Background()))

	assert.Equal(t, []cache.Result{cache.ResultFailed, cache.ResultFailed, cache.ResultSkipped}, results)
	assert.Equal(t, breaker.StateOpen, s.Breaker().State())
	assert.Zero(t, w.Writes())
}

func TestSynchronizer_FullQueueDrops(t *testing.T) {
	w := cache.NewMemoryWriter()
	s := cache.New(w, newBreaker(), cache.Config{QueueSize: 1}, cache.WithLogger(quietLogger()))

	// not started: the queue only fills
	s.Sync(testEvent("e1", t0))
	s.Sync(testEvent("e2", t0))

	assert.Equal(t, int64(1), s.Counts()[cache.ResultDropped])

	require.NoError(t, s.Close(context.Background()))
	s.Sync(testEvent("e3", t0))
	assert.Equal(t, int64(3), s.Counts()[cache.ResultDropped])
}
