package breaker_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/fleetflow/pkg/fleetflow/breaker"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type transition struct {
	from, to breaker.State
}

func newBreaker(t *testing.T, cfg breaker.Config) (*breaker.Breaker, *fakeClock, *[]transition) {
	t.Helper()
	clock := newFakeClock()
	var (
		mu          sync.Mutex
		transitions []transition
	)
	b := breaker.New("datastore", cfg,
		breaker.WithClock(clock.Now),
		breaker.WithOnStateChange(func(_ string, from, to breaker.State) {
			mu.Lock()
			transitions = append(transitions, transition{from, to})
			mu.Unlock()
		}),
	)
	return b, clock, &transitions
}

var testConfig = breaker.Config{
	FailureThreshold:    3,
	OpenDuration:        10 * time.Second,
	HalfOpenProbeBudget: 2,
}

// call admits one call and reports its outcome.
func call(t *testing.T, b *breaker.Breaker, success bool) {
	t.Helper()
	gen, ok := b.Allow()
	require.True(t, ok, "call rejected in state %s", b.State())
	if success {
		b.RecordSuccess(gen)
	} else {
		b.RecordFailure(gen)
	}
}

func trip(t *testing.T, b *breaker.Breaker) {
	t.Helper()
	for b.State() == breaker.StateClosed {
		call(t, b, false)
	}
}

func TestBreaker_OpensAfterThresholdConsecutiveFailures(t *testing.T) {
	b, _, transitions := newBreaker(t, testConfig)

	for i := 0; i < 2; i++ {
		call(t, b, false)
	}
	assert.Equal(t, breaker.StateClosed, b.State())

	call(t, b, false)
	assert.Equal(t, breaker.StateOpen, b.State())
	_, ok := b.Allow()
	assert.False(t, ok)
	assert.Equal(t, []transition{{breaker.StateClosed, breaker.StateOpen}}, *transitions)
}

func TestBreaker_SuccessResetsConsecutiveCount(t *testing.T) {
	b, _, _ := newBreaker(t, testConfig)

	call(t, b, false)
	call(t, b, false)
	call(t, b, true)
	call(t, b, false)
	call(t, b, false)

	assert.Equal(t, breaker.StateClosed, b.State())
	assert.Equal(t, 2, b.Snapshot().ConsecutiveFailures)
}

func TestBreaker_StaysOpenUntilDurationElapses(t *testing.T) {
	b, clock, _ := newBreaker(t, testConfig)
	trip(t, b)

	clock.Advance(9 * time.Second)
	_, ok := b.Allow()
	assert.False(t, ok)
	assert.Equal(t, breaker.StateOpen, b.State())

	clock.Advance(time.Second)
	_, ok = b.Allow()
	assert.True(t, ok)
	assert.Equal(t, breaker.StateHalfOpen, b.State())
}

func TestBreaker_HalfOpenClosesAfterProbeBudget(t *testing.T) {
	b, clock, transitions := newBreaker(t, testConfig)
	trip(t, b)
	clock.Advance(testConfig.OpenDuration)

	call(t, b, true)
	assert.Equal(t, breaker.StateHalfOpen, b.State())

	call(t, b, true)
	assert.Equal(t, breaker.StateClosed, b.State())

	assert.Equal(t, []transition{
		{breaker.StateClosed, breaker.StateOpen},
		{breaker.StateOpen, breaker.StateHalfOpen},
		{breaker.StateHalfOpen, breaker.StateClosed},
	}, *transitions)
}

func TestBreaker_HalfOpenCapsConcurrentProbes(t *testing.T) {
	b, clock, _ := newBreaker(t, testConfig)
	trip(t, b)
	clock.Advance(testConfig.OpenDuration)

	_, first := b.Allow()
	_, second := b.Allow()
	_, third := b.Allow()
	assert.True(t, first)
	assert.True(t, second)
	assert.False(t, third, "third concurrent probe exceeds the budget")
}

func TestBreaker_ProbeFailureReopensAndResetsTimer(t *testing.T) {
	b, clock, _ := newBreaker(t, testConfig)
	trip(t, b)
	clock.Advance(testConfig.OpenDuration)

	call(t, b, true)
	call(t, b, false)

	assert.Equal(t, breaker.StateOpen, b.State())
	assert.Equal(t, clock.Now(), b.Snapshot().OpenedAt)

	clock.Advance(testConfig.OpenDuration - time.Millisecond)
	_, ok := b.Allow()
	assert.False(t, ok)
}

func TestBreaker_LateSuccessFromClosedDoesNotCountInHalfOpen(t *testing.T) {
	cfg := breaker.Config{FailureThreshold: 1, OpenDuration: time.Second, HalfOpenProbeBudget: 2}
	b, clock, _ := newBreaker(t, cfg)

	slow, ok := b.Allow()
	require.True(t, ok)
	call(t, b, false)
	require.Equal(t, breaker.StateOpen, b.State())

	clock.Advance(2 * time.Second)
	probe, ok := b.Allow()
	require.True(t, ok)
	require.Equal(t, breaker.StateHalfOpen, b.State())

	b.RecordSuccess(slow)
	b.RecordSuccess(probe)
	assert.Equal(t, breaker.StateHalfOpen, b.State(), "one real probe of a budget of two")

	call(t, b, true)
	assert.Equal(t, breaker.StateClosed, b.State())
}

func TestBreaker_LateFailureDoesNotReopen(t *testing.T) {
	cfg := breaker.Config{FailureThreshold: 1, OpenDuration: time.Second, HalfOpenProbeBudget: 1}
	b, clock, _ := newBreaker(t, cfg)

	slow, ok := b.Allow()
	require.True(t, ok)
	call(t, b, false)
	clock.Advance(time.Second)

	probe, ok := b.Allow()
	require.True(t, ok)
	b.RecordFailure(slow)
	assert.Equal(t, breaker.StateHalfOpen, b.State())

	b.RecordSuccess(probe)
	assert.Equal(t, breaker.StateClosed, b.State())
}

func TestBreaker_GenerationAdvancesOnTransition(t *testing.T) {
	b, clock, _ := newBreaker(t, testConfig)
	g0 := b.Generation()

	trip(t, b)
	g1 := b.Generation()
	assert.Greater(t, g1, g0)

	clock.Advance(testConfig.OpenDuration)
	g2, ok := b.Allow()
	require.True(t, ok)
	assert.Greater(t, g2, g1)
	assert.Equal(t, g2, b.Snapshot().Generation)
}

func TestBreaker_Do(t *testing.T) {
	b, _, _ := newBreaker(t, breaker.Config{FailureThreshold: 1, OpenDuration: time.Minute, HalfOpenProbeBudget: 1})
	boom := errors.New("boom")

	err := b.Do(context.Background(), func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)

	called := false
	err = b.Do(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, breaker.ErrOpen)
	assert.False(t, called)
}

func TestBreaker_DefaultsForZeroConfig(t *testing.T) {
	b := breaker.New("cache", breaker.Config{})
	snap := b.Snapshot()
	assert.Equal(t, breaker.DefaultConfig.FailureThreshold, snap.FailureThreshold)
	assert.Equal(t, breaker.DefaultConfig.OpenDuration, snap.OpenDuration)
	assert.Equal(t, breaker.DefaultConfig.HalfOpenProbeBudget, snap.HalfOpenProbeBudget)
	assert.Equal(t, "closed", snap.StateName)
	assert.Equal(t, "cache", b.Name())
}

func TestBreaker_ConcurrentUse(t *testing.T) {
	b := breaker.New("datastore", breaker.Config{FailureThreshold: 1000, OpenDuration: time.Second, HalfOpenProbeBudget: 1})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if gen, ok := b.Allow(); ok {
					if (i+j)%2 == 0 {
						b.RecordSuccess(gen)
					} else {
						b.RecordFailure(gen)
					}
				}
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, breaker.StateClosed, b.State())
}
