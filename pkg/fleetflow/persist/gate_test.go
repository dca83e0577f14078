package persist_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/fleetflow/pkg/fleetflow/breaker"
	ferrors "github.com/randalmurphal/fleetflow/pkg/fleetflow/errors"
	"github.com/randalmurphal/fleetflow/pkg/fleetflow/event"
	"github.com/randalmurphal/fleetflow/pkg/fleetflow/idempotency"
	"github.com/randalmurphal/fleetflow/pkg/fleetflow/persist"
	"github.com/randalmurphal/fleetflow/pkg/fleetflow/store"
)

// scriptedRepo wraps a MemoryRepository and fails inserts according to a script.
type scriptedRepo struct {
	*store.MemoryRepository

	mu          sync.Mutex
	insertErrs  []error
	landOnError bool
	inserts     int
	probes      int
}

func newScriptedRepo(errs ...error) *scriptedRepo {
	return &scriptedRepo{MemoryRepository: store.NewMemoryRepository(), insertErrs: errs}
}

func (r *scriptedRepo) Insert(ctx context.Context, ev *event.Event) (bool, error) {
	r.mu.Lock()
	r.inserts++
	var err error
	if len(r.insertErrs) > 0 {
		err, r.insertErrs = r.insertErrs[0], r.insertErrs[1:]
	}
	land := r.landOnError
	r.mu.Unlock()

	if err != nil {
		if land {
			_, _ = r.MemoryRepository.Insert(ctx, ev)
		}
		return false, err
	}
	return r.MemoryRepository.Insert(ctx, ev)
}

func (r *scriptedRepo) Exists(ctx context.Context, id string) (bool, error) {
	r.mu.Lock()
	r.probes++
	r.mu.Unlock()
	return r.MemoryRepository.Exists(ctx, id)
}

func (r *scriptedRepo) Inserts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inserts
}

func (r *scriptedRepo) Probes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.probes
}

func sample(id string) *event.Event {
	return &event.Event{
		ID:         id,
		VehicleID:  "v1",
		OccurredAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Latitude:   1,
		Longitude:  2,
		Speed:      3,
		Status:     event.StatusIdle,
	}
}

func newGate(repo store.Repository, idem idempotency.Store, cfg breaker.Config) *persist.Gate {
	return persist.New(idem, repo, breaker.New("datastore", cfg))
}

var lenient = breaker.Config{FailureThreshold: 100, OpenDuration: time.Minute, HalfOpenProbeBudget: 1}

func TestGate_CommitsFreshEvent(t *testing.T) {
	repo := newScriptedRepo()
	idem := idempotency.NewMemoryStore()
	g := newGate(repo, idem, lenient)

	res := g.Persist(context.Background(), sample("e1"))
	assert.Equal(t, persist.OutcomeCommitted, res.Outcome)
	assert.False(t, res.Deduplicated)
	assert.NoError(t, res.Err)

	rec, err := idem.Get(context.Background(), "e1")
	require.NoError(t, err)
	assert.Equal(t, idempotency.StatusCommitted, rec.Status)
	assert.Equal(t, 1, repo.Writes())
}

func TestGate_DuplicateDeliveryWritesOnce(t *testing.T) {
	repo := newScriptedRepo()
	g := newGate(repo, idempotency.NewMemoryStore(), lenient)
	ctx := context.Background()

	first := g.Persist(ctx, sample("e1"))
	second := g.Persist(ctx, sample("e1"))

	assert.Equal(t, persist.OutcomeCommitted, first.Outcome)
	assert.Equal(t, persist.OutcomeCommitted, second.Outcome)
	assert.True(t, second.Deduplicated)
	assert.Equal(t, 1, repo.Inserts(), "second delivery must not reach the datastore")
	assert.Equal(t, 1, repo.Writes())
}

func TestGate_ConcurrentDuplicatesWriteOnce(t *testing.T) {
	repo := newScriptedRepo()
	g := newGate(repo, idempotency.NewMemoryStore(), lenient)

	var wg sync.WaitGroup
	results := make([]persist.Result, 10)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = g.Persist(context.Background(), sample("e1"))
		}(i)
	}
	wg.Wait()

	committedCount := 0
	for _, r := range results {
		require.NotEqual(t, persist.OutcomeFatal, r.Outcome)
		if r.Outcome == persist.OutcomeCommitted {
			committedCount++
		}
	}
	assert.GreaterOrEqual(t, committedCount, 1)
	assert.Equal(t, 1, repo.Writes())
}

func TestGate_FatalWriteError(t *testing.T) {
	repo := newScriptedRepo(ferrors.Fatal(errors.New("check constraint"), "insert event"))
	g := newGate(repo, idempotency.NewMemoryStore(), lenient)

	res := g.Persist(context.Background(), sample("e1"))
	assert.Equal(t, persist.OutcomeFatal, res.Outcome)
	assert.Equal(t, persist.ReasonRejected, res.Reason)
	assert.True(t, ferrors.IsFatal(res.Err))
}

func TestGate_RetryableWriteErrorThenRetryPathWrites(t *testing.T) {
	repo := newScriptedRepo(ferrors.Retryable(errors.New("connection refused"), "insert event"))
	idem := idempotency.NewMemoryStore()
	g := newGate(repo, idem, lenient)
	ctx := context.Background()

	res := g.Persist(ctx, sample("e1"))
	assert.Equal(t, persist.OutcomeRetryable, res.Outcome)
	assert.Equal(t, persist.ReasonWriteFailed, res.Reason)

	rec, err := idem.Get(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, idempotency.StatusPending, rec.Status)

	// a fresh redelivery does not steal the pending claim
	res = g.Persist(ctx, sample("e1"))
	assert.Equal(t, persist.OutcomeRetryable, res.Outcome)
	assert.Equal(t, persist.ReasonIndeterminate, res.Reason)
	assert.ErrorIs(t, res.Err, persist.ErrNotLanded)

	// the retry path owns the claim and writes
	res = g.Retry(ctx, sample("e1"))
	assert.Equal(t, persist.OutcomeCommitted, res.Outcome)
	assert.Equal(t, 1, repo.Writes())
}

func TestGate_IndeterminateWriteResolvedByProbe(t *testing.T) {
	t.Run("landed", func(t *testing.T) {
		repo := newScriptedRepo(ferrors.Indeterminate(errors.New("connection reset"), "insert event"))
		repo.landOnError = true
		idem := idempotency.NewMemoryStore()
		g := newGate(repo, idem, lenient)

		res := g.Persist(context.Background(), sample("e1"))
		assert.Equal(t, persist.OutcomeCommitted, res.Outcome)
		assert.Equal(t, 1, repo.Probes())

		rec, err := idem.Get(context.Background(), "e1")
		require.NoError(t, err)
		assert.Equal(t, idempotency.StatusCommitted, rec.Status)
	})

	t.Run("not landed", func(t *testing.T) {
		repo := newScriptedRepo(ferrors.Indeterminate(errors.New("connection reset"), "insert event"))
		g := newGate(repo, idempotency.NewMemoryStore(), lenient)

		res := g.Persist(context.Background(), sample("e1"))
		assert.Equal(t, persist.OutcomeRetryable, res.Outcome)
		assert.Equal(t, persist.ReasonIndeterminate, res.Reason)
		assert.Equal(t, 0, repo.Writes())
	})
}

func TestGate_PendingButLandedIsCommitted(t *testing.T) {
	repo := newScriptedRepo()
	idem := idempotency.NewMemoryStore()
	ctx := context.Background()

	// simulate a crash between write and commit
	_, err := idem.BeginProcessing(ctx, "e1")
	require.NoError(t, err)
	_, err = repo.MemoryRepository.Insert(ctx, sample("e1"))
	require.NoError(t, err)

	g := newGate(repo, idem, lenient)
	res := g.Persist(ctx, sample("e1"))
	assert.Equal(t, persist.OutcomeCommitted, res.Outcome)
	assert.True(t, res.Deduplicated)
	assert.Equal(t, 0, repo.Inserts())
}

func TestGate_OpenBreakerSkipsDatastore(t *testing.T) {
	errs := make([]error, 3)
	for i := range errs {
		errs[i] = ferrors.Retryable(errors.New("connection refused"), "insert event")
	}
	repo := newScriptedRepo(errs...)
	g := newGate(repo, idempotency.NewMemoryStore(), breaker.Config{FailureThreshold: 3, OpenDuration: time.Hour, HalfOpenProbeBudget: 1})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res := g.Persist(ctx, sample(fmt.Sprintf("e%d", i)))
		require.Equal(t, persist.OutcomeRetryable, res.Outcome)
	}
	require.Equal(t, breaker.StateOpen, g.Breaker().State())

	res := g.Persist(ctx, sample("e-next"))
	assert.Equal(t, persist.OutcomeRetryable, res.Outcome)
	assert.Equal(t, persist.ReasonCircuitOpen, res.Reason)
	assert.ErrorIs(t, res.Err, breaker.ErrOpen)
	assert.Equal(t, 3, repo.Inserts(), "no datastore call while open")
}

func TestGate_IdempotencyStoreUnavailable(t *testing.T) {
	idem := idempotency.NewMemoryStore()
	require.NoError(t, idem.Close())
	repo := newScriptedRepo()
	g := newGate(repo, idem, lenient)

	res := g.Persist(context.Background(), sample("e1"))
	assert.Equal(t, persist.OutcomeRetryable, res.Outcome)
	assert.Equal(t, persist.ReasonIdempotencyUnavailable, res.Reason)
	assert.Equal(t, 0, repo.Inserts())
}

func TestGate_WriteTimeout(t *testing.T) {
	slow := &slowRepo{MemoryRepository: store.NewMemoryRepository()}
	g := persist.New(idempotency.NewMemoryStore(), slow, breaker.New("datastore", lenient),
		persist.WithConfig(persist.Config{WriteTimeout: 10 * time.Millisecond}))

	res := g.Persist(context.Background(), sample("e1"))
	assert.Equal(t, persist.OutcomeRetryable, res.Outcome)
	assert.Equal(t, persist.ReasonTimeout, res.Reason)
	var te *ferrors.TimeoutError
	assert.ErrorAs(t, res.Err, &te)
}

type slowRepo struct {
	*store.MemoryRepository
}

func (s *slowRepo) Insert(ctx context.Context, _ *event.Event) (bool, error) {
	<-ctx.Done()
	return false, ferrors.Retryable(ctx.Err(), "insert event")
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "committed", persist.OutcomeCommitted.String())
	assert.Equal(t, "retryable", persist.OutcomeRetryable.String())
	assert.Equal(t, "fatal", persist.OutcomeFatal.String())
}
