package benchmarks

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/randalmurphal/fleetflow/pkg/fleetflow/breaker"
	"github.com/randalmurphal/fleetflow/pkg/fleetflow/event"
	"github.com/randalmurphal/fleetflow/pkg/fleetflow/idempotency"
	"github.com/randalmurphal/fleetflow/pkg/fleetflow/persist"
	"github.com/randalmurphal/fleetflow/pkg/fleetflow/store"
	"github.com/randalmurphal/fleetflow/pkg/fleetflow/validate"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func payload(i int) []byte {
	return fmt.Appendf(nil,
		`{"eventId":"e-%d","vehicleId":"veh-%d","occurredAt":%q,"latitude":40.7,"longitude":-74.0,"speed":8.5,"status":"en_route"}`,
		i, i%1000, base.Add(time.Duration(i)*time.Millisecond).Format(time.RFC3339Nano))
}

// BenchmarkValidate measures schema, range and ordering checks for an
// accepted event.
func BenchmarkValidate(b *testing.B) {
	v, err := validate.New(validate.NewTracker(validate.DefaultTrackerConfig))
	if err != nil {
		b.Fatal(err)
	}
	payloads := make([][]byte, b.N)
	for i := range payloads {
		payloads[i] = payload(i)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := v.Validate(payloads[i]); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkTrackerAdmit measures the per-vehicle ordering check alone.
func BenchmarkTrackerAdmit(b *testing.B) {
	t := validate.NewTracker(validate.DefaultTrackerConfig)
	ids := make([]string, 1000)
	for i := range ids {
		ids[i] = fmt.Sprintf("veh-%d", i)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		t.Admit(ids[i%len(ids)], "e", base.Add(time.Duration(i)))
	}
}

// BenchmarkTrackerAdmit_Parallel measures shard contention across vehicles.
func BenchmarkTrackerAdmit_Parallel(b *testing.B) {
	t := validate.NewTracker(validate.DefaultTrackerConfig)
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			i++
			// Distinct vehicles per goroutine so ordering is never violated.
			t.Admit(fmt.Sprintf("veh-%p-%d", pb, i%64), "e", base.Add(time.Duration(i)))
		}
	})
}

func newGate() *persist.Gate {
	return persist.New(
		idempotency.NewMemoryStore(),
		store.NewMemoryRepository(),
		breaker.New("datastore", breaker.DefaultConfig),
		persist.WithLogger(slog.New(slog.DiscardHandler)),
	)
}

func newEvent(i int) *event.Event {
	return &event.Event{
		ID:         fmt.Sprintf("e-%d", i),
		VehicleID:  fmt.Sprintf("veh-%d", i%1000),
		OccurredAt: base.Add(time.Duration(i) * time.Millisecond),
		Latitude:   40.7,
		Longitude:  -74.0,
		Speed:      8.5,
		Status:     event.StatusEnRoute,
	}
}

// BenchmarkPersist_Fresh measures claim, insert and commit for new events.
func BenchmarkPersist_Fresh(b *testing.B) {
	gate := newGate()
	ctx := context.Background()
	events := make([]*event.Event, b.N)
	for i := range events {
		events[i] = newEvent(i)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if res := gate.Persist(ctx, events[i]); res.Outcome != persist.OutcomeCommitted {
			b.Fatalf("outcome %s", res.Outcome)
		}
	}
}

// BenchmarkPersist_Duplicate measures the committed-record fast path.
func BenchmarkPersist_Duplicate(b *testing.B) {
	gate := newGate()
	ctx := context.Background()
	ev := newEvent(0)
	if res := gate.Persist(ctx, ev); res.Outcome != persist.OutcomeCommitted {
		b.Fatalf("outcome %s", res.Outcome)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		gate.Persist(ctx, ev)
	}
}
