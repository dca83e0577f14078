package event_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/fleetflow/pkg/fleetflow/event"
)

func TestStatus_Valid(t *testing.T) {
	for _, s := range event.Statuses {
		assert.True(t, s.Valid(), string(s))
	}
	assert.False(t, event.Status("parked").Valid())
	assert.False(t, event.Status("").Valid())
}

func TestEvent_MarshalOmitsEmptyTripFields(t *testing.T) {
	ev := &event.Event{
		ID:         "e1",
		VehicleID:  "v1",
		OccurredAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Latitude:   51.5,
		Longitude:  -0.12,
		Speed:      12.5,
		Status:     event.StatusEnRoute,
	}

	data, err := ev.Marshal()
	require.NoError(t, err)
	assert.NotContains(t, string(data), "fare")
	assert.NotContains(t, string(data), "tripId")

	var back event.Event
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, *ev, back)
}

func TestEvent_String(t *testing.T) {
	ev := &event.Event{ID: "e1", VehicleID: "v1", OccurredAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	assert.Equal(t, "v1/e1@2026-01-02T03:04:05Z", ev.String())
}
