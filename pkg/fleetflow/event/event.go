// Package event defines the vehicle position and trip event handled by the
// processor, together with its wire encoding.
//
// An Event is produced by the Validator and is immutable from then on. Every
// downstream stage (persistence, cache, retry, dead-letter) passes the same
// value by pointer and must not modify it.
package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is the closed set of vehicle states an event can report.
type Status string

const (
	StatusEnRoute   Status = "en_route"
	StatusIdle      Status = "idle"
	StatusPickingUp Status = "picking_up"
	StatusCompleted Status = "completed"
	StatusOffline   Status = "offline"
)

// Statuses lists every valid status in declaration order.
var Statuses = []Status{
	StatusEnRoute,
	StatusIdle,
	StatusPickingUp,
	StatusCompleted,
	StatusOffline,
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusEnRoute, StatusIdle, StatusPickingUp, StatusCompleted, StatusOffline:
		return true
	default:
		return false
	}
}

// Event is a single vehicle observation.
//
// ID is assigned by the generator and is globally unique; it is the
// idempotency key for the whole pipeline. Trip fields are optional and only
// present on events that belong to a fare-bearing trip.
type Event struct {
	ID         string    `json:"eventId"`
	VehicleID  string    `json:"vehicleId"`
	OccurredAt time.Time `json:"occurredAt"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Speed      float64   `json:"speed"`
	Status     Status    `json:"status"`

	TripID     string   `json:"tripId,omitempty"`
	Place      string   `json:"place,omitempty"`
	Fare       *float64 `json:"fare,omitempty"`
	DistanceKm *float64 `json:"distanceKm,omitempty"`
}

// Marshal returns the canonical JSON encoding of the event.
func (e *Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// String returns a short identifier for logs.
func (e *Event) String() string {
	return fmt.Sprintf("%s/%s@%s", e.VehicleID, e.ID, e.OccurredAt.Format(time.RFC3339Nano))
}
