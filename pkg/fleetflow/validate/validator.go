// Package validate turns raw broker payloads into validated events.
//
// Checks run in a fixed order and stop at the first failure:
//  1. structural: JSON Schema (required fields, types, status enum) and timestamp parsing
//  2. range: coordinates, speed and trip amounts
//  3. ordering: strictly increasing occurredAt per vehicle
//
// Rejected payloads are never retried. The only side effect of a successful
// validation is the tracker update for the event's vehicle.
package validate

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	ferrors "github.com/randalmurphal/fleetflow/pkg/fleetflow/errors"
	"github.com/randalmurphal/fleetflow/pkg/fleetflow/event"
)

//go:embed schema.json
var schemaJSON []byte

const schemaURL = "https://fleetflow/schemas/vehicle-event.json"

// Reason classifies why an event was rejected.
type Reason string

const (
	ReasonMalformed  Reason = "malformed"
	ReasonOutOfRange Reason = "out_of_range"
	ReasonOutOfOrder Reason = "out_of_order"
)

// Reasons lists every rejection reason.
var Reasons = []Reason{ReasonMalformed, ReasonOutOfRange, ReasonOutOfOrder}

// Rejection is returned by Validate for payloads that must be dropped.
type Rejection struct {
	Reason  Reason
	Field   string
	Message string

	// EventID and VehicleID are set when the payload got far enough to expose them.
	EventID   string
	VehicleID string

	// Err is the underlying check failure, if any.
	Err error
}

// Error implements the error interface.
func (r *Rejection) Error() string {
	if r.Field != "" {
		return fmt.Sprintf("rejected (%s) on %s: %s", r.Reason, r.Field, r.Message)
	}
	return fmt.Sprintf("rejected (%s): %s", r.Reason, r.Message)
}

// Unwrap returns the underlying check failure.
func (r *Rejection) Unwrap() error {
	return r.Err
}

// AsRejection extracts a Rejection from err.
func AsRejection(err error) (*Rejection, bool) {
	var r *Rejection
	if errors.As(err, &r) {
		return r, true
	}
	return nil, false
}

// Validator validates and normalizes raw payloads. Safe for concurrent use.
type Validator struct {
	schema  *jsonschema.Schema
	tracker *Tracker
}

// New compiles the event schema and returns a Validator using tracker for
// ordering checks. A nil tracker gets one built from DefaultTrackerConfig.
func New(tracker *Tracker) (*Validator, error) {
	c := jsonschema.NewCompiler()
	if err := c.AddResource(schemaURL, bytes.NewReader(schemaJSON)); err != nil {
		return nil, fmt.Errorf("add event schema: %w", err)
	}
	schema, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile event schema: %w", err)
	}
	if tracker == nil {
		tracker = NewTracker(DefaultTrackerConfig)
	}
	return &Validator{schema: schema, tracker: tracker}, nil
}

// Tracker returns the monotonicity tracker.
func (v *Validator) Tracker() *Tracker {
	return v.tracker
}

// Validate decodes raw and applies every check. It returns a *Rejection on
// failure.
func (v *Validator) Validate(raw []byte) (*event.Event, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, &Rejection{Reason: ReasonMalformed, Message: "payload is not valid JSON: " + err.Error()}
	}
	if err := v.schema.Validate(doc); err != nil {
		field, msg := describeSchemaError(err)
		return nil, &Rejection{Reason: ReasonMalformed, Field: field, Message: msg}
	}

	var wire struct {
		event.Event
		OccurredAt string `json:"occurredAt"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, &Rejection{Reason: ReasonMalformed, Message: err.Error()}
	}
	ev := wire.Event

	occurredAt, err := time.Parse(time.RFC3339Nano, wire.OccurredAt)
	if err != nil {
		return nil, &Rejection{
			Reason:    ReasonMalformed,
			Field:     "occurredAt",
			Message:   "not an RFC 3339 timestamp",
			EventID:   ev.ID,
			VehicleID: ev.VehicleID,
		}
	}
	ev.OccurredAt = occurredAt.UTC()

	if ve := checkRanges(&ev); ve != nil {
		return nil, &Rejection{
			Reason:    ReasonOutOfRange,
			Field:     ve.Field,
			Message:   ve.Message,
			EventID:   ev.ID,
			VehicleID: ev.VehicleID,
			Err:       ve,
		}
	}

	if ok, last := v.tracker.Admit(ev.VehicleID, ev.ID, ev.OccurredAt); !ok {
		return nil, &Rejection{
			Reason:    ReasonOutOfOrder,
			Field:     "occurredAt",
			Message:   fmt.Sprintf("%s is not after last accepted %s", ev.OccurredAt.Format(time.RFC3339Nano), last.Format(time.RFC3339Nano)),
			EventID:   ev.ID,
			VehicleID: ev.VehicleID,
		}
	}

	return &ev, nil
}

func checkRanges(ev *event.Event) *ferrors.ValidationError {
	switch {
	case ev.Latitude < -90 || ev.Latitude > 90:
		return &ferrors.ValidationError{Field: "latitude", Message: fmt.Sprintf("%g outside [-90, 90]", ev.Latitude)}
	case ev.Longitude < -180 || ev.Longitude > 180:
		return &ferrors.ValidationError{Field: "longitude", Message: fmt.Sprintf("%g outside [-180, 180]", ev.Longitude)}
	case ev.Speed < 0:
		return &ferrors.ValidationError{Field: "speed", Message: fmt.Sprintf("%g is negative", ev.Speed)}
	case ev.Fare != nil && *ev.Fare < 0:
		return &ferrors.ValidationError{Field: "fare", Message: fmt.Sprintf("%g is negative", *ev.Fare)}
	case ev.DistanceKm != nil && *ev.DistanceKm < 0:
		return &ferrors.ValidationError{Field: "distanceKm", Message: fmt.Sprintf("%g is negative", *ev.DistanceKm)}
	}
	return nil
}

// describeSchemaError reduces a schema validation error to its innermost
// cause, which names the offending field.
func describeSchemaError(err error) (string, string) {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return "", err.Error()
	}
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	field := ve.InstanceLocation
	if len(field) > 0 && field[0] == '/' {
		field = field[1:]
	}
	return field, ve.Message
}
