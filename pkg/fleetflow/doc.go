/*
Package fleetflow ingests vehicle events from an at-least-once broker and
persists each one exactly once in effect.

# Overview

A Processor pulls messages from a broker.Subscription and drives each one
through three stages:

	received -> validating -> persisting -> committed | retry_scheduled | dead_lettered
	                      \-> rejected

Validation (package validate) drops malformed, out-of-range and out-of-order
payloads. The persistence gate (package persist) claims the event in the
idempotency store, writes it through the datastore circuit breaker and
commits the claim once the write is confirmed. Committed events are handed
to the cache synchronizer (package cache), which is best effort. Retryable
failures go to the retry router (package retry); fatal ones and events whose
retry budget runs out go to the dead-letter sink (package deadletter).

# Acknowledgement

A message is acknowledged once it reaches a terminal state or has been
placed in the retry buffer. It is left unacknowledged, and will be
redelivered by the broker, when processing is cancelled by a forced
shutdown or when a dead-letter append fails. Redelivery is always safe:
the idempotency store turns duplicates into no-ops.

# Flow control

InFlightLimit credits bound the number of messages between fetch and
acknowledgement. A credit is taken before each fetch and returned when the
message settles, so a slow datastore slows consumption instead of growing
memory.

# Basic Usage

	tracker := validate.NewTracker(validate.DefaultTrackerConfig)
	v, _ := validate.New(tracker)
	gate := persist.New(idem, repo, breaker.New("datastore", breaker.DefaultConfig))
	router := retry.New(retry.DefaultConfig, deadletter.NewPublisher(sink))

	p := fleetflow.New(sub, v, gate, router,
	    fleetflow.WithCache(sync),
	    fleetflow.WithIdempotencyStore(idem),
	)
	if err := p.Run(ctx); err != nil {
	    log.Fatal(err)
	}

Run returns after ctx is cancelled and shutdown completes.
*/
package fleetflow
