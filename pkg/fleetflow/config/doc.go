/*
Package config loads fleetflow settings from YAML or JSON files and the
environment.

# Overview

Config wraps a map[string]any and provides typed accessors that fall back to
a default when a key is missing or has the wrong type. Settings is the typed
view the binary works with; it is built by FromConfig and checked by
Validate, which reports every problem at once.

# Layout

Options are grouped in sections:

	breaker:
	  failure_threshold: 5
	  open_duration: 10s
	  half_open_probe_budget: 3
	retry:
	  max_attempts: 5
	  base_delay: 500ms
	  max_delay: 30s
	processor:
	  in_flight_limit: 64
	idempotency:
	  retention: 24h
	validator:
	  monotonicity_ttl: 1h

# Environment

Every option can be overridden by an environment variable named
FLEETFLOW_<SECTION>_<KEY>, for example FLEETFLOW_RETRY_MAX_ATTEMPTS=8 or
FLEETFLOW_IDEMPOTENCY_RETENTION=48h. Lists are comma-separated.

# Reloading

Watch re-reads the file on change. Only the log level is applied to a
running process; everything else takes effect on restart.
*/
package config
