package opsapi

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/randalmurphal/fleetflow/pkg/fleetflow/breaker"
)

type handlers struct {
	deps Deps
}

// Readiness check results.
const (
	statusReady    = "ready"
	statusDegraded = "degraded"
	statusNotReady = "not_ready"
	checkOK        = "ok"
)

func (h *handlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ready fails when the datastore or idempotency store is unreachable. An
// unreachable cache only degrades the service: committed events still land.
func (h *handlers) ready(c *gin.Context) {
	checks := gin.H{}
	status := statusReady

	critical := []struct {
		name string
		dep  Pinger
	}{
		{"datastore", h.deps.Datastore},
		{"idempotency", h.deps.Idempotency},
	}
	for _, chk := range critical {
		if chk.dep == nil {
			continue
		}
		if err := h.ping(c.Request.Context(), chk.dep); err != nil {
			checks[chk.name] = err.Error()
			status = statusNotReady
			continue
		}
		checks[chk.name] = checkOK
	}

	if h.deps.Cache != nil {
		if err := h.ping(c.Request.Context(), h.deps.Cache); err != nil {
			checks["cache"] = err.Error()
			if status == statusReady {
				status = statusDegraded
			}
		} else {
			checks["cache"] = checkOK
		}
	}

	code := http.StatusOK
	if status == statusNotReady {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"status": status, "checks": checks})
}

func (h *handlers) ping(ctx context.Context, p Pinger) error {
	ctx, cancel := context.WithTimeout(ctx, h.deps.PingTimeout)
	defer cancel()
	return p.Ping(ctx)
}

func (h *handlers) stats(c *gin.Context) {
	if h.deps.Processor == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "processor stats unavailable"})
		return
	}
	c.JSON(http.StatusOK, h.deps.Processor.Stats())
}

func (h *handlers) breakers(c *gin.Context) {
	out := make([]breaker.Snapshot, 0, len(h.deps.Breakers))
	for _, b := range h.deps.Breakers {
		out = append(out, b.Snapshot())
	}
	c.JSON(http.StatusOK, gin.H{"breakers": out})
}

type envelopeView struct {
	EventID        string    `json:"event_id"`
	VehicleID      string    `json:"vehicle_id"`
	Attempt        int       `json:"attempt"`
	NextEligibleAt time.Time `json:"next_eligible_at"`
	FirstFailedAt  time.Time `json:"first_failed_at"`
	LastReason     string    `json:"last_reason"`
	LastError      string    `json:"last_error"`
}

func (h *handlers) retry(c *gin.Context) {
	if h.deps.Retry == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "retry router unavailable"})
		return
	}
	resp := gin.H{"stats": h.deps.Retry.Stats()}

	if raw := c.Query("peek"); raw != "" {
		n, ok := parseLimit(c, "peek", raw)
		if !ok {
			return
		}
		envs := h.deps.Retry.Peek(n)
		views := make([]envelopeView, 0, len(envs))
		for _, env := range envs {
			views = append(views, envelopeView{
				EventID:        env.Event.ID,
				VehicleID:      env.Event.VehicleID,
				Attempt:        env.Attempt,
				NextEligibleAt: env.NextEligibleAt,
				FirstFailedAt:  env.FirstFailedAt,
				LastReason:     env.LastReason,
				LastError:      env.LastError,
			})
		}
		resp["envelopes"] = views
	}
	c.JSON(http.StatusOK, resp)
}

func (h *handlers) deadLetters(c *gin.Context) {
	if h.deps.DeadLetters == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "dead-letter sink is not listable"})
		return
	}

	limit := defaultListLimit
	if raw := c.Query("limit"); raw != "" {
		n, ok := parseLimit(c, "limit", raw)
		if !ok {
			return
		}
		limit = n
	}

	ctx := c.Request.Context()
	total, err := h.deps.DeadLetters.Len(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "dead-letter count failed"})
		return
	}
	records, err := h.deps.DeadLetters.List(ctx, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "dead-letter list failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"total": total, "records": records})
}

// parseLimit parses a positive list size capped at maxListLimit, writing a
// 400 response when raw is invalid.
func parseLimit(c *gin.Context, name, raw string) (int, bool) {
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": name + " must be a positive integer"})
		return 0, false
	}
	return min(n, maxListLimit), true
}
