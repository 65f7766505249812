package api

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/tasksync/internal/config"
	perrors "github.com/p-blackswan/tasksync/internal/errors"
	"github.com/p-blackswan/tasksync/internal/health"
	"github.com/p-blackswan/tasksync/internal/retry"
	"github.com/p-blackswan/tasksync/internal/store"
	"github.com/p-blackswan/tasksync/internal/tasksync"
)

const defaultEventsLimit = 20

type handlers struct {
	syncer  Syncer
	dicts   Dictionaries
	checker *health.Checker
	events  EventLister
	backend config.BackendConfig
	logger  zerolog.Logger
}

// liveness handles GET /healthz.
func (h *handlers) liveness(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

// readiness handles GET /readyz.
func (h *handlers) readiness(c *fiber.Ctx) error {
	report := h.evaluate(c.UserContext())
	if !report.Ready {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"status": "not_ready",
			"checks": report.Checks,
		})
	}
	return c.JSON(fiber.Map{"status": "ready", "checks": report.Checks})
}

// healthDetail handles GET /health.
func (h *handlers) healthDetail(c *fiber.Ctx) error {
	report := h.evaluate(c.UserContext())

	status := health.StatusOK
	for _, s := range report.Checks {
		if s == health.StatusDegraded {
			status = health.StatusDegraded
		}
	}
	code := fiber.StatusOK
	if !report.Ready {
		status = health.StatusDown
		code = fiber.StatusServiceUnavailable
	}

	dicts := fiber.Map{}
	if h.dicts != nil {
		for kind, origin := range h.dicts.Origins() {
			dicts[string(kind)] = origin
		}
	}

	return c.Status(code).JSON(fiber.Map{
		"status":       status,
		"service":      ServiceName,
		"backend":      h.backend.Kind,
		"url":          h.backend.URL,
		"dictionaries": dicts,
		"checks":       report.Checks,
	})
}

func (h *handlers) evaluate(ctx context.Context) health.Report {
	if h.checker == nil {
		ready := h.dicts == nil || h.dicts.Ready()
		return health.Report{Ready: ready, Checks: map[string]health.Status{}, CheckedAt: time.Now()}
	}
	return h.checker.Evaluate(ctx)
}

// requireReady rejects sync traffic until the dictionaries are loaded.
func (h *handlers) requireReady(c *fiber.Ctx) error {
	if h.dicts != nil && !h.dicts.Ready() {
		return errorResponse(c, fiber.StatusServiceUnavailable, "service is starting, dictionaries not loaded")
	}
	return c.Next()
}

// webhook handles POST /webhook/task.
func (h *handlers) webhook(c *fiber.Ctx) error {
	var ev tasksync.Event
	if err := json.Unmarshal(c.Body(), &ev); err != nil {
		return errorResponse(c, fiber.StatusBadRequest, "invalid JSON body")
	}

	res, err := h.syncer.HandleEvent(c.UserContext(), ev)
	if err != nil {
		return h.failure(c, res, err)
	}
	return c.JSON(fiber.Map{"success": true, "result": res})
}

// syncTask handles POST /sync/task/:id.
func (h *handlers) syncTask(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))
	if id == "" {
		return errorResponse(c, fiber.StatusBadRequest, "task id is required")
	}

	res, err := h.syncer.SyncByID(c.UserContext(), id)
	if err != nil {
		return h.failure(c, res, err)
	}
	return c.JSON(fiber.Map{"success": true, "result": res})
}

// syncBulk handles POST /sync/bulk?limit=N.
func (h *handlers) syncBulk(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 0)
	if limit < 0 {
		return errorResponse(c, fiber.StatusBadRequest, "limit must be a positive integer")
	}

	res, err := h.syncer.SyncBulk(c.UserContext(), limit)
	if err != nil {
		h.logger.Error().Err(err).Msg("bulk sync failed")
		return c.Status(statusFor(err)).JSON(fiber.Map{
			"success": res.Success,
			"failed":  res.Failed,
			"errors":  res.Errors,
			"error":   err.Error(),
		})
	}
	return c.JSON(res)
}

type eventView struct {
	Op            string           `json:"op"`
	Status        store.SyncStatus `json:"status"`
	UpstreamID    string           `json:"upstreamId,omitempty"`
	Error         string           `json:"error,omitempty"`
	CorrelationID string           `json:"correlationId,omitempty"`
	DurationMs    int64            `json:"durationMs"`
	CreatedAt     time.Time        `json:"createdAt"`
}

// taskEvents handles GET /sync/task/:id/events.
func (h *handlers) taskEvents(c *fiber.Ctx) error {
	if h.events == nil {
		return errorResponse(c, fiber.StatusNotFound, "sync log is not available")
	}
	limit := c.QueryInt("limit", defaultEventsLimit)
	if limit <= 0 {
		limit = defaultEventsLimit
	}

	events, err := h.events.ListSyncEvents(c.UserContext(), c.Params("id"), limit)
	if err != nil {
		return err
	}
	out := make([]eventView, 0, len(events))
	for _, e := range events {
		out = append(out, eventView{
			Op:            e.Op,
			Status:        e.Status,
			UpstreamID:    e.UpstreamID,
			Error:         e.Error,
			CorrelationID: e.CorrelationID,
			DurationMs:    e.Duration.Milliseconds(),
			CreatedAt:     e.CreatedAt,
		})
	}
	return c.JSON(fiber.Map{"events": out})
}

func (h *handlers) failure(c *fiber.Ctx, res tasksync.Result, err error) error {
	code := statusFor(err)
	msg := err.Error()
	if code == fiber.StatusInternalServerError {
		msg = "An internal error occurred"
		if errors.Is(err, tasksync.ErrWriteBack) {
			msg = "sync result could not be recorded"
		}
	}

	h.logger.Warn().
		Err(err).
		Int("status", code).
		Str("task_id", res.TaskID).
		Msg("sync request failed")

	body := fiber.Map{"success": false, "error": msg}
	if res.TaskID != "" {
		body["result"] = res
	}
	return c.Status(code).JSON(body)
}

// statusFor maps a sync error to the HTTP status returned to the caller.
//
// Exhausted retries are a bad gateway. Upstream rejections keep their status
// when it is meaningful to the caller (400, 404, 409, 422); upstream auth and
// other 4xx become 422. A failed write-back with an otherwise successful sync
// is a 500.
func statusFor(err error) int {
	var exhausted *retry.ExhaustedError
	var apiErr *perrors.APIError
	switch {
	case errors.As(err, &exhausted):
		return fiber.StatusBadGateway
	case errors.As(err, &apiErr):
		switch apiErr.StatusCode {
		case fiber.StatusBadRequest, fiber.StatusNotFound, fiber.StatusConflict, fiber.StatusUnprocessableEntity:
			return apiErr.StatusCode
		}
		if apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 {
			return fiber.StatusUnprocessableEntity
		}
		return fiber.StatusBadGateway
	case errors.Is(err, tasksync.ErrWriteBack):
		return fiber.StatusInternalServerError
	case errors.Is(err, perrors.ErrInvalidInput):
		return fiber.StatusBadRequest
	case errors.Is(err, perrors.ErrNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return fiber.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return fiber.StatusServiceUnavailable
	}
	return fiber.StatusInternalServerError
}

// errorResponse returns the {success:false, error} body used for every
// failure.
func errorResponse(c *fiber.Ctx, status int, msg string) error {
	return c.Status(status).JSON(fiber.Map{
		"success": false,
		"error":   msg,
	})
}
