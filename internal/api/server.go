// Package api exposes the sync entry points over HTTP: the database webhook,
// manual and bulk sync, and the probe endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/tasksync/internal/config"
	"github.com/p-blackswan/tasksync/internal/dictionary"
	"github.com/p-blackswan/tasksync/internal/health"
	"github.com/p-blackswan/tasksync/internal/metrics"
	"github.com/p-blackswan/tasksync/internal/requestid"
	"github.com/p-blackswan/tasksync/internal/store"
	"github.com/p-blackswan/tasksync/internal/tasksync"
)

// ServiceName is reported by GET /health.
const ServiceName = "sync-service"

// ServerConfig holds configuration for the API server.
type ServerConfig struct {
	ListenAddr string
	Auth       AuthConfig
	RateLimit  RateLimitConfig
	Backend    config.BackendConfig
}

// Syncer runs sync operations.
type Syncer interface {
	HandleEvent(ctx context.Context, ev tasksync.Event) (tasksync.Result, error)
	SyncByID(ctx context.Context, id string) (tasksync.Result, error)
	SyncBulk(ctx context.Context, limit int) (tasksync.BulkResult, error)
}

// Dictionaries reports the dictionary barrier state.
type Dictionaries interface {
	Ready() bool
	Origins() map[dictionary.Kind]dictionary.Origin
}

// EventLister reads the per-task sync log.
type EventLister interface {
	ListSyncEvents(ctx context.Context, taskID string, limit int) ([]*store.SyncEvent, error)
}

// Deps are the collaborators the server routes to. Events and Metrics are
// optional.
type Deps struct {
	Syncer       Syncer
	Dictionaries Dictionaries
	Checker      *health.Checker
	Events       EventLister
	Metrics      *metrics.Metrics
}

// Server is the sync API Fiber application.
type Server struct {
	app    *fiber.App
	ctx    context.Context
	logger zerolog.Logger
	config ServerConfig
}

// NewServer creates and configures the API server. Every request context
// derives from ctx, so cancelling it abandons in-flight syncs. ctx also bounds
// the rate limiter's housekeeping.
func NewServer(ctx context.Context, cfg ServerConfig, deps Deps, logger zerolog.Logger) *Server {
	logger = logger.With().Str("component", "api").Logger()

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          customErrorHandler(logger),
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
		ReadBufferSize:        8192,
		WriteBufferSize:       8192,
	})

	s := &Server{
		app:    app,
		ctx:    ctx,
		logger: logger,
		config: cfg,
	}

	s.setupMiddleware(ctx, cfg, deps.Metrics)
	s.setupRoutes(cfg, deps)

	return s
}

func (s *Server) setupMiddleware(ctx context.Context, cfg ServerConfig, m *metrics.Metrics) {
	s.app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	// Request ID: honour the caller's, otherwise mint one.
	s.app.Use(func(c *fiber.Ctx) error {
		reqID := c.Get(requestid.Header)
		if reqID == "" {
			_, reqID = requestid.New(s.ctx)
		}
		c.SetUserContext(requestid.WithRequestID(s.ctx, reqID))
		c.Set(requestid.Header, reqID)
		c.Locals("request_id", reqID)
		return c.Next()
	})

	if m != nil {
		s.app.Use(func(c *fiber.Ctx) error {
			err := c.Next()
			code := c.Response().StatusCode()
			var fe *fiber.Error
			if errors.As(err, &fe) {
				code = fe.Code
			} else if err != nil {
				code = fiber.StatusInternalServerError
			}
			m.RecordHTTP(c.Route().Path, code)
			return err
		})
	}

	if cfg.RateLimit.RPS > 0 {
		s.app.Use(NewRateLimitMiddleware(ctx, cfg.RateLimit))
	}

	s.app.Use(NewAuthMiddleware(cfg.Auth, s.logger))

	s.app.Use(func(c *fiber.Ctx) error {
		path := c.Path()
		if isProbe(path) {
			return c.Next()
		}
		s.logger.Info().
			Str("method", c.Method()).
			Str("path", path).
			Str("ip", c.IP()).
			Interface("request_id", c.Locals("request_id")).
			Msg("api request")
		return c.Next()
	})
}

func (s *Server) setupRoutes(cfg ServerConfig, deps Deps) {
	h := &handlers{
		syncer:  deps.Syncer,
		dicts:   deps.Dictionaries,
		checker: deps.Checker,
		events:  deps.Events,
		backend: cfg.Backend,
		logger:  s.logger,
	}

	s.app.Get("/healthz", h.liveness)
	s.app.Get("/readyz", h.readiness)
	s.app.Get("/health", h.healthDetail)

	if deps.Metrics != nil {
		s.app.Get("/metrics", adaptor.HTTPHandler(deps.Metrics.Handler()))
	} else {
		s.app.Get("/metrics", func(c *fiber.Ctx) error {
			return c.SendString("# No metrics collector configured\n")
		})
	}

	// Sync entry points wait for the dictionary barrier.
	gate := h.requireReady

	s.app.Post("/webhook/task", gate, h.webhook)

	sr := s.app.Group("/sync", gate)
	sr.Post("/task/:id", h.syncTask)
	sr.Get("/task/:id/events", h.taskEvents)
	sr.Post("/bulk", h.syncBulk)
}

// Start starts the server. Blocks until stopped.
func (s *Server) Start() error {
	addr := s.config.ListenAddr
	if addr == "" {
		addr = ":3002"
	}
	s.logger.Info().Str("addr", addr).Msg("api server starting")
	return s.app.Listen(addr)
}

// Shutdown gracefully shuts down the server, waiting at most timeout for
// in-flight requests.
func (s *Server) Shutdown(timeout time.Duration) error {
	s.logger.Info().Msg("api server shutting down")
	return s.app.ShutdownWithTimeout(timeout)
}

// App returns the underlying Fiber app (useful for testing).
func (s *Server) App() *fiber.App {
	return s.app
}

func isProbe(path string) bool {
	switch path {
	case "/healthz", "/readyz", "/health", "/metrics":
		return true
	}
	return false
}

func customErrorHandler(logger zerolog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		var fe *fiber.Error
		if errors.As(err, &fe) {
			code = fe.Code
		}

		logger.Error().
			Err(err).
			Int("status", code).
			Str("path", c.Path()).
			Str("method", c.Method()).
			Msg("unhandled error")

		detail := err.Error()
		if code == fiber.StatusInternalServerError {
			detail = "An internal error occurred"
		}
		return errorResponse(c, code, detail)
	}
}
