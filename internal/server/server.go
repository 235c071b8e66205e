// Package server exposes the engine over HTTP with fiber
package server

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/sicko7947/stepflow"
	"github.com/sicko7947/stepflow/engine"
	"github.com/sicko7947/stepflow/internal/metrics"
)

// Gate decides whether the caller may open an instance of typ. A returned
// error is mapped like any other handler error.
type Gate func(c fiber.Ctx, typ stepflow.WorkflowType) error

// Server holds the fiber app and its dependencies
type Server struct {
	app      *fiber.App
	engine   *engine.Engine
	outcomes stepflow.OutcomeStore
	logger   zerolog.Logger

	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
	gates    map[stepflow.WorkflowType]Gate

	bodyLimit int
	runWait   time.Duration
}

// Option configures the server
type Option func(*Server)

// WithLogger sets the request logger
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithMetrics counts requests on m and serves gatherer on /metrics
func WithMetrics(m *metrics.Metrics, gatherer prometheus.Gatherer) Option {
	return func(s *Server) {
		s.metrics = m
		s.gatherer = gatherer
	}
}

// WithGate guards instance creation for one workflow type
func WithGate(typ stepflow.WorkflowType, gate Gate) Option {
	return func(s *Server) {
		s.gates[typ] = gate
	}
}

// WithBodyLimit caps request bodies
func WithBodyLimit(n int) Option {
	return func(s *Server) {
		s.bodyLimit = n
	}
}

// WithRunWait bounds how long ?wait=true holds a run request open
func WithRunWait(d time.Duration) Option {
	return func(s *Server) {
		s.runWait = d
	}
}

// New creates the server and registers all routes
func New(eng *engine.Engine, outcomes stepflow.OutcomeStore, opts ...Option) *Server {
	s := &Server{
		engine:    eng,
		outcomes:  outcomes,
		logger:    zerolog.Nop(),
		gates:     make(map[stepflow.WorkflowType]Gate),
		bodyLimit: 64 * 1024 * 1024,
		runWait:   time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.app = fiber.New(fiber.Config{
		AppName:   "safeverify",
		BodyLimit: s.bodyLimit,
	})
	if s.metrics != nil {
		s.app.Use(s.countRequests)
	}
	s.registerRoutes()
	return s
}

// App returns the fiber app, used by tests through App().Test
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen serves until Shutdown
func (s *Server) Listen(addr string) error {
	s.logger.Info().Str("address", addr).Msg("Starting HTTP server")
	return s.app.Listen(addr, fiber.ListenConfig{DisableStartupMessage: true})
}

// Shutdown stops accepting requests and waits for in-flight ones
func (s *Server) Shutdown(timeout time.Duration) error {
	return s.app.ShutdownWithTimeout(timeout)
}

func (s *Server) registerRoutes() {
	s.app.Get("/health", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":    "healthy",
			"service":   "safeverify",
			"workflows": s.engine.Registry().Types(),
			"instances": s.engine.Len(),
		})
	})

	if s.gatherer != nil {
		s.app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}

	v1 := s.app.Group("/api/v1")

	workflows := v1.Group("/workflows")
	workflows.Get("/", s.handleListWorkflows)
	workflows.Get("/:type", s.handleGetWorkflow)
	workflows.Post("/:type", s.handleOpen)

	instances := v1.Group("/instances")
	instances.Get("/:id", s.handleSnapshot)
	instances.Delete("/:id", s.handleAbandon)
	instances.Put("/:id/fields", s.handleSetFields)
	instances.Post("/:id/next", s.handleMove(stepflow.DirectionNext))
	instances.Post("/:id/previous", s.handleMove(stepflow.DirectionPrevious))
	instances.Post("/:id/jump/:step", s.handleMove(stepflow.DirectionJump))
	instances.Post("/:id/reset", s.handleReset)
	instances.Post("/:id/steps/:step/run", s.handleStartRun)
	instances.Get("/:id/runs/:runId", s.handleGetRun)
	instances.Post("/:id/attachments", s.handleAttach)
	instances.Delete("/:id/attachments/:attachmentId", s.handleDetach)
	instances.Post("/:id/submit", s.handleSubmit)

	outcomes := v1.Group("/outcomes")
	outcomes.Get("/", s.handleListOutcomes)
	outcomes.Get("/:ref", s.handleGetOutcome)
	outcomes.Patch("/:ref/status", s.handleUpdateOutcomeStatus)
}

func (s *Server) countRequests(c fiber.Ctx) error {
	err := c.Next()

	code := c.Response().StatusCode()
	if err != nil {
		if fe, ok := err.(*fiber.Error); ok {
			code = fe.Code
		}
	}
	route := c.Route().Path
	s.metrics.HTTPRequests.WithLabelValues(c.Method(), route, strconv.Itoa(code)).Inc()
	s.metrics.LiveInstances.Set(float64(s.engine.Len()))
	return err
}
