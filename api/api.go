// Package api is the HTTP adapter of the scheduler: job submission,
// status, cancellation and the streaming COPY endpoints.
package api

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/xraph/sqlbatch"
	"github.com/xraph/sqlbatch/id"
	"github.com/xraph/sqlbatch/job"
	"github.com/xraph/sqlbatch/pg"
	"github.com/xraph/sqlbatch/streamcopy"
)

// Engine is what the handlers need from the scheduler. *engine.Engine
// implements it.
type Engine interface {
	Submit(ctx context.Context, spec job.Spec) (*job.Job, error)
	Get(ctx context.Context, jobID id.JobID) (*job.Job, error)
	Cancel(ctx context.Context, jobID id.JobID) (*job.Job, error)
	Copy(ctx context.Context, params job.DBParams, b streamcopy.Bridge) (streamcopy.Result, error)
	Ping(ctx context.Context) error
}

// API wires the HTTP handlers to an Engine.
type API struct {
	eng      Engine
	resolver Resolver
	logger   *slog.Logger

	// baseCtx outlives single requests; streamed responses run on it
	// after the handler has returned.
	baseCtx context.Context
}

// Option configures an API.
type Option func(*API)

// WithResolver sets how a request is mapped to its tenant database.
func WithResolver(r Resolver) Option {
	return func(a *API) { a.resolver = r }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *API) { a.logger = l }
}

// WithBaseContext sets the context streamed responses run on. Cancelling
// it interrupts copies still in flight.
func WithBaseContext(ctx context.Context) Option {
	return func(a *API) { a.baseCtx = ctx }
}

// New creates an API.
func New(eng Engine, opts ...Option) *API {
	a := &API{
		eng:      eng,
		resolver: HeaderResolver,
		logger:   slog.Default(),
		baseCtx:  context.Background(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// App returns a fiber application serving every route.
func (a *API) App() *fiber.App {
	app := fiber.New(fiber.Config{
		ErrorHandler:          errorHandler,
		StreamRequestBody:     true,
		DisableStartupMessage: true,
		ReadTimeout:           time.Minute,
	})
	a.RegisterRoutes(app)
	return app
}

// RegisterRoutes registers the API routes on router.
func (a *API) RegisterRoutes(router fiber.Router) {
	router.Get("/health", a.health)

	sql := router.Group("/api/v2/sql")
	sql.Post("/job", a.submitJob)
	sql.Get("/job/:id", a.getJob)
	sql.Delete("/job/:id", a.cancelJob)
	sql.Get("/copyto", a.copyTo)
	sql.Post("/copyfrom", a.copyFrom)
}

func (a *API) health(c *fiber.Ctx) error {
	if err := a.eng.Ping(c.UserContext()); err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"status": "unhealthy",
			"error":  err.Error(),
		})
	}
	return c.JSON(fiber.Map{"status": "healthy"})
}

// errorHandler maps sentinel errors to status codes and renders
// {"error": "..."}.
func errorHandler(c *fiber.Ctx, err error) error {
	return c.Status(statusOf(err)).JSON(fiber.Map{"error": err.Error()})
}

func statusOf(err error) int {
	var fe *fiber.Error
	switch {
	case errors.As(err, &fe):
		return fe.Code
	case errors.Is(err, sqlbatch.ErrJobNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, sqlbatch.ErrNoQueries),
		errors.Is(err, sqlbatch.ErrInvalidQuery),
		errors.Is(err, sqlbatch.ErrNoHost):
		return fiber.StatusBadRequest
	case errors.Is(err, sqlbatch.ErrInvalidTransition):
		return fiber.StatusConflict
	case pg.IsServerError(err), errors.Is(err, sqlbatch.ErrClientDisconnected):
		return fiber.StatusBadRequest
	case errors.Is(err, sqlbatch.ErrConnectionFailure),
		errors.Is(err, sqlbatch.ErrCancelDeliveryFailure):
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}
