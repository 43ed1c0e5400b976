// Package httpapi exposes the operator API: triggering cycles, inspecting
// products and orders, and managing circuit breakers.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"golang.org/x/crypto/bcrypt"

	"github.com/buildtall-systems/dropship/internal/db"
	"github.com/buildtall-systems/dropship/internal/fulfillment"
	"github.com/buildtall-systems/dropship/internal/metrics"
	"github.com/buildtall-systems/dropship/internal/orchestrator"
	"github.com/buildtall-systems/dropship/internal/resilience"
	"github.com/buildtall-systems/dropship/internal/settlement"
	"github.com/buildtall-systems/dropship/internal/workflow"
)

// Deps are the services the API fronts.
type Deps struct {
	Orchestrator *orchestrator.Orchestrator
	Fulfillment  *fulfillment.Controller
	Workflow     *workflow.Machine
	Breakers     *resilience.Registry
	Metrics      *metrics.Registry
	// Ping reports storage health for /healthz. Nil means always healthy.
	Ping func(ctx context.Context) error
}

// Config tunes the API.
type Config struct {
	// TokenHash is the bcrypt hash of the operator bearer token. Empty
	// disables authentication.
	TokenHash      string
	RequestsPerMin int
	// Parallel is the default batch concurrency.
	Parallel int
	// MaxBatch bounds the size of one batch request.
	MaxBatch int
	Actor    string
	Logger   *slog.Logger
}

// New builds the fiber app with every route registered.
func New(d Deps, cfg Config) *fiber.App {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Parallel < 1 {
		cfg.Parallel = 1
	}
	if cfg.MaxBatch < 1 {
		cfg.MaxBatch = 50
	}
	if cfg.Actor == "" {
		cfg.Actor = "operator"
	}
	s := &server{deps: d, cfg: cfg, logger: cfg.Logger.With("component", "httpapi")}

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          s.handleError,
	})
	app.Server().MaxRequestBodySize = 1 << 20

	app.Use(requestid.New())
	app.Use(s.accessLog)

	app.Get("/healthz", s.health)
	if d.Metrics != nil {
		app.Get("/metrics", adaptor.HTTPHandler(d.Metrics.Handler()))
	}

	api := app.Group("/api/v1", s.requireToken)
	if cfg.RequestsPerMin > 0 {
		api.Use(limiter.New(limiter.Config{
			Max:        cfg.RequestsPerMin,
			Expiration: time.Minute,
			LimitReached: func(c *fiber.Ctx) error {
				s.logger.Warn("rate limit hit", "ip", c.IP(), "path", c.Path())
				return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{"error": "rate limit exceeded, retry soon"})
			},
		}))
	}

	api.Post("/cycles", s.runCycle)
	api.Post("/cycles/batch", s.runBatch)

	api.Get("/breakers", s.listBreakers)
	api.Post("/breakers/:name/reset", s.resetBreaker)

	api.Get("/products/:id", s.getProduct)
	api.Post("/products/:id/stages/:stage/:action", s.stageAction)

	api.Get("/orders/:id", s.getOrder)
	api.Post("/orders/:id/purchase", s.purchase)
	api.Post("/orders/:id/fail", s.failOrder)

	return app
}

type server struct {
	deps   Deps
	cfg    Config
	logger *slog.Logger
}

func (s *server) accessLog(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()
	if err != nil {
		// Render the error here so the logged status is the one sent.
		err = s.handleError(c, err)
	}
	status := c.Response().StatusCode()
	rid, _ := c.Locals(requestid.ConfigDefault.ContextKey).(string)
	s.logger.Info("request",
		"req_id", rid,
		"ip", c.IP(),
		"method", c.Method(),
		"path", c.Path(),
		"status", status,
		"latency_ms", time.Since(start).Milliseconds(),
	)
	return err
}

// requireToken checks "Authorization: Bearer <token>" against the
// configured bcrypt hash.
func (s *server) requireToken(c *fiber.Ctx) error {
	if s.cfg.TokenHash == "" {
		return c.Next()
	}
	token, ok := strings.CutPrefix(c.Get(fiber.HeaderAuthorization), "Bearer ")
	if !ok || token == "" {
		return fiber.NewError(fiber.StatusUnauthorized, "missing bearer token")
	}
	if bcrypt.CompareHashAndPassword([]byte(s.cfg.TokenHash), []byte(token)) != nil {
		s.logger.Warn("access denied", "ip", c.IP(), "path", c.Path())
		return fiber.NewError(fiber.StatusUnauthorized, "invalid token")
	}
	return c.Next()
}

func (s *server) health(c *fiber.Ctx) error {
	if s.deps.Ping != nil {
		ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
		defer cancel()
		if err := s.deps.Ping(ctx); err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"ok": false, "error": err.Error()})
		}
	}
	return c.JSON(fiber.Map{"ok": true})
}

// handleError maps domain errors to HTTP statuses.
func (s *server) handleError(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	switch {
	case errors.As(err, &fe):
		code = fe.Code
	case errors.Is(err, db.ErrProductNotFound), errors.Is(err, db.ErrOrderNotFound):
		code = fiber.StatusNotFound
	case errors.Is(err, workflow.ErrInvalidTransition),
		errors.Is(err, fulfillment.ErrInvalidOrderTransition),
		errors.Is(err, db.ErrConcurrentUpdate):
		code = fiber.StatusConflict
	case errors.Is(err, workflow.ErrUnknownStage), errors.Is(err, settlement.ErrCurrencyMismatch):
		code = fiber.StatusBadRequest
	case resilience.IsCircuitOpen(err):
		code = fiber.StatusServiceUnavailable
	}
	if code >= fiber.StatusInternalServerError {
		s.logger.Error("request failed", "path", c.Path(), "error", err)
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}
