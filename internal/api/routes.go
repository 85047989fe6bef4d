package api

import (
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/websocket/v2"

	"github.com/ahrdadan/wkit/internal/metrics"
	"github.com/ahrdadan/wkit/internal/security"
)

// RouteConfig holds configuration for routes
type RouteConfig struct {
	RateLimitRequests int           // requests per window
	RateLimitWindow   time.Duration // time window
	IdempotencyTTL    time.Duration // TTL for idempotency keys
	BaseURL           string        // Base URL for full URLs in responses
	MaxJobTimeout     time.Duration // Upper bound for job timeouts
	MaxRetries        int           // Upper bound for job retries
	APIKeys           []string      // Accepted API keys; empty disables the check
	AllowedIPs        []string      // Allowed addresses or CIDRs; empty allows all
	MaxBodyBytes      int           // Largest accepted JSON body
}

// DefaultRouteConfig returns default route configuration
func DefaultRouteConfig() RouteConfig {
	return RouteConfig{
		RateLimitRequests: 100,
		RateLimitWindow:   time.Minute,
		IdempotencyTTL:    24 * time.Hour,
		BaseURL:           "http://localhost:8000",
		MaxJobTimeout:     5 * time.Minute,
		MaxRetries:        5,
		MaxBodyBytes:      security.DefaultMaxBodyBytes,
	}
}

// Router owns the security stores shared by the route groups.
type Router struct {
	app              *fiber.App
	config           RouteConfig
	rateLimiter      *security.RateLimiter
	idempotencyStore *security.IdempotencyStore
	guard            *security.Middleware
}

// NewRouter creates the security stores for app.
func NewRouter(app *fiber.App, config RouteConfig) (*Router, error) {
	rateLimiter := security.NewRateLimiter(security.RateLimitConfig{
		RequestsPerWindow: config.RateLimitRequests,
		WindowDuration:    config.RateLimitWindow,
		BurstMax:          20,
	})
	guard, err := security.NewMiddleware(rateLimiter, security.Config{
		APIKeys:      config.APIKeys,
		AllowedIPs:   config.AllowedIPs,
		MaxBodyBytes: config.MaxBodyBytes,
	})
	if err != nil {
		rateLimiter.Stop()
		return nil, fmt.Errorf("invalid allowed ip: %w", err)
	}

	return &Router{
		app:              app,
		config:           config,
		rateLimiter:      rateLimiter,
		idempotencyStore: security.NewIdempotencyStore(config.IdempotencyTTL),
		guard:            guard,
	}, nil
}

// Close stops the background sweepers of the security stores.
func (r *Router) Close() {
	r.rateLimiter.Stop()
	r.idempotencyStore.Stop()
}

// SetupRoutes configures the health check and the navigation routes. It also
// installs the security headers for every /wkit route.
func (r *Router) SetupRoutes(handler *Handler) {
	// Health check (no rate limit)
	r.app.Get("/health", handler.HealthCheck)

	wkit := r.app.Group("/wkit")
	wkit.Use(security.Headers(), r.guard.AllowIPs(), r.guard.RequireAPIKey())

	wkit.Get("/engine/status", handler.EngineStatus)
	wkit.Get("/response", handler.GetResponse)
	wkit.Get("/cookies", handler.Cookies)
	wkit.Get("/stats", handler.Stats)

	rateLimit := r.guard.RateLimit()
	validate := r.guard.ValidateJSON()
	wkit.Post("/request", rateLimit, validate, handler.Navigate)
	wkit.Post("/response/assert", rateLimit, handler.AssertOK)
	wkit.Post("/query", rateLimit, validate, handler.Query)
}

// SetupJobRoutes configures job queue routes
func (r *Router) SetupJobRoutes(queueManager JobQueue) {
	jobHandler := NewJobHandler(queueManager, r.idempotencyStore, r.config)

	jobsGroup := r.app.Group("/wkit/jobs")
	jobsGroup.Use(r.guard.RateLimit())

	jobsGroup.Post("", r.guard.ValidateJSON(), jobHandler.CreateJob)
	jobsGroup.Get("/:job_id", jobHandler.GetJobStatus)
	jobsGroup.Get("/:job_id/result", jobHandler.GetJobResult)
	jobsGroup.Post("/:job_id/cancel", jobHandler.CancelJob)
	jobsGroup.Get("/:job_id/events", jobHandler.StreamEvents)

	// WebSocket endpoint for job events
	r.app.Use("/wkit/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	r.app.Get("/wkit/ws", websocket.New(jobHandler.HandleWebSocket))
}

// SetupMetricsRoute exposes m on /metrics.
func SetupMetricsRoute(app *fiber.App, m *metrics.Metrics) {
	app.Get("/metrics", adaptor.HTTPHandler(m.Handler()))
}

// MetricsMiddleware counts requests per route and status code.
func MetricsMiddleware(m *metrics.Metrics) fiber.Handler {
	return func(c *fiber.Ctx) error {
		err := c.Next()

		code := c.Response().StatusCode()
		if err != nil {
			code = fiber.StatusInternalServerError
			var fe *fiber.Error
			if errors.As(err, &fe) {
				code = fe.Code
			}
		}
		m.ObserveRequest(c.Route().Path, code)
		return err
	}
}
