package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/ahrdadan/wkit/internal/correlate"
	"github.com/ahrdadan/wkit/internal/document"
	"github.com/ahrdadan/wkit/internal/engine"
	"github.com/ahrdadan/wkit/internal/navigation"
	"github.com/ahrdadan/wkit/internal/session"
)

// Navigator is the navigation surface the handlers drive. *navigation.Controller
// implements it.
type Navigator interface {
	Request(ctx context.Context, url string, opts navigation.Options) (*navigation.Result, error)
	GetResponse(ctx context.Context) (*navigation.Result, error)
	AssertOK(ctx context.Context) error
	Cookies(ctx context.Context) (map[string]string, error)
	ContentTypes() map[string]int
	Exchanges() []*engine.Exchange
	State() navigation.State
	Defaults() session.Defaults
}

// EngineInfo describes the browser behind the navigator.
type EngineInfo struct {
	Name     string `json:"name"`
	Endpoint string `json:"endpoint,omitempty"`
	Headless bool   `json:"headless"`
	Stealth  bool   `json:"stealth"`
}

// Handler handles API requests
type Handler struct {
	nav    Navigator
	info   EngineInfo
	logger *zap.Logger
}

// NewHandler creates a new handler
func NewHandler(nav Navigator, info EngineInfo, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		nav:    nav,
		info:   info,
		logger: logger,
	}
}

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// ErrorHandler is the custom error handler for Fiber
func ErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
	}

	return c.Status(code).JSON(Response{
		Success: false,
		Error:   err.Error(),
	})
}

// navigationError maps navigation failures onto HTTP errors.
func navigationError(err error) error {
	switch {
	case errors.Is(err, navigation.ErrInvalidURL):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, navigation.ErrTimeout):
		return fiber.NewError(fiber.StatusGatewayTimeout, err.Error())
	case errors.Is(err, correlate.ErrNoMatch):
		return fiber.NewError(fiber.StatusBadGateway, err.Error())
	case errors.Is(err, navigation.ErrHTTPStatus):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	case errors.Is(err, navigation.ErrNoNavigation):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, navigation.ErrNavigationPending):
		return fiber.NewError(fiber.StatusAccepted, err.Error())
	case errors.Is(err, document.ErrElementNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, document.ErrEmptyQuery):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, context.Canceled):
		return fiber.NewError(fiber.StatusRequestTimeout, err.Error())
	default:
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}
}

// HealthCheck returns health status
func (h *Handler) HealthCheck(c *fiber.Ctx) error {
	return c.JSON(Response{
		Success: true,
		Data: map[string]interface{}{
			"status":    "ok",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		},
	})
}

// EngineStatus returns the engine description and the navigation state
// GET /wkit/engine/status
func (h *Handler) EngineStatus(c *fiber.Ctx) error {
	d := h.nav.Defaults()
	return c.JSON(Response{
		Success: true,
		Data: map[string]interface{}{
			"engine": h.info,
			"state":  h.nav.State().String(),
			"defaults": map[string]interface{}{
				"user_agent":     d.UserAgent,
				"proxy":          d.Proxy,
				"inject_cookies": d.InjectCookies,
			},
		},
	})
}

// NavigateRequest is the body of POST /wkit/request.
type NavigateRequest struct {
	URL       string            `json:"url"`
	UserAgent string            `json:"user_agent,omitempty"`
	Cookies   map[string]string `json:"cookies,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Referer   string            `json:"referer,omitempty"`
	Method    string            `json:"method,omitempty"`
	Body      string            `json:"body,omitempty"`
	Proxy     string            `json:"proxy,omitempty"`
	Timeout   float64           `json:"timeout,omitempty"` // seconds
	Wait      *bool             `json:"wait,omitempty"`
}

// Options converts the body into navigation options.
func (r NavigateRequest) Options() navigation.Options {
	opts := navigation.DefaultOptions()
	opts.UserAgent = r.UserAgent
	opts.Cookies = r.Cookies
	opts.Headers = r.Headers
	opts.Referer = r.Referer
	opts.Proxy = r.Proxy
	if r.Method != "" {
		opts.Method = r.Method
	}
	if r.Body != "" {
		opts.Body = []byte(r.Body)
	}
	if r.Timeout > 0 {
		opts.Timeout = time.Duration(r.Timeout * float64(time.Second))
	}
	if r.Wait != nil {
		opts.Wait = *r.Wait
	}
	return opts
}

// Navigate issues a navigation and returns its correlated response
// POST /wkit/request
func (h *Handler) Navigate(c *fiber.Ctx) error {
	var req NavigateRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid request body")
	}

	if req.URL == "" {
		return fiber.NewError(fiber.StatusBadRequest, "URL is required")
	}

	opts := req.Options()
	res, err := h.nav.Request(c.UserContext(), req.URL, opts)
	if err != nil {
		h.logger.Info("navigation failed", zap.String("url", req.URL), zap.Error(err))
		return navigationError(err)
	}

	if res == nil {
		return c.Status(fiber.StatusAccepted).JSON(Response{
			Success: true,
			Data: map[string]interface{}{
				"url":   req.URL,
				"state": h.nav.State().String(),
			},
		})
	}

	return c.JSON(Response{
		Success: true,
		Data:    res.View(),
	})
}

// GetResponse returns the response of the last navigation
// GET /wkit/response
func (h *Handler) GetResponse(c *fiber.Ctx) error {
	res, err := h.nav.GetResponse(c.UserContext())
	if err != nil {
		return navigationError(err)
	}

	return c.JSON(Response{
		Success: true,
		Data:    res.View(),
	})
}

// AssertOK fails with 409 unless the last response status is exactly 200
// POST /wkit/response/assert
func (h *Handler) AssertOK(c *fiber.Ctx) error {
	if err := h.nav.AssertOK(c.UserContext()); err != nil {
		return navigationError(err)
	}

	return c.JSON(Response{
		Success: true,
		Data: map[string]interface{}{
			"status": http.StatusOK,
		},
	})
}

// Cookies returns the whole cookie jar
// GET /wkit/cookies
func (h *Handler) Cookies(c *fiber.Ctx) error {
	cookies, err := h.nav.Cookies(c.UserContext())
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}

	return c.JSON(Response{
		Success: true,
		Data:    cookies,
	})
}

// ExchangeView is the JSON form of a recorded exchange, without its body.
type ExchangeView struct {
	URL         string `json:"url"`
	Status      int    `json:"status"`
	ContentType string `json:"content_type,omitempty"`
	Size        int    `json:"size"`
}

// Stats returns the content-type histogram and the exchange log of the
// current navigation
// GET /wkit/stats
func (h *Handler) Stats(c *fiber.Ctx) error {
	all := h.nav.Exchanges()
	exchanges := make([]ExchangeView, 0, len(all))
	for _, ex := range all {
		exchanges = append(exchanges, ExchangeView{
			URL:         ex.URL,
			Status:      ex.Status,
			ContentType: ex.ContentType(),
			Size:        len(ex.Body),
		})
	}

	return c.JSON(Response{
		Success: true,
		Data: map[string]interface{}{
			"state":         h.nav.State().String(),
			"content_types": h.nav.ContentTypes(),
			"exchanges":     exchanges,
		},
	})
}

// QueryRequest is the body of POST /wkit/query.
type QueryRequest struct {
	document.Query
	Rendered bool `json:"rendered,omitempty"`
}

// Query selects elements from the last response
// POST /wkit/query
func (h *Handler) Query(c *fiber.Ctx) error {
	var req QueryRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid request body")
	}

	ctx := c.UserContext()
	res, err := h.nav.GetResponse(ctx)
	if err != nil {
		return navigationError(err)
	}

	var doc *document.Document
	if req.Rendered {
		doc, err = res.Rendered(ctx)
	} else {
		doc, err = res.Document()
	}
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}

	elements, err := doc.Select(req.Query)
	if err != nil {
		return navigationError(err)
	}

	return c.JSON(Response{
		Success: true,
		Data: map[string]interface{}{
			"query":    req.Query.String(),
			"title":    doc.Title(),
			"elements": document.Views(elements),
		},
	})
}
