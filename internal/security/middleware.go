package security

import (
	"mime"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
)

// Headers and locals shared with the handlers.
const (
	HeaderAPIKey    = "X-API-Key"
	HeaderRequestID = "X-Request-ID"
	LocalRequestID  = "requestID"
	LocalClientID   = "clientID"
)

// DefaultMaxBodyBytes bounds JSON request bodies.
const DefaultMaxBodyBytes = 10 << 20

// Config selects which guards NewMiddleware installs. Empty lists disable
// the matching guard.
type Config struct {
	APIKeys      []string
	AllowedIPs   []string // addresses or CIDR ranges
	MaxBodyBytes int
}

// Middleware holds the guards of the public routes.
type Middleware struct {
	rateLimiter  *RateLimiter
	keys         *KeySet
	networks     []*net.IPNet
	maxBodyBytes int
}

// NewMiddleware builds the guards. rl may be nil to disable rate limiting.
func NewMiddleware(rl *RateLimiter, cfg Config) (*Middleware, error) {
	m := &Middleware{
		rateLimiter:  rl,
		keys:         NewKeySet(cfg.APIKeys),
		maxBodyBytes: cfg.MaxBodyBytes,
	}
	if m.maxBodyBytes <= 0 {
		m.maxBodyBytes = DefaultMaxBodyBytes
	}
	for _, s := range cfg.AllowedIPs {
		n, err := parseNetwork(s)
		if err != nil {
			return nil, err
		}
		m.networks = append(m.networks, n)
	}
	return m, nil
}

func parseNetwork(s string) (*net.IPNet, error) {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "/") {
		_, n, err := net.ParseCIDR(s)
		return n, err
	}
	ip := net.ParseIP(s)
	if ip == nil {
		return nil, &net.ParseError{Type: "IP address", Text: s}
	}
	bits := 32
	if ip.To4() == nil {
		bits = 128
	}
	return &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}, nil
}

// clientID identifies the caller for rate limiting: the API key when one
// was sent, else the remote address.
func clientID(c *fiber.Ctx) string {
	if id, ok := c.Locals(LocalClientID).(string); ok && id != "" {
		return id
	}
	if key := c.Get(HeaderAPIKey); key != "" {
		return "key:" + HashAPIKey(key)[:16]
	}
	return "ip:" + c.IP()
}

// RateLimit rejects callers over their budget with 429 and reports the
// budget in X-RateLimit-* headers.
func (m *Middleware) RateLimit() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if m.rateLimiter == nil {
			return c.Next()
		}
		id := clientID(c)
		allowed := m.rateLimiter.Allow(id)
		info := m.rateLimiter.GetInfo(id)

		c.Set("X-RateLimit-Limit", strconv.Itoa(info.Limit))
		c.Set("X-RateLimit-Remaining", strconv.Itoa(info.Remaining))
		c.Set("X-RateLimit-Reset", strconv.FormatInt(info.ResetAt.Unix(), 10))
		if !allowed {
			wait := int64(time.Until(info.ResetAt).Seconds()) + 1
			c.Set(fiber.HeaderRetryAfter, strconv.FormatInt(wait, 10))
			return fiber.NewError(fiber.StatusTooManyRequests, "Rate limit exceeded")
		}
		return c.Next()
	}
}

// RequireAPIKey accepts X-API-Key or a bearer token matching a configured
// key. Without configured keys every request passes.
func (m *Middleware) RequireAPIKey() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if m.keys.Len() == 0 {
			return c.Next()
		}
		key := c.Get(HeaderAPIKey)
		if key == "" {
			key = strings.TrimPrefix(c.Get(fiber.HeaderAuthorization), "Bearer ")
		}
		if !m.keys.Contains(key) {
			return fiber.NewError(fiber.StatusUnauthorized, "Invalid or missing API key")
		}
		c.Locals(LocalClientID, "key:"+HashAPIKey(key)[:16])
		return c.Next()
	}
}

// AllowIPs rejects remote addresses outside the configured networks.
func (m *Middleware) AllowIPs() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if len(m.networks) == 0 {
			return c.Next()
		}
		ip := net.ParseIP(c.IP())
		for _, n := range m.networks {
			if ip != nil && n.Contains(ip) {
				return c.Next()
			}
		}
		return fiber.NewError(fiber.StatusForbidden, "Access denied")
	}
}

// ValidateJSON requires write requests to carry JSON bodies within the
// configured size.
func (m *Middleware) ValidateJSON() fiber.Handler {
	return func(c *fiber.Ctx) error {
		switch c.Method() {
		case fiber.MethodPost, fiber.MethodPut, fiber.MethodPatch:
		default:
			return c.Next()
		}
		if ct := c.Get(fiber.HeaderContentType); ct != "" {
			mt, _, err := mime.ParseMediaType(ct)
			if err != nil || mt != fiber.MIMEApplicationJSON {
				return fiber.NewError(fiber.StatusUnsupportedMediaType, "Content-Type must be application/json")
			}
		}
		if len(c.Body()) > m.maxBodyBytes {
			return fiber.ErrRequestEntityTooLarge
		}
		return c.Next()
	}
}

// Headers sets the browser hardening headers and tags the request with an
// X-Request-ID, keeping the caller's when sent.
func Headers() fiber.Handler {
	return func(c *fiber.Ctx) error {
		c.Set(fiber.HeaderXContentTypeOptions, "nosniff")
		c.Set(fiber.HeaderXFrameOptions, "DENY")
		c.Set(fiber.HeaderReferrerPolicy, "no-referrer")
		c.Set(fiber.HeaderContentSecurityPolicy, "default-src 'none'")
		c.Set(fiber.HeaderCacheControl, "no-store")

		id := c.Get(HeaderRequestID)
		if id == "" {
			id = GenerateRequestID()
		}
		c.Set(HeaderRequestID, id)
		c.Locals(LocalRequestID, id)

		return c.Next()
	}
}
