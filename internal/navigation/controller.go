// Package navigation turns the engine's asynchronous navigation into a
// blocking request that returns the exchange answering it.
package navigation

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ahrdadan/wkit/internal/bridge"
	"github.com/ahrdadan/wkit/internal/correlate"
	"github.com/ahrdadan/wkit/internal/engine"
	"github.com/ahrdadan/wkit/internal/netlog"
	"github.com/ahrdadan/wkit/internal/session"
)

// State is the controller's navigation state.
type State int

const (
	Idle State = iota
	AwaitingLoad
	Resolved
	TimedOut
	CorrelationFailed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingLoad:
		return "awaiting_load"
	case Resolved:
		return "resolved"
	case TimedOut:
		return "timed_out"
	case CorrelationFailed:
		return "correlation_failed"
	default:
		return "unknown"
	}
}

// formContentType is forced on every non-GET navigation.
const formContentType = "application/x-www-form-urlencoded"

// Observer is told how every navigation that reached the engine ended.
type Observer interface {
	ObserveNavigation(state State, elapsed time.Duration, exchanges int)
}

// Config configures a Controller.
type Config struct {
	Session      session.Defaults
	PollInterval time.Duration
	Logger       *zap.Logger
	Observer     Observer
}

// Controller runs one navigation at a time against a runtime it owns.
type Controller struct {
	mu sync.Mutex

	rt      *engine.Runtime
	eng     engine.Engine
	session *session.State
	netlog  *netlog.Log
	corr    *correlate.Correlator
	bridge  *bridge.Bridge
	logger  *zap.Logger
	obs     Observer

	state    atomic.Int32
	started  time.Time
	target   string
	timeout  time.Duration
	deadline time.Time
	proxy    string
	result   *Result
	err      error

	loadMu sync.Mutex
	loaded chan struct{}
	fired  bool
	nav    uint64
}

// NewController subscribes to rt and starts its background pumper. The
// controller owns rt from then on.
func NewController(rt *engine.Runtime, cfg Config) *Controller {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	log := netlog.New()
	c := &Controller{
		rt:      rt,
		eng:     rt.Engine(),
		session: session.New(rt.Engine(), cfg.Session),
		netlog:  log,
		corr:    correlate.New(log),
		bridge:  bridge.New(rt, cfg.PollInterval),
		logger:  logger,
		obs:     cfg.Observer,
		loaded:  make(chan struct{}),
	}
	rt.OnExchangeFinished(c.netlog.Record)
	rt.OnLoadFinished(c.signalLoad)
	rt.Start()
	return c
}

// Close releases the runtime and its engine.
func (c *Controller) Close() error {
	return c.rt.Close()
}

// armLoad starts a new navigation number and returns it.
func (c *Controller) armLoad() uint64 {
	c.loadMu.Lock()
	defer c.loadMu.Unlock()
	c.loaded = make(chan struct{})
	c.fired = false
	c.nav++
	return c.nav
}

// signalLoad ignores load events stamped with an older navigation. Events
// with nav 0 carry no stamp and are accepted.
func (c *Controller) signalLoad(nav uint64) {
	c.loadMu.Lock()
	defer c.loadMu.Unlock()
	if nav != 0 && nav != c.nav {
		c.logger.Debug("dropping stale load event",
			zap.Uint64("nav", nav),
			zap.Uint64("current", c.nav))
		return
	}
	if !c.fired {
		c.fired = true
		close(c.loaded)
	}
}

func (c *Controller) loadSignal() <-chan struct{} {
	c.loadMu.Lock()
	defer c.loadMu.Unlock()
	return c.loaded
}

func (c *Controller) loadFired() bool {
	c.loadMu.Lock()
	defer c.loadMu.Unlock()
	return c.fired
}

// Request navigates to rawURL. With opts.Wait it blocks until the page loads
// or opts.Timeout elapses and returns the correlated Result. Without it the
// result is (nil, nil) and Wait or GetResponse collect it later.
// A non-2xx status is not an error.
func (c *Controller) Request(ctx context.Context, rawURL string, opts Options) (*Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ValidateURL(rawURL); err != nil {
		return nil, err
	}
	opts = opts.normalized()

	// Late events of the previous navigation belong to the old log.
	c.rt.PumpPendingEvents()
	c.netlog.Reset()
	c.corr.Invalidate()
	c.result = nil
	c.err = nil
	nav := c.armLoad()

	req, err := c.configure(ctx, rawURL, opts)
	if err != nil {
		c.setState(Idle)
		c.err = err
		return nil, err
	}
	req.Nav = nav

	c.target = rawURL
	c.timeout = opts.Timeout
	c.started = time.Now()
	c.deadline = c.started.Add(opts.Timeout)
	c.setState(AwaitingLoad)

	c.logger.Debug("navigating",
		zap.String("url", rawURL),
		zap.String("method", req.Method),
		zap.Duration("timeout", opts.Timeout))

	if err := c.eng.Navigate(ctx, req); err != nil {
		c.setState(Idle)
		c.err = fmt.Errorf("failed to navigate to %s: %w", rawURL, err)
		return nil, c.err
	}

	if !opts.Wait {
		return nil, nil
	}
	return c.wait(ctx)
}

// Go is Request under its short name.
func (c *Controller) Go(ctx context.Context, rawURL string, opts Options) (*Result, error) {
	return c.Request(ctx, rawURL, opts)
}

func (c *Controller) configure(ctx context.Context, rawURL string, opts Options) (engine.Request, error) {
	if err := c.eng.SetUserAgent(ctx, c.session.UserAgent(opts.UserAgent)); err != nil {
		return engine.Request{}, fmt.Errorf("failed to set user agent: %w", err)
	}

	if proxy := c.session.Proxy(opts.Proxy); proxy != c.proxy {
		if err := c.eng.SetProxy(ctx, proxy); err != nil {
			return engine.Request{}, fmt.Errorf("failed to set proxy: %w", err)
		}
		c.proxy = proxy
	}

	if _, err := c.session.ApplyCookies(ctx, rawURL, opts.Cookies); err != nil {
		return engine.Request{}, err
	}

	headers := make(map[string]string, len(opts.Headers)+1)
	for k, v := range opts.Headers {
		headers[k] = v
	}
	req := engine.Request{
		URL:     rawURL,
		Method:  opts.Method,
		Headers: headers,
		Body:    opts.Body,
		Referer: opts.Referer,
	}
	if !req.IsGet() {
		// Header names are case-insensitive: one Content-Type goes out.
		for k := range headers {
			if strings.EqualFold(k, "Content-Type") {
				delete(headers, k)
			}
		}
		headers["Content-Type"] = formContentType
	}
	return req, nil
}

// Wait blocks until the pending navigation resolves or times out. After the
// navigation ended it returns the stored outcome.
func (c *Controller) Wait(ctx context.Context) (*Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.wait(ctx)
}

func (c *Controller) wait(ctx context.Context) (*Result, error) {
	if c.loadState() != AwaitingLoad {
		return c.settled()
	}

	remaining := time.Until(c.deadline)
	if remaining < 0 {
		remaining = 0
	}
	outcome, err := c.bridge.RunUntil(ctx, remaining, c.loadSignal())
	if err != nil {
		c.setState(Idle)
		c.err = fmt.Errorf("waiting for %s: %w", c.target, err)
		return nil, c.err
	}
	if outcome == bridge.TimedOut {
		return nil, c.timedOut()
	}
	return c.resolve(ctx)
}

func (c *Controller) observe(s State) {
	if c.obs != nil {
		c.obs.ObserveNavigation(s, time.Since(c.started), c.netlog.Len())
	}
}

func (c *Controller) timedOut() error {
	c.setState(TimedOut)
	c.observe(TimedOut)
	c.err = &TimeoutError{URL: c.target, Timeout: c.timeout}
	c.logger.Warn("navigation timed out",
		zap.String("url", c.target),
		zap.Duration("timeout", c.timeout),
		zap.Int("exchanges", c.netlog.Len()))
	return c.err
}

func (c *Controller) resolve(ctx context.Context) (*Result, error) {
	current, err := c.eng.CurrentURL(ctx)
	if err != nil {
		c.setState(Idle)
		c.err = fmt.Errorf("failed to read current url: %w", err)
		return nil, c.err
	}

	ex, err := c.corr.Resolve(current)
	if err != nil {
		c.setState(CorrelationFailed)
		c.observe(CorrelationFailed)
		c.err = err
		c.logger.Warn("response correlation failed",
			zap.String("url", c.target),
			zap.String("current_url", current),
			zap.Int("exchanges", c.netlog.Len()))
		return nil, err
	}

	cookies, err := c.session.Cookies(ctx)
	if err != nil {
		c.setState(Idle)
		c.err = err
		return nil, err
	}

	c.result = newResult(ex, cookies, c.netlog.ContentTypes(), c.eng)
	c.setState(Resolved)
	c.observe(Resolved)
	c.logger.Debug("navigation resolved",
		zap.String("url", ex.URL),
		zap.Int("status", ex.Status))
	return c.result, nil
}

func (c *Controller) settled() (*Result, error) {
	if c.result != nil {
		return c.result, nil
	}
	if c.err != nil {
		return nil, c.err
	}
	return nil, ErrNoNavigation
}

// GetResponse returns the response of the last navigation without blocking.
// While the page is still loading it returns ErrNavigationPending.
func (c *Controller) GetResponse(ctx context.Context) (*Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getResponse(ctx)
}

func (c *Controller) getResponse(ctx context.Context) (*Result, error) {
	if c.loadState() != AwaitingLoad {
		return c.settled()
	}
	c.rt.PumpPendingEvents()
	if c.loadFired() {
		return c.resolve(ctx)
	}
	if !time.Now().Before(c.deadline) {
		return nil, c.timedOut()
	}
	return nil, ErrNavigationPending
}

// AssertOK fails with *HTTPStatusError unless the response status is exactly
// 200.
func (c *Controller) AssertOK(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	res, err := c.getResponse(ctx)
	if err != nil {
		return err
	}
	if res.Status != 200 {
		return &HTTPStatusError{URL: res.URL, Status: res.Status}
	}
	return nil
}

// State returns the current navigation state. It does not wait for a
// blocked Request.
func (c *Controller) State() State {
	return c.loadState()
}

func (c *Controller) loadState() State {
	return State(c.state.Load())
}

func (c *Controller) setState(s State) {
	c.state.Store(int32(s))
}

// Cookies returns the whole engine cookie jar, independent of the last
// navigation.
func (c *Controller) Cookies(ctx context.Context) (map[string]string, error) {
	return c.session.Cookies(ctx)
}

// ContentTypes returns the content-type histogram of the current navigation.
func (c *Controller) ContentTypes() map[string]int {
	return c.netlog.ContentTypes()
}

// Exchanges returns every exchange recorded for the current navigation.
func (c *Controller) Exchanges() []*engine.Exchange {
	return c.netlog.All()
}

// Page returns the engine, for DOM access.
func (c *Controller) Page() engine.Engine {
	return c.eng
}

// Defaults returns the session defaults.
func (c *Controller) Defaults() session.Defaults {
	return c.session.Defaults()
}

// ValidateURL reports whether rawURL can be navigated to.
func ValidateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidURL, rawURL, err)
	}
	switch u.Scheme {
	case "http", "https":
		if u.Host == "" {
			return fmt.Errorf("%w: %s: missing host", ErrInvalidURL, rawURL)
		}
	case "file", "about", "data":
	default:
		return fmt.Errorf("%w: %s: unsupported scheme %q", ErrInvalidURL, rawURL, u.Scheme)
	}
	return nil
}
