// Package rodengine implements engine.Engine on Chromium through the
// DevTools protocol.
package rodengine

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"go.uber.org/zap"

	"github.com/ahrdadan/wkit/internal/engine"
)

// DefaultEventBuffer is the capacity of the event channel.
const DefaultEventBuffer = 1024

// ErrRemoteProxy is returned when a proxy is requested for a browser this
// engine did not launch.
var ErrRemoteProxy = errors.New("proxy cannot be changed on a remote browser")

// Options configure the engine.
type Options struct {
	// Bin is the Chromium binary. Empty lets rod find or download one.
	Bin string
	// ControlURL connects to a running browser instead of launching one.
	ControlURL string
	Headless   bool
	NoSandbox  bool
	// Stealth opens pages with evasion scripts applied.
	Stealth bool
	// Proxy is applied at launch.
	Proxy       string
	EventBuffer int
	Logger      *zap.Logger
}

// Engine drives one Chromium page.
type Engine struct {
	opts   Options
	log    *zap.Logger
	events chan engine.Event

	mu           sync.Mutex
	launcher     *launcher.Launcher
	browser      *rod.Browser
	page         *rod.Page
	stopListen   context.CancelFunc
	router       *rod.HijackRouter
	clearHeaders func()
	proxy        string
	closed       bool

	netMu    sync.Mutex
	pending  map[proto.NetworkRequestID]*engine.Exchange
	loaderID proto.NetworkLoaderID
	loaded   map[proto.NetworkLoaderID]bool
	nav      uint64
}

// New launches (or connects to) the browser and opens the page.
func New(opts Options) (*Engine, error) {
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = DefaultEventBuffer
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	e := &Engine{
		opts:    opts,
		log:     opts.Logger,
		events:  make(chan engine.Event, opts.EventBuffer),
		pending: make(map[proto.NetworkRequestID]*engine.Exchange),
		loaded:  make(map[proto.NetworkLoaderID]bool),
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.open(opts.Proxy); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Engine) open(proxy string) error {
	controlURL := e.opts.ControlURL
	var l *launcher.Launcher

	if controlURL == "" {
		l = launcher.New().Headless(e.opts.Headless).NoSandbox(e.opts.NoSandbox)
		if e.opts.Bin != "" {
			l = l.Bin(e.opts.Bin)
		}
		if proxy != "" {
			l = l.Proxy(proxy)
		}
		u, err := l.Launch()
		if err != nil {
			return fmt.Errorf("failed to launch chrome: %w", err)
		}
		controlURL = u
	} else if proxy != "" {
		return ErrRemoteProxy
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		killLauncher(l)
		return fmt.Errorf("failed to connect to chrome: %w", err)
	}

	page, err := e.newPage(browser)
	if err != nil {
		_ = browser.Close()
		killLauncher(l)
		return fmt.Errorf("failed to create new page: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := e.listen(ctx, page); err != nil {
		cancel()
		_ = browser.Close()
		killLauncher(l)
		return err
	}

	e.launcher = l
	e.browser = browser
	e.page = page
	e.stopListen = cancel
	e.proxy = proxy

	e.log.Info("chrome ready",
		zap.String("endpoint", controlURL),
		zap.String("proxy", proxy),
		zap.Bool("stealth", e.opts.Stealth))
	return nil
}

func (e *Engine) newPage(browser *rod.Browser) (*rod.Page, error) {
	if e.opts.Stealth {
		return stealth.Page(browser)
	}
	return browser.Page(proto.TargetCreateTarget{})
}

func (e *Engine) shutdown() {
	if e.stopListen != nil {
		e.stopListen()
		e.stopListen = nil
	}
	e.stopRouter()
	e.clearHeaders = nil

	if e.launcher == nil {
		// Remote browsers outlive us, only the page is ours.
		if e.page != nil {
			if err := e.page.Close(); err != nil {
				e.log.Warn("failed to close page", zap.Error(err))
			}
		}
	} else if e.browser != nil {
		if err := e.browser.Close(); err != nil {
			e.log.Warn("failed to close chrome", zap.Error(err))
		}
	}
	killLauncher(e.launcher)

	e.launcher = nil
	e.browser = nil
	e.page = nil
}

func (e *Engine) stopRouter() {
	if e.router == nil {
		return
	}
	if err := e.router.Stop(); err != nil {
		e.log.Debug("failed to stop request router", zap.Error(err))
	}
	e.router = nil
}

func killLauncher(l *launcher.Launcher) {
	if l == nil {
		return
	}
	l.Kill()
	l.Cleanup()
}

// listen turns CDP network and lifecycle events into engine events.
func (e *Engine) listen(ctx context.Context, page *rod.Page) error {
	if err := (proto.NetworkEnable{}).Call(page); err != nil {
		return fmt.Errorf("failed to enable network events: %w", err)
	}
	if err := (proto.PageEnable{}).Call(page); err != nil {
		return fmt.Errorf("failed to enable page events: %w", err)
	}
	if err := (proto.PageSetLifecycleEventsEnabled{Enabled: true}).Call(page); err != nil {
		return fmt.Errorf("failed to enable lifecycle events: %w", err)
	}
	if err := (proto.RuntimeEnable{}).Call(page); err != nil {
		return fmt.Errorf("failed to enable runtime events: %w", err)
	}

	p := page.Context(ctx)
	wait := p.EachEvent(
		func(ev *proto.NetworkRequestWillBeSent) {
			if ev.RedirectResponse == nil {
				return
			}
			// Each hop of a redirect chain is an exchange of its own.
			e.emitExchange(ctx, exchangeFrom(ev.RedirectResponse))
		},
		func(ev *proto.NetworkResponseReceived) {
			if ev.Response == nil {
				return
			}
			e.netMu.Lock()
			e.pending[ev.RequestID] = exchangeFrom(ev.Response)
			e.netMu.Unlock()
		},
		func(ev *proto.NetworkLoadingFinished) {
			ex := e.takePending(ev.RequestID)
			if ex == nil {
				return
			}
			ex.Body = e.responseBody(p, ev.RequestID)
			e.emitExchange(ctx, ex)
		},
		func(ev *proto.NetworkLoadingFailed) {
			ex := e.takePending(ev.RequestID)
			if ex == nil {
				e.log.Debug("load failed before response",
					zap.String("request_id", string(ev.RequestID)),
					zap.String("error", ev.ErrorText))
				return
			}
			e.emitExchange(ctx, ex)
		},
		func(ev *proto.PageLifecycleEvent) {
			if ev.Name != "load" {
				return
			}
			e.netMu.Lock()
			current := ev.LoaderID == e.loaderID && e.loaderID != ""
			if !current {
				e.loaded[ev.LoaderID] = true
			}
			nav := e.nav
			e.netMu.Unlock()
			if current {
				e.emit(ctx, engine.Event{Type: engine.LoadFinished, Nav: nav})
			}
		},
		func(ev *proto.PageJavascriptDialogOpening) {
			// An open dialog blocks the load event.
			e.log.Info("accepting javascript dialog",
				zap.String("type", string(ev.Type)),
				zap.String("message", ev.Message))
			if err := dialogReply(ev).Call(p); err != nil {
				e.log.Warn("failed to answer javascript dialog", zap.Error(err))
			}
		},
		func(ev *proto.RuntimeConsoleAPICalled) {
			e.log.Error("javascript console",
				zap.String("level", string(ev.Type)),
				zap.String("message", consoleText(ev.Args)))
		},
	)
	go wait()
	return nil
}

// dialogReply accepts alert, confirm and prompt dialogs. Prompts get their
// default text.
func dialogReply(ev *proto.PageJavascriptDialogOpening) proto.PageHandleJavaScriptDialog {
	reply := proto.PageHandleJavaScriptDialog{Accept: true}
	if ev.Type == proto.PageDialogTypePrompt {
		reply.PromptText = ev.DefaultPrompt
	}
	return reply
}

func consoleText(args []*proto.RuntimeRemoteObject) string {
	parts := make([]string, 0, len(args))
	for _, a := range args {
		if a == nil {
			continue
		}
		switch {
		case !a.Value.Nil():
			parts = append(parts, a.Value.Str())
		case a.Description != "":
			parts = append(parts, a.Description)
		default:
			parts = append(parts, string(a.Type))
		}
	}
	return strings.Join(parts, " ")
}

func (e *Engine) takePending(id proto.NetworkRequestID) *engine.Exchange {
	e.netMu.Lock()
	defer e.netMu.Unlock()
	ex := e.pending[id]
	delete(e.pending, id)
	return ex
}

func (e *Engine) responseBody(page *rod.Page, id proto.NetworkRequestID) []byte {
	res, err := proto.NetworkGetResponseBody{RequestID: id}.Call(page)
	if err != nil {
		// Redirects and evicted resources have no body.
		e.log.Debug("response body unavailable",
			zap.String("request_id", string(id)),
			zap.Error(err))
		return nil
	}
	return decodeBody(res)
}

func decodeBody(res *proto.NetworkGetResponseBodyResult) []byte {
	if !res.Base64Encoded {
		return []byte(res.Body)
	}
	b, err := base64.StdEncoding.DecodeString(res.Body)
	if err != nil {
		return []byte(res.Body)
	}
	return b
}

func (e *Engine) emitExchange(ctx context.Context, ex *engine.Exchange) {
	e.emit(ctx, engine.Event{Type: engine.ExchangeFinished, Exchange: ex})
}

func (e *Engine) emit(ctx context.Context, ev engine.Event) {
	select {
	case e.events <- ev:
	case <-ctx.Done():
	}
}

// Events returns the channel every network and load event is sent on.
func (e *Engine) Events() <-chan engine.Event {
	return e.events
}

// Navigate issues a top-level navigation. It returns once the navigation is
// committed to; its completion is reported through Events.
func (e *Engine) Navigate(ctx context.Context, req engine.Request) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	page, err := e.livePage()
	if err != nil {
		return err
	}
	p := page.Context(ctx)

	e.stopRouter()
	if e.clearHeaders != nil {
		e.clearHeaders()
		e.clearHeaders = nil
	}

	if pairs := headerPairs(req.Headers, !req.IsGet()); len(pairs) > 0 {
		cleanup, err := p.SetExtraHeaders(pairs)
		if err != nil {
			return fmt.Errorf("failed to set headers: %w", err)
		}
		e.clearHeaders = cleanup
	}

	if !req.IsGet() {
		router, err := e.hijackDocument(page, req)
		if err != nil {
			return err
		}
		e.router = router
	}

	e.netMu.Lock()
	e.loaderID = ""
	e.loaded = make(map[proto.NetworkLoaderID]bool)
	e.nav = req.Nav
	e.netMu.Unlock()

	res, err := proto.PageNavigate{URL: req.URL, Referrer: req.Referer}.Call(p)
	if err != nil {
		return fmt.Errorf("failed to navigate to %s: %w", req.URL, err)
	}
	if res.ErrorText != "" {
		return fmt.Errorf("failed to navigate to %s: %s", req.URL, res.ErrorText)
	}

	e.netMu.Lock()
	e.loaderID = res.LoaderID
	// Same-document navigations have no loader and never fire load.
	settled := res.LoaderID == "" || e.loaded[res.LoaderID]
	e.netMu.Unlock()

	if settled {
		e.emit(ctx, engine.Event{Type: engine.LoadFinished, Nav: req.Nav})
	}
	return nil
}

// hijackDocument rewrites the first document request of the navigation to
// carry req's method and body.
func (e *Engine) hijackDocument(page *rod.Page, req engine.Request) (*rod.HijackRouter, error) {
	var done atomic.Bool
	router := page.HijackRequests()

	err := router.Add("*", proto.NetworkResourceTypeDocument, func(h *rod.Hijack) {
		if !done.CompareAndSwap(false, true) {
			h.ContinueRequest(&proto.FetchContinueRequest{})
			return
		}

		headers := make([]*proto.FetchHeaderEntry, 0, len(req.Headers)+8)
		for name, value := range h.Request.Headers() {
			if _, override := lookupFold(req.Headers, name); override {
				continue
			}
			headers = append(headers, &proto.FetchHeaderEntry{Name: name, Value: value.Str()})
		}
		for name, value := range req.Headers {
			headers = append(headers, &proto.FetchHeaderEntry{Name: name, Value: value})
		}

		h.ContinueRequest(&proto.FetchContinueRequest{
			Method:   strings.ToUpper(req.Method),
			PostData: req.Body,
			Headers:  headers,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to intercept %s request: %w", req.Method, err)
	}

	go router.Run()
	return router, nil
}

// CurrentURL returns the URL the page settled on.
func (e *Engine) CurrentURL(ctx context.Context) (string, error) {
	page, err := e.currentPage()
	if err != nil {
		return "", err
	}
	info, err := page.Context(ctx).Info()
	if err != nil {
		return "", fmt.Errorf("failed to read page info: %w", err)
	}
	return info.URL, nil
}

// SetUserAgent overrides the user agent of the page.
func (e *Engine) SetUserAgent(ctx context.Context, userAgent string) error {
	page, err := e.currentPage()
	if err != nil {
		return err
	}
	return page.Context(ctx).SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: userAgent})
}

// SetProxy relaunches the browser behind proxy. An empty proxy relaunches it
// without one.
func (e *Engine) SetProxy(ctx context.Context, proxy string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return errClosed
	}
	if proxy == e.proxy {
		return nil
	}
	if e.opts.ControlURL != "" {
		return ErrRemoteProxy
	}

	e.log.Info("relaunching chrome for proxy change", zap.String("proxy", proxy))
	e.shutdown()
	return e.open(proxy)
}

// Cookies returns every cookie in the browser.
func (e *Engine) Cookies(ctx context.Context) ([]engine.Cookie, error) {
	e.mu.Lock()
	browser := e.browser
	e.mu.Unlock()
	if browser == nil {
		return nil, errClosed
	}

	cookies, err := browser.Context(ctx).GetCookies()
	if err != nil {
		return nil, fmt.Errorf("failed to get cookies: %w", err)
	}
	return fromNetworkCookies(cookies), nil
}

// SetCookies installs cookies into the browser jar.
func (e *Engine) SetCookies(ctx context.Context, cookies []engine.Cookie) error {
	page, err := e.currentPage()
	if err != nil {
		return err
	}
	if err := page.Context(ctx).SetCookies(toCookieParams(cookies)); err != nil {
		return fmt.Errorf("failed to set cookies: %w", err)
	}
	return nil
}

// HTML returns the rendered DOM.
func (e *Engine) HTML(ctx context.Context) (string, error) {
	page, err := e.currentPage()
	if err != nil {
		return "", err
	}
	return page.Context(ctx).HTML()
}

// Close releases the page and, when launched here, the browser.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true
	e.shutdown()
	return nil
}

var errClosed = errors.New("engine closed")

func (e *Engine) livePage() (*rod.Page, error) {
	if e.closed || e.page == nil {
		return nil, errClosed
	}
	return e.page, nil
}

func (e *Engine) currentPage() (*rod.Page, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.livePage()
}

func exchangeFrom(resp *proto.NetworkResponse) *engine.Exchange {
	headers := make(map[string][]byte, len(resp.Headers))
	for name, value := range resp.Headers {
		headers[name] = []byte(value.Str())
	}
	return &engine.Exchange{
		URL:     resp.URL,
		Status:  resp.Status,
		Headers: headers,
	}
}

// headerPairs flattens headers for SetExtraHeaders. Content-Type is left to
// request interception when the request carries a body.
func headerPairs(headers map[string]string, hasBody bool) []string {
	pairs := make([]string, 0, len(headers)*2)
	for name, value := range headers {
		if hasBody && strings.EqualFold(name, "Content-Type") {
			continue
		}
		pairs = append(pairs, name, value)
	}
	return pairs
}

func lookupFold(headers map[string]string, name string) (string, bool) {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}

func toCookieParams(cookies []engine.Cookie) []*proto.NetworkCookieParam {
	params := make([]*proto.NetworkCookieParam, 0, len(cookies))
	for _, c := range cookies {
		param := &proto.NetworkCookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
		}
		if c.Expires > 0 {
			param.Expires = proto.TimeSinceEpoch(c.Expires)
		}
		params = append(params, param)
	}
	return params
}

func fromNetworkCookies(cookies []*proto.NetworkCookie) []engine.Cookie {
	out := make([]engine.Cookie, 0, len(cookies))
	for _, c := range cookies {
		cookie := engine.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
		}
		if c.Expires > 0 {
			cookie.Expires = int64(c.Expires)
		}
		out = append(out, cookie)
	}
	return out
}
