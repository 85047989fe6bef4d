// Package enginetest provides a scripted in-memory engine.Engine for tests.
package enginetest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ahrdadan/wkit/internal/engine"
)

// Script describes how the engine reacts to a navigation of one URL.
type Script struct {
	// Exchanges are emitted in order after Delay.
	Exchanges []engine.Exchange
	// FinalURL is what CurrentURL reports once the navigation started.
	// Empty means the requested URL.
	FinalURL string
	// NoLoad suppresses the load-finished event.
	NoLoad bool
	// Delay is waited before the first event is emitted.
	Delay time.Duration
	// SetCookies are added to the jar before load-finished.
	SetCookies []engine.Cookie
	// NavigateErr is returned synchronously from Navigate.
	NavigateErr error
	// HTML is returned by HTML after the navigation.
	HTML string
}

// Engine is a scripted engine. Unknown URLs load with no exchanges.
type Engine struct {
	mu        sync.Mutex
	scripts   map[string]Script
	events    chan engine.Event
	current   string
	html      string
	userAgent string
	proxy     string
	proxyErr  error
	jar       []engine.Cookie
	requests  []engine.Request
	wg        sync.WaitGroup
	closed    bool
	closeCh   chan struct{}
}

// New creates an empty scripted engine.
func New() *Engine {
	return &Engine{
		scripts: make(map[string]Script),
		events:  make(chan engine.Event, 256),
		current: "about:blank",
		closeCh: make(chan struct{}),
	}
}

// Script registers the behaviour for navigations to url.
func (e *Engine) Script(url string, s Script) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.scripts[url] = s
}

// Emit pushes an event directly, as if it arrived late from the engine.
func (e *Engine) Emit(ev engine.Event) {
	e.events <- ev
}

// Navigate starts emitting the scripted events asynchronously.
func (e *Engine) Navigate(ctx context.Context, req engine.Request) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return fmt.Errorf("engine closed")
	}
	s := e.scripts[req.URL]
	e.requests = append(e.requests, copyRequest(req))
	if s.NavigateErr != nil {
		e.mu.Unlock()
		return s.NavigateErr
	}
	e.current = req.URL
	if s.FinalURL != "" {
		e.current = s.FinalURL
	}
	e.html = s.HTML
	e.wg.Add(1)
	e.mu.Unlock()

	go e.play(s, req.Nav)
	return nil
}

func (e *Engine) play(s Script, nav uint64) {
	defer e.wg.Done()

	if s.Delay > 0 {
		select {
		case <-time.After(s.Delay):
		case <-e.closeCh:
			return
		}
	}
	for i := range s.Exchanges {
		ex := s.Exchanges[i]
		if !e.send(engine.Event{Type: engine.ExchangeFinished, Exchange: &ex, Nav: nav}) {
			return
		}
	}
	if len(s.SetCookies) > 0 {
		e.mu.Lock()
		e.jar = mergeCookies(e.jar, s.SetCookies)
		e.mu.Unlock()
	}
	if !s.NoLoad {
		e.send(engine.Event{Type: engine.LoadFinished, Nav: nav})
	}
}

func (e *Engine) send(ev engine.Event) bool {
	select {
	case e.events <- ev:
		return true
	case <-e.closeCh:
		return false
	}
}

// Events returns the event channel.
func (e *Engine) Events() <-chan engine.Event {
	return e.events
}

// CurrentURL returns the scripted final URL of the last navigation.
func (e *Engine) CurrentURL(ctx context.Context) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current, nil
}

// SetUserAgent records the user agent.
func (e *Engine) SetUserAgent(ctx context.Context, userAgent string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.userAgent = userAgent
	return nil
}

// SetProxy records the proxy, or fails with the error given to FailProxy.
func (e *Engine) SetProxy(ctx context.Context, proxy string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.proxyErr != nil {
		return e.proxyErr
	}
	e.proxy = proxy
	return nil
}

// FailProxy makes every later SetProxy return err. nil restores success.
func (e *Engine) FailProxy(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.proxyErr = err
}

// Cookies returns a copy of the jar.
func (e *Engine) Cookies(ctx context.Context) ([]engine.Cookie, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]engine.Cookie(nil), e.jar...), nil
}

// SetCookies merges cookies into the jar by name.
func (e *Engine) SetCookies(ctx context.Context, cookies []engine.Cookie) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.jar = mergeCookies(e.jar, cookies)
	return nil
}

// HTML returns the scripted rendered HTML.
func (e *Engine) HTML(ctx context.Context) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.html, nil
}

// Close stops pending playback.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	close(e.closeCh)
	e.mu.Unlock()

	e.wg.Wait()
	return nil
}

// Requests returns every navigation request received so far.
func (e *Engine) Requests() []engine.Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]engine.Request(nil), e.requests...)
}

// UserAgent returns the last user agent set.
func (e *Engine) UserAgent() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.userAgent
}

// Proxy returns the last proxy set.
func (e *Engine) Proxy() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.proxy
}

func mergeCookies(jar, add []engine.Cookie) []engine.Cookie {
	for _, c := range add {
		replaced := false
		for i := range jar {
			if jar[i].Name == c.Name && jar[i].Domain == c.Domain {
				jar[i] = c
				replaced = true
				break
			}
		}
		if !replaced {
			jar = append(jar, c)
		}
	}
	return jar
}

func copyRequest(req engine.Request) engine.Request {
	out := req
	if req.Headers != nil {
		out.Headers = make(map[string]string, len(req.Headers))
		for k, v := range req.Headers {
			out.Headers[k] = v
		}
	}
	out.Body = append([]byte(nil), req.Body...)
	return out
}
