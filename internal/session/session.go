// Package session holds the state shared by every navigation of one
// controller: defaults and cookie handling.
package session

import (
	"context"
	"fmt"
	"net/url"
	"sort"

	"github.com/ahrdadan/wkit/internal/engine"
)

// DefaultUserAgent is sent when neither the session nor the request sets one.
const DefaultUserAgent = "Mozilla"

// Defaults are the per-session fallbacks applied to every request.
type Defaults struct {
	UserAgent string
	Proxy     string
	// InjectCookies installs caller-supplied request cookies into the engine
	// jar before navigating. When false they are only scoped and discarded.
	InjectCookies bool
}

// State is the long-lived session state of one controller.
type State struct {
	defaults Defaults
	jar      CookieJar
}

// CookieJar is the engine's cookie store.
type CookieJar interface {
	Cookies(ctx context.Context) ([]engine.Cookie, error)
	SetCookies(ctx context.Context, cookies []engine.Cookie) error
}

// New creates session state backed by jar.
func New(jar CookieJar, d Defaults) *State {
	if d.UserAgent == "" {
		d.UserAgent = DefaultUserAgent
	}
	return &State{defaults: d, jar: jar}
}

// Defaults returns the configured defaults.
func (s *State) Defaults() Defaults {
	return s.defaults
}

// UserAgent returns ua, or the session default when ua is empty.
func (s *State) UserAgent(ua string) string {
	if ua != "" {
		return ua
	}
	return s.defaults.UserAgent
}

// Proxy returns proxy, or the session default when proxy is empty.
func (s *State) Proxy(proxy string) string {
	if proxy != "" {
		return proxy
	}
	return s.defaults.Proxy
}

// ApplyCookies scopes cookies to targetURL and, when injection is enabled,
// installs them into the engine jar. It returns the scoped cookies.
func (s *State) ApplyCookies(ctx context.Context, targetURL string, cookies map[string]string) ([]engine.Cookie, error) {
	if len(cookies) == 0 {
		return nil, nil
	}
	scoped, err := ScopeCookies(targetURL, cookies)
	if err != nil {
		return nil, err
	}
	if !s.defaults.InjectCookies {
		return scoped, nil
	}
	if err := s.jar.SetCookies(ctx, scoped); err != nil {
		return nil, fmt.Errorf("failed to set cookies: %w", err)
	}
	return scoped, nil
}

// Cookies returns the whole engine jar as name -> value.
func (s *State) Cookies(ctx context.Context) (map[string]string, error) {
	cookies, err := s.jar.Cookies(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read cookies: %w", err)
	}
	out := make(map[string]string, len(cookies))
	for _, c := range cookies {
		out[c.Name] = c.Value
	}
	return out, nil
}

// ScopeCookies builds engine cookies for targetURL's host: domain is a leading
// dot plus the host with any port stripped, path is "/". The result is sorted
// by name.
func ScopeCookies(targetURL string, cookies map[string]string) ([]engine.Cookie, error) {
	u, err := url.Parse(targetURL)
	if err != nil {
		return nil, fmt.Errorf("invalid cookie target %q: %w", targetURL, err)
	}
	domain := "." + u.Hostname()

	names := make([]string, 0, len(cookies))
	for name := range cookies {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]engine.Cookie, 0, len(names))
	for _, name := range names {
		out = append(out, engine.Cookie{
			Name:   name,
			Value:  cookies[name],
			Domain: domain,
			Path:   "/",
		})
	}
	return out, nil
}
