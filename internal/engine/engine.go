// Package engine defines the contract between the navigation core and a
// rendering engine, plus the runtime that pumps engine events.
package engine

import (
	"context"
	"net/http"
	"strings"
)

// EventType identifies what an engine event reports.
type EventType int

const (
	// ExchangeFinished reports one completed network exchange.
	ExchangeFinished EventType = iota
	// LoadFinished reports that the top-level navigation settled.
	LoadFinished
)

func (t EventType) String() string {
	switch t {
	case ExchangeFinished:
		return "exchange_finished"
	case LoadFinished:
		return "load_finished"
	default:
		return "unknown"
	}
}

// Exchange is one completed HTTP(S) request/response pair observed by the
// engine. It is never mutated after the engine emits it.
type Exchange struct {
	URL string
	// Status is the HTTP status code, 0 when the engine could not attribute one.
	Status  int
	Headers map[string][]byte
	Body    []byte
}

// Header returns the value of the named header. The name match is
// case-insensitive, the value is returned as delivered.
func (e *Exchange) Header(name string) string {
	if e == nil {
		return ""
	}
	if v, ok := e.Headers[name]; ok {
		return string(v)
	}
	for k, v := range e.Headers {
		if strings.EqualFold(k, name) {
			return string(v)
		}
	}
	return ""
}

// ContentType returns the Content-Type header cut at its first ';'. The
// media type is otherwise kept as delivered, whitespace and case included.
func (e *Exchange) ContentType() string {
	ct := e.Header("Content-Type")
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return ct
}

// Event is a single notification delivered by the engine.
type Event struct {
	Type     EventType
	Exchange *Exchange
	// Nav is the Request.Nav of the navigation the event belongs to, 0 when
	// the engine cannot tell.
	Nav uint64
}

// Request describes one top-level navigation.
type Request struct {
	URL     string
	Method  string
	Headers map[string]string
	Body    []byte
	Referer string
	// Nav identifies the navigation. Engines echo it on the events they
	// attribute to it.
	Nav uint64
}

// IsGet reports whether the request uses the GET method.
func (r Request) IsGet() bool {
	return r.Method == "" || strings.EqualFold(r.Method, http.MethodGet)
}

// Cookie is an engine cookie.
type Cookie struct {
	Name     string `json:"name"`
	Value    string `json:"value"`
	Domain   string `json:"domain,omitempty"`
	Path     string `json:"path,omitempty"`
	Expires  int64  `json:"expires,omitempty"`
	HTTPOnly bool   `json:"http_only,omitempty"`
	Secure   bool   `json:"secure,omitempty"`
}

// Engine is the rendering engine collaborator. Navigate is asynchronous:
// progress is reported through the Events channel.
type Engine interface {
	Navigate(ctx context.Context, req Request) error
	Events() <-chan Event
	CurrentURL(ctx context.Context) (string, error)
	SetUserAgent(ctx context.Context, userAgent string) error
	SetProxy(ctx context.Context, proxy string) error
	Cookies(ctx context.Context) ([]Cookie, error)
	SetCookies(ctx context.Context, cookies []Cookie) error
	HTML(ctx context.Context) (string, error)
	Close() error
}
