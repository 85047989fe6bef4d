package navigation

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"

	"github.com/ahrdadan/wkit/internal/document"
	"github.com/ahrdadan/wkit/internal/engine"
)

// Result is the response to one navigation: the correlated exchange plus the
// session cookies at the time it resolved.
type Result struct {
	URL          string
	Status       int
	Headers      map[string][]byte
	Body         []byte
	Cookies      map[string]string
	ContentTypes map[string]int

	page engine.Engine
}

func newResult(ex *engine.Exchange, cookies map[string]string, contentTypes map[string]int, page engine.Engine) *Result {
	return &Result{
		URL:          ex.URL,
		Status:       ex.Status,
		Headers:      ex.Headers,
		Body:         ex.Body,
		Cookies:      cookies,
		ContentTypes: contentTypes,
		page:         page,
	}
}

// Header returns a response header, matching the name case-insensitively.
func (r *Result) Header(name string) string {
	ex := engine.Exchange{Headers: r.Headers}
	return ex.Header(name)
}

// HeaderStrings returns the headers as strings.
func (r *Result) HeaderStrings() map[string]string {
	out := make(map[string]string, len(r.Headers))
	for k, v := range r.Headers {
		out[k] = string(v)
	}
	return out
}

// Document parses the response body, decoded to UTF-8.
func (r *Result) Document() (*document.Document, error) {
	return document.ParseBody(r.Body, r.Header("Content-Type"))
}

// Rendered parses the page as the engine currently renders it.
func (r *Result) Rendered(ctx context.Context) (*document.Document, error) {
	if r.page == nil {
		return nil, fmt.Errorf("result has no page")
	}
	markup, err := r.page.HTML(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read rendered html: %w", err)
	}
	return document.ParseString(markup)
}

// Body encodings used by View.
const (
	BodyText   = "text"
	BodyBase64 = "base64"
)

// View is the JSON form of a Result.
type View struct {
	URL          string            `json:"url"`
	Status       int               `json:"status"`
	Headers      map[string]string `json:"headers"`
	Body         string            `json:"body"`
	BodyEncoding string            `json:"body_encoding"`
	Cookies      map[string]string `json:"cookies"`
	ContentTypes map[string]int    `json:"content_types"`
	SniffedType  string            `json:"sniffed_type,omitempty"`
}

// View converts r for serialization. Bodies that are not valid UTF-8 are
// base64 encoded.
func (r *Result) View() View {
	v := View{
		URL:          r.URL,
		Status:       r.Status,
		Headers:      r.HeaderStrings(),
		Body:         string(r.Body),
		BodyEncoding: BodyText,
		Cookies:      r.Cookies,
		ContentTypes: r.ContentTypes,
	}
	if !utf8.Valid(r.Body) {
		v.Body = base64.StdEncoding.EncodeToString(r.Body)
		v.BodyEncoding = BodyBase64
	}
	if len(r.Body) > 0 {
		sniffed, _, _ := strings.Cut(mimetype.Detect(r.Body).String(), ";")
		v.SniffedType = sniffed
	}
	return v
}
