package queue

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrdadan/wkit/internal/document"
	"github.com/ahrdadan/wkit/internal/engine"
	"github.com/ahrdadan/wkit/internal/engine/enginetest"
	"github.com/ahrdadan/wkit/internal/navigation"
	"github.com/ahrdadan/wkit/internal/session"
)

const listing = `<html><head><title>Listing</title></head><body><h2>One</h2><h2>Two</h2></body></html>`

func newProcessor(t *testing.T, eng *enginetest.Engine) *NavigateProcessor {
	t.Helper()
	rt := engine.NewRuntime(eng, engine.RuntimeOptions{PumpInterval: time.Millisecond})
	c := navigation.NewController(rt, navigation.Config{Session: session.Defaults{}, PollInterval: time.Millisecond})
	t.Cleanup(func() { _ = c.Close() })
	return NewNavigateProcessor(c, nil)
}

func page(url string, status int, body string) engine.Exchange {
	return engine.Exchange{
		URL:     url,
		Status:  status,
		Headers: map[string][]byte{"Content-Type": []byte("text/html")},
		Body:    []byte(body),
	}
}

func TestProcessNavigatesAndExtracts(t *testing.T) {
	eng := enginetest.New()
	eng.Script("http://example.com/list", enginetest.Script{
		Exchanges: []engine.Exchange{page("http://example.com/list", 200, listing)},
		HTML:      `<html><body><h2>Rendered</h2></body></html>`,
	})
	p := newProcessor(t, eng)

	job := NewJob(JobRequest{
		URL:     "http://example.com/list",
		Extract: &ExtractConfig{Query: document.Query{Selector: "h2", All: true}},
	})

	var progress []int
	res, err := p.Process(context.Background(), job, func(pct int, _ string) { progress = append(progress, pct) })
	require.NoError(t, err)

	assert.Equal(t, 200, res.Response.Status)
	assert.Equal(t, listing, res.Response.Body)
	require.Len(t, res.Matches, 2)
	assert.Equal(t, "Two", res.Matches[1].Text)
	assert.Equal(t, []int{10, 70, 100}, progress)
	assert.Equal(t, "completed", job.ProgressInfo.Stage)

	job.Request.Extract.Rendered = true
	res, err = p.Process(context.Background(), job, func(int, string) {})
	require.NoError(t, err)
	require.Len(t, res.Matches, 1)
	assert.Equal(t, "Rendered", res.Matches[0].Text)
}

func TestProcessAssertOK(t *testing.T) {
	eng := enginetest.New()
	eng.Script("http://example.com/missing", enginetest.Script{
		Exchanges: []engine.Exchange{page("http://example.com/missing", 404, "nope")},
	})
	p := newProcessor(t, eng)

	job := NewJob(JobRequest{URL: "http://example.com/missing"})
	res, err := p.Process(context.Background(), job, func(int, string) {})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, res.Response.Status)

	job.Request.AssertOK = true
	_, err = p.Process(context.Background(), job, func(int, string) {})
	assert.ErrorIs(t, err, navigation.ErrHTTPStatus)
}

func TestProcessExtractionMiss(t *testing.T) {
	eng := enginetest.New()
	eng.Script("http://example.com/list", enginetest.Script{
		Exchanges: []engine.Exchange{page("http://example.com/list", 200, listing)},
	})
	p := newProcessor(t, eng)

	job := NewJob(JobRequest{
		URL:     "http://example.com/list",
		Extract: &ExtractConfig{Query: document.Query{XPath: "//table"}},
	})
	_, err := p.Process(context.Background(), job, func(int, string) {})
	assert.ErrorIs(t, err, document.ErrElementNotFound)
}

func TestProcessTimeout(t *testing.T) {
	eng := enginetest.New()
	eng.Script("http://example.com/slow", enginetest.Script{NoLoad: true})
	p := newProcessor(t, eng)

	job := NewJob(JobRequest{URL: "http://example.com/slow", Timeout: 1})
	_, err := p.Process(context.Background(), job, func(int, string) {})
	assert.ErrorIs(t, err, navigation.ErrTimeout)

	_, err = p.Process(context.Background(), NewJob(JobRequest{}), func(int, string) {})
	assert.ErrorContains(t, err, "url is required")
}
