package netlog_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ahrdadan/wkit/internal/engine"
	"github.com/ahrdadan/wkit/internal/netlog"
)

func exchange(url, contentType string) *engine.Exchange {
	h := map[string][]byte{}
	if contentType != "" {
		h["Content-Type"] = []byte(contentType)
	}
	return &engine.Exchange{URL: url, Status: 200, Headers: h}
}

func TestRecordKeepsArrivalOrderAndCountsTypes(t *testing.T) {
	l := netlog.New()
	l.Record(exchange("http://a/app.js", "application/javascript"))
	l.Record(exchange("http://a/", "text/html; charset=utf-8"))
	l.Record(exchange("http://a/other", "text/html"))
	l.Record(exchange("http://a/blob", ""))
	l.Record(nil)

	all := l.All()
	assert.Len(t, all, 4)
	assert.Equal(t, "http://a/app.js", all[0].URL)
	assert.Equal(t, "http://a/", all[1].URL)

	assert.Equal(t, map[string]int{
		"application/javascript": 1,
		"text/html":              2,
		"":                       1,
	}, l.ContentTypes())
}

func TestContentTypeComparisonIsCaseSensitive(t *testing.T) {
	l := netlog.New()
	l.Record(exchange("http://a/1", "text/HTML"))
	l.Record(exchange("http://a/2", "text/html"))

	assert.Equal(t, map[string]int{"text/HTML": 1, "text/html": 1}, l.ContentTypes())
}

func TestResetIsIdempotent(t *testing.T) {
	l := netlog.New()
	l.Record(exchange("http://a/", "text/html"))
	gen := l.Generation()

	for i := 0; i < 2; i++ {
		l.Reset()
		assert.Empty(t, l.All())
		assert.Zero(t, l.Len())
		assert.Empty(t, l.ContentTypes())
	}
	assert.Equal(t, gen+2, l.Generation())
}

func TestAllReturnsCopy(t *testing.T) {
	l := netlog.New()
	l.Record(exchange("http://a/", "text/html"))

	all := l.All()
	all[0] = nil
	assert.NotNil(t, l.All()[0])

	ct := l.ContentTypes()
	ct["text/html"] = 99
	assert.Equal(t, 1, l.ContentTypes()["text/html"])
}
