package navigation_test

import (
	"context"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrdadan/wkit/internal/engine"
	"github.com/ahrdadan/wkit/internal/engine/enginetest"
	"github.com/ahrdadan/wkit/internal/navigation"
	"github.com/ahrdadan/wkit/internal/session"
)

func TestResultView(t *testing.T) {
	eng := enginetest.New()
	eng.Script("http://example.com/", enginetest.Script{
		Exchanges: []engine.Exchange{html("http://example.com/", 200, "<html><body>hi</body></html>")},
	})
	c := newController(t, eng, session.Defaults{})

	res, err := c.Request(context.Background(), "http://example.com/", navigation.DefaultOptions())
	require.NoError(t, err)

	v := res.View()
	assert.Equal(t, "http://example.com/", v.URL)
	assert.Equal(t, 200, v.Status)
	assert.Equal(t, "text/html", v.Headers["Content-Type"])
	assert.Equal(t, navigation.BodyText, v.BodyEncoding)
	assert.Equal(t, "<html><body>hi</body></html>", v.Body)
	assert.Equal(t, "text/html", v.SniffedType)
	assert.Equal(t, 1, v.ContentTypes["text/html"])
}

func TestResultViewBinaryBody(t *testing.T) {
	raw := []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0xff, 0xfe}
	eng := enginetest.New()
	eng.Script("http://example.com/logo.png", enginetest.Script{
		Exchanges: []engine.Exchange{{
			URL:     "http://example.com/logo.png",
			Status:  200,
			Headers: map[string][]byte{"Content-Type": []byte("image/png")},
			Body:    raw,
		}},
	})
	c := newController(t, eng, session.Defaults{})

	res, err := c.Request(context.Background(), "http://example.com/logo.png", navigation.DefaultOptions())
	require.NoError(t, err)

	v := res.View()
	assert.Equal(t, navigation.BodyBase64, v.BodyEncoding)
	assert.Equal(t, base64.StdEncoding.EncodeToString(raw), v.Body)
	assert.Equal(t, "image/png", v.SniffedType)
}
